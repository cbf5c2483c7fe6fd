package store

import (
	"context"
	"fmt"
	"maps"

	"github.com/google/uuid"

	"github.com/etoile/CoreObject-sub001/pkg/diff"
	"github.com/etoile/CoreObject-sub001/pkg/item"
)

// Diff source names used by the merge helpers. Pass one of them as
// MergeOptions.Favor.
const (
	SourceTarget  = "target"
	SourceMerged  = "source"
	SourceUndo    = "undo"
	SourceCurrent = "current"
)

// Revision kinds recorded under MetaKind.
const (
	KindMerge         = "merge"
	KindSelectiveUndo = "selectiveUndo"
)

type MergeOptions struct {
	// Favor resolves every conflict in favor of the named source. When
	// empty, a merge with conflicts fails with ErrConflicts and returns the
	// diff for explicit resolution.
	Favor string
	// Revision is the UUID of the revision to write; a new one by default.
	Revision uuid.UUID
	Metadata map[string]string
}

type MergeResult struct {
	// Revision is the written revision.
	Revision uuid.UUID
	Diff     *diff.ItemGraphDiff
	Commit   CommitResult
}

// MergeBranches merges the current revision of source into target. The
// new revision has target's current revision as parent and source's as
// merge parent, and becomes target's current and head revision.
func (s *Store) MergeBranches(ctx context.Context, root, target, source uuid.UUID, opts MergeOptions) (MergeResult, error) {
	var (
		info         PersistentRootInfo
		tb, sb       BranchInfo
		base, gT, gS *item.Graph
		baseRev      uuid.UUID
	)
	err := s.View(func(r *Reader) error {
		var err error
		if info, err = r.PersistentRootInfo(root); err != nil {
			return err
		}
		if tb, err = r.BranchInfo(target); err != nil {
			return err
		}
		if sb, err = r.BranchInfo(source); err != nil {
			return err
		}
		if tb.PersistentRoot != root || sb.PersistentRoot != root {
			return fmt.Errorf("%w: branches %s and %s must belong to %s", ErrInvalidAction, target, source, root)
		}
		if baseRev, err = r.CommonAncestor(tb.CurrentRevision, sb.CurrentRevision); err != nil {
			return err
		}
		if baseRev == uuid.Nil {
			return fmt.Errorf("%w: %s and %s share no history", ErrInvalidAction, target, source)
		}
		if base, err = r.ItemGraphForRevision(baseRev); err != nil {
			return err
		}
		if gT, err = r.ItemGraphForRevision(tb.CurrentRevision); err != nil {
			return err
		}
		gS, err = r.ItemGraphForRevision(sb.CurrentRevision)
		return err
	})
	if err != nil {
		return MergeResult{}, err
	}

	d := diff.Merge(
		diff.Diff(base, gT, SourceTarget, diff.WithMetamodel(s.opts.Metamodel)),
		diff.Diff(base, gS, SourceMerged, diff.WithMetamodel(s.opts.Metamodel)),
	)
	meta := withKind(opts.Metadata, KindMerge)
	return s.commitMerged(ctx, d, opts, base, gT, WriteRevision{
		Root:        root,
		Branch:      target,
		Parent:      tb.CurrentRevision,
		MergeParent: sb.CurrentRevision,
		Metadata:    meta,
	}, info.TransactionID)
}

// SelectiveUndo reverts the changes revision rev made, keeping everything
// committed on branch since. The result is a new revision on branch.
func (s *Store) SelectiveUndo(ctx context.Context, root, branch, rev uuid.UUID, opts MergeOptions) (MergeResult, error) {
	var (
		info       PersistentRootInfo
		b          BranchInfo
		gR, gP, gC *item.Graph
	)
	err := s.View(func(r *Reader) error {
		var err error
		if info, err = r.PersistentRootInfo(root); err != nil {
			return err
		}
		if b, err = r.BranchInfo(branch); err != nil {
			return err
		}
		if b.PersistentRoot != root {
			return fmt.Errorf("%w: branch %s does not belong to %s", ErrInvalidAction, branch, root)
		}
		ri, err := r.RevisionInfo(rev)
		if err != nil {
			return err
		}
		if ri.Parent == uuid.Nil {
			return fmt.Errorf("%w: revision %s has no parent to return to", ErrInvalidAction, rev)
		}
		if gR, err = r.ItemGraphForRevision(rev); err != nil {
			return err
		}
		if gP, err = r.ItemGraphForRevision(ri.Parent); err != nil {
			return err
		}
		gC, err = r.ItemGraphForRevision(b.CurrentRevision)
		return err
	})
	if err != nil {
		return MergeResult{}, err
	}

	d := diff.Merge(
		diff.Diff(gR, gP, SourceUndo, diff.WithMetamodel(s.opts.Metamodel)),
		diff.Diff(gR, gC, SourceCurrent, diff.WithMetamodel(s.opts.Metamodel)),
	)
	meta := withKind(opts.Metadata, KindSelectiveUndo)
	return s.commitMerged(ctx, d, opts, gR, gC, WriteRevision{
		Root:     root,
		Branch:   branch,
		Parent:   b.CurrentRevision,
		Metadata: meta,
	}, info.TransactionID)
}

// commitMerged applies d to base and commits the result as a child of
// current (whose graph is cur).
func (s *Store) commitMerged(ctx context.Context, d *diff.ItemGraphDiff, opts MergeOptions, base, cur *item.Graph, w WriteRevision, txID int64) (MergeResult, error) {
	res := MergeResult{Diff: d}
	if d.State() == diff.HasConflicts {
		if opts.Favor == "" {
			return res, ErrConflicts
		}
		if err := d.ResolveFavoring(opts.Favor); err != nil {
			return res, err
		}
	}

	delta, err := MergedDelta(d, base, cur)
	if err != nil {
		return res, err
	}

	if opts.Revision == uuid.Nil {
		opts.Revision = uuid.New()
	}
	w.Revision = opts.Revision
	w.Delta = delta
	tx := NewTransaction().CommitRevision(w).Expect(w.Root, txID)
	commit, err := s.Execute(ctx, tx)
	if err != nil {
		return res, err
	}
	res.Revision = w.Revision
	res.Commit = commit
	return res, nil
}

// MergedDelta applies the resolved diff d to base and returns the items
// whose state differs from cur. Items the diff never touched keep the state
// they have in cur.
func MergedDelta(d *diff.ItemGraphDiff, base, cur *item.Graph) (*item.Graph, error) {
	merged := base.Clone()
	if _, err := d.ApplyTo(merged); err != nil {
		return nil, err
	}
	merged.SetRoot(cur.Root())

	touched := make(map[uuid.UUID]struct{})
	for _, e := range d.Edits() {
		touched[e.UUID] = struct{}{}
	}
	for _, id := range d.Created() {
		touched[id] = struct{}{}
	}
	delta := item.ModifiedItems(cur, merged)
	for _, id := range delta.UUIDs() {
		if _, ok := touched[id]; !ok {
			delta.Remove(id)
		}
	}
	return delta, nil
}

func withKind(meta map[string]string, kind string) map[string]string {
	out := maps.Clone(meta)
	if out == nil {
		out = make(map[string]string)
	}
	if _, ok := out[MetaKind]; !ok {
		out[MetaKind] = kind
	}
	return out
}
