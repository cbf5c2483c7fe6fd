// Package replication moves revisions of a branch between stores. A
// server exports bundles; a client applies them when they fast-forward its
// branch, and rebases its own unshared revisions onto the server's when
// both sides moved.
package replication

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/etoile/CoreObject-sub001/pkg/diff"
	"github.com/etoile/CoreObject-sub001/pkg/item"
	"github.com/etoile/CoreObject-sub001/pkg/store"
)

var (
	ErrMissingParent = errors.New("replication: bundle parent is not available")
	ErrUnknownBase   = errors.New("replication: base revision is not an ancestor of the branch")
	ErrDiverged      = errors.New("replication: branch has moved since the bundles' base")
)

// Diff sources of a rebase. Conflicts are resolved in favor of the server.
const (
	SourceServer = "server"
	SourceClient = "client"
)

// Bundle is one revision with the items it changed relative to its parent.
type Bundle struct {
	Revision store.RevisionInfo
	Delta    *item.Graph
}

// Export returns the revisions of branch's current history after since,
// oldest first. History is followed through parent and merge-parent links,
// so revisions merged in from other branches are exported too, each after
// its parents. A nil since exports the whole history; otherwise since must
// be an ancestor of the branch and everything it descends from is left out.
func Export(s *store.Store, branch, since uuid.UUID) ([]Bundle, error) {
	var out []Bundle
	err := s.View(func(r *store.Reader) error {
		b, err := r.BranchInfo(branch)
		if err != nil {
			return err
		}
		revs, err := ancestry(r, b.CurrentRevision)
		if err != nil {
			return err
		}
		if since != uuid.Nil {
			if _, ok := revs[since]; !ok {
				return fmt.Errorf("%w: %s on %s", ErrUnknownBase, since, branch)
			}
			known, err := ancestry(r, since)
			if err != nil {
				return err
			}
			for id := range known {
				delete(revs, id)
			}
		}

		// A revision is always committed after its parents.
		order := make([]store.RevisionInfo, 0, len(revs))
		for _, rev := range revs {
			order = append(order, rev)
		}
		sort.Slice(order, func(i, j int) bool { return order[i].Sequence < order[j].Sequence })

		graphs := make(map[uuid.UUID]*item.Graph)
		graph := func(id uuid.UUID) (*item.Graph, error) {
			if g, ok := graphs[id]; ok {
				return g, nil
			}
			g, err := r.ItemGraphForRevision(id)
			if err != nil {
				return nil, err
			}
			graphs[id] = g
			return g, nil
		}
		for _, rev := range order {
			g, err := graph(rev.UUID)
			if err != nil {
				return err
			}
			delta := g
			if rev.Parent != uuid.Nil {
				_, err := r.RevisionInfo(rev.Parent)
				switch {
				case err == nil:
					parent, err := graph(rev.Parent)
					if err != nil {
						return err
					}
					delta = item.ModifiedItems(parent, g)
					delta.SetRoot(g.Root())
				case !errors.Is(err, store.ErrNotFound):
					return err
				}
			}
			out = append(out, Bundle{Revision: rev, Delta: delta})
		}
		return nil
	})
	return out, err
}

// ancestry returns start and every revision it descends from. Revisions
// removed by compaction end a path.
func ancestry(r *store.Reader, start uuid.UUID) (map[uuid.UUID]store.RevisionInfo, error) {
	out := make(map[uuid.UUID]store.RevisionInfo)
	queue := []uuid.UUID{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := out[id]; ok {
			continue
		}
		rev, err := r.RevisionInfo(id)
		if errors.Is(err, store.ErrNotFound) && id != start {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = rev
		for _, p := range []uuid.UUID{rev.Parent, rev.MergeParent} {
			if p != uuid.Nil {
				queue = append(queue, p)
			}
		}
	}
	return out, nil
}

// writes turns bundles into WriteRevision actions, skipping revisions the
// store already has. Every parent must exist locally or come earlier in
// the batch.
func writes(s *store.Store, root, branch uuid.UUID, bundles []Bundle) ([]store.WriteRevision, error) {
	var out []store.WriteRevision
	batch := make(map[uuid.UUID]struct{})
	err := s.View(func(r *store.Reader) error {
		has := func(id uuid.UUID) (bool, error) {
			if _, ok := batch[id]; ok {
				return true, nil
			}
			_, err := r.RevisionInfo(id)
			if errors.Is(err, store.ErrNotFound) {
				return false, nil
			}
			return err == nil, err
		}
		for _, b := range bundles {
			rev := b.Revision
			if _, err := r.RevisionInfo(rev.UUID); err == nil {
				batch[rev.UUID] = struct{}{}
				continue
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			for _, p := range []uuid.UUID{rev.Parent, rev.MergeParent} {
				if p == uuid.Nil {
					continue
				}
				ok, err := has(p)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%w: %s of %s", ErrMissingParent, p, rev.UUID)
				}
			}
			batch[rev.UUID] = struct{}{}
			out = append(out, store.WriteRevision{
				Root:          root,
				Branch:        branch,
				Revision:      rev.UUID,
				Parent:        rev.Parent,
				MergeParent:   rev.MergeParent,
				Delta:         b.Delta,
				SchemaVersion: rev.SchemaVersion,
				Metadata:      maps.Clone(rev.Metadata),
				Date:          rev.Date,
			})
		}
		return nil
	})
	return out, err
}

// Apply writes bundles onto branch and moves the branch to the last one.
// The branch's current revision must be an ancestor of the last bundle;
// otherwise it fails with ErrDiverged and the caller should Rebase.
func Apply(ctx context.Context, s *store.Store, root, branch uuid.UUID, bundles []Bundle, expectedTxID int64) (store.CommitResult, error) {
	if len(bundles) == 0 {
		return store.CommitResult{}, nil
	}
	ws, err := writes(s, root, branch, bundles)
	if err != nil {
		return store.CommitResult{}, err
	}
	b, err := s.BranchInfo(branch)
	if err != nil {
		return store.CommitResult{}, err
	}
	last := bundles[len(bundles)-1].Revision.UUID
	if !descends(bundles, ws, s, last, b.CurrentRevision) {
		return store.CommitResult{}, fmt.Errorf("%w: %s is not behind %s", ErrDiverged, b.CurrentRevision, last)
	}

	tx := store.NewTransaction()
	for _, w := range ws {
		tx.Add(w)
	}
	tx.Add(store.SetCurrentRevision{Root: root, Branch: branch, Current: last, Head: last})
	return s.Execute(ctx, tx.Expect(root, expectedTxID))
}

// Bootstrap creates root in s from a full export of branch and applies
// the remaining bundles on top.
func Bootstrap(ctx context.Context, s *store.Store, root, branch uuid.UUID, bundles []Bundle) (store.CommitResult, error) {
	if len(bundles) == 0 || bundles[0].Revision.Parent != uuid.Nil {
		return store.CommitResult{}, fmt.Errorf("%w: bootstrap needs a history from its first revision", ErrMissingParent)
	}
	first := bundles[0].Revision
	res, err := s.Execute(ctx, store.NewTransaction(store.CreatePersistentRoot{
		Root:             root,
		Branch:           branch,
		Revision:         first.UUID,
		Graph:            bundles[0].Delta,
		SchemaVersion:    first.SchemaVersion,
		RevisionMetadata: maps.Clone(first.Metadata),
	}))
	if err != nil || len(bundles) == 1 {
		return res, err
	}
	return Apply(ctx, s, root, branch, bundles[1:], res.TransactionIDs[root])
}

// descends reports whether ancestor is reachable from rev through the
// parent links of the bundles being written and, past them, the store's
// history.
func descends(bundles []Bundle, ws []store.WriteRevision, s *store.Store, rev, ancestor uuid.UUID) bool {
	infos := make(map[uuid.UUID]store.RevisionInfo, len(bundles))
	for _, b := range bundles {
		infos[b.Revision.UUID] = b.Revision
	}
	pending := make(map[uuid.UUID]struct{}, len(ws))
	for _, w := range ws {
		pending[w.Revision] = struct{}{}
	}
	seen := make(map[uuid.UUID]struct{})
	queue := []uuid.UUID{rev}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == ancestor {
			return true
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := pending[id]; !ok {
			base, err := s.CommonAncestor(ancestor, id)
			if err == nil && base == ancestor {
				return true
			}
			continue
		}
		for _, p := range []uuid.UUID{infos[id].Parent, infos[id].MergeParent} {
			if p != uuid.Nil {
				queue = append(queue, p)
			}
		}
	}
	return false
}

// bundleGraph returns the graph of the last bundle, replaying each delta
// onto its parent from the batch or the store.
func bundleGraph(s *store.Store, bundles []Bundle) (*item.Graph, error) {
	graphs := make(map[uuid.UUID]*item.Graph, len(bundles))
	var g *item.Graph
	for _, b := range bundles {
		g = b.Delta
		if p := b.Revision.Parent; p != uuid.Nil {
			parent, ok := graphs[p]
			if !ok {
				var err error
				if parent, err = s.ItemGraphForRevision(p); err != nil {
					return nil, err
				}
			}
			g = parent.Add(b.Delta)
		}
		graphs[b.Revision.UUID] = g
	}
	return g, nil
}

// Rebase writes the client's bundles and merges their result into branch,
// favoring the branch's current state on conflict. The merge revision has
// the branch's current revision as parent and the last bundle as merge
// parent. When the branch has not moved it behaves like Apply.
func Rebase(ctx context.Context, s *store.Store, root, branch uuid.UUID, bundles []Bundle, expectedTxID int64) (store.CommitResult, error) {
	if len(bundles) == 0 {
		return store.CommitResult{}, nil
	}
	ws, err := writes(s, root, branch, bundles)
	if err != nil {
		return store.CommitResult{}, err
	}
	b, err := s.BranchInfo(branch)
	if err != nil {
		return store.CommitResult{}, err
	}
	last := bundles[len(bundles)-1].Revision.UUID
	if descends(bundles, ws, s, last, b.CurrentRevision) {
		return Apply(ctx, s, root, branch, bundles, expectedTxID)
	}

	first := bundles[0].Revision.Parent
	if first == uuid.Nil {
		return store.CommitResult{}, fmt.Errorf("%w: bundles start a new history", ErrUnknownBase)
	}
	baseRev, err := s.CommonAncestor(first, b.CurrentRevision)
	if err != nil {
		return store.CommitResult{}, err
	}
	if baseRev == uuid.Nil {
		return store.CommitResult{}, fmt.Errorf("%w: %s", ErrUnknownBase, first)
	}
	base, err := s.ItemGraphForRevision(baseRev)
	if err != nil {
		return store.CommitResult{}, err
	}
	server, err := s.ItemGraphForRevision(b.CurrentRevision)
	if err != nil {
		return store.CommitResult{}, err
	}
	client, err := bundleGraph(s, bundles)
	if err != nil {
		return store.CommitResult{}, err
	}

	mm := diff.WithMetamodel(s.Metamodel())
	d := diff.Merge(diff.Diff(base, server, SourceServer, mm), diff.Diff(base, client, SourceClient, mm))
	if d.State() == diff.HasConflicts {
		if err := d.ResolveFavoring(SourceServer); err != nil {
			return store.CommitResult{}, err
		}
	}
	delta, err := store.MergedDelta(d, base, server)
	if err != nil {
		return store.CommitResult{}, err
	}

	merge := uuid.New()
	tx := store.NewTransaction()
	for _, w := range ws {
		tx.Add(w)
	}
	tx.CommitRevision(store.WriteRevision{
		Root:        root,
		Branch:      branch,
		Revision:    merge,
		Parent:      b.CurrentRevision,
		MergeParent: last,
		Delta:       delta,
		Metadata:    map[string]string{store.MetaKind: store.KindMerge},
		Date:        time.Now(),
	})
	return s.Execute(ctx, tx.Expect(root, expectedTxID))
}
