package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/etoile/CoreObject-sub001/internal/compaction"
	"github.com/etoile/CoreObject-sub001/pkg/item"
)

// CompactionBoundary says which deleted roots and branches may be
// finalized and how much history to keep.
type CompactionBoundary = compaction.Boundary

// CompactionPlan is the outcome of PlanCompaction.
type CompactionPlan = compaction.Result

// compactionInput collects the revision graph as the compaction analysis
// sees it.
func (r *Reader) compactionInput() (compaction.Input, error) {
	in := compaction.Input{Revisions: make(map[uuid.UUID][]compaction.Revision)}
	ids, err := r.PersistentRoots()
	if err != nil {
		return in, err
	}
	for _, id := range ids {
		rec, err := loadRoot(r.txn, id)
		if err != nil {
			return in, err
		}
		root := compaction.Root{
			UUID:          rec.UUID,
			BackingStore:  rec.BackingStore,
			Deleted:       rec.Deleted,
			TransactionID: rec.TransactionID,
		}
		for _, bid := range rec.Branches {
			b, err := loadBranch(r.txn, bid)
			if err != nil {
				return in, fmt.Errorf("%w: branch list of %s: %v", ErrCorrupt, id, err)
			}
			root.Branches = append(root.Branches, compaction.Branch{
				UUID:      b.UUID,
				Current:   b.Current,
				Head:      b.Head,
				Fork:      b.ParentRevision,
				Deleted:   b.Deleted,
				IsCurrent: b.UUID == rec.CurrentBranch,
			})
		}
		in.Roots = append(in.Roots, root)

		if _, ok := in.Revisions[rec.BackingStore]; ok {
			continue
		}
		revs, err := r.storeRevisions(rec.BackingStore)
		if err != nil {
			return in, err
		}
		in.Revisions[rec.BackingStore] = revs
	}
	return in, nil
}

func (r *Reader) storeRevisions(id uuid.UUID) ([]compaction.Revision, error) {
	bs, err := r.openStore(id)
	if err != nil {
		return nil, err
	}
	indexes, err := bs.Indexes()
	if err != nil {
		return nil, err
	}
	out := make([]compaction.Revision, 0, len(indexes))
	for _, idx := range indexes {
		rev, err := bs.RevisionForIndex(idx)
		if err != nil {
			return nil, err
		}
		rec, err := loadRevision(r.txn, rev)
		if err != nil {
			return nil, fmt.Errorf("%w: backing store %s index %d: %v", ErrCorrupt, id, idx, err)
		}
		out = append(out, compaction.Revision{
			UUID:        rec.UUID,
			Parent:      rec.Parent,
			MergeParent: rec.MergeParent,
			Sequence:    rec.Sequence,
		})
	}
	return out, nil
}

// PlanCompaction analyses a read snapshot. It does not block commits.
func (s *Store) PlanCompaction(ctx context.Context, b CompactionBoundary) (*CompactionPlan, error) {
	var in compaction.Input
	err := s.View(func(r *Reader) error {
		var err error
		in, err = r.compactionInput()
		return err
	})
	if err != nil {
		return nil, err
	}
	return compaction.Plan(ctx, in, b, s.pool)
}

// ApplyCompaction commits plan as one transaction. It fails with
// ErrStaleTransaction when a root changed since planning; plan again then.
func (s *Store) ApplyCompaction(ctx context.Context, plan *CompactionPlan) (CommitResult, error) {
	if plan == nil || plan.Empty() {
		return CommitResult{}, nil
	}
	tx := NewTransaction()
	for _, ref := range plan.FinalizeBranches {
		tx.Add(FinalizeBranch{Root: ref.Root, Branch: ref.Branch})
	}
	for _, id := range plan.FinalizeRoots {
		tx.Add(FinalizePersistentRoot{Root: id})
	}
	stores := make([]uuid.UUID, 0, len(plan.Trim))
	for bs := range plan.Trim {
		stores = append(stores, bs)
	}
	item.SortUUIDs(stores)
	for _, bs := range stores {
		t := plan.Trim[bs]
		tx.Add(DeleteRevisions{BackingStore: bs, PersistentRoots: t.Roots, Revisions: t.Dead})
	}
	for id, txID := range plan.TransactionIDs {
		tx.Expect(id, txID)
	}

	res, err := s.Execute(ctx, tx)
	if err != nil {
		return CommitResult{}, err
	}
	s.log.Info("compacted",
		logKeyRoots, len(plan.FinalizeRoots),
		"branches", len(plan.FinalizeBranches),
		"trimmedStores", len(plan.Trim),
		"droppedStores", len(plan.DroppedStores))
	return res, nil
}

// Compact plans and applies a compaction.
func (s *Store) Compact(ctx context.Context, b CompactionBoundary) (*CompactionPlan, CommitResult, error) {
	plan, err := s.PlanCompaction(ctx, b)
	if err != nil {
		return nil, CommitResult{}, err
	}
	res, err := s.ApplyCompaction(ctx, plan)
	if err != nil {
		return plan, CommitResult{}, err
	}
	return plan, res, nil
}
