// Package compaction decides which persistent roots, branches and
// revisions of a store are dead and may be erased.
//
// The analysis is read-only. It runs over a snapshot of the revision graph
// (Input) and produces a Result that the store turns into a single commit.
// Revisions are analysed per backing store because cheap copies share one
// history: a revision is live if any surviving branch of any root using
// that backing store needs it.
package compaction

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/etoile/CoreObject-sub001/pkg/item"
	workerpool "github.com/etoile/CoreObject-sub001/pkg/workerPool"
)

var ErrMissingRevision = errors.New("compaction: branch points at a revision that does not exist")

type Revision struct {
	UUID        uuid.UUID
	Parent      uuid.UUID
	MergeParent uuid.UUID
	Sequence    int64
}

type Branch struct {
	UUID    uuid.UUID
	Current uuid.UUID
	Head    uuid.UUID
	// Fork is the revision the branch was created from.
	Fork uuid.UUID
	// Deleted is the branch's own flag, without the root's.
	Deleted   bool
	IsCurrent bool
}

type Root struct {
	UUID          uuid.UUID
	BackingStore  uuid.UUID
	Deleted       bool
	TransactionID int64
	Branches      []Branch
}

// Input is a consistent snapshot of the revision graph.
type Input struct {
	Roots []Root
	// Revisions lists every revision by backing store.
	Revisions map[uuid.UUID][]Revision
}

// Boundary says what may go.
//
// Dead roots and branches: deleted roots (and deleted, non-current
// branches of surviving roots) are finalized when listed in FinalizeRoots
// (FinalizeBranches). A nil list selects every deleted one.
//
// History trimming: revisions with a Sequence below KeepAfterSequence are
// dead unless they are a current, head or fork revision of a surviving
// branch, or listed in KeepRevisions. Zero keeps every reachable revision.
type Boundary struct {
	FinalizeRoots     []uuid.UUID
	FinalizeBranches  []uuid.UUID
	KeepAfterSequence int64
	KeepRevisions     []uuid.UUID
}

type BranchRef struct {
	Root   uuid.UUID
	Branch uuid.UUID
}

// Trim is the revision partition of one backing store that stays in use.
type Trim struct {
	BackingStore uuid.UUID
	// Roots are the surviving roots using the backing store.
	Roots []uuid.UUID
	Live  []uuid.UUID
	Dead  []uuid.UUID
}

type Result struct {
	FinalizeRoots    []uuid.UUID
	FinalizeBranches []BranchRef
	// Trim holds an entry for every surviving backing store with dead
	// revisions, keyed by backing store.
	Trim map[uuid.UUID]*Trim
	// DroppedStores are backing stores no surviving root uses.
	DroppedStores []uuid.UUID
	// TransactionIDs are the observed ids of every root the result touches.
	TransactionIDs map[uuid.UUID]int64
}

// Empty reports whether there is nothing to compact.
func (r *Result) Empty() bool {
	return len(r.FinalizeRoots) == 0 && len(r.FinalizeBranches) == 0 && len(r.Trim) == 0
}

// TrimmedRoots returns the surviving roots whose history loses revisions.
func (r *Result) TrimmedRoots() []uuid.UUID {
	var out []uuid.UUID
	for _, t := range r.Trim {
		out = append(out, t.Roots...)
	}
	item.SortUUIDs(out)
	return out
}

func selected(candidates []uuid.UUID, id uuid.UUID) bool {
	if candidates == nil {
		return true
	}
	for _, c := range candidates {
		if c == id {
			return true
		}
	}
	return false
}

// Plan computes the compaction result. Backing stores are analysed in
// parallel on pool; any failure aborts the whole plan.
func Plan(ctx context.Context, in Input, b Boundary, pool *workerpool.WorkerPool) (*Result, error) {
	res := &Result{Trim: make(map[uuid.UUID]*Trim), TransactionIDs: make(map[uuid.UUID]int64)}

	// Surviving branches per backing store.
	type storeUse struct {
		roots    []uuid.UUID
		branches []Branch
	}
	uses := make(map[uuid.UUID]*storeUse)
	for bs := range in.Revisions {
		uses[bs] = &storeUse{}
	}
	for _, root := range in.Roots {
		if root.Deleted && selected(b.FinalizeRoots, root.UUID) {
			res.FinalizeRoots = append(res.FinalizeRoots, root.UUID)
			res.TransactionIDs[root.UUID] = root.TransactionID
			continue
		}
		u, ok := uses[root.BackingStore]
		if !ok {
			u = &storeUse{}
			uses[root.BackingStore] = u
		}
		u.roots = append(u.roots, root.UUID)
		for _, br := range root.Branches {
			if br.Deleted && !br.IsCurrent && selected(b.FinalizeBranches, br.UUID) {
				res.FinalizeBranches = append(res.FinalizeBranches, BranchRef{Root: root.UUID, Branch: br.UUID})
				res.TransactionIDs[root.UUID] = root.TransactionID
				continue
			}
			u.branches = append(u.branches, br)
		}
	}

	stores := make([]uuid.UUID, 0, len(uses))
	for bs, u := range uses {
		if len(u.roots) == 0 {
			if len(in.Revisions[bs]) > 0 {
				res.DroppedStores = append(res.DroppedStores, bs)
			}
			continue
		}
		stores = append(stores, bs)
	}
	item.SortUUIDs(stores)
	item.SortUUIDs(res.DroppedStores)

	type outcome struct {
		trim *Trim
		err  error
	}
	keep := item.UUIDSet(b.KeepRevisions...)
	room := pool.CreateRoom(len(stores))
	for _, bs := range stores {
		bs, u := bs, uses[bs]
		err := room.NewTaskWaitForFreeSlot(ctx, func() interface{} {
			if err := ctx.Err(); err != nil {
				return outcome{err: err}
			}
			trim, err := analyse(bs, in.Revisions[bs], u.branches, keep, b.KeepAfterSequence)
			if trim != nil {
				trim.Roots = append([]uuid.UUID(nil), u.roots...)
				item.SortUUIDs(trim.Roots)
			}
			return outcome{trim: trim, err: err}
		})
		if err != nil {
			room.Collect()
			return nil, fmt.Errorf("queue analysis of %s: %w", bs, err)
		}
	}

	var errs []error
	for _, r := range room.Collect() {
		o := r.(outcome)
		if o.err != nil {
			errs = append(errs, o.err)
			continue
		}
		if o.trim != nil && len(o.trim.Dead) > 0 {
			res.Trim[o.trim.BackingStore] = o.trim
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	for _, root := range in.Roots {
		for _, t := range res.Trim {
			for _, id := range t.Roots {
				if id == root.UUID {
					res.TransactionIDs[root.UUID] = root.TransactionID
				}
			}
		}
	}
	item.SortUUIDs(res.FinalizeRoots)
	return res, nil
}

// analyse partitions the revisions of one backing store.
func analyse(bs uuid.UUID, revs []Revision, branches []Branch, keep map[uuid.UUID]struct{}, keepAfter int64) (*Trim, error) {
	byID := make(map[uuid.UUID]Revision, len(revs))
	for _, r := range revs {
		byID[r.UUID] = r
	}

	protected := make(map[uuid.UUID]struct{})
	var starts []uuid.UUID
	for _, br := range branches {
		for _, id := range []uuid.UUID{br.Current, br.Head, br.Fork} {
			if id == uuid.Nil {
				continue
			}
			if _, ok := byID[id]; !ok {
				return nil, fmt.Errorf("%w: branch %s, revision %s", ErrMissingRevision, br.UUID, id)
			}
			protected[id] = struct{}{}
			starts = append(starts, id)
		}
	}
	for id := range keep {
		if _, ok := byID[id]; ok {
			protected[id] = struct{}{}
			starts = append(starts, id)
		}
	}

	reachable := make(map[uuid.UUID]struct{}, len(revs))
	for len(starts) > 0 {
		id := starts[len(starts)-1]
		starts = starts[:len(starts)-1]
		if _, seen := reachable[id]; seen {
			continue
		}
		r, ok := byID[id]
		if !ok {
			// Truncated history: the parent was compacted away earlier.
			continue
		}
		reachable[id] = struct{}{}
		for _, p := range []uuid.UUID{r.Parent, r.MergeParent} {
			if p != uuid.Nil {
				starts = append(starts, p)
			}
		}
	}

	t := &Trim{BackingStore: bs}
	for _, r := range revs {
		_, live := reachable[r.UUID]
		_, prot := protected[r.UUID]
		if live && !prot && keepAfter > 0 && r.Sequence < keepAfter {
			live = false
		}
		if live {
			t.Live = append(t.Live, r.UUID)
		} else {
			t.Dead = append(t.Dead, r.UUID)
		}
	}
	item.SortUUIDs(t.Live)
	item.SortUUIDs(t.Dead)
	return t, nil
}
