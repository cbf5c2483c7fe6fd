package compaction

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	workerpool "github.com/etoile/CoreObject-sub001/pkg/workerPool"
)

func newPool(t *testing.T) *workerpool.WorkerPool {
	wp := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: 2})
	t.Cleanup(wp.Close)
	return wp
}

// linear returns n revisions, each the parent of the next, with sequence
// numbers starting at seq.
func linear(n int, seq int64) []Revision {
	revs := make([]Revision, n)
	for i := range revs {
		revs[i] = Revision{UUID: uuid.New(), Sequence: seq + int64(i)}
		if i > 0 {
			revs[i].Parent = revs[i-1].UUID
		}
	}
	return revs
}

func ids(revs []Revision) []uuid.UUID {
	out := make([]uuid.UUID, len(revs))
	for i, r := range revs {
		out[i] = r.UUID
	}
	return out
}

func TestPlan_FinalizesDeletedRootAndDropsStore(t *testing.T) {
	bs := uuid.New()
	revs := linear(3, 1)
	root := Root{UUID: uuid.New(), BackingStore: bs, Deleted: true, TransactionID: 4,
		Branches: []Branch{{UUID: uuid.New(), Current: revs[2].UUID, Head: revs[2].UUID, IsCurrent: true}}}

	res, err := Plan(context.Background(), Input{Roots: []Root{root}, Revisions: map[uuid.UUID][]Revision{bs: revs}}, Boundary{}, newPool(t))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{root.UUID}, res.FinalizeRoots)
	assert.Equal(t, []uuid.UUID{bs}, res.DroppedStores)
	assert.Empty(t, res.Trim)
	assert.EqualValues(t, 4, res.TransactionIDs[root.UUID])
}

func TestPlan_KeepsDeletedRootOutsideCandidates(t *testing.T) {
	bs := uuid.New()
	revs := linear(2, 1)
	root := Root{UUID: uuid.New(), BackingStore: bs, Deleted: true,
		Branches: []Branch{{UUID: uuid.New(), Current: revs[1].UUID, Head: revs[1].UUID, IsCurrent: true}}}

	res, err := Plan(context.Background(), Input{Roots: []Root{root}, Revisions: map[uuid.UUID][]Revision{bs: revs}},
		Boundary{FinalizeRoots: []uuid.UUID{}}, newPool(t))
	require.NoError(t, err)
	assert.True(t, res.Empty())
}

func TestPlan_FinalizedBranchRevisionsAreDead(t *testing.T) {
	bs := uuid.New()
	main := linear(3, 1)
	// side branch forks at main[1]
	side := []Revision{{UUID: uuid.New(), Parent: main[1].UUID, Sequence: 10}, {UUID: uuid.New(), Sequence: 11}}
	side[1].Parent = side[0].UUID

	mainBranch := Branch{UUID: uuid.New(), Current: main[2].UUID, Head: main[2].UUID, IsCurrent: true}
	sideBranch := Branch{UUID: uuid.New(), Current: side[1].UUID, Head: side[1].UUID, Fork: main[1].UUID, Deleted: true}
	root := Root{UUID: uuid.New(), BackingStore: bs, TransactionID: 7, Branches: []Branch{mainBranch, sideBranch}}

	all := append(append([]Revision(nil), main...), side...)
	res, err := Plan(context.Background(), Input{Roots: []Root{root}, Revisions: map[uuid.UUID][]Revision{bs: all}}, Boundary{}, newPool(t))
	require.NoError(t, err)

	assert.Equal(t, []BranchRef{{Root: root.UUID, Branch: sideBranch.UUID}}, res.FinalizeBranches)
	require.Contains(t, res.Trim, bs)
	trim := res.Trim[bs]
	assert.ElementsMatch(t, ids(side), trim.Dead)
	assert.ElementsMatch(t, ids(main), trim.Live)
	assert.Equal(t, []uuid.UUID{root.UUID}, res.TrimmedRoots())
	assert.EqualValues(t, 7, res.TransactionIDs[root.UUID])
}

func TestPlan_KeepAfterSequenceProtectsForkPoints(t *testing.T) {
	bs := uuid.New()
	main := linear(6, 1)
	mainBranch := Branch{UUID: uuid.New(), Current: main[5].UUID, Head: main[5].UUID, IsCurrent: true}
	// a live branch still forks from main[1]
	fork := Branch{UUID: uuid.New(), Current: main[1].UUID, Head: main[1].UUID, Fork: main[1].UUID}
	root := Root{UUID: uuid.New(), BackingStore: bs, Branches: []Branch{mainBranch, fork}}

	res, err := Plan(context.Background(), Input{Roots: []Root{root}, Revisions: map[uuid.UUID][]Revision{bs: main}},
		Boundary{KeepAfterSequence: 4}, newPool(t))
	require.NoError(t, err)

	trim := res.Trim[bs]
	require.NotNil(t, trim)
	assert.ElementsMatch(t, []uuid.UUID{main[0].UUID, main[2].UUID}, trim.Dead)
	assert.ElementsMatch(t, []uuid.UUID{main[1].UUID, main[3].UUID, main[4].UUID, main[5].UUID}, trim.Live)
}

func TestPlan_SharedBackingStoreStaysLive(t *testing.T) {
	bs := uuid.New()
	revs := linear(3, 1)
	copyRev := Revision{UUID: uuid.New(), Parent: revs[1].UUID, Sequence: 9}
	original := Root{UUID: uuid.New(), BackingStore: bs, Deleted: true,
		Branches: []Branch{{UUID: uuid.New(), Current: revs[2].UUID, Head: revs[2].UUID, IsCurrent: true}}}
	cheapCopy := Root{UUID: uuid.New(), BackingStore: bs,
		Branches: []Branch{{UUID: uuid.New(), Current: copyRev.UUID, Head: copyRev.UUID, Fork: revs[1].UUID, IsCurrent: true}}}

	in := Input{Roots: []Root{original, cheapCopy}, Revisions: map[uuid.UUID][]Revision{bs: append(revs, copyRev)}}
	res, err := Plan(context.Background(), in, Boundary{}, newPool(t))
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{original.UUID}, res.FinalizeRoots)
	assert.Empty(t, res.DroppedStores)
	require.Contains(t, res.Trim, bs)
	assert.Equal(t, []uuid.UUID{revs[2].UUID}, res.Trim[bs].Dead)
	assert.Equal(t, []uuid.UUID{cheapCopy.UUID}, res.Trim[bs].Roots)
}

func TestPlan_AbortsOnMissingRevision(t *testing.T) {
	bs := uuid.New()
	root := Root{UUID: uuid.New(), BackingStore: bs,
		Branches: []Branch{{UUID: uuid.New(), Current: uuid.New(), IsCurrent: true}}}
	_, err := Plan(context.Background(), Input{Roots: []Root{root}, Revisions: map[uuid.UUID][]Revision{bs: linear(1, 1)}}, Boundary{}, newPool(t))
	assert.ErrorIs(t, err, ErrMissingRevision)
}
