package backingstore

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etoile/CoreObject-sub001/internal/keyValStore"
	"github.com/etoile/CoreObject-sub001/internal/testutil"
	"github.com/etoile/CoreObject-sub001/pkg/item"
)

// writeChain writes n revisions, each setting root.step = i, and returns
// their indexes and the full graph after every step.
func writeChain(t *testing.T, kv *keyValStore.KeyValStore, id uuid.UUID, interval, n int) ([]int64, []*item.Graph) {
	t.Helper()
	rootItem := uuid.New()
	var indexes []int64
	var graphs []*item.Graph
	full := item.NewGraph(rootItem)

	require.NoError(t, kv.Update(func(txn *keyValStore.Txn) error {
		bs, err := Open(txn, id, Options{SnapshotInterval: interval})
		if err != nil {
			return err
		}
		parent := NoIndex
		for i := 0; i < n; i++ {
			delta := item.NewGraph(rootItem)
			delta.InsertOrUpdateItems(item.New(rootItem).Set("step", item.NewInt(int64(i))))
			if i%3 == 0 {
				delta.InsertOrUpdateItems(item.New(uuid.New()).Set("name", item.NewString("extra")))
			}
			idx, err := bs.WriteRevision(delta, uuid.New(), parent, NoIndex, uuid.Nil, uuid.Nil, 1)
			if err != nil {
				return err
			}
			full = full.Add(delta)
			indexes = append(indexes, idx)
			graphs = append(graphs, full)
			parent = idx
		}
		return nil
	}))
	return indexes, graphs
}

func TestWriteRevision_ReplaysDeltas(t *testing.T) {
	kv := testutil.NewKV(t)
	id := uuid.New()
	indexes, graphs := writeChain(t, kv, id, 4, 10)

	require.NoError(t, kv.View(func(txn *keyValStore.Txn) error {
		bs, err := Open(txn, id, Options{})
		require.NoError(t, err)

		first, next := bs.RevidsUsedRange()
		assert.EqualValues(t, 0, first)
		assert.EqualValues(t, 10, next)
		assert.Equal(t, graphs[0].Root(), bs.RootObjectUUID())

		for i, idx := range indexes {
			g, err := bs.ItemGraphForRevision(idx, nil)
			require.NoError(t, err)
			assert.True(t, g.Equal(graphs[i]), "revision %d", i)

			r, err := bs.Record(idx)
			require.NoError(t, err)
			assert.Less(t, r.Chain, int64(4))
			assert.Equal(t, i%4 == 0, r.Snapshot, "revision %d", i)
		}
		return nil
	}))
}

func TestItemGraphForRevision_Restrict(t *testing.T) {
	kv := testutil.NewKV(t)
	id := uuid.New()
	indexes, graphs := writeChain(t, kv, id, 100, 3)

	require.NoError(t, kv.View(func(txn *keyValStore.Txn) error {
		bs, err := Open(txn, id, Options{})
		require.NoError(t, err)
		g, err := bs.ItemGraphForRevision(indexes[2], item.UUIDSet(graphs[2].Root()))
		require.NoError(t, err)
		assert.Equal(t, 1, g.Len())
		return nil
	}))
}

func TestOutOfRange(t *testing.T) {
	kv := testutil.NewKV(t)
	id := uuid.New()
	writeChain(t, kv, id, 100, 2)

	require.NoError(t, kv.View(func(txn *keyValStore.Txn) error {
		bs, err := Open(txn, id, Options{})
		require.NoError(t, err)
		_, err = bs.ItemGraphForRevision(7, nil)
		assert.ErrorIs(t, err, ErrOutOfRange)
		_, err = bs.ItemGraphForRevision(-3, nil)
		assert.ErrorIs(t, err, ErrOutOfRange)
		_, err = bs.IndexForRevision(uuid.New())
		assert.ErrorIs(t, err, ErrUnknownRevision)
		return nil
	}))
}

func TestPartialItemGraph_UnionOfDeltas(t *testing.T) {
	kv := testutil.NewKV(t)
	id := uuid.New()
	indexes, graphs := writeChain(t, kv, id, 100, 6)

	require.NoError(t, kv.View(func(txn *keyValStore.Txn) error {
		bs, err := Open(txn, id, Options{})
		require.NoError(t, err)
		partial, err := bs.PartialItemGraph(indexes[1], indexes[5], nil)
		require.NoError(t, err)

		// root item (last writer wins) plus the extra item from step 3
		assert.Equal(t, 2, partial.Len())
		rootItem, ok := partial.Item(graphs[5].Root())
		require.True(t, ok)
		v, _ := rootItem.Value("step")
		assert.EqualValues(t, 5, v.Int())

		assert.True(t, graphs[1].Add(partial).Equal(graphs[5]))
		return nil
	}))
}

func TestDeleteRevisions_KeepsPartialGraph(t *testing.T) {
	kv := testutil.NewKV(t)
	id := uuid.New()
	indexes, graphs := writeChain(t, kv, id, 100, 8)
	k := 4

	var before *item.Graph
	require.NoError(t, kv.View(func(txn *keyValStore.Txn) error {
		bs, err := Open(txn, id, Options{})
		require.NoError(t, err)
		before, err = bs.PartialItemGraph(indexes[k], indexes[7], nil)
		return err
	}))

	require.NoError(t, kv.Update(func(txn *keyValStore.Txn) error {
		bs, err := Open(txn, id, Options{})
		require.NoError(t, err)
		return bs.DeleteRevisions(indexes[:k])
	}))

	require.NoError(t, kv.View(func(txn *keyValStore.Txn) error {
		bs, err := Open(txn, id, Options{})
		require.NoError(t, err)

		first, _ := bs.RevidsUsedRange()
		assert.Equal(t, indexes[k], first)

		r, err := bs.Record(indexes[k])
		require.NoError(t, err)
		assert.True(t, r.Snapshot)
		assert.Equal(t, NoIndex, r.ParentIndex)

		after, err := bs.PartialItemGraph(indexes[k], indexes[7], nil)
		require.NoError(t, err)
		assert.True(t, before.Equal(after))

		for i := k; i < 8; i++ {
			g, err := bs.ItemGraphForRevision(indexes[i], nil)
			require.NoError(t, err)
			assert.True(t, g.Equal(graphs[i]))
		}
		_, err = bs.ItemGraphForRevision(indexes[0], nil)
		assert.ErrorIs(t, err, ErrOutOfRange)
		return nil
	}))
}

func TestWriteRevision_FailureLeavesNothing(t *testing.T) {
	kv := testutil.NewKV(t)
	id := uuid.New()
	writeChain(t, kv, id, 100, 1)

	err := kv.Update(func(txn *keyValStore.Txn) error {
		bs, err := Open(txn, id, Options{})
		require.NoError(t, err)
		_, err = bs.WriteRevision(item.NewGraph(uuid.Nil), uuid.New(), 0, NoIndex, uuid.Nil, uuid.Nil, 1)
		require.NoError(t, err)
		_, err = bs.WriteRevision(item.NewGraph(uuid.Nil), uuid.New(), 42, NoIndex, uuid.Nil, uuid.Nil, 1)
		return err
	})
	assert.ErrorIs(t, err, ErrOutOfRange)

	require.NoError(t, kv.View(func(txn *keyValStore.Txn) error {
		bs, err := Open(txn, id, Options{})
		require.NoError(t, err)
		_, next := bs.RevidsUsedRange()
		assert.EqualValues(t, 1, next)
		return nil
	}))
}

func TestDrop(t *testing.T) {
	kv := testutil.NewKV(t)
	id := uuid.New()
	writeChain(t, kv, id, 100, 3)

	require.NoError(t, kv.Update(func(txn *keyValStore.Txn) error {
		bs, err := Open(txn, id, Options{})
		require.NoError(t, err)
		return bs.Drop()
	}))
	require.NoError(t, kv.View(func(txn *keyValStore.Txn) error {
		ok, err := Exists(txn, id)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}
