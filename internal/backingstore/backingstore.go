// Package backingstore stores the revisions of one revision history as a
// mix of full snapshots and forward deltas keyed by a local, monotonically
// increasing index.
//
// Every backing store lives under its own key prefix of the shared badger
// database and is always accessed through a keyValStore transaction, so a
// revision write lands together with the rest of a commit or not at all.
package backingstore

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/etoile/CoreObject-sub001/internal/keyValStore"
	"github.com/etoile/CoreObject-sub001/pkg/item"
)

const DefaultSnapshotInterval = 100

var (
	ErrOutOfRange        = errors.New("backingstore: revision index out of range")
	ErrCorrupt           = errors.New("backingstore: corrupt revision history")
	ErrUnknownRevision   = errors.New("backingstore: unknown revision")
	ErrDuplicateRevision = errors.New("backingstore: revision already stored")
)

type Options struct {
	// SnapshotInterval bounds the delta chain: a record whose chain would
	// reach this length is written as a full snapshot instead.
	SnapshotInterval int
}

type BackingStore struct {
	txn    *keyValStore.Txn
	id     uuid.UUID
	prefix []byte
	hdr    header
}

// KeyPrefix is the key prefix of the backing store id.
func KeyPrefix(id uuid.UUID) []byte {
	return []byte("bs/" + id.String() + "/")
}

// Open binds the backing store id to txn. A store without revisions is
// created on its first write.
func Open(txn *keyValStore.Txn, id uuid.UUID, opts Options) (*BackingStore, error) {
	b := &BackingStore{txn: txn, id: id, prefix: KeyPrefix(id)}
	raw, err := txn.Get(b.key("h"))
	switch {
	case errors.Is(err, keyValStore.ErrNotFound):
		interval := int64(opts.SnapshotInterval)
		if interval <= 0 {
			interval = DefaultSnapshotInterval
		}
		b.hdr = header{interval: interval}
	case err != nil:
		return nil, fmt.Errorf("open backing store %s: %w", id, err)
	default:
		b.hdr, err = decodeHeader(raw)
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Exists reports whether a backing store with at least one revision is
// stored under id.
func Exists(txn *keyValStore.Txn, id uuid.UUID) (bool, error) {
	return txn.Has(append(KeyPrefix(id), 'h'))
}

func (b *BackingStore) ID() uuid.UUID { return b.id }

// RootObjectUUID is the root item UUID of the history, cached from the
// first revision that named one.
func (b *BackingStore) RootObjectUUID() uuid.UUID { return b.hdr.root }

// RevidsUsedRange returns the half-open index range [first, next) that
// may hold revisions. Deleted indexes inside the range stay unused.
func (b *BackingStore) RevidsUsedRange() (first, next int64) {
	return b.hdr.first, b.hdr.next
}

func (b *BackingStore) key(parts ...string) []byte {
	k := append([]byte(nil), b.prefix...)
	for _, p := range parts {
		k = append(k, p...)
	}
	return k
}

func (b *BackingStore) recordKey(index int64) []byte {
	return append(b.key("r/"), indexBytes(index)...)
}

func (b *BackingStore) uuidKey(rev uuid.UUID) []byte {
	return append(b.key("u/"), rev[:]...)
}

func (b *BackingStore) writeHeader() error {
	return b.txn.Set(b.key("h"), encodeHeader(b.hdr))
}

// Record loads the record at index.
func (b *BackingStore) Record(index int64) (*Record, error) {
	if index < b.hdr.first || index >= b.hdr.next {
		return nil, fmt.Errorf("%w: %d not in [%d, %d)", ErrOutOfRange, index, b.hdr.first, b.hdr.next)
	}
	raw, err := b.txn.Get(b.recordKey(index))
	if errors.Is(err, keyValStore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d was deleted", ErrOutOfRange, index)
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(index, raw)
}

func (b *BackingStore) IndexForRevision(rev uuid.UUID) (int64, error) {
	raw, err := b.txn.Get(b.uuidKey(rev))
	if errors.Is(err, keyValStore.ErrNotFound) {
		return NoIndex, fmt.Errorf("%w: %s", ErrUnknownRevision, rev)
	}
	if err != nil {
		return NoIndex, err
	}
	return indexFromBytes(raw)
}

func (b *BackingStore) RevisionForIndex(index int64) (uuid.UUID, error) {
	r, err := b.Record(index)
	if err != nil {
		return uuid.Nil, err
	}
	return r.Revision, nil
}

// Indexes lists the retained indexes in ascending order.
func (b *BackingStore) Indexes() ([]int64, error) {
	prefix := b.key("r/")
	keys, err := b.txn.Keys(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(keys))
	for _, k := range keys {
		idx, err := indexFromBytes(k[len(prefix):])
		if err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, nil
}

// WriteRevision appends a revision whose delta is relative to parent and
// returns its index. Pass NoIndex for a revision without parent or merge
// parent.
func (b *BackingStore) WriteRevision(delta *item.Graph, rev uuid.UUID, parent, mergeParent int64, branch, root uuid.UUID, schemaVersion int64) (int64, error) {
	if rev == uuid.Nil {
		return NoIndex, fmt.Errorf("backingstore: nil revision UUID")
	}
	known, err := b.txn.Has(b.uuidKey(rev))
	if err != nil {
		return NoIndex, err
	}
	if known {
		return NoIndex, fmt.Errorf("%w: %s", ErrDuplicateRevision, rev)
	}
	if delta == nil {
		delta = item.NewGraph(uuid.Nil)
	}

	rec := &Record{
		Index:            b.hdr.next,
		Revision:         rev,
		ParentIndex:      parent,
		MergeParentIndex: mergeParent,
		Branch:           branch,
		PersistentRoot:   root,
		SchemaVersion:    schemaVersion,
		Graph:            delta,
	}

	if mergeParent != NoIndex {
		if _, err := b.Record(mergeParent); err != nil {
			return NoIndex, fmt.Errorf("merge parent: %w", err)
		}
	}

	if parent == NoIndex {
		rec.Snapshot = true
	} else {
		p, err := b.Record(parent)
		if err != nil {
			return NoIndex, fmt.Errorf("parent: %w", err)
		}
		rec.Chain = p.Chain + 1
		if rec.Chain >= b.hdr.interval {
			full, err := b.ItemGraphForRevision(parent, nil)
			if err != nil {
				return NoIndex, err
			}
			rec.Graph = full.Add(delta)
			rec.Snapshot = true
			rec.Chain = 0
		}
	}

	if err := b.txn.Set(b.recordKey(rec.Index), encodeRecord(rec)); err != nil {
		return NoIndex, err
	}
	if err := b.txn.Set(b.uuidKey(rev), indexBytes(rec.Index)); err != nil {
		return NoIndex, err
	}
	if b.hdr.root == uuid.Nil && delta.Root() != uuid.Nil {
		b.hdr.root = delta.Root()
	}
	b.hdr.next++
	if err := b.writeHeader(); err != nil {
		return NoIndex, err
	}
	return rec.Index, nil
}

// chain returns the records needed to replay index, starting with the
// snapshot and ending with index itself.
func (b *BackingStore) chain(index int64) ([]*Record, error) {
	var recs []*Record
	for cur := index; ; {
		r, err := b.Record(cur)
		if err != nil {
			if len(recs) > 0 && errors.Is(err, ErrOutOfRange) {
				return nil, fmt.Errorf("%w: delta %d has no snapshot: %v", ErrCorrupt, recs[len(recs)-1].Index, err)
			}
			return nil, err
		}
		recs = append(recs, r)
		if r.Snapshot {
			break
		}
		if r.ParentIndex == NoIndex {
			return nil, fmt.Errorf("%w: delta %d has no parent", ErrCorrupt, r.Index)
		}
		cur = r.ParentIndex
	}
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

// ItemGraphForRevision replays the full item graph of index, optionally
// restricted to a set of item UUIDs.
func (b *BackingStore) ItemGraphForRevision(index int64, restrict map[uuid.UUID]struct{}) (*item.Graph, error) {
	recs, err := b.chain(index)
	if err != nil {
		return nil, err
	}
	g := recs[0].Graph
	for _, r := range recs[1:] {
		g = g.Add(r.Graph)
	}
	if g.Root() == uuid.Nil {
		g.SetRoot(b.hdr.root)
	}
	return g.Restrict(restrict), nil
}

// PartialItemGraph returns the union of the deltas written after from up
// to and including to. Later records replace earlier items. When from is
// not a delta-chain ancestor of to, the result is the set of items of to
// that differ from from.
func (b *BackingStore) PartialItemGraph(from, to int64, restrict map[uuid.UUID]struct{}) (*item.Graph, error) {
	if _, err := b.Record(from); err != nil {
		return nil, err
	}
	var deltas []*Record
	cur := to
	for cur != from {
		r, err := b.Record(cur)
		if err != nil {
			return nil, err
		}
		if r.Snapshot || r.ParentIndex == NoIndex {
			return b.modifiedBetween(from, to, restrict)
		}
		deltas = append(deltas, r)
		cur = r.ParentIndex
	}
	g := item.NewGraph(b.hdr.root)
	for i := len(deltas) - 1; i >= 0; i-- {
		g = g.Add(deltas[i].Graph)
	}
	return g.Restrict(restrict), nil
}

func (b *BackingStore) modifiedBetween(from, to int64, restrict map[uuid.UUID]struct{}) (*item.Graph, error) {
	old, err := b.ItemGraphForRevision(from, nil)
	if err != nil {
		return nil, err
	}
	updated, err := b.ItemGraphForRevision(to, nil)
	if err != nil {
		return nil, err
	}
	return item.ModifiedItems(old, updated).Restrict(restrict), nil
}

// DeleteRevisions removes the given indexes. Every retained record whose
// parent is deleted is first rewritten as a full snapshot, and merge-parent
// links into the deleted set are cleared, so the remaining history still
// replays.
func (b *BackingStore) DeleteRevisions(indexes []int64) error {
	if len(indexes) == 0 {
		return nil
	}
	dead := make(map[int64]struct{}, len(indexes))
	for _, idx := range indexes {
		if _, err := b.Record(idx); err != nil {
			return err
		}
		dead[idx] = struct{}{}
	}

	all, err := b.Indexes()
	if err != nil {
		return err
	}

	var rewrites []*Record
	for _, idx := range all {
		if _, ok := dead[idx]; ok {
			continue
		}
		r, err := b.Record(idx)
		if err != nil {
			return err
		}
		_, parentDead := dead[r.ParentIndex]
		_, mergeDead := dead[r.MergeParentIndex]
		if !parentDead && !mergeDead {
			continue
		}
		if parentDead {
			if !r.Snapshot {
				full, err := b.ItemGraphForRevision(idx, nil)
				if err != nil {
					return err
				}
				r.Graph = full
				r.Snapshot = true
				r.Chain = 0
			}
			r.ParentIndex = NoIndex
		}
		if mergeDead {
			r.MergeParentIndex = NoIndex
		}
		rewrites = append(rewrites, r)
	}

	for _, r := range rewrites {
		if err := b.txn.Set(b.recordKey(r.Index), encodeRecord(r)); err != nil {
			return err
		}
	}
	for idx := range dead {
		r, err := b.Record(idx)
		if err != nil {
			return err
		}
		if err := b.txn.Delete(b.recordKey(idx)); err != nil {
			return err
		}
		if err := b.txn.Delete(b.uuidKey(r.Revision)); err != nil {
			return err
		}
	}

	first := b.hdr.next
	for _, idx := range all {
		if _, ok := dead[idx]; !ok {
			first = idx
			break
		}
	}
	b.hdr.first = first
	return b.writeHeader()
}

// Drop erases the whole backing store.
func (b *BackingStore) Drop() error {
	b.hdr = header{interval: b.hdr.interval}
	return b.txn.DeletePrefix(b.prefix)
}

// SortIndexes sorts indexes ascending.
func SortIndexes(idx []int64) {
	sort.Slice(idx, func(i, j int) bool { return idx[i] < idx[j] })
}
