package store

import (
	"errors"
	"fmt"
	"maps"

	"github.com/google/uuid"

	"github.com/etoile/CoreObject-sub001/internal/backingstore"
	"github.com/etoile/CoreObject-sub001/internal/keyValStore"
	"github.com/etoile/CoreObject-sub001/pkg/item"
)

// Reader reads one consistent snapshot of the store. It is only valid
// inside the View callback that created it.
type Reader struct {
	s   *Store
	txn *keyValStore.Txn
}

// View runs fn against a read snapshot. Commits that land while fn runs
// are not visible to it.
func (s *Store) View(fn func(r *Reader) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.kv.View(func(txn *keyValStore.Txn) error {
		return fn(&Reader{s: s, txn: txn})
	})
}

func loadRoot(txn *keyValStore.Txn, id uuid.UUID) (*rootRecord, error) {
	raw, err := txn.Get(rootKey(id))
	if errors.Is(err, keyValStore.ErrNotFound) {
		return nil, fmt.Errorf("%w: persistent root %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decodeRoot(raw)
}

func loadBranch(txn *keyValStore.Txn, id uuid.UUID) (*branchRecord, error) {
	raw, err := txn.Get(branchKey(id))
	if errors.Is(err, keyValStore.ErrNotFound) {
		return nil, fmt.Errorf("%w: branch %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decodeBranch(raw)
}

func loadRevision(txn *keyValStore.Txn, id uuid.UUID) (*revRecord, error) {
	raw, err := txn.Get(revKey(id))
	if errors.Is(err, keyValStore.ErrNotFound) {
		return nil, fmt.Errorf("%w: revision %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decodeRevision(raw)
}

// listChildren returns the revisions whose parent or merge parent is id.
func listChildren(txn *keyValStore.Txn, id uuid.UUID) ([]uuid.UUID, error) {
	prefix := childrenPrefix(id)
	keys, err := txn.Keys(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, len(keys))
	for _, k := range keys {
		child, err := uuid.ParseBytes(k[len(prefix):])
		if err != nil {
			return nil, fmt.Errorf("%w: child key %q", ErrCorrupt, k)
		}
		out = append(out, child)
	}
	return out, nil
}

func listUUIDs(txn *keyValStore.Txn, prefix string) ([]uuid.UUID, error) {
	keys, err := txn.Keys([]byte(prefix))
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, len(keys))
	for _, k := range keys {
		id, err := uuid.ParseBytes(k[len(prefix):])
		if err != nil {
			return nil, fmt.Errorf("%w: key %q", ErrCorrupt, k)
		}
		out = append(out, id)
	}
	return out, nil
}

func branchInfo(b *branchRecord, rootDeleted bool) BranchInfo {
	return BranchInfo{
		UUID:            b.UUID,
		PersistentRoot:  b.Root,
		ParentBranch:    b.ParentBranch,
		ParentRevision:  b.ParentRevision,
		CurrentRevision: b.Current,
		HeadRevision:    b.Head,
		Deleted:         b.Deleted || rootDeleted,
		OwnDeleted:      b.Deleted,
		Metadata:        maps.Clone(b.Metadata),
	}
}

func (r *Reader) PersistentRootInfo(id uuid.UUID) (PersistentRootInfo, error) {
	rec, err := loadRoot(r.txn, id)
	if err != nil {
		return PersistentRootInfo{}, err
	}
	info := PersistentRootInfo{
		UUID:          rec.UUID,
		BackingStore:  rec.BackingStore,
		Branches:      append([]uuid.UUID(nil), rec.Branches...),
		CurrentBranch: rec.CurrentBranch,
		Deleted:       rec.Deleted,
		TransactionID: rec.TransactionID,
		Metadata:      maps.Clone(rec.Metadata),
	}
	if rec.CurrentBranch != uuid.Nil {
		b, err := loadBranch(r.txn, rec.CurrentBranch)
		if err != nil {
			return PersistentRootInfo{}, fmt.Errorf("%w: current branch of %s: %v", ErrCorrupt, id, err)
		}
		info.CurrentRevision = b.Current
	}
	return info, nil
}

func (r *Reader) BranchInfo(id uuid.UUID) (BranchInfo, error) {
	b, err := loadBranch(r.txn, id)
	if err != nil {
		return BranchInfo{}, err
	}
	root, err := loadRoot(r.txn, b.Root)
	if err != nil {
		return BranchInfo{}, fmt.Errorf("%w: branch %s: %v", ErrCorrupt, id, err)
	}
	return branchInfo(b, root.Deleted), nil
}

// Branches returns every branch of a persistent root.
func (r *Reader) Branches(root uuid.UUID) ([]BranchInfo, error) {
	rec, err := loadRoot(r.txn, root)
	if err != nil {
		return nil, err
	}
	out := make([]BranchInfo, 0, len(rec.Branches))
	for _, id := range rec.Branches {
		b, err := loadBranch(r.txn, id)
		if err != nil {
			return nil, fmt.Errorf("%w: branch list of %s: %v", ErrCorrupt, root, err)
		}
		out = append(out, branchInfo(b, rec.Deleted))
	}
	return out, nil
}

func (r *Reader) RevisionInfo(id uuid.UUID) (RevisionInfo, error) {
	rec, err := loadRevision(r.txn, id)
	if err != nil {
		return RevisionInfo{}, err
	}
	return rec.info(), nil
}

// PersistentRoots lists every persistent root that has not been
// finalized, deleted ones included.
func (r *Reader) PersistentRoots() ([]uuid.UUID, error) {
	ids, err := listUUIDs(r.txn, rootPrefix)
	if err != nil {
		return nil, err
	}
	item.SortUUIDs(ids)
	return ids, nil
}

// Children lists the revisions that name id as parent or merge parent.
func (r *Reader) Children(id uuid.UUID) ([]uuid.UUID, error) {
	if _, err := loadRevision(r.txn, id); err != nil {
		return nil, err
	}
	return listChildren(r.txn, id)
}

func (r *Reader) openStore(bs uuid.UUID) (*backingstore.BackingStore, error) {
	return backingstore.Open(r.txn, bs, backingstore.Options{SnapshotInterval: r.s.opts.SnapshotInterval})
}

// ItemGraphForRevision returns the full item graph as of revision id.
func (r *Reader) ItemGraphForRevision(id uuid.UUID) (*item.Graph, error) {
	rec, err := loadRevision(r.txn, id)
	if err != nil {
		return nil, err
	}
	bs, err := r.openStore(rec.BackingStore)
	if err != nil {
		return nil, err
	}
	return bs.ItemGraphForRevision(rec.Index, nil)
}

// PartialItemGraph returns the items written after from up to and
// including to. Both revisions must share a backing store.
func (r *Reader) PartialItemGraph(from, to uuid.UUID) (*item.Graph, error) {
	a, err := loadRevision(r.txn, from)
	if err != nil {
		return nil, err
	}
	b, err := loadRevision(r.txn, to)
	if err != nil {
		return nil, err
	}
	if a.BackingStore != b.BackingStore {
		return nil, fmt.Errorf("%w: %s and %s are stored in different histories", ErrInvalidAction, from, to)
	}
	bs, err := r.openStore(a.BackingStore)
	if err != nil {
		return nil, err
	}
	return bs.PartialItemGraph(a.Index, b.Index, nil)
}

// CurrentItemGraph returns the item graph at the current revision of the
// current branch of root.
func (r *Reader) CurrentItemGraph(root uuid.UUID) (*item.Graph, error) {
	info, err := r.PersistentRootInfo(root)
	if err != nil {
		return nil, err
	}
	if info.CurrentRevision == uuid.Nil {
		return nil, fmt.Errorf("%w: persistent root %s has no current revision", ErrCorrupt, root)
	}
	return r.ItemGraphForRevision(info.CurrentRevision)
}

// RevisionHistory walks parent links from id, newest first. A limit of
// zero or less returns the whole history.
func (r *Reader) RevisionHistory(id uuid.UUID, limit int) ([]RevisionInfo, error) {
	var out []RevisionInfo
	for cur := id; cur != uuid.Nil; {
		if limit > 0 && len(out) >= limit {
			break
		}
		rec, err := loadRevision(r.txn, cur)
		if err != nil {
			if len(out) > 0 {
				return nil, fmt.Errorf("%w: parent of %s: %v", ErrCorrupt, out[len(out)-1].UUID, err)
			}
			return nil, err
		}
		out = append(out, rec.info())
		cur = rec.Parent
	}
	return out, nil
}

// CommonAncestor returns the nearest revision that is an ancestor of (or
// equal to) both a and b, following parent and merge-parent links. It
// returns uuid.Nil when the histories never meet.
func (r *Reader) CommonAncestor(a, b uuid.UUID) (uuid.UUID, error) {
	return commonAncestor(func(id uuid.UUID) (*revRecord, error) { return loadRevision(r.txn, id) }, a, b)
}

func ancestors(load func(uuid.UUID) (*revRecord, error), start uuid.UUID) ([]uuid.UUID, map[uuid.UUID]struct{}, error) {
	seen := map[uuid.UUID]struct{}{}
	var order []uuid.UUID
	queue := []uuid.UUID{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := seen[id]; ok {
			continue
		}
		rec, err := load(id)
		if errors.Is(err, ErrNotFound) && id != start {
			// history truncated by compaction
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		seen[id] = struct{}{}
		order = append(order, id)
		for _, p := range []uuid.UUID{rec.Parent, rec.MergeParent} {
			if p != uuid.Nil {
				queue = append(queue, p)
			}
		}
	}
	return order, seen, nil
}

func commonAncestor(load func(uuid.UUID) (*revRecord, error), a, b uuid.UUID) (uuid.UUID, error) {
	_, fromA, err := ancestors(load, a)
	if err != nil {
		return uuid.Nil, err
	}
	orderB, _, err := ancestors(load, b)
	if err != nil {
		return uuid.Nil, err
	}
	for _, id := range orderB {
		if _, ok := fromA[id]; ok {
			return id, nil
		}
	}
	return uuid.Nil, nil
}

// isAncestor reports whether a is b or one of its ancestors.
func isAncestor(load func(uuid.UUID) (*revRecord, error), a, b uuid.UUID) (bool, error) {
	if a == b {
		return true, nil
	}
	_, seen, err := ancestors(load, b)
	if err != nil {
		return false, err
	}
	_, ok := seen[a]
	return ok, nil
}
