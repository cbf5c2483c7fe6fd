package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/etoile/CoreObject-sub001/internal/backingstore"
	"github.com/etoile/CoreObject-sub001/internal/keyValStore"
	"github.com/etoile/CoreObject-sub001/pkg/item"
)

type writtenRevision struct {
	rec    *revRecord
	action int
}

// commitState applies the actions of one transaction to a badger update
// transaction. Records are written through immediately and cached so that
// later actions see earlier ones; discarding the badger transaction undoes
// everything.
type commitState struct {
	s   *Store
	txn *keyValStore.Txn
	now time.Time

	roots    map[uuid.UUID]*rootRecord
	branches map[uuid.UUID]*branchRecord
	stores   map[uuid.UUID]*backingstore.BackingStore

	created   map[uuid.UUID]struct{}
	finalized map[uuid.UUID]struct{}
	written   []writtenRevision
	action    int

	sequence       int64
	sequenceLoaded bool
}

func newCommitState(s *Store, txn *keyValStore.Txn) *commitState {
	return &commitState{
		s:         s,
		txn:       txn,
		now:       time.Now().UTC(),
		roots:     make(map[uuid.UUID]*rootRecord),
		branches:  make(map[uuid.UUID]*branchRecord),
		stores:    make(map[uuid.UUID]*backingstore.BackingStore),
		created:   make(map[uuid.UUID]struct{}),
		finalized: make(map[uuid.UUID]struct{}),
	}
}

func (c *commitState) mustNotExist(key []byte, what string, id uuid.UUID) error {
	ok, err := c.txn.Has(key)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %s %s", ErrExists, what, id)
	}
	return nil
}

func (c *commitState) root(id uuid.UUID) (*rootRecord, error) {
	if r, ok := c.roots[id]; ok {
		return r, nil
	}
	if _, ok := c.finalized[id]; ok {
		return nil, fmt.Errorf("%w: persistent root %s", ErrNotFound, id)
	}
	r, err := loadRoot(c.txn, id)
	if err != nil {
		return nil, err
	}
	c.roots[id] = r
	return r, nil
}

// liveRoot is root, rejecting deleted roots.
func (c *commitState) liveRoot(id uuid.UUID) (*rootRecord, error) {
	r, err := c.root(id)
	if err != nil {
		return nil, err
	}
	if r.Deleted {
		return nil, fmt.Errorf("%w: persistent root %s is deleted", ErrInvalidAction, id)
	}
	return r, nil
}

func (c *commitState) putRoot(r *rootRecord) error {
	c.roots[r.UUID] = r
	return c.txn.Set(rootKey(r.UUID), encodeRoot(r))
}

func (c *commitState) branch(id uuid.UUID) (*branchRecord, error) {
	if b, ok := c.branches[id]; ok {
		return b, nil
	}
	b, err := loadBranch(c.txn, id)
	if err != nil {
		return nil, err
	}
	c.branches[id] = b
	return b, nil
}

// branchOf loads a branch and checks that it belongs to root.
func (c *commitState) branchOf(root *rootRecord, id uuid.UUID) (*branchRecord, error) {
	b, err := c.branch(id)
	if err != nil {
		return nil, err
	}
	if b.Root != root.UUID {
		return nil, fmt.Errorf("%w: branch %s belongs to %s, not %s", ErrInvalidAction, id, b.Root, root.UUID)
	}
	return b, nil
}

func (c *commitState) putBranch(b *branchRecord) error {
	c.branches[b.UUID] = b
	return c.txn.Set(branchKey(b.UUID), encodeBranch(b))
}

func (c *commitState) revision(id uuid.UUID) (*revRecord, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("%w: nil revision", ErrInvalidAction)
	}
	return loadRevision(c.txn, id)
}

func (c *commitState) loadRevision(id uuid.UUID) (*revRecord, error) {
	return loadRevision(c.txn, id)
}

func (c *commitState) store(id uuid.UUID) (*backingstore.BackingStore, error) {
	if bs, ok := c.stores[id]; ok {
		return bs, nil
	}
	bs, err := backingstore.Open(c.txn, id, backingstore.Options{SnapshotInterval: c.s.opts.SnapshotInterval})
	if err != nil {
		return nil, err
	}
	c.stores[id] = bs
	return bs, nil
}

func (c *commitState) storeExists(id uuid.UUID) (bool, error) {
	if bs, ok := c.stores[id]; ok {
		_, next := bs.RevidsUsedRange()
		return next > 0, nil
	}
	return backingstore.Exists(c.txn, id)
}

func (c *commitState) nextSequence() (int64, error) {
	if !c.sequenceLoaded {
		raw, err := c.txn.Get([]byte(sequenceKey))
		switch {
		case errors.Is(err, keyValStore.ErrNotFound):
		case err != nil:
			return 0, err
		case len(raw) != 8:
			return 0, fmt.Errorf("%w: sequence counter", ErrCorrupt)
		default:
			c.sequence = int64(binary.BigEndian.Uint64(raw))
		}
		c.sequenceLoaded = true
	}
	c.sequence++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(c.sequence))
	return c.sequence, c.txn.Set([]byte(sequenceKey), buf[:])
}

// checkOnBranch enforces that a branch only points at its own revisions,
// its fork revision or an ancestor of the fork revision.
func (c *commitState) checkOnBranch(b *branchRecord, rev uuid.UUID) error {
	rec, err := c.revision(rev)
	if err != nil {
		return err
	}
	if rec.Root == b.Root && rec.Branch == b.UUID {
		return nil
	}
	if b.ParentRevision != uuid.Nil {
		ok, err := isAncestor(c.loadRevision, rev, b.ParentRevision)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%w: revision %s is not on branch %s", ErrInvalidAction, rev, b.UUID)
}

// writeRevision stores rec with delta in its backing store. Parents must
// live in the same backing store; only the first revision of a backing
// store may have no parent.
func (c *commitState) writeRevision(rec *revRecord, delta *item.Graph) error {
	if err := c.mustNotExist(revKey(rec.UUID), "revision", rec.UUID); err != nil {
		return err
	}
	bs, err := c.store(rec.BackingStore)
	if err != nil {
		return err
	}

	parentIndex := backingstore.NoIndex
	if rec.Parent != uuid.Nil {
		p, err := c.revision(rec.Parent)
		if err != nil {
			return fmt.Errorf("parent: %w", err)
		}
		if p.BackingStore != rec.BackingStore {
			return fmt.Errorf("%w: parent %s is in another history", ErrInvalidAction, p.UUID)
		}
		parentIndex = p.Index
	} else if _, next := bs.RevidsUsedRange(); next > 0 {
		return fmt.Errorf("%w: revision %s needs a parent", ErrInvalidAction, rec.UUID)
	}

	mergeIndex := backingstore.NoIndex
	if rec.MergeParent != uuid.Nil {
		m, err := c.revision(rec.MergeParent)
		if err != nil {
			return fmt.Errorf("merge parent: %w", err)
		}
		if m.BackingStore != rec.BackingStore {
			return fmt.Errorf("%w: merge parent %s is in another history", ErrInvalidAction, m.UUID)
		}
		mergeIndex = m.Index
	}

	if delta == nil {
		delta = item.NewGraph(uuid.Nil)
	}
	rec.Index, err = bs.WriteRevision(delta, rec.UUID, parentIndex, mergeIndex, rec.Branch, rec.Root, rec.SchemaVersion)
	if err != nil {
		return err
	}
	if rec.Sequence, err = c.nextSequence(); err != nil {
		return err
	}
	if rec.Date == 0 {
		rec.Date = c.now.UnixNano()
	}
	if err := c.txn.Set(revKey(rec.UUID), encodeRevision(rec)); err != nil {
		return err
	}
	for _, p := range []uuid.UUID{rec.Parent, rec.MergeParent} {
		if p == uuid.Nil {
			continue
		}
		if err := c.txn.Set(childKey(p, rec.UUID), nil); err != nil {
			return err
		}
	}
	c.written = append(c.written, writtenRevision{rec: rec, action: c.action})
	return nil
}

// forgetRevision removes the revision record and its child links. The
// backing store record is handled by the caller.
func (c *commitState) forgetRevision(rec *revRecord) error {
	if err := c.txn.DeletePrefix(childrenPrefix(rec.UUID)); err != nil {
		return err
	}
	for _, p := range []uuid.UUID{rec.Parent, rec.MergeParent} {
		if p == uuid.Nil {
			continue
		}
		if err := c.txn.Delete(childKey(p, rec.UUID)); err != nil {
			return err
		}
	}
	return c.txn.Delete(revKey(rec.UUID))
}

// dropStore erases a backing store together with the revision records
// that point into it.
func (c *commitState) dropStore(id uuid.UUID) error {
	bs, err := c.store(id)
	if err != nil {
		return err
	}
	indexes, err := bs.Indexes()
	if err != nil {
		return err
	}
	for _, idx := range indexes {
		rev, err := bs.RevisionForIndex(idx)
		if err != nil {
			return err
		}
		rec, err := loadRevision(c.txn, rev)
		if err != nil {
			return fmt.Errorf("%w: backing store %s index %d: %v", ErrCorrupt, id, idx, err)
		}
		if err := c.forgetRevision(rec); err != nil {
			return err
		}
	}
	delete(c.stores, id)
	return bs.Drop()
}

// checkExpectations compares the transaction ids the caller observed with
// the stored ones. Roots that do not exist yet need no expectation.
func (c *commitState) checkExpectations(tx *Transaction) error {
	seen := make(map[uuid.UUID]struct{})
	for i, a := range tx.actions {
		for _, id := range a.Roots() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}

			want, expected := tx.expected[id]
			rec, err := loadRoot(c.txn, id)
			switch {
			case errors.Is(err, ErrNotFound):
				if expected && want != 0 {
					err = fmt.Errorf("%w: persistent root %s does not exist", ErrStaleTransaction, id)
				} else {
					err = nil
				}
			case err != nil:
			case !expected:
				err = fmt.Errorf("%w: %s", ErrMissingTransactionID, id)
			case want != rec.TransactionID:
				err = fmt.Errorf("%w: %s expected %d, stored %d", ErrStaleTransaction, id, want, rec.TransactionID)
			}
			if err != nil {
				return &CommitError{Index: i, Action: a.Name(), Err: err}
			}
		}
	}
	return nil
}

// validate runs the checks that need the whole transaction applied: every
// written revision must replay to a complete, composite-acyclic graph.
func (c *commitState) validate(tx *Transaction) error {
	for id := range c.created {
		r, err := c.root(id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		b, err := c.branch(r.CurrentBranch)
		if err != nil {
			return err
		}
		if b.Current == uuid.Nil {
			return fmt.Errorf("%w: persistent root %s has no current revision", ErrInvalidAction, id)
		}
	}
	for _, w := range c.written {
		bs, ok := c.stores[w.rec.BackingStore]
		if !ok {
			// dropped later in the same transaction
			continue
		}
		g, err := bs.ItemGraphForRevision(w.rec.Index, nil)
		if err != nil {
			return &CommitError{Index: w.action, Action: tx.actions[w.action].Name(), Err: err}
		}
		if err := g.Validate(); err != nil {
			return &CommitError{Index: w.action, Action: tx.actions[w.action].Name(),
				Err: fmt.Errorf("revision %s: %w", w.rec.UUID, err)}
		}
	}
	return nil
}

// finish bumps the transaction id of every root the transaction touched.
func (c *commitState) finish(tx *Transaction) (CommitResult, error) {
	res := CommitResult{TransactionIDs: make(map[uuid.UUID]int64)}
	for _, id := range tx.Roots() {
		if _, ok := c.finalized[id]; ok {
			continue
		}
		r, err := c.root(id)
		if err != nil {
			return CommitResult{}, err
		}
		r.TransactionID++
		if err := c.putRoot(r); err != nil {
			return CommitResult{}, err
		}
		res.TransactionIDs[id] = r.TransactionID
	}
	for _, w := range c.written {
		res.Revisions = append(res.Revisions, w.rec.UUID)
	}
	res.Sequence = c.sequence
	return res, nil
}

// CommitResult describes a successful commit.
type CommitResult struct {
	// TransactionIDs are the new ids of every surviving root the
	// transaction touched.
	TransactionIDs map[uuid.UUID]int64
	Revisions      []uuid.UUID
	// Sequence is the last revision sequence number assigned, zero when
	// no revision was written.
	Sequence int64
}

func (s *Store) commit(tx *Transaction) (CommitResult, error) {
	var res CommitResult
	err := s.kv.Update(func(txn *keyValStore.Txn) error {
		c := newCommitState(s, txn)
		if err := c.checkExpectations(tx); err != nil {
			return err
		}
		for i, a := range tx.actions {
			c.action = i
			if err := a.apply(c); err != nil {
				return &CommitError{Index: i, Action: a.Name(), Err: err}
			}
		}
		if err := c.validate(tx); err != nil {
			return err
		}
		var err error
		res, err = c.finish(tx)
		return err
	})
	if err != nil {
		return CommitResult{}, err
	}
	return res, nil
}
