// Package store keeps persistent roots, branches and the revision DAG on
// top of the backing stores.
//
// All mutations go through Execute, which hands the transaction to the
// store's single commit goroutine. Reads run in badger read transactions
// and may proceed concurrently with commits; they observe either all of a
// commit or none of it.
//
//	root, branch, rev := uuid.New(), uuid.New(), uuid.New()
//	g := item.NewGraph(root)
//	g.InsertOrUpdateItems(item.New(root).Set("name", item.NewString("doc")))
//	_, err := s.Execute(ctx, store.NewTransaction(store.CreatePersistentRoot{
//		Root: root, Branch: branch, Revision: rev, Graph: g,
//	}))
package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/etoile/CoreObject-sub001/internal/backingstore"
	"github.com/etoile/CoreObject-sub001/internal/keyValStore"
	"github.com/etoile/CoreObject-sub001/pkg/diff"
	"github.com/etoile/CoreObject-sub001/pkg/item"
	"github.com/etoile/CoreObject-sub001/pkg/logging"
	workerpool "github.com/etoile/CoreObject-sub001/pkg/workerPool"
)

const (
	logKeyRoots     = "roots"
	logKeyRevisions = "revisions"
	logKeyActions   = "actions"
	logKeyError     = "error"
	logKeySequence  = "sequence"
)

const DefaultNotificationBuffer = 64

type Options struct {
	// SnapshotInterval bounds delta chains in new backing stores.
	SnapshotInterval int
	Logger           *slog.Logger
	// Bus carries notifications to and from other store instances.
	Bus                MessageBus
	NotificationBuffer int
	// Metamodel selects diff strategies for merges run by the store.
	Metamodel diff.Metamodel
	// Pool runs compaction analysis. A private pool is created when nil.
	Pool *workerpool.WorkerPool
}

type Store struct {
	kv   *keyValStore.KeyValStore
	opts Options
	log  *slog.Logger
	// id tells this instance's notifications apart on a shared bus.
	id       string
	pool     *workerpool.WorkerPool
	ownsPool bool

	commits chan *commitRequest
	notes   chan Notification
	quit    chan struct{}
	wg      sync.WaitGroup

	subMu   sync.RWMutex
	subs    map[uint64]func(Notification)
	nextSub uint64

	busCancel func()
	closed    atomic.Bool
	closeOnce sync.Once
}

type commitRequest struct {
	tx   *Transaction
	done chan commitResponse
}

type commitResponse struct {
	res CommitResult
	err error
}

// Open starts a store on kv. The caller keeps ownership of kv and closes
// it after Close.
func Open(kv *keyValStore.KeyValStore, opts Options) (*Store, error) {
	if kv == nil {
		return nil, errors.New("store: nil key-value store")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = backingstore.DefaultSnapshotInterval
	}
	if opts.NotificationBuffer <= 0 {
		opts.NotificationBuffer = DefaultNotificationBuffer
	}
	s := &Store{
		kv:      kv,
		opts:    opts,
		log:     opts.Logger,
		id:      uuid.NewString(),
		pool:    opts.Pool,
		commits: make(chan *commitRequest),
		notes:   make(chan Notification, opts.NotificationBuffer),
		quit:    make(chan struct{}),
		subs:    make(map[uint64]func(Notification)),
	}
	if s.pool == nil {
		s.pool = workerpool.NewWorkerPool(workerpool.Config{})
		s.ownsPool = true
	}
	if opts.Bus != nil {
		s.busCancel = opts.Bus.Subscribe(s.receiveRemote)
	}

	s.wg.Add(2)
	go s.commitLoop()
	go s.dispatchLoop()
	return s, nil
}

// Close stops the commit goroutine and notification delivery. Commits that
// were already accepted finish first.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.busCancel != nil {
			s.busCancel()
		}
		close(s.quit)
		s.wg.Wait()
		if s.ownsPool {
			s.pool.Close()
		}
	})
	return nil
}

// Execute commits tx. Either every action lands or none does; on failure
// the persisted state is as if Execute had never been called. A canceled
// ctx only prevents a commit that has not been accepted yet.
func (s *Store) Execute(ctx context.Context, tx *Transaction) (CommitResult, error) {
	if tx == nil || tx.IsEmpty() {
		return CommitResult{}, ErrEmptyTransaction
	}
	if s.closed.Load() {
		return CommitResult{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return CommitResult{}, err
	}
	req := &commitRequest{tx: tx, done: make(chan commitResponse, 1)}
	select {
	case s.commits <- req:
	case <-ctx.Done():
		return CommitResult{}, ctx.Err()
	case <-s.quit:
		return CommitResult{}, ErrClosed
	}
	resp := <-req.done
	return resp.res, resp.err
}

func (s *Store) commitLoop() {
	defer s.wg.Done()
	for {
		select {
		case req := <-s.commits:
			res, err := s.commit(req.tx)
			req.done <- commitResponse{res: res, err: err}
			if err != nil {
				s.log.Debug("commit rejected", logKeyActions, len(req.tx.actions), logKeyError, err)
				continue
			}
			roots := req.tx.Roots()
			s.log.Debug("commit", logKeyActions, len(req.tx.actions), logKeyRoots, len(roots),
				logKeyRevisions, len(res.Revisions), logKeySequence, res.Sequence)
			s.publish(Notification{
				Roots:          roots,
				TransactionIDs: res.TransactionIDs,
				Revisions:      res.Revisions,
				Source:         s.id,
			})
		case <-s.quit:
			return
		}
	}
}

// KV returns the key-value store the store runs on.
func (s *Store) KV() *keyValStore.KeyValStore { return s.kv }

// Metamodel is the metamodel merges of this store diff with.
func (s *Store) Metamodel() diff.Metamodel { return s.opts.Metamodel }

func viewValue[T any](s *Store, fn func(r *Reader) (T, error)) (T, error) {
	var out T
	err := s.View(func(r *Reader) error {
		var err error
		out, err = fn(r)
		return err
	})
	return out, err
}

func (s *Store) PersistentRootInfo(id uuid.UUID) (PersistentRootInfo, error) {
	return viewValue(s, func(r *Reader) (PersistentRootInfo, error) { return r.PersistentRootInfo(id) })
}

func (s *Store) BranchInfo(id uuid.UUID) (BranchInfo, error) {
	return viewValue(s, func(r *Reader) (BranchInfo, error) { return r.BranchInfo(id) })
}

func (s *Store) Branches(root uuid.UUID) ([]BranchInfo, error) {
	return viewValue(s, func(r *Reader) ([]BranchInfo, error) { return r.Branches(root) })
}

func (s *Store) RevisionInfo(id uuid.UUID) (RevisionInfo, error) {
	return viewValue(s, func(r *Reader) (RevisionInfo, error) { return r.RevisionInfo(id) })
}

func (s *Store) PersistentRoots() ([]uuid.UUID, error) {
	return viewValue(s, func(r *Reader) ([]uuid.UUID, error) { return r.PersistentRoots() })
}

func (s *Store) Children(rev uuid.UUID) ([]uuid.UUID, error) {
	return viewValue(s, func(r *Reader) ([]uuid.UUID, error) { return r.Children(rev) })
}

func (s *Store) ItemGraphForRevision(rev uuid.UUID) (*item.Graph, error) {
	return viewValue(s, func(r *Reader) (*item.Graph, error) { return r.ItemGraphForRevision(rev) })
}

func (s *Store) PartialItemGraph(from, to uuid.UUID) (*item.Graph, error) {
	return viewValue(s, func(r *Reader) (*item.Graph, error) { return r.PartialItemGraph(from, to) })
}

func (s *Store) CurrentItemGraph(root uuid.UUID) (*item.Graph, error) {
	return viewValue(s, func(r *Reader) (*item.Graph, error) { return r.CurrentItemGraph(root) })
}

func (s *Store) CommonAncestor(a, b uuid.UUID) (uuid.UUID, error) {
	return viewValue(s, func(r *Reader) (uuid.UUID, error) { return r.CommonAncestor(a, b) })
}

func (s *Store) RevisionHistory(rev uuid.UUID, limit int) ([]RevisionInfo, error) {
	return viewValue(s, func(r *Reader) ([]RevisionInfo, error) { return r.RevisionHistory(rev, limit) })
}
