/*
Package coreobject is a persistent, branchable object-graph store.

A DB owns the object store, the undo-track database, attachment storage,
the search index and background compaction. New is cheap; Start opens
everything below Config.Paths[0]:

	kv/           object store (persistent roots, branches, revisions)
	undo/         undo tracks
	attachments/  materialized attachment files
*/
package coreobject

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/etoile/CoreObject-sub001/internal/keyValStore"
	"github.com/etoile/CoreObject-sub001/pkg/attachment"
	"github.com/etoile/CoreObject-sub001/pkg/backup"
	"github.com/etoile/CoreObject-sub001/pkg/index"
	"github.com/etoile/CoreObject-sub001/pkg/store"
	"github.com/etoile/CoreObject-sub001/pkg/undotrack"
	workerpool "github.com/etoile/CoreObject-sub001/pkg/workerPool"
)

var (
	ErrNotStarted = errors.New("coreobject: database not started")
	ErrClosed     = errors.New("coreobject: database closed")
)

// DB is the main database handle.
type DB struct {
	log    *slog.Logger
	config Config

	kv     *keyValStore.KeyValStore
	undoKV *keyValStore.KeyValStore
	pool   *workerpool.WorkerPool

	store       *store.Store
	undo        *undotrack.DB
	attachments *attachment.Store
	indexer     *index.Indexer
	backups     *backup.Manager

	started   atomic.Bool
	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
	quit      chan struct{}
	wg        sync.WaitGroup
}

// New constructs a database handle. New does not perform I/O or start
// background goroutines. Call Start to open the database.
func New(conf Config) (*DB, error) {
	if len(conf.Paths) == 0 {
		return nil, fmt.Errorf("at least one path must be provided in config")
	}
	if err := conf.applyDefaults(); err != nil {
		return nil, err
	}
	return &DB{
		log:    conf.Logger,
		config: conf,
		quit:   make(chan struct{}),
	}, nil
}

func (db *DB) openKV(dir string) (*keyValStore.KeyValStore, error) {
	if !db.config.InMemory {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Paths:            []string{dir},
		MinimumFreeSpace: int(db.config.MinimumFreeGB),
		Logger:           db.log,
		InMemory:         db.config.InMemory,
		SyncWrites:       db.config.SyncWrites,
	})
}

// Start opens every component and starts background compaction. Start is
// safe to call multiple times; only the first call has effect.
func (db *DB) Start(ctx context.Context) error {
	var startErr error
	db.startOnce.Do(func() {
		if db.closed.Load() {
			startErr = ErrClosed
			return
		}
		startErr = db.start(ctx)
		if startErr != nil {
			db.release()
			return
		}
		db.started.Store(true)
		db.log.Info("CoreObject store started", "path", db.config.Paths[0])
	})
	return startErr
}

func (db *DB) start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dataRoot := db.config.Paths[0]
	if err := os.MkdirAll(dataRoot, 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", dataRoot, err)
	}

	var err error
	if db.kv, err = db.openKV(filepath.Join(dataRoot, "kv")); err != nil {
		return fmt.Errorf("open object store: %w", err)
	}
	if db.undoKV, err = db.openKV(filepath.Join(dataRoot, "undo")); err != nil {
		return fmt.Errorf("open undo database: %w", err)
	}

	db.pool = workerpool.NewWorkerPool(workerpool.Config{})
	db.store, err = store.Open(db.kv, store.Options{
		SnapshotInterval:   db.config.SnapshotInterval,
		Logger:             db.log.With("component", "store"),
		NotificationBuffer: db.config.NotificationBuffer,
		Pool:               db.pool,
	})
	if err != nil {
		return err
	}
	db.undo = undotrack.Open(db.undoKV, db.log.With("component", "undo"))
	db.attachments, err = attachment.Open(db.kv, filepath.Join(dataRoot, "attachments"), db.log.With("component", "attachments"))
	if err != nil {
		return err
	}
	db.backups = backup.NewManager(db.kv, db.log.With("component", "backup"))

	if !db.config.DisableIndex {
		db.indexer, err = index.NewIndexer(db.store, db.log.With("component", "index"))
		if err != nil {
			return err
		}
		// Populate synchronously so a started DB answers searches.
		if err := db.indexer.Start(); err != nil {
			return fmt.Errorf("start index: %w", err)
		}
	}

	if db.config.CompactionInterval > 0 {
		db.wg.Add(1)
		go db.compactionLoop(db.config.CompactionInterval)
	}
	return nil
}

// Run starts the database, then blocks until ctx is canceled, and finally
// performs a bounded graceful shutdown. It is a convenience for services.
func (db *DB) Run(ctx context.Context) error {
	if err := db.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return db.Close(shutdownCtx)
}

// Close stops background work and releases resources. Close is idempotent.
func (db *DB) Close(ctx context.Context) error {
	var closeErr error
	db.closeOnce.Do(func() {
		db.closed.Store(true)
		close(db.quit)

		done := make(chan struct{})
		go func() {
			db.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			db.log.Warn("close: background work still running", "error", ctx.Err())
		}

		closeErr = db.release()
		db.log.Info("CoreObject store closed")
	})
	return closeErr
}

// release closes whatever Start opened, in reverse order.
func (db *DB) release() error {
	var err error
	if db.indexer != nil {
		if e := db.indexer.Close(); e != nil {
			err = errors.Join(err, fmt.Errorf("close index: %w", e))
		}
		db.indexer = nil
	}
	if db.store != nil {
		if e := db.store.Close(); e != nil {
			err = errors.Join(err, fmt.Errorf("close store: %w", e))
		}
	}
	if db.pool != nil {
		db.pool.Close()
		db.pool = nil
	}
	if db.undoKV != nil {
		if e := db.undoKV.Close(); e != nil {
			err = errors.Join(err, fmt.Errorf("close undo database: %w", e))
		}
		db.undoKV = nil
	}
	if db.kv != nil {
		if e := db.kv.Close(); e != nil {
			err = errors.Join(err, fmt.Errorf("close object store: %w", e))
		}
		db.kv = nil
	}
	return err
}

func (db *DB) ready() error {
	if db.closed.Load() {
		return ErrClosed
	}
	if !db.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// Store returns the object store, or nil before Start.
func (db *DB) Store() *store.Store { return db.store }

func (db *DB) Attachments() *attachment.Store { return db.attachments }

func (db *DB) UndoTracks() *undotrack.DB { return db.undo }

// Index returns the search index; nil when Config.DisableIndex is set.
func (db *DB) Index() *index.Indexer { return db.indexer }

// Backup writes a full xz-compressed backup of the object store to w.
func (db *DB) Backup(ctx context.Context, w io.Writer) (backup.Status, error) {
	if err := db.ready(); err != nil {
		return backup.Status{}, err
	}
	return db.backups.BackupData(ctx, w, 0)
}

// Compact finalizes every deleted persistent root and branch and trims
// history that no branch and no undo track needs any more. A plan that
// went stale while it was computed is recomputed once.
func (db *DB) Compact(ctx context.Context) (*store.CompactionPlan, error) {
	if err := db.ready(); err != nil {
		return nil, err
	}
	var (
		plan *store.CompactionPlan
		err  error
	)
	for attempt := 0; attempt < 2; attempt++ {
		var b store.CompactionBoundary
		if b, err = db.undo.CompactionBoundary(); err != nil {
			return nil, err
		}
		plan, _, err = db.store.Compact(ctx, b)
		if !errors.Is(err, store.ErrStaleTransaction) {
			break
		}
	}
	return plan, err
}

func (db *DB) compactionLoop(interval time.Duration) {
	defer db.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			db.collectGarbage()
		case <-db.quit:
			return
		}
	}
}

func (db *DB) collectGarbage() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-db.quit:
			cancel()
		case <-ctx.Done():
		}
	}()
	defer cancel()

	if _, err := db.Compact(ctx); err != nil {
		db.log.Error("background compaction failed", "error", err)
		return
	}
	if err := db.kv.Clean(); err != nil {
		db.log.Error("value log GC failed", "error", err)
	}
}
