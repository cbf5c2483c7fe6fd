// Package backup writes and restores xz-compressed badger backups of the
// database a store runs on.
package backup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ulikunitz/xz"

	"github.com/etoile/CoreObject-sub001/internal/keyValStore"
)

// maxPendingWrites bounds the batches badger keeps in flight on restore.
const maxPendingWrites = 256

// Status reports the state of backup operations.
type Status struct {
	// LastBackup is the completion time of the last successful backup.
	LastBackup time.Time
	// LastBackupSize is the compressed size of the last backup in bytes.
	LastBackupSize int64
	// LastVersion is the badger version the last backup covers; pass it as
	// since for an incremental backup.
	LastVersion      uint64
	BackupInProgress bool
}

type Manager struct {
	kv  *keyValStore.KeyValStore
	log *slog.Logger

	// mu serializes backups and restores.
	mu       sync.Mutex
	statusMu sync.Mutex
	status   Status
}

func NewManager(kv *keyValStore.KeyValStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{kv: kv, log: logger}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// BackupData writes every key committed after since to writer. A since of
// zero writes a full backup.
func (m *Manager) BackupData(ctx context.Context, writer io.Writer, since uint64) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setInProgress(true)
	defer m.setInProgress(false)

	cw := &countingWriter{w: writer}
	xw, err := xz.NewWriter(cw)
	if err != nil {
		return Status{}, fmt.Errorf("backup: create xz writer: %w", err)
	}
	version, err := m.kv.DB().Backup(xw, since)
	if err != nil {
		return Status{}, fmt.Errorf("backup: stream: %w", err)
	}
	if err := xw.Close(); err != nil {
		return Status{}, fmt.Errorf("backup: finish xz stream: %w", err)
	}

	m.statusMu.Lock()
	m.status.LastBackup = time.Now()
	m.status.LastBackupSize = cw.n
	m.status.LastVersion = version
	st := m.status
	m.statusMu.Unlock()

	m.log.Info("backup written", "bytes", cw.n, "version", version)
	return st, nil
}

// RestoreData loads a backup written by BackupData. Restore into an empty
// database; keys present in both are overwritten.
func (m *Manager) RestoreData(ctx context.Context, reader io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	xr, err := xz.NewReader(reader)
	if err != nil {
		return fmt.Errorf("backup: open xz stream: %w", err)
	}
	if err := m.kv.DB().Load(xr, maxPendingWrites); err != nil {
		return fmt.Errorf("backup: load: %w", err)
	}
	m.log.Info("backup restored")
	return nil
}

func (m *Manager) GetBackupStatus() Status {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	return m.status
}

func (m *Manager) setInProgress(v bool) {
	m.statusMu.Lock()
	m.status.BackupInProgress = v
	m.statusMu.Unlock()
}
