package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	coreobject "github.com/etoile/CoreObject-sub001"
	"github.com/etoile/CoreObject-sub001/pkg/logging"
	"github.com/etoile/CoreObject-sub001/pkg/store"
)

const (
	logKeyDataPath   = "dataPath"
	logKeySignal     = "signal"
	logKeyError      = "error"
	logKeyRoots      = "roots"
	logKeyRevisions  = "revisions"
	logKeyRemote     = "remote"
	logKeyBackupPath = "backupPath"
	logKeyBytes      = "bytes"
	logKeyInterval   = "interval"
)

func main() {
	cfg := parseFlags()

	logLevel := slog.LevelInfo
	if cfg.debug {
		logLevel = slog.LevelDebug
	}
	logger := logging.New(logging.Options{Writer: os.Stderr, Level: logLevel})

	logger.InfoContext(context.Background(), "starting coreobject daemon",
		logKeyDataPath, cfg.dataPath,
		logKeyInterval, cfg.backupInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.InfoContext(ctx, "received shutdown signal", logKeySignal, sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.ErrorContext(context.Background(), "daemon error", logKeyError, err)
		os.Exit(1)
	}
}

// daemonConfig holds the parsed command line configuration.
type daemonConfig struct {
	configPath         string
	dataPath           string
	compactionInterval time.Duration
	backupDir          string
	backupInterval     time.Duration
	debug              bool
}

func parseFlags() daemonConfig {
	cfg := daemonConfig{}

	flag.StringVar(&cfg.configPath, "config", "",
		"YAML config file; -data overrides its paths")
	flag.StringVar(&cfg.dataPath, "data", "./data",
		"Path to data directory")
	flag.DurationVar(&cfg.compactionInterval, "compaction-interval", coreobject.DefaultCompactionInterval,
		"Period of history compaction and value log GC (negative disables)")
	flag.StringVar(&cfg.backupDir, "backup-dir", "",
		"Directory for periodic backups (empty disables)")
	flag.DurationVar(&cfg.backupInterval, "backup-interval", time.Hour,
		"Period of backups written to -backup-dir")
	flag.BoolVar(&cfg.debug, "debug", false,
		"Enable debug logging")

	flag.Parse()
	return cfg
}

// run is the main daemon logic, separated for testability.
func run(ctx context.Context, cfg daemonConfig, logger *slog.Logger) error {
	conf := coreobject.Config{}
	if cfg.configPath != "" {
		var err error
		if conf, err = coreobject.LoadConfig(cfg.configPath); err != nil {
			return err
		}
	}
	conf.Paths = []string{cfg.dataPath}
	conf.Logger = logger
	conf.CompactionInterval = cfg.compactionInterval

	db, err := coreobject.New(conf)
	if err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	if err := db.Start(ctx); err != nil {
		return fmt.Errorf("start database: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.Close(closeCtx); err != nil {
			logger.WarnContext(context.Background(), "error closing database", logKeyError, err)
		}
	}()

	unsubscribe := db.Store().Subscribe(func(n store.Notification) {
		logger.Debug("commit",
			logKeyRoots, len(n.Roots),
			logKeyRevisions, len(n.Revisions),
			logKeyRemote, n.Remote)
	})
	defer unsubscribe()

	if cfg.backupDir != "" {
		if err := os.MkdirAll(cfg.backupDir, 0o750); err != nil {
			return fmt.Errorf("create backup directory: %w", err)
		}
		go backupLoop(ctx, db, cfg.backupDir, cfg.backupInterval, logger)
	}

	logger.InfoContext(ctx, "daemon started", logKeyDataPath, cfg.dataPath)

	<-ctx.Done()

	logger.InfoContext(context.Background(), "daemon shutting down")
	return nil
}

func backupLoop(ctx context.Context, db *coreobject.DB, dir string, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			path := filepath.Join(dir, "coreobject-"+now.UTC().Format("20060102T150405Z")+".bak.xz")
			n, err := writeBackup(ctx, db, path)
			if err != nil {
				logger.ErrorContext(ctx, "backup failed", logKeyBackupPath, path, logKeyError, err)
				continue
			}
			logger.InfoContext(ctx, "backup written", logKeyBackupPath, path, logKeyBytes, n)
		}
	}
}

// writeBackup writes to a temporary file and renames it into place so a
// crash never leaves a truncated backup under the final name.
func writeBackup(ctx context.Context, db *coreobject.DB, path string) (int64, error) {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	st, err := db.Backup(ctx, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	return st.LastBackupSize, os.Rename(tmp, path)
}
