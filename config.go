package coreobject

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/etoile/CoreObject-sub001/pkg/logging"
)

const DefaultCompactionInterval = 10 * time.Minute

// Config configures the database instance. Only Paths[0] is used at the
// moment; it holds the object store, the undo database and attachments.
type Config struct {
	// Paths contains data directories. Currently only Paths[0] is used.
	Paths []string `yaml:"paths"`
	// MinimumFreeGB is a free-space threshold checked when the store opens.
	MinimumFreeGB uint `yaml:"minimumFreeGB"`
	// Logger is an optional structured logger. If nil, one is built from
	// LogLevel.
	Logger   *slog.Logger `yaml:"-"`
	LogLevel string       `yaml:"logLevel"`
	// InMemory keeps the object store and undo database in RAM.
	InMemory   bool `yaml:"inMemory"`
	SyncWrites bool `yaml:"syncWrites"`
	// SnapshotInterval is the number of revisions between full snapshots
	// in a backing store.
	SnapshotInterval int `yaml:"snapshotInterval"`
	// CompactionInterval is the period of background compaction and value
	// log GC. Negative disables it.
	CompactionInterval time.Duration `yaml:"compactionInterval"`
	NotificationBuffer int           `yaml:"notificationBuffer"`
	DisableIndex       bool          `yaml:"disableIndex"`
}

// LoadConfig reads a YAML config file and applies defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var conf Config
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := conf.applyDefaults(); err != nil {
		return Config{}, err
	}
	return conf, nil
}

func (c *Config) applyDefaults() error {
	if c.CompactionInterval == 0 {
		c.CompactionInterval = DefaultCompactionInterval
	}
	if c.Logger == nil {
		level := slog.LevelInfo
		if c.LogLevel != "" {
			if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
				return fmt.Errorf("log level %q: %w", c.LogLevel, err)
			}
		}
		c.Logger = logging.New(logging.Options{Level: level})
	}
	return nil
}
