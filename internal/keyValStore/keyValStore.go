package keyValStore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("keyValStore: key not found")

type KeyValStore struct {
	config       StoreConfig
	log          *slog.Logger
	badgerDB     *badger.DB
	readCounter  uint64
	writeCounter uint64
}

// badgerLogger routes badger's own messages through logrus at warning
// level; badger is chatty at info.
func badgerLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.WarnLevel)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: false, FullTimestamp: true})
	return l
}

func NewKeyValStore(config StoreConfig) (*KeyValStore, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	err := config.checkConfig()
	if err != nil {
		return nil, fmt.Errorf("error checking config for KeyValStore: %w", err)
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(config.Paths[0])
		opts.ValueLogFileSize = 1024 * 1024 * 100 // Set max size of each value log file to 100MB
	}
	opts.Logger = badgerLogger()
	opts.SyncWrites = config.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	k := &KeyValStore{
		config:   config,
		log:      config.Logger,
		badgerDB: db,
	}
	k.logDiskUsage()
	return k, nil
}

// DB exposes the underlying badger instance for backup and restore.
func (k *KeyValStore) DB() *badger.DB {
	return k.badgerDB
}

func (k *KeyValStore) Write(key []byte, content []byte) error {
	return k.Update(func(txn *Txn) error {
		return txn.Set(key, content)
	})
}

func (k *KeyValStore) WriteBatch(batch [][2][]byte) error {
	return k.Update(func(txn *Txn) error {
		for _, kv := range batch {
			if err := txn.Set(kv[0], kv[1]); err != nil {
				return fmt.Errorf("error writing batch: %w", err)
			}
		}
		return nil
	})
}

func (k *KeyValStore) Read(key []byte) ([]byte, error) {
	var value []byte
	err := k.View(func(txn *Txn) error {
		var err error
		value, err = txn.Get(key)
		return err
	})
	return value, err
}

// GetItemsWithPrefix returns all keys and values with the given prefix.
func (k *KeyValStore) GetItemsWithPrefix(prefix []byte) ([][][]byte, error) {
	var keysAndValues [][][]byte
	err := k.View(func(txn *Txn) error {
		return txn.Scan(prefix, func(key, value []byte) error {
			keysAndValues = append(keysAndValues, [][]byte{key, value})
			return nil
		})
	})
	return keysAndValues, err
}

// View runs fn in a read-only transaction over a consistent snapshot.
func (k *KeyValStore) View(fn func(txn *Txn) error) error {
	return k.badgerDB.View(func(txn *badger.Txn) error {
		return fn(&Txn{txn: txn, k: k})
	})
}

// Update runs fn in a read-write transaction. Nothing fn writes becomes
// visible unless fn returns nil and the commit succeeds.
func (k *KeyValStore) Update(fn func(txn *Txn) error) error {
	return k.badgerDB.Update(func(txn *badger.Txn) error {
		return fn(&Txn{txn: txn, k: k, writable: true})
	})
}

// Stats returns the read and write operation counters.
func (k *KeyValStore) Stats() (reads, writes uint64) {
	return atomic.LoadUint64(&k.readCounter), atomic.LoadUint64(&k.writeCounter)
}

func (k *KeyValStore) Close() error {
	if err := k.Clean(); err != nil {
		k.log.Warn("clean before close failed", "error", err)
	}
	return k.badgerDB.Close()
}

// Clean syncs, flattens the LSM tree and reclaims value log space.
func (k *KeyValStore) Clean() error {
	if k.config.InMemory {
		return nil
	}
	err := k.badgerDB.Sync()
	if err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}

	// flatten the db
	err = k.badgerDB.Flatten(runtime.NumCPU()) // The parameter is the number of concurrent compactions
	if err != nil {
		return fmt.Errorf("error flattening db: %w", err)
	}
	k.log.Debug("DB flattened")

	err = k.badgerDB.RunValueLogGC(0.1)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("error cleaning db: %w", err)
	}

	return nil
}

// Txn is a badger transaction with the store's counters and error
// conventions applied.
type Txn struct {
	txn      *badger.Txn
	k        *KeyValStore
	writable bool
}

// Get returns a copy of the value stored under key, or ErrNotFound.
func (t *Txn) Get(key []byte) ([]byte, error) {
	atomic.AddUint64(&t.k.readCounter, 1)
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, printableKey(key))
	}
	if err != nil {
		return nil, fmt.Errorf("error reading key %s: %w", printableKey(key), err)
	}
	return item.ValueCopy(nil)
}

func (t *Txn) Has(key []byte) (bool, error) {
	_, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (t *Txn) Set(key, value []byte) error {
	if !t.writable {
		return errors.New("keyValStore: write in read-only transaction")
	}
	atomic.AddUint64(&t.k.writeCounter, 1)
	return t.txn.Set(key, value)
}

func (t *Txn) Delete(key []byte) error {
	if !t.writable {
		return errors.New("keyValStore: delete in read-only transaction")
	}
	atomic.AddUint64(&t.k.writeCounter, 1)
	return t.txn.Delete(key)
}

// Scan calls fn with copies of every key and value under prefix, in key
// order. fn must not write to the transaction; collect keys first.
func (t *Txn) Scan(prefix []byte, fn func(key, value []byte) error) error {
	atomic.AddUint64(&t.k.readCounter, 1)
	it := t.txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 64})
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns every key under prefix without reading values.
func (t *Txn) Keys(prefix []byte) ([][]byte, error) {
	atomic.AddUint64(&t.k.readCounter, 1)
	it := t.txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: false})
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys, nil
}

// DeletePrefix removes every key under prefix.
func (t *Txn) DeletePrefix(prefix []byte) error {
	keys, err := t.Keys(prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := t.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func printableKey(key []byte) string {
	for _, c := range key {
		if c < 0x20 || c > 0x7e {
			return hex.EncodeToString(key)
		}
	}
	return string(key)
}
