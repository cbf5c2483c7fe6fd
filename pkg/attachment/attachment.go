// Package attachment stores binary files referenced by attachment values.
// Files are addressed by the hex BLAKE2b-256 hash of their content, split
// into content-defined chunks and kept zstd-compressed in badger, so equal
// files and shared chunks are stored once.
package attachment

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"

	"github.com/etoile/CoreObject-sub001/internal/binaryCoder"
	"github.com/etoile/CoreObject-sub001/internal/keyValStore"
	"github.com/etoile/CoreObject-sub001/pkg/item"
)

var (
	ErrNotFound  = errors.New("attachment: not found")
	ErrInvalidID = errors.New("attachment: invalid id")
	ErrCorrupt   = errors.New("attachment: content does not match its id")
)

const (
	prefixFile  = "att/file/"
	prefixChunk = "att/chunk/"
)

// ID is the lowercase hex BLAKE2b-256 digest of an attachment's content.
type ID string

func ParseID(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != blake2b.Size256 || hex.EncodeToString(b) != s {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return ID(s), nil
}

// Value returns the attachment value referring to id.
func (id ID) Value() item.Value { return item.NewAttachment(string(id)) }

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

type Store struct {
	kv  *keyValStore.KeyValStore
	dir string
	log *slog.Logger
	// pathMu serializes materialization into dir.
	pathMu sync.Mutex
}

// Open stores attachments in kv and materializes them below dir.
func Open(kv *keyValStore.KeyValStore, dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment directory: %w", err)
	}
	return &Store{kv: kv, dir: dir, log: logger}, nil
}

func (s *Store) ImportData(data []byte) (ID, error) {
	return s.ImportReader(bytes.NewReader(data))
}

func (s *Store) ImportFile(path string) (ID, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return s.ImportReader(f)
}

// ImportReader stores everything r yields. Importing content that is
// already present is a no-op returning the same ID.
func (s *Store) ImportReader(r io.Reader) (ID, error) {
	h, _ := blake2b.New256(nil)
	chunks, err := chunkReader(io.TeeReader(r, h))
	if err != nil {
		return "", err
	}
	id := ID(hex.EncodeToString(h.Sum(nil)))

	var size int64
	var manifest binaryCoder.Encoder
	for _, c := range chunks {
		size += int64(len(c.data))
	}
	manifest.Int(1, size)
	for _, c := range chunks {
		manifest.Bytes(2, c.hash[:])
	}

	err = s.kv.Update(func(txn *keyValStore.Txn) error {
		ok, err := txn.Has([]byte(prefixFile + string(id)))
		if err != nil || ok {
			return err
		}
		for _, c := range chunks {
			key := chunkKey(c.hash[:])
			ok, err := txn.Has(key)
			if err != nil {
				return err
			}
			if ok {
				continue
			}
			if err := txn.Set(key, zstdEncoder.EncodeAll(c.data, nil)); err != nil {
				return err
			}
		}
		return txn.Set([]byte(prefixFile+string(id)), binaryCoder.Seal(manifest.Encoded()))
	})
	if err != nil {
		return "", fmt.Errorf("import attachment: %w", err)
	}
	s.log.Debug("attachment imported", "id", id, "chunks", len(chunks), "size", size)
	return id, nil
}

func chunkKey(hash []byte) []byte {
	return []byte(prefixChunk + hex.EncodeToString(hash))
}

func (s *Store) Has(id ID) (bool, error) {
	if _, err := ParseID(string(id)); err != nil {
		return false, err
	}
	var ok bool
	err := s.kv.View(func(txn *keyValStore.Txn) error {
		var err error
		ok, err = txn.Has([]byte(prefixFile + string(id)))
		return err
	})
	return ok, err
}

// WriteTo streams the content of id to w and verifies it against id.
func (s *Store) WriteTo(id ID, w io.Writer) (int64, error) {
	if _, err := ParseID(string(id)); err != nil {
		return 0, err
	}
	h, _ := blake2b.New256(nil)
	out := io.MultiWriter(w, h)
	var n int64
	err := s.kv.View(func(txn *keyValStore.Txn) error {
		raw, err := txn.Get([]byte(prefixFile + string(id)))
		if errors.Is(err, keyValStore.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		payload, err := binaryCoder.Open(raw)
		if err != nil {
			return err
		}
		return binaryCoder.Walk(payload, func(f binaryCoder.Field) error {
			if f.Num != 2 {
				return nil
			}
			compressed, err := txn.Get(chunkKey(f.Bytes))
			if err != nil {
				return fmt.Errorf("%w: chunk %x of %s: %v", ErrCorrupt, f.Bytes, id, err)
			}
			data, err := zstdDecoder.DecodeAll(compressed, nil)
			if err != nil {
				return fmt.Errorf("%w: chunk %x of %s: %v", ErrCorrupt, f.Bytes, id, err)
			}
			written, err := out.Write(data)
			n += int64(written)
			return err
		})
	})
	if err != nil {
		return n, err
	}
	if hex.EncodeToString(h.Sum(nil)) != string(id) {
		return n, fmt.Errorf("%w: %s", ErrCorrupt, id)
	}
	return n, nil
}

func (s *Store) Data(id ID) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := s.WriteTo(id, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Path returns a read-only file holding the content of id, writing it on
// first use. Callers must not modify the file.
func (s *Store) Path(id ID) (string, error) {
	ok, err := s.Has(id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	path := filepath.Join(s.dir, string(id))

	s.pathMu.Lock()
	defer s.pathMu.Unlock()
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	tmp, err := os.CreateTemp(s.dir, string(id)+".*.tmp")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := s.WriteTo(id, tmp); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Chmod(tmp.Name(), 0o444); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return path, nil
}
