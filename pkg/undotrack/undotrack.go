// Package undotrack keeps named undo tracks in a badger database of their
// own. A track is a tree of commands; each command records one branch move
// of a store commit so it can be undone and redone later.
package undotrack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/etoile/CoreObject-sub001/internal/binaryCoder"
	"github.com/etoile/CoreObject-sub001/internal/keyValStore"
	"github.com/etoile/CoreObject-sub001/pkg/store"
)

var (
	ErrInvalidTrack  = errors.New("undotrack: invalid track name")
	ErrNotFound      = errors.New("undotrack: command not found")
	ErrNothingToUndo = errors.New("undotrack: nothing to undo")
	ErrNothingToRedo = errors.New("undotrack: nothing to redo")
	ErrNotUndoable   = errors.New("undotrack: command has no previous revision")
)

const (
	prefixTrack   = "track/"
	prefixCommand = "cmd/"
	prefixChild   = "child/"
	prefixCurrent = "current/"
)

const (
	logKeyTrack   = "track"
	logKeyCommand = "command"
)

// Command is one undoable step. Sequence is the store sequence of the
// commit that produced NewRevision.
type Command struct {
	ID          ulid.ULID
	Parent      ulid.ULID
	Track       string
	Sequence    int64
	Root        uuid.UUID
	Branch      uuid.UUID
	OldRevision uuid.UUID
	NewRevision uuid.UUID
	Description string
	Time        time.Time
}

func (c Command) IsZero() bool { return c.ID == ulid.ULID{} }

type DB struct {
	kv  *keyValStore.KeyValStore
	log *slog.Logger
	// mu serializes pointer moves of all tracks.
	mu sync.Mutex
}

// Open uses kv, which should not be shared with a store.
func Open(kv *keyValStore.KeyValStore, logger *slog.Logger) *DB {
	if logger == nil {
		logger = slog.Default()
	}
	return &DB{kv: kv, log: logger}
}

func validTrack(name string) error {
	if name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidTrack, name)
	}
	return nil
}

func trackKey(track string) []byte { return []byte(prefixTrack + track) }

func commandKey(track string, id ulid.ULID) []byte {
	return []byte(prefixCommand + track + "/" + id.String())
}

func childPrefix(track string, parent ulid.ULID) []byte {
	return []byte(prefixChild + track + "/" + parent.String() + "/")
}

func childKey(track string, parent, child ulid.ULID) []byte {
	return append(childPrefix(track, parent), child.String()...)
}

func currentKey(track string) []byte { return []byte(prefixCurrent + track) }

// Append records c as the new current command of track. The command's ID,
// Parent and Track are assigned here; the previous current command becomes
// its parent, so appending after an undo starts a new branch of the tree.
func (d *DB) Append(track string, c Command) (Command, error) {
	if err := validTrack(track); err != nil {
		return Command{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	c.Track = track
	c.ID = ulid.Make()
	if c.Time.IsZero() {
		c.Time = time.Now()
	}
	err := d.kv.Update(func(txn *keyValStore.Txn) error {
		cur, err := current(txn, track)
		if err != nil {
			return err
		}
		c.Parent = cur
		if err := txn.Set(trackKey(track), []byte{}); err != nil {
			return err
		}
		if err := txn.Set(commandKey(track, c.ID), encodeCommand(c)); err != nil {
			return err
		}
		if err := txn.Set(childKey(track, c.Parent, c.ID), []byte{}); err != nil {
			return err
		}
		return txn.Set(currentKey(track), c.ID.Bytes())
	})
	if err != nil {
		return Command{}, fmt.Errorf("append to %s: %w", track, err)
	}
	d.log.Debug("command appended", logKeyTrack, track, logKeyCommand, c.ID)
	return c, nil
}

// Record appends the move of branch from old to the revision a commit wrote.
func (d *DB) Record(track string, res store.CommitResult, root, branch, old, rev uuid.UUID, description string) (Command, error) {
	return d.Append(track, Command{
		Sequence:    res.Sequence,
		Root:        root,
		Branch:      branch,
		OldRevision: old,
		NewRevision: rev,
		Description: description,
	})
}

func current(txn *keyValStore.Txn, track string) (ulid.ULID, error) {
	var id ulid.ULID
	b, err := txn.Get(currentKey(track))
	if errors.Is(err, keyValStore.ErrNotFound) {
		return id, nil
	}
	if err != nil {
		return id, err
	}
	if err := id.UnmarshalBinary(b); err != nil {
		return id, fmt.Errorf("current command of %s: %w", track, err)
	}
	return id, nil
}

func loadCommand(txn *keyValStore.Txn, track string, id ulid.ULID) (Command, error) {
	b, err := txn.Get(commandKey(track, id))
	if errors.Is(err, keyValStore.ErrNotFound) {
		return Command{}, fmt.Errorf("%w: %s in %s", ErrNotFound, id, track)
	}
	if err != nil {
		return Command{}, err
	}
	return decodeCommand(b)
}

// Tracks lists every track that has recorded a command.
func (d *DB) Tracks() ([]string, error) {
	var names []string
	err := d.kv.View(func(txn *keyValStore.Txn) error {
		keys, err := txn.Keys([]byte(prefixTrack))
		if err != nil {
			return err
		}
		for _, k := range keys {
			names = append(names, string(bytes.TrimPrefix(k, []byte(prefixTrack))))
		}
		return nil
	})
	return names, err
}

// Current returns the command the track is at. ok is false when every
// command has been undone or none was recorded.
func (d *DB) Current(track string) (c Command, ok bool, err error) {
	if err := validTrack(track); err != nil {
		return Command{}, false, err
	}
	err = d.kv.View(func(txn *keyValStore.Txn) error {
		id, err := current(txn, track)
		if err != nil || id == (ulid.ULID{}) {
			return err
		}
		c, err = loadCommand(txn, track, id)
		ok = err == nil
		return err
	})
	return c, ok, err
}

func (d *DB) Command(track string, id ulid.ULID) (Command, error) {
	if err := validTrack(track); err != nil {
		return Command{}, err
	}
	var c Command
	err := d.kv.View(func(txn *keyValStore.Txn) error {
		var err error
		c, err = loadCommand(txn, track, id)
		return err
	})
	return c, err
}

// Commands returns every command of track in recording order.
func (d *DB) Commands(track string) ([]Command, error) {
	if err := validTrack(track); err != nil {
		return nil, err
	}
	var out []Command
	err := d.kv.View(func(txn *keyValStore.Txn) error {
		return txn.Scan([]byte(prefixCommand+track+"/"), func(_, value []byte) error {
			c, err := decodeCommand(value)
			if err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

// Undo moves the command's branch back to its old revision in s and steps
// the track to the parent command. It returns the undone command.
func (d *DB) Undo(ctx context.Context, s *store.Store, track string) (Command, error) {
	if err := validTrack(track); err != nil {
		return Command{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var c Command
	err := d.kv.View(func(txn *keyValStore.Txn) error {
		id, err := current(txn, track)
		if err != nil {
			return err
		}
		if id == (ulid.ULID{}) {
			return ErrNothingToUndo
		}
		c, err = loadCommand(txn, track, id)
		return err
	})
	if err != nil {
		return Command{}, err
	}
	if c.OldRevision == uuid.Nil {
		return c, fmt.Errorf("%w: %s", ErrNotUndoable, c.ID)
	}
	if err := moveBranch(ctx, s, c, c.OldRevision); err != nil {
		return c, err
	}
	if err := d.setCurrent(track, c.Parent); err != nil {
		return c, err
	}
	d.log.Debug("command undone", logKeyTrack, track, logKeyCommand, c.ID)
	return c, nil
}

// Redo reapplies the most recently recorded child of the current command.
func (d *DB) Redo(ctx context.Context, s *store.Store, track string) (Command, error) {
	if err := validTrack(track); err != nil {
		return Command{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var c Command
	err := d.kv.View(func(txn *keyValStore.Txn) error {
		id, err := current(txn, track)
		if err != nil {
			return err
		}
		keys, err := txn.Keys(childPrefix(track, id))
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return ErrNothingToRedo
		}
		last := keys[len(keys)-1]
		child, err := ulid.ParseStrict(string(last[len(childPrefix(track, id)):]))
		if err != nil {
			return fmt.Errorf("child key of %s: %w", track, err)
		}
		c, err = loadCommand(txn, track, child)
		return err
	})
	if err != nil {
		return Command{}, err
	}
	if err := moveBranch(ctx, s, c, c.NewRevision); err != nil {
		return c, err
	}
	if err := d.setCurrent(track, c.ID); err != nil {
		return c, err
	}
	d.log.Debug("command redone", logKeyTrack, track, logKeyCommand, c.ID)
	return c, nil
}

func (d *DB) setCurrent(track string, id ulid.ULID) error {
	return d.kv.Update(func(txn *keyValStore.Txn) error {
		if id == (ulid.ULID{}) {
			return txn.Delete(currentKey(track))
		}
		return txn.Set(currentKey(track), id.Bytes())
	})
}

func moveBranch(ctx context.Context, s *store.Store, c Command, to uuid.UUID) error {
	info, err := s.PersistentRootInfo(c.Root)
	if err != nil {
		return err
	}
	tx := store.NewTransaction(store.SetCurrentRevision{
		Root:    c.Root,
		Branch:  c.Branch,
		Current: to,
	}).Expect(c.Root, info.TransactionID)
	if _, err := s.Execute(ctx, tx); err != nil {
		return fmt.Errorf("move branch %s to %s: %w", c.Branch, to, err)
	}
	return nil
}

// DropBefore forgets every command of track recorded before keep. Children
// of dropped commands become top-level commands. The current command is
// never dropped.
func (d *DB) DropBefore(track string, keep ulid.ULID) (int, error) {
	if err := validTrack(track); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	dropped := 0
	err := d.kv.Update(func(txn *keyValStore.Txn) error {
		cur, err := current(txn, track)
		if err != nil {
			return err
		}
		var all []Command
		err = txn.Scan([]byte(prefixCommand+track+"/"), func(_, value []byte) error {
			c, err := decodeCommand(value)
			if err != nil {
				return err
			}
			all = append(all, c)
			return nil
		})
		if err != nil {
			return err
		}

		gone := make(map[ulid.ULID]bool)
		for _, c := range all {
			if c.ID.Compare(keep) < 0 && c.ID != cur {
				gone[c.ID] = true
			}
		}
		for _, c := range all {
			switch {
			case gone[c.ID]:
				if err := txn.Delete(commandKey(track, c.ID)); err != nil {
					return err
				}
				if err := txn.Delete(childKey(track, c.Parent, c.ID)); err != nil {
					return err
				}
				dropped++
			case gone[c.Parent]:
				if err := txn.Delete(childKey(track, c.Parent, c.ID)); err != nil {
					return err
				}
				c.Parent = ulid.ULID{}
				if err := txn.Set(commandKey(track, c.ID), encodeCommand(c)); err != nil {
					return err
				}
				if err := txn.Set(childKey(track, c.Parent, c.ID), []byte{}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	d.log.Info("undo history dropped", logKeyTrack, track, "commands", dropped)
	return dropped, nil
}

// CompactionBoundary returns the history the recorded commands still need:
// every revision they name, and everything committed since the oldest of
// them. With no commands it keeps everything.
func (d *DB) CompactionBoundary() (store.CompactionBoundary, error) {
	var b store.CompactionBoundary
	tracks, err := d.Tracks()
	if err != nil {
		return b, err
	}
	for _, t := range tracks {
		cmds, err := d.Commands(t)
		if err != nil {
			return b, err
		}
		for _, c := range cmds {
			if b.KeepAfterSequence == 0 || c.Sequence < b.KeepAfterSequence {
				b.KeepAfterSequence = c.Sequence
			}
			for _, rev := range []uuid.UUID{c.OldRevision, c.NewRevision} {
				if rev != uuid.Nil {
					b.KeepRevisions = append(b.KeepRevisions, rev)
				}
			}
		}
	}
	return b, nil
}

func encodeCommand(c Command) []byte {
	var e binaryCoder.Encoder
	e.Bytes(1, c.ID.Bytes())
	if c.Parent != (ulid.ULID{}) {
		e.Bytes(2, c.Parent.Bytes())
	}
	e.String(3, c.Track)
	e.Int(4, c.Sequence)
	e.UUID(5, c.Root)
	e.UUID(6, c.Branch)
	e.UUID(7, c.OldRevision)
	e.UUID(8, c.NewRevision)
	e.String(9, c.Description)
	e.Int(10, c.Time.UnixNano())
	return binaryCoder.Seal(e.Encoded())
}

func decodeCommand(b []byte) (Command, error) {
	payload, err := binaryCoder.Open(b)
	if err != nil {
		return Command{}, err
	}
	var c Command
	err = binaryCoder.Walk(payload, func(f binaryCoder.Field) error {
		var err error
		switch f.Num {
		case 1:
			err = c.ID.UnmarshalBinary(f.Bytes)
		case 2:
			err = c.Parent.UnmarshalBinary(f.Bytes)
		case 3:
			c.Track = string(f.Bytes)
		case 4:
			c.Sequence = f.Int()
		case 5:
			c.Root, err = f.UUID()
		case 6:
			c.Branch, err = f.UUID()
		case 7:
			c.OldRevision, err = f.UUID()
		case 8:
			c.NewRevision, err = f.UUID()
		case 9:
			c.Description = string(f.Bytes)
		case 10:
			c.Time = time.Unix(0, f.Int())
		}
		return err
	})
	if err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	return c, nil
}
