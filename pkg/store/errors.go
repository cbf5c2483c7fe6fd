package store

import (
	"errors"
	"fmt"

	"github.com/etoile/CoreObject-sub001/pkg/diff"
)

var (
	ErrNotFound             = errors.New("store: not found")
	ErrExists               = errors.New("store: already exists")
	ErrStaleTransaction     = errors.New("store: stale transaction id")
	ErrMissingTransactionID = errors.New("store: no expected transaction id for persistent root")
	ErrInvalidAction        = errors.New("store: invalid action")
	ErrCorrupt              = errors.New("store: corrupt revision graph")
	ErrClosed               = errors.New("store: closed")
	ErrEmptyTransaction     = errors.New("store: empty transaction")
	// ErrConflicts wraps diff.ErrUnresolvedConflicts for merges that need
	// a resolution.
	ErrConflicts = fmt.Errorf("store: merge needs resolution: %w", diff.ErrUnresolvedConflicts)
)

// CommitError reports the action that made a transaction fail. Nothing of
// the transaction was committed.
type CommitError struct {
	Index  int
	Action string
	Err    error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("store: action %d (%s): %v", e.Index, e.Action, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }
