package item

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrNotLoaded = errors.New("item: handle is not loaded")

// Handle stands in for an item that may not have been loaded yet. Loading
// is an explicit Resolve step; an unloaded handle never pretends to be an
// item.
type Handle struct {
	UUID   uuid.UUID
	loaded *Item
}

func NewHandle(id uuid.UUID) Handle {
	return Handle{UUID: id}
}

func LoadedHandle(it *Item) Handle {
	return Handle{UUID: it.uuid, loaded: it.Clone()}
}

func (h Handle) IsLoaded() bool { return h.loaded != nil }

// Item returns the loaded item, or ErrNotLoaded.
func (h Handle) Item() (*Item, error) {
	if h.loaded == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotLoaded, h.UUID)
	}
	return h.loaded.Clone(), nil
}

// Resolve loads the handle from g. It fails if g does not hold the item.
func (h Handle) Resolve(g *Graph) (Handle, error) {
	if h.loaded != nil {
		return h, nil
	}
	it, ok := g.items[h.UUID]
	if !ok {
		return h, fmt.Errorf("%w: %s", ErrDanglingReference, h.UUID)
	}
	return Handle{UUID: h.UUID, loaded: it.Clone()}, nil
}

// Handles returns unloaded handles for the references of it.
func Handles(it *Item) []Handle {
	refs := it.References()
	out := make([]Handle, len(refs))
	for i, id := range refs {
		out[i] = NewHandle(id)
	}
	return out
}
