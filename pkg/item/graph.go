package item

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
)

// Graph is a root UUID plus a UUID → item mapping. A graph may be partial
// (missing items, dangling references); that is how deltas are expressed:
// A.Add(B) == C.
type Graph struct {
	root  uuid.UUID
	items map[uuid.UUID]*Item
}

func NewGraph(root uuid.UUID) *Graph {
	return &Graph{root: root, items: make(map[uuid.UUID]*Item)}
}

func (g *Graph) Root() uuid.UUID { return g.root }

func (g *Graph) SetRoot(root uuid.UUID) { g.root = root }

// InsertOrUpdateItems stores copies of items, replacing items with the same
// UUID.
func (g *Graph) InsertOrUpdateItems(items ...*Item) {
	for _, it := range items {
		if it == nil {
			continue
		}
		g.items[it.uuid] = it.Clone()
	}
}

// Item returns a copy of the item with the given UUID.
func (g *Graph) Item(id uuid.UUID) (*Item, bool) {
	it, ok := g.items[id]
	if !ok {
		return nil, false
	}
	return it.Clone(), true
}

func (g *Graph) Has(id uuid.UUID) bool {
	_, ok := g.items[id]
	return ok
}

func (g *Graph) Remove(id uuid.UUID) {
	delete(g.items, id)
}

func (g *Graph) Len() int { return len(g.items) }

// UUIDs returns the item UUIDs in byte order.
func (g *Graph) UUIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(g.items))
	for id := range g.items {
		ids = append(ids, id)
	}
	sortUUIDs(ids)
	return ids
}

// Items returns copies of all items in UUID order.
func (g *Graph) Items() []*Item {
	ids := g.UUIDs()
	out := make([]*Item, len(ids))
	for i, id := range ids {
		out[i] = g.items[id].Clone()
	}
	return out
}

func (g *Graph) Clone() *Graph {
	c := NewGraph(g.root)
	for id, it := range g.items {
		c.items[id] = it
	}
	return c
}

// Add returns g + other: every item of other replaces the item of g with
// the same UUID. The root of other wins when it is set.
func (g *Graph) Add(other *Graph) *Graph {
	c := g.Clone()
	if other == nil {
		return c
	}
	for id, it := range other.items {
		c.items[id] = it
	}
	if other.root != uuid.Nil {
		c.root = other.root
	}
	return c
}

// Restrict returns the subgraph holding only the given UUIDs. A nil set
// returns a copy of g.
func (g *Graph) Restrict(ids map[uuid.UUID]struct{}) *Graph {
	if ids == nil {
		return g.Clone()
	}
	c := NewGraph(g.root)
	for id := range ids {
		if it, ok := g.items[id]; ok {
			c.items[id] = it
		}
	}
	return c
}

func (g *Graph) Equal(o *Graph) bool {
	if g == nil || o == nil {
		return g == o
	}
	if g.root != o.root || len(g.items) != len(o.items) {
		return false
	}
	for id, it := range g.items {
		if !it.Equal(o.items[id]) {
			return false
		}
	}
	return true
}

// ModifiedItems returns the delta that turns old into updated: every item
// of updated that is missing from old or differs from it.
func ModifiedItems(old, updated *Graph) *Graph {
	delta := NewGraph(updated.root)
	for id, it := range updated.items {
		if prev, ok := old.items[id]; ok && prev.Equal(it) {
			continue
		}
		delta.items[id] = it
	}
	return delta
}

// UUIDSet builds a set from ids, for use with Restrict.
func UUIDSet(ids ...uuid.UUID) map[uuid.UUID]struct{} {
	s := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func sortUUIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
}

// SortUUIDs sorts ids in byte order.
func SortUUIDs(ids []uuid.UUID) { sortUUIDs(ids) }
