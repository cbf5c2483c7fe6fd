package item

import (
	"sort"

	"github.com/google/uuid"
)

// EntityNameAttribute holds the entity (model class) name of an item. The
// diff engine uses it to select a diff strategy.
const EntityNameAttribute = "_entity"

// Item is a UUID plus a mapping from attribute name to typed value. Items
// handed to a revision write become immutable; callers mutate clones.
type Item struct {
	uuid  uuid.UUID
	attrs map[string]Value
}

func New(id uuid.UUID) *Item {
	return &Item{uuid: id, attrs: make(map[string]Value)}
}

func (it *Item) UUID() uuid.UUID { return it.uuid }

// Set stores v under attr. Invalid values are ignored.
func (it *Item) Set(attr string, v Value) *Item {
	if v.IsValid() {
		it.attrs[attr] = v
	}
	return it
}

func (it *Item) Value(attr string) (Value, bool) {
	v, ok := it.attrs[attr]
	return v, ok
}

func (it *Item) Remove(attr string) {
	delete(it.attrs, attr)
}

// Attributes returns the attribute names in sorted order.
func (it *Item) Attributes() []string {
	names := make([]string, 0, len(it.attrs))
	for k := range it.attrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (it *Item) Len() int { return len(it.attrs) }

// EntityName returns the string value of EntityNameAttribute, if any.
func (it *Item) EntityName() string {
	v, ok := it.attrs[EntityNameAttribute]
	if !ok || v.Type() != (Type{String, Scalar}) {
		return ""
	}
	return v.Str()
}

func (it *Item) Clone() *Item {
	c := &Item{uuid: it.uuid, attrs: make(map[string]Value, len(it.attrs))}
	for k, v := range it.attrs {
		c.attrs[k] = v
	}
	return c
}

func (it *Item) Equal(o *Item) bool {
	if it == nil || o == nil {
		return it == o
	}
	if it.uuid != o.uuid || len(it.attrs) != len(o.attrs) {
		return false
	}
	for k, v := range it.attrs {
		ov, ok := o.attrs[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// References returns every inner and composite reference target of the
// item, in attribute order.
func (it *Item) References() []uuid.UUID {
	var out []uuid.UUID
	for _, k := range it.Attributes() {
		out = append(out, it.attrs[k].InnerReferences()...)
	}
	return out
}

// CompositeChildren returns the items this item exclusively owns.
func (it *Item) CompositeChildren() []uuid.UUID {
	var out []uuid.UUID
	for _, k := range it.Attributes() {
		out = append(out, it.attrs[k].CompositeChildren()...)
	}
	return out
}
