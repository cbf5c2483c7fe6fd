package diff

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/etoile/CoreObject-sub001/pkg/item"
)

var (
	ErrUnresolvedConflicts = errors.New("diff: merge has unresolved conflicts")
	ErrUnknownSource       = errors.New("diff: unknown source identifier")
)

// ConflictKind classifies a merge conflict.
type ConflictKind uint8

const (
	// EmbeddedItemInsertionConflict: the same child was made a composite
	// child at two different places.
	EmbeddedItemInsertionConflict ConflictKind = iota + 1
	// EqualEditConflict: both sides made the same change. Reported through
	// EqualEdits, never through Conflicts.
	EqualEditConflict
	// SequenceEditConflict: overlapping edits of one ordered attribute.
	SequenceEditConflict
	// EditTypeConflict: the sides changed one attribute in incompatible
	// ways, for example one deletes what the other sets.
	EditTypeConflict
	// ValueConflict: both sides set one attribute to different values.
	ValueConflict
)

func (k ConflictKind) String() string {
	switch k {
	case EmbeddedItemInsertionConflict:
		return "embedded-item-insertion"
	case EqualEditConflict:
		return "equal-edit"
	case SequenceEditConflict:
		return "sequence-edit"
	case EditTypeConflict:
		return "edit-type"
	case ValueConflict:
		return "value"
	}
	return fmt.Sprintf("conflict(%d)", uint8(k))
}

// Conflict groups the incompatible edits of each source for one attribute,
// or for one composite child in the case of embedded insertions.
type Conflict struct {
	Kind      ConflictKind
	UUID      uuid.UUID
	Attribute string
	// Child is set for embedded item insertion conflicts.
	Child uuid.UUID
	Edits map[string][]Edit
}

func (c *Conflict) String() string {
	if c.Kind == EmbeddedItemInsertionConflict {
		return fmt.Sprintf("%s conflict on child %s", c.Kind, c.Child)
	}
	return fmt.Sprintf("%s conflict on %s.%s", c.Kind, c.UUID, c.Attribute)
}

// EqualEdit is a change made identically by several sources.
type EqualEdit struct {
	Edit    Edit
	Sources []string
}

// Merge combines two diffs computed against the same base graph. The
// result is Clean when no conflicts were found and HasConflicts otherwise.
func Merge(a, b *ItemGraphDiff) *ItemGraphDiff {
	m := newItemGraphDiff(mergeSources(a.sources, b.sources)...)
	for k, v := range a.base {
		m.base[k] = v
	}
	for k, v := range b.base {
		if _, ok := m.base[k]; !ok {
			m.base[k] = v
		}
	}

	byKeyA, byKeyB := groupEdits(a.edits), groupEdits(b.edits)
	for _, key := range unionKeys(byKeyA, byKeyB) {
		ea, eb := byKeyA[key], byKeyB[key]
		switch {
		case len(eb) == 0:
			m.edits = append(m.edits, ea...)
		case len(ea) == 0:
			m.edits = append(m.edits, eb...)
		default:
			m.mergeKey(key, ea, eb)
		}
	}
	m.mergeInsertions(a.insertions, b.insertions)
	m.created = append(append([]uuid.UUID(nil), a.created...), b.created...)
	item.SortUUIDs(m.created)
	m.created = slices.Compact(m.created)

	// Conflicts already carried by the inputs stay unresolved.
	m.conflicts = append(m.conflicts, a.conflicts...)
	m.conflicts = append(m.conflicts, b.conflicts...)
	m.equal = append(m.equal, a.equal...)
	m.equal = append(m.equal, b.equal...)
	m.finish()
	return m
}

func mergeSources(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, s := range b {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func groupEdits(edits []Edit) map[attrKey][]Edit {
	out := make(map[attrKey][]Edit)
	for _, e := range edits {
		out[keyOf(e)] = append(out[keyOf(e)], e)
	}
	return out
}

func unionKeys(a, b map[attrKey][]Edit) []attrKey {
	var keys []attrKey
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, func(x, y attrKey) int {
		switch {
		case x == y:
			return 0
		case x.less(y):
			return -1
		}
		return 1
	})
	return keys
}

func family(e Edit) int {
	switch {
	case e.Kind.scalar():
		return 0
	case e.Kind.set():
		return 1
	}
	return 2
}

func (m *ItemGraphDiff) conflict(kind ConflictKind, key attrKey, ea, eb []Edit) {
	c := &Conflict{Kind: kind, UUID: key.UUID, Attribute: key.Attribute, Edits: make(map[string][]Edit)}
	for _, e := range append(append([]Edit(nil), ea...), eb...) {
		c.Edits[e.Source] = append(c.Edits[e.Source], e)
	}
	m.conflicts = append(m.conflicts, c)
}

func (m *ItemGraphDiff) equalEdit(kept Edit, other Edit) {
	m.edits = append(m.edits, kept)
	m.equal = append(m.equal, EqualEdit{Edit: kept, Sources: []string{kept.Source, other.Source}})
}

func (m *ItemGraphDiff) mergeKey(key attrKey, ea, eb []Edit) {
	if family(ea[0]) != family(eb[0]) {
		m.conflict(EditTypeConflict, key, ea, eb)
		return
	}
	switch family(ea[0]) {
	case 0:
		x, y := ea[len(ea)-1], eb[len(eb)-1]
		switch {
		case x.SameChange(y):
			m.equalEdit(x, y)
		case x.Kind != y.Kind:
			m.conflict(EditTypeConflict, key, ea, eb)
		default:
			m.conflict(ValueConflict, key, ea, eb)
		}
	case 1:
		m.mergeSetEdits(key, ea, eb)
	default:
		m.mergeSequenceEdits(key, ea, eb)
	}
}

// mergeSetEdits unions the element changes of both sides. Both sides are
// relative to the same base set, so an element cannot be inserted by one
// side and deleted by the other.
func (m *ItemGraphDiff) mergeSetEdits(key attrKey, ea, eb []Edit) {
	m.edits = append(m.edits, ea...)
	for _, y := range eb {
		var shared, rest []item.Value
		for _, v := range y.Elements {
			if containsElement(ea, y.Kind, v) {
				shared = append(shared, v)
			} else {
				rest = append(rest, v)
			}
		}
		if len(shared) > 0 {
			e := Edit{Kind: y.Kind, UUID: key.UUID, Attribute: key.Attribute, Source: y.Source, Elements: shared}
			m.equal = append(m.equal, EqualEdit{Edit: e, Sources: []string{ea[0].Source, y.Source}})
		}
		if len(rest) > 0 {
			y.Elements = rest
			m.edits = append(m.edits, y)
		}
	}
}

func containsElement(edits []Edit, kind Kind, v item.Value) bool {
	for _, e := range edits {
		if e.Kind != kind {
			continue
		}
		for _, x := range e.Elements {
			if x.Equal(v) {
				return true
			}
		}
	}
	return false
}

// mergeSequenceEdits keeps identical edits once, keeps edits that overlap
// nothing on the other side, and turns each group of overlapping edits
// into one conflict.
func (m *ItemGraphDiff) mergeSequenceEdits(key attrKey, ea, eb []Edit) {
	equalA := make([]bool, len(ea))
	equalB := make([]bool, len(eb))
	for i, x := range ea {
		for j, y := range eb {
			if !equalB[j] && x.SameChange(y) {
				equalA[i], equalB[j] = true, true
				m.equalEdit(x, y)
				break
			}
		}
	}

	// Union-find over the remaining edits, A at [0,len(ea)), B after.
	parent := make([]int, len(ea)+len(eb))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	for i, x := range ea {
		if equalA[i] {
			continue
		}
		for j, y := range eb {
			if !equalB[j] && x.overlaps(y) {
				parent[find(i)] = find(len(ea) + j)
			}
		}
	}

	groups := make(map[int][]int)
	var order []int
	for i := range parent {
		if (i < len(ea) && equalA[i]) || (i >= len(ea) && equalB[i-len(ea)]) {
			continue
		}
		r := find(i)
		if _, ok := groups[r]; !ok {
			order = append(order, r)
		}
		groups[r] = append(groups[r], i)
	}
	at := func(i int) Edit {
		if i < len(ea) {
			return ea[i]
		}
		return eb[i-len(ea)]
	}
	for _, r := range order {
		members := groups[r]
		if len(members) == 1 {
			m.edits = append(m.edits, at(members[0]))
			continue
		}
		var ga, gb []Edit
		for _, i := range members {
			if i < len(ea) {
				ga = append(ga, at(i))
			} else {
				gb = append(gb, at(i))
			}
		}
		m.conflict(SequenceEditConflict, key, ga, gb)
	}
}

// mergeInsertions reports a child composite-inserted by both sides at
// different places as a conflict holding the edits that attach it.
func (m *ItemGraphDiff) mergeInsertions(a, b []Insertion) {
	byChild := make(map[uuid.UUID]Insertion, len(a))
	for _, ins := range a {
		byChild[ins.Child] = ins
	}
	m.insertions = append(m.insertions, a...)
	for _, y := range b {
		x, ok := byChild[y.Child]
		if !ok {
			m.insertions = append(m.insertions, y)
			continue
		}
		if x.Parent == y.Parent && x.Attribute == y.Attribute {
			continue
		}
		c := &Conflict{Kind: EmbeddedItemInsertionConflict, Child: y.Child, Edits: make(map[string][]Edit)}
		for _, ins := range []Insertion{x, y} {
			c.Edits[ins.Source] = append(c.Edits[ins.Source], m.takeAttaching(ins)...)
		}
		m.insertions = slices.DeleteFunc(m.insertions, func(i Insertion) bool { return i.Child == y.Child })
		m.conflicts = append(m.conflicts, c)
	}
}

// takeAttaching removes from the merged edits every edit of ins.Source
// that attaches ins.Child, and returns them. Edits already held by another
// conflict are copied from there.
func (m *ItemGraphDiff) takeAttaching(ins Insertion) []Edit {
	attaches := func(e Edit) bool {
		return e.Source == ins.Source && e.UUID == ins.Parent && e.Attribute == ins.Attribute &&
			slices.Contains(e.compositeChildren(), ins.Child)
	}
	var out []Edit
	m.edits = slices.DeleteFunc(m.edits, func(e Edit) bool {
		if attaches(e) {
			out = append(out, e)
			return true
		}
		return false
	})
	for _, c := range m.conflicts {
		for _, e := range c.Edits[ins.Source] {
			if attaches(e) {
				out = append(out, e)
			}
		}
	}
	return out
}

// ResolveFavoring resolves every conflict by keeping the edits of source
// and discarding those of every other source.
func (d *ItemGraphDiff) ResolveFavoring(source string) error {
	if !slices.Contains(d.sources, source) {
		return fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	for len(d.conflicts) > 0 {
		if err := d.ResolveConflict(d.conflicts[0], source); err != nil {
			return err
		}
	}
	return nil
}

// ResolveConflict resolves one conflict in favor of source. When the last
// conflict is gone the diff becomes Resolved.
func (d *ItemGraphDiff) ResolveConflict(c *Conflict, source string) error {
	if !slices.Contains(d.sources, source) {
		return fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	i := slices.Index(d.conflicts, c)
	if i < 0 {
		return fmt.Errorf("diff: conflict %s is not part of this diff", c)
	}
	for _, e := range c.Edits[source] {
		if !slices.ContainsFunc(d.edits, func(x Edit) bool { return x.Source == e.Source && x.SameChange(e) }) {
			d.edits = append(d.edits, e)
		}
	}
	d.conflicts = slices.Delete(d.conflicts, i, i+1)
	if len(d.conflicts) == 0 {
		sortEdits(d.edits)
		d.state = Resolved
	}
	return nil
}
