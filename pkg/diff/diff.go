// Package diff computes structural differences between item graphs,
// merges two differences taken against the same base, and classifies the
// conflicts between them.
//
// A typical three-way merge:
//
//	d := diff.Merge(diff.Diff(base, ours, "ours"), diff.Diff(base, theirs, "theirs"))
//	if d.State() == diff.HasConflicts {
//		_ = d.ResolveFavoring("ours")
//	}
//	merged := base.Clone()
//	_, err := d.ApplyTo(merged)
//
// Diffs are immutable once computed except for conflict resolution, and
// safe to compute concurrently on independent graphs.
package diff

import (
	"sort"

	"github.com/google/uuid"

	"github.com/etoile/CoreObject-sub001/pkg/item"
)

// State is the lifecycle state of an ItemGraphDiff.
type State uint8

const (
	Computed State = iota
	Clean
	HasConflicts
	Resolved
)

func (s State) String() string {
	switch s {
	case Computed:
		return "computed"
	case Clean:
		return "clean"
	case HasConflicts:
		return "has-conflicts"
	case Resolved:
		return "resolved"
	}
	return "unknown"
}

// ItemGraphDiff is a set of edits that turn one item graph into another,
// or the merge of two such sets.
type ItemGraphDiff struct {
	sources    []string
	edits      []Edit
	insertions []Insertion
	// created lists the items b has and a lacks, so items without
	// attributes are recreated too.
	created []uuid.UUID
	// base holds the base value of every multivalued attribute touched by
	// set or sequence edits.
	base      map[attrKey]item.Value
	conflicts []*Conflict
	equal     []EqualEdit
	state     State
}

func newItemGraphDiff(sources ...string) *ItemGraphDiff {
	return &ItemGraphDiff{sources: sources, base: make(map[attrKey]item.Value)}
}

// Diff returns the edits that turn a into b, tagged with source. Items that
// only exist in a produce no edits; they become unreachable garbage once b
// no longer references them.
func Diff(a, b *item.Graph, source string, opts ...Option) *ItemGraphDiff {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	d := newItemGraphDiff(source)
	for _, id := range b.UUIDs() {
		ib, _ := b.Item(id)
		ia, ok := a.Item(id)
		if !ok {
			d.created = append(d.created, id)
			for _, attr := range ib.Attributes() {
				v, _ := ib.Value(attr)
				d.edits = append(d.edits, Edit{Kind: SetAttribute, UUID: id, Attribute: attr, Source: source, Value: v})
			}
			continue
		}
		d.diffItem(ia, ib, o.metamodel.strategyFor(ib.EntityName()), source)
	}
	d.trackInsertions(a, b, source)
	d.finish()
	return d
}

func (d *ItemGraphDiff) diffItem(ia, ib *item.Item, strategy Strategy, source string) {
	id := ib.UUID()
	attrs := unionAttributes(ia, ib)
	for _, attr := range attrs {
		va, hasA := ia.Value(attr)
		vb, hasB := ib.Value(attr)
		switch {
		case !hasB:
			d.edits = append(d.edits, Edit{Kind: DeleteAttribute, UUID: id, Attribute: attr, Source: source})
			continue
		case !hasA:
			d.edits = append(d.edits, Edit{Kind: SetAttribute, UUID: id, Attribute: attr, Source: source, Value: vb})
			continue
		case va.Equal(vb):
			continue
		}

		if strategy == Atomic || va.Type() != vb.Type() || !vb.Type().Multivalued() {
			d.edits = append(d.edits, Edit{Kind: SetAttribute, UUID: id, Attribute: attr, Source: source, Value: vb})
			continue
		}

		key := attrKey{id, attr}
		d.base[key] = va
		if vb.Type().Container == item.Set {
			ins, del := setDifference(va.Elements(), vb.Elements())
			if len(ins) > 0 {
				d.edits = append(d.edits, Edit{Kind: SetInsertion, UUID: id, Attribute: attr, Source: source, Elements: ins})
			}
			if len(del) > 0 {
				d.edits = append(d.edits, Edit{Kind: SetDeletion, UUID: id, Attribute: attr, Source: source, Elements: del})
			}
			continue
		}
		for _, e := range diffSequence(va.Elements(), vb.Elements()) {
			e.UUID, e.Attribute, e.Source = id, attr, source
			d.edits = append(d.edits, e)
		}
	}
}

// trackInsertions records every composite child whose owner (parent and
// attribute) in b differs from its owner in a.
func (d *ItemGraphDiff) trackInsertions(a, b *item.Graph, source string) {
	before := compositeOwners(a)
	after := compositeOwners(b)
	children := make([]uuid.UUID, 0, len(after))
	for child := range after {
		children = append(children, child)
	}
	item.SortUUIDs(children)
	for _, child := range children {
		owner := after[child]
		if prev, ok := before[child]; ok && prev == owner {
			continue
		}
		d.insertions = append(d.insertions, Insertion{Child: child, Parent: owner.UUID, Attribute: owner.Attribute, Source: source})
	}
}

// compositeOwners maps each live composite child to its owner. Garbage
// items still list the children they owned before being detached, so they
// are skipped.
func compositeOwners(g *item.Graph) map[uuid.UUID]attrKey {
	owners := make(map[uuid.UUID]attrKey)
	live := g.Reachable()
	for _, it := range g.Items() {
		if _, ok := live[it.UUID()]; !ok {
			continue
		}
		for _, attr := range it.Attributes() {
			v, _ := it.Value(attr)
			for _, child := range v.CompositeChildren() {
				owners[child] = attrKey{it.UUID(), attr}
			}
		}
	}
	return owners
}

func unionAttributes(a, b *item.Item) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, it := range []*item.Item{a, b} {
		for _, attr := range it.Attributes() {
			if _, ok := seen[attr]; !ok {
				seen[attr] = struct{}{}
				out = append(out, attr)
			}
		}
	}
	sort.Strings(out)
	return out
}

// setDifference returns the elements of b missing from a and the elements
// of a missing from b.
func setDifference(a, b []item.Value) (ins, del []item.Value) {
	inA := make(map[string]struct{}, len(a))
	for _, v := range a {
		inA[v.Key()] = struct{}{}
	}
	inB := make(map[string]struct{}, len(b))
	for _, v := range b {
		inB[v.Key()] = struct{}{}
		if _, ok := inA[v.Key()]; !ok {
			ins = append(ins, v)
		}
	}
	for _, v := range a {
		if _, ok := inB[v.Key()]; !ok {
			del = append(del, v)
		}
	}
	return ins, del
}

// finish sorts the edits and moves the diff out of the Computed state.
func (d *ItemGraphDiff) finish() {
	sortEdits(d.edits)
	if len(d.conflicts) > 0 {
		d.state = HasConflicts
	} else {
		d.state = Clean
	}
}

func sortEdits(edits []Edit) {
	sort.SliceStable(edits, func(i, j int) bool {
		ki, kj := keyOf(edits[i]), keyOf(edits[j])
		if ki != kj {
			return ki.less(kj)
		}
		return edits[i].Range.Loc < edits[j].Range.Loc
	})
}

func (d *ItemGraphDiff) State() State { return d.state }

// Sources lists the identifiers whose edits make up the diff.
func (d *ItemGraphDiff) Sources() []string { return append([]string(nil), d.sources...) }

// Edits returns the non-conflicting edits, ordered by item and attribute.
func (d *ItemGraphDiff) Edits() []Edit { return append([]Edit(nil), d.edits...) }

func (d *ItemGraphDiff) Insertions() []Insertion {
	return append([]Insertion(nil), d.insertions...)
}

// Created lists the items the diff brings into existence, sorted.
func (d *ItemGraphDiff) Created() []uuid.UUID {
	return append([]uuid.UUID(nil), d.created...)
}

func (d *ItemGraphDiff) Conflicts() []*Conflict {
	return append([]*Conflict(nil), d.conflicts...)
}

// EqualEdits returns the changes both sides of a merge made identically.
// They are applied once and never block the merge.
func (d *ItemGraphDiff) EqualEdits() []EqualEdit {
	return append([]EqualEdit(nil), d.equal...)
}

// IsEmpty reports whether the diff changes nothing.
func (d *ItemGraphDiff) IsEmpty() bool {
	return len(d.edits) == 0 && len(d.conflicts) == 0 && len(d.created) == 0
}
