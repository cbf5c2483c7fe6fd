package diff

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/etoile/CoreObject-sub001/pkg/item"
)

// Kind is the type of an edit.
type Kind uint8

const (
	SetAttribute Kind = iota + 1
	DeleteAttribute
	SetInsertion
	SetDeletion
	SequenceInsertion
	SequenceDeletion
	SequenceModification
)

func (k Kind) String() string {
	switch k {
	case SetAttribute:
		return "set-attribute"
	case DeleteAttribute:
		return "delete-attribute"
	case SetInsertion:
		return "set-insertion"
	case SetDeletion:
		return "set-deletion"
	case SequenceInsertion:
		return "sequence-insertion"
	case SequenceDeletion:
		return "sequence-deletion"
	case SequenceModification:
		return "sequence-modification"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) scalar() bool { return k == SetAttribute || k == DeleteAttribute }

func (k Kind) set() bool { return k == SetInsertion || k == SetDeletion }

func (k Kind) sequence() bool {
	return k == SequenceInsertion || k == SequenceDeletion || k == SequenceModification
}

// Range is a half-open index range [Loc, Loc+Length) in the base sequence.
// Insertions have Length 0 and insert before Loc.
type Range struct {
	Loc    int
	Length int
}

func (r Range) End() int { return r.Loc + r.Length }

// Edit is one observed change to one attribute of one item.
//
//	SetAttribute          Value is the new value
//	DeleteAttribute       no payload
//	SetInsertion          Elements are added to the set
//	SetDeletion           Elements are removed from the set
//	SequenceInsertion     Elements are inserted at Range.Loc
//	SequenceDeletion      Range is removed
//	SequenceModification  Range is replaced by Elements
type Edit struct {
	Kind      Kind
	UUID      uuid.UUID
	Attribute string
	Source    string
	Value     item.Value
	Elements  []item.Value
	Range     Range
}

// SameChange reports whether e and o make the same change, ignoring who
// made it.
func (e Edit) SameChange(o Edit) bool {
	if e.Kind != o.Kind || e.UUID != o.UUID || e.Attribute != o.Attribute || e.Range != o.Range {
		return false
	}
	if e.Kind == SetAttribute && !e.Value.Equal(o.Value) {
		return false
	}
	if len(e.Elements) != len(o.Elements) {
		return false
	}
	for i := range e.Elements {
		if !e.Elements[i].Equal(o.Elements[i]) {
			return false
		}
	}
	return true
}

// overlaps reports whether two sequence edits on the same attribute touch
// the same part of the base sequence.
func (e Edit) overlaps(o Edit) bool {
	ins1, ins2 := e.Kind == SequenceInsertion, o.Kind == SequenceInsertion
	switch {
	case ins1 && ins2:
		return e.Range.Loc == o.Range.Loc
	case ins1:
		return o.Range.Loc < e.Range.Loc && e.Range.Loc < o.Range.End()
	case ins2:
		return e.Range.Loc < o.Range.Loc && o.Range.Loc < e.Range.End()
	default:
		return e.Range.Loc < o.Range.End() && o.Range.Loc < e.Range.End()
	}
}

// compositeChildren returns the children this edit attaches to its item.
func (e Edit) compositeChildren() []uuid.UUID {
	switch e.Kind {
	case SetAttribute:
		return e.Value.CompositeChildren()
	case SetInsertion, SequenceInsertion, SequenceModification:
		var out []uuid.UUID
		for _, v := range e.Elements {
			out = append(out, v.CompositeChildren()...)
		}
		return out
	}
	return nil
}

func (e Edit) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s.%s", e.Kind, e.UUID, e.Attribute)
	switch {
	case e.Kind == SetAttribute:
		fmt.Fprintf(&sb, " = %s", e.Value)
	case e.Kind.sequence():
		fmt.Fprintf(&sb, " [%d,%d)", e.Range.Loc, e.Range.End())
	}
	if len(e.Elements) > 0 {
		parts := make([]string, len(e.Elements))
		for i, v := range e.Elements {
			parts[i] = v.String()
		}
		fmt.Fprintf(&sb, " %s", strings.Join(parts, ", "))
	}
	if e.Source != "" {
		fmt.Fprintf(&sb, " (%s)", e.Source)
	}
	return sb.String()
}

// Insertion records that Child became a composite child of Parent through
// Attribute.
type Insertion struct {
	Child     uuid.UUID
	Parent    uuid.UUID
	Attribute string
	Source    string
}

type attrKey struct {
	UUID      uuid.UUID
	Attribute string
}

func (k attrKey) less(o attrKey) bool {
	if c := strings.Compare(k.UUID.String(), o.UUID.String()); c != 0 {
		return c < 0
	}
	return k.Attribute < o.Attribute
}

func keyOf(e Edit) attrKey { return attrKey{e.UUID, e.Attribute} }
