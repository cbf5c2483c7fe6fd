// Package item defines the data model of the store: typed values, items
// addressed by UUID, and item graphs.
//
// An item is a record of attribute name → value. An item graph is a root
// UUID plus a UUID → item mapping. Graphs may be partial: a delta written
// for a revision is itself a graph that only holds the modified items.
package item

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Primitive is the element type of a value.
type Primitive uint8

const (
	Int64 Primitive = iota + 1
	Double
	String
	Blob
	Attachment
	Reference
	CompositeReference
)

func (p Primitive) String() string {
	switch p {
	case Int64:
		return "int64"
	case Double:
		return "double"
	case String:
		return "string"
	case Blob:
		return "blob"
	case Attachment:
		return "attachment"
	case Reference:
		return "reference"
	case CompositeReference:
		return "composite"
	default:
		return "invalid(" + strconv.Itoa(int(p)) + ")"
	}
}

// Valid reports whether p is one of the known primitives.
func (p Primitive) Valid() bool {
	return p >= Int64 && p <= CompositeReference
}

// Container says whether a value is a single primitive, an unordered set
// or an ordered sequence of primitives.
type Container uint8

const (
	Scalar Container = iota
	Set
	Array
)

func (c Container) String() string {
	switch c {
	case Scalar:
		return "scalar"
	case Set:
		return "set"
	case Array:
		return "array"
	default:
		return "invalid(" + strconv.Itoa(int(c)) + ")"
	}
}

// Type is the full type of a value.
type Type struct {
	Primitive Primitive
	Container Container
}

func (t Type) String() string {
	if t.Container == Scalar {
		return t.Primitive.String()
	}
	return t.Container.String() + "<" + t.Primitive.String() + ">"
}

// Multivalued reports whether t is a set or an array.
func (t Type) Multivalued() bool {
	return t.Container != Scalar
}

// Path addresses an object. With a nil PersistentRoot it is an inner
// reference to Object inside the same graph; otherwise it crosses into
// another persistent root (and optionally a specific branch of it).
type Path struct {
	PersistentRoot uuid.UUID
	Branch         uuid.UUID
	Object         uuid.UUID
}

// CrossRoot reports whether the path leaves the current persistent root.
func (p Path) CrossRoot() bool {
	return p.PersistentRoot != uuid.Nil
}

func (p Path) String() string {
	if !p.CrossRoot() {
		return p.Object.String()
	}
	if p.Branch == uuid.Nil {
		return p.PersistentRoot.String() + ":" + p.Object.String()
	}
	return p.PersistentRoot.String() + "." + p.Branch.String() + ":" + p.Object.String()
}

// Value is an immutable typed attribute value. The zero Value is invalid
// and is never stored in an item.
type Value struct {
	typ   Type
	i     int64
	f     float64
	s     string
	b     []byte
	path  Path
	elems []Value
}

func NewInt(v int64) Value { return Value{typ: Type{Int64, Scalar}, i: v} }

func NewDouble(v float64) Value { return Value{typ: Type{Double, Scalar}, f: v} }

func NewString(v string) Value { return Value{typ: Type{String, Scalar}, s: v} }

func NewBlob(v []byte) Value {
	return Value{typ: Type{Blob, Scalar}, b: bytes.Clone(v)}
}

// NewAttachment references externally stored content by its hash.
func NewAttachment(id string) Value {
	return Value{typ: Type{Attachment, Scalar}, s: id}
}

// NewRef is an inner reference to another item of the same graph.
func NewRef(id uuid.UUID) Value {
	return Value{typ: Type{Reference, Scalar}, path: Path{Object: id}}
}

// NewPathRef is a reference that may cross into another persistent root.
func NewPathRef(p Path) Value {
	return Value{typ: Type{Reference, Scalar}, path: p}
}

// NewComposite is an exclusive ownership edge to a child item.
func NewComposite(child uuid.UUID) Value {
	return Value{typ: Type{CompositeReference, Scalar}, path: Path{Object: child}}
}

// NewSet builds an unordered collection. Duplicates are dropped and the
// elements are kept in canonical order. It panics if an element is not a
// scalar of primitive p.
func NewSet(p Primitive, elems ...Value) Value {
	checkElements(p, elems)
	seen := make(map[string]struct{}, len(elems))
	out := make([]Value, 0, len(elems))
	for _, e := range elems {
		k := e.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return Value{typ: Type{p, Set}, elems: out}
}

// NewArray builds an ordered collection. It panics if an element is not a
// scalar of primitive p.
func NewArray(p Primitive, elems ...Value) Value {
	checkElements(p, elems)
	return Value{typ: Type{p, Array}, elems: append([]Value(nil), elems...)}
}

func checkElements(p Primitive, elems []Value) {
	for i, e := range elems {
		if e.typ.Container != Scalar || e.typ.Primitive != p {
			panic(fmt.Sprintf("item: element %d has type %s, want %s", i, e.typ, p))
		}
	}
}

func (v Value) Type() Type { return v.typ }

// IsValid reports whether v was built by one of the constructors.
func (v Value) IsValid() bool { return v.typ.Primitive.Valid() }

func (v Value) Int() int64 { return v.i }

func (v Value) Double() float64 { return v.f }

// Str returns the payload of a string or attachment value.
func (v Value) Str() string { return v.s }

func (v Value) Bytes() []byte { return bytes.Clone(v.b) }

func (v Value) Path() Path { return v.path }

// UUID returns the target object of a reference or composite reference.
func (v Value) UUID() uuid.UUID { return v.path.Object }

// Elements returns a copy of the elements of a set or array.
func (v Value) Elements() []Value { return append([]Value(nil), v.elems...) }

// Len is the element count of a multivalue, 1 for a scalar.
func (v Value) Len() int {
	if v.typ.Multivalued() {
		return len(v.elems)
	}
	return 1
}

// WithElements returns a multivalue of the same type holding elems.
func (v Value) WithElements(elems []Value) Value {
	if v.typ.Container == Set {
		return NewSet(v.typ.Primitive, elems...)
	}
	return NewArray(v.typ.Primitive, elems...)
}

func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	if v.typ.Multivalued() {
		if len(v.elems) != len(o.elems) {
			return false
		}
		for i := range v.elems {
			if !v.elems[i].Equal(o.elems[i]) {
				return false
			}
		}
		return true
	}
	switch v.typ.Primitive {
	case Int64:
		return v.i == o.i
	case Double:
		return math.Float64bits(v.f) == math.Float64bits(o.f)
	case String, Attachment:
		return v.s == o.s
	case Blob:
		return bytes.Equal(v.b, o.b)
	case Reference, CompositeReference:
		return v.path == o.path
	}
	return false
}

// Key is a canonical string encoding of v. Two values are Equal exactly
// when their keys are equal.
func (v Value) Key() string {
	if v.typ.Multivalued() {
		var sb strings.Builder
		if v.typ.Container == Set {
			sb.WriteString("S[")
		} else {
			sb.WriteString("A[")
		}
		for i, e := range v.elems {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(e.Key())
		}
		sb.WriteByte(']')
		return sb.String()
	}
	switch v.typ.Primitive {
	case Int64:
		return "i:" + strconv.FormatInt(v.i, 10)
	case Double:
		return "d:" + strconv.FormatUint(math.Float64bits(v.f), 16)
	case String:
		return "s:" + strconv.Quote(v.s)
	case Blob:
		return "b:" + hex.EncodeToString(v.b)
	case Attachment:
		return "a:" + v.s
	case Reference:
		return "r:" + v.path.String()
	case CompositeReference:
		return "c:" + v.path.Object.String()
	}
	return "?"
}

func (v Value) String() string {
	if v.typ.Multivalued() {
		parts := make([]string, len(v.elems))
		for i, e := range v.elems {
			parts[i] = e.String()
		}
		if v.typ.Container == Set {
			return "{" + strings.Join(parts, ", ") + "}"
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	switch v.typ.Primitive {
	case Int64:
		return strconv.FormatInt(v.i, 10)
	case Double:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case String:
		return strconv.Quote(v.s)
	case Blob:
		return "0x" + hex.EncodeToString(v.b)
	case Attachment:
		return "attachment:" + v.s
	case Reference:
		return "ref:" + v.path.String()
	case CompositeReference:
		return "composite:" + v.path.Object.String()
	}
	return "<invalid>"
}

// InnerReferences returns the UUIDs of items in the same graph that v
// points at, through inner or composite references. Cross-root paths are
// not included.
func (v Value) InnerReferences() []uuid.UUID {
	if v.typ.Primitive != Reference && v.typ.Primitive != CompositeReference {
		return nil
	}
	if !v.typ.Multivalued() {
		if v.path.CrossRoot() {
			return nil
		}
		return []uuid.UUID{v.path.Object}
	}
	var out []uuid.UUID
	for _, e := range v.elems {
		out = append(out, e.InnerReferences()...)
	}
	return out
}

// CompositeChildren returns the children owned through v.
func (v Value) CompositeChildren() []uuid.UUID {
	if v.typ.Primitive != CompositeReference {
		return nil
	}
	return v.InnerReferences()
}
