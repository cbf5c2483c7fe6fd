package binaryCoder

import (
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/etoile/CoreObject-sub001/pkg/item"
)

// Graph record fields.
const (
	graphRoot = 1
	graphItem = 2

	itemUUID      = 1
	itemAttribute = 2

	attrName  = 1
	attrValue = 2

	valPrimitive = 1
	valContainer = 2
	valInt       = 3
	valDouble    = 4
	valString    = 5
	valBlob      = 6
	valPath      = 7
	valElement   = 8

	pathRoot   = 1
	pathBranch = 2
	pathObject = 3
)

func GraphToByte(g *item.Graph) []byte {
	var e Encoder
	e.UUID(graphRoot, g.Root())
	for _, it := range g.Items() {
		e.Bytes(graphItem, ItemToByte(it))
	}
	return e.Encoded()
}

func ByteToGraph(b []byte) (*item.Graph, error) {
	g := item.NewGraph(uuid.Nil)
	err := Walk(b, func(f Field) error {
		switch f.Num {
		case graphRoot:
			root, err := f.UUID()
			if err != nil {
				return err
			}
			g.SetRoot(root)
		case graphItem:
			it, err := ByteToItem(f.Bytes)
			if err != nil {
				return err
			}
			g.InsertOrUpdateItems(it)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	return g, nil
}

func ItemToByte(it *item.Item) []byte {
	var e Encoder
	id := it.UUID()
	e.Bytes(itemUUID, id[:])
	for _, name := range it.Attributes() {
		v, _ := it.Value(name)
		var a Encoder
		a.String(attrName, name)
		a.Bytes(attrValue, ValueToByte(v))
		e.Bytes(itemAttribute, a.Encoded())
	}
	return e.Encoded()
}

func ByteToItem(b []byte) (*item.Item, error) {
	var it *item.Item
	type attr struct {
		name string
		val  item.Value
	}
	var attrs []attr
	err := Walk(b, func(f Field) error {
		switch f.Num {
		case itemUUID:
			id, err := f.UUID()
			if err != nil {
				return err
			}
			it = item.New(id)
		case itemAttribute:
			var a attr
			err := Walk(f.Bytes, func(af Field) error {
				switch af.Num {
				case attrName:
					a.name = string(af.Bytes)
				case attrValue:
					v, err := ByteToValue(af.Bytes)
					if err != nil {
						return err
					}
					a.val = v
				}
				return nil
			})
			if err != nil {
				return err
			}
			attrs = append(attrs, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if it == nil {
		return nil, fmt.Errorf("%w: item without uuid", ErrMalformed)
	}
	for _, a := range attrs {
		it.Set(a.name, a.val)
	}
	return it, nil
}

func ValueToByte(v item.Value) []byte {
	var e Encoder
	t := v.Type()
	e.Uint(valPrimitive, uint64(t.Primitive))
	e.Uint(valContainer, uint64(t.Container))
	if t.Multivalued() {
		for _, el := range v.Elements() {
			e.Bytes(valElement, ValueToByte(el))
		}
		return e.Encoded()
	}
	switch t.Primitive {
	case item.Int64:
		e.Int(valInt, v.Int())
	case item.Double:
		e.Fixed64(valDouble, math.Float64bits(v.Double()))
	case item.String, item.Attachment:
		e.String(valString, v.Str())
	case item.Blob:
		e.Bytes(valBlob, v.Bytes())
	case item.Reference, item.CompositeReference:
		p := v.Path()
		var pe Encoder
		pe.UUID(pathRoot, p.PersistentRoot)
		pe.UUID(pathBranch, p.Branch)
		pe.UUID(pathObject, p.Object)
		e.Bytes(valPath, pe.Encoded())
	}
	return e.Encoded()
}

func ByteToValue(b []byte) (item.Value, error) {
	var (
		t     item.Type
		i     int64
		d     float64
		s     string
		blob  []byte
		path  item.Path
		elems []item.Value
	)
	err := Walk(b, func(f Field) error {
		switch f.Num {
		case valPrimitive:
			t.Primitive = item.Primitive(f.Uint)
		case valContainer:
			t.Container = item.Container(f.Uint)
		case valInt:
			i = f.Int()
		case valDouble:
			d = math.Float64frombits(f.Uint)
		case valString:
			s = string(f.Bytes)
		case valBlob:
			blob = f.Bytes
		case valPath:
			return Walk(f.Bytes, func(pf Field) error {
				id, err := pf.UUID()
				if err != nil {
					return err
				}
				switch pf.Num {
				case pathRoot:
					path.PersistentRoot = id
				case pathBranch:
					path.Branch = id
				case pathObject:
					path.Object = id
				}
				return nil
			})
		case valElement:
			el, err := ByteToValue(f.Bytes)
			if err != nil {
				return err
			}
			elems = append(elems, el)
		}
		return nil
	})
	if err != nil {
		return item.Value{}, err
	}
	if !t.Primitive.Valid() {
		return item.Value{}, fmt.Errorf("%w: primitive %d", ErrMalformed, t.Primitive)
	}
	if t.Multivalued() {
		for _, el := range elems {
			if el.Type() != (item.Type{Primitive: t.Primitive}) {
				return item.Value{}, fmt.Errorf("%w: element of type %s in %s", ErrMalformed, el.Type(), t)
			}
		}
		switch t.Container {
		case item.Set:
			return item.NewSet(t.Primitive, elems...), nil
		case item.Array:
			return item.NewArray(t.Primitive, elems...), nil
		default:
			return item.Value{}, fmt.Errorf("%w: container %d", ErrMalformed, t.Container)
		}
	}
	switch t.Primitive {
	case item.Int64:
		return item.NewInt(i), nil
	case item.Double:
		return item.NewDouble(d), nil
	case item.String:
		return item.NewString(s), nil
	case item.Attachment:
		return item.NewAttachment(s), nil
	case item.Blob:
		return item.NewBlob(blob), nil
	case item.Reference:
		return item.NewPathRef(path), nil
	default:
		if path.CrossRoot() {
			return item.Value{}, fmt.Errorf("%w: cross-root composite reference", ErrMalformed)
		}
		return item.NewComposite(path.Object), nil
	}
}
