package binaryCoder

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformed = errors.New("binaryCoder: malformed record")

// Encoder appends protobuf wire-format fields. Records are small fixed
// schemas, so they are written field by field instead of through
// generated message types.
type Encoder struct {
	buf []byte
}

func (e *Encoder) Uint(num protowire.Number, v uint64) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
}

func (e *Encoder) Int(num protowire.Number, v int64) {
	e.Uint(num, protowire.EncodeZigZag(v))
}

func (e *Encoder) Bool(num protowire.Number, v bool) {
	if v {
		e.Uint(num, 1)
	}
}

func (e *Encoder) Fixed64(num protowire.Number, v uint64) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.Fixed64Type)
	e.buf = protowire.AppendFixed64(e.buf, v)
}

func (e *Encoder) Bytes(num protowire.Number, v []byte) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, v)
}

func (e *Encoder) String(num protowire.Number, v string) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, v)
}

// UUID writes id unless it is the nil UUID.
func (e *Encoder) UUID(num protowire.Number, id uuid.UUID) {
	if id != uuid.Nil {
		e.Bytes(num, id[:])
	}
}

// StringMap writes every entry as a nested {1: key, 2: value} message.
func (e *Encoder) StringMap(num protowire.Number, m map[string]string) {
	for _, k := range sortedKeys(m) {
		var entry Encoder
		entry.String(1, k)
		entry.String(2, m[k])
		e.Bytes(num, entry.Encoded())
	}
}

func (e *Encoder) Encoded() []byte { return e.buf }

// Field is one decoded wire field. Varint and Fixed64 fields fill Uint,
// length-delimited fields fill Bytes.
type Field struct {
	Num   protowire.Number
	Type  protowire.Type
	Uint  uint64
	Bytes []byte
}

func (f Field) Int() int64 { return protowire.DecodeZigZag(f.Uint) }

func (f Field) UUID() (uuid.UUID, error) {
	id, err := uuid.FromBytes(f.Bytes)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, f.Num, err)
	}
	return id, nil
}

// Walk calls fn for every field of b in order.
func Walk(b []byte, fn func(Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			f.Uint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.Uint, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.Bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// DecodeStringMapEntry decodes one entry written by Encoder.StringMap.
func DecodeStringMapEntry(b []byte, into map[string]string) error {
	var k, v string
	err := Walk(b, func(f Field) error {
		switch f.Num {
		case 1:
			k = string(f.Bytes)
		case 2:
			v = string(f.Bytes)
		}
		return nil
	})
	if err != nil {
		return err
	}
	into[k] = v
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
