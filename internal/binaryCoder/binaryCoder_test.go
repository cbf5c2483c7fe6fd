package binaryCoder

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/etoile/CoreObject-sub001/pkg/item"
)

func genUUID(t *rapid.T, label string) uuid.UUID {
	var id uuid.UUID
	copy(id[:], rapid.SliceOfN(rapid.Byte(), 16, 16).Draw(t, label))
	return id
}

func genScalar(t *rapid.T, p item.Primitive) item.Value {
	switch p {
	case item.Int64:
		return item.NewInt(rapid.Int64().Draw(t, "int"))
	case item.Double:
		return item.NewDouble(rapid.Float64().Draw(t, "double"))
	case item.String:
		return item.NewString(rapid.String().Draw(t, "string"))
	case item.Blob:
		return item.NewBlob(rapid.SliceOf(rapid.Byte()).Draw(t, "blob"))
	case item.Attachment:
		return item.NewAttachment(rapid.StringMatching(`[0-9a-f]{8}`).Draw(t, "attachment"))
	case item.Reference:
		if rapid.Bool().Draw(t, "cross") {
			return item.NewPathRef(item.Path{PersistentRoot: genUUID(t, "proot"), Object: genUUID(t, "pobj")})
		}
		return item.NewRef(genUUID(t, "ref"))
	default:
		return item.NewComposite(genUUID(t, "child"))
	}
}

func genValue(t *rapid.T) item.Value {
	p := item.Primitive(rapid.IntRange(int(item.Int64), int(item.CompositeReference)).Draw(t, "primitive"))
	switch rapid.IntRange(0, 2).Draw(t, "container") {
	case 1:
		n := rapid.IntRange(0, 4).Draw(t, "n")
		elems := make([]item.Value, n)
		for i := range elems {
			elems[i] = genScalar(t, p)
		}
		return item.NewSet(p, elems...)
	case 2:
		n := rapid.IntRange(0, 4).Draw(t, "n")
		elems := make([]item.Value, n)
		for i := range elems {
			elems[i] = genScalar(t, p)
		}
		return item.NewArray(p, elems...)
	default:
		return genScalar(t, p)
	}
}

func TestGraphToByte_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		g := item.NewGraph(genUUID(t, "root"))
		n := rapid.IntRange(0, 5).Draw(t, "items")
		for i := 0; i < n; i++ {
			it := item.New(genUUID(t, "item"))
			attrs := rapid.IntRange(0, 4).Draw(t, "attrs")
			for j := 0; j < attrs; j++ {
				it.Set(rapid.StringMatching(`[a-z]{1,6}`).Draw(t, "attr"), genValue(t))
			}
			g.InsertOrUpdateItems(it)
		}

		decoded, err := ByteToGraph(GraphToByte(g))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !decoded.Equal(g) {
			t.Fatalf("graph changed in round trip")
		}
	})
}

func TestSeal_CompressesAndVerifies(t *testing.T) {
	payload := bytes.Repeat([]byte("revision delta "), 100)
	frame := Seal(payload)
	assert.Less(t, len(frame), len(payload))

	got, err := Open(frame)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	frame[len(frame)-1] ^= 0xFF
	_, err = Open(frame)
	assert.ErrorIs(t, err, ErrChecksum)

	_, err = Open([]byte("nope"))
	assert.ErrorIs(t, err, ErrFrame)
}

func TestByteToValue_RejectsMixedElements(t *testing.T) {
	var e Encoder
	e.Uint(valPrimitive, uint64(item.Int64))
	e.Uint(valContainer, uint64(item.Array))
	e.Bytes(valElement, ValueToByte(item.NewString("x")))

	_, err := ByteToValue(e.Encoded())
	assert.ErrorIs(t, err, ErrMalformed)
}
