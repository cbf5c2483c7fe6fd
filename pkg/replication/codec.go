package replication

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/etoile/CoreObject-sub001/internal/binaryCoder"
	"github.com/etoile/CoreObject-sub001/pkg/store"
)

const (
	fieldBundle = 1

	bundleRevision      = 1
	bundleParent        = 2
	bundleMergeParent   = 3
	bundleRoot          = 4
	bundleBranch        = 5
	bundleSchemaVersion = 6
	bundleDate          = 7
	bundleMetadata      = 8
	bundleDelta         = 9
)

// MarshalBundles encodes bundles into one checksummed frame.
func MarshalBundles(bundles []Bundle) []byte {
	var e binaryCoder.Encoder
	for _, b := range bundles {
		var be binaryCoder.Encoder
		rev := b.Revision
		be.UUID(bundleRevision, rev.UUID)
		be.UUID(bundleParent, rev.Parent)
		be.UUID(bundleMergeParent, rev.MergeParent)
		be.UUID(bundleRoot, rev.PersistentRoot)
		be.UUID(bundleBranch, rev.Branch)
		be.Int(bundleSchemaVersion, rev.SchemaVersion)
		if !rev.Date.IsZero() {
			be.Int(bundleDate, rev.Date.UnixNano())
		}
		be.StringMap(bundleMetadata, rev.Metadata)
		be.Bytes(bundleDelta, binaryCoder.GraphToByte(b.Delta))
		e.Bytes(fieldBundle, be.Encoded())
	}
	return binaryCoder.Seal(e.Encoded())
}

func UnmarshalBundles(frame []byte) ([]Bundle, error) {
	payload, err := binaryCoder.Open(frame)
	if err != nil {
		return nil, err
	}
	var out []Bundle
	err = binaryCoder.Walk(payload, func(f binaryCoder.Field) error {
		if f.Num != fieldBundle {
			return nil
		}
		b, err := unmarshalBundle(f.Bytes)
		if err != nil {
			return err
		}
		out = append(out, b)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode bundles: %w", err)
	}
	return out, nil
}

func unmarshalBundle(raw []byte) (Bundle, error) {
	var b Bundle
	rev := store.RevisionInfo{Metadata: map[string]string{}}
	err := binaryCoder.Walk(raw, func(f binaryCoder.Field) error {
		var err error
		switch f.Num {
		case bundleRevision:
			rev.UUID, err = f.UUID()
		case bundleParent:
			rev.Parent, err = f.UUID()
		case bundleMergeParent:
			rev.MergeParent, err = f.UUID()
		case bundleRoot:
			rev.PersistentRoot, err = f.UUID()
		case bundleBranch:
			rev.Branch, err = f.UUID()
		case bundleSchemaVersion:
			rev.SchemaVersion = f.Int()
		case bundleDate:
			rev.Date = time.Unix(0, f.Int())
		case bundleMetadata:
			err = binaryCoder.DecodeStringMapEntry(f.Bytes, rev.Metadata)
		case bundleDelta:
			b.Delta, err = binaryCoder.ByteToGraph(f.Bytes)
		}
		return err
	})
	if err != nil {
		return b, err
	}
	if rev.UUID == uuid.Nil || b.Delta == nil {
		return b, fmt.Errorf("%w: bundle without revision or delta", binaryCoder.ErrMalformed)
	}
	b.Revision = rev
	return b, nil
}
