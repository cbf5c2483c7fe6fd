package store

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/etoile/CoreObject-sub001/internal/binaryCoder"
)

// Key layout of the revision graph. Backing stores live under "bs/".
const (
	rootPrefix     = "root/"
	branchPrefix   = "branch/"
	revPrefix      = "rev/"
	childPrefix    = "child/"
	storeUsePrefix = "bsroot/"
	sequenceKey    = "meta/sequence"
)

func rootKey(id uuid.UUID) []byte   { return []byte(rootPrefix + id.String()) }
func branchKey(id uuid.UUID) []byte { return []byte(branchPrefix + id.String()) }
func revKey(id uuid.UUID) []byte    { return []byte(revPrefix + id.String()) }

func childKey(parent, child uuid.UUID) []byte {
	return []byte(childPrefix + parent.String() + "/" + child.String())
}

func childrenPrefix(parent uuid.UUID) []byte {
	return []byte(childPrefix + parent.String() + "/")
}

func storeUseKey(bs, root uuid.UUID) []byte {
	return []byte(storeUsePrefix + bs.String() + "/" + root.String())
}

func storeUsersPrefix(bs uuid.UUID) []byte {
	return []byte(storeUsePrefix + bs.String() + "/")
}

type rootRecord struct {
	UUID          uuid.UUID
	BackingStore  uuid.UUID
	CurrentBranch uuid.UUID
	Branches      []uuid.UUID
	Deleted       bool
	TransactionID int64
	Metadata      map[string]string
}

type branchRecord struct {
	UUID           uuid.UUID
	Root           uuid.UUID
	ParentBranch   uuid.UUID
	ParentRevision uuid.UUID
	Current        uuid.UUID
	Head           uuid.UUID
	Deleted        bool
	Metadata       map[string]string
}

type revRecord struct {
	UUID          uuid.UUID
	Parent        uuid.UUID
	MergeParent   uuid.UUID
	Root          uuid.UUID
	Branch        uuid.UUID
	BackingStore  uuid.UUID
	Index         int64
	SchemaVersion int64
	Sequence      int64
	Date          int64
	Metadata      map[string]string
}

const (
	fUUID = 1

	rootBackingStore  = 2
	rootCurrentBranch = 3
	rootBranch        = 4
	rootDeleted       = 5
	rootTransaction   = 6
	rootMetadata      = 7

	branchRoot           = 2
	branchParentBranch   = 3
	branchParentRevision = 4
	branchCurrent        = 5
	branchHead           = 6
	branchDeleted        = 7
	branchMetadata       = 8

	revParent       = 2
	revMergeParent  = 3
	revRoot         = 4
	revBranch       = 5
	revBackingStore = 6
	revIndex        = 7
	revSchema       = 8
	revSequence     = 9
	revDate         = 10
	revMetadata     = 11
)

func encodeRoot(r *rootRecord) []byte {
	var e binaryCoder.Encoder
	e.UUID(fUUID, r.UUID)
	e.UUID(rootBackingStore, r.BackingStore)
	e.UUID(rootCurrentBranch, r.CurrentBranch)
	for _, b := range r.Branches {
		e.UUID(rootBranch, b)
	}
	e.Bool(rootDeleted, r.Deleted)
	e.Int(rootTransaction, r.TransactionID)
	e.StringMap(rootMetadata, r.Metadata)
	return binaryCoder.Seal(e.Encoded())
}

func decodeRoot(frame []byte) (*rootRecord, error) {
	r := &rootRecord{Metadata: map[string]string{}}
	err := decodeFields(frame, func(f binaryCoder.Field) error {
		var err error
		switch f.Num {
		case fUUID:
			r.UUID, err = f.UUID()
		case rootBackingStore:
			r.BackingStore, err = f.UUID()
		case rootCurrentBranch:
			r.CurrentBranch, err = f.UUID()
		case rootBranch:
			var id uuid.UUID
			id, err = f.UUID()
			r.Branches = append(r.Branches, id)
		case rootDeleted:
			r.Deleted = f.Uint != 0
		case rootTransaction:
			r.TransactionID = f.Int()
		case rootMetadata:
			err = binaryCoder.DecodeStringMapEntry(f.Bytes, r.Metadata)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("decode persistent root: %w", err)
	}
	return r, nil
}

func encodeBranch(b *branchRecord) []byte {
	var e binaryCoder.Encoder
	e.UUID(fUUID, b.UUID)
	e.UUID(branchRoot, b.Root)
	e.UUID(branchParentBranch, b.ParentBranch)
	e.UUID(branchParentRevision, b.ParentRevision)
	e.UUID(branchCurrent, b.Current)
	e.UUID(branchHead, b.Head)
	e.Bool(branchDeleted, b.Deleted)
	e.StringMap(branchMetadata, b.Metadata)
	return binaryCoder.Seal(e.Encoded())
}

func decodeBranch(frame []byte) (*branchRecord, error) {
	b := &branchRecord{Metadata: map[string]string{}}
	err := decodeFields(frame, func(f binaryCoder.Field) error {
		var err error
		switch f.Num {
		case fUUID:
			b.UUID, err = f.UUID()
		case branchRoot:
			b.Root, err = f.UUID()
		case branchParentBranch:
			b.ParentBranch, err = f.UUID()
		case branchParentRevision:
			b.ParentRevision, err = f.UUID()
		case branchCurrent:
			b.Current, err = f.UUID()
		case branchHead:
			b.Head, err = f.UUID()
		case branchDeleted:
			b.Deleted = f.Uint != 0
		case branchMetadata:
			err = binaryCoder.DecodeStringMapEntry(f.Bytes, b.Metadata)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("decode branch: %w", err)
	}
	return b, nil
}

func encodeRevision(r *revRecord) []byte {
	var e binaryCoder.Encoder
	e.UUID(fUUID, r.UUID)
	e.UUID(revParent, r.Parent)
	e.UUID(revMergeParent, r.MergeParent)
	e.UUID(revRoot, r.Root)
	e.UUID(revBranch, r.Branch)
	e.UUID(revBackingStore, r.BackingStore)
	e.Int(revIndex, r.Index)
	e.Int(revSchema, r.SchemaVersion)
	e.Int(revSequence, r.Sequence)
	e.Int(revDate, r.Date)
	e.StringMap(revMetadata, r.Metadata)
	return binaryCoder.Seal(e.Encoded())
}

func decodeRevision(frame []byte) (*revRecord, error) {
	r := &revRecord{Metadata: map[string]string{}}
	err := decodeFields(frame, func(f binaryCoder.Field) error {
		var err error
		switch f.Num {
		case fUUID:
			r.UUID, err = f.UUID()
		case revParent:
			r.Parent, err = f.UUID()
		case revMergeParent:
			r.MergeParent, err = f.UUID()
		case revRoot:
			r.Root, err = f.UUID()
		case revBranch:
			r.Branch, err = f.UUID()
		case revBackingStore:
			r.BackingStore, err = f.UUID()
		case revIndex:
			r.Index = f.Int()
		case revSchema:
			r.SchemaVersion = f.Int()
		case revSequence:
			r.Sequence = f.Int()
		case revDate:
			r.Date = f.Int()
		case revMetadata:
			err = binaryCoder.DecodeStringMapEntry(f.Bytes, r.Metadata)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("decode revision: %w", err)
	}
	return r, nil
}

func decodeFields(frame []byte, fn func(binaryCoder.Field) error) error {
	payload, err := binaryCoder.Open(frame)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := binaryCoder.Walk(payload, fn); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return nil
}

func (r *revRecord) info() RevisionInfo {
	return RevisionInfo{
		UUID:           r.UUID,
		Parent:         r.Parent,
		MergeParent:    r.MergeParent,
		PersistentRoot: r.Root,
		Branch:         r.Branch,
		BackingStore:   r.BackingStore,
		SchemaVersion:  r.SchemaVersion,
		Sequence:       r.Sequence,
		Date:           time.Unix(0, r.Date).UTC(),
		Metadata:       maps.Clone(r.Metadata),
	}
}
