package backingstore

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/etoile/CoreObject-sub001/internal/binaryCoder"
	"github.com/etoile/CoreObject-sub001/pkg/item"
)

// NoIndex marks an absent parent or merge parent.
const NoIndex int64 = -1

// Record is the stored form of one revision.
type Record struct {
	Index            int64
	Revision         uuid.UUID
	ParentIndex      int64
	MergeParentIndex int64
	Branch           uuid.UUID
	PersistentRoot   uuid.UUID
	SchemaVersion    int64
	// Snapshot records hold the full item graph, delta records only the
	// items modified relative to ParentIndex.
	Snapshot bool
	// Chain is the number of delta records between this record and the
	// snapshot it is replayed from.
	Chain int64
	Graph *item.Graph
}

const (
	recRevision    = 1
	recParent      = 2
	recMergeParent = 3
	recBranch      = 4
	recRoot        = 5
	recSchema      = 6
	recSnapshot    = 7
	recChain       = 8
	recGraph       = 9

	hdrNext     = 1
	hdrFirst    = 2
	hdrRoot     = 3
	hdrInterval = 4
)

func encodeRecord(r *Record) []byte {
	var e binaryCoder.Encoder
	e.UUID(recRevision, r.Revision)
	e.Int(recParent, r.ParentIndex)
	e.Int(recMergeParent, r.MergeParentIndex)
	e.UUID(recBranch, r.Branch)
	e.UUID(recRoot, r.PersistentRoot)
	e.Int(recSchema, r.SchemaVersion)
	e.Bool(recSnapshot, r.Snapshot)
	e.Int(recChain, r.Chain)
	e.Bytes(recGraph, binaryCoder.GraphToByte(r.Graph))
	return binaryCoder.Seal(e.Encoded())
}

func decodeRecord(index int64, frame []byte) (*Record, error) {
	payload, err := binaryCoder.Open(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: record %d: %v", ErrCorrupt, index, err)
	}
	r := &Record{Index: index, ParentIndex: NoIndex, MergeParentIndex: NoIndex}
	var sawGraph bool
	err = binaryCoder.Walk(payload, func(f binaryCoder.Field) error {
		var err error
		switch f.Num {
		case recRevision:
			r.Revision, err = f.UUID()
		case recParent:
			r.ParentIndex = f.Int()
		case recMergeParent:
			r.MergeParentIndex = f.Int()
		case recBranch:
			r.Branch, err = f.UUID()
		case recRoot:
			r.PersistentRoot, err = f.UUID()
		case recSchema:
			r.SchemaVersion = f.Int()
		case recSnapshot:
			r.Snapshot = f.Uint != 0
		case recChain:
			r.Chain = f.Int()
		case recGraph:
			r.Graph, err = binaryCoder.ByteToGraph(f.Bytes)
			sawGraph = true
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: record %d: %v", ErrCorrupt, index, err)
	}
	if !sawGraph || r.Revision == uuid.Nil {
		return nil, fmt.Errorf("%w: record %d is incomplete", ErrCorrupt, index)
	}
	return r, nil
}

type header struct {
	next     int64
	first    int64
	root     uuid.UUID
	interval int64
}

func encodeHeader(h header) []byte {
	var e binaryCoder.Encoder
	e.Int(hdrNext, h.next)
	e.Int(hdrFirst, h.first)
	e.UUID(hdrRoot, h.root)
	e.Int(hdrInterval, h.interval)
	return binaryCoder.Seal(e.Encoded())
}

func decodeHeader(frame []byte) (header, error) {
	var h header
	payload, err := binaryCoder.Open(frame)
	if err != nil {
		return h, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	err = binaryCoder.Walk(payload, func(f binaryCoder.Field) error {
		var err error
		switch f.Num {
		case hdrNext:
			h.next = f.Int()
		case hdrFirst:
			h.first = f.Int()
		case hdrRoot:
			h.root, err = f.UUID()
		case hdrInterval:
			h.interval = f.Int()
		}
		return err
	})
	if err != nil {
		return h, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	return h, nil
}

func indexBytes(index int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(index))
	return b[:]
}

func indexFromBytes(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: index of length %d", ErrCorrupt, len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}
