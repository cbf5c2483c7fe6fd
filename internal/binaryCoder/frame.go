package binaryCoder

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

// Frame layout: magic, flags, xxhash64 of the stored body (little endian),
// body. The body is zstd compressed when flagCompressed is set.
const (
	frameMagic      byte = 0xC0
	flagCompressed  byte = 1 << 0
	frameHeaderSize      = 10

	// compressThreshold skips zstd for bodies where the frame overhead
	// would dominate.
	compressThreshold = 128
)

var (
	ErrChecksum = errors.New("binaryCoder: frame checksum mismatch")
	ErrFrame    = errors.New("binaryCoder: not a record frame")
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// Seal wraps payload in a checksummed frame, compressing large payloads.
func Seal(payload []byte) []byte {
	body := payload
	var flags byte
	if len(payload) >= compressThreshold {
		compressed := zstdEncoder.EncodeAll(payload, nil)
		if len(compressed) < len(payload) {
			body = compressed
			flags |= flagCompressed
		}
	}
	out := make([]byte, frameHeaderSize, frameHeaderSize+len(body))
	out[0] = frameMagic
	out[1] = flags
	binary.LittleEndian.PutUint64(out[2:], xxhash.Sum64(body))
	return append(out, body...)
}

// Open verifies and unwraps a frame produced by Seal.
func Open(frame []byte) ([]byte, error) {
	if len(frame) < frameHeaderSize || frame[0] != frameMagic {
		return nil, ErrFrame
	}
	body := frame[frameHeaderSize:]
	if binary.LittleEndian.Uint64(frame[2:]) != xxhash.Sum64(body) {
		return nil, ErrChecksum
	}
	if frame[1]&flagCompressed == 0 {
		return append([]byte(nil), body...), nil
	}
	payload, err := zstdDecoder.DecodeAll(body, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress frame: %w", err)
	}
	return payload, nil
}
