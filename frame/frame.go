// Package frame implements the 15-byte data-chunk header codec. Encode and
// Decode are pure functions with no I/O, matching spec section 4.1.
package frame

import (
	"encoding/binary"

	"github.com/loramesh/imgtransport/xerrors"
)

// HeaderSize is the fixed size of a data-chunk header, big-endian encoded.
const HeaderSize = 15

// MaxDeclaredSize bounds a header's claimed TotalSize before a receiver
// will allocate a buffer for it (spec section 4.8, "sanity bound on
// total_size").
const MaxDeclaredSize = 10 * 1024 * 1024

// Header is the fixed portion of a data chunk, laid out exactly as spec
// section 3 describes: normative and must stay byte-exact with any
// interoperable peer.
type Header struct {
	TransferID  uint32
	TotalChunks uint8
	ChunkIndex  uint8
	Compressed  bool
	CRC32       uint32
	TotalSize   uint32
}

// Chunk is a decoded data frame: header plus the chunk's data bytes.
type Chunk struct {
	Header
	Data []byte
}

// Encode serializes a header and payload into a single frame, rejecting a
// frame that would exceed maxFrame bytes on the wire.
func Encode(h Header, data []byte, maxFrame int) ([]byte, error) {
	total := HeaderSize + len(data)
	if total > maxFrame {
		return nil, xerrors.New(xerrors.KindFrameTooLarge, "frame.Encode", "frame exceeds link MTU").
			WithContext("total", total).WithContext("max_frame", maxFrame)
	}
	if h.TotalChunks == 0 {
		return nil, xerrors.New(xerrors.KindMalformedHeader, "frame.Encode", "total_chunks must be >= 1")
	}
	if h.ChunkIndex >= h.TotalChunks {
		return nil, xerrors.New(xerrors.KindMalformedHeader, "frame.Encode", "chunk_index must be < total_chunks")
	}

	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], h.TransferID)
	buf[4] = h.TotalChunks
	buf[5] = h.ChunkIndex
	if h.Compressed {
		buf[6] = 1
	}
	binary.BigEndian.PutUint32(buf[7:11], h.CRC32)
	binary.BigEndian.PutUint32(buf[11:15], h.TotalSize)
	copy(buf[15:], data)
	return buf, nil
}

// Decode parses a frame into a Chunk. It rejects frames shorter than
// HeaderSize, a total_chunks of zero (spec open question (c)), an
// out-of-range chunk_index, and a total_size beyond MaxDeclaredSize.
func Decode(b []byte) (Chunk, error) {
	if len(b) < HeaderSize {
		return Chunk{}, xerrors.New(xerrors.KindMalformedHeader, "frame.Decode", "frame shorter than header").
			WithContext("length", len(b))
	}

	h := Header{
		TransferID:  binary.BigEndian.Uint32(b[0:4]),
		TotalChunks: b[4],
		ChunkIndex:  b[5],
		Compressed:  b[6] != 0,
		CRC32:       binary.BigEndian.Uint32(b[7:11]),
		TotalSize:   binary.BigEndian.Uint32(b[11:15]),
	}

	if h.TotalChunks == 0 {
		return Chunk{}, xerrors.New(xerrors.KindMalformedHeader, "frame.Decode", "total_chunks must be >= 1")
	}
	if h.ChunkIndex >= h.TotalChunks {
		return Chunk{}, xerrors.New(xerrors.KindMalformedHeader, "frame.Decode", "chunk_index >= total_chunks").
			WithContext("chunk_index", h.ChunkIndex).WithContext("total_chunks", h.TotalChunks)
	}
	if h.TotalSize > MaxDeclaredSize {
		return Chunk{}, xerrors.New(xerrors.KindMalformedHeader, "frame.Decode", "declared total_size exceeds sanity bound").
			WithContext("total_size", h.TotalSize)
	}

	data := make([]byte, len(b)-HeaderSize)
	copy(data, b[HeaderSize:])
	return Chunk{Header: h, Data: data}, nil
}

// TotalChunksFor computes ceil(totalSize / dataPerChunk), the total_chunks
// value a sender must advertise for a payload of totalSize bytes chunked
// at dataPerChunk bytes each. An empty payload still yields 1, since a
// transfer always carries at least one chunk.
func TotalChunksFor(totalSize, dataPerChunk int) int {
	if totalSize == 0 {
		return 1
	}
	return (totalSize + dataPerChunk - 1) / dataPerChunk
}
