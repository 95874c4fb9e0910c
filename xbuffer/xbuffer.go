// Package xbuffer implements per-transfer chunk reassembly. A
// TransferBuffer tracks which chunk indices of a single transfer have
// arrived, using a roaring bitmap the way the longbow reference codebase's
// query package tracks row membership, and assembles the final payload
// once every chunk is present.
package xbuffer

import (
	"time"

	roaring "github.com/RoaringBitmap/roaring/v2"

	"github.com/loramesh/imgtransport/frame"
	"github.com/loramesh/imgtransport/payload"
	"github.com/loramesh/imgtransport/xerrors"
)

// Status is the lifecycle state of a TransferBuffer (spec section 4.3).
type Status int

const (
	StatusActive Status = iota
	StatusTimeout
	StatusComplete
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusTimeout:
		return "timeout"
	case StatusComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// InsertResult classifies the outcome of inserting a single chunk.
type InsertResult int

const (
	// InsertNew is a first-seen chunk accepted into the buffer.
	InsertNew InsertResult = iota
	// InsertDuplicate is a chunk index already held, discarded but not an error.
	InsertDuplicate
	// InsertRejected is a chunk whose header parameters disagree with the
	// buffer's established transfer parameters (spec section 4.3's
	// mismatched-header rejection, distinct from a new transfer_id).
	InsertRejected
)

// TransferBuffer accumulates the chunks of one (peer, transfer_id) transfer.
type TransferBuffer struct {
	TransferID  uint32
	TotalChunks uint8
	TotalSize   uint32
	Compressed  bool
	CRC32       uint32

	status       Status
	chunks       map[uint8][]byte
	received     *roaring.Bitmap
	createdAt    time.Time
	lastActivity time.Time
}

// New creates a buffer seeded by the header of the first chunk observed for
// a transfer.
func New(h frame.Header, now time.Time) *TransferBuffer {
	return &TransferBuffer{
		TransferID:   h.TransferID,
		TotalChunks:  h.TotalChunks,
		TotalSize:    h.TotalSize,
		Compressed:   h.Compressed,
		CRC32:        h.CRC32,
		status:       StatusActive,
		chunks:       make(map[uint8][]byte, h.TotalChunks),
		received:     roaring.New(),
		createdAt:    now,
		lastActivity: now,
	}
}

// Insert adds a chunk to the buffer. A chunk whose header disagrees with the
// parameters established by the first chunk (total_chunks, total_size,
// compressed, crc32) is rejected rather than silently overwriting state
// that in-flight retransmissions and REQ responses depend on.
func (b *TransferBuffer) Insert(c frame.Chunk, now time.Time) InsertResult {
	if c.TransferID != b.TransferID ||
		c.TotalChunks != b.TotalChunks ||
		c.TotalSize != b.TotalSize ||
		c.Compressed != b.Compressed ||
		c.CRC32 != b.CRC32 {
		return InsertRejected
	}

	b.lastActivity = now
	if b.received.Contains(uint32(c.ChunkIndex)) {
		return InsertDuplicate
	}

	b.chunks[c.ChunkIndex] = c.Data
	b.received.Add(uint32(c.ChunkIndex))
	if b.received.GetCardinality() == uint64(b.TotalChunks) {
		b.status = StatusComplete
	}
	return InsertNew
}

// IsComplete reports whether every chunk index has arrived and the buffer
// has not since been marked timed out.
func (b *TransferBuffer) IsComplete() bool {
	return b.status == StatusComplete
}

// Status returns the buffer's current lifecycle state.
func (b *TransferBuffer) Status() Status { return b.status }

// MarkTimedOut transitions the buffer to StatusTimeout. This also covers a
// buffer whose bitmap reached full cardinality (Insert already flipped it to
// StatusComplete) but whose Assemble failed CRC or decompression: it must
// still read back as timed out, not complete, so a later duplicate chunk
// doesn't re-trigger assembly on every arrival.
func (b *TransferBuffer) MarkTimedOut() {
	b.status = StatusTimeout
}

// ReceivedCount returns the number of distinct chunk indices held.
func (b *TransferBuffer) ReceivedCount() int {
	return int(b.received.GetCardinality())
}

// Missing returns every chunk index not yet received, ascending.
func (b *TransferBuffer) Missing() []uint8 {
	missing := make([]uint8, 0, int(b.TotalChunks)-b.ReceivedCount())
	for i := uint32(0); i < uint32(b.TotalChunks); i++ {
		if !b.received.Contains(i) {
			missing = append(missing, uint8(i))
		}
	}
	return missing
}

// MissingSample returns up to limit missing chunk indices plus the true
// total missing count, so a REQ or a log line can bound its own size
// without silently dropping the fact that more are missing.
func (b *TransferBuffer) MissingSample(limit int) (sample []uint8, total int) {
	all := b.Missing()
	total = len(all)
	if total <= limit {
		return all, total
	}
	return all[:limit], total
}

// LastActivity returns the time of the most recent non-rejected chunk,
// new or duplicate.
func (b *TransferBuffer) LastActivity() time.Time { return b.lastActivity }

// CreatedAt returns when the buffer was first opened.
func (b *TransferBuffer) CreatedAt() time.Time { return b.createdAt }

// Assemble concatenates every chunk in index order, verifies the
// concatenated on-wire bytes against CRC32, and then decompresses them if
// the transfer was compressed. It returns an error if the buffer is not
// complete.
func (b *TransferBuffer) Assemble() ([]byte, error) {
	if !b.IsComplete() {
		return nil, xerrors.New(xerrors.KindMalformedHeader, "xbuffer.Assemble", "transfer incomplete").
			WithContext("received", b.ReceivedCount()).WithContext("total_chunks", b.TotalChunks)
	}

	out := make([]byte, 0, b.TotalSize)
	for i := uint8(0); ; i++ {
		out = append(out, b.chunks[i]...)
		if i == b.TotalChunks-1 {
			break
		}
	}

	selected := out
	if payload.CRC32(selected) != b.CRC32 {
		return nil, xerrors.New(xerrors.KindCrcMismatch, "xbuffer.Assemble", "crc32 mismatch on assembled payload").
			WithContext("transfer_id", b.TransferID)
	}

	if !b.Compressed {
		return selected, nil
	}
	decompressed, err := payload.Decompress(selected)
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindDecompressError, "xbuffer.Assemble", "decompress assembled payload").
			WithContext("transfer_id", b.TransferID)
	}
	return decompressed, nil
}
