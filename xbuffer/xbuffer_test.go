package xbuffer_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loramesh/imgtransport/frame"
	"github.com/loramesh/imgtransport/payload"
	"github.com/loramesh/imgtransport/xbuffer"
)

func splitChunks(raw []byte, dataPerChunk int, transferID uint32, crc uint32, compressed bool) []frame.Chunk {
	total := frame.TotalChunksFor(len(raw), dataPerChunk)
	chunks := make([]frame.Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * dataPerChunk
		end := start + dataPerChunk
		if end > len(raw) {
			end = len(raw)
		}
		chunks = append(chunks, frame.Chunk{
			Header: frame.Header{
				TransferID:  transferID,
				TotalChunks: uint8(total),
				ChunkIndex:  uint8(i),
				Compressed:  compressed,
				CRC32:       crc,
				TotalSize:   uint32(len(raw)),
			},
			Data: raw[start:end],
		})
	}
	return chunks
}

func TestInsertAssembleRoundTrip(t *testing.T) {
	raw := []byte("a fully reassembled mesh image payload, chunked and rejoined")
	crc := payload.CRC32(raw)
	chunks := splitChunks(raw, 8, 42, crc, false)

	now := time.Unix(0, 0)
	buf := xbuffer.New(chunks[0].Header, now)
	for _, c := range chunks {
		res := buf.Insert(c, now)
		require.Equal(t, xbuffer.InsertNew, res)
	}

	require.True(t, buf.IsComplete())
	out, err := buf.Assemble()
	require.NoError(t, err)
	require.Equal(t, raw, out)
}

func TestInsertDuplicateIsIdempotent(t *testing.T) {
	raw := []byte("duplicate chunk handling must not corrupt the buffer")
	crc := payload.CRC32(raw)
	chunks := splitChunks(raw, 10, 7, crc, false)

	now := time.Unix(0, 0)
	buf := xbuffer.New(chunks[0].Header, now)
	require.Equal(t, xbuffer.InsertNew, buf.Insert(chunks[0], now))
	require.Equal(t, xbuffer.InsertDuplicate, buf.Insert(chunks[0], now))
	require.Equal(t, 1, buf.ReceivedCount())
}

func TestInsertRejectsMismatchedHeader(t *testing.T) {
	raw := []byte("0123456789abcdef")
	crc := payload.CRC32(raw)
	chunks := splitChunks(raw, 4, 3, crc, false)

	now := time.Unix(0, 0)
	buf := xbuffer.New(chunks[0].Header, now)
	bad := chunks[1]
	bad.TotalSize = bad.TotalSize + 1
	require.Equal(t, xbuffer.InsertRejected, buf.Insert(bad, now))
}

func TestAssembleFailsOnCRCMismatch(t *testing.T) {
	raw := []byte("payload bytes that will be tampered with before assembly")
	chunks := splitChunks(raw, 12, 9, payload.CRC32(raw), false)
	// tamper with the declared crc so assembly must fail.
	for i := range chunks {
		chunks[i].CRC32 = chunks[i].CRC32 ^ 0xFFFFFFFF
	}

	now := time.Unix(0, 0)
	buf := xbuffer.New(chunks[0].Header, now)
	for _, c := range chunks {
		buf.Insert(c, now)
	}
	_, err := buf.Assemble()
	require.Error(t, err)
}

func TestMissingSampleCapsSize(t *testing.T) {
	raw := make([]byte, 200)
	chunks := splitChunks(raw, 2, 1, payload.CRC32(raw), false)

	now := time.Unix(0, 0)
	buf := xbuffer.New(chunks[0].Header, now)
	buf.Insert(chunks[0], now)

	sample, total := buf.MissingSample(5)
	require.Len(t, sample, 5)
	require.Equal(t, len(chunks)-1, total)
}

func TestAssembleWithCompression(t *testing.T) {
	raw := make([]byte, 4096)
	for i := range raw {
		raw[i] = 0x2A
	}
	enc, err := payload.ChooseEncoding(raw, true, payload.SavingsThreshold)
	require.NoError(t, err)
	require.True(t, enc.Compressed)

	chunks := splitChunks(enc.Data, 16, 55, enc.CRC32, true)
	now := time.Unix(0, 0)
	buf := xbuffer.New(chunks[0].Header, now)
	buf.TotalSize = uint32(len(raw))
	for i := range chunks {
		chunks[i].TotalSize = uint32(len(raw))
	}
	for _, c := range chunks {
		buf.Insert(c, now)
	}
	out, err := buf.Assemble()
	require.NoError(t, err)
	require.Equal(t, raw, out)
}
