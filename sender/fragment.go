package sender

import (
	"github.com/loramesh/imgtransport/frame"
	"github.com/loramesh/imgtransport/payload"
)

// Fragment splits an already-encoded payload into ordered frame.Chunks of
// at most dataPerChunk bytes each, all sharing the same header parameters
// except chunk_index.
func Fragment(enc payload.Encoding, transferID uint32, dataPerChunk int) []frame.Chunk {
	total := frame.TotalChunksFor(len(enc.Data), dataPerChunk)
	chunks := make([]frame.Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * dataPerChunk
		end := start + dataPerChunk
		if end > len(enc.Data) {
			end = len(enc.Data)
		}
		chunks = append(chunks, frame.Chunk{
			Header: frame.Header{
				TransferID:  transferID,
				TotalChunks: uint8(total),
				ChunkIndex:  uint8(i),
				Compressed:  enc.Compressed,
				CRC32:       enc.CRC32,
				TotalSize:   uint32(len(enc.Data)),
			},
			Data: enc.Data[start:end],
		})
	}
	return chunks
}
