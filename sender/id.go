package sender

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/google/uuid"
)

// NewTransferID mints a fresh 32-bit transfer identifier. It draws entropy
// from a fresh UUIDv4 rather than a counter, following the reference
// client's use of crypto/rand-backed IDs (GenerateTimestampID) so that
// concurrent senders on the same mesh cannot collide on small counters.
func NewTransferID() uint32 {
	id := uuid.New()
	b := id[:]
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err == nil {
		// XOR a few UUID bytes with fresh random bytes: belt and suspenders
		// against a broken UUID source, cheap enough to always do.
		for i := range buf {
			buf[i] ^= b[i]
		}
	} else {
		copy(buf[:], b[:4])
	}
	return binary.BigEndian.Uint32(buf[:])
}
