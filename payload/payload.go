// Package payload implements the checksum and optional compression layer
// that sits between the frame codec and the transfer buffer (spec section
// 4.2). CRC32 uses the IEEE polynomial, the same one used by zlib/gzip, so
// it is directly comparable with the crc32.ChecksumIEEE the original
// Python sender computes via zlib.crc32.
package payload

import (
	"bytes"
	"compress/zlib"
	"hash/crc32"
	"io"

	"github.com/loramesh/imgtransport/xerrors"
)

// SavingsThreshold is the default fraction of the raw size the compressed
// form must beat to be worth using: compressed is chosen only if
// len(compressed) < SavingsThreshold * len(raw), i.e. at least a 5%
// reduction (spec section 4.2 and the original's `compressGain`/0.95 check).
const SavingsThreshold = 0.95

// CRC32 computes the IEEE-polynomial CRC over b, matching zlib.crc32.
func CRC32(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// Compress deflates b at the highest level, mirroring the original
// sender's `zlib.compress(data, level=9)`.
func Compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindDecompressError, "payload.Compress", "open zlib writer")
	}
	if _, err := w.Write(b); err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindDecompressError, "payload.Compress", "write")
	}
	if err := w.Close(); err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindDecompressError, "payload.Compress", "close")
	}
	return buf.Bytes(), nil
}

// Decompress inflates b. A failure here is equivalent to a CRC mismatch at
// the receiver per spec section 4.4's failure modes.
func Decompress(b []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindDecompressError, "payload.Decompress", "open zlib reader")
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindDecompressError, "payload.Decompress", "read")
	}
	return out, nil
}

// Encoding is the outcome of ChooseEncoding: the bytes actually placed on
// the wire, whether they are compressed, and the CRC computed over them.
type Encoding struct {
	Data       []byte
	Compressed bool
	CRC32      uint32
}

// ChooseEncoding implements spec section 4.2's compression decision: when
// tryCompress is set, compression is attempted and the compressed form
// wins only if it beats the savings threshold; the CRC is always computed
// over the bytes finally selected, never the original.
func ChooseEncoding(raw []byte, tryCompress bool, savingsThreshold float64) (Encoding, error) {
	if !tryCompress {
		return Encoding{Data: raw, Compressed: false, CRC32: CRC32(raw)}, nil
	}

	compressed, err := Compress(raw)
	if err != nil {
		return Encoding{}, err
	}
	if float64(len(compressed)) < savingsThreshold*float64(len(raw)) {
		return Encoding{Data: compressed, Compressed: true, CRC32: CRC32(compressed)}, nil
	}
	return Encoding{Data: raw, Compressed: false, CRC32: CRC32(raw)}, nil
}
