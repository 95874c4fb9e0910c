// Package progress renders transfer progress the way the original
// meshsender.py's gallery/status endpoint and the LTD2 terminal progress
// bar do: a point-in-time snapshot plus a human-readable byte formatter.
package progress

import "fmt"

// Snapshot is a point-in-time view of one transfer's progress, suitable for
// logging or serving over a status endpoint.
type Snapshot struct {
	TransferID     uint32
	TotalChunks    int
	ReceivedChunks int
	TotalBytes     uint32
	MissingSample  []uint8
	MissingTotal   int
	Label          string // opaque caller-supplied tag, e.g. a filename hint
}

// Fraction returns the completion ratio in [0, 1].
func (s Snapshot) Fraction() float64 {
	if s.TotalChunks == 0 {
		return 0
	}
	return float64(s.ReceivedChunks) / float64(s.TotalChunks)
}

// Percent returns Fraction scaled to a whole percentage.
func (s Snapshot) Percent() int {
	return int(s.Fraction() * 100)
}

// String renders a single-line summary, e.g. for a log line or a CLI
// progress display.
func (s Snapshot) String() string {
	base := fmt.Sprintf("transfer %08x: %d/%d chunks (%d%%), %s",
		s.TransferID, s.ReceivedChunks, s.TotalChunks, s.Percent(), FormatBytes(s.TotalBytes))
	if s.Label != "" {
		base = fmt.Sprintf("%s [%s]", base, s.Label)
	}
	if s.MissingTotal > 0 {
		base = fmt.Sprintf("%s, missing=%d %v", base, s.MissingTotal, s.MissingSample)
	}
	return base
}

// FormatBytes renders a byte count with the closest binary unit, matching
// the reference client's byte-count formatter.
func FormatBytes(n uint32) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint32(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	units := []string{"KB", "MB", "GB"}
	return fmt.Sprintf("%.2f %s", float64(n)/float64(div), units[exp])
}
