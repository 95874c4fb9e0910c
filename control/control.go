// Package control implements the text control sub-protocol that shares the
// data port with binary chunks: "OK:<hex8>" acknowledges a completed
// transfer and "REQ:<hex8>:<idx,idx,...>" asks a sender to retransmit
// specific chunk indices. IsControl lets a receiver on a shared socket
// distinguish these from binary frame.Header traffic before attempting to
// parse either.
package control

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/loramesh/imgtransport/xerrors"
)

// Kind identifies which control message was parsed.
type Kind int

const (
	KindOK Kind = iota
	KindREQ
)

const (
	prefixOK  = "OK:"
	prefixREQ = "REQ:"
)

// Message is a decoded control message.
type Message struct {
	Kind       Kind
	TransferID uint32
	Indices    []uint8 // only set for KindREQ
}

// IsControl reports whether b looks like a text control message rather than
// a binary data frame. Binary frames begin with a transfer_id whose first
// byte is arbitrary, so this check is defensive, not exhaustive: it only
// needs to be right for the ASCII prefixes this protocol actually emits.
func IsControl(b []byte) bool {
	s := string(b)
	return strings.HasPrefix(s, prefixOK) || strings.HasPrefix(s, prefixREQ)
}

// FormatOK renders an acknowledgment for transferID.
func FormatOK(transferID uint32) string {
	return fmt.Sprintf("%s%08x", prefixOK, transferID)
}

// FormatREQ renders a retransmission request for transferID naming
// indices, in the order given.
func FormatREQ(transferID uint32, indices []uint8) string {
	parts := make([]string, len(indices))
	for i, idx := range indices {
		parts[i] = strconv.Itoa(int(idx))
	}
	return fmt.Sprintf("%s%08x:%s", prefixREQ, transferID, strings.Join(parts, ","))
}

// BatchREQ splits indices into as few REQ frames as fit within maxFrame
// bytes each, in order, so a large gap is negotiated across successive
// frames rather than a single oversized control string (spec section 4.4:
// "capped to fit a single frame; the sweep may repeat across frames for
// large gaps"). Returns nil for an empty index list.
func BatchREQ(transferID uint32, indices []uint8, maxFrame int) []string {
	if len(indices) == 0 {
		return nil
	}

	baseLen := len(FormatREQ(transferID, nil))
	var batches []string
	batch := make([]uint8, 0, len(indices))
	length := baseLen

	flush := func() {
		if len(batch) > 0 {
			batches = append(batches, FormatREQ(transferID, batch))
		}
	}

	for _, idx := range indices {
		fieldLen := len(strconv.Itoa(int(idx)))
		add := fieldLen
		if len(batch) > 0 {
			add++ // separating comma
		}
		if length+add > maxFrame && len(batch) > 0 {
			flush()
			batch = batch[:0]
			length = baseLen
			add = fieldLen
		}
		batch = append(batch, idx)
		length += add
	}
	flush()
	return batches
}

// Parse decodes a control message from its wire text form.
func Parse(s string) (Message, error) {
	switch {
	case strings.HasPrefix(s, prefixREQ):
		return parseREQ(s)
	case strings.HasPrefix(s, prefixOK):
		return parseOK(s)
	default:
		return Message{}, xerrors.New(xerrors.KindUnknownControl, "control.Parse", "unrecognized control prefix").
			WithContext("message", s)
	}
}

func parseOK(s string) (Message, error) {
	hexID := strings.TrimPrefix(s, prefixOK)
	id, err := parseHexID(hexID)
	if err != nil {
		return Message{}, xerrors.Wrap(err, xerrors.KindUnknownControl, "control.Parse", "malformed OK id")
	}
	return Message{Kind: KindOK, TransferID: id}, nil
}

func parseREQ(s string) (Message, error) {
	body := strings.TrimPrefix(s, prefixREQ)
	sep := strings.IndexByte(body, ':')
	if sep < 0 {
		return Message{}, xerrors.New(xerrors.KindUnknownControl, "control.Parse", "REQ missing index list separator").
			WithContext("message", s)
	}
	id, err := parseHexID(body[:sep])
	if err != nil {
		return Message{}, xerrors.Wrap(err, xerrors.KindUnknownControl, "control.Parse", "malformed REQ id")
	}

	rest := body[sep+1:]
	if rest == "" {
		return Message{Kind: KindREQ, TransferID: id, Indices: nil}, nil
	}
	fields := strings.Split(rest, ",")
	indices := make([]uint8, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil || n < 0 || n > 255 {
			return Message{}, xerrors.New(xerrors.KindUnknownControl, "control.Parse", "malformed REQ index").
				WithContext("field", f)
		}
		indices = append(indices, uint8(n))
	}
	return Message{Kind: KindREQ, TransferID: id, Indices: indices}, nil
}

func parseHexID(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
