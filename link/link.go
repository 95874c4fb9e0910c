// Package link defines the datagram transport boundary the sender and
// receiver engines run on top of, and provides an in-memory driver for
// tests and local composition. A production driver adapts a physical LoRa
// radio or Meshtastic node to this same interface; the demo command wires
// one over IP multicast instead, since a real radio isn't available at
// build time.
package link

import (
	"context"
	"sync"

	"github.com/loramesh/imgtransport/xerrors"
)

// Message is a single inbound datagram plus the identity of its sender.
type Message struct {
	PeerID string
	Data   []byte
}

// Driver is the single-writer, subscribable transport a session runs on.
// Implementations must serialize concurrent Send calls themselves if the
// underlying medium requires it (a shared radio channel, for instance).
type Driver interface {
	// Send transmits data to peerID. An empty peerID means broadcast.
	Send(ctx context.Context, peerID string, data []byte) error
	// Subscribe registers a handler invoked for every inbound message.
	// Only one subscriber is expected; Subscribe replaces any prior one.
	Subscribe(handler func(Message))
	// Pause stops delivering inbound messages and rejects new sends,
	// mirroring the reference sender's pause_link/resume_link controls
	// used while a large transfer holds the channel.
	Pause()
	Resume()
	Close() error
}

// Loopback is an in-process Driver used by tests and the facade's own
// unit tests: every Send to a peer registered via WireTo is delivered
// straight to that peer's subscriber, optionally dropping or corrupting
// frames via a caller-supplied filter to simulate a lossy link. Broadcast is
// not supported: a Send to an unregistered peer ID, including "", fails
// with a LinkError.
type Loopback struct {
	mu       sync.Mutex
	handler  func(Message)
	paused   bool
	selfPeer string
	peers    map[string]Peer
	Filter   func(peerID string, data []byte) (deliver bool, mutated []byte)
}

// NewLoopback creates a Loopback driver identifying itself as selfPeer to
// its own subscriber (used when two Loopbacks are cross-wired to simulate
// two ends of a link).
func NewLoopback(selfPeer string) *Loopback {
	return &Loopback{selfPeer: selfPeer}
}

// Peer is the other end of a cross-wired pair; Deliver feeds a datagram
// from that peer into this driver's subscriber, as if received over the
// medium.
type Peer interface {
	Deliver(fromPeer string, data []byte)
}

var _ Peer = (*Loopback)(nil)

// Deliver invokes the current subscriber with a message from fromPeer,
// unless the driver is paused.
func (l *Loopback) Deliver(fromPeer string, data []byte) {
	l.mu.Lock()
	handler, paused := l.handler, l.paused
	l.mu.Unlock()
	if paused || handler == nil {
		return
	}
	handler(Message{PeerID: fromPeer, Data: data})
}

// Send hands data to the configured Filter (if any) and, when the medium
// accepts it, delivers it to peerID's Loopback via the wiring the caller
// set up externally (see WireTo).
func (l *Loopback) Send(ctx context.Context, peerID string, data []byte) error {
	l.mu.Lock()
	paused := l.paused
	peer := l.peers[peerID]
	filter := l.Filter
	l.mu.Unlock()

	if paused {
		return xerrors.New(xerrors.KindLinkError, "link.Loopback.Send", "link paused")
	}
	if filter != nil {
		ok, mutated := filter(peerID, data)
		if !ok {
			return nil
		}
		data = mutated
	}
	if peer == nil {
		return xerrors.New(xerrors.KindLinkError, "link.Loopback.Send", "unknown peer").
			WithContext("peer_id", peerID)
	}
	select {
	case <-ctx.Done():
		return xerrors.Wrap(ctx.Err(), xerrors.KindCancelled, "link.Loopback.Send", "context cancelled")
	default:
	}
	peer.Deliver(l.selfPeer, data)
	return nil
}

// WireTo connects l to peer under peerID, so future Send(ctx, peerID, ...)
// calls deliver to it.
func (l *Loopback) WireTo(peerID string, peer Peer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.peers == nil {
		l.peers = make(map[string]Peer)
	}
	l.peers[peerID] = peer
}

func (l *Loopback) Subscribe(handler func(Message)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = handler
}

func (l *Loopback) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = true
}

func (l *Loopback) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = false
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = nil
	return nil
}
