// Package imgtransport wires the sender, receiver, and control layers into
// a single running session over a link.Driver, the way the reference UDP
// client's Client type composes its worker goroutines around one socket.
// Session supervises the receiver's actor loop with golang.org/x/sync's
// errgroup so a panic or early exit in one goroutine is observable rather
// than silently leaking.
package imgtransport

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/loramesh/imgtransport/config"
	"github.com/loramesh/imgtransport/control"
	"github.com/loramesh/imgtransport/link"
	"github.com/loramesh/imgtransport/metrics"
	"github.com/loramesh/imgtransport/ratectl"
	"github.com/loramesh/imgtransport/receiver"
	"github.com/loramesh/imgtransport/sender"
	"github.com/loramesh/imgtransport/telemetry"
)

// Session owns one link.Driver and the sender/receiver engines running
// over it.
type Session struct {
	cfg      config.Config
	driver   link.Driver
	Sender   *sender.Engine
	Receiver *receiver.Engine
	log      *telemetry.Logger

	group  *errgroup.Group
	cancel context.CancelFunc
}

// controlAdapter lets receiver.Engine send control text back over the same
// link.Driver the session receives frames on.
type controlAdapter struct {
	driver link.Driver
}

func (a controlAdapter) SendControl(ctx context.Context, peerID string, message string) error {
	return a.driver.Send(ctx, peerID, []byte(message))
}

// New builds a Session with fresh sender/receiver engines over driver. sink
// receives receiver progress/completion callbacks; mr may be nil to skip
// metrics; log may be nil to skip logging.
func New(cfg config.Config, driver link.Driver, sink receiver.Sink, mr *metrics.Registry, log *telemetry.Logger) *Session {
	pacer := ratectl.New(ratectl.DefaultConfig(cfg.BaselineChunkDelay, cfg.MinChunkDelay, cfg.MaxChunkDelay))
	send := sender.New(cfg, driver, pacer, mr, log)
	recv := receiver.New(cfg, controlAdapter{driver: driver}, sink, mr, log)

	s := &Session{cfg: cfg, driver: driver, Sender: send, Receiver: recv, log: log}
	driver.Subscribe(s.onMessage)
	return s
}

func (s *Session) onMessage(m link.Message) {
	if control.IsControl(m.Data) {
		msg, err := control.Parse(string(m.Data))
		if err != nil {
			if s.log != nil {
				s.log.Warn("dropping malformed control message", map[string]any{"peer_id": m.PeerID, "error": err.Error()})
			}
			return
		}
		s.Sender.Dispatch(msg)
		return
	}

	if err := s.Receiver.HandleFrame(m.PeerID, m.Data); err != nil {
		if s.log != nil {
			s.log.Warn("dropping malformed data frame", map[string]any{"peer_id": m.PeerID, "error": err.Error()})
		}
	}
}

// Start launches the receiver's actor loop under ctx and returns
// immediately.
func (s *Session) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	group, groupCtx := errgroup.WithContext(runCtx)
	s.group = group
	group.Go(func() error {
		s.Receiver.Run(groupCtx)
		return nil
	})
}

// Send fragments and transmits data to peerID, returning a Handle to await
// its outcome.
func (s *Session) Send(ctx context.Context, peerID string, data []byte, opts sender.Options) (*sender.Handle, error) {
	return s.Sender.Send(ctx, peerID, data, opts)
}

// PauseLink stops the underlying driver from accepting sends or delivering
// inbound messages, mirroring the reference sender's pause_link control
// used while holding the channel for a large transfer.
func (s *Session) PauseLink() { s.driver.Pause() }

// ResumeLink resumes normal link operation.
func (s *Session) ResumeLink() { s.driver.Resume() }

// Close stops the session's background goroutines and closes the driver.
func (s *Session) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		_ = s.group.Wait()
	}
	return s.driver.Close()
}
