// Package receiver implements the inbound side of a transfer: dispatching
// arriving frames and control messages into per-(peer, transfer_id)
// reassembly buffers, running a periodic stall sweep that emits REQ
// retransmission requests, and sending OK acknowledgments (repeated a
// few times, per spec section 4.7) once a transfer completes.
//
// All buffer-map mutation runs through a single actor goroutine consuming
// a command channel, the same shape as the reference client's AckManager:
// one map, one goroutine, callers talk to it only through channel sends.
package receiver

import (
	"context"
	"time"

	"github.com/loramesh/imgtransport/config"
	"github.com/loramesh/imgtransport/control"
	"github.com/loramesh/imgtransport/frame"
	"github.com/loramesh/imgtransport/metrics"
	"github.com/loramesh/imgtransport/progress"
	"github.com/loramesh/imgtransport/telemetry"
	"github.com/loramesh/imgtransport/xbuffer"
	"github.com/loramesh/imgtransport/xerrors"
)

// key identifies one transfer buffer by its owning peer and transfer id.
type key struct {
	PeerID     string
	TransferID uint32
}

// Sink receives progress and terminal notifications for transfers this
// engine is reassembling.
type Sink interface {
	OnProgress(snapshot progress.Snapshot)
	OnComplete(peerID string, transferID uint32, data []byte)
	OnFailed(peerID string, transferID uint32, err error)
}

// ControlSender transmits a rendered control message (an "OK:..." or
// "REQ:..." string) back to peerID. It shares the driver used for data
// frames, mirroring the protocol's shared data-port design.
type ControlSender interface {
	SendControl(ctx context.Context, peerID string, message string) error
}

type completion struct {
	completedAt time.Time
}

type frameCmd struct {
	peerID string
	chunk  frame.Chunk
}

type sweepCmd struct{}

// Engine is the single-actor receiver: HandleFrame and the internal stall
// sweep both funnel through Run(), so buffer map access never needs a
// mutex.
type Engine struct {
	cfg     config.Config
	ctrl    ControlSender
	sink    Sink
	metrics *metrics.Registry
	log     *telemetry.Logger
	clock   func() time.Time

	frames  chan frameCmd
	sweep   chan sweepCmd
	stopped chan struct{}

	buffers   map[key]*xbuffer.TransferBuffer
	completed map[key]completion
}

// New creates an Engine. metrics and log may be nil.
func New(cfg config.Config, ctrl ControlSender, sink Sink, mr *metrics.Registry, log *telemetry.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		ctrl:      ctrl,
		sink:      sink,
		metrics:   mr,
		log:       log,
		clock:     time.Now,
		frames:    make(chan frameCmd, 64),
		sweep:     make(chan sweepCmd, 1),
		stopped:   make(chan struct{}),
		buffers:   make(map[key]*xbuffer.TransferBuffer),
		completed: make(map[key]completion),
	}
}

// Run starts the actor loop and the periodic stall sweeper. It blocks
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.StallCheckInterval)
	defer ticker.Stop()
	defer close(e.stopped)

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.frames:
			e.handleFrame(ctx, cmd.peerID, cmd.chunk)
		case <-ticker.C:
			e.checkStalled(ctx)
		}
	}
}

// HandleFrame is the entry point a link subscriber calls for a frame it
// has already identified as binary (control.IsControl returned false): the
// frame is decoded and queued for the actor. Control text is not handled
// here, since OK/REQ on the data port target the sender side.
func (e *Engine) HandleFrame(peerID string, raw []byte) error {
	c, err := frame.Decode(raw)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RejectedChunks.Inc()
		}
		return err
	}
	select {
	case e.frames <- frameCmd{peerID: peerID, chunk: c}:
		return nil
	default:
		return xerrors.New(xerrors.KindLinkError, "receiver.HandleFrame", "actor inbox full")
	}
}

func (e *Engine) handleFrame(ctx context.Context, peerID string, c frame.Chunk) {
	k := key{PeerID: peerID, TransferID: c.TransferID}

	if comp, ok := e.completed[k]; ok {
		if e.clock().Sub(comp.completedAt) < e.cfg.CompletedRetention {
			if e.metrics != nil {
				e.metrics.DuplicateChunks.Inc()
			}
			e.sendOK(ctx, peerID, c.TransferID)
			return
		}
		delete(e.completed, k)
	}

	buf, ok := e.buffers[k]
	if !ok {
		if c.TotalSize > e.cfg.MaxDeclaredSize {
			if e.log != nil {
				e.log.Warn("rejecting transfer with unrealistic declared size", map[string]any{"peer_id": peerID, "transfer_id": c.TransferID, "total_size": c.TotalSize})
			}
			return
		}
		buf = xbuffer.New(c.Header, e.clock())
		e.buffers[k] = buf
	}

	result := buf.Insert(c, e.clock())
	switch result {
	case xbuffer.InsertDuplicate:
		if e.metrics != nil {
			e.metrics.DuplicateChunks.Inc()
		}
	case xbuffer.InsertRejected:
		if e.metrics != nil {
			e.metrics.RejectedChunks.Inc()
		}
		return
	case xbuffer.InsertNew:
		if e.metrics != nil {
			e.metrics.ChunksReceived.Inc()
		}
	}

	e.emitProgress(k, buf, "")

	if buf.IsComplete() {
		e.completeTransfer(ctx, k, buf)
	}
}

func (e *Engine) completeTransfer(ctx context.Context, k key, buf *xbuffer.TransferBuffer) {
	data, err := buf.Assemble()
	if err != nil {
		// CRC/decompress failure: keep the buffer around (as timed out,
		// not completed) so a retransmitted chunk still lands somewhere
		// real instead of drawing a false OK from the completed-transfer
		// short-circuit in handleFrame.
		buf.MarkTimedOut()
		if e.metrics != nil {
			kind, _ := xerrors.KindOf(err)
			e.metrics.AssembleErrors.WithLabelValues(string(kind)).Inc()
		}
		if e.sink != nil {
			e.sink.OnFailed(k.PeerID, k.TransferID, err)
		}
		return
	}

	delete(e.buffers, k)
	e.completed[k] = completion{completedAt: e.clock()}

	if e.metrics != nil {
		e.metrics.AssembledBytes.Add(float64(len(data)))
	}
	if e.sink != nil {
		e.sink.OnComplete(k.PeerID, k.TransferID, data)
	}
	e.sendOK(ctx, k.PeerID, k.TransferID)
}

// checkStalled sweeps every buffer, implementing spec section 4.4's
// two-phase idle lifecycle: an active buffer idle past StallRequestTimeout
// gets a REQ for its missing chunks; one idle past TransferTimeout
// transitions to timeout (kept around, no longer solicited); one already in
// timeout and idle past 2*TransferTimeout is finally deleted.
func (e *Engine) checkStalled(ctx context.Context) {
	now := e.clock()
	for k, buf := range e.buffers {
		idle := now.Sub(buf.LastActivity())

		if buf.Status() == xbuffer.StatusTimeout {
			if idle > 2*e.cfg.TransferTimeout {
				delete(e.buffers, k)
				if e.metrics != nil {
					e.metrics.TransfersTimeout.Inc()
				}
				if e.sink != nil {
					e.sink.OnFailed(k.PeerID, k.TransferID, xerrors.New(xerrors.KindTimeout, "receiver.checkStalled", "timed-out transfer exceeded retention window"))
				}
			}
			continue
		}

		if idle > e.cfg.TransferTimeout {
			buf.MarkTimedOut()
			if e.log != nil {
				e.log.Warn("transfer buffer idle past timeout", map[string]any{"peer_id": k.PeerID, "transfer_id": k.TransferID, "idle": idle.String(), "received": buf.ReceivedCount(), "total_chunks": buf.TotalChunks})
			}
			continue
		}

		if idle < e.cfg.StallRequestTimeout {
			continue
		}

		sample, total := buf.MissingSample(20)
		if total == 0 {
			continue
		}
		if e.metrics != nil {
			e.metrics.ReqSent.Inc()
		}
		if e.log != nil {
			e.log.Debug("requesting retransmission", map[string]any{"peer_id": k.PeerID, "transfer_id": k.TransferID, "missing_sample": sample, "missing_total": total})
		}
		for _, msg := range control.BatchREQ(k.TransferID, buf.Missing(), e.cfg.MaxFrame) {
			if e.ctrl != nil {
				_ = e.ctrl.SendControl(ctx, k.PeerID, msg)
			}
		}
		e.emitProgress(k, buf, "")
	}

	for k, comp := range e.completed {
		if now.Sub(comp.completedAt) >= e.cfg.CompletedRetention {
			delete(e.completed, k)
		}
	}

	if e.metrics != nil {
		e.metrics.ActiveTransfers.Set(float64(len(e.buffers)))
	}
}

func (e *Engine) sendOK(ctx context.Context, peerID string, transferID uint32) {
	if e.ctrl == nil {
		return
	}
	msg := control.FormatOK(transferID)
	go func() {
		for i := 0; i < e.cfg.OKRepeatCount; i++ {
			_ = e.ctrl.SendControl(ctx, peerID, msg)
			if i < e.cfg.OKRepeatCount-1 {
				time.Sleep(e.cfg.OKRepeatSpacing)
			}
		}
	}()
}

func (e *Engine) emitProgress(k key, buf *xbuffer.TransferBuffer, label string) {
	if e.sink == nil {
		return
	}
	sample, total := buf.MissingSample(20)
	e.sink.OnProgress(progress.Snapshot{
		TransferID:     k.TransferID,
		TotalChunks:    int(buf.TotalChunks),
		ReceivedChunks: buf.ReceivedCount(),
		TotalBytes:     buf.TotalSize,
		MissingSample:  sample,
		MissingTotal:   total,
		Label:          label,
	})
}
