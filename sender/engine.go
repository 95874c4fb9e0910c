// Package sender implements the outbound side of a transfer: fragmenting
// a payload, pacing chunk sends through an adaptive rate controller, and
// driving each transfer's Fragmenting -> Sending -> Pacing -> AwaitingOK ->
// (Retransmit | Done | Failed) state machine from control-channel events,
// following the reference UDP client's worker-goroutine-plus-channel
// design (parserWorker/retransmissionWorker/ackListener) but collapsed
// into one goroutine per transfer talking over a private control inbox
// instead of shared maps guarded by ad hoc locks. Of the transfer.State
// values, the engine records only StateSending (when the goroutine starts)
// and StateDone/StateFailed (at the end); the intermediate stages are not
// written to Transfer.State.
package sender

import (
	"context"
	"sync"
	"time"

	"github.com/loramesh/imgtransport/config"
	"github.com/loramesh/imgtransport/control"
	"github.com/loramesh/imgtransport/frame"
	"github.com/loramesh/imgtransport/link"
	"github.com/loramesh/imgtransport/metrics"
	"github.com/loramesh/imgtransport/payload"
	"github.com/loramesh/imgtransport/ratectl"
	"github.com/loramesh/imgtransport/telemetry"
	"github.com/loramesh/imgtransport/transfer"
	"github.com/loramesh/imgtransport/xerrors"
)

// CompressMode selects whether a Send attempts compression.
type CompressMode int

const (
	CompressAuto CompressMode = iota
	CompressNever
)

// Options customizes a single Send call.
type Options struct {
	Compress CompressMode
	Label    string
}

// CtrlKind identifies the kind of control event delivered to a transfer's
// goroutine.
type CtrlKind int

const (
	CtrlOK CtrlKind = iota
	CtrlREQ
)

// CtrlEvent is a decoded control-channel message routed to the transfer it
// names.
type CtrlEvent struct {
	Kind    CtrlKind
	Indices []uint8
}

// Outcome is the terminal result of one transfer, delivered on a Handle's
// Done channel exactly once.
type Outcome struct {
	TransferID uint32
	Transfer   *transfer.Transfer
	Success    bool
	Err        error
}

// Handle lets a caller await the result of a Send.
type Handle struct {
	TransferID uint32
	Done       <-chan Outcome
}

// Engine drives outbound transfers over a link.Driver, pacing sends through
// a ratectl.Controller and reacting to inbound OK/REQ control events.
type Engine struct {
	cfg     config.Config
	driver  link.Driver
	pacer   *ratectl.Controller
	metrics *metrics.Registry
	log     *telemetry.Logger

	mu      sync.Mutex
	inboxes map[uint32]chan CtrlEvent
}

// New creates an Engine. metrics may be nil to disable instrumentation.
func New(cfg config.Config, driver link.Driver, pacer *ratectl.Controller, mr *metrics.Registry, log *telemetry.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		driver:  driver,
		pacer:   pacer,
		metrics: mr,
		log:     log,
		inboxes: make(map[uint32]chan CtrlEvent),
	}
}

// Dispatch routes a decoded control message to the transfer it names, if
// one is in flight. Unrecognized transfer IDs are dropped silently: a
// control message can legitimately arrive after a transfer has already
// finished (spec section 4.8's late-OK handling on the receiver mirrors
// the same tolerance here).
func (e *Engine) Dispatch(msg control.Message) {
	e.mu.Lock()
	ch, ok := e.inboxes[msg.TransferID]
	e.mu.Unlock()
	if !ok {
		return
	}
	ev := CtrlEvent{}
	switch msg.Kind {
	case control.KindOK:
		ev.Kind = CtrlOK
	case control.KindREQ:
		ev.Kind = CtrlREQ
		ev.Indices = msg.Indices
	}
	select {
	case ch <- ev:
	default:
		// transfer's goroutine is behind; a dropped REQ/OK is recovered by
		// the next stall sweep or repeated OK send on the receiver side.
	}
}

// Send fragments data, transmits every chunk to peerID, and returns a
// Handle whose Done channel receives the eventual Outcome. Send returns
// once the payload is encoded and fragmented; every chunk transmission
// happens on the transfer's background goroutine.
func (e *Engine) Send(ctx context.Context, peerID string, data []byte, opts Options) (*Handle, error) {
	transferID := NewTransferID()

	tryCompress := opts.Compress != CompressNever
	enc, err := payload.ChooseEncoding(data, tryCompress, e.cfg.CompressionSavingsThreshold)
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindDecompressError, "sender.Send", "encode payload")
	}

	chunks := Fragment(enc, transferID, e.cfg.DataPerChunk())
	tr := transfer.New(transferID, peerID, uint8(len(chunks)), time.Now())

	ctrlCh := make(chan CtrlEvent, 16)
	e.mu.Lock()
	e.inboxes[transferID] = ctrlCh
	e.mu.Unlock()

	done := make(chan Outcome, 1)
	go e.run(ctx, tr, chunks, peerID, ctrlCh, done)

	return &Handle{TransferID: transferID, Done: done}, nil
}

func (e *Engine) cleanup(transferID uint32) {
	e.mu.Lock()
	delete(e.inboxes, transferID)
	e.mu.Unlock()
}

func (e *Engine) run(ctx context.Context, tr *transfer.Transfer, chunks []frame.Chunk, peerID string, ctrlCh chan CtrlEvent, done chan Outcome) {
	defer e.cleanup(tr.TransferID)

	tr.State = transfer.StateSending

	if !e.sendChunks(ctx, tr, chunks, peerID) {
		e.finish(tr, done, false, xerrors.New(xerrors.KindLinkError, "sender.run", "initial send failed"))
		return
	}

	// awaitingOKTimeouts counts local AwaitingOK-wait expirations (not
	// REQ-driven retransmits): spec section 4.5 step 5 allows the first one
	// to extend the wait with a retransmit, and fails outright on the
	// second.
	awaitingOKTimeouts := 0

	for {
		timeout := e.cfg.AdaptiveTransferTimeout(int(tr.TotalChunks), e.pacer.Delay())
		select {
		case <-ctx.Done():
			e.finish(tr, done, false, xerrors.Wrap(ctx.Err(), xerrors.KindCancelled, "sender.run", "cancelled"))
			return

		case ev := <-ctrlCh:
			switch ev.Kind {
			case CtrlOK:
				tr.MarkAllAcked()
				e.finish(tr, done, true, nil)
				return
			case CtrlREQ:
				if len(ev.Indices) == 0 {
					continue
				}
				tr.MarkAckedExcept(ev.Indices)
				retryable := e.filterRetryable(tr, ev.Indices)
				if len(retryable) == 0 {
					e.finish(tr, done, false, xerrors.New(xerrors.KindTimeout, "sender.run", "max retries exhausted"))
					return
				}
				subset := selectChunks(chunks, retryable)
				if !e.sendChunks(ctx, tr, subset, peerID) {
					e.finish(tr, done, false, xerrors.New(xerrors.KindLinkError, "sender.run", "retransmit send failed"))
					return
				}
			}

		case <-time.After(timeout):
			pending := tr.Pending()
			if len(pending) == 0 {
				e.finish(tr, done, true, nil)
				return
			}
			awaitingOKTimeouts++
			if awaitingOKTimeouts > 1 {
				e.finish(tr, done, false, xerrors.New(xerrors.KindTimeout, "sender.run", "awaiting-ok timed out twice"))
				return
			}
			retryable := e.filterRetryable(tr, pending)
			if len(retryable) == 0 {
				e.finish(tr, done, false, xerrors.New(xerrors.KindTimeout, "sender.run", "transfer timed out, retries exhausted"))
				return
			}
			subset := selectChunks(chunks, retryable)
			if !e.sendChunks(ctx, tr, subset, peerID) {
				e.finish(tr, done, false, xerrors.New(xerrors.KindLinkError, "sender.run", "timeout retransmit failed"))
				return
			}
		}
	}
}

// filterRetryable keeps only in-range indices that have not exceeded
// MaxRetries, bumping each survivor's retry counter. An index naming no
// chunk in this transfer (an out-of-range REQ, whether malformed or from
// a misbehaving peer) is ignored rather than acted on, per spec section
// 4.5 item 4.
func (e *Engine) filterRetryable(tr *transfer.Transfer, indices []uint8) []uint8 {
	out := make([]uint8, 0, len(indices))
	for _, idx := range indices {
		if idx >= tr.TotalChunks {
			continue
		}
		retries := tr.MarkRetry(idx)
		if retries < 0 || retries > e.cfg.MaxRetries {
			continue
		}
		out = append(out, idx)
	}
	return out
}

func selectChunks(chunks []frame.Chunk, indices []uint8) []frame.Chunk {
	set := make(map[uint8]bool, len(indices))
	for _, i := range indices {
		set[i] = true
	}
	out := make([]frame.Chunk, 0, len(indices))
	for _, c := range chunks {
		if set[c.ChunkIndex] {
			out = append(out, c)
		}
	}
	return out
}

// sendChunks transmits every chunk in order, retrying a chunk whose send
// fails with the reference client's exponential backoff schedule
// (InitialRetryDelay * 2^attempt, up to MaxRetries attempts) before giving
// up on it and moving to the next. It returns false only when ctx is
// cancelled; a chunk that exhausts its own retries is simply left unacked
// for the outer REQ/timeout retransmit loop to pick up later.
func (e *Engine) sendChunks(ctx context.Context, tr *transfer.Transfer, chunks []frame.Chunk, peerID string) bool {
	for _, c := range chunks {
		if !e.sendChunkWithRetry(ctx, tr, c, peerID) && ctx.Err() != nil {
			return false
		}
	}
	return true
}

func (e *Engine) sendChunkWithRetry(ctx context.Context, tr *transfer.Transfer, c frame.Chunk, peerID string) bool {
	buf, err := frame.Encode(c.Header, c.Data, e.cfg.MaxFrame)
	if err != nil {
		e.pacer.RecordOutcome(false)
		if e.log != nil {
			e.log.Warn("dropping unencodable chunk", map[string]any{"transfer_id": tr.TransferID, "chunk_index": c.ChunkIndex, "error": err.Error()})
		}
		return false
	}

	for attempt := 0; ; attempt++ {
		if err := e.pacer.Wait(ctx); err != nil {
			return false
		}

		sendErr := e.driver.Send(ctx, peerID, buf)
		e.pacer.RecordOutcome(sendErr == nil)
		tr.MarkSent(c.ChunkIndex, time.Now())
		if e.metrics != nil {
			if sendErr == nil {
				e.metrics.ChunksSent.Inc()
			} else {
				e.metrics.ChunksRetried.Inc()
			}
			e.metrics.CurrentDelay.Set(e.pacer.Delay().Seconds())
		}

		if sendErr == nil {
			return true
		}
		if e.log != nil {
			e.log.Warn("chunk send failed", map[string]any{"transfer_id": tr.TransferID, "chunk_index": c.ChunkIndex, "attempt": attempt, "error": sendErr.Error()})
		}
		if attempt >= e.cfg.MaxRetries {
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(BackoffDelay(e.cfg.InitialRetryDelay, attempt)):
		}
	}
}

func (e *Engine) finish(tr *transfer.Transfer, done chan Outcome, success bool, err error) {
	tr.Finish(stateFor(success), time.Now(), err)
	if e.metrics != nil {
		if success {
			e.metrics.TransfersOK.Inc()
		} else {
			e.metrics.TransfersFailed.Inc()
		}
	}
	done <- Outcome{TransferID: tr.TransferID, Transfer: tr, Success: success, Err: err}
}

func stateFor(success bool) transfer.State {
	if success {
		return transfer.StateDone
	}
	return transfer.StateFailed
}
