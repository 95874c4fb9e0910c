package receiver_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/loramesh/imgtransport/config"
	"github.com/loramesh/imgtransport/control"
	"github.com/loramesh/imgtransport/frame"
	"github.com/loramesh/imgtransport/metrics"
	"github.com/loramesh/imgtransport/payload"
	"github.com/loramesh/imgtransport/progress"
	"github.com/loramesh/imgtransport/receiver"
	"github.com/loramesh/imgtransport/xerrors"
)

type recordingSink struct {
	mu        sync.Mutex
	completed [][]byte
	failed    []error
}

func (s *recordingSink) OnProgress(progress.Snapshot) {}
func (s *recordingSink) OnComplete(peerID string, transferID uint32, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, data)
}
func (s *recordingSink) OnFailed(peerID string, transferID uint32, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, err)
}

type recordingCtrl struct {
	mu       sync.Mutex
	messages []string
}

func (c *recordingCtrl) SendControl(ctx context.Context, peerID string, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message)
	return nil
}

func splitChunks(raw []byte, dataPerChunk int, transferID uint32) []frame.Chunk {
	crc := payload.CRC32(raw)
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
				CRC32:       crc,
				TotalSize:   uint32(len(raw)),
			},
			Data: raw[start:end],
		})
	}
	return chunks
}

func TestHandleFrameAssemblesAndSendsOK(t *testing.T) {
	cfg := config.Default()
	sink := &recordingSink{}
	ctrl := &recordingCtrl{}
	eng := receiver.New(cfg, ctrl, sink, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	raw := []byte("full image payload reassembled from many small chunks")
	chunks := splitChunks(raw, 10, 99)
	for _, c := range chunks {
		buf, err := frame.Encode(c.Header, c.Data, cfg.MaxFrame)
		require.NoError(t, err)
		require.NoError(t, eng.HandleFrame("peer-a", buf))
	}

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.completed) == 1
	}, time.Second, time.Millisecond)

	sink.mu.Lock()
	require.Equal(t, raw, sink.completed[0])
	sink.mu.Unlock()

	require.Eventually(t, func() bool {
		ctrl.mu.Lock()
		defer ctrl.mu.Unlock()
		return len(ctrl.messages) > 0
	}, time.Second, time.Millisecond)

	ctrl.mu.Lock()
	msg, err := control.Parse(ctrl.messages[0])
	ctrl.mu.Unlock()
	require.NoError(t, err)
	require.Equal(t, control.KindOK, msg.Kind)
}

func TestHandleFrameRejectsMalformedData(t *testing.T) {
	cfg := config.Default()
	eng := receiver.New(cfg, nil, nil, nil, nil)
	err := eng.HandleFrame("peer-a", []byte{0x00, 0x01})
	require.Error(t, err)
}

func TestDuplicateChunkDoesNotCompleteTwice(t *testing.T) {
	cfg := config.Default()
	sink := &recordingSink{}
	eng := receiver.New(cfg, &recordingCtrl{}, sink, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	raw := []byte("short")
	chunks := splitChunks(raw, 3, 5)
	for _, c := range chunks {
		buf, _ := frame.Encode(c.Header, c.Data, cfg.MaxFrame)
		require.NoError(t, eng.HandleFrame("peer-a", buf))
	}
	// resend the first chunk again as a duplicate.
	buf, _ := frame.Encode(chunks[0].Header, chunks[0].Data, cfg.MaxFrame)
	require.NoError(t, eng.HandleFrame("peer-a", buf))

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.completed) == 1
	}, time.Second, time.Millisecond)
}

// TestBitFlipCausesCRCMismatchNeverCompletes is spec.md section 8's
// invariant 4: flipping a single bit in any chunk's payload must surface
// on_failure(CrcMismatch) and never on_complete.
func TestBitFlipCausesCRCMismatchNeverCompletes(t *testing.T) {
	cfg := config.Default()
	sink := &recordingSink{}
	eng := receiver.New(cfg, &recordingCtrl{}, sink, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	raw := []byte("bit flip corrupts this payload before it reaches the wire")
	chunks := splitChunks(raw, 12, 777)
	for i, c := range chunks {
		data := append([]byte(nil), c.Data...)
		if i == 0 {
			data[0] ^= 0x01
		}
		buf, err := frame.Encode(c.Header, data, cfg.MaxFrame)
		require.NoError(t, err)
		require.NoError(t, eng.HandleFrame("peer-a", buf))
	}

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.failed) == 1
	}, time.Second, time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Empty(t, sink.completed)
	kind, ok := xerrors.KindOf(sink.failed[0])
	require.True(t, ok)
	require.Equal(t, xerrors.KindCrcMismatch, kind)
}

// TestDuplicateChunkCountIsIdempotentProperty is spec.md section 8's
// invariant 2: delivering each frame k times (k in [1,5]) still yields a
// single on_complete with the right bytes, and the duplicate counter equals
// sum(k_i-1).
func TestDuplicateChunkCountIsIdempotentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("duplicate count equals sum(k_i-1), completes exactly once", prop.ForAll(
		func(repeats []int) bool {
			cfg := config.Default()
			reg := prometheus.NewRegistry()
			mr := metrics.NewRegistry(reg)
			sink := &recordingSink{}
			eng := receiver.New(cfg, &recordingCtrl{}, sink, mr, nil)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go eng.Run(ctx)

			raw := bytes.Repeat([]byte("z"), 10*len(repeats))
			chunks := splitChunks(raw, 10, 4242)

			wantDuplicates := 0
			for i, c := range chunks {
				buf, err := frame.Encode(c.Header, c.Data, cfg.MaxFrame)
				if err != nil {
					return false
				}
				for n := 0; n < repeats[i]; n++ {
					if err := eng.HandleFrame("peer-a", buf); err != nil {
						return false
					}
				}
				wantDuplicates += repeats[i] - 1
			}

			deadline := time.Now().Add(time.Second)
			for time.Now().Before(deadline) {
				sink.mu.Lock()
				n := len(sink.completed)
				sink.mu.Unlock()
				if n == 1 {
					break
				}
				time.Sleep(time.Millisecond)
			}

			sink.mu.Lock()
			defer sink.mu.Unlock()
			if len(sink.completed) != 1 || !bytes.Equal(sink.completed[0], raw) {
				return false
			}
			return int(testutil.ToFloat64(mr.DuplicateChunks)) == wantDuplicates
		},
		gen.SliceOfN(5, gen.IntRange(1, 5)),
	))

	properties.TestingRun(t)
}

// TestStaleBufferTransitionsActiveTimeoutThenDeleted is spec.md section 8's
// literal "Stale buffer" scenario, scaled down: a buffer idle past
// TransferTimeout is neither completed nor reported failed yet (it only
// moves to the timeout status internally); idle past 2*TransferTimeout it is
// finally deleted and reported failed.
func TestStaleBufferTransitionsActiveTimeoutThenDeleted(t *testing.T) {
	cfg := config.Default()
	cfg.TransferTimeout = 50 * time.Millisecond
	cfg.StallRequestTimeout = 5 * time.Millisecond
	cfg.StallCheckInterval = 5 * time.Millisecond
	sink := &recordingSink{}
	eng := receiver.New(cfg, &recordingCtrl{}, sink, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	raw := make([]byte, 400) // 40 chunks of 10 bytes
	chunks := splitChunks(raw, 10, 909)
	for _, c := range chunks[:30] { // 30 of 40, matching the literal scenario
		buf, err := frame.Encode(c.Header, c.Data, cfg.MaxFrame)
		require.NoError(t, err)
		require.NoError(t, eng.HandleFrame("peer-a", buf))
	}

	time.Sleep(70 * time.Millisecond) // past TransferTimeout, short of 2x
	sink.mu.Lock()
	require.Empty(t, sink.completed)
	require.Empty(t, sink.failed)
	sink.mu.Unlock()

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.failed) == 1
	}, time.Second, 5*time.Millisecond)
}
