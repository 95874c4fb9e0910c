package transfer_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loramesh/imgtransport/transfer"
)

func TestNewTransferStartsAllPending(t *testing.T) {
	now := time.Unix(0, 0)
	tr := transfer.New(1, "peer-a", 5, now)
	require.Equal(t, transfer.StateFragmenting, tr.State)
	require.Len(t, tr.Pending(), 5)
	require.False(t, tr.AllAcked())
}

func TestMarkAckedTracksCompletion(t *testing.T) {
	now := time.Unix(0, 0)
	tr := transfer.New(1, "peer-a", 3, now)
	tr.MarkAcked(0)
	tr.MarkAcked(1)
	require.False(t, tr.AllAcked())
	tr.MarkAcked(2)
	require.True(t, tr.AllAcked())
	require.Empty(t, tr.Pending())
}

func TestMarkAllAckedCompletesImmediately(t *testing.T) {
	tr := transfer.New(1, "peer-a", 4, time.Unix(0, 0))
	tr.MarkAllAcked()
	require.True(t, tr.AllAcked())
}

func TestMarkRetryIncrements(t *testing.T) {
	tr := transfer.New(1, "peer-a", 2, time.Unix(0, 0))
	require.Equal(t, 1, tr.MarkRetry(0))
	require.Equal(t, 2, tr.MarkRetry(0))
}

func TestMarkRetryOnUnknownIndexReturnsSentinel(t *testing.T) {
	tr := transfer.New(1, "peer-a", 2, time.Unix(0, 0))
	require.Equal(t, -1, tr.MarkRetry(200))
}

func TestMarkSentOnUnknownIndexIsNoop(t *testing.T) {
	tr := transfer.New(1, "peer-a", 2, time.Unix(0, 0))
	require.NotPanics(t, func() { tr.MarkSent(200, time.Unix(1, 0)) })
}

func TestMarkAckedExceptAcksEverythingNotListed(t *testing.T) {
	tr := transfer.New(1, "peer-a", 4, time.Unix(0, 0))
	tr.MarkAckedExcept([]uint8{1, 3})
	require.ElementsMatch(t, []uint8{1, 3}, tr.Pending())
}

func TestFinishSetsTerminalState(t *testing.T) {
	tr := transfer.New(1, "peer-a", 2, time.Unix(0, 0))
	tr.Finish(transfer.StateFailed, time.Unix(10, 0), nil)
	require.Equal(t, transfer.StateFailed, tr.State)
	require.Equal(t, time.Unix(10, 0), tr.FinishedAt)
}
