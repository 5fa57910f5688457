package upstream

import (
	"context"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/oathar/demand-cli/proxystate"
	"github.com/oathar/demand-cli/sv2wire"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2024, time.April, 20, 12, 0, 0, 0, time.UTC)

// recordingDownstream collects every message routed to it.
type recordingDownstream struct {
	msgs chan sv2wire.Message
}

func (r *recordingDownstream) HandleUpstreamMessage(_ context.Context,
	msg sv2wire.Message) error {

	r.msgs <- msg
	return nil
}

// TestNewValidation checks the constructor arguments.
func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(8, nil, nil)
	require.ErrorIs(t, err, ErrNilSender)

	u, err := New(8, make(chan sv2wire.Message), nil)
	require.NoError(t, err)
	require.EqualValues(t, 8, u.MinExtranonceSize())

	_, err = u.ParseIncoming(testingContext(t), nil)
	require.ErrorIs(t, err, ErrNilReceiver)
}

// TestParseIncoming routes pool messages to the attached downstream, counts
// share results and marks the upstream down once the pool goes away.
func TestParseIncoming(t *testing.T) {
	proxystate.Global().Reset()
	defer proxystate.Global().Reset()

	testClock := clock.NewTestClock(testTime)
	u, err := New(8, make(chan sv2wire.Message), testClock)
	require.NoError(t, err)

	down := &recordingDownstream{msgs: make(chan sv2wire.Message, 4)}
	u.SetDownstream(down)

	recv := make(chan sv2wire.Message)
	task, err := u.ParseIncoming(testingContext(t), recv)
	require.NoError(t, err)

	_, err = u.ParseIncoming(testingContext(t), recv)
	require.Error(t, err)

	success := &sv2wire.SubmitSharesSuccess{NewSubmitsAcceptedCount: 3}
	recv <- success
	recv <- &sv2wire.SubmitSharesError{ErrorCode: "difficulty-too-low"}

	require.Equal(t, success, <-down.msgs)
	require.IsType(t, &sv2wire.SubmitSharesError{}, <-down.msgs)

	stats := u.Stats()
	require.EqualValues(t, 3, stats.Accepted)
	require.EqualValues(t, 1, stats.Rejected)
	require.True(t, testTime.Equal(stats.LastAccept))

	close(recv)

	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("parser did not stop on closed channel")
	}
	require.NoError(t, task.Err())
	require.Equal(t, proxystate.StatusDown,
		proxystate.Global().Snapshot().Upstream)
}

// TestSendRespectsContext makes sure a send to a stalled pool can be
// cancelled.
func TestSendRespectsContext(t *testing.T) {
	t.Parallel()

	u, err := New(8, make(chan sv2wire.Message), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(testingContext(t), 20*time.Millisecond)
	defer cancel()

	err = u.Send(ctx, &sv2wire.SubmitSharesExtended{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
