package memory

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudransh-shrivastava/peer-mesh/internal/transport"
)

func connectPair(t *testing.T, n *Network) (*Session, *Session) {
	t.Helper()
	ctx := context.Background()

	a, b := n.Open(), n.Open()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	offer, err := a.CreateOffer(ctx)
	require.NoError(t, err)
	answer, err := b.CreateAnswer(ctx, offer)
	require.NoError(t, err)
	require.NoError(t, a.ApplyAnswer(answer))
	return a, b
}

func nextEvent(t *testing.T, s *Session, kind transport.EventKind) transport.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

func TestPairingOpensPrimaryChannel(t *testing.T) {
	a, b := connectPair(t, NewNetwork())

	evA := nextEvent(t, a, transport.EventChannelOpen)
	evB := nextEvent(t, b, transport.EventChannelOpen)
	assert.Equal(t, transport.PrimaryLabel, evA.Label)
	assert.Equal(t, transport.PrimaryLabel, evB.Label)
	assert.NotNil(t, a.Channel())
	assert.NotNil(t, b.Channel())
}

func TestAnswerForUnknownOffer(t *testing.T) {
	n := NewNetwork()
	s := n.Open()

	_, err := s.CreateAnswer(context.Background(), transport.Description{Type: transport.SDPOffer, SDP: "mem-offer-404"})
	assert.ErrorIs(t, err, transport.ErrUnknownDescription)
}

func TestAnswerAppliedByWrongSession(t *testing.T) {
	n := NewNetwork()
	ctx := context.Background()
	a, b, c := n.Open(), n.Open(), n.Open()

	offer, err := a.CreateOffer(ctx)
	require.NoError(t, err)
	answer, err := b.CreateAnswer(ctx, offer)
	require.NoError(t, err)

	assert.ErrorIs(t, c.ApplyAnswer(answer), transport.ErrUnknownDescription)
	assert.NoError(t, a.ApplyAnswer(answer))
}

func TestFramesArriveInOrder(t *testing.T) {
	a, b := connectPair(t, NewNetwork())
	nextEvent(t, a, transport.EventChannelOpen)

	ch := a.Channel()
	require.NoError(t, ch.SendText("one"))
	require.NoError(t, ch.Send([]byte{2}))
	require.NoError(t, ch.SendText("three"))

	first := nextEvent(t, b, transport.EventMessage)
	second := nextEvent(t, b, transport.EventMessage)
	third := nextEvent(t, b, transport.EventMessage)

	assert.Equal(t, "one", string(first.Data))
	assert.True(t, first.IsText)
	assert.Equal(t, []byte{2}, second.Data)
	assert.False(t, second.IsText)
	assert.Equal(t, "three", string(third.Data))
}

func TestCloseDeliversQueuedFramesFirst(t *testing.T) {
	n := NewNetwork()
	a, b := connectPair(t, n)
	nextEvent(t, a, transport.EventChannelOpen)
	nextEvent(t, b, transport.EventChannelOpen)

	n.SetDeliveryDelay(5 * time.Millisecond)
	require.NoError(t, a.Channel().SendText("bye"))
	require.NoError(t, a.Close())

	msg := nextEvent(t, b, transport.EventMessage)
	assert.Equal(t, "bye", string(msg.Data))
	closed := nextEvent(t, b, transport.EventChannelClose)
	assert.Equal(t, transport.PrimaryLabel, closed.Label)

	assert.Error(t, b.Channel().SendText("late"))
}

func TestBufferedAmountLowCallback(t *testing.T) {
	n := NewNetwork()
	a, _ := connectPair(t, n)
	nextEvent(t, a, transport.EventChannelOpen)

	var fired atomic.Int32
	ch := a.Primary()
	ch.SetBufferedAmountLowThreshold(10)
	ch.OnBufferedAmountLow(func() { fired.Add(1) })

	n.SetDeliveryDelay(5 * time.Millisecond)
	for i := 0; i < 4; i++ {
		require.NoError(t, ch.Send(make([]byte, 8)))
	}

	require.Eventually(t, func() bool { return ch.BufferedAmount() == 0 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
	assert.GreaterOrEqual(t, ch.Peak(), uint64(16))
}

func TestInboundFilterDropsFrames(t *testing.T) {
	a, b := connectPair(t, NewNetwork())
	nextEvent(t, a, transport.EventChannelOpen)

	b.SetInboundFilter(func(data []byte, isText bool) bool {
		return isText && string(data) == "drop"
	})

	require.NoError(t, a.Channel().SendText("drop"))
	require.NoError(t, a.Channel().SendText("keep"))

	msg := nextEvent(t, b, transport.EventMessage)
	assert.Equal(t, "keep", string(msg.Data))
}

func TestOpenChannelAnnouncesToRemote(t *testing.T) {
	a, b := connectPair(t, NewNetwork())
	nextEvent(t, a, transport.EventChannelOpen)

	ch, err := a.OpenChannel("diagnostics")
	require.NoError(t, err)
	assert.Equal(t, "diagnostics", ch.Label())

	ev := nextEvent(t, b, transport.EventDataChannel)
	assert.Equal(t, "diagnostics", ev.Label)

	require.NoError(t, ch.SendText("probe"))
	msg := nextEvent(t, b, transport.EventMessage)
	assert.Equal(t, "diagnostics", msg.Label)
}

func TestOpenChannelBeforeConnect(t *testing.T) {
	s := NewNetwork().Open()
	_, err := s.OpenChannel("diagnostics")
	assert.ErrorIs(t, err, transport.ErrChannelNotOpen)
}
