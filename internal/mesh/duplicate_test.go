package mesh

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudransh-shrivastava/peer-mesh/internal/metrics"
	"github.com/rudransh-shrivastava/peer-mesh/internal/protocol"
	"github.com/rudransh-shrivastava/peer-mesh/internal/transport"
	"github.com/rudransh-shrivastava/peer-mesh/internal/transport/memory"
)

// recordingFactory hands out memory sessions and keeps them in creation
// order.
type recordingFactory struct {
	net *memory.Network

	mu       sync.Mutex
	sessions []*memory.Session
}

func (f *recordingFactory) NewSession() (transport.Session, error) {
	s := f.net.Open()
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	return s, nil
}

func (f *recordingFactory) session(i int) *memory.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[i]
}

func withFactory(f transport.Factory) func(*Options) {
	return func(o *Options) { o.Factory = f }
}

func dropIntroduce(data []byte, isText bool) bool {
	return isText && bytes.Contains(data, []byte(`"type":"introduce"`))
}

func heldCount(m *Manager) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.held {
			n++
		}
	}
	return n
}

func holding(m *Manager, peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.holds[peerID]
	return ok
}

// assertNoDrop fails if a peer was reported as dropped or gone.
func assertNoDrop(t *testing.T, nodes ...*node) {
	t.Helper()
	for _, nd := range nodes {
		for _, ev := range collect[Event](nd.events, 200*time.Millisecond) {
			switch ev.(type) {
			case PeerReconnecting, PeerLeft, ReofferReady:
				t.Errorf("%s reported %T: %+v", nd.Identity().Name, ev, ev)
			}
		}
	}
}

type twoOffers struct {
	offer1, offer2   Offer
	answer1, answer2 Offer
}

// offerTwice opens two links from a to b without applying the answers.
func offerTwice(t *testing.T, a, b *node) twoOffers {
	t.Helper()
	ctx := context.Background()

	var o twoOffers
	var err error
	o.offer1, err = a.CreateOffer(ctx)
	require.NoError(t, err)
	o.offer2, err = a.CreateOffer(ctx)
	require.NoError(t, err)
	o.answer1, err = b.AcceptOffer(ctx, o.offer1.Description)
	require.NoError(t, err)
	o.answer2, err = b.AcceptOffer(ctx, o.offer2.Description)
	require.NoError(t, err)
	return o
}

func TestSameDirectionDuplicateFollowsInitiator(t *testing.T) {
	n := memory.NewNetwork()
	fa := &recordingFactory{net: n}
	fb := &recordingFactory{net: n}
	a := newNode(t, n, swiftFox, withFactory(fa))
	b := newNode(t, n, calmOwl, withFactory(fb))

	o := offerTwice(t, a, b)

	// b finishes the second link first, a finishes the first link first.
	fb.session(0).SetInboundFilter(dropIntroduce)
	fa.session(1).SetInboundFilter(dropIntroduce)

	require.NoError(t, a.AcceptAnswer(o.offer1.Key, o.answer1.Description))
	require.Eventually(t, func() bool { return a.Link("cd34") != nil }, waitTimeout, 5*time.Millisecond)
	require.NoError(t, a.AcceptAnswer(o.offer2.Key, o.answer2.Description))
	require.Eventually(t, func() bool { return b.Link("ab12") != nil }, waitTimeout, 5*time.Millisecond)
	require.Equal(t, o.answer2.Key, b.Link("ab12").Key())

	fb.session(0).SetInboundFilter(nil)
	require.True(t, a.Link("cd34").Send(protocol.Introduce{PeerID: "ab12", Name: "Swift Fox"}))
	require.Eventually(t, func() bool { return heldCount(b.Manager) == 1 }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, o.answer2.Key, b.Link("ab12").Key(), "held link must not replace the established one")

	fa.session(1).SetInboundFilter(nil)
	require.True(t, b.Link("ab12").Send(protocol.Introduce{PeerID: "cd34", Name: "Calm Owl"}))

	require.Eventually(t, func() bool {
		la, lb := a.Link("cd34"), b.Link("ab12")
		return la != nil && lb != nil &&
			la.Key() == o.offer1.Key && lb.Key() == o.answer1.Key &&
			entryCount(a.Manager) == 1 && entryCount(b.Manager) == 1
	}, waitTimeout, 5*time.Millisecond)

	assertNoDrop(t, a, b)

	assert.True(t, b.Send("ab12", protocol.Text{Data: "over the first link"}))
	msg := waitEvent[MessageReceived](t, a.events, nil)
	assert.Equal(t, "over the first link", msg.Message.(*protocol.Text).Data)
}

func TestSameDirectionDuplicateInSameOrder(t *testing.T) {
	n := memory.NewNetwork()
	a := newNode(t, n, swiftFox)
	b := newNode(t, n, calmOwl)

	o := offerTwice(t, a, b)

	require.NoError(t, a.AcceptAnswer(o.offer1.Key, o.answer1.Description))
	require.Eventually(t, func() bool { return a.Link("cd34") != nil && b.Link("ab12") != nil }, waitTimeout, 5*time.Millisecond)
	require.NoError(t, a.AcceptAnswer(o.offer2.Key, o.answer2.Description))

	require.Eventually(t, func() bool {
		return entryCount(a.Manager) == 1 && entryCount(b.Manager) == 1
	}, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, o.offer1.Key, a.Link("cd34").Key())
	assert.Equal(t, o.answer1.Key, b.Link("ab12").Key())
	assertNoDrop(t, a, b)
}

func TestDroppedDuplicateWaitsForOpenLink(t *testing.T) {
	n := memory.NewNetwork()
	fb := &recordingFactory{net: n}
	a := newNode(t, n, swiftFox)
	b := newNode(t, n, calmOwl, withFactory(fb))

	o := offerTwice(t, a, b)

	// b only learns who is on the first link after the second one is gone.
	fb.session(0).SetInboundFilter(dropIntroduce)

	require.NoError(t, a.AcceptAnswer(o.offer1.Key, o.answer1.Description))
	require.Eventually(t, func() bool { return a.Link("cd34") != nil }, waitTimeout, 5*time.Millisecond)
	require.NoError(t, a.AcceptAnswer(o.offer2.Key, o.answer2.Description))

	require.Eventually(t, func() bool { return holding(b.Manager, "ab12") }, waitTimeout, 5*time.Millisecond)
	assert.Nil(t, b.Link("ab12"))
	assert.Equal(t, []string{"ab12"}, peerIDs(b.Manager), "a peer on hold is still listed")

	fb.session(0).SetInboundFilter(nil)
	require.True(t, a.Link("cd34").Send(protocol.Introduce{PeerID: "ab12", Name: "Swift Fox"}))

	require.Eventually(t, func() bool {
		l := b.Link("ab12")
		return l != nil && l.Key() == o.answer1.Key
	}, waitTimeout, 5*time.Millisecond)
	assert.False(t, holding(b.Manager, "ab12"))
	assertNoDrop(t, a, b)
}

func TestCloseOneEndsHold(t *testing.T) {
	n := memory.NewNetwork()
	fb := &recordingFactory{net: n}
	a := newNode(t, n, swiftFox)
	b := newNode(t, n, calmOwl, withFactory(fb))

	o := offerTwice(t, a, b)
	fb.session(0).SetInboundFilter(dropIntroduce)

	require.NoError(t, a.AcceptAnswer(o.offer1.Key, o.answer1.Description))
	require.Eventually(t, func() bool { return a.Link("cd34") != nil }, waitTimeout, 5*time.Millisecond)
	require.NoError(t, a.AcceptAnswer(o.offer2.Key, o.answer2.Description))
	require.Eventually(t, func() bool { return holding(b.Manager, "ab12") }, waitTimeout, 5*time.Millisecond)

	require.NoError(t, b.CloseOne("ab12"))
	left := waitEvent[PeerLeft](t, b.events, nil)
	assert.Equal(t, LeaveGoodbye, left.Reason)
	assert.Empty(t, peerIDs(b.Manager))
	assert.Empty(t, collect[PeerReconnecting](b.events, 1500*time.Millisecond), "hold timer must not start a grace period")
}

func TestDroppedLinkWithoutCandidateStartsGrace(t *testing.T) {
	n := memory.NewNetwork()
	fb := &recordingFactory{net: n}
	a := newNode(t, n, swiftFox)
	b := newNode(t, n, calmOwl, withFactory(fb))

	o := offerTwice(t, a, b)

	// The first link never identifies itself, so the hold runs out.
	fb.session(0).SetInboundFilter(dropIntroduce)

	require.NoError(t, a.AcceptAnswer(o.offer1.Key, o.answer1.Description))
	require.Eventually(t, func() bool { return a.Link("cd34") != nil }, waitTimeout, 5*time.Millisecond)
	require.NoError(t, a.AcceptAnswer(o.offer2.Key, o.answer2.Description))

	require.Eventually(t, func() bool { return holding(b.Manager, "ab12") }, waitTimeout, 5*time.Millisecond)
	reconnecting := waitEvent[PeerReconnecting](t, b.events, nil)
	assert.Equal(t, "ab12", reconnecting.PeerID)
	assert.False(t, holding(b.Manager, "ab12"))
}

type livenessCounter struct {
	metrics.Nop
	changes atomic.Int32
}

func (c *livenessCounter) LivenessChanged(string) { c.changes.Add(1) }

func TestLivenessOfUnidentifiedLinkNotReported(t *testing.T) {
	n := memory.NewNetwork()
	fa := &recordingFactory{net: n}
	counter := &livenessCounter{}
	a := newNode(t, n, swiftFox, withFactory(fa), func(o *Options) { o.Metrics = counter })
	b := newNode(t, n, calmOwl)
	ctx := context.Background()

	offer, err := a.CreateOffer(ctx)
	require.NoError(t, err)
	// a hears nothing on this link: no introduce and no heartbeat acks.
	fa.session(0).SetInboundFilter(func(_ []byte, isText bool) bool { return isText })

	answer, err := b.AcceptOffer(ctx, offer.Description)
	require.NoError(t, err)
	require.NoError(t, a.AcceptAnswer(offer.Key, answer.Description))

	require.Eventually(t, func() bool { return counter.changes.Load() > 0 }, waitTimeout, 5*time.Millisecond,
		"link never went unresponsive")
	assert.Empty(t, collect[LivenessChanged](a.events, 100*time.Millisecond))
}
