// Package memory is an in-process transport.Factory. Offers and answers are
// opaque tokens resolved through a shared Network, channels deliver frames
// through a per-channel pump so buffered amounts and slow consumers behave
// like a real data channel.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/peer-mesh/internal/transport"
)

const eventBuffer = 1024

type Network struct {
	mu      sync.Mutex
	seq     int
	delay   time.Duration
	offers  map[string]*Session
	answers map[string]pairing
}

type pairing struct {
	offerer  *Session
	answerer *Session
}

var _ transport.Factory = (*Network)(nil)

func NewNetwork() *Network {
	return &Network{
		offers:  make(map[string]*Session),
		answers: make(map[string]pairing),
	}
}

// SetDeliveryDelay slows every subsequent frame delivery down by d.
func (n *Network) SetDeliveryDelay(d time.Duration) {
	n.mu.Lock()
	n.delay = d
	n.mu.Unlock()
}

func (n *Network) deliveryDelay() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.delay
}

func (n *Network) NewSession() (transport.Session, error) {
	return n.Open(), nil
}

// Open returns a new session with its concrete type.
func (n *Network) Open() *Session {
	n.mu.Lock()
	n.seq++
	id := n.seq
	n.mu.Unlock()

	return &Session{
		net:      n,
		id:       id,
		events:   make(chan transport.Event, eventBuffer),
		done:     make(chan struct{}),
		channels: make(map[string]*Channel),
	}
}

func (n *Network) token(kind string) string {
	n.seq++
	return fmt.Sprintf("mem-%s-%d", kind, n.seq)
}

type Session struct {
	net    *Network
	id     int
	events chan transport.Event
	done   chan struct{}

	closeOnce sync.Once

	mu       sync.Mutex
	peer     *Session
	channels map[string]*Channel
	filter   func(data []byte, isText bool) bool
	closed   bool
}

var _ transport.Session = (*Session)(nil)

func (s *Session) CreateOffer(ctx context.Context) (transport.Description, error) {
	if err := ctx.Err(); err != nil {
		return transport.Description{}, err
	}
	if s.isClosed() {
		return transport.Description{}, transport.ErrClosed
	}

	s.net.mu.Lock()
	token := s.net.token("offer")
	s.net.offers[token] = s
	s.net.mu.Unlock()

	return transport.Description{Type: transport.SDPOffer, SDP: token}, nil
}

func (s *Session) CreateAnswer(ctx context.Context, offer transport.Description) (transport.Description, error) {
	if err := ctx.Err(); err != nil {
		return transport.Description{}, err
	}
	if offer.Type != transport.SDPOffer {
		return transport.Description{}, fmt.Errorf("expected offer, got %q", offer.Type)
	}
	if s.isClosed() {
		return transport.Description{}, transport.ErrClosed
	}

	s.net.mu.Lock()
	defer s.net.mu.Unlock()

	offerer, ok := s.net.offers[offer.SDP]
	if !ok || offerer.isClosed() {
		return transport.Description{}, transport.ErrUnknownDescription
	}
	delete(s.net.offers, offer.SDP)

	token := s.net.token("answer")
	s.net.answers[token] = pairing{offerer: offerer, answerer: s}
	return transport.Description{Type: transport.SDPAnswer, SDP: token}, nil
}

func (s *Session) ApplyAnswer(answer transport.Description) error {
	if answer.Type != transport.SDPAnswer {
		return fmt.Errorf("expected answer, got %q", answer.Type)
	}

	s.net.mu.Lock()
	p, ok := s.net.answers[answer.SDP]
	if ok && p.offerer == s {
		delete(s.net.answers, answer.SDP)
	}
	s.net.mu.Unlock()

	if !ok || p.offerer != s {
		return transport.ErrUnknownDescription
	}
	if s.isClosed() || p.answerer.isClosed() {
		return transport.ErrClosed
	}

	s.mu.Lock()
	s.peer = p.answerer
	s.mu.Unlock()
	p.answerer.mu.Lock()
	p.answerer.peer = s
	p.answerer.mu.Unlock()

	local, remote := pair(s, p.answerer, transport.PrimaryLabel)

	s.emit(transport.Event{Kind: transport.EventStateChange, State: transport.StateConnected})
	p.answerer.emit(transport.Event{Kind: transport.EventStateChange, State: transport.StateConnected})
	s.emit(transport.Event{Kind: transport.EventChannelOpen, Label: transport.PrimaryLabel, Channel: local})
	p.answerer.emit(transport.Event{Kind: transport.EventChannelOpen, Label: transport.PrimaryLabel, Channel: remote})
	return nil
}

func (s *Session) Channel() transport.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[transport.PrimaryLabel]
	if !ok {
		return nil
	}
	return ch
}

// Primary returns the primary channel with its concrete type, or nil.
func (s *Session) Primary() *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[transport.PrimaryLabel]
}

func (s *Session) OpenChannel(label string) (transport.Channel, error) {
	s.mu.Lock()
	peer := s.peer
	_, exists := s.channels[label]
	s.mu.Unlock()

	if peer == nil || s.isClosed() {
		return nil, transport.ErrChannelNotOpen
	}
	if exists {
		return nil, fmt.Errorf("channel %q already open", label)
	}

	local, remote := pair(s, peer, label)
	peer.emit(transport.Event{Kind: transport.EventDataChannel, Label: label, Channel: remote})
	peer.emit(transport.Event{Kind: transport.EventChannelOpen, Label: label, Channel: remote})
	return local, nil
}

func (s *Session) Events() <-chan transport.Event {
	return s.events
}

// Close shuts the session down. Frames already queued on its channels are
// still delivered before the remote side observes the close.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		channels := make([]*Channel, 0, len(s.channels))
		for _, ch := range s.channels {
			channels = append(channels, ch)
		}
		s.mu.Unlock()

		s.net.mu.Lock()
		for token, offerer := range s.net.offers {
			if offerer == s {
				delete(s.net.offers, token)
			}
		}
		s.net.mu.Unlock()

		for _, ch := range channels {
			_ = ch.Close()
		}
		close(s.done)
	})
	return nil
}

// InjectState emits a connection state change as if the negotiation layer
// had reported it.
func (s *Session) InjectState(state transport.ConnectionState) {
	s.emit(transport.Event{Kind: transport.EventStateChange, State: state})
}

// SetInboundFilter installs a predicate that silently discards matching
// incoming frames. A nil filter delivers everything.
func (s *Session) SetInboundFilter(filter func(data []byte, isText bool) bool) {
	s.mu.Lock()
	s.filter = filter
	s.mu.Unlock()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) emit(ev transport.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) deliver(ev transport.Event, abort <-chan struct{}) bool {
	if ev.Kind == transport.EventMessage {
		s.mu.Lock()
		filter := s.filter
		s.mu.Unlock()
		if filter != nil && filter(ev.Data, ev.IsText) {
			return true
		}
	}

	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	case <-abort:
		return false
	}
}

func pair(a, b *Session, label string) (*Channel, *Channel) {
	ca := newChannel(a, label)
	cb := newChannel(b, label)
	ca.remote = cb
	cb.remote = ca

	a.mu.Lock()
	a.channels[label] = ca
	a.mu.Unlock()
	b.mu.Lock()
	b.channels[label] = cb
	b.mu.Unlock()

	go ca.pump()
	go cb.pump()
	return ca, cb
}
