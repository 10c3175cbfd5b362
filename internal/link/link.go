// Package link runs a single peer connection on top of a transport session:
// lifecycle, liveness heartbeat, frame dispatch and flow-controlled bulk
// transfers. A Link is created negotiating, opens once, closes once and is
// never reused.
package link

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-mesh/internal/metrics"
	"github.com/rudransh-shrivastava/peer-mesh/internal/protocol"
	"github.com/rudransh-shrivastava/peer-mesh/internal/transport"
)

type TransportState int32

const (
	StateNegotiating TransportState = iota
	StateOpen
	StateClosed
)

func (s TransportState) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Liveness int32

const (
	LivenessConnected Liveness = iota
	LivenessUnresponsive
)

func (l Liveness) String() string {
	if l == LivenessUnresponsive {
		return "unresponsive"
	}
	return "connected"
}

type Counters struct {
	MsgsSent      int64
	MsgsReceived  int64
	BytesSent     int64
	BytesReceived int64
}

// Handler processes an extension message. It runs on the link's own
// goroutine and must not block.
type Handler func(l *Link, msg protocol.Message)

type Options struct {
	// ID is the owner's stable handle for this link.
	ID  uint64
	Key string

	LocalID   string
	LocalName string
	Initiator bool

	Session transport.Session
	Config  Config
	Logger  logrus.FieldLogger
	Metrics metrics.Metrics
	Codec   *protocol.Codec

	// Events receives everything the link reports. Stop unblocks pending
	// reports once the owner stops reading; a nil Stop never unblocks.
	Events chan<- Event
	Stop   <-chan struct{}
}

type Link struct {
	id        uint64
	key       string
	localID   string
	localName string
	initiator bool

	session transport.Session
	cfg     Config
	logger  logrus.FieldLogger
	metrics metrics.Metrics
	codec   *protocol.Codec
	events  chan<- Event
	stop    <-chan struct{}

	state    atomic.Int32
	liveness atomic.Int32

	msgsSent      atomic.Int64
	msgsReceived  atomic.Int64
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
	lowWater  chan struct{}
	bulkMu    sync.Mutex

	mu       sync.Mutex
	channel  transport.Channel
	peerID   string
	name     string
	handlers map[protocol.MessageType]Handler

	// Owned by the run goroutine.
	everConnected bool
	lastAck       time.Time
	heartbeat     *time.Ticker
	heartbeatC    <-chan time.Time
	preOpen       *time.Timer
	preOpenC      <-chan time.Time
	incoming      *incomingFile
	speed         *speedTest
}

// New wraps session and starts supervising it.
func New(opts Options) (*Link, error) {
	if opts.Session == nil {
		return nil, errors.New("link: session is required")
	}
	if opts.Events == nil {
		return nil, errors.New("link: events channel is required")
	}
	opts.Config.applyDefaults()
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Codec == nil {
		opts.Codec = protocol.NewCodec()
	}

	l := &Link{
		id:        opts.ID,
		key:       opts.Key,
		localID:   opts.LocalID,
		localName: opts.LocalName,
		initiator: opts.Initiator,
		session:   opts.Session,
		cfg:       opts.Config,
		logger:    opts.Logger.WithField("link", opts.Key),
		metrics:   opts.Metrics,
		codec:     opts.Codec,
		events:    opts.Events,
		stop:      opts.Stop,
		done:      make(chan struct{}),
		lowWater:  make(chan struct{}, 1),
		handlers:  make(map[protocol.MessageType]Handler),
	}

	go l.run()
	return l, nil
}

func (l *Link) ID() uint64      { return l.id }
func (l *Link) Key() string     { return l.key }
func (l *Link) Initiator() bool { return l.initiator }

func (l *Link) State() TransportState {
	return TransportState(l.state.Load())
}

func (l *Link) Liveness() Liveness {
	return Liveness(l.liveness.Load())
}

func (l *Link) Counters() Counters {
	return Counters{
		MsgsSent:      l.msgsSent.Load(),
		MsgsReceived:  l.msgsReceived.Load(),
		BytesSent:     l.bytesSent.Load(),
		BytesReceived: l.bytesReceived.Load(),
	}
}

// SetRemote binds the identity learned from the handshake.
func (l *Link) SetRemote(peerID, name string) {
	l.mu.Lock()
	l.peerID = peerID
	l.name = name
	l.mu.Unlock()
}

func (l *Link) PeerID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peerID
}

func (l *Link) Name() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.name
}

// RegisterHandler routes messages of type t to h. A nil h removes the route.
func (l *Link) RegisterHandler(t protocol.MessageType, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h == nil {
		delete(l.handlers, t)
		return
	}
	l.handlers[t] = h
}

func (l *Link) handler(t protocol.MessageType) Handler {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handlers[t]
}

func (l *Link) CreateOffer(ctx context.Context) (transport.Description, error) {
	if l.State() == StateClosed {
		return transport.Description{}, ErrClosed
	}
	return l.session.CreateOffer(ctx)
}

func (l *Link) CreateAnswer(ctx context.Context, offer transport.Description) (transport.Description, error) {
	if l.State() == StateClosed {
		return transport.Description{}, ErrClosed
	}
	return l.session.CreateAnswer(ctx, offer)
}

func (l *Link) ApplyAnswer(answer transport.Description) error {
	if l.State() == StateClosed {
		return ErrClosed
	}
	return l.session.ApplyAnswer(answer)
}

// OpenChannel creates an additional named channel on an open link.
func (l *Link) OpenChannel(label string) (transport.Channel, error) {
	if _, err := l.openChannel(); err != nil {
		return nil, err
	}
	return l.session.OpenChannel(label)
}

// Close tears the link down without reporting anything to the owner.
func (l *Link) Close() error {
	l.shutdown("closed")
	return nil
}

// Done is closed once the link is closed.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

func (l *Link) shutdown(reason string) bool {
	first := false
	l.closeOnce.Do(func() {
		first = true
		l.state.Store(int32(StateClosed))
		close(l.done)
		if err := l.session.Close(); err != nil {
			l.logger.Debugf("Failed to close session: %v", err)
		}
		l.metrics.LinkClosed(reason)
	})
	return first
}

func (l *Link) fail(err error) {
	reason := "failed"
	if errors.Is(err, ErrICETimeout) {
		reason = "timeout"
	}
	if l.shutdown(reason) {
		l.logger.Warnf("Link failed: %v", err)
		l.emit(Event{Kind: EventFailed, Err: err})
	}
}

func (l *Link) emit(ev Event) {
	ev.Link = l
	select {
	case l.events <- ev:
	case <-l.stop:
	}
}

func (l *Link) run() {
	defer l.stopTimers()

	events := l.session.Events()
	for {
		select {
		case <-l.done:
			return
		case ev := <-events:
			if l.State() == StateClosed {
				return
			}
			l.handleTransport(ev)
		case now := <-l.heartbeatC:
			l.heartbeatTick(now)
		case <-l.preOpenC:
			l.preOpenC = nil
			l.fail(ErrICETimeout)
		}
	}
}

func (l *Link) handleTransport(ev transport.Event) {
	switch ev.Kind {
	case transport.EventStateChange:
		l.handleState(ev.State)

	case transport.EventChannelOpen:
		if ev.Label == transport.PrimaryLabel {
			l.handleOpen(ev.Channel)
			return
		}
		l.emit(Event{Kind: EventChannelOpened, Label: ev.Label, Channel: ev.Channel})

	case transport.EventChannelClose:
		if ev.Label != transport.PrimaryLabel {
			l.logger.Debugf("Data channel '%s' closed", ev.Label)
			return
		}
		if l.shutdown("closed") {
			l.logger.Infof("Data channel closed by remote")
			l.emit(Event{Kind: EventClosed})
		}

	case transport.EventChannelError:
		l.logger.Warnf("Data channel '%s' error: %v", ev.Label, ev.Err)

	case transport.EventMessage:
		if ev.Label == transport.PrimaryLabel {
			l.receive(ev.Data, ev.IsText)
			return
		}
		l.emit(Event{Kind: EventChannelMessage, Label: ev.Label, Channel: ev.Channel, Data: ev.Data, IsText: ev.IsText})

	case transport.EventDataChannel:
		l.logger.Debugf("Remote created data channel '%s'", ev.Label)
	}
}

// handleState only matters before the primary channel first opened; later
// drops surface as a channel close.
func (l *Link) handleState(state transport.ConnectionState) {
	if l.everConnected {
		l.logger.Debugf("Connection state changed: %s", state)
		return
	}

	switch state {
	case transport.StateConnected:
		l.cancelPreOpen()
	case transport.StateDisconnected:
		if l.preOpen == nil {
			l.logger.Debugf("Disconnected before open, waiting %s", l.cfg.PreOpenGrace)
			l.preOpen = time.NewTimer(l.cfg.PreOpenGrace)
			l.preOpenC = l.preOpen.C
		}
	case transport.StateFailed:
		l.cancelPreOpen()
		l.fail(ErrICEFailed)
	}
}

func (l *Link) handleOpen(ch transport.Channel) {
	if ch == nil {
		return
	}

	ch.SetBufferedAmountLowThreshold(l.cfg.LowWater)
	ch.OnBufferedAmountLow(func() {
		select {
		case l.lowWater <- struct{}{}:
		default:
		}
	})

	l.mu.Lock()
	l.channel = ch
	l.mu.Unlock()

	if !l.state.CompareAndSwap(int32(StateNegotiating), int32(StateOpen)) {
		return
	}

	l.everConnected = true
	l.cancelPreOpen()
	l.lastAck = time.Now()

	direction := "responder"
	if l.initiator {
		direction = "initiator"
	}
	l.metrics.LinkOpened(direction)
	l.logger.Debugf("Data channel open as %s", direction)

	if err := l.send(protocol.Introduce{PeerID: l.localID, Name: l.localName}); err != nil {
		l.logger.Warnf("Failed to send introduce: %v", err)
	}
	l.emit(Event{Kind: EventOpen})

	l.heartbeat = time.NewTicker(l.cfg.HeartbeatInterval)
	l.heartbeatC = l.heartbeat.C
}

func (l *Link) heartbeatTick(now time.Time) {
	if err := l.send(protocol.Heartbeat{}); err != nil {
		l.logger.Debugf("Failed to send heartbeat: %v", err)
	}
	if now.Sub(l.lastAck) > l.cfg.HeartbeatTimeout {
		l.setLiveness(LivenessUnresponsive)
	}
}

func (l *Link) setLiveness(v Liveness) {
	if Liveness(l.liveness.Swap(int32(v))) == v {
		return
	}
	l.logger.Infof("Peer is now %s", v)
	l.metrics.LivenessChanged(v.String())
	l.emit(Event{Kind: EventLiveness, Liveness: v})
}

func (l *Link) cancelPreOpen() {
	if l.preOpen != nil {
		l.preOpen.Stop()
		l.preOpen = nil
		l.preOpenC = nil
	}
}

func (l *Link) stopTimers() {
	l.cancelPreOpen()
	if l.heartbeat != nil {
		l.heartbeat.Stop()
	}
}
