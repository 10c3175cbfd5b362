// Package mesh keeps a full mesh of links to every reachable peer. It
// handles the identity handshake, duplicate resolution, relayed
// introductions through already connected peers and the grace period that
// follows an accidental disconnect.
package mesh

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/rudransh-shrivastava/peer-mesh/internal/link"
	"github.com/rudransh-shrivastava/peer-mesh/internal/metrics"
	"github.com/rudransh-shrivastava/peer-mesh/internal/protocol"
	"github.com/rudransh-shrivastava/peer-mesh/internal/session"
	"github.com/rudransh-shrivastava/peer-mesh/internal/transport"
)

type Options struct {
	// Identity defaults to a freshly generated one.
	Identity Identity
	Factory  transport.Factory
	Config   Config
	Logger   logrus.FieldLogger
	Metrics  metrics.Metrics
	// Snapshots, when set, receives a snapshot after every membership
	// change.
	Snapshots      session.Repository
	TracerProvider trace.TracerProvider
}

// Offer is a local session description together with the key of the
// pending link it belongs to.
type Offer struct {
	Key         string
	Description transport.Description
}

type PeerInfo struct {
	PeerID   string
	Name     string
	Liveness link.Liveness
	// Reconnecting is set while the peer is in its grace period; ExpiresAt
	// is when that ends.
	Reconnecting bool
	ExpiresAt    time.Time
	Counters     link.Counters
}

type outcome struct {
	done chan struct{}
	once sync.Once
	peer Identity
	err  error
}

func newOutcome() *outcome {
	return &outcome{done: make(chan struct{})}
}

func (o *outcome) resolve(peer Identity, err error) {
	o.once.Do(func() {
		o.peer = peer
		o.err = err
		close(o.done)
	})
}

type entry struct {
	handle uint64
	key    string
	link   *link.Link

	peer        Identity
	established bool
	// held marks a second link to an established peer that waits for the
	// initiating side to close one of the two.
	held bool

	// relayTarget is the peer a relay link was created for.
	relayTarget    string
	awaitingAnswer bool
	// reofferFor is the peer a grace-period re-offer was created for.
	reofferFor string

	outcome *outcome
}

type Manager struct {
	id      Identity
	factory transport.Factory
	cfg     Config
	logger  logrus.FieldLogger
	metrics metrics.Metrics
	repo    session.Repository
	tracer  *tracer
	codec   *protocol.Codec

	ctx        context.Context
	cancel     context.CancelFunc
	inbox      chan link.Event
	done       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
	dispatcher *dispatcher
	persistCh  chan session.Snapshot

	mu           sync.Mutex
	closed       bool
	nextHandle   uint64
	entries      map[uint64]*entry
	pending      map[string]uint64
	established  map[string]uint64
	graces       map[string]*grace
	holds        map[string]*hold
	leaving      map[string]time.Time
	relayTargets map[string]uint64
	handlers     map[protocol.MessageType]link.Handler
}

func New(opts Options) (*Manager, error) {
	if opts.Factory == nil {
		return nil, errors.New("mesh: transport factory is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	opts.Config.applyDefaults()

	if opts.Identity.PeerID == "" {
		opts.Identity = NewIdentity()
	}
	if opts.Identity.Name == "" {
		opts.Identity.Name = RandomName()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		id:           opts.Identity,
		factory:      opts.Factory,
		cfg:          opts.Config,
		logger:       opts.Logger.WithField("local", opts.Identity.PeerID),
		metrics:      opts.Metrics,
		repo:         opts.Snapshots,
		tracer:       newTracer(opts.TracerProvider),
		codec:        protocol.NewCodec(),
		ctx:          ctx,
		cancel:       cancel,
		inbox:        make(chan link.Event, opts.Config.EventBuffer),
		done:         make(chan struct{}),
		persistCh:    make(chan session.Snapshot, 1),
		entries:      make(map[uint64]*entry),
		pending:      make(map[string]uint64),
		established:  make(map[string]uint64),
		graces:       make(map[string]*grace),
		holds:        make(map[string]*hold),
		leaving:      make(map[string]time.Time),
		relayTargets: make(map[string]uint64),
		handlers:     make(map[protocol.MessageType]link.Handler),
	}
	m.dispatcher = newDispatcher(func(ev Event) {
		m.metrics.EventDropped()
		m.logger.Warnf("Subscriber buffer full, dropped %T", ev)
	})

	m.wg.Add(1)
	go m.loop()
	if m.repo != nil {
		m.wg.Add(1)
		go m.persistLoop()
	}

	m.logger.Infof("Mesh started as %s (%s)", m.id.Name, m.id.PeerID)
	return m, nil
}

func (m *Manager) Identity() Identity {
	return m.id
}

// Subscribe returns a channel of events and a function that cancels the
// subscription. Events that do not fit into buffer are dropped.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	return m.dispatcher.subscribe(buffer)
}

func (m *Manager) emit(ev Event) {
	m.dispatcher.emit(ev)
}

// RegisterHandler routes extension messages of type t to h on every
// current and future link.
func (m *Manager) RegisterHandler(t protocol.MessageType, h link.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h == nil {
		delete(m.handlers, t)
	} else {
		m.handlers[t] = h
	}
	for _, e := range m.entries {
		e.link.RegisterHandler(t, h)
	}
}

// Link returns the established link to peerID, or nil.
func (m *Manager) Link(peerID string) *link.Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.establishedLocked(peerID); e != nil {
		return e.link
	}
	return nil
}

// ConnectedPeers lists established peers and peers in their grace period,
// ordered by peer id.
func (m *Manager) ConnectedPeers() []PeerInfo {
	m.mu.Lock()
	peers := make([]PeerInfo, 0, len(m.established)+len(m.graces))
	for _, h := range m.established {
		e := m.entries[h]
		peers = append(peers, PeerInfo{
			PeerID:   e.peer.PeerID,
			Name:     e.peer.Name,
			Liveness: e.link.Liveness(),
			Counters: e.link.Counters(),
		})
	}
	for _, h := range m.holds {
		peers = append(peers, PeerInfo{
			PeerID:   h.peer.PeerID,
			Name:     h.peer.Name,
			Liveness: link.LivenessConnected,
		})
	}
	for _, g := range m.graces {
		peers = append(peers, PeerInfo{
			PeerID:       g.peer.PeerID,
			Name:         g.peer.Name,
			Liveness:     link.LivenessUnresponsive,
			Reconnecting: true,
			ExpiresAt:    g.expiresAt,
		})
	}
	m.mu.Unlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i].PeerID < peers[j].PeerID })
	return peers
}

// CloseOne closes the link to peerID and reports the peer as gone.
func (m *Manager) CloseOne(peerID string) error {
	m.mu.Lock()
	e := m.establishedLocked(peerID)
	if e == nil {
		h, ok := m.holds[peerID]
		if !ok {
			m.mu.Unlock()
			return ErrUnknownPeer
		}
		delete(m.holds, peerID)
		h.timer.Stop()
		m.mu.Unlock()
		m.emit(PeerLeft{PeerID: h.peer.PeerID, Name: h.peer.Name, Reason: LeaveGoodbye})
		return nil
	}
	m.removeLocked(e)
	spares := m.heldLocked(peerID)
	for _, h := range spares {
		m.removeLocked(h)
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	_ = e.link.Close()
	for _, h := range spares {
		_ = h.link.Close()
	}
	m.logger.Infof("Closed connection to %s", e.peer.Name)
	m.emit(PeerLeft{PeerID: e.peer.PeerID, Name: e.peer.Name, Reason: LeaveGoodbye})
	m.persist(snap)
	return nil
}

// Leave says goodbye to every peer, closes everything and forgets the
// stored snapshot.
func (m *Manager) Leave() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	links := make([]*link.Link, 0, len(m.established))
	for _, h := range m.established {
		links = append(links, m.entries[h].link)
	}
	m.mu.Unlock()

	for _, l := range links {
		l.Send(protocol.Goodbye{})
	}
	ctx, cancel := context.WithTimeout(context.Background(), leaveFlushTimeout)
	defer cancel()
	for _, l := range links {
		if err := l.Flush(ctx); err != nil {
			m.logger.Debugf("Failed to flush goodbye to %s: %v", l.Name(), err)
		}
	}

	m.shutdown()

	if m.repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotWriteTimeout)
		defer cancel()
		if err := m.repo.Delete(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every pending and established link and stops all timers.
// Subscriber channels are closed once the final events were delivered.
func (m *Manager) Close() error {
	m.shutdown()
	return nil
}

func (m *Manager) shutdown() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		links := make([]*link.Link, 0, len(m.entries))
		var left []PeerLeft
		for _, e := range m.entries {
			links = append(links, e.link)
			if e.established {
				left = append(left, PeerLeft{PeerID: e.peer.PeerID, Name: e.peer.Name, Reason: LeaveGoodbye})
			} else {
				e.outcome.resolve(Identity{}, ErrClosed)
			}
		}
		for _, h := range m.holds {
			h.timer.Stop()
			left = append(left, PeerLeft{PeerID: h.peer.PeerID, Name: h.peer.Name, Reason: LeaveGoodbye})
		}
		for _, g := range m.graces {
			g.halt()
			left = append(left, PeerLeft{PeerID: g.peer.PeerID, Name: g.peer.Name, Reason: LeaveCancelled})
		}
		clear(m.entries)
		clear(m.pending)
		clear(m.established)
		clear(m.graces)
		clear(m.holds)
		clear(m.relayTargets)
		m.metrics.PeersEstablished(0)
		m.mu.Unlock()

		for _, l := range links {
			_ = l.Close()
		}

		sort.Slice(left, func(i, j int) bool { return left[i].PeerID < left[j].PeerID })
		for _, ev := range left {
			m.emit(ev)
		}

		m.cancel()
		close(m.done)
		m.wg.Wait()
		m.dispatcher.close()
		m.logger.Infof("Mesh closed")
	})
}

// spawn runs f on a tracked goroutine unless the manager is closed.
func (m *Manager) spawn(f func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		f()
	}()
	return true
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case ev := <-m.inbox:
			m.handleLinkEvent(ev)
		}
	}
}

func (m *Manager) handleLinkEvent(ev link.Event) {
	m.mu.Lock()
	e, ok := m.entries[ev.Link.ID()]
	if ok && e.link != ev.Link {
		ok = false
	}
	var peer Identity
	var established bool
	if ok {
		peer = e.peer
		established = e.established
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Debugf("Ignoring %s from retired link %s", ev.Kind, ev.Link.Key())
		return
	}

	switch ev.Kind {
	case link.EventOpen:
		m.logger.Debugf("Link %s open, waiting for introduce", e.key)
	case link.EventClosed:
		m.handleLinkClosed(e)
	case link.EventFailed:
		m.discard(e, "connect", ev.Err)
	case link.EventControl:
		m.handleControl(e, ev.Message)
	case link.EventLiveness:
		if !established {
			return
		}
		m.emit(LivenessChanged{PeerID: peer.PeerID, Name: peer.Name, Liveness: ev.Liveness})
	case link.EventMessage:
		m.emit(MessageReceived{PeerID: peer.PeerID, Name: peer.Name, Message: ev.Message})
	case link.EventFileIncoming:
		m.emit(FileIncoming{PeerID: peer.PeerID, Name: peer.Name, File: ev.File})
	case link.EventFileProgress:
		m.emit(FileProgress{PeerID: peer.PeerID, Name: peer.Name, File: ev.File, Received: ev.Received})
	case link.EventFileReceived:
		m.emit(FileReceived{PeerID: peer.PeerID, Name: peer.Name, File: ev.File})
	case link.EventSpeedResult:
		m.emit(SpeedTestReceived{PeerID: peer.PeerID, Name: peer.Name, Result: ev.Speed})
	case link.EventChannelOpened:
		m.emit(ChannelOpened{PeerID: peer.PeerID, Label: ev.Label, Channel: ev.Channel})
	case link.EventChannelMessage:
		m.emit(ChannelMessage{PeerID: peer.PeerID, Label: ev.Label, Data: ev.Data, IsText: ev.IsText})
	}
}

func (m *Manager) handleControl(e *entry, msg protocol.Message) {
	if intro, ok := msg.(*protocol.Introduce); ok {
		m.handleIntroduce(e, intro)
		return
	}

	m.mu.Lock()
	established := e.established
	m.mu.Unlock()
	if !established {
		m.logger.Debugf("Dropping %s from unidentified link %s", msg.Type(), e.key)
		return
	}

	switch msg := msg.(type) {
	case *protocol.PeerList:
		m.handlePeerList(e, msg)
	case *protocol.RelayOffer:
		m.handleRelayOffer(e, msg)
	case *protocol.RelayAnswer:
		m.handleRelayAnswer(e, msg)
	case *protocol.Goodbye:
		m.handleGoodbye(e)
	}
}

// newLink registers a pending link under key.
func (m *Manager) newLink(key string, initiator bool) (*entry, error) {
	sess, err := m.factory.NewSession()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		_ = sess.Close()
		return nil, ErrClosed
	}

	m.nextHandle++
	l, err := link.New(link.Options{
		ID:        m.nextHandle,
		Key:       key,
		LocalID:   m.id.PeerID,
		LocalName: m.id.Name,
		Initiator: initiator,
		Session:   sess,
		Config:    m.cfg.Link,
		Logger:    m.logger,
		Metrics:   m.metrics,
		Codec:     m.codec,
		Events:    m.inbox,
		Stop:      m.done,
	})
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	for t, h := range m.handlers {
		l.RegisterHandler(t, h)
	}

	e := &entry{
		handle:  m.nextHandle,
		key:     key,
		link:    l,
		outcome: newOutcome(),
	}
	m.entries[e.handle] = e
	m.pending[key] = e.handle
	return e, nil
}

// discard drops a link that failed before its handshake and tells the
// initiator.
func (m *Manager) discard(e *entry, op string, err error) {
	m.mu.Lock()
	live := m.entries[e.handle] == e
	if live {
		m.removeLocked(e)
	}
	target := e.relayTarget
	if target == "" {
		target = e.reofferFor
	}
	m.mu.Unlock()

	_ = e.link.Close()
	if !live {
		return
	}

	nerr := &NegotiationError{Op: op, Key: e.key, Err: err}
	m.logger.Warnf("Connection %s failed: %v", e.key, err)
	m.metrics.HandshakeCompleted("failed")
	e.outcome.resolve(Identity{}, nerr)
	m.emit(ConnectionFailed{Key: e.key, PeerID: target, Err: nerr})
}

func (m *Manager) establishedLocked(peerID string) *entry {
	h, ok := m.established[peerID]
	if !ok {
		return nil
	}
	return m.entries[h]
}

func (m *Manager) entryByKeyLocked(key string) *entry {
	if h, ok := m.pending[key]; ok {
		return m.entries[h]
	}
	for _, e := range m.entries {
		if e.key == key {
			return e
		}
	}
	return nil
}

func (m *Manager) promoteLocked(e *entry) {
	e.established = true
	e.held = false
	e.awaitingAnswer = false
	if m.pending[e.key] == e.handle {
		delete(m.pending, e.key)
	}
	m.established[e.peer.PeerID] = e.handle
	m.releaseRelayLocked(e)
	m.metrics.PeersEstablished(len(m.established))
}

func (m *Manager) removeLocked(e *entry) {
	delete(m.entries, e.handle)
	if m.pending[e.key] == e.handle {
		delete(m.pending, e.key)
	}
	if e.established && m.established[e.peer.PeerID] == e.handle {
		delete(m.established, e.peer.PeerID)
		m.metrics.PeersEstablished(len(m.established))
	}
	m.releaseRelayLocked(e)
}

// heldLocked returns the links held in reserve for peerID, oldest first.
func (m *Manager) heldLocked(peerID string) []*entry {
	var held []*entry
	for _, e := range m.entries {
		if e.held && e.peer.PeerID == peerID {
			held = append(held, e)
		}
	}
	sort.Slice(held, func(i, j int) bool { return held[i].handle < held[j].handle })
	return held
}

func (m *Manager) releaseRelayLocked(e *entry) {
	if e.relayTarget == "" {
		return
	}
	if h, ok := m.relayTargets[e.relayTarget]; ok && (h == e.handle || h == 0) {
		delete(m.relayTargets, e.relayTarget)
	}
}

// peerListLocked returns every established peer except exclude.
func (m *Manager) peerListLocked(exclude string) []protocol.PeerEntry {
	peers := make([]protocol.PeerEntry, 0, len(m.established))
	for id, h := range m.established {
		if id == exclude {
			continue
		}
		peers = append(peers, protocol.PeerEntry{PeerID: id, Name: m.entries[h].peer.Name})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].PeerID < peers[j].PeerID })
	return peers
}
