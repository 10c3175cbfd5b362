package mesh

import (
	"context"
	"errors"
	"time"

	"github.com/rudransh-shrivastava/peer-mesh/internal/protocol"
	"github.com/rudransh-shrivastava/peer-mesh/internal/transport"
)

var errRelayUnavailable = errors.New("relaying peer is gone")

// handlePeerList offers a relayed connection to every listed peer we are
// not already connected or connecting to.
func (m *Manager) handlePeerList(from *entry, list *protocol.PeerList) {
	for _, p := range list.Peers {
		if p.PeerID == "" || p.PeerID == m.id.PeerID {
			continue
		}

		m.mu.Lock()
		_, established := m.established[p.PeerID]
		_, inFlight := m.relayTargets[p.PeerID]
		if established || inFlight || m.closed {
			m.mu.Unlock()
			continue
		}
		m.relayTargets[p.PeerID] = 0
		m.mu.Unlock()

		target := p
		if !m.spawn(func() { m.relayOffer(from, target) }) {
			m.mu.Lock()
			delete(m.relayTargets, target.PeerID)
			m.mu.Unlock()
		}
	}
}

func (m *Manager) relayOffer(via *entry, target protocol.PeerEntry) {
	key := newKey(prefixRelay)
	ctx, span := m.tracer.startNegotiation(m.ctx, SpanRelayOffer, key, target.PeerID)

	err := m.sendRelayOffer(ctx, via, key, target)
	if err != nil {
		m.logger.Debugf("Relay offer to %s via %s failed: %v", target.Name, via.peer.Name, err)
	}
	endSpan(span, err)
}

func (m *Manager) sendRelayOffer(ctx context.Context, via *entry, key string, target protocol.PeerEntry) error {
	e, err := m.newLink(key, true)
	if err != nil {
		m.mu.Lock()
		if h, ok := m.relayTargets[target.PeerID]; ok && h == 0 {
			delete(m.relayTargets, target.PeerID)
		}
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	e.relayTarget = target.PeerID
	if h, ok := m.relayTargets[target.PeerID]; !ok || h == 0 {
		m.relayTargets[target.PeerID] = e.handle
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.NegotiationTimeout)
	defer cancel()

	desc, err := e.link.CreateOffer(ctx)
	if err != nil {
		m.discard(e, "relay offer", err)
		return err
	}

	m.mu.Lock()
	e.awaitingAnswer = true
	m.mu.Unlock()

	sent := via.link.Send(protocol.RelayOffer{
		TargetPeerID: target.PeerID,
		FromPeerID:   m.id.PeerID,
		FromName:     m.id.Name,
		SDP:          desc.SDP,
	})
	if !sent {
		m.discard(e, "relay offer", errRelayUnavailable)
		return errRelayUnavailable
	}

	m.logger.Debugf("Sent relay offer to %s via %s", target.Name, via.peer.Name)
	return nil
}

func (m *Manager) handleRelayOffer(from *entry, msg *protocol.RelayOffer) {
	if msg.TargetPeerID != m.id.PeerID {
		m.forward(msg.TargetPeerID, msg)
		return
	}

	m.mu.Lock()
	_, established := m.established[msg.FromPeerID]
	m.mu.Unlock()
	if established {
		m.logger.Debugf("Ignoring relay offer from already connected %s", msg.FromPeerID)
		return
	}

	offer := *msg
	m.spawn(func() { m.answerRelay(from, offer) })
}

func (m *Manager) answerRelay(via *entry, msg protocol.RelayOffer) {
	key := newKey(prefixRelay)
	ctx, span := m.tracer.startNegotiation(m.ctx, SpanRelayAnswer, key, msg.FromPeerID)

	answer, err := m.answer(ctx, key, "relay answer", msg.FromPeerID,
		transport.Description{Type: transport.SDPOffer, SDP: msg.SDP})
	if err == nil {
		sent := via.link.Send(protocol.RelayAnswer{
			TargetPeerID: msg.FromPeerID,
			FromPeerID:   m.id.PeerID,
			SDP:          answer.Description.SDP,
		})
		if !sent {
			m.mu.Lock()
			e := m.entryByKeyLocked(key)
			m.mu.Unlock()
			if e != nil {
				m.discard(e, "relay answer", errRelayUnavailable)
			}
			err = errRelayUnavailable
		}
	}
	if err != nil {
		m.logger.Debugf("Relay answer to %s failed: %v", msg.FromPeerID, err)
	}
	endSpan(span, err)
}

func (m *Manager) handleRelayAnswer(_ *entry, msg *protocol.RelayAnswer) {
	if msg.TargetPeerID != m.id.PeerID {
		m.forward(msg.TargetPeerID, msg)
		return
	}

	m.mu.Lock()
	e := m.matchRelayLocked(msg.FromPeerID)
	if e == nil {
		m.mu.Unlock()
		m.logger.Debugf("No relay link waiting for an answer from %s", msg.FromPeerID)
		return
	}
	e.awaitingAnswer = false
	m.mu.Unlock()

	if err := m.applyAnswer(e, "relay answer", transport.Description{Type: transport.SDPAnswer, SDP: msg.SDP}); err != nil {
		m.logger.Debugf("Failed to apply relay answer from %s: %v", msg.FromPeerID, err)
	}
}

// matchRelayLocked finds the relay link waiting for an answer from
// peerID, falling back to the oldest relay link waiting for any answer.
func (m *Manager) matchRelayLocked(peerID string) *entry {
	var exact, fallback *entry
	for _, e := range m.entries {
		if !e.awaitingAnswer || !isRelayKey(e.key) {
			continue
		}
		if e.relayTarget == peerID && (exact == nil || e.handle < exact.handle) {
			exact = e
		}
		if fallback == nil || e.handle < fallback.handle {
			fallback = e
		}
	}
	if exact != nil {
		return exact
	}
	return fallback
}

// forward passes a relay message on to the peer it is addressed to.
func (m *Manager) forward(target string, msg protocol.Message) {
	m.mu.Lock()
	e := m.establishedLocked(target)
	m.mu.Unlock()
	if e == nil {
		m.logger.Debugf("Dropping %s for unknown peer %s", msg.Type(), target)
		return
	}
	if e.link.Send(msg) {
		m.metrics.RelayForwarded(string(msg.Type()))
	}
}

func (m *Manager) handleGoodbye(e *entry) {
	now := time.Now()
	m.mu.Lock()
	for id, until := range m.leaving {
		if now.After(until) {
			delete(m.leaving, id)
		}
	}
	m.leaving[e.peer.PeerID] = now.Add(m.cfg.LeaveWindow)
	m.mu.Unlock()

	m.logger.WithField("peer", e.peer.PeerID).Debugf("%s is leaving", e.peer.Name)
}
