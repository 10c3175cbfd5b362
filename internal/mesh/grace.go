package mesh

import (
	"context"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/peer-mesh/internal/link"
)

// grace tracks a peer that dropped without saying goodbye.
type grace struct {
	peer      Identity
	expiresAt time.Time

	// Guarded by Manager.mu.
	reofferHandle uint64

	stop     chan struct{}
	stopOnce sync.Once
}

func (g *grace) halt() {
	g.stopOnce.Do(func() { close(g.stop) })
}

// hold delays the grace period of a peer whose link dropped while another
// open link may still turn out to lead to it.
type hold struct {
	peer  Identity
	timer *time.Timer
}

func (m *Manager) handleLinkClosed(e *entry) {
	m.mu.Lock()
	if m.entries[e.handle] != e {
		m.mu.Unlock()
		return
	}
	m.removeLocked(e)

	if !e.established || m.closed {
		m.mu.Unlock()
		m.logger.Debugf("Pending link %s closed before its handshake", e.key)
		e.outcome.resolve(Identity{}, &NegotiationError{Op: "handshake", Key: e.key, Err: link.ErrClosed})
		return
	}

	peer := e.peer
	now := time.Now()
	until, leaving := m.leaving[peer.PeerID]
	delete(m.leaving, peer.PeerID)

	if leaving && !now.After(until) {
		snap := m.snapshotLocked()
		m.mu.Unlock()

		m.logger.WithField("peer", peer.PeerID).Infof("%s left", peer.Name)
		m.emit(PeerLeft{PeerID: peer.PeerID, Name: peer.Name, Reason: LeaveGoodbye})
		m.persist(snap)
		return
	}

	if spare := m.heldLocked(peer.PeerID); len(spare) > 0 {
		next := spare[0]
		m.promoteLocked(next)
		m.mu.Unlock()
		m.logger.WithField("peer", peer.PeerID).Debugf("Switched %s over to link %s", peer.Name, next.key)
		return
	}

	if m.openCandidateLocked(peer.PeerID) {
		h := &hold{peer: peer}
		h.timer = time.AfterFunc(m.cfg.DuplicateHold, func() { m.endHold(h) })
		m.holds[peer.PeerID] = h
		m.mu.Unlock()
		m.logger.WithField("peer", peer.PeerID).Debugf("Link to %s closed, waiting %s for another open link", peer.Name, m.cfg.DuplicateHold)
		return
	}

	m.startGraceLocked(peer, now)
}

// openCandidateLocked reports whether an open link that has not introduced
// itself yet could belong to peerID.
func (m *Manager) openCandidateLocked(peerID string) bool {
	for _, e := range m.entries {
		if e.established || e.held || e.link.State() != link.StateOpen {
			continue
		}
		if e.peer.PeerID != "" && e.peer.PeerID != peerID {
			continue
		}
		if e.relayTarget != "" && e.relayTarget != peerID {
			continue
		}
		if e.reofferFor != "" && e.reofferFor != peerID {
			continue
		}
		return true
	}
	return false
}

func (m *Manager) endHold(h *hold) {
	m.mu.Lock()
	if m.closed || m.holds[h.peer.PeerID] != h {
		m.mu.Unlock()
		return
	}
	delete(m.holds, h.peer.PeerID)
	m.startGraceLocked(h.peer, time.Now())
}

// startGraceLocked puts peer into its grace period. It releases m.mu.
func (m *Manager) startGraceLocked(peer Identity, now time.Time) {
	g := &grace{
		peer:      peer,
		expiresAt: now.Add(m.cfg.GracePeriod),
		stop:      make(chan struct{}),
	}
	if old, ok := m.graces[peer.PeerID]; ok {
		old.halt()
	}
	m.graces[peer.PeerID] = g
	m.mu.Unlock()

	m.logger.WithField("peer", peer.PeerID).Warnf("Lost connection to %s, waiting %s for it to come back", peer.Name, m.cfg.GracePeriod)
	m.metrics.GraceStarted()
	m.emit(PeerReconnecting{PeerID: peer.PeerID, Name: peer.Name, ExpiresAt: g.expiresAt})
	m.spawn(func() { m.runGrace(g) })
}

func (m *Manager) runGrace(g *grace) {
	m.reoffer(g)

	ticker := time.NewTicker(m.cfg.GraceTick)
	defer ticker.Stop()
	timer := time.NewTimer(time.Until(g.expiresAt))
	defer timer.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-m.done:
			return
		case now := <-ticker.C:
			if !m.graceActive(g) {
				return
			}
			remaining := g.expiresAt.Sub(now)
			if remaining < 0 {
				remaining = 0
			}
			m.emit(GraceCountdown{PeerID: g.peer.PeerID, Name: g.peer.Name, Remaining: remaining})
		case <-timer.C:
			m.endGrace(g, LeaveTimeout)
			return
		}
	}
}

// reoffer prepares a fresh offer the user can hand to the missing peer.
func (m *Manager) reoffer(g *grace) {
	key := newKey(prefixReoffer)
	ctx, span := m.tracer.startNegotiation(m.ctx, SpanReoffer, key, g.peer.PeerID)

	e, err := m.newLink(key, true)
	if err != nil {
		endSpan(span, err)
		return
	}

	m.mu.Lock()
	e.reofferFor = g.peer.PeerID
	active := m.graces[g.peer.PeerID] == g
	if active {
		g.reofferHandle = e.handle
	}
	m.mu.Unlock()
	if !active {
		m.drop(e)
		endSpan(span, nil)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.NegotiationTimeout)
	defer cancel()

	desc, err := e.link.CreateOffer(ctx)
	if err != nil {
		m.logger.Warnf("Failed to create re-offer for %s: %v", g.peer.Name, err)
		m.drop(e)
		endSpan(span, err)
		return
	}

	m.mu.Lock()
	e.awaitingAnswer = true
	m.mu.Unlock()

	endSpan(span, nil)
	m.emit(ReofferReady{PeerID: g.peer.PeerID, Name: g.peer.Name, Key: key, Offer: desc})
}

func (m *Manager) graceActive(g *grace) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.graces[g.peer.PeerID] == g
}

// endGrace reports the peer as gone. Only the first call for g does
// anything.
func (m *Manager) endGrace(g *grace, reason LeaveReason) {
	m.mu.Lock()
	if m.graces[g.peer.PeerID] != g {
		m.mu.Unlock()
		return
	}
	delete(m.graces, g.peer.PeerID)
	g.halt()

	var stale *link.Link
	if re, ok := m.entries[g.reofferHandle]; ok && !re.established {
		m.removeLocked(re)
		stale = re.link
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if stale != nil {
		_ = stale.Close()
	}

	m.logger.WithField("peer", g.peer.PeerID).Infof("%s disconnected (%s)", g.peer.Name, reason)
	m.metrics.GraceEnded(reason.String())
	m.emit(PeerLeft{PeerID: g.peer.PeerID, Name: g.peer.Name, Reason: reason})
	m.persist(snap)
}

// CancelGrace gives up on a peer in its grace period.
func (m *Manager) CancelGrace(peerID string) error {
	m.mu.Lock()
	g, ok := m.graces[peerID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownPeer
	}
	m.endGrace(g, LeaveCancelled)
	return nil
}

// drop removes a pending link without reporting anything.
func (m *Manager) drop(e *entry) {
	m.mu.Lock()
	if m.entries[e.handle] == e {
		m.removeLocked(e)
	}
	m.mu.Unlock()
	_ = e.link.Close()
}
