package mesh

import (
	"github.com/rudransh-shrivastava/peer-mesh/internal/link"
	"github.com/rudransh-shrivastava/peer-mesh/internal/protocol"
)

func (m *Manager) handleIntroduce(e *entry, intro *protocol.Introduce) {
	if intro.PeerID == "" {
		m.logger.Warnf("Ignoring introduce without peer id on %s", e.key)
		return
	}
	peer := Identity{PeerID: intro.PeerID, Name: intro.Name}

	m.mu.Lock()
	if m.entries[e.handle] != e || e.peer.PeerID != "" {
		m.mu.Unlock()
		m.logger.Debugf("Ignoring repeated introduce on %s", e.key)
		return
	}
	if peer.PeerID == m.id.PeerID {
		m.logger.Warnf("Peer %s uses our own id %s", peer.Name, peer.PeerID)
	}
	e.peer = peer
	e.link.SetRemote(peer.PeerID, peer.Name)

	if h, ok := m.holds[peer.PeerID]; ok {
		m.resumeLocked(e, h)
		return
	}

	if g, ok := m.graces[peer.PeerID]; ok {
		m.reconnectLocked(e, g)
		return
	}

	if existing := m.establishedLocked(peer.PeerID); existing != nil {
		m.resolveDuplicateLocked(existing, e)
		return
	}

	m.promoteLocked(e)
	others := m.peerListLocked(peer.PeerID)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.logger.WithField("peer", peer.PeerID).Infof("%s joined", peer.Name)
	m.metrics.HandshakeCompleted("joined")
	m.tracer.handshake(e.key, peer.PeerID, "joined")
	e.outcome.resolve(peer, nil)
	m.emit(PeerJoined{PeerID: peer.PeerID, Name: peer.Name})
	m.sendPeerList(e.link, others)
	m.persist(snap)
}

// reconnectLocked ends the grace period of a peer that came back on e.
// It releases m.mu.
func (m *Manager) reconnectLocked(e *entry, g *grace) {
	peer := e.peer
	delete(m.graces, peer.PeerID)
	g.halt()

	var stale *link.Link
	if re, ok := m.entries[g.reofferHandle]; ok && re != e {
		m.removeLocked(re)
		stale = re.link
	}
	m.promoteLocked(e)
	others := m.peerListLocked(peer.PeerID)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if stale != nil {
		_ = stale.Close()
	}

	m.logger.WithField("peer", peer.PeerID).Infof("%s reconnected", peer.Name)
	m.metrics.GraceEnded("reconnected")
	m.metrics.HandshakeCompleted("reconnected")
	m.tracer.handshake(e.key, peer.PeerID, "reconnected")
	e.outcome.resolve(peer, nil)
	m.emit(PeerReconnected{PeerID: peer.PeerID, Name: peer.Name})
	m.sendPeerList(e.link, others)
	m.persist(snap)
}

// resumeLocked moves a peer whose link dropped during a duplicate swap onto
// e without reporting anything. It releases m.mu.
func (m *Manager) resumeLocked(e *entry, h *hold) {
	peer := e.peer
	delete(m.holds, peer.PeerID)
	h.timer.Stop()
	m.promoteLocked(e)
	m.mu.Unlock()

	m.logger.WithField("peer", peer.PeerID).Debugf("Switched %s over to link %s", peer.Name, e.key)
	m.metrics.HandshakeCompleted("duplicate")
	m.tracer.handshake(e.key, peer.PeerID, "duplicate")
	e.outcome.resolve(peer, nil)
}

// resolveDuplicateLocked keeps one of two links to the same peer. The
// loser leaves the registry before it is closed so its close goes
// unreported. When both links were initiated by the remote, the candidate
// is held instead and the remote's choice shows up as a close. It releases
// m.mu.
func (m *Manager) resolveDuplicateLocked(existing, candidate *entry) {
	peer := candidate.peer
	if peer.PeerID != m.id.PeerID && !existing.link.Initiator() && !candidate.link.Initiator() {
		candidate.held = true
		m.mu.Unlock()

		m.logger.WithField("peer", peer.PeerID).Debugf("Holding second link %s to %s until it picks one", candidate.key, peer.Name)
		m.metrics.HandshakeCompleted("duplicate")
		m.tracer.handshake(candidate.key, peer.PeerID, "held")
		candidate.outcome.resolve(peer, nil)
		return
	}

	winner, loser := existing, candidate
	if m.preferNew(existing, candidate) {
		winner, loser = candidate, existing
	}
	m.removeLocked(loser)
	if winner == candidate {
		m.promoteLocked(candidate)
	}
	m.mu.Unlock()

	m.logger.WithField("peer", peer.PeerID).Infof("Duplicate link to %s, keeping %s", peer.Name, winner.key)
	m.metrics.HandshakeCompleted("duplicate")
	m.tracer.handshake(candidate.key, peer.PeerID, "duplicate")
	candidate.outcome.resolve(peer, nil)
	_ = loser.link.Close()
}

// preferNew decides whether candidate replaces existing. For crossing
// links both sides keep the one initiated by the smaller peer id. For two
// links we initiated, the first to finish wins and the remote follows our
// close.
func (m *Manager) preferNew(existing, candidate *entry) bool {
	remote := candidate.peer.PeerID
	switch {
	case remote == m.id.PeerID:
		m.logger.Warnf("Peer id collision on %s, keeping existing link", remote)
		return false
	case existing.link.Initiator() == candidate.link.Initiator():
		return false
	case m.id.PeerID < remote:
		return candidate.link.Initiator()
	default:
		return !candidate.link.Initiator()
	}
}

func (m *Manager) sendPeerList(l *link.Link, peers []protocol.PeerEntry) {
	if len(peers) == 0 {
		return
	}
	if !l.Send(protocol.PeerList{Peers: peers}) {
		m.logger.Warnf("Failed to send peer list to %s", l.Name())
	}
}
