package mesh

import (
	"context"
	"time"

	"github.com/rudransh-shrivastava/peer-mesh/internal/session"
)

// snapshotLocked returns the current membership, or nil when nothing is
// established.
func (m *Manager) snapshotLocked() *session.Snapshot {
	if len(m.established) == 0 {
		return nil
	}
	snap := m.currentSnapshotLocked()
	return &snap
}

func (m *Manager) currentSnapshotLocked() session.Snapshot {
	peers := m.peerListLocked("")
	snap := session.Snapshot{
		LocalID:   m.id.PeerID,
		LocalName: m.id.Name,
		Peers:     make([]session.Peer, 0, len(peers)),
		Timestamp: time.Now(),
	}
	for _, p := range peers {
		snap.Peers = append(snap.Peers, session.Peer{PeerID: p.PeerID, Name: p.Name})
	}
	return snap
}

// persist queues snap for the background writer. Only the newest queued
// snapshot is written.
func (m *Manager) persist(snap *session.Snapshot) {
	if m.repo == nil || snap == nil {
		return
	}
	for {
		select {
		case m.persistCh <- *snap:
			return
		default:
		}
		select {
		case <-m.persistCh:
		default:
		}
	}
}

func (m *Manager) persistLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case snap := <-m.persistCh:
			ctx, cancel := context.WithTimeout(context.Background(), snapshotWriteTimeout)
			if err := m.repo.Save(ctx, snap); err != nil {
				m.logger.Warnf("Failed to save session snapshot: %v", err)
			}
			cancel()
		}
	}
}

// SaveSnapshot writes the current membership right away, even when no peer
// is connected. Call it before the process goes away so a restart can
// resume with the same identity.
func (m *Manager) SaveSnapshot(ctx context.Context) error {
	if m.repo == nil {
		return nil
	}
	m.mu.Lock()
	snap := m.currentSnapshotLocked()
	m.mu.Unlock()
	return m.repo.Save(ctx, snap)
}
