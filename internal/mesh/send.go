package mesh

import (
	"context"
	"io"

	"github.com/rudransh-shrivastava/peer-mesh/internal/link"
	"github.com/rudransh-shrivastava/peer-mesh/internal/protocol"
	"github.com/rudransh-shrivastava/peer-mesh/internal/transport"
)

// Send writes msg to peerID. It reports false when the peer is unknown or
// the link refused the message.
func (m *Manager) Send(peerID string, msg protocol.Message) bool {
	l := m.Link(peerID)
	if l == nil {
		return false
	}
	return l.Send(msg)
}

func (m *Manager) SendRaw(peerID string, fields map[string]any) bool {
	l := m.Link(peerID)
	if l == nil {
		return false
	}
	return l.SendRaw(fields)
}

// Broadcast writes msg to every established peer and reports whether at
// least one accepted it.
func (m *Manager) Broadcast(msg protocol.Message) bool {
	sent := false
	for _, l := range m.links() {
		if l.Send(msg) {
			sent = true
		}
	}
	return sent
}

func (m *Manager) BroadcastRaw(fields map[string]any) bool {
	raw, err := protocol.NewRaw(fields)
	if err != nil {
		m.logger.Warnf("Rejected extension message: %v", err)
		return false
	}
	return m.Broadcast(raw)
}

func (m *Manager) SendFile(ctx context.Context, peerID, name, mimeType string, r io.Reader, size int64, progress func(sent, total int64)) error {
	l := m.Link(peerID)
	if l == nil {
		return ErrUnknownPeer
	}
	return l.SendFile(ctx, name, mimeType, r, size, progress)
}

func (m *Manager) SpeedTest(ctx context.Context, peerID string, size int64) (link.SpeedResult, error) {
	l := m.Link(peerID)
	if l == nil {
		return link.SpeedResult{}, ErrUnknownPeer
	}
	return l.SpeedTest(ctx, size)
}

func (m *Manager) Ping(peerID string, id int64) bool {
	l := m.Link(peerID)
	if l == nil {
		return false
	}
	return l.Ping(id)
}

// OpenChannel opens an additional named channel to peerID.
func (m *Manager) OpenChannel(peerID, label string) (transport.Channel, error) {
	l := m.Link(peerID)
	if l == nil {
		return nil, ErrUnknownPeer
	}
	return l.OpenChannel(label)
}

func (m *Manager) links() []*link.Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	links := make([]*link.Link, 0, len(m.established))
	for _, h := range m.established {
		links = append(links, m.entries[h].link)
	}
	return links
}
