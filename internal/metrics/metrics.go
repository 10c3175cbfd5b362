// Package metrics defines the counters the mesh reports and their
// implementations.
package metrics

// Metrics is the sink the link and mesh layers report to. Implementations
// must be safe for concurrent use.
type Metrics interface {
	// LinkOpened is called when a link's primary channel opens.
	// direction is "initiator" or "responder".
	LinkOpened(direction string)
	// LinkClosed is called once per closed link with "closed", "failed" or "timeout".
	LinkClosed(reason string)

	MessageSent(bytes int)
	MessageReceived(bytes int)

	// HandshakeCompleted reports the introduce outcome: "joined", "reconnected",
	// "duplicate" or "failed".
	HandshakeCompleted(result string)
	LivenessChanged(state string)
	BackpressureEngaged()

	// RelayForwarded counts relay frames passed through for other peers.
	RelayForwarded(kind string)

	GraceStarted()
	// GraceEnded reports "reconnected", "timeout" or "cancelled".
	GraceEnded(result string)

	EventDropped()
	PeersEstablished(n int)
}

// Nop discards everything.
type Nop struct{}

var _ Metrics = Nop{}

func (Nop) LinkOpened(string)         {}
func (Nop) LinkClosed(string)         {}
func (Nop) MessageSent(int)           {}
func (Nop) MessageReceived(int)       {}
func (Nop) HandshakeCompleted(string) {}
func (Nop) LivenessChanged(string)    {}
func (Nop) BackpressureEngaged()      {}
func (Nop) RelayForwarded(string)     {}
func (Nop) GraceStarted()             {}
func (Nop) GraceEnded(string)         {}
func (Nop) EventDropped()             {}
func (Nop) PeersEstablished(int)      {}
