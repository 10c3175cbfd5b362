package link

import (
	"time"

	"github.com/rudransh-shrivastava/peer-mesh/internal/protocol"
	"github.com/rudransh-shrivastava/peer-mesh/internal/transport"
)

type EventKind int

const (
	// EventOpen: the primary channel opened and introduce was sent.
	EventOpen EventKind = iota
	// EventClosed: the remote side or the network closed an open link.
	EventClosed
	// EventFailed: negotiation or the pre-open window failed; Err says why.
	EventFailed
	EventLiveness
	// EventControl carries a mesh control message (introduce, peer-list,
	// relay-offer, relay-answer, goodbye) in Message.
	EventControl
	// EventMessage carries text, typing and pong messages.
	EventMessage
	EventFileIncoming
	EventFileProgress
	EventFileReceived
	EventSpeedResult
	EventChannelOpened
	EventChannelMessage
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventClosed:
		return "closed"
	case EventFailed:
		return "failed"
	case EventLiveness:
		return "liveness"
	case EventControl:
		return "control"
	case EventMessage:
		return "message"
	case EventFileIncoming:
		return "file-incoming"
	case EventFileProgress:
		return "file-progress"
	case EventFileReceived:
		return "file-received"
	case EventSpeedResult:
		return "speed-result"
	case EventChannelOpened:
		return "channel-opened"
	case EventChannelMessage:
		return "channel-message"
	default:
		return "unknown"
	}
}

// Event is what a link reports to its owner. Which fields are set depends
// on Kind.
type Event struct {
	Kind EventKind
	Link *Link

	Err      error
	Liveness Liveness
	Message  protocol.Message

	File     File
	Received int64

	Speed SpeedResult

	Label   string
	Channel transport.Channel
	Data    []byte
	IsText  bool
}

// File describes an incoming transfer. Data is only set once the transfer
// completed.
type File struct {
	Name     string
	Size     int64
	MimeType string
	Data     []byte
}

type SpeedResult struct {
	Bytes    int64
	Duration time.Duration
}

// Mbps returns the measured throughput in megabits per second.
func (r SpeedResult) Mbps() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Bytes) * 8 / r.Duration.Seconds() / 1e6
}
