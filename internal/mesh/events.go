package mesh

import (
	"fmt"
	"time"

	"github.com/rudransh-shrivastava/peer-mesh/internal/link"
	"github.com/rudransh-shrivastava/peer-mesh/internal/protocol"
	"github.com/rudransh-shrivastava/peer-mesh/internal/transport"
)

// Event is anything the manager reports to subscribers.
type Event interface {
	event()
}

type LeaveReason int

const (
	// LeaveGoodbye: the peer said goodbye, or we closed the link ourselves.
	LeaveGoodbye LeaveReason = iota
	// LeaveTimeout: the grace period ran out.
	LeaveTimeout
	// LeaveCancelled: the grace period was abandoned locally.
	LeaveCancelled
)

func (r LeaveReason) String() string {
	switch r {
	case LeaveGoodbye:
		return "goodbye"
	case LeaveTimeout:
		return "timeout"
	case LeaveCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type PeerJoined struct {
	PeerID string
	Name   string
}

type PeerLeft struct {
	PeerID string
	Name   string
	Reason LeaveReason
}

func (e PeerLeft) String() string {
	return fmt.Sprintf("%s disconnected (%s)", e.Name, e.Reason)
}

// PeerReconnecting starts a grace period that ends at ExpiresAt.
type PeerReconnecting struct {
	PeerID    string
	Name      string
	ExpiresAt time.Time
}

// ReofferReady carries a fresh offer for a peer in its grace period. Hand it
// to the peer out of band; its answer goes to AcceptAnswer with Key.
type ReofferReady struct {
	PeerID string
	Name   string
	Key    string
	Offer  transport.Description
}

type GraceCountdown struct {
	PeerID    string
	Name      string
	Remaining time.Duration
}

type PeerReconnected struct {
	PeerID string
	Name   string
}

type LivenessChanged struct {
	PeerID   string
	Name     string
	Liveness link.Liveness
}

// MessageReceived carries text, typing and pong messages.
type MessageReceived struct {
	PeerID  string
	Name    string
	Message protocol.Message
}

type FileIncoming struct {
	PeerID string
	Name   string
	File   link.File
}

type FileProgress struct {
	PeerID   string
	Name     string
	File     link.File
	Received int64
}

type FileReceived struct {
	PeerID string
	Name   string
	File   link.File
}

type SpeedTestReceived struct {
	PeerID string
	Name   string
	Result link.SpeedResult
}

// ConnectionFailed reports a pending connection that failed before its
// handshake. PeerID is set when the target was known.
type ConnectionFailed struct {
	Key    string
	PeerID string
	Err    error
}

type ChannelOpened struct {
	PeerID  string
	Label   string
	Channel transport.Channel
}

type ChannelMessage struct {
	PeerID string
	Label  string
	Data   []byte
	IsText bool
}

func (PeerJoined) event()        {}
func (PeerLeft) event()          {}
func (PeerReconnecting) event()  {}
func (ReofferReady) event()      {}
func (GraceCountdown) event()    {}
func (PeerReconnected) event()   {}
func (LivenessChanged) event()   {}
func (MessageReceived) event()   {}
func (FileIncoming) event()      {}
func (FileProgress) event()      {}
func (FileReceived) event()      {}
func (SpeedTestReceived) event() {}
func (ConnectionFailed) event()  {}
func (ChannelOpened) event()     {}
func (ChannelMessage) event()    {}
