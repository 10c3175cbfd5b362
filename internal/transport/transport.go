// Package transport describes the negotiation primitive the mesh runs on:
// offer/answer creation, candidate gathering and ordered reliable channels.
package transport

import (
	"context"
	"errors"
)

// PrimaryLabel names the channel every session negotiates for mesh traffic.
const PrimaryLabel = "messages"

var (
	ErrClosed             = errors.New("transport closed")
	ErrChannelNotOpen     = errors.New("channel not open")
	ErrUnknownDescription = errors.New("unknown session description")
)

type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

// Description is a session description exchanged out of band or over a relay.
type Description struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateChecking
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateChecking:
		return "checking"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type EventKind int

const (
	// EventStateChange reports a connection (ICE) state transition in State.
	EventStateChange EventKind = iota
	// EventChannelOpen, EventChannelClose and EventChannelError concern the
	// channel named by Label.
	EventChannelOpen
	EventChannelClose
	EventChannelError
	// EventMessage carries one frame received on the channel named by Label.
	EventMessage
	// EventDataChannel announces a channel the remote side created.
	EventDataChannel
)

type Event struct {
	Kind    EventKind
	State   ConnectionState
	Label   string
	Channel Channel
	Data    []byte
	IsText  bool
	Err     error
}

// Factory creates one Session per connection attempt.
type Factory interface {
	NewSession() (Session, error)
}

// Session is one negotiated connection to a single remote peer.
//
// CreateOffer and CreateAnswer return once candidate gathering completed or
// the implementation's gathering deadline passed, whichever happens first.
// Events is never closed; consumers stop reading when they are done with
// the session.
type Session interface {
	CreateOffer(ctx context.Context) (Description, error)
	CreateAnswer(ctx context.Context, offer Description) (Description, error)
	ApplyAnswer(answer Description) error
	Channel() Channel
	OpenChannel(label string) (Channel, error)
	Events() <-chan Event
	Close() error
}

// Channel is an ordered reliable message channel. BufferedAmount is the
// number of bytes accepted by Send/SendText but not yet handed to the
// network. The low callback fires when BufferedAmount drops from above the
// threshold to at or below it.
type Channel interface {
	Label() string
	SendText(s string) error
	Send(data []byte) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(threshold uint64)
	OnBufferedAmountLow(f func())
	Close() error
}
