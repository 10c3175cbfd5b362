package protocol

import (
	"errors"
	"fmt"
)

type Message interface {
	Type() MessageType
}

// PeerEntry names one established peer inside a peer-list.
type PeerEntry struct {
	PeerID string `json:"peerId"`
	Name   string `json:"name"`
}

type Introduce struct {
	PeerID string `json:"peerId"`
	Name   string `json:"name"`
}

func (Introduce) Type() MessageType { return MsgIntroduce }

type PeerList struct {
	Peers []PeerEntry `json:"peers"`
}

func (PeerList) Type() MessageType { return MsgPeerList }

type RelayOffer struct {
	TargetPeerID string `json:"targetPeerId"`
	FromPeerID   string `json:"fromPeerId"`
	FromName     string `json:"fromName,omitempty"`
	SDP          string `json:"sdp"`
}

func (RelayOffer) Type() MessageType { return MsgRelayOffer }

type RelayAnswer struct {
	TargetPeerID string `json:"targetPeerId"`
	FromPeerID   string `json:"fromPeerId"`
	SDP          string `json:"sdp"`
}

func (RelayAnswer) Type() MessageType { return MsgRelayAnswer }

type Heartbeat struct{}

func (Heartbeat) Type() MessageType { return MsgHeartbeat }

type HeartbeatAck struct{}

func (HeartbeatAck) Type() MessageType { return MsgHeartbeatAck }

type Goodbye struct{}

func (Goodbye) Type() MessageType { return MsgGoodbye }

type Text struct {
	Data string `json:"data"`
}

func (Text) Type() MessageType { return MsgText }

type Typing struct {
	IsTyping bool `json:"isTyping"`
}

func (Typing) Type() MessageType { return MsgTyping }

// Ping carries a sender-chosen id and a millisecond timestamp that the pong echoes back.
type Ping struct {
	ID        int64   `json:"id"`
	Timestamp float64 `json:"timestamp"`
}

func (Ping) Type() MessageType { return MsgPing }

type Pong struct {
	ID        int64   `json:"id"`
	Timestamp float64 `json:"timestamp"`
}

func (Pong) Type() MessageType { return MsgPong }

type FileMeta struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

func (FileMeta) Type() MessageType { return MsgFileMeta }

type FileEnd struct{}

func (FileEnd) Type() MessageType { return MsgFileEnd }

type SpeedStart struct {
	Size int64 `json:"size"`
}

func (SpeedStart) Type() MessageType { return MsgSpeedStart }

type SpeedEnd struct{}

func (SpeedEnd) Type() MessageType { return MsgSpeedEnd }

// Raw is a message of a type the core does not know about. Fields holds the
// whole decoded object, including its "type" entry.
type Raw struct {
	Kind   MessageType
	Fields map[string]any
}

func (r *Raw) Type() MessageType { return r.Kind }

var ErrMissingType = errors.New("message has no type")

// NewRaw builds an extension message from a JSON-like map. The map must carry
// a non-empty string "type".
func NewRaw(fields map[string]any) (*Raw, error) {
	kind, ok := fields["type"].(string)
	if !ok || kind == "" {
		return nil, ErrMissingType
	}
	if _, known := registry[MessageType(kind)]; known {
		return nil, fmt.Errorf("type %q is reserved", kind)
	}
	return &Raw{Kind: MessageType(kind), Fields: fields}, nil
}
