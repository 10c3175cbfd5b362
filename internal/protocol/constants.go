package protocol

// MessageType is the value of the "type" field carried by every text frame.
type MessageType string

const (
	MsgIntroduce    MessageType = "introduce"
	MsgPeerList     MessageType = "peer-list"
	MsgRelayOffer   MessageType = "relay-offer"
	MsgRelayAnswer  MessageType = "relay-answer"
	MsgHeartbeat    MessageType = "heartbeat"
	MsgHeartbeatAck MessageType = "heartbeat-ack"
	MsgGoodbye      MessageType = "goodbye"
	MsgText         MessageType = "text"
	MsgTyping       MessageType = "typing"
	MsgPing         MessageType = "ping"
	MsgPong         MessageType = "pong"
	MsgFileMeta     MessageType = "file-meta"
	MsgFileEnd      MessageType = "file-end"
	MsgSpeedStart   MessageType = "speed-start"
	MsgSpeedEnd     MessageType = "speed-end"
)

const (
	// DefaultMimeType is announced for files without a known content type.
	DefaultMimeType = "application/octet-stream"

	// SustainedSize marks a speed test of unknown length.
	SustainedSize int64 = -1
)

func (t MessageType) String() string {
	return string(t)
}

// IsControl reports whether the type belongs to the mesh control plane
// (handshake, mesh formation and departure).
func (t MessageType) IsControl() bool {
	switch t {
	case MsgIntroduce, MsgPeerList, MsgRelayOffer, MsgRelayAnswer, MsgGoodbye:
		return true
	default:
		return false
	}
}
