package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestCodecIntroduceWireFormat(t *testing.T) {
	codec := NewCodec()

	data, err := codec.EncodeToBytes(&Introduce{PeerID: "ab12", Name: "Swift Fox"})
	if err != nil {
		t.Fatalf("EncodeToBytes failed: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("frame is not JSON: %v", err)
	}
	if fields["type"] != "introduce" {
		t.Errorf("expected type 'introduce', got %v", fields["type"])
	}
	if fields["peerId"] != "ab12" {
		t.Errorf("expected peerId 'ab12', got %v", fields["peerId"])
	}
	if fields["name"] != "Swift Fox" {
		t.Errorf("expected name 'Swift Fox', got %v", fields["name"])
	}
	if bytes.ContainsRune(data, '\n') {
		t.Error("frame must not contain newlines")
	}
}

func TestCodecEmptyMessage(t *testing.T) {
	codec := NewCodec()

	data, err := codec.EncodeToBytes(&Heartbeat{})
	if err != nil {
		t.Fatalf("EncodeToBytes failed: %v", err)
	}
	if string(data) != `{"type":"heartbeat"}` {
		t.Errorf("unexpected heartbeat frame %s", data)
	}

	decoded, err := codec.DecodeFromBytes(data)
	if err != nil {
		t.Fatalf("DecodeFromBytes failed: %v", err)
	}
	if _, ok := decoded.(*Heartbeat); !ok {
		t.Errorf("Expected *Heartbeat, got %T", decoded)
	}
}

func TestCodecRelayOffer(t *testing.T) {
	codec := NewCodec()
	var buf bytes.Buffer

	msg := &RelayOffer{TargetPeerID: "ab12", FromPeerID: "ef56", FromName: "Bold Wolf", SDP: "v=0\r\n"}
	if err := codec.Encode(&buf, msg); err != nil {
		t.Fatalf("Encode RelayOffer failed: %v", err)
	}

	decoded, err := codec.Decode(&buf)
	if err != nil {
		t.Fatalf("Decode RelayOffer failed: %v", err)
	}

	got, ok := decoded.(*RelayOffer)
	if !ok {
		t.Fatalf("Expected *RelayOffer, got %T", decoded)
	}
	if *got != *msg {
		t.Errorf("expected %+v, got %+v", *msg, *got)
	}
}

func TestCodecPeerList(t *testing.T) {
	codec := NewCodec()

	data := []byte(`{"type":"peer-list","peers":[{"peerId":"ab12","name":"Swift Fox"},{"peerId":"cd34","name":"Calm Owl"}]}`)
	decoded, err := codec.DecodeFromBytes(data)
	if err != nil {
		t.Fatalf("DecodeFromBytes failed: %v", err)
	}

	list, ok := decoded.(*PeerList)
	if !ok {
		t.Fatalf("Expected *PeerList, got %T", decoded)
	}
	if len(list.Peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(list.Peers))
	}
	if list.Peers[1].Name != "Calm Owl" {
		t.Errorf("expected 'Calm Owl', got %q", list.Peers[1].Name)
	}
}

func TestCodecUnknownTypeBecomesRaw(t *testing.T) {
	codec := NewCodec()

	decoded, err := codec.DecodeFromBytes([]byte(`{"type":"draw-stroke","points":[1,2,3],"color":"red"}`))
	if err != nil {
		t.Fatalf("DecodeFromBytes failed: %v", err)
	}

	raw, ok := decoded.(*Raw)
	if !ok {
		t.Fatalf("Expected *Raw, got %T", decoded)
	}
	if raw.Type() != "draw-stroke" {
		t.Errorf("expected type draw-stroke, got %s", raw.Type())
	}
	if raw.Fields["color"] != "red" {
		t.Errorf("expected color red, got %v", raw.Fields["color"])
	}
	points, ok := raw.Fields["points"].([]any)
	if !ok || len(points) != 3 {
		t.Errorf("expected 3 points, got %v", raw.Fields["points"])
	}
}

func TestCodecRawEncode(t *testing.T) {
	codec := NewCodec()

	raw, err := NewRaw(map[string]any{"type": "cursor", "x": 10, "y": 20.5, "label": "me"})
	if err != nil {
		t.Fatalf("NewRaw failed: %v", err)
	}

	data, err := codec.EncodeToBytes(raw)
	if err != nil {
		t.Fatalf("EncodeToBytes failed: %v", err)
	}

	decoded, err := codec.DecodeFromBytes(data)
	if err != nil {
		t.Fatalf("DecodeFromBytes failed: %v", err)
	}
	got := decoded.(*Raw)
	if got.Fields["x"] != float64(10) {
		t.Errorf("expected x 10, got %v", got.Fields["x"])
	}
	if got.Fields["label"] != "me" {
		t.Errorf("expected label me, got %v", got.Fields["label"])
	}
}

func TestNewRawRejects(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
	}{
		{"missing type", map[string]any{"x": 1}},
		{"empty type", map[string]any{"type": ""}},
		{"non-string type", map[string]any{"type": 7}},
		{"reserved type", map[string]any{"type": "introduce"}},
	}

	for _, tt := range tests {
		if _, err := NewRaw(tt.fields); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestCodecRawRejectsNonJSONValues(t *testing.T) {
	codec := NewCodec()

	raw := &Raw{Kind: "bad", Fields: map[string]any{"ch": make(chan int)}}
	if _, err := codec.EncodeToBytes(raw); err == nil {
		t.Error("expected error for channel value")
	}
}

func TestCodecMalformed(t *testing.T) {
	codec := NewCodec()

	inputs := [][]byte{
		[]byte(`not json`),
		[]byte(`{"peerId":"ab12"}`),
		[]byte(`{"type":"introduce","peerId":12}`),
	}
	for _, in := range inputs {
		_, err := codec.DecodeFromBytes(in)
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: expected ErrMalformed, got %v", in, err)
		}
	}
}

func TestMessageTypeIsControl(t *testing.T) {
	tests := []struct {
		msgType  MessageType
		expected bool
	}{
		{MsgIntroduce, true},
		{MsgPeerList, true},
		{MsgRelayOffer, true},
		{MsgRelayAnswer, true},
		{MsgGoodbye, true},
		{MsgHeartbeat, false},
		{MsgText, false},
		{MessageType("whiteboard"), false},
	}

	for _, tt := range tests {
		if got := tt.msgType.IsControl(); got != tt.expected {
			t.Errorf("%s.IsControl() = %v, want %v", tt.msgType, got, tt.expected)
		}
	}
}
