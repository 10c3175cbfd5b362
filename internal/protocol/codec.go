package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

var registry = map[MessageType]func() Message{
	MsgIntroduce:    func() Message { return &Introduce{} },
	MsgPeerList:     func() Message { return &PeerList{} },
	MsgRelayOffer:   func() Message { return &RelayOffer{} },
	MsgRelayAnswer:  func() Message { return &RelayAnswer{} },
	MsgHeartbeat:    func() Message { return &Heartbeat{} },
	MsgHeartbeatAck: func() Message { return &HeartbeatAck{} },
	MsgGoodbye:      func() Message { return &Goodbye{} },
	MsgText:         func() Message { return &Text{} },
	MsgTyping:       func() Message { return &Typing{} },
	MsgPing:         func() Message { return &Ping{} },
	MsgPong:         func() Message { return &Pong{} },
	MsgFileMeta:     func() Message { return &FileMeta{} },
	MsgFileEnd:      func() Message { return &FileEnd{} },
	MsgSpeedStart:   func() Message { return &SpeedStart{} },
	MsgSpeedEnd:     func() Message { return &SpeedEnd{} },
}

// ErrMalformed wraps every decoding failure of an incoming frame.
var ErrMalformed = errors.New("malformed frame")

// Codec turns messages into single JSON text frames and back. Frames carry
// no length prefix; the data channel preserves message boundaries.
type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) Encode(w io.Writer, msg Message) error {
	data, err := c.EncodeToBytes(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (c *Codec) Decode(r io.Reader) (Message, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return c.DecodeFromBytes(data)
}

func (c *Codec) EncodeToBytes(msg Message) ([]byte, error) {
	if raw, ok := msg.(*Raw); ok {
		return encodeRaw(raw)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encode %s: not an object", msg.Type())
	}

	kind, err := json.Marshal(string(msg.Type()))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(kind) + 9)
	buf.WriteString(`{"type":`)
	buf.Write(kind)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

func (c *Codec) DecodeFromBytes(data []byte) (Message, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, ErrMissingType)
	}

	newMsg, ok := registry[head.Type]
	if !ok {
		return decodeRaw(head.Type, data)
	}

	msg := newMsg()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, head.Type, err)
	}
	return msg, nil
}

// Extension payloads go through structpb so that only JSON-representable
// values ever reach the wire.
func encodeRaw(raw *Raw) ([]byte, error) {
	fields := make(map[string]any, len(raw.Fields)+1)
	for k, v := range raw.Fields {
		fields[k] = v
	}
	fields["type"] = string(raw.Kind)

	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", raw.Kind, err)
	}
	return protojson.Marshal(st)
}

func decodeRaw(kind MessageType, data []byte) (*Raw, error) {
	var st structpb.Struct
	if err := protojson.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
	}
	return &Raw{Kind: kind, Fields: st.AsMap()}, nil
}
