package link

import (
	"bytes"
	"time"

	"github.com/rudransh-shrivastava/peer-mesh/internal/protocol"
)

type incomingFile struct {
	meta     File
	buf      bytes.Buffer
	received int64
}

type speedTest struct {
	expected int64
	received int64
	start    time.Time
}

func (l *Link) receive(data []byte, isText bool) {
	if !isText {
		l.receiveBinary(data)
		return
	}

	l.msgsReceived.Add(1)
	l.bytesReceived.Add(int64(len(data)))
	l.metrics.MessageReceived(len(data))

	msg, err := l.codec.DecodeFromBytes(data)
	if err != nil {
		l.logger.Warnf("Dropping malformed frame: %v", err)
		return
	}

	switch m := msg.(type) {
	case *protocol.Heartbeat:
		if err := l.send(protocol.HeartbeatAck{}); err != nil {
			l.logger.Debugf("Failed to send heartbeat ack: %v", err)
		}

	case *protocol.HeartbeatAck:
		l.lastAck = time.Now()
		l.setLiveness(LivenessConnected)

	case *protocol.Ping:
		if err := l.send(protocol.Pong{ID: m.ID, Timestamp: m.Timestamp}); err != nil {
			l.logger.Debugf("Failed to send pong: %v", err)
		}

	case *protocol.FileMeta:
		if m.Size < 0 {
			l.logger.Warnf("Ignoring file %s with negative size %d", m.Name, m.Size)
			l.incoming = nil
			return
		}
		mime := m.MimeType
		if mime == "" {
			mime = protocol.DefaultMimeType
		}
		l.incoming = &incomingFile{meta: File{Name: m.Name, Size: m.Size, MimeType: mime}}
		l.logger.Infof("Receiving file %s (%d bytes)", m.Name, m.Size)
		l.emit(Event{Kind: EventFileIncoming, File: l.incoming.meta})

	case *protocol.FileEnd:
		if l.incoming == nil {
			l.logger.Debugf("Ignoring file-end without file-meta")
			return
		}
		file := l.incoming.meta
		file.Data = l.incoming.buf.Bytes()
		received := l.incoming.received
		l.incoming = nil
		l.emit(Event{Kind: EventFileReceived, File: file, Received: received})

	case *protocol.SpeedStart:
		l.speed = &speedTest{expected: m.Size, start: time.Now()}

	case *protocol.SpeedEnd:
		if l.speed == nil {
			return
		}
		result := SpeedResult{Bytes: l.speed.received, Duration: time.Since(l.speed.start)}
		l.speed = nil
		l.emit(Event{Kind: EventSpeedResult, Speed: result})

	default:
		l.dispatch(msg)
	}
}

func (l *Link) dispatch(msg protocol.Message) {
	if msg.Type().IsControl() {
		l.emit(Event{Kind: EventControl, Message: msg})
		return
	}
	if h := l.handler(msg.Type()); h != nil {
		h(l, msg)
		return
	}
	switch msg.Type() {
	case protocol.MsgText, protocol.MsgTyping, protocol.MsgPong:
		l.emit(Event{Kind: EventMessage, Message: msg})
	default:
		l.logger.Debugf("Unhandled message type: %s", msg.Type())
	}
}

// Binary frames belong to a running speed test first, then to an incoming
// file; anything else is dropped.
func (l *Link) receiveBinary(data []byte) {
	l.bytesReceived.Add(int64(len(data)))

	switch {
	case l.speed != nil:
		l.speed.received += int64(len(data))
	case l.incoming != nil:
		if l.incoming.received+int64(len(data)) > l.incoming.meta.Size {
			l.logger.Warnf("Dropping file %s: more data than the announced %d bytes", l.incoming.meta.Name, l.incoming.meta.Size)
			l.incoming = nil
			return
		}
		l.incoming.buf.Write(data)
		l.incoming.received += int64(len(data))
		l.emit(Event{Kind: EventFileProgress, File: l.incoming.meta, Received: l.incoming.received})
	default:
		l.logger.Debugf("Dropping %d byte binary frame with no transfer in progress", len(data))
	}
}
