package link

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/rudransh-shrivastava/peer-mesh/internal/protocol"
	"github.com/rudransh-shrivastava/peer-mesh/internal/transport"
)

const flushPollInterval = 5 * time.Millisecond

// Send writes one text frame. It reports false when the link is not open or
// the channel rejected the frame.
func (l *Link) Send(msg protocol.Message) bool {
	if err := l.send(msg); err != nil {
		l.logger.Debugf("Failed to send %s: %v", msg.Type(), err)
		return false
	}
	return true
}

// SendRaw sends an extension message built from fields, which must carry a
// non-reserved "type".
func (l *Link) SendRaw(fields map[string]any) bool {
	raw, err := protocol.NewRaw(fields)
	if err != nil {
		l.logger.Warnf("Rejected extension message: %v", err)
		return false
	}
	return l.Send(raw)
}

// Ping sends a ping stamped with the current time in milliseconds.
func (l *Link) Ping(id int64) bool {
	return l.Send(protocol.Ping{ID: id, Timestamp: float64(time.Now().UnixMicro()) / 1000})
}

func (l *Link) send(msg protocol.Message) error {
	ch, err := l.openChannel()
	if err != nil {
		return err
	}

	data, err := l.codec.EncodeToBytes(msg)
	if err != nil {
		return err
	}
	if err := ch.SendText(string(data)); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type(), err)
	}

	l.msgsSent.Add(1)
	l.bytesSent.Add(int64(len(data)))
	l.metrics.MessageSent(len(data))
	return nil
}

func (l *Link) openChannel() (transport.Channel, error) {
	switch l.State() {
	case StateClosed:
		return nil, ErrClosed
	case StateNegotiating:
		return nil, ErrNotOpen
	}

	l.mu.Lock()
	ch := l.channel
	l.mu.Unlock()
	if ch == nil {
		return nil, ErrNotOpen
	}
	return ch, nil
}

// SendBuffer streams data as binary chunks under backpressure.
func (l *Link) SendBuffer(ctx context.Context, data []byte) error {
	l.bulkMu.Lock()
	defer l.bulkMu.Unlock()

	_, err := l.sendChunks(ctx, bytes.NewReader(data), nil)
	return err
}

// SendFile announces a file, streams size bytes from r and marks the end.
// progress, when set, is called after every chunk.
func (l *Link) SendFile(ctx context.Context, name, mimeType string, r io.Reader, size int64, progress func(sent, total int64)) error {
	l.bulkMu.Lock()
	defer l.bulkMu.Unlock()

	if mimeType == "" {
		mimeType = protocol.DefaultMimeType
	}
	if err := l.send(protocol.FileMeta{Name: name, Size: size, MimeType: mimeType}); err != nil {
		return fmt.Errorf("failed to send file metadata: %w", err)
	}

	var report func(int64)
	if progress != nil {
		report = func(sent int64) { progress(sent, size) }
	}
	if _, err := l.sendChunks(ctx, io.LimitReader(r, size), report); err != nil {
		return fmt.Errorf("failed to send file %s: %w", name, err)
	}

	if err := l.send(protocol.FileEnd{}); err != nil {
		return fmt.Errorf("failed to send file end marker: %w", err)
	}
	return nil
}

// SpeedTest pushes size random bytes and reports the sender-side timing.
func (l *Link) SpeedTest(ctx context.Context, size int64) (SpeedResult, error) {
	l.bulkMu.Lock()
	defer l.bulkMu.Unlock()

	if err := l.send(protocol.SpeedStart{Size: size}); err != nil {
		return SpeedResult{}, fmt.Errorf("failed to start speed test: %w", err)
	}

	start := time.Now()
	sent, err := l.sendChunks(ctx, io.LimitReader(rand.Reader, size), nil)
	result := SpeedResult{Bytes: sent, Duration: time.Since(start)}
	if err != nil {
		return result, err
	}

	if err := l.send(protocol.SpeedEnd{}); err != nil {
		return result, fmt.Errorf("failed to end speed test: %w", err)
	}
	return result, nil
}

// SustainedTest sends 64KiB frames for d, or until ctx is cancelled.
func (l *Link) SustainedTest(ctx context.Context, d time.Duration) (SpeedResult, error) {
	l.bulkMu.Lock()
	defer l.bulkMu.Unlock()

	ch, err := l.openChannel()
	if err != nil {
		return SpeedResult{}, err
	}

	chunk := make([]byte, SustainedChunkSize)
	if _, err := rand.Read(chunk); err != nil {
		return SpeedResult{}, err
	}

	if err := l.send(protocol.SpeedStart{Size: protocol.SustainedSize}); err != nil {
		return SpeedResult{}, fmt.Errorf("failed to start speed test: %w", err)
	}

	start := time.Now()
	var sent int64
	for time.Since(start) < d && ctx.Err() == nil {
		if err := l.waitBuffered(ctx, ch); err != nil {
			if ctx.Err() != nil {
				break
			}
			return SpeedResult{Bytes: sent, Duration: time.Since(start)}, err
		}
		if err := ch.Send(chunk); err != nil {
			return SpeedResult{Bytes: sent, Duration: time.Since(start)}, l.sendError(err)
		}
		sent += int64(len(chunk))
		l.bytesSent.Add(int64(len(chunk)))
	}
	result := SpeedResult{Bytes: sent, Duration: time.Since(start)}

	if err := l.send(protocol.SpeedEnd{}); err != nil {
		return result, fmt.Errorf("failed to end speed test: %w", err)
	}
	return result, nil
}

// sendChunks must be called with bulkMu held.
func (l *Link) sendChunks(ctx context.Context, r io.Reader, progress func(sent int64)) (int64, error) {
	ch, err := l.openChannel()
	if err != nil {
		return 0, err
	}

	var sent int64
	for {
		if err := l.waitBuffered(ctx, ch); err != nil {
			return sent, err
		}

		chunk := make([]byte, l.cfg.ChunkSize)
		n, readErr := io.ReadFull(r, chunk)
		if n > 0 {
			if err := ch.Send(chunk[:n]); err != nil {
				return sent, l.sendError(err)
			}
			sent += int64(n)
			l.bytesSent.Add(int64(n))
			if progress != nil {
				progress(sent)
			}
		}

		switch {
		case readErr == io.EOF || readErr == io.ErrUnexpectedEOF:
			return sent, nil
		case readErr != nil:
			return sent, fmt.Errorf("read: %w", readErr)
		}
	}
}

// waitBuffered blocks while the channel holds more than the high-water mark.
func (l *Link) waitBuffered(ctx context.Context, ch transport.Channel) error {
	if ch.BufferedAmount() <= l.cfg.HighWater {
		return nil
	}

	l.metrics.BackpressureEngaged()
	for ch.BufferedAmount() > l.cfg.HighWater {
		select {
		case <-l.lowWater:
		case <-l.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (l *Link) sendError(err error) error {
	if l.State() == StateClosed {
		return ErrClosed
	}
	return fmt.Errorf("send chunk: %w", err)
}

// Flush waits until everything queued on the primary channel was handed to
// the network.
func (l *Link) Flush(ctx context.Context) error {
	ch, err := l.openChannel()
	if err != nil {
		return err
	}

	ticker := time.NewTicker(flushPollInterval)
	defer ticker.Stop()

	for ch.BufferedAmount() > 0 {
		select {
		case <-ticker.C:
		case <-l.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
