package memory

import (
	"sync"
	"time"

	"github.com/rudransh-shrivastava/peer-mesh/internal/transport"
)

type frame struct {
	data []byte
	text bool
}

type Channel struct {
	label  string
	owner  *Session
	remote *Channel

	wake     chan struct{}
	kill     chan struct{}
	killOnce sync.Once

	mu        sync.Mutex
	queue     []frame
	buffered  uint64
	peak      uint64
	threshold uint64
	onLow     func()
	closing   bool
	killed    bool
}

var _ transport.Channel = (*Channel)(nil)

func newChannel(owner *Session, label string) *Channel {
	return &Channel{
		label: label,
		owner: owner,
		wake:  make(chan struct{}, 1),
		kill:  make(chan struct{}),
	}
}

func (c *Channel) Label() string { return c.label }

func (c *Channel) SendText(s string) error {
	return c.enqueue([]byte(s), true)
}

func (c *Channel) Send(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	return c.enqueue(buf, false)
}

func (c *Channel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *Channel) SetBufferedAmountLowThreshold(threshold uint64) {
	c.mu.Lock()
	c.threshold = threshold
	c.mu.Unlock()
}

func (c *Channel) OnBufferedAmountLow(f func()) {
	c.mu.Lock()
	c.onLow = f
	c.mu.Unlock()
}

// Peak returns the largest buffered amount observed since the channel opened.
func (c *Channel) Peak() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peak
}

// Close stops accepting frames; queued frames are still delivered, then the
// remote end is closed.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closing || c.killed {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	c.signal()
	return nil
}

func (c *Channel) enqueue(data []byte, text bool) error {
	c.mu.Lock()
	if c.closing || c.killed {
		c.mu.Unlock()
		return transport.ErrChannelNotOpen
	}
	c.queue = append(c.queue, frame{data: data, text: text})
	c.buffered += uint64(len(data))
	if c.buffered > c.peak {
		c.peak = c.buffered
	}
	c.mu.Unlock()

	c.signal()
	return nil
}

func (c *Channel) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Channel) closeFromPeer() {
	c.mu.Lock()
	c.killed = true
	c.queue = nil
	c.mu.Unlock()
	c.killOnce.Do(func() { close(c.kill) })
}

func (c *Channel) pump() {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closing && !c.killed {
			c.mu.Unlock()
			select {
			case <-c.wake:
			case <-c.kill:
			}
			c.mu.Lock()
		}
		if c.killed {
			c.mu.Unlock()
			return
		}
		if len(c.queue) == 0 {
			c.mu.Unlock()
			c.finish()
			return
		}
		f := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if d := c.owner.net.deliveryDelay(); d > 0 {
			select {
			case <-time.After(d):
			case <-c.kill:
				return
			}
		}

		ok := c.remote.owner.deliver(transport.Event{
			Kind:    transport.EventMessage,
			Label:   c.label,
			Channel: c.remote,
			Data:    f.data,
			IsText:  f.text,
		}, c.kill)

		c.mu.Lock()
		before := c.buffered
		c.buffered -= uint64(len(f.data))
		after := c.buffered
		threshold := c.threshold
		onLow := c.onLow
		c.mu.Unlock()

		if onLow != nil && before > threshold && after <= threshold {
			onLow()
		}
		if !ok {
			return
		}
	}
}

func (c *Channel) finish() {
	c.remote.closeFromPeer()
	c.remote.owner.deliver(transport.Event{
		Kind:    transport.EventChannelClose,
		Label:   c.label,
		Channel: c.remote,
	}, c.kill)
}
