package mesh

import (
	"errors"
	"fmt"
	"time"

	"github.com/rudransh-shrivastava/peer-mesh/internal/link"
)

const (
	DefaultGracePeriod        = 60 * time.Second
	DefaultGraceTick          = time.Second
	DefaultLeaveWindow        = 5 * time.Second
	DefaultDuplicateHold      = link.DefaultHeartbeatInterval
	DefaultNegotiationTimeout = 30 * time.Second
	DefaultEventBuffer        = 256

	snapshotWriteTimeout = 5 * time.Second
	leaveFlushTimeout    = time.Second
)

type Config struct {
	Link link.Config `mapstructure:"link"`

	// GracePeriod is how long an accidentally disconnected peer is kept
	// before it is reported as gone.
	GracePeriod time.Duration `mapstructure:"grace_period"`
	GraceTick   time.Duration `mapstructure:"grace_tick"`
	// LeaveWindow is how long a goodbye marks a peer as leaving on purpose.
	LeaveWindow time.Duration `mapstructure:"leave_window"`
	// DuplicateHold is how long a dropped link waits for another open link
	// to the same peer to introduce itself before the grace period starts.
	DuplicateHold      time.Duration `mapstructure:"duplicate_hold"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	// EventBuffer sizes the queue between links and the manager loop.
	EventBuffer int `mapstructure:"event_buffer"`
}

func (c *Config) applyDefaults() {
	c.Link = c.Link.WithDefaults()
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.GraceTick <= 0 {
		c.GraceTick = DefaultGraceTick
	}
	if c.LeaveWindow <= 0 {
		c.LeaveWindow = DefaultLeaveWindow
	}
	if c.DuplicateHold <= 0 {
		c.DuplicateHold = DefaultDuplicateHold
	}
	if c.NegotiationTimeout <= 0 {
		c.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
}

// WithDefaults returns a copy with every unset field filled in.
func (c Config) WithDefaults() Config {
	c.applyDefaults()
	return c
}

func (c Config) Validate() error {
	if c.EventBuffer < 0 {
		return errors.New("event buffer must not be negative")
	}
	c.applyDefaults()
	if err := c.Link.Validate(); err != nil {
		return err
	}
	if c.GraceTick > c.GracePeriod {
		return fmt.Errorf("grace tick %s exceeds grace period %s", c.GraceTick, c.GracePeriod)
	}
	return nil
}
