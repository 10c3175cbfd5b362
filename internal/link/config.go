package link

import (
	"fmt"
	"time"
)

const (
	DefaultHeartbeatInterval = 3 * time.Second
	DefaultHeartbeatTimeout  = 10 * time.Second
	DefaultPreOpenGrace      = 10 * time.Second

	DefaultChunkSize = 16 * 1024
	DefaultHighWater = 64 * 1024
	DefaultLowWater  = 16 * 1024

	// SustainedChunkSize is the frame size used by SustainedTest.
	SustainedChunkSize = 64 * 1024
)

// Config holds the timing and flow-control knobs of a link. Zero fields are
// replaced with the defaults above.
type Config struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	PreOpenGrace      time.Duration `mapstructure:"pre_open_grace"`

	ChunkSize int    `mapstructure:"chunk_size"`
	HighWater uint64 `mapstructure:"high_water"`
	LowWater  uint64 `mapstructure:"low_water"`
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.PreOpenGrace <= 0 {
		c.PreOpenGrace = DefaultPreOpenGrace
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.HighWater == 0 {
		c.HighWater = DefaultHighWater
	}
	if c.LowWater == 0 {
		c.LowWater = DefaultLowWater
	}
}

// WithDefaults returns a copy of c with every unset field defaulted.
func (c Config) WithDefaults() Config {
	c.applyDefaults()
	return c
}

func (c Config) Validate() error {
	c.applyDefaults()
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout %s must exceed interval %s", c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.LowWater > c.HighWater {
		return fmt.Errorf("low water mark %d above high water mark %d", c.LowWater, c.HighWater)
	}
	return nil
}
