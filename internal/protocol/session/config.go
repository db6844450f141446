package session

import (
	"time"

	"github.com/danmuck/sortctl/internal/protocol"
	"github.com/danmuck/sortctl/internal/transport"
)

// BackoffConfig defines the pause between delivery attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines link reliability settings.
type Config struct {
	// Endpoint pins the serial device; empty means discover.
	Endpoint      string
	BaudRate      int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	Retries       int
	MaxFrameBytes int
	Backoff       BackoffConfig
}

// DefaultConfig returns the controller firmware defaults. Backoff is off;
// sortctl.toml sets the pause between attempts.
func DefaultConfig() Config {
	return Config{
		BaudRate:      transport.DefaultBaudRate,
		ReadTimeout:   5 * time.Second,
		WriteTimeout:  time.Second,
		Retries:       5,
		MaxFrameBytes: protocol.DefaultMaxFrameBytes,
	}
}

// WithDefaults fills unset fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.BaudRate <= 0 {
		c.BaudRate = def.BaudRate
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.Retries <= 0 {
		c.Retries = def.Retries
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	return c
}

// WorstCase bounds one SendAndConfirm call: every attempt runs to its
// timeouts plus settle, and every pause takes its longest jittered value.
func (c Config) WorstCase(settle time.Duration) time.Duration {
	c = c.WithDefaults()
	total := time.Duration(c.Retries) * (c.WriteTimeout + c.ReadTimeout + settle)
	b := c.Backoff
	if b.Jitter {
		b.InitialDelay = b.InitialDelay * 3 / 2
		b.MaxDelay = b.MaxDelay * 3 / 2
		b.Jitter = false
	}
	for failures := 1; failures < c.Retries; failures++ {
		total += NextBackoffDelay(b, failures, nil)
	}
	return total
}
