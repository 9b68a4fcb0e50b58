package mux

import (
	"fmt"
	"strings"
	"time"

	"github.com/bft-labs/serialmux/internal/arbiter"
	"github.com/bft-labs/serialmux/internal/domain"
	"github.com/bft-labs/serialmux/internal/fanout"
	"github.com/bft-labs/serialmux/internal/session"
	"github.com/bft-labs/serialmux/internal/transport"
	"github.com/bft-labs/serialmux/pkg/lifecycle"
)

const (
	// DefaultMaxDowntime is how long the device may stay unreachable
	// before the multiplexer gives up.
	DefaultMaxDowntime = 5 * time.Minute
	// DefaultShutdownGrace bounds Stop.
	DefaultShutdownGrace = 5 * time.Second
)

// Config describes one serial-to-TCP bridge.
type Config struct {
	// ListenAddr is the TCP address to accept clients on, e.g. "0.0.0.0:7000".
	ListenAddr string
	Serial     transport.Config

	QueueDepth  int
	QueuePolicy arbiter.Policy

	Session session.Config

	// ReadBufferSize is the serial read size used by the fanout.
	ReadBufferSize int

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// MaxDowntime is the downtime ceiling. Zero retries forever.
	MaxDowntime   time.Duration
	ShutdownGrace time.Duration

	// MaxSessions caps concurrent clients. Zero means unlimited.
	MaxSessions int

	// WatchDevice wakes the reconnect loop when the device node reappears.
	WatchDevice bool
}

// DefaultConfig returns a bridge config for device on listenAddr.
func DefaultConfig(listenAddr string, serial transport.Config) Config {
	return Config{
		ListenAddr:     listenAddr,
		Serial:         serial,
		QueueDepth:     arbiter.DefaultDepth,
		QueuePolicy:    arbiter.PolicyBlock,
		Session:        session.Config{BacklogBytes: session.DefaultBacklogBytes, ReadChunk: session.DefaultReadChunk, WriteTimeout: session.DefaultWriteTimeout},
		ReadBufferSize: fanout.DefaultReadSize,
		BackoffInitial: lifecycle.DefaultBackoffInitial,
		BackoffMax:     lifecycle.DefaultBackoffMax,
		MaxDowntime:    DefaultMaxDowntime,
		ShutdownGrace:  DefaultShutdownGrace,
		WatchDevice:    true,
	}
}

// SetDefaults fills zero values that have a non-zero default. MaxDowntime
// and MaxSessions keep zero as a meaningful value.
func (c *Config) SetDefaults() {
	if c.QueueDepth <= 0 {
		c.QueueDepth = arbiter.DefaultDepth
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = fanout.DefaultReadSize
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = lifecycle.DefaultBackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = lifecycle.DefaultBackoffMax
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
}

// Validate checks the bridge configuration. Serial line settings are
// checked when the device is opened, so Start reports them as a
// *domain.StartupError.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen address is required", domain.ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Serial.Device) == "" {
		return fmt.Errorf("%w: device path is required", domain.ErrInvalidConfig)
	}
	if c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("%w: backoff max %s is below initial %s", domain.ErrInvalidConfig, c.BackoffMax, c.BackoffInitial)
	}
	if c.MaxDowntime < 0 {
		return fmt.Errorf("%w: max downtime must not be negative", domain.ErrInvalidConfig)
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("%w: max sessions must not be negative", domain.ErrInvalidConfig)
	}
	return nil
}
