package serialmux

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/bft-labs/serialmux/internal/arbiter"
	"github.com/bft-labs/serialmux/internal/domain"
	"github.com/bft-labs/serialmux/internal/mux"
	"github.com/bft-labs/serialmux/internal/session"
	"github.com/bft-labs/serialmux/internal/transport"
)

// BridgeConfig pairs a serial device with a TCP listen address.
type BridgeConfig struct {
	// Device is a device spec, "path[,baudrate=N,bytesize=N,parity=X,stopbits=N,rtscts=B]".
	Device string
	// ListenAddr is host:port, e.g. "0.0.0.0:7000".
	ListenAddr string
}

// Config holds the settings shared by all bridges.
type Config struct {
	Bridges []BridgeConfig

	// QueueDepth bounds the per-bridge write queue. Default: 1000.
	QueueDepth int
	// QueuePolicy is "block" (default) or "fail".
	QueuePolicy string

	// BacklogBytes bounds each client's pending output. Default: 64 KiB.
	BacklogBytes int
	// OverflowPolicy is "disconnect" (default) or "drop-oldest".
	OverflowPolicy string
	// ReadChunk is the client socket read size. Default: 1024.
	ReadChunk int
	// WriteTimeout bounds one client socket write. Default: 10s.
	WriteTimeout time.Duration

	// BackoffInitial and BackoffMax bound the reconnect delay.
	// Defaults: 500ms and 10s.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// MaxDowntime is the downtime ceiling. Zero retries forever.
	MaxDowntime time.Duration
	// ShutdownGrace bounds Stop per bridge. Default: 5s.
	ShutdownGrace time.Duration

	// MaxSessions caps clients per bridge. Zero means unlimited.
	MaxSessions int
	// DisableDeviceWatch turns off the device node watcher, leaving
	// reconnection to the backoff schedule alone.
	DisableDeviceWatch bool

	// StatusAddr enables the HTTP status server when non-empty.
	StatusAddr string
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.QueueDepth <= 0 {
		c.QueueDepth = arbiter.DefaultDepth
	}
	if c.BacklogBytes <= 0 {
		c.BacklogBytes = session.DefaultBacklogBytes
	}
	if c.ReadChunk <= 0 {
		c.ReadChunk = session.DefaultReadChunk
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = session.DefaultWriteTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = mux.DefaultShutdownGrace
	}
}

// Validate checks the configuration, including every device spec.
func (c Config) Validate() error {
	_, err := c.bridgeConfigs()
	return err
}

func (c Config) bridgeConfigs() ([]mux.Config, error) {
	if len(c.Bridges) == 0 {
		return nil, fmt.Errorf("%w: at least one bridge is required", domain.ErrInvalidConfig)
	}
	queuePolicy, err := arbiter.ParsePolicy(c.QueuePolicy)
	if err != nil {
		return nil, err
	}
	overflow, err := session.ParseOverflowPolicy(c.OverflowPolicy)
	if err != nil {
		return nil, err
	}

	ports := make(map[string]int, len(c.Bridges))
	devices := make(map[string]int, len(c.Bridges))
	out := make([]mux.Config, 0, len(c.Bridges))
	for i, b := range c.Bridges {
		serial, err := transport.ParseSpec(b.Device)
		if err != nil {
			return nil, fmt.Errorf("bridge %d: %w", i, err)
		}
		_, port, err := net.SplitHostPort(b.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("%w: bridge %d: listen address %q: %v", domain.ErrInvalidConfig, i, b.ListenAddr, err)
		}
		if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
			return nil, fmt.Errorf("%w: bridge %d: invalid port %q", domain.ErrInvalidConfig, i, port)
		}
		if port != "0" {
			if j, dup := ports[port]; dup {
				return nil, fmt.Errorf("%w: bridges %d and %d both use port %s", domain.ErrInvalidConfig, j, i, port)
			}
			ports[port] = i
		}
		if j, dup := devices[serial.Device]; dup {
			return nil, fmt.Errorf("%w: bridges %d and %d both use device %s", domain.ErrInvalidConfig, j, i, serial.Device)
		}
		devices[serial.Device] = i

		mc := mux.DefaultConfig(b.ListenAddr, serial)
		mc.QueueDepth = c.QueueDepth
		mc.QueuePolicy = queuePolicy
		mc.Session = session.Config{
			BacklogBytes: c.BacklogBytes,
			Overflow:     overflow,
			ReadChunk:    c.ReadChunk,
			WriteTimeout: c.WriteTimeout,
		}
		mc.BackoffInitial = c.BackoffInitial
		mc.BackoffMax = c.BackoffMax
		mc.MaxDowntime = c.MaxDowntime
		mc.ShutdownGrace = c.ShutdownGrace
		mc.MaxSessions = c.MaxSessions
		mc.WatchDevice = !c.DisableDeviceWatch
		mc.SetDefaults()
		if err := mc.Validate(); err != nil {
			return nil, fmt.Errorf("bridge %d: %w", i, err)
		}
		out = append(out, mc)
	}
	return out, nil
}
