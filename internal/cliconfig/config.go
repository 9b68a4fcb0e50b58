package cliconfig

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/bft-labs/serialmux/internal/arbiter"
	"github.com/bft-labs/serialmux/internal/mux"
	"github.com/bft-labs/serialmux/internal/session"
	"github.com/bft-labs/serialmux/internal/transport"
	"github.com/bft-labs/serialmux/pkg/lifecycle"
	"github.com/bft-labs/serialmux/pkg/log"
	"github.com/bft-labs/serialmux/pkg/serialmux"
)

// DefaultHost is the address bridges listen on unless --host is given.
const DefaultHost = "0.0.0.0"

// Config holds CLI configuration for serialmux.
type Config struct {
	// Devices and Ports are paired by position.
	Devices []string
	Ports   []int
	Host    string

	QueueDepth     int
	QueuePolicy    string
	BacklogBytes   int
	OverflowPolicy string
	ReadChunk      int
	WriteTimeout   time.Duration

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	MaxDowntime    time.Duration
	ShutdownGrace  time.Duration

	MaxSessions int
	NoWatch     bool
	StatusAddr  string

	LogLevel  string
	LogFormat string
	LogFile   string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Host:           DefaultHost,
		QueueDepth:     arbiter.DefaultDepth,
		QueuePolicy:    "block",
		BacklogBytes:   session.DefaultBacklogBytes,
		OverflowPolicy: "disconnect",
		ReadChunk:      session.DefaultReadChunk,
		WriteTimeout:   session.DefaultWriteTimeout,
		BackoffInitial: lifecycle.DefaultBackoffInitial,
		BackoffMax:     lifecycle.DefaultBackoffMax,
		MaxDowntime:    mux.DefaultMaxDowntime,
		ShutdownGrace:  mux.DefaultShutdownGrace,
		LogLevel:       "info",
		LogFormat:      "console",
	}
}

// Validate checks the configuration for errors and sets derived defaults.
func (c *Config) Validate() error {
	if len(c.Devices) == 0 {
		return fmt.Errorf("at least one device is required")
	}
	if len(c.Ports) != len(c.Devices) {
		return fmt.Errorf("got %d devices but %d ports; each device needs a port", len(c.Devices), len(c.Ports))
	}

	if c.Host == "" {
		c.Host = DefaultHost
	}

	seen := make(map[int]bool, len(c.Ports))
	for i, p := range c.Ports {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("port %d is out of range", p)
		}
		if seen[p] {
			return fmt.Errorf("port %d is used by more than one device", p)
		}
		seen[p] = true
		if _, err := transport.ParseSpec(c.Devices[i]); err != nil {
			return fmt.Errorf("device %q: %w", c.Devices[i], err)
		}
	}

	if _, err := arbiter.ParsePolicy(c.QueuePolicy); err != nil {
		return err
	}
	if _, err := session.ParseOverflowPolicy(c.OverflowPolicy); err != nil {
		return err
	}

	if c.BackoffInitial <= 0 || c.BackoffMax <= 0 {
		return fmt.Errorf("backoff intervals must be positive")
	}
	if c.BackoffInitial > c.BackoffMax {
		return fmt.Errorf("backoff-initial %v exceeds backoff-max %v", c.BackoffInitial, c.BackoffMax)
	}
	if c.MaxDowntime < 0 {
		return fmt.Errorf("max-downtime must not be negative")
	}
	if c.ShutdownGrace <= 0 {
		return fmt.Errorf("shutdown grace must be positive")
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("max-sessions must not be negative")
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}

// ServerConfig converts the CLI configuration to the library configuration.
func (c Config) ServerConfig() serialmux.Config {
	cfg := serialmux.Config{
		QueueDepth:         c.QueueDepth,
		QueuePolicy:        c.QueuePolicy,
		BacklogBytes:       c.BacklogBytes,
		OverflowPolicy:     c.OverflowPolicy,
		ReadChunk:          c.ReadChunk,
		WriteTimeout:       c.WriteTimeout,
		BackoffInitial:     c.BackoffInitial,
		BackoffMax:         c.BackoffMax,
		MaxDowntime:        c.MaxDowntime,
		ShutdownGrace:      c.ShutdownGrace,
		MaxSessions:        c.MaxSessions,
		DisableDeviceWatch: c.NoWatch,
		StatusAddr:         c.StatusAddr,
	}
	for i, dev := range c.Devices {
		cfg.Bridges = append(cfg.Bridges, serialmux.BridgeConfig{
			Device:     dev,
			ListenAddr: net.JoinHostPort(c.Host, strconv.Itoa(c.Ports[i])),
		})
	}
	return cfg
}

// LogOptions returns the logger options for log.Setup.
func (c Config) LogOptions() log.Options {
	opts := log.DefaultOptions()
	opts.Level = c.LogLevel
	opts.Format = c.LogFormat
	opts.File = c.LogFile
	return opts
}

// configSetter helps apply configuration values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

// newConfigSetter creates a new setter with the given changed flags map.
func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

// setString sets a string value if not empty and flag not changed.
func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt sets an int value if positive and flag not changed.
func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setDuration parses and sets a duration from string if valid and flag not changed.
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// setBool sets a bool value from a pointer if not nil and flag not changed.
func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// setBridges replaces the device/port lists unless either flag was given.
// Devices and ports are only meaningful as pairs, so one source supplies both.
func (s *configSetter) setBridges(devices []string, ports []int, cfg *Config) {
	if len(devices) == 0 && len(ports) == 0 {
		return
	}
	if s.changed["device"] || s.changed["port"] {
		return
	}
	cfg.Devices = devices
	cfg.Ports = ports
}

// setIntFromString parses a string to int and sets the destination if valid.
// Used for environment variables that come as strings.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}

// setBoolFromString parses a string to bool and sets the destination.
// Accepts "true", "1" as true, anything else as false.
// Used for environment variables that come as strings.
func (s *configSetter) setBoolFromString(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value == "true" || value == "1"
}
