package cliconfig

import (
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// FileBridge is one [[bridge]] table.
type FileBridge struct {
	Device string `toml:"device"`
	Port   int    `toml:"port"`
}

// FileConfig mirrors Config but uses strings for durations to make TOML friendly.
type FileConfig struct {
	Bridges []FileBridge `toml:"bridge"`
	Host    string       `toml:"host"`

	QueueDepth     int    `toml:"queue_depth"`
	QueuePolicy    string `toml:"queue_policy"`
	BacklogBytes   int    `toml:"backlog_bytes"`
	OverflowPolicy string `toml:"overflow_policy"`
	ReadChunk      int    `toml:"read_chunk"`
	WriteTimeout   string `toml:"write_timeout"`

	BackoffInitial string `toml:"backoff_initial"`
	BackoffMax     string `toml:"backoff_max"`
	MaxDowntime    string `toml:"max_downtime"`
	ShutdownGrace  string `toml:"shutdown_grace"`

	MaxSessions int    `toml:"max_sessions"`
	NoWatch     *bool  `toml:"no_watch"`
	StatusAddr  string `toml:"status_addr"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogFile   string `toml:"log_file"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns the default configuration file path.
// Returns ~/.serialmux/config.toml if user home directory is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".serialmux", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	var (
		devices []string
		ports   []int
	)
	for i, b := range fc.Bridges {
		if b.Device == "" {
			return fmt.Errorf("bridge %d: device is required", i)
		}
		devices = append(devices, b.Device)
		ports = append(ports, b.Port)
	}
	s.setBridges(devices, ports, cfg)

	s.setString("host", fc.Host, &cfg.Host)
	s.setString("queue-policy", fc.QueuePolicy, &cfg.QueuePolicy)
	s.setString("overflow", fc.OverflowPolicy, &cfg.OverflowPolicy)
	s.setString("status-addr", fc.StatusAddr, &cfg.StatusAddr)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)
	s.setString("log-format", fc.LogFormat, &cfg.LogFormat)
	s.setString("log-file", fc.LogFile, &cfg.LogFile)

	s.setInt("queue-depth", fc.QueueDepth, &cfg.QueueDepth)
	s.setInt("backlog-bytes", fc.BacklogBytes, &cfg.BacklogBytes)
	s.setInt("read-chunk", fc.ReadChunk, &cfg.ReadChunk)
	s.setInt("max-sessions", fc.MaxSessions, &cfg.MaxSessions)

	if err := s.setDuration("write-timeout", fc.WriteTimeout, &cfg.WriteTimeout); err != nil {
		return err
	}
	if err := s.setDuration("backoff-initial", fc.BackoffInitial, &cfg.BackoffInitial); err != nil {
		return err
	}
	if err := s.setDuration("backoff-max", fc.BackoffMax, &cfg.BackoffMax); err != nil {
		return err
	}
	if err := s.setDuration("max-downtime", fc.MaxDowntime, &cfg.MaxDowntime); err != nil {
		return err
	}
	if err := s.setDuration("shutdown-grace", fc.ShutdownGrace, &cfg.ShutdownGrace); err != nil {
		return err
	}

	s.setBool("no-watch", fc.NoWatch, &cfg.NoWatch)

	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
