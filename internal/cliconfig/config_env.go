package cliconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variables read by ApplyEnvConfig. Device specs contain commas,
// so SERIALMUX_DEVICES is separated by semicolons.
const (
	EnvDevices        = "SERIALMUX_DEVICES"
	EnvPorts          = "SERIALMUX_PORTS"
	EnvHost           = "SERIALMUX_HOST"
	EnvQueueDepth     = "SERIALMUX_QUEUE_DEPTH"
	EnvQueuePolicy    = "SERIALMUX_QUEUE_POLICY"
	EnvBacklogBytes   = "SERIALMUX_BACKLOG_BYTES"
	EnvOverflowPolicy = "SERIALMUX_OVERFLOW_POLICY"
	EnvReadChunk      = "SERIALMUX_READ_CHUNK"
	EnvWriteTimeout   = "SERIALMUX_WRITE_TIMEOUT"
	EnvBackoffInitial = "SERIALMUX_BACKOFF_INITIAL"
	EnvBackoffMax     = "SERIALMUX_BACKOFF_MAX"
	EnvMaxDowntime    = "SERIALMUX_MAX_DOWNTIME"
	EnvShutdownGrace  = "SERIALMUX_SHUTDOWN_GRACE"
	EnvMaxSessions    = "SERIALMUX_MAX_SESSIONS"
	EnvNoWatch        = "SERIALMUX_NO_WATCH"
	EnvStatusAddr     = "SERIALMUX_STATUS_ADDR"
	EnvLogLevel       = "SERIALMUX_LOG_LEVEL"
	EnvLogFormat      = "SERIALMUX_LOG_FORMAT"
	EnvLogFile        = "SERIALMUX_LOG_FILE"
)

// ApplyEnvConfig applies SERIALMUX_* environment variables to cfg. Values
// override the config file but not explicitly set flags.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	devices := splitList(os.Getenv(EnvDevices), ";")
	var ports []int
	for _, p := range splitList(os.Getenv(EnvPorts), ",") {
		n, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvPorts, err)
		}
		ports = append(ports, n)
	}
	s.setBridges(devices, ports, cfg)

	s.setString("host", os.Getenv(EnvHost), &cfg.Host)
	s.setString("queue-policy", os.Getenv(EnvQueuePolicy), &cfg.QueuePolicy)
	s.setString("overflow", os.Getenv(EnvOverflowPolicy), &cfg.OverflowPolicy)
	s.setString("status-addr", os.Getenv(EnvStatusAddr), &cfg.StatusAddr)
	s.setString("log-level", os.Getenv(EnvLogLevel), &cfg.LogLevel)
	s.setString("log-format", os.Getenv(EnvLogFormat), &cfg.LogFormat)
	s.setString("log-file", os.Getenv(EnvLogFile), &cfg.LogFile)

	ints := []struct {
		flag, env string
		dst       *int
	}{
		{"queue-depth", EnvQueueDepth, &cfg.QueueDepth},
		{"backlog-bytes", EnvBacklogBytes, &cfg.BacklogBytes},
		{"read-chunk", EnvReadChunk, &cfg.ReadChunk},
		{"max-sessions", EnvMaxSessions, &cfg.MaxSessions},
	}
	for _, v := range ints {
		if err := s.setIntFromString(v.flag, os.Getenv(v.env), v.dst); err != nil {
			return err
		}
	}

	durations := []struct {
		flag, env string
		dst       *time.Duration
	}{
		{"write-timeout", EnvWriteTimeout, &cfg.WriteTimeout},
		{"backoff-initial", EnvBackoffInitial, &cfg.BackoffInitial},
		{"backoff-max", EnvBackoffMax, &cfg.BackoffMax},
		{"max-downtime", EnvMaxDowntime, &cfg.MaxDowntime},
		{"shutdown-grace", EnvShutdownGrace, &cfg.ShutdownGrace},
	}
	for _, v := range durations {
		if err := s.setDuration(v.flag, os.Getenv(v.env), v.dst); err != nil {
			return err
		}
	}

	s.setBoolFromString("no-watch", os.Getenv(EnvNoWatch), &cfg.NoWatch)
	return nil
}

func splitList(raw, sep string) []string {
	var out []string
	for _, part := range strings.Split(raw, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
