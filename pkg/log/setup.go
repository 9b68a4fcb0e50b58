package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the process logger built by Setup.
type Options struct {
	// Level is one of debug, info, warn, error. Default: info
	Level string

	// Format is "console" or "json". Default: console
	Format string

	// File, when set, receives a copy of every message with size-based rotation.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultOptions returns console logging at info level with no file output.
func DefaultOptions() Options {
	return Options{
		Level:      "info",
		Format:     "console",
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 30,
	}
}

// Setup builds a zerolog.Logger from opts. The returned closer releases the
// log file, if any, and is never nil.
func Setup(opts Options, app string) (zerolog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), nopCloser{}, err
	}

	var stderr io.Writer = os.Stderr
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "console":
		stderr = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	case "json":
	default:
		return zerolog.Nop(), nopCloser{}, fmt.Errorf("unknown log format %q", opts.Format)
	}

	var closer io.Closer = nopCloser{}
	out := stderr
	if opts.File != "" {
		if dir := filepath.Dir(opts.File); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return zerolog.Nop(), nopCloser{}, fmt.Errorf("create log dir: %w", err)
			}
		}
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    atLeast(opts.MaxSizeMB, 1),
			MaxBackups: atLeast(opts.MaxBackups, 1),
			MaxAge:     atLeast(opts.MaxAgeDays, 1),
			Compress:   opts.Compress,
		}
		closer = lj
		out = zerolog.MultiLevelWriter(stderr, lj)
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if app != "" {
		ctx = ctx.Str("app", app)
	}
	return ctx.Logger(), closer, nil
}

// ParseLevel maps a textual level to a zerolog level. Empty means info.
func ParseLevel(raw string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "disabled", "off", "none":
		return zerolog.Disabled, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", raw)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func atLeast(v, floor int) int {
	if v < floor {
		return floor
	}
	return v
}
