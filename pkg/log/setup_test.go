package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw     string
		want    zerolog.Level
		wantErr bool
	}{
		{"", zerolog.InfoLevel, false},
		{"debug", zerolog.DebugLevel, false},
		{"WARN", zerolog.WarnLevel, false},
		{"warning", zerolog.WarnLevel, false},
		{"error", zerolog.ErrorLevel, false},
		{"off", zerolog.Disabled, false},
		{"loud", zerolog.InfoLevel, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestSetup_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "serialmux.log")

	opts := DefaultOptions()
	opts.Format = "json"
	opts.File = path

	zl, closer, err := Setup(opts, "serialmux")
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	NewZerologAdapterWithLogger(zl).With(Bridge("0.0.0.0:5000")).Info("hello", String("k", "v"))
	if err := closer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(data)
	for _, want := range []string{`"message":"hello"`, `"k":"v"`, `"bridge":"0.0.0.0:5000"`, `"app":"serialmux"`} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q missing %s", line, want)
		}
	}
}

func TestSetup_RejectsUnknownFormat(t *testing.T) {
	opts := DefaultOptions()
	opts.Format = "xml"
	if _, _, err := Setup(opts, ""); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestOrNoop(t *testing.T) {
	if OrNoop(nil) == nil {
		t.Fatal("OrNoop(nil) returned nil")
	}
	l := NewZerologAdapter()
	if OrNoop(l) != Logger(l) {
		t.Error("OrNoop should return the given logger")
	}
}
