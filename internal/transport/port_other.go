//go:build !linux

package transport

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"

	"github.com/bft-labs/serialmux/internal/domain"
)

// pollInterval bounds how long a Read can lag behind Close.
const pollInterval = 200 * time.Millisecond

type tarmPort struct {
	p      *serial.Port
	closed atomic.Bool
}

// OpenPort opens cfg.Device through tarm/serial.
func OpenPort(cfg Config) (Port, error) {
	if cfg.RTSCTS {
		return nil, fmt.Errorf("%w: rtscts is not supported on this platform", domain.ErrDeviceConfig)
	}
	p, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: pollInterval,
		Size:        byte(cfg.DataBits),
		Parity:      serial.Parity(cfg.Parity),
		StopBits:    serial.StopBits(byte(cfg.StopBits)),
	})
	if err != nil {
		if errors.Is(err, serial.ErrBadSize) || errors.Is(err, serial.ErrBadParity) || errors.Is(err, serial.ErrBadStopBits) {
			return nil, fmt.Errorf("%w: %w", domain.ErrDeviceConfig, err)
		}
		return nil, fmt.Errorf("%w: open %s: %w", domain.ErrDeviceUnavailable, cfg.Device, err)
	}
	return &tarmPort{p: p}, nil
}

func (t *tarmPort) Read(b []byte) (int, error) {
	for {
		if t.closed.Load() {
			return 0, ErrPortClosed
		}
		n, err := t.p.Read(b)
		if n > 0 {
			return n, nil
		}
		// A read timeout surfaces as (0, nil) or (0, io.EOF).
		if err != nil && !errors.Is(err, io.EOF) {
			if t.closed.Load() {
				return 0, ErrPortClosed
			}
			return 0, err
		}
	}
}

func (t *tarmPort) Write(b []byte) (int, error) {
	if t.closed.Load() {
		return 0, ErrPortClosed
	}
	return t.p.Write(b)
}

func (t *tarmPort) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.p.Close()
}
