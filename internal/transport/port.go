package transport

import (
	"errors"
	"io"
)

// ErrPortClosed is returned by a Port whose Close has been called.
var ErrPortClosed = errors.New("serial port closed")

// Port is one open handle on a serial device. Read must return once Close
// is called from another goroutine.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens a Port. Errors should wrap domain.ErrDeviceUnavailable or
// domain.ErrDeviceConfig.
type Opener func(cfg Config) (Port, error)
