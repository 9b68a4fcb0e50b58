package domain

import (
	"errors"
	"fmt"
)

// Domain errors are returned by the bridge components and can be checked
// with errors.Is.
var (
	// ErrDeviceConfig is returned for invalid serial parameters. Not retried.
	ErrDeviceConfig = errors.New("serialmux: invalid device configuration")

	// ErrDeviceUnavailable is returned when the device path is missing or
	// exclusively held elsewhere. Retried while reconnecting; fatal at start
	// and after the downtime ceiling.
	ErrDeviceUnavailable = errors.New("serialmux: device unavailable")

	// ErrTransportFault is a runtime I/O failure on an open device.
	ErrTransportFault = errors.New("serialmux: transport fault")

	// ErrNotConnected is a write that reached no byte of the device, either
	// because the link was down or the port rejected it outright. Always
	// wrapped together with ErrTransportFault.
	ErrNotConnected = errors.New("serialmux: device not connected")

	// ErrQueueFull is returned to a session whose write could not be queued.
	ErrQueueFull = errors.New("serialmux: write queue full")

	// ErrSessionIO is a client socket read or write failure.
	ErrSessionIO = errors.New("serialmux: session i/o error")

	// ErrBacklogExceeded terminates a session whose outbound backlog overflowed.
	ErrBacklogExceeded = errors.New("serialmux: session backlog exceeded")

	// ErrStartup matches any *StartupError.
	ErrStartup = errors.New("serialmux: startup failed")

	// ErrAlreadyRunning is returned when Start() is called on a running instance.
	ErrAlreadyRunning = errors.New("serialmux: already running")

	// ErrNotRunning is returned when Stop() is called on a stopped instance.
	ErrNotRunning = errors.New("serialmux: not running")

	// ErrShutdownTimeout is returned when graceful shutdown times out.
	ErrShutdownTimeout = errors.New("serialmux: shutdown timeout")

	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("serialmux: invalid configuration")

	// ErrClosed is returned by operations on a stopped component.
	ErrClosed = errors.New("serialmux: closed")
)

// StartupError reports which start step failed. It unwraps to the cause, so
// errors.Is(err, ErrDeviceUnavailable) holds for a missing device, and it
// also matches ErrStartup.
type StartupError struct {
	Step string
	Err  error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("serialmux: startup failed at %s: %v", e.Step, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// Is reports whether target is ErrStartup.
func (e *StartupError) Is(target error) bool { return target == ErrStartup }
