package serialmux

import "github.com/bft-labs/serialmux/internal/domain"

// Errors returned by the server, checkable with errors.Is.
var (
	ErrDeviceConfig      = domain.ErrDeviceConfig
	ErrDeviceUnavailable = domain.ErrDeviceUnavailable
	ErrTransportFault    = domain.ErrTransportFault
	ErrQueueFull         = domain.ErrQueueFull
	ErrSessionIO         = domain.ErrSessionIO
	ErrBacklogExceeded   = domain.ErrBacklogExceeded
	ErrStartup           = domain.ErrStartup
	ErrAlreadyRunning    = domain.ErrAlreadyRunning
	ErrNotRunning        = domain.ErrNotRunning
	ErrShutdownTimeout   = domain.ErrShutdownTimeout
	ErrInvalidConfig     = domain.ErrInvalidConfig
)

// StartupError reports which start step failed for which bridge.
type StartupError = domain.StartupError
