package serialmux

import (
	"github.com/rs/zerolog"

	"github.com/bft-labs/serialmux/internal/transport"
	"github.com/bft-labs/serialmux/pkg/log"
)

// Option configures optional behavior of a Server.
type Option func(*options)

type options struct {
	logger       log.Logger
	eventHandler EventHandler
	httpLogger   *zerolog.Logger
	opener       transport.Opener
}

func defaultOptions() options {
	return options{
		logger:       log.NoopLogger{},
		eventHandler: BaseEventHandler{},
	}
}

// WithLogger sets the structured logger. If not provided, nothing is logged.
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithEventHandler sets a handler for server events.
// If not provided, no events are emitted.
func WithEventHandler(handler EventHandler) Option {
	return func(o *options) {
		o.eventHandler = handler
	}
}

// WithStatusLogger sets the zerolog logger used for status server request
// logs. Defaults to a disabled logger.
func WithStatusLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.httpLogger = &logger
	}
}

// withOpener replaces the serial opener for every bridge.
func withOpener(fn transport.Opener) Option {
	return func(o *options) {
		o.opener = fn
	}
}
