package serialmux

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bft-labs/serialmux/internal/mux"
	"github.com/bft-labs/serialmux/internal/observability"
	"github.com/bft-labs/serialmux/pkg/lifecycle"
	"github.com/bft-labs/serialmux/pkg/log"
)

// Status is a point-in-time view of one bridge.
type Status = mux.Status

// Server runs one multiplexer per configured bridge plus the optional
// status server. It is single use: after Stop, build a new one.
type Server struct {
	config  Config
	opts    options
	logger  log.Logger
	lc      *lifecycle.DefaultManager
	bridges []*mux.Multiplexer
	status  *observability.StatusServer

	mu      sync.Mutex
	err     error
	done    chan struct{}
	endOnce sync.Once
}

// New creates a server for cfg. Nothing is opened until Start.
func New(cfg Config, opts ...Option) (*Server, error) {
	cfg.SetDefaults()
	bridgeCfgs, err := cfg.bridgeConfigs()
	if err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	logger := log.OrNoop(o.logger)
	if o.eventHandler == nil {
		o.eventHandler = BaseEventHandler{}
	}

	s := &Server{
		config: cfg,
		opts:   o,
		logger: logger,
		lc:     lifecycle.NewManager(logger, nil),
		done:   make(chan struct{}),
	}

	for _, bc := range bridgeCfgs {
		name := bc.ListenAddr
		muxOpts := []mux.Option{
			mux.WithLogger(logger),
			mux.WithObserver(observability.NewBridgeObserver(name, &eventBridge{bridge: name, handler: o.eventHandler})),
		}
		if o.opener != nil {
			muxOpts = append(muxOpts, mux.WithOpener(o.opener))
		}
		m, err := mux.New(bc, muxOpts...)
		if err != nil {
			return nil, err
		}
		s.bridges = append(s.bridges, m)
	}

	if cfg.StatusAddr != "" {
		httpLogger := zerolog.Nop()
		if o.httpLogger != nil {
			httpLogger = *o.httpLogger
		}
		s.status = observability.NewStatusServer(cfg.StatusAddr, s, httpLogger)
	}
	return s, nil
}

// Start starts every bridge and then the status server. If any bridge
// fails to start, the ones already running are stopped and the startup
// error is returned. Cancelling ctx stops the server.
func (s *Server) Start(ctx context.Context) error {
	if !s.lc.CanStart() {
		return ErrAlreadyRunning
	}
	if err := s.lc.TransitionTo(StateStarting, "Start() called"); err != nil {
		return err
	}

	for i, m := range s.bridges {
		if err := m.Start(ctx); err != nil {
			s.stopBridges(s.bridges[:i])
			_ = s.lc.TransitionTo(StateCrashed, "bridge failed to start")
			s.finish(err)
			return err
		}
	}

	if s.status != nil {
		if err := s.status.Start(); err != nil {
			s.stopBridges(s.bridges)
			_ = s.lc.TransitionTo(StateCrashed, "status server failed to start")
			err = &StartupError{Step: "status server", Err: err}
			s.finish(err)
			return err
		}
	}

	if err := s.lc.TransitionTo(StateRunning, "all bridges running"); err != nil {
		return err
	}

	for _, m := range s.bridges {
		m := m
		s.lc.Go(func() { s.watch(ctx, m) })
	}
	s.logger.Info("server started", log.Int("bridges", len(s.bridges)))
	return nil
}

// watch ends the server when a bridge fails on its own.
func (s *Server) watch(ctx context.Context, m *mux.Multiplexer) {
	select {
	case <-m.Done():
	case <-s.done:
		return
	}
	err := m.Err()
	if err == nil && ctx.Err() == nil {
		return
	}
	if err != nil {
		s.logger.Error("bridge failed", log.Bridge(m.Config().ListenAddr), log.Err(err))
	}
	go func() { _ = s.stop(err) }()
}

// Stop stops the status server and every bridge in parallel. Each bridge
// gets its ShutdownGrace to flush client output. Calls after the first
// return nil.
func (s *Server) Stop() error {
	return s.stop(nil)
}

func (s *Server) stop(cause error) error {
	if !s.lc.CanStop() {
		if s.lc.State() == StateStopped && !s.ended() {
			return ErrNotRunning
		}
		<-s.done
		return nil
	}
	if err := s.lc.TransitionTo(StateStopping, "Stop() called"); err != nil {
		<-s.done
		return nil
	}

	var errs []error
	if s.status != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownGrace)
		if err := s.status.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("status server: %w", err))
		}
		cancel()
	}
	errs = append(errs, s.stopBridges(s.bridges)...)
	if err := s.lc.WaitWithTimeout(s.config.ShutdownGrace); err != nil {
		errs = append(errs, err)
	}

	if cause != nil {
		_ = s.lc.TransitionTo(StateCrashed, cause.Error())
	} else {
		_ = s.lc.TransitionTo(StateStopped, "stopped")
	}
	s.finish(cause)
	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

func (s *Server) stopBridges(bridges []*mux.Multiplexer) []error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, m := range bridges {
		wg.Add(1)
		go func(m *mux.Multiplexer) {
			defer wg.Done()
			err := m.Stop()
			if err == nil || errors.Is(err, ErrNotRunning) {
				return
			}
			mu.Lock()
			errs = append(errs, fmt.Errorf("bridge %s: %w", m.Config().ListenAddr, err))
			mu.Unlock()
		}(m)
	}
	wg.Wait()
	return errs
}

func (s *Server) finish(err error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Server) ended() bool {
	select {
	case <-s.done:
		return true
	default:
	}
	return false
}

// Done is closed once the server has stopped, either through Stop or
// because a bridge failed.
func (s *Server) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the server, if any. After a bridge
// exceeds its downtime ceiling it matches ErrDeviceUnavailable.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the server's lifecycle state.
func (s *Server) State() State { return s.lc.State() }

// Statuses returns the status of every bridge in configuration order.
func (s *Server) Statuses() []Status {
	out := make([]Status, 0, len(s.bridges))
	for _, m := range s.bridges {
		out = append(out, m.Status())
	}
	return out
}

// Status returns the status of the bridge listening on addr, as given in
// the configuration.
func (s *Server) Status(addr string) (Status, bool) {
	for _, m := range s.bridges {
		if m.Config().ListenAddr == addr {
			return m.Status(), true
		}
	}
	return Status{}, false
}

// Addrs returns the bound listen address of every bridge, in
// configuration order. Entries are empty before Start.
func (s *Server) Addrs() []string {
	out := make([]string, len(s.bridges))
	for i, m := range s.bridges {
		if a := m.Addr(); a != nil {
			out[i] = a.String()
		}
	}
	return out
}

// StatusAddr returns the bound status server address, or "" when disabled
// or not started.
func (s *Server) StatusAddr() string {
	if s.status == nil {
		return ""
	}
	if a := s.status.Addr(); a != nil {
		return a.String()
	}
	return ""
}

var _ observability.StatusSource = (*Server)(nil)
