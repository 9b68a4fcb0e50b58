// Package mux is the composition root of one serial-to-TCP bridge. It owns
// the serial transport, the write arbiter, the read fanout and the set of
// client sessions, runs the accept loop and supervises reconnection.
package mux

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/bft-labs/serialmux/internal/arbiter"
	"github.com/bft-labs/serialmux/internal/domain"
	"github.com/bft-labs/serialmux/internal/fanout"
	"github.com/bft-labs/serialmux/internal/session"
	"github.com/bft-labs/serialmux/internal/transport"
	"github.com/bft-labs/serialmux/pkg/lifecycle"
	"github.com/bft-labs/serialmux/pkg/log"
)

// Option configures a Multiplexer.
type Option func(*options)

type options struct {
	logger   log.Logger
	opener   transport.Opener
	observer Observer
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithOpener replaces the serial port opener, mainly for tests.
func WithOpener(fn transport.Opener) Option {
	return func(o *options) { o.opener = fn }
}

// WithObserver registers an event observer.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// Multiplexer bridges one serial device to many TCP clients. It is single
// use: once stopped or failed, build a new one.
type Multiplexer struct {
	cfg      Config
	logger   log.Logger
	observer Observer
	lc       *lifecycle.DefaultManager

	serial *transport.Serial
	arb    *arbiter.Arbiter
	fan    *fanout.Fanout

	faults chan error

	mu         sync.Mutex
	started    bool
	closing    bool
	ln         net.Listener
	watcher    *transport.Watcher
	cancel     context.CancelFunc
	sessions   map[uint64]*session.Session
	nextID     uint64
	link       domain.LinkState
	downSince  time.Time
	reconnects uint64
	backoff    *lifecycle.Backoff
	fatal      error
	stopErr    error

	teardownOnce sync.Once
	done         chan struct{}
}

// New validates cfg and builds an unstarted multiplexer. Serial line
// settings are not checked until Start opens the device.
func New(cfg Config, opts ...Option) (*Multiplexer, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{observer: NopObserver{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.observer == nil {
		o.observer = NopObserver{}
	}
	logger := log.OrNoop(o.logger).With(log.Bridge(cfg.ListenAddr), log.Device(cfg.Serial.Device))

	serial := transport.New(cfg.Serial, o.opener, logger)
	m := &Multiplexer{
		cfg:      cfg,
		logger:   logger,
		observer: o.observer,
		lc:       lifecycle.NewManager(logger, o.observer),
		serial:   serial,
		arb:      arbiter.New(serial, arbiter.Config{Depth: cfg.QueueDepth, Policy: cfg.QueuePolicy}, logger),
		fan:      fanout.New(serial, cfg.ReadBufferSize, logger),
		faults:   make(chan error, 1),
		sessions: make(map[uint64]*session.Session),
		link:     domain.LinkDown,
		backoff:  lifecycle.NewBackoff(cfg.BackoffInitial, cfg.BackoffMax),
		done:     make(chan struct{}),
	}
	serial.OnFault(m.onFault)
	return m, nil
}

// Start opens the device, starts the drain and read loops and then begins
// accepting clients. Any failing step is returned as *domain.StartupError.
// Cancelling ctx is equivalent to calling Stop.
func (m *Multiplexer) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return domain.ErrAlreadyRunning
	}
	m.started = true
	m.mu.Unlock()

	if err := m.lc.TransitionTo(lifecycle.StateStarting, "Start() called"); err != nil {
		return err
	}

	if err := m.serial.Open(); err != nil {
		return m.startFailed("open device", err)
	}

	ln, err := net.Listen("tcp", m.cfg.ListenAddr)
	if err != nil {
		_ = m.serial.Close()
		return m.startFailed("listen", err)
	}

	var watcher *transport.Watcher
	if m.cfg.WatchDevice {
		watcher, err = transport.WatchDevice(m.cfg.Serial.Device, 0, m.logger)
		if err != nil {
			m.logger.Warn("device watcher unavailable, relying on backoff", log.Err(err))
			watcher = nil
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		cancel()
		_ = ln.Close()
		_ = m.serial.Close()
		if watcher != nil {
			_ = watcher.Close()
		}
		return &domain.StartupError{Step: "run", Err: domain.ErrClosed}
	}
	m.ln = ln
	m.watcher = watcher
	m.cancel = cancel
	m.mu.Unlock()

	m.setLink(domain.LinkConnected, "device opened")

	m.lc.Go(func() { m.arb.Run(runCtx) })
	m.lc.Go(func() { m.fan.Run(runCtx) })
	m.lc.Go(func() { m.supervise(runCtx) })
	m.lc.Go(func() { m.accept(runCtx, ln) })

	if err := m.lc.TransitionTo(lifecycle.StateRunning, "accepting clients"); err != nil {
		m.teardown("start aborted", err)
		return &domain.StartupError{Step: "run", Err: err}
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = m.Stop()
		case <-m.done:
		}
	}()

	m.logger.Info("bridge started", log.String("listen", ln.Addr().String()))
	return nil
}

func (m *Multiplexer) startFailed(step string, err error) error {
	_ = m.lc.TransitionTo(lifecycle.StateCrashed, step+" failed")
	m.mu.Lock()
	m.fatal = err
	m.mu.Unlock()
	m.teardownOnce.Do(func() { close(m.done) })
	m.logger.Error("bridge failed to start", log.String("step", step), log.Err(err))
	return &domain.StartupError{Step: step, Err: err}
}

// Stop terminates all sessions, stops the loops and closes the device.
// Sessions get ShutdownGrace to flush pending output before being closed
// hard. Calls after the first are no-ops.
func (m *Multiplexer) Stop() error {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return domain.ErrNotRunning
	}

	m.teardown("Stop() called", nil)
	<-m.done

	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.stopErr
	m.stopErr = nil
	return err
}

// Done is closed once the multiplexer has stopped or failed.
func (m *Multiplexer) Done() <-chan struct{} { return m.done }

// Err returns the fatal error that ended the multiplexer, if any. It
// matches domain.ErrDeviceUnavailable after a downtime ceiling breach.
func (m *Multiplexer) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatal
}

// Addr returns the listen address, or nil before Start.
func (m *Multiplexer) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

// Config returns the effective configuration.
func (m *Multiplexer) Config() Config { return m.cfg }

func (m *Multiplexer) accept(ctx context.Context, ln net.Listener) {
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > time.Second {
				delay = time.Second
			}
			m.logger.Warn("accept failed", log.Err(err), log.Duration("retry_in", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		delay = 0
		m.admit(conn)
	}
}

func (m *Multiplexer) admit(conn net.Conn) {
	remote := conn.RemoteAddr().String()

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		m.logger.Warn("session limit reached, rejecting client",
			log.String("remote", remote),
			log.Int("max_sessions", m.cfg.MaxSessions))
		_ = conn.Close()
		return
	}
	m.nextID++
	id := m.nextID
	s := session.New(id, conn, m.arb, m.unregister, m.cfg.Session, m.logger)
	m.sessions[id] = s
	m.fan.Register(id, s)
	m.lc.Go(func() {
		<-s.Done()
		s.Wait()
		m.observer.OnSessionClosed(id, s.Err())
	})
	m.mu.Unlock()

	s.Start()
	m.observer.OnSessionOpened(id, remote)
}

// unregister runs on session termination, before its socket is closed.
func (m *Multiplexer) unregister(id uint64) {
	m.fan.Unregister(id)
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func (m *Multiplexer) onFault(err error) {
	select {
	case m.faults <- err:
	default:
	}
}

func (m *Multiplexer) supervise(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cause := <-m.faults:
			if !m.reconnect(ctx, cause) {
				return
			}
		}
	}
}

// reconnect reopens the device with exponential backoff. It returns false
// if ctx ended or the downtime ceiling was exceeded.
func (m *Multiplexer) reconnect(ctx context.Context, cause error) bool {
	m.setLink(domain.LinkFaulted, cause.Error())
	_ = m.serial.Close()

	m.mu.Lock()
	downSince := m.downSince
	watcher := m.watcher
	m.backoff.Reset()
	m.mu.Unlock()

	var appeared <-chan struct{}
	if watcher != nil {
		appeared = watcher.Appeared()
	}

	m.setLink(domain.LinkReconnecting, "reopening device")
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		err := m.serial.Open()
		m.observer.OnReconnectAttempt(err)
		if err == nil {
			m.mu.Lock()
			m.reconnects++
			m.mu.Unlock()
			m.setLink(domain.LinkConnected, fmt.Sprintf("reopened after %d attempts", attempt))
			return true
		}

		down := time.Since(downSince)
		if m.cfg.MaxDowntime > 0 && down >= m.cfg.MaxDowntime {
			m.fail(fmt.Errorf("%w: %s unreachable for %s: %w",
				domain.ErrDeviceUnavailable, m.cfg.Serial.Device, down.Round(time.Millisecond), err))
			return false
		}

		m.mu.Lock()
		delay := m.backoff.Next()
		m.mu.Unlock()
		if m.cfg.MaxDowntime > 0 {
			if left := m.cfg.MaxDowntime - down; delay > left {
				delay = left
			}
		}
		m.logger.Debug("reopen failed",
			log.Int("attempt", attempt),
			log.Duration("retry_in", delay),
			log.Err(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-appeared:
			timer.Stop()
			m.logger.Info("device node appeared, retrying now")
		case <-timer.C:
		}
	}
}

// fail ends the multiplexer after the downtime ceiling is exceeded.
func (m *Multiplexer) fail(err error) {
	m.mu.Lock()
	m.fatal = err
	m.mu.Unlock()

	m.setLink(domain.LinkFatal, err.Error())
	m.logger.Error("device unavailable, terminating all sessions", log.Err(err))
	_ = m.lc.TransitionTo(lifecycle.StateCrashed, "downtime ceiling exceeded")
	go m.teardown("downtime ceiling exceeded", err)
}

// teardown runs once. With a nil cause sessions are drained within the
// grace period; otherwise they are closed immediately.
func (m *Multiplexer) teardown(reason string, cause error) {
	m.teardownOnce.Do(func() {
		defer close(m.done)

		if cause == nil {
			_ = m.lc.TransitionTo(lifecycle.StateStopping, reason)
		}

		m.mu.Lock()
		m.closing = true
		ln := m.ln
		watcher := m.watcher
		cancel := m.cancel
		sessions := make([]*session.Session, 0, len(m.sessions))
		for _, s := range m.sessions {
			sessions = append(sessions, s)
		}
		m.mu.Unlock()

		if ln != nil {
			_ = ln.Close()
		}

		if cause == nil {
			ctx, stop := context.WithTimeout(context.Background(), m.cfg.ShutdownGrace)
			var wg sync.WaitGroup
			for _, s := range sessions {
				wg.Add(1)
				go func(s *session.Session) {
					defer wg.Done()
					s.Drain(ctx)
				}(s)
			}
			wg.Wait()
			stop()
		} else {
			for _, s := range sessions {
				s.Close()
			}
		}

		if cancel != nil {
			cancel()
		}
		m.arb.Close()
		_ = m.serial.Close()
		if watcher != nil {
			_ = watcher.Close()
		}

		err := m.lc.WaitWithTimeout(m.cfg.ShutdownGrace)
		if cause != nil {
			m.logger.Info("bridge stopped after fatal error")
			return
		}

		if err != nil {
			_ = m.lc.TransitionTo(lifecycle.StateCrashed, "shutdown timeout")
			m.mu.Lock()
			m.stopErr = fmt.Errorf("%w: workers still running after %s", domain.ErrShutdownTimeout, m.cfg.ShutdownGrace)
			m.mu.Unlock()
		} else {
			_ = m.lc.TransitionTo(lifecycle.StateStopped, "graceful shutdown")
		}
		m.setLink(domain.LinkDown, "stopped")
		m.logger.Info("bridge stopped")
	})
}

func (m *Multiplexer) setLink(state domain.LinkState, reason string) {
	m.mu.Lock()
	prev := m.link
	if prev == state || prev == domain.LinkFatal {
		m.mu.Unlock()
		return
	}
	m.link = state
	switch state {
	case domain.LinkConnected:
		m.downSince = time.Time{}
	case domain.LinkFaulted:
		m.downSince = time.Now()
	}
	m.mu.Unlock()

	m.logger.Info("link state changed",
		log.String("from", prev.String()),
		log.String("to", state.String()),
		log.String("reason", reason))
	m.observer.OnLinkChange(prev, state, reason)
}

// Status is a point-in-time view of the bridge.
type Status struct {
	Bridge          string           `json:"bridge"`
	Device          string           `json:"device"`
	State           lifecycle.State  `json:"state"`
	Link            domain.LinkState `json:"link"`
	SerialConnected bool             `json:"serial_connected"`
	ActiveSessions  int              `json:"active_sessions"`
	QueueLength     int              `json:"queue_length"`
	Reconnects      uint64           `json:"reconnects"`
	DownSince       *time.Time       `json:"down_since,omitempty"`
	RetryBackoff    time.Duration    `json:"retry_backoff,omitempty"`
	BytesIn         uint64           `json:"bytes_in"`
	BytesOut        uint64           `json:"bytes_out"`
	ChunksRead      uint64           `json:"chunks_read"`
	BytesBroadcast  uint64           `json:"bytes_broadcast"`
	WritesTotal     uint64           `json:"writes_total"`
	WritesDiscarded uint64           `json:"writes_discarded"`
	Sessions        []session.Info   `json:"sessions,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// Status returns the current status. Safe for concurrent use.
func (m *Multiplexer) Status() Status {
	m.mu.Lock()
	st := Status{
		Bridge:         m.cfg.ListenAddr,
		Device:         m.cfg.Serial.Device,
		Link:           m.link,
		ActiveSessions: len(m.sessions),
		Reconnects:     m.reconnects,
	}
	if m.ln != nil {
		st.Bridge = m.ln.Addr().String()
	}
	if !m.downSince.IsZero() {
		t := m.downSince
		st.DownSince = &t
	}
	if m.link == domain.LinkReconnecting {
		st.RetryBackoff = m.backoff.Current()
	}
	if m.fatal != nil {
		st.Error = m.fatal.Error()
	}
	sessions := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	st.State = m.lc.State()
	st.SerialConnected = m.serial.Connected()
	st.QueueLength = m.arb.Len()
	st.BytesIn = m.serial.BytesIn()
	st.BytesOut = m.serial.BytesOut()
	arb := m.arb.Stats()
	st.WritesTotal = arb.Written
	st.WritesDiscarded = arb.Discarded
	st.ChunksRead = m.fan.Chunks()
	st.BytesBroadcast = m.fan.Bytes()
	for _, s := range sessions {
		st.Sessions = append(st.Sessions, s.Info())
	}
	sort.Slice(st.Sessions, func(i, j int) bool { return st.Sessions[i].ID < st.Sessions[j].ID })
	return st
}
