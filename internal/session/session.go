// Package session bridges one TCP client to the write arbiter and receives
// broadcast chunks from the read fanout.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bft-labs/serialmux/internal/domain"
	"github.com/bft-labs/serialmux/pkg/log"
)

const (
	// DefaultBacklogBytes bounds the per-session outbound buffer.
	DefaultBacklogBytes = 64 * 1024
	// DefaultReadChunk is the client socket read size.
	DefaultReadChunk = 1024
	// DefaultWriteTimeout bounds a single socket write.
	DefaultWriteTimeout = 10 * time.Second
)

// OverflowPolicy decides what happens when a broadcast would push the
// outbound backlog past its limit.
type OverflowPolicy int

const (
	// OverflowDisconnect terminates the session.
	OverflowDisconnect OverflowPolicy = iota
	// OverflowDropOldest discards the oldest buffered bytes to make room.
	OverflowDropOldest
)

func (p OverflowPolicy) String() string {
	switch p {
	case OverflowDisconnect:
		return "disconnect"
	case OverflowDropOldest:
		return "drop-oldest"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy parses "disconnect" or "drop-oldest".
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "disconnect":
		return OverflowDisconnect, nil
	case "drop-oldest", "drop_oldest", "dropoldest":
		return OverflowDropOldest, nil
	default:
		return OverflowDisconnect, fmt.Errorf("%w: unknown overflow policy %q", domain.ErrInvalidConfig, s)
	}
}

// Submitter accepts client bytes bound for the device.
type Submitter interface {
	Submit(ctx context.Context, sessionID uint64, payload []byte) error
}

// Config holds per-session limits.
type Config struct {
	BacklogBytes int
	Overflow     OverflowPolicy
	ReadChunk    int
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BacklogBytes <= 0 {
		c.BacklogBytes = DefaultBacklogBytes
	}
	if c.ReadChunk <= 0 {
		c.ReadChunk = DefaultReadChunk
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// Info describes a session for status output.
type Info struct {
	ID          uint64    `json:"id"`
	Remote      string    `json:"remote"`
	ConnectedAt time.Time `json:"connected_at"`
	BytesIn     uint64    `json:"bytes_in"`
	BytesOut    uint64    `json:"bytes_out"`
	Backlog     int       `json:"backlog"`
	Dropped     uint64    `json:"dropped"`
}

// Session is one accepted client connection. Termination is idempotent:
// the first cause wins, the unregister hook runs before the socket is
// closed, and the socket is closed exactly once.
type Session struct {
	id          uint64
	conn        net.Conn
	connectedAt time.Time
	cfg         Config
	submitter   Submitter
	unregister  func(id uint64)
	logger      log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	backlog  [][]byte
	size     int
	closed   bool
	draining bool
	notify   chan struct{}

	once sync.Once
	done chan struct{}
	err  error
	wg   sync.WaitGroup

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
	dropped  atomic.Uint64
}

// New wraps conn. unregister is called on termination before the socket
// is closed; it must remove the session from the fanout.
func New(id uint64, conn net.Conn, submitter Submitter, unregister func(id uint64), cfg Config, logger log.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:          id,
		conn:        conn,
		connectedAt: time.Now(),
		cfg:         cfg.withDefaults(),
		submitter:   submitter,
		unregister:  unregister,
		logger: log.OrNoop(logger).With(
			log.Session(id),
			log.String("remote", conn.RemoteAddr().String())),
		ctx:    ctx,
		cancel: cancel,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() uint64 { return s.id }

// Done is closed once the session has terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the termination cause, nil for a clean peer close or
// shutdown. Valid after Done is closed.
func (s *Session) Err() error {
	<-s.done
	return s.err
}

// Start runs the inbound and outbound loops.
func (s *Session) Start() {
	s.wg.Add(2)
	go s.inbound()
	go s.outbound()
	s.logger.Info("client connected")
}

// Wait blocks until both loops have returned.
func (s *Session) Wait() { s.wg.Wait() }

// Deliver queues a broadcast chunk for the client. It never blocks. On
// overflow with OverflowDisconnect the session is terminated on another
// goroutine, since Deliver runs under the fanout lock.
func (s *Session) Deliver(chunk []byte) {
	s.mu.Lock()
	if s.closed || s.draining {
		s.mu.Unlock()
		return
	}

	limit := s.cfg.BacklogBytes
	if s.size+len(chunk) > limit {
		if s.cfg.Overflow != OverflowDropOldest {
			s.closed = true
			s.mu.Unlock()
			go s.terminate(fmt.Errorf("%w: %d bytes pending, limit %d", domain.ErrBacklogExceeded, s.size+len(chunk), limit))
			return
		}
		if len(chunk) > limit {
			s.dropped.Add(uint64(len(chunk) - limit))
			chunk = chunk[len(chunk)-limit:]
		}
		for s.size+len(chunk) > limit && len(s.backlog) > 0 {
			head := s.backlog[0]
			need := s.size + len(chunk) - limit
			if len(head) <= need {
				s.backlog = s.backlog[1:]
				s.size -= len(head)
				s.dropped.Add(uint64(len(head)))
				continue
			}
			s.backlog[0] = head[need:]
			s.size -= need
			s.dropped.Add(uint64(need))
		}
	}
	s.backlog = append(s.backlog, chunk)
	s.size += len(chunk)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Close terminates the session immediately.
func (s *Session) Close() {
	s.terminate(nil)
}

// Drain stops reading from the client, flushes the outbound backlog and
// then terminates. If ctx ends first the session is closed hard.
func (s *Session) Drain(ctx context.Context) {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	_ = s.conn.SetReadDeadline(time.Now())
	select {
	case s.notify <- struct{}{}:
	default:
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		s.terminate(domain.ErrShutdownTimeout)
	}
}

// Info returns a snapshot for status output.
func (s *Session) Info() Info {
	s.mu.Lock()
	backlog := s.size
	s.mu.Unlock()
	return Info{
		ID:          s.id,
		Remote:      s.conn.RemoteAddr().String(),
		ConnectedAt: s.connectedAt,
		BytesIn:     s.bytesIn.Load(),
		BytesOut:    s.bytesOut.Load(),
		Backlog:     backlog,
		Dropped:     s.dropped.Load(),
	}
}

func (s *Session) inbound() {
	defer s.wg.Done()
	buf := make([]byte, s.cfg.ReadChunk)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.bytesIn.Add(uint64(n))
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if serr := s.submitter.Submit(s.ctx, s.id, payload); serr != nil {
				if s.ctx.Err() == nil {
					s.terminate(serr)
				}
				return
			}
		}
		if err != nil {
			if s.isDraining() && errors.Is(err, os.ErrDeadlineExceeded) {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				s.terminate(nil)
				return
			}
			s.terminate(fmt.Errorf("%w: read: %w", domain.ErrSessionIO, err))
			return
		}
	}
}

func (s *Session) outbound() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.notify:
		}

		for {
			chunk, draining := s.pop()
			if chunk == nil {
				if draining {
					s.terminate(nil)
					return
				}
				break
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			n, err := s.conn.Write(chunk)
			s.bytesOut.Add(uint64(n))
			if err != nil {
				if s.ctx.Err() == nil {
					s.terminate(fmt.Errorf("%w: write: %w", domain.ErrSessionIO, err))
				}
				return
			}
		}
	}
}

func (s *Session) pop() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.backlog) == 0 {
		return nil, s.draining
	}
	chunk := s.backlog[0]
	s.backlog[0] = nil
	s.backlog = s.backlog[1:]
	s.size -= len(chunk)
	return chunk, false
}

func (s *Session) isDraining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

func (s *Session) terminate(cause error) {
	s.once.Do(func() {
		s.err = cause
		s.cancel()
		if s.unregister != nil {
			s.unregister(s.id)
		}

		s.mu.Lock()
		s.closed = true
		s.backlog = nil
		s.size = 0
		s.mu.Unlock()

		_ = s.conn.Close()
		close(s.done)

		if cause != nil {
			s.logger.Info("client disconnected", log.Err(cause))
		} else {
			s.logger.Info("client disconnected")
		}
	})
}
