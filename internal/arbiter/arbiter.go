// Package arbiter serializes writes from many client sessions into one
// ordered stream to the serial device.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bft-labs/serialmux/internal/domain"
	"github.com/bft-labs/serialmux/pkg/log"
)

// DefaultDepth is the default queue capacity in entries.
const DefaultDepth = 1000

// Policy decides what Submit does when the queue is full.
type Policy int

const (
	// PolicyBlock parks the submitter until space frees up.
	PolicyBlock Policy = iota
	// PolicyFail returns ErrQueueFull immediately.
	PolicyFail
)

func (p Policy) String() string {
	switch p {
	case PolicyBlock:
		return "block"
	case PolicyFail:
		return "fail"
	default:
		return "unknown"
	}
}

// ParsePolicy parses "block" or "fail".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return PolicyBlock, nil
	case "fail":
		return PolicyFail, nil
	default:
		return PolicyBlock, fmt.Errorf("%w: unknown queue policy %q", domain.ErrInvalidConfig, s)
	}
}

// Entry is one queued write.
type Entry struct {
	SessionID  uint64
	Payload    []byte
	EnqueuedAt time.Time
}

// Sink is the serial device as seen by the drain loop.
type Sink interface {
	Write(p []byte) error
	WaitReady(ctx context.Context) error
}

// Config controls queue size and the full-queue policy.
type Config struct {
	Depth  int
	Policy Policy
}

// Stats is a point-in-time view of the arbiter counters.
type Stats struct {
	Queued    int
	Submitted uint64
	Written   uint64
	Discarded uint64
	Rejected  uint64
}

// Arbiter is a bounded FIFO drained by a single goroutine. Entries are
// written one at a time. A write that reached the device and then failed is
// never retried, so it is delivered at most once; an entry that reached no
// byte of the device is held at the head of the queue until the link is
// back.
type Arbiter struct {
	queue  chan Entry
	policy Policy
	sink   Sink
	logger log.Logger

	closeOnce sync.Once
	closed    chan struct{}

	held atomic.Bool

	submitted atomic.Uint64
	written   atomic.Uint64
	discarded atomic.Uint64
	rejected  atomic.Uint64
}

// New returns an arbiter writing to sink.
func New(sink Sink, cfg Config, logger log.Logger) *Arbiter {
	if cfg.Depth <= 0 {
		cfg.Depth = DefaultDepth
	}
	return &Arbiter{
		queue:  make(chan Entry, cfg.Depth),
		policy: cfg.Policy,
		sink:   sink,
		logger: log.OrNoop(logger),
		closed: make(chan struct{}),
	}
}

// Submit queues payload on behalf of sessionID. The caller must not modify
// payload afterwards.
func (a *Arbiter) Submit(ctx context.Context, sessionID uint64, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	select {
	case <-a.closed:
		return domain.ErrClosed
	default:
	}

	e := Entry{SessionID: sessionID, Payload: payload, EnqueuedAt: time.Now()}

	if a.policy == PolicyFail {
		select {
		case a.queue <- e:
			a.submitted.Add(1)
			return nil
		default:
			a.rejected.Add(1)
			return fmt.Errorf("%w: %d entries pending", domain.ErrQueueFull, cap(a.queue))
		}
	}

	select {
	case a.queue <- e:
		a.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.closed:
		return domain.ErrClosed
	}
}

// Run drains the queue until ctx is done. While the device is down the
// queue is held, not dropped.
func (a *Arbiter) Run(ctx context.Context) {
	var (
		head    Entry
		pending bool
	)
	for {
		if err := a.sink.WaitReady(ctx); err != nil {
			return
		}
		if !pending {
			select {
			case <-ctx.Done():
				return
			case head = <-a.queue:
				pending = true
				a.held.Store(true)
			}
		}
		if a.write(head) {
			pending = false
			head = Entry{}
			a.held.Store(false)
		}
	}
}

// write reports whether e is done with, written or discarded. An entry
// that never reached the device stays pending.
func (a *Arbiter) write(e Entry) bool {
	err := a.sink.Write(e.Payload)
	switch {
	case err == nil:
		a.written.Add(1)
		return true
	case errors.Is(err, domain.ErrNotConnected):
		a.logger.Debug("device down, holding write",
			log.Session(e.SessionID),
			log.Int("bytes", len(e.Payload)))
		return false
	default:
		a.discarded.Add(1)
		a.logger.Warn("write discarded",
			log.Session(e.SessionID),
			log.Int("bytes", len(e.Payload)),
			log.Duration("queued_for", time.Since(e.EnqueuedAt)),
			log.Err(err))
		return true
	}
}

// Close rejects further submissions and releases blocked submitters.
func (a *Arbiter) Close() {
	a.closeOnce.Do(func() { close(a.closed) })
}

// Len returns the number of entries waiting for the device, including one
// held at the head.
func (a *Arbiter) Len() int {
	n := len(a.queue)
	if a.held.Load() {
		n++
	}
	return n
}

// Stats returns the current counters.
func (a *Arbiter) Stats() Stats {
	return Stats{
		Queued:    a.Len(),
		Submitted: a.submitted.Load(),
		Written:   a.written.Load(),
		Discarded: a.discarded.Load(),
		Rejected:  a.rejected.Load(),
	}
}
