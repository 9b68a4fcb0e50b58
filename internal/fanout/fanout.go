// Package fanout distributes every chunk read from the serial device to
// all registered subscribers.
package fanout

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bft-labs/serialmux/pkg/log"
)

// DefaultReadSize is the serial read buffer size.
const DefaultReadSize = 4096

// Subscriber receives chunks. Deliver is called with the subscriber set
// locked, so it must not block and must not call back into the Fanout.
// The chunk is shared between subscribers and must not be modified.
type Subscriber interface {
	Deliver(chunk []byte)
}

// Source is the serial device as seen by the read loop.
type Source interface {
	Read(p []byte) (int, error)
	WaitReady(ctx context.Context) error
}

// Fanout owns the subscriber set. Register and Unregister are serialized
// against delivery: a chunk goes to exactly the subscribers present when
// its delivery pass takes the lock.
type Fanout struct {
	src      Source
	readSize int
	logger   log.Logger

	mu   sync.Mutex
	subs map[uint64]Subscriber

	chunks atomic.Uint64
	bytes  atomic.Uint64
}

// New returns a Fanout reading from src. A non-positive readSize uses
// DefaultReadSize.
func New(src Source, readSize int, logger log.Logger) *Fanout {
	if readSize <= 0 {
		readSize = DefaultReadSize
	}
	return &Fanout{
		src:      src,
		readSize: readSize,
		logger:   log.OrNoop(logger),
		subs:     make(map[uint64]Subscriber),
	}
}

// Register adds sub under id, replacing any previous subscriber with the
// same id.
func (f *Fanout) Register(id uint64, sub Subscriber) {
	f.mu.Lock()
	f.subs[id] = sub
	f.mu.Unlock()
}

// Unregister removes id and reports whether it was present. Once it
// returns, sub receives no further chunks.
func (f *Fanout) Unregister(id uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[id]; !ok {
		return false
	}
	delete(f.subs, id)
	return true
}

// Len returns the number of subscribers.
func (f *Fanout) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Run reads and distributes until ctx is done. A read failure pauses the
// loop until the source is ready again; subscribers stay registered.
func (f *Fanout) Run(ctx context.Context) {
	buf := make([]byte, f.readSize)
	for {
		if err := f.src.WaitReady(ctx); err != nil {
			return
		}
		n, err := f.src.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			f.Broadcast(chunk)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.logger.Debug("read paused", log.Err(err))
		}
	}
}

// Broadcast delivers chunk to every current subscriber.
func (f *Fanout) Broadcast(chunk []byte) {
	f.mu.Lock()
	for _, sub := range f.subs {
		sub.Deliver(chunk)
	}
	f.mu.Unlock()

	f.chunks.Add(1)
	f.bytes.Add(uint64(len(chunk)))
}

// Chunks returns the number of chunks distributed.
func (f *Fanout) Chunks() uint64 { return f.chunks.Load() }

// Bytes returns the number of bytes distributed.
func (f *Fanout) Bytes() uint64 { return f.bytes.Load() }
