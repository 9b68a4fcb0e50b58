package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bft-labs/serialmux/internal/domain"
	"github.com/bft-labs/serialmux/pkg/log"
)

// held enforces one open handle per device path within the process.
var held = struct {
	sync.Mutex
	paths map[string]*Serial
}{paths: make(map[string]*Serial)}

func acquire(path string, owner *Serial) error {
	held.Lock()
	defer held.Unlock()
	if cur, ok := held.paths[path]; ok && cur != owner {
		return fmt.Errorf("%w: %s is already open in this process", domain.ErrDeviceUnavailable, path)
	}
	held.paths[path] = owner
	return nil
}

func release(path string, owner *Serial) {
	held.Lock()
	defer held.Unlock()
	if held.paths[path] == owner {
		delete(held.paths, path)
	}
}

// Serial is the exclusive handle on one serial device shared by the write
// arbiter and the read fanout.
//
// Each successful Open starts a new generation. The first Read or Write
// failure within a generation marks the link down and reports the fault
// once through the OnFault callback; later failures from the same
// generation are ignored. WaitReady blocks until the next successful Open.
type Serial struct {
	cfg    Config
	opener Opener
	logger log.Logger

	mu      sync.Mutex
	port    Port
	gen     uint64
	ready   chan struct{} // closed while connected
	up      bool
	onFault func(error)

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

// New returns an unopened Serial. A nil opener uses OpenPort. The logger
// is used as given; callers tag it with the device.
func New(cfg Config, opener Opener, logger log.Logger) *Serial {
	if opener == nil {
		opener = OpenPort
	}
	return &Serial{
		cfg:    cfg,
		opener: opener,
		logger: log.OrNoop(logger),
		ready:  make(chan struct{}),
	}
}

// OnFault registers the callback invoked once per generation on the first
// I/O failure. It runs on the goroutine that observed the failure and must
// not block.
func (s *Serial) OnFault(fn func(error)) {
	s.mu.Lock()
	s.onFault = fn
	s.mu.Unlock()
}

// Device returns the configured device path.
func (s *Serial) Device() string { return s.cfg.Device }

// Config returns the serial parameters.
func (s *Serial) Config() Config { return s.cfg }

// Open validates the parameters and acquires the device. Opening an
// already connected Serial is a no-op.
func (s *Serial) Open() error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.up {
		return nil
	}
	if s.port != nil {
		// Faulted handle from the previous generation.
		_ = s.port.Close()
		s.port = nil
	}

	if err := acquire(s.cfg.Device, s); err != nil {
		return err
	}
	port, err := s.opener(s.cfg)
	if err != nil {
		release(s.cfg.Device, s)
		if !errors.Is(err, domain.ErrDeviceConfig) && !errors.Is(err, domain.ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrDeviceUnavailable, err)
		}
		return err
	}

	s.port = port
	s.gen++
	s.up = true
	close(s.ready)
	s.logger.Info("serial device opened",
		log.Int("baud", s.cfg.Baud),
		log.Uint64("generation", s.gen))
	return nil
}

// Close releases the device. It is idempotent and unblocks pending reads.
func (s *Serial) Close() error {
	s.mu.Lock()
	port := s.port
	s.port = nil
	if s.up {
		s.up = false
		s.ready = make(chan struct{})
	}
	release(s.cfg.Device, s)
	s.mu.Unlock()

	if port == nil {
		return nil
	}
	return port.Close()
}

// Connected reports whether the current generation is healthy.
func (s *Serial) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.up
}

// WaitReady blocks until the device is connected or ctx is done.
func (s *Serial) WaitReady(ctx context.Context) error {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Read reads the next available bytes from the device.
func (s *Serial) Read(p []byte) (int, error) {
	port, gen := s.current()
	if port == nil {
		return 0, fmt.Errorf("%w: %s is not connected", domain.ErrTransportFault, s.cfg.Device)
	}

	n, err := port.Read(p)
	if n > 0 {
		s.bytesIn.Add(uint64(n))
	}
	if err != nil {
		s.fault(gen, err)
		return n, fmt.Errorf("%w: read %s: %w", domain.ErrTransportFault, s.cfg.Device, err)
	}
	return n, nil
}

// Write writes all of p or fails. A failed write may have been partially
// transmitted, unless the error matches domain.ErrNotConnected: then no
// byte of p reached the device and the write can be repeated safely.
func (s *Serial) Write(p []byte) error {
	port, gen := s.current()
	if port == nil {
		return fmt.Errorf("%w: %w: %s", domain.ErrTransportFault, domain.ErrNotConnected, s.cfg.Device)
	}

	sent := 0
	for len(p) > 0 {
		n, err := port.Write(p)
		if n > 0 {
			s.bytesOut.Add(uint64(n))
			sent += n
			p = p[n:]
		}
		if err == nil && n == 0 {
			err = errors.New("short write")
		}
		if err != nil {
			s.fault(gen, err)
			if sent == 0 {
				return fmt.Errorf("%w: %w: write %s: %w", domain.ErrTransportFault, domain.ErrNotConnected, s.cfg.Device, err)
			}
			return fmt.Errorf("%w: write %s after %d bytes: %w", domain.ErrTransportFault, s.cfg.Device, sent, err)
		}
	}
	return nil
}

// BytesIn returns the total bytes read from the device.
func (s *Serial) BytesIn() uint64 { return s.bytesIn.Load() }

// BytesOut returns the total bytes written to the device.
func (s *Serial) BytesOut() uint64 { return s.bytesOut.Load() }

func (s *Serial) current() (Port, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.up {
		return nil, s.gen
	}
	return s.port, s.gen
}

func (s *Serial) fault(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen || !s.up {
		s.mu.Unlock()
		return
	}
	s.up = false
	s.ready = make(chan struct{})
	fn := s.onFault
	s.mu.Unlock()

	s.logger.Warn("serial device fault", log.Uint64("generation", gen), log.Err(err))
	if fn != nil {
		fn(err)
	}
}
