// Package transporttest provides an in-memory serial device for tests.
package transporttest

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bft-labs/serialmux/internal/domain"
	"github.com/bft-labs/serialmux/internal/transport"
)

// ErrUnplugged is returned by I/O on a port whose device was unplugged.
var ErrUnplugged = errors.New("transporttest: device unplugged")

// Device simulates one serial device. Bytes written by the bridge are
// recorded; bytes emitted by the test are returned to the current reader.
type Device struct {
	mu      sync.Mutex
	plugged bool
	port    *port
	written bytes.Buffer
	opens   int
	openErr error
	stall   chan struct{}
}

// NewDevice returns a plugged-in device.
func NewDevice() *Device {
	return &Device{plugged: true}
}

// Opener returns a transport.Opener bound to the device.
func (d *Device) Opener() transport.Opener {
	return func(cfg transport.Config) (transport.Port, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.openErr != nil {
			return nil, d.openErr
		}
		if !d.plugged {
			return nil, fmt.Errorf("%w: %s not present", domain.ErrDeviceUnavailable, cfg.Device)
		}
		if d.port != nil && !d.port.isClosed() {
			return nil, fmt.Errorf("%w: %s busy", domain.ErrDeviceUnavailable, cfg.Device)
		}
		d.port = newPort(d)
		d.opens++
		return d.port, nil
	}
}

// FailOpens makes every open return err until called again with nil.
func (d *Device) FailOpens(err error) {
	d.mu.Lock()
	d.openErr = err
	d.mu.Unlock()
}

// Emit delivers b to the bridge as one read.
func (d *Device) Emit(b []byte) error {
	d.mu.Lock()
	p := d.port
	d.mu.Unlock()
	if p == nil || p.isClosed() {
		return errors.New("transporttest: device not open")
	}
	chunk := append([]byte(nil), b...)
	select {
	case p.reads <- chunk:
		return nil
	case <-p.failed:
		return ErrUnplugged
	case <-time.After(time.Second):
		return errors.New("transporttest: emit timed out")
	}
}

// Written returns a copy of everything written to the device.
func (d *Device) Written() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.written.Bytes()...)
}

// Opens reports how many times the device was opened.
func (d *Device) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// Open reports whether a live port is held on the device.
func (d *Device) Open() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.port != nil && !d.port.isClosed()
}

// Unplug fails the current port and refuses opens until Replug.
func (d *Device) Unplug() {
	d.mu.Lock()
	d.plugged = false
	p := d.port
	d.mu.Unlock()
	if p != nil {
		p.fail()
	}
}

// Replug makes the device openable again.
func (d *Device) Replug() {
	d.mu.Lock()
	d.plugged = true
	d.mu.Unlock()
}

// StallWrites blocks writes until the returned function is called.
func (d *Device) StallWrites() (release func()) {
	ch := make(chan struct{})
	d.mu.Lock()
	d.stall = ch
	d.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			d.stall = nil
			d.mu.Unlock()
			close(ch)
		})
	}
}

type port struct {
	dev     *Device
	reads   chan []byte
	pending []byte

	failOnce  sync.Once
	failed    chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

func newPort(d *Device) *port {
	return &port{
		dev:    d,
		reads:  make(chan []byte, 64),
		failed: make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (p *port) Read(b []byte) (int, error) {
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		return n, nil
	}
	select {
	case chunk := <-p.reads:
		n := copy(b, chunk)
		p.pending = chunk[n:]
		return n, nil
	case <-p.failed:
		return 0, ErrUnplugged
	case <-p.closed:
		return 0, transport.ErrPortClosed
	}
}

func (p *port) Write(b []byte) (int, error) {
	p.dev.mu.Lock()
	stall := p.dev.stall
	p.dev.mu.Unlock()
	if stall != nil {
		select {
		case <-stall:
		case <-p.failed:
			return 0, ErrUnplugged
		case <-p.closed:
			return 0, transport.ErrPortClosed
		}
	}

	select {
	case <-p.failed:
		return 0, ErrUnplugged
	case <-p.closed:
		return 0, transport.ErrPortClosed
	default:
	}
	p.dev.mu.Lock()
	p.dev.written.Write(b)
	p.dev.mu.Unlock()
	return len(b), nil
}

func (p *port) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *port) fail() {
	p.failOnce.Do(func() { close(p.failed) })
}

func (p *port) isClosed() bool {
	select {
	case <-p.closed:
		return true
	case <-p.failed:
		return true
	default:
		return false
	}
}
