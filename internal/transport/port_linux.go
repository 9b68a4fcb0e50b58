//go:build linux

package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/bft-labs/serialmux/internal/domain"
)

var linuxBauds = map[int]uint32{
	50:      unix.B50,
	75:      unix.B75,
	110:     unix.B110,
	134:     unix.B134,
	150:     unix.B150,
	200:     unix.B200,
	300:     unix.B300,
	600:     unix.B600,
	1200:    unix.B1200,
	1800:    unix.B1800,
	2400:    unix.B2400,
	4800:    unix.B4800,
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	500000:  unix.B500000,
	576000:  unix.B576000,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	1152000: unix.B1152000,
	1500000: unix.B1500000,
	2000000: unix.B2000000,
	2500000: unix.B2500000,
	3000000: unix.B3000000,
	3500000: unix.B3500000,
	4000000: unix.B4000000,
}

const cmspar = 0x40000000

// unixPort is a raw-mode tty opened non-blocking. Reads and writes park in
// poll(2) alongside a wake pipe so Close can interrupt them.
type unixPort struct {
	fd    int
	wakeR int
	wakeW int

	mu        sync.RWMutex // held shared around syscalls on fd, exclusively by Close
	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// OpenPort opens cfg.Device in raw mode with exclusive access.
func OpenPort(cfg Config) (Port, error) {
	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", domain.ErrDeviceUnavailable, cfg.Device, err)
	}

	// TIOCEXCL does not stop root, so take an advisory lock as well.
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: %s is locked by another process: %w", domain.ErrDeviceUnavailable, cfg.Device, err)
	}

	if err := configure(fd, cfg); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	_ = unix.IoctlSetInt(fd, unix.TIOCEXCL, 0)

	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		_ = unix.IoctlSetInt(fd, unix.TIOCNXCL, 0)
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: wake pipe: %w", domain.ErrDeviceUnavailable, err)
	}

	return &unixPort{fd: fd, wakeR: pipe[0], wakeW: pipe[1]}, nil
}

func configure(fd int, cfg Config) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		if errors.Is(err, unix.ENOTTY) || errors.Is(err, unix.EINVAL) {
			return fmt.Errorf("%w: %s is not a terminal", domain.ErrDeviceConfig, cfg.Device)
		}
		return fmt.Errorf("%w: tcgetattr %s: %w", domain.ErrDeviceUnavailable, cfg.Device, err)
	}

	speed, ok := linuxBauds[cfg.Baud]
	if !ok {
		return fmt.Errorf("%w: unsupported baud rate %d", domain.ErrDeviceConfig, cfg.Baud)
	}

	t.Cflag |= unix.CLOCAL | unix.CREAD
	t.Lflag &^= unix.ICANON | unix.ECHO | unix.ECHOE | unix.ECHOK | unix.ECHONL | unix.ISIG | unix.IEXTEN
	t.Oflag &^= unix.OPOST | unix.ONLCR | unix.OCRNL
	t.Iflag &^= unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IGNBRK | unix.BRKINT | unix.PARMRK
	t.Iflag &^= unix.INPCK | unix.ISTRIP | unix.IXON | unix.IXOFF | unix.IXANY

	t.Cflag &^= unix.CBAUD | unix.CBAUDEX
	t.Cflag |= speed
	t.Ispeed = speed
	t.Ospeed = speed

	t.Cflag &^= unix.CSIZE
	switch cfg.DataBits {
	case 5:
		t.Cflag |= unix.CS5
	case 6:
		t.Cflag |= unix.CS6
	case 7:
		t.Cflag |= unix.CS7
	default:
		t.Cflag |= unix.CS8
	}

	if cfg.StopBits == 2 {
		t.Cflag |= unix.CSTOPB
	} else {
		t.Cflag &^= unix.CSTOPB
	}

	t.Cflag &^= unix.PARENB | unix.PARODD | cmspar
	switch cfg.Parity {
	case ParityEven:
		t.Cflag |= unix.PARENB
	case ParityOdd:
		t.Cflag |= unix.PARENB | unix.PARODD
	case ParityMark:
		t.Cflag |= unix.PARENB | unix.PARODD | cmspar
	case ParitySpace:
		t.Cflag |= unix.PARENB | cmspar
	}

	if cfg.RTSCTS {
		t.Cflag |= unix.CRTSCTS
	} else {
		t.Cflag &^= unix.CRTSCTS
	}

	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("%w: tcsetattr %s: %w", domain.ErrDeviceConfig, cfg.Device, err)
	}
	_ = unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIFLUSH)
	return nil
}

func (p *unixPort) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	for {
		if p.closing.Load() {
			return 0, ErrPortClosed
		}
		if err := p.wait(unix.POLLIN); err != nil {
			return 0, err
		}
		n, err := unix.Read(p.fd, b)
		switch {
		case err == unix.EAGAIN || err == unix.EINTR:
			continue
		case err != nil:
			return 0, err
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

func (p *unixPort) Write(b []byte) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	written := 0
	for written < len(b) {
		if p.closing.Load() {
			return written, ErrPortClosed
		}
		n, err := unix.Write(p.fd, b[written:])
		if n > 0 {
			written += n
		}
		switch {
		case err == unix.EAGAIN:
			if err := p.wait(unix.POLLOUT); err != nil {
				return written, err
			}
		case err == unix.EINTR:
		case err != nil:
			return written, err
		}
	}
	return written, nil
}

// wait parks until fd is ready for events or the port is closed.
func (p *unixPort) wait(events int16) error {
	for {
		fds := []unix.PollFd{
			{Fd: int32(p.fd), Events: events},
			{Fd: int32(p.wakeR), Events: unix.POLLIN},
		}
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if fds[1].Revents != 0 {
			return ErrPortClosed
		}
		if fds[0].Revents&unix.POLLNVAL != 0 {
			return ErrPortClosed
		}
		// POLLHUP and POLLERR fall through so the next syscall reports the
		// underlying errno.
		if fds[0].Revents != 0 {
			return nil
		}
	}
}

func (p *unixPort) Close() error {
	p.closeOnce.Do(func() {
		p.closing.Store(true)
		_, _ = unix.Write(p.wakeW, []byte{1})

		p.mu.Lock()
		defer p.mu.Unlock()
		_ = unix.IoctlSetInt(p.fd, unix.TIOCNXCL, 0)
		_ = unix.Flock(p.fd, unix.LOCK_UN)
		p.closeErr = unix.Close(p.fd)
		_ = unix.Close(p.wakeR)
		_ = unix.Close(p.wakeW)
	})
	return p.closeErr
}
