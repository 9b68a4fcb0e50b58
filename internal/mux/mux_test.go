package mux

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/serialmux/internal/domain"
	"github.com/bft-labs/serialmux/internal/transport"
	"github.com/bft-labs/serialmux/internal/transport/transporttest"
	"github.com/bft-labs/serialmux/pkg/lifecycle"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig("127.0.0.1:0", transport.DefaultConfig("/dev/serialmux-test/"+t.Name()))
	cfg.WatchDevice = false
	cfg.BackoffInitial = 10 * time.Millisecond
	cfg.BackoffMax = 50 * time.Millisecond
	cfg.ShutdownGrace = time.Second
	return cfg
}

func startMux(t *testing.T, dev *transporttest.Device, cfg Config) *Multiplexer {
	t.Helper()
	m, err := New(cfg, WithOpener(dev.Opener()))
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func dial(t *testing.T, m *Multiplexer) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", m.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitSessions(t *testing.T, m *Multiplexer, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Status().ActiveSessions == n },
		2*time.Second, 5*time.Millisecond, "want %d sessions", n)
}

func readExactly(t *testing.T, conn net.Conn, n int) string {
	t.Helper()
	buf := make([]byte, n)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return string(buf)
}

func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := io.Copy(io.Discard, conn)
	if err != nil {
		var ne net.Error
		require.False(t, errors.As(err, &ne) && ne.Timeout(), "connection was not closed")
	}
}

func TestMultiplexer_WritesInSubmissionOrderAndFansOut(t *testing.T) {
	dev := transporttest.NewDevice()
	m := startMux(t, dev, testConfig(t))

	a := dial(t, m)
	b := dial(t, m)
	waitSessions(t, m, 2)

	_, err := a.Write([]byte("AT\r\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return string(dev.Written()) == "AT\r\n" }, 2*time.Second, 5*time.Millisecond)

	_, err = b.Write([]byte("PING\r\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return string(dev.Written()) == "AT\r\nPING\r\n" }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, dev.Emit([]byte("OK\r\n")))
	assert.Equal(t, "OK\r\n", readExactly(t, a, 4))
	assert.Equal(t, "OK\r\n", readExactly(t, b, 4))
}

func TestMultiplexer_DisconnectDoesNotAffectOthers(t *testing.T) {
	dev := transporttest.NewDevice()
	m := startMux(t, dev, testConfig(t))

	a := dial(t, m)
	b := dial(t, m)
	c := dial(t, m)
	waitSessions(t, m, 3)

	require.NoError(t, c.Close())
	waitSessions(t, m, 2)

	require.NoError(t, dev.Emit([]byte("data")))
	assert.Equal(t, "data", readExactly(t, a, 4))
	assert.Equal(t, "data", readExactly(t, b, 4))
}

func TestMultiplexer_ReconnectKeepsSessions(t *testing.T) {
	dev := transporttest.NewDevice()
	m := startMux(t, dev, testConfig(t))

	a := dial(t, m)
	b := dial(t, m)
	waitSessions(t, m, 2)

	dev.Unplug()
	require.Eventually(t, func() bool { return m.Status().Link == domain.LinkReconnecting }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, m.Status().SerialConnected)

	time.Sleep(50 * time.Millisecond)
	retry := m.Status().RetryBackoff
	assert.GreaterOrEqual(t, retry, 10*time.Millisecond)
	assert.LessOrEqual(t, retry, 50*time.Millisecond)

	dev.Replug()
	require.Eventually(t, func() bool {
		st := m.Status()
		return st.Link == domain.LinkConnected && st.Reconnects == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, m.Status().ActiveSessions)
	assert.Zero(t, m.Status().RetryBackoff)

	_, err := a.Write([]byte("AT\r\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.HasSuffix(string(dev.Written()), "AT\r\n") }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, dev.Emit([]byte("OK\r\n")))
	assert.Equal(t, "OK\r\n", readExactly(t, a, 4))
	assert.Equal(t, "OK\r\n", readExactly(t, b, 4))
	assert.NoError(t, m.Err())

	require.Eventually(t, func() bool { return m.Status().ChunksRead == 1 }, time.Second, 5*time.Millisecond)
	st := m.Status()
	assert.Equal(t, uint64(4), st.BytesBroadcast)
	assert.Equal(t, uint64(1), st.WritesTotal)
}

func TestMultiplexer_WriteDuringOutageIsHeld(t *testing.T) {
	dev := transporttest.NewDevice()
	m := startMux(t, dev, testConfig(t))

	a := dial(t, m)
	waitSessions(t, m, 1)

	dev.Unplug()
	require.Eventually(t, func() bool { return m.Status().Link == domain.LinkReconnecting }, 2*time.Second, 5*time.Millisecond)

	_, err := a.Write([]byte("HELD\r\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.Status().QueueLength == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, dev.Written())

	dev.Replug()
	require.Eventually(t, func() bool { return m.Status().Link == domain.LinkConnected }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return string(dev.Written()) == "HELD\r\n" }, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		st := m.Status()
		return st.WritesTotal == 1 && st.QueueLength == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(0), m.Status().WritesDiscarded)
}

func TestMultiplexer_DowntimeCeilingIsFatal(t *testing.T) {
	dev := transporttest.NewDevice()
	cfg := testConfig(t)
	cfg.MaxDowntime = 100 * time.Millisecond
	m := startMux(t, dev, cfg)

	a := dial(t, m)
	b := dial(t, m)
	waitSessions(t, m, 2)

	dev.Unplug()

	select {
	case <-m.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("multiplexer did not fail after downtime ceiling")
	}

	require.Error(t, m.Err())
	assert.True(t, errors.Is(m.Err(), domain.ErrDeviceUnavailable), "got %v", m.Err())

	expectClosed(t, a)
	expectClosed(t, b)

	st := m.Status()
	assert.Equal(t, domain.LinkFatal, st.Link)
	assert.Equal(t, lifecycle.StateCrashed, st.State)
	assert.Equal(t, 0, st.ActiveSessions)
	assert.NotEmpty(t, st.Error)

	assert.NoError(t, m.Stop())
}

func TestMultiplexer_SlowConsumerDisconnected(t *testing.T) {
	dev := transporttest.NewDevice()
	cfg := testConfig(t)
	cfg.Session.BacklogBytes = 64 * 1024
	m := startMux(t, dev, cfg)

	slow := dial(t, m)
	fast := dial(t, m)
	waitSessions(t, m, 2)

	var received atomic.Int64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, 64*1024)
		for {
			n, err := fast.Read(buf)
			received.Add(int64(n))
			if err != nil {
				return
			}
		}
	}()

	chunk := make([]byte, 4096)
	for i := range chunk {
		chunk[i] = byte('a' + i%26)
	}
	sent := 0
	const limit = 64 << 20
	for m.Status().ActiveSessions == 2 && sent < limit {
		require.NoError(t, dev.Emit(chunk))
		sent += len(chunk)
		// Pace the producer on the fast reader so only the slow one backs up.
		deadline := time.Now().Add(2 * time.Second)
		for received.Load() < int64(sent-16*1024) && time.Now().Before(deadline) {
			time.Sleep(50 * time.Microsecond)
		}
	}
	require.Less(t, sent, limit, "slow consumer was never disconnected")
	waitSessions(t, m, 1)
	expectClosed(t, slow)

	require.NoError(t, dev.Emit([]byte("after")))
	require.Eventually(t, func() bool { return m.Status().BytesIn == uint64(sent+5) }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Stop())
	wg.Wait()
	assert.Equal(t, int64(sent+5), received.Load(), "fast consumer must receive every byte")
}

func TestMultiplexer_StartupErrors(t *testing.T) {
	t.Run("device missing", func(t *testing.T) {
		dev := transporttest.NewDevice()
		dev.Unplug()
		m, err := New(testConfig(t), WithOpener(dev.Opener()))
		require.NoError(t, err)

		err = m.Start(context.Background())
		require.Error(t, err)
		var se *domain.StartupError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, "open device", se.Step)
		assert.True(t, errors.Is(err, domain.ErrStartup))
		assert.True(t, errors.Is(err, domain.ErrDeviceUnavailable))
		assert.Equal(t, lifecycle.StateCrashed, m.Status().State)
	})

	t.Run("device config", func(t *testing.T) {
		dev := transporttest.NewDevice()
		dev.FailOpens(domain.ErrDeviceConfig)
		m, err := New(testConfig(t), WithOpener(dev.Opener()))
		require.NoError(t, err)

		err = m.Start(context.Background())
		assert.True(t, errors.Is(err, domain.ErrStartup))
		assert.True(t, errors.Is(err, domain.ErrDeviceConfig))
	})

	t.Run("bad line settings", func(t *testing.T) {
		dev := transporttest.NewDevice()
		cfg := testConfig(t)
		cfg.Serial.Baud = 1234
		cfg.Serial.Parity = 'X'
		m, err := New(cfg, WithOpener(dev.Opener()))
		require.NoError(t, err)

		err = m.Start(context.Background())
		var se *domain.StartupError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, "open device", se.Step)
		assert.True(t, errors.Is(err, domain.ErrStartup))
		assert.True(t, errors.Is(err, domain.ErrDeviceConfig))
		assert.Equal(t, 0, dev.Opens())
		assert.Equal(t, lifecycle.StateCrashed, m.Status().State)
	})

	t.Run("bind failure releases device", func(t *testing.T) {
		busy, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer busy.Close()

		dev := transporttest.NewDevice()
		cfg := testConfig(t)
		cfg.ListenAddr = busy.Addr().String()
		m, err := New(cfg, WithOpener(dev.Opener()))
		require.NoError(t, err)

		err = m.Start(context.Background())
		var se *domain.StartupError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, "listen", se.Step)
		assert.False(t, dev.Open())
	})
}

func TestMultiplexer_StopIsIdempotent(t *testing.T) {
	dev := transporttest.NewDevice()
	m, err := New(testConfig(t), WithOpener(dev.Opener()))
	require.NoError(t, err)
	assert.ErrorIs(t, m.Stop(), domain.ErrNotRunning)

	require.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), domain.ErrAlreadyRunning)

	a := dial(t, m)
	waitSessions(t, m, 1)

	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())

	expectClosed(t, a)
	assert.False(t, dev.Open())
	assert.Equal(t, lifecycle.StateStopped, m.Status().State)
	assert.Equal(t, domain.LinkDown, m.Status().Link)

	_, err = net.Dial("tcp", m.Addr().String())
	assert.Error(t, err)
}

func TestMultiplexer_ContextCancelStops(t *testing.T) {
	dev := transporttest.NewDevice()
	m, err := New(testConfig(t), WithOpener(dev.Opener()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	cancel()

	select {
	case <-m.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("cancelling the start context did not stop the multiplexer")
	}
	assert.NoError(t, m.Err())
}

func TestMultiplexer_MaxSessions(t *testing.T) {
	dev := transporttest.NewDevice()
	cfg := testConfig(t)
	cfg.MaxSessions = 1
	m := startMux(t, dev, cfg)

	dial(t, m)
	waitSessions(t, m, 1)

	extra := dial(t, m)
	expectClosed(t, extra)
	assert.Equal(t, 1, m.Status().ActiveSessions)
}

func TestMultiplexer_WatcherShortCircuitsBackoff(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ttyUSB0")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	dev := transporttest.NewDevice()
	cfg := testConfig(t)
	cfg.Serial.Device = path
	cfg.WatchDevice = true
	cfg.BackoffInitial = 10 * time.Second
	cfg.BackoffMax = 10 * time.Second
	m := startMux(t, dev, cfg)

	dev.Unplug()
	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool { return m.Status().Link == domain.LinkReconnecting }, 2*time.Second, 5*time.Millisecond)
	// Let the first immediate attempt fail and the loop park on its backoff.
	time.Sleep(50 * time.Millisecond)

	dev.Replug()
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	require.Eventually(t, func() bool { return m.Status().Link == domain.LinkConnected }, 3*time.Second, 10*time.Millisecond)
}

type recordingObserver struct {
	NopObserver
	mu    sync.Mutex
	links []domain.LinkState
}

func (r *recordingObserver) OnLinkChange(_, current domain.LinkState, _ string) {
	r.mu.Lock()
	r.links = append(r.links, current)
	r.mu.Unlock()
}

func (r *recordingObserver) seen() []domain.LinkState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.LinkState(nil), r.links...)
}

func TestMultiplexer_LinkStateMachine(t *testing.T) {
	dev := transporttest.NewDevice()
	obs := &recordingObserver{}
	m, err := New(testConfig(t), WithOpener(dev.Opener()), WithObserver(obs))
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	dev.Unplug()
	time.Sleep(30 * time.Millisecond)
	dev.Replug()
	require.Eventually(t, func() bool { return len(obs.seen()) == 4 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []domain.LinkState{
		domain.LinkConnected,
		domain.LinkFaulted,
		domain.LinkReconnecting,
		domain.LinkConnected,
	}, obs.seen())
}

func TestConfig_Validate(t *testing.T) {
	base := DefaultConfig("127.0.0.1:0", transport.DefaultConfig("/dev/ttyUSB0"))

	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"valid", func(*Config) {}, nil},
		{"no listen address", func(c *Config) { c.ListenAddr = "" }, domain.ErrInvalidConfig},
		{"no device", func(c *Config) { c.Serial.Device = " " }, domain.ErrInvalidConfig},
		{"bad baud left to open", func(c *Config) { c.Serial.Baud = 7 }, nil},
		{"backoff inverted", func(c *Config) { c.BackoffMax = time.Millisecond }, domain.ErrInvalidConfig},
		{"negative downtime", func(c *Config) { c.MaxDowntime = -time.Second }, domain.ErrInvalidConfig},
		{"negative sessions", func(c *Config) { c.MaxSessions = -1 }, domain.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
