package serialmux

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/serialmux/internal/transport"
	"github.com/bft-labs/serialmux/internal/transport/transporttest"
)

// devices routes opens to one in-memory device per path.
type devices map[string]*transporttest.Device

func (d devices) opener() transport.Opener {
	return func(cfg transport.Config) (transport.Port, error) {
		dev, ok := d[cfg.Device]
		if !ok {
			return nil, ErrDeviceUnavailable
		}
		return dev.Opener()(cfg)
	}
}

func testConfig(t *testing.T, paths ...string) Config {
	t.Helper()
	cfg := Config{
		BackoffInitial:     10 * time.Millisecond,
		BackoffMax:         50 * time.Millisecond,
		MaxDowntime:        time.Minute,
		ShutdownGrace:      time.Second,
		DisableDeviceWatch: true,
	}
	for _, p := range paths {
		cfg.Bridges = append(cfg.Bridges, BridgeConfig{Device: p + ",baudrate=115200", ListenAddr: "127.0.0.1:0"})
	}
	return cfg
}

func devicePath(t *testing.T, name string) string {
	return "/dev/serialmux-test/" + t.Name() + "/" + name
}

func startServer(t *testing.T, cfg Config, devs devices, opts ...Option) *Server {
	t.Helper()
	s, err := New(cfg, append(opts, withOpener(devs.opener()))...)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func dialAddr(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readN(t *testing.T, conn net.Conn, n int) string {
	t.Helper()
	buf := make([]byte, n)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return string(buf)
}

func waitActive(t *testing.T, s *Server, bridge, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Statuses()[bridge].ActiveSessions == n },
		2*time.Second, 5*time.Millisecond)
}

func TestServer_BridgesAreIndependent(t *testing.T) {
	pathA, pathB := devicePath(t, "a"), devicePath(t, "b")
	devs := devices{pathA: transporttest.NewDevice(), pathB: transporttest.NewDevice()}
	s := startServer(t, testConfig(t, pathA, pathB), devs)

	addrs := s.Addrs()
	require.Len(t, addrs, 2)
	a := dialAddr(t, addrs[0])
	b := dialAddr(t, addrs[1])
	waitActive(t, s, 0, 1)
	waitActive(t, s, 1, 1)

	_, err := a.Write([]byte("to-a"))
	require.NoError(t, err)
	_, err = b.Write([]byte("to-b"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return string(devs[pathA].Written()) == "to-a" && string(devs[pathB].Written()) == "to-b"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, devs[pathB].Emit([]byte("from-b")))
	assert.Equal(t, "from-b", readN(t, b, 6))

	st, ok := s.Status(s.config.Bridges[0].ListenAddr)
	require.True(t, ok)
	assert.Equal(t, pathA, st.Device)
	assert.Equal(t, StateRunning, s.State())
}

func TestServer_StartFailureStopsStartedBridges(t *testing.T) {
	pathA, pathB := devicePath(t, "a"), devicePath(t, "b")
	devs := devices{pathA: transporttest.NewDevice(), pathB: transporttest.NewDevice()}
	devs[pathB].FailOpens(ErrDeviceUnavailable)

	s, err := New(testConfig(t, pathA, pathB), withOpener(devs.opener()))
	require.NoError(t, err)

	err = s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStartup))
	assert.True(t, errors.Is(err, ErrDeviceUnavailable))

	var se *StartupError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "open device", se.Step)

	assert.False(t, devs[pathA].Open(), "first bridge kept its device open")
	assert.Equal(t, StateCrashed, s.State())
	<-s.Done()
	assert.NoError(t, s.Stop())
}

func TestServer_DeviceLossEndsServer(t *testing.T) {
	path := devicePath(t, "a")
	devs := devices{path: transporttest.NewDevice()}
	cfg := testConfig(t, path)
	cfg.MaxDowntime = 100 * time.Millisecond
	s := startServer(t, cfg, devs)

	conn := dialAddr(t, s.Addrs()[0])
	waitActive(t, s, 0, 1)

	devs[path].Unplug()

	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("server did not end after the device stayed away")
	}
	assert.True(t, errors.Is(s.Err(), ErrDeviceUnavailable), "got %v", s.Err())
	assert.Equal(t, StateCrashed, s.State())
	assert.Equal(t, LinkFatal, s.Statuses()[0].Link)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestServer_StopLifecycle(t *testing.T) {
	path := devicePath(t, "a")
	devs := devices{path: transporttest.NewDevice()}
	s, err := New(testConfig(t, path), withOpener(devs.opener()))
	require.NoError(t, err)

	assert.ErrorIs(t, s.Stop(), ErrNotRunning)

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)

	require.NoError(t, s.Stop())
	assert.NoError(t, s.Stop())
	assert.Equal(t, StateStopped, s.State())
	assert.NoError(t, s.Err())
	assert.False(t, devs[path].Open())
}

func TestServer_ContextCancelStops(t *testing.T) {
	path := devicePath(t, "a")
	devs := devices{path: transporttest.NewDevice()}
	s, err := New(testConfig(t, path), withOpener(devs.opener()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()

	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop on context cancel")
	}
	assert.NoError(t, s.Err())
	require.Eventually(t, func() bool { return !devs[path].Open() }, 2*time.Second, 5*time.Millisecond)
}

type recordingHandler struct {
	BaseEventHandler
	mu     sync.Mutex
	opened []SessionOpenedEvent
	closed []SessionClosedEvent
	links  []LinkState
}

func (h *recordingHandler) OnSessionOpened(e SessionOpenedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened = append(h.opened, e)
}

func (h *recordingHandler) OnSessionClosed(e SessionClosedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, e)
}

func (h *recordingHandler) OnLinkChange(e LinkChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.links = append(h.links, e.Current)
}

func (h *recordingHandler) counts() (opened, closed int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.opened), len(h.closed)
}

func TestServer_EmitsEvents(t *testing.T) {
	path := devicePath(t, "a")
	devs := devices{path: transporttest.NewDevice()}
	h := &recordingHandler{}
	s := startServer(t, testConfig(t, path), devs, WithEventHandler(h))

	conn := dialAddr(t, s.Addrs()[0])
	waitActive(t, s, 0, 1)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		o, c := h.counts()
		return o == 1 && c == 1
	}, 2*time.Second, 5*time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, "127.0.0.1:0", h.opened[0].Bridge)
	assert.Equal(t, h.opened[0].SessionID, h.closed[0].SessionID)
	assert.NoError(t, h.closed[0].Err)
	assert.Equal(t, []LinkState{LinkConnected}, h.links)
}

func TestServer_StatusEndpoint(t *testing.T) {
	path := devicePath(t, "a")
	devs := devices{path: transporttest.NewDevice()}
	cfg := testConfig(t, path)
	cfg.StatusAddr = "127.0.0.1:0"
	s := startServer(t, cfg, devs)

	dialAddr(t, s.Addrs()[0])
	waitActive(t, s, 0, 1)

	resp, err := http.Get("http://" + s.StatusAddr() + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Health  string `json:"health"`
		Bridges []struct {
			Device         string `json:"device"`
			Link           string `json:"link"`
			ActiveSessions int    `json:"active_sessions"`
		} `json:"bridges"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Health)
	require.Len(t, body.Bridges, 1)
	assert.Equal(t, path, body.Bridges[0].Device)
	assert.Equal(t, LinkConnected.String(), body.Bridges[0].Link)
	assert.Equal(t, 1, body.Bridges[0].ActiveSessions)
}

func TestConfig_Validate(t *testing.T) {
	base := func() Config {
		return Config{Bridges: []BridgeConfig{{Device: "/dev/ttyUSB0", ListenAddr: ":7000"}}}
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no bridges", mutate: func(c *Config) { c.Bridges = nil }, wantErr: ErrInvalidConfig},
		{name: "bad device spec", mutate: func(c *Config) { c.Bridges[0].Device = "/dev/ttyUSB0,parity=Q" }, wantErr: ErrDeviceConfig},
		{name: "bad listen address", mutate: func(c *Config) { c.Bridges[0].ListenAddr = "7000" }, wantErr: ErrInvalidConfig},
		{name: "port out of range", mutate: func(c *Config) { c.Bridges[0].ListenAddr = ":70000" }, wantErr: ErrInvalidConfig},
		{name: "duplicate port", mutate: func(c *Config) {
			c.Bridges = append(c.Bridges, BridgeConfig{Device: "/dev/ttyUSB1", ListenAddr: "127.0.0.1:7000"})
		}, wantErr: ErrInvalidConfig},
		{name: "duplicate device", mutate: func(c *Config) {
			c.Bridges = append(c.Bridges, BridgeConfig{Device: "/dev/ttyUSB0,baudrate=115200", ListenAddr: ":7001"})
		}, wantErr: ErrInvalidConfig},
		{name: "two ephemeral ports", mutate: func(c *Config) {
			c.Bridges = []BridgeConfig{{Device: "/dev/a", ListenAddr: ":0"}, {Device: "/dev/b", ListenAddr: ":0"}}
		}},
		{name: "bad queue policy", mutate: func(c *Config) { c.QueuePolicy = "drop" }, wantErr: ErrInvalidConfig},
		{name: "bad overflow policy", mutate: func(c *Config) { c.OverflowPolicy = "ignore" }, wantErr: ErrInvalidConfig},
		{name: "drop-oldest overflow", mutate: func(c *Config) { c.OverflowPolicy = "drop-oldest" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			cfg.SetDefaults()
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
