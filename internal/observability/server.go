package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/bft-labs/serialmux/internal/domain"
	"github.com/bft-labs/serialmux/internal/mux"
	"github.com/bft-labs/serialmux/pkg/lifecycle"
)

// Health values reported by /health.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthFailed   = "failed"
)

// StatusResponse is the /status body.
type StatusResponse struct {
	Health  string       `json:"health"`
	Uptime  string       `json:"uptime"`
	Bridges []mux.Status `json:"bridges"`
}

// StatusServer serves /health, /status and /metrics.
type StatusServer struct {
	addr    string
	src     StatusSource
	logger  zerolog.Logger
	started time.Time
	engine  *gin.Engine

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// NewStatusServer builds the router. Call Start to listen.
func NewStatusServer(addr string, src StatusSource, logger zerolog.Logger) *StatusServer {
	gin.SetMode(gin.ReleaseMode)
	RegisterMetrics()

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewStatusCollector(src))
	gatherers := prometheus.Gatherers{prometheus.DefaultGatherer, reg}

	s := &StatusServer{
		addr:    addr,
		src:     src,
		logger:  logger,
		started: time.Now(),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger))
	r.Use(RequestMetricsMiddleware())

	r.GET("/health", s.handleHealth)
	r.GET("/status", s.handleStatus)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})))
	s.engine = r
	return s
}

// Handler returns the router, mainly for tests.
func (s *StatusServer) Handler() http.Handler { return s.engine }

// Start listens on the configured address and serves in the background.
func (s *StatusServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("status server listen %s: %w", s.addr, err)
	}
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.srv = srv
	s.ln = ln
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("status server stopped")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("status server listening")
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *StatusServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops the server.
func (s *StatusServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *StatusServer) handleHealth(c *gin.Context) {
	health := Health(s.src.Statuses())
	code := http.StatusOK
	if health != HealthOK {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": health,
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *StatusServer) handleStatus(c *gin.Context) {
	statuses := s.src.Statuses()
	c.JSON(http.StatusOK, StatusResponse{
		Health:  Health(statuses),
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Bridges: statuses,
	})
}

// Health folds bridge statuses into one value: failed if any bridge has
// failed or is not running, degraded if any link is not connected.
func Health(statuses []mux.Status) string {
	health := HealthOK
	for _, st := range statuses {
		if st.Link == domain.LinkFatal || st.State != lifecycle.StateRunning {
			return HealthFailed
		}
		if st.Link != domain.LinkConnected {
			health = HealthDegraded
		}
	}
	return health
}
