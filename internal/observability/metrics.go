package observability

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bft-labs/serialmux/internal/domain"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "serialmux",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total status server HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "serialmux",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status server HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	sessionsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "serialmux",
			Subsystem: "sessions",
			Name:      "opened_total",
			Help:      "Client sessions accepted.",
		},
		[]string{"bridge"},
	)
	sessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "serialmux",
			Subsystem: "sessions",
			Name:      "closed_total",
			Help:      "Client sessions terminated, by reason.",
		},
		[]string{"bridge", "reason"},
	)
	reconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "serialmux",
			Subsystem: "serial",
			Name:      "reconnect_attempts_total",
			Help:      "Serial device reopen attempts.",
		},
		[]string{"bridge", "success"},
	)
	linkTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "serialmux",
			Subsystem: "serial",
			Name:      "link_transitions_total",
			Help:      "Serial link state transitions, by target state.",
		},
		[]string{"bridge", "state"},
	)
)

// RegisterMetrics registers the package collectors with the default
// registry. Safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, sessionsOpened, sessionsClosed, reconnectAttempts, linkTransitions)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSessionOpened(bridge string) {
	RegisterMetrics()
	sessionsOpened.WithLabelValues(bridge).Inc()
}

func RecordSessionClosed(bridge string, err error) {
	RegisterMetrics()
	sessionsClosed.WithLabelValues(bridge, CloseReason(err)).Inc()
}

func RecordReconnectAttempt(bridge string, err error) {
	RegisterMetrics()
	reconnectAttempts.WithLabelValues(bridge, strconv.FormatBool(err == nil)).Inc()
}

func RecordLinkTransition(bridge string, state domain.LinkState) {
	RegisterMetrics()
	linkTransitions.WithLabelValues(bridge, state.String()).Inc()
}

// CloseReason maps a session termination cause to a metric label.
func CloseReason(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, domain.ErrBacklogExceeded):
		return "backlog_exceeded"
	case errors.Is(err, domain.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, domain.ErrShutdownTimeout):
		return "shutdown_timeout"
	case errors.Is(err, domain.ErrSessionIO):
		return "io_error"
	default:
		return "other"
	}
}
