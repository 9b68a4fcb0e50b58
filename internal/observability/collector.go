package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bft-labs/serialmux/internal/mux"
)

// StatusSource returns the current status of every bridge.
type StatusSource interface {
	Statuses() []mux.Status
}

// StatusCollector exports bridge status as gauges and counters, read at
// scrape time.
type StatusCollector struct {
	src StatusSource

	connected  *prometheus.Desc
	link       *prometheus.Desc
	sessions   *prometheus.Desc
	queue      *prometheus.Desc
	reconnects *prometheus.Desc
	bytes      *prometheus.Desc
	discarded  *prometheus.Desc
	broadcast  *prometheus.Desc
	chunks     *prometheus.Desc
	retry      *prometheus.Desc
}

// NewStatusCollector returns a collector backed by src.
func NewStatusCollector(src StatusSource) *StatusCollector {
	return &StatusCollector{
		src: src,
		connected: prometheus.NewDesc("serialmux_serial_connected",
			"1 if the serial device is open and healthy.", []string{"bridge", "device"}, nil),
		link: prometheus.NewDesc("serialmux_serial_link_state",
			"Serial link state (0 down, 1 connected, 2 faulted, 3 reconnecting, 4 fatal).", []string{"bridge", "device"}, nil),
		sessions: prometheus.NewDesc("serialmux_sessions_active",
			"Connected clients.", []string{"bridge"}, nil),
		queue: prometheus.NewDesc("serialmux_write_queue_length",
			"Writes waiting for the serial device.", []string{"bridge"}, nil),
		reconnects: prometheus.NewDesc("serialmux_serial_reconnects_total",
			"Successful serial reconnects.", []string{"bridge", "device"}, nil),
		bytes: prometheus.NewDesc("serialmux_serial_bytes_total",
			"Bytes transferred over the serial device.", []string{"bridge", "device", "direction"}, nil),
		discarded: prometheus.NewDesc("serialmux_writes_discarded_total",
			"Queued writes dropped because the device write failed.", []string{"bridge"}, nil),
		broadcast: prometheus.NewDesc("serialmux_broadcast_bytes_total",
			"Device bytes handed to client sessions.", []string{"bridge"}, nil),
		chunks: prometheus.NewDesc("serialmux_broadcast_chunks_total",
			"Device reads handed to client sessions.", []string{"bridge"}, nil),
		retry: prometheus.NewDesc("serialmux_reconnect_backoff_seconds",
			"Base delay before the next reopen attempt, 0 unless reconnecting.", []string{"bridge", "device"}, nil),
	}
}

func (c *StatusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connected
	ch <- c.link
	ch <- c.sessions
	ch <- c.queue
	ch <- c.reconnects
	ch <- c.bytes
	ch <- c.discarded
	ch <- c.broadcast
	ch <- c.chunks
	ch <- c.retry
}

func (c *StatusCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.src.Statuses() {
		connected := 0.0
		if st.SerialConnected {
			connected = 1
		}
		ch <- prometheus.MustNewConstMetric(c.connected, prometheus.GaugeValue, connected, st.Bridge, st.Device)
		ch <- prometheus.MustNewConstMetric(c.link, prometheus.GaugeValue, float64(st.Link), st.Bridge, st.Device)
		ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(st.ActiveSessions), st.Bridge)
		ch <- prometheus.MustNewConstMetric(c.queue, prometheus.GaugeValue, float64(st.QueueLength), st.Bridge)
		ch <- prometheus.MustNewConstMetric(c.reconnects, prometheus.CounterValue, float64(st.Reconnects), st.Bridge, st.Device)
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(st.BytesIn), st.Bridge, st.Device, "in")
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(st.BytesOut), st.Bridge, st.Device, "out")
		ch <- prometheus.MustNewConstMetric(c.discarded, prometheus.CounterValue, float64(st.WritesDiscarded), st.Bridge)
		ch <- prometheus.MustNewConstMetric(c.broadcast, prometheus.CounterValue, float64(st.BytesBroadcast), st.Bridge)
		ch <- prometheus.MustNewConstMetric(c.chunks, prometheus.CounterValue, float64(st.ChunksRead), st.Bridge)
		ch <- prometheus.MustNewConstMetric(c.retry, prometheus.GaugeValue, st.RetryBackoff.Seconds(), st.Bridge, st.Device)
	}
}
