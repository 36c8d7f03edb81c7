package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics groups the chat server Prometheus collectors. Each server owns its
// registry so tests can build many servers in one process.
type metrics struct {
	registry          *prometheus.Registry
	connections       prometheus.Gauge
	framesReceived    *prometheus.CounterVec
	framesRejected    *prometheus.CounterVec
	deliveries        prometheus.Counter
	slowConsumers     prometheus.Counter
	messagesAppended  *prometheus.CounterVec
	storeLatency      *prometheus.HistogramVec
	httpRequestsTotal *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "classroom_chat_connections",
			Help: "Live websocket connections",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "classroom_chat_frames_received_total",
			Help: "Inbound frames by type",
		}, []string{"type"}),
		framesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "classroom_chat_frames_rejected_total",
			Help: "Inbound frames answered with an error frame, by code",
		}, []string{"code"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "classroom_chat_fanout_deliveries_total",
			Help: "Outbound frames queued to connections",
		}),
		slowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "classroom_chat_slow_consumers_dropped_total",
			Help: "Connections closed because their outbox was full",
		}),
		messagesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "classroom_chat_messages_appended_total",
			Help: "Messages durably appended, by message type",
		}, []string{"message_type"}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "classroom_chat_store_duration_seconds",
			Help:    "Durable store call latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"op"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "classroom_chat_http_requests_total",
			Help: "REST fallback requests",
		}, []string{"method", "route", "status"}),
	}
	m.registry.MustRegister(
		m.connections,
		m.framesReceived,
		m.framesRejected,
		m.deliveries,
		m.slowConsumers,
		m.messagesAppended,
		m.storeLatency,
		m.httpRequestsTotal,
		prometheus.NewGoCollector(),
	)
	return m
}

// observeStore returns a func that records the elapsed store latency for op.
func (m *metrics) observeStore(op string) func() {
	timer := prometheus.NewTimer(m.storeLatency.WithLabelValues(op))
	return func() { timer.ObserveDuration() }
}
