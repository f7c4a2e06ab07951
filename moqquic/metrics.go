package moqquic

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const metricNamespace = "moqquic"

// metrics holds the engine's collectors. They are always live so the engine
// never branches on whether a Registerer was configured.
type metrics struct {
	registerer prometheus.Registerer

	connsStarted      prometheus.Counter
	connsClosed       *prometheus.CounterVec
	activeConns       prometheus.Gauge
	bytesSent         prometheus.Counter
	bytesReceived     prometheus.Counter
	datagramsDropped  prometheus.Counter
	handshakeDuration *prometheus.HistogramVec
}

func newMetrics(registerer prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		registerer: registerer,
		connsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "connections_started_total",
			Help:      "Connections started",
		}),
		connsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "connections_closed_total",
			Help:      "Connections that reached a terminal state",
		}, []string{"result"}),
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "active_connections",
			Help:      "Connections currently registered",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "bytes_sent_total",
			Help:      "Bytes written to QUIC sessions",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "bytes_received_total",
			Help:      "Bytes moved into receive queues",
		}),
		datagramsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "datagrams_dropped_total",
			Help:      "Inbound datagrams dropped because the queue was full",
		}),
		handshakeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricNamespace,
			Name:      "handshake_duration_seconds",
			Help:      "Duration of connection establishment",
			Buckets:   prometheus.ExponentialBuckets(0.001, 1.5, 25),
		}, []string{"result"}),
	}

	if registerer == nil {
		return m, nil
	}

	r := &registration{registerer: registerer}
	m.connsStarted = register(r, m.connsStarted)
	m.connsClosed = register(r, m.connsClosed)
	m.activeConns = register(r, m.activeConns)
	m.bytesSent = register(r, m.bytesSent)
	m.bytesReceived = register(r, m.bytesReceived)
	m.datagramsDropped = register(r, m.datagramsDropped)
	m.handshakeDuration = register(r, m.handshakeDuration)

	if r.err != nil {
		r.rollback()
		return nil, fmt.Errorf("moqquic: register metrics: %w", r.err)
	}

	return m, nil
}

// registration records the collectors added to a Registerer and the first
// error, after which further registrations are skipped.
type registration struct {
	registerer prometheus.Registerer
	added      []prometheus.Collector
	err        error
}

func (r *registration) rollback() {
	for _, c := range r.added {
		r.registerer.Unregister(c)
	}
	r.added = nil
}

// register adds c to the registerer. If an equal collector is already
// registered, the existing one is returned and used instead.
func register[C prometheus.Collector](r *registration, c C) C {
	if r.err != nil {
		return c
	}

	err := r.registerer.Register(c)
	if err == nil {
		r.added = append(r.added, c)
		return c
	}

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}

	r.err = err
	return c
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.connsStarted,
		m.connsClosed,
		m.activeConns,
		m.bytesSent,
		m.bytesReceived,
		m.datagramsDropped,
		m.handshakeDuration,
	}
}

func (m *metrics) unregister() {
	if m == nil || m.registerer == nil {
		return
	}
	for _, c := range m.collectors() {
		m.registerer.Unregister(c)
	}
}

func (m *metrics) connectionStarted() {
	if m == nil {
		return
	}
	m.connsStarted.Inc()
	m.activeConns.Inc()
}

func (m *metrics) connectionRemoved() {
	if m == nil {
		return
	}
	m.activeConns.Dec()
}

func (m *metrics) connectionClosed(result string) {
	if m == nil {
		return
	}
	m.connsClosed.WithLabelValues(result).Inc()
}

func (m *metrics) sent(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesSent.Add(float64(n))
}

func (m *metrics) received(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesReceived.Add(float64(n))
}

func (m *metrics) datagramDropped() {
	if m == nil {
		return
	}
	m.datagramsDropped.Inc()
}

func (m *metrics) handshakeFinished(result string, seconds float64) {
	if m == nil {
		return
	}
	m.handshakeDuration.WithLabelValues(result).Observe(seconds)
}
