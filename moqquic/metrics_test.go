package moqquic

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ConnectionLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	peer := newMockPeer()
	tr := newTestTransport(t, &Config{
		DialQUICFunc: peer.dial,
		Registerer:   reg,
	})

	e, err := tr.running()
	require.NoError(t, err)
	m := e.metrics

	id := connectEstablished(t, tr)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeConns))
	assert.Equal(t, 1, testutil.CollectAndCount(m.handshakeDuration))

	_, err = tr.Send(id, []byte("metrics"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.bytesSent) == float64(len("metrics"))
	}, waitFor, tick)

	require.NoError(t, tr.Close(id))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.activeConns) == 0
	}, waitFor, tick)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connsClosed.WithLabelValues("closed")))

	count, err := testutil.GatherAndCount(reg, "moqquic_connections_started_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetrics_FailedHandshake(t *testing.T) {
	reg := prometheus.NewRegistry()
	tr := newTestTransport(t, &Config{
		DialQUICFunc: failingDial(errors.New("refused")),
		Registerer:   reg,
	})

	e, err := tr.running()
	require.NoError(t, err)

	_, err = tr.Connect("127.0.0.1", 4433)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(e.metrics.connsClosed.WithLabelValues("failed")) == 1
	}, waitFor, tick)
}

func TestMetrics_ReuseRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()

	first, err := newMetrics(reg)
	require.NoError(t, err)
	second, err := newMetrics(reg)
	require.NoError(t, err)

	assert.Same(t, first.connsClosed, second.connsClosed)

	second.connectionStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(first.connsStarted))
}

func TestMetrics_Unregister(t *testing.T) {
	reg := prometheus.NewRegistry()

	m, err := newMetrics(reg)
	require.NoError(t, err)
	m.unregister()

	_, err = newMetrics(reg)
	assert.NoError(t, err)
}

func TestMetrics_ConflictingCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "moqquic_bytes_sent_total",
		Help: "conflicting",
	}))

	m, err := newMetrics(reg)
	require.Error(t, err)
	assert.Nil(t, m)

	// Collectors registered before the conflict are rolled back.
	count, err := testutil.GatherAndCount(reg, "moqquic_connections_started_total")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestMetrics_Nil(t *testing.T) {
	var m *metrics
	assert.NotPanics(t, func() {
		m.connectionStarted()
		m.connectionRemoved()
		m.connectionClosed("closed")
		m.sent(1)
		m.received(1)
		m.datagramDropped()
		m.handshakeFinished("established", 0.1)
		m.unregister()
	})
}
