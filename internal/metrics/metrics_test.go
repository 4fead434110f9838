package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	switch {
	case out.Gauge != nil:
		return out.GetGauge().GetValue()
	case out.Counter != nil:
		return out.GetCounter().GetValue()
	}
	t.Fatalf("unsupported metric type")
	return 0
}

func TestSessionLifecycleCounters(t *testing.T) {
	m := New()

	m.SessionStarted()
	m.SessionStarted()
	m.SessionRemoved()
	m.SessionExited(-1)
	m.StartFailed("sidecar_not_found")
	m.Output(10)
	m.Input(3)

	assert.Equal(t, 2.0, value(t, m.SessionsStarted))
	assert.Equal(t, 1.0, value(t, m.SessionsActive))
	assert.Equal(t, 1.0, value(t, m.SessionsExited.WithLabelValues("-1")))
	assert.Equal(t, 1.0, value(t, m.StartFailures.WithLabelValues("sidecar_not_found")))
	assert.Equal(t, 10.0, value(t, m.OutputBytes))
	assert.Equal(t, 3.0, value(t, m.InputBytes))
}

func TestSubscriberGauge(t *testing.T) {
	m := New()

	m.SubscriberAdded()
	m.SubscriberAdded()
	m.SubscriberRemoved(true)

	assert.Equal(t, 1.0, value(t, m.EventSubscribers))
	assert.Equal(t, 1.0, value(t, m.SubscribersDropped))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.SessionStarted()
		m.SessionRemoved()
		m.SessionExited(0)
		m.StartFailed("x")
		m.Output(1)
		m.Input(1)
		m.SubscriberAdded()
		m.SubscriberRemoved(false)
	})
	assert.Nil(t, m.Registry())
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.SessionStarted()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "popper_sessions_started_total 1")
	assert.Contains(t, string(body), "popper_sessions_active 1")
}
