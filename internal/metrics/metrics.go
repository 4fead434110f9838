package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the session host's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive     prometheus.Gauge
	SessionsStarted    prometheus.Counter
	StartFailures      *prometheus.CounterVec
	SessionsExited     *prometheus.CounterVec
	OutputBytes        prometheus.Counter
	InputBytes         prometheus.Counter
	EventSubscribers   prometheus.Gauge
	SubscribersDropped prometheus.Counter
}

// New creates a collector set on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "popper_sessions_active",
			Help: "Number of live PTY sessions",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "popper_sessions_started_total",
			Help: "Total number of PTY sessions started",
		}),
		StartFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "popper_session_start_failures_total",
			Help: "Session start failures by reason",
		}, []string{"reason"}),
		SessionsExited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "popper_sessions_exited_total",
			Help: "Sessions whose reader observed end of stream, by reported status",
		}, []string{"status"}),
		OutputBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "popper_output_bytes_total",
			Help: "Bytes read from PTY masters",
		}),
		InputBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "popper_input_bytes_total",
			Help: "Bytes written to PTY masters",
		}),
		EventSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "popper_event_subscribers",
			Help: "Number of attached event subscribers",
		}),
		SubscribersDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "popper_event_subscribers_dropped_total",
			Help: "Subscribers dropped because their queue was full",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) StartFailed(reason string) {
	if m == nil {
		return
	}
	m.StartFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) SessionExited(status int32) {
	if m == nil {
		return
	}
	m.SessionsExited.WithLabelValues(strconv.Itoa(int(status))).Inc()
}

// SessionRemoved is called once per session, by whichever cleanup path
// removed it from the registry.
func (m *Metrics) SessionRemoved() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

func (m *Metrics) Output(n int) {
	if m == nil {
		return
	}
	m.OutputBytes.Add(float64(n))
}

func (m *Metrics) Input(n int) {
	if m == nil {
		return
	}
	m.InputBytes.Add(float64(n))
}

func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.EventSubscribers.Inc()
}

func (m *Metrics) SubscriberRemoved(dropped bool) {
	if m == nil {
		return
	}
	m.EventSubscribers.Dec()
	if dropped {
		m.SubscribersDropped.Inc()
	}
}
