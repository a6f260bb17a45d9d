package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the sync engine collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	ChannelState      prometheus.Gauge
	ReconnectAttempts prometheus.Counter
	Events            *prometheus.CounterVec
	EventsDropped     *prometheus.CounterVec
	OptimisticSends   *prometheus.CounterVec
	RESTRequests      *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChannelState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sync_channel_state",
			Help: "Push channel state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_reconnect_attempts_total",
			Help: "Reconnect attempts made by the push channel",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_events_total",
			Help: "Inbound channel events by type",
		}, []string{"type"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_events_dropped_total",
			Help: "Inbound data dropped before reaching the stores",
		}, []string{"reason"}),
		OptimisticSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_optimistic_sends_total",
			Help: "Optimistic sends by outcome",
		}, []string{"outcome"}),
		RESTRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_rest_requests_total",
			Help: "REST calls by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.ChannelState, m.ReconnectAttempts, m.Events, m.EventsDropped, m.OptimisticSends, m.RESTRequests)
	}
	return m
}

func (m *Metrics) SetChannelState(v int) {
	if m == nil {
		return
	}
	m.ChannelState.Set(float64(v))
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Metrics) Event(typ string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(typ).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Send(outcome string) {
	if m == nil {
		return
	}
	m.OptimisticSends.WithLabelValues(outcome).Inc()
}

func (m *Metrics) REST(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.RESTRequests.WithLabelValues(endpoint, outcome).Inc()
}

// Handler returns an http.Handler for Prometheus scraping of g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
