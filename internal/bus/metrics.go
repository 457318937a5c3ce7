// ABOUTME: Prometheus instrumentation for bus servers and clients
// ABOUTME: A nil *Metrics is valid and records nothing

package bus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels recorded by clients in addition to the response states.
const (
	outcomeTransport  = "transport_error"
	outcomeNoResponse = "no_response"
	outcomeInvalid    = "invalid_response"
	outcomeUnroutable = "no_destination"
	outcomeUnknown    = "unknown_method"
	outcomeFiltered   = "filtered"
)

// Metrics holds the collectors shared by servers and clients.
type Metrics struct {
	handled      *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
}

// NewMetrics registers the bus collectors with reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		handled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_bus_handled_total",
			Help: "Requests seen by bus servers, by method and outcome.",
		}, []string{"method", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_bus_handler_duration_seconds",
			Help:    "Handler execution time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_bus_client_calls_total",
			Help: "Calls made by bus clients, by method and outcome.",
		}, []string{"method", "outcome"}),
		callDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_bus_client_call_duration_seconds",
			Help:    "Round-trip time of bus calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

func (m *Metrics) observeHandled(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.handled.WithLabelValues(method, outcome).Inc()
	if elapsed > 0 {
		m.duration.WithLabelValues(method).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) observeCall(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(method, outcome).Inc()
	m.callDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}
