package runtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	breakerpkg "github.com/drblury/fleetgate/internal/runtime/breaker"
	errspkg "github.com/drblury/fleetgate/internal/runtime/errors"
)

// Outcome label of successful calls; failed calls are labelled with their
// error kind.
const outcomeSuccess = "success"

// GatewayMetrics holds the Prometheus collectors of a Gateway.
type GatewayMetrics struct {
	mu sync.Mutex

	callsTotal         *prometheus.CounterVec
	callDuration       *prometheus.HistogramVec
	retriesTotal       *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	droppedResponses   *prometheus.CounterVec
	routingFailures    prometheus.Counter
	pending            prometheus.GaugeFunc

	pendingFn atomic.Pointer[func() int]

	registerer prometheus.Registerer
	registered bool
}

// newGatewayCounterVec creates a new counter vec with the standard fleetgate/gateway namespace.
func newGatewayCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetgate",
			Subsystem: "gateway",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// newGatewayGaugeVec creates a new gauge vec with the standard fleetgate/gateway namespace.
func newGatewayGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fleetgate",
			Subsystem: "gateway",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// newGatewayHistogramVec creates a new histogram vec with the standard fleetgate/gateway namespace.
func newGatewayHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fleetgate",
			Subsystem: "gateway",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewGatewayMetrics creates the gateway collectors. They are not registered
// until Register is called.
func NewGatewayMetrics(registerer prometheus.Registerer) *GatewayMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &GatewayMetrics{
		registerer:         registerer,
		callsTotal:         newGatewayCounterVec("calls_total", "Routed calls by destination and outcome", []string{"destination", "outcome"}),
		callDuration:       newGatewayHistogramVec("call_duration_seconds", "Duration of routed calls including retries", []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}, []string{"destination"}),
		retriesTotal:       newGatewayCounterVec("retries_total", "Attempts retried after a transient failure", []string{"destination"}),
		breakerState:       newGatewayGaugeVec("breaker_state", "Circuit breaker state per destination (0 closed, 1 half-open, 2 open)", []string{"destination"}),
		breakerTransitions: newGatewayCounterVec("breaker_transitions_total", "Circuit breaker transitions by target state", []string{"destination", "to"}),
		droppedResponses:   newGatewayCounterVec("dropped_responses_total", "Response messages discarded by the correlation manager", []string{"reason"}),
		routingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetgate",
			Subsystem: "gateway",
			Name:      "routing_failures_total",
			Help:      "Calls rejected because no destination matched the endpoint",
		}),
	}
	m.pending = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "fleetgate",
		Subsystem: "gateway",
		Name:      "pending_calls",
		Help:      "Calls awaiting a response",
	}, func() float64 {
		if fn := m.pendingFn.Load(); fn != nil {
			return float64((*fn)())
		}
		return 0
	})
	return m
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *GatewayMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.callsTotal,
		m.callDuration,
		m.retriesTotal,
		m.breakerState,
		m.breakerTransitions,
		m.droppedResponses,
		m.routingFailures,
		m.pending,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// ObservePending makes the pending_calls gauge read fn on every scrape.
func (m *GatewayMetrics) ObservePending(fn func() int) {
	if fn == nil {
		return
	}
	m.pendingFn.Store(&fn)
}

// RecordCall records the outcome and duration of a routed call.
func (m *GatewayMetrics) RecordCall(destination string, err error, duration time.Duration) {
	m.callsTotal.WithLabelValues(destination, outcomeLabel(err)).Inc()
	m.callDuration.WithLabelValues(destination).Observe(duration.Seconds())
}

// RecordRetry counts a retried attempt.
func (m *GatewayMetrics) RecordRetry(destination string) {
	m.retriesTotal.WithLabelValues(destination).Inc()
}

// RecordBreakerTransition tracks a breaker state change.
func (m *GatewayMetrics) RecordBreakerTransition(destination string, _, to breakerpkg.State) {
	m.breakerState.WithLabelValues(destination).Set(breakerStateValue(to))
	m.breakerTransitions.WithLabelValues(destination, string(to)).Inc()
}

// RecordDroppedResponse counts a discarded response message.
func (m *GatewayMetrics) RecordDroppedResponse(reason string) {
	m.droppedResponses.WithLabelValues(reason).Inc()
}

// RecordRoutingFailure counts a call with no matching route.
func (m *GatewayMetrics) RecordRoutingFailure() {
	m.routingFailures.Inc()
}

// Reset resets all metrics (useful for testing).
func (m *GatewayMetrics) Reset() {
	m.callsTotal.Reset()
	m.callDuration.Reset()
	m.retriesTotal.Reset()
	m.breakerState.Reset()
	m.breakerTransitions.Reset()
	m.droppedResponses.Reset()
}

func outcomeLabel(err error) string {
	if err == nil {
		return outcomeSuccess
	}
	return string(errspkg.KindOf(err))
}

func breakerStateValue(s breakerpkg.State) float64 {
	switch s {
	case breakerpkg.StateHalfOpen:
		return 1
	case breakerpkg.StateOpen:
		return 2
	default:
		return 0
	}
}
