// Package metrics provides the Prometheus instrumentation for the admission
// layer and the sliding-window snapshot the alerting loop evaluates.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcome labels. One counter family with an outcome label keeps
// every rejection cause distinguishable on dashboards.
const (
	OutcomeCompleted   = "completed"
	OutcomeRateLimited = "rate_limited"
	OutcomeQueueFull   = "queue_full"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeEngineError = "engine_error"
	OutcomeTimeout     = "timeout"
)

// Registry owns the process's Prometheus collectors. All methods are
// nil-safe so components can run uninstrumented in tests.
type Registry struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestLatency  prometheus.Histogram
	queueDepth      prometheus.Gauge
	inFlight        prometheus.Gauge
	breakerState    prometheus.Gauge
	generatedTokens prometheus.Counter
	tokensPerSecond prometheus.Gauge
	componentHealth *prometheus.GaugeVec
	alertsFiring    prometheus.Gauge
}

// NewRegistry constructs and registers all collectors on a private
// registry, so independently constructed instances never collide in tests.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "floodgate_requests_total",
		Help: "Requests by terminal outcome.",
	}, []string{"outcome"})

	r.requestLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "floodgate_request_latency_seconds",
		Help: "End-to-end latency of guarded engine calls.",
		Buckets: []float64{
			0.025, 0.05, 0.1, 0.2, 0.3, 0.4, 0.5, 0.75,
			1.0, 1.5, 2.0, 3.0, 5.0, 10.0,
		},
	})

	r.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "floodgate_queue_depth",
		Help: "Requests currently waiting in the queue.",
	})

	r.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "floodgate_in_flight",
		Help: "Requests currently holding a concurrency slot.",
	})

	r.breakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "floodgate_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half_open).",
	})

	r.generatedTokens = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "floodgate_generated_tokens_total",
		Help: "Tokens produced by completed engine calls.",
	})

	r.tokensPerSecond = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "floodgate_tokens_per_second",
		Help: "Recent token generation rate.",
	})

	r.componentHealth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "floodgate_component_health",
		Help: "Component health (1=healthy, 0=unhealthy).",
	}, []string{"component"})

	r.alertsFiring = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "floodgate_alerts_firing",
		Help: "Alerts currently in the firing state.",
	})

	r.registry.MustRegister(
		r.requestsTotal, r.requestLatency, r.queueDepth, r.inFlight,
		r.breakerState, r.generatedTokens, r.tokensPerSecond,
		r.componentHealth, r.alertsFiring,
	)
	return r
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// IncOutcome counts one request reaching a terminal outcome.
func (r *Registry) IncOutcome(outcome string) {
	if r == nil {
		return
	}
	r.requestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveLatency records one guarded call's duration in seconds.
func (r *Registry) ObserveLatency(seconds float64) {
	if r == nil {
		return
	}
	r.requestLatency.Observe(seconds)
}

// AddGeneratedTokens counts tokens from a completed call.
func (r *Registry) AddGeneratedTokens(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.generatedTokens.Add(float64(n))
}

// SetQueueDepth publishes the current queue depth.
func (r *Registry) SetQueueDepth(depth int) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(depth))
}

// SetInFlight publishes the current in-flight count.
func (r *Registry) SetInFlight(n int) {
	if r == nil {
		return
	}
	r.inFlight.Set(float64(n))
}

// SetBreakerState publishes the breaker state as a number.
func (r *Registry) SetBreakerState(state int) {
	if r == nil {
		return
	}
	r.breakerState.Set(float64(state))
}

// SetTokensPerSecond publishes the recent generation rate.
func (r *Registry) SetTokensPerSecond(rate float64) {
	if r == nil {
		return
	}
	r.tokensPerSecond.Set(rate)
}

// SetComponentHealth publishes a health check result.
func (r *Registry) SetComponentHealth(component string, healthy bool) {
	if r == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1.0
	}
	r.componentHealth.WithLabelValues(component).Set(v)
}

// SetAlertsFiring publishes the number of firing alerts.
func (r *Registry) SetAlertsFiring(n int) {
	if r == nil {
		return
	}
	r.alertsFiring.Set(float64(n))
}
