// Package telemetry is a Prometheus side-channel: a handful of counters and
// histograms mirroring what internal/metrics already records durably,
// exposed at GET /metrics for operator scraping.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Telemetry bundles the process-wide Prometheus collectors. Construct one
// per process with NewTelemetry and share it across the gateway.
type Telemetry struct {
	registry        *prometheus.Registry
	RequestsTotal   *prometheus.CounterVec
	UpstreamLatency *prometheus.HistogramVec
	EcashReceived   prometheus.Counter
	EcashChange     prometheus.Counter
	CircuitState    *prometheus.GaugeVec
	TokenDecodeFail *prometheus.CounterVec
}

// NewTelemetry registers every collector against a fresh registry. Each
// process owns exactly one Telemetry; tests construct their own instance so
// collector registration never collides across test runs.
func NewTelemetry() *Telemetry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Telemetry{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gate",
			Name:      "requests_total",
			Help:      "Total chat-completion requests by model and outcome.",
		}, []string{"model", "outcome"}),

		UpstreamLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gate",
			Name:      "upstream_latency_seconds",
			Help:      "Upstream LLM API latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"model"}),

		EcashReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gate",
			Name:      "ecash_received_units_total",
			Help:      "Total ecash units received across all redeemed tokens.",
		}),

		EcashChange: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gate",
			Name:      "ecash_change_units_total",
			Help:      "Total ecash units returned to clients as change.",
		}),

		CircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gate",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per mint (0=closed, 1=half_open, 2=open).",
		}, []string{"mint"}),

		TokenDecodeFail: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gate",
			Name:      "token_decode_failures_total",
			Help:      "Token decode failures by detected wire version.",
		}, []string{"version"}),
	}
}

// Handler returns the HTTP handler for GET /metrics. It is deliberately
// unauthenticated — it carries no ecash, no tokens, no admin state.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// circuitGaugeValue maps the three breaker states to the gauge values
// CircuitState exposes, per the collector's Help text above.
func circuitGaugeValue(state string) float64 {
	switch state {
	case "HALF_OPEN":
		return 1
	case "OPEN":
		return 2
	default:
		return 0
	}
}

// SetCircuitState records the current breaker state for a mint.
func (t *Telemetry) SetCircuitState(mintURL, state string) {
	t.CircuitState.WithLabelValues(mintURL).Set(circuitGaugeValue(state))
}
