package telemetry

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTelemetry_HandlerServesMetrics(t *testing.T) {
	tel := NewTelemetry()
	tel.RequestsTotal.WithLabelValues("gpt-4", "ok").Inc()
	tel.SetCircuitState("https://mint", "OPEN")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "gate_requests_total")
	require.Contains(t, rec.Body.String(), "gate_circuit_breaker_state")
}

func TestCircuitGaugeValue(t *testing.T) {
	require.Equal(t, float64(0), circuitGaugeValue("CLOSED"))
	require.Equal(t, float64(1), circuitGaugeValue("HALF_OPEN"))
	require.Equal(t, float64(2), circuitGaugeValue("OPEN"))
}
