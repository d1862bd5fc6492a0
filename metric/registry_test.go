package metric

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterCounter(t *testing.T) {
	registry := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "test_counter_total",
		Help:      "Test counter",
	})

	err := registry.RegisterCounter("supervisor", "test_counter", counter)
	assert.NoError(t, err)

	// Duplicate registration under the same component/metric must fail
	err = registry.RegisterCounter("supervisor", "test_counter", counter)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegistry_RegisterGaugeVec(t *testing.T) {
	registry := NewRegistry()

	gaugeVec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "test_state",
		Help:      "Test state gauge",
	}, []string{"state"})

	require.NoError(t, registry.RegisterGaugeVec("supervisor", "state", gaugeVec))
	gaugeVec.WithLabelValues("subscribed").Set(1)
}

func TestRegistry_Unregister(t *testing.T) {
	registry := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "unregister_test_total",
		Help:      "Test counter",
	})

	require.NoError(t, registry.RegisterCounter("flush", "unregister_test", counter))
	assert.True(t, registry.Unregister("flush", "unregister_test"))
	assert.False(t, registry.Unregister("flush", "unregister_test"))

	// Re-registration after unregister should succeed
	assert.NoError(t, registry.RegisterCounter("flush", "unregister_test", counter))
}

func TestRegistry_Handler(t *testing.T) {
	registry := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "handler_test_total",
		Help:      "Test counter",
	})
	require.NoError(t, registry.RegisterCounter("engine", "handler_test", counter))
	counter.Add(3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "feedtap_handler_test_total 3")
}
