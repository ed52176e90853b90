package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CycleFinished("completed", time.Second)
		m.Intervention("REROUTE", true)
		m.AdvisorCall(time.Millisecond, false)
		m.Delivery("observer-1", 1, true)
		m.Notification("push", true)
		m.Error("transport")
		m.SetAgents(map[string]int{"active": 2})
	})
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()

	m.CycleFinished("completed", 20*time.Millisecond)
	m.CycleFinished("completed", 30*time.Millisecond)
	m.CycleFinished("failed", time.Millisecond)
	m.Intervention("REROUTE", true)
	m.Delivery("observer-1", 2, false)
	m.Error("advisor")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cyclesTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cyclesTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.interventions.WithLabelValues("REROUTE", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveriesTotal.WithLabelValues("observer-1", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsTotal.WithLabelValues("advisor")))
}

func TestSetAgentsResets(t *testing.T) {
	m := New()
	m.SetAgents(map[string]int{"active": 3, "stale": 1})
	m.SetAgents(map[string]int{"active": 2})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.registeredAgents.WithLabelValues("active")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.registeredAgents))
}

func TestHandlerServesPrivateRegistry(t *testing.T) {
	m := New()
	m.Error("data")

	h := m.WrapHandler("/metrics", m.Handler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `trafficmesh_errors_total{kind="data"} 1`))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("/metrics", "200")))
}
