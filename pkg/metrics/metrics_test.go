package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeHealth struct {
	healthy, active bool
}

func (f fakeHealth) Healthy() bool { return f.healthy }
func (f fakeHealth) Active() bool  { return f.active }

func TestMetricsCreation(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ProbesTotal.Add(3)
	m.Transfers.WithLabelValues("out", "success").Inc()
	m.Transfers.WithLabelValues("out", "failed").Inc()
	m.Transfers.WithLabelValues("out", "failed").Inc()
	m.KnowledgeEntries.Set(4)

	assert.Equal(t, float64(3), testutil.ToFloat64(m.ProbesTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Transfers.WithLabelValues("out", "failed")))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.KnowledgeEntries))
}

func TestMetricsDoubleRegistrationPanics(t *testing.T) {
	registry := prometheus.NewRegistry()
	New(registry)
	assert.Panics(t, func() { New(registry) })
}

func TestHealthEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	m.PeersDiscovered.Set(7)

	mux := http.NewServeMux()
	NewHealthEndpoint(fakeHealth{healthy: true, active: true}, zaptest.NewLogger(t)).RegisterHandlers(mux, registry)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
	assert.Contains(t, rec.Body.String(), `"active":true`)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "meshdeploy_peers 7"))
}

func TestHealthEndpointUnhealthy(t *testing.T) {
	mux := http.NewServeMux()
	NewHealthEndpoint(fakeHealth{}, nil).RegisterHandlers(mux, prometheus.NewRegistry())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unhealthy")
}
