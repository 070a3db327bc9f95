package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordHTTPRequest(http.MethodGet, "/health", 200, time.Millisecond)
		m.RecordAttempt("subnet-a", "success")
		m.RecordDispatch("subnet-a", "query", "success", time.Millisecond)
		m.RecordIdentityMismatch("node-1")
		m.RecordCacheLookup("hit")
		m.SetCacheEntries(3)
		m.RecordRateLimited("subnet")
		m.RecordRegistryPoll("file", "changed")
		m.SetRegistryVersion(4, 2)
		m.RecordProbe(true, time.Millisecond)
		m.RecordHealthTransition("unknown", "healthy")
		m.SetSnapshot(1, map[string]int{"subnet-a": 1})
		m.RecordPersist("ok")
	})
}

func TestMetricsRecordValues(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordCacheLookup("hit")
	m.RecordCacheLookup("hit")
	m.RecordCacheLookup("miss")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("miss")))

	m.SetSnapshot(7, map[string]int{"subnet-a": 2, "subnet-b": 0})
	assert.Equal(t, 7.0, testutil.ToFloat64(m.snapshotGeneration))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.eligibleNodes.WithLabelValues("subnet-a")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.eligibleNodes.WithLabelValues("subnet-b")))

	m.RecordIdentityMismatch("node-1")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.identityMismatches.WithLabelValues("node-1")))
}

func TestMetricsMiddleware(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	handler := MetricsMiddleware(m, func(r *http.Request) string { return "/api/v2/subnet" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
	)

	req := httptest.NewRequest(http.MethodPost, "/api/v2/subnet/a/query", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues(http.MethodPost, "/api/v2/subnet", "418")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.requestsInFlight))
}
