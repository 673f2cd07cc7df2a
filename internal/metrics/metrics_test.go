package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCacheRecorder(t *testing.T) {
	before := testutil.ToFloat64(CacheRequests.WithLabelValues("hit"))

	var r Cache
	r.Hit()
	r.Hit()
	r.Entries(7)

	assert.Equal(t, before+2, testutil.ToFloat64(CacheRequests.WithLabelValues("hit")))
	assert.Equal(t, float64(7), testutil.ToFloat64(CacheEntries))
}

func TestIdentityRecorder(t *testing.T) {
	before := testutil.ToFloat64(IdentityFallbacks.WithLabelValues("visitor_id"))

	var r Identity
	r.Fallback("visitor_id")

	assert.Equal(t, before+1, testutil.ToFloat64(IdentityFallbacks.WithLabelValues("visitor_id")))
}

func TestHandler_ExposesCollectors(t *testing.T) {
	Cache{}.Miss()

	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "counselly_cache_requests_total")
}

func TestRelayRecorder(t *testing.T) {
	before := testutil.ToFloat64(RelayMessages.WithLabelValues("rate_limited"))

	var r Relay
	r.Connections(3)
	r.Frame("rate_limited")

	assert.Equal(t, float64(3), testutil.ToFloat64(RelayConnections))
	assert.Equal(t, before+1, testutil.ToFloat64(RelayMessages.WithLabelValues("rate_limited")))
}
