// Package metrics provides Prometheus instrumentation for the counselly edge.
// It exposes counters for cache and identity behaviour, gauges for cache size
// and relay connections, and adapters that plug those collectors into the
// cache and identity packages.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CacheRequests counts read-through cache lookups, labeled by result:
	// "hit", "miss" or "error".
	CacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "counselly_cache_requests_total",
		Help: "Read-through cache lookups by result",
	}, []string{"result"})

	// CacheEntries tracks the number of entries held in the cache table.
	CacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "counselly_cache_entries",
		Help: "Current number of entries in the read-through cache",
	})

	// FetchDuration records how long producer calls take on a cache miss.
	FetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "counselly_cache_fetch_duration_seconds",
		Help:    "Producer latency on cache miss in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// IdentityFallbacks counts identity operations that degraded to a
	// non-persisted value because a store was unavailable.
	IdentityFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "counselly_identity_fallbacks_total",
		Help: "Identity operations that fell back to an ephemeral value",
	}, []string{"op"})

	// SessionsCreated counts freshly generated session ids.
	SessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "counselly_sessions_created_total",
		Help: "Total number of session ids generated",
	})

	// RelayConnections tracks the current number of chat relay connections.
	RelayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "counselly_relay_connections",
		Help: "Current number of active chat relay connections",
	})

	// RelayMessages counts relay frames, labeled by type: "outbound" (chat
	// published for the backend), "inbound" (reply written to a socket),
	// "rejected" or "rate_limited".
	RelayMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "counselly_relay_messages_total",
		Help: "Total number of chat relay frames processed",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(
		CacheRequests,
		CacheEntries,
		FetchDuration,
		IdentityFallbacks,
		SessionsCreated,
		RelayConnections,
		RelayMessages,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Cache satisfies cache.Recorder.
type Cache struct{}

func (Cache) Hit()        { CacheRequests.WithLabelValues("hit").Inc() }
func (Cache) Miss()       { CacheRequests.WithLabelValues("miss").Inc() }
func (Cache) FetchError() { CacheRequests.WithLabelValues("error").Inc() }
func (Cache) Entries(n int) {
	CacheEntries.Set(float64(n))
}
func (Cache) Fetched(d time.Duration) { FetchDuration.Observe(d.Seconds()) }

// Identity satisfies identity.Recorder.
type Identity struct{}

func (Identity) Fallback(op string) { IdentityFallbacks.WithLabelValues(op).Inc() }
func (Identity) SessionCreated()    { SessionsCreated.Inc() }

// Relay satisfies ws.Recorder.
type Relay struct{}

func (Relay) Connections(n int) { RelayConnections.Set(float64(n)) }
func (Relay) Frame(kind string) { RelayMessages.WithLabelValues(kind).Inc() }
