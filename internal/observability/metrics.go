package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/skipchain/internal/overload"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (conode down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Per-node roster socket sends by outcome. Watch for: one node failing while others succeed.
	RosterSocketRequestsTotal *prometheus.CounterVec

	// Roster socket latency per send. Watch for: p95 growth (slow conodes).
	RosterSocketDuration *prometheus.HistogramVec

	// Sends that moved on to another node after a failure. Watch for: steady rate = a node is down.
	RosterSocketFailoversTotal prometheus.Counter

	// Full passes over the roster retried after every node failed.
	RosterSocketRetriesTotal prometheus.Counter

	// Circuit breaker transitions per component. Watch for: flapping between open and half_open.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Update chains or blocks that failed verification. Any increase means a node served bad data.
	VerificationFailuresTotal *prometheus.CounterVec

	// Blocks written to the conode store (genesis, append, propagated).
	BlocksStoredTotal *prometheus.CounterVec

	// Collective signing rounds by outcome. Watch for: failures = members unreachable.
	CosiRoundsTotal *prometheus.CounterVec

	// Collective signing round latency.
	CosiRoundDuration prometheus.Histogram

	// Checkpoint cache hits and misses. Hit rate = hits/(hits+misses).
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Skipchain messages served, by message name (allow-list; others go to "other").
	MessagesTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	trackedMessagesMu sync.RWMutex
	trackedMessages   map[string]struct{}

	rateLimitGaugesOnce sync.Once
	storageGaugeOnce    sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	RosterSocketRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosterSocketRequestsTotal",
			Help: "Total number of roster socket sends per node and outcome",
		},
		[]string{"node", "outcome"},
	)
	RosterSocketDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rosterSocketDurationSeconds",
			Help:    "Roster socket send latency in seconds (per node attempt)",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"outcome"},
	)
	RosterSocketFailoversTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rosterSocketFailoversTotal",
			Help: "Total number of sends that failed over to another node",
		},
	)
	RosterSocketRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rosterSocketRetriesTotal",
			Help: "Total number of retried passes over the roster",
		},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	VerificationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verificationFailuresTotal",
			Help: "Blocks or update chains rejected by verification",
		},
		[]string{"reason"},
	)
	BlocksStoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blocksStoredTotal",
			Help: "Blocks written to the conode store",
		},
		[]string{"kind"},
	)
	CosiRoundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cosiRoundsTotal",
			Help: "Collective signing rounds led by this conode",
		},
		[]string{"outcome"},
	)
	CosiRoundDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cosiRoundDurationSeconds",
			Help:    "Collective signing round latency in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of checkpoint cache hits",
		},
		[]string{"cacheType"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheMissesTotal",
			Help: "Total number of checkpoint cache misses",
		},
		[]string{"cacheType"},
	)
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messagesTotal",
			Help: "Skipchain messages served by name (allow-list; others use message=other)",
		},
		[]string{"message"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		RosterSocketRequestsTotal, RosterSocketDuration, RosterSocketFailoversTotal, RosterSocketRetriesTotal,
		CircuitBreakerTransitionsTotal,
		VerificationFailuresTotal, BlocksStoredTotal,
		CosiRoundsTotal, CosiRoundDuration,
		CacheHitsTotal, CacheMissesTotal,
		MessagesTotal,
		RateLimitDeniedTotal,
	)
}

// RegisterRateLimitGauges registers load and rejects gauges for the rate-limited path.
// Call from main after config load with cfg.OverloadWindow.
func RegisterRateLimitGauges(window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting rate-limited path in sliding window; load/capacity planning",
				},
				func() float64 { return float64(overload.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window; are we rejecting requests",
				},
				func() float64 { return float64(overload.DenialCount(window)) },
			),
		)
	})
}

// RegisterStorageGauge exposes the number of stored blocks. Only the first
// call registers.
func RegisterStorageGauge(blocks func() float64) {
	storageGaugeOnce.Do(func() {
		registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "storedBlocks",
				Help: "Number of blocks in the conode store",
			},
			blocks,
		))
	})
}

// SetTrackedMessages sets the allow-list for message metrics. Unknown names increment "other".
func SetTrackedMessages(names []string) {
	trackedMessagesMu.Lock()
	defer trackedMessagesMu.Unlock()
	trackedMessages = make(map[string]struct{}, len(names))
	for _, n := range names {
		trackedMessages[normalizeMessageForMetrics(n)] = struct{}{}
	}
}

// RecordMessage records one served message.
func RecordMessage(name string) {
	n := normalizeMessageForMetrics(name)
	trackedMessagesMu.RLock()
	_, ok := trackedMessages[n]
	trackedMessagesMu.RUnlock()
	if ok {
		MessagesTotal.WithLabelValues(n).Inc()
	} else {
		MessagesTotal.WithLabelValues("other").Inc()
	}
}

func normalizeMessageForMetrics(s string) string {
	return strings.TrimSpace(s)
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
