// Package metrics provides Prometheus instrumentation for Kestrel.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Failure reasons reported in SignalFailuresTotal.
const (
	ReasonError   = "error"
	ReasonTimeout = "timeout"
	ReasonPanic   = "panic"
)

var (
	// AnalysesTotal counts analyses by verdict: fraud, legit or invalid.
	AnalysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "analyses_total",
			Help:      "Total transaction analyses by verdict.",
		},
		[]string{"verdict"},
	)

	// AnalysisDuration observes end-to-end analysis latency.
	AnalysisDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kestrel",
		Name:      "analysis_duration_seconds",
		Help:      "Transaction analysis duration in seconds.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// RiskScore observes the distribution of aggregate risk scores.
	RiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kestrel",
		Name:      "risk_score",
		Help:      "Aggregate risk score per analysis.",
		Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
	})

	// SignalDuration observes per-signal scoring latency.
	SignalDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "signal_duration_seconds",
			Help:      "Signal scoring duration in seconds.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .25, .5},
		},
		[]string{"signal"},
	)

	// SignalFailuresTotal counts signals excluded from the aggregate.
	SignalFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "signal_failures_total",
			Help:      "Signal invocations excluded from aggregation by reason.",
		},
		[]string{"signal", "reason"},
	)

	// SignalTriggeredTotal counts rules whose score met their threshold.
	SignalTriggeredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "signal_triggered_total",
			Help:      "Rules triggered by signal name.",
		},
		[]string{"signal"},
	)

	// BusMessagesTotal counts worker messages by topic and result.
	BusMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "bus_messages_total",
			Help:      "Event bus messages handled by topic and result.",
		},
		[]string{"topic", "result"},
	)

	// TrackedEntities reports how many entity keys each signal store holds.
	TrackedEntities = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "kestrel",
			Name:      "tracked_entities",
			Help:      "Entity keys currently held per signal store.",
		},
		[]string{"store"},
	)

	// CacheLookupsTotal counts cache reads by layer and outcome.
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "cache_lookups_total",
			Help:      "Cache reads by layer (l1, l2) and result (hit, miss, error).",
		},
		[]string{"layer", "result"},
	)

	// HTTPRequestsTotal counts ops API requests by route and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "http_requests_total",
			Help:      "Ops API requests by route pattern and status code.",
		},
		[]string{"route", "status"},
	)

	// HTTPRequestDuration observes ops API latency by route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "http_request_duration_seconds",
			Help:      "Ops API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// SweptEntitiesTotal counts idle entities evicted by the sweeper.
	SweptEntitiesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "swept_entities_total",
		Help:      "Idle entity records evicted by the background sweep.",
	})
)

func init() {
	prometheus.MustRegister(
		AnalysesTotal,
		AnalysisDuration,
		RiskScore,
		SignalDuration,
		SignalFailuresTotal,
		SignalTriggeredTotal,
		BusMessagesTotal,
		TrackedEntities,
		SweptEntitiesTotal,
		CacheLookupsTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// ObserveSignal records a signal invocation's latency.
func ObserveSignal(signal string, d time.Duration) {
	SignalDuration.WithLabelValues(signal).Observe(d.Seconds())
}

// ObserveAnalysis records a completed analysis.
func ObserveAnalysis(fraud bool, score float64, d time.Duration) {
	verdict := "legit"
	if fraud {
		verdict = "fraud"
	}
	AnalysesTotal.WithLabelValues(verdict).Inc()
	AnalysisDuration.Observe(d.Seconds())
	RiskScore.Observe(score)
}

// ObserveCache records a cache read. A nil value with no error is a miss.
func ObserveCache(layer string, value []byte, err error) {
	result := "hit"
	switch {
	case err != nil:
		result = "error"
	case value == nil:
		result = "miss"
	}
	CacheLookupsTotal.WithLabelValues(layer, result).Inc()
}

// ObserveHTTP records a served request.
func ObserveHTTP(route string, status int, d time.Duration) {
	HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
