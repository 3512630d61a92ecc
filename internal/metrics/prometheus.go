package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	GuideDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ballot_guide_generation_duration_seconds",
			Help:    "Guide generation duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"party"},
	)

	GuideRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ballot_guide_runs_total",
			Help: "Total guide generation runs by outcome",
		},
		[]string{"party", "status"},
	)

	ItemsGenerated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ballot_guide_items_total",
			Help: "Per-race and per-proposition generation outcomes",
		},
		[]string{"kind", "status"},
	)

	BalanceScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ballot_guide_balance_score",
			Help:    "Balance score of completed guides",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ballot_guide_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	BallotFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ballot_guide_ballot_fetches_total",
			Help: "Ballot fetches by outcome (ok, not_modified, missing)",
		},
		[]string{"outcome"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ballot_guide_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ballot_guide_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	AnalyticsEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ballot_guide_analytics_events_total",
			Help: "Analytics intake outcomes (accepted, dropped, rate_limited)",
		},
		[]string{"outcome"},
	)

	DispatchDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ballot_guide_dispatch_dropped_total",
			Help: "Side-channel tasks dropped because the queue was full",
		},
		[]string{"queue"},
	)

	OverrideFeedback = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ballot_guide_override_feedback_total",
			Help: "Override feedback submissions",
		},
		[]string{"party"},
	)
)

var initOnce sync.Once

// Init registers the collectors with the default registry. Safe to call more
// than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(GuideDuration)
		prometheus.MustRegister(GuideRuns)
		prometheus.MustRegister(ItemsGenerated)
		prometheus.MustRegister(BalanceScore)
		prometheus.MustRegister(LLMTokensUsed)
		prometheus.MustRegister(BallotFetches)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(AnalyticsEvents)
		prometheus.MustRegister(DispatchDropped)
		prometheus.MustRegister(OverrideFeedback)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
