// Package telemetry exposes pipeline counters over Prometheus.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters the pipeline and server increment. A nil
// *Metrics is safe to call; every method no-ops.
type Metrics struct {
	articlesProcessed   *prometheus.CounterVec
	cacheHits           prometheus.Counter
	cacheMisses         prometheus.Counter
	verificationSamples prometheus.Counter
	verificationFlags   prometheus.Counter
	alertsRaised        prometheus.Counter
	runDuration         prometheus.Histogram
}

// New registers the NewsFinder collectors on reg and returns the handle.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		articlesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "newsfinder",
			Name:      "articles_processed_total",
			Help:      "Articles run through the pipeline, by outcome.",
		}, []string{"outcome"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "newsfinder",
			Name:      "content_cache_hits_total",
			Help:      "Article bodies served from the local content cache.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "newsfinder",
			Name:      "content_cache_misses_total",
			Help:      "Article bodies that had to be fetched.",
		}),
		verificationSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "newsfinder",
			Name:      "verification_samples_total",
			Help:      "Judgments sampled for verification against the reference model.",
		}),
		verificationFlags: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "newsfinder",
			Name:      "verification_flags_total",
			Help:      "Verification samples whose score discrepancy crossed the threshold.",
		}),
		alertsRaised: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "newsfinder",
			Name:      "alerts_raised_total",
			Help:      "High-relevance high-impact alerts recorded.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "newsfinder",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a full monitoring run.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
	reg.MustRegister(
		m.articlesProcessed,
		m.cacheHits,
		m.cacheMisses,
		m.verificationSamples,
		m.verificationFlags,
		m.alertsRaised,
		m.runDuration,
	)
	return m
}

func (m *Metrics) ArticleProcessed(outcome string) {
	if m == nil {
		return
	}
	m.articlesProcessed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

func (m *Metrics) VerificationSample(flagged bool) {
	if m == nil {
		return
	}
	m.verificationSamples.Inc()
	if flagged {
		m.verificationFlags.Inc()
	}
}

func (m *Metrics) AlertRaised() {
	if m == nil {
		return
	}
	m.alertsRaised.Inc()
}

func (m *Metrics) ObserveRunDuration(seconds float64) {
	if m == nil {
		return
	}
	m.runDuration.Observe(seconds)
}
