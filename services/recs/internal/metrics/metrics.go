// Package metrics defines the Prometheus collectors of the recs service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WatchSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidfeed_watch_sessions_total",
			Help: "Watch sessions recorded, by affinity outcome",
		},
		[]string{"outcome"}, // applied, below_threshold
	)

	TagFlushFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vidfeed_tag_flush_failures_total",
			Help: "Tag affinity writes that failed to persist",
		},
	)

	RankDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vidfeed_rank_duration_seconds",
			Help:    "Time to score and rank one user's catalog",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
	)

	FeedCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidfeed_feed_cache_total",
			Help: "Catalog cache lookups, by result",
		},
		[]string{"result"}, // hit, miss
	)

	Events = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidfeed_events_total",
			Help: "Consumed NATS events, by subject and result",
		},
		[]string{"subject", "result"}, // ok, duplicate, in_flight, invalid, retry, dead_letter
	)
)

// RecordWatch counts a watch session.
func RecordWatch(applied bool) {
	if applied {
		WatchSessions.WithLabelValues("applied").Inc()
		return
	}
	WatchSessions.WithLabelValues("below_threshold").Inc()
}

// RecordCache counts a catalog cache lookup.
func RecordCache(hit bool) {
	if hit {
		FeedCache.WithLabelValues("hit").Inc()
		return
	}
	FeedCache.WithLabelValues("miss").Inc()
}

// ObserveRank records the time since start.
func ObserveRank(start time.Time) {
	RankDuration.Observe(time.Since(start).Seconds())
}

// RecordEvent counts one consumed message.
func RecordEvent(subject, result string) {
	Events.WithLabelValues(subject, result).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
