// Package metrics registers the engine's Prometheus collectors, the domain
// telemetry SPEC_FULL.md's Prometheus metrics endpoint exposes. Grounded in
// the teacher's cmd/metrics-server (prometheus/client_golang counters and
// histograms registered against the default registry, scraped via
// promhttp.Handler).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QuotaDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ragengine_quota_denials_total",
		Help: "Requests denied by the quota governor, by resource kind.",
	}, []string{"kind"})

	RateLimitDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ragengine_rate_limit_denials_total",
		Help: "Requests denied by the rate limiter, by tenant.",
	}, []string{"tenant"})

	CacheResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ragengine_response_cache_results_total",
		Help: "Response cache lookups, partitioned by hit/miss.",
	}, []string{"result"})

	IngestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ragengine_ingest_latency_seconds",
		Help:    "Latency of the synchronous half of Ingest (digest check through enqueue).",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	QueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ragengine_query_latency_seconds",
		Help:    "End-to-end Query latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	DocumentsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ragengine_documents_ingested_total",
		Help: "Ingest calls by synchronous outcome (accepted or rejected).",
	}, []string{"status"})
)
