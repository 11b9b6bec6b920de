// Package metrics exposes the Prometheus gauges/counters the review
// bot publishes at /metrics (spec.md §6).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReviewsTotal counts completed reviews, labeled by terminal state.
	ReviewsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "review_bot_reviews_total",
		Help: "Total number of review runs by terminal state",
	}, []string{"state"}) // state: completed, failed

	// ReviewDuration measures wall-clock time for one full review run.
	ReviewDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "review_bot_review_duration_seconds",
		Help:    "Time taken to process a full review run",
		Buckets: prometheus.DefBuckets,
	}, []string{"state"})

	// WebhookRequests counts inbound webhook deliveries by disposition.
	WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "review_bot_webhook_requests_total",
		Help: "Total number of received webhook requests",
	}, []string{"status"}) // status: received, accepted, ignored, invalid, rejected

	// ChunksProcessed counts LLM chunk submissions by outcome.
	ChunksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "review_bot_chunks_processed_total",
		Help: "Total number of diff chunks submitted to the LLM",
	}, []string{"outcome"}) // outcome: success, failed, skipped

	// LLMTokensUsed sums prompt/completion tokens billed per run.
	LLMTokensUsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "review_bot_llm_tokens_total",
		Help: "Total LLM tokens consumed",
	}, []string{"kind"}) // kind: prompt, completion

	// CommentsPublished counts notes actually written to the Forge.
	CommentsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "review_bot_comments_published_total",
		Help: "Total number of comments published to the Forge",
	}, []string{"kind"}) // kind: inline, general, fallback_general

	// ForgeAPIErrors counts non-2xx Forge responses by endpoint.
	ForgeAPIErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "review_bot_forge_api_errors_total",
		Help: "Total number of non-2xx Forge API responses",
	}, []string{"endpoint", "status"})

	// ActiveReviews tracks the current in-flight review count, for
	// comparing live admission pressure against max_concurrent_reviews.
	ActiveReviews = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "review_bot_active_reviews",
		Help: "Number of reviews currently running",
	})
)
