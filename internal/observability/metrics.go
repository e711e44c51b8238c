// Package observability exposes the core's operational metrics through
// Prometheus. Collectors are registered once on the default registerer;
// call sites increment them directly so no component needs to carry a
// metrics handle.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RunsCompleted counts finalized runs by resolved status and trigger.
	RunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestcore_runs_completed_total",
		Help: "Finalized crawl runs by status and trigger type.",
	}, []string{"status", "trigger"})

	// ScholarOutcomes counts per-scholar outcomes within runs.
	ScholarOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestcore_scholar_outcomes_total",
		Help: "Per-scholar run outcomes by status and failure bucket.",
	}, []string{"status", "failure_bucket"})

	// NewPublications counts newly linked publications.
	NewPublications = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingestcore_new_publications_total",
		Help: "Scholar-publication links created for the first time.",
	})

	// FetchAttempts counts C1 page fetch attempts by parsed state.
	FetchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestcore_fetch_attempts_total",
		Help: "Scholar page fetch attempts by resulting parse state.",
	}, []string{"state"})

	// CooldownsEntered counts safety-controller cooldown entries.
	CooldownsEntered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestcore_cooldowns_entered_total",
		Help: "Safety cooldowns entered, by reason.",
	}, []string{"reason"})

	// QueueJobsDispatched counts continuation-queue jobs the scheduler
	// dispatched, by what happened to them.
	QueueJobsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestcore_queue_jobs_dispatched_total",
		Help: "Continuation queue jobs dispatched by the scheduler, by result.",
	}, []string{"result"})

	// QueueDepth tracks how many due jobs the last scheduler tick saw.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingestcore_queue_due_jobs",
		Help: "Due continuation queue jobs observed at the last scheduler tick.",
	})

	// CacheRequests counts shared-cache lookups by service and result.
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestcore_cache_requests_total",
		Help: "Shared feed cache lookups by remote service and hit/miss.",
	}, []string{"service", "result"})

	// EventsDropped counts event-bus messages dropped on full queues.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingestcore_events_dropped_total",
		Help: "Event bus messages dropped because a subscriber queue was full.",
	})

	// EnrichmentBatches counts enrichment batches by terminal disposition.
	EnrichmentBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestcore_enrichment_batches_total",
		Help: "Enrichment batches processed, by disposition.",
	}, []string{"disposition"})
)

// Handler returns the HTTP handler for the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
