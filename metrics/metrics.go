// Package metrics holds the process-wide Prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricSyncFailures         = "sync_failures_total"
	MetricGraphRetries         = "graph_retries_total"
	MetricContentViewPopulates = "content_view_populations_total"
	MetricSearchQueries        = "search_queries_total"
	MetricJobsProcessed        = "jobs_processed_total"
)

// SyncFailures counts index and graph writes that failed after the primary write
// succeeded. Labels: store (search|graph), operation (save|delete).
var SyncFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "corpora",
		Name:      MetricSyncFailures,
		Help:      "Secondary store writes that failed after a committed primary write.",
	},
	[]string{
		"store",
		"operation",
	},
)

var GraphRetries = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "corpora",
		Name:      MetricGraphRetries,
		Help:      "Graph statements retried after a transient failure.",
	},
)

// ContentViewPopulations counts finished populate runs by final status.
var ContentViewPopulations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "corpora",
		Name:      MetricContentViewPopulates,
		Help:      "Content view populate runs by resulting status.",
	},
	[]string{
		"status",
	},
)

// SearchQueries counts executed searches by paging mode (offset|cursor).
var SearchQueries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "corpora",
		Name:      MetricSearchQueries,
		Help:      "Search requests by paging mode.",
	},
	[]string{
		"mode",
	},
)

// JobsProcessed counts dispatched jobs by type and final status (complete|failed).
var JobsProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "corpora",
		Name:      MetricJobsProcessed,
		Help:      "Background jobs run by the dispatcher.",
	},
	[]string{
		"type",
		"status",
	},
)

func init() {
	prometheus.MustRegister(SyncFailures)
	prometheus.MustRegister(GraphRetries)
	prometheus.MustRegister(ContentViewPopulations)
	prometheus.MustRegister(SearchQueries)
	prometheus.MustRegister(JobsProcessed)
}
