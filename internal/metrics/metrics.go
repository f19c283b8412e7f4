package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Bounded queues
	QueueActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collection",
		Subsystem: "queue",
		Name:      "active",
		Help:      "Tasks currently holding a queue slot",
	}, []string{"queue"})

	QueuePending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collection",
		Subsystem: "queue",
		Name:      "pending",
		Help:      "Tasks waiting for a queue slot",
	}, []string{"queue"})

	QueueRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collection",
		Subsystem: "queue",
		Name:      "rate_limit_waits_total",
		Help:      "Admissions delayed by the queue rate window",
	}, []string{"queue"})

	// Batch writer
	BatchCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collection",
		Subsystem: "batch",
		Name:      "commits_total",
		Help:      "Batch commits by outcome",
	}, []string{"status"})

	BatchCommitItems = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collection",
		Subsystem: "batch",
		Name:      "committed_items_total",
		Help:      "Writes committed through the batch writer",
	})

	BatchCommitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "collection",
		Subsystem: "batch",
		Name:      "commit_duration_seconds",
		Help:      "Batch commit duration including retries",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// Log paginator
	PaginatorPages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collection",
		Subsystem: "paginator",
		Name:      "pages_total",
		Help:      "Log pages fetched by kind (normal, wide)",
	}, []string{"kind"})

	RPCRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collection",
		Subsystem: "chain",
		Name:      "rpc_retries_total",
		Help:      "RPC retries by classification",
	}, []string{"class"})

	// Pipeline
	PipelineSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collection",
		Subsystem: "pipeline",
		Name:      "steps_total",
		Help:      "Collection pipeline steps by outcome",
	}, []string{"step", "outcome"})

	PipelineStepLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "collection",
		Subsystem: "pipeline",
		Name:      "step_duration_seconds",
		Help:      "Collection pipeline step duration",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
	}, []string{"step"})

	// Runner
	RunnerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collection",
		Subsystem: "runner",
		Name:      "runs_total",
		Help:      "Finished collection runs by final step",
	}, []string{"step"})

	RunnerActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collection",
		Subsystem: "runner",
		Name:      "active",
		Help:      "Collections currently being indexed",
	})

	// Event bus
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collection",
		Subsystem: "eventbus",
		Name:      "dropped_total",
		Help:      "Events not delivered because a subscriber buffer was full",
	}, []string{"type"})

	// Providers
	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collection",
		Subsystem: "provider",
		Name:      "requests_total",
		Help:      "Provider HTTP requests by status code class",
	}, []string{"provider", "status"})
)
