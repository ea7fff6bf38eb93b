package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline stage counters and histograms. Fetch metrics are partitioned by
// gateway host so a flaky gateway is visible in isolation.

var (
	// Source
	SourceEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metadata",
		Subsystem: "source",
		Name:      "events_total",
		Help:      "Total metadata events delivered by the source",
	}, []string{"backend"})

	SourceAcksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metadata",
		Subsystem: "source",
		Name:      "acks_total",
		Help:      "Total events acknowledged back to the source",
	}, []string{"backend"})

	SourceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metadata",
		Subsystem: "source",
		Name:      "errors_total",
		Help:      "Total source read/checkpoint errors",
	}, []string{"backend"})

	SourceCheckpointPosition = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "metadata",
		Subsystem: "source",
		Name:      "checkpoint_position",
		Help:      "Latest persisted checkpoint position (numeric prefix)",
	}, []string{"backend"})

	// Fetch
	FetchAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metadata",
		Subsystem: "fetch",
		Name:      "attempts_total",
		Help:      "Total fetch attempts by gateway and outcome",
	}, []string{"gateway", "outcome"})

	FetchBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metadata",
		Subsystem: "fetch",
		Name:      "bytes_total",
		Help:      "Total payload bytes fetched by gateway",
	}, []string{"gateway"})

	FetchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "metadata",
		Subsystem: "fetch",
		Name:      "attempt_duration_seconds",
		Help:      "Fetch attempt duration by gateway",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"gateway"})

	FetchRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metadata",
		Subsystem: "fetch",
		Name:      "rate_limit_waits_total",
		Help:      "Total times fetch attempts waited for a gateway rate limiter",
	}, []string{"gateway"})

	FetchBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "metadata",
		Subsystem: "fetch",
		Name:      "breaker_state",
		Help:      "Gateway circuit breaker state (0=CLOSED, 1=OPEN, 2=HALF_OPEN)",
	}, []string{"gateway"})

	// Validate
	ValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metadata",
		Subsystem: "validate",
		Name:      "records_total",
		Help:      "Total validation outcomes by token kind and validity",
	}, []string{"kind", "validity"})

	ValidationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "metadata",
		Subsystem: "validate",
		Name:      "duration_seconds",
		Help:      "Validation duration by token kind",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
	}, []string{"kind"})

	PayloadSizeBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "metadata",
		Subsystem: "validate",
		Name:      "payload_size_bytes",
		Help:      "Raw metadata payload size",
		Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
	}, []string{"kind"})

	// Artifact checks
	ArtifactChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metadata",
		Subsystem: "artifact",
		Name:      "checks_total",
		Help:      "Total artifact verifications by outcome",
	}, []string{"outcome"})

	ArtifactCheckLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "metadata",
		Subsystem: "artifact",
		Name:      "check_duration_seconds",
		Help:      "Artifact fetch and verification duration",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"outcome"})

	// Dedup cache
	DedupeHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metadata",
		Subsystem: "dedupe",
		Name:      "hits_total",
		Help:      "Total fingerprint cache hits",
	})

	DedupeMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metadata",
		Subsystem: "dedupe",
		Name:      "misses_total",
		Help:      "Total fingerprint cache misses",
	})

	DedupeEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metadata",
		Subsystem: "dedupe",
		Name:      "evictions_total",
		Help:      "Total fingerprint cache evictions",
	})

	DedupeFlightsJoined = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metadata",
		Subsystem: "dedupe",
		Name:      "flights_joined_total",
		Help:      "Total callers that joined an in-flight computation instead of starting one",
	})

	// Pipeline
	PipelineEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metadata",
		Subsystem: "pipeline",
		Name:      "events_total",
		Help:      "Total events reaching a terminal state, by result",
	}, []string{"result"})

	PipelineRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metadata",
		Subsystem: "pipeline",
		Name:      "retries_total",
		Help:      "Total retries scheduled, by error kind",
	}, []string{"error_kind"})

	PipelineQuarantinesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metadata",
		Subsystem: "pipeline",
		Name:      "quarantines_total",
		Help:      "Total events quarantined, by error kind",
	}, []string{"error_kind"})

	PipelineQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "metadata",
		Subsystem: "pipeline",
		Name:      "queue_depth",
		Help:      "Current depth of pipeline channel buffers",
	}, []string{"stage"})

	PipelineActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "metadata",
		Subsystem: "pipeline",
		Name:      "active_workers",
		Help:      "Workers currently driving an event",
	})

	PipelineRetryPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "metadata",
		Subsystem: "pipeline",
		Name:      "retry_pending",
		Help:      "Events currently waiting on a retry timer",
	})

	PipelineEventLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "metadata",
		Subsystem: "pipeline",
		Name:      "event_duration_seconds",
		Help:      "End-to-end event processing duration (terminal attempts only)",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"result"})

	PipelineHealthStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "metadata",
		Subsystem: "pipeline",
		Name:      "health_status",
		Help:      "Pipeline health status (0=UNKNOWN, 1=HEALTHY, 2=DEGRADED, 3=UNHEALTHY)",
	})

	PipelineConsecutiveSinkFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "metadata",
		Subsystem: "pipeline",
		Name:      "consecutive_sink_failures",
		Help:      "Number of consecutive sink write failures",
	})

	// Sink
	SinkUpsertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metadata",
		Subsystem: "sink",
		Name:      "upserts_total",
		Help:      "Total sink upserts by outcome (applied or stale)",
	}, []string{"outcome"})

	SinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metadata",
		Subsystem: "sink",
		Name:      "errors_total",
		Help:      "Total sink errors by class",
	}, []string{"class"})

	SinkLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "metadata",
		Subsystem: "sink",
		Name:      "upsert_duration_seconds",
		Help:      "Sink upsert transaction duration",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"outcome"})

	// Database pool
	DBPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "metadata",
		Subsystem: "postgres",
		Name:      "db_pool_open",
		Help:      "Current number of open PostgreSQL connections in the pool",
	})

	DBPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "metadata",
		Subsystem: "postgres",
		Name:      "db_pool_in_use",
		Help:      "Current number of in-use PostgreSQL connections in the pool",
	})

	DBPoolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "metadata",
		Subsystem: "postgres",
		Name:      "db_pool_idle",
		Help:      "Current number of idle PostgreSQL connections in the pool",
	})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metadata",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent",
	}, []string{"channel", "alert_type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metadata",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts skipped due to cooldown",
	}, []string{"channel", "alert_type"})

	// Admin API
	AdminRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metadata",
		Subsystem: "admin",
		Name:      "requests_total",
		Help:      "Total admin API requests by route and status code",
	}, []string{"route", "status"})

	AdminRequeuesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metadata",
		Subsystem: "admin",
		Name:      "quarantine_requeues_total",
		Help:      "Total quarantined events requeued via the admin API",
	})
)
