package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Runtime counters and histograms, partitioned by indexer + network.

var (
	// Stream client
	StreamConnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "stream",
		Name:      "connects_total",
		Help:      "Stream subscribe attempts by result",
	}, []string{"indexer", "network", "result"})

	StreamBatchesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "stream",
		Name:      "batches_received_total",
		Help:      "Block batches received from the stream",
	}, []string{"indexer", "network"})

	StreamReceiveErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "stream",
		Name:      "receive_errors_total",
		Help:      "Stream receive failures by kind (timeout, connection, decode)",
	}, []string{"indexer", "network", "kind"})

	StreamState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "stream",
		Name:      "state",
		Help:      "Stream client state (0=disconnected, 1=connecting, 2=streaming)",
	}, []string{"indexer", "network"})

	// Handler proxy
	DispatchBlocksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "dispatch",
		Name:      "blocks_processed_total",
		Help:      "Blocks handled and flushed",
	}, []string{"indexer", "network", "path"})

	DispatchBlockFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "dispatch",
		Name:      "block_failures_total",
		Help:      "Blocks skipped after a handler or flush failure",
	}, []string{"indexer", "network", "path"})

	DispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "indexer",
		Subsystem: "dispatch",
		Name:      "batch_duration_seconds",
		Help:      "Handler proxy batch dispatch duration",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"indexer", "network", "path"})

	// Runtime loop
	CheckpointBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "pipeline",
		Name:      "checkpoint_block",
		Help:      "Last durably processed block",
	}, []string{"indexer", "network"})

	CheckpointPersistErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "pipeline",
		Name:      "checkpoint_persist_errors_total",
		Help:      "Checkpoint writes that failed",
	}, []string{"indexer", "network"})

	GapsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "pipeline",
		Name:      "gaps_detected_total",
		Help:      "Gaps between checkpoint and live stream that triggered a backfill",
	}, []string{"indexer", "network"})

	// Backfill
	BackfillRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "backfill",
		Name:      "runs_total",
		Help:      "Backfill runs by result",
	}, []string{"indexer", "network", "result"})

	BackfillBlocksResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "backfill",
		Name:      "blocks_resolved_total",
		Help:      "Blocks reconstructed from chain history",
	}, []string{"indexer", "network"})

	BackfillActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "backfill",
		Name:      "active",
		Help:      "Backfill tasks currently running",
	}, []string{"indexer", "network"})

	// Storage
	StoreRowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "store",
		Name:      "rows_written_total",
		Help:      "Rows inserted or merged by the upsert engine",
	}, []string{"backend", "table"})

	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "store",
		Name:      "errors_total",
		Help:      "Upsert engine failures",
	}, []string{"backend", "table"})

	StoreFlushLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "indexer",
		Subsystem: "store",
		Name:      "flush_duration_seconds",
		Help:      "Per-block flush duration",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"backend"})

	// Plugins
	PluginLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "plugin",
		Name:      "loads_total",
		Help:      "Artifact load attempts by result",
	}, []string{"artifact", "result"})

	// RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Total RPC calls by chain, method, and status",
	}, []string{"chain", "method", "status"})

	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Total times RPC calls waited for rate limiter",
	}, []string{"chain"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "rpc",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})

	// DB pool
	DBPoolOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "db_pool",
		Name:      "open_connections",
		Help:      "Open database connections",
	}, []string{"driver"})

	DBPoolInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "db_pool",
		Name:      "in_use_connections",
		Help:      "Database connections in use",
	}, []string{"driver"})

	DBPoolIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "db_pool",
		Name:      "idle_connections",
		Help:      "Idle database connections",
	}, []string{"driver"})

	DBPoolWaitCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "db_pool",
		Name:      "wait_count",
		Help:      "Total connections waited for",
	}, []string{"driver"})

	DBPoolWaitDurationSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "db_pool",
		Name:      "wait_duration_seconds",
		Help:      "Total time blocked waiting for a connection",
	}, []string{"driver"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent",
	}, []string{"channel", "alert_type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts skipped due to cooldown",
	}, []string{"alert_type"})

	// Backfill block cache
	BlockCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "block_cache",
		Name:      "lookups_total",
		Help:      "Historical block cache lookups by result (hit or miss)",
	}, []string{"chain", "result"})
)
