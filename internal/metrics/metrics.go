package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Consumer metrics
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flagwise_consumer_messages_total",
			Help: "Total number of messages consumed from the event log",
		},
		[]string{"status"},
	)

	BatchesFlushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flagwise_consumer_batches_flushed_total",
			Help: "Total number of record batches flushed downstream",
		},
	)

	BatchFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flagwise_consumer_batch_flush_duration_seconds",
			Help:    "Duration of batch detection and persistence in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	AcksPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flagwise_consumer_acks_pending",
			Help: "Messages processed but not yet acknowledged upstream",
		},
	)

	// Detection metrics
	RecordsFlagged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flagwise_detection_records_flagged_total",
			Help: "Total number of records flagged by detection rules",
		},
	)

	RuleHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flagwise_detection_rule_hits_total",
			Help: "Total rule matches by rule name",
		},
		[]string{"rule"},
	)

	RuleRefreshErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flagwise_rules_refresh_errors_total",
			Help: "Total failed rule cache refreshes",
		},
	)

	// Storage metrics
	RecordsPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flagwise_storage_records_persisted_total",
			Help: "Total number of enriched records written to storage",
		},
	)

	StorageErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flagwise_storage_errors_total",
			Help: "Total number of batch persistence failures",
		},
	)

	// Encryption metrics
	CryptoOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flagwise_crypto_operations_total",
			Help: "Field encryption operations by outcome",
		},
		[]string{"op", "outcome"},
	)

	// Alerting metrics
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flagwise_alerts_total",
			Help: "Alert delivery attempts by status",
		},
		[]string{"status"},
	)

	// DLQ metrics
	DeadLettersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flagwise_dlq_messages_total",
			Help: "Total number of messages routed to the dead-letter stream",
		},
	)
)
