package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resumeai_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resumeai_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Gate Metrics
	GateDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resumeai_gate_decisions_total",
			Help: "Admission decisions by outcome and rejection code",
		},
		[]string{"outcome", "code"},
	)

	RateLimitChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resumeai_ratelimit_checks_total",
			Help: "Rate limit checks by tier and result",
		},
		[]string{"tier", "allowed"},
	)

	StoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resumeai_store_errors_total",
			Help: "Errors talking to the counter or ledger store",
		},
		[]string{"store", "policy"},
	)

	// Credit Metrics
	CreditsDeductedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resumeai_credits_deducted_total",
			Help: "Credits consumed by settled operations",
		},
		[]string{"tier"},
	)

	CreditsAddedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "resumeai_credits_added_total",
			Help: "Credits granted by billing",
		},
	)

	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resumeai_settlements_total",
			Help: "Protected operations by final state",
		},
		[]string{"status"},
	)

	SettlementDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "resumeai_settlement_duration_seconds",
			Help:    "Time spent deducting credits after a successful operation",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	// Audit Metrics
	AuditDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "resumeai_audit_dropped_total",
			Help: "Usage entries dropped because the audit buffer was full",
		},
	)

	AuditFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "resumeai_audit_failures_total",
			Help: "Usage entries that could not be persisted",
		},
	)

	// Generator Metrics
	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resumeai_generation_duration_seconds",
			Help:    "Duration of upstream generation streams",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
		[]string{"action", "status"},
	)

	// Storage Metrics
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resumeai_storage_operations_total",
			Help: "Object storage operations",
		},
		[]string{"operation", "status"},
	)

	UploadSizeBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resumeai_upload_size_bytes",
			Help:    "Size of uploaded resumes in bytes",
			Buckets: prometheus.ExponentialBuckets(16*1024, 2, 12), // 16KB to 32MB
		},
		[]string{"tier"},
	)

	// Queue Metrics
	ReconciliationQueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resumeai_reconciliation_queued_total",
			Help: "Settlement tasks handed to the reconciliation queue",
		},
		[]string{"queue"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "resumeai_queue_depth",
			Help: "Messages waiting in the settlement queues",
		},
		[]string{"queue"},
	)
)

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordGateDecision records an admission outcome. An empty code is an
// admitted request.
func RecordGateDecision(code string) {
	outcome := "admitted"
	if code != "" {
		outcome = "rejected"
	}
	GateDecisionsTotal.WithLabelValues(outcome, code).Inc()
}

// RecordRateLimitCheck records a limiter decision
func RecordRateLimitCheck(tier string, allowed bool) {
	RateLimitChecksTotal.WithLabelValues(tier, strconv.FormatBool(allowed)).Inc()
}

// RecordStoreError records a backing store failure and the policy applied
func RecordStoreError(store, policy string) {
	StoreErrorsTotal.WithLabelValues(store, policy).Inc()
}

// RecordCreditsDeducted records consumed credits
func RecordCreditsDeducted(tier string, amount int) {
	CreditsDeductedTotal.WithLabelValues(tier).Add(float64(amount))
}

// RecordCreditsAdded records granted credits
func RecordCreditsAdded(amount int) {
	CreditsAddedTotal.Add(float64(amount))
}

// RecordSettlement records the final state of a protected operation
func RecordSettlement(status string, duration float64) {
	SettlementsTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		SettlementDuration.Observe(duration)
	}
}

// RecordAuditDropped records an entry dropped on a full buffer
func RecordAuditDropped() {
	AuditDroppedTotal.Inc()
}

// RecordAuditFailure records an entry the sink rejected
func RecordAuditFailure() {
	AuditFailuresTotal.Inc()
}

// RecordGeneration records an upstream generation stream
func RecordGeneration(action, status string, duration float64) {
	GenerationDuration.WithLabelValues(action, status).Observe(duration)
}

// RecordStorageOperation records an object storage call
func RecordStorageOperation(operation, status string) {
	StorageOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordUpload records an accepted upload
func RecordUpload(tier string, size int64) {
	UploadSizeBytes.WithLabelValues(tier).Observe(float64(size))
}

// RecordReconciliationQueued records a task sent for reconciliation
func RecordReconciliationQueued(queue string) {
	ReconciliationQueuedTotal.WithLabelValues(queue).Inc()
}

// RecordQueueDepth records the current depth of a queue
func RecordQueueDepth(queue string, depth int) {
	QueueDepth.WithLabelValues(queue).Set(float64(depth))
}
