package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Storage operation metrics
	StorageOperationTotal    *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Event publishing metrics
	EventPublishTotal    *prometheus.CounterVec
	EventPublishDuration *prometheus.HistogramVec

	// Request body validation metrics
	SchemaValidationTotal *prometheus.CounterVec

	// Fulfillment metrics
	ContentResolutionTotal *prometheus.CounterVec
	PurchasesRecordedTotal *prometheus.CounterVec
	GuestAccountsTotal     *prometheus.CounterVec
	GuestFallbackTotal     prometheus.Counter
	WebhookEventsTotal     *prometheus.CounterVec

	// Bundle job metrics
	JobTransitionsTotal *prometheus.CounterVec
	JobAttemptDuration  *prometheus.HistogramVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		StorageOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_operations_total",
			Help: "Total number of storage operations",
		}, []string{"operation", "status"}),

		StorageOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storage_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),

		EventPublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "event_publish_duration_seconds",
			Help:    "Event publish duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type", "status"}),

		SchemaValidationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schema_validation_total",
			Help: "Total number of request body validations",
		}, []string{"schema", "status"}),

		ContentResolutionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commerce_content_resolution_total",
			Help: "Content resolutions by the strategy that produced the items",
		}, []string{"strategy"}),

		PurchasesRecordedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commerce_purchases_recorded_total",
			Help: "Purchase documents written, by source",
		}, []string{"source"}),

		GuestAccountsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commerce_guest_accounts_total",
			Help: "Buyer account resolutions at checkout, by outcome",
		}, []string{"outcome"}),

		GuestFallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "commerce_guest_fallback_total",
			Help: "Purchases recorded under a placeholder guest uid",
		}),

		WebhookEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commerce_webhook_events_total",
			Help: "Payment webhook events, by type and outcome",
		}, []string{"type", "outcome"}),

		JobTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commerce_bundle_job_transitions_total",
			Help: "Bundle job status transitions",
		}, []string{"status"}),

		JobAttemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "commerce_bundle_job_attempt_duration_seconds",
			Help:    "Bundle job attempt duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
	}

	registerMetrics(m)
	globalMetrics = m
	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.StorageOperationTotal)
	registerOrGet(m.StorageOperationDuration)
	registerOrGet(m.EventPublishTotal)
	registerOrGet(m.EventPublishDuration)
	registerOrGet(m.SchemaValidationTotal)
	registerOrGet(m.ContentResolutionTotal)
	registerOrGet(m.PurchasesRecordedTotal)
	registerOrGet(m.GuestAccountsTotal)
	registerOrGet(m.GuestFallbackTotal)
	registerOrGet(m.WebhookEventsTotal)
	registerOrGet(m.JobTransitionsTotal)
	registerOrGet(m.JobAttemptDuration)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
