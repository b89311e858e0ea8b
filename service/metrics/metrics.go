package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct is passed
// to every component that needs to record metrics. All record methods are
// nil-safe so tests can pass a nil *Metrics.
type Metrics struct {
	// Ledger-data provider metrics
	providerCallsTotal   *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec

	// External signer metrics
	signerCallsTotal   *prometheus.CounterVec
	signerCallDuration *prometheus.HistogramVec

	// Anchor job metrics
	anchorJobsTotal   *prometheus.CounterVec
	anchorJobDuration *prometheus.HistogramVec

	// Funding pool metrics
	poolResources        *prometheus.GaugeVec
	poolMaintenanceTotal *prometheus.CounterVec
	poolMaintenanceDur   *prometheus.HistogramVec

	// Lock metrics
	lockAttemptsTotal *prometheus.CounterVec

	// NATS metrics
	recordEventsPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		providerCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anchor_provider_calls_total",
				Help: "Total number of ledger-data provider calls by method and status",
			},
			[]string{"method", "status"},
		),
		providerCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "anchor_provider_call_duration_seconds",
				Help:    "Duration of ledger-data provider calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method"},
		),
		signerCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anchor_signer_calls_total",
				Help: "Total number of external signer calls by status",
			},
			[]string{"status"},
		),
		signerCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "anchor_signer_call_duration_seconds",
				Help:    "Duration of external signer calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"method"},
		),
		anchorJobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anchor_jobs_total",
				Help: "Total number of anchor jobs by record kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		anchorJobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "anchor_job_duration_seconds",
				Help:    "End-to-end duration of anchor jobs in seconds",
				Buckets: []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"kind"},
		),
		poolResources: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "anchor_pool_resources",
				Help: "Number of funding pool resources by status",
			},
			[]string{"status"},
		),
		poolMaintenanceTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anchor_pool_maintenance_total",
				Help: "Total number of pool maintenance operations by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		poolMaintenanceDur: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "anchor_pool_maintenance_duration_seconds",
				Help:    "Duration of pool maintenance operations in seconds",
				Buckets: []float64{0.1, 0.5, 1.0, 5.0, 15.0, 30.0, 60.0, 120.0},
			},
			[]string{"op"},
		),
		lockAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anchor_lock_attempts_total",
				Help: "Total number of distributed lock attempts by name and outcome",
			},
			[]string{"name", "outcome"},
		),
		recordEventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anchor_record_events_published_total",
				Help: "Total number of record lifecycle events published to NATS",
			},
			[]string{"kind", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "anchor_nats_publish_duration_seconds",
				Help:    "Duration of NATS publishes in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"subject"},
		),
	}
}

// RecordProviderCall records a ledger-data provider call.
func (m *Metrics) RecordProviderCall(method, status string, seconds float64) {
	if m == nil {
		return
	}
	m.providerCallsTotal.WithLabelValues(method, status).Inc()
	m.providerCallDuration.WithLabelValues(method).Observe(seconds)
}

// RecordSignerCall records an external signer call.
func (m *Metrics) RecordSignerCall(status string, seconds float64) {
	if m == nil {
		return
	}
	m.signerCallsTotal.WithLabelValues(status).Inc()
	m.signerCallDuration.WithLabelValues("sign").Observe(seconds)
}

// RecordAnchorJob records an anchor job outcome.
func (m *Metrics) RecordAnchorJob(kind, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.anchorJobsTotal.WithLabelValues(kind, outcome).Inc()
	m.anchorJobDuration.WithLabelValues(kind).Observe(seconds)
}

// SetPoolResources updates the pool gauge for one status.
func (m *Metrics) SetPoolResources(status string, count int) {
	if m == nil {
		return
	}
	m.poolResources.WithLabelValues(status).Set(float64(count))
}

// RecordMaintenance records a pool maintenance operation.
func (m *Metrics) RecordMaintenance(op, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.poolMaintenanceTotal.WithLabelValues(op, outcome).Inc()
	m.poolMaintenanceDur.WithLabelValues(op).Observe(seconds)
}

// RecordLockAttempt records a distributed lock attempt.
func (m *Metrics) RecordLockAttempt(name, outcome string) {
	if m == nil {
		return
	}
	m.lockAttemptsTotal.WithLabelValues(name, outcome).Inc()
}

// RecordEventPublished records a NATS record event publish.
func (m *Metrics) RecordEventPublished(kind, status, subject string, seconds float64) {
	if m == nil {
		return
	}
	m.recordEventsPublished.WithLabelValues(kind, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(seconds)
}
