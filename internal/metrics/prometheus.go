package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tiersync"

// Metrics holds all Prometheus metrics of one sync engine
type Metrics struct {
	// Sync metrics
	SyncRunsTotal          *prometheus.CounterVec
	SyncDuration           *prometheus.HistogramVec
	SyncOperationsTotal    *prometheus.CounterVec
	ConcurrentMutationSkip *prometheus.CounterVec
	CoalescedRequestsTotal *prometheus.CounterVec
	QueueDepth             prometheus.Gauge
	Dirty                  prometheus.Gauge

	// Tier I/O metrics
	TierOpDuration *prometheus.HistogramVec
	TierOpErrors   *prometheus.CounterVec
	HydrationTotal *prometheus.CounterVec

	// Live query metrics
	LiveStreams *prometheus.GaugeVec
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg registers with the default Prometheus registry.
func NewMetrics(tenantID string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{"tenant": tenantID}
	f := promauto.With(reg)

	return &Metrics{
		SyncRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "sync",
			Name:        "runs_total",
			Help:        "Total number of sync runs per tier pair and outcome",
			ConstLabels: labels,
		}, []string{"pair", "outcome"}),
		SyncDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "sync",
			Name:        "duration_seconds",
			Help:        "Duration of sync runs",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"pair"}),
		SyncOperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "sync",
			Name:        "operations_total",
			Help:        "Merge operations applied per target tier and kind",
			ConstLabels: labels,
		}, []string{"tier", "kind"}),
		ConcurrentMutationSkip: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "sync",
			Name:        "concurrent_mutation_skips_total",
			Help:        "Applies skipped because the target tier changed during the sync",
			ConstLabels: labels,
		}, []string{"tier"}),
		CoalescedRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "scheduler",
			Name:        "coalesced_requests_total",
			Help:        "Sync requests merged into an already pending job",
			ConstLabels: labels,
		}, []string{"pair"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "scheduler",
			Name:        "queue_depth",
			Help:        "Pending sync jobs",
			ConstLabels: labels,
		}),
		Dirty: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "sync",
			Name:        "dirty",
			Help:        "1 when the tiers hold unsynced changes",
			ConstLabels: labels,
		}),
		TierOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "tier",
			Name:        "op_duration_seconds",
			Help:        "Duration of tier load/store/clear calls",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 18),
		}, []string{"tier", "op"}),
		TierOpErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "tier",
			Name:        "op_errors_total",
			Help:        "Failed tier load/store/clear calls",
			ConstLabels: labels,
		}, []string{"tier", "op"}),
		HydrationTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "access",
			Name:        "hydrations_total",
			Help:        "Shards hydrated into the fast tier per source tier",
			ConstLabels: labels,
		}, []string{"source"}),
		LiveStreams: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "livequery",
			Name:        "streams",
			Help:        "Open live query streams per kind",
			ConstLabels: labels,
		}, []string{"kind"}),
	}
}

// NewNopMetrics returns metrics registered with a private registry, for tests
// and embedders that do not export metrics
func NewNopMetrics() *Metrics {
	return NewMetrics("", prometheus.NewRegistry())
}

// ObserveSync records one finished sync run
func (m *Metrics) ObserveSync(pair, outcome string, d time.Duration) {
	m.SyncRunsTotal.WithLabelValues(pair, outcome).Inc()
	m.SyncDuration.WithLabelValues(pair).Observe(d.Seconds())
}

// ObserveTierOp records one tier call
func (m *Metrics) ObserveTierOp(tier, op string, d time.Duration, err error) {
	m.TierOpDuration.WithLabelValues(tier, op).Observe(d.Seconds())
	if err != nil {
		m.TierOpErrors.WithLabelValues(tier, op).Inc()
	}
}

// SetDirty mirrors the dirty signal
func (m *Metrics) SetDirty(dirty bool) {
	if dirty {
		m.Dirty.Set(1)
		return
	}
	m.Dirty.Set(0)
}
