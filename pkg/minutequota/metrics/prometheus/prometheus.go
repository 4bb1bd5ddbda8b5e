package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/minutequota/pkg/minutequota"
)

// Metrics implements minutequota.Metrics using Prometheus.
type Metrics struct {
	reservationsTotal          *prometheus.CounterVec
	reservedMinutes            *prometheus.HistogramVec
	finalizationsTotal         *prometheus.CounterVec
	confirmedMinutesTotal      *prometheus.CounterVec
	creditsTotal               *prometheus.CounterVec
	reconciliationsTotal       prometheus.Counter
	shortfallCreditsTotal      prometheus.Counter
	checkDuration              *prometheus.HistogramVec
	conflictsTotal             *prometheus.CounterVec
	billingEventsTotal         *prometheus.CounterVec
	cacheHitsTotal             *prometheus.CounterVec
	cacheMissesTotal           *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

var _ minutequota.Metrics = (*Metrics)(nil)

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		reservationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Total number of reserve attempts by mode, funding source and outcome.",
		}, []string{"mode", "source", "outcome"}),

		reservedMinutes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reserved_minutes",
			Help:      "Distribution of estimated minutes of admitted jobs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 240, 600},
		}, []string{"mode"}),

		finalizationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalizations_total",
			Help:      "Total number of confirm and release calls by outcome.",
		}, []string{"operation", "outcome"}),

		confirmedMinutesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmed_minutes_total",
			Help:      "Total minutes confirmed by funding source.",
		}, []string{"source"}),

		creditsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_total",
			Help:      "Total credits moved by direction.",
		}, []string{"direction"}),

		reconciliationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Total number of confirms that left a credit shortfall.",
		}),

		shortfallCreditsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shortfall_credits_total",
			Help:      "Total credits that could not be charged at confirm.",
		}),

		checkDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_seconds",
			Help:      "Latency of admission checks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),

		conflictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Total number of optimistic commits lost to a concurrent writer.",
		}, []string{"operation"}),

		billingEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_events_total",
			Help:      "Total number of billing events by type and outcome.",
		}, []string{"type", "outcome"}),

		cacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		}, []string{"type"}),

		cacheMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		}, []string{"type"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordReservation(mode minutequota.Mode, source minutequota.FundingSource, outcome string, minutes int) {
	m.reservationsTotal.WithLabelValues(string(mode), string(source), outcome).Inc()
	if outcome == "ok" {
		m.reservedMinutes.WithLabelValues(string(mode)).Observe(float64(minutes))
	}
}

func (m *Metrics) RecordFinalization(operation, outcome string) {
	m.finalizationsTotal.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) RecordMinutes(source minutequota.FundingSource, minutes int) {
	m.confirmedMinutesTotal.WithLabelValues(string(source)).Add(float64(minutes))
}

func (m *Metrics) RecordCredits(direction string, credits int) {
	m.creditsTotal.WithLabelValues(direction).Add(float64(credits))
}

func (m *Metrics) RecordReconciliation(shortfall int) {
	m.reconciliationsTotal.Inc()
	m.shortfallCreditsTotal.Add(float64(shortfall))
}

func (m *Metrics) RecordCheck(mode minutequota.Mode, duration time.Duration, _ error) {
	m.checkDuration.WithLabelValues(string(mode)).Observe(duration.Seconds())
}

func (m *Metrics) RecordConflict(operation string) {
	m.conflictsTotal.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordBillingEvent(eventType minutequota.BillingEventType, outcome string) {
	m.billingEventsTotal.WithLabelValues(string(eventType), outcome).Inc()
}

func (m *Metrics) RecordCacheHit(cacheType string) {
	m.cacheHitsTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.cacheMissesTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
