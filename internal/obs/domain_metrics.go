package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// SessionSyncTotal counts session synchronization outcomes (cached, created, updated, error).
	SessionSyncTotal *prometheus.CounterVec
	// SessionSyncDuration records synchronization latency in milliseconds per outcome.
	SessionSyncDuration *prometheus.HistogramVec
	// CallbackTotal counts inbound provider callbacks by event type and result.
	CallbackTotal *prometheus.CounterVec
	// ConfirmationTotal counts confirmation state machine outcomes.
	ConfirmationTotal *prometheus.CounterVec
	// ConfirmationJobsScheduled counts scheduled vs deduplicated confirmation jobs.
	ConfirmationJobsScheduled *prometheus.CounterVec
	// ProviderRequestTotal counts outbound provider API calls by operation and result.
	ProviderRequestTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		SessionSyncTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_sync_total",
			Help:      "Count of payment session synchronization outcomes.",
		}, []string{"scope", "result"})
		SessionSyncDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_sync_duration_ms",
			Help:      "Latency of session synchronization in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"result"})
		CallbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_total",
			Help:      "Count of inbound provider callbacks by event type and result.",
		}, []string{"event", "result"})
		ConfirmationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmation_total",
			Help:      "Count of order confirmation outcomes.",
		}, []string{"outcome"})
		ConfirmationJobsScheduled = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmation_jobs_scheduled_total",
			Help:      "Count of confirmation job scheduling results (scheduled, deduplicated, failed).",
		}, []string{"result"})
		ProviderRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_request_total",
			Help:      "Count of outbound provider API requests by operation and result.",
		}, []string{"operation", "result"})

		mustRegisterCollector(reg, SessionSyncTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				SessionSyncTotal = v
			}
		})
		mustRegisterCollector(reg, SessionSyncDuration, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				SessionSyncDuration = v
			}
		})
		mustRegisterCollector(reg, CallbackTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CallbackTotal = v
			}
		})
		mustRegisterCollector(reg, ConfirmationTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				ConfirmationTotal = v
			}
		})
		mustRegisterCollector(reg, ConfirmationJobsScheduled, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				ConfirmationJobsScheduled = v
			}
		})
		mustRegisterCollector(reg, ProviderRequestTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				ProviderRequestTotal = v
			}
		})
	})
}
