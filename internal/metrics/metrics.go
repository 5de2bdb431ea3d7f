// Package metrics exposes the prometheus collectors of the banking client.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BankMetrics groups the client, reconciler and daemon collectors.
type BankMetrics struct {
	invocations       *prometheus.CounterVec
	invocationLatency *prometheus.HistogramVec
	viewEmissions     prometheus.Counter
	reconcileRetries  prometheus.Counter
	reconcilersLive   prometheus.Gauge
	bootstrapAttempts *prometheus.CounterVec
	historyDropped    prometheus.Counter
	claimOverwrites   prometheus.Counter
	throttles         *prometheus.CounterVec
}

var (
	bankOnce     sync.Once
	bankRegistry *BankMetrics
)

// Bank returns the lazily-initialised collectors registered with the
// default prometheus registry.
func Bank() *BankMetrics {
	bankOnce.Do(func() {
		bankRegistry = &BankMetrics{
			invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "privbank",
				Subsystem: "circuit",
				Name:      "invocations_total",
				Help:      "Circuit operations submitted, segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			invocationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "privbank",
				Subsystem: "circuit",
				Name:      "invocation_duration_seconds",
				Help:      "Time from submission to commit of circuit operations, proving included.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
			viewEmissions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "privbank",
				Subsystem: "reconciler",
				Name:      "view_emissions_total",
				Help:      "Account views emitted by the reconciler.",
			}),
			reconcileRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "privbank",
				Subsystem: "reconciler",
				Name:      "resubscriptions_total",
				Help:      "Times the reconciler resubscribed after a failed session.",
			}),
			reconcilersLive: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "privbank",
				Subsystem: "reconciler",
				Name:      "running",
				Help:      "Account views currently reconciling.",
			}),
			bootstrapAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "privbank",
				Subsystem: "client",
				Name:      "bootstrap_attempts_total",
				Help:      "Deploy and join attempts, segmented by phase and outcome.",
			}, []string{"phase", "outcome"}),
			historyDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "privbank",
				Subsystem: "store",
				Name:      "history_dropped_total",
				Help:      "Detailed log entries dropped because they could not be persisted.",
			}),
			claimOverwrites: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "privbank",
				Subsystem: "claims",
				Name:      "artifact_overwrites_total",
				Help:      "Sends that replaced an unclaimed artifact of the same authorization.",
			}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "privbank",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Requests rejected by the rate limiter, segmented by route.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			bankRegistry.invocations,
			bankRegistry.invocationLatency,
			bankRegistry.viewEmissions,
			bankRegistry.reconcileRetries,
			bankRegistry.reconcilersLive,
			bankRegistry.bootstrapAttempts,
			bankRegistry.historyDropped,
			bankRegistry.claimOverwrites,
			bankRegistry.throttles,
		)
	})
	return bankRegistry
}

// ObserveInvocation records one circuit operation.
func (m *BankMetrics) ObserveInvocation(op string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "committed"
	if err != nil {
		outcome = "failed"
	}
	m.invocations.WithLabelValues(op, outcome).Inc()
	m.invocationLatency.WithLabelValues(op).Observe(d.Seconds())
}

func (m *BankMetrics) RecordViewEmission() {
	if m == nil {
		return
	}
	m.viewEmissions.Inc()
}

func (m *BankMetrics) RecordResubscribe() {
	if m == nil {
		return
	}
	m.reconcileRetries.Inc()
}

func (m *BankMetrics) RecordReconcilerStarted() {
	if m == nil {
		return
	}
	m.reconcilersLive.Inc()
}

func (m *BankMetrics) RecordReconcilerStopped() {
	if m == nil {
		return
	}
	m.reconcilersLive.Dec()
}

// RecordBootstrapAttempt counts a deploy or join attempt. Phase is "deploy"
// or "join".
func (m *BankMetrics) RecordBootstrapAttempt(phase string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.bootstrapAttempts.WithLabelValues(phase, outcome).Inc()
}

func (m *BankMetrics) RecordHistoryDropped() {
	if m == nil {
		return
	}
	m.historyDropped.Inc()
}

func (m *BankMetrics) RecordClaimOverwrite() {
	if m == nil {
		return
	}
	m.claimOverwrites.Inc()
}

func (m *BankMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.throttles.WithLabelValues(route).Inc()
}

// Throttles exposes the throttle counter for assertions.
func (m *BankMetrics) Throttles() *prometheus.CounterVec { return m.throttles }
