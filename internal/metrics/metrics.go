// Package metrics owns the process Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	registry         *prometheus.Registry
	settlementsTotal *prometheus.CounterVec
	failuresTotal    *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	payoutsTotal     *prometheus.CounterVec
	refundsTotal     *prometheus.CounterVec
	retryAttempts    *prometheus.CounterVec
	reconcileDepth   prometheus.Gauge
	inflight         prometheus.Gauge
}

func New() *Registry {
	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlerails_settlements_total",
		Help: "Settlements finished, by terminal state",
	}, []string{"state"})

	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlerails_settlement_failures_total",
		Help: "Settlement failures by error class",
	}, []string{"class"})

	stages := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlerails_stage_duration_seconds",
		Help:    "Time spent in each settlement stage",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"stage"})

	payouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlerails_payouts_total",
		Help: "Payout attempts by provider status",
	}, []string{"status"})

	refunds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlerails_refunds_total",
		Help: "Refunds by final status",
	}, []string{"status"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlerails_retry_attempts_total",
		Help: "Retry attempts spent by bounded loops",
	}, []string{"loop"})

	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "settlerails_reconciliation_queue_depth",
		Help: "Number of settlements awaiting manual reconciliation",
	})

	inflight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "settlerails_settlements_inflight",
		Help: "Settlements currently running",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(settlements, failures, stages, payouts, refunds, retries, depth, inflight)

	return &Registry{
		registry:         r,
		settlementsTotal: settlements,
		failuresTotal:    failures,
		stageDuration:    stages,
		payoutsTotal:     payouts,
		refundsTotal:     refunds,
		retryAttempts:    retries,
		reconcileDepth:   depth,
		inflight:         inflight,
	}
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry to tests.
func (m *Registry) Gatherer() prometheus.Gatherer { return m.registry }

func (m *Registry) IncSettlement(state string) {
	m.settlementsTotal.WithLabelValues(state).Inc()
}

func (m *Registry) IncFailure(class string) {
	m.failuresTotal.WithLabelValues(class).Inc()
}

func (m *Registry) ObserveStage(stage string, started time.Time) {
	m.stageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
}

func (m *Registry) IncPayout(status string) {
	m.payoutsTotal.WithLabelValues(status).Inc()
}

func (m *Registry) IncRefund(status string) {
	m.refundsTotal.WithLabelValues(status).Inc()
}

func (m *Registry) AddRetries(loop string, attempts int) {
	if attempts > 1 {
		m.retryAttempts.WithLabelValues(loop).Add(float64(attempts - 1))
	}
}

func (m *Registry) SetReconcileDepth(depth int) {
	m.reconcileDepth.Set(float64(depth))
}

func (m *Registry) SettlementStarted() { m.inflight.Inc() }
func (m *Registry) SettlementFinished() { m.inflight.Dec() }
