// Package metrics exposes Prometheus instrumentation for the settlement
// engine. A Metrics value is both the engine.Observer plugged into the
// workers and the source of the /metrics HTTP handler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/settlement-engine/engine"
)

type Metrics struct {
	registry *prometheus.Registry

	operations       *prometheus.CounterVec
	operationSeconds *prometheus.HistogramVec
	sweeps           *prometheus.CounterVec
	sweepClaimed     *prometheus.CounterVec
	sweepFailed      *prometheus.CounterVec
	accountBalance   *prometheus.GaugeVec
}

var _ engine.Observer = (*Metrics)(nil)

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "operations_total",
			Help:      "Worker operations by algorithm and outcome.",
		}, []string{"algorithm", "outcome"}),
		operationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "settlement",
			Name:      "operation_duration_seconds",
			Help:      "Duration of individual worker operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"algorithm"}),
		sweeps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "sweeps_total",
			Help:      "Completed worker sweeps by algorithm.",
		}, []string{"algorithm"}),
		sweepClaimed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "sweep_claimed_total",
			Help:      "Transactions claimed across sweeps.",
		}, []string{"algorithm"}),
		sweepFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "sweep_failed_total",
			Help:      "Operations that failed during sweeps.",
		}, []string{"algorithm"}),
		accountBalance: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "settlement",
			Name:      "account_balance",
			Help:      "Last observed available balance per account.",
		}, []string{"account"}),
	}
}

func (m *Metrics) OperationObserved(alg engine.Algorithm, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(string(alg), outcome).Inc()
	m.operationSeconds.WithLabelValues(string(alg)).Observe(d.Seconds())
}

func (m *Metrics) SweepObserved(alg engine.Algorithm, claimed, failed int) {
	m.sweeps.WithLabelValues(string(alg)).Inc()
	m.sweepClaimed.WithLabelValues(string(alg)).Add(float64(claimed))
	m.sweepFailed.WithLabelValues(string(alg)).Add(float64(failed))
}

// BalanceObserved records an account's available balance as last seen by
// the API layer.
func (m *Metrics) BalanceObserved(account engine.AccountID, balance float64) {
	m.accountBalance.WithLabelValues(string(account)).Set(balance)
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
