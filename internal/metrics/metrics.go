// Package metrics exposes Prometheus metrics of the broker.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manchtools/splitplay/broker/internal/sysexec"
)

// Tracked state kinds.
const (
	KindDevices   = "devices"
	KindGrants    = "grants"
	KindMounts    = "mounts"
	KindProcesses = "processes"
)

// Metrics holds the broker collectors on their own registry.
type Metrics struct {
	registry *prometheus.Registry

	// rpcTotal counts dispatched operations by action and outcome
	rpcTotal *prometheus.CounterVec

	// rpcDuration observes dispatch latency by action
	rpcDuration *prometheus.HistogramVec

	// tracked reports the size of each tracked state collection
	tracked *prometheus.GaugeVec

	// externalFailures counts failed or timed out tool runs by tool
	externalFailures *prometheus.CounterVec
}

// New registers the broker collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		rpcTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "splitplay_broker_rpc_total",
				Help: "Total broker operations by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		rpcDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "splitplay_broker_rpc_duration_seconds",
				Help:    "Broker operation duration by action",
				Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 10, 30, 60},
			},
			[]string{"action"},
		),
		tracked: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "splitplay_broker_tracked",
				Help: "Privileged state currently tracked for teardown, by kind",
			},
			[]string{"kind"},
		),
		externalFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "splitplay_broker_external_failures_total",
				Help: "Total failed or timed out external tool runs by tool",
			},
			[]string{"tool"},
		),
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRPC counts one dispatched operation.
func (m *Metrics) RecordRPC(action, outcome string, d time.Duration) {
	m.rpcTotal.WithLabelValues(action, outcome).Inc()
	m.rpcDuration.WithLabelValues(action).Observe(d.Seconds())
}

// SetTracked sets the size of one tracked state collection.
func (m *Metrics) SetTracked(kind string, n int) {
	m.tracked.WithLabelValues(kind).Set(float64(n))
}

// =============================================================================
// Instrumented Runner
// =============================================================================

type instrumentedRunner struct {
	next    sysexec.Runner
	metrics *Metrics
}

// InstrumentRunner returns a runner counting the failures of next per tool.
// A tool that cannot be found or exits non-zero counts, as does a timeout.
func InstrumentRunner(next sysexec.Runner, m *Metrics) sysexec.Runner {
	return &instrumentedRunner{next: next, metrics: m}
}

func (r *instrumentedRunner) Run(ctx context.Context, timeout time.Duration, tool string, args ...string) (*sysexec.Result, error) {
	res, err := r.next.Run(ctx, timeout, tool, args...)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.metrics.externalFailures.WithLabelValues(tool).Inc()
	}
	return res, err
}
