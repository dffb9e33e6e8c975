// Package metrics exposes engine counters and histograms in Prometheus
// format on the HTTP bridge.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine's collectors. A nil *Metrics disables
// recording so components can carry it unconditionally.
type Metrics struct {
	registry *prometheus.Registry

	resolverOutcomes *prometheus.CounterVec
	hiveRPCDuration  *prometheus.HistogramVec
	pipelineRuns     *prometheus.CounterVec
	apiCalls         *prometheus.CounterVec
}

// New creates and registers the engine collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		resolverOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "resolver_outcomes_total",
			Help:      "Resolution outcomes by cascade step and status.",
		}, []string{"source", "status"}),
		hiveRPCDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "prism",
			Name:      "hive_rpc_duration_seconds",
			Help:      "Hive RPC latency by function.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"rpc", "outcome"}),
		pipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "pipeline_runs_total",
			Help:      "Completed pipeline runs by terminal status.",
		}, []string{"status"}),
		apiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "external_api_calls_total",
			Help:      "External resolver API calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
	}

	m.registry.MustRegister(m.resolverOutcomes, m.hiveRPCDuration, m.pipelineRuns, m.apiCalls)
	return m
}

// Registry returns the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// RecordResolverOutcome counts one resolver result by winning source.
func (m *Metrics) RecordResolverOutcome(source, status string) {
	if m == nil {
		return
	}
	m.resolverOutcomes.WithLabelValues(source, status).Inc()
}

// ObserveHiveRPC records one Hive RPC's latency and outcome.
func (m *Metrics) ObserveHiveRPC(rpc string, dur time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.hiveRPCDuration.WithLabelValues(rpc, outcome).Observe(dur.Seconds())
}

// RecordPipelineRun counts one completed run.
func (m *Metrics) RecordPipelineRun(status string) {
	if m == nil {
		return
	}
	m.pipelineRuns.WithLabelValues(status).Inc()
}

// RecordAPICall counts one external resolver API call.
func (m *Metrics) RecordAPICall(provider, outcome string) {
	if m == nil {
		return
	}
	m.apiCalls.WithLabelValues(provider, outcome).Inc()
}
