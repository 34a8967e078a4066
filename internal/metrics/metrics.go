// Package metrics is the ambassador's Prometheus surface: counters,
// gauges, and histograms covering the AAA pipeline, the audit buffer, the
// per-user pool, and the rate limiter.
//
// Grounded on the teacher's own indirect dependency on
// go.opentelemetry.io/otel/exporters/prometheus plus cklxx-elephant.ai's
// direct github.com/prometheus/client_golang dependency — neither pack repo
// wires client_golang into a running production registry (cklxx-elephant.ai
// only references it from *_test.go files), so this package uses
// promauto's canonical registration pattern directly rather than imitating
// a pack-internal metrics file. The metric names below are fixed: callers
// must not construct their own, matching the convention the teacher's
// internal/reconciler/metrics.go and internal/aggregator/auth_metrics.go
// follow of exposing a single package-level metrics surface rather than
// letting call sites invent label names ad hoc.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AAAStageDuration is ambassador_aaa_stage_duration_seconds{stage}, recorded
// by internal/aaa.Pipeline around each of its four stages.
var AAAStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "ambassador_aaa_stage_duration_seconds",
	Help:    "Duration of each AAA pipeline stage in seconds.",
	Buckets: prometheus.DefBuckets,
}, []string{"stage"})

// AuditBufferSize is ambassador_audit_buffer_size, the current occupancy of
// internal/audit.Buffer.
var AuditBufferSize = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "ambassador_audit_buffer_size",
	Help: "Current number of buffered audit events awaiting flush.",
})

// AuditBufferDropped is ambassador_audit_buffer_dropped_total, incremented
// when internal/audit.Buffer drops events under backpressure.
var AuditBufferDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ambassador_audit_buffer_dropped_total",
	Help: "Total audit events dropped because the buffer and spill path were both full.",
})

// UserpoolInstances is ambassador_userpool_instances{mcp}, the number of
// live per-user MCP connection instances internal/userpool.Manager holds
// for a given MCP.
var UserpoolInstances = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "ambassador_userpool_instances",
	Help: "Live per-user MCP connection instances, by MCP name.",
}, []string{"mcp"})

// RatelimitRejected is ambassador_ratelimit_rejected_total{key}, incremented
// whenever internal/ratelimit.Limiter.Allow or AllowAt refuses a key.
var RatelimitRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ambassador_ratelimit_rejected_total",
	Help: "Total requests rejected by the rate limiter, by limiter key.",
}, []string{"key"})
