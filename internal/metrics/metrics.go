package metrics

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// StreamRequests counts generation requests by api mode and outcome
	// (ok, error, cancelled).
	StreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llamachat_stream_requests_total",
			Help: "Generation requests sent to the llama backend.",
		},
		[]string{"mode", "outcome"},
	)

	StreamRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "llamachat_stream_retries_total",
			Help: "Connection-level retries of generation requests.",
		},
	)

	ToolExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llamachat_tool_executions_total",
			Help: "Tool executions by tool name and outcome (ok, error, cancelled).",
		},
		[]string{"tool", "outcome"},
	)

	ToolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llamachat_tool_duration_seconds",
			Help:    "Wall time of a single tool execution.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"tool"},
	)

	ToolQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "llamachat_tool_queue_depth",
			Help: "Tool tasks waiting in the execution queue.",
		},
	)

	// Saves counts persistence writes by target (backup, server) and outcome.
	Saves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llamachat_saves_total",
			Help: "Persistence writes by target and outcome.",
		},
		[]string{"target", "outcome"},
	)

	heapAlloc = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "llamachat_heap_alloc_bytes",
			Help: "Current heap allocation in bytes.",
		},
		func() float64 {
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			return float64(stats.HeapAlloc)
		},
	)
)

func init() {
	prometheus.MustRegister(
		StreamRequests,
		StreamRetries,
		ToolExecutions,
		ToolDuration,
		ToolQueueDepth,
		Saves,
		heapAlloc,
	)
}

// Outcome maps an error to the outcome label used above.
func Outcome(err error, cancelled bool) string {
	switch {
	case err == nil:
		return "ok"
	case cancelled:
		return "cancelled"
	default:
		return "error"
	}
}
