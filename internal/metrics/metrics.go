package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medconsult_turns_total",
			Help: "Completed turns by classification and outcome",
		},
		[]string{"classification", "outcome"},
	)

	InferenceLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "medconsult_inference_latency_seconds",
			Help:    "Reasoning-engine call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	InferenceRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "medconsult_inference_retries_total",
			Help: "Reasoning-engine attempts beyond the first",
		},
	)

	ToolFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medconsult_tool_failures_total",
			Help: "Tool invocations that returned a failure result",
		},
		[]string{"tool", "kind"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "medconsult_active_sessions",
			Help: "Sessions currently held by the session store",
		},
	)

	RetrievedChunks = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "medconsult_retrieved_chunks",
			Help:    "Context chunks returned per retrieval",
			Buckets: prometheus.LinearBuckets(0, 1, 11),
		},
	)
)
