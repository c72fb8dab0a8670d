// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plantly_ws_connections",
		Help: "Live WebSocket connections bound to a thread.",
	})

	Rooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plantly_rooms",
		Help: "Threads with at least one live connection.",
	})

	Broadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plantly_broadcasts_total",
		Help: "Broadcast calls issued to rooms.",
	})

	BroadcastFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plantly_broadcast_failures_total",
		Help: "Deliveries that failed and caused the handle to be unregistered.",
	})

	LLMDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "plantly_llm_request_duration_seconds",
		Help:    "Language model request latency.",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
	}, []string{"provider", "op", "outcome"})

	MemorySummaries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plantly_memory_summaries_total",
		Help: "Memory summarization attempts by outcome.",
	}, []string{"outcome"})

	InferenceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "plantly_inference_duration_seconds",
		Help:    "Classifier round-trip latency.",
		Buckets: prometheus.DefBuckets,
	})
)

// ObserveLLM records one language model call. op is "json" or "text".
func ObserveLLM(provider, op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	LLMDuration.WithLabelValues(provider, op, outcome).Observe(time.Since(start).Seconds())
}
