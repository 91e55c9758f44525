package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chatOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "analyst",
		Subsystem: "chat",
		Name:      "outcomes_total",
		Help:      "Chat runs by outcome (answer, exhausted, or the fallback reason).",
	}, []string{"outcome"})

	chatRoundTrips = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "analyst",
		Subsystem: "chat",
		Name:      "tool_round_trips",
		Help:      "Tool round trips per chat run.",
		Buckets:   []float64{0, 1, 2, 3, 4, 5},
	})

	chatRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "analyst",
		Subsystem: "chat",
		Name:      "run_duration_seconds",
		Help:      "Wall time of a chat run in seconds.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	})
)
