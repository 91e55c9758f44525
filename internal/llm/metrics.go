package llm

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	modelCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "analyst",
			Subsystem: "llm",
			Name:      "call_duration_seconds",
			Help:      "Duration of model calls in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "status"},
	)

	modelCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "analyst",
			Subsystem: "llm",
			Name:      "calls_total",
			Help:      "Total model calls by status.",
		},
		[]string{"provider", "status"},
	)

	modelErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "analyst",
			Subsystem: "llm",
			Name:      "errors_total",
			Help:      "Model call errors by type.",
		},
		[]string{"provider", "error_type"},
	)

	modelTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "analyst",
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Tokens consumed by direction (input, output).",
		},
		[]string{"provider", "direction"},
	)
)

// observeCall records one model call.
func observeCall(provider string, start time.Time, resp *CompletionResponse, err error) {
	status := "success"
	if err != nil {
		status = "error"
		modelErrorsTotal.WithLabelValues(provider, classifyError(err)).Inc()
	}
	modelCallDuration.WithLabelValues(provider, status).Observe(time.Since(start).Seconds())
	modelCallsTotal.WithLabelValues(provider, status).Inc()
	if resp != nil {
		modelTokensTotal.WithLabelValues(provider, "input").Add(float64(resp.InputTokens))
		modelTokensTotal.WithLabelValues(provider, "output").Add(float64(resp.OutputTokens))
	}
}

// classifyError maps an error to a label-safe error type.
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		switch {
		case pe.StatusCode == http.StatusUnauthorized || pe.StatusCode == http.StatusForbidden:
			return "auth"
		case pe.StatusCode == http.StatusTooManyRequests:
			return "rate_limit"
		case pe.StatusCode >= 500:
			return "server"
		case pe.StatusCode >= 400:
			return "client"
		}
	}
	return "unknown"
}
