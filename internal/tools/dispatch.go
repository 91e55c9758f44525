package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/nous-labs/analyst/internal/llm"
	"github.com/nous-labs/analyst/pkg/backend"
)

// ErrorType classifies a failed tool result.
type ErrorType string

const (
	ErrUnknownTool   ErrorType = "UnknownTool"
	ErrInvalidInput  ErrorType = "InvalidInput"
	ErrToolExecution ErrorType = "ToolExecutionError"
)

// ErrorPayload is the JSON body of an error result.
type ErrorPayload struct {
	Error string    `json:"error"`
	Type  ErrorType `json:"type"`
}

var (
	toolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "analyst",
		Subsystem: "tools",
		Name:      "calls_total",
		Help:      "Tool calls by tool and status.",
	}, []string{"tool", "status"})

	toolCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "analyst",
		Subsystem: "tools",
		Name:      "call_duration_seconds",
		Help:      "Tool call duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"tool"})
)

// Dispatch executes every call of one model turn concurrently and returns one
// result per call, in request order, each carrying its call's id. Failures of
// any kind become error results; none aborts the batch.
func (r *Registry) Dispatch(ctx context.Context, env Env, calls []llm.ToolCall) []llm.ToolResult {
	results := make([]llm.ToolResult, len(calls))
	if len(calls) == 0 {
		return results
	}

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = r.Execute(ctx, env, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Execute runs a single call.
func (r *Registry) Execute(ctx context.Context, env Env, call llm.ToolCall) (result llm.ToolResult) {
	start := time.Now()
	result = llm.ToolResult{ToolCallID: call.ID}
	defer func() {
		status := "ok"
		if result.IsError {
			status = "error"
		}
		toolCallsTotal.WithLabelValues(metricName(r, call.Name), status).Inc()
		toolCallDuration.WithLabelValues(metricName(r, call.Name)).Observe(time.Since(start).Seconds())
		slog.Info("chat tool call",
			"tool", call.Name,
			"id", call.ID,
			"duration", time.Since(start).Round(time.Millisecond),
			"is_error", result.IsError,
		)
	}()

	reg, ok := r.lookup(call.Name)
	if !ok {
		return errorResult(call.ID, ErrUnknownTool, fmt.Sprintf("unknown tool: %s", call.Name))
	}

	input, err := decodeInput(call.Input)
	if err != nil {
		return errorResult(call.ID, ErrInvalidInput, err.Error())
	}
	if err := reg.resolved.Validate(input); err != nil {
		return errorResult(call.ID, ErrInvalidInput, err.Error())
	}

	timeout := r.timeout
	if reg.tool.Timeout > 0 {
		timeout = reg.tool.Timeout
	}
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := run(toolCtx, reg.tool, env, input)
	if err != nil {
		if env.OnAuthFailure != nil && backend.IsAuthFailure(err) {
			env.OnAuthFailure()
		}
		return errorResult(call.ID, ErrToolExecution, err.Error())
	}

	data, err := json.Marshal(out)
	if err != nil {
		return errorResult(call.ID, ErrToolExecution, fmt.Sprintf("encode result: %v", err))
	}
	result.Content = string(data)
	return result
}

// run calls the executor, turning a panic into an error.
func run(ctx context.Context, t Tool, env Env, input map[string]any) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("tool panicked", "tool", t.Name, "panic", p)
			out, err = nil, fmt.Errorf("tool %s panicked: %v", t.Name, p)
		}
	}()
	return t.Run(ctx, env, input)
}

func decodeInput(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("parse tool input: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tool input must be a JSON object, got %T", v)
	}
	return m, nil
}

func errorResult(id string, typ ErrorType, msg string) llm.ToolResult {
	data, _ := json.Marshal(ErrorPayload{Error: msg, Type: typ})
	return llm.ToolResult{ToolCallID: id, Content: string(data), IsError: true}
}

// metricName keeps label cardinality bounded to registered tools.
func metricName(r *Registry, name string) string {
	if _, ok := r.lookup(name); ok {
		return name
	}
	return "unknown"
}
