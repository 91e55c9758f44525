// Package chat runs the tool-augmented conversation that answers one
// analytics question.
//
// A run sends the question, the system prompt and the tool table to the
// model; while the model asks for tools, the calls are dispatched against the
// tenant's pooled backend client and the results are fed back. The loop is
// bounded by a round-trip ceiling and a single request deadline. Any failure
// before an answer exists yields NeedsFallback instead of an error.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nous-labs/analyst/internal/llm"
	"github.com/nous-labs/analyst/internal/tools"
	"github.com/nous-labs/analyst/pkg/analysis"
	"github.com/nous-labs/analyst/pkg/credentials"
	"github.com/nous-labs/analyst/pkg/pool"
)

const (
	DefaultMaxToolTurns   = 5
	DefaultRequestTimeout = 2 * time.Minute
)

// EventFunc is a callback for publishing orchestration events.
// Parameters: event type, message.
type EventFunc func(typ, message string)

// Dispatcher executes tool calls. *tools.Registry implements it.
type Dispatcher interface {
	Definitions() []llm.ToolDefinition
	Dispatch(ctx context.Context, env tools.Env, calls []llm.ToolCall) []llm.ToolResult
}

// ClientPool hands out backend clients per credential. *pool.Pool implements it.
type ClientPool interface {
	Get(ctx context.Context, cred credentials.Credential) (*pool.Client, error)
	Remove(cred credentials.Credential) bool
}

// Config wires an Orchestrator.
type Config struct {
	Provider    llm.ToolProvider
	Tools       Dispatcher
	Credentials credentials.Store
	Pool        ClientPool

	MaxToolTurns   int
	RequestTimeout time.Duration
	Model          string
	MaxTokens      int
	Temperature    float64
	SystemPrompt   string

	OnEvent EventFunc
}

// Request is one question to answer.
type Request struct {
	ID            string
	CredentialRef string
	Message       string
	Snapshot      analysis.Snapshot
}

// Orchestrator drives chat runs. It is safe for concurrent use; all per-run
// state lives on the stack of Run.
type Orchestrator struct {
	cfg Config
}

// New validates cfg and returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Provider == nil {
		return nil, llm.ErrNoProvider
	}
	if cfg.Tools == nil {
		return nil, errors.New("chat: no tool dispatcher")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("chat: no credential store")
	}
	if cfg.Pool == nil {
		return nil, errors.New("chat: no client pool")
	}
	if cfg.MaxToolTurns <= 0 {
		cfg.MaxToolTurns = DefaultMaxToolTurns
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &Orchestrator{cfg: cfg}, nil
}

// MaxToolTurns returns the round-trip ceiling.
func (o *Orchestrator) MaxToolTurns() int {
	return o.cfg.MaxToolTurns
}

// Run answers req. It never returns nil.
func (o *Orchestrator) Run(ctx context.Context, req Request) (out Outcome) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()

	var usage Usage
	defer func() { o.finish(req, start, out) }()
	// Registered after finish so finish sees the recovered outcome.
	defer func() {
		if p := recover(); p != nil {
			slog.Error("chat run panicked", "request_id", req.ID, "panic", p)
			out = &NeedsFallback{Reason: ReasonModelCall, Err: fmt.Errorf("chat run panicked: %v", p), Usage: usage}
		}
	}()

	cred, err := o.cfg.Credentials.Resolve(ctx, req.CredentialRef)
	if err != nil {
		reason := ReasonCredentialMissing
		if !errors.Is(err, credentials.ErrCredentialMissing) {
			reason = ReasonBackendUnavailable
		}
		return o.fallback(ctx, reason, fmt.Errorf("resolve credential: %w", err), usage)
	}

	client, err := o.cfg.Pool.Get(ctx, cred)
	if err != nil {
		return o.fallback(ctx, ReasonBackendUnavailable, fmt.Errorf("backend client: %w", err), usage)
	}
	var evict sync.Once
	env := tools.Env{
		Client:   client,
		Snapshot: req.Snapshot,
		OnAuthFailure: func() {
			evict.Do(func() {
				slog.Warn("backend rejected credential, dropping pooled client",
					"request_id", req.ID, "credential", cred.Ref)
				o.cfg.Pool.Remove(cred)
			})
		},
	}

	creq := llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: req.Message}},
		System:      BuildSystemPrompt(o.cfg.SystemPrompt, req.Snapshot),
		Model:       o.cfg.Model,
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: o.cfg.Temperature,
	}
	// The full tool table is offered on every call.
	defs := o.cfg.Tools.Definitions()
	transcript := make([]llm.ToolMessage, 0, o.cfg.MaxToolTurns*2)

	for {
		resp, err := o.cfg.Provider.CompleteWithTools(ctx, creq, defs, transcript)
		usage.ModelCalls++
		if err != nil {
			return o.fallback(ctx, ReasonModelCall, fmt.Errorf("model call %d: %w", usage.ModelCalls, err), usage)
		}
		o.emit("model_call", fmt.Sprintf("request %s: model call %d stop=%s tool_calls=%d",
			req.ID, usage.ModelCalls, resp.StopReason, len(resp.ToolCalls)))

		if !resp.WantsTools() {
			return aggregate(resp, usage, false)
		}
		if usage.ToolRoundTrips >= o.cfg.MaxToolTurns {
			slog.Warn("chat tool ceiling reached",
				"request_id", req.ID,
				"round_trips", usage.ToolRoundTrips,
				"ignored_calls", len(resp.ToolCalls),
			)
			return aggregate(resp, usage, true)
		}

		usage.add(resp)
		transcript = append(transcript, llm.AssistantToolMessage(resp.Content, resp.ToolCalls))
		results := o.cfg.Tools.Dispatch(ctx, env, resp.ToolCalls)
		transcript = append(transcript, llm.ToolResultMessage(results))
		usage.ToolRoundTrips++

		failed := 0
		for _, r := range results {
			if r.IsError {
				failed++
			}
		}
		o.emit("tool_batch", fmt.Sprintf("request %s: round trip %d ran %d tools (%d failed)",
			req.ID, usage.ToolRoundTrips, len(results), failed))
	}
}

// fallback builds NeedsFallback, reporting a deadline as ReasonTimeout.
func (o *Orchestrator) fallback(ctx context.Context, reason Reason, err error, usage Usage) *NeedsFallback {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason = ReasonTimeout
	}
	return &NeedsFallback{Reason: reason, Err: err, Usage: usage}
}

func (o *Orchestrator) finish(req Request, start time.Time, out Outcome) {
	elapsed := time.Since(start)
	chatRunDuration.Observe(elapsed.Seconds())

	switch v := out.(type) {
	case *Answer:
		label := "answer"
		if v.Exhausted {
			label = "exhausted"
		}
		chatOutcomesTotal.WithLabelValues(label).Inc()
		chatRoundTrips.Observe(float64(v.ToolRoundTrips))
		slog.Info("chat run complete",
			"request_id", req.ID,
			"outcome", label,
			"round_trips", v.ToolRoundTrips,
			"model_calls", v.Usage.ModelCalls,
			"input_tokens", v.Usage.InputTokens,
			"output_tokens", v.Usage.OutputTokens,
			"duration", elapsed.Round(time.Millisecond),
		)
		o.emit("answer", fmt.Sprintf("request %s: answered after %d round trips", req.ID, v.ToolRoundTrips))
	case *NeedsFallback:
		chatOutcomesTotal.WithLabelValues(string(v.Reason)).Inc()
		chatRoundTrips.Observe(float64(v.Usage.ToolRoundTrips))
		slog.Warn("chat run needs fallback",
			"request_id", req.ID,
			"outcome", string(v.Reason),
			"round_trips", v.Usage.ToolRoundTrips,
			"input_tokens", v.Usage.InputTokens,
			"output_tokens", v.Usage.OutputTokens,
			"duration", elapsed.Round(time.Millisecond),
			"error", v.Err,
		)
		o.emit("fallback", fmt.Sprintf("request %s: %s", req.ID, v.Reason))
	}
}

func (o *Orchestrator) emit(typ, message string) {
	if o.cfg.OnEvent != nil {
		o.cfg.OnEvent(typ, message)
	}
}
