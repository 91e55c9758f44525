package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/analyst/internal/llm"
	"github.com/nous-labs/analyst/internal/tools"
	"github.com/nous-labs/analyst/pkg/analysis"
	"github.com/nous-labs/analyst/pkg/backend"
	"github.com/nous-labs/analyst/pkg/credentials"
	"github.com/nous-labs/analyst/pkg/pool"
)

type providerCall struct {
	req        llm.CompletionRequest
	tools      []llm.ToolDefinition
	transcript []llm.ToolMessage
}

// scriptedProvider returns responses in order, repeating the last one.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*llm.CompletionResponse
	failOn    int // 1-based call number that fails; 0 = never
	panicOn   int // 1-based call number that panics; 0 = never
	err       error
	block     bool
	calls     []providerCall
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return p.CompleteWithTools(ctx, req, nil, nil)
}

func (p *scriptedProvider) CompleteWithTools(ctx context.Context, req llm.CompletionRequest, defs []llm.ToolDefinition, transcript []llm.ToolMessage) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, providerCall{
		req:        req,
		tools:      defs,
		transcript: append([]llm.ToolMessage(nil), transcript...),
	})
	n := len(p.calls)
	p.mu.Unlock()

	if p.block {
		<-ctx.Done()
		return nil, &llm.ProviderError{Message: ctx.Err().Error(), Provider: "scripted", Err: ctx.Err()}
	}
	if p.panicOn == n {
		panic("decode stream: unexpected event")
	}
	if p.failOn == n {
		return nil, &llm.ProviderError{Message: "overloaded", StatusCode: 529, Provider: "scripted", Err: p.err}
	}
	i := min(n-1, len(p.responses)-1)
	return p.responses[i], nil
}

func toolUse(text string, calls ...llm.ToolCall) *llm.CompletionResponse {
	return &llm.CompletionResponse{
		Content:      text,
		StopReason:   llm.StopToolUse,
		ToolCalls:    calls,
		InputTokens:  100,
		OutputTokens: 10,
	}
}

func endTurn(text string) *llm.CompletionResponse {
	return &llm.CompletionResponse{Content: text, StopReason: llm.StopEndTurn, InputTokens: 200, OutputTokens: 50, Model: "claude-test"}
}

func tc(id, name, input string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Input: json.RawMessage(input)}
}

type stubBackend struct {
	flowsErr error
}

func (s stubBackend) GetFlows(context.Context) ([]backend.Flow, error) {
	if s.flowsErr != nil {
		return nil, s.flowsErr
	}
	return []backend.Flow{{ID: "F1", Name: "Welcome"}}, nil
}

func (stubBackend) GetFlowReport(_ context.Context, id string) (*backend.Report, error) {
	return &backend.Report{SubjectType: "flow", SubjectID: id}, nil
}

func (stubBackend) GetCampaigns(context.Context) ([]backend.Campaign, error) { return nil, nil }

func (stubBackend) GetCampaignReport(_ context.Context, id string) (*backend.Report, error) {
	return &backend.Report{SubjectType: "campaign", SubjectID: id}, nil
}

func (stubBackend) GetAccountDetails(context.Context) (*backend.Account, error) {
	return &backend.Account{ID: "A1", OrganizationName: "Acme"}, nil
}

type harness struct {
	orch     *Orchestrator
	provider *scriptedProvider
	events   *[]string
}

func newHarness(t *testing.T, p *scriptedProvider, mutate func(*Config)) harness {
	t.Helper()
	var mu sync.Mutex
	events := []string{}
	cfg := Config{
		Provider:    p,
		Tools:       tools.NewAnalyticsRegistry(tools.Options{}),
		Credentials: credentials.Static{"acme": "pk_acme"},
		Pool: pool.New(func(string) (backend.Client, error) {
			return stubBackend{}, nil
		}, pool.Options{}),
		OnEvent: func(typ, _ string) {
			mu.Lock()
			events = append(events, typ)
			mu.Unlock()
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := New(cfg)
	require.NoError(t, err)
	return harness{orch: o, provider: p, events: &events}
}

func request(msg string) Request {
	return Request{
		ID:            "req-1",
		CredentialRef: "acme",
		Message:       msg,
		Snapshot: analysis.Snapshot{Flows: []analysis.Flow{
			{FlowID: "A", FlowName: "A", Revenue: 100},
			{FlowID: "B", FlowName: "B", Revenue: 500},
		}},
	}
}

func TestRunWithoutToolsMakesOneModelCall(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.CompletionResponse{endTurn("  B leads with $500.  ")}}
	h := newHarness(t, p, nil)

	out := h.orch.Run(context.Background(), request("top flows?"))
	ans, ok := out.(*Answer)
	require.True(t, ok, "got %#v", out)

	assert.Equal(t, "B leads with $500.", ans.Text)
	assert.Equal(t, 0, ans.ToolRoundTrips)
	assert.False(t, ans.Exhausted)
	assert.Equal(t, Usage{InputTokens: 200, OutputTokens: 50, ModelCalls: 1}, ans.Usage)
	require.Len(t, p.calls, 1)

	first := p.calls[0]
	assert.Len(t, first.tools, 6)
	assert.Empty(t, first.transcript)
	require.Len(t, first.req.Messages, 1)
	assert.Equal(t, "user", first.req.Messages[0].Role)
	assert.Equal(t, "top flows?", first.req.Messages[0].Content)
	assert.Contains(t, first.req.System, `"flow_name":"B"`)
	assert.Contains(t, *h.events, "answer")
}

func TestRunToolRoundTripBuildsTranscript(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.CompletionResponse{
		toolUse("Checking.", tc("a", tools.GetFlows, `{}`), tc("b", tools.GetAccountDetails, `{}`)),
		endTurn("Welcome is your only flow."),
	}}
	h := newHarness(t, p, nil)

	out := h.orch.Run(context.Background(), request("what flows do I have?"))
	ans, ok := out.(*Answer)
	require.True(t, ok, "got %#v", out)
	assert.Equal(t, 1, ans.ToolRoundTrips)
	assert.Equal(t, Usage{InputTokens: 300, OutputTokens: 60, ToolRoundTrips: 1, ModelCalls: 2}, ans.Usage)

	require.Len(t, p.calls, 2)
	assert.Len(t, p.calls[1].tools, 6, "full tool table is resent")

	tr := p.calls[1].transcript
	require.Len(t, tr, 2)
	assert.Equal(t, "assistant", tr[0].Role)
	require.Len(t, tr[0].Content, 3)
	assert.Equal(t, llm.BlockText, tr[0].Content[0].Type)
	assert.Equal(t, "a", tr[0].Content[1].ToolCall.ID)
	assert.Equal(t, "b", tr[0].Content[2].ToolCall.ID)

	assert.Equal(t, "user", tr[1].Role)
	require.Len(t, tr[1].Content, 2)
	assert.Equal(t, "a", tr[1].Content[0].ToolResult.ToolCallID)
	assert.Equal(t, "b", tr[1].Content[1].ToolResult.ToolCallID)
	assert.Contains(t, tr[1].Content[0].ToolResult.Content, "Welcome")
	assert.Contains(t, tr[1].Content[1].ToolResult.Content, "Acme")
	assert.Contains(t, *h.events, "tool_batch")
}

func TestRunStopsAtCeiling(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.CompletionResponse{
		toolUse("Still looking.", tc("x", tools.GetFlows, `{}`)),
	}}
	h := newHarness(t, p, nil)

	out := h.orch.Run(context.Background(), request("dig forever"))
	ans, ok := out.(*Answer)
	require.True(t, ok, "got %#v", out)
	assert.True(t, ans.Exhausted)
	assert.Equal(t, DefaultMaxToolTurns, ans.ToolRoundTrips)
	assert.Equal(t, DefaultMaxToolTurns+1, ans.Usage.ModelCalls)
	assert.Equal(t, "Still looking.", ans.Text)
	assert.Len(t, p.calls, DefaultMaxToolTurns+1)
	assert.Len(t, p.calls[DefaultMaxToolTurns].transcript, 2*DefaultMaxToolTurns)
}

func TestRunCeilingIsConfigurable(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.CompletionResponse{toolUse("", tc("x", tools.GetFlows, `{}`))}}
	h := newHarness(t, p, func(c *Config) { c.MaxToolTurns = 2 })

	out := h.orch.Run(context.Background(), request("dig"))
	fb, ok := out.(*NeedsFallback)
	require.True(t, ok, "empty text at the ceiling needs the fallback, got %#v", out)
	assert.Equal(t, ReasonEmptyAnswer, fb.Reason)
	assert.Equal(t, 2, fb.Usage.ToolRoundTrips)
	assert.Len(t, p.calls, 3)
}

func TestRunFirstToolFailureContinues(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.CompletionResponse{
		toolUse("", tc("first", tools.GetFlows, `{}`), tc("second", tools.GetFlowReport, `{"flow_id":"F1"}`)),
		endTurn("Flow report loaded; the flow list is unavailable."),
	}}
	h := newHarness(t, p, func(c *Config) {
		c.Pool = pool.New(func(string) (backend.Client, error) {
			return stubBackend{flowsErr: errors.New("backend 503")}, nil
		}, pool.Options{})
	})

	out := h.orch.Run(context.Background(), request("flows?"))
	require.IsType(t, &Answer{}, out)

	results := p.calls[1].transcript[1].Content
	require.Len(t, results, 2)
	assert.Equal(t, "first", results[0].ToolResult.ToolCallID)
	assert.True(t, results[0].ToolResult.IsError)
	assert.Contains(t, results[0].ToolResult.Content, "ToolExecutionError")
	assert.Equal(t, "second", results[1].ToolResult.ToolCallID)
	assert.False(t, results[1].ToolResult.IsError)
}

func TestRunModelErrorNeedsFallback(t *testing.T) {
	cause := errors.New("upstream overloaded")
	p := &scriptedProvider{
		responses: []*llm.CompletionResponse{toolUse("", tc("a", tools.GetFlows, `{}`))},
		failOn:    2,
		err:       cause,
	}
	h := newHarness(t, p, nil)

	out := h.orch.Run(context.Background(), request("top flows"))
	fb, ok := out.(*NeedsFallback)
	require.True(t, ok, "got %#v", out)
	assert.Equal(t, ReasonModelCall, fb.Reason)
	assert.ErrorIs(t, fb, cause)
	var pe *llm.ProviderError
	assert.True(t, errors.As(fb, &pe))
	assert.Equal(t, 2, fb.Usage.ModelCalls)
	assert.Equal(t, 1, fb.Usage.ToolRoundTrips)
	assert.Contains(t, *h.events, "fallback")
}

func TestRunRecoversProviderPanic(t *testing.T) {
	p := &scriptedProvider{
		responses: []*llm.CompletionResponse{toolUse("", tc("a", tools.GetFlows, `{}`))},
		panicOn:   2,
	}
	h := newHarness(t, p, nil)

	out := h.orch.Run(context.Background(), request("top flows"))
	fb, ok := out.(*NeedsFallback)
	require.True(t, ok, "got %#v", out)
	assert.Equal(t, ReasonModelCall, fb.Reason)
	assert.ErrorContains(t, fb, "decode stream: unexpected event")
	assert.Equal(t, 1, fb.Usage.ToolRoundTrips)
	assert.Contains(t, *h.events, "fallback")
}

func TestRunDropsClientRejectedByBackend(t *testing.T) {
	var built atomic.Int32
	p := &scriptedProvider{responses: []*llm.CompletionResponse{
		toolUse("", tc("a", tools.GetFlows, `{}`)),
		endTurn("Your key was rejected."),
	}}
	pl := pool.New(func(string) (backend.Client, error) {
		built.Add(1)
		return stubBackend{flowsErr: &backend.APIError{StatusCode: 401, Method: "GET", Path: "/api/flows"}}, nil
	}, pool.Options{})
	h := newHarness(t, p, func(c *Config) { c.Pool = pl })

	out := h.orch.Run(context.Background(), request("what flows do I have?"))
	_, ok := out.(*Answer)
	require.True(t, ok, "got %#v", out)
	assert.Equal(t, 0, pl.Len())

	h.orch.Run(context.Background(), request("again"))
	assert.Equal(t, int32(2), built.Load(), "next request builds a fresh client")
}

func TestRunCredentialMissing(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.CompletionResponse{endTurn("never")}}
	h := newHarness(t, p, nil)

	req := request("top flows")
	req.CredentialRef = "unknown-tenant"
	out := h.orch.Run(context.Background(), req)
	fb, ok := out.(*NeedsFallback)
	require.True(t, ok)
	assert.Equal(t, ReasonCredentialMissing, fb.Reason)
	assert.ErrorIs(t, fb, credentials.ErrCredentialMissing)
	assert.Empty(t, p.calls)
}

func TestRunBackendUnavailable(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.CompletionResponse{endTurn("never")}}
	h := newHarness(t, p, func(c *Config) {
		c.Pool = pool.New(func(string) (backend.Client, error) {
			return nil, errors.New("bad secret")
		}, pool.Options{})
	})

	out := h.orch.Run(context.Background(), request("top flows"))
	fb, ok := out.(*NeedsFallback)
	require.True(t, ok)
	assert.Equal(t, ReasonBackendUnavailable, fb.Reason)
	assert.Empty(t, p.calls)
}

func TestRunTimeout(t *testing.T) {
	p := &scriptedProvider{block: true}
	h := newHarness(t, p, func(c *Config) { c.RequestTimeout = 30 * time.Millisecond })

	start := time.Now()
	out := h.orch.Run(context.Background(), request("top flows"))
	assert.Less(t, time.Since(start), 2*time.Second)
	fb, ok := out.(*NeedsFallback)
	require.True(t, ok)
	assert.Equal(t, ReasonTimeout, fb.Reason)
	assert.ErrorIs(t, fb, context.DeadlineExceeded)
}

func TestRunEmptyAnswer(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.CompletionResponse{endTurn("   ")}}
	h := newHarness(t, p, nil)

	out := h.orch.Run(context.Background(), request("hello"))
	fb, ok := out.(*NeedsFallback)
	require.True(t, ok)
	assert.Equal(t, ReasonEmptyAnswer, fb.Reason)
	assert.Equal(t, 1, fb.Usage.ModelCalls)
}

func TestRunIsSafeForConcurrentUse(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.CompletionResponse{endTurn("fine")}}
	h := newHarness(t, p, nil)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.IsType(t, &Answer{}, h.orch.Run(context.Background(), request("hi")))
		}()
	}
	wg.Wait()
	assert.Len(t, p.calls, 8)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, llm.ErrNoProvider)

	_, err = New(Config{Provider: &scriptedProvider{}})
	assert.ErrorContains(t, err, "dispatcher")

	o, err := New(Config{
		Provider:    &scriptedProvider{},
		Tools:       tools.NewAnalyticsRegistry(tools.Options{}),
		Credentials: credentials.Static{},
		Pool:        pool.New(nil, pool.Options{}),
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxToolTurns, o.MaxToolTurns())
}

func TestBuildSystemPrompt(t *testing.T) {
	empty := BuildSystemPrompt("", analysis.Snapshot{})
	assert.True(t, strings.HasPrefix(empty, DefaultSystemPrompt))
	assert.Contains(t, empty, "No dashboard data")

	custom := BuildSystemPrompt("Be terse.", request("").Snapshot)
	assert.True(t, strings.HasPrefix(custom, "Be terse."))
	assert.Contains(t, custom, `"flow_id":"A"`)
}
