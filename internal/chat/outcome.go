package chat

import "github.com/nous-labs/analyst/internal/llm"

// Outcome is the result of one orchestration run: *Answer or *NeedsFallback.
type Outcome interface {
	outcome()
}

// Usage accumulates model usage over every call of one request.
type Usage struct {
	InputTokens    int `json:"input_tokens"`
	OutputTokens   int `json:"output_tokens"`
	ToolRoundTrips int `json:"tool_round_trips"`
	ModelCalls     int `json:"model_calls"`
}

func (u *Usage) add(resp *llm.CompletionResponse) {
	if resp == nil {
		return
	}
	u.InputTokens += resp.InputTokens
	u.OutputTokens += resp.OutputTokens
}

// Answer is a model-produced answer.
type Answer struct {
	Text           string
	Model          string
	Usage          Usage
	ToolRoundTrips int
	// Exhausted is set when the tool round-trip ceiling ended the loop and the
	// text is whatever the model said alongside its last unresolved tool calls.
	Exhausted bool
}

func (*Answer) outcome() {}

// Reason says why a run could not produce a model answer.
type Reason string

const (
	ReasonCredentialMissing  Reason = "credential_missing"
	ReasonBackendUnavailable Reason = "backend_unavailable"
	ReasonModelCall          Reason = "model_call"
	ReasonTimeout            Reason = "timeout"
	ReasonEmptyAnswer        Reason = "empty_answer"
)

// NeedsFallback means the caller should answer with the fallback analyzer.
type NeedsFallback struct {
	Reason Reason
	Err    error
	Usage  Usage
}

func (*NeedsFallback) outcome() {}

func (f *NeedsFallback) Error() string {
	if f.Err == nil {
		return string(f.Reason)
	}
	return string(f.Reason) + ": " + f.Err.Error()
}

func (f *NeedsFallback) Unwrap() error {
	return f.Err
}
