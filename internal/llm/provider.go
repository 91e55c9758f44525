// Package llm provides the model provider interface and the Anthropic
// implementation the analyst uses to answer questions with tools.
package llm

import "context"

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // user, assistant
	Content string `json:"content"`
}

// CompletionRequest holds parameters for an LLM completion.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
}

// Stop reasons the orchestrator branches on.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// CompletionResponse holds the LLM's response.
type CompletionResponse struct {
	Content      string     `json:"content"` // all text blocks, concatenated in order
	Model        string     `json:"model"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	StopReason   string     `json:"stop_reason"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
}

// WantsTools reports whether the response asks for tool execution.
func (r *CompletionResponse) WantsTools() bool {
	return r != nil && r.StopReason == StopToolUse && len(r.ToolCalls) > 0
}

// Provider is the interface for LLM providers.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic").
	Name() string

	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// ToolProvider is a Provider that can be offered tools. toolMessages carries
// the tool conversation that follows req.Messages.
type ToolProvider interface {
	Provider
	CompleteWithTools(ctx context.Context, req CompletionRequest, tools []ToolDefinition, toolMessages []ToolMessage) (*CompletionResponse, error)
}

// ErrNoProvider is returned when no provider is configured.
var ErrNoProvider = &ProviderError{Message: "no provider configured"}

// ProviderError represents an LLM provider error.
type ProviderError struct {
	Message    string
	StatusCode int
	Provider   string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
