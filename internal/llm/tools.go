package llm

import (
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"
)

// ToolDefinition describes a tool the LLM can call. InputSchema is always an
// object schema.
type ToolDefinition struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	InputSchema *jsonschema.Schema `json:"input_schema"`
}

// ToolCall represents the LLM requesting a tool execution.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the result of executing a tool.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// Block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

type ContentBlock struct {
	Type       string      `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

type ToolMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// AssistantToolMessage is the assistant turn that requested calls: its text,
// if any, followed by one tool_use block per call.
func AssistantToolMessage(text string, calls []ToolCall) ToolMessage {
	blocks := make([]ContentBlock, 0, len(calls)+1)
	if text != "" {
		blocks = append(blocks, ContentBlock{Type: BlockText, Text: text})
	}
	for _, tc := range calls {
		copyCall := tc
		blocks = append(blocks, ContentBlock{Type: BlockToolUse, ToolCall: &copyCall})
	}
	return ToolMessage{Role: "assistant", Content: blocks}
}

// ToolResultMessage is the user turn carrying every result of a batch, in order.
func ToolResultMessage(results []ToolResult) ToolMessage {
	blocks := make([]ContentBlock, 0, len(results))
	for _, r := range results {
		copyResult := r
		blocks = append(blocks, ContentBlock{Type: BlockToolResult, ToolResult: &copyResult})
	}
	return ToolMessage{Role: "user", Content: blocks}
}

// schemaMap renders a schema as a generic JSON map for wire formats that take
// untyped objects.
func schemaMap(s *jsonschema.Schema) map[string]any {
	out := map[string]any{}
	if s == nil {
		return out
	}
	data, err := json.Marshal(s)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(data, &out)
	return out
}
