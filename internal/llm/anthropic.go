package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-5"
	defaultMaxTokens      = 4096
)

// AnthropicConfig configures an AnthropicProvider. Zero values take defaults.
type AnthropicConfig struct {
	APIKey         string
	Model          string
	BaseURL        string        // Anthropic-compatible endpoint; empty = api.anthropic.com
	MaxRetries     int           // -1 disables SDK retries
	RequestTimeout time.Duration // per model call, bounded further by ctx
}

// AnthropicProvider implements ToolProvider for Claude and Anthropic-compatible APIs.
type AnthropicProvider struct {
	client  *anthropic.Client
	model   string
	name    string
	timeout time.Duration
}

// NewAnthropic creates a new Anthropic provider.
func NewAnthropic(cfg AnthropicConfig) *AnthropicProvider {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	switch {
	case cfg.MaxRetries < 0:
		opts = append(opts, option.WithMaxRetries(0))
	case cfg.MaxRetries > 0:
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}

	client := anthropic.NewClient(opts...)

	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}

	return &AnthropicProvider{
		client:  &client,
		model:   cfg.Model,
		name:    "anthropic",
		timeout: cfg.RequestTimeout,
	}
}

func (p *AnthropicProvider) Name() string {
	return p.name
}

// Model returns the default model id.
func (p *AnthropicProvider) Model() string {
	return p.model
}

// Complete sends a plain completion without tools.
func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return p.CompleteWithTools(ctx, req, nil, nil)
}

// CompleteWithTools sends a completion request with tool definitions.
// toolMessages contains the multi-turn tool conversation history after the initial messages.
func (p *AnthropicProvider) CompleteWithTools(ctx context.Context, req CompletionRequest, tools []ToolDefinition, toolMessages []ToolMessage) (resp *CompletionResponse, err error) {
	start := time.Now()
	defer func() { observeCall(p.name, start, resp, err) }()

	params := p.buildParams(req, tools, toolMessages)

	// Streaming keeps long tool-heavy turns alive; chunks are accumulated
	// into a single message.
	stream := p.client.Messages.NewStreaming(ctx, params,
		option.WithRequestTimeout(p.timeout),
	)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, &ProviderError{
				Message:  fmt.Sprintf("stream accumulate: %v", err),
				Provider: p.name,
				Err:      err,
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, p.wrapError(ctx, err)
	}

	resp = &CompletionResponse{
		Model:        string(message.Model),
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
		StopReason:   string(message.StopReason),
	}
	for _, block := range message.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Content += v.Text
		case anthropic.ToolUseBlock:
			input := v.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:    v.ID,
				Name:  v.Name,
				Input: append(json.RawMessage(nil), input...),
			})
		}
	}

	slog.Debug("anthropic completion",
		"model", resp.Model,
		"stop_reason", resp.StopReason,
		"tool_calls", len(resp.ToolCalls),
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return resp, nil
}

func (p *AnthropicProvider) buildParams(req CompletionRequest, tools []ToolDefinition, toolMessages []ToolMessage) anthropic.MessageNewParams {
	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case "user":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	for _, tm := range toolMessages {
		var blocks []anthropic.ContentBlockParamUnion
		for _, b := range tm.Content {
			switch b.Type {
			case BlockText:
				if b.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(b.Text))
				}
			case BlockToolUse:
				if b.ToolCall == nil {
					continue
				}
				var inputValue any = map[string]any{}
				if len(b.ToolCall.Input) > 0 {
					if err := json.Unmarshal(b.ToolCall.Input, &inputValue); err != nil {
						inputValue = map[string]any{}
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ToolCall.ID, inputValue, b.ToolCall.Name))
			case BlockToolResult:
				if b.ToolResult == nil {
					continue
				}
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolResult.ToolCallID, b.ToolResult.Content, b.ToolResult.IsError))
			}
		}

		if len(blocks) == 0 {
			continue
		}

		switch tm.Role {
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		case "user":
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		}
	}

	anthropicTools := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{Properties: map[string]any{}}
		if t.InputSchema != nil {
			if props, ok := schemaMap(t.InputSchema)["properties"].(map[string]any); ok {
				schema.Properties = props
			}
			schema.Required = t.InputSchema.Required
		}
		anthropicTools = append(anthropicTools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: schema,
			},
		})
	}

	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if len(anthropicTools) > 0 {
		params.Tools = anthropicTools
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}

// wrapError converts SDK and transport errors into a *ProviderError that keeps
// the cause reachable through errors.Is / errors.As.
func (p *AnthropicProvider) wrapError(ctx context.Context, err error) error {
	pe := &ProviderError{Message: err.Error(), Provider: p.name, Err: err}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe.StatusCode = apiErr.StatusCode
	}
	// The SDK sometimes reports a cancelled request without wrapping ctx.Err().
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		pe.Err = errors.Join(err, ctxErr)
	}
	return pe
}
