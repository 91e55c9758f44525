package chat

import (
	"strings"

	"github.com/nous-labs/analyst/internal/llm"
)

// aggregate turns the final model response into an Answer. Any tool calls
// left in resp are ignored. An empty text yields NeedsFallback.
func aggregate(resp *llm.CompletionResponse, usage Usage, exhausted bool) Outcome {
	usage.add(resp)
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return &NeedsFallback{Reason: ReasonEmptyAnswer, Usage: usage}
	}
	return &Answer{
		Text:           text,
		Model:          resp.Model,
		Usage:          usage,
		ToolRoundTrips: usage.ToolRoundTrips,
		Exhausted:      exhausted,
	}
}
