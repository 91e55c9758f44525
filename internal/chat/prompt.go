package chat

import (
	"encoding/json"
	"strings"

	"github.com/nous-labs/analyst/pkg/analysis"
)

// DefaultSystemPrompt is the base instruction set for the analyst.
const DefaultSystemPrompt = `You are an email-marketing analyst. Answer the user's question about their flows and campaigns.

Use the dashboard data below first. Call tools only when you need data it does not contain, such as a specific flow or campaign report or the account profile. Use analyze_dashboard_data for rankings, campaign summaries, optimization tips and flow/campaign comparisons over the dashboard data.

Rates in the data are fractions (0.25 means 25%). Quote money with two decimals. Be concise and concrete; lead with the answer.`

// BuildSystemPrompt appends the dashboard snapshot, as compact JSON, to base.
func BuildSystemPrompt(base string, s analysis.Snapshot) string {
	if strings.TrimSpace(base) == "" {
		base = DefaultSystemPrompt
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\n")
	if s.Empty() {
		b.WriteString("No dashboard data was loaded for this conversation; use the tools to fetch what you need.")
		return b.String()
	}
	data, err := json.Marshal(s)
	if err != nil {
		b.WriteString("Dashboard data could not be encoded; use the tools to fetch what you need.")
		return b.String()
	}
	b.WriteString("Dashboard data (JSON):\n")
	b.Write(data)
	return b.String()
}
