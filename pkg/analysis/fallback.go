package analysis

import (
	"fmt"
	"strings"
	"unicode"
)

// SupportedQueries is returned when a question matches no fallback rule.
const SupportedQueries = `I couldn't reach the AI assistant, but I can still answer a few questions from your dashboard data:
- Top or best performing flows ("What are my top flows?")
- Campaign performance ("How are my campaigns performing?")
- Revenue totals ("What is my total revenue?")
- Optimization tips ("How can I improve my flows?")
- Flows vs campaigns ("Compare flows vs campaigns")`

// fallbackRule pairs a question matcher with the answer it produces.
type fallbackRule struct {
	name   string
	match  func(words []string) bool
	answer func(s Snapshot) string
}

// Terms ending in "*" match word prefixes; other terms match a whole word or
// its plural.
var fallbackRules = []fallbackRule{
	{
		name:   "top_flows",
		match:  func(w []string) bool { return hasWord(w, "flow*") && hasWord(w, "top", "best", "perform*") },
		answer: answerTopFlows,
	},
	{
		name:   "campaign_performance",
		match:  func(w []string) bool { return hasWord(w, "campaign*") && hasWord(w, "top", "best", "perform*") },
		answer: answerCampaigns,
	},
	{
		name:   "revenue",
		match:  func(w []string) bool { return hasWord(w, "revenue*", "total") },
		answer: answerRevenue,
	},
	{
		name:   "optimization_tips",
		match:  func(w []string) bool { return hasWord(w, "improv*", "optimi*", "tip", "recommend*") },
		answer: answerTips,
	},
	{
		name:   "comparison",
		match:  func(w []string) bool { return hasWord(w, "compar*", "vs", "versus") },
		answer: answerComparison,
	},
}

// Fallback answers a question from the snapshot alone, without a model.
// The answer is never empty. rule names the matched rule, or is "" when the
// generic help text was returned.
func Fallback(question string, s Snapshot) (answer, rule string) {
	words := questionWords(question)
	for _, r := range fallbackRules {
		if r.match(words) {
			return r.answer(s), r.name
		}
	}
	return SupportedQueries, ""
}

func answerTopFlows(s Snapshot) string {
	ranked := TopFlows(s, defaultTopN)
	if len(ranked) == 0 {
		return "There is no flow data in your dashboard yet, so I can't rank your flows."
	}
	var b strings.Builder
	b.WriteString("Your top flows by revenue:\n")
	for _, r := range ranked {
		f := r.Flow
		fmt.Fprintf(&b, "%d. %s: %s revenue", r.Rank, displayName(f.FlowName, f.FlowID, "flow"), money(f.Revenue))
		if f.OpenRate > 0 {
			fmt.Fprintf(&b, ", %s open rate", percent(f.OpenRate))
		}
		if f.ClickRate > 0 {
			fmt.Fprintf(&b, ", %s click rate", percent(f.ClickRate))
		}
		if f.Recipients > 0 {
			fmt.Fprintf(&b, ", %s recipients", count(f.Recipients))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Total flow revenue across %d flows: %s.", len(s.Flows), money(s.TotalFlowRevenue()))
	return b.String()
}

func answerCampaigns(s Snapshot) string {
	summary := SummarizeCampaigns(s, defaultTopN)
	if summary.Count == 0 {
		return "There is no campaign data in your dashboard yet, so I can't report on campaign performance."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Across %d campaigns you earned %s (average %s per campaign).\n",
		summary.Count, money(summary.TotalRevenue), money(summary.AverageRevenue))
	fmt.Fprintf(&b, "Average open rate %s, click rate %s, conversion rate %s.\n",
		percent(summary.AverageOpenRate), percent(summary.AverageClickRate), percent(summary.AverageConversionRate))
	b.WriteString("Top campaigns by revenue:\n")
	for i, c := range summary.Top {
		fmt.Fprintf(&b, "%d. %s: %s", i+1, displayName(c.CampaignName, c.CampaignID, "campaign"), money(c.Revenue))
		if c.SendDate != "" {
			fmt.Fprintf(&b, " (sent %s)", c.SendDate)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func answerRevenue(s Snapshot) string {
	if s.Empty() {
		return "There is no revenue data in your dashboard yet."
	}
	c := Compare(s)
	return fmt.Sprintf("Total attributed revenue is %s: %s from %d flows and %s from %d campaigns.",
		money(c.FlowRevenue+c.CampaignRevenue),
		money(c.FlowRevenue), c.FlowCount,
		money(c.CampaignRevenue), c.CampaignCount)
}

func answerTips(s Snapshot) string {
	tips := OptimizationTips(s)
	var b strings.Builder
	b.WriteString("Optimization suggestions from your dashboard data:\n")
	for _, t := range tips {
		b.WriteString("- ")
		b.WriteString(t)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func answerComparison(s Snapshot) string {
	if s.Empty() {
		return "There is no flow or campaign data in your dashboard yet, so there is nothing to compare."
	}
	c := Compare(s)
	return fmt.Sprintf("Flows: %s from %d flows (%s of revenue, %s average per flow).\nCampaigns: %s from %d campaigns (%s of revenue, %s average per campaign).",
		money(c.FlowRevenue), c.FlowCount, percent(c.FlowShare), money(c.AvgFlowRevenue),
		money(c.CampaignRevenue), c.CampaignCount, percent(c.CampaignShare), money(c.AvgCampRevenue))
}

// questionWords lower-cases q and splits it into letter and digit runs.
func questionWords(q string) []string {
	return strings.FieldsFunc(strings.ToLower(q), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func hasWord(words []string, terms ...string) bool {
	for _, w := range words {
		for _, t := range terms {
			if prefix, ok := strings.CutSuffix(t, "*"); ok {
				if strings.HasPrefix(w, prefix) {
					return true
				}
				continue
			}
			if w == t || w == t+"s" {
				return true
			}
		}
	}
	return false
}
