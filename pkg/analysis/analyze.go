package analysis

import (
	"fmt"
	"sort"
	"strings"
)

// Kind selects one of the local analyses.
type Kind string

const (
	KindTopFlows            Kind = "top_flows"
	KindCampaignPerformance Kind = "campaign_performance"
	KindOptimizationTips    Kind = "optimization_tips"
	KindComparison          Kind = "comparison"
)

// Kinds lists every supported analysis in declaration order.
// The analyze_dashboard_data tool schema enumerates exactly these.
var Kinds = []Kind{KindTopFlows, KindCampaignPerformance, KindOptimizationTips, KindComparison}

const (
	// defaultTopN caps ranked lists.
	defaultTopN = 5

	lowOpenRate       = 0.20
	lowClickRate      = 0.02
	lowConversionRate = 0.01
)

// Report is the structured result of Analyze. Only the section matching Type is set.
type Report struct {
	Type       Kind             `json:"analysis_type"`
	TopFlows   []RankedFlow     `json:"top_flows,omitempty"`
	Campaigns  *CampaignSummary `json:"campaign_performance,omitempty"`
	Tips       []string         `json:"optimization_tips,omitempty"`
	Comparison *Comparison      `json:"comparison,omitempty"`
	Note       string           `json:"note,omitempty"`
}

// RankedFlow is a flow with its 1-based revenue rank and share of flow revenue.
type RankedFlow struct {
	Rank         int     `json:"rank"`
	Flow         Flow    `json:"flow"`
	RevenueShare float64 `json:"revenue_share"`
}

// CampaignSummary aggregates campaign performance. Averages are zero when
// there are no campaigns.
type CampaignSummary struct {
	Count                 int        `json:"count"`
	TotalRevenue          float64    `json:"total_revenue"`
	AverageRevenue        float64    `json:"average_revenue"`
	AverageOpenRate       float64    `json:"average_open_rate"`
	AverageClickRate      float64    `json:"average_click_rate"`
	AverageConversionRate float64    `json:"average_conversion_rate"`
	Top                   []Campaign `json:"top,omitempty"`
}

// Comparison contrasts automated flow revenue with campaign revenue.
type Comparison struct {
	FlowCount       int     `json:"flow_count"`
	CampaignCount   int     `json:"campaign_count"`
	FlowRevenue     float64 `json:"flow_revenue"`
	CampaignRevenue float64 `json:"campaign_revenue"`
	FlowShare       float64 `json:"flow_share"`
	CampaignShare   float64 `json:"campaign_share"`
	AvgFlowRevenue  float64 `json:"avg_flow_revenue"`
	AvgCampRevenue  float64 `json:"avg_campaign_revenue"`
}

// ParseKind validates an analysis type name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.TrimSpace(strings.ToLower(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unsupported analysis_type %q", s)
}

// Analyze runs one analysis over the snapshot.
func Analyze(kind Kind, s Snapshot) (*Report, error) {
	r := &Report{Type: kind}
	switch kind {
	case KindTopFlows:
		r.TopFlows = TopFlows(s, defaultTopN)
		if len(r.TopFlows) == 0 {
			r.Note = "no flow data in the dashboard context"
		}
	case KindCampaignPerformance:
		summary := SummarizeCampaigns(s, defaultTopN)
		r.Campaigns = &summary
		if summary.Count == 0 {
			r.Note = "no campaign data in the dashboard context"
		}
	case KindOptimizationTips:
		r.Tips = OptimizationTips(s)
	case KindComparison:
		c := Compare(s)
		r.Comparison = &c
	default:
		return nil, fmt.Errorf("unsupported analysis_type %q", kind)
	}
	return r, nil
}

// TopFlows ranks flows by revenue, highest first. Ties keep name order.
// n <= 0 returns every flow.
func TopFlows(s Snapshot, n int) []RankedFlow {
	if len(s.Flows) == 0 {
		return nil
	}
	flows := make([]Flow, len(s.Flows))
	copy(flows, s.Flows)
	sort.SliceStable(flows, func(i, j int) bool {
		if flows[i].Revenue != flows[j].Revenue {
			return flows[i].Revenue > flows[j].Revenue
		}
		return flows[i].FlowName < flows[j].FlowName
	})
	if n > 0 && len(flows) > n {
		flows = flows[:n]
	}

	total := s.TotalFlowRevenue()
	ranked := make([]RankedFlow, len(flows))
	for i, f := range flows {
		ranked[i] = RankedFlow{Rank: i + 1, Flow: f, RevenueShare: ratio(f.Revenue, total)}
	}
	return ranked
}

// RankCampaigns orders campaigns by revenue, highest first.
func RankCampaigns(s Snapshot, n int) []Campaign {
	if len(s.Campaigns) == 0 {
		return nil
	}
	campaigns := make([]Campaign, len(s.Campaigns))
	copy(campaigns, s.Campaigns)
	sort.SliceStable(campaigns, func(i, j int) bool {
		if campaigns[i].Revenue != campaigns[j].Revenue {
			return campaigns[i].Revenue > campaigns[j].Revenue
		}
		return campaigns[i].CampaignName < campaigns[j].CampaignName
	})
	if n > 0 && len(campaigns) > n {
		campaigns = campaigns[:n]
	}
	return campaigns
}

// SummarizeCampaigns computes totals and averages. An empty campaign list
// yields a zero summary instead of dividing by zero.
func SummarizeCampaigns(s Snapshot, topN int) CampaignSummary {
	summary := CampaignSummary{Count: len(s.Campaigns)}
	if summary.Count == 0 {
		return summary
	}
	var openSum, clickSum, convSum float64
	for _, c := range s.Campaigns {
		summary.TotalRevenue += c.Revenue
		openSum += c.OpenRate
		clickSum += c.ClickRate
		convSum += c.ConversionRate
	}
	n := float64(summary.Count)
	summary.AverageRevenue = summary.TotalRevenue / n
	summary.AverageOpenRate = openSum / n
	summary.AverageClickRate = clickSum / n
	summary.AverageConversionRate = convSum / n
	summary.Top = RankCampaigns(s, topN)
	return summary
}

// OptimizationTips flags underperforming flows and campaigns against fixed
// engagement thresholds.
func OptimizationTips(s Snapshot) []string {
	var tips []string
	for _, f := range s.Flows {
		name := displayName(f.FlowName, f.FlowID, "flow")
		if f.Recipients == 0 && f.Revenue == 0 && f.OpenRate == 0 {
			continue
		}
		if f.OpenRate > 0 && f.OpenRate < lowOpenRate {
			tips = append(tips, fmt.Sprintf("Flow %q has a %s open rate; test new subject lines or sender names.", name, percent(f.OpenRate)))
		}
		if f.ClickRate > 0 && f.ClickRate < lowClickRate {
			tips = append(tips, fmt.Sprintf("Flow %q has a %s click rate; tighten the call to action and content.", name, percent(f.ClickRate)))
		}
		if f.ConversionRate > 0 && f.ConversionRate < lowConversionRate {
			tips = append(tips, fmt.Sprintf("Flow %q converts at %s; review offer and landing page.", name, percent(f.ConversionRate)))
		}
		if strings.EqualFold(f.Status, "draft") || strings.EqualFold(f.Status, "manual") {
			tips = append(tips, fmt.Sprintf("Flow %q is %s; set it live to start earning.", name, strings.ToLower(f.Status)))
		}
	}

	summary := SummarizeCampaigns(s, 0)
	if summary.Count > 0 {
		if summary.AverageOpenRate < lowOpenRate {
			tips = append(tips, fmt.Sprintf("Campaigns average a %s open rate; clean the list and segment by engagement.", percent(summary.AverageOpenRate)))
		}
		if summary.AverageClickRate < lowClickRate {
			tips = append(tips, fmt.Sprintf("Campaigns average a %s click rate; try fewer, stronger links per email.", percent(summary.AverageClickRate)))
		}
	}

	c := Compare(s)
	if c.FlowCount > 0 && c.CampaignCount > 0 && c.FlowShare < 0.3 {
		tips = append(tips, fmt.Sprintf("Flows drive only %s of revenue; build out welcome, abandoned cart and post-purchase automations.", percent(c.FlowShare)))
	}

	if len(tips) == 0 {
		if s.Empty() {
			return []string{"No flow or campaign data is loaded yet, so there is nothing to optimize."}
		}
		return []string{"No obvious weak spots: every flow and campaign is above the engagement thresholds."}
	}
	return tips
}

// Compare splits revenue between flows and campaigns.
func Compare(s Snapshot) Comparison {
	c := Comparison{
		FlowCount:       len(s.Flows),
		CampaignCount:   len(s.Campaigns),
		FlowRevenue:     s.TotalFlowRevenue(),
		CampaignRevenue: s.TotalCampaignRevenue(),
	}
	total := c.FlowRevenue + c.CampaignRevenue
	c.FlowShare = ratio(c.FlowRevenue, total)
	c.CampaignShare = ratio(c.CampaignRevenue, total)
	c.AvgFlowRevenue = ratio(c.FlowRevenue, float64(c.FlowCount))
	c.AvgCampRevenue = ratio(c.CampaignRevenue, float64(c.CampaignCount))
	return c
}

// ratio returns a/b, or 0 when b is zero.
func ratio(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

func displayName(name, id, kind string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	if id != "" {
		return id
	}
	return "unnamed " + kind
}
