// Package analysis computes dashboard statistics over a pre-loaded snapshot of
// flow and campaign aggregates.
//
// Everything in this package is pure: no network, no disk, no clock. It backs
// both the analyze_dashboard_data tool and the model-free fallback answer, so
// it has to produce something sensible for empty or partial snapshots.
package analysis

// Flow is the aggregate performance of one automated flow.
// Rates are fractions (0.25 = 25%).
type Flow struct {
	FlowID         string  `json:"flow_id,omitempty"`
	FlowName       string  `json:"flow_name"`
	Status         string  `json:"status,omitempty"`
	Revenue        float64 `json:"revenue"`
	Recipients     int     `json:"recipients,omitempty"`
	Opens          int     `json:"opens,omitempty"`
	Clicks         int     `json:"clicks,omitempty"`
	Conversions    int     `json:"conversions,omitempty"`
	OpenRate       float64 `json:"open_rate,omitempty"`
	ClickRate      float64 `json:"click_rate,omitempty"`
	ConversionRate float64 `json:"conversion_rate,omitempty"`
}

// Campaign is the aggregate performance of one sent campaign.
type Campaign struct {
	CampaignID     string  `json:"campaign_id,omitempty"`
	CampaignName   string  `json:"campaign_name"`
	SendDate       string  `json:"send_date,omitempty"`
	Revenue        float64 `json:"revenue"`
	Recipients     int     `json:"recipients,omitempty"`
	OpenRate       float64 `json:"open_rate,omitempty"`
	ClickRate      float64 `json:"click_rate,omitempty"`
	ConversionRate float64 `json:"conversion_rate,omitempty"`
}

// Snapshot is the dashboard context loaded before a chat request starts.
type Snapshot struct {
	Flows     []Flow     `json:"flows"`
	Campaigns []Campaign `json:"campaigns"`
}

// Empty reports whether the snapshot carries no aggregates at all.
func (s Snapshot) Empty() bool {
	return len(s.Flows) == 0 && len(s.Campaigns) == 0
}

// TotalFlowRevenue sums revenue across all flows.
func (s Snapshot) TotalFlowRevenue() float64 {
	var total float64
	for _, f := range s.Flows {
		total += f.Revenue
	}
	return total
}

// TotalCampaignRevenue sums revenue across all campaigns.
func (s Snapshot) TotalCampaignRevenue() float64 {
	var total float64
	for _, c := range s.Campaigns {
		total += c.Revenue
	}
	return total
}
