// Package backend talks to the email-marketing platform that owns a tenant's
// flows, campaigns and reporting data.
//
// A Client is bound to one tenant secret. Clients are expensive enough to be
// worth reusing (HTTP transport, connection reuse), so callers normally obtain
// them through pkg/pool rather than constructing one per request.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Client is the read-only data surface exposed to chat tools.
type Client interface {
	GetFlows(ctx context.Context) ([]Flow, error)
	GetFlowReport(ctx context.Context, flowID string) (*Report, error)
	GetCampaigns(ctx context.Context) ([]Campaign, error)
	GetCampaignReport(ctx context.Context, campaignID string) (*Report, error)
	GetAccountDetails(ctx context.Context) (*Account, error)
}

// Factory constructs a Client for a tenant secret.
type Factory func(secret string) (Client, error)

// Flow is a flow definition as listed by the platform.
type Flow struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status,omitempty"`
	TriggerType string `json:"trigger_type,omitempty"`
	Archived    bool   `json:"archived,omitempty"`
	Created     string `json:"created,omitempty"`
	Updated     string `json:"updated,omitempty"`
}

// Campaign is a campaign as listed by the platform.
type Campaign struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status,omitempty"`
	Archived  bool   `json:"archived,omitempty"`
	SendTime  string `json:"send_time,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// Account holds the tenant's account profile.
type Account struct {
	ID               string `json:"id"`
	OrganizationName string `json:"organization_name,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
	Currency         string `json:"currency,omitempty"`
	Industry         string `json:"industry,omitempty"`
	Website          string `json:"website,omitempty"`
}

// Report is a values report for one flow or campaign.
type Report struct {
	SubjectType string      `json:"subject_type"` // "flow" or "campaign"
	SubjectID   string      `json:"subject_id"`
	Timeframe   string      `json:"timeframe"`
	Results     []ReportRow `json:"results"`
}

// ReportRow is one grouping of a report (usually per message or per channel).
type ReportRow struct {
	Groupings  map[string]string  `json:"groupings,omitempty"`
	Statistics map[string]float64 `json:"statistics"`
}

// Totals sums each statistic across all rows.
func (r *Report) Totals() map[string]float64 {
	totals := make(map[string]float64)
	if r == nil {
		return totals
	}
	for _, row := range r.Results {
		for k, v := range row.Statistics {
			totals[k] += v
		}
	}
	return totals
}

// APIError is returned for non-2xx platform responses.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, body)
}

// IsAuthFailure reports whether err carries a 401 or 403 from the platform,
// meaning the tenant secret was revoked or lacks scope.
func IsAuthFailure(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.StatusCode == http.StatusUnauthorized || ae.StatusCode == http.StatusForbidden
}
