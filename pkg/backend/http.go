package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL   = "https://a.klaviyo.com"
	defaultRevision  = "2024-10-15"
	defaultTimeframe = "last_30_days"
	defaultTimeout   = 30 * time.Second

	// maxPages bounds list pagination so a misbehaving API cannot loop us.
	maxPages        = 10
	maxResponseSize = 4 << 20
)

// reportStatistics are requested for every values report.
var reportStatistics = []string{
	"recipients",
	"delivered",
	"opens_unique",
	"open_rate",
	"clicks_unique",
	"click_rate",
	"conversions",
	"conversion_rate",
	"conversion_value",
	"unsubscribes",
}

// HTTPConfig configures the platform REST client.
type HTTPConfig struct {
	BaseURL            string
	Revision           string
	ConversionMetricID string
	Timeframe          string
	Timeout            time.Duration
}

// HTTPClient implements Client against the platform's JSON:API endpoints.
type HTTPClient struct {
	baseURL            string
	secret             string
	revision           string
	conversionMetricID string
	timeframe          string
	client             *http.Client
}

// NewHTTPFactory returns a Factory producing HTTPClients with cfg.
func NewHTTPFactory(cfg HTTPConfig) Factory {
	return func(secret string) (Client, error) {
		return NewHTTPClient(cfg, secret)
	}
}

// NewHTTPClient creates a client bound to one tenant secret.
func NewHTTPClient(cfg HTTPConfig, secret string) (*HTTPClient, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("backend secret is empty")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Revision == "" {
		cfg.Revision = defaultRevision
	}
	if cfg.Timeframe == "" {
		cfg.Timeframe = defaultTimeframe
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &HTTPClient{
		baseURL:            strings.TrimRight(cfg.BaseURL, "/"),
		secret:             secret,
		revision:           cfg.Revision,
		conversionMetricID: cfg.ConversionMetricID,
		timeframe:          cfg.Timeframe,
		client:             &http.Client{Timeout: cfg.Timeout, Transport: transport},
	}, nil
}

// Close releases idle connections. Called when the pool evicts the client.
func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// resource is a JSON:API resource object.
type resource struct {
	Type       string          `json:"type"`
	ID         string          `json:"id"`
	Attributes json.RawMessage `json:"attributes"`
}

type listDocument struct {
	Data  []resource `json:"data"`
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
}

// GetFlows lists every flow, following pagination links.
func (c *HTTPClient) GetFlows(ctx context.Context) ([]Flow, error) {
	resources, err := c.list(ctx, "/api/flows", nil)
	if err != nil {
		return nil, fmt.Errorf("get flows: %w", err)
	}

	flows := make([]Flow, 0, len(resources))
	for _, r := range resources {
		var attrs struct {
			Name        string `json:"name"`
			Status      string `json:"status"`
			Archived    bool   `json:"archived"`
			TriggerType string `json:"trigger_type"`
			Created     string `json:"created"`
			Updated     string `json:"updated"`
		}
		if err := json.Unmarshal(r.Attributes, &attrs); err != nil {
			return nil, fmt.Errorf("parse flow %s: %w", r.ID, err)
		}
		flows = append(flows, Flow{
			ID:          r.ID,
			Name:        attrs.Name,
			Status:      attrs.Status,
			Archived:    attrs.Archived,
			TriggerType: attrs.TriggerType,
			Created:     attrs.Created,
			Updated:     attrs.Updated,
		})
	}
	return flows, nil
}

// GetCampaigns lists email campaigns, following pagination links.
func (c *HTTPClient) GetCampaigns(ctx context.Context) ([]Campaign, error) {
	query := url.Values{}
	query.Set("filter", "equals(messages.channel,'email')")
	resources, err := c.list(ctx, "/api/campaigns", query)
	if err != nil {
		return nil, fmt.Errorf("get campaigns: %w", err)
	}

	campaigns := make([]Campaign, 0, len(resources))
	for _, r := range resources {
		var attrs struct {
			Name      string `json:"name"`
			Status    string `json:"status"`
			Archived  bool   `json:"archived"`
			SendTime  string `json:"send_time"`
			CreatedAt string `json:"created_at"`
			UpdatedAt string `json:"updated_at"`
		}
		if err := json.Unmarshal(r.Attributes, &attrs); err != nil {
			return nil, fmt.Errorf("parse campaign %s: %w", r.ID, err)
		}
		campaigns = append(campaigns, Campaign{
			ID:        r.ID,
			Name:      attrs.Name,
			Status:    attrs.Status,
			Archived:  attrs.Archived,
			SendTime:  attrs.SendTime,
			CreatedAt: attrs.CreatedAt,
			UpdatedAt: attrs.UpdatedAt,
		})
	}
	return campaigns, nil
}

// GetAccountDetails returns the tenant's account profile.
func (c *HTTPClient) GetAccountDetails(ctx context.Context) (*Account, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/accounts", nil)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	var doc listDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse account: %w", err)
	}
	if len(doc.Data) == 0 {
		return nil, errors.New("get account: no account returned")
	}

	var attrs struct {
		ContactInformation struct {
			OrganizationName string `json:"organization_name"`
			WebsiteURL       string `json:"website_url"`
		} `json:"contact_information"`
		Industry          string `json:"industry"`
		Timezone          string `json:"timezone"`
		PreferredCurrency string `json:"preferred_currency"`
	}
	if err := json.Unmarshal(doc.Data[0].Attributes, &attrs); err != nil {
		return nil, fmt.Errorf("parse account attributes: %w", err)
	}
	return &Account{
		ID:               doc.Data[0].ID,
		OrganizationName: attrs.ContactInformation.OrganizationName,
		Website:          attrs.ContactInformation.WebsiteURL,
		Industry:         attrs.Industry,
		Timezone:         attrs.Timezone,
		Currency:         attrs.PreferredCurrency,
	}, nil
}

// GetFlowReport fetches the values report for one flow.
func (c *HTTPClient) GetFlowReport(ctx context.Context, flowID string) (*Report, error) {
	return c.valuesReport(ctx, "flow", flowID)
}

// GetCampaignReport fetches the values report for one campaign.
func (c *HTTPClient) GetCampaignReport(ctx context.Context, campaignID string) (*Report, error) {
	return c.valuesReport(ctx, "campaign", campaignID)
}

func (c *HTTPClient) valuesReport(ctx context.Context, subject, id string) (*Report, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%s report: missing %s id", subject, subject)
	}

	attributes := map[string]interface{}{
		"statistics": reportStatistics,
		"timeframe":  map[string]string{"key": c.timeframe},
		"filter":     fmt.Sprintf("equals(%s_id,%q)", subject, id),
	}
	if c.conversionMetricID != "" {
		attributes["conversion_metric_id"] = c.conversionMetricID
	}
	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"type":       subject + "-values-report",
			"attributes": attributes,
		},
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s report request: %w", subject, err)
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/api/"+subject+"-values-reports", reqBody)
	if err != nil {
		return nil, fmt.Errorf("%s report %s: %w", subject, id, err)
	}

	var doc struct {
		Data struct {
			Attributes struct {
				Results []struct {
					Groupings  map[string]interface{} `json:"groupings"`
					Statistics map[string]float64     `json:"statistics"`
				} `json:"results"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse %s report: %w", subject, err)
	}

	report := &Report{
		SubjectType: subject,
		SubjectID:   id,
		Timeframe:   c.timeframe,
		Results:     make([]ReportRow, 0, len(doc.Data.Attributes.Results)),
	}
	for _, r := range doc.Data.Attributes.Results {
		row := ReportRow{Statistics: r.Statistics}
		if len(r.Groupings) > 0 {
			row.Groupings = make(map[string]string, len(r.Groupings))
			for k, v := range r.Groupings {
				row.Groupings[k] = fmt.Sprint(v)
			}
		}
		report.Results = append(report.Results, row)
	}
	return report, nil
}

// list fetches a collection and follows links.next up to maxPages.
func (c *HTTPClient) list(ctx context.Context, path string, query url.Values) ([]resource, error) {
	next := path
	if len(query) > 0 {
		next += "?" + query.Encode()
	}

	var all []resource
	for page := 0; next != "" && page < maxPages; page++ {
		body, err := c.doRequest(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, err
		}
		var doc listDocument
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("parse page %d: %w", page+1, err)
		}
		all = append(all, doc.Data...)
		next = doc.Links.Next
	}
	if next != "" {
		slog.Warn("backend list truncated", "path", path, "pages", maxPages, "items", len(all))
	}
	return all, nil
}

// doRequest sends one authenticated request. target may be a path relative to
// the base URL or an absolute pagination link on the same host.
func (c *HTTPClient) doRequest(ctx context.Context, method, target string, body []byte) ([]byte, error) {
	endpoint := target
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		endpoint = c.baseURL + target
	} else if !strings.HasPrefix(target, c.baseURL) {
		return nil, fmt.Errorf("refusing cross-host link %q", target)
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Klaviyo-API-Key "+c.secret)
	req.Header.Set("revision", c.revision)
	req.Header.Set("Accept", "application/vnd.api+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/vnd.api+json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	slog.Debug("backend request",
		"method", method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start).Round(time.Millisecond),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Method:     method,
			Path:       req.URL.Path,
			Body:       string(respBody),
		}
	}
	return respBody, nil
}
