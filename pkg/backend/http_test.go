package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/api/flows", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `{"data":[{"type":"flow","id":"F2","attributes":{"name":"Winback","status":"draft"}}],"links":{}}`)
			return
		}
		fmt.Fprintf(w, `{"data":[{"type":"flow","id":"F1","attributes":{"name":"Welcome","status":"live","trigger_type":"Added to List"}}],"links":{"next":"%s/api/flows?page=2"}}`, srv.URL)
	})
	mux.HandleFunc("/api/campaigns", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "equals(messages.channel,'email')", r.URL.Query().Get("filter"))
		fmt.Fprint(w, `{"data":[{"type":"campaign","id":"C1","attributes":{"name":"Black Friday","status":"Sent","send_time":"2025-11-28T09:00:00Z"}}]}`)
	})
	mux.HandleFunc("/api/accounts", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"type":"account","id":"A1","attributes":{"contact_information":{"organization_name":"Acme","website_url":"https://acme.test"},"industry":"Retail","timezone":"UTC","preferred_currency":"USD"}}]}`)
	})
	mux.HandleFunc("/api/flow-values-reports", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		var payload struct {
			Data struct {
				Type       string `json:"type"`
				Attributes struct {
					Filter             string `json:"filter"`
					ConversionMetricID string `json:"conversion_metric_id"`
				} `json:"attributes"`
			} `json:"data"`
		}
		assert.NoError(t, json.Unmarshal(body, &payload))
		assert.Equal(t, "flow-values-report", payload.Data.Type)
		assert.Equal(t, `equals(flow_id,"F1")`, payload.Data.Attributes.Filter)
		assert.Equal(t, "M1", payload.Data.Attributes.ConversionMetricID)
		fmt.Fprint(w, `{"data":{"attributes":{"results":[
			{"groupings":{"flow_message_id":"m1"},"statistics":{"recipients":100,"conversion_value":250.5}},
			{"groupings":{"flow_message_id":"m2"},"statistics":{"recipients":50,"conversion_value":49.5}}
		]}}}`)
	})
	mux.HandleFunc("/api/campaign-values-reports", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"errors":[{"detail":"throttled"}]}`)
	})

	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Klaviyo-API-Key pk_test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("revision") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, baseURL, secret string) *HTTPClient {
	t.Helper()
	c, err := NewHTTPClient(HTTPConfig{BaseURL: baseURL, ConversionMetricID: "M1"}, secret)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGetFlowsFollowsPagination(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv.URL, "pk_test")

	flows, err := c.GetFlows(context.Background())
	require.NoError(t, err)
	require.Len(t, flows, 2)
	assert.Equal(t, Flow{ID: "F1", Name: "Welcome", Status: "live", TriggerType: "Added to List"}, flows[0])
	assert.Equal(t, "Winback", flows[1].Name)
}

func TestGetCampaignsAndAccount(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv.URL, "pk_test")

	campaigns, err := c.GetCampaigns(context.Background())
	require.NoError(t, err)
	require.Len(t, campaigns, 1)
	assert.Equal(t, "Black Friday", campaigns[0].Name)

	account, err := c.GetAccountDetails(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Acme", account.OrganizationName)
	assert.Equal(t, "USD", account.Currency)
}

func TestGetFlowReport(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, srv.URL, "pk_test")

	report, err := c.GetFlowReport(context.Background(), "F1")
	require.NoError(t, err)
	assert.Equal(t, "flow", report.SubjectType)
	assert.Equal(t, "last_30_days", report.Timeframe)
	require.Len(t, report.Results, 2)
	assert.Equal(t, "m1", report.Results[0].Groupings["flow_message_id"])

	totals := report.Totals()
	assert.InDelta(t, 150, totals["recipients"], 1e-9)
	assert.InDelta(t, 300, totals["conversion_value"], 1e-9)
}

func TestReportRequiresID(t *testing.T) {
	c := newTestClient(t, "http://unused.invalid", "pk_test")
	_, err := c.GetCampaignReport(context.Background(), "  ")
	assert.ErrorContains(t, err, "missing campaign id")
}

func TestAPIErrorSurfacesStatus(t *testing.T) {
	srv := newTestServer(t)

	c := newTestClient(t, srv.URL, "pk_test")
	_, err := c.GetCampaignReport(context.Background(), "C1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "want *APIError, got %v", err)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "throttled")

	bad := newTestClient(t, srv.URL, "pk_wrong")
	_, err = bad.GetFlows(context.Background())
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.True(t, IsAuthFailure(err))
}

func TestIsAuthFailure(t *testing.T) {
	assert.True(t, IsAuthFailure(&APIError{StatusCode: http.StatusForbidden}))
	assert.True(t, IsAuthFailure(fmt.Errorf("get flows: %w", &APIError{StatusCode: http.StatusUnauthorized})))
	assert.False(t, IsAuthFailure(&APIError{StatusCode: http.StatusTooManyRequests}))
	assert.False(t, IsAuthFailure(errors.New("connection reset")))
	assert.False(t, IsAuthFailure(nil))
}

func TestNewHTTPClientRejectsEmptySecret(t *testing.T) {
	_, err := NewHTTPFactory(HTTPConfig{})(" ")
	assert.Error(t, err)
}
