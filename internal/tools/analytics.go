package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/nous-labs/analyst/pkg/analysis"
)

// Analytics tool names.
const (
	GetFlows             = "get_flows"
	GetFlowReport        = "get_flow_report"
	GetCampaigns         = "get_campaigns"
	GetCampaignReport    = "get_campaign_report"
	GetAccountDetails    = "get_account_details"
	AnalyzeDashboardData = "analyze_dashboard_data"
)

var errNoClient = errors.New("backend client unavailable")

// NewAnalyticsRegistry returns a registry holding the six analytics tools.
func NewAnalyticsRegistry(opts Options) *Registry {
	return NewRegistry(opts).MustRegister(AnalyticsTools()...)
}

// AnalyticsTools is the tool table offered to the model.
func AnalyticsTools() []Tool {
	kinds := make([]any, 0, len(analysis.Kinds))
	for _, k := range analysis.Kinds {
		kinds = append(kinds, string(k))
	}

	return []Tool{
		{
			Name:        GetFlows,
			Description: "List every flow in the account with its status and trigger.",
			Schema:      objectSchema(nil),
			Run: withClient(func(ctx context.Context, env Env, _ map[string]any) (any, error) {
				return env.Client.GetFlows(ctx)
			}),
		},
		{
			Name:        GetFlowReport,
			Description: "Get performance statistics (recipients, opens, clicks, conversions, revenue) for one flow.",
			Schema: objectSchema(map[string]*jsonschema.Schema{
				"flow_id": {Type: "string", Description: "Flow id as returned by get_flows."},
			}, "flow_id"),
			Run: withClient(func(ctx context.Context, env Env, input map[string]any) (any, error) {
				id, err := stringArg(input, "flow_id")
				if err != nil {
					return nil, err
				}
				return env.Client.GetFlowReport(ctx, id)
			}),
		},
		{
			Name:        GetCampaigns,
			Description: "List email campaigns with their status and send time.",
			Schema:      objectSchema(nil),
			Run: withClient(func(ctx context.Context, env Env, _ map[string]any) (any, error) {
				return env.Client.GetCampaigns(ctx)
			}),
		},
		{
			Name:        GetCampaignReport,
			Description: "Get performance statistics for one campaign.",
			Schema: objectSchema(map[string]*jsonschema.Schema{
				"campaign_id": {Type: "string", Description: "Campaign id as returned by get_campaigns."},
			}, "campaign_id"),
			Run: withClient(func(ctx context.Context, env Env, input map[string]any) (any, error) {
				id, err := stringArg(input, "campaign_id")
				if err != nil {
					return nil, err
				}
				return env.Client.GetCampaignReport(ctx, id)
			}),
		},
		{
			Name:        GetAccountDetails,
			Description: "Get the account profile: organization, timezone, currency, industry.",
			Schema:      objectSchema(nil),
			Run: withClient(func(ctx context.Context, env Env, _ map[string]any) (any, error) {
				return env.Client.GetAccountDetails(ctx)
			}),
		},
		{
			Name:        AnalyzeDashboardData,
			Description: "Analyze the dashboard data already loaded for this conversation without calling the platform.",
			Schema: objectSchema(map[string]*jsonschema.Schema{
				"analysis_type": {
					Type:        "string",
					Description: "Which analysis to run.",
					Enum:        kinds,
				},
			}, "analysis_type"),
			Run: func(_ context.Context, env Env, input map[string]any) (any, error) {
				raw, err := stringArg(input, "analysis_type")
				if err != nil {
					return nil, err
				}
				kind, err := analysis.ParseKind(raw)
				if err != nil {
					return nil, err
				}
				return analysis.Analyze(kind, env.Snapshot)
			},
		},
	}
}

func objectSchema(props map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	if props == nil {
		props = map[string]*jsonschema.Schema{}
	}
	return &jsonschema.Schema{Type: "object", Properties: props, Required: required}
}

func withClient(fn RunFunc) RunFunc {
	return func(ctx context.Context, env Env, input map[string]any) (any, error) {
		if env.Client == nil {
			return nil, errNoClient
		}
		return fn(ctx, env, input)
	}
}

func stringArg(input map[string]any, key string) (string, error) {
	v, _ := input[key].(string)
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("missing %s", key)
	}
	return v, nil
}
