package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the daemon configuration.
type Config struct {
	Name     string `json:"name"`
	HTTPAddr string `json:"http_addr"`

	LLM         LLMConfig         `json:"llm"`
	Backend     BackendConfig     `json:"backend"`
	Credentials CredentialsConfig `json:"credentials"`
	Pool        PoolConfig        `json:"pool"`
	Chat        ChatConfig        `json:"chat"`
	Journal     JournalConfig     `json:"journal"`
}

// LLMConfig holds model provider settings.
type LLMConfig struct {
	Provider    string  `json:"provider"`           // "anthropic"
	Model       string  `json:"model"`              // e.g., "claude-sonnet-4-5"
	APIKey      string  `json:"api_key"`            // can use env var reference: "$ANTHROPIC_API_KEY"
	BaseURL     string  `json:"base_url,omitempty"` // Anthropic-compatible endpoint override
	MaxOutput   int     `json:"max_output,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxRetries  int     `json:"max_retries,omitempty"` // -1 disables SDK retries
}

// BackendConfig holds the marketing platform API settings.
type BackendConfig struct {
	BaseURL            string `json:"base_url,omitempty"`
	Revision           string `json:"revision,omitempty"`
	ConversionMetricID string `json:"conversion_metric_id,omitempty"`
	Timeframe          string `json:"timeframe,omitempty"`
	Timeout            string `json:"timeout,omitempty"` // e.g. "30s"
}

// CredentialsConfig says where tenant secrets live. Sources are tried in
// order: static, file, postgres.
type CredentialsConfig struct {
	File        string            `json:"file,omitempty"`
	PostgresURL string            `json:"postgres_url,omitempty"`
	Static      map[string]string `json:"static,omitempty"` // ref to secret, for development
}

// PoolConfig bounds the backend client pool.
type PoolConfig struct {
	MaxSize int    `json:"max_size,omitempty"`
	TTL     string `json:"ttl,omitempty"` // e.g. "30m"
}

// ChatConfig tunes the orchestration loop.
type ChatConfig struct {
	MaxToolTurns    int    `json:"max_tool_turns,omitempty"`
	RequestTimeout  string `json:"request_timeout,omitempty"`
	ToolTimeout     string `json:"tool_timeout,omitempty"`
	ToolConcurrency int    `json:"tool_concurrency,omitempty"`
	SystemPrompt    string `json:"system_prompt,omitempty"`
}

// JournalConfig holds request journal settings.
type JournalConfig struct {
	Disabled      bool   `json:"disabled,omitempty"`
	Path          string `json:"path,omitempty"`
	Retention     string `json:"retention,omitempty"`      // e.g. "720h"
	PruneInterval string `json:"prune_interval,omitempty"` // e.g. "1h"
}

// LoadConfig builds the config from environment defaults, deep-merges the
// JSON file at path over them (when path is set) and resolves $ENV references.
func LoadConfig(path string) (*Config, error) {
	base := defaultConfig()
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}

	merged := baseJSON
	if path != "" {
		fileData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		merged, err = deepMergeJSON(merged, fileData)
		if err != nil {
			return nil, fmt.Errorf("merge config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := json.Unmarshal(merged, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.HTTPAddr = resolveEnv(cfg.HTTPAddr)
	cfg.LLM.APIKey = resolveEnv(cfg.LLM.APIKey)
	cfg.LLM.BaseURL = resolveEnv(cfg.LLM.BaseURL)
	cfg.Backend.BaseURL = resolveEnv(cfg.Backend.BaseURL)
	cfg.Backend.ConversionMetricID = resolveEnv(cfg.Backend.ConversionMetricID)
	cfg.Credentials.File = resolveEnv(cfg.Credentials.File)
	cfg.Credentials.PostgresURL = resolveEnv(cfg.Credentials.PostgresURL)
	for ref, secret := range cfg.Credentials.Static {
		cfg.Credentials.Static[ref] = resolveEnv(secret)
	}
	cfg.Journal.Path = resolveEnv(cfg.Journal.Path)

	if cfg.Name == "" {
		cfg.Name = "analyst"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects non-positive limits and unparseable durations.
func (c *Config) Validate() error {
	var errs []error
	if c.LLM.Provider != "anthropic" {
		errs = append(errs, fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider))
	}
	if c.Pool.MaxSize <= 0 {
		errs = append(errs, fmt.Errorf("pool.max_size must be positive, got %d", c.Pool.MaxSize))
	}
	if c.Chat.MaxToolTurns <= 0 {
		errs = append(errs, fmt.Errorf("chat.max_tool_turns must be positive, got %d", c.Chat.MaxToolTurns))
	}
	if c.Chat.ToolConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("chat.tool_concurrency must be positive, got %d", c.Chat.ToolConcurrency))
	}
	for name, v := range map[string]string{
		"backend.timeout":        c.Backend.Timeout,
		"pool.ttl":               c.Pool.TTL,
		"chat.request_timeout":   c.Chat.RequestTimeout,
		"chat.tool_timeout":      c.Chat.ToolTimeout,
		"journal.retention":      c.Journal.Retention,
		"journal.prune_interval": c.Journal.PruneInterval,
	} {
		if _, err := positiveDuration(name, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// positiveDuration parses v, which must be a positive duration.
func positiveDuration(name, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", name, v)
	}
	return d, nil
}

// duration parses a validated duration field.
func duration(v string) time.Duration {
	d, _ := time.ParseDuration(v)
	return d
}

func deepMergeJSON(base, overlay []byte) ([]byte, error) {
	var baseMap map[string]interface{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseMap); err != nil {
			return nil, err
		}
	}
	if baseMap == nil {
		baseMap = map[string]interface{}{}
	}

	var overlayMap map[string]interface{}
	if len(overlay) > 0 {
		if err := json.Unmarshal(overlay, &overlayMap); err != nil {
			return nil, err
		}
	}
	mergeMap(baseMap, overlayMap)
	return json.Marshal(baseMap)
}

func mergeMap(dst, src map[string]interface{}) {
	for k, v := range src {
		dstObj, dstIsObj := dst[k].(map[string]interface{})
		srcObj, srcIsObj := v.(map[string]interface{})
		if dstIsObj && srcIsObj {
			mergeMap(dstObj, srcObj)
			dst[k] = dstObj
			continue
		}
		dst[k] = v
	}
}

// resolveEnv replaces $ENV_VAR references with actual values.
func resolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		if v := os.Getenv(s[1:]); v != "" {
			return v
		}
	}
	return s
}

// defaultConfig returns a config from ANALYST_* environment variables,
// suitable for container deployment.
func defaultConfig() *Config {
	return &Config{
		Name:     "analyst",
		HTTPAddr: envOr("ANALYST_HTTP_ADDR", ":8080"),
		LLM: LLMConfig{
			Provider:    "anthropic",
			Model:       envOr("ANALYST_MODEL", "claude-sonnet-4-5"),
			APIKey:      os.Getenv("ANTHROPIC_API_KEY"),
			BaseURL:     envOr("ANALYST_LLM_BASE_URL", ""),
			MaxOutput:   envInt("ANALYST_MAX_OUTPUT", 4096),
			Temperature: 0.3,
		},
		Backend: BackendConfig{
			BaseURL:            envOr("ANALYST_BACKEND_URL", "https://a.klaviyo.com"),
			Revision:           envOr("ANALYST_BACKEND_REVISION", "2024-10-15"),
			ConversionMetricID: envOr("ANALYST_CONVERSION_METRIC_ID", ""),
			Timeframe:          envOr("ANALYST_REPORT_TIMEFRAME", "last_30_days"),
			Timeout:            envOr("ANALYST_BACKEND_TIMEOUT", "30s"),
		},
		Credentials: CredentialsConfig{
			File:        envOr("ANALYST_CREDENTIALS_FILE", "credentials.json"),
			PostgresURL: envOr("ANALYST_PG_URL", ""),
		},
		Pool: PoolConfig{
			MaxSize: envInt("ANALYST_POOL_MAX_SIZE", 256),
			TTL:     envOr("ANALYST_POOL_TTL", "30m"),
		},
		Chat: ChatConfig{
			MaxToolTurns:    envInt("ANALYST_MAX_TOOL_TURNS", 5),
			RequestTimeout:  envOr("ANALYST_REQUEST_TIMEOUT", "2m"),
			ToolTimeout:     envOr("ANALYST_TOOL_TIMEOUT", "10s"),
			ToolConcurrency: envInt("ANALYST_TOOL_CONCURRENCY", 4),
		},
		Journal: JournalConfig{
			Disabled:      envOr("ANALYST_JOURNAL_DISABLED", "") != "",
			Path:          envOr("ANALYST_JOURNAL_PATH", "data/journal.db"),
			Retention:     envOr("ANALYST_JOURNAL_RETENTION", "720h"),
			PruneInterval: envOr("ANALYST_JOURNAL_PRUNE_INTERVAL", "1h"),
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
