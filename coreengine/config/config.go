// Package config carries the consolidated runtime configuration for the
// pipeline engine: worker counts, quotas, admission limits, adapter
// connection settings, and observability endpoints.
//
// Precedence is lowest to highest: built-in defaults, the optional YAML
// file, TESTFORGE_* environment variables.
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forgeline-dev/testforge/capabilities"
	"github.com/forgeline-dev/testforge/coreengine/envelope"
)

// Config is the full runtime configuration.
type Config struct {
	// Workspace is the directory generated scripts and reports are
	// written under.
	Workspace string `yaml:"workspace"`

	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Quota         QuotaConfig         `yaml:"quota"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Approval      ApprovalConfig      `yaml:"approval"`
	Cleanup       CleanupConfig       `yaml:"cleanup"`
	LLM           LLMConfig           `yaml:"llm"`
	Browser       BrowserConfig       `yaml:"browser"`
	Redis         RedisConfig         `yaml:"redis"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// PipelineConfig controls run behavior shared by every stage.
type PipelineConfig struct {
	Workers              int      `yaml:"workers"`
	MaxDepth             int      `yaml:"max_depth"`
	MaxPages             int      `yaml:"max_pages"`
	Framework            string   `yaml:"framework"`
	ScriptTimeoutSeconds int      `yaml:"script_timeout_seconds"`
	Formats              []string `yaml:"formats"`
	// ApprovalStages lists stages whose completion suspends the run
	// until an operator decides. Empty means no gates.
	ApprovalStages []string `yaml:"approval_stages"`
}

// ScriptTimeout returns the per-script deadline.
func (p PipelineConfig) ScriptTimeout() time.Duration {
	return time.Duration(p.ScriptTimeoutSeconds) * time.Second
}

// QuotaConfig bounds resource consumption per run.
type QuotaConfig struct {
	MaxCapabilityCalls int `yaml:"max_capability_calls"`
	MaxLLMCalls        int `yaml:"max_llm_calls"`
	MaxScripts         int `yaml:"max_scripts"`
	TimeoutSeconds     int `yaml:"timeout_seconds"`
}

// RateLimitConfig controls per-session admission. Disabled unless Enabled
// is set; a limit of 0 disables that window.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	RequestsPerHour   int  `yaml:"requests_per_hour"`
	BurstSize         int  `yaml:"burst_size"`
}

// ApprovalConfig controls the approval service.
type ApprovalConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
}

// TTL returns how long approval requests stay decidable.
func (a ApprovalConfig) TTL() time.Duration {
	return time.Duration(a.TTLSeconds) * time.Second
}

// CleanupConfig controls the periodic maintenance pass.
type CleanupConfig struct {
	IntervalSeconds          int `yaml:"interval_seconds"`
	RunRetentionSeconds      int `yaml:"run_retention_seconds"`
	ApprovalRetentionSeconds int `yaml:"approval_retention_seconds"`
}

// Interval returns the pause between maintenance passes.
func (c CleanupConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// RunRetention returns how long finished runs stay queryable.
func (c CleanupConfig) RunRetention() time.Duration {
	return time.Duration(c.RunRetentionSeconds) * time.Second
}

// ApprovalRetention returns how long resolved approvals stay queryable.
func (c CleanupConfig) ApprovalRetention() time.Duration {
	return time.Duration(c.ApprovalRetentionSeconds) * time.Second
}

// LLMConfig holds the test planning model connection. An empty APIKey
// leaves the deterministic planner in charge.
type LLMConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int64   `yaml:"max_tokens"`
}

// BrowserConfig holds exploration browser settings.
type BrowserConfig struct {
	Headless           bool `yaml:"headless"`
	PageTimeoutSeconds int  `yaml:"page_timeout_seconds"`
}

// PageTimeout returns the per-page navigation deadline.
func (b BrowserConfig) PageTimeout() time.Duration {
	return time.Duration(b.PageTimeoutSeconds) * time.Second
}

// RedisConfig holds the session and checkpoint store connection. An empty
// Addr selects the in-memory store.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig holds metrics and tracing endpoints. Empty values
// disable the corresponding exporter.
type ObservabilityConfig struct {
	MetricsAddr     string `yaml:"metrics_addr"`
	TracingEndpoint string `yaml:"tracing_endpoint"`
}

// DefaultConfig returns the configuration used when no file or environment
// overrides are present.
func DefaultConfig() *Config {
	return &Config{
		Workspace: "testforge-data",
		Pipeline: PipelineConfig{
			Workers:              4,
			MaxDepth:             2,
			MaxPages:             10,
			Framework:            capabilities.FrameworkPlaywright,
			ScriptTimeoutSeconds: 300,
			Formats:              []string{capabilities.ReportFormatJSON},
		},
		Quota: QuotaConfig{
			MaxCapabilityCalls: 200,
			MaxLLMCalls:        10,
			MaxScripts:         100,
			TimeoutSeconds:     1800,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 60,
			RequestsPerHour:   1000,
			BurstSize:         10,
		},
		Approval: ApprovalConfig{TTLSeconds: 3600},
		Cleanup: CleanupConfig{
			IntervalSeconds:          300,
			RunRetentionSeconds:      86400,
			ApprovalRetentionSeconds: 3600,
		},
		Browser: BrowserConfig{
			Headless:           true,
			PageTimeoutSeconds: 20,
		},
		Redis:   RedisConfig{KeyPrefix: "testforge"},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path when non-empty, then environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays TESTFORGE_* environment variables onto the config.
func (c *Config) applyEnv() {
	envString("TESTFORGE_WORKSPACE", &c.Workspace)

	envInt("TESTFORGE_WORKERS", &c.Pipeline.Workers)
	envInt("TESTFORGE_MAX_DEPTH", &c.Pipeline.MaxDepth)
	envInt("TESTFORGE_MAX_PAGES", &c.Pipeline.MaxPages)
	envString("TESTFORGE_FRAMEWORK", &c.Pipeline.Framework)
	envInt("TESTFORGE_SCRIPT_TIMEOUT_SECONDS", &c.Pipeline.ScriptTimeoutSeconds)
	envList("TESTFORGE_FORMATS", &c.Pipeline.Formats)
	envList("TESTFORGE_APPROVAL_STAGES", &c.Pipeline.ApprovalStages)

	envBool("TESTFORGE_RATE_LIMIT_ENABLED", &c.RateLimit.Enabled)

	envString("TESTFORGE_LLM_API_KEY", &c.LLM.APIKey)
	if c.LLM.APIKey == "" {
		envString("OPENAI_API_KEY", &c.LLM.APIKey)
	}
	envString("TESTFORGE_LLM_BASE_URL", &c.LLM.BaseURL)
	envString("TESTFORGE_LLM_MODEL", &c.LLM.Model)

	envBool("TESTFORGE_BROWSER_HEADLESS", &c.Browser.Headless)

	envString("TESTFORGE_REDIS_ADDR", &c.Redis.Addr)
	envString("TESTFORGE_REDIS_PASSWORD", &c.Redis.Password)
	envInt("TESTFORGE_REDIS_DB", &c.Redis.DB)

	envString("TESTFORGE_LOG_LEVEL", &c.Logging.Level)
	envString("TESTFORGE_LOG_FORMAT", &c.Logging.Format)

	envString("TESTFORGE_METRICS_ADDR", &c.Observability.MetricsAddr)
	envString("TESTFORGE_TRACING_ENDPOINT", &c.Observability.TracingEndpoint)
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("config: workspace must not be empty")
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("config: pipeline.workers must be at least 1")
	}
	if c.Pipeline.MaxDepth < 1 {
		return fmt.Errorf("config: pipeline.max_depth must be at least 1")
	}
	if c.Pipeline.MaxPages < 1 {
		return fmt.Errorf("config: pipeline.max_pages must be at least 1")
	}
	if c.Pipeline.ScriptTimeoutSeconds < 1 {
		return fmt.Errorf("config: pipeline.script_timeout_seconds must be at least 1")
	}
	if !slices.Contains(capabilities.SupportedFrameworks(), strings.ToLower(c.Pipeline.Framework)) {
		return fmt.Errorf("config: unknown framework %q (supported: %s)",
			c.Pipeline.Framework, strings.Join(capabilities.SupportedFrameworks(), ", "))
	}
	for _, f := range c.Pipeline.Formats {
		if !slices.Contains(capabilities.SupportedReportFormats(), strings.ToLower(f)) {
			return fmt.Errorf("config: unknown report format %q (supported: %s)",
				f, strings.Join(capabilities.SupportedReportFormats(), ", "))
		}
	}
	for _, s := range c.Pipeline.ApprovalStages {
		if !slices.Contains(envelope.StageOrder(), strings.ToLower(s)) {
			return fmt.Errorf("config: unknown approval stage %q (stages: %s)",
				s, strings.Join(envelope.StageOrder(), ", "))
		}
	}
	if c.Quota.MaxCapabilityCalls < 0 || c.Quota.MaxLLMCalls < 0 ||
		c.Quota.MaxScripts < 0 || c.Quota.TimeoutSeconds < 0 {
		return fmt.Errorf("config: quota limits must not be negative")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.RequestsPerHour < 0 || c.RateLimit.BurstSize < 0 {
			return fmt.Errorf("config: rate limits must not be negative")
		}
	}
	if c.Approval.TTLSeconds < 1 {
		return fmt.Errorf("config: approval.ttl_seconds must be at least 1")
	}
	return nil
}

// =============================================================================
// ENVIRONMENT HELPERS
// =============================================================================

func envString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func envInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func envBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

func envList(key string, target *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parts := make([]string, 0, 4)
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) > 0 {
		*target = parts
	}
}
