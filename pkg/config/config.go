// Package config loads and validates quarry's configuration from
// quarry.yaml plus environment variables.
package config

import (
	"fmt"
	"time"
)

// Config is the immutable settings record passed at construction time.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	LLM       LLMConfig       `yaml:"llm"`
	Search    SearchConfig    `yaml:"search"`
	Database  DatabaseConfig  `yaml:"database"`
	Engine    EngineConfig    `yaml:"engine"`
	Retention RetentionConfig `yaml:"retention"`
	Slack     SlackConfig     `yaml:"slack"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AuthConfig holds bearer-token settings. An empty Secret switches the API
// into dev mode: identity comes from the X-User-ID header.
type AuthConfig struct {
	Secret          string `yaml:"secret"`
	Algorithm       string `yaml:"algorithm"`
	TokenTTLMinutes int    `yaml:"token_ttl_minutes"`
}

// TokenTTL returns the token lifetime as a duration.
func (c AuthConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLMinutes) * time.Minute
}

// DevMode reports whether header-based dev auth is active.
func (c AuthConfig) DevMode() bool {
	return c.Secret == ""
}

// LLMProvider identifies a supported LLM backend
type LLMProvider string

const (
	// LLMProviderOpenAI speaks the OpenAI chat completions API
	LLMProviderOpenAI LLMProvider = "openai"
	// LLMProviderAnthropic speaks the Anthropic messages API
	LLMProviderAnthropic LLMProvider = "anthropic"
)

// IsValid checks if the provider is supported
func (p LLMProvider) IsValid() bool {
	return p == LLMProviderOpenAI || p == LLMProviderAnthropic
}

// LLMConfig holds LLM provider settings.
type LLMConfig struct {
	Provider       LLMProvider `yaml:"provider"`
	APIKey         string      `yaml:"api_key"`
	BaseURL        string      `yaml:"base_url"`
	Model          string      `yaml:"model"`
	MaxTokens      int         `yaml:"max_tokens"`
	Temperature    float32     `yaml:"temperature"`
	TimeoutSeconds int         `yaml:"timeout_seconds"`
}

// Timeout returns the per-call LLM timeout.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SearchConfig holds web-search backend settings.
type SearchConfig struct {
	APIKey                string  `yaml:"api_key"`
	BaseURL               string  `yaml:"base_url"`
	TimeoutSeconds        int     `yaml:"timeout_seconds"`
	MaxResults            int     `yaml:"max_results"`
	FetchContent          bool    `yaml:"fetch_content"`
	BiEncoderThreshold    float64 `yaml:"bi_encoder_threshold"`
	CrossEncoderThreshold float64 `yaml:"cross_encoder_threshold"`
	MLDevice              string  `yaml:"ml_device"`
	CacheTTLMinutes       int     `yaml:"cache_ttl_minutes"`
}

// Timeout returns the per-search timeout.
func (c SearchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CacheTTL returns the page-fetch cache lifetime.
func (c SearchConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}

// DatabaseDriver selects the storage backend
type DatabaseDriver string

const (
	// DatabaseDriverSQLite stores data in a local file
	DatabaseDriverSQLite DatabaseDriver = "sqlite"
	// DatabaseDriverPostgres stores data in PostgreSQL via DSN
	DatabaseDriverPostgres DatabaseDriver = "postgres"
)

// IsValid checks if the driver is supported
func (d DatabaseDriver) IsValid() bool {
	return d == DatabaseDriverSQLite || d == DatabaseDriverPostgres
}

// DatabaseConfig holds persistence settings. Dir and File apply to sqlite;
// DSN applies to postgres.
type DatabaseConfig struct {
	Driver DatabaseDriver `yaml:"driver"`
	Dir    string         `yaml:"dir"`
	File   string         `yaml:"file"`
	DSN    string         `yaml:"dsn"`
}

// EngineConfig holds the research engine tunables.
type EngineConfig struct {
	MinPlanSteps                  int `yaml:"min_plan_steps"`
	MaxPlanSteps                  int `yaml:"max_plan_steps"`
	MaxSubsteps                   int `yaml:"max_substeps"`
	MaxExecutorCalls              int `yaml:"max_executor_calls"`
	MaxSearchesPerStep            int `yaml:"max_searches_per_step"`
	MaxFileReadChars              int `yaml:"max_file_read_chars"`
	TerminalOutputLimit           int `yaml:"terminal_output_limit"`
	TerminalDefaultTimeoutSeconds int `yaml:"terminal_default_timeout_seconds"`
	TerminalMaxTimeoutSeconds     int `yaml:"terminal_max_timeout_seconds"`
	MaxConcurrentRuns             int `yaml:"max_concurrent_runs"`
}

// RetentionConfig holds data retention settings.
type RetentionConfig struct {
	Enabled         bool `yaml:"enabled"`
	RunMaxAgeHours  int  `yaml:"run_max_age_hours"`
	EventTTLHours   int  `yaml:"event_ttl_hours"`
	IntervalMinutes int  `yaml:"interval_minutes"`
}

// RunMaxAge returns the retention age for terminal runs.
func (c RetentionConfig) RunMaxAge() time.Duration {
	return time.Duration(c.RunMaxAgeHours) * time.Hour
}

// EventTTL returns the retention age for persisted events.
func (c RetentionConfig) EventTTL() time.Duration {
	return time.Duration(c.EventTTLHours) * time.Hour
}

// Interval returns the cleanup loop period.
func (c RetentionConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// SlackConfig holds optional Slack notification settings. Empty token or
// channel disables notifications.
type SlackConfig struct {
	Token        string `yaml:"token"`
	Channel      string `yaml:"channel"`
	DashboardURL string `yaml:"dashboard_url"`
}

// LoggingConfig holds slog handler settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}
