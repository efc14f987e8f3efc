package config

import (
	"errors"
	"fmt"
)

var validAuthAlgorithms = map[string]bool{
	"HS256": true,
	"HS384": true,
	"HS512": true,
}

// Validate checks the whole configuration and returns every problem found.
func Validate(cfg *Config) error {
	var errs []error

	fail := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		fail("server.port", "must be in 1..65535, got %d", cfg.Server.Port)
	}

	if !validAuthAlgorithms[cfg.Auth.Algorithm] {
		fail("auth.algorithm", "unsupported algorithm %q (HS256, HS384, HS512)", cfg.Auth.Algorithm)
	}
	if cfg.Auth.TokenTTLMinutes <= 0 {
		fail("auth.token_ttl_minutes", "must be positive, got %d", cfg.Auth.TokenTTLMinutes)
	}

	if !cfg.LLM.Provider.IsValid() {
		fail("llm.provider", "unsupported provider %q", cfg.LLM.Provider)
	}
	if cfg.LLM.Model == "" {
		fail("llm.model", "must not be empty")
	}
	if cfg.LLM.MaxTokens <= 0 {
		fail("llm.max_tokens", "must be positive, got %d", cfg.LLM.MaxTokens)
	}
	if cfg.LLM.TimeoutSeconds <= 0 {
		fail("llm.timeout_seconds", "must be positive, got %d", cfg.LLM.TimeoutSeconds)
	}

	if cfg.Search.TimeoutSeconds <= 0 {
		fail("search.timeout_seconds", "must be positive, got %d", cfg.Search.TimeoutSeconds)
	}
	if cfg.Search.MaxResults <= 0 {
		fail("search.max_results", "must be positive, got %d", cfg.Search.MaxResults)
	}

	if !cfg.Database.Driver.IsValid() {
		fail("database.driver", "unsupported driver %q", cfg.Database.Driver)
	}
	switch cfg.Database.Driver {
	case DatabaseDriverSQLite:
		if cfg.Database.Dir == "" || cfg.Database.File == "" {
			fail("database", "sqlite requires dir and file")
		}
	case DatabaseDriverPostgres:
		if cfg.Database.DSN == "" {
			fail("database.dsn", "postgres requires a DSN")
		}
	}

	e := cfg.Engine
	if e.MinPlanSteps < 1 {
		fail("engine.min_plan_steps", "must be >= 1, got %d", e.MinPlanSteps)
	}
	if e.MaxPlanSteps < e.MinPlanSteps {
		fail("engine.max_plan_steps", "must be >= min_plan_steps (%d), got %d", e.MinPlanSteps, e.MaxPlanSteps)
	}
	if e.MaxSubsteps < 1 {
		fail("engine.max_substeps", "must be >= 1, got %d", e.MaxSubsteps)
	}
	if e.MaxExecutorCalls < 1 {
		fail("engine.max_executor_calls", "must be >= 1, got %d", e.MaxExecutorCalls)
	}
	if e.MaxSearchesPerStep < 1 {
		fail("engine.max_searches_per_step", "must be >= 1, got %d", e.MaxSearchesPerStep)
	}
	if e.MaxFileReadChars < 1 {
		fail("engine.max_file_read_chars", "must be >= 1, got %d", e.MaxFileReadChars)
	}
	if e.TerminalOutputLimit < 1 {
		fail("engine.terminal_output_limit", "must be >= 1, got %d", e.TerminalOutputLimit)
	}
	if e.TerminalDefaultTimeoutSeconds < 1 {
		fail("engine.terminal_default_timeout_seconds", "must be >= 1, got %d", e.TerminalDefaultTimeoutSeconds)
	}
	if e.TerminalMaxTimeoutSeconds < e.TerminalDefaultTimeoutSeconds {
		fail("engine.terminal_max_timeout_seconds", "must be >= default timeout (%d), got %d",
			e.TerminalDefaultTimeoutSeconds, e.TerminalMaxTimeoutSeconds)
	}
	if e.MaxConcurrentRuns < 1 {
		fail("engine.max_concurrent_runs", "must be >= 1, got %d", e.MaxConcurrentRuns)
	}

	if cfg.Retention.Enabled {
		if cfg.Retention.RunMaxAgeHours <= 0 {
			fail("retention.run_max_age_hours", "must be positive when retention is enabled")
		}
		if cfg.Retention.IntervalMinutes <= 0 {
			fail("retention.interval_minutes", "must be positive when retention is enabled")
		}
	}

	switch cfg.Logging.Format {
	case "", "text", "json":
	default:
		fail("logging.format", "must be text or json, got %q", cfg.Logging.Format)
	}

	return errors.Join(errs...)
}
