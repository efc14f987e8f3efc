package config

import (
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges, and validates configuration.
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Read the YAML file at path (optional; missing file means defaults)
//  3. Expand {{.ENV_VAR}} templates
//  4. Merge file values over defaults
//  5. Apply direct environment overrides for secrets
//  6. Validate everything
func Initialize(path string) (*Config, error) {
	cfg := Default()

	overlay, found, err := loadFile(path)
	if err != nil {
		return nil, NewLoadError(path, err)
	}
	if found {
		if err := mergo.Merge(cfg, overlay, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	slog.Info("Configuration initialized",
		"file", path,
		"file_present", found,
		"llm_provider", cfg.LLM.Provider,
		"database_driver", cfg.Database.Driver)

	return cfg, nil
}

func loadFile(path string) (*Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	data = ExpandEnv(data)

	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &overlay, true, nil
}

// applyEnvOverrides fills secret-bearing fields from the environment when
// the file left them empty. Non-secret tuning stays YAML-only.
func applyEnvOverrides(cfg *Config) {
	set := func(dst *string, key string) {
		if *dst == "" {
			if v := os.Getenv(key); v != "" {
				*dst = v
			}
		}
	}
	set(&cfg.LLM.APIKey, "QUARRY_LLM_API_KEY")
	set(&cfg.Search.APIKey, "QUARRY_SEARCH_API_KEY")
	set(&cfg.Auth.Secret, "QUARRY_AUTH_SECRET")
	set(&cfg.Database.DSN, "QUARRY_DATABASE_DSN")
	set(&cfg.Slack.Token, "QUARRY_SLACK_TOKEN")
}
