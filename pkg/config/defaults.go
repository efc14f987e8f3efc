package config

// Default returns the built-in configuration. Values mirror the documented
// defaults; a config file and environment expansion layer on top.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Auth: AuthConfig{
			Algorithm:       "HS256",
			TokenTTLMinutes: 1440,
		},
		LLM: LLMConfig{
			Provider:       LLMProviderOpenAI,
			Model:          "gpt-4o",
			MaxTokens:      4096,
			Temperature:    0.2,
			TimeoutSeconds: 120,
		},
		Search: SearchConfig{
			BaseURL:               "https://api.search.brave.com/res/v1/web/search",
			TimeoutSeconds:        60,
			MaxResults:            5,
			FetchContent:          true,
			BiEncoderThreshold:    0.3,
			CrossEncoderThreshold: 0.2,
			MLDevice:              "cpu",
			CacheTTLMinutes:       15,
		},
		Database: DatabaseConfig{
			Driver: DatabaseDriverSQLite,
			Dir:    "./data",
			File:   "quarry.db",
		},
		Engine: EngineConfig{
			MinPlanSteps:                  3,
			MaxPlanSteps:                  10,
			MaxSubsteps:                   3,
			MaxExecutorCalls:              5,
			MaxSearchesPerStep:            3,
			MaxFileReadChars:              8000,
			TerminalOutputLimit:           4000,
			TerminalDefaultTimeoutSeconds: 30,
			TerminalMaxTimeoutSeconds:     300,
			MaxConcurrentRuns:             8,
		},
		Retention: RetentionConfig{
			Enabled:         false,
			RunMaxAgeHours:  720,
			EventTTLHours:   72,
			IntervalMinutes: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
