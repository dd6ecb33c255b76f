package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	AI       AIConfig       `toml:"ai"`
	History  HistoryConfig  `toml:"history"`
	Memory   MemoryConfig   `toml:"memory"`
	Run      RunConfig      `toml:"run"`
	Observer ObserverConfig `toml:"observer"`
}

type AIConfig struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
	// RPM caps AI provider invocations per minute. Zero means no cap.
	RPM int `toml:"rpm"`
}

type HistoryConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

type MemoryConfig struct {
	// PostgresURL switches memory persistence from the workflow's file
	// backend to a shared PostgreSQL table.
	PostgresURL string `toml:"postgres_url"`
}

type RunConfig struct {
	MaxParallelism int    `toml:"max_parallelism"`
	FailFast       bool   `toml:"fail_fast"`
	Workspace      string `toml:"workspace"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		AI:      AIConfig{Model: "gpt-4o-mini"},
		History: HistoryConfig{Path: "cascade.db"},
		Run:     RunConfig{Workspace: "."},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "cascade.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("CASCADE_AI_API_KEY"); v != "" {
		cfg.AI.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.AI.APIKey == "" {
		cfg.AI.APIKey = v
	}
	if v := os.Getenv("CASCADE_AI_BASE_URL"); v != "" {
		cfg.AI.BaseURL = v
	}
	if v := os.Getenv("CASCADE_HISTORY_PATH"); v != "" {
		cfg.History.Path = v
		cfg.History.Enabled = true
	}
	if v := os.Getenv("CASCADE_POSTGRES_URL"); v != "" {
		cfg.Memory.PostgresURL = v
	}
	if v := os.Getenv("CASCADE_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
