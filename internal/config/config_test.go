package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.AI.Model != "gpt-4o-mini" {
		t.Errorf("expected gpt-4o-mini, got %s", cfg.AI.Model)
	}
	if cfg.History.Path != "cascade.db" {
		t.Errorf("expected cascade.db, got %s", cfg.History.Path)
	}
	if cfg.Run.Workspace != "." {
		t.Errorf("expected ., got %s", cfg.Run.Workspace)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[ai]
api_key = "sk-test"

[run]
max_parallelism = 4
fail_fast = true
`), 0644)

	cfg := Load(path)
	if cfg.AI.APIKey != "sk-test" {
		t.Errorf("expected sk-test, got %s", cfg.AI.APIKey)
	}
	if cfg.Run.MaxParallelism != 4 {
		t.Errorf("expected 4, got %d", cfg.Run.MaxParallelism)
	}
	if !cfg.Run.FailFast {
		t.Error("expected fail_fast true")
	}
	// Defaults preserved
	if cfg.AI.Model != "gpt-4o-mini" {
		t.Errorf("default should be preserved, got %s", cfg.AI.Model)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CASCADE_AI_API_KEY", "env-key")
	t.Setenv("CASCADE_HISTORY_PATH", "/tmp/runs.db")

	cfg := Load("/nonexistent/path.toml")
	if cfg.AI.APIKey != "env-key" {
		t.Errorf("expected env-key, got %s", cfg.AI.APIKey)
	}
	if cfg.History.Path != "/tmp/runs.db" {
		t.Errorf("expected /tmp/runs.db, got %s", cfg.History.Path)
	}
	if !cfg.History.Enabled {
		t.Error("history path env should enable history")
	}
}

func TestOpenAIKeyFallback(t *testing.T) {
	t.Setenv("CASCADE_AI_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-openai")

	cfg := Load("/nonexistent/path.toml")
	if cfg.AI.APIKey != "sk-openai" {
		t.Errorf("expected sk-openai, got %s", cfg.AI.APIKey)
	}
}
