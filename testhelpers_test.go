package cascade

import (
	"context"
	"sync"
	"testing"
)

// testConfig builds a normalized, validated workflow from checks keyed
// by id. Fatal on config errors so tests only describe valid graphs.
func testConfig(t *testing.T, checks map[string]*Check) *Config {
	t.Helper()
	cfg := &Config{Checks: checks}
	if err := cfg.normalize(); err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	return cfg
}

// staticProvider answers every invocation with the same result.
func staticProvider(tag string, result CheckResult) ProviderFunc {
	return ProviderFunc{Tag: tag, Fn: func(_ context.Context, _ CheckContext) (CheckResult, error) {
		return result, nil
	}}
}

// invokeLog records provider invocations in completion order.
type invokeLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *invokeLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, s)
}

func (l *invokeLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func (l *invokeLog) index(s string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e == s {
			return i
		}
	}
	return -1
}

// runEngine builds an engine over cfg and executes one run.
func runEngine(t *testing.T, cfg *Config, reg *Registry, opts RunOptions, engineOpts ...EngineOption) *RunReport {
	t.Helper()
	eng, err := NewEngine(cfg, reg, engineOpts...)
	if err != nil {
		t.Fatal(err)
	}
	report, err := eng.ExecuteChecks(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	return report
}
