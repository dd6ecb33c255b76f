package cascade

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

const sampleWorkflow = `
version: "1"
max_parallelism: 4
fail_fast: true
fail_if: outputs.lint.score > 10

routing:
  max_loops: 5
  on_fail:
    run: [notify]

memory:
  namespace: review
  persist: true
  file: state.json

checks:
  fetch:
    provider: command
    params:
      exec: git diff
  files:
    provider: script
    depends_on: [fetch]
    for_each: true
    params:
      expr: outputs.fetch.files
  lint:
    provider: command
    depends_on: [files]
    fanout: map
    timeout: 30s
    retry:
      attempts: 2
      backoff: exponential
      delay: 100ms
  notify:
    provider: http
    if: event.name == "manual"
    on_success:
      goto_event: done
      goto: fetch
  summary:
    provider: ai
    depends_on: ["lint|fetch", "notify"]
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleWorkflow))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.MaxParallelism != 4 || !cfg.FailFast {
		t.Errorf("run settings = (%d, %v), want (4, true)", cfg.MaxParallelism, cfg.FailFast)
	}
	if cfg.MaxLoops() != 5 {
		t.Errorf("MaxLoops() = %d, want 5", cfg.MaxLoops())
	}

	// Ids are filled in from map keys.
	if cfg.Checks["fetch"].ID != "fetch" {
		t.Errorf("fetch.ID = %q, want fetch", cfg.Checks["fetch"].ID)
	}

	// Fanout defaults to reduce.
	if got := cfg.Checks["fetch"].Fanout; got != FanoutReduce {
		t.Errorf("fetch.Fanout = %q, want reduce", got)
	}
	if got := cfg.Checks["lint"].Fanout; got != FanoutMap {
		t.Errorf("lint.Fanout = %q, want map", got)
	}

	if got := cfg.Checks["lint"].Timeout; got != 30*time.Second {
		t.Errorf("lint.Timeout = %v, want 30s", got)
	}
	if r := cfg.Checks["lint"].Retry; r == nil || r.Attempts != 2 || r.Backoff != "exponential" {
		t.Errorf("lint.Retry = %+v, want attempts 2, exponential", r)
	}

	if cfg.Memory == nil || cfg.Memory.Namespace != "review" || !cfg.Memory.Persist {
		t.Errorf("Memory = %+v, want review/persist", cfg.Memory)
	}
	if cfg.Memory.Format != "json" {
		t.Errorf("Memory.Format = %q, want json default", cfg.Memory.Format)
	}

	want := []string{"fetch", "files", "lint", "notify", "summary"}
	if got := cfg.CheckIDs(); !reflect.DeepEqual(got, want) {
		t.Errorf("CheckIDs() = %v, want %v", got, want)
	}
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig("testdata/code-review.yml")
	if err != nil {
		t.Fatal(err)
	}

	if len(cfg.Checks) != 8 {
		t.Errorf("checks = %d, want 8", len(cfg.Checks))
	}
	if cfg.Checks["lint"].Fanout != FanoutMap {
		t.Errorf("lint.Fanout = %q, want map", cfg.Checks["lint"].Fanout)
	}
	if cfg.Checks["summary"].OnFinish == nil {
		t.Error("summary.OnFinish not parsed")
	}
	if cfg.Memory == nil || !cfg.Memory.Persist {
		t.Errorf("Memory = %+v, want persisted", cfg.Memory)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("testdata/does-not-exist.yml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "does-not-exist.yml") {
		t.Errorf("error = %q, want the path named", err)
	}
}

func TestParseConfigDefaultMaxLoops(t *testing.T) {
	cfg, err := ParseConfig([]byte("checks:\n  a:\n    provider: command\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxLoops() != DefaultMaxLoops {
		t.Errorf("MaxLoops() = %d, want %d", cfg.MaxLoops(), DefaultMaxLoops)
	}
}

func TestDepGroups(t *testing.T) {
	check := &Check{DependsOn: []string{"a|b", "c", " d | e "}}
	want := [][]string{{"a", "b"}, {"c"}, {"d", "e"}}
	if got := check.depGroups(); !reflect.DeepEqual(got, want) {
		t.Errorf("depGroups() = %v, want %v", got, want)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		path string
	}{
		{
			"no checks",
			"checks: {}\n",
			"checks",
		},
		{
			"missing provider",
			"checks:\n  a: {}\n",
			"checks.a.provider",
		},
		{
			"unknown dependency",
			"checks:\n  a:\n    provider: x\n    depends_on: [ghost]\n",
			"checks.a.depends_on",
		},
		{
			"unknown fanout",
			"checks:\n  a:\n    provider: x\n    fanout: scatter\n",
			"checks.a.fanout",
		},
		{
			"bad if expression",
			"checks:\n  a:\n    provider: x\n    if: 'outputs..'\n",
			"checks.a.if",
		},
		{
			"bad run_js expression",
			"checks:\n  a:\n    provider: x\n    on_success:\n      run_js: 'outputs..'\n",
			"checks.a.on_success.run_js",
		},
		{
			"unknown run target",
			"checks:\n  a:\n    provider: x\n    on_success:\n      run: [ghost]\n",
			"checks.a.on_success.run",
		},
		{
			"unknown goto target",
			"checks:\n  a:\n    provider: x\n    on_fail:\n      goto: ghost\n",
			"checks.a.on_fail.goto",
		},
		{
			"negative retry attempts",
			"checks:\n  a:\n    provider: x\n    retry:\n      attempts: -1\n",
			"checks.a.retry.attempts",
		},
		{
			"unknown backoff",
			"checks:\n  a:\n    provider: x\n    retry:\n      attempts: 1\n      backoff: fib\n",
			"checks.a.retry.backoff",
		},
		{
			"bad memory format",
			"memory:\n  format: xml\nchecks:\n  a:\n    provider: x\n",
			"memory.format",
		},
		{
			"persist without file",
			"memory:\n  persist: true\nchecks:\n  a:\n    provider: x\n",
			"memory.file",
		},
		{
			"cycle",
			"checks:\n  a:\n    provider: x\n    depends_on: [b]\n  b:\n    provider: x\n    depends_on: [a]\n",
			"checks",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected config error")
			}
			var cfgErr *ErrConfig
			if !errors.As(err, &cfgErr) {
				t.Fatalf("error type = %T, want *ErrConfig", err)
			}
			if cfgErr.Path != tt.path {
				t.Errorf("error path = %q, want %q", cfgErr.Path, tt.path)
			}
		})
	}
}

func TestParseConfigInvalidYAML(t *testing.T) {
	_, err := ParseConfig([]byte("checks: ["))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "parse yaml") {
		t.Errorf("error = %q, want yaml parse failure", err)
	}
}

func TestEffectiveBlockOverride(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleWorkflow))
	if err != nil {
		t.Fatal(err)
	}

	// fetch has no on_fail block, so the workflow default applies.
	block := cfg.effectiveBlock(cfg.Checks["fetch"], "on_fail")
	if block == nil || len(block.Run) != 1 || block.Run[0] != "notify" {
		t.Errorf("default on_fail = %+v, want run [notify]", block)
	}

	// notify declares its own on_success, which wins over defaults.
	block = cfg.effectiveBlock(cfg.Checks["notify"], "on_success")
	if block == nil || block.Goto != "fetch" || block.GotoEvent != "done" {
		t.Errorf("notify on_success = %+v, want goto fetch under event done", block)
	}
}

func TestHasMapDependents(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleWorkflow))
	if err != nil {
		t.Fatal(err)
	}

	if !cfg.hasMapDependents("files") {
		t.Error("files has map dependent lint, got false")
	}
	if cfg.hasMapDependents("notify") {
		t.Error("notify has no map dependents, got true")
	}
}
