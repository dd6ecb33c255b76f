package cascade

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testGateway(providers ...Provider) *gateway {
	return &gateway{registry: NewRegistry(providers...), logger: nopLogger}
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry(staticProvider("command", CheckResult{}))

	if _, ok := reg.Lookup("command"); !ok {
		t.Error("registered provider not found")
	}
	if _, ok := reg.Lookup("ghost"); ok {
		t.Error("unregistered provider found")
	}

	reg.Register(staticProvider("script", CheckResult{}))
	tags := reg.Tags()
	if len(tags) != 2 || tags[0] != "command" || tags[1] != "script" {
		t.Errorf("Tags() = %v, want [command script]", tags)
	}
}

func TestGatewayMissingProvider(t *testing.T) {
	g := testGateway()
	check := &Check{ID: "lint", Provider: "ghost"}

	result, attempts := g.invoke(context.Background(), check, CheckContext{CheckID: "lint"})

	if attempts != 0 {
		t.Errorf("attempts = %d, want 0", attempts)
	}
	if result.Error == nil || result.Error.Kind != ErrorKindProvider {
		t.Fatalf("Error = %+v, want provider kind", result.Error)
	}
	if len(result.Issues) != 1 || result.Issues[0].RuleID != "lint/provider_missing" {
		t.Errorf("issues = %+v, want lint/provider_missing", result.Issues)
	}
	if result.Issues[0].File != SystemFile {
		t.Errorf("issue file = %q, want %q", result.Issues[0].File, SystemFile)
	}
}

func TestGatewaySuccess(t *testing.T) {
	want := CheckResult{Output: map[string]any{"score": 1}}
	g := testGateway(staticProvider("stub", want))
	check := &Check{ID: "a", Provider: "stub"}

	result, attempts := g.invoke(context.Background(), check, CheckContext{CheckID: "a"})

	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if result.Error != nil {
		t.Errorf("Error = %+v, want nil", result.Error)
	}
	if result.Output == nil {
		t.Error("output lost in gateway")
	}
}

func TestGatewayRetrySucceedsEventually(t *testing.T) {
	var calls atomic.Int32
	p := ProviderFunc{Tag: "flaky", Fn: func(_ context.Context, _ CheckContext) (CheckResult, error) {
		if calls.Add(1) < 3 {
			return CheckResult{}, errors.New("transient")
		}
		return CheckResult{Content: "ok"}, nil
	}}
	g := testGateway(p)
	check := &Check{ID: "a", Provider: "flaky", Retry: &RetryPolicy{Attempts: 3}}

	result, attempts := g.invoke(context.Background(), check, CheckContext{CheckID: "a"})

	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if result.Error != nil || result.Content != "ok" {
		t.Errorf("result = %+v, want success after retries", result)
	}
}

func TestGatewayRetryExhausted(t *testing.T) {
	var calls atomic.Int32
	p := ProviderFunc{Tag: "down", Fn: func(_ context.Context, _ CheckContext) (CheckResult, error) {
		calls.Add(1)
		return CheckResult{}, errors.New("still broken")
	}}
	g := testGateway(p)
	check := &Check{ID: "a", Provider: "down", Retry: &RetryPolicy{Attempts: 2}}

	result, attempts := g.invoke(context.Background(), check, CheckContext{CheckID: "a"})

	if got := calls.Load(); got != 3 {
		t.Errorf("provider called %d times, want 3", got)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if result.Error == nil || result.Error.Kind != ErrorKindProvider {
		t.Fatalf("Error = %+v, want provider kind", result.Error)
	}
	if len(result.Issues) != 1 || result.Issues[0].RuleID != "a/provider_error" {
		t.Errorf("issues = %+v, want a/provider_error", result.Issues)
	}
	if !strings.Contains(result.Error.Message, "still broken") {
		t.Errorf("Error.Message = %q, want provider message preserved", result.Error.Message)
	}
}

func TestGatewayTimeout(t *testing.T) {
	p := ProviderFunc{Tag: "slow", Fn: func(ctx context.Context, _ CheckContext) (CheckResult, error) {
		<-ctx.Done()
		return CheckResult{}, ctx.Err()
	}}
	g := testGateway(p)
	check := &Check{ID: "a", Provider: "slow"}

	result, _ := g.invoke(context.Background(), check, CheckContext{CheckID: "a", Timeout: 20 * time.Millisecond})

	if result.Error == nil || result.Error.Kind != ErrorKindTimeout {
		t.Fatalf("Error = %+v, want timeout kind", result.Error)
	}
	if len(result.Issues) != 1 || result.Issues[0].RuleID != "a/timeout" {
		t.Errorf("issues = %+v, want a/timeout", result.Issues)
	}
	if statusOf(result) != StatusTimeout {
		t.Errorf("status = %q, want timeout", statusOf(result))
	}
}

func TestGatewayCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := ProviderFunc{Tag: "slow", Fn: func(ctx context.Context, _ CheckContext) (CheckResult, error) {
		cancel()
		<-ctx.Done()
		return CheckResult{}, ctx.Err()
	}}
	g := testGateway(p)
	check := &Check{ID: "a", Provider: "slow"}

	result, _ := g.invoke(ctx, check, CheckContext{CheckID: "a"})

	if result.Error == nil || result.Error.Kind != ErrorKindCancelled {
		t.Fatalf("Error = %+v, want cancelled kind", result.Error)
	}
	if statusOf(result) != StatusCancelled {
		t.Errorf("status = %q, want cancelled", statusOf(result))
	}
}

func TestGatewayPanicRecovery(t *testing.T) {
	p := ProviderFunc{Tag: "buggy", Fn: func(_ context.Context, _ CheckContext) (CheckResult, error) {
		panic("nil map write")
	}}
	g := testGateway(p)
	check := &Check{ID: "a", Provider: "buggy"}

	result, attempts := g.invoke(context.Background(), check, CheckContext{CheckID: "a"})

	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if result.Error == nil || result.Error.Kind != ErrorKindProvider {
		t.Fatalf("Error = %+v, want provider kind", result.Error)
	}
	if !strings.Contains(result.Error.Message, "panic") {
		t.Errorf("Error.Message = %q, want panic note", result.Error.Message)
	}
}

func TestGatewayWrapsProviderError(t *testing.T) {
	p := ProviderFunc{Tag: "cmd", Fn: func(_ context.Context, _ CheckContext) (CheckResult, error) {
		return CheckResult{}, errors.New("exit status 2")
	}}
	g := testGateway(p)
	check := &Check{ID: "lint", Provider: "cmd"}

	result, _ := g.invoke(context.Background(), check, CheckContext{CheckID: "lint"})

	// The wrapped message names both the provider and the check.
	if !strings.Contains(result.Error.Message, "cmd") || !strings.Contains(result.Error.Message, "lint") {
		t.Errorf("Error.Message = %q, want provider and check named", result.Error.Message)
	}
}

func TestRetryDelay(t *testing.T) {
	base := 100 * time.Millisecond
	tests := []struct {
		backoff string
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{"constant", 0, 100 * time.Millisecond, 125 * time.Millisecond},
		{"constant", 2, 100 * time.Millisecond, 125 * time.Millisecond},
		{"linear", 1, 200 * time.Millisecond, 250 * time.Millisecond},
		{"exponential", 2, 400 * time.Millisecond, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		policy := &RetryPolicy{Attempts: 3, Backoff: tt.backoff, Delay: base}
		got := retryDelay(policy, tt.attempt)
		if got < tt.min || got > tt.max {
			t.Errorf("retryDelay(%s, %d) = %v, want within [%v, %v]",
				tt.backoff, tt.attempt, got, tt.min, tt.max)
		}
	}

	if got := retryDelay(nil, 0); got != 0 {
		t.Errorf("retryDelay(nil) = %v, want 0", got)
	}
}
