package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// CheckContext is everything a provider sees for one invocation: the
// check's identity and payload, a frozen view of prior outputs, the
// event envelope, and the run's memory handle. The context.Context
// passed to Invoke carries the effective deadline and cancellation.
type CheckContext struct {
	CheckID string
	Scope   ScopePath
	Event   Event
	Inputs  *ContextView
	Memory  *MemoryHandle
	Params  map[string]any
	Timeout time.Duration
	WorkDir string

	check *Check
}

// ExprScope returns the standard expression scope for this invocation:
// step, outputs, outputs_raw, outputs_history, output, memory, event.
// Script-style providers evaluate user expressions against it.
func (cc CheckContext) ExprScope() map[string]any {
	check := cc.check
	if check == nil {
		check = &Check{ID: cc.CheckID}
	}
	if cc.Inputs == nil {
		cc.Inputs = NewContextView(NewJournal(), 0, cc.Scope, cc.Event.Name)
	}
	return exprScope(cc.Inputs, check, cc.Inputs.Output(cc.CheckID), cc.Event, cc.Memory)
}

// Provider is an external collaborator that implements the actual check
// logic. The engine treats it as an opaque callable.
type Provider interface {
	// Name returns the provider tag checks reference in config.
	Name() string
	// Invoke executes one check. Returning an error is equivalent to
	// returning a CheckResult with an Error field; the gateway maps it.
	Invoke(ctx context.Context, cc CheckContext) (CheckResult, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc struct {
	Tag string
	Fn  func(ctx context.Context, cc CheckContext) (CheckResult, error)
}

func (p ProviderFunc) Name() string { return p.Tag }

func (p ProviderFunc) Invoke(ctx context.Context, cc CheckContext) (CheckResult, error) {
	return p.Fn(ctx, cc)
}

var _ Provider = ProviderFunc{}

// --- Registry ---

// Registry maps provider tags to implementations. Safe for concurrent
// use; registration after the engine starts is visible to later waves.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds or replaces a provider under its name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Lookup returns the provider registered under tag.
func (r *Registry) Lookup(tag string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[tag]
	return p, ok
}

// Tags returns the registered provider tags.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for tag := range r.providers {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// --- Gateway ---

// gateway is the single point where the engine touches the outside
// world. It enforces the effective timeout, recovers provider panics,
// applies the check's retry policy, and maps every failure mode to an
// ErrorInfo value on the result.
type gateway struct {
	registry *Registry
	logger   *slog.Logger
	tracer   Tracer
}

// invoke runs one provider call and always returns a usable result and
// the number of attempts made.
func (g *gateway) invoke(ctx context.Context, check *Check, cc CheckContext) (CheckResult, int) {
	provider, ok := g.registry.Lookup(check.Provider)
	if !ok {
		return CheckResult{
			Error: &ErrorInfo{
				Kind:    ErrorKindProvider,
				Message: fmt.Sprintf("provider %q not registered", check.Provider),
			},
			Issues: []Issue{{
				RuleID:   check.ID + "/provider_missing",
				Severity: SeverityError,
				Message:  fmt.Sprintf("no provider registered for tag %q", check.Provider),
				File:     SystemFile,
			}},
		}, 0
	}

	if cc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cc.Timeout)
		defer cancel()
	}

	attempts := 1
	if check.Retry != nil && check.Retry.Attempts > 0 {
		attempts = 1 + check.Retry.Attempts
	}

	var result CheckResult
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := retryDelay(check.Retry, attempt-1)
			g.logger.Warn("retrying check",
				"check", check.ID,
				"provider", check.Provider,
				"attempt", attempt+1,
				"max_attempts", attempts,
				"delay", delay)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return cancelResult(ctx, check), attempt
			case <-timer.C:
			}
		}

		result, err = g.call(ctx, provider, cc)
		if err == nil && result.Error == nil {
			return result, attempt + 1
		}
		if ctx.Err() != nil {
			return cancelResult(ctx, check), attempt + 1
		}
	}

	if err != nil {
		result = providerErrorResult(check, err)
	}
	return result, attempts
}

// call is a single provider invocation with panic recovery.
func (g *gateway) call(ctx context.Context, p Provider, cc CheckContext) (result CheckResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ErrProvider{
				Check:    cc.CheckID,
				Provider: p.Name(),
				Message:  fmt.Sprintf("panic: %v", r),
			}
		}
	}()

	var span Span
	if g.tracer != nil {
		ctx, span = g.tracer.Start(ctx, "cascade.provider.invoke",
			StringAttr("check.id", cc.CheckID),
			StringAttr("provider", p.Name()),
			StringAttr("scope", cc.Scope.String()))
		defer func() {
			if err != nil {
				span.Error(err)
			}
			span.End()
		}()
	}

	result, err = p.Invoke(ctx, cc)
	if err != nil && ctx.Err() == nil {
		err = &ErrProvider{Check: cc.CheckID, Provider: p.Name(), Message: err.Error()}
	}
	return result, err
}

// cancelResult maps a context end into a Timeout or Cancelled result.
func cancelResult(ctx context.Context, check *Check) CheckResult {
	kind := ErrorKindCancelled
	msg := "check cancelled"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = ErrorKindTimeout
		msg = "check timed out"
	}
	return CheckResult{
		Error: &ErrorInfo{Kind: kind, Message: msg},
		Issues: []Issue{{
			RuleID:   check.ID + "/" + string(kind),
			Severity: SeverityError,
			Message:  msg,
			File:     SystemFile,
		}},
	}
}

func providerErrorResult(check *Check, err error) CheckResult {
	return CheckResult{
		Error: &ErrorInfo{Kind: ErrorKindProvider, Message: err.Error()},
		Issues: []Issue{{
			RuleID:   check.ID + "/provider_error",
			Severity: SeverityError,
			Message:  err.Error(),
			File:     SystemFile,
		}},
	}
}

// retryDelay computes the sleep before retry i (0-indexed) from the
// check's policy, with up to 25% jitter.
func retryDelay(policy *RetryPolicy, i int) time.Duration {
	if policy == nil || policy.Delay <= 0 {
		return 0
	}
	var d time.Duration
	switch policy.Backoff {
	case "linear":
		d = policy.Delay * time.Duration(i+1)
	case "exponential":
		d = policy.Delay * (1 << i)
	default: // constant
		d = policy.Delay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}
