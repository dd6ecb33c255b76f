package cascade

import (
	"context"
	"sync"
	"time"
)

// rateLimitProvider wraps a Provider with proactive rate limiting.
// Invocations block until the rate budget allows them to proceed.
type rateLimitProvider struct {
	inner Provider
	mu    sync.Mutex

	// RPM state: sliding window of invocation timestamps.
	rpm       int
	rpmWindow []time.Time

	// Concurrency state: counting semaphore, nil when unbounded.
	sem chan struct{}
}

// RateLimitOption configures a rateLimitProvider.
type RateLimitOption func(*rateLimitProvider)

// RPM sets the maximum invocations per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.rpm = n }
}

// MaxConcurrent caps in-flight invocations of the wrapped provider.
// The scheduler's own parallelism bound applies across all providers;
// this one protects a single backend.
func MaxConcurrent(n int) RateLimitOption {
	return func(r *rateLimitProvider) {
		if n > 0 {
			r.sem = make(chan struct{}, n)
		}
	}
}

// WithRateLimit wraps p with proactive rate limiting. Compose at
// registration time:
//
//	reg := cascade.NewRegistry(cascade.WithRateLimit(ai.New(key), cascade.RPM(60)))
//	reg := cascade.NewRegistry(cascade.WithRateLimit(p, cascade.RPM(60), cascade.MaxConcurrent(2)))
func WithRateLimit(p Provider, opts ...RateLimitOption) Provider {
	r := &rateLimitProvider{inner: p}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *rateLimitProvider) Name() string { return r.inner.Name() }

func (r *rateLimitProvider) Invoke(ctx context.Context, cc CheckContext) (CheckResult, error) {
	if r.sem != nil {
		select {
		case r.sem <- struct{}{}:
			defer func() { <-r.sem }()
		case <-ctx.Done():
			return CheckResult{}, ctx.Err()
		}
	}
	if err := r.waitForBudget(ctx); err != nil {
		return CheckResult{}, err
	}
	return r.inner.Invoke(ctx, cc)
}

// waitForBudget blocks until the RPM budget allows an invocation.
// Returns ctx.Err() if the context is cancelled while waiting.
func (r *rateLimitProvider) waitForBudget(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Minute)

		// Prune expired entries.
		r.rpmWindow = pruneTime(r.rpmWindow, cutoff)

		if r.rpm <= 0 || len(r.rpmWindow) < r.rpm {
			if r.rpm > 0 {
				r.rpmWindow = append(r.rpmWindow, now)
			}
			r.mu.Unlock()
			return nil
		}

		// Wait until the oldest entry in the window expires.
		wait := r.rpmWindow[0].Add(time.Minute).Sub(now)
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// pruneTime removes entries older than cutoff from a sorted time slice.
func pruneTime(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}

// compile-time check
var _ Provider = (*rateLimitProvider)(nil)
