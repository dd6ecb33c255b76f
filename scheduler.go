package cascade

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxParallelism bounds in-flight checks when neither the config
// nor the run options set a limit.
const DefaultMaxParallelism = 10

// scheduledRun is one unit of work for the scheduler: a check at a
// scope, under an event. origin is set when routing requested the run.
type scheduledRun struct {
	checkID string
	scope   ScopePath
	event   string
	origin  string
}

func (r scheduledRun) key() string {
	return r.checkID + "@" + r.scope.String() + "#" + r.event
}

// scheduler drives one run: planned waves in order, each wave's checks
// in parallel under the worker bound, then routing-requested restricted
// passes until the wave is quiescent.
type scheduler struct {
	engine  *Engine
	journal *Journal
	state   *runState
	router  *router
	mem     *MemoryHandle

	waves   [][]string
	waveIdx map[string]int

	event    Event
	maxPar   int
	failFast bool
	workDir  string

	cancelRun context.CancelFunc
	pending   map[int][]scheduledRun

	// routingMu serializes the commit + routing section so routing is
	// invoked serially per completed check.
	routingMu sync.Mutex
}

// run executes every wave. Returns once all waves have drained or the
// context ended.
func (s *scheduler) run(ctx context.Context) {
	for wi := 0; wi < len(s.waves); wi++ {
		if ctx.Err() != nil {
			s.markRemainingSkipped(wi, "run cancelled")
			return
		}

		directives := s.executePass(ctx, s.plannedRuns(wi))

		// Restricted re-passes: directives into this or earlier waves run
		// immediately with a fresh snapshot; later-wave targets queue up
		// and join their planned wave.
		for len(directives) > 0 && ctx.Err() == nil {
			var now []scheduledRun
			for _, d := range directives {
				run := scheduledRun{checkID: d.target, scope: d.scope, event: s.eventFor(d), origin: d.origin}
				if tw, ok := s.waveIdx[d.target]; ok && tw > wi {
					s.pending[tw] = append(s.pending[tw], run)
					continue
				}
				now = append(now, run)
			}
			if len(now) == 0 {
				break
			}
			directives = s.executePass(ctx, now)
		}
	}
}

// plannedRuns expands wave wi into concrete runs: fanout checks get one
// run per item scope, everything else one run at root. Routing-queued
// runs for this wave join here, deduplicated against the plan.
func (s *scheduler) plannedRuns(wi int) []scheduledRun {
	var runs []scheduledRun
	for _, id := range s.waves[wi] {
		check := s.engine.cfg.Checks[id]
		if scopes := fanoutScopes(check, s.journal, s.journal.Snapshot()); len(scopes) > 0 {
			for _, scope := range scopes {
				runs = append(runs, scheduledRun{checkID: id, scope: scope, event: s.event.Name})
			}
			continue
		}
		runs = append(runs, scheduledRun{checkID: id, scope: RootScope, event: s.event.Name})
	}

	// Routing-queued runs join the plan. A queued run that collides with
	// a planned one donates its origin so the explicit request still
	// bypasses the dependency gates.
	index := make(map[string]int, len(runs))
	for i, r := range runs {
		index[r.key()] = i
	}
	for _, r := range s.pending[wi] {
		if i, ok := index[r.key()]; ok {
			if runs[i].origin == "" {
				runs[i].origin = r.origin
			}
			continue
		}
		index[r.key()] = len(runs)
		runs = append(runs, r)
	}
	s.pending[wi] = nil
	return runs
}

// eventFor resolves the event name a directive's run executes under.
func (s *scheduler) eventFor(d directive) string {
	if d.event != "" {
		return d.event
	}
	return s.event.Name
}

// executePass runs one batch of scheduled runs through the worker pool
// and collects the routing directives their completions emitted.
func (s *scheduler) executePass(ctx context.Context, runs []scheduledRun) []directive {
	runs = s.filterEligible(runs)
	if len(runs) == 0 {
		return nil
	}
	s.state.nextPass()

	sem := make(chan struct{}, s.maxPar)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var out []directive

	for _, run := range runs {
		select {
		case <-ctx.Done():
			s.state.recordSkip(run.checkID, "run cancelled")
			continue
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(r scheduledRun) {
			defer wg.Done()
			defer func() { <-sem }()
			dirs := s.executeOne(ctx, r)
			if len(dirs) > 0 {
				mu.Lock()
				out = append(out, dirs...)
				mu.Unlock()
			}
		}(run)
	}
	wg.Wait()
	return out
}

// filterEligible applies the eligibility gates: per-pass dedup, the if
// condition, and for planned runs dependency visibility and upstream
// failure propagation. Skipped runs commit nothing; they only appear in
// the report.
func (s *scheduler) filterEligible(runs []scheduledRun) []scheduledRun {
	e := s.engine
	seen := make(map[string]bool, len(runs))
	out := runs[:0]

	for _, run := range runs {
		if seen[run.key()] {
			continue
		}
		seen[run.key()] = true

		check := e.cfg.Checks[run.checkID]
		cutoff := s.journal.Snapshot()
		view := NewContextView(s.journal, cutoff, run.scope, run.event)

		// Planned runs require each dependency group to have a visible
		// committed entry, and at least one non-failed alternative.
		// Routing-requested runs were asked for explicitly and bypass
		// both gates.
		if run.origin == "" {
			if reason, ok := s.dependenciesReady(check, view); !ok {
				s.state.recordSkip(run.checkID, reason)
				e.logger.Debug("check skipped", "check", run.checkID, "reason", reason)
				continue
			}
		}

		if check.If != "" {
			env := exprScope(view, check, view.Output(check.ID), Event{Name: run.event, Payload: s.event.Payload}, s.mem)
			pass, err := e.sandbox.evalBool(check.If, env)
			if err != nil {
				e.logger.Warn("if condition failed to evaluate, skipping check",
					"check", run.checkID, "error", err)
				s.state.recordSkip(run.checkID, "condition error")
				continue
			}
			if !pass {
				s.state.recordSkip(run.checkID, "condition not met")
				continue
			}
		}

		out = append(out, run)
	}
	return out
}

// dependenciesReady reports whether every dependency group of check has
// a visible entry under view, with at least one alternative that did
// not fail. A pipe group is satisfied by whichever alternative ran.
func (s *scheduler) dependenciesReady(check *Check, view *ContextView) (string, bool) {
	for _, group := range check.depGroups() {
		visible := false
		healthy := false
		for _, dep := range group {
			r, ok := view.Get(dep)
			if !ok {
				continue
			}
			visible = true
			if !r.Failed() {
				healthy = true
				break
			}
		}
		if !visible {
			return "dependency " + joinGroup(group) + " not satisfied", false
		}
		if !healthy {
			return "dependency " + joinGroup(group) + " failed", false
		}
	}
	return "", true
}

// executeOne performs one check execution end to end: snapshot, build
// context, invoke through the gateway, fail_if, commit, stats, fail
// fast, routing. Returns the directives routing emitted.
func (s *scheduler) executeOne(ctx context.Context, run scheduledRun) []directive {
	e := s.engine
	check := e.cfg.Checks[run.checkID]

	// The provider's view of prior outputs freezes here; siblings that
	// commit later in this wave stay invisible.
	cutoff := s.journal.Snapshot()
	view := NewContextView(s.journal, cutoff, run.scope, run.event)
	runEvent := Event{Name: run.event, Payload: s.event.Payload}

	cc := CheckContext{
		CheckID: run.checkID,
		Scope:   run.scope,
		Event:   runEvent,
		Inputs:  view,
		Memory:  s.mem,
		Params:  check.Params,
		Timeout: s.effectiveTimeout(ctx, check),
		WorkDir: s.workDir,
		check:   check,
	}

	e.logger.Debug("check starting",
		"check", run.checkID, "scope", run.scope.String(), "event", run.event, "cutoff", cutoff)

	start := time.Now()
	result, attempts := e.gateway.invoke(ctx, check, cc)
	duration := time.Since(start)

	applyForEachResult(check, &result)
	e.applyFailIf(&result, check, view, runEvent, s.mem)

	s.routingMu.Lock()
	defer s.routingMu.Unlock()

	entry := s.journal.Commit(JournalEntry{
		SessionID: s.state.sessionID,
		Scope:     run.scope,
		CheckID:   run.checkID,
		Event:     run.event,
		Result:    result,
	})
	status := statusOf(result)
	s.state.recordRun(run.checkID, status, attempts, duration, result.Failed())

	e.logger.Debug("check committed",
		"check", run.checkID, "scope", run.scope.String(), "commit_id", entry.CommitID,
		"status", status, "duration", duration)

	if s.failFast && result.Critical() && s.state.markFailFast() {
		e.logger.Warn("fail-fast triggered, cancelling run", "check", run.checkID)
		s.cancelRun()
	}

	return s.router.afterCommit(entry, check, s.state, s.journal, s.mem)
}

// effectiveTimeout is the smaller of the check's own timeout and the
// remaining run budget. Zero means no per-invocation deadline beyond
// the run context.
func (s *scheduler) effectiveTimeout(ctx context.Context, check *Check) time.Duration {
	timeout := check.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}
	if timeout < 0 {
		timeout = time.Nanosecond
	}
	return timeout
}

// markRemainingSkipped records a skip for every planned check from wave
// wi onward that has not run yet.
func (s *scheduler) markRemainingSkipped(wi int, reason string) {
	for ; wi < len(s.waves); wi++ {
		for _, id := range s.waves[wi] {
			s.state.recordSkip(id, reason)
		}
	}
}
