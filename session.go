package cascade

import (
	"fmt"
	"sync"
	"time"
)

// runState is the mutable per-run bookkeeping: the pass counter, the
// routing loop budget, forward-run guards, and per-check stats. Routing
// invocations mutate it serially; stats updates from worker goroutines
// take the mutex.
type runState struct {
	sessionID string
	maxLoops  int

	mu               sync.Mutex
	pass             int // execution pass counter: planned waves and restricted re-passes
	routingLoopCount int
	budgetExhausted  bool
	forwardGuards    map[string]struct{}
	stats            map[string]*RunStats
	extraIssues      map[string][]Issue // engine-synthesized issues outside the journal
	failFastFired    bool
}

func newRunState(sessionID string, maxLoops int) *runState {
	return &runState{
		sessionID:     sessionID,
		maxLoops:      maxLoops,
		forwardGuards: make(map[string]struct{}),
		stats:         make(map[string]*RunStats),
		extraIssues:   make(map[string][]Issue),
	}
}

// nextPass advances and returns the execution pass counter.
func (s *runState) nextPass() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pass++
	return s.pass
}

// currentPass returns the pass counter without advancing it.
func (s *runState) currentPass() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pass
}

// tryEmit accounts for one routing emission. It returns false when the
// emission must be dropped: either the (origin, target, scope, pass)
// guard has already fired, or the loop budget is exhausted. The scope
// keys the guard so a fan-out emits once per item, not once per target.
// The first emission over budget records exactly one loop-budget issue
// against origin.
func (s *runState) tryEmit(origin, target, scope string, pass int) (ok, overflowed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	guard := fmt.Sprintf("%s|%s|%s|%d", origin, target, scope, pass)
	if _, dup := s.forwardGuards[guard]; dup {
		return false, false
	}

	s.routingLoopCount++
	if s.routingLoopCount > s.maxLoops {
		if s.budgetExhausted {
			return false, false
		}
		s.budgetExhausted = true
		s.extraIssues[origin] = append(s.extraIssues[origin], Issue{
			RuleID:   origin + "/routing/loop_budget_exceeded",
			Severity: SeverityError,
			Message:  fmt.Sprintf("routing loop budget exceeded (max_loops=%d)", s.maxLoops),
			File:     SystemFile,
		})
		return false, true
	}

	s.forwardGuards[guard] = struct{}{}
	return true, false
}

// exhausted reports whether the loop budget has been hit.
func (s *runState) exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.budgetExhausted
}

// emissions returns the routing emission count so far.
func (s *runState) emissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.routingLoopCount
}

// addIssue attaches an engine-synthesized issue to a check for the
// final report without touching the committed journal entry.
func (s *runState) addIssue(checkID string, issue Issue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extraIssues[checkID] = append(s.extraIssues[checkID], issue)
}

// recordRun updates a check's stats after one committed execution.
func (s *runState) recordRun(checkID string, status CheckStatus, attempts int, d time.Duration, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statsLocked(checkID)
	st.Runs++
	st.Attempts += attempts
	st.Duration += d
	st.LastStatus = status
	st.SkipReason = ""
	if failed {
		st.Failures++
	}
}

// recordSkip marks a check skipped with a reason. Skips commit nothing
// to the journal; they only surface in the report.
func (s *runState) recordSkip(checkID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statsLocked(checkID)
	if st.Runs == 0 {
		st.LastStatus = StatusSkipped
		st.SkipReason = reason
	}
}

func (s *runState) statsLocked(checkID string) *RunStats {
	st, ok := s.stats[checkID]
	if !ok {
		st = &RunStats{LastStatus: StatusPending}
		s.stats[checkID] = st
	}
	return st
}

// statsSnapshot copies the stats map for the report.
func (s *runState) statsSnapshot() map[string]RunStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]RunStats, len(s.stats))
	for id, st := range s.stats {
		out[id] = *st
	}
	return out
}

// issuesSnapshot copies the engine-synthesized issues for the report.
func (s *runState) issuesSnapshot() map[string][]Issue {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]Issue, len(s.extraIssues))
	for id, issues := range s.extraIssues {
		out[id] = append([]Issue(nil), issues...)
	}
	return out
}

// markFailFast records that fail-fast fired; the first caller wins.
func (s *runState) markFailFast() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFastFired {
		return false
	}
	s.failFastFired = true
	return true
}

func (s *runState) failFast() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failFastFired
}
