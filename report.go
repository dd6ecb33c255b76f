package cascade

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// RunStatus summarizes a whole run.
type RunStatus string

const (
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// ScopeResult is the latest committed result of a check at one scope.
type ScopeResult struct {
	Scope   string      `json:"scope"`
	Event   string      `json:"event,omitempty"`
	Status  CheckStatus `json:"status"`
	Issues  []Issue     `json:"issues,omitempty"`
	Output  any         `json:"output,omitempty"`
	Content string      `json:"content,omitempty"`
}

// CheckOutcome aggregates every execution of one check across scopes.
type CheckOutcome struct {
	CheckID    string        `json:"check_id"`
	Status     CheckStatus   `json:"status"`
	Runs       int           `json:"runs"`
	Failures   int           `json:"failures"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration"`
	SkipReason string        `json:"skip_reason,omitempty"`
	Issues     []Issue       `json:"issues,omitempty"`
	Scopes     []ScopeResult `json:"scopes,omitempty"`
}

// RunReport is the final aggregation of a run: per-check outcomes in
// config order, overall status, and timings.
type RunReport struct {
	SessionID  string         `json:"session_id"`
	Event      string         `json:"event,omitempty"`
	Status     RunStatus      `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Duration   time.Duration  `json:"duration"`
	Entries    int            `json:"entries"`
	Waves      [][]string     `json:"waves,omitempty"`
	Checks     []CheckOutcome `json:"checks"`
}

// Failed reports whether any check in the run failed.
func (r *RunReport) Failed() bool { return r.Status != RunSuccess }

// IssueCount returns the total number of issues across all checks.
func (r *RunReport) IssueCount() int {
	n := 0
	for _, c := range r.Checks {
		n += len(c.Issues)
	}
	return n
}

// Outcome returns the outcome for one check, if present.
func (r *RunReport) Outcome(checkID string) (CheckOutcome, bool) {
	for _, c := range r.Checks {
		if c.CheckID == checkID {
			return c, true
		}
	}
	return CheckOutcome{}, false
}

type reportInput struct {
	sessionID string
	event     string
	started   time.Time
	finished  time.Time
	cfg       *Config
	waves     [][]string
	journal   *Journal
	state     *runState
	cancelled bool
}

// buildReport flattens the journal into per-check outcomes: the latest
// entry per scope carries that scope's result, issues aggregate across
// scopes, and engine-synthesized issues join their check.
func buildReport(in reportInput) *RunReport {
	stats := in.state.statsSnapshot()
	extra := in.state.issuesSnapshot()

	selected := make(map[string]bool)
	for _, wave := range in.waves {
		for _, id := range wave {
			selected[id] = true
		}
	}

	// Latest entry per (check, scope), in commit order.
	type scoped struct {
		order []string
		last  map[string]JournalEntry
	}
	byCheck := make(map[string]*scoped)
	entries := in.journal.Visible(in.journal.Snapshot(), "")
	for _, e := range entries {
		sc, ok := byCheck[e.CheckID]
		if !ok {
			sc = &scoped{last: make(map[string]JournalEntry)}
			byCheck[e.CheckID] = sc
		}
		key := e.Scope.String()
		if _, seen := sc.last[key]; !seen {
			sc.order = append(sc.order, key)
		}
		sc.last[key] = e
	}

	report := &RunReport{
		SessionID:  in.sessionID,
		Event:      in.event,
		StartedAt:  in.started,
		FinishedAt: in.finished,
		Duration:   in.finished.Sub(in.started),
		Entries:    in.journal.Len(),
		Waves:      in.waves,
	}

	failed := false
	for _, id := range in.cfg.CheckIDs() {
		st, hasStats := stats[id]
		sc := byCheck[id]
		if !selected[id] && !hasStats && sc == nil {
			continue
		}

		oc := CheckOutcome{CheckID: id, Status: StatusPending}
		if hasStats {
			oc.Status = st.LastStatus
			oc.Runs = st.Runs
			oc.Failures = st.Failures
			oc.Attempts = st.Attempts
			oc.Duration = st.Duration
			oc.SkipReason = st.SkipReason
		}
		if sc != nil {
			for _, key := range sc.order {
				e := sc.last[key]
				res := ScopeResult{
					Scope:   key,
					Status:  statusOf(e.Result),
					Issues:  e.Result.Issues,
					Output:  e.Result.Output,
					Content: e.Result.Content,
				}
				if e.Event != in.event {
					res.Event = e.Event
				}
				oc.Scopes = append(oc.Scopes, res)
				oc.Issues = append(oc.Issues, e.Result.Issues...)
			}
		}
		oc.Issues = append(oc.Issues, extra[id]...)

		switch oc.Status {
		case StatusFailed, StatusTimeout, StatusCancelled:
			failed = true
		}
		if oc.Failures > 0 {
			failed = true
		}
		report.Checks = append(report.Checks, oc)
	}

	switch {
	case in.cancelled:
		report.Status = RunCancelled
	case failed:
		report.Status = RunFailed
	default:
		report.Status = RunSuccess
	}
	return report
}

// --- rendering ---

// Markdown renders the report as a summary table plus an issue list per
// check, suitable for posting as a review comment.
func (r *RunReport) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Run %s\n\n", r.SessionID)
	fmt.Fprintf(&b, "**Status:** %s", r.Status)
	if r.Event != "" {
		fmt.Fprintf(&b, " · **Event:** %s", r.Event)
	}
	fmt.Fprintf(&b, " · **Duration:** %s · **Issues:** %d\n\n", fmtDuration(r.Duration), r.IssueCount())

	b.WriteString("| Check | Status | Runs | Issues | Duration |\n")
	b.WriteString("|---|---|---:|---:|---:|\n")
	for _, c := range r.Checks {
		status := string(c.Status)
		if c.Status == StatusSkipped && c.SkipReason != "" {
			status += " (" + c.SkipReason + ")"
		}
		fmt.Fprintf(&b, "| %s | %s | %d | %d | %s |\n",
			c.CheckID, status, c.Runs, len(c.Issues), fmtDuration(c.Duration))
	}

	wrote := false
	for _, c := range r.Checks {
		if len(c.Issues) == 0 {
			continue
		}
		if !wrote {
			b.WriteString("\n### Issues\n")
			wrote = true
		}
		fmt.Fprintf(&b, "\n**%s**\n\n", c.CheckID)
		for _, is := range c.Issues {
			loc := is.File
			if is.Line > 0 {
				loc = fmt.Sprintf("%s:%d", is.File, is.Line)
			}
			fmt.Fprintf(&b, "- `%s` %s: %s (%s)\n", is.RuleID, is.Severity, is.Message, loc)
		}
	}
	return b.String()
}

// HTML renders the markdown report as a standalone HTML page.
func (r *RunReport) HTML() (string, error) {
	gm := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var buf bytes.Buffer
	buf.WriteString("<!doctype html>\n<html><head><meta charset=\"utf-8\"><title>Run ")
	buf.WriteString(r.SessionID)
	buf.WriteString("</title></head><body>\n")
	if err := gm.Convert([]byte(r.Markdown()), &buf); err != nil {
		return "", err
	}
	buf.WriteString("</body></html>\n")
	return buf.String(), nil
}

func fmtDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(10 * time.Millisecond).String()
}
