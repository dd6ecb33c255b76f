package cascade

import (
	"encoding/json"
	"time"
)

// --- Issue severities ---

// Severity classifies how serious an Issue is. SeverityError and above
// count as check failure; SeverityCritical additionally triggers
// fail-fast when enabled.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// failing reports whether the severity marks its check as failed.
func (s Severity) failing() bool {
	return s == SeverityError || s == SeverityCritical
}

// --- Issues ---

// SystemFile is the pseudo-file issues are attached to when a failure has
// no user source location (loop budget, missing provider, bad config).
const SystemFile = "system"

// Issue is a user-facing finding produced by a check or synthesized by
// the engine (fail_if, loop budget). RuleID is stable across runs so
// consumers can deduplicate and suppress.
type Issue struct {
	RuleID   string   `json:"rule_id"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	File     string   `json:"file,omitempty"`
	Line     int      `json:"line,omitempty"`
}

// --- Result error info ---

// ErrorKind labels the failure class carried on a CheckResult.
type ErrorKind string

const (
	ErrorKindProvider  ErrorKind = "provider"
	ErrorKindTimeout   ErrorKind = "timeout"
	ErrorKindCancelled ErrorKind = "cancelled"
)

// ErrorInfo records why a check execution failed. It is a value on the
// result, never a Go error that unwinds the run.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// --- Check results ---

// CheckResult is what a provider invocation produces and what the journal
// stores. Output carries the structured return value, Content any rendered
// text. ForEachItems is set by the engine when the owning check fans out.
type CheckResult struct {
	Issues       []Issue    `json:"issues,omitempty"`
	Output       any        `json:"output,omitempty"`
	Content      string     `json:"content,omitempty"`
	ForEachItems []any      `json:"for_each_items,omitempty"`
	IsForEach    bool       `json:"is_for_each,omitempty"`
	Error        *ErrorInfo `json:"error,omitempty"`
}

// Failed reports whether the result counts as a failure for routing and
// dependency propagation: an execution error, or any issue at
// SeverityError or above.
func (r CheckResult) Failed() bool {
	if r.Error != nil {
		return true
	}
	for _, is := range r.Issues {
		if is.Severity.failing() {
			return true
		}
	}
	return false
}

// Critical reports whether the result should trip fail-fast: an execution
// error or at least one critical issue.
func (r CheckResult) Critical() bool {
	if r.Error != nil {
		return true
	}
	for _, is := range r.Issues {
		if is.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// DecodeIssues converts an untyped issues value (as decoded from JSON or
// produced by an expression) into Issue values. Entries without a message
// are dropped; missing severity defaults to warning. Providers use it to
// lift structured findings out of opaque payloads.
func DecodeIssues(v any) []Issue {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var issues []Issue
	if err := json.Unmarshal(raw, &issues); err != nil {
		return nil
	}

	out := issues[:0]
	for _, is := range issues {
		if is.Message == "" {
			continue
		}
		if is.Severity == "" {
			is.Severity = SeverityWarning
		}
		out = append(out, is)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// --- Check status (report-level) ---

// CheckStatus is the report-level outcome of one check.
type CheckStatus string

const (
	StatusPending   CheckStatus = "pending"
	StatusSuccess   CheckStatus = "success"
	StatusFailed    CheckStatus = "failed"
	StatusSkipped   CheckStatus = "skipped"
	StatusTimeout   CheckStatus = "timeout"
	StatusCancelled CheckStatus = "cancelled"
)

// statusOf derives the report status from a committed result.
func statusOf(r CheckResult) CheckStatus {
	if r.Error != nil {
		switch r.Error.Kind {
		case ErrorKindTimeout:
			return StatusTimeout
		case ErrorKindCancelled:
			return StatusCancelled
		default:
			return StatusFailed
		}
	}
	if r.Failed() {
		return StatusFailed
	}
	return StatusSuccess
}

// RunStats tracks per-check execution counters for the report.
type RunStats struct {
	Runs       int           `json:"runs"`
	Failures   int           `json:"failures"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration"`
	LastStatus CheckStatus   `json:"last_status"`
	SkipReason string        `json:"skip_reason,omitempty"`
}
