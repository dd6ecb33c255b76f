package cascade

import "fmt"

// ErrConfig reports an invalid workflow configuration: a dependency
// cycle, an unknown reference, or a malformed expression. Config errors
// are fatal and abort the run before any check executes.
type ErrConfig struct {
	Path    string // config location, e.g. "checks.lint.depends_on"
	Message string
}

func (e *ErrConfig) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config: %s", e.Message)
	}
	return fmt.Sprintf("config %s: %s", e.Path, e.Message)
}

// ErrProvider reports a provider invocation failure. The gateway maps it
// to an ErrorInfo on the result instead of letting it unwind the run.
type ErrProvider struct {
	Check    string
	Provider string
	Message  string
}

func (e *ErrProvider) Error() string {
	return fmt.Sprintf("provider %s (check %s): %s", e.Provider, e.Check, e.Message)
}

// ErrExpression reports a sandbox evaluation failure. Callers map it to
// the context-appropriate benign default (false, empty list, nil).
type ErrExpression struct {
	Expr string
	Err  error
}

func (e *ErrExpression) Error() string {
	return fmt.Sprintf("expression %q: %v", e.Expr, e.Err)
}

func (e *ErrExpression) Unwrap() error { return e.Err }

// ErrMemory reports a memory store persistence failure. Non-fatal: the
// in-memory view stays consistent and the run continues.
type ErrMemory struct {
	Op  string
	Err error
}

func (e *ErrMemory) Error() string {
	return fmt.Sprintf("memory %s: %v", e.Op, e.Err)
}

func (e *ErrMemory) Unwrap() error { return e.Err }
