package cascade

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// sandbox evaluates user expressions (if, fail_if, run_js, goto_js)
// against a read-only scope. Programs are compiled once and cached by
// source. Evaluation failures never unwind the run: callers map them to
// the context-appropriate default via the typed *ErrExpression.
type sandbox struct {
	mu    sync.Mutex
	cache map[string]*vm.Program
}

func newSandbox() *sandbox {
	return &sandbox{cache: make(map[string]*vm.Program)}
}

// compile returns the cached program for src, compiling on first use.
func (s *sandbox) compile(src string) (*vm.Program, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.cache[src]; ok {
		return p, nil
	}
	p, err := expr.Compile(src)
	if err != nil {
		return nil, &ErrExpression{Expr: src, Err: err}
	}
	s.cache[src] = p
	return p, nil
}

// eval runs src against env and returns the raw value.
func (s *sandbox) eval(src string, env map[string]any) (any, error) {
	p, err := s.compile(src)
	if err != nil {
		return nil, err
	}
	out, err := expr.Run(p, env)
	if err != nil {
		return nil, &ErrExpression{Expr: src, Err: err}
	}
	return out, nil
}

// evalBool evaluates src and coerces the value to a boolean. Errors are
// returned alongside false so callers can log and continue.
func (s *sandbox) evalBool(src string, env map[string]any) (bool, error) {
	out, err := s.eval(src, env)
	if err != nil {
		return false, err
	}
	return truthy(out), nil
}

// evalString evaluates src expecting a single string (goto_js targets).
func (s *sandbox) evalString(src string, env map[string]any) (string, error) {
	out, err := s.eval(src, env)
	if err != nil {
		return "", err
	}
	switch v := out.(type) {
	case string:
		return v, nil
	case nil:
		return "", nil
	default:
		return "", &ErrExpression{Expr: src, Err: fmt.Errorf("expected string, got %T", out)}
	}
}

// evalStringList evaluates src expecting a list of check ids (run_js).
func (s *sandbox) evalStringList(src string, env map[string]any) ([]string, error) {
	out, err := s.eval(src, env)
	if err != nil {
		return nil, err
	}
	switch v := out.(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []any:
		ids := make([]string, 0, len(v))
		for _, item := range v {
			id, ok := item.(string)
			if !ok {
				return nil, &ErrExpression{Expr: src, Err: fmt.Errorf("expected list of strings, got element %T", item)}
			}
			ids = append(ids, id)
		}
		return ids, nil
	default:
		return nil, &ErrExpression{Expr: src, Err: fmt.Errorf("expected list of strings, got %T", out)}
	}
}

// truthy maps an expression value to a condition outcome: nil, false,
// zero numbers, empty strings, and empty collections are false.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int:
		return x != 0
	case int64:
		return x != 0
	case uint64:
		return x != 0
	case float64:
		return x != 0
	case float32:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case []string:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}

// exprScope assembles the read-only evaluation scope for one check at
// one snapshot: step metadata, the outputs trio, the check's own output,
// memory helpers, and the event envelope.
func exprScope(view *ContextView, check *Check, output any, ev Event, mem *MemoryHandle) map[string]any {
	scope := map[string]any{
		"step": map[string]any{
			"id":    check.ID,
			"tags":  check.Tags,
			"group": check.Group,
		},
		"outputs":         view.outputsMap(),
		"outputs_raw":     view.outputsRawMap(),
		"outputs_history": view.historyMap(),
		"output":          output,
		"event":           ev.asMap(),
	}
	if mem != nil {
		scope["memory"] = mem.exprHelpers()
	} else {
		scope["memory"] = map[string]any{}
	}
	return scope
}
