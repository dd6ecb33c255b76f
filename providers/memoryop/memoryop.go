package memoryop

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	cascade "github.com/nevindra/cascade"
)

// Provider mutates the run's memory store. The check's "op" parameter
// selects the operation (set, increment, append, delete, get, clear),
// "key" names the entry, and the stored value comes from "value" (a
// literal) or "value_expr" (an expression over the input scope).
//
// The resulting value is the check's output, so later checks can gate
// on it with fail_if or branch on it in routing.
type Provider struct {
	mu    sync.Mutex
	cache map[string]*vm.Program
}

// New creates a memory operation provider.
func New() *Provider {
	return &Provider{cache: make(map[string]*vm.Program)}
}

// Name returns the provider tag checks reference in config.
func (p *Provider) Name() string { return "memory" }

func (p *Provider) Invoke(ctx context.Context, cc cascade.CheckContext) (cascade.CheckResult, error) {
	op, _ := cc.Params["op"].(string)
	if op == "" {
		return cascade.CheckResult{}, fmt.Errorf("op parameter is required")
	}
	mem := cc.Memory
	if mem == nil {
		return cascade.CheckResult{}, fmt.Errorf("no memory store attached to this run")
	}

	key, _ := cc.Params["key"].(string)
	if key == "" && op != "clear" {
		return cascade.CheckResult{}, fmt.Errorf("key parameter is required for op %q", op)
	}

	value, err := p.resolveValue(cc)
	if err != nil {
		return cascade.CheckResult{}, err
	}

	switch op {
	case "set":
		mem.Set(key, value)
		return cascade.CheckResult{Output: value}, nil
	case "increment":
		delta := 1.0
		if d, ok := toFloat(value); ok {
			delta = d
		}
		return cascade.CheckResult{Output: mem.Increment(key, delta)}, nil
	case "append":
		mem.Append(key, value)
		v, _ := mem.Get(key)
		return cascade.CheckResult{Output: v}, nil
	case "get":
		v, ok := mem.Get(key)
		if !ok {
			return cascade.CheckResult{}, nil
		}
		return cascade.CheckResult{Output: v}, nil
	case "delete":
		mem.Delete(key)
		return cascade.CheckResult{}, nil
	case "clear":
		mem.Clear()
		return cascade.CheckResult{}, nil
	default:
		return cascade.CheckResult{}, fmt.Errorf("unknown op %q", op)
	}
}

// resolveValue picks the literal "value" param unless "value_expr" is
// set, in which case the expression is evaluated against the scope.
func (p *Provider) resolveValue(cc cascade.CheckContext) (any, error) {
	code, _ := cc.Params["value_expr"].(string)
	if code == "" {
		return cc.Params["value"], nil
	}

	p.mu.Lock()
	program, ok := p.cache[code]
	p.mu.Unlock()
	if !ok {
		var err error
		program, err = expr.Compile(code)
		if err != nil {
			return nil, fmt.Errorf("compile value_expr: %w", err)
		}
		p.mu.Lock()
		p.cache[code] = program
		p.mu.Unlock()
	}

	value, err := expr.Run(program, cc.ExprScope())
	if err != nil {
		return nil, fmt.Errorf("evaluate value_expr: %w", err)
	}
	return value, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// Compile-time interface check.
var _ cascade.Provider = (*Provider)(nil)
