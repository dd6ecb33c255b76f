package script

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	cascade "github.com/nevindra/cascade"
)

// Provider evaluates a sandboxed expression against the check's input
// scope. The expression comes from the check's "expr" parameter; its
// value becomes the structured output. Array values fan out under
// forEach; a map with an "issues" array additionally yields issues.
//
// The scope is the engine's standard one: step, outputs, outputs_raw,
// outputs_history, output, event, memory.
type Provider struct {
	mu    sync.Mutex
	cache map[string]*vm.Program
}

// New creates a script provider with an empty program cache.
func New() *Provider {
	return &Provider{cache: make(map[string]*vm.Program)}
}

// Name returns the provider tag checks reference in config.
func (p *Provider) Name() string { return "script" }

func (p *Provider) Invoke(ctx context.Context, cc cascade.CheckContext) (cascade.CheckResult, error) {
	code, _ := cc.Params["expr"].(string)
	if code == "" {
		return cascade.CheckResult{}, fmt.Errorf("expr parameter is required")
	}

	program, err := p.compile(code)
	if err != nil {
		return cascade.CheckResult{}, err
	}

	value, err := expr.Run(program, cc.ExprScope())
	if err != nil {
		return cascade.CheckResult{}, fmt.Errorf("evaluate: %w", err)
	}

	result := cascade.CheckResult{Output: value}
	switch v := value.(type) {
	case string:
		result.Content = v
	case map[string]any:
		result.Issues = cascade.DecodeIssues(v["issues"])
	}
	return result, nil
}

// compile parses an expression once and caches the program.
func (p *Provider) compile(code string) (*vm.Program, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if program, ok := p.cache[code]; ok {
		return program, nil
	}
	program, err := expr.Compile(code)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	p.cache[code] = program
	return program, nil
}

// Compile-time interface check.
var _ cascade.Provider = (*Provider)(nil)
