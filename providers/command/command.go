package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	cascade "github.com/nevindra/cascade"
)

// Provider runs shell commands and turns their output into check
// results. The command comes from the check's "exec" parameter and runs
// in the run's working directory, with the invocation exposed through
// CASCADE_CHECK_ID, CASCADE_EVENT, and CASCADE_OUTPUTS.
//
// Stdout is parsed leniently: a JSON object with an "issues" array maps
// to issues, any other JSON becomes the structured output (arrays fan
// out under forEach), plain text is carried as content.
type Provider struct {
	shell     []string
	env       []string
	maxOutput int
}

// Option configures the command provider.
type Option func(*Provider)

// WithShell overrides the shell used to run commands (default sh -c).
func WithShell(argv ...string) Option {
	return func(p *Provider) { p.shell = argv }
}

// WithEnv appends KEY=VALUE pairs to every command's environment.
func WithEnv(env ...string) Option {
	return func(p *Provider) { p.env = append(p.env, env...) }
}

// WithMaxOutput caps captured stdout bytes (default 1MB).
func WithMaxOutput(n int) Option {
	return func(p *Provider) { p.maxOutput = n }
}

// New creates a command provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		shell:     []string{"sh", "-c"},
		maxOutput: 1 << 20,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider tag checks reference in config.
func (p *Provider) Name() string { return "command" }

func (p *Provider) Invoke(ctx context.Context, cc cascade.CheckContext) (cascade.CheckResult, error) {
	command, _ := cc.Params["exec"].(string)
	if command == "" {
		return cascade.CheckResult{}, fmt.Errorf("exec parameter is required")
	}

	argv := append(append([]string(nil), p.shell...), command)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = cc.WorkDir
	cmd.Env = append(os.Environ(), p.env...)
	cmd.Env = append(cmd.Env, checkEnv(cc)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	output := stdout.String()
	if len(output) > p.maxOutput {
		output = output[:p.maxOutput] + "\n... (truncated)"
	}

	if runErr != nil {
		if ctx.Err() != nil {
			return cascade.CheckResult{Content: output}, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		return cascade.CheckResult{Content: output}, fmt.Errorf("command failed: %s", msg)
	}

	return parseOutput(output), nil
}

// checkEnv exposes the invocation to the command: the check id, the
// event name, and prior outputs as JSON under CASCADE_OUTPUTS.
func checkEnv(cc cascade.CheckContext) []string {
	env := []string{
		"CASCADE_CHECK_ID=" + cc.CheckID,
		"CASCADE_EVENT=" + cc.Event.Name,
	}
	if scope := cc.ExprScope(); scope != nil {
		if raw, err := json.Marshal(scope["outputs"]); err == nil {
			env = append(env, "CASCADE_OUTPUTS="+string(raw))
		}
	}
	return env
}

// parseOutput maps stdout to a result. Only text that looks like JSON is
// decoded; everything else stays opaque content.
func parseOutput(stdout string) cascade.CheckResult {
	result := cascade.CheckResult{Content: strings.TrimSpace(stdout)}
	trimmed := result.Content
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return result
	}

	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return result
	}
	result.Output = decoded

	if obj, ok := decoded.(map[string]any); ok {
		result.Issues = cascade.DecodeIssues(obj["issues"])
	}
	return result
}

// Compile-time interface check.
var _ cascade.Provider = (*Provider)(nil)
