package cascade

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// LoadConfig reads, parses, validates, and normalizes a workflow file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", path, err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig parses a YAML workflow document and validates it. The
// returned Config is normalized: check ids filled in, fanout defaulted,
// deterministic check order fixed.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ErrConfig{Message: fmt.Sprintf("parse yaml: %v", err)}
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize fills derived fields and defaults. Safe to call once per
// config; LoadConfig and ParseConfig do it for you.
func (c *Config) normalize() error {
	if len(c.Checks) == 0 {
		return &ErrConfig{Path: "checks", Message: "no checks defined"}
	}
	c.checkOrder = c.checkOrder[:0]
	for id, check := range c.Checks {
		if check == nil {
			return &ErrConfig{Path: "checks." + id, Message: "empty check body"}
		}
		check.ID = id
		if check.Fanout == "" {
			check.Fanout = FanoutReduce
		}
		c.checkOrder = append(c.checkOrder, id)
	}
	sort.Strings(c.checkOrder)
	if c.Memory != nil && c.Memory.Format == "" {
		c.Memory.Format = "json"
	}
	return nil
}

// Validate checks the workflow for structural errors: missing providers,
// dangling dependencies, invalid fanout modes, malformed expressions,
// and dependency cycles. All failures are *ErrConfig.
func (c *Config) Validate() error {
	sb := newSandbox()

	compile := func(path, src string) error {
		if src == "" {
			return nil
		}
		if _, err := sb.compile(src); err != nil {
			return &ErrConfig{Path: path, Message: fmt.Sprintf("invalid expression: %v", err)}
		}
		return nil
	}

	if err := compile("fail_if", c.FailIf); err != nil {
		return err
	}

	for _, id := range c.checkOrder {
		check := c.Checks[id]
		prefix := "checks." + id

		if check.Provider == "" {
			return &ErrConfig{Path: prefix + ".provider", Message: "provider is required"}
		}
		if check.Fanout != FanoutMap && check.Fanout != FanoutReduce {
			return &ErrConfig{Path: prefix + ".fanout", Message: fmt.Sprintf("unknown fanout mode %q", check.Fanout)}
		}
		if check.Retry != nil {
			if check.Retry.Attempts < 0 {
				return &ErrConfig{Path: prefix + ".retry.attempts", Message: "must be >= 0"}
			}
			switch check.Retry.Backoff {
			case "", "constant", "linear", "exponential":
			default:
				return &ErrConfig{Path: prefix + ".retry.backoff", Message: fmt.Sprintf("unknown backoff %q", check.Retry.Backoff)}
			}
		}

		for _, group := range check.depGroups() {
			known := 0
			for _, dep := range group {
				if _, ok := c.Checks[dep]; ok {
					known++
				}
			}
			if known == 0 {
				return &ErrConfig{
					Path:    prefix + ".depends_on",
					Message: fmt.Sprintf("unknown dependency %q", joinGroup(group)),
				}
			}
		}

		if err := compile(prefix+".if", check.If); err != nil {
			return err
		}
		if err := compile(prefix+".fail_if", check.FailIf); err != nil {
			return err
		}
		for _, block := range []struct {
			name string
			r    *Routing
		}{
			{"on_success", check.OnSuccess},
			{"on_fail", check.OnFail},
			{"on_finish", check.OnFinish},
		} {
			if block.r == nil {
				continue
			}
			if err := compile(prefix+"."+block.name+".run_js", block.r.RunJS); err != nil {
				return err
			}
			if err := compile(prefix+"."+block.name+".goto_js", block.r.GotoJS); err != nil {
				return err
			}
			for _, target := range block.r.Run {
				if _, ok := c.Checks[target]; !ok {
					return &ErrConfig{
						Path:    prefix + "." + block.name + ".run",
						Message: fmt.Sprintf("unknown target %q", target),
					}
				}
			}
			if block.r.Goto != "" {
				if _, ok := c.Checks[block.r.Goto]; !ok {
					return &ErrConfig{
						Path:    prefix + "." + block.name + ".goto",
						Message: fmt.Sprintf("unknown target %q", block.r.Goto),
					}
				}
			}
		}
	}

	if c.Memory != nil {
		switch c.Memory.Format {
		case "json", "csv":
		default:
			return &ErrConfig{Path: "memory.format", Message: fmt.Sprintf("unknown format %q", c.Memory.Format)}
		}
		if c.Memory.Persist && c.Memory.File == "" {
			return &ErrConfig{Path: "memory.file", Message: "persist requires a file path"}
		}
	}

	// Cycle detection over the full graph.
	if _, err := resolveWaves(c, nil); err != nil {
		return err
	}
	return nil
}

func joinGroup(group []string) string {
	if len(group) == 1 {
		return group[0]
	}
	out := group[0]
	for _, g := range group[1:] {
		out += "|" + g
	}
	return out
}
