package cascade

import (
	"strings"
	"time"
)

// --- Fanout modes ---

// FanoutMode controls how a check consumes a forEach producer among its
// dependencies. FanoutMap runs the check once per item under an item
// scope; FanoutReduce (the default) runs it once against the aggregate.
type FanoutMode string

const (
	FanoutMap    FanoutMode = "map"
	FanoutReduce FanoutMode = "reduce"
)

// --- Routing blocks ---

// Routing is a follow-up block applied after a check's result commits.
// Run targets are scheduled statically; RunJS, Goto and GotoJS are
// evaluated in the expression sandbox at routing time.
type Routing struct {
	Run       []string `yaml:"run,omitempty"`
	RunJS     string   `yaml:"run_js,omitempty"`
	Goto      string   `yaml:"goto,omitempty"`
	GotoJS    string   `yaml:"goto_js,omitempty"`
	GotoEvent string   `yaml:"goto_event,omitempty"`
}

// empty reports whether the block carries no actions.
func (r *Routing) empty() bool {
	return r == nil || (len(r.Run) == 0 && r.RunJS == "" && r.Goto == "" && r.GotoJS == "")
}

// RoutingDefaults holds workflow-level routing settings. MaxLoops bounds
// the total number of routing emissions per run.
type RoutingDefaults struct {
	MaxLoops  int      `yaml:"max_loops,omitempty"`
	OnSuccess *Routing `yaml:"on_success,omitempty"`
	OnFail    *Routing `yaml:"on_fail,omitempty"`
	OnFinish  *Routing `yaml:"on_finish,omitempty"`
}

// DefaultMaxLoops is the routing emission budget applied when
// routing.max_loops is unset.
const DefaultMaxLoops = 10

// --- Retry policy ---

// RetryPolicy retries a failed provider invocation inside the gateway.
// Only the final outcome is committed to the journal.
type RetryPolicy struct {
	Attempts int           `yaml:"attempts"`
	Backoff  string        `yaml:"backoff,omitempty"` // constant | linear | exponential
	Delay    time.Duration `yaml:"delay,omitempty"`
}

// --- Checks ---

// Check is one named unit of work in the workflow. Params carries the
// opaque provider payload (prompt, command, url, ...) untouched by the
// engine.
type Check struct {
	ID        string         `yaml:"-"`
	Provider  string         `yaml:"provider"`
	DependsOn []string       `yaml:"depends_on,omitempty"`
	ForEach   bool           `yaml:"for_each,omitempty"`
	Fanout    FanoutMode     `yaml:"fanout,omitempty"`
	If        string         `yaml:"if,omitempty"`
	FailIf    string         `yaml:"fail_if,omitempty"`
	OnSuccess *Routing       `yaml:"on_success,omitempty"`
	OnFail    *Routing       `yaml:"on_fail,omitempty"`
	OnFinish  *Routing       `yaml:"on_finish,omitempty"`
	Schema    string         `yaml:"schema,omitempty"`
	Tags      []string       `yaml:"tags,omitempty"`
	Group     string         `yaml:"group,omitempty"`
	Timeout   time.Duration  `yaml:"timeout,omitempty"`
	Retry     *RetryPolicy   `yaml:"retry,omitempty"`
	Params    map[string]any `yaml:"params,omitempty"`
}

// depGroups splits depends_on into alternative groups: "a|b" becomes
// one group with two members, satisfied by whichever ran.
func (c *Check) depGroups() [][]string {
	groups := make([][]string, 0, len(c.DependsOn))
	for _, dep := range c.DependsOn {
		parts := strings.Split(dep, "|")
		group := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				group = append(group, p)
			}
		}
		if len(group) > 0 {
			groups = append(groups, group)
		}
	}
	return groups
}

// --- Memory config ---

// MemoryConfig configures the run's key-value store. When Persist is set
// the store is loaded from File at run start and flushed back at run end.
type MemoryConfig struct {
	Namespace string `yaml:"namespace,omitempty"`
	Persist   bool   `yaml:"persist,omitempty"`
	File      string `yaml:"file,omitempty"`
	Format    string `yaml:"format,omitempty"` // json | csv
}

// --- Workflow config ---

// Config is a fully parsed workflow: the check graph plus run-wide
// settings. Build one with LoadConfig or ParseConfig, which also
// validate and normalize it.
type Config struct {
	Version        string            `yaml:"version,omitempty"`
	Checks         map[string]*Check `yaml:"checks"`
	Routing        RoutingDefaults   `yaml:"routing,omitempty"`
	FailIf         string            `yaml:"fail_if,omitempty"`
	MaxParallelism int               `yaml:"max_parallelism,omitempty"`
	FailFast       bool              `yaml:"fail_fast,omitempty"`
	Memory         *MemoryConfig     `yaml:"memory,omitempty"`

	checkOrder []string // sorted ids, fixed at normalization
}

// MaxLoops returns the effective routing emission budget.
func (c *Config) MaxLoops() int {
	if c.Routing.MaxLoops > 0 {
		return c.Routing.MaxLoops
	}
	return DefaultMaxLoops
}

// CheckIDs returns all check ids in deterministic (sorted) order.
func (c *Config) CheckIDs() []string {
	out := make([]string, len(c.checkOrder))
	copy(out, c.checkOrder)
	return out
}

// effectiveBlock returns the check's own routing block for the given
// phase, falling back to the workflow default when the check defines
// none. A check-level block replaces the default wholly.
func (c *Config) effectiveBlock(check *Check, phase string) *Routing {
	switch phase {
	case "on_success":
		if check.OnSuccess != nil {
			return check.OnSuccess
		}
		return c.Routing.OnSuccess
	case "on_fail":
		if check.OnFail != nil {
			return check.OnFail
		}
		return c.Routing.OnFail
	case "on_finish":
		if check.OnFinish != nil {
			return check.OnFinish
		}
		return c.Routing.OnFinish
	}
	return nil
}

// hasMapDependents reports whether any check fans out over id's items.
func (c *Config) hasMapDependents(id string) bool {
	for _, other := range c.Checks {
		if other.Fanout != FanoutMap {
			continue
		}
		for _, group := range other.depGroups() {
			for _, dep := range group {
				if dep == id {
					return true
				}
			}
		}
	}
	return false
}
