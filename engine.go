package cascade

import (
	"context"
	"log/slog"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// nopLogger is a logger that discards all output. Used when WithLogger is not set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// RunStore persists finished run reports. store/sqlite provides the
// bundled implementation; the engine treats persistence failures as
// non-fatal.
type RunStore interface {
	SaveRun(ctx context.Context, report *RunReport) error
}

// Engine executes workflows: it resolves the dependency graph, runs
// checks in parallel waves through registered providers, journals every
// result, and applies routing until the run is quiescent.
type Engine struct {
	cfg      *Config
	registry *Registry
	memory   *Memory
	backend  MemoryBackend
	logger   *slog.Logger
	tracer   Tracer
	runStore RunStore
	sandbox  *sandbox
	gateway  *gateway
	clock    func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the structured logger. Unset means silent.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithTracer sets the span tracer. The observer package provides an
// OTEL-backed implementation.
func WithTracer(t Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// WithMemory shares a memory store across runs instead of creating a
// fresh one per engine.
func WithMemory(m *Memory) EngineOption {
	return func(e *Engine) { e.memory = m }
}

// WithMemoryBackend overrides the persistence backend derived from the
// workflow's memory config. Pair with store/postgres for shared
// deployments.
func WithMemoryBackend(b MemoryBackend) EngineOption {
	return func(e *Engine) { e.backend = b }
}

// WithRunStore persists finished run reports.
func WithRunStore(rs RunStore) EngineOption {
	return func(e *Engine) { e.runStore = rs }
}

// WithClock overrides the time source. Tests use it for stable reports.
func WithClock(fn func() time.Time) EngineOption {
	return func(e *Engine) { e.clock = fn }
}

// NewEngine validates the workflow and builds an engine bound to the
// given provider registry. Validation failures are *ErrConfig and abort
// before any check can run.
func NewEngine(cfg *Config, registry *Registry, opts ...EngineOption) (*Engine, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		registry = NewRegistry()
	}

	e := &Engine{
		cfg:      cfg,
		registry: registry,
		sandbox:  newSandbox(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = nopLogger
	}
	if e.memory == nil {
		e.memory = NewMemory()
	}
	e.gateway = &gateway{registry: registry, logger: e.logger, tracer: e.tracer}
	return e, nil
}

// Config returns the engine's validated workflow config.
func (e *Engine) Config() *Config { return e.cfg }

// RunOptions parameterize one ExecuteChecks call. Zero values fall back
// to the workflow config's settings.
type RunOptions struct {
	// Targets restricts the run to these checks plus their transitive
	// dependencies. Empty means all checks.
	Targets []string
	// Event is the envelope the run executes under.
	Event Event
	// Timeout bounds the whole run. Zero means no run-level deadline.
	Timeout time.Duration
	// MaxParallelism bounds in-flight checks. Zero uses the config
	// value, or DefaultMaxParallelism.
	MaxParallelism int
	// FailFast cancels the run after the first critical result.
	FailFast bool
	// TagFilter selects checks whose tags match the glob pattern.
	TagFilter string
	// WorkDir is passed through to providers that touch the filesystem.
	WorkDir string
}

// ExecuteChecks performs one run and returns its report. The returned
// error is non-nil only for pre-run failures (bad targets, cycles);
// check failures, timeouts, and cancellations are reported in the
// RunReport.
func (e *Engine) ExecuteChecks(ctx context.Context, opts RunOptions) (*RunReport, error) {
	sessionID := NewSessionID()
	started := e.clock()

	targets, err := e.selectTargets(opts)
	if err != nil {
		return nil, err
	}
	waves, err := resolveWaves(e.cfg, targets)
	if err != nil {
		return nil, err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var span Span
	if e.tracer != nil {
		runCtx, span = e.tracer.Start(runCtx, "cascade.run",
			StringAttr("session.id", sessionID),
			StringAttr("event", opts.Event.Name),
			IntAttr("waves", len(waves)))
		defer span.End()
	}

	journal := NewJournal()
	state := newRunState(sessionID, e.cfg.MaxLoops())
	mem, cleanup := e.setupMemory(runCtx)
	defer cleanup()

	maxPar := opts.MaxParallelism
	if maxPar <= 0 {
		maxPar = e.cfg.MaxParallelism
	}
	if maxPar <= 0 {
		maxPar = DefaultMaxParallelism
	}

	sched := &scheduler{
		engine:    e,
		journal:   journal,
		state:     state,
		mem:       mem,
		waves:     waves,
		waveIdx:   waveIndex(waves),
		event:     opts.Event,
		maxPar:    maxPar,
		failFast:  opts.FailFast || e.cfg.FailFast,
		workDir:   opts.WorkDir,
		cancelRun: cancelRun,
		pending:   make(map[int][]scheduledRun),
	}
	sched.router = &router{engine: e}

	e.logger.Info("run starting",
		"session", sessionID, "event", opts.Event.Name,
		"waves", len(waves), "max_parallelism", maxPar)

	sched.run(runCtx)

	report := buildReport(reportInput{
		sessionID: sessionID,
		event:     opts.Event.Name,
		started:   started,
		finished:  e.clock(),
		cfg:       e.cfg,
		waves:     waves,
		journal:   journal,
		state:     state,
		cancelled: runCtx.Err() != nil && !state.failFast(),
	})

	if span != nil {
		span.SetAttr(
			StringAttr("run.status", string(report.Status)),
			IntAttr("run.entries", report.Entries),
			IntAttr("run.emissions", state.emissions()))
	}

	e.logger.Info("run finished",
		"session", sessionID, "status", report.Status,
		"entries", report.Entries, "duration", report.Duration)

	if e.runStore != nil {
		if err := e.runStore.SaveRun(context.WithoutCancel(ctx), report); err != nil {
			e.logger.Warn("saving run report failed", "session", sessionID, "error", err)
		}
	}
	return report, nil
}

// selectTargets combines explicit targets with the tag filter glob.
func (e *Engine) selectTargets(opts RunOptions) ([]string, error) {
	targets := opts.Targets
	if opts.TagFilter == "" {
		return targets, nil
	}

	matches := func(check *Check) bool {
		for _, tag := range check.Tags {
			if ok, _ := doublestar.Match(opts.TagFilter, tag); ok {
				return true
			}
		}
		return false
	}

	if len(targets) == 0 {
		for _, id := range e.cfg.CheckIDs() {
			if matches(e.cfg.Checks[id]) {
				targets = append(targets, id)
			}
		}
	} else {
		// Filter into a fresh slice; the caller's Targets stays intact.
		kept := make([]string, 0, len(targets))
		for _, id := range targets {
			check, ok := e.cfg.Checks[id]
			if !ok {
				return nil, &ErrConfig{Path: "targets", Message: "unknown check " + id}
			}
			if matches(check) {
				kept = append(kept, id)
			}
		}
		targets = kept
	}
	if len(targets) == 0 {
		return nil, &ErrConfig{Path: "targets", Message: "tag filter " + opts.TagFilter + " matches no checks"}
	}
	return targets, nil
}

// setupMemory prepares the run's memory handle: loads the persistence
// backend when configured and returns a cleanup that flushes or tears
// the namespace down. Persistence failures are logged, never fatal.
func (e *Engine) setupMemory(ctx context.Context) (*MemoryHandle, func()) {
	mc := e.cfg.Memory
	if mc == nil {
		return NewMemoryHandle(e.memory, ""), func() {}
	}

	handle := NewMemoryHandle(e.memory, mc.Namespace)
	if !mc.Persist {
		return handle, func() { e.memory.Clear(mc.Namespace) }
	}

	backend := e.backend
	if backend == nil {
		backend = NewFileBackend(mc.File, mc.Format)
	}
	if err := e.memory.Load(ctx, backend); err != nil {
		e.logger.Warn("memory load failed, starting empty", "error", err)
	}
	return handle, func() {
		if err := e.memory.Flush(context.WithoutCancel(ctx), backend); err != nil {
			e.logger.Warn("memory flush failed", "error", err)
		}
	}
}
