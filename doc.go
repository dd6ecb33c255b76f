// Package cascade is a dependency-driven check orchestration engine in Go.
//
// It executes a workflow of checks: each check names a provider, the
// checks it depends on, and optional routing that reacts to its result.
// The engine resolves the dependency graph into parallel waves, invokes
// providers through a gateway with timeouts and retries, commits every
// result to an append-only journal, and resolves each check's inputs
// through scope-aware snapshot reads.
//
// # Quick Start
//
// Load a workflow, register providers, and run:
//
//	cfg, err := cascade.LoadConfig("workflow.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	registry := cascade.NewRegistry(
//		command.New(),
//		script.New(),
//		httpprov.New(),
//	)
//
//	engine, err := cascade.NewEngine(cfg, registry,
//		cascade.WithLogger(slog.Default()),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	report, err := engine.ExecuteChecks(ctx, cascade.RunOptions{
//		Event: cascade.Event{Name: "manual"},
//	})
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider] — external collaborator invoked with a prepared [CheckContext]
//   - [MemoryBackend] — persistence for the run-to-run memory store
//   - [RunStore] — persistence for finished run reports
//   - [Tracer] — span creation, kept free of any tracing SDK
//
// # Included Implementations
//
// Providers: providers/command (shell), providers/script (expressions),
// providers/http (fetch + extraction), providers/ai (OpenAI-compatible
// chat), providers/memoryop (memory mutations).
// Storage: store/sqlite (run history), store/postgres (shared memory).
//
// See the cmd/cascade directory for the command-line front end.
package cascade
