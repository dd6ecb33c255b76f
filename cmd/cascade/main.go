// Package main provides the cascade binary: run, validate, and inspect
// check workflows from the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/nevindra/cascade"
	"github.com/nevindra/cascade/internal/config"
	"github.com/nevindra/cascade/observer"
	"github.com/nevindra/cascade/providers/ai"
	"github.com/nevindra/cascade/providers/command"
	httpprov "github.com/nevindra/cascade/providers/http"
	"github.com/nevindra/cascade/providers/memoryop"
	"github.com/nevindra/cascade/providers/script"
	"github.com/nevindra/cascade/store/postgres"
	"github.com/nevindra/cascade/store/sqlite"
)

const version = "0.3.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type cliFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	flags := &cliFlags{}

	cmd := &cobra.Command{
		Use:           "cascade",
		Short:         "Dependency-driven check orchestration",
		Long:          "Cascade runs workflows of checks: it resolves dependencies into parallel\nwaves, invokes providers, and routes results until the run is quiescent.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "app config file (TOML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	cmd.AddCommand(runCmd(flags), validateCmd(flags), historyCmd(flags), versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cascade version %s\n", version)
		},
	}
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelWarn
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// --- run ---

func runCmd(flags *cliFlags) *cobra.Command {
	var (
		workflowPath string
		targets      []string
		tagFilter    string
		eventName    string
		payloadPath  string
		timeout      time.Duration
		maxParallel  int
		failFast     bool
		format       string
		outputPath   string
		workspace    string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			appCfg := config.Load(flags.configPath)
			logger := newLogger(flags.logLevel)

			wf, err := cascade.LoadConfig(workflowPath)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			var aiProvider cascade.Provider = ai.New(appCfg.AI.APIKey,
				ai.WithBaseURL(appCfg.AI.BaseURL),
				ai.WithModel(appCfg.AI.Model))
			if appCfg.AI.RPM > 0 {
				aiProvider = cascade.WithRateLimit(aiProvider, cascade.RPM(appCfg.AI.RPM))
			}

			registry := cascade.NewRegistry(
				command.New(),
				script.New(),
				httpprov.New(),
				memoryop.New(),
				aiProvider,
			)

			opts := []cascade.EngineOption{cascade.WithLogger(logger)}

			if appCfg.Observer.Enabled {
				inst, shutdown, err := observer.Init(ctx)
				if err != nil {
					return fmt.Errorf("init observer: %w", err)
				}
				defer shutdown(context.Background())
				registry = observer.WrapRegistry(registry, inst)
				opts = append(opts, cascade.WithTracer(observer.NewTracer()))
			}

			if appCfg.History.Enabled {
				runStore := sqlite.New(appCfg.History.Path, sqlite.WithLogger(logger))
				defer runStore.Close()
				if err := runStore.Init(ctx); err != nil {
					return fmt.Errorf("init run store: %w", err)
				}
				opts = append(opts, cascade.WithRunStore(runStore))
			}

			if appCfg.Memory.PostgresURL != "" {
				pool, err := pgxpool.New(ctx, appCfg.Memory.PostgresURL)
				if err != nil {
					return fmt.Errorf("connect postgres: %w", err)
				}
				defer pool.Close()
				backend := postgres.New(pool)
				if err := backend.Init(ctx); err != nil {
					return fmt.Errorf("init postgres memory: %w", err)
				}
				opts = append(opts, cascade.WithMemoryBackend(backend))
			}

			engine, err := cascade.NewEngine(wf, registry, opts...)
			if err != nil {
				return err
			}

			event := cascade.Event{Name: eventName}
			if payloadPath != "" {
				data, err := os.ReadFile(payloadPath)
				if err != nil {
					return fmt.Errorf("read payload: %w", err)
				}
				if err := json.Unmarshal(data, &event.Payload); err != nil {
					return fmt.Errorf("parse payload: %w", err)
				}
			}

			ws := workspace
			if ws == "" {
				ws = appCfg.Run.Workspace
			}
			mp := maxParallel
			if mp == 0 {
				mp = appCfg.Run.MaxParallelism
			}

			report, err := engine.ExecuteChecks(ctx, cascade.RunOptions{
				Targets:        targets,
				Event:          event,
				Timeout:        timeout,
				MaxParallelism: mp,
				FailFast:       failFast || appCfg.Run.FailFast,
				TagFilter:      tagFilter,
				WorkDir:        ws,
			})
			if err != nil {
				return err
			}

			if err := writeReport(report, format, outputPath); err != nil {
				return err
			}
			if report.Failed() {
				return fmt.Errorf("run %s: %d issue(s)", report.Status, report.IssueCount())
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&workflowPath, "workflow", "w", ".cascade.yaml", "workflow file (YAML)")
	cmd.Flags().StringArrayVarP(&targets, "target", "t", nil, "run only this check and its dependencies (repeatable)")
	cmd.Flags().StringVar(&tagFilter, "tags", "", "run only checks whose tags match this glob")
	cmd.Flags().StringVar(&eventName, "event", "manual", "event name the run executes under")
	cmd.Flags().StringVar(&payloadPath, "payload", "", "event payload file (JSON)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall run timeout (0 = none)")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "max checks in flight (0 = config default)")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "cancel the run on the first critical result")
	cmd.Flags().StringVarP(&format, "format", "f", "markdown", "report format (markdown, json, html)")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "write the report to a file instead of stdout")
	cmd.Flags().StringVar(&workspace, "workspace", "", "working directory for providers")
	return cmd
}

func writeReport(report *cascade.RunReport, format, outputPath string) error {
	var rendered string
	switch format {
	case "markdown", "md":
		rendered = report.Markdown()
	case "json":
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		rendered = string(data) + "\n"
	case "html":
		html, err := report.HTML()
		if err != nil {
			return err
		}
		rendered = html
	default:
		return fmt.Errorf("unknown format %q", format)
	}

	if outputPath == "" {
		fmt.Print(rendered)
		return nil
	}
	return os.WriteFile(outputPath, []byte(rendered), 0o644)
}

// --- validate ---

func validateCmd(flags *cliFlags) *cobra.Command {
	var workflowPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a workflow without running it",
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := cascade.LoadConfig(workflowPath)
			if err != nil {
				return err
			}
			waves, err := cascade.Plan(wf, nil)
			if err != nil {
				return err
			}

			fmt.Printf("%s: %d checks in %d waves\n", workflowPath, len(wf.Checks), len(waves))
			for i, wave := range waves {
				fmt.Printf("  wave %d: %s\n", i+1, strings.Join(wave, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&workflowPath, "workflow", "w", ".cascade.yaml", "workflow file (YAML)")
	return cmd
}

// --- history ---

func historyCmd(flags *cliFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "List stored runs, or show one run's report",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appCfg := config.Load(flags.configPath)
			store := sqlite.New(appCfg.History.Path)
			defer store.Close()
			if err := store.Init(cmd.Context()); err != nil {
				return err
			}

			if len(args) == 1 {
				report, err := store.GetRun(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("load run %s: %w", args[0], err)
				}
				fmt.Print(report.Markdown())
				return nil
			}

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("no stored runs")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tEVENT\tSTATUS\tSTARTED\tDURATION\tISSUES")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
					r.SessionID, r.Event, r.Status,
					r.StartedAt.Format(time.RFC3339), r.Duration.Round(time.Millisecond), r.Issues)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max runs to list")
	return cmd
}
