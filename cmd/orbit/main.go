// Command orbit boots the session store, extension manager, agent
// orchestrator and scheduler and runs the scheduler's tick loop until
// interrupted. The wire-level protocol server, HTTP routes, and IDE glue
// live elsewhere; this binary exists only to make the core subsystems
// runnable.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/orbit/internal/agent"
	"github.com/haasonsaas/orbit/internal/config"
	"github.com/haasonsaas/orbit/internal/extensions"
	"github.com/haasonsaas/orbit/internal/jobs"
	"github.com/haasonsaas/orbit/internal/observability"
	"github.com/haasonsaas/orbit/internal/permission"
	"github.com/haasonsaas/orbit/internal/providers"
	"github.com/haasonsaas/orbit/internal/scheduler"
	"github.com/haasonsaas/orbit/internal/sessions"
)

// buildProvider picks a concrete Provider from whichever vendor's
// credentials are configured, preferring Anthropic, then OpenAI, then
// Google, then Bedrock's default AWS credential chain, and falling back
// to providers.NewFake so the binary still boots for local development
// without any credentials configured. cfg may be nil; an environment
// variable always overrides the matching cfg field for the same vendor.
func buildProvider(ctx context.Context, cfg map[string]config.ProviderConfig, logger *slog.Logger) providers.Provider {
	get := func(vendor, envVar string) (string, bool) {
		if v := os.Getenv(envVar); v != "" {
			return v, true
		}
		if pc, ok := cfg[vendor]; ok && pc.APIKey != "" {
			return pc.APIKey, true
		}
		return "", false
	}

	if key, ok := get("anthropic", "ANTHROPIC_API_KEY"); ok {
		pc := cfg["anthropic"]
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: key, BaseURL: pc.BaseURL, DefaultModel: pc.DefaultModel, FastModel: pc.FastModel})
		if err != nil {
			logger.Warn("anthropic provider init failed, falling back to fake", "error", err)
		} else {
			return p
		}
	}
	if key, ok := get("openai", "OPENAI_API_KEY"); ok {
		pc := cfg["openai"]
		p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{APIKey: key, BaseURL: pc.BaseURL, DefaultModel: pc.DefaultModel, FastModel: pc.FastModel})
		if err != nil {
			logger.Warn("openai provider init failed, falling back to fake", "error", err)
		} else {
			return p
		}
	}
	if key, ok := get("google", "GOOGLE_API_KEY"); ok {
		pc := cfg["google"]
		p, err := providers.NewGoogleProvider(ctx, providers.GoogleConfig{APIKey: key, DefaultModel: pc.DefaultModel, FastModel: pc.FastModel})
		if err != nil {
			logger.Warn("google provider init failed, falling back to fake", "error", err)
		} else {
			return p
		}
	}
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = cfg["bedrock"].Region
	}
	if region != "" || os.Getenv("AWS_ACCESS_KEY_ID") != "" {
		p, err := providers.NewBedrockProvider(ctx, providers.BedrockConfig{Region: region})
		if err != nil {
			logger.Warn("bedrock provider init failed, falling back to fake", "error", err)
		} else {
			return p
		}
	}
	logger.Info("no provider credentials found in environment or config; using a scripted fake provider")
	return providers.NewFake("fake")
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dbPath, statePath, recipeDir, configPath string

	root := &cobra.Command{
		Use:   "orbit",
		Short: "Run the orbit agent core: sessions, orchestrator, and scheduler",
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "orbit.db", "path to the sqlite session store")
	root.PersistentFlags().StringVar(&statePath, "scheduler-state", "scheduler_state.json", "path to the scheduler's persisted job state")
	root.PersistentFlags().StringVar(&recipeDir, "recipe-dir", "scheduled_recipes", "directory scheduled recipe copies are stored in")
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML/JSON5 config file (session/scheduler/providers/extensions); flags and env vars override it")

	root.AddCommand(newServeCmd(&dbPath, &statePath, &recipeDir, &configPath))
	root.AddCommand(newScheduleCmd(&statePath, &recipeDir))
	return root
}

// loadConfig reads path if set, returning an empty Config (not an error)
// when path is unset so serve can run from flags/env alone.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return &config.Config{}, nil
	}
	return config.Load(path)
}

func newServeCmd(dbPath, statePath, recipeDir, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler tick loop and block until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			logger := slog.Default()

			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			effectiveDB := *dbPath
			if !cmd.Flags().Changed("db") && cfg.Session.DBPath != "" {
				effectiveDB = cfg.Session.DBPath
			}
			effectiveState := *statePath
			if !cmd.Flags().Changed("scheduler-state") && cfg.Scheduler.StatePath != "" {
				effectiveState = cfg.Scheduler.StatePath
			}
			effectiveRecipeDir := *recipeDir
			if !cmd.Flags().Changed("recipe-dir") && cfg.Scheduler.RecipeDir != "" {
				effectiveRecipeDir = cfg.Scheduler.RecipeDir
			}

			sqliteCfg := sessions.DefaultSQLiteConfig(effectiveDB)
			if cfg.Session.BusyTimeout > 0 {
				sqliteCfg.BusyTimeout = cfg.Session.BusyTimeout
			}
			sqliteStore, err := sessions.NewSQLiteStore(ctx, sqliteCfg)
			if err != nil {
				return fmt.Errorf("open session store: %w", err)
			}
			hostname, _ := os.Hostname()
			ownerID := fmt.Sprintf("%s-%d", hostname, os.Getpid())
			var store sessions.Store = sessions.NewLockingStore(
				sqliteStore, sessions.NewSessionLockManager(0), ownerID)
			sessionDB := sqliteStore.DB()

			// Job records can live in a shared Postgres-family database so
			// several hosts can observe each other's in-flight tool calls;
			// sessions themselves stay on the local SQLite file.
			var jobStore jobs.Store
			if cfg.Session.JobStoreDSN != "" {
				jobStore, err = jobs.NewCockroachStoreFromDSN(cfg.Session.JobStoreDSN, nil)
				if err != nil {
					return fmt.Errorf("open job store: %w", err)
				}
			} else {
				jobStore = jobs.NewMemoryStore()
			}

			extMgr := extensions.NewManager(logger)
			if err := config.RegisterExtensions(ctx, extMgr, cfg.Extensions, logger); err != nil {
				return fmt.Errorf("register extensions: %w", err)
			}
			if err := extMgr.Add(extensions.JobsKey, extensions.NewJobsClient(jobStore)); err != nil {
				return fmt.Errorf("register jobs extension: %w", err)
			}

			perms := permission.NewManager()
			prompt := agent.NewPromptManager("You are Orbit, an autonomous agent.")
			provider := buildProvider(ctx, cfg.Providers, logger)

			orch := agent.NewOrchestrator(store, provider, extMgr, perms, prompt, logger)
			metrics := observability.NewMetrics()
			orch.SetMetrics(metrics)
			orch.SetEventRecorder(observability.NewEventRecorder(observability.NewMemoryEventStore(10000), nil))
			orch.SetJobStore(jobStore)
			orch.SetDefaultPolicy(config.BuildPolicy(cfg.Tools))
			tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
				ServiceName: "orbit",
				Environment: os.Getenv("ORBIT_ENV"),
				Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			})
			orch.SetTracer(tracer)
			defer shutdownTracer(context.Background())

			locker, err := sessions.NewDBLocker(sessionDB, sessions.DBLockerConfig{OwnerID: ownerID})
			if err != nil {
				return fmt.Errorf("build session locker: %w", err)
			}
			defer locker.Close()
			orch.SetLocker(locker)

			sched, err := scheduler.New(
				scheduler.WithLogger(logger),
				scheduler.WithStatePath(effectiveState),
				scheduler.WithRecipeDir(effectiveRecipeDir),
				scheduler.WithRunner(&agent.RecipeRunner{Store: store, Orchestrator: orch}),
				scheduler.WithSessionLister(scheduler.StoreSessionLister{Store: store}),
				scheduler.WithMetrics(metrics),
			)
			if err != nil {
				return fmt.Errorf("build scheduler: %w", err)
			}

			if err := sched.WatchRecipes(ctx); err != nil {
				logger.Warn("recipe directory watch disabled", "error", err)
			}

			sched.Start(ctx)
			logger.Info("orbit scheduler running", "db", effectiveDB, "state", effectiveState)
			<-ctx.Done()
			sched.Stop()
			return nil
		},
	}
}

func newScheduleCmd(statePath, recipeDir *string) *cobra.Command {
	var cronExpr string
	var makeCopy bool

	cmd := &cobra.Command{
		Use:   "schedule [recipe-path]",
		Short: "Register a recipe file to run on a cron expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, err := scheduler.New(
				scheduler.WithStatePath(*statePath),
				scheduler.WithRecipeDir(*recipeDir),
			)
			if err != nil {
				return err
			}
			return sched.AddScheduledJob(scheduler.ScheduledJob{Source: args[0], CronExpr: cronExpr}, makeCopy)
		},
	}
	cmd.Flags().StringVar(&cronExpr, "cron", "", "cron expression (5- or 6-field)")
	cmd.Flags().BoolVar(&makeCopy, "copy", true, "copy the recipe into the scheduler's recipe directory")
	return cmd
}
