package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/rankforge/pipeline/internal/config"
	"github.com/rankforge/pipeline/internal/server"
	"github.com/rankforge/pipeline/internal/telemetry"
	"github.com/rankforge/pipeline/pkg/pipeline"
	"github.com/rankforge/pipeline/pkg/pipeline/agent"
	"github.com/rankforge/pipeline/pkg/pipeline/ledger"
	"github.com/rankforge/pipeline/pkg/pipeline/observability"
	"github.com/rankforge/pipeline/pkg/pipeline/progress"
	"github.com/rankforge/pipeline/pkg/pipeline/sched"
	"github.com/rankforge/pipeline/pkg/pipeline/stageconf"
	"github.com/rankforge/pipeline/pkg/pipeline/store"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("PIPELINE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("pipelined starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	limits := func(string) ledger.Limits {
		return ledger.Limits{
			MonthlyBudget: cfg.DefaultMonthlyBudget,
			ArticlesLimit: cfg.DefaultArticleLimit,
		}
	}
	alert := func(acct ledger.Account) {
		logger.Warn("budget alert threshold crossed",
			"organization_id", acct.OrganizationID,
			"period", acct.Period,
			"used", acct.Used(),
			"budget", acct.MonthlyBudget,
		)
	}

	// Storage: Postgres when DATABASE_URL is set, SQLite otherwise.
	var (
		runStore store.Store
		costs    ledger.Ledger
	)
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres ping: %w", err)
		}

		runStore, err = store.NewPostgresStore(ctx, pool)
		if err != nil {
			return fmt.Errorf("run store: %w", err)
		}
		costs, err = ledger.NewPostgresLedger(ctx, pool, limits,
			ledger.WithPostgresAlert(alert, cfg.BudgetAlertThreshold))
		if err != nil {
			return fmt.Errorf("ledger: %w", err)
		}
		logger.Info("storage: postgres")
	} else {
		runStore, err = store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("run store: %w", err)
		}
		costs, err = ledger.NewSQLiteLedger(cfg.SQLitePath, limits,
			ledger.WithSQLiteAlert(alert, cfg.BudgetAlertThreshold))
		if err != nil {
			return fmt.Errorf("ledger: %w", err)
		}
		logger.Info("storage: sqlite", "path", cfg.SQLitePath)
	}
	defer func() { _ = runStore.Close() }()
	defer func() { _ = costs.Close() }()

	// Agent adapters.
	completer := agent.NewHTTPCompleter(cfg.CompletionURL, cfg.CompletionAPIKey)
	fetcher := agent.NewHTTPFetcher(cfg.FetcherURL)
	publisher := agent.NewHTTPPublisher(cfg.PublisherURL, "", cfg.PublisherAPIKey)

	registry := agent.NewRegistry(agent.WithLogger(logger))
	for _, a := range []agent.Agent{
		agent.NewTopicAnalysis(completer),
		agent.NewCompetitorMonitor(fetcher),
		agent.NewArticleGeneration(completer),
		agent.NewComplianceCheck(completer),
		agent.NewPublish(publisher),
	} {
		if err := registry.Register(a); err != nil {
			return fmt.Errorf("register agent: %w", err)
		}
	}

	stages, err := loadStages(cfg)
	if err != nil {
		return fmt.Errorf("stage config: %w", err)
	}

	// Progress fan-out.
	pub := progress.NewPublisher(
		progress.WithBufferSize(cfg.ProgressBufferSize),
		progress.WithOnDrop(func(runID string, dropped progress.Event) {
			logger.Debug("progress event dropped",
				"run_id", runID, "sequence", dropped.Sequence)
		}),
	)
	defer func() { _ = pub.Close() }()

	scheduler, err := sched.New(sched.Config{
		MaxConcurrentPerOrg: cfg.MaxConcurrentPerOrg,
		SubmitRate:          cfg.SubmitRate,
		SubmitBurst:         cfg.SubmitBurst,
		RunTimeout:          cfg.RunTimeout,
		ResumeGrace:         cfg.ResumeGrace,
	}, stages, runStore, pipeline.Deps{
		Invoker:  registry,
		Ledger:   costs,
		Progress: pub,
		Logger:   logger,
		Metrics:  observability.NewMetricsRecorder(),
		Spans:    observability.NewSpanManager(),
	})
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	// Recover runs interrupted by the previous process before opening
	// the listener, so clients never observe a stale "running" status.
	if resumed, failed, err := scheduler.Recover(ctx); err != nil {
		logger.Warn("recovery failed", "error", err)
	} else {
		logger.Info("recovery complete", "resumed", resumed, "failed", failed)
	}

	// Retention loop.
	if cfg.RunRetention > 0 {
		go retentionLoop(ctx, runStore, logger, cfg.RunRetention)
	}

	srv := server.New(server.Config{
		Scheduler:           scheduler,
		Store:               runStore,
		Ledger:              costs,
		Progress:            pub,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting HTTP first, then cancel active
	// runs and let them persist their final state and release holds.
	slog.Info("pipelined shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	schedCtx, schedCancel := context.WithTimeout(context.Background(), 20*time.Second)
	if err := scheduler.Shutdown(schedCtx); err != nil {
		slog.Error("scheduler shutdown error", "error", err)
	}
	schedCancel()

	slog.Info("pipelined stopped")
	return nil
}

// loadStages builds the stage sequence, overlaying per-stage settings
// from the YAML config file when one is configured. The configured
// completion model is the fallback for stages that don't pin their own.
func loadStages(cfg config.Config) ([]pipeline.StageDef, error) {
	stages := pipeline.DefaultSequence()

	var sections stageconf.Sections
	if cfg.StageConfigPath != "" {
		loaded, err := stageconf.FromFile(cfg.StageConfigPath)
		if err != nil {
			return nil, err
		}
		sections = loaded
	}

	for i := range stages {
		stages[i].Config = sections.Stage(stages[i].Name,
			map[string]any{"model": cfg.CompletionModel})
	}
	return stages, nil
}

// retentionLoop purges terminal runs older than the retention window.
func retentionLoop(ctx context.Context, st store.Store, logger *slog.Logger, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.PurgeTerminal(ctx, time.Now().UTC().Add(-retention))
			if err != nil {
				logger.Warn("run purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("terminal runs purged", "count", n)
			}
		}
	}
}
