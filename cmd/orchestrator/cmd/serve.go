package cmd

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
	"github.com/reelworks/orchestrator/internal/api"
	"github.com/reelworks/orchestrator/internal/api/middleware"
	"github.com/reelworks/orchestrator/internal/config"
	"github.com/reelworks/orchestrator/internal/dispatch"
	"github.com/reelworks/orchestrator/internal/domain/jobs"
	"github.com/reelworks/orchestrator/internal/events"
	"github.com/reelworks/orchestrator/internal/metrics"
	"github.com/reelworks/orchestrator/internal/render"
	"github.com/reelworks/orchestrator/internal/source"
	"github.com/reelworks/orchestrator/internal/storage/memory"
	"github.com/reelworks/orchestrator/internal/storage/postgres"
	"github.com/reelworks/orchestrator/internal/webhook"
	"github.com/reelworks/orchestrator/internal/workers"
	"github.com/riverqueue/river/rivertype"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	// Server flags (override config/env)
	serverHost string
	serverPort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestration engine",
	Long: `Start the HTTP API and the background dispatcher.

With DATABASE_URL set the engine uses postgres for the job registry and
River for durable item execution. Without it the engine runs a fully
in-memory registry with an in-process worker pool, which is intended for
development only.

Examples:
  # Start with default configuration (from env vars)
  orchestrator serve

  # Start on a specific host and port
  orchestrator serve --host 127.0.0.1 --port 9090

  # Start with debug logging
  orchestrator serve --log-level debug`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	// Server-specific flags
	serveCmd.Flags().StringVar(&serverHost, "host", "", "server host address (default: 0.0.0.0)")
	serveCmd.Flags().IntVar(&serverPort, "port", 0, "server port (default: 8080)")
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	if serverHost != "" {
		cfg.Server.Host = serverHost
	}
	if serverPort != 0 {
		cfg.Server.Port = serverPort
	}

	logger := config.NewLogger(cfg.Logging)
	logger.Info().Str("version", Version).Msg("starting orchestrator")

	metrics.Init(Version, GitCommit, BuildDate)

	bus := events.New(logger,
		events.WithReplayBuffer(cfg.Events.ReplayBuffer),
		events.WithSubscriberBuffer(cfg.Events.SubscriberBuffer),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	var pool *pgxpool.Pool
	var svc *jobs.Service

	sources := source.NewRegistry()
	sources.Register(source.KindInline, source.InlineReader{})
	sources.Register(source.KindCSV, source.CSVReader{})
	renderer := &render.StubRenderer{}

	svcConfig := jobs.Config{
		IdempotencyWindow: cfg.Idempotency.Window,
		HandshakeTimeout:  cfg.Dispatch.HandshakeTimeout,
		CancelGrace:       cfg.Dispatch.CancelGrace,
	}

	var workerPool dispatch.WorkerPool
	if cfg.Database.URL == "" {
		logger.Warn().Msg("DATABASE_URL not set, running with in-memory registry")

		repo := memory.NewRepository()
		sender := webhook.NewSender(logger)
		svc = jobs.NewService(repo, bus, logger,
			jobs.WithConfig(svcConfig),
			jobs.WithNotifier(webhook.NewDirectNotifier(sender, logger)),
		)

		localPool := dispatch.NewLocalPool(svc, renderer, dispatch.LocalPoolConfig{
			Workers: cfg.Dispatch.Workers,
		}, logger)
		workerPool = localPool
		group.Go(func() error { return localPool.Run(groupCtx) })

		dispatcher := dispatch.New(svc, repo, sources, workerPool, dispatchConfig(cfg), logger)
		group.Go(func() error { return dispatcher.Run(groupCtx) })
	} else {
		poolCtx, poolCancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err = newPgxPool(poolCtx, cfg)
		poolCancel()
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer pool.Close()

		repo, err := postgres.NewRepository(pool)
		if err != nil {
			return err
		}

		// The notifier and pool are bound to the River client after the
		// workers exist; the workers need the service the client feeds.
		notifier := workers.NewQueueNotifier()
		svc = jobs.NewService(repo, bus, logger,
			jobs.WithConfig(svcConfig),
			jobs.WithNotifier(notifier),
		)

		sender := webhook.NewSender(logger)
		registered := workers.NewWorkers(svc, renderer, sender)
		slogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		}))
		client, err := workers.NewClient(pool, registered, slogger,
			[]rivertype.Hook{metrics.NewQueueMetricsHook()},
			workers.NewPeriodicJobs(),
		)
		if err != nil {
			return fmt.Errorf("river client: %w", err)
		}
		notifier.Bind(client)

		queuePool := workers.NewQueuePool()
		queuePool.Bind(client)
		workerPool = queuePool

		if err := client.Start(ctx); err != nil {
			return fmt.Errorf("river workers failed to start: %w", err)
		}
		logger.Info().Msg("river workers started")
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			if err := client.Stop(stopCtx); err != nil {
				logger.Error().Err(err).Msg("river workers shutdown error")
			}
		}()

		dbCollector := metrics.NewDBCollector(pool)
		go dbCollector.Start(groupCtx, 15*time.Second)
		defer dbCollector.Stop()

		dispatcher := dispatch.New(svc, repo, sources, workerPool, dispatchConfig(cfg), logger)
		group.Go(func() error { return dispatcher.Run(groupCtx) })
	}

	handler := api.NewRouter(api.Deps{
		Service:   svc,
		Bus:       bus,
		Pool:      pool,
		Env:       cfg.Environment,
		Version:   Version,
		GitCommit: GitCommit,
		RateLimit: middleware.RateLimitConfig{
			MutationsPerMinute: cfg.RateLimit.MutationsPerMinute,
			Burst:              cfg.RateLimit.Burst,
		},
		Logger: logger,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	group.Go(func() error {
		logger.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newPgxPool(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.Database.MaxConnections > 0 {
		poolCfg.MaxConns = int32(cfg.Database.MaxConnections)
	}
	if cfg.Database.MaxIdle > 0 {
		poolCfg.MinConns = int32(cfg.Database.MaxIdle)
	}
	return pgxpool.NewWithConfig(ctx, poolCfg)
}

func dispatchConfig(cfg config.Config) dispatch.Config {
	return dispatch.Config{
		PollInterval:           cfg.Dispatch.PollInterval,
		SweepInterval:          cfg.Dispatch.SweepInterval,
		ProgressInterval:       cfg.Dispatch.ProgressInterval,
		HeartbeatTimeout:       cfg.Dispatch.HeartbeatTimeout,
		MaxConcurrentPerJob:    cfg.Dispatch.MaxConcurrentPerJob,
		MaxConcurrentPerTenant: cfg.Dispatch.MaxConcurrentPerTenant,
		TenantItemsPerMinute:   cfg.Dispatch.TenantItemsPerMinute,
		TenantBurst:            cfg.Dispatch.TenantBurst,
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}

	// Override logging from flags if provided
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}

	return cfg, nil
}
