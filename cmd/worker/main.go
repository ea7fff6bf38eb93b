package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tezland/metadata-indexer/internal/admin"
	"github.com/tezland/metadata-indexer/internal/alert"
	"github.com/tezland/metadata-indexer/internal/artifact"
	"github.com/tezland/metadata-indexer/internal/config"
	"github.com/tezland/metadata-indexer/internal/dedupe"
	"github.com/tezland/metadata-indexer/internal/fetch"
	"github.com/tezland/metadata-indexer/internal/pipeline"
	"github.com/tezland/metadata-indexer/internal/source"
	"github.com/tezland/metadata-indexer/internal/store/postgres"
	redispkg "github.com/tezland/metadata-indexer/internal/store/redis"
	"github.com/tezland/metadata-indexer/internal/tracing"
	"github.com/tezland/metadata-indexer/internal/validate"
)

const (
	serviceName       = "metadata-indexer"
	dbWaitTimeout     = 60 * time.Second
	dbWaitInterval    = 2 * time.Second
	poolStatsInterval = 15 * time.Second
)

func buildGateways(entries []config.GatewayEntry) []fetch.GatewayConfig {
	gateways := make([]fetch.GatewayConfig, 0, len(entries))
	for _, e := range entries {
		gateways = append(gateways, fetch.GatewayConfig{
			URL:     e.URL,
			Timeout: time.Duration(e.TimeoutMS) * time.Millisecond,
			RPS:     e.RPS,
			Burst:   e.Burst,
		})
	}
	return gateways
}

// buildAlerter assembles the notification fan-out. The log sink is always
// present so every alert lands in the log stream even with no webhook
// configured.
func buildAlerter(cfg config.AlertConfig, logger *slog.Logger) alert.Alerter {
	sinks := []alert.Alerter{alert.NewLogAlerter(logger)}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, alert.NewWebhookAlerter(cfg.WebhookURL))
	}
	if cfg.SlackWebhookURL != "" {
		sinks = append(sinks, alert.NewSlackAlerter(cfg.SlackWebhookURL))
	}
	return alert.NewMultiAlerter(cfg.Cooldown, logger, sinks...)
}

// buildSource wires the configured event backend to the pipeline intake.
// The returned cleanup releases backend connections and is safe to call
// when nil work is pending.
func buildSource(cfg *config.Config, db *postgres.DB, p *pipeline.Pipeline, logger *slog.Logger) (source.Source, func(), error) {
	switch cfg.Source.Backend {
	case "postgres":
		src := source.NewPostgresSource(
			postgres.NewEventQueueRepo(db),
			postgres.NewCheckpointRepo(db),
			p.Intake(),
			logger,
			source.WithPollInterval(cfg.Source.PollInterval),
			source.WithBatchSize(cfg.Source.BatchSize),
		)
		return src, func() {}, nil

	case "redis":
		transport, err := redispkg.NewStream(cfg.Redis.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis stream: %w", err)
		}
		src := source.NewStreamSource(
			transport,
			p.Intake(),
			logger,
			source.WithStreamName(cfg.Redis.Stream),
			source.WithStreamCheckpointKey(cfg.Redis.Stream+":checkpoint"),
		)
		cleanup := func() {
			if err := transport.Close(); err != nil {
				logger.Warn("redis transport close error", "error", err)
			}
		}
		return src, cleanup, nil

	case "memory":
		return source.NewMemorySource(cfg.Pipeline.QueueDepth, p.Intake(), logger), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown source backend %q", cfg.Source.Backend)
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting metadata-indexer",
		"source_backend", cfg.Source.Backend,
		"gateways", len(cfg.Fetch.Gateways),
		"workers", cfg.Pipeline.Workers,
		"max_attempts", cfg.Pipeline.MaxAttempts,
		"artifact_checks", cfg.Artifact.Enabled,
		"admin_addr", cfg.Admin.Addr,
	)

	// Initialize OpenTelemetry tracing; a blank endpoint yields a noop provider
	shutdownTracing, err := tracing.Init(context.Background(), serviceName, cfg.Tracing.OTLPEndpoint, true, 1.0)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()
	if cfg.Tracing.OTLPEndpoint != "" {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.OTLPEndpoint)
	}

	// Connect to PostgreSQL. The worker usually starts alongside its
	// database, so ping until it answers or the wait budget runs out.
	waitCtx, cancelWait := context.WithTimeout(context.Background(), dbWaitTimeout)
	db, err := postgres.WaitForReady(waitCtx, postgres.Config{
		URL:          cfg.Database.URL,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	}, dbWaitInterval)
	cancelWait()
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	if err := db.RunMigrations(cfg.Database.MigrationsDir); err != nil {
		logger.Error("failed to run migrations", "error", err, "dir", cfg.Database.MigrationsDir)
		os.Exit(1)
	}

	repos := &pipeline.Repos{
		Records:    postgres.NewRecordRepo(db),
		Quarantine: postgres.NewQuarantineRepo(db),
	}

	fetcher, err := fetch.New(buildGateways(cfg.Fetch.Gateways),
		fetch.WithMaxBytes(cfg.Fetch.MaxMetadataBytes),
		fetch.WithOriginTimeout(cfg.Fetch.GatewayTimeout),
		fetch.WithMaxRedirects(cfg.Fetch.MaxRedirects),
		fetch.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to build fetcher", "error", err)
		os.Exit(1)
	}

	validator := validate.New(
		validate.WithGridSize(cfg.Validate.GridSize),
		validate.WithLogger(logger),
	)
	cache := dedupe.New(cfg.Cache.Capacity,
		dedupe.WithTTL(cfg.Cache.TTL),
		dedupe.WithLogger(logger),
	)
	alerter := buildAlerter(cfg.Alert, logger)

	p := pipeline.New(pipeline.Config{
		Workers:        cfg.Pipeline.Workers,
		IntakeBuffer:   cfg.Pipeline.QueueDepth,
		MaxAttempts:    cfg.Pipeline.MaxAttempts,
		EventDeadline:  cfg.Pipeline.EventDeadline,
		BackoffInitial: cfg.Pipeline.RetryBase,
		BackoffMax:     cfg.Pipeline.RetryMax,
		Alerter:        alerter,
	}, fetcher, validator, cache, repos, logger)
	p.WithGatewayStates(fetcher.GatewayStates)

	if cfg.Artifact.Enabled {
		// Artifacts get their own fetcher so multi-megabyte model downloads
		// run under the artifact byte cap without draining the metadata
		// fetcher's rate budget.
		artifactFetcher, err := fetch.New(buildGateways(cfg.Fetch.Gateways),
			fetch.WithMaxBytes(cfg.Artifact.MaxArtifactBytes),
			fetch.WithOriginTimeout(cfg.Fetch.GatewayTimeout),
			fetch.WithMaxRedirects(cfg.Fetch.MaxRedirects),
			fetch.WithLogger(logger.With("fetcher", "artifact")),
		)
		if err != nil {
			logger.Error("failed to build artifact fetcher", "error", err)
			os.Exit(1)
		}
		p.WithArtifactChecker(artifact.New(artifactFetcher,
			artifact.WithToleranceBps(cfg.Artifact.ToleranceBps),
			artifact.WithLogger(logger),
		))
	}

	src, cleanupSource, err := buildSource(cfg, db, p, logger)
	if err != nil {
		logger.Error("failed to build event source", "error", err, "backend", cfg.Source.Backend)
		os.Exit(1)
	}
	defer cleanupSource()
	p.SetSource(src)

	adminOpts := []admin.ServerOption{
		admin.WithRateLimiter(admin.NewRateLimitMiddleware(logger)),
	}
	if cfg.Admin.Token != "" {
		adminOpts = append(adminOpts, admin.WithAuthToken(cfg.Admin.Token))
	}
	adminServer := admin.NewServer(cfg.Admin.Addr, p, repos.Quarantine, logger, adminOpts...)

	// Context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return adminServer.Run(gCtx)
	})

	g.Go(func() error {
		return p.Run(gCtx)
	})

	db.StartPoolGauges(gCtx, poolStatsInterval)

	// Signal handler
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("worker exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("worker shut down gracefully")
}
