package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/emperorhan/block-indexer/internal/admin"
	"github.com/emperorhan/block-indexer/internal/alert"
	"github.com/emperorhan/block-indexer/internal/chain/ratelimit"
	"github.com/emperorhan/block-indexer/internal/chain/solana"
	"github.com/emperorhan/block-indexer/internal/chain/solana/rpc"
	"github.com/emperorhan/block-indexer/internal/circuitbreaker"
	"github.com/emperorhan/block-indexer/internal/config"
	"github.com/emperorhan/block-indexer/internal/domain/model"
	"github.com/emperorhan/block-indexer/internal/handlers"
	"github.com/emperorhan/block-indexer/internal/metrics"
	"github.com/emperorhan/block-indexer/internal/pipeline"
	"github.com/emperorhan/block-indexer/internal/pipeline/backfill"
	"github.com/emperorhan/block-indexer/internal/pipeline/dispatch"
	"github.com/emperorhan/block-indexer/internal/pipeline/retry"
	"github.com/emperorhan/block-indexer/internal/plugin"
	"github.com/emperorhan/block-indexer/internal/store"
	"github.com/emperorhan/block-indexer/internal/store/memory"
	"github.com/emperorhan/block-indexer/internal/store/postgres"
	redispkg "github.com/emperorhan/block-indexer/internal/store/redis"
	"github.com/emperorhan/block-indexer/internal/stream"
	"github.com/emperorhan/block-indexer/internal/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

type dbStatsProvider interface {
	Stats() sql.DBStats
}

type dbPoolStatsGauges struct {
	open         *prometheus.GaugeVec
	inUse        *prometheus.GaugeVec
	idle         *prometheus.GaugeVec
	waitCount    *prometheus.GaugeVec
	waitDuration *prometheus.GaugeVec
}

func collectDBPoolStats(db dbStatsProvider, driver string, gauges dbPoolStatsGauges) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("db pool stats collection panicked: %v", r)
		}
	}()
	if db == nil {
		return fmt.Errorf("db stats provider is nil")
	}

	stats := db.Stats()
	gauges.open.WithLabelValues(driver).Set(float64(stats.OpenConnections))
	gauges.inUse.WithLabelValues(driver).Set(float64(stats.InUse))
	gauges.idle.WithLabelValues(driver).Set(float64(stats.Idle))
	gauges.waitCount.WithLabelValues(driver).Set(float64(stats.WaitCount))
	gauges.waitDuration.WithLabelValues(driver).Set(stats.WaitDuration.Seconds())
	return nil
}

func startDBPoolStatsPump(ctx context.Context, db dbStatsProvider, driver string, intervalMS int, gauges dbPoolStatsGauges, logger *slog.Logger) {
	if db == nil || intervalMS <= 0 {
		return
	}

	ticker := time.NewTicker(time.Duration(intervalMS) * time.Millisecond)
	go func() {
		defer ticker.Stop()

		if err := collectDBPoolStats(db, driver, gauges); err != nil {
			logger.Warn("failed to collect initial db pool stats", "error", err)
		}
		for {
			select {
			case <-ctx.Done():
				logger.Info("db pool stats sampler stopped", "cause", "context_done")
				return
			case <-ticker.C:
				if err := collectDBPoolStats(db, driver, gauges); err != nil {
					logger.Warn("failed to collect db pool stats", "error", err)
				}
			}
		}
	}()
}

func defaultPoolGauges() dbPoolStatsGauges {
	return dbPoolStatsGauges{
		open:         metrics.DBPoolOpen,
		inUse:        metrics.DBPoolInUse,
		idle:         metrics.DBPoolIdle,
		waitCount:    metrics.DBPoolWaitCount,
		waitDuration: metrics.DBPoolWaitDurationSeconds,
	}
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openCheckpoints returns the configured checkpoint backend and its closer.
func openCheckpoints(cfg *config.Config, db *postgres.DB) (store.CheckpointRepository, func() error, error) {
	switch cfg.Checkpoint.Backend {
	case config.CheckpointBackendRedis:
		rs, err := redispkg.NewCheckpointStore(cfg.Redis.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis checkpoint store: %w", err)
		}
		return rs, rs.Close, nil
	case config.CheckpointBackendMemory:
		return memory.NewCheckpointRepo(), func() error { return nil }, nil
	default:
		if db == nil {
			return nil, nil, errors.New("postgres checkpoint backend needs a database")
		}
		return postgres.NewCheckpointRepo(db), func() error { return nil }, nil
	}
}

func backoffConfig(c config.BackoffConfig) retry.BackoffConfig {
	return retry.BackoffConfig{
		Initial:    c.Initial,
		Max:        c.Max,
		Multiplier: c.Multiplier,
		Jitter:     c.Jitter,
	}
}

// indexerBuilder assembles one indexer's runtime from shared resources.
type indexerBuilder struct {
	db          store.TxBeginner
	checkpoints store.CheckpointRepository
	catalog     *plugin.Catalog
	history     backfill.Source
	streamCfg   stream.Config
	backoff     retry.BackoffConfig
	backfillCfg backfill.Config
	alerter     alert.Alerter
	logger      *slog.Logger
}

func (b *indexerBuilder) build(ctx context.Context, desc model.DataSourceDescriptor, health *pipeline.PipelineHealth) (*pipeline.Unit, error) {
	logger := b.logger.With("indexer", desc.ID, "network", desc.Network)
	st := postgres.NewUpsertStore(b.db, desc.ID, logger)

	loader := plugin.NewLoader(b.catalog, plugin.Deps{Store: st, Descriptor: desc, Logger: logger})
	handle, err := loader.Load(ctx, desc.Artifact)
	if err != nil {
		_ = loader.Close()
		return nil, err
	}
	release := func() {
		handle.Release()
		if err := loader.Close(); err != nil {
			logger.Warn("plugin teardown failed", "error", err)
		}
	}

	client, err := stream.NewClient(b.streamCfg, stream.WithLogger(logger))
	if err != nil {
		release()
		return nil, fmt.Errorf("stream client for %s: %w", desc.ID, err)
	}

	proxy := dispatch.New(handle, st, desc, logger)
	opts := []pipeline.Option{
		pipeline.WithHealth(health),
		pipeline.WithBackoff(retry.NewBackoff(b.backoff)),
		pipeline.WithAlerter(b.alerter),
	}
	if b.history != nil && desc.Chain == model.ChainSolana {
		coordinator := backfill.New(b.history, proxy.WithPath(dispatch.PathBackfill), b.backfillCfg, desc, logger)
		opts = append(opts, pipeline.WithBackfiller(coordinator))
	}

	return &pipeline.Unit{
		Pipeline: pipeline.New(desc, client, proxy, b.checkpoints, logger, opts...),
		Close: func() {
			if err := client.Close(); err != nil {
				logger.Warn("stream close failed", "error", err)
			}
			release()
		},
	}, nil
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("failed to load .env", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	descs, err := config.LoadManifest(cfg.ManifestPath)
	if err != nil {
		logger.Error("failed to load indexer manifest", "path", cfg.ManifestPath, "error", err)
		os.Exit(1)
	}
	logger.Info("starting block-indexer",
		"indexers", len(descs),
		"stream_endpoint", cfg.Stream.Endpoint,
		"checkpoint_backend", cfg.Checkpoint.Backend,
		"db_driver", cfg.DB.Driver,
		"backfill_enabled", cfg.Backfill.Enabled,
	)

	shutdownTracing, err := tracing.Init(context.Background(), tracing.Config{
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		Attributes:  map[string]string{"indexer.manifest": cfg.ManifestPath},
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	db, err := postgres.New(postgres.Config{
		Driver:             cfg.DB.Driver,
		URL:                cfg.DB.URL,
		MaxOpenConns:       cfg.DB.MaxOpenConns,
		MaxIdleConns:       cfg.DB.MaxIdleConns,
		ConnMaxLifetime:    cfg.DB.ConnMaxLifetime,
		StatementTimeoutMS: cfg.DB.StatementTimeoutMS,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database", "driver", db.Driver())

	if !cfg.DB.SkipMigrations {
		if err := db.RunMigrations(context.Background(), cfg.DB.MigrationsDir); err != nil {
			logger.Error("failed to run migrations", "dir", cfg.DB.MigrationsDir, "error", err)
			os.Exit(1)
		}
	}

	checkpoints, closeCheckpoints, err := openCheckpoints(cfg, db)
	if err != nil {
		logger.Error("failed to open checkpoint store", "error", err)
		os.Exit(1)
	}
	defer closeCheckpoints()

	builder := &indexerBuilder{
		db:          db,
		checkpoints: checkpoints,
		catalog:     handlers.Catalog(),
		streamCfg: stream.Config{
			Endpoint:       cfg.Stream.Endpoint,
			Token:          cfg.Stream.Token,
			ReceiveTimeout: cfg.Stream.ReceiveTimeout,
			MaxRecvMsgSize: cfg.Stream.MaxRecvMsgSize,
		},
		backoff: backoffConfig(cfg.Backoff),
		backfillCfg: backfill.Config{
			Concurrency:  cfg.Backfill.Concurrency,
			BatchSize:    cfg.Backfill.BatchSize,
			FetchRetries: cfg.Backfill.FetchRetries,
		},
		alerter: alert.New(cfg.Alert.SlackWebhookURL, cfg.Alert.WebhookURL, cfg.Alert.Cooldown, logger),
		logger:  logger,
	}
	if cfg.Backfill.Enabled {
		rpcClient := rpc.NewClient(cfg.Solana.RPCURL, logger,
			rpc.WithRateLimiter(ratelimit.NewLimiter(cfg.Solana.RPS, cfg.Solana.Burst, "solana")),
			rpc.WithHTTPTimeout(cfg.Solana.HTTPTimeout),
		)
		breaker := circuitbreaker.New(circuitbreaker.Config{
			Name:             "solana_rpc",
			FailureThreshold: cfg.Solana.BreakerFailures,
			OpenTimeout:      cfg.Solana.BreakerOpenTimeout,
			IsFailure:        func(err error) bool { return retry.Classify(err).IsTransient() },
		})
		builder.history = solana.NewHistorySource(rpcClient, breaker, logger,
			solana.WithBlockCache(cfg.Solana.BlockCacheSize, cfg.Solana.BlockCacheTTL))
	}

	registry := pipeline.NewRegistry()
	supervisor := pipeline.NewSupervisor(descs, builder.build, registry, logger,
		pipeline.WithRestartBackoff(backoffConfig(cfg.Backoff)),
		pipeline.WithSupervisorAlerter(builder.alerter))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runHealthServer(gCtx, cfg.Server.HealthPort, registry, logger)
	})
	g.Go(func() error {
		defer cancel()
		return supervisor.Run(gCtx)
	})
	if cfg.Admin.Port != 0 {
		handler, stop, err := newAdminHandler(registry, checkpoints, cfg.Admin, logger)
		if err != nil {
			logger.Error("failed to set up admin API", "error", err)
			os.Exit(1)
		}
		defer stop()
		g.Go(func() error {
			return serveHTTP(gCtx, "admin", cfg.Admin.Port, handler, logger)
		})
	}

	startDBPoolStatsPump(gCtx, db.DB, db.Driver(), cfg.DB.PoolStatsIntervalMS, defaultPoolGauges(), logger)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("indexer exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("indexer shut down gracefully")
}

type healthResponse struct {
	Status   string                    `json:"status"`
	Indexers []pipeline.HealthSnapshot `json:"indexers"`
}

func newHealthMux(registry *pipeline.Registry, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok", Indexers: registry.Snapshots()}
		code := http.StatusOK
		if !registry.Healthy() {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// newAdminHandler stacks the admin API behind basic auth, rate limiting and
// audit logging. The returned func stops the rate limiter's sweeper.
func newAdminHandler(registry *pipeline.Registry, checkpoints store.CheckpointRepository, cfg config.AdminConfig, logger *slog.Logger) (http.Handler, func(), error) {
	cps, ok := checkpoints.(admin.CheckpointStore)
	if !ok {
		return nil, nil, fmt.Errorf("checkpoint backend %T does not support reset", checkpoints)
	}
	limiter := admin.NewRateLimitMiddleware(logger)
	api := admin.NewServer(registry, cps, logger).Handler()
	handler := admin.BasicAuth(cfg.User, cfg.Password, limiter.Wrap(admin.AuditMiddleware(logger, api)))
	return handler, limiter.Stop, nil
}

func runHealthServer(ctx context.Context, port int, registry *pipeline.Registry, logger *slog.Logger) error {
	return serveHTTP(ctx, "health", port, newHealthMux(registry, logger), logger)
}

func serveHTTP(ctx context.Context, name string, port int, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("server shutdown error", "server", name, "error", err)
		}
	}()

	logger.Info("server started", "server", name, "port", port)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}
