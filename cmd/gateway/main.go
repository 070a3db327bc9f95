// Package main provides the entry point for the boundary gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/boundary-gateway/internal/cache"
	"github.com/devrev/boundary-gateway/internal/config"
	"github.com/devrev/boundary-gateway/internal/dispatch"
	apierrors "github.com/devrev/boundary-gateway/internal/errors"
	"github.com/devrev/boundary-gateway/internal/firewall"
	"github.com/devrev/boundary-gateway/internal/handler"
	"github.com/devrev/boundary-gateway/internal/health"
	"github.com/devrev/boundary-gateway/internal/metrics"
	"github.com/devrev/boundary-gateway/internal/model"
	"github.com/devrev/boundary-gateway/internal/persist"
	"github.com/devrev/boundary-gateway/internal/ratelimit"
	"github.com/devrev/boundary-gateway/internal/registry"
	"github.com/devrev/boundary-gateway/internal/server"
	"github.com/devrev/boundary-gateway/internal/snapshot"
	"github.com/devrev/boundary-gateway/internal/upstream"
	"github.com/devrev/boundary-gateway/internal/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// version is set at build time.
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("starting boundary gateway",
		zap.String("version", version),
		zap.String("config_file", loader.ConfigFileUsed()),
		zap.Int("server_port", cfg.Server.Port),
		zap.String("registry_source", cfg.Registry.Source),
		zap.String("prober", cfg.Health.Prober),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, loader, logger); err != nil {
		logger.Error("gateway exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("boundary gateway shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, loader *config.Loader, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	store, err := openStore(cfg.Persist)
	if err != nil {
		return err
	}
	var seed *snapshot.Snapshot
	if store != nil {
		defer store.Close()
		seed = persist.LoadSeed(ctx, store, cfg.Persist.LoadTimeout, logger)
	}

	pool := upstream.NewPool(upstream.PoolConfig{
		DialTimeout:     cfg.Upstream.DialTimeout,
		IdleConnTimeout: cfg.Upstream.IdleConnTimeout,
		MaxIdlePerNode:  cfg.Upstream.MaxIdlePerNode,
	})

	var prober health.Prober
	switch cfg.Health.Prober {
	case config.ProberGRPC:
		grpcProber := health.NewGRPCProber(cfg.Health.GRPCService)
		defer grpcProber.Close()
		prober = grpcProber
	default:
		prober = health.NewHTTPProber(pool, cfg.Health.StatusPath)
	}

	events := make(chan model.Event, 256)
	checker := health.NewChecker(cfg.HealthSettings(), prober, events, m, logger)
	builder := snapshot.NewBuilder(events, m, logger)
	if seed != nil {
		checker.Seed(seed.AllNodes())
		builder.Seed(seed)
	}

	var saves *workerpool.Pool
	if store != nil {
		saves = workerpool.New(workerpool.Config{
			Name:      "snapshot-persist",
			Workers:   cfg.Persist.Workers,
			QueueSize: cfg.Persist.QueueSize,
		}, logger)
		builder.OnPublish(persist.NewPersister(store, saves, m, logger).OnPublish)
	}

	source, closeSource, err := openSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSource()

	poller := registry.NewPoller(source, &registrySink{checker: checker, pool: pool, logger: logger},
		registry.PollerConfig{Interval: cfg.Registry.PollInterval, Timeout: cfg.Registry.FetchTimeout}, m, logger)

	dispatcher := dispatch.NewDispatcher(builder, pool, cfg.DispatchSettings(), checker, m, logger)
	defer dispatcher.Close()

	var responseCache *cache.Cache
	if cfg.Cache.Enabled {
		responseCache, err = cache.New(cfg.CacheSettings(), m, logger)
		if err != nil {
			return err
		}
	}
	limiter := ratelimit.New(cfg.RateLimiterSettings(), logger)

	blocklist, err := firewall.NewStaticBlocklist(cfg.Firewall.Blocklist)
	if err != nil {
		return err
	}

	errorHandler := apierrors.NewHandler(logger)
	handlers := handler.NewHandlers(handler.Deps{
		Dispatcher: dispatcher,
		Snapshots:  builder,
		Health:     checker,
		Registry:   poller,
		Cache:      responseCache,
		Limiter:    limiter,
	}, errorHandler, m, logger, cfg.Server.MaxRequestBytes, version)

	httpServer := server.NewServer(server.Config{
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		EnableDebug:  cfg.Server.EnableDebug,
	}, handlers, errorHandler, blocklist, m, logger)
	httpServer.SetupRoutes()

	watching := loader.Watch(logger, func(t config.Tunables) {
		dispatcher.UpdateSettings(t.Dispatch)
		limiter.Update(t.RateLimiter, time.Now())
		checker.UpdateConfig(t.Health)
		if responseCache != nil {
			responseCache.Update(t.CacheCapacity, t.CacheTTL)
		}
		if err := blocklist.Replace(t.Blocklist); err != nil {
			logger.Warn("keeping previous blocklist", zap.Error(err))
		}
	})
	logger.Info("configuration watch", zap.Bool("enabled", watching))

	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, reg, logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return builder.Run(gctx) })
	g.Go(func() error { return checker.Run(gctx) })
	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error { return limiter.Run(gctx, cfg.RateLimiter.SweepInterval) })
	if responseCache != nil {
		g.Go(func() error { return responseCache.Run(gctx, cfg.Cache.PurgeInterval) })
	}
	g.Go(httpServer.Start)
	if metricsServer != nil {
		g.Go(metricsServer.Start)
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown HTTP server", zap.Error(err))
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shutdown metrics server", zap.Error(err))
			}
		}
		return nil
	})

	err = g.Wait()

	if saves != nil {
		if stopErr := saves.Stop(cfg.Server.ShutdownTimeout); stopErr != nil {
			logger.Warn("snapshot saves did not finish", zap.Error(stopErr))
		}
	}
	return err
}

// registrySink hands registry deltas to the health checker and releases
// pinned transports of nodes that left the registry.
type registrySink struct {
	checker *health.Checker
	pool    *upstream.Pool
	logger  *zap.Logger
}

func (s *registrySink) ApplyDelta(delta *model.RegistryDelta) {
	s.checker.ApplyDelta(delta)
	if closed := s.pool.Retain(delta.Nodes); closed > 0 {
		s.logger.Debug("closed transports for retired nodes", zap.Int("count", closed))
	}
}

func openSource(ctx context.Context, cfg *config.Config, logger *zap.Logger) (registry.Source, func(), error) {
	noop := func() {}

	switch cfg.Registry.Source {
	case config.SourcePostgres:
		pg := cfg.Registry.Postgres
		src, err := registry.NewPostgresSource(ctx, registry.PostgresConfig{
			Host:           pg.Host,
			Port:           pg.Port,
			Database:       pg.Database,
			User:           pg.User,
			Password:       pg.Password,
			MaxConnections: pg.MaxConnections,
			MinConnections: pg.MinConnections,
		}, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to open postgres registry: %w", err)
		}
		return src, src.Close, nil

	case config.SourceGossip:
		gc := cfg.Registry.Gossip
		src, err := registry.NewGossipSource(registry.GossipConfig{
			NodeName:       gc.NodeName,
			BindPort:       gc.BindPort,
			SeedNodes:      gc.SeedNodes,
			GossipInterval: gc.GossipInterval,
			ProbeInterval:  gc.ProbeInterval,
			ProbeTimeout:   gc.ProbeTimeout,
		}, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to join gossip registry: %w", err)
		}
		return src, func() { src.Shutdown(5 * time.Second) }, nil

	case config.SourceStatic:
		return registry.NewStaticSource(cfg.Registry.Static.Version, cfg.StaticNodes()...), noop, nil

	default:
		return registry.NewFileSource(cfg.Registry.File.Path), noop, nil
	}
}

func openStore(cfg config.PersistConfig) (persist.Store, error) {
	switch cfg.Backend {
	case config.PersistSQLite:
		store, err := persist.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open snapshot store: %w", err)
		}
		return store, nil
	case config.PersistRedis:
		store, err := persist.NewRedisStore(persist.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open snapshot store: %w", err)
		}
		return store, nil
	default:
		return nil, nil
	}
}

// initLogger initializes the zap logger.
func initLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	output := cfg.Output
	if output == "" {
		output = "stdout"
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.OutputPaths = []string{output}
	zcfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := zcfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
