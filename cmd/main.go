package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/streamcache/internal/config"
	"github.com/l0p7/streamcache/internal/logging"
	"github.com/l0p7/streamcache/internal/metrics"
	"github.com/l0p7/streamcache/internal/runtime"
	"github.com/l0p7/streamcache/internal/runtime/coordinator"
	"github.com/l0p7/streamcache/internal/runtime/housekeeping"
	"github.com/l0p7/streamcache/internal/runtime/proxy"
	"github.com/l0p7/streamcache/internal/runtime/rules"
	"github.com/l0p7/streamcache/internal/runtime/store"
	"github.com/l0p7/streamcache/internal/server"
	"github.com/l0p7/streamcache/internal/templates"
)

type configLoader interface {
	Load(context.Context) (config.Config, error)
	WatchRules(context.Context, config.Config, func(config.RuleBundle), func(error)) (ruleWatcher, error)
}

type ruleWatcher interface {
	Stop()
}

type runnableServer interface {
	Run(context.Context) error
	OnShutdown(func(context.Context) error)
}

type fileLoader struct {
	*config.Loader
}

func (l fileLoader) WatchRules(ctx context.Context, cfg config.Config, onChange func(config.RuleBundle), onError func(error)) (ruleWatcher, error) {
	return l.Loader.WatchRules(ctx, cfg, onChange, onError)
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return fileLoader{Loader: config.NewLoader(envPrefix, configFile)}
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		srv, err := server.New(cfg, logger, handler)
		if err != nil {
			return nil, err
		}
		return srv, nil
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "STREAMCACHE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	cacheCfg := cfg.Server.Cache
	backing, backend, fallback := buildStore(logger.With(slog.String("agent", "store_factory")), cacheCfg)
	cacheStore := store.Instrument(backing, backend, metricsRecorder)

	renderer := templates.NewRenderer()
	ruleSet, err := rules.FromConfig(cfg.RuleSet, renderer)
	if err != nil {
		_ = cacheStore.Close(context.Background())
		return fmt.Errorf("compile rules: %w", err)
	}

	coord := coordinator.New(coordinator.Options{
		Store:    cacheStore,
		Rules:    ruleSet,
		Methods:  cacheCfg.Methods,
		TTL:      ttlPolicy(cacheCfg),
		Disabled: !cacheCfg.Enabled,
		Logger:   logger,
		Metrics:  metricsRecorder,
	})

	scheduler := housekeeping.NewScheduler(coord, cacheCfg.SweepSchedule, logger)

	pipe, err := runtime.NewPipeline(runtime.PipelineOptions{
		Coordinator:        coord,
		Store:              cacheStore,
		Backend:            backend,
		UsingFallback:      fallback,
		RulesetEnabled:     cfg.RuleSet.IsEnabled(),
		RuleSources:        cfg.RuleSources,
		SkippedDefinitions: cfg.SkippedDefinitions,
		Renderer:           renderer,
		Sweeps:             scheduler,
		Logger:             logger,
	})
	if err != nil {
		_ = cacheStore.Close(context.Background())
		return fmt.Errorf("build runtime: %w", err)
	}

	proxyHandler, err := buildProxy(cfg, coord, logger)
	if err != nil {
		_ = cacheStore.Close(context.Background())
		return err
	}

	adminPrefix := ""
	if cfg.Server.Admin.Enabled {
		adminPrefix = cfg.Server.Admin.Prefix
	}
	router := server.NewRouter(server.RouterOptions{
		AdminPrefix: adminPrefix,
		Admin:       pipe,
		Metrics:     metricsRecorder.Handler(),
		Proxy:       proxyHandler,
	})

	srv, err := newHTTPServer(cfg, logger, router)
	if err != nil {
		_ = cacheStore.Close(context.Background())
		return fmt.Errorf("construct server: %w", err)
	}
	srv.OnShutdown(cacheStore.Close)

	if err := scheduler.Start(ctx); err != nil {
		logger.Error("housekeeping scheduler setup failed", slog.Any("error", err))
	} else {
		srv.OnShutdown(func(context.Context) error {
			scheduler.Stop()
			return nil
		})
	}

	if cfg.Server.Rules.RulesFile != "" || cfg.Server.Rules.RulesFolder != "" {
		watcher, err := loader.WatchRules(ctx, cfg, func(bundle config.RuleBundle) {
			if err := pipe.Reload(ctx, bundle); err != nil {
				logger.Error("rules reload failed", slog.Any("error", err))
			}
		}, func(err error) {
			if err != nil {
				logger.Error("rules watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("rules watcher setup failed", slog.Any("error", err))
		} else {
			srv.OnShutdown(func(context.Context) error {
				watcher.Stop()
				return nil
			})
		}
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return fmt.Errorf("server run: %w", err)
	}

	logger.Info("server shutdown complete")
	return nil
}

func buildProxy(cfg config.Config, coord *coordinator.Coordinator, logger *slog.Logger) (http.Handler, error) {
	raw := strings.TrimSpace(cfg.Server.Upstream.URL)
	if raw == "" {
		logger.Warn("no upstream configured, proxy requests will fail with 503")
		return nil, nil
	}
	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	handler, err := proxy.New(proxy.Options{
		Upstream:          target,
		UpstreamHost:      cfg.Server.Upstream.Host,
		Coordinator:       coord,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
		Logger:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build proxy: %w", err)
	}
	return handler, nil
}

func ttlPolicy(cfg config.ServerCacheConfig) store.TTLPolicy {
	return store.TTLPolicy{
		Default: time.Duration(cfg.DefaultTTLSeconds) * time.Second,
		Max:     time.Duration(cfg.MaxTTLSeconds) * time.Second,
	}
}

// buildStore returns the configured backend, its name, and whether it fell
// back to memory because the configured backend could not be opened.
func buildStore(logger *slog.Logger, cfg config.ServerCacheConfig) (store.Store, string, bool) {
	sweep := time.Duration(cfg.HousekeepingIntervalSeconds) * time.Second
	creatorTimeout := time.Duration(cfg.CreatorTimeoutSeconds) * time.Second
	memory := func() store.Store {
		return store.NewMemory(store.MemoryOptions{MaxEntryBytes: cfg.MaxEntryBytes, SweepInterval: sweep})
	}

	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory cache store", slog.Int64("max_entry_bytes", cfg.MaxEntryBytes))
		return memory(), "memory", false
	case "redis":
		redisStore, err := store.NewRedis(store.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: store.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
			KeyPrefix:     cfg.KeyPrefix,
			MaxEntryBytes: cfg.MaxEntryBytes,
			LockTTL:       creatorTimeout,
		})
		if err != nil {
			logger.Error("redis store initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory store")
			return memory(), "memory", true
		}
		logger.Info("using redis cache store", slog.String("address", cfg.Redis.Address))
		return redisStore, "redis", false
	case "sqlite":
		sqliteStore, err := store.NewSQLite(store.SQLiteConfig{
			Path:           cfg.SQLite.Path,
			MaxEntryBytes:  cfg.MaxEntryBytes,
			SweepInterval:  sweep,
			CreatorTimeout: creatorTimeout,
		})
		if err != nil {
			logger.Error("sqlite store initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory store")
			return memory(), "memory", true
		}
		logger.Info("using sqlite cache store", slog.String("path", cfg.SQLite.Path))
		return sqliteStore, "sqlite", false
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return memory(), "memory", true
	}
}
