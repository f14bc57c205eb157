package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/strata-labs/deepresearch/internal/adapters"
	"github.com/strata-labs/deepresearch/internal/artifacts"
	"github.com/strata-labs/deepresearch/internal/circuitbreaker"
	"github.com/strata-labs/deepresearch/internal/config"
	"github.com/strata-labs/deepresearch/internal/guard"
	"github.com/strata-labs/deepresearch/internal/health"
	"github.com/strata-labs/deepresearch/internal/httpapi"
	"github.com/strata-labs/deepresearch/internal/models"
	"github.com/strata-labs/deepresearch/internal/ratecontrol"
	"github.com/strata-labs/deepresearch/internal/recall"
	"github.com/strata-labs/deepresearch/internal/resilience"
	"github.com/strata-labs/deepresearch/internal/streaming"
	"github.com/strata-labs/deepresearch/internal/synthesizer"
	"github.com/strata-labs/deepresearch/internal/taskmanager"
	"github.com/strata-labs/deepresearch/internal/tracing"
)

// synthBridge adapts the synthesizer output to the task manager's view.
type synthBridge struct {
	s *synthesizer.Synthesizer
}

func (b synthBridge) Synthesize(ctx context.Context, query string, evidence []models.Evidence, sources []models.ResearchSource) taskmanager.SynthOutput {
	out := b.s.Synthesize(ctx, query, evidence, sources)
	return taskmanager.SynthOutput{
		Summary:     out.Summary,
		KeyFindings: out.KeyFindings,
		TokensUsed:  out.TokensUsed,
		APICalls:    out.APICalls,
		Degraded:    out.Degraded,
		Note:        out.Note,
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg.Logging.Level, cfg.Logging.Format)
	defer logger.Sync()

	if err := tracing.Initialize(cfg.Tracing, logger); err != nil {
		logger.Warn("Tracing initialization failed", zap.Error(err))
	}

	streaming.Configure(cfg.Engine.RingCapacity)
	streams := streaming.Get()

	limiter := ratecontrol.New(ratecontrol.ProviderLimit{RPS: 5, Burst: 10})
	if cfg.RateLimitsPath != "" {
		limiter = ratecontrol.LoadFromFile(cfg.RateLimitsPath)
	}

	adapterSet := adapters.Build(adapters.FactoryConfig{
		Search:  endpoint(cfg.Adapters.Search),
		Browse:  endpoint(cfg.Adapters.Browse),
		Extract: endpoint(cfg.Adapters.Extract),
		Model:   endpoint(cfg.Adapters.Model),
	}, limiter, logger)

	contentGuard, err := guard.New(cfg.Guard, logger)
	if err != nil {
		logger.Fatal("Content guard initialization failed", zap.Error(err))
	}

	recallStore, err := recall.New(cfg.Recall, logger)
	if err != nil {
		logger.Fatal("Recall store initialization failed", zap.Error(err))
	}

	var store *artifacts.SQLStore
	store, err = artifacts.New(cfg.Artifacts, logger)
	if err != nil {
		logger.Fatal("Artifact store initialization failed", zap.Error(err))
	}
	defer store.Close()

	var cache *redis.Client
	if cfg.Redis.Enabled {
		cache = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := cache.Ping(context.Background()).Err(); err != nil {
			logger.Warn("Redis unreachable, running without stream mirror", zap.Error(err))
			cache = nil
		}
	}

	exec := resilience.NewExecutor(resilience.DefaultConfig(), circuitbreaker.DefaultConfig(), logger)
	synth := synthesizer.New(adapterSet.Model, exec, logger)

	mgr := taskmanager.New(taskmanager.Deps{
		Search:  adapterSet.Search,
		Browse:  adapterSet.Browse,
		Extract: adapterSet.Extract,
		Model:   adapterSet.Model,
		Guard:   contentGuard,
		Recall:  recallStore,
		Store:   store,
		Exec:    exec,
		Synth:   synthBridge{s: synth},
		Cache:   cache,
	}, taskmanager.Options{
		HeartbeatInterval: time.Duration(cfg.Engine.HeartbeatIntervalS) * time.Second,
		CancelGrace:       time.Duration(cfg.Engine.CancelGraceS) * time.Second,
		QueueDepth:        cfg.Engine.StreamQueueDepth,
		RecallTopK:        cfg.Engine.RecallTopK,
		Retention:         time.Duration(cfg.Engine.TaskRetentionS) * time.Second,
	}, streams, logger)

	if cfgPath := os.Getenv("CONFIG_PATH"); cfgPath != "" {
		config.NewWatcher(cfgPath, cfg.Engine, logger, func(ec config.EngineConfig) {
			mgr.ApplyTunables(taskmanager.Options{
				HeartbeatInterval: time.Duration(ec.HeartbeatIntervalS) * time.Second,
				CancelGrace:       time.Duration(ec.CancelGraceS) * time.Second,
				QueueDepth:        ec.StreamQueueDepth,
				RecallTopK:        ec.RecallTopK,
				Retention:         time.Duration(ec.TaskRetentionS) * time.Second,
			})
		})
	}

	healthMgr := health.NewManager(logger)
	healthMgr.Register("artifacts", func(ctx context.Context) error {
		_, err := store.Load(ctx, "00000000-0000-0000-0000-000000000000")
		if err != nil && err != artifacts.ErrNotFound {
			return err
		}
		return nil
	})
	if cache != nil {
		healthMgr.Register("redis", func(ctx context.Context) error {
			return cache.Ping(ctx).Err()
		})
	}

	api := httpapi.NewServer(mgr, logger)
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	apiSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: promhttp.Handler(),
	}
	healthSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HealthPort),
		Handler: healthMgr.Handler(),
	}

	go func() {
		logger.Info("Metrics listening", zap.Int("port", cfg.Server.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server stopped", zap.Error(err))
		}
	}()
	go func() {
		logger.Info("Health listening", zap.Int("port", cfg.Server.HealthPort))
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Health server stopped", zap.Error(err))
		}
	}()
	go func() {
		logger.Info("Research API listening", zap.Int("port", cfg.Server.HTTPPort))
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server stopped", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	apiSrv.Shutdown(ctx)
	healthSrv.Shutdown(ctx)
	metricsSrv.Shutdown(ctx)
}

func endpoint(a config.AdapterConfig) adapters.Endpoint {
	return adapters.Endpoint{Mode: a.Mode, BaseURL: a.BaseURL, Timeout: a.Timeout}
}

func buildLogger(level, format string) *zap.Logger {
	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		cfg.Level = lvl
	}
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}
