// Package app wires the infrastructure shared by the API server and the
// worker process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/suPer8Hu/coursegen/internal/ai"
	"github.com/suPer8Hu/coursegen/internal/config"
	"github.com/suPer8Hu/coursegen/internal/content"
	"github.com/suPer8Hu/coursegen/internal/db"
	"github.com/suPer8Hu/coursegen/internal/generation"
	"github.com/suPer8Hu/coursegen/internal/logger"
	"github.com/suPer8Hu/coursegen/internal/observability"
	"github.com/suPer8Hu/coursegen/internal/queue"
	"github.com/suPer8Hu/coursegen/internal/queueconfig"
	"github.com/suPer8Hu/coursegen/internal/store/rabbitmq"
	"github.com/suPer8Hu/coursegen/internal/store/redisstore"
	"github.com/suPer8Hu/coursegen/internal/worker"
)

type App struct {
	Cfg config.Config
	Log *logger.Logger
	DB  *gorm.DB

	QueueConfig  *queueconfig.Store
	Queue        *queue.Store
	Repo         *content.Repo
	Gen          *ai.Generator
	Orchestrator *generation.Orchestrator

	// Redis and Publisher are nil when the backing service is disabled or
	// unreachable at startup.
	Redis     *redisstore.Store
	Publisher *rabbitmq.Publisher

	shutdownOtel func(context.Context) error
}

// New loads config, opens the database, migrates it and connects the
// optional Redis and RabbitMQ backends. service names the process in logs
// and traces.
func New(ctx context.Context, service string) (*App, error) {
	cfg := config.Load()
	log, err := logger.New(cfg.AppMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	log = log.With("service", service)

	a := &App{Cfg: cfg, Log: log}
	a.shutdownOtel = observability.InitOTel(ctx, log, observability.OtelConfig{
		Enabled:     cfg.OtelEnabled,
		ServiceName: service,
		Environment: cfg.AppMode,
		Endpoint:    cfg.OtelEndpoint,
		Insecure:    cfg.OtelInsecure,
		SampleRatio: cfg.OtelSampleRatio,
	})

	gdb, err := db.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Sync()
		return nil, err
	}
	a.DB = gdb
	for _, migrate := range []func(*gorm.DB) error{queueconfig.AutoMigrate, queue.AutoMigrate, content.AutoMigrate} {
		if err := migrate(gdb); err != nil {
			log.Sync()
			return nil, fmt.Errorf("automigrate: %w", err)
		}
	}

	defaults, err := queueconfig.LoadDefaults(cfg.QueueDefaultsFile)
	if err != nil {
		log.Sync()
		return nil, err
	}
	a.QueueConfig = queueconfig.NewStore(gdb, defaults)

	opts := []queue.StoreOption{queue.WithLogger(log), queue.WithLeaseTTL(cfg.LeaseTTL)}
	if cfg.RabbitEnabled {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitPrefix)
		if err != nil {
			log.Warn("rabbitmq unavailable, workers will poll only", "error", err)
		} else {
			a.Publisher = pub
			opts = append(opts, queue.WithNotifier(pub))
		}
	}
	a.Queue = queue.NewStore(gdb, a.QueueConfig, opts...)

	if strings.TrimSpace(cfg.RedisAddr) != "" {
		rs := redisstore.New(redisstore.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := rs.Ping(pctx)
		cancel()
		if err != nil {
			log.Warn("redis unavailable, progress and rate limiting disabled", "addr", cfg.RedisAddr, "error", err)
			_ = rs.Close()
		} else {
			a.Redis = rs
		}
	}

	a.Repo = content.NewRepo(gdb)
	a.Gen = ai.NewGenerator(ai.DefaultRegistry(ai.Settings{
		OllamaBaseURL:     cfg.OllamaBaseURL,
		OllamaModel:       cfg.OllamaModel,
		OpenRouterBaseURL: cfg.OpenRouterBaseURL,
		OpenRouterAPIKey:  cfg.OpenRouterAPIKey,
		OpenRouterModel:   cfg.OpenRouterModel,
		OpenRouterSiteURL: cfg.OpenRouterSiteURL,
		OpenRouterAppName: cfg.OpenRouterAppName,
	}), cfg.AIProvider, "", cfg.GenerationTimeout)
	a.Orchestrator = generation.NewOrchestrator(a.Repo, a.Queue, a.Gen, log)
	return a, nil
}

// Progress returns the live progress store, or nil when Redis is off.
func (a *App) Progress() worker.ProgressSink {
	if a.Redis == nil {
		return nil
	}
	return a.Redis
}

func (a *App) ProgressReader() generation.ProgressReader {
	if a.Redis == nil {
		return nil
	}
	return a.Redis
}

func (a *App) Close(ctx context.Context) {
	if a == nil {
		return
	}
	if a.Publisher != nil {
		_ = a.Publisher.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if a.shutdownOtel != nil {
		if err := a.shutdownOtel(ctx); err != nil {
			a.Log.Warn("otel shutdown failed", "error", err)
		}
	}
	a.Log.Sync()
}
