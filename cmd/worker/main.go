package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/suPer8Hu/coursegen/internal/app"
	"github.com/suPer8Hu/coursegen/internal/email"
	"github.com/suPer8Hu/coursegen/internal/queue"
	"github.com/suPer8Hu/coursegen/internal/stages"
	"github.com/suPer8Hu/coursegen/internal/store/rabbitmq"
	"github.com/suPer8Hu/coursegen/internal/worker"
)

// per-queue concurrency relative to WORKER_CONCURRENCY
var queueWeights = map[queue.Name]int{
	queue.CourseStructure: 1,
	queue.Quiz:            2,
	queue.Email:           1,
	queue.Sitemap:         1,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, "coursegen-worker")
	if err != nil {
		os.Stderr.WriteString("init app: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Close(cctx)
	}()
	cfg := a.Cfg
	log := a.Log

	reg := worker.NewRegistry()
	err = stages.Register(reg, stages.Deps{
		Repo:  a.Repo,
		Gen:   a.Gen,
		Queue: a.Queue,
		Mail: email.NewSMTPSender(email.SMTPConfig{
			Host: cfg.SMTPHost,
			Port: cfg.SMTPPort,
			User: cfg.SMTPUser,
			Pass: cfg.SMTPPass,
			From: cfg.SMTPFrom,
		}),
		Log:         log,
		NotifyEmail: cfg.NotifyEmail,
		SitemapPath: cfg.SitemapPath,
		SiteBaseURL: cfg.SiteBaseURL,
	})
	if err != nil {
		log.Fatal("register stages", "error", err)
	}

	var consumer *rabbitmq.Consumer
	if a.Publisher != nil {
		consumer, err = rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitPrefix, log)
		if err != nil {
			log.Warn("rabbitmq consumer unavailable, polling only", "error", err)
		} else {
			defer consumer.Close()
		}
	}

	// provider calls get the generation timeout plus room for persistence
	jobTimeout := cfg.GenerationTimeout + 30*time.Second

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range queue.Names() {
		n := cfg.WorkerConcurrency * queueWeights[name]
		opts := []worker.PoolOption{
			worker.WithConcurrency(n),
			worker.WithPollInterval(cfg.WorkerPollInterval),
			worker.WithJobTimeout(jobTimeout),
			worker.WithHeartbeat(cfg.LeaseTTL / 3),
			worker.WithReapInterval(cfg.ReapInterval),
			worker.WithProgress(a.Progress()),
			worker.WithPoolLogger(log),
			worker.WithOnCompleted(a.Orchestrator.OnCompleted),
		}
		if consumer != nil {
			wake, err := consumer.Wake(gctx, name, n)
			if err != nil {
				log.Warn("wake-up subscription failed, polling only", "queue", name, "error", err)
			} else {
				opts = append(opts, worker.WithWake(wake))
			}
		}
		pool := worker.NewPool(name, a.Queue, reg, opts...)
		g.Go(func() error { return pool.Run(gctx) })
	}

	log.Info("worker started", "queues", queue.Names(), "concurrency", cfg.WorkerConcurrency, "handlers", reg.Types())
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Error("worker stopped with error", "error", err)
		return
	}
	log.Info("worker shutting down")
}
