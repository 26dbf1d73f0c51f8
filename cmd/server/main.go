package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/suPer8Hu/coursegen/internal/app"
	"github.com/suPer8Hu/coursegen/internal/generation"
	"github.com/suPer8Hu/coursegen/internal/httpapi"
	"github.com/suPer8Hu/coursegen/internal/httpapi/handlers"
	"github.com/suPer8Hu/coursegen/internal/httpapi/middleware"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, "coursegen-api")
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
	if cfg.AppMode != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	h := handlers.NewHandler(
		a.Orchestrator,
		generation.NewReporter(a.Queue, a.Repo, a.ProgressReader(), a.Log),
		a.Queue,
		a.QueueConfig,
		a.Log,
	)
	var limiter middleware.Counter
	if a.Redis != nil {
		limiter = a.Redis
	}
	router := httpapi.NewRouter(cfg, httpapi.Deps{Handler: h, Limiter: limiter, Log: a.Log})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Log.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.Log.Info("http server shutting down")
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		a.Log.Error("server stopped with error", "error", err)
	}
}
