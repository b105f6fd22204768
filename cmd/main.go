package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"doc-ingest-pipeline/internal/bootstrap"
	"doc-ingest-pipeline/internal/config"
	"doc-ingest-pipeline/internal/queue"
	"doc-ingest-pipeline/internal/scheduler"
	"doc-ingest-pipeline/routes"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{})
	if err != nil {
		log.Fatal("Failed to initialize:", err)
	}
	defer app.Close()

	redisOpt, err := queue.RedisOpt(cfg)
	if err != nil {
		log.Fatal("Invalid Redis configuration:", err)
	}
	enqueuer := queue.NewEnqueuer(redisOpt)
	defer enqueuer.Close()

	if cfg.InboxDir != "" {
		sched := scheduler.New()
		watcher := scheduler.NewInboxWatcher(cfg.InboxDir, app.Store, func(ctx context.Context, path string) error {
			_, err := enqueuer.EnqueueRun(ctx, queue.RunPayload{SourcePath: path})
			return err
		}, app.Logger)
		if err := watcher.Schedule(ctx, sched, cfg.InboxInterval); err != nil {
			log.Fatal("Failed to schedule inbox watcher:", err)
		}
		sched.Start()
		defer sched.Stop()
		app.Logger.Info("inbox watcher started", "dir", cfg.InboxDir, "interval", cfg.InboxInterval)
	}

	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := routes.NewRouter(routes.RouterConfig{
		ServiceName: cfg.ServiceName,
		CORSOrigins: cfg.CORSOrigins,
		Tracing:     cfg.TracingEnabled,
		Logger:      app.Logger,
	}, routes.NewRunHandler(app.Store, enqueuer, app.Logger))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		app.Logger.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.Logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	app.Logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error("server forced to shutdown", "error", err)
	}
	app.Logger.Info("server exited")
}
