package main

import (
	"context"
	"log"

	"github.com/hibiken/asynq"

	"doc-ingest-pipeline/internal/bootstrap"
	"doc-ingest-pipeline/internal/config"
	"doc-ingest-pipeline/internal/queue"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	app, err := bootstrap.New(context.Background(), cfg, bootstrap.Options{WithPipeline: true})
	if err != nil {
		log.Fatal("Failed to initialize:", err)
	}
	defer app.Close()

	redisOpt, err := queue.RedisOpt(cfg)
	if err != nil {
		log.Fatal("Invalid Redis configuration:", err)
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.QueueConcurrency,
			Queues:      map[string]int{queue.QueueDefault: 1},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				app.Logger.Error("task failed", "type", task.Type(), "retry", retried, "max_retry", maxRetry, "error", err)
			}),
		},
	)

	processor := queue.NewTaskProcessor(app.Pipeline, app.Logger)
	mux := asynq.NewServeMux()
	processor.Register(mux)

	app.Logger.Info("starting asynq worker", "concurrency", cfg.QueueConcurrency, "queue", queue.QueueDefault, "redis", redisOpt.Addr)
	if err := server.Run(mux); err != nil {
		app.Logger.Error("worker stopped", "error", err)
	}
}
