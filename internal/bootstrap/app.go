// Package bootstrap wires the process-wide collaborators shared by the server,
// the worker and the batch command.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"doc-ingest-pipeline/internal/ai"
	"doc-ingest-pipeline/internal/cache"
	"doc-ingest-pipeline/internal/config"
	"doc-ingest-pipeline/internal/logger"
	"doc-ingest-pipeline/internal/pipeline"
	"doc-ingest-pipeline/internal/storage"
	"doc-ingest-pipeline/internal/telemetry"
	"doc-ingest-pipeline/services"
)

// App holds the long-lived components of one process
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	Store    storage.Store
	Events   *telemetry.AsyncRecorder
	Gemini   *ai.GeminiClient
	Redis    *redis.Client
	Pipeline *pipeline.Orchestrator

	closers []func()
}

// Options select the optional parts of an App.
type Options struct {
	// WithPipeline also connects Gemini and builds the orchestrator.
	WithPipeline bool
}

// New builds an App from cfg. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, opts Options) (app *App, err error) {
	logger.InitLogger(cfg)
	app = &App{Config: cfg, Logger: logger.Get()}
	defer func() {
		if err != nil {
			app.Close()
			app = nil
		}
	}()

	if cfg.TracingEnabled {
		shutdown, err := telemetry.InitTracer(cfg.ServiceName, cfg.OTLPEndpoint, cfg.TraceSampleRatio)
		if err != nil {
			return nil, err
		}
		app.onClose(shutdown)
	}

	app.Metrics, err = telemetry.InitMetrics(cfg.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	app.Store, err = storage.Open(cfg, app.Metrics)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.StorageBackend, err)
	}
	store := app.Store
	app.onClose(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := store.Close(ctx); err != nil {
			app.Logger.Warn("storage close failed", "error", err)
		}
	})

	app.Events = telemetry.NewAsyncRecorder(telemetry.LogSink(app.Logger), cfg.Pipeline.EventBuffer, app.Metrics)
	app.onClose(app.Events.Close)

	if !opts.WithPipeline {
		return app, nil
	}
	if err := app.buildPipeline(ctx); err != nil {
		return nil, err
	}
	return app, nil
}

func (a *App) buildPipeline(ctx context.Context) error {
	cfg := a.Config
	if err := cfg.RequireGemini(); err != nil {
		return err
	}

	rpm := cfg.LLMRequestsPerMinute
	if rpm <= 0 {
		rpm = ai.TierRPM(cfg.GeminiTier)
	}
	limiter := ai.NewRateLimiter(rpm, nil)

	gemini, err := ai.NewGeminiClient(ctx, ai.GeminiConfig{
		APIKey:         cfg.GeminiAPIKey,
		Tier:           cfg.GeminiTier,
		ChatModel:      cfg.ChatModel,
		SummaryModel:   cfg.SummaryModel,
		EmbeddingModel: cfg.EmbeddingModel,
		Dimension:      cfg.EmbeddingDimension,
		JSONResponses:  true,
	}, limiter, a.Metrics, a.Logger)
	if err != nil {
		return err
	}
	a.Gemini = gemini
	a.onClose(func() { _ = gemini.Close() })

	var summarizer ai.Summarizer = gemini
	if cfg.SummaryCacheEnabled {
		rdb, err := config.NewRedisClient(cfg)
		if err != nil {
			return err
		}
		a.Redis = rdb
		a.onClose(func() { _ = rdb.Close() })
		summarizer = cache.NewSummaryCache(gemini, rdb, cfg.SummaryModel, cfg.SummaryCacheTTL, a.Logger)
	}

	a.Pipeline, err = pipeline.New(cfg.Pipeline, pipeline.Deps{
		LLM:        gemini,
		Summarizer: summarizer,
		Embedder:   gemini,
		Renderer: services.NewPopplerRenderer(services.PopplerConfig{
			PdftoppmPath: cfg.PdftoppmPath,
			SofficePath:  cfg.SofficePath,
			DPI:          cfg.RenderDPI,
			OutDir:       cfg.PixmapDir,
		}),
		Store:       a.Store,
		Events:      a.Events,
		Metrics:     a.Metrics,
		Logger:      a.Logger,
		MaxFileSize: cfg.MaxFileSize,
	})
	return err
}

func (a *App) onClose(f func()) {
	a.closers = append(a.closers, f)
}

// Close releases everything in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
