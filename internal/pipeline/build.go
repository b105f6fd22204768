package pipeline

import (
	"errors"
	"log/slog"

	"doc-ingest-pipeline/internal/ai"
	"doc-ingest-pipeline/internal/config"
	"doc-ingest-pipeline/internal/guardrail"
	"doc-ingest-pipeline/internal/storage"
	"doc-ingest-pipeline/internal/telemetry"
	"doc-ingest-pipeline/services"
)

// Deps are the collaborators of a pipeline built by New
type Deps struct {
	LLM        ai.LLM
	Summarizer ai.Summarizer
	Embedder   ai.Embedder
	Renderer   services.PixmapRenderer
	Store      storage.Store
	Events     telemetry.EventRecorder
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger
	// MaxFileSize bounds source files; zero disables the check.
	MaxFileSize int64
}

// BuildStages assembles the six stages from the pipeline tuning block.
func BuildStages(p config.PipelineConfig, d Deps) ([]Stage, error) {
	if d.LLM == nil {
		return nil, errors.New("pipeline needs an LLM")
	}
	if d.Embedder == nil {
		return nil, errors.New("pipeline needs an embedder")
	}
	parser := services.NewStructuredParser(d.LLM, services.ParserConfig{
		Streaming: p.Streaming,
		Timeout:   p.LLMTimeout,
		Guardrail: guardrail.Config{
			WindowSize:          p.Guardrail.WindowSize,
			MaxLength:           p.Guardrail.MaxLength,
			RepetitionRatio:     p.Guardrail.RepetitionRatio,
			MaxConsecutiveLines: p.Guardrail.MaxConsecutiveLines,
			EscapedNewlineRatio: p.Guardrail.EscapedNewlineRatio,
		},
	}, d.Metrics, d.Logger)

	return []Stage{
		&IngestStage{Ingestor: services.NewIngestor(d.MaxFileSize, d.Logger)},
		&ParseStage{
			Parser:        parser,
			Renderer:      d.Renderer,
			RenderWorkers: p.RenderWorkers,
			ParseWorkers:  p.MaxWorkersPerDocument,
			Metrics:       d.Metrics,
			Logger:        d.Logger,
		},
		&CleanStage{Cleaner: services.NewTextCleaner(p.MaxWorkersPerDocument)},
		&ChunkStage{
			Chunker: services.NewComponentChunker(services.ChunkerConfig{
				Strategy:           p.ChunkStrategy,
				MaxComponentTokens: p.MaxComponentTokens,
				MergeThreshold:     p.ComponentMergeThreshold,
				WindowTokens:       p.WindowTokens,
				WindowOverlap:      p.WindowOverlap,
			}),
			Metrics: d.Metrics,
		},
		&EnrichStage{Enricher: services.NewContextualEnricher(d.Summarizer, services.EnricherConfig{
			FallbackChars: p.SummaryFallbackChars,
			Workers:       p.MaxWorkersPerDocument,
		}, d.Logger)},
		&VectorizeStage{Vectorizer: services.NewVectorizer(d.Embedder, p.EmbeddingBatchSize, d.Logger)},
	}, nil
}

// New builds an orchestrator with the default stages.
func New(p config.PipelineConfig, d Deps) (*Orchestrator, error) {
	stages, err := BuildStages(p, d)
	if err != nil {
		return nil, err
	}
	return NewOrchestrator(stages, d.Store, d.Events, d.Metrics, d.Logger)
}
