// Package pipeline runs a document through the six stages and records every
// transition.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"

	"doc-ingest-pipeline/internal/telemetry"
	"doc-ingest-pipeline/models"
	"doc-ingest-pipeline/services"
)

// Stage executes one transition. Execute returns a new Document whose status is
// one step past the input, plus stage output persisted with the snapshot.
type Stage interface {
	Name() models.StageName
	Execute(ctx context.Context, doc models.Document) (models.Document, map[string]any, error)
}

// PageParser is implemented by services.StructuredParser.
type PageParser interface {
	ParsePage(ctx context.Context, in services.PageInput) (models.ParsedPage, error)
}

// IngestStage opens the source file.
type IngestStage struct {
	Ingestor *services.Ingestor
}

func (s *IngestStage) Name() models.StageName { return models.StageIngest }

func (s *IngestStage) Execute(ctx context.Context, doc models.Document) (models.Document, map[string]any, error) {
	out, err := s.Ingestor.Ingest(ctx, doc)
	if err != nil {
		return models.Document{}, nil, &FatalError{Stage: models.StageIngest, Err: err}
	}
	return out, map[string]any{
		"pages":     len(out.Pages),
		"file_type": string(out.FileType),
		"size":      out.Size,
	}, nil
}

// ParseStage renders page images in one pool and parses them in another. The
// render pool feeds the parse pool through a channel.
type ParseStage struct {
	Parser        PageParser
	Renderer      services.PixmapRenderer
	RenderWorkers int
	ParseWorkers  int
	Metrics       *telemetry.Metrics
	Logger        *slog.Logger
}

func (s *ParseStage) Name() models.StageName { return models.StageParse }

type renderedPage struct {
	index  int
	pixmap string
}

func (s *ParseStage) Execute(ctx context.Context, doc models.Document) (models.Document, map[string]any, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	renderWorkers := s.RenderWorkers
	if renderWorkers <= 0 {
		renderWorkers = runtime.NumCPU()
	}
	parseWorkers := max(1, s.ParseWorkers)

	parsed := make([]models.ParsedPage, len(doc.Pages))
	pixmaps := make([]string, len(doc.Pages))
	queue := make(chan renderedPage)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(queue)
		rg, rctx := errgroup.WithContext(gctx)
		rg.SetLimit(renderWorkers)
		for i, page := range doc.Pages {
			rg.Go(func() error {
				var path string
				if s.Renderer != nil {
					p, err := s.Renderer.Render(rctx, doc, page.Number)
					if err != nil {
						logger.Warn("page render failed", "document_id", doc.ID, "page", page.Number, "error", err)
					} else {
						path = p
					}
				}
				select {
				case queue <- renderedPage{index: i, pixmap: path}:
					return nil
				case <-rctx.Done():
					return rctx.Err()
				}
			})
		}
		return rg.Wait()
	})
	for range parseWorkers {
		g.Go(func() error {
			for job := range queue {
				page := doc.Pages[job.index]
				pp, err := s.Parser.ParsePage(gctx, services.PageInput{
					DocumentID: doc.ID,
					PageNumber: page.Number,
					PixmapPath: job.pixmap,
					RawText:    page.Text,
				})
				if err != nil {
					return fmt.Errorf("parse page %d: %w", page.Number, err)
				}
				parsed[job.index] = pp
				pixmaps[job.index] = job.pixmap
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.Document{}, nil, err
	}
	if err := ctx.Err(); err != nil {
		return models.Document{}, nil, err
	}

	md := doc.Metadata.Clone()
	md.ParsedPages = parsed
	md.Pixmaps = make(map[int]string)
	md.ParsingFailures = nil
	statusCounts := make(map[string]int)
	for i, pp := range parsed {
		statusCounts[string(pp.ParsingStatus)]++
		if pixmaps[i] != "" {
			md.Pixmaps[pp.PageNumber] = pixmaps[i]
		}
		if pp.Failed() {
			md.ParsingFailures = append(md.ParsingFailures, models.ParsingFailure{
				PageNumber:   pp.PageNumber,
				Status:       pp.ParsingStatus,
				ErrorType:    pp.ErrorType,
				ErrorDetails: pp.ErrorDetails,
			})
			s.Metrics.RecordPageFailure(string(pp.ParsingStatus), string(pp.ErrorType))
		}
	}
	slices.SortFunc(md.ParsingFailures, func(a, b models.ParsingFailure) int { return a.PageNumber - b.PageNumber })
	md.ParsingFailureCount = len(md.ParsingFailures)

	out := doc.WithMetadata(md)
	out.Status = models.StatusParsed
	return out, map[string]any{
		"pages":                 len(parsed),
		"status_counts":         statusCounts,
		"parsing_failure_count": md.ParsingFailureCount,
		"parsing_failures":      md.ParsingFailures,
	}, nil
}

// CleanStage normalises the text of every page. Pages with parsed components are
// cleaned from the component text, the others from the extracted text.
type CleanStage struct {
	Cleaner *services.TextCleaner
}

func (s *CleanStage) Name() models.StageName { return models.StageClean }

func (s *CleanStage) Execute(ctx context.Context, doc models.Document) (models.Document, map[string]any, error) {
	numbers := make([]int, len(doc.Pages))
	texts := make([]string, len(doc.Pages))
	for i, p := range doc.Pages {
		numbers[i] = p.Number
		texts[i] = p.Text
		if pp, ok := doc.ParsedPage(p.Number); ok && len(pp.Components) > 0 {
			texts[i] = services.ComponentText(pp.Components)
		}
	}
	cleaned, reports, err := s.Cleaner.CleanPages(ctx, numbers, texts)
	if err != nil {
		return models.Document{}, nil, err
	}

	out := doc.Clone()
	in, kept := 0, 0
	for i := range out.Pages {
		out.Pages[i].CleanedText = cleaned[i]
		in += reports[i].InputChars
		kept += reports[i].OutputChars
	}
	out.Metadata.CleaningReports = reports
	out.Status = models.StatusCleaned
	return out, map[string]any{"input_chars": in, "output_chars": kept}, nil
}

// ChunkStage splits every page into chunks.
type ChunkStage struct {
	Chunker *services.ComponentChunker
	Metrics *telemetry.Metrics
}

func (s *ChunkStage) Name() models.StageName { return models.StageChunk }

func (s *ChunkStage) Execute(ctx context.Context, doc models.Document) (models.Document, map[string]any, error) {
	out := doc.Clone()
	total := 0
	for i, p := range out.Pages {
		if err := ctx.Err(); err != nil {
			return models.Document{}, nil, err
		}
		var comps models.Components
		if pp, ok := out.ParsedPage(p.Number); ok {
			comps = pp.Components
		}
		out.Pages[i].Chunks = s.Chunker.ChunkPage(out.ID, p, comps)
		total += len(out.Pages[i].Chunks)
	}
	s.Metrics.RecordChunks(s.Chunker.Strategy(), total)
	out.Status = models.StatusChunked
	return out, map[string]any{"chunks": total, "strategy": s.Chunker.Strategy()}, nil
}

// EnrichStage adds summaries and contextualized text.
type EnrichStage struct {
	Enricher *services.ContextualEnricher
}

func (s *EnrichStage) Name() models.StageName { return models.StageEnrich }

func (s *EnrichStage) Execute(ctx context.Context, doc models.Document) (models.Document, map[string]any, error) {
	out, report, err := s.Enricher.Enrich(ctx, doc)
	if err != nil {
		return models.Document{}, nil, err
	}
	out.Status = models.StatusEnriched
	return out, map[string]any{
		"summary_calls":     report.SummaryCalls,
		"summary_fallbacks": report.SummaryFallbacks,
		"chunks_enriched":   report.ChunksEnriched,
	}, nil
}

// VectorizeStage embeds every chunk. It only runs once the whole document is
// enriched.
type VectorizeStage struct {
	Vectorizer *services.Vectorizer
}

func (s *VectorizeStage) Name() models.StageName { return models.StageVectorize }

func (s *VectorizeStage) Execute(ctx context.Context, doc models.Document) (models.Document, map[string]any, error) {
	out, report, err := s.Vectorizer.Vectorize(ctx, doc)
	if err != nil {
		return models.Document{}, nil, err
	}
	out.Status = models.StatusVectorized
	return out, map[string]any{
		"embedded":  report.Embedded,
		"batches":   report.Batches,
		"dimension": report.Dimension,
		"sources":   report.Sources,
	}, nil
}
