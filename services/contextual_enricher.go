package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"doc-ingest-pipeline/internal/ai"
	"doc-ingest-pipeline/models"
	"doc-ingest-pipeline/utils"
)

// EnricherConfig configures ContextualEnricher
type EnricherConfig struct {
	// FallbackChars bounds the truncated text used when no summary can be generated.
	FallbackChars int
	Workers       int
}

// EnrichReport counts what the enricher did for one document
type EnrichReport struct {
	SummaryCalls     int64 `json:"summary_calls"`
	SummaryFallbacks int64 `json:"summary_fallbacks"`
	ChunksEnriched   int   `json:"chunks_enriched"`
}

// ContextualEnricher adds document, page and section context to every chunk and
// builds the text used for embedding.
type ContextualEnricher struct {
	summarizer ai.Summarizer
	cfg        EnricherConfig
	logger     *slog.Logger
}

// NewContextualEnricher creates an enricher. A nil summarizer makes every summary a
// truncation of its source text.
func NewContextualEnricher(summarizer ai.Summarizer, cfg EnricherConfig, logger *slog.Logger) *ContextualEnricher {
	if cfg.FallbackChars <= 0 {
		cfg.FallbackChars = 300
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextualEnricher{summarizer: summarizer, cfg: cfg, logger: logger}
}

// chunkRef addresses a chunk inside doc.Pages.
type chunkRef struct {
	page, chunk int
}

// Enrich returns a copy of doc with Summary set and every chunk carrying its
// context and contextualized text. Only a cancelled context is an error.
func (e *ContextualEnricher) Enrich(ctx context.Context, doc models.Document) (models.Document, EnrichReport, error) {
	out := doc.Clone()
	var report EnrichReport
	title := documentTitle(out)

	pageSummaries := make(map[int]string, len(out.Pages))
	for _, p := range out.Pages {
		pageSummaries[p.Number] = e.pageSummary(out, p)
	}

	summary, err := e.documentSummary(ctx, out, title, pageSummaries, &report)
	if err != nil {
		return models.Document{}, report, err
	}
	out.Summary = summary

	var refs []chunkRef
	carried := ""
	for pi := range out.Pages {
		page := &out.Pages[pi]
		var headings []models.TextComponent
		if pp, ok := out.ParsedPage(page.Number); ok {
			headings = pp.Headings()
		}
		for ci := range page.Chunks {
			ch := &page.Chunks[ci]
			ch.Metadata.DocumentTitle = title
			ch.Metadata.DocumentSummary = summary
			ch.Metadata.PageSummary = pageSummaries[page.Number]
			ch.Metadata.SectionHeading = sectionFor(ch.Metadata, headings, carried)
			if ch.Metadata.Summary == "" {
				refs = append(refs, chunkRef{pi, ci})
			}
		}
		if len(headings) > 0 {
			carried = headings[len(headings)-1].Content()
		}
	}

	if err := e.summarizeChunks(ctx, &out, refs, &report); err != nil {
		return models.Document{}, report, err
	}

	for pi := range out.Pages {
		for ci := range out.Pages[pi].Chunks {
			ch := &out.Pages[pi].Chunks[ci]
			ch.ContextualizedText = ContextHeader(title, ch.PageNumber, ch.Metadata.SectionHeading, ch.Metadata.ComponentType) + "\n\n" + chunkBody(*ch)
			report.ChunksEnriched++
		}
	}
	return out, report, nil
}

func documentTitle(doc models.Document) string {
	if doc.Title != "" {
		return doc.Title
	}
	return doc.Filename
}

func (e *ContextualEnricher) pageSummary(doc models.Document, p models.Page) string {
	if pp, ok := doc.ParsedPage(p.Number); ok && strings.TrimSpace(pp.Summary) != "" {
		return strings.TrimSpace(pp.Summary)
	}
	text := p.CleanedText
	if text == "" {
		text = p.Text
	}
	return utils.Truncate(strings.TrimSpace(text), e.cfg.FallbackChars)
}

// documentSummary is computed from page summaries only. Chunk text never takes
// part in it.
func (e *ContextualEnricher) documentSummary(ctx context.Context, doc models.Document, title string, pageSummaries map[int]string, report *EnrichReport) (string, error) {
	numbers := make([]int, 0, len(pageSummaries))
	for n, s := range pageSummaries {
		if s != "" {
			numbers = append(numbers, n)
		}
	}
	if len(numbers) == 0 {
		return "", nil
	}
	slices.Sort(numbers)

	if e.summarizer != nil {
		var sb strings.Builder
		fmt.Fprintf(&sb, "Summarize the document %q in three to five sentences. The summaries of its pages follow.\n", title)
		for _, n := range numbers {
			fmt.Fprintf(&sb, "\nPage %d: %s", n, pageSummaries[n])
		}
		report.SummaryCalls++
		s, err := e.summarizer.Summarize(ctx, sb.String())
		if err == nil && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s), nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		e.logger.Warn("document summary failed; using page summaries", "document_id", doc.ID, "error", err)
	}

	// Every page gets an equal share so the fallback is not dominated by page one.
	report.SummaryFallbacks++
	share := max(40, e.cfg.FallbackChars/len(numbers))
	parts := make([]string, len(numbers))
	for i, n := range numbers {
		parts[i] = utils.Truncate(pageSummaries[n], share)
	}
	return strings.Join(parts, " "), nil
}

// sectionFor picks the last heading at or before the chunk's component, or the
// heading carried over from earlier pages.
func sectionFor(meta models.ChunkMetadata, headings []models.TextComponent, carried string) string {
	section := carried
	if meta.ComponentID == "" {
		if section == "" && len(headings) > 0 {
			section = headings[0].Content()
		}
		return section
	}
	for _, h := range headings {
		if h.Order > meta.ComponentOrder {
			break
		}
		section = h.Content()
	}
	return section
}

func (e *ContextualEnricher) summarizeChunks(ctx context.Context, doc *models.Document, refs []chunkRef, report *EnrichReport) error {
	if len(refs) == 0 {
		return nil
	}
	var calls, fallbacks atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for _, ref := range refs {
		ch := &doc.Pages[ref.page].Chunks[ref.chunk]
		g.Go(func() error {
			body := chunkBody(*ch)
			if e.summarizer != nil {
				calls.Add(1)
				s, err := e.summarizer.Summarize(gctx, chunkSummaryPrompt(*ch, body))
				if err == nil && strings.TrimSpace(s) != "" {
					ch.Metadata.Summary = strings.TrimSpace(s)
					return nil
				}
				if gctx.Err() != nil {
					return gctx.Err()
				}
				e.logger.Debug("chunk summary failed", "chunk_id", ch.ID, "error", err)
			}
			fallbacks.Add(1)
			ch.Metadata.Summary = utils.Truncate(body, e.cfg.FallbackChars)
			ch.Metadata = ch.Metadata.SetExtra(models.ExtraSummaryFallback, true)
			return nil
		})
	}
	err := g.Wait()
	report.SummaryCalls += calls.Load()
	report.SummaryFallbacks += fallbacks.Load()
	return err
}

func chunkSummaryPrompt(ch models.Chunk, body string) string {
	var sb strings.Builder
	sb.WriteString("Write one or two sentences summarizing the passage below so it can be understood out of context.\n")
	if s := ch.Metadata.DocumentSummary; s != "" {
		fmt.Fprintf(&sb, "Document summary: %s\n", s)
	}
	if s := ch.Metadata.PageSummary; s != "" {
		fmt.Fprintf(&sb, "Page %d summary: %s\n", ch.PageNumber, s)
	}
	if s := ch.Metadata.SectionHeading; s != "" {
		fmt.Fprintf(&sb, "Section: %s\n", s)
	}
	sb.WriteString("\nPassage:\n")
	sb.WriteString(body)
	return sb.String()
}

func chunkBody(ch models.Chunk) string {
	if ch.CleanedText != "" {
		return ch.CleanedText
	}
	return ch.Text
}

// ContextHeader renders the bracketed context line prepended to a chunk. The
// section is omitted when unknown.
func ContextHeader(title string, page int, section string, kind models.ComponentType) string {
	if kind == "" {
		kind = models.ComponentText
	}
	parts := []string{"Document: " + title, fmt.Sprintf("Page: %d", page)}
	if section != "" {
		parts = append(parts, "Section: "+section)
	}
	parts = append(parts, "Type: "+string(kind))
	return "[" + strings.Join(parts, " | ") + "]"
}
