package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"doc-ingest-pipeline/internal/ai"
	"doc-ingest-pipeline/models"
)

// VectorizeReport counts embeddings per text tier
type VectorizeReport struct {
	Embedded  int            `json:"embedded"`
	Batches   int            `json:"batches"`
	Dimension int            `json:"dimension"`
	Sources   map[string]int `json:"sources"`
}

// Vectorizer embeds every chunk of a document over its best available text.
type Vectorizer struct {
	embedder  ai.Embedder
	batchSize int
	logger    *slog.Logger
}

func NewVectorizer(embedder ai.Embedder, batchSize int, logger *slog.Logger) *Vectorizer {
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Vectorizer{embedder: embedder, batchSize: batchSize, logger: logger}
}

// Vectorize returns a copy of doc where each chunk carries its embedding, the
// name of the field that was embedded and the vector dimension in Extra.
func (v *Vectorizer) Vectorize(ctx context.Context, doc models.Document) (models.Document, VectorizeReport, error) {
	out := doc.Clone()
	report := VectorizeReport{Sources: make(map[string]int)}
	if v.embedder == nil {
		return models.Document{}, report, errors.New("vectorizer has no embedder")
	}

	var refs []chunkRef
	var texts, sources []string
	for pi := range out.Pages {
		for ci, ch := range out.Pages[pi].Chunks {
			text, source := ch.EmbeddingText()
			refs = append(refs, chunkRef{pi, ci})
			texts = append(texts, text)
			sources = append(sources, source)
		}
	}

	for start := 0; start < len(texts); start += v.batchSize {
		end := min(start+v.batchSize, len(texts))
		vectors, err := v.embedder.Embed(ctx, texts[start:end])
		if err != nil {
			return models.Document{}, report, fmt.Errorf("embed chunks %d-%d: %w", start, end, err)
		}
		if len(vectors) != end-start {
			return models.Document{}, report, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), end-start)
		}
		report.Batches++
		for i, vec := range vectors {
			ref := refs[start+i]
			ch := &out.Pages[ref.page].Chunks[ref.chunk]
			ch.Metadata = ch.Metadata.
				SetExtra(models.ExtraEmbedding, vec).
				SetExtra(models.ExtraEmbeddingSource, sources[start+i]).
				SetExtra(models.ExtraEmbeddingDimension, len(vec))
			report.Sources[sources[start+i]]++
			report.Embedded++
			report.Dimension = len(vec)
		}
	}

	v.logger.Debug("document vectorized", "document_id", doc.ID, "chunks", report.Embedded, "batches", report.Batches)
	return out, report, nil
}
