package models

import "maps"

// Chunk is a retrieval-ready slice of a page.
//
// StartOffset/EndOffset are byte offsets into the page's cleaned text and are only
// meaningful for fixed-window chunks; component-derived chunks leave them zero.
type Chunk struct {
	ID                 string        `json:"id"`
	DocumentID         string        `json:"document_id"`
	PageNumber         int           `json:"page_number"`
	Text               string        `json:"text"`
	CleanedText        string        `json:"cleaned_text"`
	ContextualizedText string        `json:"contextualized_text,omitempty"`
	StartOffset        int           `json:"start_offset"`
	EndOffset          int           `json:"end_offset"`
	Metadata           ChunkMetadata `json:"metadata"`
}

// ChunkMetadata links a chunk to its component and to its hierarchical context.
// A table chunk always has ComponentSummary set; an image chunk always has
// ComponentDescription set.
type ChunkMetadata struct {
	ChunkID              string         `json:"chunk_id"`
	Title                string         `json:"title,omitempty"`
	Summary              string         `json:"summary,omitempty"`
	ComponentID          string         `json:"component_id,omitempty"`
	ComponentType        ComponentType  `json:"component_type,omitempty"`
	ComponentOrder       int            `json:"component_order"`
	ComponentDescription string         `json:"component_description,omitempty"`
	ComponentSummary     string         `json:"component_summary,omitempty"`
	DocumentTitle        string         `json:"document_title,omitempty"`
	DocumentSummary      string         `json:"document_summary,omitempty"`
	PageSummary          string         `json:"page_summary,omitempty"`
	SectionHeading       string         `json:"section_heading,omitempty"`
	Extra                map[string]any `json:"extra,omitempty"`
}

// Well-known keys of ChunkMetadata.Extra
const (
	ExtraEmbedding           = "embedding"
	ExtraEmbeddingSource     = "embedding_source"
	ExtraEmbeddingDimension  = "embedding_dimension"
	ExtraChunkStrategy       = "chunk_strategy"
	ExtraComponentIDs        = "component_ids"
	ExtraMixedComponentTypes = "mixed_component_types"
	ExtraSubChunkIndex       = "sub_chunk_index"
	ExtraCleanedTextMatched  = "cleaned_text_matched"
	ExtraSummaryFallback     = "summary_fallback"
)

// EmbeddingText returns the best available text for embedding and the name of the
// field it came from: contextualized_text, then cleaned_text, then text.
func (c Chunk) EmbeddingText() (string, string) {
	switch {
	case c.ContextualizedText != "":
		return c.ContextualizedText, "contextualized_text"
	case c.CleanedText != "":
		return c.CleanedText, "cleaned_text"
	default:
		return c.Text, "text"
	}
}

// Clone returns a deep copy of c.
func (c Chunk) Clone() Chunk {
	out := c
	out.Metadata.Extra = maps.Clone(c.Metadata.Extra)
	if v, ok := c.Metadata.Extra[ExtraEmbedding].([]float32); ok {
		out.Metadata.Extra[ExtraEmbedding] = append([]float32(nil), v...)
	}
	return out
}

// SetExtra returns a copy of m with key set in Extra.
func (m ChunkMetadata) SetExtra(key string, value any) ChunkMetadata {
	out := m
	out.Extra = maps.Clone(m.Extra)
	if out.Extra == nil {
		out.Extra = make(map[string]any)
	}
	out.Extra[key] = value
	return out
}
