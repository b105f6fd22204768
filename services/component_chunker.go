package services

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/google/uuid"

	"doc-ingest-pipeline/models"
	"doc-ingest-pipeline/utils"
)

// Chunking strategies
const (
	StrategyComponent = "component"
	StrategyHybrid    = "hybrid"
	StrategyFixed     = "fixed"
)

var (
	sentenceEnd = regexp.MustCompile(`[.!?]+["'”’)\]]*\s+`)
	wordSpan    = regexp.MustCompile(`\S+`)
)

// ChunkerConfig configures ComponentChunker. Token counts are word counts.
type ChunkerConfig struct {
	Strategy           string
	MaxComponentTokens int
	MergeThreshold     int
	WindowTokens       int
	WindowOverlap      int
}

func (c ChunkerConfig) withDefaults() ChunkerConfig {
	if c.Strategy == "" {
		c.Strategy = StrategyComponent
	}
	if c.MaxComponentTokens <= 0 {
		c.MaxComponentTokens = 500
	}
	if c.MergeThreshold <= 0 {
		c.MergeThreshold = 100
	}
	if c.WindowTokens <= 0 {
		c.WindowTokens = 200
	}
	if c.WindowOverlap < 0 || c.WindowOverlap >= c.WindowTokens {
		c.WindowOverlap = min(50, c.WindowTokens/4)
	}
	return c
}

// ComponentChunker splits a page into chunks along component boundaries.
type ComponentChunker struct {
	cfg ChunkerConfig
}

func NewComponentChunker(cfg ChunkerConfig) *ComponentChunker {
	return &ComponentChunker{cfg: cfg.withDefaults()}
}

// Strategy returns the configured strategy name.
func (c *ComponentChunker) Strategy() string {
	return c.cfg.Strategy
}

// pageChunks accumulates the chunks of one page and locates their text in the
// cleaned page text.
type pageChunks struct {
	docID    string
	page     models.Page
	cleaned  string
	cursor   int
	strategy string
	chunks   []models.Chunk
}

// ChunkPage returns the chunks of page in reading order. A page without
// non-empty components falls back to fixed windows over its cleaned text.
func (c *ComponentChunker) ChunkPage(docID string, page models.Page, components models.Components) []models.Chunk {
	cleaned := page.CleanedText
	if strings.TrimSpace(cleaned) == "" {
		cleaned = page.Text
	}
	pc := &pageChunks{docID: docID, page: page, cleaned: cleaned, strategy: c.cfg.Strategy}

	items := orderedNonEmpty(components)
	if len(items) == 0 || c.cfg.Strategy == StrategyFixed {
		pc.strategy = StrategyFixed
		c.fixedWindows(pc)
		return pc.chunks
	}

	switch c.cfg.Strategy {
	case StrategyHybrid:
		c.hybrid(pc, items)
	default:
		c.componentWise(pc, items)
	}
	return pc.chunks
}

func orderedNonEmpty(components models.Components) []models.Component {
	items := make([]models.Component, 0, len(components))
	for _, comp := range components {
		if comp.Content() != "" {
			items = append(items, comp)
		}
	}
	slices.SortStableFunc(items, func(a, b models.Component) int {
		return a.ComponentOrder() - b.ComponentOrder()
	})
	return items
}

func (c *ComponentChunker) componentWise(pc *pageChunks, items []models.Component) {
	var pending []models.Component
	pendingTokens := 0
	flush := func() {
		if len(pending) > 0 {
			pc.emitGroup(pending)
			pending, pendingTokens = nil, 0
		}
	}

	for _, comp := range items {
		tokens := utils.EstimateTokens(comp.Content())
		switch {
		case tokens > c.cfg.MaxComponentTokens:
			flush()
			c.emitOversized(pc, comp)
		case tokens+pendingTokens < c.cfg.MergeThreshold:
			pending = append(pending, comp)
			pendingTokens += tokens
		default:
			flush()
			pc.emitGroup([]models.Component{comp})
		}
	}
	flush()
}

// hybrid keeps tables and images atomic and windows each run of consecutive text
// components.
func (c *ComponentChunker) hybrid(pc *pageChunks, items []models.Component) {
	var run []models.Component
	flushRun := func() {
		if len(run) == 0 {
			return
		}
		parts := make([]string, len(run))
		for i, comp := range run {
			parts[i] = comp.Content()
		}
		text := strings.Join(parts, "\n\n")
		for _, w := range windows(text, c.cfg.WindowTokens, c.cfg.WindowOverlap) {
			meta := componentMetadata(run[0], pc.page.Number)
			if len(run) > 1 {
				meta = meta.SetExtra(models.ExtraComponentIDs, componentIDs(run))
			}
			pc.emit(text[w[0]:w[1]], meta, true)
		}
		run = nil
	}

	for _, comp := range items {
		if comp.Type() == models.ComponentText {
			run = append(run, comp)
			continue
		}
		flushRun()
		if utils.EstimateTokens(comp.Content()) > c.cfg.MaxComponentTokens {
			c.emitOversized(pc, comp)
		} else {
			pc.emitGroup([]models.Component{comp})
		}
	}
	flushRun()
}

// fixedWindows slides a window over the cleaned page text and records byte
// offsets.
func (c *ComponentChunker) fixedWindows(pc *pageChunks) {
	for _, w := range windows(pc.cleaned, c.cfg.WindowTokens, c.cfg.WindowOverlap) {
		text := pc.cleaned[w[0]:w[1]]
		meta := models.ChunkMetadata{Title: chunkTitle(text)}
		chunk := pc.newChunk(text, text, meta)
		chunk.StartOffset, chunk.EndOffset = w[0], w[1]
		pc.chunks = append(pc.chunks, chunk)
	}
}

// windows returns [start, end) byte ranges covering size words each, advancing
// by size-overlap words.
func windows(text string, size, overlap int) [][2]int {
	spans := wordSpan.FindAllStringIndex(text, -1)
	if len(spans) == 0 {
		return nil
	}
	step := max(1, size-overlap)
	var out [][2]int
	for start := 0; start < len(spans); start += step {
		end := min(start+size, len(spans))
		out = append(out, [2]int{spans[start][0], spans[end-1][1]})
		if end == len(spans) {
			break
		}
	}
	return out
}

// emitOversized splits one component at sentence boundaries into pieces of at
// most MaxComponentTokens words. Every piece carries the parent metadata.
func (c *ComponentChunker) emitOversized(pc *pageChunks, comp models.Component) {
	pieces := splitSentences(comp.Content(), c.cfg.MaxComponentTokens)
	for i, piece := range pieces {
		meta := componentMetadata(comp, pc.page.Number).SetExtra(models.ExtraSubChunkIndex, i)
		pc.emit(piece, meta, true)
	}
}

// splitSentences packs whole sentences into pieces of at most limit words. A
// sentence longer than limit is cut at word boundaries. Every piece is a slice of
// text trimmed at its edges, so only the whitespace between pieces is dropped.
func splitSentences(text string, limit int) []string {
	type sentence struct{ start, end, tokens int }
	var sentences []sentence
	last := 0
	for _, m := range sentenceEnd.FindAllStringIndex(text, -1) {
		sentences = append(sentences, sentence{last, m[1], utils.EstimateTokens(text[last:m[1]])})
		last = m[1]
	}
	if last < len(text) {
		sentences = append(sentences, sentence{last, len(text), utils.EstimateTokens(text[last:])})
	}

	var pieces []string
	add := func(from, to int) {
		if s := strings.TrimSpace(text[from:to]); s != "" {
			pieces = append(pieces, s)
		}
	}
	start, tokens := -1, 0
	flush := func(end int) {
		if start >= 0 {
			add(start, end)
		}
		start, tokens = -1, 0
	}
	for _, s := range sentences {
		if s.tokens > limit {
			flush(s.start)
			spans := wordSpan.FindAllStringIndex(text[s.start:s.end], -1)
			for i := 0; i < len(spans); i += limit {
				j := min(i+limit, len(spans)) - 1
				add(s.start+spans[i][0], s.start+spans[j][1])
			}
			continue
		}
		if tokens+s.tokens > limit {
			flush(s.start)
		}
		if start < 0 {
			start = s.start
		}
		tokens += s.tokens
	}
	flush(len(text))
	return pieces
}

// emitGroup builds one chunk from components that are merged together. The
// metadata comes from the first component; mixed groups are flagged in Extra.
func (pc *pageChunks) emitGroup(group []models.Component) {
	parts := make([]string, len(group))
	for i, comp := range group {
		parts[i] = comp.Content()
	}
	meta := componentMetadata(group[0], pc.page.Number)
	if len(group) > 1 {
		meta = meta.SetExtra(models.ExtraComponentIDs, componentIDs(group))
		var kinds []string
		for _, comp := range group {
			if k := string(comp.Type()); !slices.Contains(kinds, k) {
				kinds = append(kinds, k)
			}
		}
		if len(kinds) > 1 {
			meta = meta.SetExtra(models.ExtraMixedComponentTypes, kinds)
		}
	}
	pc.emit(strings.Join(parts, "\n\n"), meta, true)
}

func (pc *pageChunks) emit(text string, meta models.ChunkMetadata, locate bool) {
	cleaned := text
	if locate {
		if start, end, ok := locateText(pc.cleaned, text, pc.cursor); ok {
			cleaned = pc.cleaned[start:end]
			pc.cursor = end
			meta = meta.SetExtra(models.ExtraCleanedTextMatched, true)
		} else {
			meta = meta.SetExtra(models.ExtraCleanedTextMatched, false)
		}
	}
	pc.chunks = append(pc.chunks, pc.newChunk(text, cleaned, meta))
}

func (pc *pageChunks) newChunk(text, cleaned string, meta models.ChunkMetadata) models.Chunk {
	idx := len(pc.chunks)
	id := ChunkID(pc.docID, pc.page.Number, idx)
	meta.ChunkID = id
	if meta.Title == "" {
		meta.Title = chunkTitle(text)
	}
	meta = meta.SetExtra(models.ExtraChunkStrategy, pc.strategy)
	return models.Chunk{
		ID:          id,
		DocumentID:  pc.docID,
		PageNumber:  pc.page.Number,
		Text:        text,
		CleanedText: cleaned,
		Metadata:    meta,
	}
}

// ChunkID is deterministic in document, page and position.
func ChunkID(docID string, page, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s/%d/%d", docID, page, index))).String()
}

func componentMetadata(comp models.Component, pageNumber int) models.ChunkMetadata {
	meta := models.ChunkMetadata{
		ComponentID:    comp.ComponentID(),
		ComponentType:  comp.Type(),
		ComponentOrder: comp.ComponentOrder(),
	}
	switch c := comp.(type) {
	case models.TableComponent:
		meta.ComponentSummary = c.Summary
		if meta.ComponentSummary == "" {
			meta.ComponentSummary = fallbackTableSummary(c, pageNumber)
		}
		meta.ComponentDescription = c.Caption
	case models.ImageComponent:
		meta.ComponentDescription = c.Description
		if meta.ComponentDescription == "" {
			meta.ComponentDescription = fallbackImageDescription(c, pageNumber)
		}
	case models.TextComponent:
		if c.IsHeading() {
			meta.Title = utils.Truncate(c.Content(), 80)
		}
	}
	return meta
}

func componentIDs(group []models.Component) []string {
	ids := make([]string, len(group))
	for i, comp := range group {
		ids[i] = comp.ComponentID()
	}
	return ids
}

func chunkTitle(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	return utils.Truncate(line, 80)
}

// locateText finds the span of haystack, at or after from, holding the words
// of text separated by any whitespace.
func locateText(haystack, text string, from int) (int, int, bool) {
	words := strings.Fields(text)
	if len(words) == 0 || from > len(haystack) {
		return 0, 0, false
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	re, err := regexp.Compile(strings.Join(quoted, `\s+`))
	if err != nil {
		return 0, 0, false
	}
	loc := re.FindStringIndex(haystack[from:])
	if loc == nil {
		return 0, 0, false
	}
	return from + loc[0], from + loc[1], true
}
