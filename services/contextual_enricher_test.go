package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"doc-ingest-pipeline/models"
)

type fakeSummarizer struct {
	mu      sync.Mutex
	prompts []string
	err     error
}

func (f *fakeSummarizer) Summarize(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if strings.HasPrefix(prompt, "Summarize the document") {
		return "DOC<" + prompt + ">", nil
	}
	return "chunk summary", nil
}

func enrichFixture(firstChunk string) models.Document {
	heading := models.TextComponent{ID: "h1", Order: 0, Role: models.RoleHeading, Text: "Introduction"}
	methods := models.TextComponent{ID: "h3", Order: 2, Role: models.RoleHeading, Text: "Methods"}
	chunk := func(page, order int, id, text string) models.Chunk {
		return models.Chunk{
			ID: id, PageNumber: page, Text: text, CleanedText: text,
			Metadata: models.ChunkMetadata{ChunkID: id, ComponentID: id, ComponentOrder: order, ComponentType: models.ComponentText},
		}
	}
	return models.Document{
		ID:    "doc1",
		Title: "Annual Report",
		Pages: []models.Page{
			{Number: 1, Chunks: []models.Chunk{chunk(1, 1, "c1", firstChunk)}},
			{Number: 2, Chunks: []models.Chunk{chunk(2, 0, "c2", "second page body")}},
			{Number: 3, Chunks: []models.Chunk{chunk(3, 1, "c3", "before methods"), chunk(3, 3, "c4", "after methods")}},
		},
		Metadata: models.DocumentMetadata{ParsedPages: []models.ParsedPage{
			{PageNumber: 1, Summary: "Page one overview.", Components: models.Components{heading}},
			{PageNumber: 2, Summary: "Page two details."},
			{PageNumber: 3, Summary: "Page three methods.", Components: models.Components{methods}},
		}},
	}
}

func TestDocumentSummaryIgnoresChunkText(t *testing.T) {
	e := NewContextualEnricher(&fakeSummarizer{}, EnricherConfig{}, nil)
	a, _, err := e.Enrich(context.Background(), enrichFixture("first chunk text"))
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := e.Enrich(context.Background(), enrichFixture("completely different opening"))
	if err != nil {
		t.Fatal(err)
	}
	if a.Summary != b.Summary {
		t.Fatalf("document summary depends on chunk 1:\n%s\n%s", a.Summary, b.Summary)
	}
	for _, want := range []string{"Page one overview.", "Page two details.", "Page three methods."} {
		if !strings.Contains(a.Summary, want) {
			t.Errorf("summary prompt misses %q", want)
		}
	}
}

func TestSectionHeadingCarriesAcrossPages(t *testing.T) {
	e := NewContextualEnricher(&fakeSummarizer{}, EnricherConfig{}, nil)
	doc, _, err := e.Enrich(context.Background(), enrichFixture("x"))
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		page, chunk int
		want        string
	}{
		{0, 0, "Introduction"},
		{1, 0, "Introduction"},
		{2, 0, "Introduction"},
		{2, 1, "Methods"},
	}
	for _, tc := range cases {
		if got := doc.Pages[tc.page].Chunks[tc.chunk].Metadata.SectionHeading; got != tc.want {
			t.Errorf("page %d chunk %d section = %q, want %q", tc.page+1, tc.chunk, got, tc.want)
		}
	}
}

func TestContextualizedText(t *testing.T) {
	e := NewContextualEnricher(&fakeSummarizer{}, EnricherConfig{}, nil)
	in := enrichFixture("hello world")
	doc, report, err := e.Enrich(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	ch := doc.Pages[0].Chunks[0]
	want := "[Document: Annual Report | Page: 1 | Section: Introduction | Type: text]\n\nhello world"
	if ch.ContextualizedText != want {
		t.Fatalf("contextualized text = %q", ch.ContextualizedText)
	}
	if ch.CleanedText != "hello world" {
		t.Fatalf("cleaned text changed: %q", ch.CleanedText)
	}
	if ch.Metadata.Summary != "chunk summary" || ch.Metadata.PageSummary != "Page one overview." {
		t.Fatalf("metadata = %+v", ch.Metadata)
	}
	if report.ChunksEnriched != 4 || report.SummaryCalls != 5 {
		t.Fatalf("report = %+v", report)
	}
	if in.Pages[0].Chunks[0].ContextualizedText != "" || in.Summary != "" {
		t.Fatal("input document was modified")
	}
}

func TestContextHeader(t *testing.T) {
	if got := ContextHeader("Report", 2, "", ""); got != "[Document: Report | Page: 2 | Type: text]" {
		t.Fatalf("header = %q", got)
	}
	if got := ContextHeader("Report", 7, "Costs", models.ComponentTable); got != "[Document: Report | Page: 7 | Section: Costs | Type: table]" {
		t.Fatalf("header = %q", got)
	}
}

func TestEnrichFallsBackToTruncation(t *testing.T) {
	long := strings.Repeat("word ", 200)
	for name, s := range map[string]*fakeSummarizer{
		"no summarizer": nil,
		"failing":       {err: errors.New("quota")},
	} {
		t.Run(name, func(t *testing.T) {
			var e *ContextualEnricher
			if s == nil {
				e = NewContextualEnricher(nil, EnricherConfig{FallbackChars: 50}, nil)
			} else {
				e = NewContextualEnricher(s, EnricherConfig{FallbackChars: 50}, nil)
			}
			doc, report, err := e.Enrich(context.Background(), enrichFixture(long))
			if err != nil {
				t.Fatal(err)
			}
			ch := doc.Pages[0].Chunks[0]
			if n := len([]rune(ch.Metadata.Summary)); n == 0 || n > 51 {
				t.Fatalf("fallback summary has %d runes", n)
			}
			if ch.Metadata.Extra[models.ExtraSummaryFallback] != true {
				t.Fatal("fallback not flagged")
			}
			if !strings.Contains(doc.Summary, "Page two details.") {
				t.Fatalf("fallback document summary = %q", doc.Summary)
			}
			if report.SummaryFallbacks != 5 {
				t.Fatalf("fallbacks = %d", report.SummaryFallbacks)
			}
		})
	}
}

func TestEnrichStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := NewContextualEnricher(&fakeSummarizer{err: context.Canceled}, EnricherConfig{}, nil)
	if _, _, err := e.Enrich(ctx, enrichFixture("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
