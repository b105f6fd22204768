package services

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"doc-ingest-pipeline/internal/ai"
	"doc-ingest-pipeline/models"
)

type fakeLLM struct {
	reply   string
	err     error
	deltas  []string
	tailErr error
	// block makes the call wait for its context once the deltas are used up.
	block bool
}

func (f *fakeLLM) Chat(ctx context.Context, _ []ai.Message) (string, error) {
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.reply, f.err
}

func (f *fakeLLM) StreamChat(ctx context.Context, _ []ai.Message) (ai.Stream, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &fakeStream{ctx: ctx, deltas: f.deltas, tailErr: f.tailErr, block: f.block}, nil
}

type fakeStream struct {
	ctx     context.Context
	deltas  []string
	tailErr error
	block   bool
}

func (s *fakeStream) Recv() (string, error) {
	if len(s.deltas) > 0 {
		d := s.deltas[0]
		s.deltas = s.deltas[1:]
		return d, nil
	}
	if s.block {
		<-s.ctx.Done()
		return "", s.ctx.Err()
	}
	if s.tailErr != nil {
		return "", s.tailErr
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error { return nil }

func newTestParser(llm ai.LLM, streaming bool) *StructuredParser {
	p := NewStructuredParser(llm, ParserConfig{Streaming: streaming, Timeout: time.Second}, nil, nil)
	p.readFile = func(path string) ([]byte, error) {
		if path == "page.png" {
			return []byte("png"), nil
		}
		return nil, errors.New("no such file")
	}
	return p
}

func pageInput() PageInput {
	return PageInput{DocumentID: "doc", PageNumber: 2, PixmapPath: "page.png"}
}

const fullPage = `{"components": [
 {"type": "heading", "level": 1, "text": "Quarterly Results"},
 {"type": "paragraph", "text": "Revenue grew."},
 {"type": "table", "caption": "Revenue", "rows": [["Q1", 10], ["Q2", 12.5]]},
 {"type": "sidebar", "text": "ignored"},
 {"type": "image", "recognized_text": "Figure 1"}
], "summary": "Results for the quarter."}`

func TestParsePageSuccess(t *testing.T) {
	page, err := newTestParser(&fakeLLM{reply: "```json\n" + fullPage + "\n```"}, false).ParsePage(context.Background(), pageInput())
	if err != nil {
		t.Fatal(err)
	}
	if page.ParsingStatus != models.ParsingSuccess || page.ErrorType != "" {
		t.Fatalf("status = %s/%s %s", page.ParsingStatus, page.ErrorType, page.ErrorDetails)
	}
	if page.Strategy != models.StrategyVision || page.Summary != "Results for the quarter." {
		t.Fatalf("page = %+v", page)
	}
	if len(page.Components) != 4 {
		t.Fatalf("got %d components", len(page.Components))
	}
	if len(page.Warnings) != 1 || !strings.Contains(page.Warnings[0], "sidebar") {
		t.Fatalf("warnings = %v", page.Warnings)
	}

	table, ok := page.Components[2].(models.TableComponent)
	if !ok || table.Summary == "" || table.Rows[1][1] != "12.5" {
		t.Fatalf("table = %+v", page.Components[2])
	}
	img, ok := page.Components[3].(models.ImageComponent)
	if !ok || !strings.Contains(img.Description, "Figure 1") {
		t.Fatalf("image = %+v", page.Components[3])
	}
	for i, c := range page.Components {
		if c.ComponentOrder() != i {
			t.Fatalf("component %d has order %d", i, c.ComponentOrder())
		}
	}
}

func TestParsePageGuardrailStop(t *testing.T) {
	t.Run("partial", func(t *testing.T) {
		llm := &fakeLLM{deltas: []string{`{"components": [{"type": "paragraph", "text": "Hello"},`, strings.Repeat("\n", 150)}}
		page, _ := newTestParser(llm, true).ParsePage(context.Background(), pageInput())
		if page.ParsingStatus != models.ParsingPartial || page.ErrorType != models.ErrExcessiveNewlines {
			t.Fatalf("status = %s/%s", page.ParsingStatus, page.ErrorType)
		}
		if len(page.Components) != 1 || page.Strategy != models.StrategyVisionStream {
			t.Fatalf("page = %+v", page)
		}
	})
	t.Run("failed", func(t *testing.T) {
		llm := &fakeLLM{deltas: []string{strings.Repeat("a", 250)}}
		page, _ := newTestParser(llm, true).ParsePage(context.Background(), pageInput())
		if page.ParsingStatus != models.ParsingFailed || page.ErrorType != models.ErrRepetitionLoop {
			t.Fatalf("status = %s/%s", page.ParsingStatus, page.ErrorType)
		}
		if len(page.Components) != 0 {
			t.Fatalf("components = %v", page.Components)
		}
	})
}

func TestParsePageTimeout(t *testing.T) {
	llm := &fakeLLM{deltas: []string{`{"components": [{"type": "paragraph", "text": "Before the stall"},`}, block: true}
	p := newTestParser(llm, true)
	p.cfg.Timeout = 20 * time.Millisecond
	page, _ := p.ParsePage(context.Background(), pageInput())
	if page.ParsingStatus != models.ParsingPartial || page.ErrorType != models.ErrTimeout {
		t.Fatalf("status = %s/%s", page.ParsingStatus, page.ErrorType)
	}

	p = newTestParser(&fakeLLM{block: true}, false)
	p.cfg.Timeout = 20 * time.Millisecond
	page, _ = p.ParsePage(context.Background(), pageInput())
	if page.ParsingStatus != models.ParsingFailed || page.ErrorType != models.ErrTimeout {
		t.Fatalf("chat status = %s/%s", page.ParsingStatus, page.ErrorType)
	}
}

func TestParsePageModelErrors(t *testing.T) {
	cases := []struct {
		name      string
		llm       *fakeLLM
		streaming bool
		want      models.ErrorType
	}{
		{"stream open", &fakeLLM{err: errors.New("boom")}, true, models.ErrStreamingException},
		{"stream midway", &fakeLLM{deltas: []string{`{"components": [{"type": "paragraph", "text": "x"},`}, tailErr: errors.New("reset")}, true, models.ErrStreamingException},
		{"chat", &fakeLLM{err: errors.New("boom")}, false, models.ErrException},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			page, err := newTestParser(tc.llm, tc.streaming).ParsePage(context.Background(), pageInput())
			if err != nil {
				t.Fatal(err)
			}
			if page.ParsingStatus != models.ParsingFailed || page.ErrorType != tc.want {
				t.Fatalf("status = %s/%s", page.ParsingStatus, page.ErrorType)
			}
			if len(page.Components) != 0 || page.ErrorDetails == "" {
				t.Fatalf("page = %+v", page)
			}
		})
	}
}

func TestParsePageMissingPixmap(t *testing.T) {
	for _, path := range []string{"", "gone.png"} {
		in := pageInput()
		in.PixmapPath = path
		page, err := newTestParser(&fakeLLM{reply: fullPage}, false).ParsePage(context.Background(), in)
		if err != nil {
			t.Fatal(err)
		}
		if page.ParsingStatus != models.ParsingFailed || page.ErrorType != models.ErrMissingPixmap {
			t.Fatalf("path %q: status = %s/%s", path, page.ParsingStatus, page.ErrorType)
		}
	}
}

func TestParsePageRawTextFallback(t *testing.T) {
	in := pageInput()
	in.RawText = "Overview\n\nThe plant produced more power this year."
	page, _ := newTestParser(&fakeLLM{reply: `{"components": []}`}, false).ParsePage(context.Background(), in)
	if page.ParsingStatus != models.ParsingSuccess || page.Strategy != models.StrategyRawText {
		t.Fatalf("status = %s strategy = %s", page.ParsingStatus, page.Strategy)
	}
	if len(page.Components) != 2 || len(page.Warnings) == 0 {
		t.Fatalf("page = %+v", page)
	}
	if h := page.Headings(); len(h) != 1 || h[0].Text != "Overview" {
		t.Fatalf("headings = %+v", h)
	}

	page, _ = newTestParser(&fakeLLM{reply: ""}, false).ParsePage(context.Background(), pageInput())
	if page.ParsingStatus != models.ParsingFailed || page.ErrorType != models.ErrParsingReturnedNone {
		t.Fatalf("status = %s/%s", page.ParsingStatus, page.ErrorType)
	}
}

func TestParsePageMalformedJSON(t *testing.T) {
	reply := `{"components": [{"type": "paragraph", "text": "kept"}, {"type": `
	page, _ := newTestParser(&fakeLLM{reply: reply}, false).ParsePage(context.Background(), pageInput())
	if page.ParsingStatus != models.ParsingPartial || page.ErrorType != models.ErrException {
		t.Fatalf("status = %s/%s", page.ParsingStatus, page.ErrorType)
	}
	if !strings.HasPrefix(page.ErrorDetails, "malformed JSON") || len(page.Components) != 1 {
		t.Fatalf("page = %+v", page)
	}
}

func TestParsePageRejectsBadInput(t *testing.T) {
	p := newTestParser(&fakeLLM{}, false)
	if _, err := p.ParsePage(context.Background(), PageInput{PageNumber: 1}); err == nil {
		t.Fatal("expected error for missing document id")
	}
	if _, err := p.ParsePage(context.Background(), PageInput{DocumentID: "d"}); err == nil {
		t.Fatal("expected error for page 0")
	}
}
