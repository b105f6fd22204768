package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"doc-ingest-pipeline/internal/ai"
	"doc-ingest-pipeline/internal/guardrail"
	"doc-ingest-pipeline/internal/telemetry"
	"doc-ingest-pipeline/models"
	"doc-ingest-pipeline/utils"
)

const pageParsePrompt = `You convert one page image of a document into JSON.
Return a single JSON object with this shape and nothing else:
{"components": [ ... ], "summary": "two or three sentences describing the page"}
List components top to bottom, left to right. Each component is one of:
{"type": "heading", "level": 1, "text": "..."}
{"type": "paragraph", "text": "..."}
{"type": "table", "caption": "...", "rows": [["cell", "cell"]], "summary": "one sentence describing the table"}
{"type": "image", "description": "what the figure shows", "recognized_text": "text inside the figure"}
Transcribe text exactly. Do not invent content that is not on the page.`

// ParserConfig configures StructuredParser
type ParserConfig struct {
	// Streaming selects the streaming vision path guarded by the monitor.
	Streaming bool
	// Timeout bounds one model call.
	Timeout   time.Duration
	Guardrail guardrail.Config
}

// PageInput is everything the parser gets for one page
type PageInput struct {
	DocumentID string
	PageNumber int
	PixmapPath string
	RawText    string
}

// StructuredParser turns page images into ParsedPages through the vision model.
// Model misbehaviour never surfaces as an error; it is classified on the page.
type StructuredParser struct {
	llm      ai.LLM
	cfg      ParserConfig
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	readFile func(string) ([]byte, error)
}

func NewStructuredParser(llm ai.LLM, cfg ParserConfig, metrics *telemetry.Metrics, logger *slog.Logger) *StructuredParser {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StructuredParser{llm: llm, cfg: cfg, metrics: metrics, logger: logger, readFile: os.ReadFile}
}

// ParsePage parses one page. The error return is reserved for invalid input.
func (p *StructuredParser) ParsePage(ctx context.Context, in PageInput) (models.ParsedPage, error) {
	switch {
	case p == nil || p.llm == nil:
		return models.ParsedPage{}, errors.New("structured parser has no LLM")
	case in.DocumentID == "":
		return models.ParsedPage{}, errors.New("page input has no document id")
	case in.PageNumber < 1:
		return models.ParsedPage{}, fmt.Errorf("invalid page number %d", in.PageNumber)
	}

	page := models.ParsedPage{DocumentID: in.DocumentID, PageNumber: in.PageNumber}
	log := p.logger.With("document_id", in.DocumentID, "page", in.PageNumber)

	if in.PixmapPath == "" {
		return failPage(page, models.ErrMissingPixmap, "no page image was rendered"), nil
	}
	img, err := p.readFile(in.PixmapPath)
	if err != nil {
		return failPage(page, models.ErrMissingPixmap, err.Error()), nil
	}
	format, ok := utils.ImageFormat(in.PixmapPath)
	if !ok {
		format = "png"
	}

	messages := []ai.Message{
		{Role: ai.RoleSystem, Text: pageParsePrompt},
		{Role: ai.RoleUser, Text: userPrompt(in), Images: []ai.Image{{Format: format, Data: img}}},
	}

	var out attempt
	if p.cfg.Streaming {
		page.Strategy = models.StrategyVisionStream
		out = p.stream(ctx, messages)
	} else {
		page.Strategy = models.StrategyVision
		out = p.chat(ctx, messages)
	}

	page = p.classify(page, out, in)
	if page.Failed() {
		log.Warn("page parsing degraded",
			"status", page.ParsingStatus,
			"error_type", page.ErrorType,
			"components", len(page.Components),
		)
	}
	return page, nil
}

// attempt is the raw outcome of one model call.
type attempt struct {
	text string
	// stop is set when the call ended early: a guardrail trigger or a timeout.
	stop *guardrail.Decision
	err  error
	// errType classifies err.
	errType models.ErrorType
}

func userPrompt(in PageInput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Page %d of document %s.", in.PageNumber, in.DocumentID)
	if raw := strings.TrimSpace(in.RawText); raw != "" {
		sb.WriteString("\nText extracted from the page, possibly out of order:\n")
		sb.WriteString(utils.Truncate(raw, 4000))
	}
	return sb.String()
}

func (p *StructuredParser) stream(ctx context.Context, messages []ai.Message) attempt {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	monitor := guardrail.New(p.cfg.Guardrail)
	stream, err := p.llm.StreamChat(callCtx, messages)
	if err != nil {
		if timedOut(callCtx, err) {
			return attempt{stop: timeoutDecision(p.cfg.Timeout)}
		}
		return attempt{err: err, errType: models.ErrStreamingException}
	}
	defer stream.Close()

	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return attempt{text: monitor.Buffered()}
		}
		if err != nil {
			if timedOut(callCtx, err) {
				return attempt{text: monitor.Buffered(), stop: timeoutDecision(p.cfg.Timeout)}
			}
			return attempt{text: monitor.Buffered(), err: err, errType: models.ErrStreamingException}
		}
		if d := monitor.Observe(delta); d.Stop {
			p.metrics.RecordGuardrailStop(string(d.ErrorType))
			return attempt{text: monitor.Buffered(), stop: &d}
		}
	}
}

func (p *StructuredParser) chat(ctx context.Context, messages []ai.Message) attempt {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	text, err := p.llm.Chat(callCtx, messages)
	switch {
	case err == nil:
		return attempt{text: text}
	case errors.Is(err, ai.ErrEmptyResponse):
		return attempt{}
	case timedOut(callCtx, err):
		return attempt{stop: timeoutDecision(p.cfg.Timeout)}
	default:
		return attempt{err: err, errType: models.ErrException}
	}
}

func timedOut(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func timeoutDecision(limit time.Duration) *guardrail.Decision {
	return &guardrail.Decision{
		Stop:      true,
		ErrorType: models.ErrTimeout,
		Details:   fmt.Sprintf("model call exceeded %s", limit),
	}
}

func (p *StructuredParser) classify(page models.ParsedPage, out attempt, in PageInput) models.ParsedPage {
	if out.err != nil {
		return failPage(page, out.errType, fmt.Sprintf("%T: %v", out.err, out.err))
	}

	decoded := decodePage(out.text, in.PageNumber)
	page.Warnings = append(page.Warnings, decoded.warnings...)
	page.Summary = decoded.summary

	if out.stop != nil {
		page.Components = decoded.components
		page.ErrorType = out.stop.ErrorType
		page.ErrorDetails = out.stop.Details
		if len(decoded.components) > 0 {
			page.ParsingStatus = models.ParsingPartial
		} else {
			page.ParsingStatus = models.ParsingFailed
		}
		return page
	}

	if len(decoded.components) > 0 {
		page.Components = decoded.components
		if decoded.complete {
			page.ParsingStatus = models.ParsingSuccess
			return page
		}
		page.ParsingStatus = models.ParsingPartial
		page.ErrorType = models.ErrException
		page.ErrorDetails = "malformed JSON: " + decoded.decodeErr
		return page
	}

	if comps := rawTextComponents(in.RawText, in.PageNumber); len(comps) > 0 {
		page.Strategy = models.StrategyRawText
		page.Components = comps
		page.ParsingStatus = models.ParsingSuccess
		page.Warnings = append(page.Warnings, "vision model returned no components, used extracted text")
		return page
	}

	details := "model returned no components and the page has no extracted text"
	if decoded.decodeErr != "" {
		details += "; " + decoded.decodeErr
	}
	return failPage(page, models.ErrParsingReturnedNone, details)
}

func failPage(page models.ParsedPage, et models.ErrorType, details string) models.ParsedPage {
	page.Components = nil
	page.ParsingStatus = models.ParsingFailed
	page.ErrorType = et
	page.ErrorDetails = details
	return page
}

type decodedPage struct {
	components models.Components
	summary    string
	warnings   []string
	// complete is true when the whole buffer decoded without error.
	complete  bool
	decodeErr string
}

type rawComponent struct {
	Type           string  `json:"type"`
	ID             string  `json:"id"`
	Level          int     `json:"level"`
	Role           string  `json:"role"`
	Text           string  `json:"text"`
	Caption        string  `json:"caption"`
	Rows           [][]any `json:"rows"`
	Summary        string  `json:"summary"`
	Description    string  `json:"description"`
	RecognizedText string  `json:"recognized_text"`
}

// decodePage reads a possibly truncated response. Complete components are kept up
// to the first element that fails to decode.
func decodePage(text string, pageNumber int) decodedPage {
	var out decodedPage
	body := stripFences(text)
	if body == "" {
		return out
	}

	var raws []rawComponent
	err := walkResponse(body, &raws, &out.summary)
	if err == nil {
		out.complete = true
	} else {
		out.decodeErr = err.Error()
	}

	for _, rc := range raws {
		c, warn := rc.toComponent(pageNumber, len(out.components))
		if warn != "" {
			out.warnings = append(out.warnings, warn)
		}
		if c != nil {
			out.components = append(out.components, c)
		}
	}
	return out
}

func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		} else {
			s = ""
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	if i := strings.IndexAny(s, "{["); i > 0 {
		s = s[i:]
	}
	return strings.TrimSpace(s)
}

// walkResponse accepts either {"components": [...], "summary": "..."} or a bare
// array of components.
func walkResponse(body string, raws *[]rawComponent, summary *string) error {
	dec := json.NewDecoder(strings.NewReader(body))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	switch tok {
	case json.Delim('['):
		return readComponents(dec, raws)
	case json.Delim('{'):
	default:
		return fmt.Errorf("unexpected JSON value %v", tok)
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)
		switch key {
		case "components":
			open, err := dec.Token()
			if err != nil {
				return err
			}
			if open != json.Delim('[') {
				return fmt.Errorf("components is not an array")
			}
			if err := readComponents(dec, raws); err != nil {
				return err
			}
		case "summary":
			if err := dec.Decode(summary); err != nil {
				return err
			}
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return err
			}
		}
	}
	_, err = dec.Token()
	return err
}

// readComponents decodes array elements after the opening bracket, including
// the closing one.
func readComponents(dec *json.Decoder, raws *[]rawComponent) error {
	for dec.More() {
		var rc rawComponent
		if err := dec.Decode(&rc); err != nil {
			return err
		}
		*raws = append(*raws, rc)
	}
	_, err := dec.Token()
	return err
}

// toComponent validates one decoded element. Unknown types are dropped with a
// warning.
func (rc rawComponent) toComponent(pageNumber, order int) (models.Component, string) {
	id := rc.ID
	if id == "" {
		id = fmt.Sprintf("p%d-c%d", pageNumber, order)
	}
	switch strings.ToLower(strings.TrimSpace(rc.Type)) {
	case "heading", "title", "header":
		level := rc.Level
		if level <= 0 {
			level = 1
		}
		return models.TextComponent{ID: id, Order: order, Role: models.RoleHeading, Level: level, Text: rc.Text}, ""
	case "paragraph", "text", "list", "caption", "footnote":
		role := models.RoleParagraph
		if rc.Role == string(models.RoleHeading) {
			role = models.RoleHeading
		}
		return models.TextComponent{ID: id, Order: order, Role: role, Level: rc.Level, Text: rc.Text}, ""
	case "table":
		t := models.TableComponent{ID: id, Order: order, Caption: strings.TrimSpace(rc.Caption), Summary: strings.TrimSpace(rc.Summary)}
		for _, row := range rc.Rows {
			cells := make([]string, len(row))
			for i, cell := range row {
				if cell != nil {
					cells[i] = strings.TrimSpace(fmt.Sprint(cell))
				}
			}
			t.Rows = append(t.Rows, cells)
		}
		if t.Summary == "" {
			t.Summary = fallbackTableSummary(t, pageNumber)
		}
		return t, ""
	case "image", "figure", "chart", "diagram":
		img := models.ImageComponent{ID: id, Order: order, Description: strings.TrimSpace(rc.Description), RecognizedText: rc.RecognizedText}
		if img.Description == "" {
			img.Description = fallbackImageDescription(img, pageNumber)
		}
		return img, ""
	default:
		return nil, fmt.Sprintf("dropped component %s with unknown type %q", id, rc.Type)
	}
}

func fallbackTableSummary(t models.TableComponent, pageNumber int) string {
	label := "Table"
	if t.Caption != "" {
		label = fmt.Sprintf("Table %q", t.Caption)
	}
	return fmt.Sprintf("%s on page %d with %d rows and %d columns.", label, pageNumber, len(t.Rows), t.ColumnCount())
}

func fallbackImageDescription(img models.ImageComponent, pageNumber int) string {
	if txt := strings.TrimSpace(img.RecognizedText); txt != "" {
		return fmt.Sprintf("Image on page %d containing the text: %s", pageNumber, utils.Truncate(txt, 200))
	}
	return fmt.Sprintf("Image on page %d.", pageNumber)
}

// rawTextComponents splits extracted text into paragraphs. Short single lines
// without closing punctuation are taken as headings.
func rawTextComponents(raw string, pageNumber int) models.Components {
	var out models.Components
	for _, block := range strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		id := fmt.Sprintf("p%d-r%d", pageNumber, len(out))
		c := models.TextComponent{ID: id, Order: len(out), Role: models.RoleParagraph, Text: block}
		if looksLikeHeading(block) {
			c.Role = models.RoleHeading
			c.Level = 2
		}
		out = append(out, c)
	}
	return out
}

func looksLikeHeading(block string) bool {
	if strings.Contains(block, "\n") {
		return false
	}
	words := strings.Fields(block)
	if len(words) == 0 || len(words) > 10 {
		return false
	}
	return !strings.ContainsAny(block[len(block)-1:], ".,;:!?")
}
