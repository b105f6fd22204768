package models

import "slices"

// ParsingStatus classifies the outcome of parsing a single page
type ParsingStatus string

const (
	ParsingSuccess ParsingStatus = "success"
	ParsingPartial ParsingStatus = "partial"
	ParsingFailed  ParsingStatus = "failed"
)

// ErrorType is the page-level error taxonomy. Every value is recoverable at the
// page level.
type ErrorType string

const (
	ErrMissingPixmap            ErrorType = "missing_pixmap"
	ErrParsingReturnedNone      ErrorType = "parsing_returned_none"
	ErrException                ErrorType = "exception"
	ErrStreamingException       ErrorType = "streaming_exception"
	ErrMaxLengthExceeded        ErrorType = "max_length_exceeded"
	ErrRepetitionLoop           ErrorType = "repetition_loop"
	ErrExcessiveNewlines        ErrorType = "excessive_newlines"
	ErrExcessiveEscapedNewlines ErrorType = "excessive_escaped_newlines"
	ErrTimeout                  ErrorType = "timeout"
)

// ParseStrategy names the path that produced a ParsedPage
type ParseStrategy string

const (
	StrategyVisionStream ParseStrategy = "vision_stream"
	StrategyVision       ParseStrategy = "vision"
	StrategyRawText      ParseStrategy = "raw_text"
)

// ParsedPage is the result of the structured parser for one page.
//
// Status/ErrorType/ErrorDetails is the contract with everything downstream:
// success has no error type, partial keeps at least one component, failed may have
// none.
type ParsedPage struct {
	DocumentID    string        `json:"document_id"`
	PageNumber    int           `json:"page_number"`
	Components    Components    `json:"components"`
	Summary       string        `json:"summary,omitempty"`
	ParsingStatus ParsingStatus `json:"parsing_status"`
	ErrorType     ErrorType     `json:"error_type,omitempty"`
	ErrorDetails  string        `json:"error_details,omitempty"`
	Strategy      ParseStrategy `json:"strategy,omitempty"`
	Warnings      []string      `json:"warnings,omitempty"`
}

// Failed reports whether the page needs to appear in the parsing failure list.
func (p ParsedPage) Failed() bool {
	return p.ParsingStatus != ParsingSuccess
}

// Headings returns the heading components of the page in order.
func (p ParsedPage) Headings() []TextComponent {
	var out []TextComponent
	for _, c := range p.Components {
		if tc, ok := c.(TextComponent); ok && tc.IsHeading() && tc.Content() != "" {
			out = append(out, tc)
		}
	}
	return out
}

// Clone returns a copy of p with its own component and warning slices.
// Components are read-only values, so a shallow copy of each is enough.
func (p ParsedPage) Clone() ParsedPage {
	out := p
	out.Components = slices.Clone(p.Components)
	out.Warnings = slices.Clone(p.Warnings)
	return out
}
