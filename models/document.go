package models

import (
	"maps"
	"time"
)

// FileType identifies the source format of an ingested document
type FileType string

const (
	FileTypePDF  FileType = "pdf"
	FileTypeDOCX FileType = "docx"
	FileTypePPTX FileType = "pptx"
)

// DocumentStatus is the stage-completion state of a document. The sequence is
// linear: new -> ingested -> parsed -> cleaned -> chunked -> enriched -> vectorized.
type DocumentStatus string

const (
	StatusNew        DocumentStatus = "new"
	StatusIngested   DocumentStatus = "ingested"
	StatusParsed     DocumentStatus = "parsed"
	StatusCleaned    DocumentStatus = "cleaned"
	StatusChunked    DocumentStatus = "chunked"
	StatusEnriched   DocumentStatus = "enriched"
	StatusVectorized DocumentStatus = "vectorized"
)

var statusOrder = []DocumentStatus{
	StatusNew,
	StatusIngested,
	StatusParsed,
	StatusCleaned,
	StatusChunked,
	StatusEnriched,
	StatusVectorized,
}

// Next returns the successor of s. The second result is false for the terminal
// status and for unknown values.
func (s DocumentStatus) Next() (DocumentStatus, bool) {
	for i, st := range statusOrder {
		if st == s && i+1 < len(statusOrder) {
			return statusOrder[i+1], true
		}
	}
	return "", false
}

// Rank returns the position of s in the status sequence, or -1.
func (s DocumentStatus) Rank() int {
	for i, st := range statusOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Document is the unit flowing through the pipeline. Stages never mutate a
// Document in place; they Clone it and return the copy.
type Document struct {
	ID          string           `json:"id"`
	Filename    string           `json:"filename"`
	FileType    FileType         `json:"file_type"`
	Size        int64            `json:"size"`
	SourcePath  string           `json:"source_path"`
	ContentHash string           `json:"content_hash,omitempty"`
	Title       string           `json:"title,omitempty"`
	Status      DocumentStatus   `json:"status"`
	Pages       []Page           `json:"pages"`
	Metadata    DocumentMetadata `json:"metadata"`
	Summary     string           `json:"summary,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Page is one physical page (or slide) of the source document
type Page struct {
	Number      int     `json:"number"`
	Text        string  `json:"text"`
	CleanedText string  `json:"cleaned_text,omitempty"`
	Chunks      []Chunk `json:"chunks,omitempty"`
}

// DocumentMetadata holds the stage side outputs attached to a document
type DocumentMetadata struct {
	ParsedPages         []ParsedPage     `json:"parsed_pages,omitempty"`
	Pixmaps             map[int]string   `json:"pixmaps,omitempty"`
	CleaningReports     []CleaningReport `json:"cleaning_reports,omitempty"`
	ParsingFailures     []ParsingFailure `json:"parsing_failures,omitempty"`
	ParsingFailureCount int              `json:"parsing_failure_count"`
	Extra               map[string]any   `json:"extra,omitempty"`
}

// ParsingFailure is the aggregated record of a page that did not parse cleanly
type ParsingFailure struct {
	PageNumber   int           `json:"page_number"`
	Status       ParsingStatus `json:"status"`
	ErrorType    ErrorType     `json:"error_type,omitempty"`
	ErrorDetails string        `json:"error_details,omitempty"`
}

// CleaningReport describes what the cleaner changed on one page
type CleaningReport struct {
	PageNumber   int      `json:"page_number"`
	InputChars   int      `json:"input_chars"`
	OutputChars  int      `json:"output_chars"`
	Operations   []string `json:"operations,omitempty"`
	RemovedLines []string `json:"removed_lines,omitempty"`
}

// ParsedPage returns the parsing record for a page number, if any.
func (d Document) ParsedPage(number int) (ParsedPage, bool) {
	for _, pp := range d.Metadata.ParsedPages {
		if pp.PageNumber == number {
			return pp, true
		}
	}
	return ParsedPage{}, false
}

// ChunkCount returns the number of chunks over all pages.
func (d Document) ChunkCount() int {
	n := 0
	for _, p := range d.Pages {
		n += len(p.Chunks)
	}
	return n
}

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	out := d
	if d.Pages != nil {
		out.Pages = make([]Page, len(d.Pages))
		for i, p := range d.Pages {
			out.Pages[i] = p.Clone()
		}
	}
	out.Metadata = d.Metadata.Clone()
	return out
}

// WithStatus returns a copy of d with the given status.
func (d Document) WithStatus(s DocumentStatus) Document {
	out := d.Clone()
	out.Status = s
	return out
}

// WithPages returns a copy of d whose pages are replaced by pages.
func (d Document) WithPages(pages []Page) Document {
	out := d.Clone()
	out.Pages = make([]Page, len(pages))
	for i, p := range pages {
		out.Pages[i] = p.Clone()
	}
	return out
}

// WithMetadata returns a copy of d whose metadata is replaced by md.
func (d Document) WithMetadata(md DocumentMetadata) Document {
	out := d.Clone()
	out.Metadata = md.Clone()
	return out
}

// Clone returns a deep copy of p.
func (p Page) Clone() Page {
	out := p
	if p.Chunks != nil {
		out.Chunks = make([]Chunk, len(p.Chunks))
		for i, c := range p.Chunks {
			out.Chunks[i] = c.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of m.
func (m DocumentMetadata) Clone() DocumentMetadata {
	out := m
	if m.ParsedPages != nil {
		out.ParsedPages = make([]ParsedPage, len(m.ParsedPages))
		for i, pp := range m.ParsedPages {
			out.ParsedPages[i] = pp.Clone()
		}
	}
	out.Pixmaps = maps.Clone(m.Pixmaps)
	if m.CleaningReports != nil {
		out.CleaningReports = make([]CleaningReport, len(m.CleaningReports))
		for i, r := range m.CleaningReports {
			r.Operations = append([]string(nil), r.Operations...)
			r.RemovedLines = append([]string(nil), r.RemovedLines...)
			out.CleaningReports[i] = r
		}
	}
	out.ParsingFailures = append([]ParsingFailure(nil), m.ParsingFailures...)
	out.Extra = maps.Clone(m.Extra)
	return out
}
