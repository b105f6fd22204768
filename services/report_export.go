package services

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"doc-ingest-pipeline/models"
	"doc-ingest-pipeline/utils"
)

// Report sheet names
const (
	SheetRun      = "Run"
	SheetStages   = "Stages"
	SheetFailures = "Parsing Failures"
	SheetChunks   = "Chunks"
)

// ReportExporter renders a run and its document as an XLSX workbook.
type ReportExporter struct {
	// PreviewChars bounds the chunk text written to the Chunks sheet.
	PreviewChars int
}

func NewReportExporter() *ReportExporter {
	return &ReportExporter{PreviewChars: 200}
}

// Export returns the workbook bytes. doc may be the zero Document when the run
// failed before ingestion.
func (e *ReportExporter) Export(run *models.Run, doc models.Document) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(SheetRun)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("failed to remove default sheet: %w", err)
	}

	finished := ""
	if run.FinishedAt != nil {
		finished = run.FinishedAt.Format(time.RFC3339)
	}
	overview := [][]any{
		{"Run ID", run.ID},
		{"Source", run.SourcePath},
		{"Status", string(run.Status)},
		{"Error", run.Error},
		{"Started", run.StartedAt.Format(time.RFC3339)},
		{"Finished", finished},
		{"Document ID", doc.ID},
		{"Title", doc.Title},
		{"Document Status", string(doc.Status)},
		{"Pages", len(doc.Pages)},
		{"Chunks", doc.ChunkCount()},
		{"Parsing Failures", doc.Metadata.ParsingFailureCount},
		{"Summary", doc.Summary},
	}
	if err := writeRows(f, SheetRun, nil, overview); err != nil {
		return nil, err
	}
	f.SetColWidth(SheetRun, "A", "A", 20)
	f.SetColWidth(SheetRun, "B", "B", 80)

	var stages [][]any
	for _, s := range run.Stages {
		started, ended := "", ""
		if s.StartedAt != nil {
			started = s.StartedAt.Format(time.RFC3339)
		}
		if s.FinishedAt != nil {
			ended = s.FinishedAt.Format(time.RFC3339)
		}
		stages = append(stages, []any{string(s.Name), string(s.Status), started, ended, s.Duration.Seconds(), string(s.DocumentStatus), s.Error})
	}
	if err := writeSheet(f, SheetStages, []string{"Stage", "Status", "Started", "Finished", "Seconds", "Document Status", "Error"}, stages); err != nil {
		return nil, err
	}

	var failures [][]any
	for _, pf := range doc.Metadata.ParsingFailures {
		failures = append(failures, []any{pf.PageNumber, string(pf.Status), string(pf.ErrorType), pf.ErrorDetails})
	}
	if err := writeSheet(f, SheetFailures, []string{"Page", "Status", "Error Type", "Details"}, failures); err != nil {
		return nil, err
	}

	var chunks [][]any
	for _, p := range doc.Pages {
		for _, ch := range p.Chunks {
			source, _ := ch.Metadata.Extra[models.ExtraEmbeddingSource].(string)
			chunks = append(chunks, []any{
				ch.ID, p.Number, string(ch.Metadata.ComponentType), ch.Metadata.SectionHeading,
				utils.EstimateTokens(ch.Text), source, utils.Truncate(ch.Text, e.PreviewChars),
			})
		}
	}
	if err := writeSheet(f, SheetChunks, []string{"Chunk ID", "Page", "Type", "Section", "Tokens", "Embedded From", "Text"}, chunks); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return bytes.Clone(buf.Bytes()), nil
}

func writeSheet(f *excelize.File, sheet string, headers []string, rows [][]any) error {
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", sheet, err)
	}
	if err := writeRows(f, sheet, headers, rows); err != nil {
		return err
	}
	last, _ := excelize.ColumnNumberToName(max(1, len(headers)))
	f.SetColWidth(sheet, "A", last, 18)
	return nil
}

func writeRows(f *excelize.File, sheet string, headers []string, rows [][]any) error {
	row := 1
	if len(headers) > 0 {
		values := make([]any, len(headers))
		for i, h := range headers {
			values[i] = h
		}
		if err := f.SetSheetRow(sheet, "A1", &values); err != nil {
			return fmt.Errorf("failed to write headers of %s: %w", sheet, err)
		}
		row++
	}
	for _, values := range rows {
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("failed to write row %d of %s: %w", row, sheet, err)
		}
		row++
	}
	return nil
}
