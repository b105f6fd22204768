package services

import (
	"bytes"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"doc-ingest-pipeline/models"
)

func TestReportExport(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	run := models.NewRun("run-1", "/in/report.pdf", now)
	run.Status = models.RunCompleted
	for i := range run.Stages {
		run.Stages[i].Status = models.StageSucceeded
	}
	doc := models.Document{
		ID: "doc-1", Title: "Report", Status: models.StatusVectorized,
		Pages: []models.Page{{Number: 1, Chunks: []models.Chunk{{ID: "c1", Text: "hello there"}}}, {Number: 2}},
		Metadata: models.DocumentMetadata{
			ParsingFailures:     []models.ParsingFailure{{PageNumber: 2, Status: models.ParsingFailed, ErrorType: models.ErrTimeout}},
			ParsingFailureCount: 1,
		},
	}

	data, err := NewReportExporter().Export(run, doc)
	if err != nil {
		t.Fatal(err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	for _, want := range []string{SheetRun, SheetStages, SheetFailures, SheetChunks} {
		if _, err := f.GetRows(want); err != nil {
			t.Fatalf("sheet %s missing: %v (have %v)", want, err, sheets)
		}
	}
	if len(sheets) != 4 {
		t.Fatalf("sheets = %v", sheets)
	}

	stages, _ := f.GetRows(SheetStages)
	if len(stages) != 1+len(models.Stages) || stages[1][0] != "ingest" {
		t.Fatalf("stage rows = %v", stages)
	}
	failures, _ := f.GetRows(SheetFailures)
	if len(failures) != 2 || failures[1][0] != "2" || failures[1][2] != "timeout" {
		t.Fatalf("failure rows = %v", failures)
	}
	chunks, _ := f.GetRows(SheetChunks)
	if len(chunks) != 2 || chunks[1][0] != "c1" {
		t.Fatalf("chunk rows = %v", chunks)
	}
}
