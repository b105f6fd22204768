// Command ingest runs the pipeline over files given on the command line, without
// the queue.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"doc-ingest-pipeline/internal/bootstrap"
	"doc-ingest-pipeline/internal/config"
	"doc-ingest-pipeline/internal/pipeline"
	"doc-ingest-pipeline/services"
)

func main() {
	resume := flag.String("resume", "", "resume the run with this id instead of starting new runs")
	report := flag.String("report", "", "write an XLSX report per run into this directory")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-report dir] file...\n       %s -resume run-id\n", os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if *resume == "" && flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{WithPipeline: true})
	if err != nil {
		log.Fatal("Failed to initialize:", err)
	}
	defer app.Close()

	var results []pipeline.BatchResult
	if *resume != "" {
		run, doc, err := app.Pipeline.Resume(ctx, *resume)
		results = append(results, pipeline.BatchResult{Run: run, Document: doc, Err: err})
	} else {
		results = pipeline.NewRunManager(app.Pipeline, cfg.Pipeline.MaxConcurrentDocuments, app.Logger).RunBatch(ctx, flag.Args())
	}

	failed := 0
	exporter := services.NewReportExporter()
	enc := json.NewEncoder(os.Stdout)
	for _, r := range results {
		line := map[string]any{"source": r.SourcePath}
		if r.Run != nil {
			line["run_id"] = r.Run.ID
			line["status"] = r.Run.Status
			line["document_id"] = r.Run.DocumentID
			line["chunks"] = r.Document.ChunkCount()
			line["parsing_failures"] = r.Document.Metadata.ParsingFailureCount
		}
		if r.Err != nil {
			failed++
			line["error"] = r.Err.Error()
		}
		if *report != "" && r.Run != nil {
			if path, err := writeReport(exporter, *report, r); err != nil {
				app.Logger.Error("report failed", "run_id", r.Run.ID, "error", err)
			} else {
				line["report"] = path
			}
		}
		_ = enc.Encode(line)
	}
	if failed > 0 {
		app.Close()
		os.Exit(1)
	}
}

func writeReport(exporter *services.ReportExporter, dir string, r pipeline.BatchResult) (string, error) {
	data, err := exporter.Export(r.Run, r.Document)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "run-"+r.Run.ID+".xlsx")
	return path, os.WriteFile(path, data, 0o644)
}
