package pipeline

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"doc-ingest-pipeline/models"
)

// Runner runs one document. *Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, sourcePath string) (*models.Run, models.Document, error)
}

// BatchResult is the outcome for one input path of RunBatch
type BatchResult struct {
	SourcePath string
	Run        *models.Run
	Document   models.Document
	Err        error
}

// RunManager runs independent documents concurrently. Runs share nothing except
// the rate limiter inside the model clients.
type RunManager struct {
	runner        Runner
	maxConcurrent int
	logger        *slog.Logger
}

func NewRunManager(runner Runner, maxConcurrent int, logger *slog.Logger) *RunManager {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RunManager{runner: runner, maxConcurrent: maxConcurrent, logger: logger}
}

// RunBatch runs every path and returns results indexed like paths. A failing
// document does not stop its siblings.
func (m *RunManager) RunBatch(ctx context.Context, paths []string) []BatchResult {
	results := make([]BatchResult, len(paths))
	var g errgroup.Group
	g.SetLimit(m.maxConcurrent)
	for i, path := range paths {
		g.Go(func() error {
			res := BatchResult{SourcePath: path}
			if err := ctx.Err(); err != nil {
				res.Err = err
				results[i] = res
				return nil
			}
			res.Run, res.Document, res.Err = m.runner.Run(ctx, path)
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	m.logger.Info("batch finished", "documents", len(paths), "failed", failed)
	return results
}
