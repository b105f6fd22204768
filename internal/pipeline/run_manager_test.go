package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"doc-ingest-pipeline/models"
)

type countingRunner struct {
	active, peak atomic.Int32
}

func (r *countingRunner) Run(ctx context.Context, path string) (*models.Run, models.Document, error) {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	if strings.Contains(path, "bad") {
		return &models.Run{ID: "run-" + path, Status: models.RunFailed}, models.Document{}, errors.New("cannot decode")
	}
	return &models.Run{ID: "run-" + path, Status: models.RunCompleted}, models.Document{ID: path, Status: models.StatusVectorized}, nil
}

func TestRunBatch(t *testing.T) {
	runner := &countingRunner{}
	paths := []string{"a.pdf", "b.pdf", "bad.pdf", "c.pdf", "d.pdf", "e.pdf", "f.pdf"}
	results := NewRunManager(runner, 3, nil).RunBatch(context.Background(), paths)

	if len(results) != len(paths) {
		t.Fatalf("got %d results", len(results))
	}
	for i, r := range results {
		if r.SourcePath != paths[i] {
			t.Fatalf("result %d is for %s", i, r.SourcePath)
		}
		if (r.Err != nil) != (paths[i] == "bad.pdf") {
			t.Fatalf("result %d err = %v", i, r.Err)
		}
		if r.Err == nil && r.Document.ID != paths[i] {
			t.Fatalf("result %d document = %s", i, r.Document.ID)
		}
	}
	if peak := runner.peak.Load(); peak > 3 || peak < 2 {
		t.Fatalf("peak concurrency = %d", peak)
	}
}

func TestRunBatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := NewRunManager(&countingRunner{}, 0, nil).RunBatch(ctx, []string{"a.pdf", "b.pdf"})
	for _, r := range results {
		if !errors.Is(r.Err, context.Canceled) {
			t.Fatalf("err = %v", r.Err)
		}
	}
}
