package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"doc-ingest-pipeline/internal/storage"
	"doc-ingest-pipeline/models"
	"doc-ingest-pipeline/utils"
)

const inboxTag = "inbox-scan"

var inboxExtensions = []string{".pdf", ".docx", ".pptx"}

// SubmitFunc hands a source path to the pipeline, directly or through the queue.
type SubmitFunc func(ctx context.Context, path string) error

// DocumentLookup is the part of storage.Store the watcher needs.
type DocumentLookup interface {
	LoadDocument(ctx context.Context, id string) (models.Document, error)
}

// InboxWatcher submits documents dropped into a directory. A file is skipped when
// a document with the same content hash is already stored, or when the watcher
// already submitted that content.
type InboxWatcher struct {
	dir    string
	docs   DocumentLookup
	submit SubmitFunc
	logger *slog.Logger

	mu        sync.Mutex
	submitted map[string]string // content hash -> path
}

func NewInboxWatcher(dir string, docs DocumentLookup, submit SubmitFunc, logger *slog.Logger) *InboxWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &InboxWatcher{
		dir:       dir,
		docs:      docs,
		submit:    submit,
		logger:    logger,
		submitted: make(map[string]string),
	}
}

// ScanOnce walks the inbox once and returns the paths it submitted, in name order.
func (w *InboxWatcher) ScanOnce(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("read inbox %s: %w", w.dir, err)
	}

	var submitted []string
	var errs []error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return submitted, err
		}
		if e.IsDir() || !slices.Contains(inboxExtensions, strings.ToLower(filepath.Ext(e.Name()))) {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		ok, err := w.consider(ctx, path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			submitted = append(submitted, path)
		}
	}
	return submitted, errors.Join(errs...)
}

func (w *InboxWatcher) consider(ctx context.Context, path string) (bool, error) {
	hash, err := utils.FileContentHash(path)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	_, seen := w.submitted[hash]
	w.mu.Unlock()
	if seen {
		return false, nil
	}

	_, err = w.docs.LoadDocument(ctx, utils.DocumentID(hash))
	switch {
	case err == nil:
		w.remember(hash, path)
		return false, nil
	case !errors.Is(err, storage.ErrNotFound):
		return false, fmt.Errorf("look up %s: %w", path, err)
	}

	if err := w.submit(ctx, path); err != nil {
		return false, fmt.Errorf("submit %s: %w", path, err)
	}
	w.remember(hash, path)
	w.logger.Info("inbox document submitted", "path", path, "document_id", utils.DocumentID(hash))
	return true, nil
}

func (w *InboxWatcher) remember(hash, path string) {
	w.mu.Lock()
	w.submitted[hash] = path
	w.mu.Unlock()
}

// Schedule registers a scan every interval on s. Each scan gets its own timeout
// derived from ctx.
func (w *InboxWatcher) Schedule(ctx context.Context, s *Scheduler, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("inbox interval must be positive, got %s", interval)
	}
	return s.ScheduleInterval(inboxTag, interval, func() {
		scanCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		paths, err := w.ScanOnce(scanCtx)
		if err != nil {
			w.logger.Error("inbox scan failed", "dir", w.dir, "error", err)
		}
		if len(paths) > 0 {
			w.logger.Info("inbox scan finished", "submitted", len(paths))
		}
	})
}
