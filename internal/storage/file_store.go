package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"doc-ingest-pipeline/internal/telemetry"
	"doc-ingest-pipeline/models"
	"doc-ingest-pipeline/utils"
)

// FileStore keeps every record as a JSON file under a root directory:
//
//	documents/<id>.json
//	runs/<run>/run.json
//	runs/<run>/stages/<nn>-<stage>.json
//
// Every write goes to a temp file in the target directory and is renamed into
// place, so a reader never sees a torn record.
type FileStore struct {
	root        string
	compression utils.CompressionAlgorithm
	metrics     *telemetry.Metrics
}

var knownExtensions = []string{"", ".gz", ".zz", ".br"}

// NewFileStore creates the directory layout under root.
func NewFileStore(root string, compression utils.CompressionAlgorithm, metrics *telemetry.Metrics) (*FileStore, error) {
	for _, dir := range []string{"documents", "runs"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create %s directory: %w", dir, err)
		}
	}
	if compression == "" {
		compression = utils.CompressionNone
	}
	return &FileStore{root: root, compression: compression, metrics: metrics}, nil
}

func (s *FileStore) documentPath(id string) string {
	return filepath.Join(s.root, "documents", id+".json")
}

func (s *FileStore) runDir(id string) string {
	return filepath.Join(s.root, "runs", id)
}

func (s *FileStore) snapshotPath(runID string, stage models.StageName) string {
	idx := slices.Index(models.Stages, stage)
	return filepath.Join(s.runDir(runID), "stages", fmt.Sprintf("%02d-%s.json", idx+1, stage))
}

func (s *FileStore) SaveSnapshot(ctx context.Context, snap models.Snapshot) error {
	if err := validID(snap.RunID); err != nil {
		return err
	}
	if !slices.Contains(models.Stages, snap.Stage) {
		return fmt.Errorf("unknown stage %q", snap.Stage)
	}
	err := s.writeJSON(s.snapshotPath(snap.RunID, snap.Stage), snap, s.compression)
	s.metrics.RecordStorageOperation("save_snapshot", "file", err == nil)
	return err
}

func (s *FileStore) LoadSnapshot(ctx context.Context, runID string, stage models.StageName) (models.Snapshot, error) {
	var snap models.Snapshot
	if err := validID(runID); err != nil {
		return snap, err
	}
	err := s.readJSON(s.snapshotPath(runID, stage), &snap)
	s.metrics.RecordStorageOperation("load_snapshot", "file", err == nil)
	return snap, err
}

func (s *FileStore) SaveDocument(ctx context.Context, doc models.Document) error {
	if err := validID(doc.ID); err != nil {
		return err
	}
	err := s.writeJSON(s.documentPath(doc.ID), doc, s.compression)
	s.metrics.RecordStorageOperation("save_document", "file", err == nil)
	return err
}

func (s *FileStore) LoadDocument(ctx context.Context, id string) (models.Document, error) {
	var doc models.Document
	if err := validID(id); err != nil {
		return doc, err
	}
	err := s.readJSON(s.documentPath(id), &doc)
	s.metrics.RecordStorageOperation("load_document", "file", err == nil)
	return doc, err
}

// Run records stay uncompressed so operators can read them directly.
func (s *FileStore) SaveRun(ctx context.Context, run *models.Run) error {
	if err := validID(run.ID); err != nil {
		return err
	}
	err := s.writeJSON(filepath.Join(s.runDir(run.ID), "run.json"), run, utils.CompressionNone)
	s.metrics.RecordStorageOperation("save_run", "file", err == nil)
	return err
}

func (s *FileStore) LoadRun(ctx context.Context, id string) (*models.Run, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	var run models.Run
	if err := s.readJSON(filepath.Join(s.runDir(id), "run.json"), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *FileStore) ListRuns(ctx context.Context, limit int) ([]*models.Run, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "runs"))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	runs := make([]*models.Run, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		run, err := s.LoadRun(ctx, e.Name())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	slices.SortFunc(runs, func(a, b *models.Run) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *FileStore) Close(context.Context) error { return nil }

func (s *FileStore) writeJSON(path string, v any, alg utils.CompressionAlgorithm) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	data, err = utils.CompressData(data, alg)
	if err != nil {
		return err
	}
	target := path + alg.Extension()
	if err := atomicWrite(target, data); err != nil {
		return err
	}
	// drop copies written under a different compression setting
	for _, ext := range knownExtensions {
		if other := path + ext; other != target {
			os.Remove(other)
		}
	}
	return nil
}

func (s *FileStore) readJSON(path string, v any) error {
	for _, ext := range knownExtensions {
		data, err := os.ReadFile(path + ext)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		data, err = utils.DecompressData(data, algorithmFor(ext))
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotFound, strings.TrimPrefix(path, s.root+string(filepath.Separator)))
}

func algorithmFor(ext string) utils.CompressionAlgorithm {
	switch ext {
	case ".gz":
		return utils.CompressionGzip
	case ".zz":
		return utils.CompressionZlib
	case ".br":
		return utils.CompressionBrotli
	default:
		return utils.CompressionNone
	}
}

// atomicWrite writes data to a temp file next to path, syncs it and renames it
// over path.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move file to final location: %w", err)
	}
	return nil
}

func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid record id %q", id)
	}
	return nil
}
