// Package storage persists documents, runs and per-stage snapshots. Payloads are
// opaque JSON keyed by document or run id.
package storage

import (
	"context"
	"errors"
	"fmt"

	"doc-ingest-pipeline/internal/config"
	"doc-ingest-pipeline/internal/telemetry"
	"doc-ingest-pipeline/models"
	"doc-ingest-pipeline/utils"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("storage: not found")

// Store is the persistence port of the pipeline.
type Store interface {
	SaveSnapshot(ctx context.Context, snap models.Snapshot) error
	LoadSnapshot(ctx context.Context, runID string, stage models.StageName) (models.Snapshot, error)
	SaveDocument(ctx context.Context, doc models.Document) error
	LoadDocument(ctx context.Context, id string) (models.Document, error)
	SaveRun(ctx context.Context, run *models.Run) error
	LoadRun(ctx context.Context, id string) (*models.Run, error)
	// ListRuns returns the most recent runs first.
	ListRuns(ctx context.Context, limit int) ([]*models.Run, error)
	Close(ctx context.Context) error
}

// Open returns the backend selected by STORAGE_BACKEND.
func Open(cfg *config.Config, metrics *telemetry.Metrics) (Store, error) {
	switch cfg.StorageBackend {
	case "mongo":
		client, err := config.ConnectMongoDB(cfg)
		if err != nil {
			return nil, err
		}
		return NewMongoStore(client, cfg.DBName, metrics), nil
	case "file", "":
		alg, err := utils.ParseCompression(cfg.SnapshotCompression)
		if err != nil {
			return nil, err
		}
		return NewFileStore(cfg.DataDir, alg, metrics)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
