package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"doc-ingest-pipeline/internal/config"
	"doc-ingest-pipeline/internal/telemetry"
	"doc-ingest-pipeline/models"
	"doc-ingest-pipeline/utils"
)

// MongoStore keeps records in three collections. The record itself is stored as a
// JSON string in "payload"; the other fields exist only for lookups.
type MongoStore struct {
	client    *mongo.Client
	documents *mongo.Collection
	runs      *mongo.Collection
	snapshots *mongo.Collection
	metrics   *telemetry.Metrics
}

type payloadRecord struct {
	Payload string `bson:"payload"`
}

// NewMongoStore uses an already connected client (see config.ConnectMongoDB).
func NewMongoStore(client *mongo.Client, dbName string, metrics *telemetry.Metrics) *MongoStore {
	db := client.Database(dbName)
	return &MongoStore{
		client:    client,
		documents: db.Collection(config.CollectionDocuments),
		runs:      db.Collection(config.CollectionRuns),
		snapshots: db.Collection(config.CollectionSnapshots),
		metrics:   metrics,
	}
}

func snapshotKey(runID string, stage models.StageName) string {
	return runID + "/" + string(stage)
}

func (s *MongoStore) upsert(ctx context.Context, col *mongo.Collection, id string, fields bson.M, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", col.Name(), id, err)
	}
	fields["payload"] = string(data)
	fields["updated_at"] = time.Now().UTC()

	ctx, cancel := utils.WithTimeout(ctx)
	defer cancel()

	_, err = col.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": fields},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert %s %s: %w", col.Name(), id, err)
	}
	return nil
}

func (s *MongoStore) find(ctx context.Context, col *mongo.Collection, id string, v any) error {
	ctx, cancel := utils.WithTimeout(ctx)
	defer cancel()

	var rec payloadRecord
	err := col.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, col.Name(), id)
	}
	if err != nil {
		return fmt.Errorf("find %s %s: %w", col.Name(), id, err)
	}
	if err := json.Unmarshal([]byte(rec.Payload), v); err != nil {
		return fmt.Errorf("decode %s %s: %w", col.Name(), id, err)
	}
	return nil
}

func (s *MongoStore) SaveSnapshot(ctx context.Context, snap models.Snapshot) error {
	err := s.upsert(ctx, s.snapshots, snapshotKey(snap.RunID, snap.Stage), bson.M{
		"run_id":   snap.RunID,
		"stage":    string(snap.Stage),
		"saved_at": snap.SavedAt,
	}, snap)
	s.metrics.RecordStorageOperation("save_snapshot", "mongo", err == nil)
	return err
}

func (s *MongoStore) LoadSnapshot(ctx context.Context, runID string, stage models.StageName) (models.Snapshot, error) {
	var snap models.Snapshot
	err := s.find(ctx, s.snapshots, snapshotKey(runID, stage), &snap)
	s.metrics.RecordStorageOperation("load_snapshot", "mongo", err == nil)
	return snap, err
}

func (s *MongoStore) SaveDocument(ctx context.Context, doc models.Document) error {
	err := s.upsert(ctx, s.documents, doc.ID, bson.M{
		"content_hash": doc.ContentHash,
		"status":       string(doc.Status),
		"filename":     doc.Filename,
	}, doc)
	s.metrics.RecordStorageOperation("save_document", "mongo", err == nil)
	return err
}

func (s *MongoStore) LoadDocument(ctx context.Context, id string) (models.Document, error) {
	var doc models.Document
	err := s.find(ctx, s.documents, id, &doc)
	s.metrics.RecordStorageOperation("load_document", "mongo", err == nil)
	return doc, err
}

func (s *MongoStore) SaveRun(ctx context.Context, run *models.Run) error {
	err := s.upsert(ctx, s.runs, run.ID, bson.M{
		"document_id": run.DocumentID,
		"status":      string(run.Status),
		"started_at":  run.StartedAt,
	}, run)
	s.metrics.RecordStorageOperation("save_run", "mongo", err == nil)
	return err
}

func (s *MongoStore) LoadRun(ctx context.Context, id string) (*models.Run, error) {
	var run models.Run
	if err := s.find(ctx, s.runs, id, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *MongoStore) ListRuns(ctx context.Context, limit int) ([]*models.Run, error) {
	ctx, cancel := utils.WithTimeout(ctx)
	defer cancel()

	opts := options.Find().
		SetSort(bson.D{{Key: "started_at", Value: -1}}).
		SetProjection(bson.M{"payload": 1})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.runs.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer cur.Close(ctx)

	var runs []*models.Run
	for cur.Next(ctx) {
		var rec payloadRecord
		if err := cur.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		var run models.Run
		if err := json.Unmarshal([]byte(rec.Payload), &run); err != nil {
			return nil, fmt.Errorf("decode run payload: %w", err)
		}
		runs = append(runs, &run)
	}
	return runs, cur.Err()
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
