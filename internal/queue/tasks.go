// Package queue submits pipeline runs through asynq so a separate worker process
// can execute them.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"doc-ingest-pipeline/internal/config"
	"doc-ingest-pipeline/internal/pipeline"
	"doc-ingest-pipeline/models"
)

const (
	TaskRunPipeline = "pipeline:run"

	QueueDefault = "default"
)

// RunPayload is the body of a pipeline:run task. A non-empty RunID resumes that
// run instead of starting a new one.
type RunPayload struct {
	SourcePath string `json:"source_path"`
	RunID      string `json:"run_id,omitempty"`
}

// NewRunTask creates a pipeline:run task.
func NewRunTask(p RunPayload) (*asynq.Task, error) {
	if p.SourcePath == "" && p.RunID == "" {
		return nil, errors.New("run task needs a source path or a run id")
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(
		TaskRunPipeline,
		payload,
		asynq.MaxRetry(3),
		asynq.Timeout(60*time.Minute),
		asynq.Queue(QueueDefault),
	), nil
}

// Enqueuer submits tasks to Redis
type Enqueuer struct {
	client *asynq.Client
}

func NewEnqueuer(opt asynq.RedisConnOpt) *Enqueuer {
	return &Enqueuer{client: asynq.NewClient(opt)}
}

// EnqueueRun submits a run and returns the task id.
func (e *Enqueuer) EnqueueRun(ctx context.Context, p RunPayload) (string, error) {
	task, err := NewRunTask(p)
	if err != nil {
		return "", err
	}
	info, err := e.client.EnqueueContext(ctx, task)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", TaskRunPipeline, err)
	}
	return info.ID, nil
}

func (e *Enqueuer) Close() error {
	return e.client.Close()
}

// Pipeline is the part of *pipeline.Orchestrator the worker needs.
type Pipeline interface {
	Run(ctx context.Context, sourcePath string) (*models.Run, models.Document, error)
	Resume(ctx context.Context, runID string) (*models.Run, models.Document, error)
}

// TaskProcessor executes pipeline:run tasks
type TaskProcessor struct {
	pipeline Pipeline
	logger   *slog.Logger
}

func NewTaskProcessor(p Pipeline, logger *slog.Logger) *TaskProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskProcessor{pipeline: p, logger: logger}
}

// ProcessRun runs or resumes one document. Sources that cannot be decoded are
// not retried.
func (p *TaskProcessor) ProcessRun(ctx context.Context, t *asynq.Task) error {
	var payload RunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal failed: %w", asynq.SkipRetry)
	}

	var (
		run *models.Run
		err error
	)
	if payload.RunID != "" {
		run, _, err = p.pipeline.Resume(ctx, payload.RunID)
		if errors.Is(err, pipeline.ErrRunCompleted) {
			return nil
		}
	} else {
		run, _, err = p.pipeline.Run(ctx, payload.SourcePath)
	}
	if err != nil {
		if pipeline.IsFatal(err) {
			p.logger.Error("run failed permanently", "source", payload.SourcePath, "error", err)
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		if run != nil {
			p.logger.Warn("run failed", "run_id", run.ID, "error", err)
		}
		return err
	}
	p.logger.Info("run task finished", "run_id", run.ID, "document_id", run.DocumentID)
	return nil
}

// Register adds the handlers to mux.
func (p *TaskProcessor) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskRunPipeline, p.ProcessRun)
}

// RedisOpt derives the asynq connection from the shared Redis settings.
func RedisOpt(cfg *config.Config) (asynq.RedisClientOpt, error) {
	opt, err := config.RedisOptions(cfg)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}
	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Username:  opt.Username,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: opt.TLSConfig,
	}, nil
}
