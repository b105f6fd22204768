package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"doc-ingest-pipeline/internal/storage"
	"doc-ingest-pipeline/internal/telemetry"
	"doc-ingest-pipeline/models"
)

// ErrInvalidTransition is returned when a stage does not advance the document
// status by exactly one step.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrRunCompleted is returned when resuming a run that already finished.
var ErrRunCompleted = errors.New("run already completed")

// FatalError marks a failure that no retry can fix, such as a source file that
// cannot be decoded.
type FatalError struct {
	Stage models.StageName
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err contains a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Orchestrator drives one document through the stages, persisting the run record
// and a snapshot after every transition.
type Orchestrator struct {
	stages  []Stage
	store   storage.Store
	events  telemetry.EventRecorder
	metrics *telemetry.Metrics
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// NewOrchestrator checks that stages are given in pipeline order.
func NewOrchestrator(stages []Stage, store storage.Store, events telemetry.EventRecorder, metrics *telemetry.Metrics, logger *slog.Logger) (*Orchestrator, error) {
	if len(stages) != len(models.Stages) {
		return nil, fmt.Errorf("pipeline needs %d stages, got %d", len(models.Stages), len(stages))
	}
	for i, s := range stages {
		if s.Name() != models.Stages[i] {
			return nil, fmt.Errorf("stage %d is %s, want %s", i, s.Name(), models.Stages[i])
		}
	}
	if store == nil {
		return nil, errors.New("pipeline needs a store")
	}
	if events == nil {
		events = telemetry.NopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		stages:  stages,
		store:   store,
		events:  events,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}, nil
}

// Run executes every stage for the file at sourcePath under a new run id. The
// returned run is always non-nil once the run record was created.
func (o *Orchestrator) Run(ctx context.Context, sourcePath string) (*models.Run, models.Document, error) {
	run := models.NewRun(o.newID(), sourcePath, o.now())
	if err := o.store.SaveRun(ctx, run); err != nil {
		return nil, models.Document{}, fmt.Errorf("save run: %w", err)
	}
	seed := models.Document{SourcePath: sourcePath, Status: models.StatusNew}
	return o.execute(ctx, run, seed, 0)
}

// Resume continues a failed or interrupted run from its last persisted snapshot.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*models.Run, models.Document, error) {
	run, err := o.store.LoadRun(ctx, runID)
	if err != nil {
		return nil, models.Document{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Status == models.RunCompleted {
		return run, models.Document{}, ErrRunCompleted
	}

	doc := models.Document{SourcePath: run.SourcePath, Status: models.StatusNew}
	from := 0
	if last, ok := run.LastSucceeded(); ok {
		snap, err := o.store.LoadSnapshot(ctx, runID, last)
		if err != nil {
			return run, models.Document{}, fmt.Errorf("load %s snapshot: %w", last, err)
		}
		doc = snap.Document
		for i, name := range models.Stages {
			if name == last {
				from = i + 1
			}
		}
	}

	for i := from; i < len(run.Stages); i++ {
		run.Stages[i] = models.StageResult{Name: run.Stages[i].Name, Status: models.StagePending}
	}
	run.Status = models.RunRunning
	run.Error = ""
	run.FinishedAt = nil
	o.logger.Info("resuming run", "run_id", runID, "from_stage", models.Stages[min(from, len(models.Stages)-1)])
	return o.execute(ctx, run, doc, from)
}

func (o *Orchestrator) execute(ctx context.Context, run *models.Run, doc models.Document, from int) (*models.Run, models.Document, error) {
	tracer := otel.Tracer("doc-ingest-pipeline/pipeline")
	ctx, span := tracer.Start(ctx, "pipeline.run")
	span.SetAttributes(attribute.String("run.id", run.ID), attribute.String("run.source", run.SourcePath))
	defer span.End()

	log := o.logger.With("run_id", run.ID)

	for _, stage := range o.stages[from:] {
		name := stage.Name()
		result := run.Stage(name)
		started := o.now()
		result.Status = models.StageRunning
		result.StartedAt = &started
		if err := o.store.SaveRun(ctx, run); err != nil {
			return o.fail(ctx, run, doc, name, started, fmt.Errorf("save run: %w", err))
		}
		o.emit(telemetry.EventStageStarted, name, run, doc.ID, nil)

		stageCtx, stageSpan := tracer.Start(ctx, "pipeline.stage."+string(name))
		out, output, err := stage.Execute(stageCtx, doc)
		if err == nil {
			err = checkTransition(doc.Status, out.Status)
		}
		if err == nil {
			err = o.persist(stageCtx, run, name, out, output)
		}
		if err != nil {
			stageSpan.RecordError(err)
			stageSpan.SetStatus(codes.Error, err.Error())
			stageSpan.End()
			return o.fail(ctx, run, doc, name, started, err)
		}
		stageSpan.End()

		finished := o.now()
		result.Status = models.StageSucceeded
		result.FinishedAt = &finished
		result.Duration = finished.Sub(started)
		result.Metrics = scalarMetrics(output)
		result.DocumentStatus = out.Status
		if run.DocumentID == "" {
			run.DocumentID = out.ID
		}
		if err := o.store.SaveRun(ctx, run); err != nil {
			return o.fail(ctx, run, out, name, started, fmt.Errorf("save run: %w", err))
		}
		o.metrics.RecordStage(string(name), string(models.StageSucceeded), result.Duration.Seconds())
		o.emit(telemetry.EventStageSucceeded, name, run, out.ID, result.Metrics)
		log.Info("stage succeeded", "stage", name, "document_id", out.ID, "status", out.Status, "duration", result.Duration)

		if name == models.StageParse && out.Metadata.ParsingFailureCount > 0 {
			pages := make([]int, len(out.Metadata.ParsingFailures))
			for i, pf := range out.Metadata.ParsingFailures {
				pages[i] = pf.PageNumber
			}
			o.emit(telemetry.EventParsingFailures, name, run, out.ID, map[string]any{
				"count": out.Metadata.ParsingFailureCount,
				"pages": pages,
			})
		}
		doc = out
	}

	finished := o.now()
	run.Status = models.RunCompleted
	run.FinishedAt = &finished
	if err := o.store.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		return run, doc, fmt.Errorf("save run: %w", err)
	}
	o.emit(telemetry.EventRunCompleted, "", run, doc.ID, map[string]any{
		"chunks":                doc.ChunkCount(),
		"parsing_failure_count": doc.Metadata.ParsingFailureCount,
	})
	log.Info("run completed", "document_id", doc.ID, "chunks", doc.ChunkCount(), "parsing_failures", doc.Metadata.ParsingFailureCount)
	return run, doc, nil
}

// persist writes the stage snapshot and the canonical document record.
func (o *Orchestrator) persist(ctx context.Context, run *models.Run, name models.StageName, doc models.Document, output map[string]any) error {
	snap := models.Snapshot{RunID: run.ID, Stage: name, Document: doc, Output: output, SavedAt: o.now()}
	if err := o.store.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save %s snapshot: %w", name, err)
	}
	if err := o.store.SaveDocument(ctx, doc); err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	return nil
}

// fail records the failed stage and the failed run. The record is written even
// when ctx is already cancelled.
func (o *Orchestrator) fail(ctx context.Context, run *models.Run, doc models.Document, name models.StageName, started time.Time, err error) (*models.Run, models.Document, error) {
	finished := o.now()
	result := run.Stage(name)
	result.Status = models.StageFailed
	result.FinishedAt = &finished
	result.Duration = finished.Sub(started)
	result.Error = err.Error()
	run.Status = models.RunFailed
	run.Error = fmt.Sprintf("%s: %v", name, err)
	run.FinishedAt = &finished

	if serr := o.store.SaveRun(context.WithoutCancel(ctx), run); serr != nil {
		o.logger.Error("failed to save failed run", "run_id", run.ID, "error", serr)
	}
	o.metrics.RecordStage(string(name), string(models.StageFailed), result.Duration.Seconds())
	o.emit(telemetry.EventStageFailed, name, run, doc.ID, map[string]any{"error": err.Error(), "fatal": IsFatal(err)})
	o.emit(telemetry.EventRunFailed, name, run, doc.ID, map[string]any{"error": err.Error()})
	o.logger.Error("stage failed", "run_id", run.ID, "stage", name, "document_id", doc.ID, "error", err)
	return run, doc, fmt.Errorf("run %s: %w", run.ID, err)
}

func (o *Orchestrator) emit(event string, stage models.StageName, run *models.Run, docID string, details map[string]any) {
	o.events.RecordEvent(telemetry.Event{
		Name:       event,
		Stage:      string(stage),
		RunID:      run.ID,
		DocumentID: docID,
		Details:    details,
		At:         o.now(),
	})
}

func checkTransition(from, to models.DocumentStatus) error {
	want, ok := from.Next()
	if !ok || to != want {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// scalarMetrics keeps the numeric and string values of a stage output for the
// run record. Lists stay in the snapshot.
func scalarMetrics(output map[string]any) map[string]any {
	if len(output) == 0 {
		return nil
	}
	out := make(map[string]any, len(output))
	for k, v := range output {
		switch v.(type) {
		case int, int64, float64, string, bool, map[string]int:
			out[k] = v
		}
	}
	return out
}
