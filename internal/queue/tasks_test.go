package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"

	"doc-ingest-pipeline/internal/config"
	"doc-ingest-pipeline/internal/pipeline"
	"doc-ingest-pipeline/models"
)

type fakePipeline struct {
	runErr    error
	resumeErr error
	ran       []string
	resumed   []string
}

func (f *fakePipeline) Run(_ context.Context, path string) (*models.Run, models.Document, error) {
	f.ran = append(f.ran, path)
	return &models.Run{ID: "r1"}, models.Document{}, f.runErr
}

func (f *fakePipeline) Resume(_ context.Context, id string) (*models.Run, models.Document, error) {
	f.resumed = append(f.resumed, id)
	return &models.Run{ID: id}, models.Document{}, f.resumeErr
}

func TestNewRunTask(t *testing.T) {
	task, err := NewRunTask(RunPayload{SourcePath: "/in/a.pdf"})
	if err != nil {
		t.Fatal(err)
	}
	if task.Type() != TaskRunPipeline {
		t.Fatalf("type = %s", task.Type())
	}
	var p RunPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil || p.SourcePath != "/in/a.pdf" {
		t.Fatalf("payload = %+v, %v", p, err)
	}
	if _, err := NewRunTask(RunPayload{}); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestProcessRun(t *testing.T) {
	run := func(fp *fakePipeline, payload RunPayload) error {
		body, _ := json.Marshal(payload)
		return NewTaskProcessor(fp, nil).ProcessRun(context.Background(), asynq.NewTask(TaskRunPipeline, body))
	}

	fp := &fakePipeline{}
	if err := run(fp, RunPayload{SourcePath: "a.pdf"}); err != nil || len(fp.ran) != 1 {
		t.Fatalf("run: %v %v", err, fp.ran)
	}

	fp = &fakePipeline{runErr: &pipeline.FatalError{Stage: models.StageIngest, Err: errors.New("bad bytes")}}
	if err := run(fp, RunPayload{SourcePath: "a.pdf"}); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("fatal error should skip retry: %v", err)
	}

	fp = &fakePipeline{runErr: errors.New("quota")}
	if err := run(fp, RunPayload{SourcePath: "a.pdf"}); err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("transient error should retry: %v", err)
	}

	fp = &fakePipeline{resumeErr: pipeline.ErrRunCompleted}
	if err := run(fp, RunPayload{RunID: "r9"}); err != nil || len(fp.resumed) != 1 || fp.resumed[0] != "r9" {
		t.Fatalf("resume: %v %v", err, fp.resumed)
	}

	err := NewTaskProcessor(&fakePipeline{}, nil).ProcessRun(context.Background(), asynq.NewTask(TaskRunPipeline, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("bad payload err = %v", err)
	}
}

func TestRedisOpt(t *testing.T) {
	opt, err := RedisOpt(&config.Config{RedisURL: "redis://:secret@cache:6380/2"})
	if err != nil {
		t.Fatal(err)
	}
	if opt.Addr != "cache:6380" || opt.Password != "secret" || opt.DB != 2 {
		t.Fatalf("opt = %+v", opt)
	}
}
