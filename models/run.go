package models

import (
	"maps"
	"time"
)

// StageName identifies one of the six pipeline stages
type StageName string

const (
	StageIngest    StageName = "ingest"
	StageParse     StageName = "parse"
	StageClean     StageName = "clean"
	StageChunk     StageName = "chunk"
	StageEnrich    StageName = "enrich"
	StageVectorize StageName = "vectorize"
)

// Stages lists the stage names in execution order.
var Stages = []StageName{StageIngest, StageParse, StageClean, StageChunk, StageEnrich, StageVectorize}

// StageStatus is the per-run state of a stage
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
)

// RunStatus is the overall state of a run
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// StageResult records one stage execution within a run
type StageResult struct {
	Name           StageName      `json:"name"`
	Status         StageStatus    `json:"status"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	Duration       time.Duration  `json:"duration"`
	Error          string         `json:"error,omitempty"`
	Metrics        map[string]any `json:"metrics,omitempty"`
	DocumentStatus DocumentStatus `json:"document_status,omitempty"`
}

// Run is one execution of the pipeline over one document
type Run struct {
	ID         string        `json:"id"`
	DocumentID string        `json:"document_id,omitempty"`
	SourcePath string        `json:"source_path"`
	Status     RunStatus     `json:"status"`
	Stages     []StageResult `json:"stages"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// NewRun creates a run with every stage pending.
func NewRun(id, sourcePath string, now time.Time) *Run {
	r := &Run{
		ID:         id,
		SourcePath: sourcePath,
		Status:     RunRunning,
		StartedAt:  now,
		Stages:     make([]StageResult, len(Stages)),
	}
	for i, name := range Stages {
		r.Stages[i] = StageResult{Name: name, Status: StagePending}
	}
	return r
}

// Stage returns a pointer to the result for name, or nil.
func (r *Run) Stage(name StageName) *StageResult {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i]
		}
	}
	return nil
}

// LastSucceeded returns the last stage that completed successfully, if any.
func (r *Run) LastSucceeded() (StageName, bool) {
	var last StageName
	found := false
	for _, s := range r.Stages {
		if s.Status != StageSucceeded {
			break
		}
		last, found = s.Name, true
	}
	return last, found
}

// Terminal reports whether the run can no longer change.
func (r *Run) Terminal() bool {
	return r.Status == RunCompleted || r.Status == RunFailed
}

// Clone returns a deep copy of r.
func (r *Run) Clone() *Run {
	out := *r
	out.Stages = make([]StageResult, len(r.Stages))
	for i, s := range r.Stages {
		s.Metrics = maps.Clone(s.Metrics)
		out.Stages[i] = s
	}
	return &out
}

// Snapshot is the persisted state of a document as of a completed stage. The
// canonical document record and every run snapshot share this representation.
type Snapshot struct {
	RunID    string         `json:"run_id"`
	Stage    StageName      `json:"stage"`
	Document Document       `json:"document"`
	Output   map[string]any `json:"output,omitempty"`
	SavedAt  time.Time      `json:"saved_at"`
}
