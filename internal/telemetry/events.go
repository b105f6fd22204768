package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event names emitted by the orchestrator
const (
	EventStageStarted    = "stage_started"
	EventStageSucceeded  = "stage_succeeded"
	EventStageFailed     = "stage_failed"
	EventParsingFailures = "parsing_failures"
	EventRunCompleted    = "run_completed"
	EventRunFailed       = "run_failed"
)

// Event is one observability record
type Event struct {
	Name       string         `json:"name"`
	Stage      string         `json:"stage,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
	DocumentID string         `json:"document_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	At         time.Time      `json:"at"`
}

// EventRecorder is the fire-and-forget observability port. RecordEvent must not
// block and must not fail the caller.
type EventRecorder interface {
	RecordEvent(e Event)
}

// NopRecorder discards every event.
type NopRecorder struct{}

func (NopRecorder) RecordEvent(Event) {}

// AsyncRecorder hands events to a sink on a background goroutine. When the
// buffer is full the event is dropped and counted.
type AsyncRecorder struct {
	events  chan Event
	sink    func(Event)
	metrics *Metrics

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
}

// NewAsyncRecorder starts the delivery goroutine. Close must be called to flush
// pending events.
func NewAsyncRecorder(sink func(Event), buffer int, metrics *Metrics) *AsyncRecorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &AsyncRecorder{
		events:  make(chan Event, buffer),
		sink:    sink,
		metrics: metrics,
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *AsyncRecorder) loop() {
	defer close(r.done)
	for e := range r.events {
		r.deliver(e)
	}
}

func (r *AsyncRecorder) deliver(e Event) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("event sink panicked", "event", e.Name, "panic", p)
		}
	}()
	r.sink(e)
}

func (r *AsyncRecorder) RecordEvent(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.events <- e:
	default:
		r.dropped.Add(1)
		r.metrics.RecordEventDropped(e.Name)
	}
}

// Dropped returns the number of events lost to a full buffer.
func (r *AsyncRecorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting events and waits until the pending ones are delivered.
func (r *AsyncRecorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()
	<-r.done
}

// LogSink writes events as structured log records.
func LogSink(l *slog.Logger) func(Event) {
	return func(e Event) {
		args := []any{"event", e.Name, "at", e.At}
		if e.Stage != "" {
			args = append(args, "stage", e.Stage)
		}
		if e.RunID != "" {
			args = append(args, "run_id", e.RunID)
		}
		if e.DocumentID != "" {
			args = append(args, "document_id", e.DocumentID)
		}
		for k, v := range e.Details {
			args = append(args, k, v)
		}
		level := slog.LevelInfo
		if e.Name == EventStageFailed || e.Name == EventRunFailed || e.Name == EventParsingFailures {
			level = slog.LevelWarn
		}
		l.Log(context.Background(), level, "pipeline event", args...)
	}
}
