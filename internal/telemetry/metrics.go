package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the pipeline instruments. A nil *Metrics records nothing, so
// components can take one optionally.
type Metrics struct {
	StageDuration       metric.Float64Histogram
	PagesFailed         metric.Int64Counter
	GuardrailStops      metric.Int64Counter
	ChunksProduced      metric.Int64Counter
	LLMCalls            metric.Int64Counter
	TokensUsed          metric.Int64Counter
	CircuitBreakerState metric.Int64Counter
	EventsDropped       metric.Int64Counter
	StorageOperations   metric.Int64Counter
}

// InitMetrics initializes all pipeline metrics
func InitMetrics(serviceName string) (*Metrics, error) {
	meter := otel.Meter(serviceName)

	stageDuration, err := meter.Float64Histogram(
		"pipeline.stage.duration",
		metric.WithDescription("Stage execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	pagesFailed, err := meter.Int64Counter(
		"pipeline.pages.failed",
		metric.WithDescription("Pages whose parsing was partial or failed"),
	)
	if err != nil {
		return nil, err
	}

	guardrailStops, err := meter.Int64Counter(
		"guardrail.stops",
		metric.WithDescription("Streams aborted by the guardrail monitor"),
	)
	if err != nil {
		return nil, err
	}

	chunksProduced, err := meter.Int64Counter(
		"pipeline.chunks.produced",
		metric.WithDescription("Chunks emitted by the chunker"),
	)
	if err != nil {
		return nil, err
	}

	llmCalls, err := meter.Int64Counter(
		"llm.calls.total",
		metric.WithDescription("Calls across the LLM, summary and embedding ports"),
	)
	if err != nil {
		return nil, err
	}

	tokensUsed, err := meter.Int64Counter(
		"gemini.tokens.used",
		metric.WithDescription("Total Gemini tokens used"),
	)
	if err != nil {
		return nil, err
	}

	circuitBreakerState, err := meter.Int64Counter(
		"circuit_breaker.state_changes",
		metric.WithDescription("Circuit breaker state changes"),
	)
	if err != nil {
		return nil, err
	}

	eventsDropped, err := meter.Int64Counter(
		"observability.events.dropped",
		metric.WithDescription("Events dropped because the recorder buffer was full"),
	)
	if err != nil {
		return nil, err
	}

	storageOperations, err := meter.Int64Counter(
		"storage.operations.total",
		metric.WithDescription("Total persistence operations"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		StageDuration:       stageDuration,
		PagesFailed:         pagesFailed,
		GuardrailStops:      guardrailStops,
		ChunksProduced:      chunksProduced,
		LLMCalls:            llmCalls,
		TokensUsed:          tokensUsed,
		CircuitBreakerState: circuitBreakerState,
		EventsDropped:       eventsDropped,
		StorageOperations:   storageOperations,
	}, nil
}

// RecordStage records one stage execution
func (m *Metrics) RecordStage(stage, status string, seconds float64) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("pipeline.stage", stage),
		attribute.String("pipeline.stage_status", status),
	}
	m.StageDuration.Record(context.Background(), seconds, metric.WithAttributes(attrs...))
}

// RecordPageFailure counts a partial or failed page by error type
func (m *Metrics) RecordPageFailure(status, errorType string) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("parsing.status", status),
		attribute.String("parsing.error_type", errorType),
	}
	m.PagesFailed.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// RecordGuardrailStop counts a stream abort by trigger
func (m *Metrics) RecordGuardrailStop(errorType string) {
	if m == nil {
		return
	}
	m.GuardrailStops.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("guardrail.trigger", errorType)))
}

// RecordChunks counts chunks produced for a page
func (m *Metrics) RecordChunks(strategy string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ChunksProduced.Add(context.Background(), int64(n),
		metric.WithAttributes(attribute.String("chunk.strategy", strategy)))
}

// RecordLLMCall counts a model call
func (m *Metrics) RecordLLMCall(operation, model string, success bool) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("llm.operation", operation),
		attribute.String("llm.model", model),
		attribute.Bool("llm.success", success),
	}
	m.LLMCalls.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// RecordTokensUsed records Gemini token usage
func (m *Metrics) RecordTokensUsed(tokens int64, model string) {
	if m == nil || tokens <= 0 {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("gemini.model", model),
		attribute.String("service", "gemini"),
	}
	m.TokensUsed.Add(context.Background(), tokens, metric.WithAttributes(attrs...))
}

// RecordCircuitBreakerState records circuit breaker state changes
func (m *Metrics) RecordCircuitBreakerState(service, state string) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("service", service),
		attribute.String("state", state),
	}
	m.CircuitBreakerState.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// RecordEventDropped counts an observability event lost to a full buffer
func (m *Metrics) RecordEventDropped(name string) {
	if m == nil {
		return
	}
	m.EventsDropped.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("event.name", name)))
}

// RecordStorageOperation records persistence operation metrics
func (m *Metrics) RecordStorageOperation(operation, backend string, success bool) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("storage.operation", operation),
		attribute.String("storage.backend", backend),
		attribute.Bool("storage.success", success),
	}
	m.StorageOperations.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}
