package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	genai "github.com/google/generative-ai-go/genai"

	"doc-ingest-pipeline/internal/telemetry"
)

// ProviderGemini is the rate limiter key for every Gemini call.
const ProviderGemini = "gemini"

// Gemini rejects batches above this size.
const maxEmbedBatch = 100

// GeminiConfig configures the Gemini adapter
type GeminiConfig struct {
	APIKey          string
	Tier            string
	ChatModel       string
	SummaryModel    string
	EmbeddingModel  string
	Dimension       int
	Temperature     float32
	MaxOutputTokens int32
	// JSONResponses asks the chat model for application/json output.
	JSONResponses bool
}

// GeminiClient implements LLM, Summarizer and Embedder on top of the Gemini API.
// Every call passes the shared rate limiter and a circuit breaker.
type GeminiClient struct {
	cfg     GeminiConfig
	client  *genai.Client
	breaker *gobreaker.CircuitBreaker
	limiter *RateLimiter
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

type RateLimits struct {
	RPM int // Requests per minute
	TPM int // Tokens per minute
	RPD int // Requests per day
}

// NewGeminiClient connects to Gemini. When limiter is nil a private one sized
// from the tier is used.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig, limiter *RateLimiter, metrics *telemetry.Metrics, logger *slog.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("missing Gemini API key")
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = "gemini-2.0-flash"
	}
	if cfg.SummaryModel == "" {
		cfg.SummaryModel = cfg.ChatModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "text-embedding-004"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 768
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 8192
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	if limiter == nil {
		limiter = NewRateLimiter(getRateLimits(cfg.Tier).RPM, nil)
	}

	gc := &GeminiClient{
		cfg:     cfg,
		client:  client,
		limiter: limiter,
		metrics: metrics,
		logger:  logger,
	}
	gc.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "GeminiAPI",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			gc.logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			gc.metrics.RecordCircuitBreakerState(name, to.String())
		},
	})
	return gc, nil
}

func getRateLimits(tier string) RateLimits {
	switch tier {
	case "free":
		return RateLimits{RPM: 10, TPM: 250000, RPD: 250}
	case "tier1":
		return RateLimits{RPM: 1000, TPM: 1000000, RPD: 10000}
	case "tier2":
		return RateLimits{RPM: 2000, TPM: 4000000, RPD: 50000}
	default:
		return RateLimits{RPM: 10, TPM: 250000, RPD: 250}
	}
}

// TierRPM returns the requests-per-minute budget of a Gemini tier.
func TierRPM(tier string) int {
	return getRateLimits(tier).RPM
}

func (gc *GeminiClient) chatModel() *genai.GenerativeModel {
	model := gc.client.GenerativeModel(gc.cfg.ChatModel)
	model.SetTemperature(gc.cfg.Temperature)
	model.SetMaxOutputTokens(gc.cfg.MaxOutputTokens)
	if gc.cfg.JSONResponses {
		model.ResponseMIMEType = "application/json"
	}
	return model
}

// buildParts moves system messages into the model's system instruction and
// flattens the rest into a single turn of parts.
func buildParts(model *genai.GenerativeModel, messages []Message) []genai.Part {
	var system []genai.Part
	var parts []genai.Part
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, genai.Text(m.Text))
			continue
		}
		for _, img := range m.Images {
			parts = append(parts, genai.ImageData(img.Format, img.Data))
		}
		if m.Text != "" {
			parts = append(parts, genai.Text(m.Text))
		}
	}
	if len(system) > 0 {
		model.SystemInstruction = &genai.Content{Parts: system}
	}
	return parts
}

func (gc *GeminiClient) startSpan(ctx context.Context, op, model string, estimated int) (context.Context, trace.Span) {
	tracer := otel.Tracer("gemini-client")
	ctx, span := tracer.Start(ctx, "gemini."+op)
	span.SetAttributes(
		attribute.String("gemini.model", model),
		attribute.Int("gemini.estimated_tokens", estimated),
	)
	return ctx, span
}

func (gc *GeminiClient) fail(span trace.Span, op, model string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		span.SetAttributes(attribute.Bool("gemini.circuit_breaker_open", true))
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	gc.metrics.RecordLLMCall(op, model, false)
	return fmt.Errorf("gemini %s: %w", op, err)
}

// Chat sends one request and returns the response text.
func (gc *GeminiClient) Chat(ctx context.Context, messages []Message) (string, error) {
	ctx, span := gc.startSpan(ctx, "chat", gc.cfg.ChatModel, estimateMessageTokens(messages))
	defer span.End()

	if err := gc.limiter.Wait(ctx, ProviderGemini); err != nil {
		span.SetAttributes(attribute.Bool("gemini.rate_limited", true))
		return "", gc.fail(span, "chat", gc.cfg.ChatModel, err)
	}

	result, err := gc.breaker.Execute(func() (interface{}, error) {
		model := gc.chatModel()
		return model.GenerateContent(ctx, buildParts(model, messages)...)
	})
	if err != nil {
		return "", gc.fail(span, "chat", gc.cfg.ChatModel, err)
	}

	resp := result.(*genai.GenerateContentResponse)
	tokens := extractTokenUsage(resp)
	span.SetAttributes(attribute.Int("gemini.actual_tokens", tokens))
	gc.metrics.RecordTokensUsed(int64(tokens), gc.cfg.ChatModel)
	gc.metrics.RecordLLMCall("chat", gc.cfg.ChatModel, true)

	text := responseText(resp)
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// StreamChat starts a streaming request. The first response is fetched eagerly
// so connection errors count against the circuit breaker; later errors surface
// from Recv.
func (gc *GeminiClient) StreamChat(ctx context.Context, messages []Message) (Stream, error) {
	ctx, span := gc.startSpan(ctx, "stream_chat", gc.cfg.ChatModel, estimateMessageTokens(messages))

	if err := gc.limiter.Wait(ctx, ProviderGemini); err != nil {
		span.SetAttributes(attribute.Bool("gemini.rate_limited", true))
		err = gc.fail(span, "stream_chat", gc.cfg.ChatModel, err)
		span.End()
		return nil, err
	}

	result, err := gc.breaker.Execute(func() (interface{}, error) {
		model := gc.chatModel()
		iter := model.GenerateContentStream(ctx, buildParts(model, messages)...)
		first, err := iter.Next()
		if err != nil && !errors.Is(err, iterator.Done) {
			return nil, err
		}
		return &geminiStream{iter: iter, first: first, done: errors.Is(err, iterator.Done)}, nil
	})
	if err != nil {
		err = gc.fail(span, "stream_chat", gc.cfg.ChatModel, err)
		span.End()
		return nil, err
	}

	s := result.(*geminiStream)
	s.span = span
	s.gc = gc
	return s, nil
}

type geminiStream struct {
	gc     *GeminiClient
	iter   *genai.GenerateContentResponseIterator
	span   trace.Span
	first  *genai.GenerateContentResponse
	done   bool
	closed bool
	tokens int
	deltas int
	failed bool
}

func (s *geminiStream) Recv() (string, error) {
	for {
		var resp *genai.GenerateContentResponse
		switch {
		case s.first != nil:
			resp, s.first = s.first, nil
		case s.done:
			return "", io.EOF
		default:
			var err error
			resp, err = s.iter.Next()
			if errors.Is(err, iterator.Done) {
				s.done = true
				return "", io.EOF
			}
			if err != nil {
				s.failed = true
				s.span.RecordError(err)
				return "", fmt.Errorf("gemini stream: %w", err)
			}
		}
		if resp.UsageMetadata != nil {
			s.tokens = int(resp.UsageMetadata.TotalTokenCount)
		}
		if text := responseText(resp); text != "" {
			s.deltas++
			return text, nil
		}
	}
}

func (s *geminiStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.span.SetAttributes(
		attribute.Int("gemini.actual_tokens", s.tokens),
		attribute.Int("gemini.stream_deltas", s.deltas),
		attribute.Bool("gemini.stream_completed", s.done),
	)
	if s.failed {
		s.span.SetStatus(codes.Error, "stream failed")
	}
	s.gc.metrics.RecordTokensUsed(int64(s.tokens), s.gc.cfg.ChatModel)
	s.gc.metrics.RecordLLMCall("stream_chat", s.gc.cfg.ChatModel, !s.failed)
	s.span.End()
	return nil
}

// Summarize runs prompt through the summary model.
func (gc *GeminiClient) Summarize(ctx context.Context, prompt string) (string, error) {
	ctx, span := gc.startSpan(ctx, "summarize", gc.cfg.SummaryModel, estimateTokens(prompt, nil))
	defer span.End()

	if err := gc.limiter.Wait(ctx, ProviderGemini); err != nil {
		return "", gc.fail(span, "summarize", gc.cfg.SummaryModel, err)
	}

	result, err := gc.breaker.Execute(func() (interface{}, error) {
		model := gc.client.GenerativeModel(gc.cfg.SummaryModel)
		model.SetTemperature(0.2)
		model.SetMaxOutputTokens(1024)
		return model.GenerateContent(ctx, genai.Text(prompt))
	})
	if err != nil {
		return "", gc.fail(span, "summarize", gc.cfg.SummaryModel, err)
	}

	resp := result.(*genai.GenerateContentResponse)
	gc.metrics.RecordTokensUsed(int64(extractTokenUsage(resp)), gc.cfg.SummaryModel)
	gc.metrics.RecordLLMCall("summarize", gc.cfg.SummaryModel, true)

	text := strings.TrimSpace(responseText(resp))
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Embed returns one vector per text, batching requests as Gemini requires.
func (gc *GeminiClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := gc.startSpan(ctx, "embed", gc.cfg.EmbeddingModel, estimateTokens("", texts))
	defer span.End()
	span.SetAttributes(attribute.Int("gemini.embed_inputs", len(texts)))

	out := make([][]float32, 0, len(texts))
	em := gc.client.EmbeddingModel(gc.cfg.EmbeddingModel)
	for start := 0; start < len(texts); start += maxEmbedBatch {
		end := min(start+maxEmbedBatch, len(texts))

		if err := gc.limiter.Wait(ctx, ProviderGemini); err != nil {
			return nil, gc.fail(span, "embed", gc.cfg.EmbeddingModel, err)
		}
		result, err := gc.breaker.Execute(func() (interface{}, error) {
			batch := em.NewBatch()
			for _, t := range texts[start:end] {
				batch.AddContent(genai.Text(t))
			}
			return em.BatchEmbedContents(ctx, batch)
		})
		if err != nil {
			return nil, gc.fail(span, "embed", gc.cfg.EmbeddingModel, err)
		}

		resp := result.(*genai.BatchEmbedContentsResponse)
		if len(resp.Embeddings) != end-start {
			err := fmt.Errorf("expected %d embeddings, got %d", end-start, len(resp.Embeddings))
			return nil, gc.fail(span, "embed", gc.cfg.EmbeddingModel, err)
		}
		for _, e := range resp.Embeddings {
			out = append(out, e.Values)
		}
	}
	gc.metrics.RecordLLMCall("embed", gc.cfg.EmbeddingModel, true)
	return out, nil
}

// Dimension returns the configured embedding width.
func (gc *GeminiClient) Dimension() int {
	return gc.cfg.Dimension
}

// Close the client
func (gc *GeminiClient) Close() error {
	if gc.client != nil {
		return gc.client.Close()
	}
	return nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
		// only the first candidate is used
		break
	}
	return sb.String()
}

// Rough estimation: 1 token ≈ 4 characters
func estimateTokens(prompt string, chunks []string) int {
	n := len(prompt)
	for _, chunk := range chunks {
		n += len(chunk) + 1
	}
	return n / 4
}

func estimateMessageTokens(messages []Message) int {
	n := 0
	for _, m := range messages {
		n += len(m.Text) / 4
		// Gemini bills a fixed amount per image
		n += 258 * len(m.Images)
	}
	return n
}

// Extract token usage from Gemini response
func extractTokenUsage(resp *genai.GenerateContentResponse) int {
	if resp.UsageMetadata != nil {
		return int(resp.UsageMetadata.TotalTokenCount)
	}
	return max(1, len(responseText(resp))/4)
}
