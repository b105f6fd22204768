package ai

import (
	"context"
	"errors"
)

// Role of a chat message
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

// Image is an inline image attached to a message
type Image struct {
	// Format is the image subtype, e.g. "png" or "jpeg".
	Format string
	Data   []byte
}

// Message is one chat turn. A user message may carry images next to its text.
type Message struct {
	Role   Role
	Text   string
	Images []Image
}

// Stream yields response deltas. Recv returns io.EOF once the response is
// complete. Close releases the stream and may be called at any point.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// LLM is the vision/text model port.
type LLM interface {
	Chat(ctx context.Context, messages []Message) (string, error)
	StreamChat(ctx context.Context, messages []Message) (Stream, error)
}

// Summarizer is the summary port.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// Embedder is the embedding port. Embed returns one vector per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// ErrEmptyResponse is returned when the model produced no text at all.
var ErrEmptyResponse = errors.New("model returned an empty response")
