// Package provider abstracts the model backends used for embeddings and
// answer generation. Consumers depend on ModelProvider instead of a concrete
// client so local (Ollama) and hosted (OpenAI-compatible) backends are
// interchangeable.
package provider

import (
	"context"
	"errors"
)

// Message is a chat message in the common role/content format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is one answer-generation call.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Temperature float32
}

// ModelProvider is the contract for embedding and completion backends.
type ModelProvider interface {
	// Embed returns one embedding vector per input text, in input order.
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)

	// Complete generates an answer from the given messages.
	Complete(ctx context.Context, req CompletionRequest) (string, error)

	// MaxBatchSize reports the largest embedding batch the backend accepts
	// in one call. Zero means no limit.
	MaxBatchSize() int
}

// TransientError marks a failure as retryable: rate limits, timeouts, and
// connection trouble. Structural failures (bad request, auth) are not wrapped.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient provider failure worth
// retrying with backoff.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
