// Package embedding wraps a ModelProvider with the policy needed to embed
// document chunks and queries reliably: request batching, bounded
// exponential backoff on transient failures, client-side rate limiting, and
// a declared-dimension check that fails fast on configuration mistakes.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/kalambet/ragd/internal/provider"
)

var (
	// ErrEmbeddingUnavailable is returned once transient-failure retries are
	// exhausted. The item being embedded fails; nothing is partially written.
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

	// ErrDimensionMismatch is returned when the provider's vectors do not
	// match the target source's declared dimensionality. This is a
	// configuration error and is never retried.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

const (
	defaultMaxAttempts = 4
	initialBackoff     = 500 * time.Millisecond
	defaultBatchSize   = 64
)

// Client embeds batches of texts and single queries.
type Client struct {
	provider    provider.ModelProvider
	model       string
	batchSize   int
	maxAttempts int
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBatchSize caps the number of texts per provider call.
func WithBatchSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithMaxAttempts bounds retries per batch, including the first attempt.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithRateLimit throttles provider calls to n per second.
func WithRateLimit(n float64) Option {
	return func(c *Client) {
		if n > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(n), 1)
		}
	}
}

// New creates a Client for the given provider and embedding model.
func New(p provider.ModelProvider, model string, opts ...Option) *Client {
	c := &Client{
		provider:    p,
		model:       model,
		batchSize:   defaultBatchSize,
		maxAttempts: defaultMaxAttempts,
		logger:      slog.Default(),
	}
	if max := p.MaxBatchSize(); max > 0 && max < c.batchSize {
		c.batchSize = max
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EmbedBatch returns one vector per text, in input order. wantDim is the
// target source's declared dimensionality; pass 0 to skip the check.
func (c *Client) EmbedBatch(ctx context.Context, texts []string, wantDim int) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := min(start+c.batchSize, len(texts))

		vecs, err := c.embedWithRetry(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		for i, v := range vecs {
			if wantDim > 0 && len(v) != wantDim {
				return nil, fmt.Errorf("%w: text %d produced %d dimensions, source declares %d",
					ErrDimensionMismatch, start+i, len(v), wantDim)
			}
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// EmbedQuery embeds a single query string.
func (c *Client) EmbedQuery(ctx context.Context, query string, wantDim int) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{query}, wantDim)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// embedWithRetry calls the provider with exponential backoff on transient
// failures. Structural errors are returned immediately.
func (c *Client) embedWithRetry(ctx context.Context, batch []string) ([][]float32, error) {
	var lastErr error
	for attempt := range c.maxAttempts {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		vecs, err := c.provider.Embed(ctx, c.model, batch)
		if err == nil {
			if len(vecs) != len(batch) {
				return nil, fmt.Errorf("provider returned %d vectors for %d texts", len(vecs), len(batch))
			}
			return vecs, nil
		}
		if !provider.IsTransient(err) {
			return nil, err
		}

		lastErr = err
		if attempt < c.maxAttempts-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			c.logger.Warn("embedding attempt failed, backing off",
				"attempt", attempt+1, "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("%w: %d attempts: %w", ErrEmbeddingUnavailable, c.maxAttempts, lastErr)
}
