package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/kalambet/ragd/internal/provider"
)

type mockProvider struct {
	embedFn  func(ctx context.Context, model string, texts []string) ([][]float32, error)
	maxBatch int
}

func (m *mockProvider) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	return m.embedFn(ctx, model, texts)
}

func (m *mockProvider) Complete(ctx context.Context, req provider.CompletionRequest) (string, error) {
	return "", errors.New("not implemented")
}

func (m *mockProvider) MaxBatchSize() int { return m.maxBatch }

func vectors(dim int, n int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, dim)
		out[i][0] = float32(i)
	}
	return out
}

func TestEmbedBatch_OrderAndDimension(t *testing.T) {
	p := &mockProvider{
		embedFn: func(ctx context.Context, model string, texts []string) ([][]float32, error) {
			return vectors(4, len(texts)), nil
		},
	}
	c := New(p, "test-embed")

	vecs, err := c.EmbedBatch(context.Background(), []string{"a", "b", "c"}, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vecs))
	}
	for i, v := range vecs {
		if v[0] != float32(i) {
			t.Errorf("vector %d out of order: leading value %v", i, v[0])
		}
	}
}

func TestEmbedBatch_SplitsIntoBatches(t *testing.T) {
	var batchSizes []int
	p := &mockProvider{
		embedFn: func(ctx context.Context, model string, texts []string) ([][]float32, error) {
			batchSizes = append(batchSizes, len(texts))
			return vectors(2, len(texts)), nil
		},
	}
	c := New(p, "test-embed", WithBatchSize(2))

	texts := []string{"a", "b", "c", "d", "e"}
	vecs, err := c.EmbedBatch(context.Background(), texts, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != 5 {
		t.Fatalf("expected 5 vectors, got %d", len(vecs))
	}
	want := []int{2, 2, 1}
	if len(batchSizes) != len(want) {
		t.Fatalf("expected %d provider calls, got %v", len(want), batchSizes)
	}
	for i, n := range want {
		if batchSizes[i] != n {
			t.Errorf("call %d: expected batch of %d, got %d", i, n, batchSizes[i])
		}
	}
}

func TestEmbedBatch_ProviderBatchLimitRespected(t *testing.T) {
	p := &mockProvider{
		maxBatch: 3,
		embedFn: func(ctx context.Context, model string, texts []string) ([][]float32, error) {
			if len(texts) > 3 {
				t.Errorf("batch of %d exceeds provider limit", len(texts))
			}
			return vectors(2, len(texts)), nil
		},
	}
	c := New(p, "test-embed")

	if _, err := c.EmbedBatch(context.Background(), make([]string, 7), 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEmbedBatch_DimensionMismatch(t *testing.T) {
	calls := 0
	p := &mockProvider{
		embedFn: func(ctx context.Context, model string, texts []string) ([][]float32, error) {
			calls++
			return vectors(8, len(texts)), nil
		},
	}
	c := New(p, "test-embed")

	_, err := c.EmbedBatch(context.Background(), []string{"a"}, 4)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if calls != 1 {
		t.Errorf("dimension mismatch must not be retried, got %d calls", calls)
	}
}

func TestEmbedBatch_TransientRetriedThenSucceeds(t *testing.T) {
	calls := 0
	p := &mockProvider{
		embedFn: func(ctx context.Context, model string, texts []string) ([][]float32, error) {
			calls++
			if calls == 1 {
				return nil, &provider.TransientError{Err: errors.New("connection refused")}
			}
			return vectors(4, len(texts)), nil
		},
	}
	c := New(p, "test-embed", WithMaxAttempts(3))

	vecs, err := c.EmbedBatch(context.Background(), []string{"a"}, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != 1 {
		t.Fatalf("expected 1 vector, got %d", len(vecs))
	}
	if calls != 2 {
		t.Errorf("expected 2 provider calls, got %d", calls)
	}
}

func TestEmbedBatch_UnavailableAfterRetries(t *testing.T) {
	calls := 0
	p := &mockProvider{
		embedFn: func(ctx context.Context, model string, texts []string) ([][]float32, error) {
			calls++
			return nil, &provider.TransientError{Err: errors.New("rate limited")}
		},
	}
	c := New(p, "test-embed", WithMaxAttempts(2))

	_, err := c.EmbedBatch(context.Background(), []string{"a"}, 4)
	if !errors.Is(err, ErrEmbeddingUnavailable) {
		t.Fatalf("expected ErrEmbeddingUnavailable, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
}

func TestEmbedBatch_StructuralErrorNotRetried(t *testing.T) {
	calls := 0
	structural := errors.New("model not found")
	p := &mockProvider{
		embedFn: func(ctx context.Context, model string, texts []string) ([][]float32, error) {
			calls++
			return nil, structural
		},
	}
	c := New(p, "test-embed", WithMaxAttempts(4))

	_, err := c.EmbedBatch(context.Background(), []string{"a"}, 4)
	if !errors.Is(err, structural) {
		t.Fatalf("expected structural error, got %v", err)
	}
	if errors.Is(err, ErrEmbeddingUnavailable) {
		t.Error("structural error must not be wrapped as unavailable")
	}
	if calls != 1 {
		t.Errorf("structural error must not be retried, got %d calls", calls)
	}
}

func TestEmbedBatch_VectorCountMismatch(t *testing.T) {
	p := &mockProvider{
		embedFn: func(ctx context.Context, model string, texts []string) ([][]float32, error) {
			return vectors(4, len(texts)-1), nil
		},
	}
	c := New(p, "test-embed")

	if _, err := c.EmbedBatch(context.Background(), []string{"a", "b"}, 4); err == nil {
		t.Fatal("expected error for short vector response")
	}
}

func TestEmbedBatch_Empty(t *testing.T) {
	p := &mockProvider{
		embedFn: func(ctx context.Context, model string, texts []string) ([][]float32, error) {
			t.Fatal("provider must not be called for empty input")
			return nil, nil
		},
	}
	c := New(p, "test-embed")

	vecs, err := c.EmbedBatch(context.Background(), nil, 4)
	if err != nil || vecs != nil {
		t.Fatalf("expected nil, nil for empty input, got %v, %v", vecs, err)
	}
}

func TestEmbedQuery(t *testing.T) {
	p := &mockProvider{
		embedFn: func(ctx context.Context, model string, texts []string) ([][]float32, error) {
			if len(texts) != 1 || texts[0] != "what is this" {
				t.Errorf("unexpected query batch: %v", texts)
			}
			return vectors(4, 1), nil
		},
	}
	c := New(p, "test-embed")

	vec, err := c.EmbedQuery(context.Background(), "what is this", 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 4 {
		t.Errorf("expected 4-dim vector, got %d", len(vec))
	}
}
