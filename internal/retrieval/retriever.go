// Package retrieval fans a query out across the active sources and fuses the
// per-source results into one ranked candidate list. Raw similarity scores
// from different sources are not comparable (providers use different scales),
// so each source's scores are min-max normalized within its own result set
// before fusion. A failing or slow source degrades the result instead of
// failing it; only the loss of every source is an error.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/ragd/internal/source"
	"github.com/kalambet/ragd/internal/vectorstore"
)

// ErrNoSourcesAvailable is returned when every active source failed. Callers
// may still answer from session history; this is a degraded-answer
// condition, not a hard failure of the turn.
var ErrNoSourcesAvailable = errors.New("no retrieval sources available")

const (
	defaultPerSourceTimeout = 5 * time.Second
	defaultKPerSource       = 8
	defaultKFinal           = 10
)

// Candidate is one fused retrieval result. It references the stored chunk,
// never copies ownership of it.
type Candidate struct {
	Chunk    vectorstore.Record
	Source   string
	RawScore float32 // similarity as reported by the chunk's source
	Score    float64 // min-max normalized within the source's result set
	Rank     int     // 0-based position in the fused list
}

// SourceFailure records a source excluded from fusion.
type SourceFailure struct {
	Source string
	Err    error
}

// Result is the outcome of one retrieval call.
type Result struct {
	Candidates []Candidate
	Degraded   []SourceFailure // sources that failed or timed out
}

// QueryEmbedder embeds query strings at a declared dimensionality.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string, wantDim int) ([]float32, error)
}

// Retriever queries multiple sources concurrently and fuses their results.
type Retriever struct {
	store    vectorstore.Store
	embedder QueryEmbedder
	timeout  time.Duration // per-source budget
	logger   *slog.Logger
}

// New creates a Retriever. perSourceTimeout <= 0 selects the default (5s).
func New(store vectorstore.Store, embedder QueryEmbedder, perSourceTimeout time.Duration) *Retriever {
	if perSourceTimeout <= 0 {
		perSourceTimeout = defaultPerSourceTimeout
	}
	return &Retriever{
		store:    store,
		embedder: embedder,
		timeout:  perSourceTimeout,
		logger:   slog.Default(),
	}
}

// Retrieve embeds the query once per distinct dimensionality, queries each
// source for kPerSource candidates in parallel, and fuses the survivors into
// the top kFinal. Ties are broken by source priority, then insertion order.
// A failed source is excluded and recorded; it is not retried within this
// call.
func (r *Retriever) Retrieve(ctx context.Context, query string, sources []source.Source, kPerSource, kFinal int) (Result, error) {
	if len(sources) == 0 {
		return Result{}, fmt.Errorf("%w: no sources selected", ErrNoSourcesAvailable)
	}
	if kPerSource <= 0 {
		kPerSource = defaultKPerSource
	}
	if kFinal <= 0 {
		kFinal = defaultKFinal
	}

	vectors, degraded := r.embedPerDimension(ctx, query, sources)
	excluded := make(map[string]bool, len(degraded))
	for _, f := range degraded {
		excluded[f.Source] = true
	}

	type sourceResult struct {
		src    source.Source
		scored []vectorstore.Scored
	}

	var (
		mu      sync.Mutex
		results []sourceResult
	)

	g := &errgroup.Group{}
	for _, src := range sources {
		if excluded[src.Name] {
			continue
		}
		vec := vectors[src.Dimension]

		g.Go(func() error {
			qCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			scored, err := r.store.Query(qCtx, src.Name, vec, kPerSource)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Warn("source query failed, excluding from fusion", "source", src.Name, "error", err)
				degraded = append(degraded, SourceFailure{Source: src.Name, Err: err})
				return nil
			}
			if len(scored) > 0 {
				results = append(results, sourceResult{src: src, scored: scored})
			}
			return nil
		})
	}
	g.Wait()

	if len(results) == 0 {
		if len(degraded) == len(sources) {
			return Result{Degraded: degraded}, fmt.Errorf("%w: all %d sources failed", ErrNoSourcesAvailable, len(sources))
		}
		// Sources responded but hold nothing relevant; empty is a valid result.
		return Result{Degraded: degraded}, nil
	}

	var merged []Candidate
	for _, sr := range results {
		merged = append(merged, normalize(sr.src, sr.scored)...)
	}
	priorities := make(map[string]int, len(sources))
	for _, s := range sources {
		priorities[s.Name] = s.Priority
	}
	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if priorities[a.Source] != priorities[b.Source] {
			return priorities[a.Source] < priorities[b.Source]
		}
		return a.Chunk.Seq < b.Chunk.Seq
	})
	if len(merged) > kFinal {
		merged = merged[:kFinal]
	}
	for i := range merged {
		merged[i].Rank = i
	}

	return Result{Candidates: merged, Degraded: degraded}, nil
}

// embedPerDimension computes one query vector per distinct source
// dimensionality. A failed embedding degrades every source sharing that
// dimensionality.
func (r *Retriever) embedPerDimension(ctx context.Context, query string, sources []source.Source) (map[int][]float32, []SourceFailure) {
	vectors := make(map[int][]float32)
	failedDims := make(map[int]error)

	for _, src := range sources {
		if _, ok := vectors[src.Dimension]; ok {
			continue
		}
		if _, ok := failedDims[src.Dimension]; ok {
			continue
		}

		eCtx, cancel := context.WithTimeout(ctx, r.timeout)
		vec, err := r.embedder.EmbedQuery(eCtx, query, src.Dimension)
		cancel()
		if err != nil {
			r.logger.Warn("query embedding failed", "dimension", src.Dimension, "error", err)
			failedDims[src.Dimension] = err
			continue
		}
		vectors[src.Dimension] = vec
	}

	var failures []SourceFailure
	for _, src := range sources {
		if err, ok := failedDims[src.Dimension]; ok {
			failures = append(failures, SourceFailure{Source: src.Name, Err: err})
		}
	}
	return vectors, failures
}

// normalize rescales one source's raw scores to [0,1] via min-max scaling
// within the source's own result set. A single-candidate (or constant-score)
// set maps to 1.0 so the source still contributes its best chunk.
func normalize(src source.Source, scored []vectorstore.Scored) []Candidate {
	minScore, maxScore := scored[0].Score, scored[0].Score
	for _, s := range scored[1:] {
		if s.Score < minScore {
			minScore = s.Score
		}
		if s.Score > maxScore {
			maxScore = s.Score
		}
	}

	out := make([]Candidate, len(scored))
	for i, s := range scored {
		score := 1.0
		if maxScore > minScore {
			score = float64(s.Score-minScore) / float64(maxScore-minScore)
		}
		out[i] = Candidate{
			Chunk:    s.Record,
			Source:   src.Name,
			RawScore: s.Score,
			Score:    score,
		}
	}
	return out
}
