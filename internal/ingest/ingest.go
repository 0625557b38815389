// Package ingest runs the ingestion pipeline: normalized segments are
// chunked, embedded, and written to the vector store under their source's
// policy. Re-ingesting a document id replaces the prior version atomically
// from the reader's point of view (delete then upsert); concurrent ingestion
// of the same document id is serialized, different documents run in
// parallel across a bounded worker pool.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/ragd/internal/chunking"
	"github.com/kalambet/ragd/internal/convert"
	"github.com/kalambet/ragd/internal/source"
	"github.com/kalambet/ragd/internal/vectorstore"
)

// chunkNamespace is the UUIDv5 namespace for content-addressed chunk ids.
// Fixed so the same chunk content always maps to the same id.
var chunkNamespace = uuid.MustParse("8c9e9a2e-34fd-4a4f-9cbe-d0c1f95f1a11")

const defaultWorkers = 4

// Embedder is the slice of the embedding client ingestion needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string, wantDim int) ([][]float32, error)
}

// Document is one unit of ingestion work.
type Document struct {
	Source   string
	ID       string
	Segments []convert.Segment
}

// Result summarizes a completed ingestion.
type Result struct {
	Source     string
	DocumentID string
	Chunks     int
	Replaced   bool // a prior version was deleted first
}

// Service executes ingestion requests.
type Service struct {
	registry *source.Registry
	store    vectorstore.Store
	embedder Embedder
	tokens   chunking.Tokenizer
	workers  int
	logger   *slog.Logger

	// locks serializes same-document ingestion per source/document key.
	locks keyedLocks
}

// keyedLocks hands out one mutex per key and drops it once the last holder
// releases, so the table stays bounded by in-flight ingestions.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (l *keyedLocks) acquire(key string) (release func()) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyedLock{}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// New creates a Service. workers bounds concurrent document ingestion
// (default 4 when <= 0); a nil tokenizer falls back to the estimate counter.
func New(registry *source.Registry, store vectorstore.Store, embedder Embedder, tokens chunking.Tokenizer, workers int) *Service {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if tokens == nil {
		tokens = chunking.NewEstimateCounter()
	}
	return &Service{
		registry: registry,
		store:    store,
		embedder: embedder,
		tokens:   tokens,
		workers:  workers,
		logger:   slog.Default(),
		locks:    keyedLocks{locks: make(map[string]*keyedLock)},
	}
}

// Ingest processes one document into its source. It is idempotent per
// document id: the same content always yields the same chunk ids, and a
// prior version's chunks are removed before the new version's are written.
func (s *Service) Ingest(ctx context.Context, doc Document) (Result, error) {
	src, err := s.registry.Get(doc.Source)
	if err != nil {
		return Result{}, err
	}
	if doc.ID == "" {
		return Result{}, fmt.Errorf("document id is required")
	}

	release := s.locks.acquire(doc.Source + "/" + doc.ID)
	defer release()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	chunker := chunking.New(src.Policy, s.tokens)
	chunks := chunker.ChunkAll(chunking.Document{ID: doc.ID, Source: doc.Source, Segments: doc.Segments})
	if len(chunks) == 0 {
		return Result{}, fmt.Errorf("document %s/%s produced no chunks", doc.Source, doc.ID)
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts, src.Dimension)
	if err != nil {
		return Result{}, fmt.Errorf("embedding %s/%s: %w", doc.Source, doc.ID, err)
	}

	now := time.Now().UTC()
	records := make([]vectorstore.Record, len(chunks))
	for i, ch := range chunks {
		records[i] = vectorstore.Record{
			ID:         chunkID(ch),
			Source:     ch.Source,
			DocumentID: ch.DocumentID,
			Position:   ch.Position,
			Type:       string(ch.Type),
			Text:       ch.Text,
			Embedding:  vectors[i],
			Page:       ch.Page,
			Section:    ch.Section,
			Oversized:  ch.Oversized,
			CreatedAt:  now,
		}
	}

	// Version swap: delete the superseded chunks, then write the new set.
	// A failure between the two leaves the document in a known-inconsistent
	// state that must be surfaced, not blindly retried.
	prior, err := s.store.DocumentChunks(ctx, doc.Source, doc.ID)
	if err != nil {
		return Result{}, fmt.Errorf("checking prior version of %s/%s: %w", doc.Source, doc.ID, err)
	}
	replaced := len(prior) > 0

	if err := s.store.DeleteDocument(ctx, doc.Source, doc.ID); err != nil {
		return Result{}, &vectorstore.PartialIngestionError{
			Source: doc.Source, DocumentID: doc.ID, Stage: "delete", Err: err,
		}
	}
	if err := s.store.Upsert(ctx, doc.Source, records); err != nil {
		return Result{}, &vectorstore.PartialIngestionError{
			Source: doc.Source, DocumentID: doc.ID, Stage: "upsert", Err: err,
		}
	}

	s.logger.Info("document ingested",
		"source", doc.Source, "document", doc.ID, "chunks", len(records), "replaced", replaced)

	return Result{Source: doc.Source, DocumentID: doc.ID, Chunks: len(records), Replaced: replaced}, nil
}

// IngestAll processes documents across the worker pool. The first error
// cancels outstanding work.
func (s *Service) IngestAll(ctx context.Context, docs []Document) ([]Result, error) {
	results := make([]Result, len(docs))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for i, doc := range docs {
		g.Go(func() error {
			res, err := s.Ingest(gCtx, doc)
			if err != nil {
				return fmt.Errorf("ingesting %s/%s: %w", doc.Source, doc.ID, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// chunkID derives a deterministic UUIDv5 from the chunk's identity and
// content, so double ingestion yields an identical id set.
func chunkID(ch chunking.Chunk) string {
	sum := sha256.Sum256([]byte(ch.Text))
	name := fmt.Sprintf("%s/%s/%d/%s", ch.Source, ch.DocumentID, ch.Position, hex.EncodeToString(sum[:]))
	return uuid.NewSHA1(chunkNamespace, []byte(name)).String()
}
