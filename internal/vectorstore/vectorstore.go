// Package vectorstore persists chunk embeddings and serves k-nearest-neighbor
// queries per source. The default backend is SQLite with brute-force cosine
// similarity; the Store interface keeps callers independent of the backend.
package vectorstore

import (
	"context"
	"fmt"
	"time"
)

// Record is one persisted chunk with its embedding.
type Record struct {
	ID         string
	Source     string
	DocumentID string
	Position   int    // chunk index within its document
	Type       string // segment type: text, table, image-caption
	Text       string
	Embedding  []float32
	Page       int
	Section    string
	Oversized  bool
	CreatedAt  time.Time

	// Seq is the store-assigned insertion order, used for stable tie-breaks.
	// Populated on read; ignored on write.
	Seq int64
}

// Scored pairs a Record with its similarity to a query vector.
type Scored struct {
	Record
	Score float32
}

// Store is the contract over persisted similarity search.
type Store interface {
	// Upsert inserts the records into the source's collection. Records for a
	// document id that already exists must be preceded by DeleteDocument;
	// Upsert itself never replaces.
	Upsert(ctx context.Context, source string, records []Record) error

	// Query returns the k records most similar to vector within the source,
	// ordered by descending similarity with ties broken by insertion order.
	Query(ctx context.Context, source string, vector []float32, k int) ([]Scored, error)

	// DeleteDocument removes every chunk of the document from the source.
	// Deleting a document that has no chunks is not an error.
	DeleteDocument(ctx context.Context, source, documentID string) error

	// DocumentChunks returns all chunks of a document in position order.
	DocumentChunks(ctx context.Context, source, documentID string) ([]Record, error)

	// Count returns the number of records in the source.
	Count(ctx context.Context, source string) (int, error)
}

// PartialIngestionError reports a delete+upsert sequence that failed midway,
// leaving the source in a known-inconsistent state for that document. It is
// surfaced, never auto-retried: the caller must re-run ingestion for the
// document explicitly.
type PartialIngestionError struct {
	Source     string
	DocumentID string
	Stage      string // "delete" or "upsert"
	Err        error
}

func (e *PartialIngestionError) Error() string {
	return fmt.Sprintf("partial ingestion of %s/%s: %s failed: %v; re-run ingestion for this document",
		e.Source, e.DocumentID, e.Stage, e.Err)
}

func (e *PartialIngestionError) Unwrap() error { return e.Err }
