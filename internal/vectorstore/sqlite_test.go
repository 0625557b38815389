package vectorstore

import (
	"context"
	"fmt"
	"testing"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func record(id, docID string, pos int, embedding []float32) Record {
	return Record{
		ID:         id,
		Source:     "docs",
		DocumentID: docID,
		Position:   pos,
		Type:       "text",
		Text:       "chunk " + id,
		Embedding:  embedding,
	}
}

func TestUpsertAndCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.Upsert(ctx, "docs", []Record{
		record("c1", "d1", 0, []float32{1, 0}),
		record("c2", "d1", 1, []float32{0, 1}),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	n, err := s.Count(ctx, "docs")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 records, got %d", n)
	}
	if n, _ := s.Count(ctx, "other"); n != 0 {
		t.Errorf("other source should be empty, got %d", n)
	}
}

func TestQuery_CosineOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.Upsert(ctx, "docs", []Record{
		record("aligned", "d1", 0, []float32{1, 0}),
		record("diagonal", "d1", 1, []float32{1, 1}),
		record("orthogonal", "d1", 2, []float32{0, 1}),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	results, err := s.Query(ctx, "docs", []float32{1, 0}, 3)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	want := []string{"aligned", "diagonal", "orthogonal"}
	for i, w := range want {
		if results[i].ID != w {
			t.Errorf("position %d: expected %s, got %s", i, w, results[i].ID)
		}
	}
	if results[0].Score <= results[1].Score || results[1].Score <= results[2].Score {
		t.Errorf("scores not descending: %v, %v, %v",
			results[0].Score, results[1].Score, results[2].Score)
	}
}

func TestQuery_TopKLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var records []Record
	for i := 0; i < 10; i++ {
		records = append(records, record(fmt.Sprintf("c%d", i), "d1", i, []float32{1, float32(i)}))
	}
	if err := s.Upsert(ctx, "docs", records); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	results, err := s.Query(ctx, "docs", []float32{1, 0}, 3)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	// The closest to (1,0) are the records with the smallest second component.
	if results[0].ID != "c0" {
		t.Errorf("expected c0 first, got %s", results[0].ID)
	}
}

func TestQuery_TieBreakByInsertionOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Identical vectors score identically; the earlier insert must win.
	err := s.Upsert(ctx, "docs", []Record{
		record("first", "d1", 0, []float32{1, 0}),
		record("second", "d2", 0, []float32{1, 0}),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	results, err := s.Query(ctx, "docs", []float32{1, 0}, 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 1 || results[0].ID != "first" {
		t.Fatalf("expected first inserted record to win the tie, got %+v", results)
	}

	results, err = s.Query(ctx, "docs", []float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if results[0].ID != "first" || results[1].ID != "second" {
		t.Errorf("tie order wrong: %s, %s", results[0].ID, results[1].ID)
	}
}

func TestQuery_SourceIsolation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, "docs", []Record{record("c1", "d1", 0, []float32{1, 0})}); err != nil {
		t.Fatalf("upsert docs: %v", err)
	}
	if err := s.Upsert(ctx, "wiki", []Record{record("c2", "d2", 0, []float32{1, 0})}); err != nil {
		t.Fatalf("upsert wiki: %v", err)
	}

	results, err := s.Query(ctx, "docs", []float32{1, 0}, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 1 || results[0].ID != "c1" {
		t.Fatalf("query leaked across sources: %+v", results)
	}
}

func TestQuery_EmptySourceAndZeroVector(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	results, err := s.Query(ctx, "docs", []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("query empty source: %v", err)
	}
	if results != nil {
		t.Errorf("expected nil results for empty source, got %v", results)
	}

	if err := s.Upsert(ctx, "docs", []Record{record("c1", "d1", 0, []float32{1, 0})}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	results, err = s.Query(ctx, "docs", []float32{0, 0}, 5)
	if err != nil {
		t.Fatalf("query zero vector: %v", err)
	}
	if results != nil {
		t.Errorf("zero query vector should return nothing, got %v", results)
	}

	if got, err := s.Query(ctx, "docs", []float32{1, 0}, 0); err != nil || got != nil {
		t.Errorf("k=0 should return nil, nil; got %v, %v", got, err)
	}
}

func TestQuery_DimensionMismatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, "docs", []Record{record("c1", "d1", 0, []float32{1, 0, 0})}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.Query(ctx, "docs", []float32{1, 0}, 5); err == nil {
		t.Fatal("expected error for mismatched dimensions")
	}
}

func TestDeleteDocument(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.Upsert(ctx, "docs", []Record{
		record("c1", "d1", 0, []float32{1, 0}),
		record("c2", "d1", 1, []float32{0, 1}),
		record("c3", "d2", 0, []float32{1, 1}),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := s.DeleteDocument(ctx, "docs", "d1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	n, _ := s.Count(ctx, "docs")
	if n != 1 {
		t.Errorf("expected 1 record after delete, got %d", n)
	}

	// Deleting an absent document is a no-op.
	if err := s.DeleteDocument(ctx, "docs", "missing"); err != nil {
		t.Errorf("deleting missing document: %v", err)
	}
}

func TestDocumentChunks_PositionOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Inserted out of position order on purpose.
	err := s.Upsert(ctx, "docs", []Record{
		record("c2", "d1", 2, []float32{0, 1}),
		record("c0", "d1", 0, []float32{1, 0}),
		record("c1", "d1", 1, []float32{1, 1}),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	chunks, err := s.DocumentChunks(ctx, "docs", "d1")
	if err != nil {
		t.Fatalf("document chunks: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if ch.Position != i {
			t.Errorf("chunk %d has position %d", i, ch.Position)
		}
	}
}

func TestRecordRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := Record{
		ID:         "c1",
		Source:     "docs",
		DocumentID: "d1",
		Position:   4,
		Type:       "table",
		Text:       "| a | b |",
		Embedding:  []float32{0.25, -1.5, 3},
		Page:       7,
		Section:    "Results",
		Oversized:  true,
	}
	if err := s.Upsert(ctx, "docs", []Record{in}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	chunks, err := s.DocumentChunks(ctx, "docs", "d1")
	if err != nil {
		t.Fatalf("document chunks: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	got := chunks[0]
	if got.Type != in.Type || got.Text != in.Text || got.Page != in.Page ||
		got.Section != in.Section || !got.Oversized || got.Position != in.Position {
		t.Errorf("record fields lost in round trip: %+v", got)
	}
	if len(got.Embedding) != 3 || got.Embedding[1] != -1.5 {
		t.Errorf("embedding lost in round trip: %v", got.Embedding)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not populated")
	}
	if got.Seq == 0 {
		t.Error("seq not populated")
	}
}
