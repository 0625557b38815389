package vectorstore

import (
	"container/heap"
	"context"
	"database/sql"
	"embed"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore provides vector storage and brute-force cosine similarity
// search backed by SQLite. Collections for all sources share one table,
// partitioned by the source column; the autoincrement rowid doubles as the
// insertion-order tie-breaker the Store contract requires.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the vector database in dataDir and runs pending
// migrations. Pass ":memory:" for an in-memory database (used by tests).
func Open(dataDir string) (*SQLiteStore, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "ragd.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// migrate applies embedded SQL migration files that haven't been run yet.
func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

// Upsert inserts all records in one transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, sourceName string, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, source, document_id, position, segment_type, text_chunk, embedding, page, section, oversized, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		oversized := 0
		if r.Oversized {
			oversized = 1
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, sourceName, r.DocumentID, r.Position, r.Type, r.Text,
			encodeFloat32s(r.Embedding), r.Page, r.Section, oversized,
			createdAt.Format(time.RFC3339),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting record %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// seqScore holds only the tie-break key and score during the scan phase.
type seqScore struct {
	Seq   int64
	ID    string
	Score float32
}

// Query performs a brute-force cosine scan over the source's vectors,
// keeping the top-K in a min-heap. Full records are fetched only for the
// winners.
func (s *SQLiteStore) Query(ctx context.Context, sourceName string, vector []float32, k int) ([]Scored, error) {
	if k <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT seq, id, embedding FROM chunks WHERE source = ?`, sourceName)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	h := &seqScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var seq int64
		var id string
		var blob []byte
		if err := rows.Scan(&seq, &id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		if len(buf) != len(vector) {
			return nil, fmt.Errorf("stored embedding for %s has %d dimensions, query has %d", id, len(buf), len(vector))
		}

		cand := seqScore{Seq: seq, ID: id, Score: cosine(vector, buf, queryNorm)}
		if h.Len() < k {
			heap.Push(h, cand)
		} else if worseThan((*h)[0], cand) {
			(*h)[0] = cand
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	if h.Len() == 0 {
		return nil, nil
	}

	// Pop in ascending order so topIDs ends up best-first.
	winners := make([]seqScore, h.Len())
	for i := len(winners) - 1; i >= 0; i-- {
		winners[i] = heap.Pop(h).(seqScore)
	}

	records, err := s.fetchByIDs(ctx, idsOf(winners))
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Record, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}

	results := make([]Scored, 0, len(winners))
	for _, w := range winners {
		r, ok := byID[w.ID]
		if !ok {
			// Deleted between scan and fetch; skip.
			continue
		}
		results = append(results, Scored{Record: r, Score: w.Score})
	}
	return results, nil
}

// DeleteDocument removes all chunks of the document from the source.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, sourceName, documentID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM chunks WHERE source = ? AND document_id = ?", sourceName, documentID)
	if err != nil {
		return fmt.Errorf("deleting document %s/%s: %w", sourceName, documentID, err)
	}
	return nil
}

// DocumentChunks returns the document's chunks in position order.
func (s *SQLiteStore) DocumentChunks(ctx context.Context, sourceName, documentID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, source, document_id, position, segment_type, text_chunk, embedding, page, section, oversized, created_at
		FROM chunks WHERE source = ? AND document_id = ? ORDER BY position ASC`,
		sourceName, documentID)
	if err != nil {
		return nil, fmt.Errorf("querying document chunks: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Count returns the number of records in the source.
func (s *SQLiteStore) Count(ctx context.Context, sourceName string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks WHERE source = ?", sourceName).Scan(&count)
	return count, err
}

func (s *SQLiteStore) fetchByIDs(ctx context.Context, ids []string) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT seq, id, source, document_id, position, segment_type, text_chunk, embedding, page, section, oversized, created_at
		FROM chunks WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var r Record
		var blob []byte
		var createdAt string
		var oversized int
		if err := rows.Scan(&r.Seq, &r.ID, &r.Source, &r.DocumentID, &r.Position, &r.Type,
			&r.Text, &blob, &r.Page, &r.Section, &oversized, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		embedding, err := decodeFloat32s(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", r.ID, err)
		}
		r.Embedding = embedding
		r.Oversized = oversized != 0
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", r.ID, err)
		}
		r.CreatedAt = t
		records = append(records, r)
	}
	return records, rows.Err()
}

func idsOf(winners []seqScore) []string {
	ids := make([]string, len(winners))
	for i, w := range winners {
		ids[i] = w.ID
	}
	return ids
}

// worseThan orders candidates: higher score wins, then earlier insertion.
// a is worse than b when b should replace a at the heap root.
func worseThan(a, b seqScore) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.Seq > b.Seq
}

// seqScoreHeap is a min-heap keeping the current top-K: the root is the
// worst candidate retained so far.
type seqScoreHeap []seqScore

func (h seqScoreHeap) Len() int           { return len(h) }
func (h seqScoreHeap) Less(i, j int) bool { return worseThan(h[i], h[j]) }
func (h seqScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *seqScoreHeap) Push(x any)        { *h = append(*h, x.(seqScore)) }
func (h *seqScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// cosine computes the cosine similarity between the query vector (with
// precomputed norm) and a candidate vector.
func cosine(query, candidate []float32, queryNorm float64) float32 {
	var dot, candNorm float64
	for i := range query {
		dot += float64(query[i]) * float64(candidate[i])
		candNorm += float64(candidate[i]) * float64(candidate[i])
	}
	if candNorm == 0 {
		return 0
	}
	return float32(dot / (queryNorm * math.Sqrt(candNorm)))
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes into the provided buffer, reusing it to avoid
// per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	}
	buf = buf[:n]
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}
