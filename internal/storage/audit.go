// Package storage persists finalized conversation turns to SQLite so they
// survive session eviction and daemon restarts. It is an append-only audit
// log: the in-memory session store stays the source of truth for live
// conversations.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kalambet/ragd/internal/session"
)

var ErrNotFound = errors.New("not found")

//go:embed migrations/*.sql
var migrationsFS embed.FS

// AuditLog is a SQLite-backed record of finalized turns.
type AuditLog struct {
	db *sql.DB
}

// Open opens (or creates) the audit database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*AuditLog, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "audit.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Single connection avoids "database is locked" under concurrent turns.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	log := &AuditLog{db: db}
	if err := log.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return log, nil
}

func (l *AuditLog) Close() error {
	return l.db.Close()
}

func (l *AuditLog) migrate() error {
	if _, err := l.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
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
		if err := l.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := l.db.Begin()
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

// SaveTurn appends a finalized turn. Saving the same turn id twice is a
// no-op, so replayed appends stay idempotent.
func (l *AuditLog) SaveTurn(ctx context.Context, sessionID string, turn session.Turn) error {
	citations, err := json.Marshal(turn.Citations)
	if err != nil {
		return fmt.Errorf("marshalling citations: %w", err)
	}
	trace, err := json.Marshal(turn.Trace)
	if err != nil {
		return fmt.Errorf("marshalling trace: %w", err)
	}
	degraded, err := json.Marshal(turn.Degraded)
	if err != nil {
		return fmt.Errorf("marshalling degraded sources: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO turns (id, session_id, query, answer, citations_json, trace_json, degraded_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		turn.ID, sessionID, turn.Query, turn.Answer,
		string(citations), string(trace), string(degraded),
		turn.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// SessionTurns returns a session's persisted turns, oldest first.
func (l *AuditLog) SessionTurns(ctx context.Context, sessionID string) ([]session.Turn, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, query, answer, citations_json, trace_json, degraded_json, created_at
		FROM turns WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []session.Turn
	for rows.Next() {
		var t session.Turn
		var citations, trace, degraded, createdAt string
		if err := rows.Scan(&t.ID, &t.Query, &t.Answer, &citations, &trace, &degraded, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(citations), &t.Citations); err != nil {
			return nil, fmt.Errorf("parsing citations for turn %s: %w", t.ID, err)
		}
		if err := json.Unmarshal([]byte(trace), &t.Trace); err != nil {
			return nil, fmt.Errorf("parsing trace for turn %s: %w", t.ID, err)
		}
		if err := json.Unmarshal([]byte(degraded), &t.Degraded); err != nil {
			return nil, fmt.Errorf("parsing degraded sources for turn %s: %w", t.ID, err)
		}
		if t.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for turn %s: %w", t.ID, err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Sessions lists the session ids present in the log, most recent first.
func (l *AuditLog) Sessions(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT session_id FROM turns GROUP BY session_id ORDER BY MAX(seq) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
