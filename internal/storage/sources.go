package storage

import (
	"context"
	"fmt"

	"github.com/kalambet/ragd/internal/chunking"
	"github.com/kalambet/ragd/internal/source"
)

// SaveSources replaces the persisted source catalog with the given set.
func (l *AuditLog) SaveSources(ctx context.Context, sources []source.Source) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning sources transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM sources"); err != nil {
		return fmt.Errorf("clearing sources: %w", err)
	}
	for _, s := range sources {
		if _, err := tx.Exec(`
			INSERT INTO sources (name, dimension, max_tokens, overlap_tokens, min_tokens, priority)
			VALUES (?, ?, ?, ?, ?, ?)`,
			s.Name, s.Dimension, s.Policy.MaxTokens, s.Policy.OverlapTokens, s.Policy.MinTokens, s.Priority,
		); err != nil {
			return fmt.Errorf("saving source %s: %w", s.Name, err)
		}
	}
	return tx.Commit()
}

// LoadSources returns the persisted source catalog ordered by priority.
func (l *AuditLog) LoadSources(ctx context.Context) ([]source.Source, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT name, dimension, max_tokens, overlap_tokens, min_tokens, priority
		FROM sources ORDER BY priority ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []source.Source
	for rows.Next() {
		var s source.Source
		var p chunking.Policy
		if err := rows.Scan(&s.Name, &s.Dimension, &p.MaxTokens, &p.OverlapTokens, &p.MinTokens, &s.Priority); err != nil {
			return nil, err
		}
		s.Policy = p
		sources = append(sources, s)
	}
	return sources, rows.Err()
}
