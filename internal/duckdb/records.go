package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bcgsc/pori/internal/kb"
)

// Backend stores knowledgebase records in the records table. It implements
// kb.Backend.
type Backend struct {
	store *Store
}

// NewBackend creates a Backend over s.
func NewBackend(s *Store) *Backend {
	return &Backend{store: s}
}

// Insert stores rec, failing with kb.ErrConflict if a live record of the
// same class already holds key.
func (b *Backend) Insert(ctx context.Context, rec kb.Record, key string) error {
	var existing string
	err := b.store.db.QueryRowContext(ctx,
		`SELECT rid FROM records WHERE class=? AND record_key=? AND NOT deleted LIMIT 1`,
		rec.Class(), key).Scan(&existing)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s %s", kb.ErrConflict, rec.Class(), existing)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("check record key: %w", err)
	}

	content, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if _, err := b.store.db.ExecContext(ctx,
		`INSERT INTO records (rid, class, record_key, content) VALUES (?, ?, ?, ?)`,
		rec.RID(), rec.Class(), key, string(content)); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// Update replaces the stored content of rec.
func (b *Backend) Update(ctx context.Context, rec kb.Record) error {
	content, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	res, err := b.store.db.ExecContext(ctx,
		`UPDATE records SET content=? WHERE rid=? AND NOT deleted`, string(content), rec.RID())
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	return requireAffected(res, rec.RID())
}

// Get returns the live record rid.
func (b *Backend) Get(ctx context.Context, rid string) (kb.Record, error) {
	var content string
	err := b.store.db.QueryRowContext(ctx,
		`SELECT content FROM records WHERE rid=? AND NOT deleted`, rid).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", kb.ErrNotFound, rid)
	}
	if err != nil {
		return nil, fmt.Errorf("query record: %w", err)
	}
	return decodeRecord(content)
}

// List returns the live records of class in insertion order.
func (b *Backend) List(ctx context.Context, class string) ([]kb.Record, error) {
	rows, err := b.store.db.QueryContext(ctx,
		`SELECT content FROM records WHERE class=? AND NOT deleted ORDER BY seq`, class)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []kb.Record
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec, err := decodeRecord(content)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// Delete soft-deletes the record rid and releases its key.
func (b *Backend) Delete(ctx context.Context, rid string) error {
	res, err := b.store.db.ExecContext(ctx,
		`UPDATE records SET deleted=true, record_key=NULL WHERE rid=? AND NOT deleted`, rid)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return requireAffected(res, rid)
}

// CountRecords returns the number of live records per class.
func (s *Store) CountRecords(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT class, count(*) FROM records WHERE NOT deleted GROUP BY class`)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var class string
		var n int
		if err := rows.Scan(&class, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[class] = n
	}
	return counts, rows.Err()
}

func decodeRecord(content string) (kb.Record, error) {
	var rec kb.Record
	if err := json.Unmarshal([]byte(content), &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

func requireAffected(res sql.Result, rid string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", kb.ErrNotFound, rid)
	}
	return nil
}
