// Package duckdb persists the local knowledgebase and normalization results
// in DuckDB. Records are stored as JSON documents keyed by their record id;
// normalization results are append-only and queryable by gene.
package duckdb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/marcboeker/go-duckdb"
)

// Store manages a DuckDB connection.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates a DuckDB database at the given path.
// Use an empty string for an in-memory database.
func Open(path string) (*Store, error) {
	if path != "" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	// an in-memory database is private to its connection
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for direct access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file, "" when in memory.
func (s *Store) Path() string {
	return s.path
}

// ensureSchema creates tables if they don't exist.
func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE SEQUENCE IF NOT EXISTS record_seq`,
		`CREATE TABLE IF NOT EXISTS records (
			rid VARCHAR PRIMARY KEY,
			seq BIGINT DEFAULT nextval('record_seq'),
			class VARCHAR NOT NULL,
			record_key VARCHAR,
			content VARCHAR NOT NULL,
			deleted BOOLEAN DEFAULT false
		)`,
		`CREATE TABLE IF NOT EXISTS normalized_variants (
			run_id VARCHAR,
			source VARCHAR,
			gene VARCHAR,
			entrez_id VARCHAR,
			input VARCHAR,
			variants VARCHAR,
			error VARCHAR,
			ambiguous BOOLEAN
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
