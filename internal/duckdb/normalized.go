package duckdb

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	goduckdb "github.com/marcboeker/go-duckdb"

	"github.com/bcgsc/pori/internal/normalize"
)

// NormalizedResult is one normalization outcome to record.
type NormalizedResult struct {
	RunID    string
	Source   string
	Raw      normalize.RawVariant
	Variants []*normalize.Variant
	Err      error
}

// StoredResult is a normalization outcome read back from the database.
type StoredResult struct {
	RunID     string
	Source    string
	Gene      string
	EntrezID  string
	Input     string
	Variants  json.RawMessage
	Error     string
	Ambiguous bool
}

// resultKey is the key for deduplicating results before writing.
type resultKey struct {
	source, gene, input string
}

// WriteNormalized batch-inserts results using the Appender API. Duplicate
// (source, gene, input) entries are written once.
func (s *Store) WriteNormalized(results []NormalizedResult) error {
	if len(results) == 0 {
		return nil
	}

	seen := make(map[resultKey]bool, len(results))
	deduped := make([]NormalizedResult, 0, len(results))
	for _, r := range results {
		k := resultKey{r.Source, r.Raw.GeneSymbol, r.Raw.Text}
		if !seen[k] {
			seen[k] = true
			deduped = append(deduped, r)
		}
	}

	conn, err := s.db.Conn(context.Background())
	if err != nil {
		return fmt.Errorf("get connection: %w", err)
	}
	defer conn.Close()

	var appender *goduckdb.Appender
	if err := conn.Raw(func(driverConn any) error {
		var err error
		appender, err = goduckdb.NewAppenderFromConn(driverConn.(driver.Conn), "", "normalized_variants")
		return err
	}); err != nil {
		return fmt.Errorf("create appender: %w", err)
	}
	defer appender.Close()

	for _, r := range deduped {
		variants := "[]"
		if len(r.Variants) > 0 {
			data, err := json.Marshal(r.Variants)
			if err != nil {
				return fmt.Errorf("encode variants for %q: %w", r.Raw.Text, err)
			}
			variants = string(data)
		}
		var msg string
		if r.Err != nil {
			msg = r.Err.Error()
		}
		if err := appender.AppendRow(
			r.RunID, r.Source, r.Raw.GeneSymbol, r.Raw.EntrezID, r.Raw.Text,
			variants, msg, errors.Is(r.Err, normalize.ErrAmbiguousNotation),
		); err != nil {
			return fmt.Errorf("append normalized result: %w", err)
		}
	}

	return appender.Flush()
}

// ClearNormalized removes all recorded normalization results.
func (s *Store) ClearNormalized() error {
	_, err := s.db.Exec("DELETE FROM normalized_variants")
	return err
}

// LookupNormalized returns recorded results for an input under a gene.
func (s *Store) LookupNormalized(gene, input string) ([]StoredResult, error) {
	rows, err := s.db.Query(`SELECT
		run_id, source, gene, entrez_id, input, variants, error, ambiguous
		FROM normalized_variants
		WHERE gene=? AND input=?`, gene, input)
	if err != nil {
		return nil, fmt.Errorf("query normalized: %w", err)
	}
	defer rows.Close()

	return scanStoredResults(rows)
}

// SearchByGene returns every recorded result for a gene.
func (s *Store) SearchByGene(gene string) ([]StoredResult, error) {
	rows, err := s.db.Query(`SELECT
		run_id, source, gene, entrez_id, input, variants, error, ambiguous
		FROM normalized_variants
		WHERE gene=?`, gene)
	if err != nil {
		return nil, fmt.Errorf("query by gene: %w", err)
	}
	defer rows.Close()

	return scanStoredResults(rows)
}

// Failures returns the recorded results that did not normalize.
func (s *Store) Failures(runID string) ([]StoredResult, error) {
	rows, err := s.db.Query(`SELECT
		run_id, source, gene, entrez_id, input, variants, error, ambiguous
		FROM normalized_variants
		WHERE run_id=? AND error <> ''`, runID)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	return scanStoredResults(rows)
}

// scanStoredResults scans rows into StoredResult slices.
func scanStoredResults(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]StoredResult, error) {
	var results []StoredResult
	for rows.Next() {
		var r StoredResult
		var variants string
		if err := rows.Scan(
			&r.RunID, &r.Source, &r.Gene, &r.EntrezID, &r.Input,
			&variants, &r.Error, &r.Ambiguous,
		); err != nil {
			return nil, fmt.Errorf("scan normalized result: %w", err)
		}
		r.Variants = json.RawMessage(variants)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate normalized results: %w", err)
	}
	return results, nil
}
