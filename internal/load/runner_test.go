package load

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcgsc/pori/internal/duckdb"
	"github.com/bcgsc/pori/internal/kb"
	"github.com/bcgsc/pori/internal/normalize"
	"github.com/bcgsc/pori/internal/resolve"
)

type stubGenes map[string]kb.Record

func (s stubGenes) FetchAndLoadBySymbol(_ context.Context, symbol string) ([]kb.Record, error) {
	if rec, ok := s[strings.ToLower(symbol)]; ok {
		return []kb.Record{rec}, nil
	}
	return nil, nil
}

func (s stubGenes) FetchAndLoadByIDs(context.Context, []string) ([]kb.Record, error) {
	return nil, nil
}

func newResolver(t *testing.T) (*kb.Conn, *resolve.Resolver) {
	t.Helper()
	ctx := context.Background()
	conn := kb.NewConn(kb.NewLocal(kb.NewMemoryBackend()))
	src, err := conn.AddSource(ctx, map[string]any{"name": kb.GraphKBSource})
	require.NoError(t, err)
	for _, term := range []string{"missense mutation", "mutation"} {
		_, err := conn.AddRecord(ctx, kb.ClassVocabulary, map[string]any{"sourceId": term, "name": term, "source": src.RID()}, kb.AddOptions{})
		require.NoError(t, err)
	}
	braf, err := conn.AddRecord(ctx, kb.ClassFeature, map[string]any{"sourceId": "673", "name": "braf", "biotype": "gene"}, kb.AddOptions{})
	require.NoError(t, err)
	return conn, resolve.New(conn, stubGenes{"braf": braf})
}

func raws() []normalize.RawVariant {
	return []normalize.RawVariant{
		{GeneSymbol: "BRAF", Text: "V600E"},
		{GeneSymbol: "BRAF", Text: "V600E / V600K"},
		{GeneSymbol: "BRAF", Text: "mutation"},
		{GeneSymbol: "NOTAGENE", Text: "V12D"},
	}
}

func TestRunnerNormalizeOnly(t *testing.T) {
	r := NewRunner(normalize.New(), WithWorkers(4))

	var seqs []int
	counts, err := r.Run(context.Background(), Items(raws()), func(res WorkResult) error {
		seqs = append(seqs, res.Seq)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, seqs)
	assert.Equal(t, 3, counts.Success)
	assert.Equal(t, 1, counts.Error)
	assert.Equal(t, map[string]int{KindAmbiguousNotation: 1}, counts.Errors)
}

func TestRunnerResolves(t *testing.T) {
	conn, resolver := newResolver(t)
	var errLog bytes.Buffer
	r := NewRunner(normalize.New(), WithResolver(resolver), WithErrorLog(&errLog), WithSource("test"))
	r.now = func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }

	var results []WorkResult
	counts, err := r.Run(context.Background(), Items(raws()), func(res WorkResult) error {
		results = append(results, res)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, Counts{Success: 2, Error: 2, Errors: map[string]int{
		KindAmbiguousNotation: 1,
		KindUnresolvedRef:     1,
	}}, counts)

	require.Len(t, results, 4)
	require.Len(t, results[0].Resolved, 1)
	assert.Equal(t, kb.ClassPositionalVariant, results[0].Resolved[0].Class)
	assert.Equal(t, kb.ClassCategoryVariant, results[2].Resolved[0].Class)
	assert.Equal(t, 1, conn.Counts()[kb.ClassPositionalVariant].Created)

	lines := strings.Split(strings.TrimSpace(errLog.String()), "\n")
	require.Len(t, lines, 2)
	var entry ErrorEntry
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &entry))
	assert.Equal(t, r.RunID(), entry.RunID)
	assert.Equal(t, 3, entry.Seq)
	assert.Equal(t, "test", entry.Source)
	assert.Equal(t, "NOTAGENE", entry.Gene)
	assert.Equal(t, KindUnresolvedRef, entry.Kind)
	assert.Equal(t, 2024, entry.Time.Year())
}

func TestRunnerFinish(t *testing.T) {
	_, resolver := newResolver(t)
	var finished []string
	r := NewRunner(normalize.New(), WithResolver(resolver), WithFinish(func(_ context.Context, item WorkItem, res *WorkResult) error {
		finished = append(finished, item.Raw.Text)
		if item.Extra == "reject" {
			return errors.New("statement rejected")
		}
		return nil
	}))

	items := []WorkItem{
		{Raw: normalize.RawVariant{GeneSymbol: "BRAF", Text: "V600E"}},
		{Raw: normalize.RawVariant{GeneSymbol: "BRAF", Text: "mutation"}, Extra: "reject"},
	}
	counts, err := r.Run(context.Background(), items, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"V600E", "mutation"}, finished)
	assert.Equal(t, 1, counts.Errors[KindOther])
}

func TestRunnerStore(t *testing.T) {
	store, err := duckdb.Open("")
	require.NoError(t, err)
	defer store.Close()

	r := NewRunner(normalize.New(), WithStore(store), WithSource("test"))
	_, err = r.Run(context.Background(), Items(raws()), nil)
	require.NoError(t, err)

	failures, err := store.Failures(r.RunID())
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "V600E / V600K", failures[0].Input)
	assert.True(t, failures[0].Ambiguous)

	stored, err := store.LookupNormalized("BRAF", "V600E")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Contains(t, string(stored[0].Variants), "p.v600e")
}

func TestRunnerCallbackError(t *testing.T) {
	r := NewRunner(normalize.New(), WithWorkers(8))
	items := make([]WorkItem, 50)
	for i := range items {
		items[i] = WorkItem{Raw: normalize.RawVariant{GeneSymbol: "KRAS", Text: fmt.Sprintf("G%dD", i+1)}}
	}
	seen := 0
	_, err := r.Run(context.Background(), items, func(WorkResult) error {
		seen++
		if seen == 10 {
			return errors.New("disk full")
		}
		return nil
	})
	require.EqualError(t, err, "disk full")
	assert.Equal(t, 10, seen)
}

func TestRunnerCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewRunner(normalize.New())
	counts, err := r.Run(ctx, Items(raws()), nil)
	require.NoError(t, err)
	assert.Equal(t, len(raws()), counts.Errors[KindCanceled])
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("wrap: %w", normalize.ErrAmbiguousNotation), KindAmbiguousNotation},
		{normalize.ErrReferenceMismatch, KindReferenceMismatch},
		{normalize.ErrEmptyVariant, KindEmptyVariant},
		{fmt.Errorf("gene: %w", resolve.ErrUnresolvedReference), KindUnresolvedRef},
		{kb.ErrNotUnique, KindNotUnique},
		{context.DeadlineExceeded, KindCanceled},
		{errors.New("boom"), KindOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
}

func TestFormatCounts(t *testing.T) {
	assert.Equal(t, "success=3 error=0", FormatCounts(Counts{Success: 3}))
	assert.Equal(t, "success=1 error=3 (not unique=1, other=2)",
		FormatCounts(Counts{Success: 1, Error: 3, Errors: map[string]int{KindOther: 2, KindNotUnique: 1}}))
	assert.Equal(t, "success=0 error=0 skip=2", FormatCounts(Counts{Skip: 2}))
}

func TestCountsAdd(t *testing.T) {
	c := NewCounts()
	c.Add(nil)
	c.Add(normalize.ErrAmbiguousNotation)
	c.Add(fmt.Errorf("wrapped: %w", kb.ErrNotUnique))
	c.Add(errors.New("boom"))
	assert.Equal(t, 1, c.Success)
	assert.Equal(t, 3, c.Error)
	assert.Equal(t, map[string]int{KindAmbiguousNotation: 1, KindNotUnique: 1, KindOther: 1}, c.Errors)

	var zero Counts
	zero.Add(errors.New("boom"))
	assert.Equal(t, 1, zero.Errors[KindOther])
}

func TestOrderedCollectDrainsOnError(t *testing.T) {
	results := make(chan WorkResult, 3)
	results <- WorkResult{Seq: 1}
	results <- WorkResult{Seq: 0}
	results <- WorkResult{Seq: 2}
	close(results)

	var got []int
	err := OrderedCollect(results, func(r WorkResult) error {
		got = append(got, r.Seq)
		if r.Seq == 1 {
			return errors.New("stop")
		}
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, []int{0, 1}, got)
}
