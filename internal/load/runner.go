// Package load drives a batch run: each source variant is normalized,
// resolved into knowledgebase records and reported, with per-record
// failures counted and logged instead of aborting the run.
package load

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bcgsc/pori/internal/duckdb"
	"github.com/bcgsc/pori/internal/kb"
	"github.com/bcgsc/pori/internal/normalize"
	"github.com/bcgsc/pori/internal/resolve"
)

// storeBatchSize is the number of results buffered before a database write.
const storeBatchSize = 1000

// Error kinds reported in counts and the error log.
const (
	KindAmbiguousNotation = "ambiguous notation"
	KindReferenceMismatch = "reference mismatch"
	KindEmptyVariant      = "empty variant"
	KindUnresolvedRef     = "unresolved reference"
	KindNotUnique         = "not unique"
	KindCanceled          = "canceled"
	KindOther             = "other"
)

// Classify names the error kind of err.
func Classify(err error) string {
	switch {
	case errors.Is(err, normalize.ErrAmbiguousNotation):
		return KindAmbiguousNotation
	case errors.Is(err, normalize.ErrReferenceMismatch):
		return KindReferenceMismatch
	case errors.Is(err, normalize.ErrEmptyVariant):
		return KindEmptyVariant
	case errors.Is(err, resolve.ErrUnresolvedReference):
		return KindUnresolvedRef
	case errors.Is(err, kb.ErrNotUnique):
		return KindNotUnique
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	}
	return KindOther
}

// Counts summarizes a run.
type Counts struct {
	Success int            `json:"success" yaml:"success"`
	Error   int            `json:"error" yaml:"error"`
	Skip    int            `json:"skip,omitempty" yaml:"skip,omitempty"`
	Errors  map[string]int `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// NewCounts returns empty counts.
func NewCounts() Counts {
	return Counts{Errors: map[string]int{}}
}

// Add counts one outcome, a success when err is nil.
func (c *Counts) Add(err error) {
	if err == nil {
		c.Success++
		return
	}
	if c.Errors == nil {
		c.Errors = map[string]int{}
	}
	c.Error++
	c.Errors[Classify(err)]++
}

// ErrorEntry is one line of the JSON error log.
type ErrorEntry struct {
	RunID    string    `json:"runId"`
	Seq      int       `json:"seq"`
	Source   string    `json:"source,omitempty"`
	Gene     string    `json:"gene,omitempty"`
	EntrezID string    `json:"entrezId,omitempty"`
	Input    string    `json:"input"`
	Kind     string    `json:"kind"`
	Error    string    `json:"error"`
	Time     time.Time `json:"time"`
}

// FinishFunc runs on a worker after a variant has been resolved, for
// source-specific records built from the resolved variants.
type FinishFunc func(ctx context.Context, item WorkItem, result *WorkResult) error

// Option configures a Runner.
type Option func(*Runner)

// WithResolver persists normalized variants. Without one a run only
// normalizes.
func WithResolver(r *resolve.Resolver) Option {
	return func(rn *Runner) { rn.resolver = r }
}

// WithStore records every normalization outcome in the database.
func WithStore(s *duckdb.Store) Option {
	return func(rn *Runner) { rn.store = s }
}

// WithErrorLog appends failed records to w as JSON lines.
func WithErrorLog(w io.Writer) Option {
	return func(rn *Runner) { rn.errLog = w }
}

// WithWorkers sets the worker pool size, capped at MaxWorkers.
func WithWorkers(n int) Option {
	return func(rn *Runner) { rn.workers = n }
}

// WithSource names the source the variants come from.
func WithSource(name string) Option {
	return func(rn *Runner) { rn.source = name }
}

// WithFinish runs fn after each successful resolution.
func WithFinish(fn FinishFunc) Option {
	return func(rn *Runner) { rn.finish = fn }
}

// Runner processes batches of source variants.
type Runner struct {
	normalizer *normalize.Normalizer
	resolver   *resolve.Resolver
	store      *duckdb.Store
	errLog     io.Writer
	source     string
	workers    int
	finish     FinishFunc
	runID      string
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	pending []duckdb.NormalizedResult
}

// NewRunner creates a Runner with a fresh run id.
func NewRunner(n *normalize.Normalizer, opts ...Option) *Runner {
	r := &Runner{
		normalizer: n,
		workers:    1,
		runID:      uuid.NewString(),
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetLogger sets the logger for run progress.
func (r *Runner) SetLogger(l *zap.Logger) {
	r.logger = l
}

// RunID identifies the run in the error log and the results table.
func (r *Runner) RunID() string {
	return r.runID
}

// Items wraps raw variants as work items numbered in order.
func Items(raws []normalize.RawVariant) []WorkItem {
	items := make([]WorkItem, len(raws))
	for i, raw := range raws {
		items[i] = WorkItem{Seq: i, Raw: raw}
	}
	return items
}

// Run processes items and calls fn with each result in input order. Record
// failures are counted, logged and passed to fn; Run itself fails only when
// fn, the error log or the database fails.
func (r *Runner) Run(ctx context.Context, items []WorkItem, fn func(WorkResult) error) (Counts, error) {
	counts := NewCounts()
	ch := make(chan WorkItem, len(items))
	for i, item := range items {
		item.Seq = i
		ch <- item
	}
	close(ch)

	r.logger.Info("starting run", zap.String("run", r.runID), zap.String("source", r.source),
		zap.Int("records", len(items)), zap.Int("workers", r.workers))
	results := parallelProcess(ctx, ch, r.workers, r.process)
	err := OrderedCollect(results, func(res WorkResult) error {
		counts.Add(res.Err)
		if res.Err != nil {
			if err := r.logError(res); err != nil {
				return err
			}
		}
		if err := r.record(res, false); err != nil {
			return err
		}
		if fn != nil {
			return fn(res)
		}
		return nil
	})
	if err != nil {
		return counts, err
	}
	if err := r.record(WorkResult{}, true); err != nil {
		return counts, err
	}
	r.logger.Info("finished run", zap.String("run", r.runID), zap.Int("success", counts.Success),
		zap.Int("error", counts.Error), zap.Any("errors", counts.Errors))
	return counts, nil
}

func (r *Runner) process(ctx context.Context, item WorkItem) WorkResult {
	res := WorkResult{Seq: item.Seq, Raw: item.Raw, Extra: item.Extra}
	res.Variants, res.Err = r.normalizer.Normalize(item.Raw)
	if res.Err != nil || r.resolver == nil {
		return res
	}

	var gene kb.Record
	if item.Raw.GeneSymbol != "" || item.Raw.EntrezID != "" {
		gene, res.Err = r.resolver.Gene(ctx, normalize.Reference{Name: item.Raw.GeneSymbol, SourceID: item.Raw.EntrezID})
		if res.Err != nil {
			return res
		}
	}
	for _, v := range res.Variants {
		resolved, err := r.resolver.ResolveAndPersist(ctx, v, gene)
		if err != nil {
			res.Err = err
			return res
		}
		res.Resolved = append(res.Resolved, resolved)
	}
	if r.finish != nil {
		res.Err = r.finish(ctx, item, &res)
	}
	return res
}

func (r *Runner) logError(res WorkResult) error {
	r.logger.Warn("record failed", zap.Int("seq", res.Seq), zap.String("gene", res.Raw.GeneSymbol),
		zap.String("input", res.Raw.Text), zap.Error(res.Err))
	if r.errLog == nil {
		return nil
	}
	data, err := json.Marshal(ErrorEntry{
		RunID:    r.runID,
		Seq:      res.Seq,
		Source:   r.source,
		Gene:     res.Raw.GeneSymbol,
		EntrezID: res.Raw.EntrezID,
		Input:    res.Raw.Text,
		Kind:     Classify(res.Err),
		Error:    res.Err.Error(),
		Time:     r.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode error entry: %w", err)
	}
	if _, err := r.errLog.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write error log: %w", err)
	}
	return nil
}

// record buffers res for the database, writing when the batch is full or
// flush is set.
func (r *Runner) record(res WorkResult, flush bool) error {
	if r.store == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !flush {
		r.pending = append(r.pending, duckdb.NormalizedResult{
			RunID:    r.runID,
			Source:   r.source,
			Raw:      res.Raw,
			Variants: res.Variants,
			Err:      res.Err,
		})
	}
	if len(r.pending) == 0 || (!flush && len(r.pending) < storeBatchSize) {
		return nil
	}
	if err := r.store.WriteNormalized(r.pending); err != nil {
		return fmt.Errorf("store results: %w", err)
	}
	r.pending = r.pending[:0]
	return nil
}

// FormatCounts renders counts as "success=N error=N (kind=N, ...)".
func FormatCounts(c Counts) string {
	out := fmt.Sprintf("success=%d error=%d", c.Success, c.Error)
	if c.Skip > 0 {
		out += fmt.Sprintf(" skip=%d", c.Skip)
	}
	if len(c.Errors) == 0 {
		return out
	}
	kinds := make([]string, 0, len(c.Errors))
	for k := range c.Errors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = fmt.Sprintf("%s=%d", k, c.Errors[k])
	}
	return out + " (" + strings.Join(parts, ", ") + ")"
}
