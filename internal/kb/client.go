package kb

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Client is the record-level knowledgebase contract used by the resolver
// and the source loaders.
type Client interface {
	AddRecord(ctx context.Context, target string, content map[string]any, opts AddOptions) (Record, error)
	AddVariant(ctx context.Context, target string, content map[string]any, opts AddOptions) (Record, error)
	AddSource(ctx context.Context, content map[string]any) (Record, error)
	GetUniqueRecordBy(ctx context.Context, target string, filters map[string]any, cmp Comparator) (Record, error)
	GetRecords(ctx context.Context, target string, filters map[string]any) ([]Record, error)
	GetVocabularyTerm(ctx context.Context, term, source string) (Record, error)
	DeleteRecord(ctx context.Context, target, rid string) error
}

// Transport is the set of primitive operations a knowledgebase backend
// provides. Create must fail with an error matching ErrConflict when the
// record would duplicate an existing one.
type Transport interface {
	Create(ctx context.Context, target string, content map[string]any) (Record, error)
	Update(ctx context.Context, target, rid string, content map[string]any) (Record, error)
	Query(ctx context.Context, q Query) ([]Record, error)
	Delete(ctx context.Context, target, rid string) error
}

// AddOptions controls how AddRecord treats existing records.
type AddOptions struct {
	// ExistsOK returns the existing record instead of failing on a conflict.
	ExistsOK bool
	// SkipFetch returns a nil record on a tolerated conflict rather than
	// fetching the existing one.
	SkipFetch bool
	// FetchFirst looks for an existing record before creating.
	FetchFirst bool
	// FetchConditions are the filters used to find the existing record.
	// Defaults to an AND over every content property.
	FetchConditions map[string]any
	// Upsert updates the existing record when its content differs.
	Upsert bool
	// UpsertCheckExclude lists properties ignored when deciding to update.
	UpsertCheckExclude []string
	// Sort picks one record when the fetch matches several.
	Sort Comparator
}

// ClassCounts is the number of records written for one class.
type ClassCounts struct {
	Created int `json:"created,omitempty" yaml:"created,omitempty"`
	Updated int `json:"updated,omitempty" yaml:"updated,omitempty"`
	Deleted int `json:"deleted,omitempty" yaml:"deleted,omitempty"`
}

// Conn implements Client over a Transport.
type Conn struct {
	transport Transport
	pageSize  int
	logger    *zap.Logger

	mu     sync.Mutex
	counts map[string]*ClassCounts
}

// NewConn creates a Conn over t.
func NewConn(t Transport) *Conn {
	return &Conn{
		transport: t,
		pageSize:  1000,
		logger:    zap.NewNop(),
		counts:    make(map[string]*ClassCounts),
	}
}

// SetLogger sets the logger for record writes.
func (c *Conn) SetLogger(l *zap.Logger) {
	c.logger = l
}

// Counts returns a copy of the per-class write counters.
func (c *Conn) Counts() map[string]ClassCounts {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ClassCounts, len(c.counts))
	for k, v := range c.counts {
		out[k] = *v
	}
	return out
}

func (c *Conn) count(target string, fn func(*ClassCounts)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cc, ok := c.counts[target]
	if !ok {
		cc = &ClassCounts{}
		c.counts[target] = cc
	}
	fn(cc)
}

// AddRecord creates a record of class target. With ExistsOK or Upsert a
// conflict resolves to the existing record, found by FetchConditions.
func (c *Conn) AddRecord(ctx context.Context, target string, content map[string]any, opts AddOptions) (Record, error) {
	content = linksToRIDs(content)
	filters := opts.FetchConditions
	if filters == nil {
		filters = ConvertRecordToQueryFilters(content)
	}

	if opts.FetchFirst || opts.Upsert {
		existing, err := c.GetUniqueRecordBy(ctx, target, filters, opts.Sort)
		if err == nil {
			return c.maybeUpdate(ctx, target, existing, content, opts)
		}
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrNotUnique) {
			return nil, err
		}
	}

	created, err := c.transport.Create(ctx, target, content)
	if err == nil {
		c.count(target, func(cc *ClassCounts) { cc.Created++ })
		c.logger.Debug("created record", zap.String("class", target), zap.String("rid", created.RID()))
		return created, nil
	}
	if !errors.Is(err, ErrConflict) || !(opts.ExistsOK || opts.Upsert) {
		return nil, fmt.Errorf("create %s: %w", target, err)
	}
	if opts.SkipFetch && !opts.Upsert {
		return nil, nil
	}
	existing, err := c.GetUniqueRecordBy(ctx, target, filters, opts.Sort)
	if err != nil {
		return nil, fmt.Errorf("fetch existing %s: %w", target, err)
	}
	return c.maybeUpdate(ctx, target, existing, content, opts)
}

func (c *Conn) maybeUpdate(ctx context.Context, target string, existing Record, content map[string]any, opts AddOptions) (Record, error) {
	if !opts.Upsert {
		return existing, nil
	}
	changed, err := ShouldUpdate(existing, content, opts.UpsertCheckExclude)
	if err != nil {
		return nil, err
	}
	if !changed {
		return existing, nil
	}
	c.logger.Info("updating record", zap.String("class", target), zap.String("rid", existing.RID()))
	updated, err := c.transport.Update(ctx, target, existing.RID(), content)
	if err != nil {
		return nil, fmt.Errorf("update %s %s: %w", target, existing.RID(), err)
	}
	c.count(target, func(cc *ClassCounts) { cc.Updated++ })
	return updated, nil
}

// ShouldUpdate reports whether content changes any property of existing,
// ignoring excluded properties and treating missing, null and "" as equal.
func ShouldUpdate(existing Record, content map[string]any, exclude []string) (bool, error) {
	skip := make(map[string]bool, len(exclude))
	for _, k := range exclude {
		skip[k] = true
	}
	original := linksToRIDs(existing)
	for k, v := range linksToRIDs(content) {
		if skip[k] {
			continue
		}
		if nullLike(original[k]) && nullLike(v) {
			continue
		}
		a, err := canonical(original[k])
		if err != nil {
			return false, err
		}
		b, err := canonical(v)
		if err != nil {
			return false, err
		}
		if k == "subsets" {
			a, b = sortedList(a), sortedList(b)
		}
		if !reflect.DeepEqual(a, b) {
			return true, nil
		}
	}
	return false, nil
}

func sortedList(v any) any {
	list, ok := v.([]any)
	if !ok {
		return v
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		out = append(out, fmt.Sprint(e))
	}
	sort.Strings(out)
	return out
}

// AddVariant adds a variant record. Break positions are left out of the
// fetch filter (their representations are matched instead) and properties
// the content omits must be null on the existing record.
func (c *Conn) AddVariant(ctx context.Context, target string, content map[string]any, opts AddOptions) (Record, error) {
	conditions := map[string]any{
		"germline":   nil,
		"reference2": nil,
		"zygosity":   nil,
	}
	if target == ClassPositionalVariant {
		for _, k := range []string{"assembly", "break1Repr", "break2Repr", "refSeq", "truncation", "untemplatedSeq"} {
			conditions[k] = nil
		}
	}
	for k, v := range linksToRIDs(content) {
		switch k {
		case "break1Start", "break1End", "break2Start", "break2End":
			continue
		}
		conditions[k] = v
	}
	opts.FetchConditions = ConvertRecordToQueryFilters(conditions)
	return c.AddRecord(ctx, target, content, opts)
}

// AddSource creates or updates a Source record matched by name.
func (c *Conn) AddSource(ctx context.Context, content map[string]any) (Record, error) {
	return c.AddRecord(ctx, ClassSource, content, AddOptions{
		ExistsOK:        true,
		FetchFirst:      true,
		FetchConditions: map[string]any{"name": content["name"]},
		Upsert:          true,
	})
}

// GetUniqueRecordBy returns the single record matching filters. When several
// match, cmp must rank the first strictly ahead of the second.
func (c *Conn) GetUniqueRecordBy(ctx context.Context, target string, filters map[string]any, cmp Comparator) (Record, error) {
	records, err := c.transport.Query(ctx, Query{Target: target, Filters: filters, Neighbors: 1})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", target, err)
	}
	if cmp == nil {
		cmp = NoOrder
	}
	SortRecords(records, cmp)
	switch {
	case len(records) == 0:
		return nil, fmt.Errorf("%w: %s where %v", ErrNotFound, target, filters)
	case len(records) > 1 && cmp(records[0], records[1]) == 0:
		return nil, fmt.Errorf("%w: expected a single %s but found [%s, %s] where %v",
			ErrNotUnique, target, records[0].RID(), records[1].RID(), filters)
	}
	return records[0], nil
}

// GetRecords returns every record matching filters, paging through results.
func (c *Conn) GetRecords(ctx context.Context, target string, filters map[string]any) ([]Record, error) {
	var out []Record
	for skip := 0; ; skip += c.pageSize {
		page, err := c.transport.Query(ctx, Query{Target: target, Filters: filters, Limit: c.pageSize, Skip: skip, Neighbors: 1})
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", target, err)
		}
		out = append(out, page...)
		if len(page) < c.pageSize {
			return out, nil
		}
	}
}

// GetVocabularyTerm fetches a vocabulary term owned by source, which
// defaults to the knowledgebase's own vocabulary.
func (c *Conn) GetVocabularyTerm(ctx context.Context, term, source string) (Record, error) {
	if term == "" {
		return nil, errors.New("cannot fetch vocabulary for an empty term")
	}
	if source == "" {
		source = GraphKBSource
	}
	filters := map[string]any{"AND": []any{
		map[string]any{"sourceId": term},
		map[string]any{"source": Subquery(ClassSource, map[string]any{"name": source})},
	}}
	return c.GetUniqueRecordBy(ctx, ClassVocabulary, filters, OrderPreferredOntologyTerms)
}

// DeleteRecord removes the record rid of class target.
func (c *Conn) DeleteRecord(ctx context.Context, target, rid string) error {
	if err := c.transport.Delete(ctx, target, rid); err != nil {
		return fmt.Errorf("delete %s %s: %w", target, rid, err)
	}
	c.count(target, func(cc *ClassCounts) { cc.Deleted++ })
	return nil
}
