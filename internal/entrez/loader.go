package entrez

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bcgsc/pori/internal/kb"
)

// defaultUploadLimit bounds concurrent record uploads per call.
const defaultUploadLimit = 100

// parseFunc converts one document summary into record content.
type parseFunc func(doc json.RawMessage) (map[string]any, error)

// loader fetches document summaries from one Entrez database and uploads
// them as records of one class owned by one source.
type loader struct {
	client *Client
	kb     kb.Client
	logger *zap.Logger

	db          string
	target      string
	sourceDefn  map[string]any
	parse       parseFunc
	displayName func(sourceID string) string
	// idKey maps a requested id onto the cache key of its record.
	idKey func(id string) string
	limit int

	mu     sync.Mutex
	source kb.Record
	cache  map[string]kb.Record
}

func newLoader(c *Client, conn kb.Client, db, target string, sourceDefn map[string]any, parse parseFunc) *loader {
	return &loader{
		client:     c,
		kb:         conn,
		logger:     zap.NewNop(),
		db:         db,
		target:     target,
		sourceDefn: sourceDefn,
		parse:      parse,
		idKey:      func(id string) string { return strings.ToLower(strings.TrimSpace(id)) },
		limit:      defaultUploadLimit,
		cache:      make(map[string]kb.Record),
	}
}

// cacheKey identifies a record by its source id and version.
func cacheKey(sourceID string, version any) string {
	if v, ok := version.(string); ok && v != "" {
		return strings.ToLower(sourceID + "-" + v)
	}
	return strings.ToLower(sourceID)
}

func contentKey(content map[string]any) string {
	id, _ := content["sourceId"].(string)
	return cacheKey(id, content["sourceIdVersion"])
}

func (l *loader) cached(key string) (kb.Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.cache[key]
	return rec, ok
}

func (l *loader) store(key string, rec kb.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache[key] = rec
}

// sourceRecord returns the source record, creating it on first use.
func (l *loader) sourceRecord(ctx context.Context) (kb.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.source != nil {
		return l.source, nil
	}
	rec, err := l.kb.AddSource(ctx, l.sourceDefn)
	if err != nil {
		return nil, fmt.Errorf("add source %v: %w", l.sourceDefn["name"], err)
	}
	l.source = rec
	return rec, nil
}

// pullFromCache splits ids into cached records and ids still to fetch.
func (l *loader) pullFromCache(ids []string) ([]kb.Record, []string) {
	seen := make(map[string]bool, len(ids))
	var cached []kb.Record
	var remaining []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		key := l.idKey(id)
		if id == "" || seen[key] {
			continue
		}
		seen[key] = true
		if rec, ok := l.cached(key); ok {
			cached = append(cached, rec)
		} else {
			remaining = append(remaining, id)
		}
	}
	return cached, remaining
}

// fetch returns the parsed content of ids not already cached. Documents
// that fail to parse are logged and skipped.
func (l *loader) fetch(ctx context.Context, ids []string, docsums func(context.Context, string, []string) ([]json.RawMessage, error)) ([]map[string]any, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	docs, err := docsums(ctx, l.db, ids)
	if err != nil {
		return nil, err
	}
	contents := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		content, err := l.parse(doc)
		if err != nil {
			l.logger.Error("skipping entrez record", zap.String("db", l.db), zap.Error(err))
			continue
		}
		contents = append(contents, content)
	}
	return contents, nil
}

// fetchAndLoad returns the records for ids, fetching and uploading those
// not yet cached.
func (l *loader) fetchAndLoad(ctx context.Context, ids []string) ([]kb.Record, error) {
	cached, remaining := l.pullFromCache(ids)
	contents, err := l.fetch(ctx, remaining, l.client.Summaries)
	if err != nil {
		return nil, err
	}
	uploaded, err := l.uploadAll(ctx, contents)
	if err != nil {
		return nil, err
	}
	return append(cached, uploaded...), nil
}

// uploadAll uploads contents with bounded concurrency, keeping their order.
func (l *loader) uploadAll(ctx context.Context, contents []map[string]any) ([]kb.Record, error) {
	out := make([]kb.Record, len(contents))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.limit)
	for i, content := range contents {
		g.Go(func() error {
			rec, err := l.upload(ctx, content)
			if err != nil {
				return err
			}
			out[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// upload fetches the record matching content's source id and version, or
// creates it.
func (l *loader) upload(ctx context.Context, content map[string]any) (kb.Record, error) {
	key := contentKey(content)
	if rec, ok := l.cached(key); ok {
		return rec, nil
	}
	source, err := l.sourceRecord(ctx)
	if err != nil {
		return nil, err
	}
	conditions := map[string]any{"AND": []any{
		map[string]any{"sourceId": content["sourceId"]},
		map[string]any{"source": source.RID()},
		map[string]any{"sourceIdVersion": content["sourceIdVersion"]},
	}}

	rec, err := l.kb.GetUniqueRecordBy(ctx, l.target, conditions, nil)
	if err != nil {
		formatted := make(map[string]any, len(content)+2)
		for k, v := range content {
			formatted[k] = v
		}
		formatted["source"] = source.RID()
		if l.displayName != nil {
			formatted["displayName"] = l.displayName(fmt.Sprint(content["sourceId"]))
		}
		rec, err = l.kb.AddRecord(ctx, l.target, formatted, kb.AddOptions{ExistsOK: true, FetchConditions: conditions})
		if err != nil {
			return nil, fmt.Errorf("upload %s %v: %w", l.db, content["sourceId"], err)
		}
	}
	l.store(key, rec)
	return rec, nil
}

// requireFields checks that name/value pairs have non-empty values.
func requireFields(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return fmt.Errorf("document missing required field %q", pairs[i])
		}
	}
	return nil
}
