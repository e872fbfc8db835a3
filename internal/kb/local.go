package kb

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Backend stores records for a Local knowledgebase.
type Backend interface {
	// Insert stores rec under the uniqueness key, failing with ErrConflict
	// if another live record of the same class holds key.
	Insert(ctx context.Context, rec Record, key string) error
	Update(ctx context.Context, rec Record) error
	// Get fails with ErrNotFound for unknown or deleted records.
	Get(ctx context.Context, rid string) (Record, error)
	// List returns the live records of class in insertion order.
	List(ctx context.Context, class string) ([]Record, error)
	Delete(ctx context.Context, rid string) error
}

// uniqueProperties are the properties that identify a record per class.
// Classes not listed are identified by their whole content.
var uniqueProperties = map[string][]string{
	ClassFeature:          {"source", "sourceId", "sourceIdVersion", "name", "biotype"},
	ClassVocabulary:       {"source", "sourceId", "name"},
	ClassSource:           {"name"},
	ClassInfers:           {"in", "out"},
	ClassGeneralizationOf: {"in", "out"},
	ClassElementOf:        {"in", "out"},
	ClassDisease:          {"source", "sourceId", "sourceIdVersion", "name"},
	ClassTherapy:          {"source", "sourceId", "sourceIdVersion", "name"},
	ClassSignature:        {"source", "sourceId", "name"},
	ClassCuratedContent:   {"source", "sourceId"},
	ClassPublication:      {"source", "sourceId"},
	ClassEvidenceLevel:    {"source", "sourceId"},
	ClassCatalogueVariant: {"source", "sourceId"},
}

// Local is an in-process knowledgebase with the same conflict semantics as
// the remote API. It is used for dry runs and tests.
type Local struct {
	backend Backend
	now     func() time.Time
	mu      sync.Mutex
}

// NewLocal creates a Local over backend.
func NewLocal(backend Backend) *Local {
	return &Local{backend: backend, now: time.Now}
}

// uniqueKey returns the canonical JSON of the identifying properties.
func uniqueKey(class string, content map[string]any) (string, error) {
	props, ok := uniqueProperties[class]
	key := map[string]any{}
	if !ok {
		for k, v := range content {
			if !strings.HasPrefix(k, "@") {
				key[k] = v
			}
		}
	} else {
		for _, p := range props {
			if v, ok := content[p]; ok && v != nil {
				key[p] = v
			}
		}
	}
	if class == ClassFeature || class == ClassVocabulary || class == ClassDisease || class == ClassTherapy {
		for _, p := range []string{"sourceId", "name"} {
			if s, ok := key[p].(string); ok {
				key[p] = strings.ToLower(s)
			}
		}
	}
	// encoding/json writes map keys sorted, so equal content gives equal keys
	data, err := json.Marshal(key)
	if err != nil {
		return "", fmt.Errorf("encode unique key: %w", err)
	}
	return string(data), nil
}

// Create stores content as a new record of class target.
func (l *Local) Create(ctx context.Context, target string, content map[string]any) (Record, error) {
	normalized, err := canonical(linksToRIDs(content))
	if err != nil {
		return nil, err
	}
	rec := Record(normalized.(map[string]any))
	rec["@class"] = target
	rec["@rid"] = "#" + uuid.NewString()
	key, err := uniqueKey(target, rec)
	if err != nil {
		return nil, err
	}
	stamp := l.now().UnixMilli()
	rec["createdAt"] = stamp
	rec["updatedAt"] = stamp

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.backend.Insert(ctx, rec, key); err != nil {
		return nil, err
	}
	return copyRecord(rec), nil
}

// Update merges content into the record rid.
func (l *Local) Update(ctx context.Context, target, rid string, content map[string]any) (Record, error) {
	normalized, err := canonical(linksToRIDs(content))
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, err := l.backend.Get(ctx, rid)
	if err != nil {
		return nil, err
	}
	for k, v := range normalized.(map[string]any) {
		if !strings.HasPrefix(k, "@") {
			rec[k] = v
		}
	}
	rec["updatedAt"] = l.now().UnixMilli()
	if err := l.backend.Update(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes the record rid.
func (l *Local) Delete(ctx context.Context, target, rid string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backend.Delete(ctx, rid)
}

// Query evaluates q's filters over the records of q.Target and its
// subclasses. Links are not expanded.
func (l *Local) Query(ctx context.Context, q Query) ([]Record, error) {
	var candidates []Record
	for _, class := range Classes(q.Target) {
		recs, err := l.backend.List(ctx, class)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", class, err)
		}
		candidates = append(candidates, recs...)
	}
	filters, err := canonical(q.Filters)
	if err != nil {
		return nil, err
	}

	var out []Record
	for _, rec := range candidates {
		ok, err := l.matches(ctx, rec, filters)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	if q.Skip > 0 {
		if q.Skip >= len(out) {
			return nil, nil
		}
		out = out[q.Skip:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// matches evaluates a filters clause: {"AND": [...]}, {"OR": [...]},
// property equality, or a subquery {"target": ..., "filters": ...} on a link.
func (l *Local) matches(ctx context.Context, rec Record, filters any) (bool, error) {
	clause, ok := filters.(map[string]any)
	if !ok || len(clause) == 0 {
		return true, nil
	}
	keys := make([]string, 0, len(clause))
	for k := range clause {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := clause[k]
		switch k {
		case "AND":
			for _, sub := range asList(v) {
				ok, err := l.matches(ctx, rec, sub)
				if err != nil || !ok {
					return false, err
				}
			}
		case "OR":
			found := false
			for _, sub := range asList(v) {
				ok, err := l.matches(ctx, rec, sub)
				if err != nil {
					return false, err
				}
				if ok {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		default:
			ok, err := l.propertyMatches(ctx, rec[k], v)
			if err != nil || !ok {
				return false, err
			}
		}
	}
	return true, nil
}

func (l *Local) propertyMatches(ctx context.Context, actual, want any) (bool, error) {
	if want == nil {
		return actual == nil, nil
	}
	if sub, ok := want.(map[string]any); ok {
		if target, ok := sub["target"].(string); ok {
			rid, _ := actual.(string)
			if rid == "" {
				return false, nil
			}
			linked, err := l.backend.Get(ctx, rid)
			if err != nil {
				return false, nil
			}
			if !containsString(Classes(target), linked.Class()) {
				return false, nil
			}
			return l.matches(ctx, linked, sub["filters"])
		}
	}
	return reflect.DeepEqual(actual, want), nil
}

func asList(v any) []any {
	list, _ := v.([]any)
	return list
}

func containsString(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

// MemoryBackend is a Backend held in memory.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string]Record
	order   []string
	keys    map[string]string // class + key -> rid
	keyOf   map[string]string // rid -> class + key
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records: make(map[string]Record),
		keys:    make(map[string]string),
		keyOf:   make(map[string]string),
	}
}

func (m *MemoryBackend) Insert(_ context.Context, rec Record, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := rec.Class() + "\x00" + key
	if existing, ok := m.keys[k]; ok {
		return fmt.Errorf("%w: %s %s", ErrConflict, rec.Class(), existing)
	}
	m.records[rec.RID()] = rec
	m.order = append(m.order, rec.RID())
	m.keys[k] = rec.RID()
	m.keyOf[rec.RID()] = k
	return nil
}

func (m *MemoryBackend) Update(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.RID()]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, rec.RID())
	}
	m.records[rec.RID()] = rec
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, rid string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[rid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rid)
	}
	return copyRecord(rec), nil
}

func (m *MemoryBackend) List(_ context.Context, class string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rid := range m.order {
		if rec, ok := m.records[rid]; ok && rec.Class() == class {
			out = append(out, copyRecord(rec))
		}
	}
	return out, nil
}

func (m *MemoryBackend) Delete(_ context.Context, rid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rid]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, rid)
	}
	delete(m.records, rid)
	delete(m.keys, m.keyOf[rid])
	delete(m.keyOf, rid)
	return nil
}

func copyRecord(rec Record) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
