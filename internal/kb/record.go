// Package kb is the knowledgebase client: record-level create/fetch/upsert
// semantics over either the remote HTTP API or a local store.
package kb

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Record classes used by the loader.
const (
	ClassFeature           = "Feature"
	ClassPositionalVariant = "PositionalVariant"
	ClassCategoryVariant   = "CategoryVariant"
	ClassCatalogueVariant  = "CatalogueVariant"
	ClassVariant           = "Variant"
	ClassVocabulary        = "Vocabulary"
	ClassSource            = "Source"
	ClassInfers            = "Infers"
	ClassStatement         = "Statement"
	ClassDisease           = "Disease"
	ClassTherapy           = "Therapy"
	ClassPublication       = "Publication"
	ClassEvidenceLevel     = "EvidenceLevel"
	ClassGeneralizationOf  = "GeneralizationOf"
	ClassElementOf         = "ElementOf"
	ClassSignature         = "Signature"
	ClassCuratedContent    = "CuratedContent"
)

// GraphKBSource is the name of the knowledgebase's own source, which owns
// the shared vocabulary.
const GraphKBSource = "graphkb"

var (
	// ErrNotFound is returned when no record matches a fetch.
	ErrNotFound = errors.New("record not found")
	// ErrNotUnique is returned when several records match a fetch and the
	// ordering cannot pick one.
	ErrNotUnique = errors.New("record not unique")
	// ErrConflict is returned when a create collides with an existing record.
	ErrConflict = errors.New("record already exists")
)

// subclasses lists the concrete classes a query target also matches.
var subclasses = map[string][]string{
	ClassVariant: {ClassPositionalVariant, ClassCategoryVariant, ClassCatalogueVariant},
}

// Classes returns target and its concrete subclasses.
func Classes(target string) []string {
	return append([]string{target}, subclasses[target]...)
}

// routeNames maps classes onto API routes where the plural is irregular.
var routeNames = map[string]string{
	ClassVocabulary:       "/vocabulary",
	ClassInfers:           "/infers",
	ClassTherapy:          "/therapies",
	ClassEvidenceLevel:    "/evidencelevels",
	ClassGeneralizationOf: "/generalizationof",
	ClassElementOf:        "/elementof",
}

// RouteName returns the API route for records of class target.
func RouteName(target string) string {
	if r, ok := routeNames[target]; ok {
		return r
	}
	return "/" + strings.ToLower(target) + "s"
}

// Record is a knowledgebase record as returned by the API.
type Record map[string]any

// RID returns the record id, e.g. "#12:3".
func (r Record) RID() string { return RID(r) }

// Class returns the record's class.
func (r Record) Class() string { return r.String("@class") }

// String returns a string property or "".
func (r Record) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Bool returns a boolean property, false when missing.
func (r Record) Bool(key string) bool {
	b, _ := r[key].(bool)
	return b
}

// Time returns the millisecond timestamp stored at key, or the zero time.
func (r Record) Time(key string) time.Time {
	var ms int64
	switch v := r[key].(type) {
	case float64:
		ms = int64(v)
	case int64:
		ms = v
	case int:
		ms = int64(v)
	case json.Number:
		ms, _ = v.Int64()
	default:
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Link returns a nested record property when the API expanded it.
func (r Record) Link(key string) Record {
	switch v := r[key].(type) {
	case Record:
		return v
	case map[string]any:
		return Record(v)
	}
	return nil
}

// RID extracts a record id from a record, an expanded link or an id string.
func RID(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case Record:
		s, _ := x["@rid"].(string)
		return s
	case map[string]any:
		s, _ := x["@rid"].(string)
		return s
	}
	return ""
}

// ConvertRecordToQueryFilters turns content into an AND of single-property
// equality filters, sorted by property name.
func ConvertRecordToQueryFilters(content map[string]any) map[string]any {
	keys := make([]string, 0, len(content))
	for k := range content {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	filters := make([]any, 0, len(keys))
	for _, k := range keys {
		filters = append(filters, map[string]any{k: content[k]})
	}
	return map[string]any{"AND": filters}
}

// Query is a request for records of one class.
type Query struct {
	Target    string `json:"target"`
	Filters   any    `json:"filters,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Skip      int    `json:"skip,omitempty"`
	Neighbors int    `json:"neighbors,omitempty"`
}

// Subquery builds a nested filter value matching a linked record.
func Subquery(target string, filters map[string]any) map[string]any {
	return map[string]any{"target": target, "filters": filters}
}

// linksToRIDs replaces expanded links in content with their record ids, so
// content can be compared with or sent as a stored record.
func linksToRIDs(content map[string]any) map[string]any {
	out := make(map[string]any, len(content))
	for k, v := range content {
		out[k] = simplifyLink(v)
	}
	return out
}

func simplifyLink(v any) any {
	switch x := v.(type) {
	case Record:
		if rid := RID(x); rid != "" {
			return rid
		}
		return map[string]any(x)
	case map[string]any:
		if rid := RID(x); rid != "" {
			return rid
		}
		return x
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = simplifyLink(e)
		}
		return out
	}
	return v
}

// canonical round-trips v through JSON so values built in Go and values
// decoded from storage compare equal.
func canonical(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return out, nil
}

func nullLike(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
