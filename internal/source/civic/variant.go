// Package civic loads CIViC evidence items as knowledgebase statements.
package civic

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/bcgsc/pori/internal/kb"
	"github.com/bcgsc/pori/internal/normalize"
	"github.com/bcgsc/pori/internal/resolve"
)

// SourceDefn is the CIViC source record.
var SourceDefn = map[string]any{
	"name":        "civic",
	"displayName": "CIViC",
	"url":         "https://civicdb.org",
	"description": "Clinical Interpretation of Variants in Cancer, a community knowledgebase of cancer variant evidence.",
	"usage":       "https://creativecommons.org/publicdomain/zero/1.0",
	"sort":        1,
}

// VariantRecord is a CIViC variant.
type VariantRecord struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	EntrezID   int    `json:"entrez_id"`
	EntrezName string `json:"entrez_name"`
}

// Raw returns the variant as normalizer input.
func (v VariantRecord) Raw() normalize.RawVariant {
	raw := normalize.RawVariant{Text: v.Name, GeneSymbol: v.EntrezName}
	if v.EntrezID != 0 {
		raw.EntrezID = strconv.Itoa(v.EntrezID)
	}
	return raw
}

// PublicationLoader resolves PubMed ids to Publication records.
type PublicationLoader interface {
	FetchAndLoadByIDs(ctx context.Context, ids []string) ([]kb.Record, error)
}

// variantOutcome is a processed variant, cached per CIViC variant id so
// evidence items sharing a variant resolve it once.
type variantOutcome struct {
	records []kb.Record
	err     error
}

// Processor converts CIViC records. One Processor serves one run.
type Processor struct {
	kb           kb.Client
	normalizer   *normalize.Normalizer
	resolver     *resolve.Resolver
	genes        resolve.GeneLoader
	publications PublicationLoader
	oneToOne     bool
	logger       *zap.Logger

	mu        sync.Mutex
	source    kb.Record
	variants  map[int]variantOutcome
	levels    map[string]kb.Record
	relevance map[string]kb.Record
}

// NewProcessor creates a Processor. resolver should be scoped to the civic
// source so CIViC vocabulary synonyms are preferred.
func NewProcessor(conn kb.Client, resolver *resolve.Resolver, genes resolve.GeneLoader, publications PublicationLoader) *Processor {
	return &Processor{
		kb:           conn,
		normalizer:   normalize.New(),
		resolver:     resolver,
		genes:        genes,
		publications: publications,
		logger:       zap.NewNop(),
		variants:     make(map[int]variantOutcome),
		levels:       make(map[string]kb.Record),
		relevance:    make(map[string]kb.Record),
	}
}

// SetLogger sets the logger for record diagnostics.
func (p *Processor) SetLogger(l *zap.Logger) {
	p.logger = l
}

// SetOneToOne makes each evidence item map onto exactly one statement,
// updated in place when the item changes.
func (p *Processor) SetOneToOne(on bool) {
	p.oneToOne = on
}

func (p *Processor) sourceRecord(ctx context.Context) (kb.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.source != nil {
		return p.source, nil
	}
	rec, err := p.kb.AddSource(ctx, SourceDefn)
	if err != nil {
		return nil, fmt.Errorf("add civic source: %w", err)
	}
	p.source = rec
	return rec, nil
}

// NormalizeVariantRecord returns the normalized variants for a CIViC
// variant name.
func (p *Processor) NormalizeVariantRecord(rec VariantRecord) ([]*normalize.Variant, error) {
	return p.normalizer.Normalize(rec.Raw())
}

// ProcessVariantRecord persists the variants a CIViC variant name describes,
// anchored on feature.
func (p *Processor) ProcessVariantRecord(ctx context.Context, rec VariantRecord, feature kb.Record) ([]kb.Record, error) {
	variants, err := p.NormalizeVariantRecord(rec)
	if err != nil {
		return nil, err
	}
	out := make([]kb.Record, 0, len(variants))
	for _, v := range variants {
		resolved, err := p.resolver.ResolveAndPersist(ctx, v, feature)
		if err != nil {
			return nil, err
		}
		out = append(out, resolved.Record)
	}
	return out, nil
}

// variantRecords returns the persisted variants of rec, processing each
// CIViC variant once and replaying its failure to later evidence.
func (p *Processor) variantRecords(ctx context.Context, rec VariantRecord, feature kb.Record) ([]kb.Record, error) {
	p.mu.Lock()
	outcome, ok := p.variants[rec.ID]
	p.mu.Unlock()
	if ok {
		return outcome.records, outcome.err
	}

	records, err := p.ProcessVariantRecord(ctx, rec, feature)
	if err != nil {
		p.logger.Error("unable to process variant", zap.Int("variant", rec.ID), zap.String("name", rec.Name), zap.Error(err))
		err = fmt.Errorf("variant %d (%s): %w", rec.ID, rec.Name, err)
	} else {
		names := make([]string, len(records))
		for i, r := range records {
			names[i] = r.String("displayName")
		}
		p.logger.Debug("converted variant name", zap.String("name", rec.Name), zap.Strings("variants", names))
	}
	p.mu.Lock()
	p.variants[rec.ID] = variantOutcome{records: records, err: err}
	p.mu.Unlock()
	return records, err
}
