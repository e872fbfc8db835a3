// Package oncokb converts OncoKB alteration names and curated gene lists
// into knowledgebase records.
package oncokb

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/bcgsc/pori/internal/kb"
	"github.com/bcgsc/pori/internal/normalize"
	"github.com/bcgsc/pori/internal/notation"
	"github.com/bcgsc/pori/internal/resolve"
)

// SourceDefn is the OncoKB source record.
var SourceDefn = map[string]any{
	"name":        "oncokb",
	"displayName": "OncoKB",
	"url":         "https://oncokb.org",
	"description": "OncoKB is a precision oncology knowledge base and contains information about the effects and treatment implications of specific cancer gene alterations.",
	"usage":       "https://www.oncokb.org/terms",
}

// ErrUnparsedVariant is returned when an alteration name matches no form.
var ErrUnparsedVariant = errors.New("unable to parse variant name")

var vocabularyMapping = map[string]string{
	"fusions":              "fusion",
	"oncogenic mutations":  "oncogenic mutation",
	"promoter mutations":   "promoter mutation",
	"truncating mutations": "truncating",
}

var (
	reSpliceRange   = regexp.MustCompile(`^([a-z])?(\d+)_([a-z])?(\d+)splice$`)
	reFusionName    = regexp.MustCompile(`(?i)^([a-z0-9_]+)[\x{2013}-]([a-z0-9_]+)(\s+fusion)?$`)
	reExonType      = regexp.MustCompile(`(?i)^exon (\d+) (mutation|insertion|deletion|deletion/insertion|splice mutation|indel|missense mutation)s?$`)
	reExonPair      = regexp.MustCompile(`(?i)^exon (\d+) and (\d+) deletion$`)
	reTruncateRange = regexp.MustCompile(`(?i)^([a-z]\d+)_([a-z]\d+)(trunc|fs)$`)
)

// ParsedVariant is an OncoKB alteration name split into its type and, for
// fusions, the partner gene. Flipped is set when the context gene is the
// second gene of the fusion name.
type ParsedVariant struct {
	Type       string
	Reference2 string
	Flipped    bool
}

// ParseVariantName converts an OncoKB alteration name. reference1 is the
// record's gene name and may be empty, in which case fusions keep the order
// of the name.
func ParseVariantName(name, reference1 string) (ParsedVariant, error) {
	variant := strings.ToLower(strings.TrimSpace(name))
	reference1 = strings.ToLower(reference1)

	if notation.Parseable("p." + variant) {
		return ParsedVariant{Type: "p." + variant}, nil
	}
	if m := reSpliceRange.FindStringSubmatch(variant); m != nil {
		return ParsedVariant{Type: fmt.Sprintf("p.(%s%s_%s%s)spl", orUnknown(m[1]), m[2], orUnknown(m[3]), m[4])}, nil
	}
	if strings.HasSuffix(variant, "_splice") {
		return ParsedVariant{Type: "p." + strings.Replace(variant, "_splice", "spl", 1)}, nil
	}
	if m := reFusionName.FindStringSubmatch(variant); m != nil {
		gene1, gene2 := m[1], m[2]
		switch reference1 {
		case "", gene1:
			return ParsedVariant{Type: "fusion", Reference2: gene2}, nil
		case gene2:
			return ParsedVariant{Type: "fusion", Reference2: gene1, Flipped: true}, nil
		}
		return ParsedVariant{}, fmt.Errorf("fusion gene names (%s,%s) do not match expected gene name (%s): %w",
			gene1, gene2, reference1, normalize.ErrReferenceMismatch)
	}
	if m := reExonType.FindStringSubmatch(variant); m != nil {
		pos, typ := m[1], m[2]
		if typ == "deletion/insertion" || typ == "indel" {
			return ParsedVariant{Type: "e." + pos + "delins"}, nil
		}
		return ParsedVariant{Type: "e." + pos + typ[:3]}, nil
	}
	if term, ok := vocabularyMapping[variant]; ok {
		return ParsedVariant{Type: term}, nil
	}
	if m := reExonPair.FindStringSubmatch(variant); m != nil {
		return ParsedVariant{Type: fmt.Sprintf("e.%s_%sdel", m[1], m[2])}, nil
	}
	if m := reTruncateRange.FindStringSubmatch(variant); m != nil {
		suffix := "fs"
		if m[3] == "trunc" {
			suffix = "*"
		}
		return ParsedVariant{Type: fmt.Sprintf("p.(%s_%s)%s", m[1], m[2], suffix)}, nil
	}
	return ParsedVariant{}, fmt.Errorf("%w: %q (reference1=%s)", ErrUnparsedVariant, name, reference1)
}

func orUnknown(s string) string {
	if s == "" {
		return "?"
	}
	return s
}

// Record is the gene and alteration of an OncoKB row.
type Record struct {
	Gene         string
	VariantName  string
	EntrezGeneID int
	// Alternate is another representation of the same alteration, linked
	// to it by an Infers edge.
	Alternate *Alternate
}

// Alternate is an alternate notation of an alteration, possibly on
// another gene.
type Alternate struct {
	VariantName  string
	EntrezGeneID int
}

// Processor converts OncoKB rows. One Processor serves one run.
type Processor struct {
	kb       kb.Client
	resolver *resolve.Resolver
	genes    resolve.GeneLoader
	logger   *zap.Logger

	mu     sync.Mutex
	source kb.Record
}

// NewProcessor creates a Processor.
func NewProcessor(conn kb.Client, resolver *resolve.Resolver, genes resolve.GeneLoader) *Processor {
	return &Processor{kb: conn, resolver: resolver, genes: genes, logger: zap.NewNop()}
}

// SetLogger sets the logger for record diagnostics.
func (p *Processor) SetLogger(l *zap.Logger) {
	p.logger = l
}

func (p *Processor) sourceRecord(ctx context.Context) (kb.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.source != nil {
		return p.source, nil
	}
	rec, err := p.kb.AddSource(ctx, SourceDefn)
	if err != nil {
		return nil, fmt.Errorf("add oncokb source: %w", err)
	}
	p.source = rec
	return rec, nil
}

func (p *Processor) gene(ctx context.Context, entrezID int) (kb.Record, error) {
	id := strconv.Itoa(entrezID)
	records, err := p.genes.FetchAndLoadByIDs(ctx, []string{id})
	if err != nil {
		return nil, fmt.Errorf("gene %s: %w", id, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: gene %s", resolve.ErrUnresolvedReference, id)
	}
	return records[0], nil
}

// variant builds the normalized form of an alteration on gene. Names the
// parser rejects are taken as vocabulary terms.
func (p *Processor) variant(name string, gene kb.Record) *normalize.Variant {
	ref1 := normalize.Reference{Name: gene.String("name"), SourceID: gene.String("sourceId")}
	parsed, err := ParseVariantName(name, ref1.Name)
	if err != nil {
		p.logger.Warn("assuming vocabulary term", zap.String("variant", name), zap.Error(err))
		parsed = ParsedVariant{Type: strings.ToLower(strings.TrimSpace(name))}
	}

	v := &normalize.Variant{Kind: normalize.Categorical, Reference1: ref1, Type: parsed.Type}
	if notation.Parseable(parsed.Type) {
		v.Kind, v.Notation, v.Type = normalize.Positional, parsed.Type, ""
	}
	if parsed.Reference2 != "" {
		ref2 := normalize.Reference{Name: parsed.Reference2}
		v.Reference2 = &ref2
		if parsed.Flipped {
			v.Reference1, v.Reference2 = ref2, &ref1
			v.Flipped = true
		}
	}
	return v
}

// ProcessVariant persists the variant of an OncoKB row and, when the row
// lists an alternate notation, an Infers edge from the alternate.
func (p *Processor) ProcessVariant(ctx context.Context, rec Record) (kb.Record, error) {
	if strings.EqualFold(rec.Gene, "other biomarkers") {
		return p.biomarker(ctx, rec.VariantName)
	}
	gene, err := p.gene(ctx, rec.EntrezGeneID)
	if err != nil {
		return nil, err
	}
	resolved, err := p.resolver.ResolveAndPersist(ctx, p.variant(rec.VariantName, gene), gene)
	if err != nil {
		return nil, fmt.Errorf("variant %s %s: %w", rec.Gene, rec.VariantName, err)
	}
	if rec.Alternate != nil {
		if err := p.linkAlternate(ctx, rec, gene, resolved.Record); err != nil {
			p.logger.Warn("failed to link alternate variant form",
				zap.String("gene", rec.Gene), zap.String("alternate", rec.Alternate.VariantName), zap.Error(err))
		}
	}
	return resolved.Record, nil
}

func (p *Processor) linkAlternate(ctx context.Context, rec Record, gene, variant kb.Record) error {
	altGene := gene
	if rec.Alternate.EntrezGeneID != rec.EntrezGeneID {
		var err error
		if altGene, err = p.gene(ctx, rec.Alternate.EntrezGeneID); err != nil {
			return err
		}
	}
	text := strings.TrimSpace(rec.Alternate.VariantName)
	if !notation.Parseable(text) {
		return fmt.Errorf("%w: %q", notation.ErrNotParseable, text)
	}
	alt := &normalize.Variant{
		Kind:       normalize.Positional,
		Reference1: normalize.Reference{Name: altGene.String("name"), SourceID: altGene.String("sourceId")},
		Notation:   text,
	}
	resolved, err := p.resolver.ResolveAndPersist(ctx, alt, altGene)
	if err != nil {
		return err
	}
	_, err = p.resolver.LinkInfersChain(ctx, resolved.Record, variant)
	return err
}

// biomarker handles the non-gene "Other Biomarkers" rows, of which only
// microsatellite instability is supported.
func (p *Processor) biomarker(ctx context.Context, name string) (kb.Record, error) {
	if strings.ToLower(strings.TrimSpace(name)) != "microsatellite instability-high" {
		return nil, fmt.Errorf("%w: unsupported biomarker variant %q", ErrUnparsedVariant, name)
	}
	signature, err := p.kb.GetUniqueRecordBy(ctx, kb.ClassSignature, map[string]any{"name": "microsatellite instability"}, kb.OrderPreferredOntologyTerms)
	if err != nil {
		return nil, fmt.Errorf("microsatellite instability signature: %w", err)
	}
	vocab, err := p.kb.GetVocabularyTerm(ctx, "strong signature", "")
	if err != nil {
		return nil, fmt.Errorf("strong signature vocabulary: %w", err)
	}
	return p.kb.AddVariant(ctx, kb.ClassCategoryVariant, map[string]any{
		"reference1": signature.RID(),
		"type":       vocab.RID(),
	}, kb.AddOptions{ExistsOK: true})
}
