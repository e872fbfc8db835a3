package moa

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bcgsc/pori/internal/kb"
	"github.com/bcgsc/pori/internal/load"
	"github.com/bcgsc/pori/internal/normalize"
	"github.com/bcgsc/pori/internal/notation"
	"github.com/bcgsc/pori/internal/resolve"
)

// SourceDefn is the MOA source record.
var SourceDefn = map[string]any{
	"name":        "moa",
	"displayName": "MOA",
	"longName":    "Molecular Oncology Almanac",
	"url":         "https://moalmanac.org",
	"description": "A collection of putative alteration/action relationships identified in clinical, preclinical, and inferential studies.",
	"usage":       "https://moalmanac.org/terms",
}

// PredictiveImplications are the MOA evidence level names.
var PredictiveImplications = []string{
	"FDA-Approved",
	"Guideline",
	"Clinical trial",
	"Clinical evidence",
	"Preclinical",
	"Inferential",
}

var chromosomeNames = []string{"X", "Y", "MT"}

// PublicationLoader resolves PubMed ids to Publication records.
type PublicationLoader interface {
	FetchAndLoadByIDs(ctx context.Context, ids []string) ([]kb.Record, error)
}

// Processor converts MOA assertions. One Processor serves one run.
type Processor struct {
	kb           kb.Client
	resolver     *resolve.Resolver
	publications PublicationLoader
	logger       *zap.Logger

	mu     sync.Mutex
	source kb.Record
}

// NewProcessor creates a Processor.
func NewProcessor(conn kb.Client, resolver *resolve.Resolver, publications PublicationLoader) *Processor {
	return &Processor{
		kb:           conn,
		resolver:     resolver,
		publications: publications,
		logger:       zap.NewNop(),
	}
}

// SetLogger sets the logger for assertion diagnostics.
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
		return nil, fmt.Errorf("add moa source: %w", err)
	}
	p.source = rec
	return rec, nil
}

// LoadEvidenceLevels adds the MOA predictive implication levels.
func (p *Processor) LoadEvidenceLevels(ctx context.Context) error {
	source, err := p.sourceRecord(ctx)
	if err != nil {
		return err
	}
	for _, name := range PredictiveImplications {
		_, err := p.kb.AddRecord(ctx, kb.ClassEvidenceLevel, map[string]any{
			"name":     name,
			"sourceId": strings.ToLower(name),
			"source":   source.RID(),
		}, kb.AddOptions{ExistsOK: true, SkipFetch: true})
		if err != nil {
			return fmt.Errorf("evidence level %s: %w", name, err)
		}
	}
	return nil
}

// term returns the vocabulary term owned by source, or the shared term.
func (p *Processor) term(ctx context.Context, name string, source string) (kb.Record, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if source != "" {
		if rec, err := p.kb.GetVocabularyTerm(ctx, name, source); err == nil {
			return rec, nil
		}
	}
	rec, err := p.kb.GetVocabularyTerm(ctx, name, "")
	if err != nil {
		return nil, fmt.Errorf("vocabulary %q: %w", name, err)
	}
	return rec, nil
}

func (p *Processor) gene(ctx context.Context, symbol string) (kb.Record, error) {
	if symbol == "" {
		return nil, nil
	}
	return p.resolver.Gene(ctx, normalize.Reference{Name: symbol})
}

func (p *Processor) chromosome(ctx context.Context, name Text) (kb.Record, error) {
	id := string(name)
	if !slices.Contains(chromosomeNames, id) {
		n, err := leadingInt(name)
		if err != nil {
			return nil, fmt.Errorf("chromosome: %w", err)
		}
		id = fmt.Sprint(n)
	}
	rec, err := p.kb.GetUniqueRecordBy(ctx, kb.ClassFeature, map[string]any{"AND": []any{
		map[string]any{"biotype": "chromosome"},
		map[string]any{"sourceId": id},
	}}, nil)
	if err != nil {
		return nil, fmt.Errorf("chromosome %s: %w", id, err)
	}
	return rec, nil
}

// positional adds the variant text on ref. typ overrides the variant type
// given by the notation when set.
func (p *Processor) positional(ctx context.Context, ref kb.Record, text string, germline bool, typ kb.Record) (kb.Record, error) {
	parsed, err := notation.TryParse(text, false)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", text, err)
	}
	if typ == nil {
		if typ, err = p.term(ctx, parsed.Type, ""); err != nil {
			return nil, err
		}
	}
	content := parsed.Content()
	delete(content, "reference2")
	content["germline"] = germline
	content["reference1"] = ref.RID()
	content["type"] = typ.RID()
	rec, err := p.kb.AddVariant(ctx, kb.ClassPositionalVariant, content, kb.AddOptions{ExistsOK: true})
	if err != nil {
		return nil, fmt.Errorf("add variant %s: %w", text, err)
	}
	return rec, nil
}

func (p *Processor) category(ctx context.Context, content map[string]any) (kb.Record, error) {
	rec, err := p.kb.AddVariant(ctx, kb.ClassCategoryVariant, content, kb.AddOptions{ExistsOK: true})
	if err != nil {
		return nil, fmt.Errorf("add category variant: %w", err)
	}
	return rec, nil
}

// LoadSmallMutation adds every form of a small mutation, linking them from
// genomic through cds, protein and exon to the category variant. It returns
// the most specific of protein, cds, genomic, exonic and category.
func (p *Processor) LoadSmallMutation(ctx context.Context, gene kb.Record, attr Attribute) (kb.Record, error) {
	if gene == nil {
		return nil, fmt.Errorf("%w: no gene for %s", resolve.ErrUnresolvedReference, attr.FeatureType)
	}
	germline := attr.FeatureType == "germline_variant"
	var genomic, cds, protein, exonic, cat kb.Record
	var err error

	if attr.hasGenomic() {
		hgvs, err := ComposeGenomicHGVS(attr)
		if err != nil {
			return nil, err
		}
		chr, err := p.chromosome(ctx, attr.Chromosome)
		if err != nil {
			return nil, err
		}
		if genomic, err = p.positional(ctx, chr, hgvs, germline, nil); err != nil {
			return nil, err
		}
	}
	if attr.CDNAChange != "" {
		if cds, err = p.positional(ctx, gene, string(attr.CDNAChange), germline, nil); err != nil {
			return nil, err
		}
	}
	if attr.ProteinChange != "" {
		if protein, err = p.positional(ctx, gene, string(attr.ProteinChange), germline, nil); err != nil {
			return nil, err
		}
	}

	var annotation kb.Record
	if attr.VariantAnnotation != "" {
		if annotation, err = p.term(ctx, string(attr.VariantAnnotation), SourceDefn["name"].(string)); err != nil {
			return nil, err
		}
	}

	if attr.Exon != "" {
		n, err := leadingInt(attr.Exon)
		if err != nil {
			return nil, fmt.Errorf("exon: %w", err)
		}
		typ := annotation
		if typ == nil {
			if typ, err = p.term(ctx, "mutation", ""); err != nil {
				return nil, err
			}
		}
		if exonic, err = p.positional(ctx, gene, fmt.Sprintf("e.%dmut", n), germline, typ); err != nil {
			return nil, err
		}
	}

	if exonic == nil {
		typ := annotation
		if typ == nil && protein == nil && cds == nil && genomic == nil {
			if typ, err = p.term(ctx, "mutation", ""); err != nil {
				return nil, err
			}
		}
		if typ != nil {
			cat, err = p.category(ctx, map[string]any{"germline": germline, "reference1": gene.RID(), "type": typ.RID()})
			if err != nil {
				return nil, err
			}
		}
	}

	if _, err := p.resolver.LinkInfersChain(ctx, genomic, cds, protein, exonic, cat); err != nil {
		return nil, err
	}
	for _, rec := range []kb.Record{protein, cds, genomic, exonic, cat} {
		if rec != nil {
			return rec, nil
		}
	}
	return nil, fmt.Errorf("%w: no variant form", ErrUnsupportedVariant)
}

// LoadVariant adds the variant an attribute describes.
func (p *Processor) LoadVariant(ctx context.Context, attr Attribute) (kb.Record, error) {
	gene1, err := p.gene(ctx, attr.geneSymbol())
	if err != nil {
		return nil, err
	}
	gene2, err := p.gene(ctx, string(attr.Gene2))
	if err != nil {
		return nil, err
	}
	requireGene := func() error {
		if gene1 == nil {
			return fmt.Errorf("%w: no gene for %s", resolve.ErrUnresolvedReference, attr.FeatureType)
		}
		return nil
	}

	switch attr.FeatureType {
	case "rearrangement":
		if attr.RearrangementType != "Translocation" && attr.RearrangementType != "Fusion" {
			return nil, fmt.Errorf("%w: rearrangement type %q (%s/%s)", ErrUnsupportedVariant, attr.RearrangementType, attr.Gene1, attr.Gene2)
		}
		if err := requireGene(); err != nil {
			return nil, err
		}
		typ, err := p.term(ctx, string(attr.RearrangementType), "")
		if err != nil {
			return nil, err
		}
		content := map[string]any{"reference1": gene1.RID(), "type": typ.RID()}
		if gene2 != nil {
			content["reference2"] = gene2.RID()
		}
		return p.category(ctx, content)
	case "somatic_variant", "germline_variant":
		return p.LoadSmallMutation(ctx, gene1, attr)
	case "microsatellite_stability":
		if attr.Status != "MSI-High" {
			break
		}
		signature, err := p.kb.GetUniqueRecordBy(ctx, kb.ClassSignature, map[string]any{"AND": []any{
			map[string]any{"name": "microsatellite instability"},
		}}, kb.OrderPreferredOntologyTerms)
		if err != nil {
			return nil, fmt.Errorf("microsatellite instability signature: %w", err)
		}
		return p.typedCategory(ctx, signature, "high signature", "")
	case "mutational_signature":
		number, err := leadingInt(attr.SignatureNumber)
		if err != nil {
			return nil, fmt.Errorf("cosmic_signature_number: %w", err)
		}
		version, err := leadingInt(attr.SignatureVersion)
		if err != nil {
			return nil, fmt.Errorf("cosmic_signature_version: %w", err)
		}
		signature, err := p.kb.GetUniqueRecordBy(ctx, kb.ClassSignature, map[string]any{"AND": []any{
			map[string]any{"source": kb.Subquery(kb.ClassSource, map[string]any{"name": "cosmic"})},
			map[string]any{"sourceId": fmt.Sprintf("SBS%d", number)},
			map[string]any{"sourceIdVersion": fmt.Sprint(version)},
		}}, nil)
		if err != nil {
			return nil, fmt.Errorf("signature SBS%d: %w", number, err)
		}
		return p.typedCategory(ctx, signature, "signature present", "")
	case "copy_number":
		if err := requireGene(); err != nil {
			return nil, err
		}
		return p.typedCategory(ctx, gene1, string(attr.Direction), "")
	case "knockdown":
		if err := requireGene(); err != nil {
			return nil, err
		}
		return p.typedCategory(ctx, gene1, "knockdown", SourceDefn["name"].(string))
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedVariant, attr.FeatureType)
}

// typedCategory adds the category variant of type name on ref.
func (p *Processor) typedCategory(ctx context.Context, ref kb.Record, name, source string) (kb.Record, error) {
	typ, err := p.term(ctx, name, source)
	if err != nil {
		return nil, err
	}
	return p.category(ctx, map[string]any{"reference1": ref.RID(), "type": typ.RID()})
}

func (p *Processor) disease(ctx context.Context, a Assertion) (kb.Record, error) {
	oncotree := map[string]any{"source": kb.Subquery(kb.ClassSource, map[string]any{"name": "oncotree"})}
	var (
		filters []any
		cmp     kb.Comparator
	)
	switch {
	case a.OncotreeTerm != "" && a.OncotreeCode != "":
		filters = []any{
			map[string]any{"name": string(a.OncotreeTerm)},
			map[string]any{"sourceId": string(a.OncotreeCode)},
			oncotree,
		}
	case a.OncotreeTerm != "":
		filters = []any{map[string]any{"name": string(a.OncotreeTerm)}, oncotree}
	case a.Disease != "":
		filters = []any{map[string]any{"name": string(a.Disease)}}
		cmp = kb.OrderPreferredOntologyTerms
	default:
		return nil, fmt.Errorf("%w: %s: disease not given", ErrInvalidAssertion, a.ID)
	}
	rec, err := p.kb.GetUniqueRecordBy(ctx, kb.ClassDisease, map[string]any{"AND": filters}, cmp)
	if err != nil {
		return nil, fmt.Errorf("disease: %w", err)
	}
	return rec, nil
}

// evidence returns the records an assertion cites. Trial registrations are
// not loaded and are skipped; FDA labels and guidelines become curated
// content of the source.
func (p *Processor) evidence(ctx context.Context, a Assertion, source kb.Record) ([]kb.Record, error) {
	var pmids []string
	for _, c := range a.Sources {
		if c.PMID != "" {
			pmids = append(pmids, string(c.PMID))
		}
	}
	var out []kb.Record
	if len(pmids) > 0 {
		articles, err := p.publications.FetchAndLoadByIDs(ctx, pmids)
		if err != nil {
			return nil, fmt.Errorf("load publications: %w", err)
		}
		if len(articles) != len(pmids) {
			return nil, fmt.Errorf("%w: found %d articles for %d pubmed ids", ErrUnsupportedEvidence, len(articles), len(pmids))
		}
		out = append(out, articles...)
	}

	for _, c := range a.Sources {
		switch {
		case c.PMID != "":
		case c.NCT != "" && c.SourceType != "Abstract":
			p.logger.Debug("skipping trial evidence", zap.String("assertion", string(a.ID)), zap.String("nct", string(c.NCT)))
		case c.SourceType == "FDA" || c.SourceType == "Guideline":
			name := fmt.Sprintf("%s-%s", c.SourceType, c.SourceID)
			rec, err := p.kb.AddRecord(ctx, kb.ClassCuratedContent, map[string]any{
				"citation":    string(c.Citation),
				"displayName": fmt.Sprintf("%s %s", SourceDefn["displayName"], name),
				"name":        name,
				"source":      source.RID(),
				"sourceId":    string(c.SourceID),
				"url":         string(c.URL),
			}, kb.AddOptions{ExistsOK: true})
			if err != nil {
				return nil, fmt.Errorf("add curated content %s: %w", name, err)
			}
			out = append(out, rec)
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvidence, c.SourceType)
		}
	}
	return out, nil
}

// LoadAssertion writes one statement per relevance term of a and returns
// them in order.
func (p *Processor) LoadAssertion(ctx context.Context, a Assertion, relevance []string) ([]kb.Record, error) {
	source, err := p.sourceRecord(ctx)
	if err != nil {
		return nil, err
	}
	disease, err := p.disease(ctx, a)
	if err != nil {
		return nil, err
	}
	level, err := p.kb.GetUniqueRecordBy(ctx, kb.ClassEvidenceLevel, map[string]any{"AND": []any{
		map[string]any{"name": string(a.PredictiveImplication)},
		map[string]any{"source": source.RID()},
	}}, nil)
	if err != nil {
		return nil, fmt.Errorf("evidence level %s: %w", a.PredictiveImplication, err)
	}
	articles, err := p.evidence(ctx, a, source)
	if err != nil {
		return nil, err
	}
	evidence := make([]any, 0, len(articles))
	for _, rec := range articles {
		evidence = append(evidence, rec.RID())
	}
	if len(evidence) == 0 {
		evidence = append(evidence, source.RID())
	}

	var therapy kb.Record
	if a.TherapyName != "" {
		name := strings.ToLower(strings.TrimSpace(string(a.TherapyName)))
		if therapy, err = kb.AddTherapyCombination(ctx, p.kb, source, name, false); err != nil {
			return nil, fmt.Errorf("therapy %s: %w", a.TherapyName, err)
		}
	}

	var variants []any
	for _, attr := range a.Attributes() {
		rec, err := p.LoadVariant(ctx, attr)
		if err != nil {
			return nil, fmt.Errorf("%s variant: %w", attr.FeatureType, err)
		}
		variants = append(variants, rec.RID())
	}

	out := make([]kb.Record, 0, len(relevance))
	for _, name := range relevance {
		term, err := p.term(ctx, name, "")
		if err != nil {
			return nil, err
		}
		conditions := append(slices.Clone(variants), disease.RID())
		var subject string
		switch name {
		case "sensitivity", "resistance", "no sensitivity":
			if therapy == nil {
				return nil, fmt.Errorf("%w: no therapy for %s", ErrInvalidAssertion, name)
			}
			subject = therapy.RID()
			conditions = append(conditions, subject)
		case "favourable prognosis", "unfavourable prognosis":
			patient, err := p.term(ctx, "patient", "")
			if err != nil {
				return nil, err
			}
			subject = patient.RID()
			conditions = append(conditions, subject)
		case "pathogenic":
			subject = disease.RID()
		default:
			return nil, fmt.Errorf("%w: unable to determine subject for %s", ErrInvalidAssertion, name)
		}

		rec, err := p.kb.AddRecord(ctx, kb.ClassStatement, map[string]any{
			"conditions":    conditions,
			"evidence":      evidence,
			"evidenceLevel": []any{level.RID()},
			"relevance":     term.RID(),
			"source":        source.RID(),
			"sourceId":      string(a.ID),
			"subject":       subject,
		}, kb.AddOptions{
			ExistsOK: true,
			FetchConditions: map[string]any{"AND": []any{
				map[string]any{"source": source.RID()},
				map[string]any{"sourceId": string(a.ID)},
				map[string]any{"relevance": term.RID()},
			}},
			Upsert: true,
		})
		if err != nil {
			return nil, fmt.Errorf("add statement %s: %w", name, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Upload loads every assertion. Assertions whose statements are all newer
// than the assertion's last update are skipped, and statements an updated
// assertion no longer produces are deleted.
func (p *Processor) Upload(ctx context.Context, assertions []Assertion) (load.Counts, error) {
	counts := load.NewCounts()
	source, err := p.sourceRecord(ctx)
	if err != nil {
		return counts, err
	}
	if err := p.LoadEvidenceLevels(ctx); err != nil {
		return counts, err
	}
	existingRecords, err := p.kb.GetRecords(ctx, kb.ClassStatement, map[string]any{"source": source.RID()})
	if err != nil {
		return counts, fmt.Errorf("existing moa statements: %w", err)
	}
	existing := map[string][]kb.Record{}
	for _, rec := range existingRecords {
		key := rec.String("sourceId")
		existing[key] = append(existing[key], rec)
	}
	p.logger.Info("loading moa assertions", zap.Int("assertions", len(assertions)), zap.Int("existingStatements", len(existingRecords)))

	for _, a := range assertions {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		skipped, err := p.upload(ctx, a, existing[string(a.ID)])
		switch {
		case err != nil:
			p.logger.Warn("moa assertion failed", zap.String("assertion", string(a.ID)), zap.Error(err))
			counts.Add(err)
		case skipped:
			counts.Skip++
		default:
			counts.Add(nil)
		}
	}
	p.logger.Info("loaded moa assertions", zap.String("counts", load.FormatCounts(counts)))
	return counts, nil
}

func (p *Processor) upload(ctx context.Context, a Assertion, current []kb.Record) (bool, error) {
	if err := a.Validate(); err != nil {
		return false, err
	}
	relevance, err := ParseRelevance(a)
	if err != nil {
		return false, fmt.Errorf("%s: %w", a.ID, err)
	}
	updated, _ := a.Updated()
	if len(current) > 0 && len(current) == len(relevance) && !needsUpdate(updated, current) {
		p.logger.Debug("current statements exist and do not need updating", zap.String("assertion", string(a.ID)))
		return true, nil
	}

	statements, err := p.LoadAssertion(ctx, a, relevance)
	if err != nil {
		return false, err
	}
	kept := make(map[string]bool, len(statements))
	for _, rec := range statements {
		kept[rec.RID()] = true
	}
	var stale []string
	for _, rec := range current {
		if !kept[rec.RID()] {
			stale = append(stale, rec.RID())
		}
	}
	if len(stale) > 0 {
		p.logger.Warn("removing out of date statements", zap.String("assertion", string(a.ID)), zap.Int("statements", len(stale)))
	}
	var errs error
	for _, rid := range stale {
		errs = errors.Join(errs, p.kb.DeleteRecord(ctx, kb.ClassStatement, rid))
	}
	return false, errs
}

// needsUpdate reports whether updated is later than the last update of any
// record.
func needsUpdate(updated time.Time, records []kb.Record) bool {
	for _, rec := range records {
		if updated.After(rec.Time("updatedAt")) {
			return true
		}
	}
	return false
}
