// Package cosmic loads the COSMIC resistance mutations export as therapy
// resistance statements.
package cosmic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bcgsc/pori/internal/kb"
	"github.com/bcgsc/pori/internal/load"
	"github.com/bcgsc/pori/internal/normalize"
	"github.com/bcgsc/pori/internal/notation"
	"github.com/bcgsc/pori/internal/resolve"
	"github.com/bcgsc/pori/internal/tabular"
)

// SourceDefn is the COSMIC source record.
var SourceDefn = map[string]any{
	"name":        "cosmic",
	"displayName": "COSMIC",
	"longName":    "Catalogue Of Somatic Mutations In Cancer",
	"url":         "https://cancer.sanger.ac.uk/cosmic",
	"description": "COSMIC, the Catalogue Of Somatic Mutations In Cancer, is the world's largest and most comprehensive resource for exploring the impact of somatic mutations in human cancer.",
	"usage":       "https://cancer.sanger.ac.uk/cosmic/license",
}

var ensemblSourceDefn = map[string]any{
	"name":        "ensembl",
	"displayName": "Ensembl",
	"url":         "https://uswest.ensembl.org",
}

// Column names of the resistance mutations export.
const (
	colCDS           = "HGVSC"
	colDisease       = "Histology Subtype 1"
	colDiseaseFamily = "Histology"
	colGene          = "Gene Name"
	colGenomic       = "HGVSG"
	colMutationID    = "LEGACY_MUTATION_ID"
	colProtein       = "HGVSP"
	colPubMed        = "Pubmed Id"
	colSampleID      = "Sample ID"
	colSampleName    = "Sample Name"
	colTherapy       = "Drug Name"
	colTranscript    = "Transcript"
)

// genomicAssembly is the assembly of the export's HGVSG column.
const genomicAssembly = "GRCh38"

// ErrNoVariant is returned when none of a row's variant forms could be added.
var ErrNoVariant = errors.New("failed to parse variant from record")

// Record is one row of the resistance mutations export.
type Record struct {
	SourceID      string
	CDS           string
	Disease       string
	DiseaseFamily string
	Gene          string
	Genomic       string
	MutationID    string
	Protein       string
	PubMed        string
	SampleID      string
	SampleName    string
	Therapy       string
	Transcript    string
	// NCIt is the disease code mapped from the histology classification.
	NCIt string
}

// RecordFrom maps an export row onto Record.
func RecordFrom(r tabular.Row) Record {
	return Record{
		SourceID:      r.Hash(),
		CDS:           r.Get(colCDS),
		Disease:       r.Get(colDisease),
		DiseaseFamily: r.Get(colDiseaseFamily),
		Gene:          r.Get(colGene),
		Genomic:       r.Get(colGenomic),
		MutationID:    r.Get(colMutationID),
		Protein:       r.Get(colProtein),
		PubMed:        r.Get(colPubMed),
		SampleID:      r.Get(colSampleID),
		SampleName:    r.Get(colSampleName),
		Therapy:       r.Get(colTherapy),
		Transcript:    r.Get(colTranscript),
	}
}

// unknownProtein reports whether the protein change is unknown ("p.?").
func (r Record) unknownProtein() bool {
	_, change, found := strings.Cut(r.Protein, ":")
	if !found {
		change = r.Protein
	}
	return strings.HasPrefix(change, "p.?")
}

// Classifications maps a COSMIC histology and subtype to an NCIt code.
type Classifications map[string]map[string]string

// NCIt returns the code for the histology and subtype, or "".
func (c Classifications) NCIt(family, disease string) string {
	return c[family][disease]
}

// LoadClassifications reads the COSMIC classification CSV.
func LoadClassifications(path string) (Classifications, error) {
	rows, err := tabular.ReadFile(path, tabular.Options{Delimiter: ","})
	if err != nil {
		return nil, fmt.Errorf("load classifications: %w", err)
	}
	out := Classifications{}
	for _, row := range rows {
		family := row.Get("HISTOLOGY_COSMIC")
		if out[family] == nil {
			out[family] = map[string]string{}
		}
		out[family][row.Get("HIST_SUBTYPE1_COSMIC")] = row.Get("NCI_CODE")
	}
	return out, nil
}

// PublicationLoader resolves PubMed ids to Publication records.
type PublicationLoader interface {
	FetchAndLoadByIDs(ctx context.Context, ids []string) ([]kb.Record, error)
}

// Processor converts resistance rows. One Processor serves one run.
type Processor struct {
	kb           kb.Client
	resolver     *resolve.Resolver
	publications PublicationLoader
	logger       *zap.Logger
	errLog       io.Writer
	runID        string

	mu      sync.Mutex
	source  kb.Record
	ensembl kb.Record
}

// NewProcessor creates a Processor.
func NewProcessor(conn kb.Client, resolver *resolve.Resolver, publications PublicationLoader) *Processor {
	return &Processor{
		kb:           conn,
		resolver:     resolver,
		publications: publications,
		logger:       zap.NewNop(),
		runID:        uuid.NewString(),
	}
}

// SetLogger sets the logger for row diagnostics.
func (p *Processor) SetLogger(l *zap.Logger) {
	p.logger = l
}

// SetErrorLog appends failed rows to w as JSON lines.
func (p *Processor) SetErrorLog(w io.Writer) {
	p.errLog = w
}

func (p *Processor) addSource(ctx context.Context, slot *kb.Record, defn map[string]any) (kb.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if *slot != nil {
		return *slot, nil
	}
	rec, err := p.kb.AddSource(ctx, defn)
	if err != nil {
		return nil, fmt.Errorf("add %s source: %w", defn["name"], err)
	}
	*slot = rec
	return rec, nil
}

func (p *Processor) sourceRecord(ctx context.Context) (kb.Record, error) {
	return p.addSource(ctx, &p.source, SourceDefn)
}

// ensemblFeature returns the Ensembl protein or transcript id, which may
// carry a version suffix. The matching version is preferred over the
// unversioned record, and a record is added when neither exists.
func (p *Processor) ensemblFeature(ctx context.Context, biotype, id string) (kb.Record, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: no %s reference", resolve.ErrUnresolvedReference, biotype)
	}
	source, err := p.addSource(ctx, &p.ensembl, ensemblSourceDefn)
	if err != nil {
		return nil, err
	}
	sourceID, version, _ := strings.Cut(strings.ToLower(id), ".")
	records, err := p.kb.GetRecords(ctx, kb.ClassFeature, map[string]any{"AND": []any{
		map[string]any{"biotype": biotype},
		map[string]any{"sourceId": sourceID},
		map[string]any{"source": source.RID()},
	}})
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", biotype, id, err)
	}
	var unversioned kb.Record
	for _, rec := range records {
		switch rec.String("sourceIdVersion") {
		case version:
			return rec, nil
		case "":
			unversioned = rec
		}
	}
	if unversioned != nil {
		return unversioned, nil
	}

	content := map[string]any{
		"biotype":  biotype,
		"name":     sourceID,
		"sourceId": sourceID,
		"source":   source.RID(),
	}
	if version != "" {
		content["sourceIdVersion"] = version
	}
	rec, err := p.kb.AddRecord(ctx, kb.ClassFeature, content, kb.AddOptions{ExistsOK: true})
	if err != nil {
		return nil, fmt.Errorf("add %s %s: %w", biotype, id, err)
	}
	return rec, nil
}

func (p *Processor) chromosome(ctx context.Context, name string) (kb.Record, error) {
	rec, err := p.kb.GetUniqueRecordBy(ctx, kb.ClassFeature, map[string]any{"AND": []any{
		map[string]any{"sourceId": name},
		map[string]any{"sourceIdVersion": nil},
		map[string]any{"biotype": "chromosome"},
	}}, kb.OrderPreferredOntologyTerms)
	if err != nil {
		return nil, fmt.Errorf("chromosome %s: %w", name, err)
	}
	return rec, nil
}

// addVariant adds parsed on ref with extra properties.
func (p *Processor) addVariant(ctx context.Context, parsed *notation.Variant, ref kb.Record, extra map[string]any) (kb.Record, error) {
	typ, err := p.kb.GetVocabularyTerm(ctx, parsed.Type, "")
	if err != nil {
		return nil, fmt.Errorf("vocabulary %q: %w", parsed.Type, err)
	}
	content := parsed.Content()
	delete(content, "reference2")
	for k, v := range extra {
		content[k] = v
	}
	content["reference1"] = ref.RID()
	content["type"] = typ.RID()
	rec, err := p.kb.AddVariant(ctx, kb.ClassPositionalVariant, content, kb.AddOptions{ExistsOK: true})
	if err != nil {
		return nil, fmt.Errorf("add variant %s: %w", parsed, err)
	}
	return rec, nil
}

// ProcessVariants adds the catalogue, genomic, cds and protein forms of a
// row, each inferring the next, and the protein change on the gene inferred
// by the protein change on the translation. Forms that fail are logged and
// left out. It returns the gene protein change when present, then the
// translation protein change, cds, genomic and catalogue variants.
func (p *Processor) ProcessVariants(ctx context.Context, rec Record) (kb.Record, error) {
	source, err := p.sourceRecord(ctx)
	if err != nil {
		return nil, err
	}
	symbol, _, _ := strings.Cut(rec.Gene, "_")
	gene, err := p.resolver.Gene(ctx, normalize.Reference{Name: symbol})
	if err != nil {
		p.logger.Warn("failed to find the gene", zap.String("gene", rec.Gene), zap.Error(err))
		gene = nil
	}

	var protein, general, cds, genomic, catalogue kb.Record
	fail := func(form string, err error) {
		p.logger.Error("unable to add variant form", zap.String("form", form), zap.String("row", rec.SourceID), zap.Error(err))
	}

	if err := func() error {
		parsed, err := notation.TryParse(rec.Protein, false)
		if err != nil {
			return err
		}
		translation, err := p.ensemblFeature(ctx, "protein", parsed.Reference1)
		if err != nil {
			return err
		}
		if protein, err = p.addVariant(ctx, parsed, translation, nil); err != nil {
			return err
		}
		if gene != nil {
			general, err = p.addVariant(ctx, parsed, gene, nil)
		}
		return err
	}(); err != nil {
		fail("protein", err)
	}

	if rec.CDS != "" {
		if err := func() error {
			parsed, err := notation.TryParse(rec.CDS, false)
			if err != nil {
				return err
			}
			transcript, err := p.ensemblFeature(ctx, "transcript", parsed.Reference1)
			if err != nil {
				return err
			}
			cds, err = p.addVariant(ctx, parsed, transcript, nil)
			return err
		}(); err != nil {
			fail("cds", err)
		}
	}

	if rec.Genomic != "" {
		if err := func() error {
			parsed, err := notation.TryParse(rec.Genomic, false)
			if err != nil {
				return err
			}
			chr, err := p.chromosome(ctx, parsed.Reference1)
			if err != nil {
				return err
			}
			genomic, err = p.addVariant(ctx, parsed, chr, map[string]any{"assembly": genomicAssembly})
			return err
		}(); err != nil {
			fail("genomic", err)
		}
	}

	if rec.MutationID != "" {
		catalogue, err = p.kb.AddRecord(ctx, kb.ClassCatalogueVariant, map[string]any{
			"source":   source.RID(),
			"sourceId": rec.MutationID,
		}, kb.AddOptions{ExistsOK: true})
		if err != nil {
			fail("catalogue", err)
			catalogue = nil
		}
	}

	if _, err := p.resolver.LinkInfersChain(ctx, catalogue, genomic, cds, protein, general); err != nil {
		fail("infers", err)
	}
	for _, r := range []kb.Record{general, protein, cds, genomic, catalogue} {
		if r != nil {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w (%s, %s, %s)", ErrNoVariant, rec.Protein, rec.CDS, rec.Genomic)
}

func cleanDiseaseName(name string) string {
	name = strings.ReplaceAll(name, "_", " ")
	name = strings.Replace(name, "leukaemia", "leukemia", 1)
	return strings.Replace(name, "tumour", "tumor", 1)
}

// ProcessDisease returns the row's disease: by mapped NCIt code, then by
// subtype name, then by histology name.
func (p *Processor) ProcessDisease(ctx context.Context, rec Record) (kb.Record, error) {
	if rec.NCIt != "" {
		disease, err := p.kb.GetUniqueRecordBy(ctx, kb.ClassDisease, map[string]any{"AND": []any{
			map[string]any{"source": kb.Subquery(kb.ClassSource, map[string]any{"name": "ncit"})},
			map[string]any{"sourceId": strings.ToLower(rec.NCIt)},
		}}, kb.OrderPreferredOntologyTerms)
		if err == nil {
			return disease, nil
		}
	}
	var names []string
	if rec.Disease != "NS" {
		names = append(names, cleanDiseaseName(rec.Disease))
	}
	names = append(names, cleanDiseaseName(rec.DiseaseFamily))
	for _, name := range names {
		disease, err := p.kb.GetUniqueRecordBy(ctx, kb.ClassDisease, map[string]any{"name": name}, kb.OrderPreferredOntologyTerms)
		if err == nil {
			return disease, nil
		}
	}
	return nil, fmt.Errorf("%w: disease (ncit=%s; diseaseFamily=%s; disease=%s)", kb.ErrNotFound, rec.NCIt, rec.DiseaseFamily, rec.Disease)
}

// ProcessRecord writes the resistance statement of a row.
func (p *Processor) ProcessRecord(ctx context.Context, rec Record, publication kb.Record) (kb.Record, error) {
	source, err := p.sourceRecord(ctx)
	if err != nil {
		return nil, err
	}
	variant, err := p.ProcessVariants(ctx, rec)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(strings.ToLower(rec.Therapy), " - ns")
	drug, err := kb.GetTherapy(ctx, p.kb, name, "")
	if err != nil {
		return nil, fmt.Errorf("therapy %s: %w", name, err)
	}
	disease, err := p.ProcessDisease(ctx, rec)
	if err != nil {
		return nil, err
	}
	relevance, err := p.kb.GetVocabularyTerm(ctx, "resistance", "")
	if err != nil {
		return nil, fmt.Errorf("resistance vocabulary: %w", err)
	}
	return p.kb.AddRecord(ctx, kb.ClassStatement, map[string]any{
		"conditions":   []any{variant.RID(), disease.RID(), drug.RID()},
		"evidence":     []any{publication.RID()},
		"relevance":    relevance.RID(),
		"reviewStatus": "not required",
		"source":       source.RID(),
		"subject":      drug.RID(),
	}, kb.AddOptions{ExistsOK: true})
}

// Upload loads every row, stopping early after maxRecords rows when it is
// positive. The export has no stable ids, so previous resistance statements
// the rows no longer produce are deleted, unless any row failed.
func (p *Processor) Upload(ctx context.Context, rows []tabular.Row, classes Classifications, maxRecords int) (load.Counts, error) {
	counts := load.NewCounts()
	source, err := p.sourceRecord(ctx)
	if err != nil {
		return counts, err
	}
	relevance, err := p.kb.GetVocabularyTerm(ctx, "resistance", "")
	if err != nil {
		return counts, fmt.Errorf("resistance vocabulary: %w", err)
	}
	originals, err := p.kb.GetRecords(ctx, kb.ClassStatement, map[string]any{"AND": []any{
		map[string]any{"source": source.RID()},
		map[string]any{"relevance": relevance.RID()},
	}})
	if err != nil {
		return counts, fmt.Errorf("original cosmic statements: %w", err)
	}
	original := make(map[string]bool, len(originals))
	for _, rec := range originals {
		original[rec.RID()] = true
	}
	p.logger.Info("loading cosmic resistance rows", zap.Int("rows", len(rows)), zap.Int("originalStatements", len(original)))

	if err := p.preloadPublications(ctx, rows); err != nil {
		return counts, err
	}

	retained := map[string]bool{}
	created := 0
	for index, raw := range rows {
		if maxRecords > 0 && index >= maxRecords {
			p.logger.Warn("not loading all content due to max records limit", zap.Int("maxRecords", maxRecords))
			break
		}
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		rec := RecordFrom(raw)
		if rec.unknownProtein() {
			counts.Skip++
			continue
		}
		rec.NCIt = classes.NCIt(rec.DiseaseFamily, rec.Disease)

		stmt, err := p.processRow(ctx, rec)
		counts.Add(err)
		if err != nil {
			if lerr := p.logError(index, rec, err); lerr != nil {
				return counts, lerr
			}
			continue
		}
		if original[stmt.RID()] {
			retained[stmt.RID()] = true
		} else {
			created++
		}
	}
	p.logger.Info("loaded cosmic resistance rows",
		zap.Int("retained", len(retained)), zap.Int("created", created), zap.String("counts", load.FormatCounts(counts)))

	if counts.Error > 0 {
		p.logger.Info("cannot delete previously existing statements when errors were encountered")
		return counts, nil
	}
	for rid := range original {
		if retained[rid] {
			continue
		}
		if err := p.kb.DeleteRecord(ctx, kb.ClassStatement, rid); err != nil {
			return counts, err
		}
	}
	return counts, nil
}

func (p *Processor) processRow(ctx context.Context, rec Record) (kb.Record, error) {
	pubs, err := p.publications.FetchAndLoadByIDs(ctx, []string{rec.PubMed})
	if err != nil {
		return nil, fmt.Errorf("publication %s: %w", rec.PubMed, err)
	}
	if len(pubs) == 0 {
		return nil, fmt.Errorf("%w: publication %s", kb.ErrNotFound, rec.PubMed)
	}
	return p.ProcessRecord(ctx, rec, pubs[0])
}

// preloadPublications loads the rows' PubMed ids in one batch.
func (p *Processor) preloadPublications(ctx context.Context, rows []tabular.Row) error {
	seen := map[string]bool{}
	var ids []string
	for _, row := range rows {
		id := row.Get(colPubMed)
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if _, err := p.publications.FetchAndLoadByIDs(ctx, ids); err != nil {
		return fmt.Errorf("load publications: %w", err)
	}
	return nil
}

func (p *Processor) logError(index int, rec Record, err error) error {
	p.logger.Error("cosmic row failed", zap.Int("row", index), zap.String("protein", rec.Protein), zap.Error(err))
	if p.errLog == nil {
		return nil
	}
	data, jerr := json.Marshal(load.ErrorEntry{
		RunID:  p.runID,
		Seq:    index,
		Source: SourceDefn["name"].(string),
		Gene:   rec.Gene,
		Input:  rec.Protein,
		Kind:   load.Classify(err),
		Error:  err.Error(),
		Time:   time.Now().UTC(),
	})
	if jerr != nil {
		return fmt.Errorf("encode error entry: %w", jerr)
	}
	if _, werr := p.errLog.Write(append(data, '\n')); werr != nil {
		return fmt.Errorf("write error log: %w", werr)
	}
	return nil
}
