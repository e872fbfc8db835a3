package cgi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
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

// SourceDefn is the Cancer Genome Interpreter source record.
var SourceDefn = map[string]any{
	"name":        "cancer genome interpreter",
	"displayName": "CGI",
	"url":         "https://www.cancergenomeinterpreter.org",
	"description": "The Cancer Genome Interpreter is designed to support the identification of tumor alterations that drive the disease and detect those that may be therapeutically actionable.",
	"usage":       "https://creativecommons.org/licenses/by-nc/4.0",
}

// EvidenceLevels are the CGI evidence level names.
var EvidenceLevels = []string{
	"CPIC guidelines",
	"Case report",
	"Early trials",
	"European LeukemiaNet guidelines",
	"FDA guidelines",
	"Late trials",
	"NCCN guidelines",
	"NCCN/CAP guidelines",
	"Pre-clinical",
}

// relevanceMapping corrects known typos in the association column.
var relevanceMapping = map[string]string{
	"increased toxicity (myelosupression)": "increased toxicity (myelosuppression)",
	"no responsive":                        "no response",
	"resistant":                            "resistance",
	"responsive":                           "response",
}

var diseaseMapping = map[string]string{
	"any cancer type":                        "cancer",
	"billiary tract":                         "biliary tract cancer",
	"cervix squamous cell":                   "cervix squamous cell carcinoma",
	"endometrium":                            "endometrial cancer",
	"gastrointestinal stromal":               "gastrointestinal stromal tumor",
	"head an neck":                           "head and neck cancer",
	"head an neck squamous":                  "head and neck squamous cell carcinoma",
	"lung squamous cell":                     "lung squamous cell carcinoma",
	"malignant peripheral nerve sheat tumor": "malignant peripheral nerve sheath tumor",
	"ovary":                                  "ovarian cancer",
	"thymic":                                 "thymic tumor",
}

var therapyMapping = map[string]string{
	"mek inhibitor (alone or in combination)":  "mek inhibitor",
	"egfr tk inhibitor":                        "egfr tyrosine kinase inhibitor",
	"egfr tk inhibitors":                       "egfr tyrosine kinase inhibitor",
	"flourouracil":                             "fluorouracil",
	"fluvestrant":                              "fulvestrant",
	"jak inhibitors (alone or in combination)": "jak inhibitor",
	"mek inhibitors (alone or in combination)": "mek inhibitor",
	"tensirolimus":                             "temsirolimus",
}

// PublicationLoader resolves PubMed ids to Publication records.
type PublicationLoader interface {
	FetchAndLoadByIDs(ctx context.Context, ids []string) ([]kb.Record, error)
}

// Result counts statements and input rows separately, since one row can
// produce a statement per disease and per variant combination.
type Result struct {
	Statements load.Counts `json:"statements" yaml:"statements"`
	Inputs     load.Counts `json:"inputs" yaml:"inputs"`
}

// Processor converts CGI rows. One Processor serves one run.
type Processor struct {
	kb           kb.Client
	resolver     *resolve.Resolver
	genes        resolve.GeneLoader
	publications PublicationLoader
	logger       *zap.Logger
	errLog       io.Writer
	runID        string

	mu     sync.Mutex
	source kb.Record
}

// NewProcessor creates a Processor.
func NewProcessor(conn kb.Client, resolver *resolve.Resolver, genes resolve.GeneLoader, publications PublicationLoader) *Processor {
	return &Processor{
		kb:           conn,
		resolver:     resolver,
		genes:        genes,
		publications: publications,
		logger:       zap.NewNop(),
		runID:        uuid.NewString(),
	}
}

// SetLogger sets the logger for record diagnostics.
func (p *Processor) SetLogger(l *zap.Logger) {
	p.logger = l
}

// SetErrorLog appends failed rows to w as JSON lines.
func (p *Processor) SetErrorLog(w io.Writer) {
	p.errLog = w
}

func (p *Processor) sourceRecord(ctx context.Context) (kb.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.source != nil {
		return p.source, nil
	}
	rec, err := p.kb.AddSource(ctx, SourceDefn)
	if err != nil {
		return nil, fmt.Errorf("add cgi source: %w", err)
	}
	p.source = rec
	return rec, nil
}

// LoadEvidenceLevels adds the CGI evidence levels.
func (p *Processor) LoadEvidenceLevels(ctx context.Context) error {
	source, err := p.sourceRecord(ctx)
	if err != nil {
		return err
	}
	for _, name := range EvidenceLevels {
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

func (p *Processor) geneBySymbol(ctx context.Context, symbol string) kb.Record {
	if symbol == "" {
		return nil
	}
	records, err := p.genes.FetchAndLoadBySymbol(ctx, symbol)
	if err != nil || len(records) == 0 {
		p.logger.Error("unable to load gene", zap.String("gene", symbol), zap.Error(err))
		return nil
	}
	return records[0]
}

func featureReference(rec kb.Record) normalize.Reference {
	return normalize.Reference{Name: rec.String("name"), SourceID: rec.String("sourceId")}
}

func (p *Processor) transcript(ctx context.Context, id string) (kb.Record, error) {
	rec, err := p.kb.GetUniqueRecordBy(ctx, kb.ClassFeature, map[string]any{"AND": []any{
		map[string]any{"biotype": "transcript"},
		map[string]any{"OR": []any{
			map[string]any{"sourceId": id},
			map[string]any{"sourceId": strings.ToLower(id)},
		}},
		map[string]any{"sourceIdVersion": nil},
	}}, kb.OrderPreferredOntologyTerms)
	if err != nil {
		return nil, fmt.Errorf("transcript %s: %w", id, err)
	}
	return rec, nil
}

func (p *Processor) positional(ctx context.Context, ref kb.Record, text string) (kb.Record, error) {
	if ref == nil {
		return nil, fmt.Errorf("%w: no gene for %s", resolve.ErrUnresolvedReference, text)
	}
	rec, err := p.resolver.ResolveAndPersist(ctx, &normalize.Variant{
		Kind:       normalize.Positional,
		Reference1: featureReference(ref),
		Notation:   text,
	}, ref)
	if err != nil {
		return nil, err
	}
	return rec.Record, nil
}

// ProcessVariants persists the forms of v and links them by Infers edges,
// the most specific form inferring the less specific ones. It returns the
// record a statement should use: protein, then cds, genomic, exonic and
// categorical.
func (p *Processor) ProcessVariants(ctx context.Context, v Variant) (kb.Record, error) {
	gene1 := p.geneBySymbol(ctx, v.Gene)
	gene2 := p.geneBySymbol(ctx, v.Gene2)

	var genomic, protein, cds, exonic, category kb.Record
	var err error
	if !v.Categorical && v.Genomic != "" {
		parsed, perr := notation.TryParse(v.Genomic, true)
		if perr != nil {
			return nil, fmt.Errorf("genomic %s: %w", v.Genomic, perr)
		}
		resolved, rerr := p.resolver.ResolveAndPersist(ctx, &normalize.Variant{
			Kind:       normalize.Positional,
			Reference1: normalize.Reference{Name: parsed.Reference1},
			Notation:   v.Genomic,
		}, nil)
		if rerr != nil {
			return nil, fmt.Errorf("genomic %s: %w", v.Genomic, rerr)
		}
		genomic = resolved.Record
	}
	if !v.Categorical && v.Protein != "" {
		_, change, _ := strings.Cut(v.Protein, ":")
		if protein, err = p.positional(ctx, gene1, change); err != nil {
			return nil, fmt.Errorf("protein %s: %w", v.Protein, err)
		}
	}
	if !v.Categorical && v.Transcript != "" && v.CDS != "" {
		tx, err := p.transcript(ctx, v.Transcript)
		if err != nil {
			return nil, err
		}
		if cds, err = p.positional(ctx, tx, v.CDS); err != nil {
			return nil, fmt.Errorf("cds %s:%s: %w", v.Transcript, v.CDS, err)
		}
	}
	if !v.Categorical && v.Exonic != "" {
		if exonic, err = p.positional(ctx, gene1, v.Exonic); err != nil {
			return nil, fmt.Errorf("exonic %s: %w", v.Exonic, err)
		}
	}
	if v.Type != "" {
		category, err = p.category(ctx, v, gene1, gene2)
		if err != nil && protein == nil && cds == nil && genomic == nil {
			return nil, err
		}
	}

	pairs := [][2]kb.Record{
		{first(exonic, protein, cds, genomic), category},
		{first(protein, cds, genomic), exonic},
		{first(cds, genomic), protein},
		{genomic, first(cds, protein, exonic)},
	}
	for _, pair := range pairs {
		if pair[0] == nil || pair[1] == nil {
			continue
		}
		if _, err := p.resolver.LinkInfersChain(ctx, pair[0], pair[1]); err != nil {
			return nil, err
		}
	}
	if rec := first(protein, cds, genomic, exonic, category); rec != nil {
		return rec, nil
	}
	return nil, fmt.Errorf("%w: no variant for %s", ErrUnsupportedBiomarker, v.Gene)
}

func (p *Processor) category(ctx context.Context, v Variant, gene1, gene2 kb.Record) (kb.Record, error) {
	if gene1 == nil {
		return nil, fmt.Errorf("%w: no gene for %s %s", resolve.ErrUnresolvedReference, v.Gene, v.Type)
	}
	cv := &normalize.Variant{Kind: normalize.Categorical, Reference1: featureReference(gene1), Type: v.Type}
	if v.Gene2 != "" {
		if gene2 == nil {
			return nil, fmt.Errorf("%w: no gene for %s", resolve.ErrUnresolvedReference, v.Gene2)
		}
		ref2 := featureReference(gene2)
		cv.Reference2 = &ref2
	}
	resolved, err := p.resolver.ResolveAndPersist(ctx, cv, gene1)
	if err != nil {
		return nil, fmt.Errorf("category %s %s: %w", v.Gene, v.Type, err)
	}
	return resolved.Record, nil
}

func first(records ...kb.Record) kb.Record {
	for _, r := range records {
		if r != nil {
			return r
		}
	}
	return nil
}

func (p *Processor) disease(ctx context.Context, name string) (kb.Record, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	candidates := []string{key, key + " cancer"}
	if mapped, ok := diseaseMapping[key]; ok {
		candidates = []string{mapped}
	}
	for _, c := range candidates {
		rec, err := p.kb.GetUniqueRecordBy(ctx, kb.ClassDisease, map[string]any{"name": c}, kb.OrderPreferredOntologyTerms)
		if err == nil {
			return rec, nil
		}
	}
	return nil, fmt.Errorf("%w: missing disease for input %s (%s)", kb.ErrNotFound, name, strings.Join(candidates, "|"))
}

func (p *Processor) therapy(ctx context.Context, source kb.Record, drug string) (kb.Record, error) {
	name := strings.ToLower(strings.TrimSpace(drug))
	if strings.Contains(name, ";") {
		parts := strings.Split(name, ";")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		slices.Sort(parts)
		name = strings.Join(parts, " + ")
	}
	if mapped, ok := therapyMapping[name]; ok {
		name = mapped
	}
	return kb.AddTherapyCombination(ctx, p.kb, source, name, false)
}

func (p *Processor) relevance(ctx context.Context, association string) (kb.Record, error) {
	term := strings.ToLower(strings.TrimSpace(association))
	if mapped, ok := relevanceMapping[term]; ok {
		term = mapped
	}
	rec, err := p.kb.GetVocabularyTerm(ctx, term, "")
	if err == nil {
		return rec, nil
	}
	rec, srcErr := p.kb.GetVocabularyTerm(ctx, term, SourceDefn["name"].(string))
	if srcErr != nil {
		return nil, fmt.Errorf("relevance %q: %w", term, err)
	}
	return rec, nil
}

// evidence returns the publications of ids. Trial registrations and
// conference abstracts are not loaded and are skipped.
func (p *Processor) evidence(ctx context.Context, ids []string) ([]kb.Record, error) {
	var pubmed []string
	for _, id := range ids {
		if hasAnyPrefix(id, "NCT", "ASCO", "AACR") {
			p.logger.Debug("skipping non-publication evidence", zap.String("id", id))
			continue
		}
		pubmed = append(pubmed, id)
	}
	if len(pubmed) == 0 {
		return nil, nil
	}
	return p.publications.FetchAndLoadByIDs(ctx, pubmed)
}

// ProcessRow creates the statement for one disease and variant combination
// of a row. evidence is the row's parsed source list.
func (p *Processor) ProcessRow(ctx context.Context, row Row, disease string, evidence []string, variants []Variant) (kb.Record, error) {
	source, err := p.sourceRecord(ctx)
	if err != nil {
		return nil, err
	}
	diseaseRec, err := p.disease(ctx, disease)
	if err != nil {
		return nil, err
	}
	drug, err := p.therapy(ctx, source, ParseTherapy(row))
	if err != nil {
		return nil, err
	}
	conditions := make([]any, 0, len(variants)+2)
	for _, v := range variants {
		rec, err := p.ProcessVariants(ctx, v)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, rec.RID())
	}
	conditions = append(conditions, diseaseRec.RID(), drug.RID())

	level, err := p.kb.GetUniqueRecordBy(ctx, kb.ClassEvidenceLevel, map[string]any{"AND": []any{
		map[string]any{"name": row.EvidenceLevel},
		map[string]any{"source": source.RID()},
	}}, nil)
	if err != nil {
		return nil, fmt.Errorf("evidence level %s: %w", row.EvidenceLevel, err)
	}
	pubs, err := p.evidence(ctx, evidence)
	if err != nil {
		return nil, err
	}
	evidenceRIDs := make([]any, 0, len(pubs))
	for _, pub := range pubs {
		evidenceRIDs = append(evidenceRIDs, pub.RID())
	}
	if len(evidenceRIDs) == 0 {
		evidenceRIDs = append(evidenceRIDs, source.RID())
	}
	relevance, err := p.relevance(ctx, row.Relevance)
	if err != nil {
		return nil, err
	}

	return p.kb.AddRecord(ctx, kb.ClassStatement, map[string]any{
		"conditions":    conditions,
		"evidence":      evidenceRIDs,
		"evidenceLevel": []any{level.RID()},
		"relevance":     relevance.RID(),
		"source":        source.RID(),
		"sourceId":      row.SourceID,
		"subject":       drug.RID(),
	}, kb.AddOptions{ExistsOK: true})
}

// Upload loads every row, stopping early after maxRecords rows when it is
// positive. Row failures are counted and logged.
func (p *Processor) Upload(ctx context.Context, rows []tabular.Row, maxRecords int) (Result, error) {
	result := Result{Statements: load.NewCounts(), Inputs: load.NewCounts()}
	if err := p.LoadEvidenceLevels(ctx); err != nil {
		return result, err
	}
	p.logger.Info("loading cgi rows", zap.Int("rows", len(rows)))
	for index, raw := range rows {
		if maxRecords > 0 && index >= maxRecords {
			p.logger.Warn("not loading all content due to max records limit", zap.Int("maxRecords", maxRecords))
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		row := RowFrom(raw)
		diseases := strings.Split(row.Disease, ";")
		if strings.Contains(row.EvidenceLevel, ",") {
			p.logger.Info("skipping row with multiple evidence levels", zap.Int("row", index), zap.String("level", row.EvidenceLevel))
			result.Inputs.Skip++
			result.Statements.Skip++
			continue
		}

		evidence, err := ParseEvidence(row.Evidence)
		var combos [][]Variant
		if err == nil {
			combos, err = PreprocessVariants(row)
		}
		if err != nil {
			for range diseases {
				result.Statements.Add(err)
			}
			result.Inputs.Add(err)
			if lerr := p.logError(index, row, err); lerr != nil {
				return result, lerr
			}
			continue
		}

		var rowErr error
		for _, disease := range diseases {
			for _, combo := range combos {
				_, err := p.ProcessRow(ctx, row, strings.TrimSpace(disease), evidence, combo)
				result.Statements.Add(err)
				if err != nil {
					rowErr = errors.Join(rowErr, err)
					if lerr := p.logError(index, row, err); lerr != nil {
						return result, lerr
					}
				}
			}
		}
		result.Inputs.Add(rowErr)
	}
	p.logger.Info("loaded cgi rows",
		zap.String("statements", load.FormatCounts(result.Statements)),
		zap.String("inputs", load.FormatCounts(result.Inputs)))
	return result, nil
}

func (p *Processor) logError(index int, row Row, err error) error {
	p.logger.Error("cgi row failed", zap.Int("row", index), zap.String("biomarker", row.Biomarker), zap.Error(err))
	if p.errLog == nil {
		return nil
	}
	data, jerr := json.Marshal(load.ErrorEntry{
		RunID:  p.runID,
		Seq:    index,
		Source: SourceDefn["name"].(string),
		Gene:   row.Gene,
		Input:  row.Biomarker,
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
