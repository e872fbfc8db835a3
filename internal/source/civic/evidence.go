package civic

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/bcgsc/pori/internal/kb"
	"github.com/bcgsc/pori/internal/load"
)

var (
	// ErrRelevanceNotImplemented is returned for evidence type, direction
	// and significance combinations with no knowledgebase relevance.
	ErrRelevanceNotImplemented = errors.New("relevance not implemented")
	// ErrNoSubject is returned when no statement subject can be derived.
	ErrNoSubject = errors.New("statement subject not determined")
	// ErrUnsupportedEvidenceSource is returned for non-PubMed citations.
	ErrUnsupportedEvidenceSource = errors.New("unsupported evidence source")
)

// levelDescriptions are the CIViC glossary definitions of evidence levels
// and ratings.
var levelDescriptions = map[string]string{
	"1": "Evidence likely does not belong in CIViC. Claim is not supported well by experimental evidence. Results are not reproducible, or have very small sample size. No follow-up is done to validate novel claims.",
	"2": "Evidence is not well supported by experimental data, and little follow-up data is available. Publication is from a journal with low academic impact. Experiments may lack proper controls, have small sample size, or are not statistically convincing.",
	"3": "Evidence is convincing, but not supported by a breadth of experiments. May be smaller scale projects, or novel results without many follow-up experiments. Discrepancies from expected results are explained and not concerning.",
	"4": "Strong, well supported evidence. Experiments are well controlled, and results are convincing. Any discrepancies from expected results are well-explained and not concerning.",
	"5": "Strong, well supported evidence from a lab or journal with respected academic standing. Experiments are well controlled, and results are clean and reproducible across multiple replicates. Evidence confirmed using separate methods.",
	"A": "Trusted association in clinical medicine that routinely informs treatment, including large scale metaanalyses, standard of care associations, and organizational recommendations.",
	"B": "Clinical evidence from clinical trials and other primary tumor data.",
	"C": "Case study evidence from individual case reports in peer reviewed journals.",
	"D": "Preclinical evidence from cell line studies, mouse models, and other in vitro or in vivo models.",
	"E": "Inferential association made from experimental data.",
}

const glossaryURL = "https://civicdb.org/glossary"

// reDrugWithAlias matches "name (alias)".
var reDrugWithAlias = regexp.MustCompile(`^\s*(\S+)\s*\([^)]+\)$`)

// EvidenceRecord is a CIViC evidence item.
type EvidenceRecord struct {
	ID                   int           `json:"id"`
	Description          string        `json:"description"`
	EvidenceType         string        `json:"evidence_type"`
	EvidenceDirection    string        `json:"evidence_direction"`
	ClinicalSignificance string        `json:"clinical_significance"`
	EvidenceLevel        string        `json:"evidence_level"`
	Rating               *int          `json:"rating"`
	Status               string        `json:"status"`
	Variant              VariantRecord `json:"variant"`
	Disease              *Disease      `json:"disease"`
	Drugs                []Drug        `json:"drugs"`
	DrugInteractionType  string        `json:"drug_interaction_type"`
	Source               Citation      `json:"source"`
}

// Disease is the disease of an evidence item.
type Disease struct {
	Name string `json:"name"`
	DOID string `json:"doid"`
}

// Drug is a therapy of an evidence item.
type Drug struct {
	Name   string `json:"name"`
	NcitID string `json:"ncit_id"`
}

// Citation is the publication an evidence item is curated from.
type Citation struct {
	SourceType string `json:"source_type"`
	CitationID string `json:"citation_id"`
}

// TranslateRelevance returns the knowledgebase relevance term for a CIViC
// evidence type, direction and clinical significance.
func TranslateRelevance(evidenceType, direction, significance string) (string, error) {
	switch direction {
	case "Does Not Support":
		if evidenceType == "Predictive" {
			switch significance {
			case "Sensitivity", "Sensitivity/Response":
				return "no response", nil
			case "Resistance":
				return "no resistance", nil
			}
		}
	case "Supports":
		switch evidenceType {
		case "Predictive":
			switch significance {
			case "Sensitivity", "Adverse Response", "Reduced Sensitivity", "Resistance":
				return strings.ToLower(significance), nil
			case "Sensitivity/Response":
				return "sensitivity", nil
			}
		case "Functional":
			if significance != "" {
				return strings.ToLower(significance), nil
			}
		case "Diagnostic":
			switch significance {
			case "Positive":
				return "favours diagnosis", nil
			case "Negative":
				return "opposes diagnosis", nil
			}
		case "Prognostic":
			switch significance {
			case "Negative", "Poor Outcome":
				return "unfavourable prognosis", nil
			case "Positive", "Better Outcome":
				return "favourable prognosis", nil
			}
		case "Predisposing":
			switch {
			case significance == "Positive" || significance == "" || significance == "null":
				return "predisposing", nil
			case strings.Contains(significance, "Pathogenic"):
				return strings.ToLower(significance), nil
			case significance == "Uncertain Significance":
				return "likely predisposing", nil
			}
		}
	}
	return "", fmt.Errorf("%w: type=%q direction=%q significance=%q",
		ErrRelevanceNotImplemented, evidenceType, direction, significance)
}

func (p *Processor) relevanceRecord(ctx context.Context, rec EvidenceRecord) (kb.Record, error) {
	term, err := TranslateRelevance(rec.EvidenceType, rec.EvidenceDirection, rec.ClinicalSignificance)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	cached, ok := p.relevance[term]
	p.mu.Unlock()
	if ok {
		return cached, nil
	}
	relevance, err := p.kb.GetVocabularyTerm(ctx, term, "")
	if err != nil {
		return nil, fmt.Errorf("relevance %q: %w", term, err)
	}
	p.mu.Lock()
	p.relevance[term] = relevance
	p.mu.Unlock()
	return relevance, nil
}

func (p *Processor) evidenceLevel(ctx context.Context, rec EvidenceRecord, source kb.Record) (kb.Record, error) {
	rating := ""
	if rec.Rating != nil {
		rating = strconv.Itoa(*rec.Rating)
	}
	level := strings.ToLower(rec.EvidenceLevel + rating)
	p.mu.Lock()
	cached, ok := p.levels[level]
	p.mu.Unlock()
	if ok {
		return cached, nil
	}

	description := strings.TrimSpace(levelDescriptions[rec.EvidenceLevel] + " " + levelDescriptions[rating])
	conditions := map[string]any{"AND": []any{
		map[string]any{"sourceId": level},
		map[string]any{"name": level},
		map[string]any{"source": source.RID()},
	}}
	out, err := p.kb.AddRecord(ctx, kb.ClassEvidenceLevel, map[string]any{
		"description": description,
		"displayName": fmt.Sprintf("%s %s", SourceDefn["displayName"], strings.ToUpper(level)),
		"name":        level,
		"source":      source.RID(),
		"sourceId":    level,
		"url":         glossaryURL,
	}, kb.AddOptions{ExistsOK: true, FetchConditions: conditions})
	if err != nil {
		return nil, fmt.Errorf("evidence level %s: %w", level, err)
	}
	p.mu.Lock()
	p.levels[level] = out
	p.mu.Unlock()
	return out, nil
}

func (p *Processor) disease(ctx context.Context, d *Disease) (kb.Record, error) {
	var filters map[string]any
	if d.DOID != "" {
		filters = map[string]any{"AND": []any{
			map[string]any{"sourceId": "doid:" + d.DOID},
			map[string]any{"source": kb.Subquery(kb.ClassSource, map[string]any{"name": "disease ontology"})},
		}}
	} else {
		filters = map[string]any{"name": d.Name}
	}
	rec, err := p.kb.GetUniqueRecordBy(ctx, kb.ClassDisease, filters, kb.OrderPreferredOntologyTerms)
	if err != nil {
		return nil, fmt.Errorf("disease %s: %w", d.Name, err)
	}
	return rec, nil
}

// drug returns the therapy for d, by NCIt code when CIViC maps one and by
// name otherwise.
func (p *Processor) drug(ctx context.Context, d Drug) (kb.Record, error) {
	if d.NcitID != "" {
		rec, err := p.kb.GetUniqueRecordBy(ctx, kb.ClassTherapy, map[string]any{"AND": []any{
			map[string]any{"source": kb.Subquery(kb.ClassSource, map[string]any{"name": "ncit"})},
			map[string]any{"sourceId": d.NcitID},
			map[string]any{"name": d.Name},
		}}, kb.OrderPreferredOntologyTerms)
		if err != nil {
			p.logger.Error("mapped drug not found", zap.String("ncit", d.NcitID), zap.String("name", d.Name), zap.Error(err))
			return nil, fmt.Errorf("drug %s (%s): %w", d.Name, d.NcitID, err)
		}
		return rec, nil
	}

	name := strings.ToLower(strings.TrimSpace(d.Name))
	rec, err := kb.GetTherapy(ctx, p.kb, name, "")
	if err == nil {
		return rec, nil
	}
	if m := reDrugWithAlias.FindStringSubmatch(name); m != nil {
		if rec, aliasErr := kb.GetTherapy(ctx, p.kb, m[1], ""); aliasErr == nil {
			return rec, nil
		}
	}
	return nil, fmt.Errorf("drug %s: %w", d.Name, err)
}

func (p *Processor) therapy(ctx context.Context, rec EvidenceRecord, source kb.Record) (kb.Record, error) {
	if len(rec.Drugs) == 1 {
		return p.drug(ctx, rec.Drugs[0])
	}
	drugs := make([]kb.Record, 0, len(rec.Drugs))
	for _, d := range rec.Drugs {
		drug, err := p.drug(ctx, d)
		if err != nil {
			return nil, err
		}
		drugs = append(drugs, drug)
	}
	return kb.AddCombination(ctx, p.kb, source, drugs, strings.ToLower(rec.DrugInteractionType))
}

func (p *Processor) publication(ctx context.Context, rec EvidenceRecord) (kb.Record, error) {
	if rec.Source.SourceType != "PubMed" {
		return nil, fmt.Errorf("%w: %s for evidence %d", ErrUnsupportedEvidenceSource, rec.Source.SourceType, rec.ID)
	}
	pubs, err := p.publications.FetchAndLoadByIDs(ctx, []string{rec.Source.CitationID})
	if err != nil {
		return nil, fmt.Errorf("publication %s: %w", rec.Source.CitationID, err)
	}
	if len(pubs) == 0 {
		return nil, fmt.Errorf("%w: publication %s", kb.ErrNotFound, rec.Source.CitationID)
	}
	return pubs[0], nil
}

// ProcessEvidence creates or updates the statement for one evidence item.
func (p *Processor) ProcessEvidence(ctx context.Context, rec EvidenceRecord) (kb.Record, error) {
	source, err := p.sourceRecord(ctx)
	if err != nil {
		return nil, err
	}
	level, err := p.evidenceLevel(ctx, rec, source)
	if err != nil {
		return nil, err
	}
	relevance, err := p.relevanceRecord(ctx, rec)
	if err != nil {
		return nil, err
	}
	genes, err := p.genes.FetchAndLoadByIDs(ctx, []string{strconv.Itoa(rec.Variant.EntrezID)})
	if err != nil {
		return nil, fmt.Errorf("gene %d: %w", rec.Variant.EntrezID, err)
	}
	if len(genes) == 0 {
		return nil, fmt.Errorf("%w: gene %d", kb.ErrNotFound, rec.Variant.EntrezID)
	}
	feature := genes[0]

	variants, err := p.variantRecords(ctx, rec.Variant, feature)
	if err != nil {
		return nil, err
	}

	var disease kb.Record
	if rec.Disease != nil {
		if disease, err = p.disease(ctx, rec.Disease); err != nil {
			return nil, err
		}
	}
	var therapy kb.Record
	if len(rec.Drugs) > 0 {
		if therapy, err = p.therapy(ctx, rec, source); err != nil {
			return nil, err
		}
	}
	publication, err := p.publication(ctx, rec)
	if err != nil {
		return nil, err
	}

	conditions := make([]any, 0, len(variants)+2)
	for _, v := range variants {
		conditions = append(conditions, v.RID())
	}
	reviewStatus := "pending"
	if rec.Status == "accepted" {
		reviewStatus = "not required"
	}
	content := map[string]any{
		"description":   rec.Description,
		"evidence":      []any{publication.RID()},
		"evidenceLevel": []any{level.RID()},
		"relevance":     relevance.RID(),
		"reviewStatus":  reviewStatus,
		"source":        source.RID(),
		"sourceId":      strconv.Itoa(rec.ID),
	}

	var subject string
	switch rec.EvidenceType {
	case "Diagnostic", "Predisposing":
		if disease == nil {
			return nil, fmt.Errorf("%w: %s evidence %d has no disease", ErrNoSubject, rec.EvidenceType, rec.ID)
		}
		subject = disease.RID()
	default:
		if disease != nil {
			conditions = append(conditions, disease.RID())
		}
	}
	switch rec.EvidenceType {
	case "Predictive":
		if therapy != nil {
			subject = therapy.RID()
		}
	case "Prognostic":
		patient, err := p.kb.GetVocabularyTerm(ctx, "patient", "")
		if err != nil {
			return nil, fmt.Errorf("prognostic subject: %w", err)
		}
		subject = patient.RID()
	case "Functional":
		subject = feature.RID()
	}
	if subject == "" {
		return nil, fmt.Errorf("%w: evidence %d", ErrNoSubject, rec.ID)
	}
	if !slices.Contains(conditions, any(subject)) {
		conditions = append(conditions, subject)
	}
	content["subject"] = subject
	content["conditions"] = conditions

	if p.oneToOne {
		return p.replaceStatement(ctx, content, source)
	}
	fetch := []any{
		map[string]any{"sourceId": content["sourceId"]},
		map[string]any{"source": source.RID()},
		map[string]any{"evidence": content["evidence"]},
		map[string]any{"relevance": content["relevance"]},
		map[string]any{"subject": subject},
		map[string]any{"conditions": conditions},
	}
	return p.kb.AddRecord(ctx, kb.ClassStatement, content, kb.AddOptions{
		ExistsOK:           true,
		FetchConditions:    map[string]any{"AND": fetch},
		Upsert:             true,
		UpsertCheckExclude: []string{"comment", "displayNameTemplate", "reviews"},
	})
}

// statementExclude are the properties ignored when comparing a statement
// with its previous version.
var statementExclude = []string{"@rid", "@version", "comment", "createdAt", "createdBy", "reviews", "updatedAt", "updatedBy"}

// replaceStatement keeps one statement per evidence item, comparing the new
// content with the previous version.
func (p *Processor) replaceStatement(ctx context.Context, content map[string]any, source kb.Record) (kb.Record, error) {
	fetch := map[string]any{"AND": []any{
		map[string]any{"source": source.RID()},
		map[string]any{"sourceId": content["sourceId"]},
	}}
	originals, err := p.kb.GetRecords(ctx, kb.ClassStatement, fetch)
	if err != nil {
		return nil, err
	}
	switch len(originals) {
	case 0:
		return p.kb.AddRecord(ctx, kb.ClassStatement, content, kb.AddOptions{ExistsOK: true, FetchConditions: fetch})
	case 1:
		update, err := kb.ShouldUpdate(originals[0], content, statementExclude)
		if err != nil || !update {
			return originals[0], err
		}
		return p.kb.AddRecord(ctx, kb.ClassStatement, content, kb.AddOptions{
			FetchFirst:         true,
			FetchConditions:    fetch,
			Upsert:             true,
			UpsertCheckExclude: statementExclude,
		})
	}
	return nil, fmt.Errorf("%w: %d statements for civic evidence %s", kb.ErrNotUnique, len(originals), content["sourceId"])
}

// Upload processes every evidence item. Failed items are counted by error
// kind and logged.
func (p *Processor) Upload(ctx context.Context, records []EvidenceRecord) (load.Counts, error) {
	counts := load.NewCounts()
	p.logger.Info("processing civic evidence items", zap.Int("records", len(records)))
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		_, err := p.ProcessEvidence(ctx, rec)
		if err != nil {
			p.logger.Error("civic evidence failed",
				zap.Int("index", i), zap.Int("evidence", rec.ID), zap.String("variant", rec.Variant.Name), zap.Error(err))
		}
		counts.Add(err)
	}
	p.logger.Info("processed civic evidence items", zap.String("counts", load.FormatCounts(counts)))
	return counts, nil
}
