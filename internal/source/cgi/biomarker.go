// Package cgi loads Cancer Genome Interpreter biomarker associations as
// knowledgebase statements.
package cgi

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/bcgsc/pori/internal/tabular"
)

// Column names of the CGI biomarkers export.
const (
	colAlteration    = "Alteration"
	colBiomarker     = "Biomarker"
	colCDS           = "cDNA"
	colDisease       = "Primary Tumor type full name"
	colDrug          = "Drug"
	colDrugFamily    = "Drug family"
	colEvidence      = "Source"
	colEvidenceLevel = "Evidence level"
	colGene          = "Gene"
	colGenomic       = "gDNA"
	colProtein       = "individual_mutation"
	colRelevance     = "Association"
	colTranscript    = "transcript"
	colVariantClass  = "Alteration type"
)

// ErrUnsupportedBiomarker is returned for biomarkers no variant form matches.
var ErrUnsupportedBiomarker = errors.New("unsupported biomarker")

// Row is one biomarker association of the CGI export.
type Row struct {
	SourceID      string
	Alteration    string
	Biomarker     string
	CDS           string
	Disease       string
	Drug          string
	DrugFamily    string
	Evidence      string
	EvidenceLevel string
	Gene          string
	Genomic       string
	Protein       string
	Relevance     string
	Transcript    string
	VariantClass  string
}

// RowFrom maps an export row onto Row. The source id is a hash of the row
// since the export has no identifier column.
func RowFrom(r tabular.Row) Row {
	return Row{
		SourceID:      r.Hash(),
		Alteration:    r.Get(colAlteration),
		Biomarker:     r.Get(colBiomarker),
		CDS:           r.Get(colCDS),
		Disease:       r.Get(colDisease),
		Drug:          r.Get(colDrug),
		DrugFamily:    r.Get(colDrugFamily),
		Evidence:      r.Get(colEvidence),
		EvidenceLevel: r.Get(colEvidenceLevel),
		Gene:          r.Get(colGene),
		Genomic:       r.Get(colGenomic),
		Protein:       r.Get(colProtein),
		Relevance:     r.Get(colRelevance),
		Transcript:    r.Get(colTranscript),
		VariantClass:  r.Get(colVariantClass),
	}
}

// Variant is one variant of a biomarker. Positional forms may coexist on a
// row (genomic, cds, protein); categorical variants carry only Type.
type Variant struct {
	Gene        string
	Gene2       string
	Genomic     string
	Transcript  string
	CDS         string
	Protein     string
	Exonic      string
	Type        string
	Categorical bool
}

var (
	reVariantSplit  = regexp.MustCompile(`\s*\+\s*`)
	reProteinList   = regexp.MustCompile(`^(\w+) \(([A-Z0-9*,;-]+)\)$`)
	reProteinSep    = regexp.MustCompile(`[,;]`)
	reResidue       = regexp.MustCompile(`^([A-Z])?(\d+)$`)
	reResidueRange  = regexp.MustCompile(`^(\d+)-(\d+)$`)
	reGeneAndTail   = regexp.MustCompile(`^(\w+)\s+(.*)$`)
	reExonInsDel    = regexp.MustCompile(`^exon (\d+) (insertion|deletion)s?$`)
	reFusionPair    = regexp.MustCompile(`^([A-Za-z0-9.]+)-([A-Za-z0-9.]+) fusion$`)
	reNCT           = regexp.MustCompile(`^NCT\d+$`)
	reOpenBracket   = regexp.MustCompile(`^\[`)
	reClosedBracket = regexp.MustCompile(`\]$`)
)

// ParseCategoryVariant returns the categorical variant named by a biomarker
// such as "ERBB2 amplification". Copy number deletions are copy losses.
func ParseCategoryVariant(gene, biomarker, variantClass string) Variant {
	typ := strings.TrimSpace(strings.TrimPrefix(biomarker, gene))
	typ = strings.Replace(typ, "undexpression", "underexpression", 1)
	if variantClass == "CNA" && typ == "deletion" {
		typ = "copy loss"
	}
	return Variant{Gene: gene, Type: strings.ToLower(typ), Categorical: true}
}

// ParseEvidence returns the PubMed, PMC and trial ids of a ";" separated
// source list. Guideline and abstract references are ignored.
func ParseEvidence(s string) ([]string, error) {
	var out []string
	for _, item := range strings.Split(s, ";") {
		item = strings.TrimSpace(item)
		switch {
		case item == "":
		case strings.HasPrefix(item, "PMID:"):
			out = append(out, strings.TrimSpace(strings.TrimPrefix(item, "PMID:")))
		case strings.HasPrefix(item, "PMC"), reNCT.MatchString(item):
			out = append(out, item)
		case hasAnyPrefix(item, "FDA", "NCCN", "ASCO", "AACR", "EMA", "CPIC"):
		default:
			return nil, fmt.Errorf("cannot process non-pubmed/nct/aacr/asco evidence %q", item)
		}
	}
	return out, nil
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// ParseTherapy returns the drug of a row, falling back to the drug family,
// without list brackets.
func ParseTherapy(row Row) string {
	drug := row.Drug
	if drug == "" || drug == "[]" {
		drug = row.DrugFamily
	}
	drug = reOpenBracket.ReplaceAllString(drug, "")
	return reClosedBracket.ReplaceAllString(drug, "")
}

// PreprocessVariants expands a row's biomarker into variant combinations.
// Each combination is one statement's set of variants: a biomarker listing
// alternatives ("KIT (V560D,V559A)") gives one combination per alternative,
// and a "+" pair of biomarkers gives their cross product.
func PreprocessVariants(row Row) ([][]Variant, error) {
	parts := reVariantSplit.Split(row.Biomarker, -1)
	if len(parts) > 2 {
		return nil, fmt.Errorf("%w: combinations of 3 or more variants (%s)", ErrUnsupportedBiomarker, row.Biomarker)
	}
	if row.Protein != "" {
		return [][]Variant{{{
			Gene:       row.Gene,
			Genomic:    row.Genomic,
			Transcript: row.Transcript,
			CDS:        row.CDS,
			Protein:    strings.Replace(row.Protein, ":", ":p.", 1),
		}}}, nil
	}

	var levels [][]Variant
	for _, part := range parts {
		var variants []Variant
		if m := reProteinList.FindStringSubmatch(part); m != nil {
			gene, tail := m[1], m[2]
			class := strings.ToLower(row.VariantClass)
			for _, single := range reProteinSep.Split(tail, -1) {
				hgvsp := "p." + single
				if r := reResidue.FindStringSubmatch(single); r != nil {
					hgvsp = fmt.Sprintf("p.%s%s%s", orUnknown(r[1]), r[2], class)
				} else if r := reResidueRange.FindStringSubmatch(single); r != nil {
					hgvsp = fmt.Sprintf("p.(?%s_?%s)%s", r[1], r[2], class)
				}
				variants = append(variants, Variant{Gene: gene, Protein: gene + ":" + hgvsp})
			}
		} else if m := reGeneAndTail.FindStringSubmatch(part); m != nil {
			gene, tail := m[1], m[2]
			if e := reExonInsDel.FindStringSubmatch(tail); e != nil {
				variants = append(variants, Variant{Gene: gene, Exonic: "e." + e[1] + e[2][:3]})
			} else {
				variants = append(variants, ParseCategoryVariant(gene, part, row.VariantClass))
			}
		} else if m := reFusionPair.FindStringSubmatch(part); m != nil {
			variants = append(variants, Variant{Gene: m[1], Gene2: m[2], Type: "fusion", Categorical: true})
		} else {
			return nil, fmt.Errorf("%w: unable to process variant (%s)", ErrUnsupportedBiomarker, part)
		}
		levels = append(levels, variants)
	}

	var out [][]Variant
	if len(levels) > 1 {
		for _, a := range levels[0] {
			for _, b := range levels[1] {
				out = append(out, []Variant{a, b})
			}
		}
		return out, nil
	}
	for _, v := range levels[0] {
		out = append(out, []Variant{v})
	}
	return out, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "?"
	}
	return s
}
