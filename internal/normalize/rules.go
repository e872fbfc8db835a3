package normalize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// input is the canonical (lower-cased, joiner-free) text for one rule pass.
type input struct {
	text string
	gene Reference
}

// rule is one step of the normalization cascade. apply reports ok when it
// handled the input; a non-nil error aborts normalization.
type rule struct {
	name  string
	apply func(n *Normalizer, in input) ([]*Variant, bool, error)
}

var vocabularyTerms = map[string]bool{
	"loss-of-function": true,
	"gain-of-function": true,
	"overexpression":   true,
	"expression":       true,
	"amplification":    true,
	"mutation":         true,
}

var (
	reTranslocation   = regexp.MustCompile(`^t\(([^;()]+);([^;()]+)\)\(([^;()]+);([^;()]+)\)$`)
	reProteinWithCds  = regexp.MustCompile(`^(p\.)?([a-z*]\d+\S*)\s+\((c\.[^)]+)\)$`)
	reDeprecatedCds   = regexp.MustCompile(`^c\.(\d+)([acgt][acgt]+)>([acgt][acgt]+)$`)
	reExonRange       = regexp.MustCompile(`^(intron|exon)\s+(\d+)(-(\d+))?\s+(mutation|deletion|frameshift|insertion)s?$`)
	reGeneFusion      = regexp.MustCompile(`^([a-z][^-\s]*)-([a-z][^-\s]*)\s*(\S+)?$`)
	reExonPairDash    = regexp.MustCompile(`^e(\d+)-e(\d+)$`)
	reExonPairSemi    = regexp.MustCompile(`^[a-z](\d+);[a-z](\d+)$`)
	reSingleFusion    = regexp.MustCompile(`^[a-z][^-\s]*\s+fusions?$`)
	reRawCds          = regexp.MustCompile(`^\s*c\.\d+\s*[a-z]\s*>[a-z]\s*$`)
	reQualitative     = regexp.MustCompile(`^((delete?rious)|promoter)\s+mutation$`)
	reSplicing        = regexp.MustCompile(`^(splicing\s+alteration)\s+\((c\..*)\)$`)
	rePositionFeature = regexp.MustCompile(`^([a-z]\d+)\s+(phosphorylation|splice site)(\s+mutation)?$`)
	reFusionMutation  = regexp.MustCompile(`^(\w+\s+fusion)\s+([a-z]\d+\S+)$`)
	reGeneMutation    = regexp.MustCompile(`^(.*)\s+mutations?$`)
	reWhitespace      = regexp.MustCompile(`\s+`)
)

// defaultRules is the normalization cascade, tried in order.
var defaultRules = []rule{
	{"vocabulary", vocabularyRule},
	{"translocation", translocationRule},
	{"protein with cds", proteinWithCdsRule},
	{"exon range", exonRangeRule},
	{"gene fusion", geneFusionRule},
	{"single gene fusion", singleFusionRule},
	{"raw cds substitution", rawCdsRule},
	{"qualitative", qualitativeRule},
	{"splicing alteration", splicingRule},
	{"position feature", positionFeatureRule},
	{"fusion with mutation", fusionMutationRule},
	{"gene mutation", geneMutationRule},
	{"notation fallback", notationFallbackRule},
}

func vocabularyRule(_ *Normalizer, in input) ([]*Variant, bool, error) {
	if !vocabularyTerms[in.text] {
		return nil, false, nil
	}
	return []*Variant{categorical(in.gene, strings.ReplaceAll(in.text, "-", " "))}, true, nil
}

func translocationRule(_ *Normalizer, in input) ([]*Variant, bool, error) {
	m := reTranslocation.FindStringSubmatch(in.text)
	if m == nil {
		return nil, false, nil
	}
	return []*Variant{{
		Kind:       Positional,
		Reference1: Reference{Name: m[1]},
		Reference2: &Reference{Name: m[2]},
		Notation:   fmt.Sprintf("translocation(%s, %s)", m[3], m[4]),
	}}, true, nil
}

func proteinWithCdsRule(n *Normalizer, in input) ([]*Variant, bool, error) {
	m := reProteinWithCds.FindStringSubmatch(in.text)
	if m == nil {
		return nil, false, nil
	}
	protein := positional(in.gene, "p."+m[2])
	if _, err := n.parse(protein.Notation, false); err != nil {
		// keep the cds evidence when the protein half is incomplete, e.g. "r132"
		protein = categorical(in.gene, m[2])
	}
	cds := positional(in.gene, rewriteDeprecatedCds(m[3]))
	protein.Links = []Link{{Relation: InferredBy, Variant: cds}}
	return []*Variant{protein}, true, nil
}

// rewriteDeprecatedCds turns an equal-length multi-base substitution written
// at a single position, "c.330ca>tt", into "c.330_331delcainstt".
func rewriteDeprecatedCds(cds string) string {
	m := reDeprecatedCds.FindStringSubmatch(cds)
	if m == nil || len(m[2]) != len(m[3]) {
		return cds
	}
	pos, err := strconv.Atoi(m[1])
	if err != nil {
		return cds
	}
	return fmt.Sprintf("c.%d_%ddel%sins%s", pos, pos+len(m[2])-1, m[2], m[3])
}

func exonRangeRule(_ *Normalizer, in input) ([]*Variant, bool, error) {
	m := reExonRange.FindStringSubmatch(in.text)
	if m == nil {
		return nil, false, nil
	}
	prefix := "e"
	if m[1] == "intron" {
		prefix = "i"
	}
	break2 := ""
	if m[4] != "" {
		break2 = "_" + m[4]
	}
	change := m[5][:3]
	if m[5] == "frameshift" {
		change = "fs"
	}
	return []*Variant{positional(in.gene, prefix+"."+m[2]+break2+change)}, true, nil
}

func geneFusionRule(n *Normalizer, in input) ([]*Variant, bool, error) {
	m := reGeneFusion.FindStringSubmatch(in.text)
	if m == nil {
		return nil, false, nil
	}
	gene1, gene2, tail := m[1], m[2], m[3]

	fusion := &Variant{Kind: Categorical, Type: "fusion"}
	if tail != "" {
		exons := reExonPairDash.FindStringSubmatch(tail)
		if exons == nil {
			exons = reExonPairSemi.FindStringSubmatch(tail)
		}
		if exons == nil {
			head, err := n.normalize(in.gene, gene1+"-"+gene2)
			if err != nil {
				return nil, false, err
			}
			rest, err := n.normalize(in.gene, tail)
			if err != nil {
				return nil, false, err
			}
			return append(head, rest...), true, nil
		}
		fusion = &Variant{Kind: Positional, Notation: fmt.Sprintf("fusion(e.%s,e.%s)", exons[1], exons[2])}
	}

	switch {
	case SameGene(gene1, in.gene.Name):
		fusion.Reference1 = in.gene
		fusion.Reference2 = &Reference{Name: gene2}
	case SameGene(gene2, in.gene.Name):
		fusion.Reference1 = Reference{Name: gene1}
		gene := in.gene
		fusion.Reference2 = &gene
		fusion.Flipped = true
	default:
		return nil, false, fmt.Errorf("%w: linked gene %q is neither fusion partner (%s, %s)",
			ErrReferenceMismatch, in.gene.Name, gene1, gene2)
	}
	return []*Variant{fusion}, true, nil
}

func singleFusionRule(_ *Normalizer, in input) ([]*Variant, bool, error) {
	if !reSingleFusion.MatchString(in.text) {
		return nil, false, nil
	}
	return []*Variant{categorical(in.gene, "fusion")}, true, nil
}

func rawCdsRule(_ *Normalizer, in input) ([]*Variant, bool, error) {
	if !reRawCds.MatchString(in.text) {
		return nil, false, nil
	}
	return []*Variant{positional(in.gene, reWhitespace.ReplaceAllString(in.text, ""))}, true, nil
}

func qualitativeRule(_ *Normalizer, in input) ([]*Variant, bool, error) {
	if !reQualitative.MatchString(in.text) && !strings.Contains(in.text, "domain") {
		return nil, false, nil
	}
	return []*Variant{categorical(in.gene, in.text)}, true, nil
}

func splicingRule(_ *Normalizer, in input) ([]*Variant, bool, error) {
	m := reSplicing.FindStringSubmatch(in.text)
	if m == nil {
		return nil, false, nil
	}
	cds := positional(in.gene, m[2])
	cds.Links = []Link{{Relation: Infers, Variant: categorical(in.gene, m[1])}}
	return []*Variant{cds}, true, nil
}

func positionFeatureRule(_ *Normalizer, in input) ([]*Variant, bool, error) {
	m := rePositionFeature.FindStringSubmatch(in.text)
	if m == nil {
		return nil, false, nil
	}
	change := "spl"
	if m[2] == "phosphorylation" {
		change = "phos"
	}
	return []*Variant{positional(in.gene, "p."+m[1]+change)}, true, nil
}

func fusionMutationRule(n *Normalizer, in input) ([]*Variant, bool, error) {
	m := reFusionMutation.FindStringSubmatch(in.text)
	if m == nil {
		return nil, false, nil
	}
	fusion, err := n.normalize(in.gene, m[1])
	if err != nil {
		return nil, false, err
	}
	mutation, err := n.normalize(in.gene, m[2])
	if err != nil {
		return nil, false, err
	}
	return append(fusion, mutation...), true, nil
}

func geneMutationRule(_ *Normalizer, in input) ([]*Variant, bool, error) {
	m := reGeneMutation.FindStringSubmatch(in.text)
	if m == nil || !SameGene(m[1], in.gene.Name) {
		return nil, false, nil
	}
	return []*Variant{categorical(in.gene, "mutation")}, true, nil
}

// notationFallbackRule accepts text that is already close to valid
// notation, as written or as a protein change missing its "p." prefix.
func notationFallbackRule(n *Normalizer, in input) ([]*Variant, bool, error) {
	for _, candidate := range []string{in.text, "p." + in.text} {
		if _, err := n.parse(candidate, false); err == nil {
			return []*Variant{positional(in.gene, candidate)}, true, nil
		}
	}
	return nil, false, nil
}
