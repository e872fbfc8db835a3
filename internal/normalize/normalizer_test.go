package normalize

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcgsc/pori/internal/notation"
)

func gene(name string) Reference { return Reference{Name: name, SourceID: "1"} }

func sym(name string) *Reference { return &Reference{Name: name} }

func pos(ref Reference, text string, links ...Link) *Variant {
	return &Variant{Kind: Positional, Reference1: ref, Notation: text, Links: links}
}

func cat(ref Reference, typeName string) *Variant {
	return &Variant{Kind: Categorical, Reference1: ref, Type: typeName}
}

func inferredBy(v *Variant) Link { return Link{Relation: InferredBy, Variant: v} }

func normalizeText(t *testing.T, geneSymbol, text string) []*Variant {
	t.Helper()
	out, err := New().Normalize(RawVariant{Text: text, GeneSymbol: geneSymbol, EntrezID: "1"})
	require.NoError(t, err)
	return out
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		gene string
		text string
		want []*Variant
	}{
		{
			name: "exon mutation",
			gene: "gene", text: "EXON 12 MUTATION",
			want: []*Variant{pos(gene("gene"), "e.12mut")},
		},
		{
			name: "deleterious mutation",
			gene: "gene", text: "DELETRIOUS MUTATION",
			want: []*Variant{cat(gene("gene"), "deletrious mutation")},
		},
		{
			name: "phosphorylation",
			gene: "gene", text: "Y1234 phosphorylation",
			want: []*Variant{pos(gene("gene"), "p.y1234phos")},
		},
		{
			name: "single gene fusion with missense",
			gene: "ALK", text: "ALK FUSION G1202R",
			want: []*Variant{cat(gene("alk"), "fusion"), pos(gene("alk"), "p.g1202r")},
		},
		{
			name: "fusion with two resistance mutations",
			gene: "alk", text: "EML4-ALK G1202R-L1198F",
			want: []*Variant{
				{Kind: Categorical, Reference1: Reference{Name: "eml4"}, Reference2: &Reference{Name: "alk", SourceID: "1"}, Type: "fusion", Flipped: true},
				pos(gene("alk"), "p.g1202r"),
				pos(gene("alk"), "p.l1198f"),
			},
		},
		{
			name: "multi-gene fusion",
			gene: "NRG1", text: "CD74-NRG1",
			want: []*Variant{
				{Kind: Categorical, Reference1: Reference{Name: "cd74"}, Reference2: &Reference{Name: "nrg1", SourceID: "1"}, Type: "fusion", Flipped: true},
			},
		},
		{
			name: "fusion with multiple variants",
			gene: "NTRK1", text: "LMNA-NTRK1 G595R AND G667C",
			want: []*Variant{
				{Kind: Categorical, Reference1: Reference{Name: "lmna"}, Reference2: &Reference{Name: "ntrk1", SourceID: "1"}, Type: "fusion", Flipped: true},
				pos(gene("ntrk1"), "p.g595r"),
				pos(gene("ntrk1"), "p.g667c"),
			},
		},
		{
			name: "deprecated indel syntax",
			gene: "NTRK1", text: "S111C (c.330CA>TT)",
			want: []*Variant{pos(gene("ntrk1"), "p.s111c", inferredBy(pos(gene("ntrk1"), "c.330_331delcainstt")))},
		},
		{
			name: "categorical",
			gene: "NTRK1", text: "UNDEREXPRESSION",
			want: []*Variant{cat(gene("ntrk1"), "underexpression")},
		},
		{
			name: "truncation with cds",
			gene: "ALK", text: "E46* (c.136G>T)",
			want: []*Variant{pos(gene("alk"), "p.e46*", inferredBy(pos(gene("alk"), "c.136g>t")))},
		},
		{
			name: "domain with spaces",
			gene: "NTRK1", text: "DNA BINDING DOMAIN MUTATION",
			want: []*Variant{cat(gene("ntrk1"), "dna binding domain mutation")},
		},
		{
			name: "missense",
			gene: "NTRK1", text: "R132H",
			want: []*Variant{pos(gene("ntrk1"), "p.r132h")},
		},
		{
			name: "plural single gene fusion",
			gene: "NRG1", text: "NRG1 fusions",
			want: []*Variant{cat(gene("nrg1"), "fusion")},
		},
		{
			name: "fusion with exon positions",
			gene: "ALK", text: "EML4-ALK E20;A20",
			want: []*Variant{
				{Kind: Positional, Reference1: Reference{Name: "eml4"}, Reference2: &Reference{Name: "alk", SourceID: "1"}, Notation: "fusion(e.20,e.20)", Flipped: true},
			},
		},
		{
			name: "fusion with dash exon notation",
			gene: "FLI1", text: "EWSR1-FLI1 e7-e6",
			want: []*Variant{
				{Kind: Positional, Reference1: Reference{Name: "ewsr1"}, Reference2: &Reference{Name: "fli1", SourceID: "1"}, Notation: "fusion(e.7,e.6)", Flipped: true},
			},
		},
		{
			name: "fusion on first partner",
			gene: "EML4", text: "EML4-ALK E20;A20",
			want: []*Variant{
				{Kind: Positional, Reference1: gene("eml4"), Reference2: sym("alk"), Notation: "fusion(e.20,e.20)"},
			},
		},
		{
			name: "abl synonym",
			gene: "ABL1", text: "BCR-ABL",
			want: []*Variant{
				{Kind: Categorical, Reference1: Reference{Name: "bcr"}, Reference2: &Reference{Name: "abl1", SourceID: "1"}, Type: "fusion", Flipped: true},
			},
		},
		{
			name: "cds notation",
			gene: "ABL1", text: "c.123G>T",
			want: []*Variant{pos(gene("abl1"), "c.123g>t")},
		},
		{
			name: "raw cds with spaces",
			gene: "ABL1", text: "c.123 G >T",
			want: []*Variant{pos(gene("abl1"), "c.123g>t")},
		},
		{
			name: "exon range deletion",
			gene: "ABL1", text: "exon 2-3 deletion",
			want: []*Variant{pos(gene("abl1"), "e.2_3del")},
		},
		{
			name: "intron frameshift",
			gene: "ABL1", text: "intron 4 frameshift",
			want: []*Variant{pos(gene("abl1"), "i.4fs")},
		},
		{
			name: "frameshift with cds",
			gene: "ALK", text: "t133lfs*26 (c.397dela)",
			want: []*Variant{pos(gene("alk"), "p.t133lfs*26", inferredBy(pos(gene("alk"), "c.397dela")))},
		},
		{
			name: "gene mutations",
			gene: "ABL1", text: "ABL1 mutations",
			want: []*Variant{cat(gene("abl1"), "mutation")},
		},
		{
			name: "exon plural mutations",
			gene: "ABL1", text: "exon 3 mutations",
			want: []*Variant{pos(gene("abl1"), "e.3mut")},
		},
		{
			name: "mutations",
			gene: "ABL1", text: "mutations",
			want: []*Variant{cat(gene("abl1"), "mutation")},
		},
		{
			name: "vocabulary hyphens",
			gene: "ABL1", text: "Loss-of-function",
			want: []*Variant{cat(gene("abl1"), "loss of function")},
		},
		{
			name: "splice site mutation",
			gene: "ALK", text: "F547 SPLICE SITE MUTATION",
			want: []*Variant{pos(gene("alk"), "p.f547spl")},
		},
		{
			name: "protein deletion with cds sequence",
			gene: "ALK", text: "r79_s80del (c.236_241delgcagtc)",
			want: []*Variant{pos(gene("alk"), "p.r79_s80del", inferredBy(pos(gene("alk"), "c.236_241delgcagtc")))},
		},
		{
			name: "protein dup with cds dup",
			gene: "ALK", text: "p.s193_c196dupstsc (c.577_588dupagcaccagctgc)",
			want: []*Variant{pos(gene("alk"), "p.s193_c196dupstsc", inferredBy(pos(gene("alk"), "c.577_588dupagcaccagctgc")))},
		},
		{
			name: "corrected protein dup",
			gene: "ALK", text: "p.193_196dupSTSC (c.577_588dupAGCACCAGCTGC)",
			want: []*Variant{pos(gene("alk"), "p.s193_c196dupstsc", inferredBy(pos(gene("alk"), "c.577_588dupagcaccagctgc")))},
		},
		{
			name: "ranged cds substitution kept",
			gene: "ALK", text: "A122I (c.364_365GC>AT)",
			want: []*Variant{pos(gene("alk"), "p.a122i", inferredBy(pos(gene("alk"), "c.364_365gc>at")))},
		},
		{
			name: "or-able position",
			gene: "ALK", text: "G12/G13",
			want: []*Variant{pos(gene("alk"), "p.(g12_g13)mut")},
		},
		{
			name: "semicolon delimited",
			gene: "ALK", text: "A50A (c.150C>G); Splicing alteration (c.463-1G>T)",
			want: []*Variant{
				pos(gene("alk"), "p.a50a", inferredBy(pos(gene("alk"), "c.150c>g"))),
				pos(gene("alk"), "c.463-1g>t", Link{Relation: Infers, Variant: cat(gene("alk"), "splicing alteration")}),
			},
		},
		{
			name: "bad notation is vocabulary",
			gene: "ERBB2", text: "ERBB2 G776INSV_G/C",
			want: []*Variant{cat(gene("erbb2"), "erbb2 g776insv_g/c")},
		},
		{
			name: "bad notation split",
			gene: "ERBB2", text: "exon1 151nt del; Null (Partial deletion of Exon 1)",
			want: []*Variant{
				cat(gene("erbb2"), "exon1 151nt del"),
				cat(gene("erbb2"), "null (partial deletion of exon 1)"),
			},
		},
		{
			name: "substituted insertion",
			gene: "ALK", text: "EML4-ALK T1151INST",
			want: []*Variant{
				{Kind: Categorical, Reference1: Reference{Name: "eml4"}, Reference2: &Reference{Name: "alk", SourceID: "1"}, Type: "fusion", Flipped: true},
				pos(gene("alk"), "p.t1151_?1152inst"),
			},
		},
		{
			name: "substituted exon deletion",
			gene: "EGFR", text: "Ex19 del L858R",
			want: []*Variant{pos(gene("egfr"), "e.19del"), pos(gene("egfr"), "p.l858r")},
		},
		{
			name: "plus joiner",
			gene: "BRAF", text: "V600E + V600M",
			want: []*Variant{pos(gene("braf"), "p.v600e"), pos(gene("braf"), "p.v600m")},
		},
		{
			name: "cytoband deletion",
			gene: "CHD5", text: "p26.3-25.3 11mb del",
			want: []*Variant{pos(gene("chd5"), "y.p26.3_p25.3del")},
		},
		{
			name: "uncertain deletion",
			gene: "KIT", text: "del 755-759",
			want: []*Variant{pos(gene("kit"), "p.?755_?759del")},
		},
		{
			name: "translocation",
			gene: "BCR", text: "t(9;22)(q34;q11)",
			want: []*Variant{
				{Kind: Positional, Reference1: Reference{Name: "9"}, Reference2: &Reference{Name: "22"}, Notation: "translocation(q34, q11)"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeText(t, tt.gene, tt.text))
		})
	}
}

func TestNormalizeErrors(t *testing.T) {
	n := New()

	_, err := n.Normalize(RawVariant{Text: "A / B", GeneSymbol: "KRAS", EntrezID: "1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAmbiguousNotation))

	_, err = n.Normalize(RawVariant{Text: "EML4-ALK", GeneSymbol: "KRAS", EntrezID: "1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReferenceMismatch))

	// raised from the recursive half of a fusion with a trailing mutation
	_, err = n.Normalize(RawVariant{Text: "EML4-ALK G1202R-L1198Y", GeneSymbol: "ALK", EntrezID: "1"})
	assert.True(t, errors.Is(err, ErrReferenceMismatch))
}

func TestNormalizeIdempotent(t *testing.T) {
	for _, text := range []string{"EML4-ALK G1202R-L1198F", "S111C (c.330CA>TT)", "garbage ###", "V600E"} {
		first := normalizeText(t, "ALK", text)
		second := normalizeText(t, "ALK", text)
		assert.Equal(t, first, second, text)
	}
}

func TestNormalizeNeverEmpty(t *testing.T) {
	for _, text := range []string{"???", "!!@@##", "p.", "c.", "exon", "1234", "(", ")", "*", "and"} {
		out := normalizeText(t, "KRAS", text)
		require.NotEmpty(t, out, "%q", text)
		for _, v := range out {
			assert.NoError(t, v.Validate())
		}
	}
}

func TestProteinWithIncompleteProtein(t *testing.T) {
	gene := Reference{Name: "idh1", SourceID: "1"}
	out := normalizeText(t, "IDH1", "R132 (c.394C>T)")
	want := &Variant{Kind: Categorical, Reference1: gene, Type: "r132"}
	want.Links = []Link{{Relation: InferredBy, Variant: pos(gene, "c.394c>t")}}
	assert.Equal(t, []*Variant{want}, out)
	require.NoError(t, out[0].Validate())

	out = normalizeText(t, "IDH1", "R132H (c.395G>A)")
	require.Len(t, out, 1)
	assert.Equal(t, Positional, out[0].Kind)
	assert.Equal(t, "p.r132h", out[0].Notation)
}

func TestNormalizeRejectsBlank(t *testing.T) {
	n := New(WithSubstitutions(map[string]string{"n/a": ""}))
	for _, text := range []string{"", "   ", "\t\n", "n/a"} {
		t.Run(text, func(t *testing.T) {
			out, err := n.Normalize(RawVariant{Text: text, GeneSymbol: "g", EntrezID: "1"})
			assert.ErrorIs(t, err, ErrEmptyVariant)
			assert.Empty(t, out)
		})
	}
}

func TestNormalizeAndSplit(t *testing.T) {
	pairs := [][2]string{
		{"V600E", "AMPLIFICATION"},
		{"c.123G>T", "exon 4 deletion"},
		{"R132H", "UNDEREXPRESSION"},
	}
	for _, p := range pairs {
		a := normalizeText(t, "BRAF", p[0])
		b := normalizeText(t, "BRAF", p[1])
		want := append(append([]*Variant{}, a...), b...)
		assert.Equal(t, want, normalizeText(t, "BRAF", p[0]+" + "+p[1]))
		assert.Equal(t, want, normalizeText(t, "BRAF", p[0]+"; "+p[1]))
	}
}

func TestNormalizeFusionSymmetry(t *testing.T) {
	first := normalizeText(t, "GENE1", "GENE1-GENE2")
	second := normalizeText(t, "GENE2", "GENE1-GENE2")
	require.Len(t, first, 1)
	require.Len(t, second, 1)

	assert.Equal(t, "gene1", first[0].Reference1.Name)
	assert.Equal(t, "gene2", first[0].Reference2.Name)
	assert.Equal(t, first[0].Reference1.Name, second[0].Reference1.Name)
	assert.Equal(t, first[0].Reference2.Name, second[0].Reference2.Name)
	assert.True(t, first[0].Reference1.Resolved())
	assert.True(t, second[0].Reference2.Resolved())
	assert.NotEqual(t, first[0].Flipped, second[0].Flipped)
}

func TestPositionalOutputParses(t *testing.T) {
	texts := []string{
		"EXON 12 MUTATION", "Y1234 phosphorylation", "S111C (c.330CA>TT)",
		"BCR-ABL1 e13-e2", "t133lfs*26 (c.397dela)", "G12/G13", "K558NP",
		"V600_K601>E", "di842-843vm", "c.123 G >T", "t(9;22)(q34;q11)",
		"R132 (c.394C>T)",
	}
	var walk func(v *Variant)
	walk = func(v *Variant) {
		if v.Kind == Positional {
			_, err := notation.TryParse(v.Notation, false)
			assert.NoError(t, err, v.Notation)
		}
		for _, l := range v.Links {
			walk(l.Variant)
		}
	}
	for _, text := range texts {
		for _, v := range normalizeText(t, "ABL1", text) {
			walk(v)
		}
	}
}

func TestWithSubstitutions(t *testing.T) {
	n := New(WithSubstitutions(map[string]string{"BRAF V600": "V600E"}))
	out, err := n.Normalize(RawVariant{Text: "BRAF V600", GeneSymbol: "BRAF", EntrezID: "673"})
	require.NoError(t, err)
	assert.Equal(t, []*Variant{pos(Reference{Name: "braf", SourceID: "673"}, "p.v600e")}, out)

	// the default table is replaced, not extended
	out, err = n.Normalize(RawVariant{Text: "K558NP", GeneSymbol: "KIT", EntrezID: "1"})
	require.NoError(t, err)
	assert.Equal(t, Categorical, out[0].Kind)
}

func TestWithParser(t *testing.T) {
	reject := func(text string, _ bool) (*notation.Variant, error) {
		return nil, &notation.ParseError{Input: text, Reason: "rejected"}
	}
	out, err := New(WithParser(reject)).Normalize(RawVariant{Text: "R132H", GeneSymbol: "IDH1", EntrezID: "1"})
	require.NoError(t, err)
	assert.Equal(t, []*Variant{cat(gene("idh1"), "r132h")}, out)
}

func TestSameGene(t *testing.T) {
	assert.True(t, SameGene("ABL", "abl1"))
	assert.True(t, SameGene("abl1", "ABL1"))
	assert.True(t, SameGene(" KRAS ", "kras"))
	assert.False(t, SameGene("abl2", "abl"))
}

func TestVariantMarshalJSON(t *testing.T) {
	out := normalizeText(t, "ALK", "E46* (c.136G>T)")
	data, err := json.Marshal(out[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"positional": true,
		"reference1": {"name": "alk", "sourceId": "1"},
		"variant": "p.e46*",
		"inferredBy": [{"positional": true, "reference1": {"name": "alk", "sourceId": "1"}, "variant": "c.136g>t"}]
	}`, string(data))
}

func TestValidate(t *testing.T) {
	assert.Error(t, (&Variant{Kind: Positional}).Validate())
	assert.Error(t, (&Variant{Kind: Categorical}).Validate())
	bad := pos(gene("alk"), "p.e46*", inferredBy(&Variant{Kind: Categorical}))
	assert.Error(t, bad.Validate())
}
