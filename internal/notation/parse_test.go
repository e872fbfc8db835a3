package notation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseContinuous(t *testing.T) {
	tests := []struct {
		input    string
		wantType string
		want     string
	}{
		{"p.V600E", TypeMissense, "p.V600E"},
		{"p.g1202r", TypeMissense, "p.G1202R"},
		{"p.e46*", TypeNonsense, "p.E46*"},
		{"p.a50a", TypeNoChange, "p.A50A"},
		{"p.t133lfs*26", TypeFrameshift, "p.T133Lfs*26"},
		{"p.y1234phos", TypePhosphorylation, "p.Y1234phos"},
		{"p.f547spl", TypeSpliceSite, "p.F547spl"},
		{"p.(g12_g13)mut", TypeMutation, "p.(G12_G13)mut"},
		{"p.?755_?759del", TypeDeletion, "p.?755_?759del"},
		{"p.t1151_?1152inst", TypeInsertion, "p.T1151_?1152insT"},
		{"p.k558delkinsnp", TypeIndel, "p.K558delKinsNP"},
		{"p.e746_t751delinsi", TypeIndel, "p.E746_T751delinsI"},
		{"p.s193_c196dupstsc", TypeDuplication, "p.S193_C196dupSTSC"},
		{"c.123g>t", TypeSubstitution, "c.123G>T"},
		{"c.463-1g>t", TypeSubstitution, "c.463-1G>T"},
		{"c.364_365gc>at", TypeSubstitution, "c.364_365GC>AT"},
		{"c.330_331delcainstt", TypeIndel, "c.330_331delCAinsTT"},
		{"c.397dela", TypeDeletion, "c.397delA"},
		{"c.244_252del", TypeDeletion, "c.244_252del"},
		{"g.100_200del", TypeDeletion, "g.100_200del"},
		{"e.12mut", TypeMutation, "e.12mut"},
		{"e.2_3del", TypeDeletion, "e.2_3del"},
		{"e.19fs", TypeFrameshift, "e.19fs"},
		{"y.p26.3_p25.3del", TypeDeletion, "y.p26.3_p25.3del"},
		{"KRAS:p.G12D", TypeMissense, "KRAS:p.G12D"},
		{"NP_004324.2:p.Val600Glu", TypeMissense, "NP_004324.2:p.V600E"},
		{"p.Gly12Ter", TypeNonsense, "p.G12*"},
		{"p.Thr133LeufsTer26", TypeFrameshift, "p.T133Lfs*26"},
		{"p.Glu746_Ala750del", TypeDeletion, "p.E746_A750del"},
		{"NM_004333.4:c.1799T>A", TypeSubstitution, "NM_004333.4:c.1799T>A"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			v, err := Parse(tt.input, false)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, v.Type)
			assert.Equal(t, tt.want, v.String())
		})
	}
}

func TestParseMultiFeature(t *testing.T) {
	v, err := Parse("(EML4,ALK):fusion(e.20,e.20)", true)
	require.NoError(t, err)
	assert.Equal(t, "EML4", v.Reference1)
	assert.Equal(t, "ALK", v.Reference2)
	assert.Equal(t, TypeFusion, v.Type)
	assert.Equal(t, "e.20", v.Break1Repr())
	assert.Equal(t, "e.20", v.Break2Repr())
	assert.Equal(t, "(EML4,ALK):fusion(e.20,e.20)", v.String())

	v, err = Parse("translocation(q34, q11)", false)
	require.NoError(t, err)
	assert.Equal(t, TypeTranslocation, v.Type)
	assert.Equal(t, CytobandPosition, v.Break1Start.Kind)
	assert.Equal(t, "q", v.Break2Start.Arm)
	assert.Equal(t, 11, v.Break2Start.MajorBand)
	assert.Equal(t, "translocation(y.q34,y.q11)", v.String())
}

func TestParseStrict(t *testing.T) {
	_, err := Parse("p.V600E", true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotParseable))

	_, err = Parse("fusion(e.20,e.20)", true)
	assert.Error(t, err)

	v, err := Parse("BRAF:p.V600E", true)
	require.NoError(t, err)
	assert.Equal(t, "BRAF", v.Reference1)
}

func TestParseRejects(t *testing.T) {
	for _, input := range []string{
		"",
		"v600e",
		"p.underexpression",
		"p.v600",
		"p.t1151inst",
		"p.(g12_g13)e",
		"c.330ca>tt",
		"exon1 151nt del",
		"p.exon1 151nt del",
		"erbb2 g776insv_g/c",
		"fusion(e.20)",
		"y.x12del",
		"p.V99999999999999999999E",
		"c.99999999999999999999a>g",
		"c.123+99999999999999999999a>g",
		"g.1_99999999999999999999del",
		"c.10_11ins99999999999999999999",
		"p.R97fs*99999999999999999999",
		"y.q99999999999999999999del",
	} {
		t.Run(input, func(t *testing.T) {
			_, err := Parse(input, false)
			require.Error(t, err)
			var pe *ParseError
			assert.True(t, errors.As(err, &pe))
			assert.True(t, errors.Is(err, ErrNotParseable))
		})
	}
}

func TestContent(t *testing.T) {
	v, err := Parse("p.V600E", false)
	require.NoError(t, err)
	c := v.Content()
	assert.Equal(t, TypeMissense, c["type"])
	assert.Equal(t, "p.V600", c["break1Repr"])
	assert.Equal(t, "V", c["refSeq"])
	assert.Equal(t, "E", c["untemplatedSeq"])
	assert.Equal(t, map[string]any{"@class": "ProteinPosition", "pos": 600, "refAA": "V"}, c["break1Start"])
	assert.NotContains(t, c, "break2Start")
	assert.NotContains(t, c, "reference1")

	v, err = Parse("c.463-1g>t", false)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"@class": "CdsPosition", "pos": 463, "offset": -1}, v.Content()["break1Start"])

	v, err = Parse("p.t133lfs*26", false)
	require.NoError(t, err)
	assert.Equal(t, 26, v.Content()["truncation"])

	v, err = Parse("p.?755_?759del", false)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"@class": "ProteinPosition", "pos": 755, "refAA": "?"}, v.Content()["break1Start"])
	assert.Equal(t, "p.?759", v.Content()["break2Repr"])
}

func TestTryParse(t *testing.T) {
	v, err := TryParse("p.t133lfs*?", false)
	require.NoError(t, err)
	assert.Equal(t, TypeFrameshift, v.Type)
	assert.Nil(t, v.Truncation)

	_, err = TryParse("p.t133lfs*?", true)
	assert.True(t, errors.Is(err, ErrNotParseable))

	_, err = TryParse("ALK:p.t133lfs*?", true)
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "ALK:p.t133lfs*?", pe.Input)

	assert.True(t, Parseable("c.123g>t"))
	assert.False(t, Parseable("amplification"))

	_, err = TryParse("p.V99999999999999999999E", false)
	require.True(t, errors.As(err, &pe))
	assert.Contains(t, pe.Reason, "out of range")
	assert.True(t, Parseable("g.140753336a>t"))
	assert.True(t, Parseable("c.10_11ins12"))
}
