package oncokb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcgsc/pori/internal/kb"
	"github.com/bcgsc/pori/internal/normalize"
	"github.com/bcgsc/pori/internal/resolve"
)

func TestParseVariantName(t *testing.T) {
	tests := []struct {
		name       string
		variant    string
		reference1 string
		want       ParsedVariant
	}{
		{"protein prefix added", "V600_K601insFGLAT", "braf", ParsedVariant{Type: "p.v600_k601insfglat"}},
		{"fusion without gene", "BCR-ABL1 Fusion", "", ParsedVariant{Type: "fusion", Reference2: "abl1"}},
		{"fusion with gene given", "BCR-ABL1 Fusion", "ABL1", ParsedVariant{Type: "fusion", Reference2: "bcr", Flipped: true}},
		{"fusion in name order", "BCR-ABL1", "bcr", ParsedVariant{Type: "fusion", Reference2: "abl1"}},
		{"case insensitive fusion", "RAD51C-ATXN7", "atxn7", ParsedVariant{Type: "fusion", Reference2: "rad51c", Flipped: true}},
		{"unicode dash", "GOPC–ROS1 Fusion", "ros1", ParsedVariant{Type: "fusion", Reference2: "gopc", Flipped: true}},
		{"splice range", "X963_splice", "met", ParsedVariant{Type: "p.x963spl"}},
		{"splice range with positions", "963_1010splice", "met", ParsedVariant{Type: "p.(?963_?1010)spl"}},
		{"splice range with residues", "d963_k1010splice", "met", ParsedVariant{Type: "p.(d963_k1010)spl"}},
		{"exon deletion", "Exon 19 deletion", "egfr", ParsedVariant{Type: "e.19del"}},
		{"exon indel", "Exon 20 indels", "egfr", ParsedVariant{Type: "e.20delins"}},
		{"exon deletion insertion", "exon 20 deletion/insertion", "egfr", ParsedVariant{Type: "e.20delins"}},
		{"exon pair deletion", "Exon 2 and 3 deletion", "erbb2", ParsedVariant{Type: "e.2_3del"}},
		{"vocabulary mapping", "Truncating Mutations", "tp53", ParsedVariant{Type: "truncating"}},
		{"oncogenic mutations", "Oncogenic Mutations", "tp53", ParsedVariant{Type: "oncogenic mutation"}},
		{"truncation range", "T1151_L1152trunc", "alk", ParsedVariant{Type: "p.(t1151_l1152)*"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVariantName(tt.variant, tt.reference1)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseVariantNameErrors(t *testing.T) {
	_, err := ParseVariantName("EML4-ALK Fusion", "kras")
	assert.True(t, errors.Is(err, normalize.ErrReferenceMismatch))

	_, err = ParseVariantName("Amplification", "erbb2")
	assert.True(t, errors.Is(err, ErrUnparsedVariant))
}

type fakeGenes struct {
	bySymbol map[string][]kb.Record
	byID     map[string]kb.Record
}

func (f *fakeGenes) FetchAndLoadBySymbol(_ context.Context, symbol string) ([]kb.Record, error) {
	return f.bySymbol[strings.ToLower(symbol)], nil
}

func (f *fakeGenes) FetchAndLoadByIDs(_ context.Context, ids []string) ([]kb.Record, error) {
	var out []kb.Record
	for _, id := range ids {
		if rec, ok := f.byID[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

type fixture struct {
	conn      *kb.Conn
	processor *Processor
	vocab     map[string]kb.Record
	genes     map[string]kb.Record
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	conn := kb.NewConn(kb.NewLocal(kb.NewMemoryBackend()))
	add := func(class string, content map[string]any) kb.Record {
		rec, err := conn.AddRecord(ctx, class, content, kb.AddOptions{})
		require.NoError(t, err)
		return rec
	}
	graphkb := add(kb.ClassSource, map[string]any{"name": kb.GraphKBSource})
	vocab := map[string]kb.Record{}
	for _, term := range []string{"missense mutation", "substitution", "fusion", "amplification", "oncogenic", "tumour suppressive", "strong signature"} {
		vocab[term] = add(kb.ClassVocabulary, map[string]any{"sourceId": term, "name": term, "source": graphkb.RID()})
	}
	genes := map[string]kb.Record{
		"braf": add(kb.ClassFeature, map[string]any{"sourceId": "673", "name": "braf", "biotype": "gene"}),
		"bcr":  add(kb.ClassFeature, map[string]any{"sourceId": "613", "name": "bcr", "biotype": "gene"}),
		"abl1": add(kb.ClassFeature, map[string]any{"sourceId": "25", "name": "abl1", "biotype": "gene"}),
		"tp53": add(kb.ClassFeature, map[string]any{"sourceId": "7157", "name": "tp53", "biotype": "gene"}),
	}
	add(kb.ClassSignature, map[string]any{"name": "microsatellite instability", "sourceId": "msi"})

	loader := &fakeGenes{bySymbol: map[string][]kb.Record{}, byID: map[string]kb.Record{}}
	for name, rec := range genes {
		loader.bySymbol[name] = []kb.Record{rec}
		loader.byID[rec.String("sourceId")] = rec
	}
	resolver := resolve.New(conn, loader, resolve.WithSource("oncokb"))
	return &fixture{conn: conn, processor: NewProcessor(conn, resolver, loader), vocab: vocab, genes: genes}
}

func TestProcessVariant(t *testing.T) {
	ctx := context.Background()

	t.Run("protein change", func(t *testing.T) {
		f := newFixture(t)
		rec, err := f.processor.ProcessVariant(ctx, Record{Gene: "BRAF", VariantName: "V600E", EntrezGeneID: 673})
		require.NoError(t, err)
		assert.Equal(t, kb.ClassPositionalVariant, rec.Class())
		assert.Equal(t, f.genes["braf"].RID(), rec.String("reference1"))
		assert.Equal(t, f.vocab["missense mutation"].RID(), rec.String("type"))
	})

	t.Run("flipped fusion", func(t *testing.T) {
		f := newFixture(t)
		rec, err := f.processor.ProcessVariant(ctx, Record{Gene: "ABL1", VariantName: "BCR-ABL1 Fusion", EntrezGeneID: 25})
		require.NoError(t, err)
		assert.Equal(t, kb.ClassCategoryVariant, rec.Class())
		assert.Equal(t, f.genes["bcr"].RID(), rec.String("reference1"))
		assert.Equal(t, f.genes["abl1"].RID(), rec.String("reference2"))
		assert.Equal(t, f.vocab["fusion"].RID(), rec.String("type"))
	})

	t.Run("vocabulary term", func(t *testing.T) {
		f := newFixture(t)
		rec, err := f.processor.ProcessVariant(ctx, Record{Gene: "BRAF", VariantName: "Amplification", EntrezGeneID: 673})
		require.NoError(t, err)
		assert.Equal(t, f.vocab["amplification"].RID(), rec.String("type"))
	})

	t.Run("alternate notation", func(t *testing.T) {
		f := newFixture(t)
		rec, err := f.processor.ProcessVariant(ctx, Record{
			Gene: "BRAF", VariantName: "V600E", EntrezGeneID: 673,
			Alternate: &Alternate{VariantName: "c.1799T>A", EntrezGeneID: 673},
		})
		require.NoError(t, err)
		edges, err := f.conn.GetRecords(ctx, kb.ClassInfers, map[string]any{"in": rec.RID()})
		require.NoError(t, err)
		require.Len(t, edges, 1)
		out, err := f.conn.GetUniqueRecordBy(ctx, kb.ClassPositionalVariant, map[string]any{"@rid": edges[0].String("out")}, nil)
		require.NoError(t, err)
		assert.Equal(t, f.vocab["substitution"].RID(), out.String("type"))
	})

	t.Run("unparseable alternate is not fatal", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.processor.ProcessVariant(ctx, Record{
			Gene: "BRAF", VariantName: "V600E", EntrezGeneID: 673,
			Alternate: &Alternate{VariantName: "not a notation", EntrezGeneID: 673},
		})
		require.NoError(t, err)
	})

	t.Run("microsatellite instability", func(t *testing.T) {
		f := newFixture(t)
		rec, err := f.processor.ProcessVariant(ctx, Record{Gene: "Other Biomarkers", VariantName: "Microsatellite Instability-High"})
		require.NoError(t, err)
		assert.Equal(t, f.vocab["strong signature"].RID(), rec.String("type"))

		_, err = f.processor.ProcessVariant(ctx, Record{Gene: "Other Biomarkers", VariantName: "TMB-High"})
		assert.True(t, errors.Is(err, ErrUnparsedVariant))
	})

	t.Run("unknown gene", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.processor.ProcessVariant(ctx, Record{Gene: "NOPE", VariantName: "V600E", EntrezGeneID: 1})
		assert.True(t, errors.Is(err, resolve.ErrUnresolvedReference))
	})
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cancerGeneList.tsv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadCuratedGenes(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"gene type column", "Hugo Symbol\tEntrez Gene ID\tGene Type\nTP53\t7157\tTSG\nBRAF\t673\tONCOGENE\nNOTCH1\t4851\tONCOGENE,TSG\n"},
		{"yes/no columns", "Hugo Symbol\tEntrez Gene ID\tIs Oncogene\tIs Tumor Suppressor Gene\nTP53\t7157\tNo\tYes\nBRAF\t673\tYes\tNo\nNOTCH1\t4851\tYes\tYes\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			genes, err := LoadCuratedGenes(writeFile(t, tt.content))
			require.NoError(t, err)
			require.Len(t, genes, 3)
			assert.Equal(t, []string{"BRAF", "NOTCH1", "TP53"}, genes.Symbols())
			assert.Equal(t, &CuratedGene{HugoSymbol: "TP53", EntrezGeneID: "7157", TSG: true}, genes["TP53"])
			assert.True(t, genes["BRAF"].Oncogene)
			assert.True(t, genes["NOTCH1"].Oncogene && genes["NOTCH1"].TSG)
			assert.True(t, genes.IsCancerGene("TP53"))
			assert.False(t, genes.IsCancerGene("UNKNOWN"))
		})
	}
}

func TestLoadCuratedGenesErrors(t *testing.T) {
	_, err := LoadCuratedGenes("/nonexistent/path.tsv")
	assert.Error(t, err)

	_, err = LoadCuratedGenes(writeFile(t, "Symbol\tGene Type\nTP53\tTSG\n"))
	assert.Error(t, err)
}

func TestUploadCuratedGenes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	genes := CuratedGeneList{
		"TP53":    {HugoSymbol: "TP53", EntrezGeneID: "7157", TSG: true},
		"BRAF":    {HugoSymbol: "BRAF", Oncogene: true, TSG: true},
		"MISSING": {HugoSymbol: "MISSING", EntrezGeneID: "1", Oncogene: true},
	}

	n, err := f.processor.UploadCuratedGenes(ctx, genes)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	stmts, err := f.conn.GetRecords(ctx, kb.ClassStatement, map[string]any{"subject": f.genes["braf"].RID()})
	require.NoError(t, err)
	assert.Len(t, stmts, 2)

	stmts, err = f.conn.GetRecords(ctx, kb.ClassStatement, map[string]any{"relevance": f.vocab["tumour suppressive"].RID()})
	require.NoError(t, err)
	assert.Len(t, stmts, 2)
}

func TestAlternateNames(t *testing.T) {
	desc := func(entrez int, alteration, name string) VariantDescription {
		d := VariantDescription{Alteration: alteration, Name: name}
		d.Gene.EntrezGeneID = entrez
		return d
	}
	got, errs := AlternateNames([]VariantDescription{
		desc(673, "V600E", "V600E"),
		desc(673, "V600_K601insFGLAT", "V600_K601insFGLAT alt"),
		desc(1956, "963_964splice", "X963_splice"),
		desc(1956, "T790_L792mis", "T790 region"),
		desc(4233, "E1000ins", "exon ins"),
		desc(4233, "weird", "weird name"),
		desc(0, "V600E", "incomplete"),
	})
	assert.Equal(t, map[string]Alternate{
		"673:V600_K601insFGLAT alt": {VariantName: "p.(V600_K601)insFGLAT", EntrezGeneID: 673},
		"1956:X963_splice":          {VariantName: "p.(?963_?964)spl", EntrezGeneID: 1956},
		"1956:T790 region":          {VariantName: "p.(T790_L792)?", EntrezGeneID: 1956},
	}, got)
	assert.Len(t, errs, 3)
}

func TestReadDir(t *testing.T) {
	dir := t.TempDir()
	annotated := `[
		{"gene": "BRAF", "entrezGeneId": 673, "variant": "V600E"},
		{"gene": "BRAF", "entrezGeneId": 673, "variant": "V600E"},
		{"gene": "EGFR", "entrezGeneId": 1956, "variant": "X963_splice"}
	]`
	descs := `[{"alteration": "963_964splice", "name": "X963_splice", "gene": {"entrezGeneId": 1956}}]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, AnnotatedVariantsFile), []byte(annotated), 0o644))

	records, err := ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Nil(t, records[1].Alternate)

	require.NoError(t, os.WriteFile(filepath.Join(dir, VariantsFile), []byte(descs), 0o644))
	records, err = ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, Record{Gene: "braf", VariantName: "V600E", EntrezGeneID: 673}, records[0])
	require.NotNil(t, records[1].Alternate)
	assert.Equal(t, "p.(?963_?964)spl", records[1].Alternate.VariantName)

	_, err = ReadDir(t.TempDir())
	assert.Error(t, err)
}

func TestUpload(t *testing.T) {
	f := newFixture(t)
	counts, err := f.processor.Upload(context.Background(), []Record{
		{Gene: "braf", VariantName: "V600E", EntrezGeneID: 673},
		{Gene: "nope", VariantName: "V600E", EntrezGeneID: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Success)
	assert.Equal(t, 1, counts.Error)
	assert.Equal(t, 1, counts.Errors["unresolved reference"])
}
