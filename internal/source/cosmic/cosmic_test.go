package cosmic

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcgsc/pori/internal/kb"
	"github.com/bcgsc/pori/internal/load"
	"github.com/bcgsc/pori/internal/resolve"
	"github.com/bcgsc/pori/internal/tabular"
)

type fakeLoader struct {
	records map[string]kb.Record
}

func (f *fakeLoader) FetchAndLoadBySymbol(_ context.Context, symbol string) ([]kb.Record, error) {
	if rec, ok := f.records[strings.ToUpper(symbol)]; ok {
		return []kb.Record{rec}, nil
	}
	return nil, nil
}

func (f *fakeLoader) FetchAndLoadByIDs(_ context.Context, ids []string) ([]kb.Record, error) {
	var out []kb.Record
	for _, id := range ids {
		if rec, ok := f.records[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

type fixture struct {
	conn      *kb.Conn
	processor *Processor
	braf      kb.Record
	chr7      kb.Record
	melanoma  kb.Record
	aml       kb.Record
	drug      kb.Record
	pub       kb.Record
	errLog    *bytes.Buffer
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
	ncit := add(kb.ClassSource, map[string]any{"name": "ncit"})
	pubmed := add(kb.ClassSource, map[string]any{"name": "pubmed"})
	for _, term := range []string{"substitution", "missense mutation", "resistance"} {
		add(kb.ClassVocabulary, map[string]any{"sourceId": term, "name": term, "source": graphkb.RID()})
	}
	braf := add(kb.ClassFeature, map[string]any{"sourceId": "673", "name": "braf", "biotype": "gene"})
	chr7 := add(kb.ClassFeature, map[string]any{"sourceId": "7", "name": "chr7", "biotype": "chromosome"})
	melanoma := add(kb.ClassDisease, map[string]any{"sourceId": "c3224", "name": "melanoma", "source": ncit.RID()})
	aml := add(kb.ClassDisease, map[string]any{"sourceId": "c3171", "name": "acute myeloid leukemia", "source": ncit.RID()})
	drug := add(kb.ClassTherapy, map[string]any{"sourceId": "c64768", "name": "vemurafenib"})
	pub := add(kb.ClassPublication, map[string]any{"sourceId": "20979469", "name": "braf in melanoma", "source": pubmed.RID()})

	resolver := resolve.New(conn, &fakeLoader{records: map[string]kb.Record{"BRAF": braf}}, resolve.WithSource(SourceDefn["name"].(string)))
	processor := NewProcessor(conn, resolver, &fakeLoader{records: map[string]kb.Record{"20979469": pub}})
	errLog := &bytes.Buffer{}
	processor.SetErrorLog(errLog)
	return &fixture{
		conn:      conn,
		processor: processor,
		braf:      braf,
		chr7:      chr7,
		melanoma:  melanoma,
		aml:       aml,
		drug:      drug,
		pub:       pub,
		errLog:    errLog,
	}
}

func (f *fixture) variants(t *testing.T) map[string]kb.Record {
	t.Helper()
	records, err := f.conn.GetRecords(context.Background(), kb.ClassPositionalVariant, nil)
	require.NoError(t, err)
	out := map[string]kb.Record{}
	for _, rec := range records {
		out[rec.String("reference1")] = rec
	}
	return out
}

func (f *fixture) infers(t *testing.T) [][2]string {
	t.Helper()
	records, err := f.conn.GetRecords(context.Background(), kb.ClassInfers, nil)
	require.NoError(t, err)
	var out [][2]string
	for _, rec := range records {
		out = append(out, [2]string{rec.String("out"), rec.String("in")})
	}
	return out
}

func brafRow() tabular.Row {
	return tabular.Row{
		colGene:          "BRAF_ENST00000288602",
		colProtein:       "ENSP00000288602.6:p.Val600Glu",
		colCDS:           "ENST00000288602.10:c.1799T>A",
		colGenomic:       "7:g.140753336A>T",
		colMutationID:    "COSM476",
		colPubMed:        "20979469",
		colTherapy:       "Vemurafenib - NS",
		colDiseaseFamily: "malignant_melanoma",
		colDisease:       "NS",
		colSampleID:      "1",
		colSampleName:    "s1",
		colTranscript:    "ENST00000288602.10",
	}
}

func krasRow() tabular.Row {
	return tabular.Row{
		colGene:          "KRAS",
		colProtein:       "ENSP00000256078.4:p.Gly12Asp",
		colPubMed:        "20979469",
		colTherapy:       "vemurafenib",
		colDiseaseFamily: "haematopoietic_neoplasm",
		colDisease:       "acute_myeloid_leukaemia",
		colSampleID:      "2",
	}
}

func TestCleanDiseaseName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"acute_myeloid_leukaemia", "acute myeloid leukemia"},
		{"germ_cell_tumour", "germ cell tumor"},
		{"melanoma", "melanoma"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cleanDiseaseName(tt.in), tt.in)
	}
}

func TestUnknownProtein(t *testing.T) {
	assert.True(t, Record{Protein: "ENSP00000256078.4:p.?"}.unknownProtein())
	assert.True(t, Record{Protein: "p.?"}.unknownProtein())
	assert.False(t, Record{Protein: "ENSP00000256078.4:p.G12D"}.unknownProtein())
}

func TestLoadClassifications(t *testing.T) {
	path := filepath.Join(t.TempDir(), "classification.csv")
	data := "COSMIC_PHENOTYPE_ID,HISTOLOGY_COSMIC,HIST_SUBTYPE1_COSMIC,NCI_CODE\n" +
		"COSO1,malignant_melanoma,NS,C3224\n" +
		"COSO2,haematopoietic_neoplasm,acute_myeloid_leukaemia,C3171\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	classes, err := LoadClassifications(path)
	require.NoError(t, err)
	assert.Equal(t, "C3224", classes.NCIt("malignant_melanoma", "NS"))
	assert.Equal(t, "C3171", classes.NCIt("haematopoietic_neoplasm", "acute_myeloid_leukaemia"))
	assert.Empty(t, classes.NCIt("haematopoietic_neoplasm", "NS"))

	_, err = LoadClassifications(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

func TestProcessVariants(t *testing.T) {
	ctx := context.Background()

	t.Run("all forms", func(t *testing.T) {
		f := newFixture(t)
		got, err := f.processor.ProcessVariants(ctx, RecordFrom(brafRow()))
		require.NoError(t, err)
		assert.Equal(t, f.braf.RID(), got.String("reference1"))
		assert.Equal(t, "p.V600", got.String("break1Repr"))

		features, err := f.conn.GetRecords(ctx, kb.ClassFeature, map[string]any{"name": "ensp00000288602"})
		require.NoError(t, err)
		require.Len(t, features, 1)
		assert.Equal(t, "protein", features[0].String("biotype"))
		assert.Equal(t, "6", features[0].String("sourceIdVersion"))
		transcripts, err := f.conn.GetRecords(ctx, kb.ClassFeature, map[string]any{"name": "enst00000288602"})
		require.NoError(t, err)
		require.Len(t, transcripts, 1)
		assert.Equal(t, "10", transcripts[0].String("sourceIdVersion"))

		variants := f.variants(t)
		require.Len(t, variants, 4)
		genomic := variants[f.chr7.RID()]
		require.NotNil(t, genomic)
		assert.Equal(t, genomicAssembly, genomic.String("assembly"))
		protein := variants[features[0].RID()]
		cds := variants[transcripts[0].RID()]
		require.NotNil(t, protein)
		require.NotNil(t, cds)

		catalogue, err := f.conn.GetRecords(ctx, kb.ClassCatalogueVariant, map[string]any{"sourceId": "COSM476"})
		require.NoError(t, err)
		require.Len(t, catalogue, 1)

		assert.ElementsMatch(t, [][2]string{
			{catalogue[0].RID(), genomic.RID()},
			{genomic.RID(), cds.RID()},
			{cds.RID(), protein.RID()},
			{protein.RID(), got.RID()},
		}, f.infers(t))
	})

	t.Run("existing versioned reference", func(t *testing.T) {
		f := newFixture(t)
		first, err := f.processor.ProcessVariants(ctx, RecordFrom(brafRow()))
		require.NoError(t, err)
		second, err := f.processor.ProcessVariants(ctx, RecordFrom(brafRow()))
		require.NoError(t, err)
		assert.Equal(t, first.RID(), second.RID())
		assert.Len(t, f.variants(t), 4)
	})

	t.Run("unknown gene", func(t *testing.T) {
		f := newFixture(t)
		got, err := f.processor.ProcessVariants(ctx, RecordFrom(krasRow()))
		require.NoError(t, err)
		features, err := f.conn.GetRecords(ctx, kb.ClassFeature, map[string]any{"name": "ensp00000256078"})
		require.NoError(t, err)
		require.Len(t, features, 1)
		assert.Equal(t, features[0].RID(), got.String("reference1"))
		assert.Empty(t, f.infers(t))
	})

	t.Run("no usable form", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.processor.ProcessVariants(ctx, Record{Gene: "BRAF", Protein: "not a variant"})
		assert.ErrorIs(t, err, ErrNoVariant)
	})
}

func TestProcessDisease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tests := []struct {
		name string
		rec  Record
		want kb.Record
	}{
		{"by ncit code", Record{NCIt: "C3224", DiseaseFamily: "other"}, f.melanoma},
		{"by subtype name", Record{Disease: "acute_myeloid_leukaemia", DiseaseFamily: "haematopoietic_neoplasm"}, f.aml},
		{"by family name", Record{Disease: "NS", DiseaseFamily: "melanoma"}, f.melanoma},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.processor.ProcessDisease(ctx, tt.rec)
			require.NoError(t, err)
			assert.Equal(t, tt.want.RID(), got.RID())
		})
	}

	_, err := f.processor.ProcessDisease(ctx, Record{Disease: "NS", DiseaseFamily: "unknown_thing"})
	assert.ErrorIs(t, err, kb.ErrNotFound)
}

func TestProcessRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := RecordFrom(brafRow())
	rec.NCIt = "C3224"

	stmt, err := f.processor.ProcessRecord(ctx, rec, f.pub)
	require.NoError(t, err)
	assert.Equal(t, f.drug.RID(), stmt.String("subject"))
	assert.Equal(t, "not required", stmt.String("reviewStatus"))
	assert.Equal(t, []any{f.pub.RID()}, stmt["evidence"])
	conditions, ok := stmt["conditions"].([]any)
	require.True(t, ok)
	assert.Len(t, conditions, 3)
	assert.Contains(t, conditions, f.melanoma.RID())

	again, err := f.processor.ProcessRecord(ctx, rec, f.pub)
	require.NoError(t, err)
	assert.Equal(t, stmt.RID(), again.RID())

	bad := rec
	bad.Therapy = "unknowndrug"
	_, err = f.processor.ProcessRecord(ctx, bad, f.pub)
	assert.ErrorIs(t, err, kb.ErrNotFound)
}

func TestUpload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	classes := Classifications{"malignant_melanoma": {"NS": "C3224"}}

	unknown := krasRow()
	unknown[colProtein] = "ENSP00000256078.4:p.?"
	failing := brafRow()
	failing[colTherapy] = "unknowndrug"

	counts, err := f.processor.Upload(ctx, []tabular.Row{brafRow(), krasRow(), unknown, failing}, classes, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Success)
	assert.Equal(t, 1, counts.Error)
	assert.Equal(t, 1, counts.Skip)
	assert.Equal(t, 2, f.conn.Counts()[kb.ClassStatement].Created)

	lines := strings.Split(strings.TrimSpace(f.errLog.String()), "\n")
	require.Len(t, lines, 1)
	var entry load.ErrorEntry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "cosmic", entry.Source)
	assert.Equal(t, 3, entry.Seq)

	source, err := f.processor.sourceRecord(ctx)
	require.NoError(t, err)
	relevance, err := f.conn.GetVocabularyTerm(ctx, "resistance", "")
	require.NoError(t, err)
	stale, err := f.conn.AddRecord(ctx, kb.ClassStatement, map[string]any{
		"conditions": []any{f.melanoma.RID()},
		"evidence":   []any{f.pub.RID()},
		"relevance":  relevance.RID(),
		"source":     source.RID(),
		"subject":    f.drug.RID(),
	}, kb.AddOptions{})
	require.NoError(t, err)

	counts, err = f.processor.Upload(ctx, []tabular.Row{brafRow(), krasRow()}, classes, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Success)
	assert.Zero(t, counts.Error)
	assert.Equal(t, 1, f.conn.Counts()[kb.ClassStatement].Deleted)

	statements, err := f.conn.GetRecords(ctx, kb.ClassStatement, nil)
	require.NoError(t, err)
	assert.Len(t, statements, 2)
	for _, s := range statements {
		assert.NotEqual(t, stale.RID(), s.RID())
	}
}

func TestUploadMaxRecords(t *testing.T) {
	f := newFixture(t)
	counts, err := f.processor.Upload(context.Background(), []tabular.Row{brafRow(), krasRow()},
		Classifications{"malignant_melanoma": {"NS": "C3224"}}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Success)
}
