package entrez

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcgsc/pori/internal/kb"
)

// fakeEutils serves canned E-utilities responses keyed by db and id.
type fakeEutils struct {
	mu       sync.Mutex
	docs     map[string]map[string]any // db -> uid -> doc
	searches map[string][]string       // term -> ids
	requests []string
}

func newFakeEutils() *fakeEutils {
	return &fakeEutils{docs: map[string]map[string]any{}, searches: map[string][]string{}}
}

func (f *fakeEutils) add(db, uid string, doc map[string]any) {
	if f.docs[db] == nil {
		f.docs[db] = map[string]any{}
	}
	f.docs[db][uid] = doc
}

func (f *fakeEutils) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f.mu.Lock()
	f.requests = append(f.requests, strings.TrimPrefix(r.URL.Path, "/")+" "+q.Get("db")+" "+q.Get("id")+q.Get("term"))
	f.mu.Unlock()

	if q.Get("retmode") != "json" {
		http.Error(w, "retmode", http.StatusBadRequest)
		return
	}
	switch r.URL.Path {
	case "/esearch.fcgi":
		ids := f.searches[q.Get("term")]
		if ids == nil {
			ids = []string{}
		}
		json.NewEncoder(w).Encode(map[string]any{"esearchresult": map[string]any{"idlist": ids}})
	case "/esummary.fcgi", "/efetch.fcgi":
		result := map[string]any{}
		var uids []string
		for _, id := range strings.Split(q.Get("id"), ",") {
			if doc, ok := f.docs[q.Get("db")][id]; ok {
				result[id] = doc
				uids = append(uids, id)
			}
		}
		result["uids"] = uids
		json.NewEncoder(w).Encode(map[string]any{"result": result})
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeEutils) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.RequestsPerSecond = 1000
	c := NewClient(cfg)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func newConn() *kb.Conn {
	return kb.NewConn(kb.NewLocal(kb.NewMemoryBackend()))
}

func TestClientRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"esearchresult": map[string]any{"idlist": []string{"3845"}}})
	}))
	ids, err := c.Search(context.Background(), "gene", "kras[sym]")
	require.NoError(t, err)
	assert.Equal(t, []string{"3845"}, ids)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientNoRetryOnBadRequest(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad term", http.StatusBadRequest)
	}))
	_, err := c.Search(context.Background(), "gene", "(")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
	assert.NotContains(t, se.URL, "?")
}

func TestClientSummariesBatches(t *testing.T) {
	fake := newFakeEutils()
	var ids []string
	for i := 0; i < 160; i++ {
		id := strconv.Itoa(1000 + i)
		ids = append(ids, id)
		fake.add("gene", id, map[string]any{"uid": id, "name": "g" + id})
	}
	c := newTestClient(t, fake)
	docs, err := c.Summaries(context.Background(), "gene", ids)
	require.NoError(t, err)
	assert.Len(t, docs, 160)
	assert.Equal(t, 2, fake.count("esummary.fcgi gene"))
}

func TestParseGene(t *testing.T) {
	content, err := parseGene(json.RawMessage(`{"uid":"3845","name":"KRAS","description":"KRAS proto-oncogene, GTPase","summary":"This gene..."}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"biotype":     "gene",
		"description": "This gene...",
		"displayName": "KRAS",
		"longName":    "KRAS proto-oncogene, GTPase",
		"name":        "KRAS",
		"sourceId":    "3845",
		"url":         "https://www.ncbi.nlm.nih.gov/gene/3845",
	}, content)

	_, err = parseGene(json.RawMessage(`{"uid":"abc","name":"KRAS"}`))
	assert.Error(t, err)
	_, err = parseGene(json.RawMessage(`{"uid":"1"}`))
	assert.Error(t, err)
}

func TestGenesFetchAndLoadBySymbol(t *testing.T) {
	fake := newFakeEutils()
	fake.add("gene", "3845", map[string]any{"uid": "3845", "name": "KRAS", "description": "KRAS proto-oncogene"})
	fake.add("gene", "25", map[string]any{"uid": "25", "name": "ABL1"})
	fake.searches["KRAS[Preferred Symbol] AND human[ORGN] AND alive[prop]"] = []string{"3845"}
	fake.searches["abelson[Gene Name] AND human[ORGN] AND alive[prop]"] = []string{"25"}

	conn := newConn()
	genes := NewGenes(newTestClient(t, fake), conn)
	ctx := context.Background()

	recs, err := genes.FetchAndLoadBySymbol(ctx, "KRAS")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "KRAS", recs[0].String("name"))
	assert.Equal(t, kb.ClassFeature, recs[0].Class())
	assert.NotEmpty(t, recs[0].String("source"))

	// cached per search term
	again, err := genes.FetchAndLoadBySymbol(ctx, "KRAS")
	require.NoError(t, err)
	assert.Equal(t, recs[0].RID(), again[0].RID())
	assert.Equal(t, 1, fake.count("esearch.fcgi"))

	// fallback to gene name
	recs, err = genes.FetchAndLoadBySymbol(ctx, "abelson")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "ABL1", recs[0].String("name"))

	recs, err = genes.FetchAndLoadBySymbol(ctx, "nosuchgene")
	require.NoError(t, err)
	assert.Empty(t, recs)

	// ids already loaded come from the cache
	before := fake.count("esummary.fcgi")
	recs, err = genes.FetchAndLoadByIDs(ctx, []string{"3845", "3845"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, before, fake.count("esummary.fcgi"))

	assert.Equal(t, kb.ClassCounts{Created: 2}, conn.Counts()[kb.ClassFeature])
}

func TestGenesReuseExistingRecord(t *testing.T) {
	fake := newFakeEutils()
	fake.add("gene", "673", map[string]any{"uid": "673", "name": "BRAF"})
	conn := newConn()
	ctx := context.Background()

	first, err := NewGenes(newTestClient(t, fake), conn).FetchAndLoadByIDs(ctx, []string{"673"})
	require.NoError(t, err)
	// a second run has an empty cache but finds the stored record
	second, err := NewGenes(newTestClient(t, fake), conn).FetchAndLoadByIDs(ctx, []string{"673"})
	require.NoError(t, err)
	assert.Equal(t, first[0].RID(), second[0].RID())
	assert.Equal(t, kb.ClassCounts{Created: 1}, conn.Counts()[kb.ClassFeature])
}

func TestParseRefSeq(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want map[string]any
	}{
		{
			name: "transcript",
			doc:  `{"accessionversion":"NM_004333.6","biomol":"mRNA","title":"Homo sapiens B-Raf"}`,
			want: map[string]any{"biotype": "transcript", "displayName": "NM_004333.6", "longName": "Homo sapiens B-Raf", "sourceId": "NM_004333", "sourceIdVersion": "6"},
		},
		{
			name: "chromosome",
			doc:  `{"accessionversion":"NC_000007.14","biomol":"genomic","title":"Homo sapiens chromosome 7","subname":"7"}`,
			want: map[string]any{"biotype": "chromosome", "displayName": "NC_000007.14", "longName": "Homo sapiens chromosome 7", "sourceId": "NC_000007", "sourceIdVersion": "14", "name": "7"},
		},
		{
			name: "protein",
			doc:  `{"accessionversion":"NP_004324.2","biomol":"peptide","title":"B-Raf"}`,
			want: map[string]any{"biotype": "protein", "displayName": "NP_004324.2", "longName": "B-Raf", "sourceId": "NP_004324", "sourceIdVersion": "2"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRefSeq(json.RawMessage(tt.doc))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := parseRefSeq(json.RawMessage(`{"accessionversion":"NM_004333","biomol":"mRNA","title":"x"}`))
	assert.Error(t, err)
}

func TestRefSeqsFetchAndLoadByIDs(t *testing.T) {
	fake := newFakeEutils()
	fake.add("nucleotide", "NM_004333.6", map[string]any{"accessionversion": "NM_004333.6", "biomol": "mRNA", "title": "B-Raf transcript"})
	fake.add("nucleotide", "NM_033360", map[string]any{"accessionversion": "NM_033360.4", "biomol": "mRNA", "title": "KRAS transcript"})
	conn := newConn()
	refseqs := NewRefSeqs(newTestClient(t, fake), conn)
	ctx := context.Background()

	recs, err := refseqs.FetchAndLoadByIDs(ctx, []string{"NM_004333.6", "NM_033360"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "6", recs[0].String("sourceIdVersion"))
	assert.Nil(t, recs[1]["sourceIdVersion"])
	assert.Equal(t, "NM_033360", recs[1].String("displayName"))
	assert.Nil(t, recs[1]["longName"])

	// the versioned transcript is linked to a generic record
	unversioned, err := conn.GetUniqueRecordBy(ctx, kb.ClassFeature, map[string]any{"AND": []any{
		map[string]any{"sourceId": "NM_004333"},
		map[string]any{"sourceIdVersion": nil},
	}}, nil)
	require.NoError(t, err)
	edges, err := conn.GetRecords(ctx, kb.ClassGeneralizationOf, map[string]any{"in": recs[0].RID()})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, unversioned.RID(), edges[0].String("out"))

	// cached by accession
	before := fake.count("esummary.fcgi")
	again, err := refseqs.FetchAndLoadByIDs(ctx, []string{"nm_004333.6"})
	require.NoError(t, err)
	assert.Equal(t, recs[0].RID(), again[0].RID())
	assert.Equal(t, before, fake.count("esummary.fcgi"))
}

func TestParseSNP(t *testing.T) {
	doc := `{
		"uid": "113488022",
		"snp_id": 113488022,
		"updatedate": "2022/10/12 17:13",
		"genes": [{"name": "BRAF", "gene_id": "673"}],
		"docsum": "HGVS=NC_000007.14:g.140753336A&gt;T,NM_004333.5:c.1799T&gt;A,NM_004333.6:c.1799T&gt;A,NP_004324.2:p.Val600Glu|SEQ=[A/T]|LEN=1|GENE=BRAF:673"
	}`
	rec, err := parseSNP(json.RawMessage(doc))
	require.NoError(t, err)
	assert.Equal(t, "rs113488022", rec.content["name"])
	assert.Equal(t, "113488022", rec.content["sourceId"])
	assert.Equal(t, "https://www.ncbi.nlm.nih.gov/snp/rs113488022", rec.content["url"])
	assert.Equal(t, snpHGVS{
		CDS:     "NM_004333.6:c.1799T>A",
		Protein: "NP_004324.2:p.Val600Glu",
		Gene:    "673",
	}, rec.hgvs)

	_, err = parseSNP(json.RawMessage(`{"uid":"1"}`))
	assert.Error(t, err)
}

func TestSNPsFetchAndLoadByIDs(t *testing.T) {
	fake := newFakeEutils()
	fake.add("snp", "113488022", map[string]any{
		"uid": "113488022", "snp_id": 113488022,
		"docsum": "HGVS=NM_004333.6:c.1799T&gt;A,NP_004324.2:p.Val600Glu|GENE=BRAF:673",
	})
	fake.add("nucleotide", "NM_004333.6", map[string]any{"accessionversion": "NM_004333.6", "biomol": "mRNA", "title": "B-Raf transcript"})
	fake.add("nucleotide", "NP_004324.2", map[string]any{"accessionversion": "NP_004324.2", "biomol": "peptide", "title": "B-Raf protein"})
	fake.add("gene", "673", map[string]any{"uid": "673", "name": "BRAF"})

	ctx := context.Background()
	conn := newConn()
	graphkb, err := conn.AddSource(ctx, map[string]any{"name": kb.GraphKBSource})
	require.NoError(t, err)
	for _, term := range []string{"substitution", "missense mutation"} {
		_, err := conn.AddRecord(ctx, kb.ClassVocabulary, map[string]any{"name": term, "sourceId": term, "source": graphkb.RID()}, kb.AddOptions{})
		require.NoError(t, err)
	}

	client := newTestClient(t, fake)
	genes := NewGenes(client, conn)
	snps := NewSNPs(client, conn, NewRefSeqs(client, conn), genes)

	recs, err := snps.FetchAndLoadByIDs(ctx, []string{"rs113488022"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, kb.ClassCatalogueVariant, recs[0].Class())
	assert.Equal(t, "rs113488022", recs[0].String("name"))
	assert.Contains(t, fake.requests, "efetch.fcgi snp 113488022")

	variants, err := conn.GetRecords(ctx, kb.ClassPositionalVariant, nil)
	require.NoError(t, err)
	assert.Len(t, variants, 3)

	// catalogue -> cds, protein -> cds, gene protein -> protein
	edges, err := conn.GetRecords(ctx, kb.ClassInfers, nil)
	require.NoError(t, err)
	assert.Len(t, edges, 3)

	again, err := snps.FetchAndLoadByIDs(ctx, []string{"RS113488022"})
	require.NoError(t, err)
	assert.Equal(t, recs[0].RID(), again[0].RID())
	assert.Equal(t, 1, fake.count("efetch.fcgi"))
}

func TestParsePublication(t *testing.T) {
	content, err := parsePublication(json.RawMessage(`{"uid":"25500544","title":"A study","fulljournalname":"Nature","sortpubdate":"2014/12/15 00:00"}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"name":        "A study",
		"sourceId":    "25500544",
		"url":         "https://pubmed.ncbi.nlm.nih.gov/25500544",
		"journalName": "Nature",
		"year":        2014,
	}, content)
}

func TestPublicationsFetchAndLoadByIDs(t *testing.T) {
	fake := newFakeEutils()
	fake.add("pubmed", "25500544", map[string]any{"uid": "25500544", "title": "A study"})
	fake.add("pmc", "4232638", map[string]any{"uid": "4232638", "title": "Open access"})
	conn := newConn()
	pubs := NewPublications(newTestClient(t, fake), conn)

	recs, err := pubs.FetchAndLoadByIDs(context.Background(), []string{"25500544", "PMC4232638"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "pmid:25500544", recs[0].String("displayName"))
	assert.Equal(t, "Open access", recs[1].String("name"))
	assert.Equal(t, kb.ClassPublication, recs[0].Class())
}
