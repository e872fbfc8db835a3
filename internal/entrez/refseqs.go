package entrez

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/bcgsc/pori/internal/kb"
)

// RefSeqSource is the knowledgebase source owning RefSeq records.
var RefSeqSource = map[string]any{
	"name":        "refseq",
	"displayName": "RefSeq",
	"url":         "https://www.ncbi.nlm.nih.gov/refseq",
	"description": "A comprehensive, integrated, non-redundant, well-annotated set of reference sequences including genomic, transcript, and protein.",
}

var (
	reAccessionVersion = regexp.MustCompile(`^N[A-Z]_\d+\.\d+$`)
	reVersioned        = regexp.MustCompile(`\.\d+$`)
)

// RefSeqs loads RefSeq nucleotide and protein accessions as Feature records.
type RefSeqs struct {
	*loader
}

// NewRefSeqs creates a RefSeq collaborator over c writing to conn.
func NewRefSeqs(c *Client, conn kb.Client) *RefSeqs {
	l := newLoader(c, conn, "nucleotide", kb.ClassFeature, RefSeqSource, parseRefSeq)
	l.idKey = func(id string) string {
		return strings.ToLower(strings.Replace(strings.TrimSpace(id), ".", "-", 1))
	}
	return &RefSeqs{loader: l}
}

type refSeqDoc struct {
	AccessionVersion string `json:"accessionversion"`
	Biomol           string `json:"biomol"`
	Title            string `json:"title"`
	Subname          string `json:"subname"`
}

// parseRefSeq converts a nucleotide summary into Feature content.
func parseRefSeq(doc json.RawMessage) (map[string]any, error) {
	var d refSeqDoc
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("decode refseq: %w", err)
	}
	if err := requireFields("title", d.Title, "biomol", d.Biomol, "accessionversion", d.AccessionVersion); err != nil {
		return nil, err
	}
	if !reAccessionVersion.MatchString(d.AccessionVersion) {
		return nil, fmt.Errorf("unexpected accession %q", d.AccessionVersion)
	}
	sourceID, version, _ := strings.Cut(d.AccessionVersion, ".")

	biotype := "transcript"
	switch d.Biomol {
	case "genomic":
		biotype = "chromosome"
	case "peptide":
		biotype = "protein"
	}
	content := map[string]any{
		"biotype":         biotype,
		"displayName":     strings.ToUpper(d.AccessionVersion),
		"longName":        d.Title,
		"sourceId":        sourceID,
		"sourceIdVersion": version,
	}
	if biotype == "chromosome" {
		content["name"] = d.Subname
	}
	return content, nil
}

// FetchAndLoadByIDs returns Feature records for RefSeq accessions. A
// versioned accession (NM_004333.6) is also linked to its unversioned
// record; an unversioned one (NM_004333) loads only the generic record.
func (r *RefSeqs) FetchAndLoadByIDs(ctx context.Context, ids []string) ([]kb.Record, error) {
	var versioned, unversioned []string
	for _, id := range ids {
		if reVersioned.MatchString(id) {
			versioned = append(versioned, id)
		} else {
			unversioned = append(unversioned, id)
		}
	}

	var contents []map[string]any
	var cached []kb.Record
	for _, group := range []struct {
		ids       []string
		versioned bool
	}{{versioned, true}, {unversioned, false}} {
		hits, remaining := r.pullFromCache(group.ids)
		cached = append(cached, hits...)
		fetched, err := r.fetch(ctx, remaining, r.client.Summaries)
		if err != nil {
			return nil, err
		}
		for _, content := range fetched {
			if !group.versioned {
				content = generic(content)
			}
			contents = append(contents, content)
		}
	}
	uploaded, err := r.uploadAll(ctx, contents)
	if err != nil {
		return nil, err
	}
	if err := r.linkGeneric(ctx, uploaded); err != nil {
		return nil, err
	}
	return append(cached, uploaded...), nil
}

// generic strips the version-specific properties from content.
func generic(content map[string]any) map[string]any {
	out := make(map[string]any, len(content))
	for k, v := range content {
		switch k {
		case "sourceIdVersion", "longName", "description":
			continue
		}
		out[k] = v
	}
	id, _ := content["sourceId"].(string)
	out["displayName"] = strings.ToUpper(id)
	out["sourceIdVersion"] = nil
	return out
}

// linkGeneric creates the unversioned record for each versioned one and a
// GeneralizationOf edge between them.
func (r *RefSeqs) linkGeneric(ctx context.Context, records []kb.Record) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.limit)
	for _, rec := range records {
		if v, ok := rec["sourceIdVersion"]; !ok || v == nil {
			continue
		}
		g.Go(func() error {
			source := kb.RID(rec["source"])
			unversioned, err := r.kb.AddRecord(ctx, kb.ClassFeature, map[string]any{
				"biotype":         rec["biotype"],
				"description":     rec["description"],
				"displayName":     strings.ToUpper(rec.String("sourceId")),
				"longName":        rec["longName"],
				"name":            rec["name"],
				"source":          source,
				"sourceId":        rec["sourceId"],
				"sourceIdVersion": nil,
			}, kb.AddOptions{
				ExistsOK: true,
				FetchConditions: map[string]any{"AND": []any{
					map[string]any{"name": rec["name"]},
					map[string]any{"source": source},
					map[string]any{"sourceId": rec["sourceId"]},
					map[string]any{"sourceIdVersion": nil},
				}},
			})
			if err != nil {
				return fmt.Errorf("add unversioned %s: %w", rec.String("sourceId"), err)
			}
			_, err = r.kb.AddRecord(ctx, kb.ClassGeneralizationOf, map[string]any{
				"in":     rec.RID(),
				"out":    unversioned.RID(),
				"source": source,
			}, kb.AddOptions{ExistsOK: true, SkipFetch: true})
			if err != nil {
				return fmt.Errorf("link %s to unversioned: %w", rec.String("sourceId"), err)
			}
			return nil
		})
	}
	return g.Wait()
}
