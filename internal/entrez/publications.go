package entrez

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/bcgsc/pori/internal/kb"
)

// PubMedSource is the knowledgebase source owning publication records.
var PubMedSource = map[string]any{
	"name":        "pubmed",
	"displayName": "PubMed",
	"url":         "https://pubmed.ncbi.nlm.nih.gov",
	"description": "pubmed comprises more than 29 million citations for biomedical literature from medline, life science journals, and online books.",
}

const pubmedLinkURL = "https://pubmed.ncbi.nlm.nih.gov"

var (
	rePMC     = regexp.MustCompile(`(?i)^pmc\d+$`)
	reSortDay = regexp.MustCompile(`^(\d{4})/`)
)

// Publications loads PubMed articles as Publication records.
type Publications struct {
	pubmed *loader
	pmc    *loader
}

// NewPublications creates a publication collaborator over c writing to conn.
func NewPublications(c *Client, conn kb.Client) *Publications {
	p := &Publications{
		pubmed: newLoader(c, conn, "pubmed", kb.ClassPublication, PubMedSource, parsePublication),
		pmc:    newLoader(c, conn, "pmc", kb.ClassPublication, PubMedSource, parsePublication),
	}
	display := func(id string) string { return "pmid:" + id }
	p.pubmed.displayName = display
	p.pmc.displayName = display
	return p
}

type publicationDoc struct {
	UID             string `json:"uid"`
	Title           string `json:"title"`
	FullJournalName string `json:"fulljournalname"`
	SortDate        string `json:"sortdate"`
	SortPubDate     string `json:"sortpubdate"`
}

// parsePublication converts an article summary into Publication content.
func parsePublication(doc json.RawMessage) (map[string]any, error) {
	var d publicationDoc
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("decode publication: %w", err)
	}
	if err := requireFields("uid", d.UID, "title", d.Title); err != nil {
		return nil, err
	}
	content := map[string]any{
		"name":     d.Title,
		"sourceId": d.UID,
		"url":      pubmedLinkURL + "/" + d.UID,
	}
	if d.FullJournalName != "" {
		content["journalName"] = d.FullJournalName
	}
	date := d.SortPubDate
	if date == "" {
		date = d.SortDate
	}
	if m := reSortDay.FindStringSubmatch(date); m != nil {
		year, _ := strconv.Atoi(m[1])
		content["year"] = year
	}
	return content, nil
}

// FetchAndLoadByIDs returns the publication records for PubMed ids. Ids of
// the form PMC123 are looked up in PubMed Central.
func (p *Publications) FetchAndLoadByIDs(ctx context.Context, ids []string) ([]kb.Record, error) {
	var pubmedIDs, pmcIDs []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if rePMC.MatchString(id) {
			pmcIDs = append(pmcIDs, id[3:])
		} else {
			pubmedIDs = append(pubmedIDs, id)
		}
	}
	records, err := p.pubmed.fetchAndLoad(ctx, pubmedIDs)
	if err != nil {
		return nil, err
	}
	pmc, err := p.pmc.fetchAndLoad(ctx, pmcIDs)
	if err != nil {
		return nil, err
	}
	return append(records, pmc...), nil
}
