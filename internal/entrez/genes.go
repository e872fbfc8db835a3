package entrez

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"go.uber.org/zap"

	"github.com/bcgsc/pori/internal/kb"
)

// GeneSource is the knowledgebase source owning Entrez gene records.
var GeneSource = map[string]any{
	"name":        "entrez gene",
	"displayName": "Entrez Gene",
	"url":         "https://www.ncbi.nlm.nih.gov/gene",
	"description": "Gene integrates information from a wide range of species. A record may include nomenclature, Reference Sequences (RefSeqs), maps, pathways, variations, phenotypes, and links to genome-, phenotype-, and locus-specific resources worldwide.",
}

// Search term types for gene lookups.
const (
	TermPreferredSymbol = "Preferred Symbol"
	TermGeneName        = "Gene Name"
)

const geneLinkURL = "https://www.ncbi.nlm.nih.gov/gene"

var reNumericID = regexp.MustCompile(`^\d+$`)

// Genes loads Entrez gene records as Feature records.
type Genes struct {
	*loader

	searchMu sync.Mutex
	searches map[string][]kb.Record
}

// NewGenes creates a gene collaborator over c writing to conn.
func NewGenes(c *Client, conn kb.Client) *Genes {
	return &Genes{
		loader:   newLoader(c, conn, "gene", kb.ClassFeature, GeneSource, parseGene),
		searches: make(map[string][]kb.Record),
	}
}

// SetLogger sets the logger.
func (g *Genes) SetLogger(l *zap.Logger) {
	g.logger = l
}

type geneDoc struct {
	UID         string `json:"uid"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Summary     string `json:"summary"`
}

// parseGene converts a gene summary into Feature content.
func parseGene(doc json.RawMessage) (map[string]any, error) {
	var d geneDoc
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("decode gene: %w", err)
	}
	if err := requireFields("uid", d.UID, "name", d.Name); err != nil {
		return nil, err
	}
	if !reNumericID.MatchString(d.UID) {
		return nil, fmt.Errorf("gene uid %q is not numeric", d.UID)
	}
	return map[string]any{
		"biotype":     "gene",
		"description": d.Summary,
		"displayName": d.Name,
		"longName":    d.Description,
		"name":        d.Name,
		"sourceId":    d.UID,
		"url":         geneLinkURL + "/" + d.UID,
	}, nil
}

// FetchAndLoadByIDs returns the gene records for Entrez gene ids.
func (g *Genes) FetchAndLoadByIDs(ctx context.Context, ids []string) ([]kb.Record, error) {
	return g.fetchAndLoad(ctx, ids)
}

// FetchAndLoadBySearchTerm searches human genes for term as termType,
// retrying as fallbackTermType when nothing matches. Results are cached
// per term and type.
func (g *Genes) FetchAndLoadBySearchTerm(ctx context.Context, term, termType, fallbackTermType string) ([]kb.Record, error) {
	key := termType + ":" + term
	g.searchMu.Lock()
	cached, ok := g.searches[key]
	g.searchMu.Unlock()
	if ok {
		return cached, nil
	}

	result, err := g.search(ctx, term, termType)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 && fallbackTermType != "" {
		if result, err = g.search(ctx, term, fallbackTermType); err != nil {
			return nil, err
		}
	}

	g.searchMu.Lock()
	g.searches[key] = result
	g.searchMu.Unlock()
	return result, nil
}

// FetchAndLoadBySymbol searches by preferred symbol, then by gene name.
func (g *Genes) FetchAndLoadBySymbol(ctx context.Context, symbol string) ([]kb.Record, error) {
	return g.FetchAndLoadBySearchTerm(ctx, symbol, TermPreferredSymbol, TermGeneName)
}

func (g *Genes) search(ctx context.Context, term, termType string) ([]kb.Record, error) {
	ids, err := g.client.Search(ctx, g.db, fmt.Sprintf("%s[%s] AND human[ORGN] AND alive[prop]", term, termType))
	if err != nil {
		return nil, err
	}
	return g.fetchAndLoad(ctx, ids)
}
