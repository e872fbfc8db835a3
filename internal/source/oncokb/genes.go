package oncokb

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/bcgsc/pori/internal/kb"
	"github.com/bcgsc/pori/internal/tabular"
)

// CuratedGene holds the OncoKB gene-level curation.
type CuratedGene struct {
	HugoSymbol   string
	EntrezGeneID string
	Oncogene     bool
	TSG          bool
}

// CuratedGeneList maps Hugo Symbol to CuratedGene.
type CuratedGeneList map[string]*CuratedGene

// IsCancerGene returns true if the gene is in the curated gene list.
func (c CuratedGeneList) IsCancerGene(gene string) bool {
	_, ok := c[gene]
	return ok
}

// Symbols returns the curated gene symbols in sorted order.
func (c CuratedGeneList) Symbols() []string {
	out := make([]string, 0, len(c))
	for s := range c {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// LoadCuratedGenes loads an OncoKB cancerGeneList.tsv file. Gene roles come
// from a "Gene Type" column (ONCOGENE, TSG or ONCOGENE,TSG) or from the
// "Is Oncogene" and "Is Tumor Suppressor Gene" Yes/No columns.
func LoadCuratedGenes(path string) (CuratedGeneList, error) {
	rows, err := tabular.ReadFile(path, tabular.Options{})
	if err != nil {
		return nil, fmt.Errorf("load cancer gene list: %w", err)
	}
	if len(rows) > 0 {
		if _, ok := rows[0]["Hugo Symbol"]; !ok {
			return nil, fmt.Errorf("cancer gene list: missing 'Hugo Symbol' column")
		}
	}

	genes := make(CuratedGeneList)
	for _, row := range rows {
		hugo := row.Get("Hugo Symbol")
		if hugo == "" {
			continue
		}
		geneType := strings.ToUpper(row.Get("Gene Type"))
		genes[hugo] = &CuratedGene{
			HugoSymbol:   hugo,
			EntrezGeneID: row.Get("Entrez Gene ID"),
			Oncogene:     strings.Contains(geneType, "ONCOGENE") || strings.EqualFold(row.Get("Is Oncogene"), "yes"),
			TSG:          strings.Contains(geneType, "TSG") || strings.EqualFold(row.Get("Is Tumor Suppressor Gene"), "yes"),
		}
	}
	return genes, nil
}

// UploadCuratedGenes adds an oncogenic or tumour suppressive statement for
// each curated gene role. Genes that cannot be loaded are logged and
// skipped. It returns the number of statements added or already present.
func (p *Processor) UploadCuratedGenes(ctx context.Context, genes CuratedGeneList) (int, error) {
	source, err := p.sourceRecord(ctx)
	if err != nil {
		return 0, err
	}
	oncogenic, err := p.kb.GetVocabularyTerm(ctx, "oncogenic", "")
	if err != nil {
		return 0, fmt.Errorf("oncogenic vocabulary: %w", err)
	}
	suppressive, err := p.kb.GetVocabularyTerm(ctx, "tumour suppressive", "")
	if err != nil {
		return 0, fmt.Errorf("tumour suppressive vocabulary: %w", err)
	}

	written := 0
	for _, symbol := range genes.Symbols() {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		g := genes[symbol]
		feature, err := p.curatedFeature(ctx, g)
		if err != nil {
			p.logger.Error("unable to load curated gene", zap.String("gene", symbol), zap.Error(err))
			continue
		}
		var relevance []kb.Record
		if g.Oncogene {
			relevance = append(relevance, oncogenic)
		}
		if g.TSG {
			relevance = append(relevance, suppressive)
		}
		for _, rel := range relevance {
			_, err := p.kb.AddRecord(ctx, kb.ClassStatement, map[string]any{
				"conditions": []any{feature.RID()},
				"evidence":   []any{source.RID()},
				"relevance":  rel.RID(),
				"source":     source.RID(),
				"subject":    feature.RID(),
			}, kb.AddOptions{ExistsOK: true, SkipFetch: true})
			if err != nil {
				p.logger.Error("unable to add gene statement", zap.String("gene", symbol), zap.Error(err))
				continue
			}
			written++
		}
	}
	return written, nil
}

func (p *Processor) curatedFeature(ctx context.Context, g *CuratedGene) (kb.Record, error) {
	var (
		records []kb.Record
		err     error
	)
	if g.EntrezGeneID != "" {
		records, err = p.genes.FetchAndLoadByIDs(ctx, []string{g.EntrezGeneID})
	} else {
		records, err = p.genes.FetchAndLoadBySymbol(ctx, g.HugoSymbol)
	}
	if err != nil {
		return nil, err
	}
	if len(records) != 1 {
		return nil, fmt.Errorf("expected a single gene for %s, found %d", g.HugoSymbol, len(records))
	}
	return records[0], nil
}
