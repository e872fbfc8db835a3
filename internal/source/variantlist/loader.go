// Package variantlist loads a plain list of variant notations, one per
// line, as positional variants on Entrez genes.
package variantlist

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/bcgsc/pori/internal/kb"
	"github.com/bcgsc/pori/internal/load"
	"github.com/bcgsc/pori/internal/notation"
	"github.com/bcgsc/pori/internal/resolve"
)

// GeneSource is the source name of Entrez gene records.
const GeneSource = "entrez gene"

// Loader adds listed variants.
type Loader struct {
	kb     kb.Client
	genes  resolve.GeneLoader
	logger *zap.Logger
}

// NewLoader creates a Loader. Genes missing from the knowledgebase are
// fetched through genes.
func NewLoader(conn kb.Client, genes resolve.GeneLoader) *Loader {
	return &Loader{kb: conn, genes: genes, logger: zap.NewNop()}
}

// SetLogger sets the logger for per-line diagnostics.
func (l *Loader) SetLogger(logger *zap.Logger) {
	l.logger = logger
}

// ReadLines returns the trimmed non-empty lines of r.
func ReadLines(r io.Reader) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			out = append(out, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read variants: %w", err)
	}
	return out, nil
}

// gene returns the Entrez gene named name, loading it by symbol when the
// knowledgebase has no such gene.
func (l *Loader) gene(ctx context.Context, name string) (kb.Record, error) {
	rec, err := l.kb.GetUniqueRecordBy(ctx, kb.ClassFeature, map[string]any{"AND": []any{
		map[string]any{"source": kb.Subquery(kb.ClassSource, map[string]any{"name": GeneSource})},
		map[string]any{"biotype": "gene"},
		map[string]any{"name": strings.ToLower(name)},
	}}, kb.OrderPreferredOntologyTerms)
	if err == nil {
		return rec, nil
	}
	records, lerr := l.genes.FetchAndLoadBySymbol(ctx, name)
	if lerr != nil {
		return nil, fmt.Errorf("gene %s: %w", name, lerr)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: gene %s", resolve.ErrUnresolvedReference, name)
	}
	kb.SortRecords(records, kb.OrderPreferredOntologyTerms)
	return records[0], nil
}

// Add parses text, which must name its features, and adds the positional
// variant. A variant already present gives a nil record.
func (l *Loader) Add(ctx context.Context, text string) (kb.Record, error) {
	parsed, err := notation.TryParse(text, true)
	if err != nil {
		return nil, err
	}
	typ, err := l.kb.GetVocabularyTerm(ctx, parsed.Type, "")
	if err != nil {
		return nil, fmt.Errorf("vocabulary %q: %w", parsed.Type, err)
	}
	content := parsed.Content()
	ref1, err := l.gene(ctx, parsed.Reference1)
	if err != nil {
		return nil, err
	}
	content["reference1"] = ref1.RID()
	if parsed.Reference2 != "" {
		ref2, err := l.gene(ctx, parsed.Reference2)
		if err != nil {
			return nil, err
		}
		content["reference2"] = ref2.RID()
	}
	content["type"] = typ.RID()
	return l.kb.AddVariant(ctx, kb.ClassPositionalVariant, content, kb.AddOptions{ExistsOK: true, SkipFetch: true})
}

// Upload adds every notation. Failing lines are counted and logged.
func (l *Loader) Upload(ctx context.Context, variants []string) (load.Counts, error) {
	counts := load.NewCounts()
	l.logger.Info("adding variant records", zap.Int("variants", len(variants)))
	for _, text := range variants {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		l.logger.Debug("loading variant", zap.String("variant", text))
		_, err := l.Add(ctx, text)
		if err != nil {
			l.logger.Error("failed to load variant", zap.String("variant", text), zap.Error(err))
		}
		counts.Add(err)
	}
	l.logger.Info("loaded variant list", zap.String("counts", load.FormatCounts(counts)))
	return counts, nil
}

// UploadFile loads the notations listed in path.
func (l *Loader) UploadFile(ctx context.Context, path string) (load.Counts, error) {
	f, err := os.Open(path)
	if err != nil {
		return load.NewCounts(), fmt.Errorf("open variant list: %w", err)
	}
	defer f.Close()
	variants, err := ReadLines(f)
	if err != nil {
		return load.NewCounts(), err
	}
	return l.Upload(ctx, variants)
}
