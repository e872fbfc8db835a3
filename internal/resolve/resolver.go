// Package resolve persists normalized variants as knowledgebase records.
// Feature references are resolved against the knowledgebase and the gene
// databases, vocabulary terms are looked up per source, and the links
// between representations become Infers edges.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/bcgsc/pori/internal/entrez"
	"github.com/bcgsc/pori/internal/kb"
	"github.com/bcgsc/pori/internal/normalize"
	"github.com/bcgsc/pori/internal/notation"
)

// ErrUnresolvedReference is returned when a feature reference matches no
// knowledgebase or gene database record.
var ErrUnresolvedReference = errors.New("unresolved reference")

// reChromosome matches chromosome names used as translocation references.
var reChromosome = regexp.MustCompile(`(?i)^(chr)?([1-9]|1[0-9]|2[0-2]|x|y)$`)

// GeneLoader resolves gene symbols and ids to Feature records.
type GeneLoader interface {
	FetchAndLoadBySymbol(ctx context.Context, symbol string) ([]kb.Record, error)
	FetchAndLoadByIDs(ctx context.Context, ids []string) ([]kb.Record, error)
}

// SNPLoader resolves reference SNP ids to CatalogueVariant records.
type SNPLoader interface {
	FetchAndLoadByIDs(ctx context.Context, ids []string) ([]kb.Record, error)
}

// Edge is an Infers edge: In can be inferred from Out.
type Edge struct {
	In  string
	Out string
}

// Resolved is a persisted variant.
type Resolved struct {
	Record kb.Record
	// Class is the record's class, e.g. PositionalVariant.
	Class string
	// Edges are the Infers edges between the variant and its linked
	// representations, including those already written earlier in the run.
	Edges []Edge
}

// RID returns the persisted record's id.
func (r Resolved) RID() string { return r.Record.RID() }

// Option configures a Resolver.
type Option func(*Resolver)

// WithSource scopes vocabulary lookups to the named source before falling
// back to the shared vocabulary.
func WithSource(name string) Option {
	return func(r *Resolver) { r.source = name }
}

// WithSNPs resolves categorical "rs" types as reference SNPs.
func WithSNPs(snps SNPLoader) Option {
	return func(r *Resolver) { r.snps = snps }
}

// Resolver persists normalized variants. Its caches live as long as the
// Resolver, so one instance should serve one run.
type Resolver struct {
	kb     kb.Client
	genes  GeneLoader
	snps   SNPLoader
	source string
	logger *zap.Logger

	mu       sync.Mutex
	features map[string]kb.Record
	vocab    map[string]kb.Record
	edges    map[Edge]bool
}

// New creates a Resolver writing to conn.
func New(conn kb.Client, genes GeneLoader, opts ...Option) *Resolver {
	r := &Resolver{
		kb:       conn,
		genes:    genes,
		logger:   zap.NewNop(),
		features: make(map[string]kb.Record),
		vocab:    make(map[string]kb.Record),
		edges:    make(map[Edge]bool),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetLogger sets the logger for resolution diagnostics.
func (r *Resolver) SetLogger(l *zap.Logger) {
	r.logger = l
}

// ResolveAndPersist creates or fetches the record for v and every variant
// linked to it, then writes the Infers edges between them. gene is the
// record's gene context and may be nil.
func (r *Resolver) ResolveAndPersist(ctx context.Context, v *normalize.Variant, gene kb.Record) (Resolved, error) {
	if err := v.Validate(); err != nil {
		return Resolved{}, fmt.Errorf("invalid variant: %w", err)
	}
	var edges []Edge
	rec, class, err := r.resolveTree(ctx, v, gene, &edges)
	if err != nil {
		return Resolved{}, err
	}
	edges = dedupeEdges(edges)
	if err := r.writeEdges(ctx, edges); err != nil {
		return Resolved{}, err
	}
	return Resolved{Record: rec, Class: class, Edges: edges}, nil
}

// resolveTree persists v and its links depth first, appending an edge for
// each link.
func (r *Resolver) resolveTree(ctx context.Context, v *normalize.Variant, gene kb.Record, edges *[]Edge) (kb.Record, string, error) {
	rec, class, err := r.resolveNode(ctx, v, gene)
	if err != nil {
		return nil, "", err
	}
	for _, l := range v.Links {
		linked, _, err := r.resolveTree(ctx, l.Variant, gene, edges)
		if err != nil {
			return nil, "", fmt.Errorf("%s %s: %w", l.Relation, describe(l.Variant), err)
		}
		switch l.Relation {
		case normalize.Infers:
			*edges = append(*edges, Edge{In: linked.RID(), Out: rec.RID()})
		case normalize.InferredBy:
			*edges = append(*edges, Edge{In: rec.RID(), Out: linked.RID()})
		}
	}
	return rec, class, nil
}

func (r *Resolver) resolveNode(ctx context.Context, v *normalize.Variant, gene kb.Record) (kb.Record, string, error) {
	if v.Kind == normalize.Categorical && r.snps != nil && entrez.ReSNP.MatchString(v.Type) {
		return r.resolveSNP(ctx, v.Type)
	}

	class := kb.ClassCategoryVariant
	content := map[string]any{}
	term := v.Type
	if v.Kind == normalize.Positional {
		parsed, err := notation.TryParse(v.Notation, false)
		if err != nil {
			return nil, "", fmt.Errorf("parse %q: %w", v.Notation, err)
		}
		class = kb.ClassPositionalVariant
		content = parsed.Content()
		term = parsed.Type
	}

	vocab, err := r.vocabulary(ctx, term)
	if err != nil {
		return nil, "", err
	}
	ref1, err := r.reference(ctx, v.Reference1, gene)
	if err != nil {
		return nil, "", err
	}
	content["type"] = vocab.RID()
	content["reference1"] = ref1.RID()
	delete(content, "reference2")
	if v.Reference2 != nil {
		ref2, err := r.reference(ctx, *v.Reference2, gene)
		if err != nil {
			return nil, "", err
		}
		content["reference2"] = ref2.RID()
	}

	rec, err := r.kb.AddVariant(ctx, class, content, kb.AddOptions{ExistsOK: true})
	if err != nil {
		return nil, "", fmt.Errorf("add %s %s: %w", class, describe(v), err)
	}
	return rec, class, nil
}

func (r *Resolver) resolveSNP(ctx context.Context, id string) (kb.Record, string, error) {
	records, err := r.snps.FetchAndLoadByIDs(ctx, []string{id})
	if err != nil {
		return nil, "", fmt.Errorf("load snp %s: %w", id, err)
	}
	if len(records) == 0 {
		return nil, "", fmt.Errorf("%w: snp %s", ErrUnresolvedReference, id)
	}
	return records[0], kb.ClassCatalogueVariant, nil
}

// vocabulary returns the term owned by the resolver's source, or the shared
// term when the source defines none.
func (r *Resolver) vocabulary(ctx context.Context, term string) (kb.Record, error) {
	term = strings.ToLower(strings.TrimSpace(term))
	key := r.source + "|" + term
	r.mu.Lock()
	rec, ok := r.vocab[key]
	r.mu.Unlock()
	if ok {
		return rec, nil
	}

	var err error
	if r.source != "" {
		rec, err = r.kb.GetVocabularyTerm(ctx, term, r.source)
		if err != nil && !errors.Is(err, kb.ErrNotFound) {
			return nil, fmt.Errorf("vocabulary %q: %w", term, err)
		}
	}
	if rec == nil {
		rec, err = r.kb.GetVocabularyTerm(ctx, term, "")
		if err != nil {
			return nil, fmt.Errorf("vocabulary %q: %w", term, err)
		}
	}

	r.mu.Lock()
	r.vocab[key] = rec
	r.mu.Unlock()
	return rec, nil
}

// Gene returns the Feature for a source record's gene, for use as the gene
// context of its variants.
func (r *Resolver) Gene(ctx context.Context, ref normalize.Reference) (kb.Record, error) {
	return r.reference(ctx, ref, nil)
}

// reference returns the Feature for ref, reusing gene when ref names it.
func (r *Resolver) reference(ctx context.Context, ref normalize.Reference, gene kb.Record) (kb.Record, error) {
	if gene != nil && sameFeature(ref, gene) {
		return gene, nil
	}
	key := strings.ToLower(ref.SourceID + "|" + ref.Name)
	r.mu.Lock()
	rec, ok := r.features[key]
	r.mu.Unlock()
	if ok {
		return rec, nil
	}

	rec, err := r.lookupFeature(ctx, ref)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.features[key] = rec
	r.mu.Unlock()
	return rec, nil
}

func (r *Resolver) lookupFeature(ctx context.Context, ref normalize.Reference) (kb.Record, error) {
	name := strings.TrimSpace(ref.Name)
	switch {
	case ref.SourceID == "" && reChromosome.MatchString(name):
		return r.chromosome(ctx, name)
	case ref.SourceID != "":
		records, err := r.genes.FetchAndLoadByIDs(ctx, []string{ref.SourceID})
		if err != nil {
			return nil, fmt.Errorf("load gene %s: %w", ref.SourceID, err)
		}
		if len(records) == 0 {
			return nil, fmt.Errorf("%w: gene id %s", ErrUnresolvedReference, ref.SourceID)
		}
		return records[0], nil
	case name == "":
		return nil, fmt.Errorf("%w: empty feature reference", ErrUnresolvedReference)
	}

	records, err := r.genes.FetchAndLoadBySymbol(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load gene %s: %w", name, err)
	}
	switch len(records) {
	case 0:
		return nil, fmt.Errorf("%w: gene %s", ErrUnresolvedReference, name)
	case 1:
		return records[0], nil
	}
	var exact []kb.Record
	for _, rec := range records {
		if strings.EqualFold(rec.String("name"), name) {
			exact = append(exact, rec)
		}
	}
	if len(exact) == 1 {
		return exact[0], nil
	}
	r.logger.Warn("ambiguous gene symbol", zap.String("symbol", name), zap.Int("candidates", len(records)))
	return nil, fmt.Errorf("%w: gene %s matches %d records", kb.ErrNotUnique, name, len(records))
}

func (r *Resolver) chromosome(ctx context.Context, name string) (kb.Record, error) {
	names := []any{
		map[string]any{"sourceId": name},
		map[string]any{"name": name},
	}
	if lower := strings.ToLower(name); lower != name {
		names = append(names, map[string]any{"sourceId": lower}, map[string]any{"name": lower})
	}
	filters := map[string]any{"AND": []any{
		map[string]any{"biotype": "chromosome"},
		map[string]any{"OR": names},
	}}
	rec, err := r.kb.GetUniqueRecordBy(ctx, kb.ClassFeature, filters, kb.OrderPreferredOntologyTerms)
	if errors.Is(err, kb.ErrNotFound) {
		return nil, fmt.Errorf("%w: chromosome %s", ErrUnresolvedReference, name)
	}
	if err != nil {
		return nil, fmt.Errorf("chromosome %s: %w", name, err)
	}
	return rec, nil
}

// LinkInfersChain writes Infers edges between records ordered from most to
// least specific, so each record is inferred from the one before it. Nil
// records are skipped.
func (r *Resolver) LinkInfersChain(ctx context.Context, records ...kb.Record) ([]Edge, error) {
	var chain []kb.Record
	for _, rec := range records {
		if rec != nil {
			chain = append(chain, rec)
		}
	}
	var edges []Edge
	for i := 1; i < len(chain); i++ {
		edges = append(edges, Edge{In: chain[i].RID(), Out: chain[i-1].RID()})
	}
	edges = dedupeEdges(edges)
	if err := r.writeEdges(ctx, edges); err != nil {
		return nil, err
	}
	return edges, nil
}

// writeEdges adds the edges not yet written by this resolver.
func (r *Resolver) writeEdges(ctx context.Context, edges []Edge) error {
	for _, e := range edges {
		r.mu.Lock()
		done := r.edges[e]
		r.mu.Unlock()
		if done {
			continue
		}
		_, err := r.kb.AddRecord(ctx, kb.ClassInfers, map[string]any{"in": e.In, "out": e.Out},
			kb.AddOptions{ExistsOK: true, SkipFetch: true})
		if err != nil {
			return fmt.Errorf("add infers edge %s -> %s: %w", e.In, e.Out, err)
		}
		r.mu.Lock()
		r.edges[e] = true
		r.mu.Unlock()
	}
	return nil
}

// dedupeEdges drops repeated and self-referencing edges, keeping order.
func dedupeEdges(edges []Edge) []Edge {
	seen := make(map[Edge]bool, len(edges))
	out := edges[:0]
	for _, e := range edges {
		if e.In == e.Out || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}

// sameFeature reports whether ref names the gene record.
func sameFeature(ref normalize.Reference, gene kb.Record) bool {
	if ref.SourceID != "" {
		return strings.EqualFold(ref.SourceID, gene.String("sourceId"))
	}
	return normalize.SameGene(ref.Name, gene.String("name")) ||
		strings.EqualFold(ref.Name, gene.String("displayName"))
}

func describe(v *normalize.Variant) string {
	if v.Kind == normalize.Positional {
		return v.Notation
	}
	return v.Type
}
