package normalize

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/bcgsc/pori/internal/notation"
)

var (
	// ErrAmbiguousNotation is returned for descriptions listing alternatives
	// with " / ", which cannot be expressed as a single variant.
	ErrAmbiguousNotation = errors.New("ambiguous notation")
	// ErrReferenceMismatch is returned when neither fusion partner matches
	// the gene the record is linked to.
	ErrReferenceMismatch = errors.New("reference mismatch")
	// ErrEmptyVariant is returned for blank descriptions, which name no
	// variant to fall back on.
	ErrEmptyVariant = errors.New("empty variant")
)

const joiner = " and "

// ParseFunc parses notation, failing with an error matching
// notation.ErrNotParseable when the text is not valid notation.
type ParseFunc func(text string, requireComplete bool) (*notation.Variant, error)

// Normalizer converts raw variant descriptions into normalized variants.
// It holds no per-call state and is safe for concurrent use.
type Normalizer struct {
	substitutions map[string]string
	parse         ParseFunc
	rules         []rule
	logger        *zap.Logger
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithSubstitutions replaces the table of whole-text corrections applied
// before any other rule. Keys match the raw text exactly.
func WithSubstitutions(subs map[string]string) Option {
	return func(n *Normalizer) { n.substitutions = subs }
}

// WithParser sets the notation parser used by the fallback rules and to
// check the protein half of combined protein and cds notation.
func WithParser(parse ParseFunc) Option {
	return func(n *Normalizer) { n.parse = parse }
}

// New creates a Normalizer using DefaultSubstitutions and notation.TryParse.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		substitutions: DefaultSubstitutions,
		parse:         notation.TryParse,
		rules:         defaultRules,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// SetLogger sets the logger for rule tracing.
func (n *Normalizer) SetLogger(l *zap.Logger) {
	n.logger = l
}

// Normalize converts raw into one or more variants anchored on raw's gene.
// It fails with ErrAmbiguousNotation or ErrReferenceMismatch, and with
// ErrEmptyVariant for blank text; text that matches no rule becomes a
// categorical variant named by the text itself.
func (n *Normalizer) Normalize(raw RawVariant) ([]*Variant, error) {
	gene := Reference{
		Name:     strings.ToLower(strings.TrimSpace(raw.GeneSymbol)),
		SourceID: strings.TrimSpace(raw.EntrezID),
	}
	out, err := n.normalize(gene, raw.Text)
	if err != nil {
		return nil, fmt.Errorf("normalize %q: %w", raw.Text, err)
	}
	return out, nil
}

func (n *Normalizer) normalize(gene Reference, text string) ([]*Variant, error) {
	if sub, ok := n.substitutions[text]; ok {
		text = sub
	}
	name := canonicalize(text)
	if name == "" {
		return nil, ErrEmptyVariant
	}

	if strings.Contains(name, " / ") {
		return nil, fmt.Errorf("%w: / lists alternatives (%s)", ErrAmbiguousNotation, name)
	}
	if strings.Contains(name, joiner) {
		var out []*Variant
		for _, part := range strings.Split(name, joiner) {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			vs, err := n.normalize(gene, part)
			if err != nil {
				return nil, err
			}
			out = append(out, vs...)
		}
		return out, nil
	}

	in := input{text: name, gene: gene}
	for _, r := range n.rules {
		out, ok, err := r.apply(n, in)
		if err != nil {
			return nil, err
		}
		if ok {
			n.logger.Debug("normalized variant",
				zap.String("text", name),
				zap.String("rule", r.name),
				zap.Int("variants", len(out)))
			return out, nil
		}
	}
	return []*Variant{categorical(gene, name)}, nil
}

// canonicalize folds the " + " and "; " joiners into " and ", then lower-cases.
func canonicalize(text string) string {
	text = strings.ReplaceAll(text, " + ", joiner)
	text = strings.ReplaceAll(text, "; ", joiner)
	return strings.TrimSpace(strings.ToLower(text))
}

// SameGene compares gene symbols case-insensitively, treating ABL and ABL1
// as the same gene.
func SameGene(a, b string) bool {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return true
	}
	abl := func(s string) bool { return s == "abl" || s == "abl1" }
	return abl(a) && abl(b)
}

func positional(gene Reference, text string) *Variant {
	return &Variant{Kind: Positional, Reference1: gene, Notation: text}
}

func categorical(gene Reference, typeName string) *Variant {
	return &Variant{Kind: Categorical, Reference1: gene, Type: typeName}
}
