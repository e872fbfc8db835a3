// Package normalize maps free-text variant descriptions from curated sources
// onto positional notation or categorical variant types.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind distinguishes positional from categorical variants.
type Kind int

const (
	Categorical Kind = iota
	Positional
)

func (k Kind) String() string {
	if k == Positional {
		return "positional"
	}
	return "categorical"
}

// Reference is a gene or feature a variant is anchored on. SourceID is empty
// when only the symbol is known and must be looked up.
type Reference struct {
	Name     string `json:"name"`
	SourceID string `json:"sourceId,omitempty"`
}

// Resolved reports whether the reference already carries an identifier.
func (r Reference) Resolved() bool { return r.SourceID != "" }

// Relation is the direction of a link between two variants.
type Relation int

const (
	// InferredBy links a variant to the more specific variant it was derived from.
	InferredBy Relation = iota
	// Infers links a variant to a less specific variant it implies.
	Infers
)

func (r Relation) String() string {
	if r == Infers {
		return "infers"
	}
	return "inferredBy"
}

// Link is a directed relation from the owning variant to another.
type Link struct {
	Relation Relation
	Variant  *Variant
}

// RawVariant is a variant description as found in a source record.
type RawVariant struct {
	Text       string
	GeneSymbol string
	EntrezID   string
}

// Variant is a normalized variant. Positional variants carry Notation in the
// grammar accepted by the notation package; categorical variants carry Type.
type Variant struct {
	Kind       Kind
	Reference1 Reference
	Reference2 *Reference
	Notation   string
	Type       string
	Flipped    bool
	Links      []Link
}

// Linked returns the variants related to v by rel, in order.
func (v *Variant) Linked(rel Relation) []*Variant {
	var out []*Variant
	for _, l := range v.Links {
		if l.Relation == rel {
			out = append(out, l.Variant)
		}
	}
	return out
}

// Validate checks the kind/content invariant for v and every linked variant.
func (v *Variant) Validate() error {
	switch v.Kind {
	case Positional:
		if v.Notation == "" {
			return errors.New("positional variant without notation")
		}
	case Categorical:
		if v.Type == "" {
			return errors.New("categorical variant without type")
		}
	default:
		return fmt.Errorf("unknown variant kind %d", v.Kind)
	}
	for _, l := range v.Links {
		if err := l.Variant.Validate(); err != nil {
			return fmt.Errorf("%s: %w", l.Relation, err)
		}
	}
	return nil
}

type variantJSON struct {
	Positional bool       `json:"positional,omitempty"`
	Reference1 Reference  `json:"reference1"`
	Reference2 *Reference `json:"reference2,omitempty"`
	Variant    string     `json:"variant,omitempty"`
	Type       string     `json:"type,omitempty"`
	Flipped    bool       `json:"flipped,omitempty"`
	InferredBy []*Variant `json:"inferredBy,omitempty"`
	Infers     []*Variant `json:"infers,omitempty"`
}

// MarshalJSON writes v in the loader's preview format.
func (v *Variant) MarshalJSON() ([]byte, error) {
	return json.Marshal(variantJSON{
		Positional: v.Kind == Positional,
		Reference1: v.Reference1,
		Reference2: v.Reference2,
		Variant:    v.Notation,
		Type:       v.Type,
		Flipped:    v.Flipped,
		InferredBy: v.Linked(InferredBy),
		Infers:     v.Linked(Infers),
	})
}
