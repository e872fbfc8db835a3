// Package moa loads Molecular Oncology Almanac assertions as knowledgebase
// statements.
package moa

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"time"
)

var (
	// ErrNoRelevance is returned for assertions without any relevance.
	ErrNoRelevance = errors.New("statement has no relevance")
	// ErrConflictingRelevance is returned for assertions marked as both
	// sensitivity and resistance.
	ErrConflictingRelevance = errors.New("nonsensical entry linked to both sensitivity and resistance")
	// ErrUnsupportedVariant is returned for feature types with no variant form.
	ErrUnsupportedVariant = errors.New("unexpected variant configuration")
	// ErrUnsupportedEvidence is returned for citations that cannot be loaded.
	ErrUnsupportedEvidence = errors.New("unable to process evidence")
	// ErrInvalidAssertion is returned for assertions missing required fields.
	ErrInvalidAssertion = errors.New("invalid assertion")
)

// Text is a JSON scalar read as a string. Null is empty, and numbers and
// booleans keep their literal text.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	switch {
	case bytes.Equal(b, []byte("null")):
		*t = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
	default:
		*t = Text(b)
	}
	return nil
}

// Assertion is a MOA assertion of the /api/assertions endpoint.
type Assertion struct {
	ID                    Text       `json:"assertion_id"`
	Disease               Text       `json:"disease"`
	OncotreeTerm          Text       `json:"oncotree_term"`
	OncotreeCode          Text       `json:"oncotree_code"`
	PredictiveImplication Text       `json:"predictive_implication"`
	TherapyName           Text       `json:"therapy_name"`
	TherapyResistance     *bool      `json:"therapy_resistance"`
	TherapySensitivity    *bool      `json:"therapy_sensitivity"`
	FavorablePrognosis    *bool      `json:"favorable_prognosis"`
	LastUpdated           Text       `json:"last_updated"`
	Sources               []Citation `json:"sources"`
	Features              []Feature  `json:"features"`
}

// Citation is one source of an assertion.
type Citation struct {
	PMID       Text `json:"pmid"`
	NCT        Text `json:"nct"`
	SourceType Text `json:"source_type"`
	SourceID   Text `json:"source_id"`
	Citation   Text `json:"citation"`
	URL        Text `json:"url"`
}

// Feature groups the attributes of one assertion feature.
type Feature struct {
	Attributes []Attribute `json:"attributes"`
}

// Attribute describes one variant. Which fields are set depends on
// FeatureType.
type Attribute struct {
	FeatureType       Text `json:"feature_type"`
	Gene              Text `json:"gene"`
	Gene1             Text `json:"gene1"`
	Gene2             Text `json:"gene2"`
	Chromosome        Text `json:"chromosome"`
	StartPosition     Text `json:"start_position"`
	EndPosition       Text `json:"end_position"`
	ReferenceAllele   Text `json:"reference_allele"`
	AlternateAllele   Text `json:"alternate_allele"`
	CDNAChange        Text `json:"cdna_change"`
	ProteinChange     Text `json:"protein_change"`
	Exon              Text `json:"exon"`
	VariantAnnotation Text `json:"variant_annotation"`
	RearrangementType Text `json:"rearrangement_type"`
	Status            Text `json:"status"`
	Direction         Text `json:"direction"`
	SignatureNumber   Text `json:"cosmic_signature_number"`
	SignatureVersion  Text `json:"cosmic_signature_version"`
	Pathogenic        Text `json:"pathogenic"`
}

// Attributes returns the attributes of every feature in order.
func (a Assertion) Attributes() []Attribute {
	var out []Attribute
	for _, f := range a.Features {
		out = append(out, f.Attributes...)
	}
	return out
}

var lastUpdatedLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/06",
}

// Updated returns the assertion's last update time.
func (a Assertion) Updated() (time.Time, error) {
	for _, layout := range lastUpdatedLayouts {
		if t, err := time.Parse(layout, string(a.LastUpdated)); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: last_updated %q", ErrInvalidAssertion, a.LastUpdated)
}

// Validate checks the fields every assertion must carry.
func (a Assertion) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: missing assertion_id", ErrInvalidAssertion)
	}
	if a.PredictiveImplication == "" {
		return fmt.Errorf("%w: %s: missing predictive_implication", ErrInvalidAssertion, a.ID)
	}
	if _, err := a.Updated(); err != nil {
		return fmt.Errorf("%s: %w", a.ID, err)
	}
	for i, attr := range a.Attributes() {
		if attr.FeatureType == "" {
			return fmt.Errorf("%w: %s: attribute %d has no feature_type", ErrInvalidAssertion, a.ID, i)
		}
	}
	return nil
}

// FixStringNulls replaces "None" values of a decoded JSON document with
// null. Gene symbols are left as they are.
func FixStringNulls(v any) any {
	switch x := v.(type) {
	case string:
		if x == "None" {
			return nil
		}
		return x
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = FixStringNulls(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			switch k {
			case "gene", "gene1", "gene2":
				out[k] = e
			default:
				out[k] = FixStringNulls(e)
			}
		}
		return out
	}
	return v
}

// DecodeAssertions reads a JSON list of assertions.
func DecodeAssertions(r io.Reader) ([]Assertion, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode assertions: %w", err)
	}
	data, err := json.Marshal(FixStringNulls(raw))
	if err != nil {
		return nil, fmt.Errorf("encode assertions: %w", err)
	}
	var out []Assertion
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode assertions: %w", err)
	}
	return out, nil
}

// ParseRelevance returns the relevance terms an assertion supports.
func ParseRelevance(a Assertion) ([]string, error) {
	if isTrue(a.TherapyResistance) && isTrue(a.TherapySensitivity) {
		return nil, ErrConflictingRelevance
	}
	var out []string
	if a.TherapyName != "" {
		switch {
		case isTrue(a.TherapyResistance):
			out = append(out, "resistance")
		case isTrue(a.TherapySensitivity):
			out = append(out, "sensitivity")
		case a.TherapySensitivity != nil:
			out = append(out, "no sensitivity")
		}
	}
	if a.FavorablePrognosis != nil {
		if *a.FavorablePrognosis {
			out = append(out, "favourable prognosis")
		} else {
			out = append(out, "unfavourable prognosis")
		}
	}
	attrs := a.Attributes()
	pathogenic := len(attrs) > 0
	for _, attr := range attrs {
		if attr.Pathogenic != "1.0" {
			pathogenic = false
		}
	}
	if pathogenic {
		out = append(out, "pathogenic")
	}
	if len(out) == 0 {
		return nil, ErrNoRelevance
	}
	return out, nil
}

func isTrue(b *bool) bool { return b != nil && *b }

var reLeadingInt = regexp.MustCompile(`^\s*[+-]?\d+`)

// leadingInt reads the integer prefix of s, so "12.0" is 12.
func leadingInt(s Text) (int, error) {
	m := reLeadingInt.FindString(string(s))
	if m == "" {
		return 0, fmt.Errorf("not an integer: %q", s)
	}
	return strconv.Atoi(m)
}

// ComposeGenomicHGVS builds the genomic notation of a small mutation from
// its coordinates and alleles. "-" marks an empty allele.
func ComposeGenomicHGVS(attr Attribute) (string, error) {
	start, err := leadingInt(attr.StartPosition)
	if err != nil {
		return "", fmt.Errorf("start_position: %w", err)
	}
	end, err := leadingInt(attr.EndPosition)
	if err != nil {
		return "", fmt.Errorf("end_position: %w", err)
	}
	ref, alt := string(attr.ReferenceAllele), string(attr.AlternateAllele)

	switch {
	case ref == "-":
		return fmt.Sprintf("g.%d_%dins%s", start, end, alt), nil
	case alt == "-":
		if start == end {
			return fmt.Sprintf("g.%ddel%s", start, ref), nil
		}
		return fmt.Sprintf("g.%d_%ddel%s", start, end, ref), nil
	case len(ref) > 1 || len(alt) > 1:
		// older exports give the start of an equal length indel twice
		if start == end && len(alt) == len(ref) {
			end += len(alt) - 1
		}
		return fmt.Sprintf("g.%d_%ddel%sins%s", start, end, ref, alt), nil
	}
	return fmt.Sprintf("g.%d%s>%s", start, ref, alt), nil
}

// hasGenomic reports whether attr carries the coordinates of a genomic
// variant.
func (attr Attribute) hasGenomic() bool {
	return attr.ReferenceAllele != "" && attr.AlternateAllele != "" &&
		attr.StartPosition != "" && attr.EndPosition != "" && attr.Chromosome != ""
}

// geneSymbol returns the attribute's primary gene.
func (attr Attribute) geneSymbol() string {
	if attr.Gene != "" {
		return string(attr.Gene)
	}
	return string(attr.Gene1)
}
