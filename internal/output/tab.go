// Package output writes normalization previews.
package output

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/bcgsc/pori/internal/normalize"
)

// Writer writes one line group per source variant.
type Writer interface {
	WriteHeader() error
	Write(raw normalize.RawVariant, variants []*normalize.Variant, err error) error
	Flush() error
}

// TabWriter writes normalized variants in tab-delimited format, one row per
// top-level variant.
type TabWriter struct {
	w       *bufio.Writer
	columns []string
}

// NewTabWriter creates a new tab-delimited writer.
func NewTabWriter(w io.Writer) *TabWriter {
	return &TabWriter{
		w: bufio.NewWriter(w),
		columns: []string{
			"#Gene",
			"Entrez_ID",
			"Input",
			"Kind",
			"Reference1",
			"Reference2",
			"Variant",
			"Flipped",
			"Inferred_By",
			"Infers",
			"Error",
		},
	}
}

// WriteHeader writes the header line.
func (tw *TabWriter) WriteHeader() error {
	_, err := tw.w.WriteString(strings.Join(tw.columns, "\t") + "\n")
	return err
}

// Write writes the rows for one source variant. A failed variant is written
// as a single row carrying the error.
func (tw *TabWriter) Write(raw normalize.RawVariant, variants []*normalize.Variant, err error) error {
	prefix := []string{dash(raw.GeneSymbol), dash(raw.EntrezID), dash(raw.Text)}
	if err != nil {
		return tw.writeRow(append(prefix, "-", "-", "-", "-", "-", "-", "-", err.Error()))
	}
	for _, v := range variants {
		ref2 := "-"
		if v.Reference2 != nil {
			ref2 = formatReference(*v.Reference2)
		}
		flipped := "-"
		if v.Flipped {
			flipped = "YES"
		}
		row := append(append([]string{}, prefix...),
			v.Kind.String(),
			formatReference(v.Reference1),
			ref2,
			describe(v),
			flipped,
			formatLinked(v.Linked(normalize.InferredBy)),
			formatLinked(v.Linked(normalize.Infers)),
			"-",
		)
		if err := tw.writeRow(row); err != nil {
			return err
		}
	}
	return nil
}

func (tw *TabWriter) writeRow(values []string) error {
	_, err := tw.w.WriteString(strings.Join(values, "\t") + "\n")
	return err
}

// Flush flushes any buffered data.
func (tw *TabWriter) Flush() error {
	return tw.w.Flush()
}

func dash(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	// tabs and newlines would break the row
	return strings.NewReplacer("\t", " ", "\n", " ", "\r", "").Replace(s)
}

func formatReference(r normalize.Reference) string {
	if r.SourceID != "" {
		return fmt.Sprintf("%s(%s)", r.Name, r.SourceID)
	}
	return dash(r.Name)
}

func describe(v *normalize.Variant) string {
	if v.Kind == normalize.Positional {
		return dash(v.Notation)
	}
	return dash(v.Type)
}

// formatLinked joins linked variants with commas, nesting their own links
// in brackets.
func formatLinked(vs []*normalize.Variant) string {
	if len(vs) == 0 {
		return "-"
	}
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = describe(v)
		if len(v.Links) > 0 {
			var nested []string
			for _, l := range v.Links {
				nested = append(nested, l.Relation.String()+":"+describe(l.Variant))
			}
			parts[i] += "[" + strings.Join(nested, ",") + "]"
		}
	}
	return strings.Join(parts, ",")
}

// JSONWriter writes one JSON object per source variant.
type JSONWriter struct {
	w   *bufio.Writer
	enc *json.Encoder
}

type jsonLine struct {
	Gene     string               `json:"gene,omitempty"`
	EntrezID string               `json:"entrezId,omitempty"`
	Input    string               `json:"input"`
	Variants []*normalize.Variant `json:"variants,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// NewJSONWriter creates a JSON lines writer.
func NewJSONWriter(w io.Writer) *JSONWriter {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	return &JSONWriter{w: bw, enc: enc}
}

// WriteHeader is a no-op; JSON lines have no header.
func (jw *JSONWriter) WriteHeader() error { return nil }

// Write writes the line for one source variant.
func (jw *JSONWriter) Write(raw normalize.RawVariant, variants []*normalize.Variant, err error) error {
	line := jsonLine{Gene: raw.GeneSymbol, EntrezID: raw.EntrezID, Input: raw.Text, Variants: variants}
	if err != nil {
		line.Error = err.Error()
		line.Variants = nil
	}
	return jw.enc.Encode(line)
}

// Flush flushes any buffered data.
func (jw *JSONWriter) Flush() error {
	return jw.w.Flush()
}

// NewWriter returns the writer for format "tab" or "json".
func NewWriter(format string, w io.Writer) (Writer, error) {
	switch strings.ToLower(format) {
	case "", "tab", "tsv":
		return NewTabWriter(w), nil
	case "json", "jsonl":
		return NewJSONWriter(w), nil
	}
	return nil, fmt.Errorf("unknown output format %q (use tab or json)", format)
}
