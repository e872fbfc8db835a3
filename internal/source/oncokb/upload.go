package oncokb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/bcgsc/pori/internal/load"
)

// Files of an OncoKB download directory.
const (
	AnnotatedVariantsFile = "allAnnotatedVariants.json"
	VariantsFile          = "variants.json"
)

// AnnotatedVariant is an entry of allAnnotatedVariants.json.
type AnnotatedVariant struct {
	Gene         string `json:"gene"`
	EntrezGeneID int    `json:"entrezGeneId"`
	Variant      string `json:"variant"`
}

// VariantDescription is an entry of variants.json, giving the protein
// range behind a named alteration.
type VariantDescription struct {
	Alteration string `json:"alteration"`
	Name       string `json:"name"`
	Gene       struct {
		EntrezGeneID int `json:"entrezGeneId"`
	} `json:"gene"`
}

var reAlterationRange = regexp.MustCompile(`^([A-Z])?(\d+)_([A-Z])?(\d+)(\S+)$`)

func alternateKey(entrezGeneID int, name string) string {
	return strconv.Itoa(entrezGeneID) + ":" + name
}

// AlternateNames maps "entrezGeneId:name" to the positional notation of the
// alteration's protein range. Descriptions whose name is the alteration
// itself have no alternate.
func AlternateNames(descs []VariantDescription) (map[string]Alternate, []error) {
	out := map[string]Alternate{}
	var errs []error
	for _, d := range descs {
		if d.Gene.EntrezGeneID == 0 || d.Alteration == "" || d.Name == "" {
			errs = append(errs, fmt.Errorf("%w: incomplete variant description %q", ErrUnparsedVariant, d.Name))
			continue
		}
		if d.Alteration == d.Name {
			continue
		}
		m := reAlterationRange.FindStringSubmatch(d.Alteration)
		if m == nil {
			errs = append(errs, fmt.Errorf("%w: unexpected variant alteration pattern %q", ErrUnparsedVariant, d.Alteration))
			continue
		}
		start, end := orUnknown(m[1])+m[2], orUnknown(m[3])+m[4]
		typ := strings.Replace(strings.Replace(m[5], "splice", "spl", 1), "mis", "?", 1)
		span := fmt.Sprintf("(%s_%s)", start, end)
		variant := "p." + span + typ
		if typ == "ins" {
			variant = "p." + span + "_" + span + typ
		}
		out[alternateKey(d.Gene.EntrezGeneID, d.Name)] = Alternate{VariantName: variant, EntrezGeneID: d.Gene.EntrezGeneID}
	}
	return out, errs
}

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ReadDir reads the annotated variants of an OncoKB download directory and
// attaches the alternate notations of variants.json when that file exists.
func ReadDir(dir string) ([]Record, error) {
	var annotated []AnnotatedVariant
	if err := readJSON(filepath.Join(dir, AnnotatedVariantsFile), &annotated); err != nil {
		return nil, fmt.Errorf("read oncokb variants: %w", err)
	}
	var descs []VariantDescription
	err := readJSON(filepath.Join(dir, VariantsFile), &descs)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read oncokb variant descriptions: %w", err)
	}
	alternates, _ := AlternateNames(descs)

	seen := map[string]bool{}
	var out []Record
	for _, a := range annotated {
		key := alternateKey(a.EntrezGeneID, a.Variant)
		if seen[key] {
			continue
		}
		seen[key] = true
		rec := Record{Gene: strings.ToLower(strings.TrimSpace(a.Gene)), VariantName: a.Variant, EntrezGeneID: a.EntrezGeneID}
		if alt, ok := alternates[key]; ok {
			rec.Alternate = &alt
		}
		out = append(out, rec)
	}
	return out, nil
}

// Upload processes the variant of every record, counting failures by error
// kind.
func (p *Processor) Upload(ctx context.Context, records []Record) (load.Counts, error) {
	counts := load.NewCounts()
	p.logger.Info("processing oncokb variants", zap.Int("records", len(records)))
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		_, err := p.ProcessVariant(ctx, rec)
		if err != nil {
			p.logger.Error("oncokb variant failed", zap.String("gene", rec.Gene), zap.String("variant", rec.VariantName), zap.Error(err))
		}
		counts.Add(err)
	}
	p.logger.Info("processed oncokb variants", zap.String("counts", load.FormatCounts(counts)))
	return counts, nil
}
