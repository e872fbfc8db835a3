package kb

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	reInhibitor   = regexp.MustCompile(`\binhibitor\b`)
	reInhibitors  = regexp.MustCompile(`\binhibitors\b`)
	reCombination = regexp.MustCompile(`\s*\+\s*`)
)

// GetTherapy returns the therapy named or identified by term, optionally
// owned by the source rid. "inhibitor" and "inhibitors" are tried as
// synonyms when the exact term is missing.
func GetTherapy(ctx context.Context, c Client, term, source string) (Record, error) {
	rec, err := getTherapy(ctx, c, term, source)
	if err == nil {
		return rec, nil
	}
	var alternate string
	switch {
	case reInhibitor.MatchString(term):
		alternate = reInhibitor.ReplaceAllString(term, "inhibitors")
	case reInhibitors.MatchString(term):
		alternate = reInhibitors.ReplaceAllString(term, "inhibitor")
	}
	if alternate != "" {
		if rec, altErr := getTherapy(ctx, c, alternate, source); altErr == nil {
			return rec, nil
		}
	}
	return nil, err
}

func getTherapy(ctx context.Context, c Client, term, source string) (Record, error) {
	filters := map[string]any{"OR": []any{
		map[string]any{"sourceId": term},
		map[string]any{"name": term},
	}}
	if source != "" {
		filters = map[string]any{"AND": []any{map[string]any{"source": source}, filters}}
	}
	return c.GetUniqueRecordBy(ctx, ClassTherapy, filters, OrderPreferredOntologyTerms)
}

// AddTherapyCombination returns the therapy named name, or when name joins
// several therapies with "+", a combination record built from them. With
// matchSource the components must belong to source.
func AddTherapyCombination(ctx context.Context, c Client, source Record, name string, matchSource bool) (Record, error) {
	scope := ""
	if matchSource {
		scope = source.RID()
	}
	rec, err := GetTherapy(ctx, c, name, scope)
	if err == nil || !strings.Contains(name, "+") {
		return rec, err
	}

	var elements []Record
	for _, part := range reCombination.Split(name, -1) {
		rec, err := GetTherapy(ctx, c, part, scope)
		if err != nil {
			return nil, fmt.Errorf("therapy combination %q element %q: %w", name, part, err)
		}
		elements = append(elements, rec)
	}
	return AddCombination(ctx, c, source, elements, "")
}

// AddCombination creates the combination therapy of elements, linking each
// element to it with an ElementOf edge.
func AddCombination(ctx context.Context, c Client, source Record, elements []Record, combinationType string) (Record, error) {
	ids := make([]string, len(elements))
	names := make([]string, len(elements))
	for i, e := range elements {
		ids[i] = e.String("sourceId")
		names[i] = e.String("name")
	}
	sort.Strings(ids)
	sort.Strings(names)
	content := map[string]any{
		"name":     strings.Join(names, " + "),
		"sourceId": strings.Join(ids, " + "),
		"source":   source.RID(),
	}
	if combinationType != "" {
		content["combinationType"] = combinationType
	}
	combined, err := c.AddRecord(ctx, ClassTherapy, content, AddOptions{ExistsOK: true})
	if err != nil {
		return nil, fmt.Errorf("add therapy combination %s: %w", content["name"], err)
	}
	for _, e := range elements {
		_, err := c.AddRecord(ctx, ClassElementOf, map[string]any{
			"in":     combined.RID(),
			"out":    e.RID(),
			"source": source.RID(),
		}, AddOptions{ExistsOK: true, SkipFetch: true})
		if err != nil {
			return nil, fmt.Errorf("link therapy %s to %s: %w", e.RID(), combined.RID(), err)
		}
	}
	return combined, nil
}
