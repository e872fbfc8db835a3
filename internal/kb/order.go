package kb

import "sort"

// Comparator orders records, returning a negative number when a should come
// first. Zero means the two cannot be told apart.
type Comparator func(a, b Record) int

// NoOrder treats all records as equivalent.
func NoOrder(Record, Record) int { return 0 }

// SortRecords sorts records in place by cmp, keeping equal records stable.
func SortRecords(records []Record, cmp Comparator) {
	if cmp == nil {
		return
	}
	sort.SliceStable(records, func(i, j int) bool { return cmp(records[i], records[j]) < 0 })
}

// OrderPreferredOntologyTerms puts the preferred of two ontology terms
// first: current over deprecated, independent over alias or dependent, the
// generic term over a versioned one, newer versions, described terms, and
// finally higher ranked sources.
func OrderPreferredOntologyTerms(a, b Record) int {
	if a.Bool("deprecated") != b.Bool("deprecated") {
		if a.Bool("deprecated") {
			return 1
		}
		return -1
	}
	if aIndep, bIndep := isFalse(a["alias"]), isFalse(b["alias"]); aIndep != bIndep {
		if aIndep {
			return -1
		}
		return 1
	}
	if aDep, bDep := a["dependency"] != nil, b["dependency"] != nil; aDep != bDep {
		if !aDep {
			return -1
		}
		return 1
	}

	aSource, bSource := a.Link("source"), b.Link("source")
	if a.String("sourceId") == b.String("sourceId") && RID(a["source"]) == RID(b["source"]) {
		aVersion, bVersion := a["sourceIdVersion"], b["sourceIdVersion"]
		if aVersion == nil && bVersion != nil {
			return -1
		}
		if bVersion == nil && aVersion != nil {
			return 1
		}
		if c := compareValues(bVersion, aVersion); c != 0 {
			return c
		}
		if aSource != nil && bSource != nil {
			if c := compareValues(bSource["version"], aSource["version"]); c != 0 {
				return c
			}
		}
		if c := preferDescribed(a, b); c != 0 {
			return c
		}
	}
	if aSource != nil && bSource != nil {
		if c := compareValues(aSource["sort"], bSource["sort"]); c != 0 {
			return c
		}
		if c := compareValues(bSource["version"], aSource["version"]); c != 0 {
			return c
		}
		return preferDescribed(a, b)
	}
	return 0
}

func preferDescribed(a, b Record) int {
	aDesc, bDesc := a.String("description") != "", b.String("description") != ""
	switch {
	case aDesc && !bDesc:
		return -1
	case bDesc && !aDesc:
		return 1
	}
	return 0
}

func isFalse(v any) bool {
	b, ok := v.(bool)
	return ok && !b
}

// compareValues orders two numbers or two strings; any other pairing,
// including missing values, compares equal.
func compareValues(a, b any) int {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
		return 0
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if !aok || !bok {
		return 0
	}
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}
