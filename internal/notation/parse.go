package notation

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrNotParseable is matched by every error returned from Parse and TryParse.
var ErrNotParseable = errors.New("not parseable")

// ParseError describes why a notation string was rejected.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse %q: %s", e.Input, e.Reason)
}

// Is reports ErrNotParseable so callers can match with errors.Is.
func (e *ParseError) Is(target error) bool {
	return target == ErrNotParseable
}

const (
	aminoAcids  = `[acdefghiklmnpqrstuvwxy*]`
	nucleotides = `[acgtnu]`
)

var (
	reFeaturePair   = regexp.MustCompile(`^\(\s*([^(),:\s]+)\s*,\s*([^(),:\s]+)\s*\):(.+)$`)
	reFeatureSingle = regexp.MustCompile(`^([^(),:\s]+):(.+)$`)
	reMultiFeature  = regexp.MustCompile(`^(fusion|translocation|trans|inversion|inv|itrans)\(([^,()]+),([^,()]+)\)$`)
	reContinuous    = regexp.MustCompile(`^([gcpneiry])\.(\S+)$`)
	reBareCytoband  = regexp.MustCompile(`^[pq]\d+(\.\d+)?$`)

	reProteinPos  = regexp.MustCompile(`^([a-z*?])?(\d+)`)
	reCdsPos      = regexp.MustCompile(`^([-*])?(\d+)(?:([+-])(\d+))?`)
	reBasicPos    = regexp.MustCompile(`^(\d+)`)
	reCytobandPos = regexp.MustCompile(`^([pq])(\d+)(?:\.(\d+))?`)
)

// changePatterns holds the change-type regexes for one sequence alphabet.
type changePatterns struct {
	substitution *regexp.Regexp
	delins       *regexp.Regexp
	delIns       *regexp.Regexp
	del          *regexp.Regexp
	ins          *regexp.Regexp
	dup          *regexp.Regexp
	inv          *regexp.Regexp
	frameshift   *regexp.Regexp
	extension    *regexp.Regexp
	single       *regexp.Regexp
}

func compileChanges(alphabet string) *changePatterns {
	f := func(pattern string) *regexp.Regexp {
		return regexp.MustCompile(strings.ReplaceAll(pattern, "SEQ", alphabet))
	}
	return &changePatterns{
		substitution: f(`^(SEQ+)>(SEQ+)$`),
		delins:       f(`^delins(SEQ+|\d+)$`),
		delIns:       f(`^del(SEQ*)ins(SEQ+|\d+)$`),
		del:          f(`^del(SEQ*|\d+)$`),
		ins:          f(`^ins(SEQ*|\d+)$`),
		dup:          f(`^dup(SEQ*|\d+)$`),
		inv:          f(`^inv(SEQ*|\d+)$`),
		frameshift:   f(`^(SEQ)?fs(?:\*(\d+))?$`),
		extension:    f(`^(SEQ)?ext(?:\*(\d+))?$`),
		single:       f(`^(SEQ)$`),
	}
}

var (
	proteinChanges    = compileChanges(aminoAcids)
	nucleotideChanges = compileChanges(nucleotides)
)

// keywordTypes are changes with no sequence content.
var keywordTypes = map[string]string{
	"mut":  TypeMutation,
	"phos": TypePhosphorylation,
	"spl":  TypeSpliceSite,
	"fs":   TypeFrameshift,
	"?":    TypeUnknown,
	"=":    TypeNoChange,
}

var multiFeatureTypes = map[string]string{
	"fusion":        TypeFusion,
	"translocation": TypeTranslocation,
	"trans":         TypeTranslocation,
	"inversion":     TypeInversion,
	"inv":           TypeInversion,
	"itrans":        TypeInvertedTranslocation,
}

// Parse parses a variant notation string. In strict mode the notation must
// name its feature(s), e.g. "KRAS:p.G12D"; otherwise features are optional.
// Sequences are returned upper-cased.
func Parse(text string, strict bool) (*Variant, error) {
	input := strings.TrimSpace(text)
	if input == "" {
		return nil, &ParseError{Input: text, Reason: "empty notation"}
	}

	v := &Variant{}
	body := input
	if m := reFeaturePair.FindStringSubmatch(input); m != nil {
		v.Reference1, v.Reference2, body = m[1], m[2], m[3]
	} else if m := reFeatureSingle.FindStringSubmatch(input); m != nil {
		v.Reference1, body = m[1], m[2]
	}
	if strict && v.Reference1 == "" {
		return nil, &ParseError{Input: text, Reason: "missing feature reference"}
	}
	body = strings.ToLower(strings.TrimSpace(body))

	var err error
	if m := reMultiFeature.FindStringSubmatch(body); m != nil {
		err = v.parseMultiFeature(multiFeatureTypes[m[1]], m[2], m[3])
		if err == nil && strict && v.Reference2 == "" {
			err = errors.New("multi-feature notation requires two features")
		}
	} else if m := reContinuous.FindStringSubmatch(body); m != nil {
		v.Prefix = m[1][0]
		rest := m[2]
		if v.Prefix == 'p' {
			rest = shortenAminoAcids(rest)
		}
		err = v.parseContinuous(rest)
	} else {
		err = errors.New("expected a prefixed notation such as p. or c.")
	}
	if err != nil {
		return nil, &ParseError{Input: text, Reason: err.Error()}
	}
	return v, nil
}

func (v *Variant) parseMultiFeature(variantType, first, second string) error {
	v.MultiFeature = true
	v.Type = variantType
	start1, end1, err := parseFeatureBreak(strings.TrimSpace(first))
	if err != nil {
		return fmt.Errorf("first break: %w", err)
	}
	start2, end2, err := parseFeatureBreak(strings.TrimSpace(second))
	if err != nil {
		return fmt.Errorf("second break: %w", err)
	}
	v.Prefix = prefixFor(start1.Kind)
	v.Break1Start, v.Break1End = start1, end1
	v.Break2Start, v.Break2End = start2, end2
	return nil
}

// parseFeatureBreak parses one break of a multi-feature notation: a prefixed
// break such as "e.20" or a bare cytoband such as "q34".
func parseFeatureBreak(s string) (*Position, *Position, error) {
	var kind PositionKind
	switch {
	case reBareCytoband.MatchString(s):
		kind = CytobandPosition
	default:
		m := reContinuous.FindStringSubmatch(s)
		if m == nil {
			return nil, nil, fmt.Errorf("invalid break %q", s)
		}
		kind, s = positionKindFor(m[1][0]), m[2]
	}
	start, end, rest, err := parseBreak(s, kind)
	if err != nil {
		return nil, nil, err
	}
	if rest != "" {
		return nil, nil, fmt.Errorf("unexpected %q after break", rest)
	}
	return start, end, nil
}

func (v *Variant) parseContinuous(body string) error {
	kind := positionKindFor(v.Prefix)
	start, end, rest, err := parseBreak(body, kind)
	if err != nil {
		return err
	}
	v.Break1Start, v.Break1End = start, end
	if strings.HasPrefix(rest, "_") {
		start, end, rest, err = parseBreak(rest[1:], kind)
		if err != nil {
			return fmt.Errorf("second break: %w", err)
		}
		v.Break2Start, v.Break2End = start, end
	}
	if rest == "" {
		return errors.New("missing variant type")
	}
	return v.parseChange(rest)
}

// parseBreak reads a single position or an uncertain range "(a_b)" from the
// front of s and returns what remains.
func parseBreak(s string, kind PositionKind) (*Position, *Position, string, error) {
	if strings.HasPrefix(s, "(") {
		closing := strings.IndexByte(s, ')')
		if closing < 0 {
			return nil, nil, "", errors.New("unclosed uncertain range")
		}
		parts := strings.Split(s[1:closing], "_")
		if len(parts) != 2 {
			return nil, nil, "", fmt.Errorf("uncertain range %q needs two positions", s[:closing+1])
		}
		start, err := parseWholePosition(parts[0], kind)
		if err != nil {
			return nil, nil, "", err
		}
		end, err := parseWholePosition(parts[1], kind)
		if err != nil {
			return nil, nil, "", err
		}
		return start, end, s[closing+1:], nil
	}
	pos, n, err := parsePosition(s, kind)
	if err != nil {
		return nil, nil, "", err
	}
	return pos, nil, s[n:], nil
}

func parseWholePosition(s string, kind PositionKind) (*Position, error) {
	pos, n, err := parsePosition(s, kind)
	if err != nil {
		return nil, err
	}
	if n != len(s) {
		return nil, fmt.Errorf("unexpected %q in position", s[n:])
	}
	return pos, nil
}

// parsePosition reads the longest position of the given kind from the front
// of s and returns the number of bytes consumed.
func parsePosition(s string, kind PositionKind) (*Position, int, error) {
	pos := &Position{Kind: kind}
	switch kind {
	case ProteinPosition:
		if m := reProteinPos.FindStringSubmatch(s); m != nil {
			pos.RefAA = strings.ToUpper(m[1])
			var err error
			if pos.Pos, err = atoi(m[2]); err != nil {
				return nil, 0, err
			}
			return pos, len(m[0]), nil
		}
	case CdsPosition:
		if m := reCdsPos.FindStringSubmatch(s); m != nil {
			pos.Anchor = m[1]
			var err error
			if pos.Pos, err = atoi(m[2]); err != nil {
				return nil, 0, err
			}
			if m[3] != "" {
				if pos.Offset, err = atoi(m[4]); err != nil {
					return nil, 0, err
				}
				if m[3] == "-" {
					pos.Offset = -pos.Offset
				}
			}
			return pos, len(m[0]), nil
		}
	case CytobandPosition:
		if m := reCytobandPos.FindStringSubmatch(s); m != nil {
			pos.Arm = m[1]
			var err error
			if pos.MajorBand, err = atoi(m[2]); err != nil {
				return nil, 0, err
			}
			if m[3] != "" {
				if pos.MinorBand, err = atoi(m[3]); err != nil {
					return nil, 0, err
				}
				pos.HasMinor = true
			}
			return pos, len(m[0]), nil
		}
		if len(s) >= 2 && (s[0] == 'p' || s[0] == 'q') && s[1] == '?' {
			pos.Arm = s[:1]
			pos.Unknown = true
			return pos, 2, nil
		}
		return nil, 0, fmt.Errorf("invalid cytoband in %q", s)
	default:
		if m := reBasicPos.FindStringSubmatch(s); m != nil {
			var err error
			if pos.Pos, err = atoi(m[1]); err != nil {
				return nil, 0, err
			}
			return pos, len(m[0]), nil
		}
	}
	if strings.HasPrefix(s, "?") {
		pos.Unknown = true
		return pos, 1, nil
	}
	return nil, 0, fmt.Errorf("invalid position in %q", s)
}

// atoi converts the digits matched by a pattern, rejecting values that
// overflow int.
func atoi(digits string) (int, error) {
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, fmt.Errorf("number %s out of range", digits)
	}
	return n, nil
}

// parseChange reads the change suffix, e.g. "delcainstt" or "fs*26".
func (v *Variant) parseChange(change string) error {
	if t, ok := keywordTypes[change]; ok {
		v.Type = t
		return nil
	}
	patterns := nucleotideChanges
	if v.Prefix == 'p' {
		patterns = proteinChanges
	}
	ranged := v.Break2Start != nil || v.Break1End != nil

	if v.Prefix != 'p' {
		if m := patterns.substitution.FindStringSubmatch(change); m != nil {
			if !ranged && (len(m[1]) != 1 || len(m[2]) != 1) {
				return errors.New("multi-base substitution requires a range")
			}
			v.Type = TypeSubstitution
			v.RefSeq, v.UntemplatedSeq = strings.ToUpper(m[1]), strings.ToUpper(m[2])
			v.UntemplatedSeqSize = len(m[2])
			return nil
		}
	}
	if m := patterns.delins.FindStringSubmatch(change); m != nil {
		v.Type = TypeIndel
		return v.setInserted(m[1])
	}
	if m := patterns.delIns.FindStringSubmatch(change); m != nil {
		v.Type = TypeIndel
		v.RefSeq = strings.ToUpper(m[1])
		return v.setInserted(m[2])
	}
	if m := patterns.del.FindStringSubmatch(change); m != nil {
		v.Type = TypeDeletion
		return v.setReference(m[1])
	}
	if m := patterns.ins.FindStringSubmatch(change); m != nil {
		if v.Prefix == 'p' && v.Break2Start == nil {
			return errors.New("protein insertion requires the flanking range")
		}
		v.Type = TypeInsertion
		return v.setInserted(m[1])
	}
	if m := patterns.dup.FindStringSubmatch(change); m != nil {
		v.Type = TypeDuplication
		return v.setReference(m[1])
	}
	if v.Prefix != 'p' {
		if m := patterns.inv.FindStringSubmatch(change); m != nil {
			v.Type = TypeInversion
			return v.setReference(m[1])
		}
		return fmt.Errorf("unsupported change %q", change)
	}

	if m := patterns.frameshift.FindStringSubmatch(change); m != nil {
		v.Type = TypeFrameshift
		v.UntemplatedSeq = strings.ToUpper(m[1])
		return v.setTruncation(m[2])
	}
	if m := patterns.extension.FindStringSubmatch(change); m != nil {
		v.Type = TypeExtension
		v.UntemplatedSeq = strings.ToUpper(m[1])
		return v.setTruncation(m[2])
	}
	if m := patterns.single.FindStringSubmatch(change); m != nil {
		if ranged {
			return errors.New("protein substitution cannot span a range")
		}
		alt := strings.ToUpper(m[1])
		v.RefSeq = v.Break1Start.RefAA
		v.UntemplatedSeq = alt
		v.UntemplatedSeqSize = 1
		switch {
		case alt == "*":
			v.Type = TypeNonsense
		case alt == v.RefSeq:
			v.Type = TypeNoChange
		default:
			v.Type = TypeMissense
		}
		return nil
	}
	return fmt.Errorf("unsupported protein change %q", change)
}

func (v *Variant) setInserted(s string) error {
	if isDigits(s) {
		n, err := atoi(s)
		if err != nil {
			return err
		}
		v.UntemplatedSeqSize = n
		return nil
	}
	v.UntemplatedSeq = strings.ToUpper(s)
	v.UntemplatedSeqSize = len(s)
	return nil
}

func (v *Variant) setReference(s string) error {
	if isDigits(s) {
		_, err := atoi(s)
		return err
	}
	v.RefSeq = strings.ToUpper(s)
	return nil
}

func (v *Variant) setTruncation(s string) error {
	if s == "" {
		return nil
	}
	n, err := atoi(s)
	if err != nil {
		return err
	}
	v.Truncation = &n
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
