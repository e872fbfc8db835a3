package notation

import (
	"strconv"
	"strings"
)

// Variant types produced by the grammar.
const (
	TypeSubstitution          = "substitution"
	TypeMissense              = "missense mutation"
	TypeNonsense              = "nonsense mutation"
	TypeFrameshift            = "frameshift"
	TypeDeletion              = "deletion"
	TypeInsertion             = "insertion"
	TypeIndel                 = "indel"
	TypeDuplication           = "duplication"
	TypeInversion             = "inversion"
	TypeExtension             = "extension"
	TypeMutation              = "mutation"
	TypePhosphorylation       = "phosphorylation"
	TypeSpliceSite            = "splice-site"
	TypeFusion                = "fusion"
	TypeTranslocation         = "translocation"
	TypeInvertedTranslocation = "inverted translocation"
	TypeNoChange              = "no change"
	TypeUnknown               = "unknown"
)

// multiFeatureKeyword maps multi-feature types back to the keyword used to
// write them.
var multiFeatureKeyword = map[string]string{
	TypeFusion:                "fusion",
	TypeTranslocation:         "translocation",
	TypeInversion:             "inversion",
	TypeInvertedTranslocation: "itrans",
}

// Variant is a parsed positional variant.
type Variant struct {
	Reference1 string
	Reference2 string
	Prefix     byte // one of g c p n r e i y

	Break1Start *Position
	Break1End   *Position // set for uncertain breaks written (a_b)
	Break2Start *Position
	Break2End   *Position

	RefSeq             string
	UntemplatedSeq     string
	UntemplatedSeqSize int
	Truncation         *int

	Type         string
	MultiFeature bool
}

// Content returns the knowledgebase JSON form of the variant. Fields that
// are not set are omitted.
func (v *Variant) Content() map[string]any {
	out := map[string]any{"type": v.Type}
	if v.Reference1 != "" {
		out["reference1"] = v.Reference1
	}
	if v.Reference2 != "" {
		out["reference2"] = v.Reference2
	}
	if v.Break1Start != nil {
		out["break1Start"] = v.Break1Start.Content()
		out["break1Repr"] = v.Break1Repr()
	}
	if v.Break1End != nil {
		out["break1End"] = v.Break1End.Content()
	}
	if v.Break2Start != nil {
		out["break2Start"] = v.Break2Start.Content()
		out["break2Repr"] = v.Break2Repr()
	}
	if v.Break2End != nil {
		out["break2End"] = v.Break2End.Content()
	}
	if v.RefSeq != "" {
		out["refSeq"] = v.RefSeq
	}
	if v.UntemplatedSeq != "" {
		out["untemplatedSeq"] = v.UntemplatedSeq
	}
	if v.UntemplatedSeqSize > 0 {
		out["untemplatedSeqSize"] = v.UntemplatedSeqSize
	}
	if v.Truncation != nil {
		out["truncation"] = *v.Truncation
	}
	return out
}

// Break1Repr returns the first break with its prefix, e.g. "p.V600".
func (v *Variant) Break1Repr() string {
	return string(v.Prefix) + "." + formatBreak(v.Break1Start, v.Break1End)
}

// Break2Repr returns the second break with its prefix, or "" if absent.
func (v *Variant) Break2Repr() string {
	if v.Break2Start == nil {
		return ""
	}
	prefix := v.Prefix
	if v.MultiFeature && v.Break2Start.Kind != v.Break1Start.Kind {
		prefix = prefixFor(v.Break2Start.Kind)
	}
	return string(prefix) + "." + formatBreak(v.Break2Start, v.Break2End)
}

// String returns the canonical notation for the variant.
func (v *Variant) String() string {
	var b strings.Builder
	switch {
	case v.Reference2 != "":
		b.WriteString("(" + v.Reference1 + "," + v.Reference2 + "):")
	case v.Reference1 != "":
		b.WriteString(v.Reference1 + ":")
	}
	if v.MultiFeature {
		b.WriteString(multiFeatureKeyword[v.Type])
		b.WriteString("(" + v.Break1Repr() + "," + v.Break2Repr() + ")")
		return b.String()
	}
	b.WriteByte(v.Prefix)
	b.WriteByte('.')
	b.WriteString(formatBreak(v.Break1Start, v.Break1End))
	if v.Break2Start != nil {
		b.WriteByte('_')
		b.WriteString(formatBreak(v.Break2Start, v.Break2End))
	}
	b.WriteString(v.changeString())
	return b.String()
}

func (v *Variant) changeString() string {
	trunc := ""
	if v.Truncation != nil {
		trunc = "*" + strconv.Itoa(*v.Truncation)
	}
	switch v.Type {
	case TypeSubstitution:
		if v.Prefix == 'p' {
			return v.UntemplatedSeq
		}
		return v.RefSeq + ">" + v.UntemplatedSeq
	case TypeMissense, TypeNonsense:
		return v.UntemplatedSeq
	case TypeNoChange:
		if v.UntemplatedSeq != "" {
			return v.UntemplatedSeq
		}
		return "="
	case TypeFrameshift:
		return v.UntemplatedSeq + "fs" + trunc
	case TypeExtension:
		return v.UntemplatedSeq + "ext" + trunc
	case TypeDeletion:
		return "del" + v.RefSeq
	case TypeIndel:
		if v.RefSeq == "" {
			return "delins" + v.insertedString()
		}
		return "del" + v.RefSeq + "ins" + v.insertedString()
	case TypeInsertion:
		return "ins" + v.insertedString()
	case TypeDuplication:
		return "dup" + v.RefSeq
	case TypeInversion:
		return "inv" + v.RefSeq
	case TypeMutation:
		return "mut"
	case TypePhosphorylation:
		return "phos"
	case TypeSpliceSite:
		return "spl"
	default:
		return "?"
	}
}

func (v *Variant) insertedString() string {
	if v.UntemplatedSeq == "" && v.UntemplatedSeqSize > 0 {
		return strconv.Itoa(v.UntemplatedSeqSize)
	}
	return v.UntemplatedSeq
}

func formatBreak(start, end *Position) string {
	if start == nil {
		return ""
	}
	if end == nil {
		return start.String()
	}
	return "(" + start.String() + "_" + end.String() + ")"
}

func prefixFor(kind PositionKind) byte {
	switch kind {
	case ProteinPosition:
		return 'p'
	case CdsPosition:
		return 'c'
	case ExonicPosition:
		return 'e'
	case IntronicPosition:
		return 'i'
	case CytobandPosition:
		return 'y'
	default:
		return 'g'
	}
}
