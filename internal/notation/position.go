package notation

import (
	"strconv"
	"strings"
)

// PositionKind identifies the coordinate system of a Position.
type PositionKind int

const (
	BasicPosition PositionKind = iota
	ProteinPosition
	CdsPosition
	ExonicPosition
	IntronicPosition
	CytobandPosition
)

// className returns the knowledgebase class used for positions of this kind.
func (k PositionKind) className() string {
	switch k {
	case ProteinPosition:
		return "ProteinPosition"
	case CdsPosition:
		return "CdsPosition"
	case ExonicPosition:
		return "ExonicPosition"
	case IntronicPosition:
		return "IntronicPosition"
	case CytobandPosition:
		return "CytobandPosition"
	default:
		return "BasicPosition"
	}
}

// positionKindFor maps a notation prefix to the position kind it uses.
func positionKindFor(prefix byte) PositionKind {
	switch prefix {
	case 'p':
		return ProteinPosition
	case 'c', 'n', 'r':
		return CdsPosition
	case 'e':
		return ExonicPosition
	case 'i':
		return IntronicPosition
	case 'y':
		return CytobandPosition
	default:
		return BasicPosition
	}
}

// Position is a single coordinate within a break.
type Position struct {
	Kind    PositionKind
	Pos     int  // zero with Unknown set for '?'
	Unknown bool // position written as '?'

	// Protein
	RefAA string // one-letter code, '*' or '?'; empty when not given

	// CDS
	Offset int    // intronic offset (+/-)
	Anchor string // "" for coding, "-" for 5' UTR, "*" for 3' UTR

	// Cytoband
	Arm       string
	MajorBand int
	MinorBand int
	HasMinor  bool
}

// Content returns the knowledgebase JSON representation of the position.
func (p *Position) Content() map[string]any {
	out := map[string]any{"@class": p.Kind.className()}
	switch p.Kind {
	case CytobandPosition:
		out["arm"] = p.Arm
		if !p.Unknown {
			out["majorBand"] = p.MajorBand
		}
		if p.HasMinor {
			out["minorBand"] = p.MinorBand
		}
		return out
	case ProteinPosition:
		if p.RefAA != "" {
			out["refAA"] = p.RefAA
		}
	case CdsPosition:
		if p.Offset != 0 {
			out["offset"] = p.Offset
		}
		if p.Anchor == "-" {
			out["pos"] = -p.Pos
		}
	}
	if p.Unknown {
		out["pos"] = nil
	} else if _, ok := out["pos"]; !ok {
		out["pos"] = p.Pos
	}
	return out
}

// String formats the position the way it is written in notation.
func (p *Position) String() string {
	var b strings.Builder
	switch p.Kind {
	case CytobandPosition:
		b.WriteString(p.Arm)
		if p.Unknown {
			b.WriteByte('?')
			return b.String()
		}
		b.WriteString(strconv.Itoa(p.MajorBand))
		if p.HasMinor {
			b.WriteByte('.')
			b.WriteString(strconv.Itoa(p.MinorBand))
		}
		return b.String()
	case ProteinPosition:
		b.WriteString(p.RefAA)
	case CdsPosition:
		b.WriteString(p.Anchor)
	}
	if p.Unknown {
		b.WriteByte('?')
	} else {
		b.WriteString(strconv.Itoa(p.Pos))
	}
	if p.Kind == CdsPosition && p.Offset != 0 {
		if p.Offset > 0 {
			b.WriteByte('+')
		}
		b.WriteString(strconv.Itoa(p.Offset))
	}
	return b.String()
}
