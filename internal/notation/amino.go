package notation

import (
	"regexp"
	"strings"
)

// aminoAcidThreeToSingle converts lower-case three letter amino acid codes
// to their one letter form.
var aminoAcidThreeToSingle = map[string]string{
	"ala": "a", "arg": "r", "asn": "n", "asp": "d",
	"cys": "c", "gln": "q", "glu": "e", "gly": "g",
	"his": "h", "ile": "i", "leu": "l", "lys": "k",
	"met": "m", "phe": "f", "pro": "p", "ser": "s",
	"thr": "t", "trp": "w", "tyr": "y", "val": "v",
	"ter": "*", "xaa": "x",
}

var (
	reThreeLetter      = regexp.MustCompile(`ala|arg|asn|asp|cys|gln|glu|gly|his|ile|leu|lys|met|phe|pro|ser|thr|trp|tyr|val|ter|xaa`)
	reThreeLetterStart = regexp.MustCompile(`^\(?(?:ala|arg|asn|asp|cys|gln|glu|gly|his|ile|leu|lys|met|phe|pro|ser|thr|trp|tyr|val|ter|xaa)\d`)
)

// shortenAminoAcids rewrites a lower-case protein change written with three
// letter codes (val600glu) into one letter codes (v600e). Bodies that do not
// start with a three letter reference residue are returned unchanged.
func shortenAminoAcids(body string) string {
	if !reThreeLetterStart.MatchString(body) {
		return body
	}
	return reThreeLetter.ReplaceAllStringFunc(body, func(code string) string {
		return aminoAcidThreeToSingle[strings.ToLower(code)]
	})
}
