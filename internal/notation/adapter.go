package notation

import (
	"errors"
	"regexp"
)

// reUnknownTruncation matches a frameshift with an unknown stop, "fs*?".
var reUnknownTruncation = regexp.MustCompile(`(?i)fs\*\?$`)

// TryParse attempts to parse text. When requireComplete is set the text must
// be a complete notation naming its features; otherwise uncertain forms are
// relaxed first (an unknown frameshift truncation "fs*?" becomes "fs").
// Failures always match ErrNotParseable.
func TryParse(text string, requireComplete bool) (*Variant, error) {
	input := text
	if !requireComplete {
		input = reUnknownTruncation.ReplaceAllString(input, "fs")
	}
	v, err := Parse(input, requireComplete)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.Input = text
		}
		return nil, err
	}
	return v, nil
}

// Parseable reports whether text parses in lenient mode.
func Parseable(text string) bool {
	_, err := TryParse(text, false)
	return err == nil
}
