package scanner

import (
	"regexp"
	"strings"

	"github.com/coregx/coregex"
)

// Prefilter is the cheap multi-keyword scan used to skip the expensive
// regex pass when no candidate keyword is present in any source. It
// compiles the configured keyword set into one alternation pattern; for
// keyword sets above coregex's literal-count thresholds this causes the
// underlying engine to select its Aho-Corasick strategy automatically, so
// a prefilter hit check against dozens of keywords costs one linear pass
// over the haystack rather than one pass per keyword.
type Prefilter struct {
	re *coregex.Regex
}

var metaChars = regexp.MustCompile(`[.*+?^${}()|[\]\\]`)

func escapeLiteral(s string) string {
	return metaChars.ReplaceAllString(s, `\$0`)
}

// NewPrefilter compiles keywords into a case-insensitive-by-lowering
// alternation. An empty keyword set produces a Prefilter that never hits,
// equivalent to having prefilter disabled.
func NewPrefilter(keywords []string) (*Prefilter, error) {
	if len(keywords) == 0 {
		return &Prefilter{}, nil
	}
	escaped := make([]string, len(keywords))
	for i, k := range keywords {
		escaped[i] = escapeLiteral(strings.ToLower(k))
	}
	re, err := coregex.Compile(strings.Join(escaped, "|"))
	if err != nil {
		return nil, err
	}
	return &Prefilter{re: re}, nil
}

// Hit reports whether any configured keyword appears in text.
func (p *Prefilter) Hit(text string) bool {
	if p.re == nil {
		return false
	}
	return p.re.MatchString(strings.ToLower(text))
}
