// Package normalize implements the ten-stage text canonicalization
// pipeline that defeats common prompt-injection obfuscation techniques
// (zero-width insertion, bidi overrides, Unicode tag smuggling, homoglyph
// substitution, whitespace padding) while remaining a pure function of its
// input and configuration.
package normalize

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// ErrOversize is returned when input exceeds the configured maximum.
var ErrOversize = errors.New("normalize: input exceeds maximum size")

const defaultMaxBytes = 1 << 20 // 1 MiB

// Normalizer runs the fixed ten-stage pipeline described in the system's
// component design. It holds no mutable state across calls.
type Normalizer struct {
	maxBytes            int
	whitespaceThreshold int
}

// Option configures a Normalizer at construction time.
type Option func(*Normalizer)

// WithMaxBytes overrides the oversize ceiling (default 1 MiB).
func WithMaxBytes(n int) Option {
	return func(z *Normalizer) { z.maxBytes = n }
}

// WithWhitespaceThreshold overrides the run length above which whitespace
// collapses to a single space (default 3).
func WithWhitespaceThreshold(n int) Option {
	return func(z *Normalizer) { z.whitespaceThreshold = n }
}

// New constructs a Normalizer with the given options applied over defaults.
func New(opts ...Option) *Normalizer {
	z := &Normalizer{maxBytes: defaultMaxBytes, whitespaceThreshold: 3}
	for _, opt := range opts {
		opt(z)
	}
	return z
}

var zeroWidthRunes = map[rune]bool{
	'​': true, '‌': true, '‍': true,
	'⁠': true, 0xFEFF: true, '᠎': true,
}

func isBidiOverride(r rune) bool {
	return (r >= '‪' && r <= '‮') || (r >= '⁦' && r <= '⁩')
}

func isUnicodeTagChar(r rune) bool {
	return r >= 0xE0000 && r <= 0xE007F
}

var base64BlobPattern = regexp.MustCompile(`[A-Za-z0-9+/]{40,}={0,2}`)

var pdfHyphenSpace = regexp.MustCompile(`-\s+`)
var pdfSoftHyphenBreak = regexp.MustCompile("­\n")

// Normalize runs the full pipeline over input, returning the canonical
// NormalizedText or ErrOversize if input is too large.
func (z *Normalizer) Normalize(input string) (*NormalizedText, error) {
	if len(input) > z.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrOversize, len(input), z.maxBytes)
	}

	input = z.sanitizeInvalidEncoding(input)

	diff := map[string]int{}
	flags := map[string]bool{}

	// Stage 1: NFKC compatibility folding.
	folded := norm.NFKC.String(input)
	if folded != input {
		flags[FlagNormalizationChanged] = true
	}

	// Stage 2: BOM + outer whitespace stripping.
	trimmed := strings.TrimPrefix(folded, string(rune(0xFEFF)))
	if trimmed != folded {
		flags[FlagBOMStripped] = true
	}
	trimmed = strings.TrimSpace(trimmed)

	cells := cellsFromString(trimmed)

	// Stage 3: zero-width removal.
	cells, removed := removeMarking(cells, func(r rune) bool { return zeroWidthRunes[r] }, MaskZeroWidth)
	if removed > 0 {
		flags[FlagZeroWidthPresent] = true
		diff["zero_width_removed"] = removed
	}

	// Stage 4: bidi override neutralization.
	cells, removed = removeMarking(cells, isBidiOverride, MaskInvisible)
	if removed > 0 {
		flags[FlagBidiPresent] = true
		diff["bidi_removed"] = removed
	}

	// Stage 5: Unicode tag character removal.
	cells, removed = removeMarking(cells, isUnicodeTagChar, MaskInvisible)
	if removed > 0 {
		flags[FlagUnicodeTagCharsPresent] = true
		diff["tag_chars_removed"] = removed
	}

	// Stage 6: homoglyph folding (position-preserving).
	folded6 := 0
	for i := range cells {
		if repl, ok := homoglyphTable[cells[i].r]; ok {
			cells[i].r = repl
			if cells[i].mark == MaskOrdinary {
				cells[i].mark = MaskHomoglyph
			}
			folded6++
		}
	}
	if folded6 > 0 {
		flags[FlagHomoglyphPresent] = true
		diff["homoglyphs_folded"] = folded6
	}

	// Stage 7: excessive-whitespace collapse (preserves newlines).
	var collapsedCount int
	cells, collapsedCount = collapseWhitespace(cells, z.whitespaceThreshold)
	if collapsedCount > 0 {
		flags[FlagExcessiveWhitespace] = true
		diff["whitespace_collapsed"] = collapsedCount
	}

	// Stage 8: control-character filter (keep LF, TAB).
	cells, removed = removeMarking(cells, isStrippedControl, MaskOrdinary)
	if removed > 0 {
		diff["control_chars_removed"] = removed
	}

	normalized := cellsToString(cells)
	mask := cellsToMask(cells)

	// Stage 9: base64 blob detection (non-mutating).
	if base64BlobPattern.MatchString(normalized) {
		flags[FlagBase64BlobPresent] = true
	}

	// Stage 10: PDF artifact stripping.
	stripped := pdfHyphenSpace.ReplaceAllString(normalized, "")
	stripped = pdfSoftHyphenBreak.ReplaceAllString(stripped, "\n")
	if stripped != normalized {
		flags[FlagPDFArtifactStripped] = true
		// Length changed outside the cell pipeline; the mask is cut (or
		// padded with ordinary markers) to the new length. Marks that
		// follow a stripped artifact are not shifted to realign with the
		// characters they described.
		normalized = stripped
		mask = rebuildMaskForLength(mask, utf8.RuneCountInString(normalized))
	}

	return &NormalizedText{
		Original:    input,
		Normalized:  normalized,
		CharMask:    mask,
		DiffSummary: diff,
		Flags:       flags,
	}, nil
}

// sanitizeInvalidEncoding replaces invalid UTF-8 sequences with U+FFFD so
// the remainder of the pipeline always operates on valid runes.
func (z *Normalizer) sanitizeInvalidEncoding(s string) string {
	if strings.ToValidUTF8(s, "") == s {
		return s
	}
	return strings.ToValidUTF8(s, "�")
}

func isStrippedControl(r rune) bool {
	if r == '\n' || r == '\t' {
		return false
	}
	return (r <= 0x1F || (r >= 0x80 && r <= 0x9F)) && unicode.IsControl(r)
}

// removeMarking drops every cell whose rune matches drop, and marks the
// mask position it collapses onto with marker — unless that position
// already carries a non-ordinary mark from an earlier stage. A removal at
// the very start of the text (nothing yet retained to collapse onto)
// carries its marker forward onto the next retained cell instead.
func removeMarking(cells []cell, drop func(rune) bool, marker byte) ([]cell, int) {
	out := make([]cell, 0, len(cells))
	removed := 0
	var pending byte
	for _, c := range cells {
		if drop(c.r) {
			removed++
			switch {
			case len(out) > 0 && out[len(out)-1].mark == MaskOrdinary:
				out[len(out)-1].mark = marker
			case len(out) == 0 && pending == 0:
				pending = marker
			}
			continue
		}
		if pending != 0 {
			if c.mark == MaskOrdinary {
				c.mark = pending
			}
			pending = 0
		}
		out = append(out, c)
	}
	return out, removed
}

// collapseWhitespace collapses runs of whitespace (except newlines) longer
// than threshold into a single space, preserving the first cell's mark.
func collapseWhitespace(cells []cell, threshold int) ([]cell, int) {
	out := make([]cell, 0, len(cells))
	collapsed := 0
	i := 0
	for i < len(cells) {
		c := cells[i]
		if c.r == ' ' || c.r == '\t' {
			j := i
			for j < len(cells) && (cells[j].r == ' ' || cells[j].r == '\t') {
				j++
			}
			runLen := j - i
			if runLen > threshold {
				out = append(out, cell{r: ' ', mark: cells[i].mark})
				collapsed += runLen - 1
			} else {
				out = append(out, cells[i:j]...)
			}
			i = j
			continue
		}
		out = append(out, c)
		i++
	}
	return out, collapsed
}

func rebuildMaskForLength(mask string, n int) string {
	if len(mask) == n {
		return mask
	}
	b := make([]byte, n)
	for i := range b {
		if i < len(mask) {
			b[i] = mask[i]
		} else {
			b[i] = MaskOrdinary
		}
	}
	return string(b)
}
