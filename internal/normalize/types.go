package normalize

// Mask alphabet: '.' ordinary, 'Z' zero-width-source, 'I' invisible-source
// (bidi overrides, Unicode tag characters), 'H' homoglyph-folded.
const (
	MaskOrdinary   byte = '.'
	MaskZeroWidth  byte = 'Z'
	MaskInvisible  byte = 'I'
	MaskHomoglyph  byte = 'H'
)

// Flag names recognized on a NormalizedText.
const (
	FlagZeroWidthPresent      = "zero_width_present"
	FlagHomoglyphPresent      = "homoglyph_present"
	FlagBidiPresent           = "bidi_present"
	FlagBOMStripped           = "bom_stripped"
	FlagBase64BlobPresent     = "base64_blob_present"
	FlagPDFArtifactStripped   = "pdf_artifact_stripped"
	FlagExcessiveWhitespace   = "excessive_whitespace"
	FlagUnicodeTagCharsPresent = "unicode_tag_chars_present"
	FlagNormalizationChanged  = "normalization_changed"
)

// NormalizedText is the pure-function output of the ten-stage pipeline.
type NormalizedText struct {
	Original     string
	Normalized   string
	CharMask     string
	DiffSummary  map[string]int
	Flags        map[string]bool
}

// HasFlag reports whether name was raised during normalization.
func (n *NormalizedText) HasFlag(name string) bool {
	return n.Flags[name]
}

// cell is the pipeline's internal working unit: one rune plus the mask
// marker for the position it currently occupies. Stages that remove or
// merge runes collapse cells, preserving the first non-ordinary mark
// already present (mask reflects the first stage that acted on a given
// original position).
type cell struct {
	r    rune
	mark byte
}

func cellsFromString(s string) []cell {
	runes := []rune(s)
	cells := make([]cell, len(runes))
	for i, r := range runes {
		cells[i] = cell{r: r, mark: MaskOrdinary}
	}
	return cells
}

func cellsToString(cells []cell) string {
	runes := make([]rune, len(cells))
	for i, c := range cells {
		runes[i] = c.r
	}
	return string(runes)
}

func cellsToMask(cells []cell) string {
	mask := make([]byte, len(cells))
	for i, c := range cells {
		mask[i] = c.mark
	}
	return string(mask)
}
