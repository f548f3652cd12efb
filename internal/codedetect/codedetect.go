// Package codedetect classifies normalized input as bona-fide source code
// so that legitimate developer-assistant traffic bypasses rule scanning
// that would otherwise flag keywords like "system" or "admin" appearing in
// comments or string literals.
package codedetect

import (
	"regexp"
	"strings"
)

var fencedBlockPattern = regexp.MustCompile("(?s)```.*?```")

var codePunctuation = regexp.MustCompile(`[{}();:]|=>|::`)

var keywordTokens = map[string]bool{
	"func": true, "def": true, "class": true, "import": true, "package": true,
	"return": true, "const": true, "var": true, "let": true, "public": true,
	"private": true, "static": true, "void": true, "function": true,
	"interface": true, "struct": true, "namespace": true, "async": true,
	"await": true, "lambda": true, "yield": true,
}

// Detector is a pure, deterministic, side-effect-free classifier.
type Detector struct {
	confidenceThreshold float64
}

// New constructs a Detector with the given confidence threshold (default
// 0.7 matches the system's default configuration).
func New(confidenceThreshold float64) *Detector {
	if confidenceThreshold <= 0 {
		confidenceThreshold = 0.7
	}
	return &Detector{confidenceThreshold: confidenceThreshold}
}

// Result is the outcome of classifying one piece of normalized text.
type Result struct {
	Confidence float64
	IsCode     bool
}

// Classify never throws and is a pure function of normalized text.
func (d *Detector) Classify(normalized string) Result {
	if strings.TrimSpace(normalized) == "" {
		return Result{Confidence: 0, IsCode: false}
	}

	var score float64
	var weight float64

	// (a) fenced code blocks. A fence is near-conclusive on its own — a
	// markdown-fenced block is the single strongest code signal a client
	// can send, so it carries the largest share of the weight.
	if fencedBlockPattern.MatchString(normalized) {
		score += 0.4
	}
	weight += 0.4

	lines := strings.Split(normalized, "\n")
	indented := 0
	for _, l := range lines {
		if strings.HasPrefix(l, "\t") || strings.HasPrefix(l, "    ") {
			indented++
		}
	}
	if len(lines) > 0 {
		score += 0.15 * (float64(indented) / float64(len(lines)))
	}
	weight += 0.15

	tokens := strings.FieldsFunc(normalized, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_')
	})
	keywordHits := 0
	for _, tok := range tokens {
		if keywordTokens[strings.ToLower(tok)] {
			keywordHits++
		}
	}
	if len(tokens) > 0 {
		score += 0.25 * minF(1, float64(keywordHits)/(0.1*float64(len(tokens))+1))
	}
	weight += 0.25

	punctHits := len(codePunctuation.FindAllString(normalized, -1))
	score += 0.1 * minF(1, float64(punctHits)/8.0)
	weight += 0.1

	sentences := strings.FieldsFunc(normalized, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	avgSentenceLen := 0.0
	if len(sentences) > 0 {
		avgSentenceLen = float64(len(normalized)) / float64(len(sentences))
	} else {
		avgSentenceLen = float64(len(normalized))
	}
	if avgSentenceLen > 120 {
		score += 0.1
	}
	weight += 0.1

	confidence := 0.0
	if weight > 0 {
		confidence = score / weight
	}
	if confidence > 1 {
		confidence = 1
	}

	return Result{
		Confidence: confidence,
		IsCode:     confidence >= d.confidenceThreshold,
	}
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
