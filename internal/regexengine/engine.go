// Package regexengine executes compiled patterns with a strict per-pattern
// timeout and catastrophic-backtracking defense: a linear-time RE2-class
// engine handles every pattern expressible in its feature set, and a
// bounded-backtracking engine — wall-clock guarded — handles the rest
// (backreferences, lookaround).
package regexengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"time"

	"github.com/coregx/coregex"
	"github.com/dlclark/regexp2"
)

// ErrCompileFailed is returned when a pattern compiles in neither engine.
var ErrCompileFailed = errors.New("regexengine: pattern rejected by both engines")

// ErrTimeout is returned when a search, in either engine, has not finished
// by its wall-clock deadline.
var ErrTimeout = errors.New("regexengine: pattern search timed out")

// backreferenceOrLookaround detects pattern syntax coregex's linear-time
// engine cannot express, triggering fallback to the bounded engine.
var backreferenceOrLookaround = regexp.MustCompile(`\\[1-9]|\(\?[=!<]`)

// CompiledPattern is an opaque handle returned by Compile.
type CompiledPattern struct {
	source   string
	linear   *coregex.Regex
	bounded  *regexp2.Regexp
}

// Compile attempts the linear-time engine first; patterns requiring
// backreferences or lookaround fall back to the bounded engine. A pattern
// rejected by both returns ErrCompileFailed and the owning rule must be
// quarantined by the caller.
func Compile(pattern string) (*CompiledPattern, error) {
	if !backreferenceOrLookaround.MatchString(pattern) {
		if re, err := coregex.Compile(pattern); err == nil {
			return &CompiledPattern{source: pattern, linear: re}, nil
		}
	}

	if re, err := regexp2.Compile(pattern, regexp2.RE2); err == nil {
		return &CompiledPattern{source: pattern, bounded: re}, nil
	}
	if re, err := regexp2.Compile(pattern, regexp2.None); err == nil {
		return &CompiledPattern{source: pattern, bounded: re}, nil
	}

	return nil, ErrCompileFailed
}

// MatchRecord describes one match's location and a redacted fingerprint of
// the matched substring. The substring itself is never retained.
type MatchRecord struct {
	Start        int
	End          int
	MatchedHash  string
}

// Search runs compiled against text with the given timeout. For a
// linear-time pattern the timeout is enforced via context as defense in
// depth (the engine's own complexity bound makes it a formality); for a
// bounded pattern, both a context deadline and regexp2's MatchTimeout are
// set to timeout. A context deadline reached first yields ErrTimeout; an
// error regexp2 reports itself is returned unchanged.
func Search(compiled *CompiledPattern, text string, timeout time.Duration) (*MatchRecord, error) {
	if compiled.linear != nil {
		return searchLinear(compiled.linear, text, timeout)
	}
	return searchBounded(compiled.bounded, text, timeout)
}

func searchLinear(re *coregex.Regex, text string, timeout time.Duration) (*MatchRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	type result struct {
		loc []int
	}
	done := make(chan result, 1)
	go func() {
		done <- result{loc: re.FindStringIndex(text)}
	}()

	select {
	case r := <-done:
		if r.loc == nil {
			return nil, nil
		}
		return newMatchRecord(text, r.loc[0], r.loc[1]), nil
	case <-ctx.Done():
		return nil, ErrTimeout
	}
}

func searchBounded(re *regexp2.Regexp, text string, timeout time.Duration) (*MatchRecord, error) {
	// MatchTimeout is regexp2's own backstop; the context below is the
	// deadline this function maps to ErrTimeout. If regexp2's own timeout
	// fires first, its error is returned as is, not as ErrTimeout.
	re.MatchTimeout = timeout

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	type result struct {
		m   *regexp2.Match
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := re.FindStringMatch(text)
		done <- result{m: m, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if r.m == nil {
			return nil, nil
		}
		return newMatchRecord(text, r.m.Index, r.m.Index+r.m.Length), nil
	case <-ctx.Done():
		return nil, ErrTimeout
	}
}

func newMatchRecord(text string, start, end int) *MatchRecord {
	sum := sha256.Sum256([]byte(text[start:end]))
	return &MatchRecord{
		Start:       start,
		End:         end,
		MatchedHash: hex.EncodeToString(sum[:]),
	}
}
