// Package scanner orchestrates a full scan: prefilter, code-detect,
// multi-source regex scan, and verdict, following the teacher service's
// Engine/Store/Match contract generalized from single-source byte
// scanning to this project's multi-source, stop-on-first-match-or-
// ensemble text scanning.
package scanner

import "errors"

// Status is the externally observable outcome of a scan.
type Status string

const (
	StatusClean          Status = "CLEAN"
	StatusCleanCode      Status = "CLEAN_CODE"
	StatusRejected       Status = "REJECTED"
	StatusWarn           Status = "WARN"
	StatusReviewRequired Status = "REVIEW_REQUIRED"
	StatusError          Status = "ERROR"
)

// SourceKind identifies which text source a match or audit record
// pertains to.
type SourceKind string

const (
	SourceUser     SourceKind = "user"
	SourceCombined SourceKind = "combined"
)

// ExternalSource returns the canonical SourceKind label for external chunk
// index i (external[0], external[1], ...).
func ExternalSource(i int) SourceKind {
	return SourceKind("external[" + itoa(i) + "]")
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := []byte{}
	n := i
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// Request carries the per-call scan input.
type Request struct {
	UserInput      string
	ExternalChunks []string
	Metadata       map[string]string
}

// ShadowMatch is a canary-state rule match recorded for observation but
// never allowed to change Status.
type ShadowMatch struct {
	RuleID   string
	Dataset  string
	Severity string
}

// Result is the externally observable ScanResult.
type Result struct {
	Status           Status
	RuleID           string
	Dataset          string
	Severity         string
	AuditToken       string
	ProcessingTimeMS float64
	RuleSetVersion   string
	ScannerVersion   string
	Note             string
	ShadowMatches    []ShadowMatch

	// SourceKind and matchedHash carry the winning match's provenance from
	// the scan stage to the deferred audit/token-computation block in Scan;
	// neither is part of the HTTP response contract.
	SourceKind  SourceKind
	matchedHash string
}

// Sentinel errors naming the scanner's request-level failure kinds. Scan
// does not return them: it reports these conditions through Status (ERROR,
// REVIEW_REQUIRED). Per-pattern regex timeouts are absorbed internally.
var (
	ErrOversize         = errors.New("scanner: request exceeds configured size limit")
	ErrDeadlineExceeded = errors.New("scanner: scan deadline exceeded")
)
