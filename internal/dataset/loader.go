package dataset

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/swarmguard/layer0-scanner/internal/regexengine"
)

// DefaultRegexTimeout bounds each self-test search during load.
const DefaultRegexTimeout = 100 * time.Millisecond

// Loader reads, validates, and compiles one dataset file at a time.
type Loader struct {
	hmacSecret   string
	regexTimeout time.Duration
}

// NewLoader constructs a Loader. An empty hmacSecret disables signature
// verification for datasets that don't carry one; datasets that do carry a
// signature are always verified regardless.
func NewLoader(hmacSecret string, regexTimeout time.Duration) *Loader {
	if regexTimeout <= 0 {
		regexTimeout = DefaultRegexTimeout
	}
	return &Loader{hmacSecret: hmacSecret, regexTimeout: regexTimeout}
}

// LoadFile reads path, parses, HMAC-verifies, compiles, and self-tests its
// rules, returning the admitted rules and load diagnostics. A schema or
// HMAC failure fails the whole dataset (both errors returned as dataset
// errors; callers in fail-closed mode must treat a non-nil error as a
// failed reload).
func (l *Loader) LoadFile(path string) ([]Rule, LoadDiagnostics, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, LoadDiagnostics{}, fmt.Errorf("dataset: reading %s: %w", path, err)
	}
	return l.Load(data)
}

// Load parses a dataset document already read into memory.
func (l *Loader) Load(data []byte) ([]Rule, LoadDiagnostics, error) {
	var raw RawDataset
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, LoadDiagnostics{}, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	if err := validateSchema(&raw); err != nil {
		return nil, LoadDiagnostics{}, err
	}

	if raw.Metadata.HMACSignature != "" {
		if err := l.verifyHMAC(data, &raw); err != nil {
			return nil, LoadDiagnostics{}, err
		}
	}

	diag := LoadDiagnostics{DatasetName: raw.Metadata.Name, LoadedAt: time.Now().UTC()}
	admitted := make([]Rule, 0, len(raw.Rules))

	for _, rr := range raw.Rules {
		rule, reason := l.compileAndTest(rr)
		if reason != "" {
			diag.QuarantinedCount++
			diag.Quarantined = append(diag.Quarantined, QuarantineReason{RuleID: rr.ID, Reason: reason})
			slog.Warn("dataset: rule quarantined", "rule_id", rr.ID, "dataset", raw.Metadata.Name, "reason", reason)
			continue
		}
		admitted = append(admitted, rule)
		diag.AdmittedCount++
	}

	return admitted, diag, nil
}

func (l *Loader) compileAndTest(rr RawRule) (Rule, string) {
	compiled, err := regexengine.Compile(rr.Pattern)
	if err != nil {
		return Rule{}, fmt.Sprintf("compile failed: %v", err)
	}

	for _, pos := range rr.PositiveTests {
		rec, err := regexengine.Search(compiled, pos, l.regexTimeout)
		if err != nil && err != regexengine.ErrTimeout {
			return Rule{}, fmt.Sprintf("positive test errored: %v", err)
		}
		if rec == nil {
			return Rule{}, fmt.Sprintf("positive test did not match: %q", truncate(pos, 40))
		}
	}
	for _, neg := range rr.NegativeTests {
		rec, err := regexengine.Search(compiled, neg, l.regexTimeout)
		if err != nil && err != regexengine.ErrTimeout {
			return Rule{}, fmt.Sprintf("negative test errored: %v", err)
		}
		if rec != nil {
			return Rule{}, fmt.Sprintf("negative test unexpectedly matched: %q", truncate(neg, 40))
		}
	}

	return Rule{
		ID:            rr.ID,
		Dataset:       rr.Dataset,
		Name:          rr.Name,
		Description:   rr.Description,
		Pattern:       rr.Pattern,
		Compiled:      compiled,
		Severity:      rr.Severity,
		State:         rr.State,
		Enabled:       rr.Enabled,
		ImpactScore:   rr.ImpactScore,
		Tags:          rr.Tags,
		PositiveTests: rr.PositiveTests,
		NegativeTests: rr.NegativeTests,
	}, ""
}

func validateSchema(raw *RawDataset) error {
	if raw.Metadata.Name == "" {
		return fmt.Errorf("%w: missing metadata.name", ErrSchemaInvalid)
	}
	for i, r := range raw.Rules {
		if r.ID == "" {
			return fmt.Errorf("%w: rule at index %d missing id", ErrSchemaInvalid, i)
		}
		if r.Pattern == "" {
			return fmt.Errorf("%w: rule %s missing pattern", ErrSchemaInvalid, r.ID)
		}
		switch r.Severity {
		case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		default:
			return fmt.Errorf("%w: rule %s has invalid severity %q", ErrSchemaInvalid, r.ID, r.Severity)
		}
	}
	return nil
}

// verifyHMAC recomputes HMAC-SHA256 over the canonical serialization of the
// dataset with the signature field removed, and compares to the value
// carried in the document.
func (l *Loader) verifyHMAC(_ []byte, raw *RawDataset) error {
	want := raw.Metadata.HMACSignature
	stripped := *raw
	stripped.Metadata.HMACSignature = ""
	canonical, err := json.Marshal(stripped)
	if err != nil {
		return fmt.Errorf("%w: canonicalization failed: %v", ErrSchemaInvalid, err)
	}

	mac := hmac.New(sha256.New, []byte(l.hmacSecret))
	mac.Write(canonical)
	got := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(got), []byte(want)) {
		return ErrHMACMismatch
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
