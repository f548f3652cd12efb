package scanner

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/swarmguard/layer0-scanner/internal/audit"
	"github.com/swarmguard/layer0-scanner/internal/codedetect"
	"github.com/swarmguard/layer0-scanner/internal/dataset"
	"github.com/swarmguard/layer0-scanner/internal/normalize"
	"github.com/swarmguard/layer0-scanner/internal/regexengine"
	"github.com/swarmguard/layer0-scanner/internal/registry"
)

// sourceSeparator joins sources into the combined view with a single space,
// the same join a client concatenating user text with retrieved documents
// would use. This is deliberate: the combined source exists precisely to
// catch an injection phrase split across the user/external boundary, and a
// space is the natural boundary such a split would still read through.
const sourceSeparator = " "

// Config is the subset of the system's runtime configuration the Scanner
// consults on every call. Callers build this once from internal/config at
// startup; Scanner holds no reference to the full config type so it can be
// unit tested without it.
type Config struct {
	MaxInputBytes           int
	ScanDeadline            time.Duration
	RegexTimeout            time.Duration
	StopOnFirstMatch        bool
	EnsembleThreshold       float64
	EnsembleIncludeCombined bool
	PrefilterEnabled        bool
	CodeDetectionEnabled    bool
	CodeConfidenceThreshold float64
	FailOpen                bool
	ScannerVersion          string
}

// Scanner wires the normalizer, code detector, prefilter, rule registry,
// and regex engine into the end-to-end scan algorithm.
type Scanner struct {
	cfg          Config
	normalizer   *normalize.Normalizer
	codeDetector *codedetect.Detector
	prefilter    *Prefilter
	registry     *registry.Registry
	auditLog     *audit.Log
	redactor     *audit.Redactor
	metrics      *Metrics
}

// New constructs a Scanner. prefilter may be nil, which disables the cheap
// keyword gate regardless of cfg.PrefilterEnabled.
func New(cfg Config, reg *registry.Registry, prefilter *Prefilter, auditLog *audit.Log, redactor *audit.Redactor) *Scanner {
	return &Scanner{
		cfg:          cfg,
		normalizer:   normalize.New(normalize.WithMaxBytes(cfg.MaxInputBytes)),
		codeDetector: codedetect.New(cfg.CodeConfidenceThreshold),
		prefilter:    prefilter,
		registry:     reg,
		auditLog:     auditLog,
		redactor:     redactor,
		metrics:      NewMetrics(),
	}
}

// sourceText pairs a source's canonical label with its normalized text.
type sourceText struct {
	kind SourceKind
	text string
}

// sourceMatch is one source's earliest rule match under stop-on-first-match
// iteration, or the nil-rule zero value when that source had none.
type sourceMatch struct {
	kind   SourceKind
	rule   *dataset.Rule
	record *regexengine.MatchRecord
}

// Scan runs the full algorithm against req and returns a terminal Result.
// Scan itself never returns an error: every failure mode — oversize input,
// deadline exceeded, internal panic recovery — is mapped to an explicit
// Status so callers always get one well-formed verdict.
func (s *Scanner) Scan(ctx context.Context, req Request) (res Result) {
	start := time.Now()
	snap := s.registry.Current()

	defer func() {
		if p := recover(); p != nil {
			res = s.failureVerdict(req)
		}
		res.ProcessingTimeMS = float64(time.Since(start).Microseconds()) / 1000.0
		res.RuleSetVersion = snap.Version()
		res.ScannerVersion = s.cfg.ScannerVersion
		res.AuditToken = audit.ComputeToken(
			audit.Fingerprint(req.UserInput, req.ExternalChunks),
			res.RuleSetVersion, res.RuleID, res.matchedHash,
		)
		s.metrics.recordScan(ctx, res.Status, res.ProcessingTimeMS)
		s.record(req, res)
	}()

	if recovered := s.sizeGate(req); recovered != nil {
		return *recovered
	}

	deadline := s.cfg.ScanDeadline
	if deadline <= 0 {
		deadline = 500 * time.Millisecond
	}
	scanCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	result, err := s.scanWithDeadline(scanCtx, req, snap)
	if err != nil {
		return s.failureVerdict(req)
	}
	return result
}

func (s *Scanner) sizeGate(req Request) *Result {
	total := len(req.UserInput)
	for _, c := range req.ExternalChunks {
		total += len(c)
	}
	if s.cfg.MaxInputBytes > 0 && total > s.cfg.MaxInputBytes {
		return &Result{Status: StatusError, Note: "input exceeds configured size limit"}
	}
	return nil
}

// scanWithDeadline performs normalization, code-detect, prefilter, and the
// full regex pass, honoring ctx's deadline throughout. A context
// cancellation at any stage is surfaced as an error so Scan can apply the
// fail-open/fail-closed mapping uniformly.
func (s *Scanner) scanWithDeadline(ctx context.Context, req Request, snap *registry.Snapshot) (Result, error) {
	sources, combined, err := s.normalizeAll(req)
	if err != nil {
		return Result{}, err
	}

	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	if s.cfg.CodeDetectionEnabled && len(req.ExternalChunks) == 0 {
		userNorm := sources[0].text
		if s.codeDetector.Classify(userNorm).IsCode {
			return Result{Status: StatusCleanCode, Note: "user_input classified as code; rule scan bypassed"}, nil
		}
	}

	all := append([]sourceText{}, sources...)
	if len(req.ExternalChunks) > 0 {
		// combined is identical to the user source when there are no
		// external chunks; skip it to avoid scanning and shadow-recording
		// the same text twice.
		all = append(all, sourceText{kind: SourceCombined, text: combined})
	}

	if s.cfg.PrefilterEnabled && s.prefilter != nil {
		hit := false
		for _, src := range all {
			if s.prefilter.Hit(src.text) {
				hit = true
				break
			}
		}
		if !hit {
			return Result{Status: StatusClean}, nil
		}
	}

	rules := snap.ActiveRules()

	if s.cfg.StopOnFirstMatch {
		return s.scanStopOnFirstMatch(ctx, all, rules)
	}
	return s.scanEnsemble(ctx, all, rules)
}

// normalizeAll normalizes the user input and every external chunk
// independently, then builds the combined view by joining the normalized
// sources with sourceSeparator.
func (s *Scanner) normalizeAll(req Request) ([]sourceText, string, error) {
	out := make([]sourceText, 0, 1+len(req.ExternalChunks))

	userNorm, err := s.normalizer.Normalize(req.UserInput)
	if err != nil {
		return nil, "", err
	}
	out = append(out, sourceText{kind: SourceUser, text: userNorm.Normalized})

	parts := make([]string, 0, 1+len(req.ExternalChunks))
	parts = append(parts, userNorm.Normalized)

	for i, chunk := range req.ExternalChunks {
		chunkNorm, err := s.normalizer.Normalize(chunk)
		if err != nil {
			return nil, "", err
		}
		out = append(out, sourceText{kind: ExternalSource(i), text: chunkNorm.Normalized})
		parts = append(parts, chunkNorm.Normalized)
	}

	return out, strings.Join(parts, sourceSeparator), nil
}

// scanStopOnFirstMatch iterates each source's active rules in canonical
// order, stopping at that source's first non-canary match. The terminal
// verdict is the first source (in canonical order: user, external[0..n),
// combined) that produced a match; canary matches never terminate a
// source's scan for verdict purposes but are still recorded as shadow
// matches.
func (s *Scanner) scanStopOnFirstMatch(ctx context.Context, sources []sourceText, rules []*dataset.Rule) (Result, error) {
	var shadow []ShadowMatch
	var winner *sourceMatch

	for _, src := range sources {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		for _, rule := range rules {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			record, err := regexengine.Search(rule.Compiled, src.text, s.cfg.RegexTimeout)
			if err != nil {
				s.metrics.recordTimeout(ctx, rule.ID)
				continue // a timed-out or errored pattern never blocks the scan; it is skipped.
			}
			if record == nil {
				continue
			}

			registry.RecordMatch(rule)
			s.metrics.recordMatch(ctx, rule.Dataset, string(rule.Severity))

			if rule.State == dataset.StateCanary {
				shadow = append(shadow, ShadowMatch{RuleID: rule.ID, Dataset: rule.Dataset, Severity: string(rule.Severity)})
				continue
			}

			if winner == nil {
				kind, rule, record := src.kind, rule, record
				winner = &sourceMatch{kind: kind, rule: rule, record: record}
			}
			break // first matching non-canary rule for this source is final; move to next source.
		}
		if winner != nil {
			break
		}
	}

	if winner == nil {
		return Result{Status: StatusClean, ShadowMatches: shadow}, nil
	}

	return Result{
		Status:        statusForSeverity(winner.rule.Severity),
		RuleID:        winner.rule.ID,
		Dataset:       winner.rule.Dataset,
		Severity:      string(winner.rule.Severity),
		ShadowMatches: shadow,
		SourceKind:    winner.kind,
		matchedHash:   winner.record.MatchedHash,
	}, nil
}

// scanEnsemble evaluates every active rule against every source without
// short-circuiting, combining non-canary matched rules' impact scores into
// a single ensemble score via noisy-OR (1 - product(1 - impact_i)) and
// comparing against the configured threshold.
func (s *Scanner) scanEnsemble(ctx context.Context, sources []sourceText, rules []*dataset.Rule) (Result, error) {
	var shadow []ShadowMatch
	matched := map[string]*dataset.Rule{}
	matchedBy := map[string]sourceMatch{}

	for _, src := range sources {
		if !s.cfg.EnsembleIncludeCombined && src.kind == SourceCombined {
			continue
		}
		for _, rule := range rules {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			record, err := regexengine.Search(rule.Compiled, src.text, s.cfg.RegexTimeout)
			if err != nil {
				s.metrics.recordTimeout(ctx, rule.ID)
				continue
			}
			if record == nil {
				continue
			}

			registry.RecordMatch(rule)
			s.metrics.recordMatch(ctx, rule.Dataset, string(rule.Severity))

			if rule.State == dataset.StateCanary {
				shadow = append(shadow, ShadowMatch{RuleID: rule.ID, Dataset: rule.Dataset, Severity: string(rule.Severity)})
				continue
			}
			matched[rule.ID] = rule
			if _, seen := matchedBy[rule.ID]; !seen {
				matchedBy[rule.ID] = sourceMatch{kind: src.kind, rule: rule, record: record}
			}
		}
	}

	if len(matched) == 0 {
		return Result{Status: StatusClean, ShadowMatches: shadow}, nil
	}

	score := ensembleScore(matched)
	representative := representativeRule(matched)
	winner := matchedBy[representative.ID]

	status := StatusWarn
	if score >= s.cfg.EnsembleThreshold {
		status = StatusRejected
	}

	return Result{
		Status:        status,
		RuleID:        representative.ID,
		Dataset:       representative.Dataset,
		Severity:      string(representative.Severity),
		ShadowMatches: shadow,
		SourceKind:    winner.kind,
		matchedHash:   winner.record.MatchedHash,
	}, nil
}

// ensembleScore combines matched rules' impact scores with a noisy-OR:
// independent detectors each contribute evidence, and the combined
// probability of "this is an attack" rises monotonically with each
// additional independent signal without exceeding 1.
func ensembleScore(matched map[string]*dataset.Rule) float64 {
	product := 1.0
	for _, r := range matched {
		impact := r.ImpactScore
		if impact <= 0 {
			impact = 0.5
		}
		if impact > 1 {
			impact = 1
		}
		product *= 1 - impact
	}
	return 1 - product
}

// representativeRule picks the matched rule that would head the canonical
// scan order (highest severity, then highest impact, then lowest id) to
// populate a single-rule result field set for a multi-rule ensemble match.
func representativeRule(matched map[string]*dataset.Rule) *dataset.Rule {
	ordered := make([]*dataset.Rule, 0, len(matched))
	for _, r := range matched {
		ordered = append(ordered, r)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Severity.Weight() != ordered[j].Severity.Weight() {
			return ordered[i].Severity.Weight() > ordered[j].Severity.Weight()
		}
		if ordered[i].ImpactScore != ordered[j].ImpactScore {
			return ordered[i].ImpactScore > ordered[j].ImpactScore
		}
		return ordered[i].ID < ordered[j].ID
	})
	return ordered[0]
}

func statusForSeverity(sev dataset.Severity) Status {
	switch sev {
	case dataset.SeverityCritical, dataset.SeverityHigh:
		return StatusRejected
	default:
		return StatusWarn
	}
}

// failureVerdict applies the configured fail-open/fail-closed policy when
// scanning could not complete (deadline exceeded, normalization error, or a
// panic recovered in Scan). Fail-closed (the default) rejects traffic the scanner could
// not finish inspecting; fail-open lets it through marked CLEAN so a
// scanner outage never becomes a hard outage for the protected service.
func (s *Scanner) failureVerdict(req Request) Result {
	if s.cfg.FailOpen {
		return Result{Status: StatusClean, Note: "fail-open: scan did not complete"}
	}
	return Result{Status: StatusReviewRequired, Note: "fail-closed: scan did not complete"}
}

// record appends a redacted audit entry for res, whose AuditToken Scan's
// deferred block has already computed. That deferred block calls this after
// every terminal Status is decided, including size-gate, error and timeout
// paths, so the audit trail covers every request Scan receives. req.Metadata is run
// through the redactor before it ever reaches the chain; raw user input
// and external chunks are never written to the audit log at all.
func (s *Scanner) record(req Request, res Result) {
	if s.auditLog == nil {
		return
	}
	var meta map[string]string
	if s.redactor != nil {
		meta = s.redactor.RedactMetadata(req.Metadata)
	}
	s.auditLog.Append(audit.Record{
		AuditToken:      res.AuditToken,
		Status:          string(res.Status),
		RuleID:          res.RuleID,
		Dataset:         res.Dataset,
		Severity:        res.Severity,
		RuleSetVersion:  res.RuleSetVersion,
		SourceKind:      string(res.SourceKind),
		MetadataReacted: meta,
	})
}
