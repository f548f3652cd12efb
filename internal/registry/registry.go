// Package registry holds the current immutable snapshot of admitted rules
// behind an atomic handle, following the teacher service's hot-reload
// scanner pattern: single-writer (the reload controller), many-reader
// (scanning goroutines), no locks on the read path.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync/atomic"
	"time"

	"github.com/swarmguard/layer0-scanner/internal/dataset"
)

// Snapshot is an immutable, fully-built registry of admitted rules. Once
// constructed it is never mutated except for each rule's monotonic
// match_count / last_matched_at counters, which are read-mostly telemetry
// updated via atomic operations without strict serialization.
type Snapshot struct {
	version       string
	loadTimestamp time.Time
	byID          map[string]*dataset.Rule
	ordered       []*dataset.Rule // canonical scan order
	totalRules    int
	totalDatasets int
}

// Build sorts admitted rules into canonical order (severity desc, impact
// desc, id asc) and derives a version hash from the admitted rule ids and
// their pattern text, in that order.
func Build(rules []dataset.Rule, datasetCount int) *Snapshot {
	ptrs := make([]*dataset.Rule, 0, len(rules))
	for i := range rules {
		r := rules[i]
		ptrs = append(ptrs, &r)
	}

	sort.SliceStable(ptrs, func(i, j int) bool {
		if ptrs[i].Severity.Weight() != ptrs[j].Severity.Weight() {
			return ptrs[i].Severity.Weight() > ptrs[j].Severity.Weight()
		}
		if ptrs[i].ImpactScore != ptrs[j].ImpactScore {
			return ptrs[i].ImpactScore > ptrs[j].ImpactScore
		}
		return ptrs[i].ID < ptrs[j].ID
	})

	byID := make(map[string]*dataset.Rule, len(ptrs))
	for _, r := range ptrs {
		byID[r.ID] = r
	}

	return &Snapshot{
		version:       computeVersion(ptrs),
		loadTimestamp: time.Now().UTC(),
		byID:          byID,
		ordered:       ptrs,
		totalRules:    len(ptrs),
		totalDatasets: datasetCount,
	}
}

func computeVersion(rules []*dataset.Rule) string {
	h := sha256.New()
	for _, r := range rules {
		h.Write([]byte(r.ID))
		h.Write([]byte{0})
		h.Write([]byte(r.Pattern))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ActiveRules returns every rule whose state participates in scans
// (active, canary), in canonical order.
func (s *Snapshot) ActiveRules() []*dataset.Rule {
	out := make([]*dataset.Rule, 0, len(s.ordered))
	for _, r := range s.ordered {
		if r.Enabled && r.State.Participates() {
			out = append(out, r)
		}
	}
	return out
}

// Lookup finds a rule by id regardless of its participation state.
func (s *Snapshot) Lookup(id string) (*dataset.Rule, bool) {
	r, ok := s.byID[id]
	return r, ok
}

// Version is the stable identifier of this snapshot.
func (s *Snapshot) Version() string { return s.version }

// LoadTimestamp is when this snapshot was built.
func (s *Snapshot) LoadTimestamp() time.Time { return s.loadTimestamp }

// Stats reports aggregate counters for health/stats endpoints.
func (s *Snapshot) Stats() (totalRules, totalDatasets int) {
	return s.totalRules, s.totalDatasets
}

// RecordMatch bumps a rule's telemetry counters without strict
// serialization — occasional lost updates are acceptable, per the
// concurrency model's shared-resource policy.
func RecordMatch(r *dataset.Rule) {
	atomic.AddUint64(&r.MatchCount, 1)
	atomic.StoreInt64(&r.LastMatchedAtNS, time.Now().UnixNano())
}

// Registry is the shared, atomically-swapped handle scanning goroutines
// read through and the reload controller is the sole writer of.
type Registry struct {
	current atomic.Value // holds *Snapshot
}

// New constructs a Registry pre-loaded with an initial snapshot.
func New(initial *Snapshot) *Registry {
	r := &Registry{}
	r.current.Store(initial)
	return r
}

// Current returns the live snapshot. Safe for concurrent use; callers
// holding a returned snapshot keep a consistent view even if Swap runs
// concurrently — the old snapshot is simply no longer reachable via
// Current once Swap completes, but this reference remains valid.
func (r *Registry) Current() *Snapshot {
	return r.current.Load().(*Snapshot)
}

// Swap installs next as the current snapshot. Only the reload controller
// calls this; it is the single writer.
func (r *Registry) Swap(next *Snapshot) {
	r.current.Store(next)
}
