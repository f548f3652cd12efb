// Package audit provides the hash-chained audit trail and PII redaction
// that back every scan verdict, adapted from the teacher's append-only
// audit log: each record commits to the previous record's hash so the log
// can be verified for tamper-evidence independent of storage trust.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"
)

// Record is one immutable audit entry for a completed scan. It never
// carries raw user input or raw matched text — only a redacted metadata
// view, rule identifiers, and content-derived fingerprints.
type Record struct {
	Index           uint64            `json:"index"`
	Timestamp       time.Time         `json:"ts"`
	AuditToken      string            `json:"audit_token"`
	Status          string            `json:"status"`
	RuleID          string            `json:"rule_id,omitempty"`
	Dataset         string            `json:"dataset,omitempty"`
	Severity        string            `json:"severity,omitempty"`
	RuleSetVersion  string            `json:"rule_set_version"`
	SourceKind      string            `json:"source_kind,omitempty"`
	MetadataReacted map[string]string `json:"metadata,omitempty"`
	PrevHash        string            `json:"prev_hash"`
	Hash            string            `json:"hash"`
}

// Log is an in-memory append-only hash chain. Production deployments would
// segment this to durable storage; the chain's verification property holds
// regardless of backing store, so that concern is left to the deployment's
// storage adapter rather than this package.
type Log struct {
	mu  sync.RWMutex
	log []Record
}

// NewLog constructs an empty audit log.
func NewLog() *Log {
	return &Log{log: make([]Record, 0, 1024)}
}

// Append commits rec as the next entry, filling in its Index, Timestamp,
// PrevHash, and Hash.
func (l *Log) Append(rec Record) Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := uint64(len(l.log))
	prev := ""
	if idx > 0 {
		prev = l.log[idx-1].Hash
	}
	rec.Index = idx
	rec.Timestamp = time.Now().UTC()
	rec.PrevHash = prev
	rec.Hash = hashRecord(rec)
	l.log = append(l.log, rec)
	return rec
}

// Get retrieves the record at index.
func (l *Log) Get(index uint64) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index >= uint64(len(l.log)) {
		return Record{}, false
	}
	return l.log[index], true
}

// Latest returns the most recently appended record.
func (l *Log) Latest() (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.log) == 0 {
		return Record{}, false
	}
	return l.log[len(l.log)-1], true
}

// Verify walks the full chain confirming every record's hash and linkage.
func (l *Log) Verify() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := range l.log {
		if hashRecord(l.log[i]) != l.log[i].Hash {
			return false
		}
		if i > 0 && l.log[i-1].Hash != l.log[i].PrevHash {
			return false
		}
	}
	return true
}

func hashRecord(r Record) string {
	h := sha256.New()
	h.Write([]byte(r.PrevHash))
	h.Write([]byte(r.Timestamp.Format(time.RFC3339Nano)))
	h.Write([]byte(r.AuditToken))
	h.Write([]byte(r.Status))
	h.Write([]byte(r.RuleID))
	h.Write([]byte(r.Dataset))
	h.Write([]byte(r.Severity))
	h.Write([]byte(r.RuleSetVersion))
	h.Write([]byte(r.SourceKind))
	keys := make([]string, 0, len(r.MetadataReacted))
	for k := range r.MetadataReacted {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(r.MetadataReacted[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint derives a stable, irreversible identifier for a request's raw
// content, for correlation without retaining the content itself.
func Fingerprint(userInput string, externalChunks []string) string {
	h := sha256.New()
	h.Write([]byte(userInput))
	for _, c := range externalChunks {
		h.Write([]byte{0})
		h.Write([]byte(c))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ComputeToken derives the audit token bound to a request fingerprint, the
// rule set version in effect at scan time, and — when a rule matched — the
// matching rule's id and a hash of the matched span. A nil-match scan still
// gets a token, so CLEAN verdicts remain correlatable in the audit trail.
func ComputeToken(fingerprint, ruleSetVersion, ruleID, matchedSpanHash string) string {
	h := sha256.New()
	h.Write([]byte(fingerprint))
	h.Write([]byte{0})
	h.Write([]byte(ruleSetVersion))
	h.Write([]byte{0})
	h.Write([]byte(ruleID))
	h.Write([]byte{0})
	h.Write([]byte(matchedSpanHash))
	return hex.EncodeToString(h.Sum(nil))[:32]
}
