// Package validate checks an inbound /scan payload's shape before it is
// turned into a scanner.Request, following the teacher's api-gateway
// request validator's discipline of failing on size and shape before any
// expensive work begins, generalized from that validator's generic JSON
// schema engine to this system's one fixed payload shape.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrValidationFailed is the sentinel wrapped by every validation error
// returned from this package.
var ErrValidationFailed = errors.New("validate: payload rejected")

// FieldError names the offending field alongside a human-readable reason.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: field %q: %s", ErrValidationFailed, e.Field, e.Message)
}

func (e FieldError) Unwrap() error { return ErrValidationFailed }

// Limits bounds an inbound payload's shape, independent of the scanner's
// own total-byte size gate (which runs after this package accepts the
// shape).
type Limits struct {
	MaxPayloadBytes     int
	MaxExternalChunks   int
	MaxMetadataEntries  int
	MaxMetadataKeyLen   int
	MaxMetadataValueLen int
}

// DefaultLimits returns the compiled-in baseline shape limits.
func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes:     2 << 20, // 2 MiB, above the scanner's own 1 MiB text gate to leave room for JSON framing
		MaxExternalChunks:   64,
		MaxMetadataEntries:  32,
		MaxMetadataKeyLen:   128,
		MaxMetadataValueLen: 1024,
	}
}

// ScanPayload is the wire shape of a /scan request body.
type ScanPayload struct {
	UserInput      string            `json:"user_input"`
	ExternalChunks []string          `json:"external_chunks"`
	Metadata       map[string]string `json:"metadata"`
}

// ParseScanPayload decodes and validates raw against limits, returning a
// FieldError (wrapping ErrValidationFailed) on the first violation found.
func ParseScanPayload(raw []byte, limits Limits) (*ScanPayload, error) {
	if limits.MaxPayloadBytes > 0 && len(raw) > limits.MaxPayloadBytes {
		return nil, FieldError{Field: "payload", Message: fmt.Sprintf("exceeds max size %d bytes", limits.MaxPayloadBytes)}
	}

	var payload ScanPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, FieldError{Field: "payload", Message: "invalid JSON: " + err.Error()}
	}

	if err := validateShape(&payload, limits); err != nil {
		return nil, err
	}
	return &payload, nil
}

func validateShape(p *ScanPayload, limits Limits) error {
	if p.UserInput == "" && len(p.ExternalChunks) == 0 {
		return FieldError{Field: "user_input", Message: "at least one of user_input or external_chunks must be non-empty"}
	}

	if limits.MaxExternalChunks > 0 && len(p.ExternalChunks) > limits.MaxExternalChunks {
		return FieldError{Field: "external_chunks", Message: fmt.Sprintf("exceeds max count %d", limits.MaxExternalChunks)}
	}

	if limits.MaxMetadataEntries > 0 && len(p.Metadata) > limits.MaxMetadataEntries {
		return FieldError{Field: "metadata", Message: fmt.Sprintf("exceeds max entry count %d", limits.MaxMetadataEntries)}
	}

	for k, v := range p.Metadata {
		if limits.MaxMetadataKeyLen > 0 && len(k) > limits.MaxMetadataKeyLen {
			return FieldError{Field: "metadata", Message: fmt.Sprintf("key %q exceeds max length %d", k, limits.MaxMetadataKeyLen)}
		}
		if limits.MaxMetadataValueLen > 0 && len(v) > limits.MaxMetadataValueLen {
			return FieldError{Field: "metadata." + k, Message: fmt.Sprintf("exceeds max value length %d", limits.MaxMetadataValueLen)}
		}
	}

	return nil
}
