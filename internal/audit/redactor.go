package audit

import (
	"regexp"
	"strings"
)

// Redactor strips common PII shapes out of text before it is written to the
// audit log or returned in any diagnostic field. Layer-0 audit records never
// carry raw user input; Redact is the last line of defense against a
// metadata value that happens to contain something sensitive anyway.
type Redactor struct {
	enabled  bool
	patterns map[string]*regexp.Regexp
}

// NewRedactor builds a Redactor. Disabled redactors pass text through
// unchanged, for environments that have their own redaction layer upstream.
func NewRedactor(enabled bool) *Redactor {
	return &Redactor{
		enabled: enabled,
		patterns: map[string]*regexp.Regexp{
			"ssn":         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			"credit_card": regexp.MustCompile(`\b\d{4}[\s\-]?\d{4}[\s\-]?\d{4}[\s\-]?\d{4}\b`),
			"email":       regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
			"phone":       regexp.MustCompile(`\b\d{3}[-.\s]?\d{3}[-.\s]?\d{4}\b`),
			"ipv4":        regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`),
			"api_key":     regexp.MustCompile(`\b[a-fA-F0-9]{32,64}\b`),
		},
	}
}

// Redact replaces every recognized PII shape in input with a fixed-shape
// placeholder. Email addresses keep their domain part ("***@domain");
// every other shape is replaced with a fixed placeholder.
func (r *Redactor) Redact(input string) string {
	if !r.enabled || input == "" {
		return input
	}

	out := input
	out = r.patterns["ssn"].ReplaceAllString(out, "***-**-****")
	out = r.patterns["credit_card"].ReplaceAllString(out, "****-****-****-****")
	out = r.patterns["email"].ReplaceAllStringFunc(out, func(m string) string {
		if parts := strings.SplitN(m, "@", 2); len(parts) == 2 {
			return "***@" + parts[1]
		}
		return "***@***"
	})
	out = r.patterns["phone"].ReplaceAllString(out, "***-***-****")
	out = r.patterns["ipv4"].ReplaceAllString(out, "***.***.***.***")
	out = r.patterns["api_key"].ReplaceAllString(out, "***redacted-key***")
	return out
}

// RedactMetadata applies Redact to every value in a request metadata map,
// leaving keys untouched.
func (r *Redactor) RedactMetadata(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = r.Redact(v)
	}
	return out
}
