// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package proxy

import (
	"regexp"

	"proxilion/gateway/model"
	"proxilion/gateway/scanner"
	"proxilion/gateway/stream"
)

// DefaultRedactableTypes lists the finding types the modify action
// rewrites when no explicit configuration is given: the well-delimited
// PII shapes plus the confirmed vendor secret formats. Low-precision
// types (bare digit runs, street addresses, generic assignment shapes)
// stay report-only so redaction never mangles ordinary prose.
func DefaultRedactableTypes() []string {
	return []string{
		scanner.PIITypeEmail,
		scanner.PIITypeSSN,
		scanner.PIITypeCreditCard,
		scanner.PIITypeIBAN,
		scanner.PIITypePhone,
		scanner.SecretTypeAWSAccessKey,
		scanner.SecretTypeGitHubToken,
		scanner.SecretTypeSlackToken,
		scanner.SecretTypeSessionToken,
	}
}

// Redactor rewrites sensitive spans with a fixed marker. One instance
// serves the modify action (request text), the single-shot response
// processor (buffered bodies), and the stream pipeline (flushed
// segments); all three therefore agree on what gets redacted.
type Redactor struct {
	patterns []*regexp.Regexp
	marker   string
}

// NewRedactor compiles the pattern set for the given finding types. An
// empty type list selects DefaultRedactableTypes; an empty marker falls
// back to the stream pipeline's marker.
func NewRedactor(marker string, types []string) *Redactor {
	if marker == "" {
		marker = stream.RedactionMarker
	}
	if len(types) == 0 {
		types = DefaultRedactableTypes()
	}
	patterns := scanner.NewPIIScanner().PatternsFor(types...)
	patterns = append(patterns, scanner.NewSecretsScanner().PatternsFor(types...)...)
	return &Redactor{patterns: patterns, marker: marker}
}

// Marker returns the replacement string.
func (r *Redactor) Marker() string { return r.marker }

// StreamRedactor adapts the pattern set to the stream pipeline.
func (r *Redactor) StreamRedactor() stream.Redactor {
	return stream.NewRegexRedactor(r.marker, r.patterns...)
}

// RedactText rewrites one string, reporting whether anything matched.
func (r *Redactor) RedactText(s string) (string, bool) {
	modified := false
	for _, re := range r.patterns {
		if !re.MatchString(s) {
			continue
		}
		s = re.ReplaceAllLiteralString(s, r.marker)
		modified = true
	}
	return s, modified
}

// RedactBody rewrites a raw byte body. Non-matching bodies are returned
// unchanged without copying.
func (r *Redactor) RedactBody(body []byte) ([]byte, bool) {
	modified := false
	for _, re := range r.patterns {
		if !re.Match(body) {
			continue
		}
		body = re.ReplaceAllLiteral(body, []byte(r.marker))
		modified = true
	}
	return body, modified
}

// RedactRequest returns a deep copy of the request with every matching
// span in its message text replaced. The original request is never
// touched.
func (r *Redactor) RedactRequest(req *model.Request) (*model.Request, bool) {
	out := req.Clone()
	modified := false

	for i := range out.Messages {
		m := &out.Messages[i]
		if m.Content != "" {
			if s, changed := r.RedactText(m.Content); changed {
				m.Content = s
				modified = true
			}
		}
		for j := range m.Parts {
			if m.Parts[j].Kind != model.PartText {
				continue
			}
			if s, changed := r.RedactText(m.Parts[j].Payload); changed {
				m.Parts[j].Payload = s
				modified = true
			}
		}
	}

	return out, modified
}
