// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package stream

import "regexp"

// RegexRedactor replaces every match of its patterns with a fixed
// marker. Replacement is in place per segment: surrounding bytes keep
// their order and are never duplicated or dropped.
type RegexRedactor struct {
	patterns []*regexp.Regexp
	marker   []byte
}

// NewRegexRedactor builds a redactor over the given patterns. An empty
// marker falls back to RedactionMarker.
func NewRegexRedactor(marker string, patterns ...*regexp.Regexp) *RegexRedactor {
	if marker == "" {
		marker = RedactionMarker
	}
	return &RegexRedactor{patterns: patterns, marker: []byte(marker)}
}

// Redact rewrites the segment, reporting whether anything matched.
func (r *RegexRedactor) Redact(segment []byte) ([]byte, bool) {
	out := segment
	modified := false
	for _, re := range r.patterns {
		if !re.Match(out) {
			continue
		}
		out = re.ReplaceAllLiteral(out, r.marker)
		modified = true
	}
	return out, modified
}
