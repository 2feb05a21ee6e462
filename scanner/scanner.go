// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package scanner

import (
	"context"
	"strings"

	"proxilion/gateway/model"
)

// Scanner inspects a normalised request and reports findings. Scan must be
// re-entrant and side-effect-free with respect to the request: it may read
// req and the shared projection but never mutate either. A scanner that
// cannot complete returns an error; the orchestrator absorbs it as a
// neutral result so one broken scanner never takes down the pipeline.
type Scanner interface {
	ID() string
	Name() string
	Scan(ctx context.Context, req *model.Request, text *Projection) (model.ScanResult, error)
}

// maskEvidence hides the middle of a matched span before it is stored in a
// finding. Short matches are fully masked.
func maskEvidence(value string) string {
	if len(value) <= 6 {
		return strings.Repeat("*", len(value))
	}
	return value[:2] + strings.Repeat("*", len(value)-4) + value[len(value)-2:]
}

// contextWindow returns the text surrounding a match, used by validators
// that adjust confidence based on nearby indicator words.
func contextWindow(text string, start, end, radius int) string {
	lo := start - radius
	if lo < 0 {
		lo = 0
	}
	hi := end + radius
	if hi > len(text) {
		hi = len(text)
	}
	return text[lo:hi]
}

// containsAny reports whether the lowercased haystack contains any of the
// needles.
func containsAny(haystack string, needles []string) bool {
	lower := strings.ToLower(haystack)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

// digitsOnly strips every non-digit rune.
func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
