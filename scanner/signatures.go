// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package scanner

import (
	"context"
	"regexp"

	"proxilion/gateway/model"
)

// signature is one entry in a regex bank: secrets, injection phrases, and
// compliance markers all scan this way.
type signature struct {
	sigType    string
	severity   model.Severity
	re         *regexp.Regexp
	confidence float64
	message    string
}

// scanSignatures runs a signature bank over every segment of the
// projection. Cancellation is checked between segments so a cancelled
// scanner stops contributing promptly.
func scanSignatures(ctx context.Context, text *Projection, sigs []signature) ([]model.Finding, error) {
	var findings []model.Finding
	for _, seg := range text.Segments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, sig := range sigs {
			for _, loc := range sig.re.FindAllStringIndex(seg.Text, -1) {
				match := seg.Text[loc[0]:loc[1]]
				findings = append(findings, model.Finding{
					Type:       sig.sigType,
					Severity:   sig.severity,
					Message:    sig.message,
					Evidence:   maskEvidence(match),
					Location:   seg.Location,
					Confidence: sig.confidence,
				})
			}
		}
	}
	return findings, nil
}
