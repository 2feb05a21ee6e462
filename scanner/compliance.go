// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package scanner

import (
	"context"
	"sort"
	"strings"
	"time"

	"proxilion/gateway/model"
)

// ComplianceTypeRestricted is the finding type for matched policy terms.
const ComplianceTypeRestricted = "Restricted Term"

// ComplianceScanner matches a configurable set of restricted terms.
// Matching is case-insensitive on whole substrings.
type ComplianceScanner struct {
	terms map[string]model.Severity
	order []string
}

// DefaultComplianceTerms covers common data-handling markings.
func DefaultComplianceTerms() map[string]model.Severity {
	return map[string]model.Severity{
		"internal use only":          model.SeverityMedium,
		"company confidential":       model.SeverityMedium,
		"attorney-client privileged": model.SeverityHigh,
		"export controlled":          model.SeverityHigh,
		"itar":                       model.SeverityHigh,
	}
}

// NewComplianceScanner builds a scanner over the given term map. A nil
// map selects DefaultComplianceTerms.
func NewComplianceScanner(terms map[string]model.Severity) *ComplianceScanner {
	if terms == nil {
		terms = DefaultComplianceTerms()
	}
	lowered := make(map[string]model.Severity, len(terms))
	order := make([]string, 0, len(terms))
	for term, sev := range terms {
		key := strings.ToLower(strings.TrimSpace(term))
		if key == "" {
			continue
		}
		lowered[key] = sev
		order = append(order, key)
	}
	sort.Strings(order)
	return &ComplianceScanner{terms: lowered, order: order}
}

func (s *ComplianceScanner) ID() string   { return "compliance" }
func (s *ComplianceScanner) Name() string { return "Compliance Terms" }

func (s *ComplianceScanner) Scan(ctx context.Context, req *model.Request, text *Projection) (model.ScanResult, error) {
	start := time.Now()
	var findings []model.Finding
	for _, seg := range text.Segments {
		if err := ctx.Err(); err != nil {
			return model.ScanResult{}, err
		}
		lower := strings.ToLower(seg.Text)
		for _, term := range s.order {
			idx := strings.Index(lower, term)
			if idx < 0 {
				continue
			}
			findings = append(findings, model.Finding{
				Type:       ComplianceTypeRestricted,
				Severity:   s.terms[term],
				Message:    "restricted term present",
				Evidence:   maskEvidence(seg.Text[idx : idx+len(term)]),
				Location:   seg.Location,
				Confidence: 0.9,
				Metadata:   map[string]string{"term": term},
			})
		}
	}
	return model.BuildResult(s.ID(), findings, time.Since(start)), nil
}
