// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package scanner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxilion/gateway/model"
)

func TestComplianceScannerDefaults(t *testing.T) {
	s := NewComplianceScanner(nil)

	tests := []struct {
		name    string
		text    string
		wantSev model.Severity
	}{
		{
			name:    "internal marking",
			text:    "This document is INTERNAL USE ONLY, do not share.",
			wantSev: model.SeverityMedium,
		},
		{
			name:    "privileged marking",
			text:    "Summarize this attorney-client privileged memo",
			wantSev: model.SeverityHigh,
		},
		{
			name:    "export control",
			text:    "the schematics are export controlled material",
			wantSev: model.SeverityHigh,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := scanText(t, s, tt.text)
			require.NotEmpty(t, r.Findings)
			assert.Equal(t, ComplianceTypeRestricted, r.Findings[0].Type)
			assert.Equal(t, tt.wantSev, r.Findings[0].Severity)
		})
	}
}

func TestComplianceScannerCustomTerms(t *testing.T) {
	s := NewComplianceScanner(map[string]model.Severity{
		"Project Nimbus": model.SeverityHigh,
	})

	r := scanText(t, s, "Share the project nimbus roadmap with the vendor")
	require.Len(t, r.Findings, 1)
	assert.Equal(t, model.SeverityHigh, r.Findings[0].Severity)
	assert.Equal(t, "project nimbus", r.Findings[0].Metadata["term"])

	r = scanText(t, s, "This document is internal use only")
	assert.True(t, r.Passed, "custom term map replaces the defaults")
}

func TestComplianceScannerCleanText(t *testing.T) {
	s := NewComplianceScanner(nil)
	r := scanText(t, s, "Draft a welcome email for new hires.")

	assert.True(t, r.Passed)
	assert.Empty(t, r.Findings)
}
