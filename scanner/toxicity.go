// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package scanner

import (
	"context"
	"regexp"
	"time"

	"proxilion/gateway/model"
)

// Finding type names for toxicity detections.
const (
	ToxicityTypeViolence   = "Violent Threat"
	ToxicityTypeSelfHarm   = "Self-Harm"
	ToxicityTypeHarassment = "Harassment"
)

// ToxicityScanner flags violent, self-harm, and harassment language.
type ToxicityScanner struct {
	signatures []signature
}

func NewToxicityScanner() *ToxicityScanner {
	return &ToxicityScanner{signatures: []signature{
		{
			sigType:    ToxicityTypeViolence,
			severity:   model.SeverityHigh,
			re:         regexp.MustCompile(`(?i)\b(?:i(?:'m| am| will)?\s+going\s+to|i\s+will|gonna)\s+(?:kill|hurt|attack|shoot|stab)\b`),
			confidence: 0.85,
			message:    "first-person violent threat",
		},
		{
			sigType:    ToxicityTypeViolence,
			severity:   model.SeverityHigh,
			re:         regexp.MustCompile(`(?i)\bhow\s+to\s+(?:build|make)\s+(?:a\s+)?(?:bomb|explosive|weapon)\b`),
			confidence: 0.9,
			message:    "weapon construction request",
		},
		{
			sigType:    ToxicityTypeSelfHarm,
			severity:   model.SeverityMedium,
			re:         regexp.MustCompile(`(?i)\b(?:kill\s+myself|end\s+my\s+life|hurt\s+myself|self[- ]harm)\b`),
			confidence: 0.8,
			message:    "self-harm language",
		},
		{
			sigType:    ToxicityTypeHarassment,
			severity:   model.SeverityLow,
			re:         regexp.MustCompile(`(?i)\byou\s+(?:are|'re)\s+(?:worthless|pathetic|an?\s+idiot|stupid|garbage)\b`),
			confidence: 0.7,
			message:    "targeted insult",
		},
	}}
}

func (s *ToxicityScanner) ID() string   { return "toxicity" }
func (s *ToxicityScanner) Name() string { return "Toxicity" }

func (s *ToxicityScanner) Scan(ctx context.Context, req *model.Request, text *Projection) (model.ScanResult, error) {
	start := time.Now()
	findings, err := scanSignatures(ctx, text, s.signatures)
	if err != nil {
		return model.ScanResult{}, err
	}
	return model.BuildResult(s.ID(), findings, time.Since(start)), nil
}
