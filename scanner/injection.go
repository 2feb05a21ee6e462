// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package scanner

import (
	"context"
	"regexp"
	"time"

	"proxilion/gateway/model"
)

// Finding type names for prompt-injection detections.
const (
	InjectionTypeOverride     = "Instruction Override"
	InjectionTypeExfiltration = "System Prompt Exfiltration"
	InjectionTypeRoleHijack   = "Role Hijack"
	InjectionTypeJailbreak    = "Jailbreak Signature"
	InjectionTypeDelimiter    = "Delimiter Injection"
	InjectionTypeEncoded      = "Encoded Payload"
)

// InjectionScanner detects prompt-injection and jailbreak phrasing.
type InjectionScanner struct {
	signatures []signature
}

func NewInjectionScanner() *InjectionScanner {
	return &InjectionScanner{signatures: []signature{
		{
			sigType:    InjectionTypeOverride,
			severity:   model.SeverityHigh,
			re:         regexp.MustCompile(`(?i)\bignore\s+(?:all\s+|any\s+)?(?:previous|prior|above|earlier)\s+(?:instructions|prompts|rules|directions)\b`),
			confidence: 0.9,
			message:    "attempt to override prior instructions",
		},
		{
			sigType:    InjectionTypeOverride,
			severity:   model.SeverityHigh,
			re:         regexp.MustCompile(`(?i)\bdisregard\s+(?:all\s+|your\s+)?(?:previous|prior|system)\s+(?:instructions|prompts|rules)\b`),
			confidence: 0.9,
			message:    "attempt to override prior instructions",
		},
		{
			sigType:    InjectionTypeExfiltration,
			severity:   model.SeverityCritical,
			re:         regexp.MustCompile(`(?i)\b(?:repeat|reveal|show|print|output|display)\b[^\n]{0,30}\b(?:system\s+prompt|initial\s+instructions|hidden\s+instructions)\b`),
			confidence: 0.9,
			message:    "attempt to exfiltrate the system prompt",
		},
		{
			sigType:    InjectionTypeRoleHijack,
			severity:   model.SeverityMedium,
			re:         regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(?:a|an|the)\b`),
			confidence: 0.7,
			message:    "role reassignment phrasing",
		},
		{
			sigType:    InjectionTypeRoleHijack,
			severity:   model.SeverityMedium,
			re:         regexp.MustCompile(`(?i)\bpretend\s+(?:to\s+be|you\s+are)\b`),
			confidence: 0.7,
			message:    "role reassignment phrasing",
		},
		{
			sigType:    InjectionTypeJailbreak,
			severity:   model.SeverityCritical,
			re:         regexp.MustCompile(`(?i)\b(?:DAN|do\s+anything\s+now)\s+mode\b`),
			confidence: 0.95,
			message:    "known jailbreak persona",
		},
		{
			sigType:    InjectionTypeJailbreak,
			severity:   model.SeverityHigh,
			re:         regexp.MustCompile(`(?i)\bjailbreak\b`),
			confidence: 0.8,
			message:    "jailbreak phrasing",
		},
		{
			sigType:    InjectionTypeDelimiter,
			severity:   model.SeverityMedium,
			re:         regexp.MustCompile(`(?i)\[/?(?:INST|SYS)\]|<\|im_(?:start|end)\|>`),
			confidence: 0.8,
			message:    "model control delimiter in user content",
		},
		{
			sigType:    InjectionTypeEncoded,
			severity:   model.SeverityMedium,
			re:         regexp.MustCompile(`\b[A-Za-z0-9+/]{120,}={0,2}\b`),
			confidence: 0.6,
			message:    "large encoded payload",
		},
	}}
}

func (s *InjectionScanner) ID() string   { return "injection" }
func (s *InjectionScanner) Name() string { return "Prompt Injection" }

func (s *InjectionScanner) Scan(ctx context.Context, req *model.Request, text *Projection) (model.ScanResult, error) {
	start := time.Now()
	findings, err := scanSignatures(ctx, text, s.signatures)
	if err != nil {
		return model.ScanResult{}, err
	}
	return model.BuildResult(s.ID(), findings, time.Since(start)), nil
}
