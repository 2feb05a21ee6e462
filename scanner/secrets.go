// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package scanner

import (
	"context"
	"regexp"
	"time"

	"proxilion/gateway/model"
)

// Finding type names for secret detections.
const (
	SecretTypeAWSAccessKey = "AWS Access Key"
	SecretTypeAWSSecretKey = "AWS Secret Key"
	SecretTypePrivateKey   = "Private Key Block"
	SecretTypeGitHubToken  = "GitHub Token"
	SecretTypeSlackToken   = "Slack Token"
	SecretTypeAPIKey       = "API Key Assignment"
	SecretTypeBearerToken  = "Bearer Token"
	SecretTypeConnString   = "Connection String"
	SecretTypeSessionToken = "Session Token"
)

// SecretsScanner detects credentials and other machine secrets leaking
// into prompts. Confirmed vendor key formats are critical; generic
// assignment shapes rank high.
type SecretsScanner struct {
	signatures []signature
}

func NewSecretsScanner() *SecretsScanner {
	return &SecretsScanner{signatures: []signature{
		{
			sigType:    SecretTypeAWSAccessKey,
			severity:   model.SeverityCritical,
			re:         regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
			confidence: 0.98,
			message:    "AWS access key id detected",
		},
		{
			sigType:    SecretTypeAWSSecretKey,
			severity:   model.SeverityHigh,
			re:         regexp.MustCompile(`(?i)aws[^\n]{0,20}['"][0-9a-zA-Z/+=]{40}['"]`),
			confidence: 0.8,
			message:    "AWS secret access key detected",
		},
		{
			sigType:    SecretTypePrivateKey,
			severity:   model.SeverityCritical,
			re:         regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`),
			confidence: 1.0,
			message:    "private key material detected",
		},
		{
			sigType:    SecretTypeGitHubToken,
			severity:   model.SeverityCritical,
			re:         regexp.MustCompile(`\b(?:ghp_[0-9A-Za-z]{36}|github_pat_[0-9A-Za-z_]{22,})\b`),
			confidence: 0.95,
			message:    "GitHub personal access token detected",
		},
		{
			sigType:    SecretTypeSlackToken,
			severity:   model.SeverityHigh,
			re:         regexp.MustCompile(`\bxox[baprs]-[0-9A-Za-z\-]{10,}\b`),
			confidence: 0.9,
			message:    "Slack token detected",
		},
		{
			sigType:    SecretTypeAPIKey,
			severity:   model.SeverityHigh,
			re:         regexp.MustCompile(`(?i)\b(?:api[_-]?key|apikey|secret[_-]?key|access[_-]?token|auth[_-]?token)\b\s*[:=]\s*['"]?[0-9a-zA-Z\-_]{16,}`),
			confidence: 0.8,
			message:    "credential assignment detected",
		},
		{
			sigType:    SecretTypeBearerToken,
			severity:   model.SeverityHigh,
			re:         regexp.MustCompile(`(?i)\bbearer\s+[0-9a-zA-Z\-_.~+/]{20,}`),
			confidence: 0.85,
			message:    "bearer token detected",
		},
		{
			sigType:    SecretTypeConnString,
			severity:   model.SeverityHigh,
			re:         regexp.MustCompile(`(?i)\b(?:postgres|postgresql|mysql|mongodb(?:\+srv)?|redis|amqp)://[^\s/]+:[^\s@]+@[^\s]+`),
			confidence: 0.9,
			message:    "connection string with embedded credentials detected",
		},
		{
			sigType:    SecretTypeSessionToken,
			severity:   model.SeverityHigh,
			re:         regexp.MustCompile(`\beyJ[0-9A-Za-z_\-]{10,}\.[0-9A-Za-z_\-]{10,}\.[0-9A-Za-z_\-]*\b`),
			confidence: 0.85,
			message:    "JWT-shaped session token detected",
		},
	}}
}

func (s *SecretsScanner) ID() string   { return "secrets" }
func (s *SecretsScanner) Name() string { return "Secrets & DLP" }

// PatternsFor returns the compiled patterns backing the named finding
// types, for callers that rewrite matched spans instead of reporting
// them.
func (s *SecretsScanner) PatternsFor(types ...string) []*regexp.Regexp {
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []*regexp.Regexp
	for _, sig := range s.signatures {
		if want[sig.sigType] {
			out = append(out, sig.re)
		}
	}
	return out
}

func (s *SecretsScanner) Scan(ctx context.Context, req *model.Request, text *Projection) (model.ScanResult, error) {
	start := time.Now()
	findings, err := scanSignatures(ctx, text, s.signatures)
	if err != nil {
		return model.ScanResult{}, err
	}
	return model.BuildResult(s.ID(), findings, time.Since(start)), nil
}
