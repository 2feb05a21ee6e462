// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package scanner

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"proxilion/gateway/model"
)

// Finding type names for PII detections. These strings are part of the
// audit wire contract and of the redaction configuration.
const (
	PIITypeEmail      = "Email Address"
	PIITypeSSN        = "US Social Security Number"
	PIITypePhone      = "Phone Number"
	PIITypeCreditCard = "Credit Card Number"
	PIITypeIBAN       = "IBAN"
	PIITypeRouting    = "ABA Routing Number"
	PIITypeIPAddress  = "IP Address"
	PIITypeAddress    = "Street Address"
)

// piiPattern couples a compiled pattern with its severity and an optional
// validator. Validators reject structural false positives (bad SSN area
// codes, failed Luhn checks) and return the confidence for accepted
// matches.
type piiPattern struct {
	piiType        string
	severity       model.Severity
	re             *regexp.Regexp
	baseConfidence float64
	indicators     []string
	validate       func(match, window string) (bool, float64)
}

// PIIScanner detects personally identifiable information in request text.
type PIIScanner struct {
	patterns []piiPattern
}

// NewPIIScanner builds the scanner with the full production pattern bank.
func NewPIIScanner() *PIIScanner {
	return &PIIScanner{patterns: []piiPattern{
		{
			piiType:        PIITypeEmail,
			severity:       model.SeverityMedium,
			re:             regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
			baseConfidence: 0.95,
		},
		{
			piiType:        PIITypeSSN,
			severity:       model.SeverityHigh,
			re:             regexp.MustCompile(`\b\d{3}[- ]\d{2}[- ]\d{4}\b`),
			baseConfidence: 0.85,
			indicators:     []string{"ssn", "social security", "social-security"},
			validate:       validateSSN,
		},
		{
			piiType:        PIITypeCreditCard,
			severity:       model.SeverityHigh,
			re:             regexp.MustCompile(`\b(?:4\d{3}|5[1-5]\d{2}|3[47]\d{2}|6(?:011|5\d{2}))[ -]?\d{4}[ -]?\d{4}[ -]?\d{1,4}\b`),
			baseConfidence: 0.9,
			validate:       validateCreditCard,
		},
		{
			piiType:        PIITypeIBAN,
			severity:       model.SeverityMedium,
			re:             regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`),
			baseConfidence: 0.9,
			validate:       validateIBAN,
		},
		{
			piiType:        PIITypeRouting,
			severity:       model.SeverityHigh,
			re:             regexp.MustCompile(`\b\d{9}\b`),
			baseConfidence: 0.6,
			validate:       validateRoutingNumber,
		},
		{
			piiType:        PIITypePhone,
			severity:       model.SeverityLow,
			re:             regexp.MustCompile(`\b(?:\+?1[-. ])?\(?\d{3}\)?[-. ]\d{3}[-. ]\d{4}\b`),
			baseConfidence: 0.7,
			indicators:     []string{"phone", "call", "tel", "mobile", "cell"},
		},
		{
			piiType:        PIITypeIPAddress,
			severity:       model.SeverityLow,
			re:             regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
			baseConfidence: 0.8,
			validate:       validateIPAddress,
		},
		{
			piiType:        PIITypeAddress,
			severity:       model.SeverityLow,
			re:             regexp.MustCompile(`\b\d{1,5}\s+[A-Z][a-zA-Z]+\s+(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct|Place|Pl)\b`),
			baseConfidence: 0.65,
		},
	}}
}

func (s *PIIScanner) ID() string   { return "pii" }
func (s *PIIScanner) Name() string { return "PII Detector" }

// PatternsFor returns the compiled patterns backing the named finding
// types, for callers that rewrite matched spans instead of reporting
// them.
func (s *PIIScanner) PatternsFor(types ...string) []*regexp.Regexp {
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []*regexp.Regexp
	for _, p := range s.patterns {
		if want[p.piiType] {
			out = append(out, p.re)
		}
	}
	return out
}

func (s *PIIScanner) Scan(ctx context.Context, req *model.Request, text *Projection) (model.ScanResult, error) {
	start := time.Now()
	var findings []model.Finding

	for _, seg := range text.Segments {
		if err := ctx.Err(); err != nil {
			return model.ScanResult{}, err
		}
		for _, p := range s.patterns {
			for _, loc := range p.re.FindAllStringIndex(seg.Text, -1) {
				match := seg.Text[loc[0]:loc[1]]
				window := contextWindow(seg.Text, loc[0], loc[1], 24)

				confidence := p.baseConfidence
				if p.validate != nil {
					ok, c := p.validate(match, window)
					if !ok {
						continue
					}
					confidence = c
				}
				if len(p.indicators) > 0 && containsAny(window, p.indicators) {
					confidence += 0.1
					if confidence > 1 {
						confidence = 1
					}
				}

				findings = append(findings, model.Finding{
					Type:       p.piiType,
					Severity:   p.severity,
					Message:    fmt.Sprintf("%s detected", p.piiType),
					Evidence:   maskEvidence(match),
					Location:   seg.Location,
					Confidence: confidence,
				})
			}
		}
	}

	return model.BuildResult(s.ID(), findings, time.Since(start)), nil
}

// validateSSN rejects structurally impossible social security numbers:
// area 000, 666, or 9xx, group 00, serial 0000.
func validateSSN(match, window string) (bool, float64) {
	digits := digitsOnly(match)
	if len(digits) != 9 {
		return false, 0
	}
	area, group, serial := digits[:3], digits[3:5], digits[5:]
	if area == "000" || area == "666" || area[0] == '9' {
		return false, 0
	}
	if group == "00" || serial == "0000" {
		return false, 0
	}
	if containsAny(window, []string{"ssn", "social security", "social-security"}) {
		return true, 0.95
	}
	return true, 0.85
}

// validateCreditCard requires a plausible length and a passing Luhn check.
func validateCreditCard(match, window string) (bool, float64) {
	digits := digitsOnly(match)
	if len(digits) < 13 || len(digits) > 19 {
		return false, 0
	}
	if !luhnCheck(digits) {
		return false, 0
	}
	if containsAny(window, []string{"card", "credit", "visa", "mastercard", "amex", "payment"}) {
		return true, 0.98
	}
	return true, 0.9
}

// luhnCheck implements the standard mod-10 card number checksum.
func luhnCheck(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// validateIBAN runs the ISO 13616 mod-97 check.
func validateIBAN(match, window string) (bool, float64) {
	if len(match) < 15 || len(match) > 34 {
		return false, 0
	}
	// Move the country code and check digits to the end, then map letters
	// onto 10..35 and take the whole number mod 97.
	rearranged := match[4:] + match[:4]
	remainder := 0
	for _, r := range rearranged {
		var v int
		switch {
		case r >= '0' && r <= '9':
			v = int(r - '0')
			remainder = (remainder*10 + v) % 97
		case r >= 'A' && r <= 'Z':
			v = int(r-'A') + 10
			remainder = (remainder*100 + v) % 97
		default:
			return false, 0
		}
	}
	if remainder != 1 {
		return false, 0
	}
	return true, 0.97
}

// validateRoutingNumber applies the ABA 3-7-1 checksum and additionally
// requires a banking indicator nearby; nine arbitrary digits are far too
// common to flag on structure alone.
func validateRoutingNumber(match, window string) (bool, float64) {
	digits := digitsOnly(match)
	if len(digits) != 9 {
		return false, 0
	}
	weights := []int{3, 7, 1, 3, 7, 1, 3, 7, 1}
	sum := 0
	for i, w := range weights {
		sum += int(digits[i]-'0') * w
	}
	if sum%10 != 0 {
		return false, 0
	}
	if !containsAny(window, []string{"routing", "aba", "bank", "account"}) {
		return false, 0
	}
	return true, 0.9
}

// validateIPAddress checks octet ranges and skips loopback and
// link-local noise.
func validateIPAddress(match, window string) (bool, float64) {
	parts := strings.Split(match, ".")
	if len(parts) != 4 {
		return false, 0
	}
	for _, part := range parts {
		if len(part) > 1 && part[0] == '0' {
			return false, 0
		}
		n := 0
		for _, r := range part {
			n = n*10 + int(r-'0')
		}
		if n > 255 {
			return false, 0
		}
	}
	if strings.HasPrefix(match, "127.") || strings.HasPrefix(match, "169.254.") {
		return false, 0
	}
	return true, 0.8
}
