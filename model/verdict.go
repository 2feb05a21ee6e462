// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package model

import "time"

// Severity classifies how dangerous a finding is.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityOrder maps severities onto the ordered scale used by policy
// comparisons: none=0, low=1, medium=2, high=3, critical=4.
var severityOrder = map[Severity]int{
	SeverityNone:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// severityScore maps severities onto the 0-100 score scale.
var severityScore = map[Severity]float64{
	SeverityNone:     0,
	SeverityLow:      25,
	SeverityMedium:   50,
	SeverityHigh:     75,
	SeverityCritical: 100,
}

// Rank returns the ordinal position of the severity. Unknown values rank
// as none.
func (s Severity) Rank() int {
	return severityOrder[s]
}

// AtLeast reports whether s is as severe as other or more.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseSeverity converts a string into a Severity, defaulting to none for
// unrecognised input.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s)
	default:
		return SeverityNone
	}
}

// Finding is a single detection produced by a scanner. Evidence is masked
// before it is stored; Location is a path into the normalised request such
// as "messages[2]".
type Finding struct {
	Type       string            `json:"type"`
	Severity   Severity          `json:"severity"`
	Message    string            `json:"message"`
	Evidence   string            `json:"evidence,omitempty"`
	Location   string            `json:"location,omitempty"`
	Confidence float64           `json:"confidence"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ScanResult is the outcome of one scanner over one request.
//
// Invariants: Passed is true exactly when ThreatLevel is none, and
// ThreatLevel equals the maximum severity across Findings.
type ScanResult struct {
	ScannerID     string        `json:"scanner_id"`
	Passed        bool          `json:"passed"`
	ThreatLevel   Severity      `json:"threat_level"`
	Score         float64       `json:"score"`
	Findings      []Finding     `json:"findings"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// NeutralResult is the contribution of a scanner that failed internally or
// was cancelled: it must not affect the verdict.
func NeutralResult(scannerID string) ScanResult {
	return ScanResult{
		ScannerID:   scannerID,
		Passed:      true,
		ThreatLevel: SeverityNone,
		Score:       0,
		Findings:    []Finding{},
	}
}

// BuildResult derives a well-formed ScanResult from a finding list,
// computing the threat level, pass flag, and score so the ScanResult
// invariants hold regardless of what the scanner body produced.
func BuildResult(scannerID string, findings []Finding, elapsed time.Duration) ScanResult {
	level := SeverityNone
	score := 0.0
	for _, f := range findings {
		level = MaxSeverity(level, f.Severity)
		conf := f.Confidence
		if conf <= 0 || conf > 1 {
			conf = 1
		}
		if s := severityScore[f.Severity] * conf; s > score {
			score = s
		}
	}
	if findings == nil {
		findings = []Finding{}
	}
	return ScanResult{
		ScannerID:     scannerID,
		Passed:        level == SeverityNone,
		ThreatLevel:   level,
		Score:         score,
		Findings:      findings,
		ExecutionTime: elapsed,
	}
}

// Verdict aggregates all scanner results for one request.
type Verdict struct {
	OverallThreatLevel Severity      `json:"overall_threat_level"`
	OverallScore       float64       `json:"overall_score"`
	Results            []ScanResult  `json:"results"`
	Findings           []Finding     `json:"findings"`
	TotalExecutionTime time.Duration `json:"total_execution_time"`
	Timestamp          time.Time     `json:"timestamp"`
}

// BuildVerdict folds per-scanner results into the aggregated verdict.
func BuildVerdict(results []ScanResult, elapsed time.Duration) Verdict {
	v := Verdict{
		OverallThreatLevel: SeverityNone,
		Results:            results,
		Findings:           []Finding{},
		TotalExecutionTime: elapsed,
		Timestamp:          time.Now().UTC(),
	}
	for _, r := range results {
		v.OverallThreatLevel = MaxSeverity(v.OverallThreatLevel, r.ThreatLevel)
		if r.Score > v.OverallScore {
			v.OverallScore = r.Score
		}
		v.Findings = append(v.Findings, r.Findings...)
	}
	return v
}

// ResultFor returns the result contributed by the named scanner.
func (v *Verdict) ResultFor(scannerID string) (ScanResult, bool) {
	for _, r := range v.Results {
		if r.ScannerID == scannerID {
			return r, true
		}
	}
	return ScanResult{}, false
}

// HasCritical reports whether any finding in the verdict is critical.
func (v *Verdict) HasCritical() bool {
	return v.OverallThreatLevel == SeverityCritical
}
