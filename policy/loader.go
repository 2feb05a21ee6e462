// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"proxilion/gateway/model"
)

// policyFile is the on-disk shape of a policy set.
type policyFile struct {
	Version  int       `yaml:"version"`
	Policies []*Policy `yaml:"policies"`
}

// LoadFile reads and validates a YAML policy file.
func LoadFile(path string) ([]*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	policies, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return policies, nil
}

// Parse decodes and validates a YAML policy document.
func Parse(data []byte) ([]*Policy, error) {
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	seen := make(map[string]struct{}, len(file.Policies))
	for _, p := range file.Policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePolicy, p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return file.Policies, nil
}

// DefaultPolicies is the starter rule set used when no policy file is
// configured: block anything high or above, redact medium, alert on low,
// and allow the rest.
func DefaultPolicies() []*Policy {
	return []*Policy{
		{
			ID:          "default-block-high",
			Name:        "Block high and critical threats",
			Description: "Reject requests whose aggregated threat level reaches high.",
			Priority:    100,
			Enabled:     true,
			Conditions: []Condition{
				{Field: FieldThreatLevel, Operator: OpGTE, Value: string(model.SeverityHigh)},
			},
			Actions: []Action{ActionBlock},
		},
		{
			ID:          "default-redact-medium",
			Name:        "Redact medium threats",
			Description: "Forward medium-threat requests with sensitive spans redacted.",
			Priority:    50,
			Enabled:     true,
			Conditions: []Condition{
				{Field: FieldThreatLevel, Operator: OpGTE, Value: string(model.SeverityMedium)},
			},
			Actions: []Action{ActionModify, ActionAlert},
		},
		{
			ID:          "default-alert-low",
			Name:        "Alert on low threats",
			Description: "Forward low-threat requests unmodified but raise an alert.",
			Priority:    30,
			Enabled:     true,
			Conditions: []Condition{
				{Field: FieldThreatLevel, Operator: OpEQ, Value: string(model.SeverityLow)},
			},
			Actions: []Action{ActionAlert, ActionLog},
		},
		{
			ID:          "default-allow-clean",
			Name:        "Allow clean requests",
			Description: "Forward requests with no findings.",
			Priority:    10,
			Enabled:     true,
			Conditions: []Condition{
				{Field: FieldThreatLevel, Operator: OpLTE, Value: string(model.SeverityLow)},
			},
			Actions: []Action{ActionAllow},
		},
	}
}
