// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxilion/gateway/model"
)

const samplePolicyYAML = `
version: 1
policies:
  - id: block-critical
    name: Block critical threats
    priority: 200
    enabled: true
    conditions:
      - field: threat-level
        operator: gte
        value: critical
    actions: [block]
  - id: queue-after-hours
    name: Queue risky requests outside business hours
    priority: 80
    enabled: true
    conditions:
      - field: threat-level
        operator: gte
        value: medium
      - field: time
        operator: in
        value: ["18:00-08:00"]
    actions: [queue, alert]
  - id: allow-rest
    name: Allow everything else
    priority: 1
    enabled: true
    conditions: []
    actions: [allow]
`

func TestParsePolicyYAML(t *testing.T) {
	policies, err := Parse([]byte(samplePolicyYAML))
	require.NoError(t, err)
	require.Len(t, policies, 3)

	assert.Equal(t, "block-critical", policies[0].ID)
	assert.Equal(t, 200, policies[0].Priority)
	require.Len(t, policies[1].Conditions, 2)
	assert.Equal(t, FieldTime, policies[1].Conditions[1].Field)
	assert.Equal(t, OpIn, policies[1].Conditions[1].Operator)
	assert.Equal(t, []Action{ActionQueue, ActionAlert}, policies[1].Actions)
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "bad action",
			yaml: "policies:\n  - id: p\n    name: p\n    enabled: true\n    actions: [obliterate]\n",
		},
		{
			name: "bad field",
			yaml: "policies:\n  - id: p\n    name: p\n    enabled: true\n    conditions:\n      - field: karma\n        operator: eq\n        value: low\n    actions: [block]\n",
		},
		{
			name: "bad operator",
			yaml: "policies:\n  - id: p\n    name: p\n    enabled: true\n    conditions:\n      - field: user\n        operator: vibes\n        value: low\n    actions: [block]\n",
		},
		{
			name: "bad regex",
			yaml: "policies:\n  - id: p\n    name: p\n    enabled: true\n    conditions:\n      - field: user\n        operator: matches\n        value: '[broken'\n    actions: [block]\n",
		},
		{
			name: "duplicate id",
			yaml: "policies:\n  - id: p\n    name: a\n    enabled: true\n    actions: [block]\n  - id: p\n    name: b\n    enabled: true\n    actions: [allow]\n",
		},
		{
			name: "not yaml",
			yaml: "{{{{",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicyYAML), 0o600))

	policies, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, policies, 3)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestDefaultPoliciesBehaviour(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.Replace(DefaultPolicies()))

	tests := []struct {
		level      model.Severity
		wantAction Action
		wantPolicy string
	}{
		{model.SeverityCritical, ActionBlock, "default-block-high"},
		{model.SeverityHigh, ActionBlock, "default-block-high"},
		{model.SeverityMedium, ActionModify, "default-redact-medium"},
		{model.SeverityLow, ActionAlert, "default-alert-low"},
		{model.SeverityNone, ActionAllow, "default-allow-clean"},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			d := e.Evaluate(requestFor("u1"), verdictWith(tt.level, "pii"))
			assert.Equal(t, tt.wantAction, d.Action)
			assert.Equal(t, tt.wantPolicy, d.PolicyID)
		})
	}
}

func TestDefaultPoliciesValidate(t *testing.T) {
	for _, p := range DefaultPolicies() {
		assert.NoError(t, p.Validate(), "policy %s", p.ID)
	}
}

func TestLoadedPoliciesEvaluate(t *testing.T) {
	policies, err := Parse([]byte(samplePolicyYAML))
	require.NoError(t, err)

	e := NewEngine()
	require.NoError(t, e.Replace(policies))
	e.now = func() time.Time {
		ts, _ := time.Parse("2006-01-02 15:04", "2025-06-01 23:00")
		return ts.UTC()
	}

	d := e.Evaluate(requestFor("u1"), verdictWith(model.SeverityMedium, "pii"))
	assert.Equal(t, "queue-after-hours", d.PolicyID)
	assert.Equal(t, ActionQueue, d.Action)

	e.now = func() time.Time {
		ts, _ := time.Parse("2006-01-02 15:04", "2025-06-01 12:00")
		return ts.UTC()
	}
	d = e.Evaluate(requestFor("u1"), verdictWith(model.SeverityMedium, "pii"))
	assert.Equal(t, "allow-rest", d.PolicyID)
}
