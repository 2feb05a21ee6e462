// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package policy

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Action is the outcome a matched policy requests from the pipeline.
type Action string

const (
	ActionAllow    Action = "allow"
	ActionBlock    Action = "block"
	ActionModify   Action = "modify"
	ActionRedirect Action = "redirect"
	ActionAlert    Action = "alert"
	ActionLog      Action = "log"
	ActionQueue    Action = "queue"
)

// actionPrecedence orders actions when a policy declares several. The
// strongest action wins: block > queue > modify > redirect > alert >
// log > allow.
var actionPrecedence = map[Action]int{
	ActionBlock:    7,
	ActionQueue:    6,
	ActionModify:   5,
	ActionRedirect: 4,
	ActionAlert:    3,
	ActionLog:      2,
	ActionAllow:    1,
}

// PrimaryAction returns the strongest action in the list. An empty list
// collapses to block, mirroring the engine's default.
func PrimaryAction(actions []Action) Action {
	primary := ActionBlock
	best := 0
	for _, a := range actions {
		if p := actionPrecedence[a]; p > best {
			best = p
			primary = a
		}
	}
	return primary
}

// Field names the request attribute a condition inspects.
type Field string

const (
	FieldThreatLevel Field = "threat-level"
	FieldScanner     Field = "scanner"
	FieldUser        Field = "user"
	FieldTime        Field = "time"
)

// Operator is the comparator applied between the field and the condition
// value.
type Operator string

const (
	OpEQ       Operator = "eq"
	OpNE       Operator = "ne"
	OpGT       Operator = "gt"
	OpGTE      Operator = "gte"
	OpLT       Operator = "lt"
	OpLTE      Operator = "lte"
	OpIn       Operator = "in"
	OpContains Operator = "contains"
	OpMatches  Operator = "matches"
)

// MaxPatternLength bounds regex values for the matches operator.
const MaxPatternLength = 512

// Validation errors.
var (
	ErrPolicyIDRequired   = errors.New("policy id is required")
	ErrPolicyNameRequired = errors.New("policy name is required")
	ErrNoActions          = errors.New("policy must declare at least one action")
	ErrUnknownAction      = errors.New("unknown action")
	ErrUnknownField       = errors.New("unknown condition field")
	ErrUnknownOperator    = errors.New("unknown condition operator")
	ErrValueRequired      = errors.New("condition value is required")
	ErrValueType          = errors.New("condition value has the wrong type for its operator")
	ErrPatternTooLong     = errors.New("matches pattern exceeds the length limit")
	ErrPatternInvalid     = errors.New("matches pattern does not compile")
	ErrBadSeverity        = errors.New("threat-level value is not a known severity")
)

// Condition is one predicate of a policy. All of a policy's conditions
// must hold for the policy to match.
type Condition struct {
	Field    Field       `json:"field" yaml:"field"`
	Operator Operator    `json:"operator" yaml:"operator"`
	Value    interface{} `json:"value" yaml:"value"`

	re *regexp.Regexp
}

// Policy is one rule in the engine. Higher priority evaluates first;
// within equal priority, insertion order is preserved.
type Policy struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Priority    int               `json:"priority" yaml:"priority"`
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	Conditions  []Condition       `json:"conditions" yaml:"conditions"`
	Actions     []Action          `json:"actions" yaml:"actions"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt   time.Time         `json:"updated_at,omitempty" yaml:"-"`
}

// Decision is the engine's answer for one request.
type Decision struct {
	Matched           bool              `json:"matched"`
	PolicyID          string            `json:"policy_id,omitempty"`
	PolicyName        string            `json:"policy_name,omitempty"`
	Action            Action            `json:"action"`
	Reason            string            `json:"reason"`
	MatchedConditions []Condition       `json:"matched_conditions,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Validate checks the policy and compiles any matches patterns. It must
// pass before the policy enters the engine.
func (p *Policy) Validate() error {
	if p.ID == "" {
		return ErrPolicyIDRequired
	}
	if p.Name == "" {
		return ErrPolicyNameRequired
	}
	if len(p.Actions) == 0 {
		return fmt.Errorf("policy %s: %w", p.ID, ErrNoActions)
	}
	for _, a := range p.Actions {
		if _, ok := actionPrecedence[a]; !ok {
			return fmt.Errorf("policy %s: %w: %q", p.ID, ErrUnknownAction, a)
		}
	}
	for i := range p.Conditions {
		if err := p.Conditions[i].validate(); err != nil {
			return fmt.Errorf("policy %s condition %d: %w", p.ID, i, err)
		}
	}
	return nil
}

// Clone returns a deep copy so callers can hand policies out without
// exposing engine-internal state to mutation.
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Conditions != nil {
		cp.Conditions = make([]Condition, len(p.Conditions))
		copy(cp.Conditions, p.Conditions)
	}
	if p.Actions != nil {
		cp.Actions = make([]Action, len(p.Actions))
		copy(cp.Actions, p.Actions)
	}
	if p.Metadata != nil {
		cp.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
