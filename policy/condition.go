// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package policy

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"proxilion/gateway/model"
)

// evalContext carries the per-request values conditions read: the
// aggregated threat level, the ids of scanners that reported findings,
// the requesting user, and the evaluation wall clock.
type evalContext struct {
	threat  model.Severity
	failing []string
	user    string
	now     time.Time
}

func newEvalContext(req *model.Request, verdict *model.Verdict, now time.Time) evalContext {
	ec := evalContext{threat: model.SeverityNone, now: now}
	if verdict != nil {
		ec.threat = verdict.OverallThreatLevel
		for _, r := range verdict.Results {
			if !r.Passed {
				ec.failing = append(ec.failing, r.ScannerID)
			}
		}
	}
	if req != nil {
		ec.user = req.Metadata.UserID
	}
	return ec
}

// validate checks the condition's field, operator, and value shape, and
// compiles matches patterns so evaluation never pays compilation cost.
func (c *Condition) validate() error {
	switch c.Field {
	case FieldThreatLevel, FieldScanner, FieldUser, FieldTime:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownField, c.Field)
	}
	if c.Value == nil {
		return ErrValueRequired
	}

	switch c.Operator {
	case OpEQ, OpNE, OpGT, OpGTE, OpLT, OpLTE, OpContains:
		s, ok := valueString(c.Value)
		if !ok {
			return ErrValueType
		}
		if c.Field == FieldThreatLevel {
			if !knownSeverity(s) {
				return fmt.Errorf("%w: %q", ErrBadSeverity, s)
			}
		}
	case OpIn:
		items, ok := valueStrings(c.Value)
		if !ok || len(items) == 0 {
			return ErrValueType
		}
		if c.Field == FieldThreatLevel {
			for _, item := range items {
				if !knownSeverity(item) {
					return fmt.Errorf("%w: %q", ErrBadSeverity, item)
				}
			}
		}
	case OpMatches:
		s, ok := valueString(c.Value)
		if !ok {
			return ErrValueType
		}
		if len(s) > MaxPatternLength {
			return ErrPatternTooLong
		}
		re, err := regexp.Compile(s)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPatternInvalid, err)
		}
		c.re = re
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOperator, c.Operator)
	}
	return nil
}

// evaluate reports whether the condition holds for the request. Every
// field and operator combination is defined; unknown shapes never panic,
// they evaluate false.
func (c *Condition) evaluate(ec evalContext) bool {
	switch c.Field {
	case FieldThreatLevel:
		return c.evalThreatLevel(ec.threat)
	case FieldScanner:
		return c.evalScanner(ec.failing)
	case FieldUser:
		return c.evalString(ec.user)
	case FieldTime:
		return c.evalTime(ec.now)
	default:
		return false
	}
}

// evalThreatLevel compares the aggregated threat level on the ordered
// severity scale.
func (c *Condition) evalThreatLevel(level model.Severity) bool {
	switch c.Operator {
	case OpEQ, OpNE, OpGT, OpGTE, OpLT, OpLTE:
		s, ok := valueString(c.Value)
		if !ok {
			return false
		}
		want := model.ParseSeverity(strings.ToLower(s))
		return compareRanks(level.Rank(), want.Rank(), c.Operator)
	case OpIn:
		items, ok := valueStrings(c.Value)
		if !ok {
			return false
		}
		for _, item := range items {
			if model.ParseSeverity(strings.ToLower(item)) == level {
				return true
			}
		}
		return false
	case OpContains:
		s, ok := valueString(c.Value)
		return ok && strings.Contains(string(level), strings.ToLower(s))
	case OpMatches:
		return c.re != nil && c.re.MatchString(string(level))
	default:
		return false
	}
}

// evalScanner tests the ids of scanners that reported findings. For eq,
// in, contains, and matches the condition holds when any failing scanner
// satisfies it; ne holds when none carries the given id. Ordering
// comparators compare ids lexically.
func (c *Condition) evalScanner(failing []string) bool {
	if c.Operator == OpNE {
		s, ok := valueString(c.Value)
		if !ok {
			return false
		}
		for _, id := range failing {
			if id == s {
				return false
			}
		}
		return true
	}
	for _, id := range failing {
		if c.evalStringScalar(id) {
			return true
		}
	}
	return false
}

// evalString applies the comparator to one string value (the user id).
func (c *Condition) evalString(value string) bool {
	if c.Operator == OpNE {
		s, ok := valueString(c.Value)
		return ok && value != s
	}
	return c.evalStringScalar(value)
}

// evalStringScalar covers every operator except ne for a single string.
func (c *Condition) evalStringScalar(value string) bool {
	switch c.Operator {
	case OpEQ:
		s, ok := valueString(c.Value)
		return ok && value == s
	case OpGT, OpGTE, OpLT, OpLTE:
		s, ok := valueString(c.Value)
		if !ok {
			return false
		}
		return compareRanks(strings.Compare(value, s), 0, c.Operator)
	case OpIn:
		items, ok := valueStrings(c.Value)
		if !ok {
			return false
		}
		for _, item := range items {
			if value == item {
				return true
			}
		}
		return false
	case OpContains:
		s, ok := valueString(c.Value)
		return ok && strings.Contains(value, s)
	case OpMatches:
		return c.re != nil && c.re.MatchString(value)
	default:
		return false
	}
}

// evalTime compares the evaluation clock as a zero-padded HH:MM string
// in UTC. Zero-padded HH:MM orders correctly under lexical comparison.
// The in operator additionally accepts "HH:MM-HH:MM" ranges, inclusive,
// with ranges that wrap midnight.
func (c *Condition) evalTime(now time.Time) bool {
	hhmm := now.UTC().Format("15:04")
	switch c.Operator {
	case OpEQ:
		s, ok := valueString(c.Value)
		return ok && hhmm == s
	case OpNE:
		s, ok := valueString(c.Value)
		return ok && hhmm != s
	case OpGT, OpGTE, OpLT, OpLTE:
		s, ok := valueString(c.Value)
		if !ok {
			return false
		}
		return compareRanks(strings.Compare(hhmm, s), 0, c.Operator)
	case OpIn:
		items, ok := valueStrings(c.Value)
		if !ok {
			return false
		}
		for _, item := range items {
			if timeItemMatches(hhmm, item) {
				return true
			}
		}
		return false
	case OpContains:
		s, ok := valueString(c.Value)
		return ok && strings.Contains(hhmm, s)
	case OpMatches:
		return c.re != nil && c.re.MatchString(hhmm)
	default:
		return false
	}
}

// timeItemMatches accepts either an exact "HH:MM" or a "HH:MM-HH:MM"
// range.
func timeItemMatches(hhmm, item string) bool {
	lo, hi, ok := strings.Cut(item, "-")
	if !ok {
		return hhmm == item
	}
	lo = strings.TrimSpace(lo)
	hi = strings.TrimSpace(hi)
	if lo <= hi {
		return hhmm >= lo && hhmm <= hi
	}
	// Wraps midnight, e.g. 22:00-06:00.
	return hhmm >= lo || hhmm <= hi
}

// compareRanks maps an ordering comparator onto two integer ranks. For
// string comparisons the caller passes strings.Compare's result and 0.
func compareRanks(have, want int, op Operator) bool {
	switch op {
	case OpEQ:
		return have == want
	case OpNE:
		return have != want
	case OpGT:
		return have > want
	case OpGTE:
		return have >= want
	case OpLT:
		return have < want
	case OpLTE:
		return have <= want
	default:
		return false
	}
}

func knownSeverity(s string) bool {
	switch model.Severity(strings.ToLower(s)) {
	case model.SeverityNone, model.SeverityLow, model.SeverityMedium, model.SeverityHigh, model.SeverityCritical:
		return true
	}
	return false
}

// valueString accepts the scalar shapes YAML and JSON decoding produce.
func valueString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case fmt.Stringer:
		return s.String(), true
	default:
		return "", false
	}
}

// valueStrings accepts list shapes from YAML ([]interface{}) and code
// ([]string).
func valueStrings(v interface{}) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}
