// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package policy

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"proxilion/gateway/model"
	"proxilion/gateway/shared/logger"
)

// Engine errors.
var (
	ErrDuplicatePolicy = errors.New("policy id already registered")
	ErrPolicyNotFound  = errors.New("policy not found")
)

// Engine evaluates the prioritised rule set. The policy list is treated
// as copy-on-write: mutations build a new sorted slice and swap it in, so
// an in-flight Evaluate always sees either the old set or the new set,
// never a half-mutated one.
type Engine struct {
	mu       sync.RWMutex
	policies []*Policy

	now func() time.Time
	log *logger.Logger
}

// NewEngine creates an empty engine. With no policies registered every
// request is blocked; load DefaultPolicies or a policy file before
// serving traffic.
func NewEngine() *Engine {
	return &Engine{
		now: time.Now,
		log: logger.New("policy"),
	}
}

// snapshot returns the current sorted policy slice. The slice is never
// mutated in place, so reading it after the lock is released is safe.
func (e *Engine) snapshot() []*Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policies
}

// Evaluate walks the rule set in descending priority order and returns
// the decision of the first enabled policy whose conditions all hold.
// When nothing matches the decision is block.
func (e *Engine) Evaluate(req *model.Request, verdict *model.Verdict) Decision {
	ec := newEvalContext(req, verdict, e.now())

	for _, p := range e.snapshot() {
		if !p.Enabled {
			continue
		}
		if !matchAll(p.Conditions, ec) {
			continue
		}
		action := PrimaryAction(p.Actions)
		decision := Decision{
			Matched:           true,
			PolicyID:          p.ID,
			PolicyName:        p.Name,
			Action:            action,
			Reason:            fmt.Sprintf("policy %q matched", p.Name),
			MatchedConditions: append([]Condition(nil), p.Conditions...),
			Metadata:          p.Metadata,
		}
		if correlationID := correlationOf(req); correlationID != "" {
			e.log.Debug(correlationID, "Policy matched", map[string]interface{}{
				"policy_id": p.ID,
				"action":    string(action),
				"priority":  p.Priority,
			})
		}
		return decision
	}

	return Decision{
		Matched: false,
		Action:  ActionBlock,
		Reason:  "no policy matched",
	}
}

func matchAll(conditions []Condition, ec evalContext) bool {
	for i := range conditions {
		if !conditions[i].evaluate(ec) {
			return false
		}
	}
	return true
}

func correlationOf(req *model.Request) string {
	if req == nil {
		return ""
	}
	return req.CorrelationID
}

// Add validates and inserts a policy. Adding an id that already exists
// fails with ErrDuplicatePolicy.
func (e *Engine) Add(p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	cp := p.Clone()
	stamp := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = stamp
	}
	cp.UpdatedAt = stamp

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.policies {
		if existing.ID == cp.ID {
			return fmt.Errorf("%w: %s", ErrDuplicatePolicy, cp.ID)
		}
	}
	e.policies = resorted(append(copyPolicies(e.policies), cp))
	return nil
}

// Update replaces the policy with the same id.
func (e *Engine) Update(p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	cp := p.Clone()
	cp.UpdatedAt = time.Now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.policies {
		if existing.ID == cp.ID {
			if cp.CreatedAt.IsZero() {
				cp.CreatedAt = existing.CreatedAt
			}
			next := copyPolicies(e.policies)
			next[i] = cp
			e.policies = resorted(next)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrPolicyNotFound, cp.ID)
}

// Remove deletes a policy by id.
func (e *Engine) Remove(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.policies {
		if existing.ID == id {
			next := copyPolicies(e.policies)
			e.policies = append(next[:i], next[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
}

// Get returns a copy of the policy with the given id.
func (e *Engine) Get(id string) (*Policy, bool) {
	for _, p := range e.snapshot() {
		if p.ID == id {
			return p.Clone(), true
		}
	}
	return nil, false
}

// List returns copies of all policies in evaluation order.
func (e *Engine) List() []*Policy {
	snap := e.snapshot()
	out := make([]*Policy, len(snap))
	for i, p := range snap {
		out[i] = p.Clone()
	}
	return out
}

// Replace swaps the whole rule set in one step, used by the file loader
// at start-up and by bulk admin updates. All policies must validate or
// nothing changes.
func (e *Engine) Replace(policies []*Policy) error {
	next := make([]*Policy, 0, len(policies))
	stamp := time.Now().UTC()
	seen := make(map[string]struct{}, len(policies))
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return err
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicatePolicy, p.ID)
		}
		seen[p.ID] = struct{}{}
		cp := p.Clone()
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = stamp
		}
		cp.UpdatedAt = stamp
		next = append(next, cp)
	}

	e.mu.Lock()
	e.policies = resorted(next)
	e.mu.Unlock()
	return nil
}

// Len reports the number of registered policies.
func (e *Engine) Len() int {
	return len(e.snapshot())
}

// GetStats returns counters for the status surface.
func (e *Engine) GetStats() map[string]interface{} {
	snap := e.snapshot()
	enabled := 0
	for _, p := range snap {
		if p.Enabled {
			enabled++
		}
	}
	return map[string]interface{}{
		"total_policies":   len(snap),
		"enabled_policies": enabled,
	}
}

func copyPolicies(in []*Policy) []*Policy {
	out := make([]*Policy, len(in))
	copy(out, in)
	return out
}

// resorted orders policies by descending priority, stable within equal
// priority.
func resorted(in []*Policy) []*Policy {
	sort.SliceStable(in, func(i, j int) bool {
		return in[i].Priority > in[j].Priority
	})
	return in
}
