// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

/*
Package policy maps scan verdicts onto pipeline actions.

# Evaluation

Policies live in a list sorted by descending priority. Evaluate walks
the list and returns the decision of the first enabled policy whose
conditions all hold. When no policy matches the decision is block; an
empty rule set therefore blocks everything, which is the safe default
for a security gateway.

# Conditions

A condition names a field, a comparator, and a value:

	conditions:
	  - field: threat-level
	    operator: gte
	    value: high

Fields are threat-level (the verdict's aggregated level on the ordered
scale none < low < medium < high < critical), scanner (the ids of
scanners that reported findings), user (the requesting user id), and
time (the evaluation clock as HH:MM in UTC). Comparators are eq, ne,
gt, gte, lt, lte, in, contains, and matches. The matches comparator
takes a regular expression, compiled at validation time and capped at
MaxPatternLength.

# Actions

A policy may declare several actions; the primary action follows the
precedence block > queue > modify > redirect > alert > log > allow.

# Concurrency

The rule set is copy-on-write. Add, Update, Remove, and Replace build a
new sorted slice and swap it in under the write lock, so a concurrent
Evaluate sees either the old set or the new one, never a partial
mutation.
*/
package policy
