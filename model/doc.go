// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

/*
Package model defines the provider-agnostic data model shared by every
pipeline stage: the normalised request, scan findings and verdicts, and the
audit record.

# Overview

Inbound requests arrive in a vendor dialect (OpenAI, Anthropic, Google,
Cohere, HuggingFace, or a custom JSON shape). The parser registry lifts them
into model.Request, after which no component ever touches the raw bytes for
inspection purposes. Scanners produce model.ScanResult values that the
orchestrator folds into a model.Verdict; the policy engine consumes both the
request and the verdict.

All enumerations (Provider, Role, PartKind, Severity, AuditLevel) are closed
string types so downstream switches stay total and wire encodings stay
stable.

# Immutability

model.Request is treated as immutable once produced. The one pipeline stage
that changes content, redaction under the modify action, works on a deep
copy from Request.Clone.

# Severity ordering

Severities order as none < low < medium < high < critical. Policy
comparators and verdict aggregation both use Severity.Rank, so the two can
never disagree about ordering.
*/
package model
