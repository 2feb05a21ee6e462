// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

/*
Package scanner runs security analysis over parsed LLM requests.

# Overview

Scanners inspect a normalized request and report findings. The
Orchestrator fans all registered scanners out in parallel, applies a
hard deadline, and folds the per-scanner results into a single Verdict
used by policy evaluation.

# Scanner Interface

Every scanner implements:

	type Scanner interface {
		ID() string
		Name() string
		Scan(ctx context.Context, req *model.Request, text *Projection) (model.ScanResult, error)
	}

Scan receives a shared read-only Projection of the request text so each
scanner does not re-extract message content. Scanners must be safe for
concurrent use and must honor ctx cancellation between units of work.

# Failure Isolation

A scanner that returns an error, panics, or misses the deadline never
fails the request. The orchestrator substitutes a neutral result
(passed, threat level none, no findings) for that scanner and records
the substitution in the logs. A request is only ever rejected by policy
action, not by analysis breakage.

# Early Termination

When any scanner reports a critical finding the orchestrator cancels
the remaining scanners and returns immediately. Scanners that did not
complete contribute neutral results, so the verdict shape is identical
with and without early termination. The final threat level is already
critical in that case and cannot be raised by the cancelled scanners.

# Built-in Scanners

  - pii: pattern bank for emails, SSNs, credit cards, IBANs, routing
    numbers, phone numbers, IP addresses, and street addresses, with
    checksum validation where the format defines one
  - secrets: credential material (cloud access keys, private key
    blocks, repository and chat tokens, connection strings)
  - injection: prompt-injection and jailbreak phrasing
  - toxicity: violent threats, self-harm, harassment
  - compliance: configurable restricted-term list

# Verdict Shape

Per-scanner results are normalized through model.BuildResult, so for
every result the passed flag, threat level, and findings always agree:
a result passes exactly when its threat level is none, and the threat
level equals the maximum finding severity.
*/
package scanner
