// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package model

import "time"

// AuditLevel classifies the severity of an audit record.
type AuditLevel string

const (
	AuditTrace    AuditLevel = "trace"
	AuditDebug    AuditLevel = "debug"
	AuditInfo     AuditLevel = "info"
	AuditWarn     AuditLevel = "warn"
	AuditError    AuditLevel = "error"
	AuditCritical AuditLevel = "critical"
)

// AuditRecord is the per-request event handed to the audit collaborator.
// Exactly one record is emitted per inbound request, at whichever exit the
// pipeline takes. The JSON field names are the wire contract consumed by
// downstream SIEM tooling and must not change.
type AuditRecord struct {
	ID            string     `json:"id"`
	RequestID     string     `json:"requestId"`
	Timestamp     time.Time  `json:"timestamp"`
	Level         AuditLevel `json:"level"`
	Type          string     `json:"type"`
	Message       string     `json:"message"`
	CorrelationID string     `json:"correlationId"`
	EventType     string     `json:"eventType"`
	Action        string     `json:"action"`
	Decision      string     `json:"decision"`
	ThreatLevel   Severity   `json:"threatLevel"`
	UserID        string     `json:"userId,omitempty"`
	SourceIP      string     `json:"sourceIp,omitempty"`
	Provider      Provider   `json:"provider"`
	Model         string     `json:"model"`
	Duration      float64    `json:"duration"`
	Findings      []Finding  `json:"findings"`
	PolicyID      string     `json:"policyId"`
	TargetService string     `json:"targetService"`
}

// AuditLevelFor maps a threat level onto the audit level of the record.
func AuditLevelFor(threat Severity) AuditLevel {
	switch threat {
	case SeverityCritical:
		return AuditCritical
	case SeverityHigh:
		return AuditError
	case SeverityMedium:
		return AuditWarn
	default:
		return AuditInfo
	}
}
