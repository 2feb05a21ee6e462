// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

/*
Package logger provides structured JSON logging with per-request
correlation for Proxilion components.

# Overview

The logger package provides structured logging that outputs JSON to stdout,
making logs easily consumable by CloudWatch, ELK stack, or other log
aggregation systems.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (proxy, scanner, upstream, etc.)
  - Instance ID and container name (for distributed tracing)
  - Correlation ID (for request correlation across pipeline stages)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("proxy")

Log messages with request context:

	log.Info("corr-456", "Forwarding request", map[string]interface{}{
	    "provider": "openai",
	    "model":    "gpt-4",
	})

Log errors with status codes:

	log.ErrorWithCode("corr-456", "Request blocked", 403, err, map[string]interface{}{
	    "policy_id": "block-high-threat",
	})

Log with duration tracking:

	start := time.Now()
	// ... do work ...
	log.InfoWithDuration("corr-456", "Request completed",
	    float64(time.Since(start).Milliseconds()), nil)

# Output Format

Log entries are output as single-line JSON:

	{"timestamp":"2025-01-15T10:30:00.123456789Z","level":"INFO",
	 "component":"proxy","instance_id":"i-abc123","container":"gateway-xyz",
	 "correlation_id":"corr-456","message":"Forwarding request",
	 "fields":{"provider":"openai"}}

# Environment Variables

The logger reads these environment variables:

  - INSTANCE_ID: Deployment instance identifier
  - HOSTNAME: Container hostname (auto-detected)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
