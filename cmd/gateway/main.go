// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

// Package main is the entry point for the Proxilion gateway.
//
// The gateway is a man-in-the-middle proxy between clients and LLM
// vendor APIs that:
// - Normalises vendor request dialects into one internal form
// - Scans content for PII, secrets, injection, toxicity, and compliance terms
// - Enforces prioritised policies with a default-block posture
// - Caches, deduplicates, and circuit-breaks upstream traffic
// - Emits one audit record per request
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	JWT_SECRET - Secret for JWT token validation
//	API_KEYS - Comma-separated key:user:tenant triples
//	REDIS_ADDR - Redis address for rate limiting and audit delivery
//	POLICY_FILE - YAML rule set loaded at start-up
package main

import (
	"proxilion/gateway/proxy"
)

func main() {
	proxy.Run()
}
