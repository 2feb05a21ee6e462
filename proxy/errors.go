// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"proxilion/gateway/dedup"
	"proxilion/gateway/model"
	"proxilion/gateway/parser"
	"proxilion/gateway/stream"
	"proxilion/gateway/upstream"
)

// Driver-level sentinel errors. Component errors (parse, pool, breaker,
// dedup, stream) keep their own sentinels; statusFor folds them all into
// the outward status.
var (
	ErrRateLimited      = errors.New("proxy: rate limit exceeded")
	ErrAuthRequired     = errors.New("proxy: authentication required")
	ErrResponseTooLarge = errors.New("proxy: upstream response exceeds buffer cap")
)

// errorBody is the wire error contract. The camelCase keys are consumed
// by client SDKs and must not change.
type errorBody struct {
	Error         string         `json:"error"`
	Reason        string         `json:"reason,omitempty"`
	CorrelationID string         `json:"correlationId"`
	ThreatLevel   model.Severity `json:"threatLevel,omitempty"`
	Code          string         `json:"code,omitempty"`
	RetryAfter    int            `json:"retryAfter,omitempty"`
}

// statusFor classifies a pipeline error into the outward HTTP status and
// the machine-readable code of the error body. Fatal errors carry no
// internal detail beyond the code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, parser.ErrParseFailure):
		return http.StatusBadRequest, "parse-failure"
	case errors.Is(err, ErrAuthRequired):
		return http.StatusUnauthorized, "auth-required"
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, "rate-limited"
	case errors.Is(err, upstream.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "circuit-open"
	case errors.Is(err, upstream.ErrAcquireTimeout):
		return http.StatusGatewayTimeout, "pool-acquire-timeout"
	case errors.Is(err, upstream.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, "upstream-timeout"
	case errors.Is(err, stream.ErrChunkTimeout):
		return http.StatusGatewayTimeout, "stream-timeout"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request-timeout"
	case errors.Is(err, upstream.ErrTransport):
		return http.StatusServiceUnavailable, "upstream-transport"
	case errors.Is(err, stream.ErrBackpressure):
		return http.StatusInternalServerError, "stream-backpressure"
	case errors.Is(err, dedup.ErrTimeout):
		return http.StatusInternalServerError, "dedup-timeout"
	case errors.Is(err, ErrResponseTooLarge):
		return http.StatusInternalServerError, "response-too-large"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// messageFor is the outward description per code. Internal error text
// never reaches the client.
func messageFor(code string) string {
	switch code {
	case "parse-failure":
		return "request could not be parsed"
	case "auth-required":
		return "authentication required"
	case "rate-limited":
		return "rate limit exceeded"
	case "circuit-open":
		return "upstream temporarily unavailable"
	case "pool-acquire-timeout", "upstream-timeout", "stream-timeout", "request-timeout":
		return "upstream request timed out"
	case "upstream-transport":
		return "upstream request failed"
	default:
		return "internal error"
	}
}

// writeJSON writes any JSON payload with the given status.
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Error encoding response body: %v", err)
	}
}

// writeError emits the structured error body.
func writeError(w http.ResponseWriter, status int, body errorBody) {
	if body.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	writeJSON(w, status, body)
}
