// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxilion/gateway/dedup"
	"proxilion/gateway/parser"
	"proxilion/gateway/stream"
	"proxilion/gateway/upstream"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"parse failure", parser.ErrParseFailure, http.StatusBadRequest, "parse-failure"},
		{"auth required", ErrAuthRequired, http.StatusUnauthorized, "auth-required"},
		{"rate limited", ErrRateLimited, http.StatusTooManyRequests, "rate-limited"},
		{"circuit open", upstream.ErrCircuitOpen, http.StatusServiceUnavailable, "circuit-open"},
		{"pool acquire timeout", upstream.ErrAcquireTimeout, http.StatusGatewayTimeout, "pool-acquire-timeout"},
		{"upstream timeout", upstream.ErrUpstreamTimeout, http.StatusGatewayTimeout, "upstream-timeout"},
		{"stream chunk timeout", stream.ErrChunkTimeout, http.StatusGatewayTimeout, "stream-timeout"},
		{"request deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, "request-timeout"},
		{"upstream transport", upstream.ErrTransport, http.StatusServiceUnavailable, "upstream-transport"},
		{"stream backpressure", stream.ErrBackpressure, http.StatusInternalServerError, "stream-backpressure"},
		{"dedup timeout", dedup.ErrTimeout, http.StatusInternalServerError, "dedup-timeout"},
		{"response too large", ErrResponseTooLarge, http.StatusInternalServerError, "response-too-large"},
		{"unknown error", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := statusFor(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, code)
		})
	}
}

func TestStatusForUnwrapsWrappedErrors(t *testing.T) {
	err := fmt.Errorf("forward to openai: %w", upstream.ErrCircuitOpen)
	status, code := statusFor(err)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "circuit-open", code)
}

func TestMessageForNeverLeaksInternals(t *testing.T) {
	codes := []string{
		"parse-failure", "auth-required", "rate-limited", "circuit-open",
		"pool-acquire-timeout", "upstream-timeout", "stream-timeout",
		"request-timeout", "upstream-transport", "stream-backpressure",
		"dedup-timeout", "response-too-large", "internal", "whatever",
	}
	for _, code := range codes {
		msg := messageFor(code)
		assert.NotEmpty(t, msg, "code %q", code)
		assert.NotContains(t, msg, "goroutine")
		assert.NotContains(t, msg, ".go:")
	}
}

func TestWriteErrorBody(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusForbidden, errorBody{
		Error:         "request blocked by policy",
		Reason:        "pii detected",
		CorrelationID: "corr-1",
		ThreatLevel:   "high",
		Code:          "policy-block",
	})

	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "request blocked by policy", body["error"])
	assert.Equal(t, "pii detected", body["reason"])
	assert.Equal(t, "corr-1", body["correlationId"])
	assert.Equal(t, "high", body["threatLevel"])
	assert.Equal(t, "policy-block", body["code"])
	// Zero retryAfter is omitted from the body and the header.
	assert.NotContains(t, body, "retryAfter")
	assert.Empty(t, w.Header().Get("Retry-After"))
}

func TestWriteErrorRetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusTooManyRequests, errorBody{
		Error:         "rate limit exceeded",
		CorrelationID: "corr-2",
		Code:          "rate-limited",
		RetryAfter:    42,
	})

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "42", w.Header().Get("Retry-After"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.EqualValues(t, 42, body["retryAfter"])
}
