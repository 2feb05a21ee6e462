// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package proxy

import (
	"fmt"
	"io"
	"net/http"

	"proxilion/gateway/shared/logger"
	"proxilion/gateway/upstream"
)

// DefaultMaxResponseBytes caps the single-shot response buffer.
const DefaultMaxResponseBytes = 10 << 20 // 10 MiB

// ProcessedResponse is a fully buffered upstream answer, ready to be
// replayed to the client, shared with dedup waiters, and stored in the
// cache. It is immutable once built.
type ProcessedResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Modified   bool
}

// ResponseProcessor buffers non-streaming upstream bodies and runs the
// response-side redaction pass over them.
type ResponseProcessor struct {
	maxBytes      int64
	scanResponses bool
	redactor      *Redactor
	log           *logger.Logger
}

// NewResponseProcessor builds the processor. maxBytes <= 0 selects the
// default cap; a nil redactor disables rewriting regardless of the scan
// flag.
func NewResponseProcessor(maxBytes int64, scanResponses bool, redactor *Redactor) *ResponseProcessor {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxResponseBytes
	}
	return &ResponseProcessor{
		maxBytes:      maxBytes,
		scanResponses: scanResponses,
		redactor:      redactor,
		log:           logger.New("singleshot"),
	}
}

// Process reads the whole body and applies redaction when the response
// scanning flag is on. Bodies beyond the buffer cap fail the request;
// encoded bodies (gzip and friends) pass through untouched because the
// plaintext is not visible at this layer.
func (p *ResponseProcessor) Process(correlationID string, resp *http.Response) (*ProcessedResponse, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading upstream body: %v", upstream.ErrTransport, err)
	}
	if int64(len(body)) > p.maxBytes {
		p.log.Warn(correlationID, "Upstream response exceeds buffer cap", map[string]interface{}{
			"cap_bytes": p.maxBytes,
		})
		return nil, fmt.Errorf("%w: cap %d bytes", ErrResponseTooLarge, p.maxBytes)
	}

	modified := false
	if p.scanResponses && p.redactor != nil && transparentEncoding(resp.Header) {
		body, modified = p.redactor.RedactBody(body)
	}

	header := cloneHeader(resp.Header)
	if modified {
		// The rewritten body has a new length; the original header no
		// longer describes it.
		header.Del("Content-Length")
	}

	return &ProcessedResponse{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
		Modified:   modified,
	}, nil
}

// transparentEncoding reports whether the body bytes are readable text
// rather than a compressed stream.
func transparentEncoding(h http.Header) bool {
	switch h.Get("Content-Encoding") {
	case "", "identity":
		return true
	default:
		return false
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		out[k] = append([]string(nil), vv...)
	}
	return out
}
