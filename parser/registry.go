// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package parser

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"proxilion/gateway/model"
	"proxilion/gateway/shared/logger"
)

var (
	// ErrParseFailure is returned when no registered parser produces a
	// normalised request. Callers must reject the request; there is no
	// pass-through for unparseable payloads.
	ErrParseFailure = errors.New("no parser accepted the request")

	// ErrEmptyBody is returned by individual parsers for requests without
	// a payload to normalise.
	ErrEmptyBody = errors.New("request body is empty")

	// ErrMalformedBody is returned by individual parsers when the payload
	// is not valid JSON or misses mandatory dialect fields.
	ErrMalformedBody = errors.New("request body is malformed")
)

// RawRequest is the inbound material a parser works from. URL is the
// upstream target: the unescaped path argument in explicit-proxy mode, the
// reconstructed vendor URL in transparent mode.
type RawRequest struct {
	Method        string
	URL           *url.URL
	Headers       http.Header
	Body          []byte
	CorrelationID string
	SourceIP      string
	UserAgent     string
}

// Host returns the upstream host the request targets.
func (r *RawRequest) Host() string {
	if r.URL == nil {
		return ""
	}
	return strings.ToLower(r.URL.Hostname())
}

// Path returns the upstream path the request targets.
func (r *RawRequest) Path() string {
	if r.URL == nil {
		return ""
	}
	return r.URL.Path
}

// Parser lifts one vendor dialect into the normalised request form.
// Implementations are pure: they read the raw request and return a fresh
// model.Request without retaining references to the raw bytes.
type Parser interface {
	ID() string
	Match(raw *RawRequest) bool
	Parse(raw *RawRequest) (*model.Request, error)
}

// Registry holds the parsers in priority order. Dispatch polls the list in
// order and the first successful parse wins, so adding a dialect never
// requires touching an existing parser.
type Registry struct {
	mu      sync.RWMutex
	parsers []Parser
	log     *logger.Logger
}

// NewRegistry creates a registry preloaded with the built-in dialect
// parsers, most specific first. The custom parser stays last: it accepts
// any JSON body with a recognisable prompt shape.
func NewRegistry() *Registry {
	r := &Registry{
		log: logger.New("parser"),
	}
	r.Register(&OpenAIParser{})
	r.Register(&AnthropicParser{})
	r.Register(&GoogleParser{})
	r.Register(&CohereParser{})
	r.Register(&HuggingFaceParser{})
	r.Register(&CustomParser{})
	return r
}

// NewEmptyRegistry creates a registry with no parsers registered.
func NewEmptyRegistry() *Registry {
	return &Registry{log: logger.New("parser")}
}

// Register appends a parser at the lowest priority position.
func (r *Registry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers = append(r.parsers, p)
}

// Parsers returns the ids of the registered parsers in dispatch order.
func (r *Registry) Parsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, len(r.parsers))
	for i, p := range r.parsers {
		ids[i] = p.ID()
	}
	return ids
}

// Parse dispatches the raw request to the first parser that both matches
// and parses it. A parser that matches but fails to parse does not end
// dispatch; later parsers still get their turn. When every parser declines,
// ErrParseFailure is returned and the caller must reject the request.
func (r *Registry) Parse(raw *RawRequest) (*model.Request, error) {
	r.mu.RLock()
	parsers := make([]Parser, len(r.parsers))
	copy(parsers, r.parsers)
	r.mu.RUnlock()

	if len(raw.Body) == 0 {
		return nil, ErrParseFailure
	}

	for _, p := range parsers {
		if !p.Match(raw) {
			continue
		}
		req, err := p.Parse(raw)
		if err != nil {
			r.log.Debug(raw.CorrelationID, "Parser declined request", map[string]interface{}{
				"parser": p.ID(),
				"error":  err.Error(),
			})
			continue
		}
		r.stamp(req, raw)
		return req, nil
	}

	return nil, ErrParseFailure
}

// stamp fills the identity and metadata fields that are independent of the
// vendor dialect.
func (r *Registry) stamp(req *model.Request, raw *RawRequest) {
	req.CorrelationID = raw.CorrelationID
	req.Metadata.SourceIP = raw.SourceIP
	req.Metadata.UserAgent = raw.UserAgent
	if req.Metadata.Timestamp.IsZero() {
		req.Metadata.Timestamp = time.Now().UTC()
	}
}

// providerForModel infers the vendor from a model identifier prefix. Used
// by the custom parser when the URL carries no vendor hint.
func providerForModel(name string) model.Provider {
	lower := strings.ToLower(name)
	switch {
	case strings.HasPrefix(lower, "gpt-"), strings.HasPrefix(lower, "o1"),
		strings.HasPrefix(lower, "o3"), strings.HasPrefix(lower, "text-davinci"),
		strings.HasPrefix(lower, "chatgpt"):
		return model.ProviderOpenAI
	case strings.HasPrefix(lower, "claude"):
		return model.ProviderAnthropic
	case strings.HasPrefix(lower, "gemini"), strings.HasPrefix(lower, "palm"),
		strings.HasPrefix(lower, "bison"):
		return model.ProviderGoogle
	case strings.HasPrefix(lower, "command"):
		return model.ProviderCohere
	default:
		return model.ProviderCustom
	}
}
