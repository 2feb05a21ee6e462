// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package model

import "time"

// Provider identifies the upstream LLM vendor dialect of a request.
type Provider string

const (
	ProviderOpenAI      Provider = "openai"
	ProviderAnthropic   Provider = "anthropic"
	ProviderGoogle      Provider = "google"
	ProviderCohere      Provider = "cohere"
	ProviderHuggingFace Provider = "huggingface"
	ProviderCustom      Provider = "custom"
	ProviderUnknown     Provider = "unknown"
)

// Role identifies the author of a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleFunction  Role = "function"
	RoleTool      Role = "tool"
)

// PartKind identifies the payload type of a multi-part message segment.
type PartKind string

const (
	PartText     PartKind = "text"
	PartImage    PartKind = "image"
	PartDocument PartKind = "document"
)

// ContentPart is one segment of a multi-part message. Payload holds the
// text for text parts and the source reference (URL or base64 data) for
// image and document parts.
type ContentPart struct {
	Kind    PartKind `json:"kind"`
	Payload string   `json:"payload"`
}

// Message is a single turn in the conversation. Exactly one of Content or
// Parts is populated: Content for plain string messages, Parts for
// multi-part messages.
type Message struct {
	Role    Role          `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`
}

// Text returns the scannable textual content of the message: Content for
// plain messages, the concatenated text parts otherwise. Image and document
// parts contribute nothing.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			if out != "" {
				out += "\n"
			}
			out += p.Payload
		}
	}
	return out
}

// Parameters holds the generation parameters of a request. All fields are
// optional; nil means the client did not set the parameter.
type Parameters struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	TopK             *int     `json:"top_k,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	StopSequences    []string `json:"stop_sequences,omitempty"`
}

// Tool describes a function or tool the client exposes to the model.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// Metadata carries request context that is excluded from fingerprinting.
type Metadata struct {
	UserID    string            `json:"user_id,omitempty"`
	Tenant    string            `json:"tenant,omitempty"`
	SourceIP  string            `json:"source_ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// Request is the provider-agnostic normalised form of an inbound LLM call.
// It is pure data: once a parser has produced it, no references to the raw
// request bytes remain, and the pipeline treats it as immutable. Redaction
// produces a new Request via Clone.
type Request struct {
	CorrelationID string     `json:"correlation_id"`
	Provider      Provider   `json:"provider"`
	Model         string     `json:"model"`
	Messages      []Message  `json:"messages"`
	Parameters    Parameters `json:"parameters"`
	Stream        bool       `json:"stream"`
	Tools         []Tool     `json:"tools,omitempty"`
	Metadata      Metadata   `json:"metadata"`
}

// Clone returns a deep copy of the request. The modify action redacts the
// copy, never the original.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r

	out.Messages = make([]Message, len(r.Messages))
	for i, m := range r.Messages {
		cm := m
		if len(m.Parts) > 0 {
			cm.Parts = make([]ContentPart, len(m.Parts))
			copy(cm.Parts, m.Parts)
		}
		out.Messages[i] = cm
	}

	if r.Parameters.Temperature != nil {
		v := *r.Parameters.Temperature
		out.Parameters.Temperature = &v
	}
	if r.Parameters.MaxTokens != nil {
		v := *r.Parameters.MaxTokens
		out.Parameters.MaxTokens = &v
	}
	if r.Parameters.TopP != nil {
		v := *r.Parameters.TopP
		out.Parameters.TopP = &v
	}
	if r.Parameters.TopK != nil {
		v := *r.Parameters.TopK
		out.Parameters.TopK = &v
	}
	if r.Parameters.FrequencyPenalty != nil {
		v := *r.Parameters.FrequencyPenalty
		out.Parameters.FrequencyPenalty = &v
	}
	if r.Parameters.PresencePenalty != nil {
		v := *r.Parameters.PresencePenalty
		out.Parameters.PresencePenalty = &v
	}
	if len(r.Parameters.StopSequences) > 0 {
		out.Parameters.StopSequences = append([]string(nil), r.Parameters.StopSequences...)
	}

	if len(r.Tools) > 0 {
		out.Tools = make([]Tool, len(r.Tools))
		copy(out.Tools, r.Tools)
	}

	if len(r.Metadata.Tags) > 0 {
		out.Metadata.Tags = make(map[string]string, len(r.Metadata.Tags))
		for k, v := range r.Metadata.Tags {
			out.Metadata.Tags[k] = v
		}
	}

	return &out
}

// KnownProviders lists the providers the parser registry recognises by
// dedicated dialect, in dispatch order.
func KnownProviders() []Provider {
	return []Provider{
		ProviderOpenAI,
		ProviderAnthropic,
		ProviderGoogle,
		ProviderCohere,
		ProviderHuggingFace,
		ProviderCustom,
	}
}
