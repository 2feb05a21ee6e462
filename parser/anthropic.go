// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package parser

import (
	"encoding/json"
	"fmt"
	"strings"

	"proxilion/gateway/model"
)

// AnthropicParser lifts Anthropic messages-API payloads into the
// normalised form.
type AnthropicParser struct{}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicContentBlock struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Source struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
		Data      string `json:"data"`
	} `json:"source,omitempty"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	System        json.RawMessage    `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	Prompt        string             `json:"prompt,omitempty"`
	MaxTokens     *int               `json:"max_tokens,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	TopK          *int               `json:"top_k,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	Metadata      struct {
		UserID string `json:"user_id,omitempty"`
	} `json:"metadata,omitempty"`
}

func (p *AnthropicParser) ID() string { return "anthropic" }

// Match accepts Anthropic API hosts, /v1/messages and /v1/complete paths,
// and bodies whose model identifier carries the claude prefix.
func (p *AnthropicParser) Match(raw *RawRequest) bool {
	host := raw.Host()
	if strings.HasSuffix(host, "anthropic.com") || strings.HasSuffix(host, "claude.ai") {
		return true
	}
	path := raw.Path()
	if strings.HasSuffix(path, "/v1/messages") || strings.HasSuffix(path, "/v1/complete") {
		return true
	}
	var probe struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(raw.Body, &probe); err != nil {
		return false
	}
	return providerForModel(probe.Model) == model.ProviderAnthropic
}

func (p *AnthropicParser) Parse(raw *RawRequest) (*model.Request, error) {
	if len(raw.Body) == 0 {
		return nil, ErrEmptyBody
	}

	var body anthropicRequest
	if err := json.Unmarshal(raw.Body, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	if body.Model == "" {
		return nil, fmt.Errorf("%w: missing model", ErrMalformedBody)
	}

	req := &model.Request{
		Provider: model.ProviderAnthropic,
		Model:    body.Model,
		Stream:   body.Stream,
		Parameters: model.Parameters{
			Temperature:   body.Temperature,
			MaxTokens:     body.MaxTokens,
			TopP:          body.TopP,
			TopK:          body.TopK,
			StopSequences: body.StopSequences,
		},
	}
	if body.Metadata.UserID != "" {
		req.Metadata.UserID = body.Metadata.UserID
	}

	// The system prompt is a top-level field in this dialect; it becomes
	// the leading system message so scanners see it like any other text.
	if sys := decodeAnthropicSystem(body.System); sys != "" {
		req.Messages = append(req.Messages, model.Message{Role: model.RoleSystem, Content: sys})
	}

	switch {
	case len(body.Messages) > 0:
		for i, m := range body.Messages {
			msg, err := decodeAnthropicMessage(m)
			if err != nil {
				return nil, fmt.Errorf("%w: message %d: %v", ErrMalformedBody, i, err)
			}
			req.Messages = append(req.Messages, msg)
		}
	case body.Prompt != "":
		// Legacy text-completions payload.
		req.Messages = append(req.Messages, model.Message{Role: model.RoleUser, Content: body.Prompt})
	default:
		return nil, fmt.Errorf("%w: no messages or prompt", ErrMalformedBody)
	}

	for _, t := range body.Tools {
		req.Tools = append(req.Tools, model.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}

	return req, nil
}

func decodeAnthropicSystem(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var blocks []anthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var out []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			out = append(out, b.Text)
		}
	}
	return strings.Join(out, "\n")
}

func decodeAnthropicMessage(m anthropicMessage) (model.Message, error) {
	msg := model.Message{Role: normaliseRole(m.Role)}

	if len(m.Content) == 0 {
		return msg, nil
	}

	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		msg.Content = text
		return msg, nil
	}

	var blocks []anthropicContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return msg, fmt.Errorf("content is neither string nor block list")
	}
	for _, b := range blocks {
		switch b.Type {
		case "text":
			msg.Parts = append(msg.Parts, model.ContentPart{Kind: model.PartText, Payload: b.Text})
		case "image":
			msg.Parts = append(msg.Parts, model.ContentPart{Kind: model.PartImage, Payload: b.Source.Data})
		case "document":
			msg.Parts = append(msg.Parts, model.ContentPart{Kind: model.PartDocument, Payload: b.Source.Data})
		default:
			// Tool use and tool result blocks carry structured payloads;
			// their serialised form is still scannable text.
			msg.Parts = append(msg.Parts, model.ContentPart{Kind: model.PartText, Payload: b.Text})
		}
	}
	return msg, nil
}
