// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package parser

import (
	"encoding/json"
	"fmt"
	"strings"

	"proxilion/gateway/model"
)

// CohereParser lifts Cohere chat and generate payloads into the normalised
// form.
type CohereParser struct{}

type cohereChatTurn struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

type cohereRequest struct {
	Model         string           `json:"model,omitempty"`
	Message       string           `json:"message,omitempty"`
	Prompt        string           `json:"prompt,omitempty"`
	Preamble      string           `json:"preamble,omitempty"`
	ChatHistory   []cohereChatTurn `json:"chat_history,omitempty"`
	Temperature   *float64         `json:"temperature,omitempty"`
	MaxTokens     *int             `json:"max_tokens,omitempty"`
	P             *float64         `json:"p,omitempty"`
	K             *int             `json:"k,omitempty"`
	StopSequences []string         `json:"stop_sequences,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
}

func (p *CohereParser) ID() string { return "cohere" }

// Match accepts Cohere API hosts, /v1/chat and /v1/generate paths, and
// bodies whose model identifier carries the command prefix.
func (p *CohereParser) Match(raw *RawRequest) bool {
	host := raw.Host()
	if strings.HasSuffix(host, "cohere.ai") || strings.HasSuffix(host, "cohere.com") {
		return true
	}
	path := raw.Path()
	if strings.HasSuffix(path, "/v1/chat") || strings.HasSuffix(path, "/v1/generate") ||
		strings.HasSuffix(path, "/v2/chat") {
		return true
	}
	var probe struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(raw.Body, &probe); err != nil {
		return false
	}
	return providerForModel(probe.Model) == model.ProviderCohere
}

func (p *CohereParser) Parse(raw *RawRequest) (*model.Request, error) {
	if len(raw.Body) == 0 {
		return nil, ErrEmptyBody
	}

	var body cohereRequest
	if err := json.Unmarshal(raw.Body, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	if body.Message == "" && body.Prompt == "" && len(body.ChatHistory) == 0 {
		return nil, fmt.Errorf("%w: no message, prompt, or chat history", ErrMalformedBody)
	}

	modelID := body.Model
	if modelID == "" {
		modelID = "command-r"
	}

	req := &model.Request{
		Provider: model.ProviderCohere,
		Model:    modelID,
		Stream:   body.Stream,
		Parameters: model.Parameters{
			Temperature:   body.Temperature,
			MaxTokens:     body.MaxTokens,
			TopP:          body.P,
			TopK:          body.K,
			StopSequences: body.StopSequences,
		},
	}

	if body.Preamble != "" {
		req.Messages = append(req.Messages, model.Message{Role: model.RoleSystem, Content: body.Preamble})
	}
	for _, turn := range body.ChatHistory {
		req.Messages = append(req.Messages, model.Message{
			Role:    normaliseRole(turn.Role),
			Content: turn.Message,
		})
	}
	switch {
	case body.Message != "":
		req.Messages = append(req.Messages, model.Message{Role: model.RoleUser, Content: body.Message})
	case body.Prompt != "":
		req.Messages = append(req.Messages, model.Message{Role: model.RoleUser, Content: body.Prompt})
	}

	return req, nil
}
