// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package parser

import (
	"encoding/json"
	"fmt"

	"proxilion/gateway/model"
)

// CustomParser is the lowest-priority fallback for self-hosted or
// OpenAI-compatible endpoints: any JSON object exposing a recognisable
// prompt shape (messages array, or a prompt/input/inputs string) parses.
// Anything else is a parse failure, which the pipeline rejects. There is
// deliberately no pass-through for shapes this parser cannot lift.
type CustomParser struct{}

type customRequest struct {
	Model       string          `json:"model,omitempty"`
	Messages    []openAIMessage `json:"messages,omitempty"`
	Prompt      json.RawMessage `json:"prompt,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Inputs      json.RawMessage `json:"inputs,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	TopK        *int            `json:"top_k,omitempty"`
	Stop        json.RawMessage `json:"stop,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

func (p *CustomParser) ID() string { return "custom" }

// Match accepts any JSON object carrying a messages array or a prompt-like
// field.
func (p *CustomParser) Match(raw *RawRequest) bool {
	var probe customRequest
	if err := json.Unmarshal(raw.Body, &probe); err != nil {
		return false
	}
	return len(probe.Messages) > 0 || len(probe.Prompt) > 0 ||
		len(probe.Input) > 0 || len(probe.Inputs) > 0
}

func (p *CustomParser) Parse(raw *RawRequest) (*model.Request, error) {
	if len(raw.Body) == 0 {
		return nil, ErrEmptyBody
	}

	var body customRequest
	if err := json.Unmarshal(raw.Body, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}

	modelID := body.Model
	if modelID == "" {
		modelID = "unknown"
	}

	req := &model.Request{
		Provider: providerForModel(body.Model),
		Model:    modelID,
		Stream:   body.Stream,
		Parameters: model.Parameters{
			Temperature:   body.Temperature,
			MaxTokens:     body.MaxTokens,
			TopP:          body.TopP,
			TopK:          body.TopK,
			StopSequences: decodeStop(body.Stop),
		},
	}

	switch {
	case len(body.Messages) > 0:
		for i, m := range body.Messages {
			msg, err := decodeOpenAIMessage(m)
			if err != nil {
				return nil, fmt.Errorf("%w: message %d: %v", ErrMalformedBody, i, err)
			}
			req.Messages = append(req.Messages, msg)
		}
	default:
		prompt := body.Prompt
		if len(prompt) == 0 {
			prompt = body.Input
		}
		if len(prompt) == 0 {
			prompt = body.Inputs
		}
		if len(prompt) == 0 {
			return nil, fmt.Errorf("%w: no prompt content", ErrMalformedBody)
		}
		text, err := decodePrompt(prompt)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}
		req.Messages = []model.Message{{Role: model.RoleUser, Content: text}}
	}

	return req, nil
}
