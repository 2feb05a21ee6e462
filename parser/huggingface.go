// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package parser

import (
	"encoding/json"
	"fmt"
	"strings"

	"proxilion/gateway/model"
)

// HuggingFaceParser lifts Inference-API payloads into the normalised form.
// The model identifier lives in the URL path (/models/<org>/<model>).
type HuggingFaceParser struct{}

type huggingFaceRequest struct {
	Inputs     json.RawMessage `json:"inputs"`
	Parameters struct {
		Temperature   *float64 `json:"temperature,omitempty"`
		MaxNewTokens  *int     `json:"max_new_tokens,omitempty"`
		TopP          *float64 `json:"top_p,omitempty"`
		TopK          *int     `json:"top_k,omitempty"`
		StopSequences []string `json:"stop,omitempty"`
	} `json:"parameters,omitempty"`
	Stream bool `json:"stream,omitempty"`
}

func (p *HuggingFaceParser) ID() string { return "huggingface" }

// Match accepts HuggingFace inference hosts and /models/ paths carrying an
// inputs field.
func (p *HuggingFaceParser) Match(raw *RawRequest) bool {
	host := raw.Host()
	if strings.HasSuffix(host, "huggingface.co") || strings.HasSuffix(host, "hf.space") ||
		strings.HasSuffix(host, "endpoints.huggingface.cloud") {
		return true
	}
	if !strings.Contains(raw.Path(), "/models/") {
		return false
	}
	var probe struct {
		Inputs json.RawMessage `json:"inputs"`
	}
	if err := json.Unmarshal(raw.Body, &probe); err != nil {
		return false
	}
	return len(probe.Inputs) > 0
}

func (p *HuggingFaceParser) Parse(raw *RawRequest) (*model.Request, error) {
	if len(raw.Body) == 0 {
		return nil, ErrEmptyBody
	}

	var body huggingFaceRequest
	if err := json.Unmarshal(raw.Body, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	if len(body.Inputs) == 0 {
		return nil, fmt.Errorf("%w: missing inputs", ErrMalformedBody)
	}

	text, err := decodePrompt(body.Inputs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}

	req := &model.Request{
		Provider: model.ProviderHuggingFace,
		Model:    huggingFaceModelFromPath(raw.Path()),
		Stream:   body.Stream,
		Messages: []model.Message{{Role: model.RoleUser, Content: text}},
		Parameters: model.Parameters{
			Temperature:   body.Parameters.Temperature,
			MaxTokens:     body.Parameters.MaxNewTokens,
			TopP:          body.Parameters.TopP,
			TopK:          body.Parameters.TopK,
			StopSequences: body.Parameters.StopSequences,
		},
	}
	return req, nil
}

// huggingFaceModelFromPath extracts "<org>/<model>" from inference paths.
func huggingFaceModelFromPath(path string) string {
	idx := strings.Index(path, "/models/")
	if idx == -1 {
		return "unknown"
	}
	rest := strings.Trim(path[idx+len("/models/"):], "/")
	if rest == "" {
		return "unknown"
	}
	return rest
}
