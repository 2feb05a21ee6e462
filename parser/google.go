// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package parser

import (
	"encoding/json"
	"fmt"
	"strings"

	"proxilion/gateway/model"
)

// GoogleParser lifts Gemini generateContent payloads into the normalised
// form. The model identifier lives in the URL path
// (models/<model>:generateContent), not the body.
type GoogleParser struct{}

type googlePart struct {
	Text       string `json:"text,omitempty"`
	InlineData *struct {
		MimeType string `json:"mime_type"`
		Data     string `json:"data"`
	} `json:"inline_data,omitempty"`
	FileData *struct {
		MimeType string `json:"mime_type"`
		FileURI  string `json:"file_uri"`
	} `json:"file_data,omitempty"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googleRequest struct {
	Contents          []googleContent `json:"contents"`
	SystemInstruction *googleContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  struct {
		Temperature     *float64 `json:"temperature,omitempty"`
		MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
		TopP            *float64 `json:"topP,omitempty"`
		TopK            *int     `json:"topK,omitempty"`
		StopSequences   []string `json:"stopSequences,omitempty"`
	} `json:"generationConfig,omitempty"`
}

func (p *GoogleParser) ID() string { return "google" }

// Match accepts Google generative-language hosts and generateContent paths.
func (p *GoogleParser) Match(raw *RawRequest) bool {
	host := raw.Host()
	if strings.HasSuffix(host, "generativelanguage.googleapis.com") ||
		strings.HasSuffix(host, "aiplatform.googleapis.com") ||
		strings.HasSuffix(host, "gemini.google.com") {
		return true
	}
	path := raw.Path()
	if strings.Contains(path, ":generateContent") || strings.Contains(path, ":streamGenerateContent") {
		return true
	}
	var probe struct {
		Contents json.RawMessage `json:"contents"`
	}
	if err := json.Unmarshal(raw.Body, &probe); err != nil {
		return false
	}
	return len(probe.Contents) > 0
}

func (p *GoogleParser) Parse(raw *RawRequest) (*model.Request, error) {
	if len(raw.Body) == 0 {
		return nil, ErrEmptyBody
	}

	var body googleRequest
	if err := json.Unmarshal(raw.Body, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	if len(body.Contents) == 0 {
		return nil, fmt.Errorf("%w: missing contents", ErrMalformedBody)
	}

	modelID, streaming := googleModelFromPath(raw.Path())
	if modelID == "" {
		modelID = "gemini-pro"
	}

	req := &model.Request{
		Provider: model.ProviderGoogle,
		Model:    modelID,
		Stream:   streaming,
		Parameters: model.Parameters{
			Temperature:   body.GenerationConfig.Temperature,
			MaxTokens:     body.GenerationConfig.MaxOutputTokens,
			TopP:          body.GenerationConfig.TopP,
			TopK:          body.GenerationConfig.TopK,
			StopSequences: body.GenerationConfig.StopSequences,
		},
	}

	if body.SystemInstruction != nil {
		msg := decodeGoogleContent(*body.SystemInstruction)
		msg.Role = model.RoleSystem
		req.Messages = append(req.Messages, msg)
	}

	for _, c := range body.Contents {
		req.Messages = append(req.Messages, decodeGoogleContent(c))
	}

	return req, nil
}

func decodeGoogleContent(c googleContent) model.Message {
	msg := model.Message{Role: normaliseRole(c.Role)}

	if len(c.Parts) == 1 && c.Parts[0].InlineData == nil && c.Parts[0].FileData == nil {
		msg.Content = c.Parts[0].Text
		return msg
	}

	for _, part := range c.Parts {
		switch {
		case part.InlineData != nil:
			msg.Parts = append(msg.Parts, model.ContentPart{Kind: model.PartImage, Payload: part.InlineData.Data})
		case part.FileData != nil:
			msg.Parts = append(msg.Parts, model.ContentPart{Kind: model.PartDocument, Payload: part.FileData.FileURI})
		default:
			msg.Parts = append(msg.Parts, model.ContentPart{Kind: model.PartText, Payload: part.Text})
		}
	}
	return msg
}

// googleModelFromPath extracts the model id from paths like
// /v1beta/models/gemini-pro:generateContent and reports whether the call
// targets the streaming variant.
func googleModelFromPath(path string) (string, bool) {
	idx := strings.Index(path, "models/")
	if idx == -1 {
		return "", false
	}
	rest := path[idx+len("models/"):]
	colon := strings.Index(rest, ":")
	if colon == -1 {
		return rest, false
	}
	return rest[:colon], strings.Contains(rest[colon:], "streamGenerateContent")
}
