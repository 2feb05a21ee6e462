// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package parser

import (
	"encoding/json"
	"fmt"
	"strings"

	"proxilion/gateway/model"
)

// OpenAIParser lifts OpenAI chat-completions and legacy completions
// payloads into the normalised form.
type OpenAIParser struct{}

type openAIMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Name    string          `json:"name,omitempty"`
}

type openAIContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description"`
		Parameters  map[string]interface{} `json:"parameters"`
	} `json:"function"`
}

type openAIRequest struct {
	Model            string          `json:"model"`
	Messages         []openAIMessage `json:"messages"`
	Prompt           json.RawMessage `json:"prompt,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	Tools            []openAITool    `json:"tools,omitempty"`
	User             string          `json:"user,omitempty"`
}

func (p *OpenAIParser) ID() string { return "openai" }

// Match accepts OpenAI API hosts, chat/completions paths, and bodies whose
// model identifier carries an OpenAI prefix.
func (p *OpenAIParser) Match(raw *RawRequest) bool {
	host := raw.Host()
	if strings.HasSuffix(host, "openai.com") || strings.HasSuffix(host, "openai.azure.com") {
		return true
	}
	path := raw.Path()
	if strings.Contains(path, "/chat/completions") || strings.HasSuffix(path, "/v1/completions") {
		return true
	}
	var probe struct {
		Model    string          `json:"model"`
		Messages json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(raw.Body, &probe); err != nil {
		return false
	}
	return len(probe.Messages) > 0 && providerForModel(probe.Model) == model.ProviderOpenAI
}

func (p *OpenAIParser) Parse(raw *RawRequest) (*model.Request, error) {
	if len(raw.Body) == 0 {
		return nil, ErrEmptyBody
	}

	var body openAIRequest
	if err := json.Unmarshal(raw.Body, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	if body.Model == "" {
		return nil, fmt.Errorf("%w: missing model", ErrMalformedBody)
	}

	req := &model.Request{
		Provider: model.ProviderOpenAI,
		Model:    body.Model,
		Stream:   body.Stream,
		Parameters: model.Parameters{
			Temperature:      body.Temperature,
			MaxTokens:        body.MaxTokens,
			TopP:             body.TopP,
			FrequencyPenalty: body.FrequencyPenalty,
			PresencePenalty:  body.PresencePenalty,
			StopSequences:    decodeStop(body.Stop),
		},
	}
	if body.User != "" {
		req.Metadata.UserID = body.User
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
	case len(body.Prompt) > 0:
		// Legacy completions payload: a prompt string or array of strings
		// becomes a single user message.
		text, err := decodePrompt(body.Prompt)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}
		req.Messages = []model.Message{{Role: model.RoleUser, Content: text}}
	default:
		return nil, fmt.Errorf("%w: no messages or prompt", ErrMalformedBody)
	}

	for _, t := range body.Tools {
		req.Tools = append(req.Tools, model.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	return req, nil
}

func decodeOpenAIMessage(m openAIMessage) (model.Message, error) {
	msg := model.Message{Role: normaliseRole(m.Role)}

	if len(m.Content) == 0 || string(m.Content) == "null" {
		return msg, nil
	}

	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		msg.Content = text
		return msg, nil
	}

	var parts []openAIContentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return msg, fmt.Errorf("content is neither string nor part list")
	}
	for _, part := range parts {
		switch part.Type {
		case "text":
			msg.Parts = append(msg.Parts, model.ContentPart{Kind: model.PartText, Payload: part.Text})
		case "image_url":
			msg.Parts = append(msg.Parts, model.ContentPart{Kind: model.PartImage, Payload: part.ImageURL.URL})
		default:
			msg.Parts = append(msg.Parts, model.ContentPart{Kind: model.PartDocument, Payload: part.Text})
		}
	}
	return msg, nil
}

func decodePrompt(raw json.RawMessage) (string, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return "", fmt.Errorf("prompt is neither string nor string list")
	}
	return strings.Join(list, "\n"), nil
}

func decodeStop(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	return nil
}

// normaliseRole maps a dialect role string onto the closed Role set.
// Unrecognised roles become user so that unknown content is still scanned
// at full strength.
func normaliseRole(role string) model.Role {
	switch strings.ToLower(role) {
	case "system", "developer":
		return model.RoleSystem
	case "assistant", "model", "chatbot":
		return model.RoleAssistant
	case "function":
		return model.RoleFunction
	case "tool":
		return model.RoleTool
	default:
		return model.RoleUser
	}
}
