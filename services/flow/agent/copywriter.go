// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// ChatCompleter is the slice of the OpenAI client the copywriter uses.
// Narrowed to an interface so tests can stub the API.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Copywriter is the reference LLM-backed delegate: it drafts campaign copy
// from the strategy chosen upstream.
//
// Description:
//
//	Copywriter reads the approved strategy angle from its upstream outputs
//	(falling back to the run payload) and asks the model for short copy.
//	It is deliberately stateless, which makes it idempotent-safe under the
//	executor's retry policy.
type Copywriter struct {
	id     string
	client ChatCompleter
	model  string
	logger *slog.Logger
}

// NewCopywriter creates the copywriting agent.
//
// Inputs:
//
//	id - Registry key, referenced by workflow nodes.
//	client - OpenAI chat client (or a stub). Must not be nil.
//	model - Model name, e.g. "gpt-4o-mini".
//	logger - Optional logger.
func NewCopywriter(id string, client ChatCompleter, model string, logger *slog.Logger) (*Copywriter, error) {
	if client == nil {
		return nil, fmt.Errorf("agent %s: client must not be nil", id)
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Copywriter{id: id, client: client, model: model, logger: logger}, nil
}

// ID returns the agent's registry key.
func (c *Copywriter) ID() string {
	return c.id
}

// Execute drafts copy for the campaign angle found in the input.
func (c *Copywriter) Execute(ctx context.Context, input Input) (*Result, error) {
	angle := c.findAngle(input)

	prompt := fmt.Sprintf(
		"Write three short pieces of campaign copy (one sentence each) for a campaign with this angle: %s. "+
			"Return them as a plain numbered list.", angle)

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You are a concise marketing copywriter."},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("agent %s: chat completion: %w", c.id, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("agent %s: model returned no choices", c.id)
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	c.logger.Debug("copywriter drafted copy",
		slog.String("project_id", input.ProjectID),
		slog.Int("chars", len(content)),
	)

	return &Result{
		Success:    true,
		Data:       map[string]any{"copy": content, "angle": angle},
		Confidence: 0.8,
		Provenance: "model:" + c.model,
	}, nil
}

// CompleteDecision is unsupported: the copywriter never poses decisions.
func (c *Copywriter) CompleteDecision(_ context.Context, _ Input, _ json.RawMessage) (*Result, error) {
	return nil, fmt.Errorf("agent %s: does not pose decisions", c.id)
}

// findAngle locates the strategy angle in upstream outputs or the payload.
func (c *Copywriter) findAngle(input Input) string {
	for _, upstream := range input.Upstream {
		if angle, ok := upstream["angle"].(string); ok && angle != "" {
			return angle
		}
	}
	if angle, ok := input.Payload["angle"].(string); ok && angle != "" {
		return angle
	}
	return "a general product launch"
}
