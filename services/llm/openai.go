// Copyright (C) 2026 Agora Labs (dev@agoralabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// OpenAIClient implements Client against any OpenAI-compatible
// chat-completions endpoint. The streaming contract holds: concatenating
// the delta chunks yields the full completion.
//
// Thread Safety: OpenAIClient is safe for concurrent use.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient creates a client for an OpenAI-compatible endpoint.
//
// Inputs:
//
//	baseURL - Endpoint base URL; empty means the OpenAI default.
//	apiKey - Bearer token; may be empty for local servers.
func NewOpenAIClient(baseURL, apiKey string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg)}
}

// Complete implements Client.
func (o *OpenAIClient) Complete(ctx context.Context, req Request, onToken func(string)) (string, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Complete")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", req.Model))

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
	}
	if req.Params.Temperature != nil {
		chatReq.Temperature = *req.Params.Temperature
	}
	if req.Params.TopP != nil {
		chatReq.TopP = *req.Params.TopP
	}
	if req.Params.MaxTokens != nil {
		chatReq.MaxCompletionTokens = *req.Params.MaxTokens
	}
	if len(req.Params.Stop) > 0 {
		chatReq.Stop = req.Params.Stop
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", cancelError(req.Model, ctx.Err())
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("OpenAI-compatible API call failed", "error", err)
		return "", &Error{
			Type:    ErrorConnectionFailed,
			Model:   req.Model,
			Message: fmt.Sprintf("chat completion stream failed: %v", err),
			Cause:   err,
		}
	}
	defer stream.Close()

	var full strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return full.String(), cancelError(req.Model, err)
		}
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return full.String(), cancelError(req.Model, ctx.Err())
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return full.String(), &Error{
				Type:    ErrorConnectionFailed,
				Model:   req.Model,
				Message: fmt.Sprintf("stream receive failed: %v", err),
				Cause:   err,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta != "" {
			full.WriteString(delta)
			if onToken != nil {
				onToken(delta)
			}
		}
	}
	slog.Debug("Received response from OpenAI-compatible endpoint", "model", req.Model, "length", full.Len())
	return full.String(), nil
}
