// Copyright (C) 2026 Agora Labs (dev@agoralabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("agora.llm.ollama")

// OllamaClient implements Client against an Ollama-compatible
// /api/generate endpoint with NDJSON streaming.
//
// Thread Safety: OllamaClient is safe for concurrent use.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
}

// ollamaGenerateRequest is the /api/generate request body.
type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

// ollamaGenerateChunk is one NDJSON line of the streamed response.
type ollamaGenerateChunk struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
	Error     string `json:"error"`
}

// NewOllamaClient creates a client for the given base URL
// (e.g. "http://localhost:11434").
func NewOllamaClient(baseURL string) *OllamaClient {
	baseURL = strings.TrimSuffix(baseURL, "/")
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
	}
}

// Complete implements Client.
//
// Description:
//
//	POSTs a streaming generate request and concatenates the NDJSON
//	response chunks. The caller's context is checked at every chunk
//	boundary; cancelling it aborts the HTTP stream.
//
// Inputs:
//
//	ctx - Context for cancellation and timeout.
//	req - The completion request.
//	onToken - Optional per-chunk callback.
//
// Outputs:
//
//	string - The full concatenated completion.
//	error - *Error on failure.
func (o *OllamaClient) Complete(ctx context.Context, req Request, onToken func(string)) (string, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Complete")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", req.Model))

	payload := ollamaGenerateRequest{
		Model:   req.Model,
		Prompt:  req.Prompt,
		System:  req.System,
		Stream:  true,
		Options: buildOptions(req.Params),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", &Error{
			Type:    ErrorInvalidResponse,
			Model:   req.Model,
			Message: fmt.Sprintf("failed to marshal request to Ollama: %v", err),
			Cause:   err,
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", &Error{
			Type:    ErrorConnectionFailed,
			Model:   req.Model,
			Message: fmt.Sprintf("failed to create request to Ollama: %v", err),
			Cause:   err,
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", cancelError(req.Model, ctx.Err())
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Ollama API call failed", "error", err)
		return "", &Error{
			Type:        ErrorConnectionFailed,
			Model:       req.Model,
			Message:     fmt.Sprintf("Ollama API call failed: %v", err),
			Remediation: "check that the Ollama server is running and reachable at " + o.baseURL,
			Cause:       err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", o.statusError(req.Model, resp)
	}

	full, err := o.consumeStream(ctx, resp.Body, onToken)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	slog.Debug("Received response from Ollama", "model", req.Model, "length", len(full))
	return full, nil
}

// consumeStream reads NDJSON chunks until done or cancellation.
func (o *OllamaClient) consumeStream(ctx context.Context, r io.Reader, onToken func(string)) (string, error) {
	var full strings.Builder
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return full.String(), cancelError("", err)
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaGenerateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			slog.Warn("Failed to decode NDJSON chunk from Ollama", "error", err)
			continue
		}
		if chunk.Error != "" {
			return full.String(), &Error{
				Type:    ErrorInvalidResponse,
				Message: fmt.Sprintf("Ollama reported an error mid-stream: %s", chunk.Error),
			}
		}
		if chunk.Response != "" {
			full.WriteString(chunk.Response)
			if onToken != nil {
				onToken(chunk.Response)
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return full.String(), cancelError("", ctx.Err())
		}
		return full.String(), &Error{
			Type:    ErrorConnectionFailed,
			Message: fmt.Sprintf("Ollama stream aborted: %v", err),
			Cause:   err,
		}
	}
	return full.String(), nil
}

// statusError converts a non-200 response into a typed gateway error.
func (o *OllamaClient) statusError(model string, resp *http.Response) *Error {
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))

	if resp.StatusCode == http.StatusNotFound {
		var errResp struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(respBody, &errResp); err == nil &&
			strings.Contains(errResp.Error, "model") && strings.Contains(errResp.Error, "not found") {
			slog.Warn("Ollama model not found", "model", model)
			return &Error{
				Type:        ErrorModelNotFound,
				Model:       model,
				Message:     fmt.Sprintf("model %q not found", model),
				Remediation: fmt.Sprintf("run: ollama pull %s", model),
			}
		}
	}
	slog.Error("Ollama returned an error", "status_code", resp.StatusCode, "response", string(respBody))
	return &Error{
		Type:    ErrorBadStatus,
		Model:   model,
		Message: fmt.Sprintf("Ollama failed with status %d: %s", resp.StatusCode, string(respBody)),
	}
}

// buildOptions converts GenerationParams to Ollama's options map,
// omitting unset fields.
func buildOptions(params GenerationParams) map[string]any {
	options := make(map[string]any)
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	}
	if params.TopK != nil {
		options["top_k"] = *params.TopK
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	if len(options) == 0 {
		return nil
	}
	return options
}

func cancelError(model string, cause error) *Error {
	return &Error{
		Type:    ErrorCancelled,
		Model:   model,
		Message: "completion cancelled",
		Cause:   cause,
	}
}
