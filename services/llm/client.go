// Copyright (C) 2026 Agora Labs (dev@agoralabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides the model gateway used by the deliberation engine.
//
// The gateway contract is deliberately small: one streaming completion
// operation plus cancellation through the caller's context. Two production
// implementations are provided (Ollama NDJSON streaming and any
// OpenAI-compatible endpoint) along with a scripted mock for tests.
package llm

import (
	"context"
)

// GenerationParams carries sampling options for a completion.
//
// Nil fields are omitted from the request so the server's own defaults
// apply.
type GenerationParams struct {
	Temperature *float32
	TopP        *float32
	TopK        *int
	MaxTokens   *int
	Stop        []string
}

// Request describes one completion call.
type Request struct {
	// Model is the model identifier (e.g. "gpt-oss:20b").
	Model string

	// Prompt is the user prompt.
	Prompt string

	// System is an optional system prompt.
	System string

	// Params are the sampling options.
	Params GenerationParams
}

// Client is the model gateway.
//
// Complete issues one streaming completion. Implementations concatenate the
// streamed chunks and return the full text; onToken, when non-nil, is invoked
// for every chunk as it arrives (from the goroutine running Complete, never
// concurrently). Cancellation is observed through ctx at every chunk
// boundary: a cancelled context aborts the stream and returns ctx's error
// wrapped in a *Error of type ErrorCancelled.
//
// Implementations must be safe for concurrent use.
type Client interface {
	Complete(ctx context.Context, req Request, onToken func(chunk string)) (string, error)
}

// Float32Ptr returns a pointer to v. Convenience for GenerationParams.
func Float32Ptr(v float32) *float32 { return &v }

// IntPtr returns a pointer to v. Convenience for GenerationParams.
func IntPtr(v int) *int { return &v }
