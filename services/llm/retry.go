// Copyright (C) 2026 Agora Labs (dev@agoralabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"log/slog"
	"time"
)

// RetryingClient wraps a Client with bounded-backoff retries for transient
// transport failures. Parse-level and model-level failures pass through
// untouched; retrying them would just repeat the same answer.
//
// Thread Safety: RetryingClient is safe for concurrent use.
type RetryingClient struct {
	inner       Client
	maxAttempts int
	baseDelay   time.Duration
	onRetry     func()
}

// NewRetryingClient wraps inner with up to maxAttempts attempts.
//
// Inputs:
//
//	inner - The wrapped gateway.
//	maxAttempts - Total attempts (not extra retries). Values < 1 become 1.
//	onRetry - Optional hook invoked once per retry (metrics).
func NewRetryingClient(inner Client, maxAttempts int, onRetry func()) *RetryingClient {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryingClient{
		inner:       inner,
		maxAttempts: maxAttempts,
		baseDelay:   250 * time.Millisecond,
		onRetry:     onRetry,
	}
}

// Complete implements Client.
//
// Note: onToken may fire for a failed attempt before the failure surfaces
// (a stream can drop mid-way). Callers that accumulate tokens must reset
// their accumulator per attempt. The engine's generator keeps no token
// accumulator: it takes each statement from the returned text, and only
// forwards tokens to its chunk observer.
func (r *RetryingClient) Complete(ctx context.Context, req Request, onToken func(string)) (string, error) {
	var lastErr error
	delay := r.baseDelay

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", cancelError(req.Model, err)
		}

		text, err := r.inner.Complete(ctx, req, onToken)
		if err == nil {
			return text, nil
		}
		lastErr = err

		if IsCancelled(err) || !TypeOf(err).Retryable() || attempt == r.maxAttempts {
			return "", err
		}

		slog.Warn("gateway call failed, retrying",
			"attempt", attempt,
			"max_attempts", r.maxAttempts,
			"delay", delay,
			"error", err,
		)
		if r.onRetry != nil {
			r.onRetry()
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", cancelError(req.Model, ctx.Err())
		}
		delay *= 2
	}
	return "", lastErr
}
