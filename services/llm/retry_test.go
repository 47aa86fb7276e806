// Copyright (C) 2026 Agora Labs (dev@agoralabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"sync/atomic"
	"testing"
)

// flakyClient fails with the given error until failures are exhausted.
type flakyClient struct {
	calls    atomic.Int32
	failures int32
	err      error
}

func (f *flakyClient) Complete(ctx context.Context, req Request, onToken func(string)) (string, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return "", f.err
	}
	return "recovered", nil
}

func TestRetryingClient_RecoversFromTransientFailure(t *testing.T) {
	inner := &flakyClient{
		failures: 2,
		err:      &Error{Type: ErrorConnectionFailed, Message: "refused"},
	}
	var retries atomic.Int32
	client := NewRetryingClient(inner, 3, func() { retries.Add(1) })
	client.baseDelay = 0

	got, err := client.Complete(context.Background(), Request{Model: "m"}, nil)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got != "recovered" {
		t.Errorf("Complete() = %q, want recovered", got)
	}
	if retries.Load() != 2 {
		t.Errorf("retries = %d, want 2", retries.Load())
	}
}

func TestRetryingClient_ExhaustsAttempts(t *testing.T) {
	inner := &flakyClient{
		failures: 10,
		err:      &Error{Type: ErrorConnectionFailed, Message: "refused"},
	}
	client := NewRetryingClient(inner, 3, nil)
	client.baseDelay = 0

	_, err := client.Complete(context.Background(), Request{Model: "m"}, nil)
	if err == nil {
		t.Fatal("Complete() error = nil, want exhaustion")
	}
	if inner.calls.Load() != 3 {
		t.Errorf("attempts = %d, want 3", inner.calls.Load())
	}
}

func TestRetryingClient_DoesNotRetryModelNotFound(t *testing.T) {
	inner := &flakyClient{
		failures: 10,
		err:      &Error{Type: ErrorModelNotFound, Message: "no model"},
	}
	client := NewRetryingClient(inner, 3, nil)
	client.baseDelay = 0

	_, err := client.Complete(context.Background(), Request{Model: "m"}, nil)
	if TypeOf(err) != ErrorModelNotFound {
		t.Fatalf("TypeOf(err) = %v, want ErrorModelNotFound", TypeOf(err))
	}
	if inner.calls.Load() != 1 {
		t.Errorf("attempts = %d, want 1", inner.calls.Load())
	}
}

func TestRetryingClient_NoCallAfterCancellation(t *testing.T) {
	inner := &flakyClient{}
	client := NewRetryingClient(inner, 3, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Complete(ctx, Request{Model: "m"}, nil)
	if !IsCancelled(err) {
		t.Errorf("Complete() error = %v, want cancellation", err)
	}
	if inner.calls.Load() != 0 {
		t.Errorf("inner called %d times after cancellation, want 0", inner.calls.Load())
	}
}

func TestMockClient_QueueAndRecord(t *testing.T) {
	mock := NewMockClient().QueueResponse("first").QueueResponse("second")

	var chunks []string
	got, err := mock.Complete(context.Background(), Request{Model: "m", Prompt: "a"}, func(c string) {
		chunks = append(chunks, c)
	})
	if err != nil || got != "first" {
		t.Fatalf("Complete() = %q, %v; want first, nil", got, err)
	}
	joined := ""
	for _, c := range chunks {
		joined += c
	}
	if joined != "first" {
		t.Errorf("streamed %q, want first", joined)
	}

	got, _ = mock.Complete(context.Background(), Request{Model: "m", Prompt: "b"}, nil)
	if got != "second" {
		t.Errorf("Complete() = %q, want second", got)
	}
	got, _ = mock.Complete(context.Background(), Request{Model: "m", Prompt: "c"}, nil)
	if got != "Mock response" {
		t.Errorf("Complete() = %q, want default", got)
	}
	if mock.CallCount() != 3 {
		t.Errorf("CallCount() = %d, want 3", mock.CallCount())
	}
	if calls := mock.Calls(); calls[1].Prompt != "b" {
		t.Errorf("Calls()[1].Prompt = %q, want b", calls[1].Prompt)
	}
}
