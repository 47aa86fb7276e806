// Copyright (C) 2026 Agora Labs (dev@agoralabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package generate

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"

	"github.com/agoralabs/agora/pkg/concurrency"
	"github.com/agoralabs/agora/services/deliberation/postproc"
	"github.com/agoralabs/agora/services/deliberation/prompts"
	"github.com/agoralabs/agora/services/llm"
)

func newTestGenerator(client llm.Client) *Generator {
	return New(client, concurrency.NewSemaphore(4), postproc.DefaultChain(), nil, nil)
}

func testConfig() Config {
	return Config{
		Model:       "test-model",
		Temperature: 0.7,
		TopP:        0.9,
		TopK:        40,
		Template:    prompts.DefaultCandidateTemplate,
	}
}

func testRNG() *rand.Rand {
	return rand.New(rand.NewPCG(11, 11))
}

var testOpinions = []string{"opinion one", "opinion two", "opinion three", "opinion four"}

func TestCandidates_ProducesK(t *testing.T) {
	mock := llm.NewMockClient().WithResponseFunc(func(req llm.Request, call int) (string, error) {
		return fmt.Sprintf("statement %d", call), nil
	})
	got, err := newTestGenerator(mock).Candidates(context.Background(), testRNG(),
		"Q?", testOpinions, 3, testConfig(), Observer{})
	if err != nil {
		t.Fatalf("Candidates() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, s := range got {
		if s == "" {
			t.Errorf("candidate %d is empty", i)
		}
	}
	if mock.CallCount() != 3 {
		t.Errorf("gateway calls = %d, want 3", mock.CallCount())
	}
}

func TestCandidates_ShufflesIndependently(t *testing.T) {
	var mu sync.Mutex
	var promptTexts []string
	mock := llm.NewMockClient().WithResponseFunc(func(req llm.Request, call int) (string, error) {
		mu.Lock()
		promptTexts = append(promptTexts, req.Prompt)
		mu.Unlock()
		return "ok", nil
	})

	// Many opinions and several candidates make identical shuffles across
	// all requests vanishingly unlikely.
	opinions := make([]string, 12)
	for i := range opinions {
		opinions[i] = fmt.Sprintf("opinion %c", 'a'+i)
	}
	_, err := newTestGenerator(mock).Candidates(context.Background(), testRNG(),
		"Q?", opinions, 4, testConfig(), Observer{})
	if err != nil {
		t.Fatalf("Candidates() error = %v", err)
	}

	unique := make(map[string]bool)
	for _, p := range promptTexts {
		unique[p] = true
	}
	if len(unique) < 2 {
		t.Error("all candidate prompts saw the same opinion ordering")
	}
	// Every opinion appears in every prompt regardless of order.
	for i, p := range promptTexts {
		for _, op := range opinions {
			if !strings.Contains(p, op) {
				t.Errorf("prompt %d missing %q", i, op)
			}
		}
	}
}

func TestCandidates_DeterministicOrderingsPerSeed(t *testing.T) {
	capture := func() []string {
		// Echo the prompt, so each statement records the opinion ordering
		// its own candidate saw.
		mock := llm.NewMockClient().WithResponseFunc(func(req llm.Request, call int) (string, error) {
			return req.Prompt, nil
		})
		gen := New(mock, concurrency.NewSemaphore(1), postproc.DefaultChain(), nil, nil)
		got, err := gen.Candidates(context.Background(), rand.New(rand.NewPCG(5, 5)),
			"Q?", testOpinions, 3, testConfig(), Observer{})
		if err != nil {
			t.Fatalf("Candidates() error = %v", err)
		}
		return got
	}
	a, b := capture(), capture()
	// Statements come back indexed by candidate, whatever order the calls
	// ran in, so equal seeds must give equal prompts per candidate.
	if len(a) != len(b) {
		t.Fatalf("candidate counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("prompt for candidate %d differs between identically seeded runs", i)
		}
	}
}

func TestCandidates_StripsThinkTags(t *testing.T) {
	mock := llm.NewMockClient().WithDefault("<think>drafting...</think>The consensus statement.")
	got, err := newTestGenerator(mock).Candidates(context.Background(), testRNG(),
		"Q?", testOpinions, 2, testConfig(), Observer{})
	if err != nil {
		t.Fatalf("Candidates() error = %v", err)
	}
	for _, s := range got {
		if s != "The consensus statement." {
			t.Errorf("statement = %q, want cleaned text", s)
		}
	}
}

func TestCandidates_AnswerMarkerEnvelope(t *testing.T) {
	cfg := testConfig()
	cfg.AnswerMarker = "FINAL STATEMENT:"

	mock := llm.NewMockClient().
		QueueResponse("Some working notes.\nFINAL STATEMENT:\nThe agreed position.").
		QueueResponse("No marker in this one at all.")
	gen := New(mock, concurrency.NewSemaphore(1), postproc.DefaultChain(), nil, nil)

	got, err := gen.Candidates(context.Background(), testRNG(), "Q?", testOpinions, 2, cfg, Observer{})
	if err != nil {
		t.Fatalf("Candidates() error = %v", err)
	}
	// Queued responses go to whichever call reaches the gateway first, so
	// the pair is checked without relying on candidate order.
	marked, unmarked := got[0], got[1]
	if strings.HasPrefix(marked, "No marker") {
		marked, unmarked = unmarked, marked
	}
	if marked != "The agreed position." {
		t.Errorf("marked candidate = %q, want text after marker", marked)
	}
	// Absent terminal marker: whole cleaned response, degrade not fail.
	if unmarked != "No marker in this one at all." {
		t.Errorf("unmarked candidate = %q, want full response", unmarked)
	}
}

func TestCandidates_RetriesEmptyStatements(t *testing.T) {
	mock := llm.NewMockClient().
		QueueResponse("  <think>only thoughts, no answer</think>  ").
		QueueResponse("A real statement.")
	gen := New(mock, concurrency.NewSemaphore(1), postproc.DefaultChain(), nil, nil)

	got, err := gen.Candidates(context.Background(), testRNG(), "Q?", testOpinions, 1, testConfig(), Observer{})
	if err != nil {
		t.Fatalf("Candidates() error = %v", err)
	}
	if got[0] != "A real statement." {
		t.Errorf("statement = %q", got[0])
	}
	if mock.CallCount() != 2 {
		t.Errorf("gateway calls = %d, want 2 (one retry)", mock.CallCount())
	}
}

func TestCandidates_PersistentEmptyAborts(t *testing.T) {
	mock := llm.NewMockClient().WithDefault("   ")
	_, err := newTestGenerator(mock).Candidates(context.Background(), testRNG(),
		"Q?", testOpinions, 1, testConfig(), Observer{})
	if err == nil {
		t.Fatal("Candidates() error = nil, want empty-statement failure")
	}
	if !strings.Contains(err.Error(), "empty statement") {
		t.Errorf("error = %v", err)
	}
	if mock.CallCount() != perCandidateAttempts {
		t.Errorf("gateway calls = %d, want %d", mock.CallCount(), perCandidateAttempts)
	}
}

func TestCandidates_ObserverSequence(t *testing.T) {
	mock := llm.NewMockClient().WithDefault("The statement.")
	gen := New(mock, concurrency.NewSemaphore(1), postproc.DefaultChain(), nil, nil)

	var mu sync.Mutex
	var starts, dones int
	var chunks []string
	obs := Observer{
		OnStart: func(candidate int) { mu.Lock(); starts++; mu.Unlock() },
		OnChunk: func(candidate int, chunk string) {
			mu.Lock()
			chunks = append(chunks, chunk)
			mu.Unlock()
		},
		OnDone: func(candidate int, statement string) { mu.Lock(); dones++; mu.Unlock() },
	}
	_, err := gen.Candidates(context.Background(), testRNG(), "Q?", testOpinions, 2, testConfig(), obs)
	if err != nil {
		t.Fatalf("Candidates() error = %v", err)
	}
	if starts != 2 || dones != 2 {
		t.Errorf("starts = %d, dones = %d, want 2 each", starts, dones)
	}
	if strings.Join(chunks, "") != "The statement.The statement." {
		t.Errorf("streamed chunks = %q", strings.Join(chunks, ""))
	}
}

func TestCandidates_GatewayErrorAbortsGroup(t *testing.T) {
	mock := llm.NewMockClient().WithError(&llm.Error{
		Type:    llm.ErrorConnectionFailed,
		Message: "refused",
	})
	_, err := newTestGenerator(mock).Candidates(context.Background(), testRNG(),
		"Q?", testOpinions, 3, testConfig(), Observer{})
	if llm.TypeOf(err) != llm.ErrorConnectionFailed {
		t.Errorf("TypeOf(err) = %v, want ErrorConnectionFailed", llm.TypeOf(err))
	}
}

func TestCandidates_CancelledBeforeStart(t *testing.T) {
	mock := llm.NewMockClient()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestGenerator(mock).Candidates(ctx, testRNG(), "Q?", testOpinions, 3, testConfig(), Observer{})
	if err == nil {
		t.Fatal("Candidates() error = nil, want cancellation")
	}
	if mock.CallCount() != 0 {
		t.Errorf("gateway calls after cancellation = %d, want 0", mock.CallCount())
	}
}
