// Copyright (C) 2026 Agora Labs (dev@agoralabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package generate produces candidate consensus statements for one group.
//
// Each of the K candidates is generated from an independently shuffled
// ordering of the group's opinions, so no statement enjoys a systematic
// position advantage in the prompt. The shuffle, not the tiebreak, is what
// diffuses positional bias.
package generate

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/agoralabs/agora/pkg/concurrency"
	"github.com/agoralabs/agora/pkg/metrics"
	"github.com/agoralabs/agora/services/deliberation/postproc"
	"github.com/agoralabs/agora/services/deliberation/prompts"
	"github.com/agoralabs/agora/services/llm"
)

// perCandidateAttempts bounds the calls made for one candidate: the first
// request plus re-issues while the cleaned response comes back empty.
const perCandidateAttempts = 3

// Config carries per-group generation parameters.
type Config struct {
	// Model is the model identifier for generation calls.
	Model string

	// Temperature, TopP, TopK are the sampling parameters.
	Temperature float32
	TopP        float32
	TopK        int

	// Template is the validated candidate prompt template.
	Template string

	// AnswerMarker optionally names a marker separating the model's
	// working notes from its final statement. When present in the
	// response, only the text after the last occurrence is kept; when
	// absent the whole cleaned response is the statement.
	AnswerMarker string
}

// Observer receives generation progress callbacks keyed by candidate
// index. The engine adapts these into events with group context.
type Observer struct {
	// OnStart fires when a candidate's generation begins.
	OnStart func(candidate int)

	// OnChunk fires for every streamed chunk.
	OnChunk func(candidate int, chunk string)

	// OnDone fires with the finished statement.
	OnDone func(candidate int, statement string)
}

// Generator issues candidate generation calls.
//
// Thread Safety: Generator is safe for concurrent use.
type Generator struct {
	client  llm.Client
	sem     *concurrency.Semaphore
	post    postproc.Chain
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Generator.
func New(client llm.Client, sem *concurrency.Semaphore, post postproc.Chain, logger *slog.Logger, m *metrics.Metrics) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		client:  client,
		sem:     sem,
		post:    post,
		logger:  logger,
		metrics: m,
	}
}

// Candidates generates k candidate statements for one group.
//
// Description:
//
//	Issues k concurrent generation requests through the admission
//	semaphore. Request i sees its own uniform-random permutation of the
//	opinions. Streamed output is concatenated, normalized (reasoning tags
//	stripped), and the optional answer marker applied. Empty statements
//	are re-issued a bounded number of times; persistent emptiness or a
//	surviving transport error aborts the whole group.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	rng - RNG for the per-candidate shuffles. Used before any goroutine
//	      starts, so a seeded RNG gives reproducible orderings.
//	question - The deliberation question.
//	opinions - The group's opinion texts.
//	k - Number of candidates to produce.
//	cfg - Generation parameters.
//	obs - Progress callbacks; zero value disables them.
//
// Outputs:
//
//	[]string - Exactly k statements on success.
//	error - Cancellation, gateway failure, or persistent empty output.
func (g *Generator) Candidates(ctx context.Context, rng *rand.Rand, question string, opinions []string, k int, cfg Config, obs Observer) ([]string, error) {
	// Shuffles are drawn up front, sequentially, so the RNG is never
	// touched from concurrent goroutines and seeded runs reproduce.
	orders := make([][]string, k)
	for i := range orders {
		shuffled := make([]string, len(opinions))
		copy(shuffled, opinions)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		orders[i] = shuffled
	}

	statements := make([]string, k)
	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < k; i++ {
		eg.Go(func() error {
			statement, err := g.generateOne(ctx, question, orders[i], i, cfg, obs)
			if err != nil {
				return err
			}
			statements[i] = statement
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return statements, nil
}

// generateOne produces a single candidate, retrying empty responses.
func (g *Generator) generateOne(ctx context.Context, question string, opinions []string, candidate int, cfg Config, obs Observer) (string, error) {
	prompt := prompts.RenderCandidate(cfg.Template, question, opinions)
	req := llm.Request{
		Model:  cfg.Model,
		Prompt: prompt,
		Params: llm.GenerationParams{
			Temperature: llm.Float32Ptr(cfg.Temperature),
			TopP:        llm.Float32Ptr(cfg.TopP),
			TopK:        llm.IntPtr(cfg.TopK),
		},
	}

	if obs.OnStart != nil {
		obs.OnStart(candidate)
	}

	for attempt := 1; attempt <= perCandidateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := g.sem.Acquire(ctx); err != nil {
			return "", err
		}
		var onToken func(string)
		if obs.OnChunk != nil {
			onToken = func(chunk string) { obs.OnChunk(candidate, chunk) }
		}
		raw, err := g.client.Complete(ctx, req, onToken)
		if err != nil {
			g.sem.Release()
			g.metrics.ModelCall("generate", "error")
			return "", err
		}
		g.metrics.ModelCall("generate", "ok")

		statement := g.extractStatement(raw, cfg.AnswerMarker)
		if statement != "" {
			g.logger.Debug("candidate generated",
				"candidate", candidate, "attempt", attempt, "length", len(statement))
			if obs.OnDone != nil {
				obs.OnDone(candidate, statement)
			}
			// The slot is held until the completion callback returns, so a
			// cancel tripped by that event is observed by every queued call
			// before it can reach the gateway.
			g.sem.Release()
			return statement, nil
		}
		g.sem.Release()
		g.logger.Warn("candidate generation returned empty statement",
			"candidate", candidate, "attempt", attempt)
	}
	return "", fmt.Errorf("candidate %d: empty statement after %d attempts", candidate+1, perCandidateAttempts)
}

// extractStatement normalizes a raw completion and applies the optional
// answer-marker envelope.
func (g *Generator) extractStatement(raw, marker string) string {
	clean := g.post.Process(raw)
	if marker == "" {
		return strings.TrimSpace(clean)
	}
	if idx := strings.LastIndex(clean, marker); idx >= 0 {
		return strings.TrimSpace(clean[idx+len(marker):])
	}
	// Terminal marker absent: degrade, don't fail.
	return strings.TrimSpace(clean)
}
