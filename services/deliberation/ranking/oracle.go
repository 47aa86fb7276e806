// Copyright (C) 2026 Agora Labs (dev@agoralabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ranking

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/agoralabs/agora/pkg/concurrency"
	"github.com/agoralabs/agora/pkg/metrics"
	"github.com/agoralabs/agora/services/deliberation/postproc"
	"github.com/agoralabs/agora/services/deliberation/prompts"
	"github.com/agoralabs/agora/services/llm"
)

// Voter identifies one ballot's owner.
type Voter struct {
	// Position is the participant's stable 0-based position in the session.
	Position int

	// Opinion is the participant's original opinion text.
	Opinion string
}

// Ballot is the oracle's output for one voter.
type Ballot struct {
	// Ranking is a 0-based permutation of the candidate indices,
	// most preferred first.
	Ranking []int

	// Fallback is true when the ranking is a uniform-random permutation
	// substituted after all attempts failed.
	Fallback bool

	// Attempts is the structured log of what happened per attempt.
	Attempts []string
}

// Config carries per-election oracle parameters.
type Config struct {
	// Model is the model identifier for ranking calls.
	Model string

	// Temperature is the sampling temperature (low for determinism).
	Temperature float32

	// MaxRetries is the attempt budget before falling back.
	MaxRetries int

	// Template is the validated ranking prompt template.
	Template string
}

// Observer receives oracle progress callbacks. The engine adapts these
// into events carrying the group context the oracle does not know about.
type Observer struct {
	// OnAttemptFailed fires after each failed attempt (1-based).
	OnAttemptFailed func(attempt int, detail string)

	// OnFallback fires when the random fallback ballot is substituted.
	OnFallback func(ranking []int)
}

// Oracle predicts a voter's ranking of candidate statements.
//
// Thread Safety: Oracle is safe for concurrent use; per-call state lives
// on the stack. The *rand.Rand passed to Predict is used only from that
// call and must not be shared with concurrent callers.
type Oracle struct {
	client  llm.Client
	sem     *concurrency.Semaphore
	post    postproc.Chain
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates an Oracle.
//
// Inputs:
//
//	client - The ranking gateway (already retry-wrapped).
//	sem - Session-wide admission semaphore. Must not be nil.
//	post - Response normalization chain.
//	logger - Structured logger; nil means slog.Default().
//	m - Metrics; nil disables instrumentation.
func New(client llm.Client, sem *concurrency.Semaphore, post postproc.Chain, logger *slog.Logger, m *metrics.Metrics) *Oracle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Oracle{
		client:  client,
		sem:     sem,
		post:    post,
		logger:  logger,
		metrics: m,
	}
}

// Predict obtains a valid total ordering of candidates for one voter.
//
// Description:
//
//	Runs the attempt loop: call the gateway at low temperature, normalize,
//	run the parser cascade, validate the permutation. After MaxRetries
//	failed attempts a uniform-random permutation is substituted and
//	flagged; the election proceeds (Schulze tolerates arbitrary ballots).
//
//	Only cancellation and persistent transport failure return an error;
//	parse trouble never does.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	rng - RNG for the non-biasing prompt example and the fallback ballot.
//	question - The deliberation question.
//	voter - The voter whose ranking is being predicted.
//	candidates - The candidate statements (len >= 2).
//	cfg - Oracle parameters for this election.
//	obs - Progress callbacks; zero value disables them.
//
// Outputs:
//
//	Ballot - The accepted or fallback ballot with its attempt log.
//	error - Cancellation or persistent gateway failure.
func (o *Oracle) Predict(ctx context.Context, rng *rand.Rand, question string, voter Voter, candidates []string, cfg Config, obs Observer) (Ballot, error) {
	k := len(candidates)
	maxRetries := cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	systemPrompt := prompts.RankingSystemPrompt(rng, k)
	userPrompt := prompts.RenderRanking(cfg.Template, question, voter.Position+1, voter.Opinion, candidates)

	req := llm.Request{
		Model:  cfg.Model,
		Prompt: userPrompt,
		System: systemPrompt,
		Params: llm.GenerationParams{
			Temperature: llm.Float32Ptr(cfg.Temperature),
		},
	}

	var attempts []string
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Ballot{Attempts: attempts}, err
		}
		if err := o.sem.Acquire(ctx); err != nil {
			return Ballot{Attempts: attempts}, err
		}
		raw, err := o.client.Complete(ctx, req, nil)
		o.sem.Release()

		if err != nil {
			o.metrics.ModelCall("rank", "error")
			if llm.IsCancelled(err) {
				return Ballot{Attempts: attempts}, err
			}
			// The gateway already retried transient failures with backoff;
			// a surviving transport error is persistent and fatal.
			return Ballot{Attempts: attempts}, err
		}
		o.metrics.ModelCall("rank", "ok")

		clean := o.post.Process(raw)
		result, parseErr := ParseRanking(clean, k)
		if parseErr == nil {
			msg := fmt.Sprintf("Attempt %d/%d: Success! Valid ranking found.", attempt, maxRetries)
			if result.ZeroIndexed {
				o.logger.Warn("model returned 0-indexed ranking, expected 1-indexed",
					"voter", voter.Position, "ranking", result.Ranking)
				msg = fmt.Sprintf("Attempt %d/%d: Success (0-indexed ranking).", attempt, maxRetries)
			}
			attempts = append(attempts, msg)
			o.logger.Debug("ranking parsed", "voter", voter.Position, "attempt", attempt, "ranking", result.Ranking)
			return Ballot{Ranking: result.Ranking, Attempts: attempts}, nil
		}

		detail := fmt.Sprintf("Attempt %d/%d: %v", attempt, maxRetries, parseErr)
		attempts = append(attempts, detail)
		o.metrics.ParseFailure()
		o.logger.Warn("failed to parse ranking",
			"voter", voter.Position, "attempt", attempt, "error", parseErr)
		if obs.OnAttemptFailed != nil {
			obs.OnAttemptFailed(attempt, detail)
		}
	}

	attempts = append(attempts, "All attempts failed. Falling back to random ranking.")
	fallback := rng.Perm(k)
	o.metrics.OracleFallback()
	o.logger.Warn("all ranking attempts failed, using random fallback",
		"voter", voter.Position, "ranking", fallback)
	if obs.OnFallback != nil {
		obs.OnFallback(fallback)
	}
	return Ballot{Ranking: fallback, Fallback: true, Attempts: attempts}, nil
}
