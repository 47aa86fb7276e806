// Copyright (C) 2026 Agora Labs (dev@agoralabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/agoralabs/agora/services/deliberation/prompts"
)

// VotingStrategy selects the voter population for elections above the
// leaf level.
type VotingStrategy string

const (
	// VotingOwnGroupOnly lets only the original participants whose
	// opinions transitively feed a group's candidates vote in it.
	VotingOwnGroupOnly VotingStrategy = "own_groups_only"

	// VotingAllParticipants lets every original participant vote in every
	// election, each using only their own original opinion.
	VotingAllParticipants VotingStrategy = "all_participants"
)

// GenerationConfig holds sampling and routing for candidate generation.
type GenerationConfig struct {
	Temperature float32 `yaml:"temperature" validate:"gte=0,lte=2"`
	TopP        float32 `yaml:"topP" validate:"gte=0,lte=1"`
	TopK        int     `yaml:"topK" validate:"gte=0"`

	// Endpoint is the gateway base URL for generation calls. Optional;
	// the engine's construction decides what a blank means (usually "same
	// client as ranking").
	Endpoint string `yaml:"endpoint"`

	// Model is the model identifier for generation calls.
	Model string `yaml:"model"`
}

// RankingConfig holds sampling, routing, and the retry budget for
// ranking prediction.
type RankingConfig struct {
	Temperature float32 `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxRetries  int     `yaml:"maxRetries" validate:"gte=1,lte=10"`
	Endpoint    string  `yaml:"endpoint"`
	Model       string  `yaml:"model"`
}

// TemplatesConfig carries the prompt templates.
type TemplatesConfig struct {
	Candidate string `yaml:"candidate"`
	Ranking   string `yaml:"ranking"`
}

// Config is the deliberation engine configuration.
//
// Zero values mean "use the default"; call Normalized to fill them in.
// Validation happens once, before any model call.
type Config struct {
	Generation GenerationConfig `yaml:"generation"`
	Ranking    RankingConfig    `yaml:"ranking"`

	// NumCandidates is K, the candidates per group election. Clamped per
	// group to [2, min(9, groupSize)].
	NumCandidates int `yaml:"numCandidates" validate:"gte=2,lte=9"`

	// MaxGroupSize caps group sizes for the recursive partitioner.
	MaxGroupSize int `yaml:"maxGroupSize" validate:"gte=2"`

	// VotingStrategy selects voter populations above the leaf level.
	VotingStrategy VotingStrategy `yaml:"votingStrategy" validate:"oneof=own_groups_only all_participants"`

	// MaxInFlight ceilings concurrent model calls session-wide.
	// 0 means "logical CPU count, at least 2".
	MaxInFlight int `yaml:"maxInFlight" validate:"gte=0"`

	// PromptTemplates overrides the built-in templates.
	PromptTemplates TemplatesConfig `yaml:"promptTemplates"`

	// PostProcessors names the response normalization chain. Empty means
	// the default (strip reasoning tags, trim).
	PostProcessors []string `yaml:"postProcessors"`

	// AnswerMarker optionally enables the structured answer envelope for
	// candidate generation.
	AnswerMarker string `yaml:"answerMarker"`

	// Seed makes shuffles and fallback ballots reproducible. 0 draws an
	// arbitrary seed at session start.
	Seed uint64 `yaml:"seed"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Generation: GenerationConfig{
			Temperature: 0.7,
			TopP:        0.9,
			TopK:        40,
			Model:       "gpt-oss:20b",
		},
		Ranking: RankingConfig{
			Temperature: 0.2,
			MaxRetries:  3,
		},
		NumCandidates:  4,
		MaxGroupSize:   12,
		VotingStrategy: VotingOwnGroupOnly,
		PromptTemplates: TemplatesConfig{
			Candidate: prompts.DefaultCandidateTemplate,
			Ranking:   prompts.DefaultRankingTemplate,
		},
	}
}

// Normalized returns a copy with zero values replaced by defaults. The
// ranking model and endpoint inherit from generation when unset, matching
// the "same URL / same id" defaults.
func (c Config) Normalized() Config {
	def := DefaultConfig()
	if c.Generation.Temperature == 0 {
		c.Generation.Temperature = def.Generation.Temperature
	}
	if c.Generation.TopP == 0 {
		c.Generation.TopP = def.Generation.TopP
	}
	if c.Generation.TopK == 0 {
		c.Generation.TopK = def.Generation.TopK
	}
	if c.Generation.Model == "" {
		c.Generation.Model = def.Generation.Model
	}
	if c.Ranking.Temperature == 0 {
		c.Ranking.Temperature = def.Ranking.Temperature
	}
	if c.Ranking.MaxRetries == 0 {
		c.Ranking.MaxRetries = def.Ranking.MaxRetries
	}
	if c.Ranking.Model == "" {
		c.Ranking.Model = c.Generation.Model
	}
	if c.Ranking.Endpoint == "" {
		c.Ranking.Endpoint = c.Generation.Endpoint
	}
	if c.NumCandidates == 0 {
		c.NumCandidates = def.NumCandidates
	}
	if c.MaxGroupSize == 0 {
		c.MaxGroupSize = def.MaxGroupSize
	}
	if c.VotingStrategy == "" {
		c.VotingStrategy = def.VotingStrategy
	}
	if c.PromptTemplates.Candidate == "" {
		c.PromptTemplates.Candidate = def.PromptTemplates.Candidate
	}
	if c.PromptTemplates.Ranking == "" {
		c.PromptTemplates.Ranking = def.PromptTemplates.Ranking
	}
	return c
}

var validate = validator.New()

// Validate checks a normalized Config, including template placeholders.
// It reports *Error values of kind ErrInvalidInput or ErrTemplate.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return invalidInput("invalid configuration: %v", err)
	}
	if err := prompts.ValidateCandidateTemplate(c.PromptTemplates.Candidate); err != nil {
		return templateError(err)
	}
	if err := prompts.ValidateRankingTemplate(c.PromptTemplates.Ranking); err != nil {
		return templateError(err)
	}
	return nil
}

// clampCandidates applies the per-group K clamp: 2 <= K <= min(9, members).
func clampCandidates(configured, members int) (int, error) {
	if members < 2 {
		return 0, fmt.Errorf("group of %d members cannot hold an election", members)
	}
	k := configured
	upper := 9
	if members < upper {
		upper = members
	}
	if k > upper {
		k = upper
	}
	if k < 2 {
		k = 2
	}
	return k, nil
}
