// Copyright (C) 2026 Agora Labs (dev@agoralabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package prompts holds the prompt templates for candidate generation and
// ranking prediction, plus their placeholder validation and rendering.
//
// Templates use literal {name} placeholders rather than text/template
// syntax; they are user-editable configuration, and the placeholder set is
// part of the engine's public contract.
package prompts

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
)

// DefaultCandidateTemplate is the built-in candidate generation prompt.
// Placeholders: {question}, {participant_statements}.
const DefaultCandidateTemplate = `Given these participant statements, please combine these statements into a single group statement that synthesizes their viewpoints and includes all their individual points and concerns. This should represent a fair consensus or position that most participants could accept, and be representative of all details, concerns, suggestions, or questions from all participants, even if that make the combined statement longer. Your response will be used verbatim as the statement, so do not include any preamble or postscript.

---

# {question}

---

{participant_statements}

---

`

// DefaultRankingTemplate is the built-in ranking prediction prompt.
// Placeholders: {question}, {participant_statement}, {num_candidates},
// {candidate_statements}. It does not use {participant_num}.
const DefaultRankingTemplate = `Given this participant's statement, predict how this participant would rank these group statements from most preferred (1) to least preferred ({num_candidates}).



# {question}

## Participant's original statement: {participant_statement}

## Group Statements to Rank:

{candidate_statements}



Based on the participant's original statement, predict their ranking of these group statements from most preferred to least preferred as a JSON object:

{
  "ranking": [1, 2, etc.]
}

Important: Your response MUST contain ONLY a valid JSON object with a list of positive integer rankings under the key "ranking", NOT a list of statements, and must align with how this participant would rank them; e.g. how aligned they are with this participant's stance and priorities. Index starts at 1, not 0.`

// candidatePlaceholders are required in every candidate template.
var candidatePlaceholders = []string{"{question}", "{participant_statements}"}

// rankingPlaceholders are required in every ranking template.
// {participant_num} is deliberately absent: the original default template
// does not reference it, so demanding it would reject the default.
var rankingPlaceholders = []string{
	"{question}",
	"{participant_statement}",
	"{num_candidates}",
	"{candidate_statements}",
}

// ValidateCandidateTemplate checks a candidate generation template for its
// required placeholders.
func ValidateCandidateTemplate(template string) error {
	return requirePlaceholders("candidate", template, candidatePlaceholders)
}

// ValidateRankingTemplate checks a ranking prediction template for its
// required placeholders.
func ValidateRankingTemplate(template string) error {
	return requirePlaceholders("ranking", template, rankingPlaceholders)
}

func requirePlaceholders(kind, template string, required []string) error {
	if strings.TrimSpace(template) == "" {
		return fmt.Errorf("%s template is empty", kind)
	}
	for _, placeholder := range required {
		if !strings.Contains(template, placeholder) {
			return fmt.Errorf("%s template missing placeholder: %s", kind, placeholder)
		}
	}
	return nil
}

// FormatParticipantStatements renders opinions as "Participant N: ..."
// lines for the candidate prompt. The caller passes opinions already in
// the (shuffled) order it wants the model to see.
func FormatParticipantStatements(opinions []string) string {
	var sb strings.Builder
	for i, opinion := range opinions {
		fmt.Fprintf(&sb, "Participant %d: %s\n\n", i+1, opinion)
	}
	return sb.String()
}

// FormatCandidateStatements renders candidates as numbered statements for
// the ranking prompt. Labels are 1-based to match the prompt contract.
func FormatCandidateStatements(candidates []string) string {
	var sb strings.Builder
	for i, statement := range candidates {
		fmt.Fprintf(&sb, "Statement %d:\n%s\n\n", i+1, statement)
	}
	return sb.String()
}

// RenderCandidate fills a candidate generation template.
func RenderCandidate(template, question string, opinions []string) string {
	r := strings.NewReplacer(
		"{question}", question,
		"{participant_statements}", FormatParticipantStatements(opinions),
	)
	return r.Replace(template)
}

// RenderRanking fills a ranking prediction template.
//
// Inputs:
//
//	template - Validated ranking template.
//	question - The deliberation question.
//	participantNum - The voter's 1-based participant number.
//	opinion - The voter's original opinion.
//	candidates - The candidate statements being ranked.
func RenderRanking(template, question string, participantNum int, opinion string, candidates []string) string {
	r := strings.NewReplacer(
		"{question}", question,
		"{participant_num}", strconv.Itoa(participantNum),
		"{participant_statement}", opinion,
		"{num_candidates}", strconv.Itoa(len(candidates)),
		"{candidate_statements}", FormatCandidateStatements(candidates),
	)
	return r.Replace(template)
}

// RankingSystemPrompt builds the system prompt instructing the model to
// emit a JSON ranking. The embedded example has max(3, numCandidates-1)
// entries in a shuffled order, so for any K other than 3 it cannot be
// copied verbatim as a full answer.
func RankingSystemPrompt(rng *rand.Rand, numCandidates int) string {
	exampleSize := numCandidates - 1
	if exampleSize < 3 {
		exampleSize = 3
	}
	example := make([]int, exampleSize)
	for i := range example {
		example[i] = i + 1
	}
	rng.Shuffle(len(example), func(i, j int) {
		example[i], example[j] = example[j], example[i]
	})

	parts := make([]string, len(example))
	for i, v := range example {
		parts[i] = strconv.Itoa(v)
	}
	exampleList := "[" + strings.Join(parts, ", ") + "]"

	return "You are a ranking prediction assistant that outputs results in JSON format. " +
		"Your task is to predict how a participant would rank statements based on their perspective.\n\n" +
		fmt.Sprintf("Your response MUST be a valid JSON object with a 'ranking' field containing an array of integers representing statement numbers (1 to %d), ordered from most preferred to least preferred.\n\n", numCandidates) +
		"Example JSON format (do not copy these example values):\n" +
		"{\n" +
		fmt.Sprintf("  \"ranking\": %s\n", exampleList) +
		"}\n\n" +
		"Your entire response should ONLY contain the JSON object, with no additional text before or after."
}
