// Copyright (C) 2026 Agora Labs (dev@agoralabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ranking predicts how a participant would rank candidate
// statements, via the model gateway with structured-output retry and a
// deterministic random fallback.
//
// Model output is unreliable, so extraction is a cascade of increasingly
// forgiving parsers: strict JSON over the whole response, then strict JSON
// over the first balanced {...} substring, then a relaxed literal form that
// tolerates single-quoted keys and trailing commas. Whatever survives must
// still be a permutation of the candidate indices; leniency never extends
// to the ballot itself.
package ranking

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// ParseResult is a successfully extracted ballot.
type ParseResult struct {
	// Ranking is the 0-based permutation, most preferred first.
	Ranking []int

	// ZeroIndexed records that the model answered 0-based even though the
	// prompt asks for 1-based labels. The ballot is accepted either way.
	ZeroIndexed bool
}

// ParseRanking extracts and validates a ranking from raw (already
// normalized) model output.
//
// Inputs:
//
//	text - The cleaned response text.
//	numCandidates - Expected ballot length.
//
// Outputs:
//
//	*ParseResult - The validated 0-based ranking.
//	error - Why extraction or validation failed. The message is suitable
//	        for the attempt log.
func ParseRanking(text string, numCandidates int) (*ParseResult, error) {
	obj, ok := extractJSONObject(text)
	if !ok {
		return nil, fmt.Errorf("no valid JSON found in response")
	}

	raw, ok := obj["ranking"]
	if !ok {
		return nil, fmt.Errorf("JSON missing 'ranking' field")
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("'ranking' field is not a list")
	}

	ints := make([]int, 0, len(list))
	for _, v := range list {
		f, ok := v.(float64)
		if !ok || f != math.Trunc(f) {
			return nil, fmt.Errorf("ranking contains non-integer values")
		}
		ints = append(ints, int(f))
	}

	// 1-based is what the prompt asks for; 0-based answers are accepted
	// since they are unambiguous.
	if isPermutation(ints, numCandidates, false) {
		zeroBased := make([]int, len(ints))
		for i, v := range ints {
			zeroBased[i] = v - 1
		}
		return &ParseResult{Ranking: zeroBased}, nil
	}
	if isPermutation(ints, numCandidates, true) {
		return &ParseResult{Ranking: ints, ZeroIndexed: true}, nil
	}
	return nil, fmt.Errorf("invalid ranking indices: %v", ints)
}

// isPermutation reports whether ranking covers exactly the expected index
// set: 0..n-1 when zeroIndexed, 1..n otherwise.
func isPermutation(ranking []int, n int, zeroIndexed bool) bool {
	if len(ranking) != n {
		return false
	}
	lo := 1
	if zeroIndexed {
		lo = 0
	}
	seen := make([]bool, n)
	for _, v := range ranking {
		idx := v - lo
		if idx < 0 || idx >= n || seen[idx] {
			return false
		}
		seen[idx] = true
	}
	return true
}

// extractJSONObject runs the parser cascade and returns the first object
// that decodes.
func extractJSONObject(text string) (map[string]any, bool) {
	trimmed := strings.TrimSpace(text)

	// Stage 1: the whole response is the object.
	if obj, ok := decodeObject(trimmed); ok {
		return obj, true
	}

	// Stage 2: first balanced {...} substring, strict.
	candidate, found := balancedBraces(trimmed)
	if !found {
		return nil, false
	}
	if obj, ok := decodeObject(candidate); ok {
		return obj, true
	}

	// Stage 3: relaxed literal over the same substring.
	if obj, ok := decodeObject(relaxLiteral(candidate)); ok {
		return obj, true
	}
	return nil, false
}

func decodeObject(s string) (map[string]any, bool) {
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// balancedBraces returns the first brace-balanced substring, honoring
// double-quoted strings and escapes so braces inside string values do not
// throw off the depth count.
func balancedBraces(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// relaxLiteral rewrites a Python-dict-flavoured literal into JSON: single
// quotes become double quotes and trailing commas before a closing bracket
// are dropped. The rewrite only touches text outside double-quoted strings.
func relaxLiteral(s string) string {
	var out strings.Builder
	out.Grow(len(s))

	inDouble := false
	inSingle := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			// Escapes inside single-quoted strings carry over unchanged;
			// \' is not a JSON escape, so unwrap it.
			if inSingle && c == '\'' {
				out.WriteByte('\'')
			} else {
				out.WriteByte('\\')
				out.WriteByte(c)
			}
			escaped = false
		case c == '\\' && (inDouble || inSingle):
			escaped = true
		case inDouble:
			out.WriteByte(c)
			if c == '"' {
				inDouble = false
			}
		case inSingle:
			if c == '\'' {
				out.WriteByte('"')
				inSingle = false
			} else if c == '"' {
				out.WriteString(`\"`)
			} else {
				out.WriteByte(c)
			}
		case c == '"':
			inDouble = true
			out.WriteByte(c)
		case c == '\'':
			inSingle = true
			out.WriteByte('"')
		case c == ',':
			// Drop the comma if the next non-space byte closes a scope.
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
			out.WriteByte(c)
		default:
			out.WriteByte(c)
		}
	}
	return out.String()
}
