// Copyright (C) 2026 Agora Labs (dev@agoralabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package voting implements the Schulze method and related election
// utilities for determining consensus from ranked preferences.
//
// The Schulze method is Condorcet-compliant: it elects the Condorcet winner
// when one exists, is independent of clones, and resists strategic voting
// better than simpler positional methods.
package voting

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoWinner is returned when the undominated set comes out empty. For
// valid ballots this is unreachable (the Schulze relation always admits at
// least one undominated candidate); seeing it means the tabulator was fed
// inconsistent input.
var ErrNoWinner = errors.New("voting: undominated set is empty")

// Outcome is the result of one Schulze tabulation.
type Outcome struct {
	// Winner is the index of the winning candidate.
	Winner int

	// Pairwise[i][j] is the number of voters preferring candidate i over j.
	Pairwise [][]int

	// StrongestPaths[i][j] is the strength of the strongest path from i to j.
	StrongestPaths [][]int
}

// Schulze tabulates an election over numCandidates candidates.
//
// Description:
//
//	Builds the pairwise preference matrix from the rankings, computes
//	strongest paths with the Floyd–Warshall variant, and elects the
//	undominated candidate with the lowest index.
//
//	The function is pure and deterministic: equal inputs produce equal
//	outcomes, including the matrices.
//
// Inputs:
//
//	rankings - Map from voter id to that voter's ranking: a permutation of
//	           candidate indices in preference order, most preferred first.
//	numCandidates - Number of candidates in the election.
//
// Outputs:
//
//	Outcome - Winner and both matrices.
//	error - ErrNoWinner if no undominated candidate exists (unreachable for
//	        valid ballots).
//
// Example:
//
//	rankings := map[int][]int{0: {1, 0, 2}, 1: {1, 2, 0}, 2: {0, 1, 2}}
//	outcome, err := voting.Schulze(rankings, 3)
//	// outcome.Winner == 1
func Schulze(rankings map[int][]int, numCandidates int) (Outcome, error) {
	pairwise := newMatrix(numCandidates)

	// Every ordered pair (a before b) in a ranking is one voter preferring
	// a over b.
	for _, ranking := range rankings {
		for i := 0; i < len(ranking); i++ {
			for j := i + 1; j < len(ranking); j++ {
				preferred := ranking[i]
				lessPreferred := ranking[j]
				pairwise[preferred][lessPreferred]++
			}
		}
	}

	strongest := newMatrix(numCandidates)
	for i := 0; i < numCandidates; i++ {
		for j := 0; j < numCandidates; j++ {
			if i != j {
				strongest[i][j] = pairwise[i][j]
			}
		}
	}

	// Floyd–Warshall over the widest-path semiring: the strongest path from
	// j to k either avoids i, or goes through i at the strength of its
	// weakest link.
	for i := 0; i < numCandidates; i++ {
		for j := 0; j < numCandidates; j++ {
			if i == j {
				continue
			}
			for k := 0; k < numCandidates; k++ {
				if i == k || j == k {
					continue
				}
				if through := min(strongest[j][i], strongest[i][k]); through > strongest[j][k] {
					strongest[j][k] = through
				}
			}
		}
	}

	// Candidate i is undominated iff no j beats it on strongest paths.
	undominated := make([]bool, numCandidates)
	for i := range undominated {
		undominated[i] = true
	}
	for i := 0; i < numCandidates; i++ {
		for j := 0; j < numCandidates; j++ {
			if i != j && strongest[j][i] > strongest[i][j] {
				undominated[i] = false
				break
			}
		}
	}

	winner := -1
	for i, ok := range undominated {
		if ok {
			winner = i
			break
		}
	}
	if winner < 0 {
		return Outcome{}, ErrNoWinner
	}

	return Outcome{
		Winner:         winner,
		Pairwise:       pairwise,
		StrongestPaths: strongest,
	}, nil
}

// Victories returns, for each candidate, the number of candidates it
// defeats on strongest paths. Useful for presenting a full ordering, not
// just the winner.
func Victories(strongest [][]int) []int {
	n := len(strongest)
	victories := make([]int, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j && strongest[i][j] > strongest[j][i] {
				victories[i]++
			}
		}
	}
	return victories
}

// RankByVictories orders all candidates by victory count descending,
// breaking ties by index ascending.
func RankByVictories(strongest [][]int) []int {
	victories := Victories(strongest)
	order := make([]int, len(victories))
	for i := range order {
		order[i] = i
	}
	// Insertion sort keeps the stable, index-ascending tiebreak obvious.
	for i := 1; i < len(order); i++ {
		for j := i; j > 0; j-- {
			a, b := order[j-1], order[j]
			if victories[b] > victories[a] || (victories[b] == victories[a] && b < a) {
				order[j-1], order[j] = b, a
			} else {
				break
			}
		}
	}
	return order
}

// FormatPairwiseMatrix renders the pairwise preference matrix as a
// markdown table.
func FormatPairwiseMatrix(matrix [][]int) string {
	return formatMatrix(matrix)
}

// FormatStrongestPathsMatrix renders the strongest-paths matrix as a
// markdown table.
func FormatStrongestPathsMatrix(matrix [][]int) string {
	return formatMatrix(matrix)
}

func formatMatrix(matrix [][]int) string {
	n := len(matrix)
	var sb strings.Builder

	sb.WriteString("|       |")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, " S%2d |", i+1)
	}
	sb.WriteString("\n|-------|")
	for i := 0; i < n; i++ {
		sb.WriteString("-----|")
	}
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "\n| S%2d   |", i+1)
		for j := 0; j < n; j++ {
			fmt.Fprintf(&sb, " %3d |", matrix[i][j])
		}
	}
	return sb.String()
}

func newMatrix(n int) [][]int {
	m := make([][]int, n)
	for i := range m {
		m[i] = make([]int, n)
	}
	return m
}
