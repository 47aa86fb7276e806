// Copyright (C) 2026 Agora Labs (dev@agoralabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agoralabs/agora/services/deliberation/engine"
	"github.com/agoralabs/agora/services/deliberation/events"
	"github.com/agoralabs/agora/services/deliberation/voting"
)

func newRunCmd() *cobra.Command {
	var (
		question     string
		opinionsFile string
		recursive    bool
		endpoint     string
		model        string
		candidates   int
		maxGroupSize int
		strategy     string
		seed         uint64
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one deliberation session and print the winning statement",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flagConfig)
			if err != nil {
				return err
			}
			// Flags overlay the config file.
			if endpoint != "" {
				cfg.Engine.Generation.Endpoint = endpoint
			}
			if model != "" {
				cfg.Engine.Generation.Model = model
			}
			if candidates > 0 {
				cfg.Engine.NumCandidates = candidates
			}
			if maxGroupSize > 0 {
				cfg.Engine.MaxGroupSize = maxGroupSize
			}
			if strategy != "" {
				cfg.Engine.VotingStrategy = engine.VotingStrategy(strategy)
			}
			if seed != 0 {
				cfg.Engine.Seed = seed
			}

			opinions, err := readOpinions(opinionsFile)
			if err != nil {
				return err
			}

			genClient, rankClient, err := buildClients(cfg)
			if err != nil {
				return err
			}

			opts := []engine.Option{
				engine.WithLogger(logger.Slog()),
				engine.WithSink(&progressSink{out: os.Stderr}),
			}
			if rankClient != nil {
				opts = append(opts, engine.WithRankingClient(rankClient))
			}
			eng, err := engine.New(genClient, cfg.Engine, opts...)
			if err != nil {
				return err
			}

			// Ctrl-C cancels the session; the engine returns promptly with
			// partial progress.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var result *engine.Result
			if recursive {
				result, err = eng.Recursive(ctx, question, opinions)
			} else {
				result, err = eng.SingleRun(ctx, question, opinions)
			}
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringVarP(&question, "question", "q", "", "the question being deliberated")
	cmd.Flags().StringVarP(&opinionsFile, "opinions-file", "f", "", "file with one opinion per paragraph")
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "use hierarchical deliberation for large groups")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "model gateway base URL")
	cmd.Flags().StringVar(&model, "model", "", "model identifier")
	cmd.Flags().IntVar(&candidates, "candidates", 0, "candidate statements per group (2-9)")
	cmd.Flags().IntVar(&maxGroupSize, "max-group-size", 0, "participants per subgroup in recursive mode")
	cmd.Flags().StringVar(&strategy, "strategy", "", "voting strategy (own_groups_only|all_participants)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "RNG seed for reproducible shuffles")
	cmd.MarkFlagRequired("question")
	cmd.MarkFlagRequired("opinions-file")
	return cmd
}

// progressSink narrates session progress on stderr without drowning the
// terminal in token chunks.
type progressSink struct {
	out *os.File
}

func (p *progressSink) Emit(e events.Event) {
	switch e.Kind {
	case events.KindLevelStart:
		fmt.Fprintf(p.out, "== Level %d (%s)\n", e.Level, e.Text)
	case events.KindGroupStart:
		fmt.Fprintf(p.out, "-- Group %d: %s\n", e.Group+1, e.Text)
	case events.KindCandidateDone:
		fmt.Fprintf(p.out, "   candidate %d drafted (%d chars)\n", e.Candidate+1, len(e.Text))
	case events.KindOracleFallback:
		fmt.Fprintf(p.out, "   participant %d: random fallback ballot\n", e.Voter+1)
	case events.KindElectionDone:
		fmt.Fprintf(p.out, "-- Group %d winner: statement %d\n", e.Group+1, e.Winner+1)
	case events.KindError:
		fmt.Fprintf(p.out, "!! %s\n", e.Err)
	}
}

// printResult renders the final statement and the election detail as
// markdown.
func printResult(out io.Writer, result *engine.Result) error {
	switch result.Kind {
	case engine.ResultCancelled:
		fmt.Fprintln(out, "Session cancelled; no consensus reached.")
		return nil
	case engine.ResultFailed:
		return result.Err
	}

	fmt.Fprintf(out, "# Consensus statement\n\n%s\n", result.FinalStatement)
	if result.Degraded {
		fmt.Fprintln(out, "\n(Note: one or more ballots fell back to a random ranking.)")
	}

	root := result.Root
	if root != nil && len(root.Pairwise) > 0 {
		fmt.Fprintf(out, "\n## Final election (level %d)\n", root.Level)
		fmt.Fprintf(out, "\nCandidate ordering by pairwise victories: ")
		for i, c := range voting.RankByVictories(root.StrongestPaths) {
			if i > 0 {
				fmt.Fprint(out, " > ")
			}
			fmt.Fprintf(out, "S%d", c+1)
		}
		fmt.Fprintf(out, "\n\n### Pairwise preferences\n\n%s\n", voting.FormatPairwiseMatrix(root.Pairwise))
		fmt.Fprintf(out, "\n### Strongest paths\n\n%s\n", voting.FormatStrongestPathsMatrix(root.StrongestPaths))
	}
	return nil
}
