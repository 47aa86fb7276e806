// Copyright (C) 2026 Agora Labs (dev@agoralabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package main is the agora CLI: run deliberation sessions from the
// terminal or serve them over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/agoralabs/agora/pkg/logging"
)

var (
	flagConfig   string
	flagLogLevel string
	flagJSONLogs bool

	logger *logging.Logger
)

func main() {
	root := &cobra.Command{
		Use:   "agora",
		Short: "Find a consensus statement for a group of opinions",
		Long: `Agora drafts candidate consensus statements with a language model,
predicts how each participant would rank them, and elects the winner with
the Schulze method. Large groups are solved hierarchically.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Pipes get JSON logs unless explicitly overridden; terminals
			// get the text handler.
			jsonLogs := flagJSONLogs
			if !cmd.Flags().Changed("json-logs") && !isatty.IsTerminal(os.Stderr.Fd()) {
				jsonLogs = true
			}
			logger = logging.New(logging.Config{
				Level:   logging.ParseLevel(flagLogLevel),
				Service: "agora",
				JSON:    jsonLogs,
			})
		},
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	root.PersistentFlags().BoolVar(&flagJSONLogs, "json-logs", false, "emit JSON logs")

	root.AddCommand(newRunCmd())
	root.AddCommand(newServeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
