// Copyright (C) 2026 Agora Labs (dev@agoralabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agoralabs/agora/services/deliberation/engine"
	"github.com/agoralabs/agora/services/llm"
)

// fileConfig is the YAML configuration file shape.
type fileConfig struct {
	// Engine holds the deliberation engine configuration.
	Engine engine.Config `yaml:"engine"`

	// Gateway selects the transport: "ollama" (default) or "openai" for
	// any OpenAI-compatible endpoint.
	Gateway struct {
		Kind   string `yaml:"kind"`
		APIKey string `yaml:"apiKey"`
	} `yaml:"gateway"`

	// Server holds HTTP settings for `agora serve`.
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
}

// loadConfig reads the optional YAML config file.
func loadConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	cfg.Engine = engine.DefaultConfig()
	cfg.Gateway.Kind = "ollama"
	cfg.Server.Addr = ":8080"

	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// defaultEndpoint is where a local Ollama listens.
const defaultEndpoint = "http://localhost:11434"

// buildClients constructs the generation gateway and, when the config
// routes ranking elsewhere, a distinct ranking gateway.
func buildClients(cfg fileConfig) (generation llm.Client, rankingClient llm.Client, err error) {
	genEndpoint := cfg.Engine.Generation.Endpoint
	if genEndpoint == "" {
		genEndpoint = defaultEndpoint
	}
	rankEndpoint := cfg.Engine.Ranking.Endpoint
	if rankEndpoint == "" {
		rankEndpoint = genEndpoint
	}

	build := func(endpoint string) (llm.Client, error) {
		switch strings.ToLower(cfg.Gateway.Kind) {
		case "", "ollama":
			return llm.NewOllamaClient(endpoint), nil
		case "openai":
			apiKey := cfg.Gateway.APIKey
			if apiKey == "" {
				apiKey = os.Getenv("OPENAI_API_KEY")
			}
			return llm.NewOpenAIClient(endpoint, apiKey), nil
		default:
			return nil, fmt.Errorf("unknown gateway kind %q", cfg.Gateway.Kind)
		}
	}

	generation, err = build(genEndpoint)
	if err != nil {
		return nil, nil, err
	}
	if rankEndpoint == genEndpoint {
		return generation, nil, nil
	}
	rankingClient, err = build(rankEndpoint)
	if err != nil {
		return nil, nil, err
	}
	return generation, rankingClient, nil
}

// readOpinions loads opinions from a file: one opinion per paragraph
// (blank-line separated), or one per line when no blank lines occur.
func readOpinions(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read opinions: %w", err)
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")

	var raw []string
	if strings.Contains(strings.TrimSpace(text), "\n\n") {
		raw = strings.Split(text, "\n\n")
	} else {
		raw = strings.Split(text, "\n")
	}

	var opinions []string
	for _, chunk := range raw {
		chunk = strings.TrimSpace(chunk)
		if chunk != "" {
			opinions = append(opinions, strings.ReplaceAll(chunk, "\n", " "))
		}
	}
	return opinions, nil
}
