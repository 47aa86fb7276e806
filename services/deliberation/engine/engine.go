// Copyright (C) 2026 Agora Labs (dev@agoralabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine orchestrates deliberation sessions: candidate generation,
// per-participant ranking prediction, Schulze tabulation, and the
// hierarchical recursion over participant subgroups.
//
// The engine owns nothing global. Configuration, RNG, gateway clients,
// the cancel signal (a context), and the event sink are all injected, and
// each session gets its own admission semaphore and RNG stream.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/agoralabs/agora/pkg/concurrency"
	"github.com/agoralabs/agora/pkg/metrics"
	"github.com/agoralabs/agora/services/deliberation/events"
	"github.com/agoralabs/agora/services/deliberation/generate"
	"github.com/agoralabs/agora/services/deliberation/partition"
	"github.com/agoralabs/agora/services/deliberation/postproc"
	"github.com/agoralabs/agora/services/deliberation/ranking"
	"github.com/agoralabs/agora/services/deliberation/voting"
	"github.com/agoralabs/agora/services/llm"
)

var tracer = otel.Tracer("agora.deliberation.engine")

// gatewayRetryAttempts bounds transport-level retries per model call.
const gatewayRetryAttempts = 3

// Engine runs deliberation sessions.
//
// Thread Safety: Engine is safe for concurrent use; each SingleRun or
// Recursive call owns its session state.
type Engine struct {
	cfg        Config
	genClient  llm.Client
	rankClient llm.Client
	logger     *slog.Logger
	sink       events.Sink
	metrics    *metrics.Metrics
	post       postproc.Chain
}

// Option customizes engine construction.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithSink sets the event sink. Events arrive already sequenced.
func WithSink(sink events.Sink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRankingClient routes ranking calls to a distinct gateway, for
// configurations with separate generation and ranking endpoints.
func WithRankingClient(client llm.Client) Option {
	return func(e *Engine) { e.rankClient = client }
}

// WithPostProcessors overrides the response normalization chain.
func WithPostProcessors(chain postproc.Chain) Option {
	return func(e *Engine) { e.post = chain }
}

// New creates an Engine.
//
// Description:
//
//	Normalizes and validates cfg (templates included) before anything
//	else; a bad template never reaches the gateway. Both gateway clients
//	are wrapped with bounded-backoff retry for transient transport
//	failures.
//
// Inputs:
//
//	client - The generation gateway (also ranking, unless overridden).
//	cfg - Session configuration; zero fields take documented defaults.
//	opts - Optional dependencies.
//
// Outputs:
//
//	*Engine - Ready to run sessions.
//	error - *Error of kind ErrInvalidInput or ErrTemplate.
func New(client llm.Client, cfg Config, opts ...Option) (*Engine, error) {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.PostProcessors) > 0 {
		cfg.PostProcessors = append([]string(nil), cfg.PostProcessors...)
	}

	e := &Engine{
		cfg:       cfg,
		genClient: client,
		logger:    slog.Default(),
		sink:      events.NopSink{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rankClient == nil {
		e.rankClient = e.genClient
	}
	if e.post == nil {
		if len(cfg.PostProcessors) > 0 {
			e.post = postproc.NewRegistry().Resolve(cfg.PostProcessors)
		} else {
			e.post = postproc.DefaultChain()
		}
	}

	e.genClient = llm.NewRetryingClient(e.genClient, gatewayRetryAttempts, e.metrics.GatewayRetry)
	e.rankClient = llm.NewRetryingClient(e.rankClient, gatewayRetryAttempts, e.metrics.GatewayRetry)
	return e, nil
}

// Config returns the engine's normalized configuration.
func (e *Engine) Config() Config { return e.cfg }

// =============================================================================
// Session state
// =============================================================================

// item is one votable unit at some recursion level: an original opinion at
// level 0, a promoted winner above.
type item struct {
	text    string
	members []int
	child   *GroupNode
}

// run holds per-session state.
type run struct {
	e            *Engine
	sessionID    string
	question     string
	participants []Participant
	sem          *concurrency.Semaphore
	rng          *lockedRand
	seq          *events.Sequencer
	mem          *events.MemorySink
	generator    *generate.Generator
	oracle       *ranking.Oracle
	degraded     atomic.Bool
	logger       *slog.Logger
}

func (e *Engine) newRun(question string, opinions []string) *run {
	participants := make([]Participant, len(opinions))
	for i, opinion := range opinions {
		participants[i] = Participant{Position: i, Opinion: opinion}
	}

	var sem *concurrency.Semaphore
	if e.cfg.MaxInFlight > 0 {
		sem = concurrency.NewSemaphore(e.cfg.MaxInFlight)
	} else {
		sem = concurrency.FromCPUCount()
	}

	sessionID := fmt.Sprintf("%s-%s", time.Now().Format("20060102-150405"), uuid.NewString()[:8])
	mem := events.NewMemorySink()

	r := &run{
		e:            e,
		sessionID:    sessionID,
		question:     question,
		participants: participants,
		sem:          sem,
		rng:          newLockedRand(e.cfg.Seed),
		seq:          events.NewSequencer(events.MultiSink{mem, e.sink}),
		mem:          mem,
		logger:       e.logger.With("session_id", sessionID),
	}
	r.generator = generate.New(e.genClient, sem, e.post, r.logger, e.metrics)
	r.oracle = ranking.New(e.rankClient, sem, e.post, r.logger, e.metrics)
	return r
}

func (r *run) emit(e events.Event) { r.seq.Emit(e) }

// =============================================================================
// Entry points
// =============================================================================

// SingleRun runs one election over all opinions as a single group.
//
// Requires 2 <= len(opinions) <= MaxGroupSize. Cancellation via ctx yields
// a Result of kind ResultCancelled with partial progress and a nil error.
func (e *Engine) SingleRun(ctx context.Context, question string, opinions []string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Engine.SingleRun")
	defer span.End()
	span.SetAttributes(attribute.Int("participants", len(opinions)))

	if err := validateInputs(question, opinions); err != nil {
		return nil, err
	}
	if len(opinions) > e.cfg.MaxGroupSize {
		return nil, invalidInput("%d opinions exceed maxGroupSize %d; use Recursive", len(opinions), e.cfg.MaxGroupSize)
	}

	r := e.newRun(question, opinions)
	r.logger.Info("single-run session started", "participants", len(opinions))

	items := leafItems(opinions)
	node := newGroupNode(0, 0, items)
	r.emit(events.Event{Kind: events.KindLevelStart, Level: 0, Text: fmt.Sprintf("%d items", len(items))})

	err := r.runGroup(ctx, node, r.votersFor(node))
	if err == nil {
		r.emit(events.Event{Kind: events.KindLevelDone, Level: 0})
	}
	return r.finish(node, [][]*GroupNode{{node}}, err)
}

// Recursive runs the hierarchical procedure: partition, solve subgroups,
// promote winners, repeat until a single statement remains.
//
// Requires len(opinions) >= 2. Cancellation via ctx yields a Result of
// kind ResultCancelled with partial progress and a nil error.
func (e *Engine) Recursive(ctx context.Context, question string, opinions []string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Engine.Recursive")
	defer span.End()
	span.SetAttributes(attribute.Int("participants", len(opinions)))

	if err := validateInputs(question, opinions); err != nil {
		return nil, err
	}

	r := e.newRun(question, opinions)
	r.logger.Info("recursive session started",
		"participants", len(opinions),
		"max_group_size", e.cfg.MaxGroupSize,
		"voting_strategy", string(e.cfg.VotingStrategy),
	)

	items := leafItems(opinions)
	var levels [][]*GroupNode

	for level := 0; ; level++ {
		if err := ctx.Err(); err != nil {
			return r.finish(nil, levels, err)
		}
		r.emit(events.Event{Kind: events.KindLevelStart, Level: level, Text: fmt.Sprintf("%d items", len(items))})

		var grouped [][]item
		if len(items) <= e.cfg.MaxGroupSize {
			grouped = [][]item{items}
		} else {
			r.rng.do(func(rr *rand.Rand) {
				grouped = partition.Split(rr, items, e.cfg.MaxGroupSize)
			})
		}

		nodes := make([]*GroupNode, len(grouped))
		eg, gctx := errgroup.WithContext(ctx)
		for gi, groupItems := range grouped {
			node := newGroupNode(level, gi, groupItems)
			nodes[gi] = node
			voters := r.votersFor(node)
			eg.Go(func() error {
				return r.runGroup(gctx, node, voters)
			})
		}
		if err := eg.Wait(); err != nil {
			return r.finish(nil, append(levels, nodes), err)
		}
		levels = append(levels, nodes)
		r.emit(events.Event{Kind: events.KindLevelDone, Level: level})

		if len(nodes) == 1 {
			return r.finish(nodes[0], levels, nil)
		}

		// Promotion: each winner becomes one item at the parent level,
		// carrying its subtree's originating participants.
		next := make([]item, len(nodes))
		for i, node := range nodes {
			next[i] = item{text: node.Winner(), members: node.MemberPositions, child: node}
		}
		items = next
	}
}

func validateInputs(question string, opinions []string) error {
	if strings.TrimSpace(question) == "" {
		return invalidInput("question is empty")
	}
	if len(opinions) < 2 {
		return invalidInput("need at least 2 opinions, got %d", len(opinions))
	}
	for i, opinion := range opinions {
		if strings.TrimSpace(opinion) == "" {
			return invalidInput("opinion %d is empty", i+1)
		}
	}
	return nil
}

func leafItems(opinions []string) []item {
	items := make([]item, len(opinions))
	for i, opinion := range opinions {
		items[i] = item{text: opinion, members: []int{i}}
	}
	return items
}

func newGroupNode(level, groupIndex int, groupItems []item) *GroupNode {
	node := &GroupNode{
		Level:       level,
		GroupIndex:  groupIndex,
		WinnerIndex: -1,
		Ballots:     make(map[int]ranking.Ballot),
	}
	for _, it := range groupItems {
		node.Statements = append(node.Statements, it.text)
		node.MemberPositions = append(node.MemberPositions, it.members...)
		if it.child != nil {
			node.Children = append(node.Children, it.child)
		}
	}
	sort.Ints(node.MemberPositions)
	return node
}

// votersFor resolves the voter population for one group election.
//
// OwnGroupOnly: the original participants whose opinions transitively feed
// this node. AllParticipants: everyone in the session. At the root the two
// coincide, since every leaf is a descendant. Voters always rank with
// their own original opinion.
func (r *run) votersFor(node *GroupNode) []Participant {
	if r.e.cfg.VotingStrategy == VotingAllParticipants {
		return r.participants
	}
	voters := make([]Participant, 0, len(node.MemberPositions))
	for _, pos := range node.MemberPositions {
		if pos >= 0 && pos < len(r.participants) {
			voters = append(voters, r.participants[pos])
		}
	}
	return voters
}

// =============================================================================
// Group election
// =============================================================================

func (r *run) runGroup(ctx context.Context, node *GroupNode, voters []Participant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.emit(events.Event{
		Kind:  events.KindGroupStart,
		Level: node.Level,
		Group: node.GroupIndex,
		Text:  fmt.Sprintf("%d statements, %d voters", len(node.Statements), len(voters)),
	})

	// A singleton group has nothing to deliberate; its statement passes
	// through unchanged.
	if len(node.Statements) == 1 {
		node.Candidates = []string{node.Statements[0]}
		node.WinnerIndex = 0
		r.emit(events.Event{
			Kind:  events.KindElectionDone,
			Level: node.Level,
			Group: node.GroupIndex,
			Text:  node.Statements[0],
		})
		return nil
	}

	k, err := clampCandidates(r.e.cfg.NumCandidates, len(node.Statements))
	if err != nil {
		return &Error{Kind: ErrInternal, Message: "candidate clamp failed", Cause: err}
	}

	candidates, err := r.generator.Candidates(ctx, r.rng.child(), r.question, node.Statements, k,
		generate.Config{
			Model:        r.e.cfg.Generation.Model,
			Temperature:  r.e.cfg.Generation.Temperature,
			TopP:         r.e.cfg.Generation.TopP,
			TopK:         r.e.cfg.Generation.TopK,
			Template:     r.e.cfg.PromptTemplates.Candidate,
			AnswerMarker: r.e.cfg.AnswerMarker,
		},
		generate.Observer{
			OnStart: func(candidate int) {
				r.emit(events.Event{Kind: events.KindCandidateStart, Level: node.Level, Group: node.GroupIndex, Candidate: candidate})
			},
			OnChunk: func(candidate int, chunk string) {
				r.emit(events.Event{Kind: events.KindCandidateChunk, Level: node.Level, Group: node.GroupIndex, Candidate: candidate, Text: chunk})
			},
			OnDone: func(candidate int, statement string) {
				r.emit(events.Event{Kind: events.KindCandidateDone, Level: node.Level, Group: node.GroupIndex, Candidate: candidate, Text: statement})
			},
		})
	if err != nil {
		if isCancellation(err) || isGatewayError(err) {
			return err
		}
		return &Error{
			Kind:    ErrGenerationFailed,
			Message: fmt.Sprintf("level %d group %d: candidate generation failed", node.Level, node.GroupIndex),
			Cause:   err,
		}
	}
	node.Candidates = candidates

	ballots := make([]ranking.Ballot, len(voters))
	eg, octx := errgroup.WithContext(ctx)
	for vi, voter := range voters {
		voterRNG := r.rng.child()
		eg.Go(func() error {
			r.emit(events.Event{Kind: events.KindOracleStart, Level: node.Level, Group: node.GroupIndex, Voter: voter.Position})
			ballot, err := r.oracle.Predict(octx, voterRNG, r.question,
				ranking.Voter{Position: voter.Position, Opinion: voter.Opinion},
				node.Candidates,
				ranking.Config{
					Model:       r.e.cfg.Ranking.Model,
					Temperature: r.e.cfg.Ranking.Temperature,
					MaxRetries:  r.e.cfg.Ranking.MaxRetries,
					Template:    r.e.cfg.PromptTemplates.Ranking,
				},
				ranking.Observer{
					OnAttemptFailed: func(attempt int, detail string) {
						r.emit(events.Event{Kind: events.KindOracleAttempt, Level: node.Level, Group: node.GroupIndex, Voter: voter.Position, Attempt: attempt, Text: detail})
					},
					OnFallback: func(fallback []int) {
						r.emit(events.Event{Kind: events.KindOracleFallback, Level: node.Level, Group: node.GroupIndex, Voter: voter.Position, Ranking: fallback})
					},
				})
			if err != nil {
				return err
			}
			ballots[vi] = ballot
			r.emit(events.Event{Kind: events.KindOracleDone, Level: node.Level, Group: node.GroupIndex, Voter: voter.Position, Ranking: ballot.Ranking})
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	rankings := make(map[int][]int, len(voters))
	for vi, voter := range voters {
		node.Ballots[voter.Position] = ballots[vi]
		rankings[voter.Position] = ballots[vi].Ranking
		if ballots[vi].Fallback {
			r.degraded.Store(true)
		}
	}

	outcome, err := voting.Schulze(rankings, k)
	if err != nil {
		return &Error{Kind: ErrInternal, Message: "tabulation failed", Cause: err}
	}
	node.WinnerIndex = outcome.Winner
	node.Pairwise = outcome.Pairwise
	node.StrongestPaths = outcome.StrongestPaths
	r.e.metrics.Election()

	r.logger.Info("election finished",
		"level", node.Level,
		"group", node.GroupIndex,
		"winner", outcome.Winner,
		"voters", len(voters),
	)
	r.emit(events.Event{
		Kind:           events.KindElectionDone,
		Level:          node.Level,
		Group:          node.GroupIndex,
		Winner:         outcome.Winner,
		Text:           node.Winner(),
		Pairwise:       outcome.Pairwise,
		StrongestPaths: outcome.StrongestPaths,
	})
	return nil
}

// =============================================================================
// Result assembly
// =============================================================================

func (r *run) finish(root *GroupNode, levels [][]*GroupNode, err error) (*Result, error) {
	res := &Result{
		SessionID: r.sessionID,
		Question:  r.question,
		Levels:    levels,
		Degraded:  r.degraded.Load(),
	}

	switch {
	case err == nil:
		res.Kind = ResultCompleted
		res.Root = root
		res.FinalStatement = root.Winner()
		r.emit(events.Event{Kind: events.KindDone, Text: res.FinalStatement})
		r.logger.Info("session completed", "degraded", res.Degraded)
		res.Events = r.mem.Events()
		return res, nil

	case isCancellation(err):
		res.Kind = ResultCancelled
		res.Err = &Error{Kind: ErrCancelled, Message: "session cancelled", Cause: err}
		r.emit(events.Event{Kind: events.KindError, Err: "session cancelled"})
		r.logger.Warn("session cancelled")
		res.Events = r.mem.Events()
		return res, nil

	default:
		ee := classifyFailure(err)
		res.Kind = ResultFailed
		res.Err = ee
		r.emit(events.Event{Kind: events.KindError, Err: ee.Error()})
		r.logger.Error("session failed", "kind", ee.Kind.String(), "error", ee)
		res.Events = r.mem.Events()
		return res, ee
	}
}

func isCancellation(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if llm.IsCancelled(err) {
		return true
	}
	var ee *Error
	return errors.As(err, &ee) && ee.Kind == ErrCancelled
}

func isGatewayError(err error) bool {
	var ge *llm.Error
	return errors.As(err, &ge)
}

func classifyFailure(err error) *Error {
	var ee *Error
	if errors.As(err, &ee) {
		return ee
	}
	var ge *llm.Error
	if errors.As(err, &ge) {
		return &Error{Kind: ErrGatewayUnavailable, Message: "model gateway unavailable", Cause: err}
	}
	return &Error{Kind: ErrInternal, Message: "deliberation failed", Cause: err}
}
