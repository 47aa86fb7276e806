// Copyright (C) 2026 Agora Labs (dev@agoralabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package api exposes the deliberation engine over HTTP.
//
// Sessions run asynchronously: POST starts one and returns its id, the
// events endpoint streams the transcript as Server-Sent Events (replay
// plus follow), and the session endpoint returns the result once the run
// finishes. The event stream is the engine's contract; this service is
// one transport for it.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agoralabs/agora/pkg/metrics"
	"github.com/agoralabs/agora/services/deliberation/engine"
	"github.com/agoralabs/agora/services/deliberation/events"
	"github.com/agoralabs/agora/services/llm"
)

// Server hosts deliberation sessions.
//
// Thread Safety: Server is safe for concurrent use.
type Server struct {
	cfg        engine.Config
	client     llm.Client
	rankClient llm.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*session
}

// session is one asynchronous deliberation run.
type session struct {
	id          string
	broadcaster *events.Broadcaster
	cancel      context.CancelFunc

	mu     sync.Mutex
	result *engine.Result
	done   chan struct{}
}

// NewServer creates a Server running sessions against the given gateway.
func NewServer(client llm.Client, cfg engine.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		client:   client,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// WithMetrics enables Prometheus instrumentation on engine sessions.
func (s *Server) WithMetrics(m *metrics.Metrics) *Server {
	s.metrics = m
	return s
}

// WithRankingClient routes ranking calls to a distinct gateway.
func (s *Server) WithRankingClient(client llm.Client) *Server {
	s.rankClient = client
	return s
}

// Router builds the gin handler.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	v1 := r.Group("/api/v1")
	v1.POST("/deliberations", s.handleStart)
	v1.GET("/deliberations/:id", s.handleGet)
	v1.GET("/deliberations/:id/events", s.handleEvents)
	v1.POST("/deliberations/:id/cancel", s.handleCancel)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.logger.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
		)
	}
}

// startRequest is the POST /deliberations body.
type startRequest struct {
	Question  string   `json:"question" binding:"required"`
	Opinions  []string `json:"opinions" binding:"required"`
	Recursive bool     `json:"recursive"`
}

func (s *Server) handleStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	broadcaster := events.NewBroadcaster()
	opts := []engine.Option{
		engine.WithSink(broadcaster),
		engine.WithLogger(s.logger),
		engine.WithMetrics(s.metrics),
	}
	if s.rankClient != nil {
		opts = append(opts, engine.WithRankingClient(s.rankClient))
	}
	eng, err := engine.New(s.client, s.cfg, opts...)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:          uuid.NewString(),
		broadcaster: broadcaster,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	go func() {
		defer close(sess.done)
		defer broadcaster.Close()

		var result *engine.Result
		var runErr error
		if req.Recursive {
			result, runErr = eng.Recursive(ctx, req.Question, req.Opinions)
		} else {
			result, runErr = eng.SingleRun(ctx, req.Question, req.Opinions)
		}
		if result == nil {
			// Pre-flight rejection: synthesize a failed result so clients
			// polling the session see the reason.
			result = &engine.Result{
				Question: req.Question,
				Kind:     engine.ResultFailed,
				Err:      runErr,
			}
		}
		sess.mu.Lock()
		sess.result = result
		sess.mu.Unlock()
		if runErr != nil {
			s.logger.Error("session ended with error", "session", sess.id, "error", runErr)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"id": sess.id})
}

func (s *Server) lookup(id string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// sessionView is the JSON shape of GET /deliberations/:id.
type sessionView struct {
	ID             string             `json:"id"`
	Status         string             `json:"status"`
	Kind           engine.ResultKind  `json:"kind,omitempty"`
	FinalStatement string             `json:"final_statement,omitempty"`
	Degraded       bool               `json:"degraded,omitempty"`
	Error          string             `json:"error,omitempty"`
	Levels         [][]*engine.GroupNode `json:"levels,omitempty"`
}

func (s *Server) handleGet(c *gin.Context) {
	sess, ok := s.lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	sess.mu.Lock()
	result := sess.result
	sess.mu.Unlock()

	view := sessionView{ID: sess.id, Status: "running"}
	if result != nil {
		view.Status = "finished"
		view.Kind = result.Kind
		view.FinalStatement = result.FinalStatement
		view.Degraded = result.Degraded
		view.Levels = result.Levels
		if result.Err != nil {
			view.Error = result.Err.Error()
		}
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleCancel(c *gin.Context) {
	sess, ok := s.lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	sess.cancel()
	c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
}

// handleEvents streams the session transcript as SSE: full replay first,
// then live events until the session ends or the client disconnects.
func (s *Server) handleEvents(c *gin.Context) {
	sess, ok := s.lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}

	ch, cancel := sess.broadcaster.Subscribe()
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			return
		case e, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(e)
			if err != nil {
				return
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", e.Kind, payload)
			c.Writer.Flush()
		}
	}
}
