// Copyright (C) 2026 Agora Labs (dev@agoralabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/agoralabs/agora/services/deliberation/engine"
	"github.com/agoralabs/agora/services/llm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// scriptedGateway serves generation and ranking calls well enough for a
// full session: statements for generation, identity ballots for ranking.
func scriptedGateway() llm.Client {
	return llm.NewMockClient().WithResponseFunc(func(req llm.Request, call int) (string, error) {
		if req.System == "" {
			return fmt.Sprintf("Synthesized statement %d.", call), nil
		}
		k := strings.Count(req.Prompt, "Statement ")
		parts := make([]string, k)
		for i := range parts {
			parts[i] = fmt.Sprintf("%d", i+1)
		}
		return fmt.Sprintf(`{"ranking": [%s]}`, strings.Join(parts, ", ")), nil
	})
}

func newTestServer() *Server {
	return NewServer(scriptedGateway(), engine.DefaultConfig(), nil)
}

func startSession(t *testing.T, router http.Handler, body string) string {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/deliberations", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code, "start response: %s", w.Body.String())

	var resp struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	return resp.ID
}

func waitFinished(t *testing.T, router http.Handler, id string) sessionView {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/deliberations/"+id, nil)
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		var view sessionView
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
		if view.Status == "finished" {
			return view
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session did not finish in time")
	return sessionView{}
}

func TestStartAndFinishSession(t *testing.T) {
	router := newTestServer().Router()
	id := startSession(t, router, `{
		"question": "Should voting be compulsory?",
		"opinions": ["view one", "view two", "view three"]
	}`)

	view := waitFinished(t, router, id)
	require.Equal(t, engine.ResultCompleted, view.Kind, "error: %s", view.Error)
	require.NotEmpty(t, view.FinalStatement)
	require.Len(t, view.Levels, 1)
}

func TestRecursiveSession(t *testing.T) {
	router := newTestServer().Router()

	opinions := make([]string, 15)
	for i := range opinions {
		opinions[i] = fmt.Sprintf("viewpoint %d", i+1)
	}
	body, _ := json.Marshal(map[string]any{
		"question":  "Q?",
		"opinions":  opinions,
		"recursive": true,
	})
	id := startSession(t, router, string(body))

	view := waitFinished(t, router, id)
	if view.Kind != engine.ResultCompleted {
		t.Fatalf("Kind = %v (error=%q), want completed", view.Kind, view.Error)
	}
	if len(view.Levels) != 2 {
		t.Errorf("levels = %d, want 2 (15 opinions over maxGroupSize 12)", len(view.Levels))
	}
}

func TestStartRejectsBadBody(t *testing.T) {
	router := newTestServer().Router()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/deliberations",
		bytes.NewBufferString(`{"opinions": ["a", "b"]}`)) // missing question
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestPreFlightFailureSurfacesOnSession(t *testing.T) {
	router := newTestServer().Router()
	id := startSession(t, router, `{"question": "Q?", "opinions": ["only one"]}`)

	view := waitFinished(t, router, id)
	if view.Kind != engine.ResultFailed {
		t.Fatalf("Kind = %v, want failed", view.Kind)
	}
	if !strings.Contains(view.Error, "at least 2 opinions") {
		t.Errorf("Error = %q", view.Error)
	}
}

func TestUnknownSession(t *testing.T) {
	router := newTestServer().Router()
	for _, path := range []string{
		"/api/v1/deliberations/nope",
		"/api/v1/deliberations/nope/events",
	} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, w.Code)
		}
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/deliberations/nope/cancel", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("cancel status = %d, want 404", w.Code)
	}
}

func TestEventStreamReplaysTranscript(t *testing.T) {
	server := newTestServer()
	router := server.Router()
	id := startSession(t, router, `{
		"question": "Q?",
		"opinions": ["view one", "view two"]
	}`)
	waitFinished(t, router, id)

	// The broadcaster closed when the session finished; the SSE handler
	// must replay the full transcript and then return.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/deliberations/"+id+"/events", nil))

	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q", ct)
	}
	var kinds []string
	scanner := bufio.NewScanner(w.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			kinds = append(kinds, strings.TrimPrefix(line, "event: "))
		}
	}
	if len(kinds) == 0 {
		t.Fatal("no SSE events replayed")
	}
	if kinds[0] != "level_start" {
		t.Errorf("first event = %q, want level_start", kinds[0])
	}
	if kinds[len(kinds)-1] != "done" {
		t.Errorf("last event = %q, want done", kinds[len(kinds)-1])
	}
}

func TestCancelEndpoint(t *testing.T) {
	// A gateway that stalls until the context dies keeps the session
	// running long enough to cancel it.
	gateway := llm.NewMockClient().WithDelay(time.Hour)
	server := NewServer(gateway, engine.DefaultConfig(), nil)
	router := server.Router()

	id := startSession(t, router, `{"question": "Q?", "opinions": ["a view", "b view"]}`)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/deliberations/"+id+"/cancel", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", w.Code)
	}

	view := waitFinished(t, router, id)
	if view.Kind != engine.ResultCancelled {
		t.Errorf("Kind = %v, want cancelled", view.Kind)
	}
}

func TestHealthz(t *testing.T) {
	router := newTestServer().Router()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("healthz status = %d", w.Code)
	}
}
