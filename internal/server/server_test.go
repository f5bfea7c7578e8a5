package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cwbudde/demonsreg/internal/demons"
	"github.com/cwbudde/demonsreg/internal/store"
)

func newTestServer(t *testing.T, checkpointStore store.Store) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(":0", checkpointStore, demons.DefaultParams())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.runCancel()
	})
	return s, ts
}

func createSession(t *testing.T, ts *httptest.Server, req SessionRequest) Session {
	t.Helper()
	body, _ := json.Marshal(req)
	resp, err := http.Post(ts.URL+"/api/v1/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", resp.StatusCode)
	}
	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return session
}

func do(t *testing.T, method, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	return resp
}

func expectStatus(t *testing.T, method, url string, want int) {
	t.Helper()
	resp := do(t, method, url)
	resp.Body.Close()
	if resp.StatusCode != want {
		t.Errorf("%s %s: expected status %d, got %d", method, url, want, resp.StatusCode)
	}
}

// waitForIdle polls the session until its run has ended.
func waitForIdle(t *testing.T, s *Server, id string) Session {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		session, ok := s.sessions.GetSession(id)
		if !ok {
			t.Fatalf("Session %s disappeared", id)
		}
		if session.State != StateRunning {
			return session
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Session %s still running", id)
	return Session{}
}

func TestServer_CreateAndGetSession(t *testing.T) {
	_, ts := newTestServer(t, nil)
	session := createSession(t, ts, stripeRequest(t))

	if session.ID == "" || session.State != StateIdle {
		t.Fatalf("Unexpected session %+v", session)
	}

	resp := do(t, http.MethodGet, ts.URL+"/api/v1/sessions/"+session.ID+"/status")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var status map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if status["id"] != session.ID {
		t.Errorf("Expected id %s, got %v", session.ID, status["id"])
	}
	if status["state"] != string(StateIdle) {
		t.Errorf("Expected idle, got %v", status["state"])
	}
}

func TestServer_CreateSessionValidation(t *testing.T) {
	_, ts := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", "{", http.StatusBadRequest},
		{"missing paths", `{"fixedPath":"a.png"}`, http.StatusBadRequest},
		{"negative steps", `{"fixedPath":"a.png","movingPath":"b.png","steps":-1}`, http.StatusBadRequest},
		{"missing files", `{"fixedPath":"/nonexistent/a.png","movingPath":"/nonexistent/b.png"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/v1/sessions", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}
}

func TestServer_ListSessions(t *testing.T) {
	_, ts := newTestServer(t, nil)
	req := stripeRequest(t)
	createSession(t, ts, req)
	createSession(t, ts, req)

	resp := do(t, http.MethodGet, ts.URL+"/api/v1/sessions")
	defer resp.Body.Close()

	var sessions []Session
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("Expected 2 sessions, got %d", len(sessions))
	}
}

func TestServer_Step(t *testing.T) {
	s, ts := newTestServer(t, nil)
	session := createSession(t, ts, stripeRequest(t))
	base := ts.URL + "/api/v1/sessions/" + session.ID

	resp := do(t, http.MethodPost, base+"/step?n=3")
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", resp.StatusCode)
	}

	done := waitForIdle(t, s, session.ID)
	if done.State != StateIdle {
		t.Fatalf("Expected idle, got %s (%s)", done.State, done.Error)
	}
	if done.Iterations != 3 {
		t.Errorf("Expected 3 iterations, got %d", done.Iterations)
	}
	if done.InitialCost <= 0 {
		t.Error("InitialCost should be set after stepping")
	}

	expectStatus(t, http.MethodPost, base+"/step?n=0", http.StatusBadRequest)
	expectStatus(t, http.MethodPost, base+"/step?n=abc", http.StatusBadRequest)
	expectStatus(t, http.MethodGet, base+"/step", http.StatusMethodNotAllowed)
}

func TestServer_StepWhileRunningIsBusy(t *testing.T) {
	s, ts := newTestServer(t, nil)
	session := createSession(t, ts, stripeRequest(t))

	if _, err := s.sessions.beginRun(context.Background(), session.ID); err != nil {
		t.Fatalf("beginRun failed: %v", err)
	}
	defer s.sessions.endRun(session.ID, StateIdle, nil)

	expectStatus(t, http.MethodPost, ts.URL+"/api/v1/sessions/"+session.ID+"/step?n=1", http.StatusConflict)
}

func TestServer_CreateWithSteps(t *testing.T) {
	s, ts := newTestServer(t, nil)
	req := stripeRequest(t)
	req.Steps = 2
	session := createSession(t, ts, req)

	done := waitForIdle(t, s, session.ID)
	if done.Iterations != 2 {
		t.Errorf("Expected 2 iterations, got %d", done.Iterations)
	}
}

func TestServer_Inspect(t *testing.T) {
	_, ts := newTestServer(t, nil)
	session := createSession(t, ts, stripeRequest(t))
	base := ts.URL + "/api/v1/sessions/" + session.ID + "/inspect"

	resp := do(t, http.MethodGet, base+"?buffer=moving&x=3&y=0")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var result struct {
		Buffer string    `json:"buffer"`
		Values []float64 `json:"values"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if result.Buffer != "moving" || len(result.Values) != 1 || result.Values[0] != 100 {
		t.Errorf("Unexpected inspect result %+v", result)
	}

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"vector buffer", "?buffer=r&x=0&y=0", http.StatusOK},
		{"unknown buffer", "?buffer=nope&x=0&y=0", http.StatusBadRequest},
		{"out of bounds", "?buffer=r&x=8&y=0", http.StatusBadRequest},
		{"negative", "?buffer=r&x=0&y=-1", http.StatusBadRequest},
		{"missing x", "?buffer=r&y=0", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, http.MethodGet, base+tt.query, tt.want)
		})
	}
}

func TestServer_BufferImage(t *testing.T) {
	_, ts := newTestServer(t, nil)
	session := createSession(t, ts, stripeRequest(t))
	base := ts.URL + "/api/v1/sessions/" + session.ID + "/buffers/"

	for _, name := range []string{"fixed", "difference", "r", "fixedGradient"} {
		t.Run(name, func(t *testing.T) {
			resp := do(t, http.MethodGet, base+name+".png?scale=2")
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("Expected status 200, got %d", resp.StatusCode)
			}
			if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
				t.Errorf("Expected image/png, got %s", ct)
			}
			img, err := png.Decode(resp.Body)
			if err != nil {
				t.Fatalf("Failed to decode PNG: %v", err)
			}
			if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 8 {
				t.Errorf("Expected 8x8, got %v", b)
			}
		})
	}

	expectStatus(t, http.MethodGet, base+"nope.png", http.StatusBadRequest)
	expectStatus(t, http.MethodGet, base+"r.jpg", http.StatusNotFound)
	expectStatus(t, http.MethodGet, base+"r.png?scale=-1", http.StatusBadRequest)
}

func TestServer_ResetCancelMetrics(t *testing.T) {
	s, ts := newTestServer(t, nil)
	session := createSession(t, ts, stripeRequest(t))
	base := ts.URL + "/api/v1/sessions/" + session.ID

	expectStatus(t, http.MethodPost, base+"/step?n=2", http.StatusAccepted)
	waitForIdle(t, s, session.ID)

	expectStatus(t, http.MethodPost, base+"/reset", http.StatusOK)
	engine, _ := s.sessions.Engine(session.ID)
	r := engine.Displacement()
	for i, v := range r.Pix {
		if v != 0 {
			t.Fatalf("r[%d] = %v after reset", i, v)
		}
	}
	if engine.Iterations() != 2 {
		t.Errorf("Reset should keep the iteration count, got %d", engine.Iterations())
	}

	resp := do(t, http.MethodPost, base+"/cancel")
	var cancel map[string]bool
	json.NewDecoder(resp.Body).Decode(&cancel)
	resp.Body.Close()
	if cancel["cancelled"] {
		t.Error("Cancel of an idle session should report false")
	}

	resp = do(t, http.MethodGet, base+"/metrics")
	defer resp.Body.Close()
	var metrics demons.Metrics
	if err := json.NewDecoder(resp.Body).Decode(&metrics); err != nil {
		t.Fatalf("Failed to decode metrics: %v", err)
	}
	if metrics.Iterations != 2 {
		t.Errorf("Expected 2 iterations in metrics, got %d", metrics.Iterations)
	}
}

func TestServer_Checkpoint(t *testing.T) {
	fsStore, err := store.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	_, ts := newTestServer(t, fsStore)
	session := createSession(t, ts, stripeRequest(t))

	expectStatus(t, http.MethodPost, ts.URL+"/api/v1/sessions/"+session.ID+"/checkpoint", http.StatusCreated)

	resp := do(t, http.MethodGet, ts.URL+"/api/v1/checkpoints")
	defer resp.Body.Close()
	var infos []store.CheckpointInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatalf("Failed to decode checkpoints: %v", err)
	}
	if len(infos) != 1 || infos[0].SessionID != session.ID {
		t.Errorf("Unexpected checkpoints %+v", infos)
	}
}

func TestServer_CheckpointDisabled(t *testing.T) {
	_, ts := newTestServer(t, nil)
	session := createSession(t, ts, stripeRequest(t))
	expectStatus(t, http.MethodPost, ts.URL+"/api/v1/sessions/"+session.ID+"/checkpoint", http.StatusConflict)
}

func TestServer_DeleteSession(t *testing.T) {
	_, ts := newTestServer(t, nil)
	session := createSession(t, ts, stripeRequest(t))
	url := ts.URL + "/api/v1/sessions/" + session.ID

	expectStatus(t, http.MethodDelete, url, http.StatusNoContent)
	expectStatus(t, http.MethodGet, url, http.StatusNotFound)
}

func TestServer_UnknownRoutes(t *testing.T) {
	_, ts := newTestServer(t, nil)
	session := createSession(t, ts, stripeRequest(t))

	expectStatus(t, http.MethodGet, ts.URL+"/api/v1/sessions/missing/status", http.StatusNotFound)
	expectStatus(t, http.MethodGet, ts.URL+"/api/v1/sessions/"+session.ID+"/bogus", http.StatusNotFound)
	expectStatus(t, http.MethodPut, ts.URL+"/api/v1/sessions", http.StatusMethodNotAllowed)
	expectStatus(t, http.MethodOptions, ts.URL+"/api/v1/sessions", http.StatusOK)
}

func TestServer_Info(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := do(t, http.MethodGet, ts.URL+"/api/v1/info")
	defer resp.Body.Close()

	var info struct {
		Backend  string        `json:"backend"`
		Buffers  []string      `json:"buffers"`
		Defaults demons.Params `json:"defaults"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("Failed to decode info: %v", err)
	}
	if info.Backend == "" {
		t.Error("Backend should be reported")
	}
	if len(info.Buffers) != len(demons.BufferIDs()) {
		t.Errorf("Expected %d buffers, got %d", len(demons.BufferIDs()), len(info.Buffers))
	}
	if info.Defaults != demons.DefaultParams() {
		t.Errorf("Unexpected defaults %+v", info.Defaults)
	}
}

func TestServer_Stream(t *testing.T) {
	_, ts := newTestServer(t, nil)
	session := createSession(t, ts, stripeRequest(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/sessions/"+session.ID+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected text/event-stream, got %s", ct)
	}

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	payload, ok := strings.CutPrefix(strings.TrimSpace(line), "data: ")
	if !ok {
		t.Fatalf("Unexpected SSE line %q", line)
	}
	var event ProgressEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		t.Fatalf("Failed to decode event: %v", err)
	}
	if event.SessionID != session.ID || event.State != StateIdle {
		t.Errorf("Unexpected event %+v", event)
	}
}

func TestServer_Shutdown(t *testing.T) {
	s, ts := newTestServer(t, nil)
	session := createSession(t, ts, stripeRequest(t))
	expectStatus(t, http.MethodPost, ts.URL+"/api/v1/sessions/"+session.ID+"/step?n=100000", http.StatusAccepted)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	done, _ := s.sessions.GetSession(session.ID)
	if done.State != StateCancelled {
		t.Errorf("Expected cancelled after shutdown, got %s", done.State)
	}
}
