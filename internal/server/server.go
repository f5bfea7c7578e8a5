package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cwbudde/demonsreg/internal/demons"
	"github.com/cwbudde/demonsreg/internal/imageio"
	"github.com/cwbudde/demonsreg/internal/store"
)

// Server hosts registration sessions over HTTP.
type Server struct {
	sessions *SessionManager
	store    store.Store
	defaults demons.Params
	// checkpointInterval applies to sessions created without one.
	checkpointInterval int
	addr               string
	server             *http.Server

	// runCtx parents every run so Shutdown can stop them.
	runCtx    context.Context
	runCancel context.CancelFunc
}

// NewServer creates a server. checkpointStore may be nil, which disables
// checkpoints and resume.
func NewServer(addr string, checkpointStore store.Store, defaults demons.Params) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		sessions:  NewSessionManager(),
		store:     checkpointStore,
		defaults:  defaults,
		addr:      addr,
		runCtx:    ctx,
		runCancel: cancel,
	}
}

// SetCheckpointInterval sets the default checkpoint interval in seconds of
// new sessions.
func (s *Server) SetCheckpointInterval(seconds int) {
	s.checkpointInterval = seconds
}

// Sessions exposes the session manager.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Handler returns the routed handler wrapped in middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/info", s.handleInfo)
	mux.HandleFunc("/api/v1/checkpoints", s.handleCheckpoints)
	mux.HandleFunc("/api/v1/sessions", s.handleSessions)
	mux.HandleFunc("/api/v1/sessions/", s.handleSessionsWithID)
	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting HTTP server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown cancels running sessions, waits for them to stop and closes the
// listener.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server")
	s.runCancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for len(s.sessions.RunningSessions()) > 0 {
		select {
		case <-ctx.Done():
			slog.Warn("Sessions still running at shutdown", "count", len(s.sessions.RunningSessions()))
			return ctx.Err()
		case <-ticker.C:
		}
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleInfo handles GET /api/v1/info
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	names := make([]string, 0, len(demons.BufferIDs()))
	for _, id := range demons.BufferIDs() {
		names = append(names, id.String())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"backend":       demons.DetectBackend().String(),
		"buffers":       names,
		"defaults":      s.defaults,
		"checkpointing": s.store != nil,
	})
}

// handleCheckpoints handles GET /api/v1/checkpoints
func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		writeJSON(w, http.StatusOK, []store.CheckpointInfo{})
		return
	}
	infos, err := s.store.ListCheckpoints()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

// handleSessions handles /api/v1/sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateSession(w, r)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.sessions.ListSessions())
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSessionsWithID handles /api/v1/sessions/:id/*
func (s *Server) handleSessionsWithID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	id := parts[0]
	if _, ok := s.sessions.GetSession(id); !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleGetSession(w, r, id)
		case http.MethodDelete:
			s.handleDeleteSession(w, r, id)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	route := parts[1]
	if route == "buffers" && len(parts) == 3 {
		s.requireMethod(w, r, http.MethodGet, func() { s.handleBufferImage(w, r, id, parts[2]) })
		return
	}
	if len(parts) > 2 {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	switch route {
	case "status":
		s.requireMethod(w, r, http.MethodGet, func() { s.handleGetSession(w, r, id) })
	case "step":
		s.requireMethod(w, r, http.MethodPost, func() { s.handleStep(w, r, id) })
	case "reset":
		s.requireMethod(w, r, http.MethodPost, func() { s.handleReset(w, r, id) })
	case "cancel":
		s.requireMethod(w, r, http.MethodPost, func() { s.handleCancel(w, r, id) })
	case "checkpoint":
		s.requireMethod(w, r, http.MethodPost, func() { s.handleCheckpoint(w, r, id) })
	case "inspect":
		s.requireMethod(w, r, http.MethodGet, func() { s.handleInspect(w, r, id) })
	case "metrics":
		s.requireMethod(w, r, http.MethodGet, func() { s.handleMetrics(w, r, id) })
	case "stream":
		s.requireMethod(w, r, http.MethodGet, func() { s.handleSessionStream(w, r, id) })
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func (s *Server) requireMethod(w http.ResponseWriter, r *http.Request, method string, next func()) {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	next()
}

// handleCreateSession handles POST /api/v1/sessions
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	if req.FixedPath == "" || req.MovingPath == "" {
		http.Error(w, "fixedPath and movingPath are required", http.StatusBadRequest)
		return
	}
	if req.Steps < 0 || req.CheckpointInterval < 0 {
		http.Error(w, "steps and checkpointInterval cannot be negative", http.StatusBadRequest)
		return
	}

	if req.CheckpointInterval == 0 {
		req.CheckpointInterval = s.checkpointInterval
	}

	session, err := openSession(s.sessions, s.store, s.defaults, req)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Steps > 0 {
		if err := s.startRun(session.ID, req.Steps); err != nil {
			writeError(w, err)
			return
		}
		session, _ = s.sessions.GetSession(session.ID)
	}

	writeJSON(w, http.StatusCreated, session)
}

// startRun launches a background run of n iterations.
func (s *Server) startRun(id string, n int) error {
	ctx, err := s.sessions.beginRun(s.runCtx, id)
	if err != nil {
		return err
	}
	go runSteps(ctx, s.sessions, s.store, id, n)
	return nil
}

// handleGetSession handles GET /api/v1/sessions/:id[/status]
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, id string) {
	session, ok := s.sessions.GetSession(id)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	var elapsed time.Duration
	if session.RunStartedAt != nil {
		if session.RunEndedAt != nil {
			elapsed = session.RunEndedAt.Sub(*session.RunStartedAt)
		} else {
			elapsed = time.Since(*session.RunStartedAt)
		}
	}

	improvement := 0.0
	if session.InitialCost > 0 {
		improvement = (session.InitialCost - session.Cost) / session.InitialCost * 100
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":              session.ID,
		"state":           session.State,
		"config":          session.Config,
		"iterations":      session.Iterations,
		"cost":            session.Cost,
		"initialCost":     session.InitialCost,
		"improvement":     improvement,
		"maxDisplacement": session.MaxDisplacement,
		"elapsed":         elapsed.Seconds(),
		"createdAt":       session.CreatedAt,
		"runStartedAt":    session.RunStartedAt,
		"runEndedAt":      session.RunEndedAt,
		"resumedFrom":     session.ResumedFrom,
		"error":           session.Error,
	})
}

// handleStep handles POST /api/v1/sessions/:id/step?n=
func (s *Server) handleStep(w http.ResponseWriter, r *http.Request, id string) {
	n, err := parseSteps(r.URL.Query().Get("n"), DefaultSteps)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.startRun(id, n); err != nil {
		writeError(w, err)
		return
	}
	session, _ := s.sessions.GetSession(id)
	writeJSON(w, http.StatusAccepted, session)
}

// handleReset handles POST /api/v1/sessions/:id/reset
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, id string) {
	engine, _ := s.sessions.Engine(id)
	engine.Reset()
	s.sessions.UpdateSession(id, func(session *Session) {
		session.MaxDisplacement = 0
	})
	slog.Info("Session reset", "session_id", id)

	session, _ := s.sessions.GetSession(id)
	writeJSON(w, http.StatusOK, session)
}

// handleCancel handles POST /api/v1/sessions/:id/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	cancelled, err := s.sessions.CancelRun(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cancelled": cancelled})
}

// handleCheckpoint handles POST /api/v1/sessions/:id/checkpoint
func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request, id string) {
	if s.store == nil {
		http.Error(w, "Checkpoints are disabled", http.StatusConflict)
		return
	}
	if err := saveCheckpoint(s.sessions, s.store, id); err != nil {
		writeError(w, err)
		return
	}
	checkpoint, err := s.store.LoadCheckpoint(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, checkpoint.ToInfo())
}

// handleInspect handles GET /api/v1/sessions/:id/inspect?buffer=&x=&y=
func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request, id string) {
	q := r.URL.Query()
	buffer, err := demons.ParseBufferID(q.Get("buffer"))
	if err != nil {
		writeError(w, err)
		return
	}
	x, err := parseCoordinate("x", q.Get("x"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	y, err := parseCoordinate("y", q.Get("y"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	engine, _ := s.sessions.Engine(id)
	values, err := engine.Inspect(buffer, x, y)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"buffer": buffer.String(),
		"x":      x,
		"y":      y,
		"values": values,
	})
}

// handleMetrics handles GET /api/v1/sessions/:id/metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request, id string) {
	engine, _ := s.sessions.Engine(id)
	writeJSON(w, http.StatusOK, engine.Metrics())
}

// handleBufferImage handles GET /api/v1/sessions/:id/buffers/:name.png?scale=
func (s *Server) handleBufferImage(w http.ResponseWriter, r *http.Request, id, file string) {
	name, ok := strings.CutSuffix(file, ".png")
	if !ok {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	buffer, err := demons.ParseBufferID(name)
	if err != nil {
		writeError(w, err)
		return
	}
	scale, err := parseScale(r.URL.Query().Get("scale"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	engine, _ := s.sessions.Engine(id)
	snapshot, err := engine.Snapshot(buffer)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	if err := imageio.EncodePNG(w, buffer.String(), snapshot, scale); err != nil {
		slog.Error("Failed to encode PNG", "buffer", buffer.String(), "error", err)
	}
}

// handleDeleteSession handles DELETE /api/v1/sessions/:id
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, id string) {
	if !s.sessions.RemoveSession(id) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	slog.Info("Session removed", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	var cfgErr *demons.ConfigurationError
	var compatErr *store.CompatibilityError
	var validationErr *store.ValidationError
	switch {
	case errors.Is(err, demons.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, demons.ErrUnknownBuffer), errors.Is(err, demons.ErrOutOfBounds):
		return http.StatusBadRequest
	case errors.As(err, &cfgErr), errors.As(err, &compatErr), errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, image.ErrFormat):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
