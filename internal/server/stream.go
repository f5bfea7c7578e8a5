package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ProgressEvent is pushed to SSE clients while a session runs.
type ProgressEvent struct {
	SessionID       string       `json:"sessionId"`
	State           SessionState `json:"state"`
	Iterations      int          `json:"iterations"`
	Cost            float64      `json:"cost"`
	MaxDisplacement float64      `json:"maxDisplacement"`
	// Rate is iterations per second of the current run.
	Rate      float64   `json:"rate"`
	Timestamp time.Time `json:"timestamp"`
}

func eventFromSession(s Session, rate float64) ProgressEvent {
	return ProgressEvent{
		SessionID:       s.ID,
		State:           s.State,
		Iterations:      s.Iterations,
		Cost:            s.Cost,
		MaxDisplacement: s.MaxDisplacement,
		Rate:            rate,
		Timestamp:       time.Now(),
	}
}

// EventBroadcaster fans progress events out to SSE subscribers per session.
type EventBroadcaster struct {
	mu        sync.Mutex
	clients   map[string]map[chan ProgressEvent]struct{}
	lastEvent map[string]ProgressEvent
}

// NewEventBroadcaster creates an empty broadcaster.
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		clients:   make(map[string]map[chan ProgressEvent]struct{}),
		lastEvent: make(map[string]ProgressEvent),
	}
}

// Subscribe registers a client. A reconnecting client first receives the
// last event of the session.
func (eb *EventBroadcaster) Subscribe(sessionID string) chan ProgressEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan ProgressEvent, 10)
	if eb.clients[sessionID] == nil {
		eb.clients[sessionID] = make(map[chan ProgressEvent]struct{})
	}
	eb.clients[sessionID][ch] = struct{}{}

	if last, ok := eb.lastEvent[sessionID]; ok {
		ch <- last
	}

	slog.Debug("SSE client subscribed", "session_id", sessionID, "total_clients", len(eb.clients[sessionID]))
	return ch
}

// Unsubscribe removes and closes a client channel.
func (eb *EventBroadcaster) Unsubscribe(sessionID string, ch chan ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	clients, ok := eb.clients[sessionID]
	if !ok {
		return
	}
	if _, ok := clients[ch]; !ok {
		return
	}
	delete(clients, ch)
	close(ch)
	if len(clients) == 0 {
		delete(eb.clients, sessionID)
	}
	slog.Debug("SSE client unsubscribed", "session_id", sessionID)
}

// Broadcast delivers event to every subscriber without blocking; slow
// clients miss events.
func (eb *EventBroadcaster) Broadcast(event ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.lastEvent[event.SessionID] = event
	for ch := range eb.clients[event.SessionID] {
		select {
		case ch <- event:
		default:
			slog.Warn("SSE channel full, skipping event", "session_id", event.SessionID)
		}
	}
}

// CleanupSession closes every client of a session and drops its last event.
func (eb *EventBroadcaster) CleanupSession(sessionID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for ch := range eb.clients[sessionID] {
		close(ch)
	}
	delete(eb.clients, sessionID)
	delete(eb.lastEvent, sessionID)
}

// handleSessionStream serves GET /api/v1/sessions/:id/stream.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request, id string) {
	session, ok := s.sessions.GetSession(id)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := s.sessions.broadcaster.Subscribe(id)
	defer s.sessions.broadcaster.Unsubscribe(id, events)

	if err := writeSSEEvent(w, eventFromSession(session, 0)); err != nil {
		slog.Error("Failed to write initial SSE event", "error", err)
		return
	}
	flusher.Flush()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				slog.Error("Failed to write SSE event", "error", err)
				return
			}
			flusher.Flush()
		case <-ping.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, event ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
