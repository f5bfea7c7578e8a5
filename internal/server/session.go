package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cwbudde/demonsreg/internal/demons"
	"github.com/cwbudde/demonsreg/internal/store"
	"github.com/google/uuid"
)

// SessionState is the lifecycle state of a registration session.
type SessionState string

const (
	StateIdle      SessionState = "idle"
	StateRunning   SessionState = "running"
	StateFailed    SessionState = "failed"
	StateCancelled SessionState = "cancelled"
)

// ErrSessionNotFound is returned for an unknown session ID.
var ErrSessionNotFound = errors.New("session not found")

// SessionConfig is shared with checkpoints so a resume can verify it.
type SessionConfig = store.SessionConfig

// SessionRequest is the body of POST /api/v1/sessions.
type SessionRequest struct {
	FixedPath  string         `json:"fixedPath"`
	MovingPath string         `json:"movingPath"`
	Width      int            `json:"width,omitempty"`
	Height     int            `json:"height,omitempty"`
	Params     *demons.Params `json:"params,omitempty"`
	// Steps starts a run of this many iterations right away when positive.
	Steps              int `json:"steps,omitempty"`
	CheckpointInterval int `json:"checkpointInterval,omitempty"`
	// ResumeFrom seeds the displacement field from a stored checkpoint.
	ResumeFrom string `json:"resumeFrom,omitempty"`
}

// Session is one image pair with its engine. Exported fields are the JSON
// status view; GetSession returns copies.
type Session struct {
	ID              string        `json:"id"`
	State           SessionState  `json:"state"`
	Config          SessionConfig `json:"config"`
	Iterations      int           `json:"iterations"`
	Cost            float64       `json:"cost"`
	InitialCost     float64       `json:"initialCost"`
	MaxDisplacement float64       `json:"maxDisplacement"`
	CreatedAt       time.Time     `json:"createdAt"`
	RunStartedAt    *time.Time    `json:"runStartedAt,omitempty"`
	RunEndedAt      *time.Time    `json:"runEndedAt,omitempty"`
	ResumedFrom     string        `json:"resumedFrom,omitempty"`
	Error           string        `json:"error,omitempty"`

	engine     *demons.Engine
	cancel     context.CancelFunc
	trace      *store.TraceWriter
	hasInitial bool
}

// SessionManager owns every session and the progress broadcaster.
type SessionManager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	broadcaster *EventBroadcaster
}

// NewSessionManager creates an empty manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions:    make(map[string]*Session),
		broadcaster: NewEventBroadcaster(),
	}
}

// AddSession registers engine under a fresh ID.
func (sm *SessionManager) AddSession(config SessionConfig, engine *demons.Engine) Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	s := &Session{
		ID:         uuid.New().String(),
		State:      StateIdle,
		Config:     config,
		Iterations: engine.Iterations(),
		CreatedAt:  time.Now(),
		engine:     engine,
	}
	sm.sessions[s.ID] = s
	return *s
}

// GetSession returns a copy of the session.
func (sm *SessionManager) GetSession(id string) (Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	s, ok := sm.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Engine returns the engine of a session.
func (sm *SessionManager) Engine(id string) (*demons.Engine, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	s, ok := sm.sessions[id]
	if !ok {
		return nil, false
	}
	return s.engine, true
}

// ListSessions returns copies of all sessions, oldest first.
func (sm *SessionManager) ListSessions() []Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	list := make([]Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		list = append(list, *s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list
}

// UpdateSession applies fn under the manager lock.
func (sm *SessionManager) UpdateSession(id string, fn func(*Session)) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	s, ok := sm.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	fn(s)
	return nil
}

// RunningSessions returns copies of sessions with a run in flight.
func (sm *SessionManager) RunningSessions() []Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var running []Session
	for _, s := range sm.sessions {
		if s.State == StateRunning {
			running = append(running, *s)
		}
	}
	return running
}

// beginRun marks the session running and returns the run context. It fails
// with demons.ErrBusy while another run is in flight.
func (sm *SessionManager) beginRun(parent context.Context, id string) (context.Context, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	s, ok := sm.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if s.State == StateRunning {
		return nil, demons.ErrBusy
	}

	ctx, cancel := context.WithCancel(parent)
	now := time.Now()
	s.State = StateRunning
	s.Error = ""
	s.RunStartedAt = &now
	s.RunEndedAt = nil
	s.cancel = cancel
	return ctx, nil
}

// endRun records the outcome of a run and releases its context.
func (sm *SessionManager) endRun(id string, state SessionState, runErr error) {
	sm.UpdateSession(id, func(s *Session) {
		now := time.Now()
		s.State = state
		s.RunEndedAt = &now
		if runErr != nil {
			s.Error = runErr.Error()
		}
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
	})
}

// CancelRun stops the session's run between iterations. It reports false
// when nothing is running.
func (sm *SessionManager) CancelRun(id string) (bool, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	s, ok := sm.sessions[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if s.State != StateRunning || s.cancel == nil {
		return false, nil
	}
	s.cancel()
	return true, nil
}

// RemoveSession cancels any run and forgets the session.
func (sm *SessionManager) RemoveSession(id string) bool {
	sm.mu.Lock()
	s, ok := sm.sessions[id]
	if ok {
		if s.cancel != nil {
			s.cancel()
		}
		if s.trace != nil {
			s.trace.Close()
			s.trace = nil
		}
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()

	if ok {
		sm.broadcaster.CleanupSession(id)
	}
	return ok
}

// observe records engine statistics on the session and its trace.
func (sm *SessionManager) observe(id string, stats demons.IterationStats) {
	sm.UpdateSession(id, func(s *Session) {
		s.Iterations = stats.Iteration + 1
		s.Cost = stats.Cost
		s.MaxDisplacement = stats.MaxDisplacement
		if !s.hasInitial {
			s.InitialCost = stats.Cost
			s.hasInitial = true
		}
		if s.trace != nil {
			if err := s.trace.Write(store.EntryFromStats(stats)); err != nil {
				s.Error = err.Error()
			}
		}
	})
}
