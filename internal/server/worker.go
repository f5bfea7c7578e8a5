package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/demonsreg/internal/demons"
	"github.com/cwbudde/demonsreg/internal/grid"
	"github.com/cwbudde/demonsreg/internal/imageio"
	"github.com/cwbudde/demonsreg/internal/store"
)

// sessionDirs is implemented by stores that keep per-session directories,
// where traces and rendered buffers are written next to the checkpoint.
type sessionDirs interface {
	BaseDir() string
	SessionDir(sessionID string) string
}

// openSession loads the image pair, builds the engine and, when requested,
// restores the displacement field from a checkpoint.
func openSession(sm *SessionManager, checkpointStore store.Store, defaults demons.Params, req SessionRequest) (Session, error) {
	params := defaults
	if req.Params != nil {
		params = *req.Params
	}

	fixed, moving, err := imageio.LoadPair(imageio.FileSource{
		Fixed:  req.FixedPath,
		Moving: req.MovingPath,
		Width:  req.Width,
		Height: req.Height,
	})
	if err != nil {
		return Session{}, err
	}

	engine, err := demons.NewEngine(fixed, moving, params)
	if err != nil {
		return Session{}, err
	}

	config := SessionConfig{
		FixedPath:          req.FixedPath,
		MovingPath:         req.MovingPath,
		Width:              fixed.Width(),
		Height:             fixed.Height(),
		Params:             params,
		Steps:              req.Steps,
		CheckpointInterval: req.CheckpointInterval,
	}

	var checkpoint *store.Checkpoint
	if req.ResumeFrom != "" {
		checkpoint, err = restoreCheckpoint(engine, checkpointStore, req.ResumeFrom, config)
		if err != nil {
			return Session{}, err
		}
	}

	session := sm.AddSession(config, engine)
	id := session.ID
	engine.SetObserver(func(stats demons.IterationStats) {
		sm.observe(id, stats)
	})

	if checkpoint != nil {
		sm.UpdateSession(id, func(s *Session) {
			s.Cost = checkpoint.Cost
			s.InitialCost = checkpoint.InitialCost
			s.hasInitial = true
			s.ResumedFrom = checkpoint.SessionID
		})
		session, _ = sm.GetSession(id)
	}

	slog.Info("Session created",
		"session_id", id,
		"width", config.Width,
		"height", config.Height,
		"resumed_from", req.ResumeFrom,
	)
	return session, nil
}

func restoreCheckpoint(engine *demons.Engine, checkpointStore store.Store, sessionID string, config SessionConfig) (*store.Checkpoint, error) {
	if checkpointStore == nil {
		return nil, fmt.Errorf("cannot resume %s: no checkpoint store configured", sessionID)
	}
	checkpoint, err := checkpointStore.LoadCheckpoint(sessionID)
	if err != nil {
		return nil, err
	}
	if err := checkpoint.Validate(); err != nil {
		return nil, fmt.Errorf("checkpoint %s is invalid: %w", sessionID, err)
	}
	if err := checkpoint.IsCompatible(config); err != nil {
		return nil, err
	}
	field, err := checkpoint.Field()
	if err != nil {
		return nil, err
	}
	if err := engine.Restore(field, checkpoint.Iteration); err != nil {
		return nil, err
	}
	return checkpoint, nil
}

// runSteps advances a session by n iterations. beginRun must have been
// called; the outcome is recorded with endRun. Progress is broadcast twice a
// second and checkpoints are saved at the configured interval.
func runSteps(ctx context.Context, sm *SessionManager, checkpointStore store.Store, id string, n int) error {
	engine, ok := sm.Engine(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	session, _ := sm.GetSession(id)

	if dirs, ok := checkpointStore.(sessionDirs); ok {
		tw, err := store.NewTraceWriter(dirs.BaseDir(), id, true)
		if err != nil {
			slog.Warn("Trace disabled", "session_id", id, "error", err)
		} else {
			sm.UpdateSession(id, func(s *Session) { s.trace = tw })
		}
	}

	slog.Info("Starting run", "session_id", id, "steps", n, "start_iteration", session.Iterations)
	start := time.Now()

	progressDone := make(chan struct{})
	go monitorProgress(ctx, sm, id, start, session.Iterations, progressDone)

	checkpointing := checkpointStore != nil && session.Config.CheckpointInterval > 0
	checkpointDone := make(chan struct{})
	if checkpointing {
		interval := time.Duration(session.Config.CheckpointInterval) * time.Second
		go monitorCheckpoints(ctx, sm, checkpointStore, id, interval, checkpointDone)
	}

	result, runErr := engine.Run(ctx, n)

	close(progressDone)
	close(checkpointDone)
	closeTrace(sm, id)

	state := StateIdle
	reported := runErr
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled):
		state = StateCancelled
		reported = nil
	default:
		state = StateFailed
	}
	sm.endRun(id, state, reported)

	if checkpointing && state != StateFailed {
		if err := saveCheckpoint(sm, checkpointStore, id); err != nil {
			slog.Error("Failed to save final checkpoint", "session_id", id, "error", err)
		}
	}

	final, _ := sm.GetSession(id)
	elapsed := time.Since(start)
	var completed int
	if result != nil {
		completed = result.Iterations
	}
	rate := float64(completed) / elapsed.Seconds()
	sm.broadcaster.Broadcast(eventFromSession(final, rate))

	if state == StateFailed {
		markSessionFailed(id, runErr)
		return runErr
	}
	slog.Info("Run finished",
		"session_id", id,
		"state", state,
		"iterations", completed,
		"total_iterations", final.Iterations,
		"cost", final.Cost,
		"elapsed", elapsed,
	)
	return runErr
}

func closeTrace(sm *SessionManager, id string) {
	var tw *store.TraceWriter
	sm.UpdateSession(id, func(s *Session) {
		tw, s.trace = s.trace, nil
	})
	if tw != nil {
		if err := tw.Close(); err != nil {
			slog.Warn("Failed to close trace", "session_id", id, "error", err)
		}
	}
}

func markSessionFailed(id string, err error) {
	var anomaly *demons.NumericAnomalyError
	if errors.As(err, &anomaly) {
		slog.Error("Session failed",
			"session_id", id,
			"iteration", anomaly.Iteration,
			"step", anomaly.Step,
			"buffer", anomaly.Buffer.String(),
			"error", err,
		)
		return
	}
	slog.Error("Session failed", "session_id", id, "error", err)
}

// monitorProgress broadcasts the session state every 500ms until done.
func monitorProgress(ctx context.Context, sm *SessionManager, id string, start time.Time, startIteration int, done chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			session, ok := sm.GetSession(id)
			if !ok {
				return
			}
			var rate float64
			if elapsed := time.Since(start).Seconds(); elapsed > 0 {
				rate = float64(session.Iterations-startIteration) / elapsed
			}
			sm.broadcaster.Broadcast(eventFromSession(session, rate))
		}
	}
}

// monitorCheckpoints saves a checkpoint every interval until done.
func monitorCheckpoints(ctx context.Context, sm *SessionManager, checkpointStore store.Store, id string, interval time.Duration, done chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := saveCheckpoint(sm, checkpointStore, id); err != nil {
				slog.Error("Failed to save checkpoint", "session_id", id, "error", err)
			}
		}
	}
}

// saveCheckpoint stores the current displacement field. Stores with session
// directories also receive r.png and difference.png renderings.
func saveCheckpoint(sm *SessionManager, checkpointStore store.Store, id string) error {
	session, ok := sm.GetSession(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	r, iteration, last := session.engine.Capture()
	checkpoint := store.NewCheckpoint(id, r, iteration, last.Cost, session.InitialCost, session.Config)
	if err := checkpointStore.SaveCheckpoint(id, checkpoint); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	slog.Info("Checkpoint saved", "session_id", id, "iteration", iteration, "cost", last.Cost)

	if dirs, ok := checkpointStore.(sessionDirs); ok {
		if err := saveCheckpointArtifacts(session.engine, dirs.SessionDir(id), r); err != nil {
			slog.Warn("Failed to save checkpoint artifacts", "session_id", id, "error", err)
		}
	}
	return nil
}

func saveCheckpointArtifacts(engine *demons.Engine, dir string, r *grid.Buffer2D) error {
	presenter := imageio.DirPresenter{Dir: dir}
	if err := presenter.Present(demons.BufDisplacement.String(), r, imageio.DefaultDisplayScale); err != nil {
		return err
	}
	diff, err := engine.Snapshot(demons.BufDifference)
	if err != nil {
		return err
	}
	return presenter.Present(demons.BufDifference.String(), diff, imageio.DefaultDisplayScale)
}
