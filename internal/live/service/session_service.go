package service

import (
	"context"
	"errors"
	"strings"

	"github.com/uzh-bf/klicker-live/internal/live/domain"
	"github.com/uzh-bf/klicker-live/internal/live/storage"
	apperrors "github.com/uzh-bf/klicker-live/internal/platform/errors"
)

// SessionService is the session lifecycle controller: create, modify,
// start, pause, cancel, end, settings, and bulk deletion.
type SessionService struct {
	deps   *engineDeps
	blocks *BlockService
}

// Create validates the input and persists a new CREATED session.
func (s *SessionService) Create(ctx context.Context, input domain.CreateSessionInput) (domain.Session, error) {
	ctx, span := tracer().Start(ctx, "session.create")
	defer span.End()

	session, err := domain.CreateSession(input, s.deps.now, s.deps.newID)
	if err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}
	if err := s.deps.stores.Sessions.PutSession(ctx, session); err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}
	return session, nil
}

// Modify renames a CREATED session and/or replaces its block set wholesale.
// A nil name keeps the current one; nil blocks keep the current set. Any
// other status is rejected with SESSION_ALREADY_STARTED.
func (s *SessionService) Modify(ctx context.Context, ownerID, sessionID string, name *string, blocks []domain.CreateBlockInput) (domain.Session, error) {
	ctx, span := tracer().Start(ctx, "session.modify")
	defer span.End()

	s.deps.mu.Lock()
	defer s.deps.mu.Unlock()

	session, err := s.deps.getOwnedSession(ctx, ownerID, sessionID)
	if err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}
	if session.Status != domain.SessionStatusCreated {
		err := apperrors.New(apperrors.CodeSessionAlreadyStarted, "only sessions that have not started can be modified")
		span.RecordError(err)
		return domain.Session{}, err
	}

	now := s.deps.now().UTC()
	if name != nil {
		trimmed := strings.TrimSpace(*name)
		if trimmed == "" {
			span.RecordError(domain.ErrEmptyName)
			return domain.Session{}, domain.ErrEmptyName
		}
		session.Name = trimmed
		session.UpdatedAt = now
	}
	if blocks != nil {
		if err := session.ReplaceBlocks(blocks, now, s.deps.newID); err != nil {
			span.RecordError(err)
			return domain.Session{}, err
		}
	}

	if err := s.deps.stores.Sessions.PutSession(ctx, session); err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}
	return session, nil
}

// Start moves a CREATED session to RUNNING or resumes a PAUSED one, and
// points the owner's running-session pointer at it. Starting a session that
// is already running is a no-op; an owner running a different session is
// rejected with RUNNING_ANOTHER_SESSION.
func (s *SessionService) Start(ctx context.Context, ownerID, sessionID string) (domain.Session, error) {
	ctx, span := tracer().Start(ctx, "session.start")
	defer span.End()

	s.deps.mu.Lock()
	defer s.deps.mu.Unlock()

	session, err := s.deps.getOwnedSession(ctx, ownerID, sessionID)
	if err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}
	switch session.Status {
	case domain.SessionStatusCompleted:
		err := apperrors.New(apperrors.CodeSessionAlreadyCompleted, "session has already completed")
		span.RecordError(err)
		return domain.Session{}, err
	case domain.SessionStatusRunning:
		return session, nil
	}

	runningID, err := s.deps.stores.Running.GetRunningSession(ctx, ownerID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		span.RecordError(err)
		return domain.Session{}, err
	}
	if err == nil && runningID != session.ID {
		err := apperrors.WithMetadata(apperrors.CodeRunningAnotherSession, "owner is already running another session", map[string]string{
			"runningSessionId": runningID,
		})
		span.RecordError(err)
		return domain.Session{}, err
	}

	now := s.deps.now().UTC()
	wasPaused := session.Status == domain.SessionStatusPaused
	session.Status = domain.SessionStatusRunning
	session.UpdatedAt = now
	if !wasPaused {
		session.StartedAt = &now
	}

	if wasPaused {
		if err := s.resumeActiveBlockLocked(ctx, &session); err != nil {
			span.RecordError(err)
			return domain.Session{}, err
		}
	}

	if err := s.deps.stores.Running.SetRunningSession(ctx, ownerID, session.ID); err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}
	if err := s.deps.stores.Sessions.PutSession(ctx, session); err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}
	s.deps.publish(session)
	return session, nil
}

// resumeActiveBlockLocked reopens the block that was suspended by pause. A
// timed block whose limit elapsed while paused is executed instead of
// reopened.
func (s *SessionService) resumeActiveBlockLocked(ctx context.Context, session *domain.Session) error {
	if session.ActiveBlock < 0 || session.ActiveBlock >= len(session.Blocks) {
		return nil
	}
	block := &session.Blocks[session.ActiveBlock]
	if block.Status != domain.BlockStatusPlanned || block.ActivatedAt == nil {
		return nil
	}

	if block.Timed() && block.ExpiresAt != nil && !block.ExpiresAt.After(s.deps.now()) {
		block.Deactivate()
		session.ActiveStep++
		return nil
	}

	if err := s.blocks.hydrateCache(ctx, block); err != nil {
		return err
	}
	block.Reopen()
	session.ActiveStep++
	if block.Timed() {
		s.blocks.scheduleExpiryLocked(session, block)
	}
	return nil
}

// Pause suspends a RUNNING session so it can resume later. Live results of
// the active block are drained into durable storage and its gates close, but
// the block stays eligible for re-activation. Pausing an already paused
// session is a no-op.
func (s *SessionService) Pause(ctx context.Context, ownerID, sessionID string) (domain.Session, error) {
	ctx, span := tracer().Start(ctx, "session.pause")
	defer span.End()

	s.deps.mu.Lock()
	defer s.deps.mu.Unlock()

	session, err := s.deps.getOwnedSession(ctx, ownerID, sessionID)
	if err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}
	if session.Status == domain.SessionStatusPaused {
		return session, nil
	}
	if session.Status != domain.SessionStatusRunning {
		err := apperrors.New(apperrors.CodeSessionNotRunning, "session is not running")
		span.RecordError(err)
		return domain.Session{}, err
	}

	s.deps.cancelPending(session.ID)
	if block, active := session.ActiveBlockRef(); active {
		if err := s.blocks.drainBlock(ctx, block); err != nil {
			span.RecordError(err)
			return domain.Session{}, err
		}
		block.Suspend()
		session.ActiveStep++
	}
	session.Status = domain.SessionStatusPaused
	session.UpdatedAt = s.deps.now().UTC()

	if err := s.deps.stores.Sessions.PutSession(ctx, session); err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}
	s.deps.publish(session)
	return session, nil
}

// End completes a RUNNING or PAUSED session: the active block is drained and
// executed, the running pointer cleared, and the session frozen as
// COMPLETED. Ending a completed session is a no-op.
func (s *SessionService) End(ctx context.Context, ownerID, sessionID string) (domain.Session, error) {
	ctx, span := tracer().Start(ctx, "session.end")
	defer span.End()

	s.deps.mu.Lock()
	defer s.deps.mu.Unlock()

	session, err := s.deps.getOwnedSession(ctx, ownerID, sessionID)
	if err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}
	switch session.Status {
	case domain.SessionStatusCompleted:
		return session, nil
	case domain.SessionStatusCreated:
		err := apperrors.New(apperrors.CodeSessionNotStarted, "session has not been started")
		span.RecordError(err)
		return domain.Session{}, err
	}

	s.deps.cancelPending(session.ID)
	if block, active := session.ActiveBlockRef(); active {
		if err := s.blocks.drainBlock(ctx, block); err != nil {
			span.RecordError(err)
			return domain.Session{}, err
		}
		block.Deactivate()
		session.ActiveStep++
	}

	now := s.deps.now().UTC()
	session.Status = domain.SessionStatusCompleted
	session.FinishedAt = &now
	session.UpdatedAt = now

	if err := s.deps.stores.Running.ClearRunningSession(ctx, ownerID); err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}
	if err := s.deps.stores.Sessions.PutSession(ctx, session); err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}
	s.deps.publish(session)
	return session, nil
}

// Cancel aborts a started session (RUNNING, PAUSED, or COMPLETED) and
// resets it to CREATED: all collected responses, results, confusion
// readings, and feedbacks are discarded, execution counters bump so stale
// timers no-op, and the running pointer clears.
func (s *SessionService) Cancel(ctx context.Context, ownerID, sessionID string) (domain.Session, error) {
	ctx, span := tracer().Start(ctx, "session.cancel")
	defer span.End()

	s.deps.mu.Lock()
	defer s.deps.mu.Unlock()

	session, err := s.deps.getOwnedSession(ctx, ownerID, sessionID)
	if err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}
	if session.Status == domain.SessionStatusCreated {
		err := apperrors.New(apperrors.CodeSessionNotStarted, "session has not been started")
		span.RecordError(err)
		return domain.Session{}, err
	}

	s.deps.cancelPending(session.ID)
	for i := range session.Blocks {
		for j := range session.Blocks[i].Instances {
			// Best effort; a leaked entry is replaced wholesale by
			// InitInstance on the next activation anyway.
			_ = s.deps.cache.DeleteInstance(ctx, session.Blocks[i].Instances[j].ID)
		}
	}
	session.Reset(s.deps.now())

	if err := s.deps.stores.Running.ClearRunningSession(ctx, ownerID); err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}
	if err := s.deps.stores.Sessions.PutSession(ctx, session); err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}
	s.deps.publish(session)
	return session, nil
}

// UpdateSettings merges a partial settings change into a started session.
func (s *SessionService) UpdateSettings(ctx context.Context, ownerID, sessionID string, update domain.SettingsUpdate) (domain.Session, error) {
	ctx, span := tracer().Start(ctx, "session.update_settings")
	defer span.End()

	s.deps.mu.Lock()
	defer s.deps.mu.Unlock()

	session, err := s.deps.getOwnedSession(ctx, ownerID, sessionID)
	if err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}
	switch session.Status {
	case domain.SessionStatusCreated:
		err := apperrors.New(apperrors.CodeSessionNotStarted, "session has not been started")
		span.RecordError(err)
		return domain.Session{}, err
	case domain.SessionStatusCompleted:
		err := apperrors.New(apperrors.CodeSessionAlreadyCompleted, "session has already completed")
		span.RecordError(err)
		return domain.Session{}, err
	}

	session.Settings = session.Settings.Merge(update)
	session.UpdatedAt = s.deps.now().UTC()

	if err := s.deps.stores.Sessions.PutSession(ctx, session); err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}
	s.deps.publish(session)
	return session, nil
}

// DeleteSessions removes the owner's given sessions with all embedded state.
// Unknown ids are skipped; a session that is currently running or paused
// must be ended or cancelled first.
func (s *SessionService) DeleteSessions(ctx context.Context, ownerID string, ids []string) error {
	ctx, span := tracer().Start(ctx, "session.delete")
	defer span.End()

	s.deps.mu.Lock()
	defer s.deps.mu.Unlock()

	deletable := make([]string, 0, len(ids))
	for _, sessionID := range ids {
		session, err := s.deps.getOwnedSession(ctx, ownerID, sessionID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			span.RecordError(err)
			return err
		}
		if session.Status == domain.SessionStatusRunning || session.Status == domain.SessionStatusPaused {
			err := apperrors.WithMetadata(apperrors.CodeInvalidSessionAction, "running sessions cannot be deleted", map[string]string{
				"sessionId": session.ID,
			})
			span.RecordError(err)
			return err
		}
		deletable = append(deletable, session.ID)
	}
	if len(deletable) == 0 {
		return nil
	}

	if err := s.deps.stores.Sessions.DeleteSessions(ctx, ownerID, deletable); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Get returns one of the owner's sessions.
func (s *SessionService) Get(ctx context.Context, ownerID, sessionID string) (domain.Session, error) {
	return s.deps.getOwnedSession(ctx, ownerID, sessionID)
}

// List returns all sessions of the owner.
func (s *SessionService) List(ctx context.Context, ownerID string) ([]domain.Session, error) {
	return s.deps.stores.Sessions.ListSessionsByOwner(ctx, ownerID)
}

// Running returns the session the owner currently runs, or ErrNotFound.
func (s *SessionService) Running(ctx context.Context, ownerID string) (domain.Session, error) {
	sessionID, err := s.deps.stores.Running.GetRunningSession(ctx, ownerID)
	if err != nil {
		return domain.Session{}, err
	}
	return s.deps.getOwnedSession(ctx, ownerID, sessionID)
}
