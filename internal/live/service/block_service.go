package service

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/uzh-bf/klicker-live/internal/live/cache"
	"github.com/uzh-bf/klicker-live/internal/live/domain"
	"github.com/uzh-bf/klicker-live/internal/live/scheduler"
	"github.com/uzh-bf/klicker-live/internal/live/storage"
	apperrors "github.com/uzh-bf/klicker-live/internal/platform/errors"
)

// BlockService is the block lifecycle controller. It activates and
// deactivates question blocks, manages the instance gates, drives cache
// hydration and drain, and owns the scheduled auto-expiry of timed blocks.
type BlockService struct {
	deps *engineDeps
}

// ActivateBlockByID activates the given block of a running session. An
// already-active target is a no-op. When another block is currently active
// it is deactivated first, provided its minimum open interval has elapsed.
func (s *BlockService) ActivateBlockByID(ctx context.Context, ownerID, sessionID, blockID string) (domain.Session, error) {
	ctx, span := tracer().Start(ctx, "block.activate")
	defer span.End()

	s.deps.mu.Lock()
	defer s.deps.mu.Unlock()

	session, err := s.deps.getOwnedSession(ctx, ownerID, sessionID)
	if err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}
	if session.Status != domain.SessionStatusRunning {
		err := apperrors.New(apperrors.CodeSessionNotRunning, "session is not running")
		span.RecordError(err)
		return domain.Session{}, err
	}

	index, ok := session.BlockIndex(blockID)
	if !ok {
		span.RecordError(storage.ErrNotFound)
		return domain.Session{}, storage.ErrNotFound
	}
	if session.Blocks[index].Status == domain.BlockStatusActive {
		return session, nil
	}

	if err := s.activateLocked(ctx, &session, index); err != nil {
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

// DeactivateBlockByID closes the given active block and persists its drained
// results.
func (s *BlockService) DeactivateBlockByID(ctx context.Context, ownerID, sessionID, blockID string) (domain.Session, error) {
	ctx, span := tracer().Start(ctx, "block.deactivate")
	defer span.End()

	s.deps.mu.Lock()
	defer s.deps.mu.Unlock()

	session, err := s.deps.getOwnedSession(ctx, ownerID, sessionID)
	if err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}
	if session.Status != domain.SessionStatusRunning {
		err := apperrors.New(apperrors.CodeSessionNotRunning, "session is not running")
		span.RecordError(err)
		return domain.Session{}, err
	}

	index, ok := session.BlockIndex(blockID)
	if !ok {
		span.RecordError(storage.ErrNotFound)
		return domain.Session{}, storage.ErrNotFound
	}
	if session.Blocks[index].Status != domain.BlockStatusActive {
		err := apperrors.New(apperrors.CodeInvalidSessionAction, "block is not active")
		span.RecordError(err)
		return domain.Session{}, err
	}

	if err := s.deactivateLocked(ctx, &session, index, false); err != nil {
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

// ActivateNextBlock advances the owner's running session one step: with a
// block active it deactivates that block, otherwise it activates the block
// after the last activated one. Advancing past the final block is a no-op.
func (s *BlockService) ActivateNextBlock(ctx context.Context, ownerID string) (domain.Session, error) {
	ctx, span := tracer().Start(ctx, "block.activate_next")
	defer span.End()

	s.deps.mu.Lock()
	defer s.deps.mu.Unlock()

	sessionID, err := s.deps.stores.Running.GetRunningSession(ctx, ownerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = apperrors.New(apperrors.CodeSessionNotRunning, "no running session for owner")
		}
		span.RecordError(err)
		return domain.Session{}, err
	}
	session, err := s.deps.getOwnedSession(ctx, ownerID, sessionID)
	if err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}
	if session.Status != domain.SessionStatusRunning {
		err := apperrors.New(apperrors.CodeSessionNotRunning, "session is not running")
		span.RecordError(err)
		return domain.Session{}, err
	}

	if _, active := session.ActiveBlockRef(); active {
		if err := s.deactivateLocked(ctx, &session, session.ActiveBlock, false); err != nil {
			span.RecordError(err)
			return domain.Session{}, err
		}
	} else {
		next := session.ActiveBlock + 1
		if next >= len(session.Blocks) {
			return session, nil
		}
		if err := s.activateLocked(ctx, &session, next); err != nil {
			span.RecordError(err)
			return domain.Session{}, err
		}
	}

	if err := s.deps.stores.Sessions.PutSession(ctx, session); err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}
	s.deps.publish(session)
	return session, nil
}

// ModifyQuestionBlock adjusts the time limit of a planned or active block.
// Changing an active timed block reschedules its expiry against the original
// activation time; a limit already in the past expires the block at once.
func (s *BlockService) ModifyQuestionBlock(ctx context.Context, ownerID, sessionID, blockID string, timeLimit int) (domain.Session, error) {
	ctx, span := tracer().Start(ctx, "block.modify")
	defer span.End()

	s.deps.mu.Lock()
	defer s.deps.mu.Unlock()

	session, err := s.deps.getOwnedSession(ctx, ownerID, sessionID)
	if err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}

	index, ok := session.BlockIndex(blockID)
	if !ok {
		span.RecordError(storage.ErrNotFound)
		return domain.Session{}, storage.ErrNotFound
	}
	block := &session.Blocks[index]
	if block.Status == domain.BlockStatusExecuted {
		err := apperrors.New(apperrors.CodeInvalidSessionAction, "executed blocks cannot be modified")
		span.RecordError(err)
		return domain.Session{}, err
	}
	if timeLimit <= 0 {
		timeLimit = domain.UnlimitedTime
	}
	block.TimeLimit = timeLimit

	if block.Status == domain.BlockStatusActive {
		s.deps.cancelPending(session.ID)
		block.ExpiresAt = nil
		if block.Timed() && block.ActivatedAt != nil {
			expires := block.ActivatedAt.Add(time.Duration(block.TimeLimit) * time.Second)
			block.ExpiresAt = &expires
			s.scheduleExpiryLocked(&session, block)
		}
	}

	session.UpdatedAt = s.deps.now().UTC()
	if err := s.deps.stores.Sessions.PutSession(ctx, session); err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}
	s.deps.publish(session)
	return session, nil
}

// Recover rebuilds live state after a restart. Cache entries and scheduler
// jobs are process-local, so for every session that storage marks as running
// with an active block the cache is re-seeded from durable results and the
// expiry timer re-armed. Blocks whose limit elapsed while the process was
// down are executed immediately.
func (s *BlockService) Recover(ctx context.Context) error {
	ctx, span := tracer().Start(ctx, "block.recover")
	defer span.End()

	s.deps.mu.Lock()
	defer s.deps.mu.Unlock()

	running, err := s.deps.stores.Running.ListRunningSessions(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	for _, sessionID := range running {
		session, err := s.deps.stores.Sessions.GetSession(ctx, sessionID)
		if err != nil {
			log.Printf("recover: load session %s: %v", sessionID, err)
			continue
		}
		if session.Status != domain.SessionStatusRunning {
			continue
		}
		block, active := session.ActiveBlockRef()
		if !active {
			continue
		}

		if block.Timed() && block.ExpiresAt != nil && !block.ExpiresAt.After(s.deps.now()) {
			if err := s.deactivateLocked(ctx, &session, session.ActiveBlock, false); err != nil {
				log.Printf("recover: deactivate %s/%s: %v", sessionID, block.ID, err)
				continue
			}
			if err := s.deps.stores.Sessions.PutSession(ctx, session); err != nil {
				log.Printf("recover: persist %s: %v", sessionID, err)
				continue
			}
			s.deps.publish(session)
			continue
		}

		if err := s.hydrateCache(ctx, block); err != nil {
			log.Printf("recover: hydrate %s/%s: %v", sessionID, block.ID, err)
			continue
		}
		if block.Timed() {
			s.scheduleExpiryLocked(&session, block)
		}
	}
	return nil
}

// activateLocked performs the in-memory activation of blocks[index],
// deactivating a currently active block first. The caller holds the
// mutation lock and persists the session afterwards.
func (s *BlockService) activateLocked(ctx context.Context, session *domain.Session, index int) error {
	if current, active := session.ActiveBlockRef(); active {
		if s.deps.minInterval > 0 && current.ActivatedAt != nil {
			if s.deps.now().Sub(*current.ActivatedAt) < s.deps.minInterval {
				return apperrors.New(apperrors.CodeInvalidSessionAction, "active block has not completed its minimum open interval")
			}
		}
		if err := s.deactivateLocked(ctx, session, session.ActiveBlock, false); err != nil {
			return err
		}
	}

	block := &session.Blocks[index]
	if err := s.hydrateCache(ctx, block); err != nil {
		return err
	}
	block.Activate(s.deps.now())
	session.ActiveBlock = index
	session.ActiveStep++
	session.UpdatedAt = s.deps.now().UTC()

	if block.Timed() {
		s.scheduleExpiryLocked(session, block)
	}
	return nil
}

// deactivateLocked drains and closes blocks[index]. isScheduled marks the
// call as originating from the expiry job itself, in which case the pending
// handle is dropped without a cancel round trip.
func (s *BlockService) deactivateLocked(ctx context.Context, session *domain.Session, index int, isScheduled bool) error {
	if isScheduled {
		delete(s.deps.pending, session.ID)
	} else {
		s.deps.cancelPending(session.ID)
	}

	block := &session.Blocks[index]
	if err := s.drainBlock(ctx, block); err != nil {
		// The cache entries drained so far are gone; persist their results
		// now or a retry would zero those instances.
		if perr := s.deps.stores.Sessions.PutSession(ctx, *session); perr != nil {
			log.Printf("deactivate %s/%s: persist partial drain: %v", session.ID, block.ID, perr)
		}
		return err
	}
	block.Deactivate()
	session.ActiveStep++
	session.UpdatedAt = s.deps.now().UTC()
	return nil
}

// hydrateCache (re)creates the cache entries for all instances of a block.
// Previously executed blocks seed from their durable results so re-activation
// continues the counts. A missing cache backend is fine; aggregation then
// happens in degraded mode against durable storage.
func (s *BlockService) hydrateCache(ctx context.Context, block *domain.QuestionBlock) error {
	for i := range block.Instances {
		instance := &block.Instances[i]
		var seed *domain.CacheSnapshot
		if instance.Results != nil {
			snapshot := domain.ResultsToCacheSeed(instance.Results, instance.Meta())
			seed = &snapshot
		}
		err := s.deps.cache.InitInstance(ctx, instance.ID, instance.Meta(), seed)
		if errors.Is(err, cache.ErrUnavailable) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// drainBlock folds each instance's live cache entry into its durable
// results. Entries already drained keep their existing durable results, so
// retrying after a partial failure never zeroes counts. A failing instance
// does not stop the loop; the remaining instances are still drained and the
// first failure is returned.
func (s *BlockService) drainBlock(ctx context.Context, block *domain.QuestionBlock) error {
	var firstErr error
	for i := range block.Instances {
		instance := &block.Instances[i]
		snapshot, err := s.deps.cache.Drain(ctx, instance.ID)
		if errors.Is(err, cache.ErrUnavailable) {
			// Degraded mode: results were folded durably on every response.
			if instance.Results == nil {
				instance.Results = domain.CacheToResults(domain.CacheSnapshot{}, instance.Meta())
			}
			continue
		}
		if errors.Is(err, cache.ErrEntryMissing) {
			if instance.Results == nil {
				instance.Results = domain.CacheToResults(domain.CacheSnapshot{}, instance.Meta())
			}
			continue
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		instance.Results = domain.CacheToResults(snapshot, instance.Meta())
	}
	return firstErr
}

// scheduleExpiryLocked registers the auto-deactivation job for a timed
// active block, replacing any previously pending job of the session.
func (s *BlockService) scheduleExpiryLocked(session *domain.Session, block *domain.QuestionBlock) {
	if s.deps.sched == nil || block.ExpiresAt == nil {
		return
	}
	s.deps.cancelPending(session.ID)
	job := scheduler.Job{
		SessionID:      session.ID,
		BlockID:        block.ID,
		ActiveStep:     session.ActiveStep,
		SessionExec:    session.Execution,
		BlockExecution: block.Execution,
	}
	handle := s.deps.sched.Schedule(*block.ExpiresAt, job, s.onExpiry)
	s.deps.pending[session.ID] = pendingJob{blockID: block.ID, handle: handle}
}

// onExpiry fires when a timed block's limit elapses. The captured counters
// are re-validated against the current session state; any mismatch means the
// block was deactivated manually or the session was reset in the meantime,
// and the job no-ops.
func (s *BlockService) onExpiry(ctx context.Context, job scheduler.Job) {
	s.deps.mu.Lock()
	defer s.deps.mu.Unlock()

	session, err := s.deps.stores.Sessions.GetSession(ctx, job.SessionID)
	if err != nil {
		log.Printf("block expiry: load session %s: %v", job.SessionID, err)
		return
	}
	if session.Status != domain.SessionStatusRunning ||
		session.Execution != job.SessionExec ||
		session.ActiveStep != job.ActiveStep {
		return
	}
	index, ok := session.BlockIndex(job.BlockID)
	if !ok {
		return
	}
	block := &session.Blocks[index]
	if block.Status != domain.BlockStatusActive || block.Execution != job.BlockExecution {
		return
	}

	if err := s.deactivateLocked(ctx, &session, index, true); err != nil {
		log.Printf("block expiry: deactivate %s/%s: %v", job.SessionID, job.BlockID, err)
		return
	}
	if err := s.deps.stores.Sessions.PutSession(ctx, session); err != nil {
		log.Printf("block expiry: persist %s: %v", job.SessionID, err)
		return
	}
	s.deps.publish(session)
}
