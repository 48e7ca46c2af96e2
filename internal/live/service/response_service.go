package service

import (
	"context"
	"errors"
	"strings"

	"github.com/uzh-bf/klicker-live/internal/live/cache"
	"github.com/uzh-bf/klicker-live/internal/live/domain"
	apperrors "github.com/uzh-bf/klicker-live/internal/platform/errors"
)

// ResponseService handles participant-facing writes: responses against open
// instances, the feedback channel, and the confusion barometer.
type ResponseService struct {
	deps *engineDeps
}

// AddResponse records one anonymous response against an open instance. The
// fast path is a single atomic cache increment; when no cache backend is
// configured the response folds directly into the durable results instead.
// Responses against closed or drained instances fail with INSTANCE_CLOSED.
func (s *ResponseService) AddResponse(ctx context.Context, instanceID string, response domain.Response) error {
	ctx, span := tracer().Start(ctx, "response.add")
	defer span.End()

	err := s.deps.cache.RecordResponse(ctx, instanceID, response)
	if err == nil {
		return nil
	}
	if !errors.Is(err, cache.ErrUnavailable) {
		span.RecordError(err)
		return err
	}

	if err := s.addResponseDurable(ctx, instanceID, response); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// addResponseDurable is the degraded-mode path: validate against the durable
// instance record, fold into its results, and keep the raw response for
// later re-aggregation. Serialized by the mutation lock because it is a
// read-modify-write of the session aggregate.
func (s *ResponseService) addResponseDurable(ctx context.Context, instanceID string, response domain.Response) error {
	s.deps.mu.Lock()
	defer s.deps.mu.Unlock()

	session, err := s.deps.stores.Sessions.GetSessionByInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	blockIdx, instanceIdx, ok := session.InstanceIndex(instanceID)
	if !ok {
		return apperrors.New(apperrors.CodeInstanceClosed, "instance is not open")
	}
	instance := &session.Blocks[blockIdx].Instances[instanceIdx]
	if session.Status != domain.SessionStatusRunning || !instance.IsOpen {
		return apperrors.New(apperrors.CodeInstanceClosed, "instance is not open")
	}

	if err := domain.ValidateResponse(instance.Meta(), response); err != nil {
		return err
	}
	instance.Results = domain.ApplyResponse(instance.Results, instance.Meta(), response)
	instance.Responses = append(instance.Responses, response)
	session.UpdatedAt = s.deps.now().UTC()

	return s.deps.stores.Sessions.PutSession(ctx, session)
}

// DeleteResponse removes one free-form result bucket from an instance, both
// from the live cache entry and from any durable snapshot. Owner moderation
// of free-text answers.
func (s *ResponseService) DeleteResponse(ctx context.Context, ownerID, instanceID, responseKey string) (domain.Session, error) {
	ctx, span := tracer().Start(ctx, "response.delete")
	defer span.End()

	s.deps.mu.Lock()
	defer s.deps.mu.Unlock()

	session, err := s.deps.stores.Sessions.GetSessionByInstance(ctx, instanceID)
	if err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}
	if session.OwnerID != strings.TrimSpace(ownerID) {
		err := apperrors.New(apperrors.CodeUnauthorized, "session belongs to another owner")
		span.RecordError(err)
		return domain.Session{}, err
	}
	blockIdx, instanceIdx, ok := session.InstanceIndex(instanceID)
	if !ok {
		err := apperrors.New(apperrors.CodeNotFound, "instance not found")
		span.RecordError(err)
		return domain.Session{}, err
	}
	instance := &session.Blocks[blockIdx].Instances[instanceIdx]
	if instance.Kind.IsChoice() {
		err := apperrors.New(apperrors.CodeInvalidSessionAction, "only free-form result buckets can be deleted")
		span.RecordError(err)
		return domain.Session{}, err
	}

	err = s.deps.cache.DeleteBucket(ctx, instanceID, responseKey)
	if err != nil && !errors.Is(err, cache.ErrUnavailable) && !errors.Is(err, cache.ErrEntryMissing) {
		span.RecordError(err)
		return domain.Session{}, err
	}
	if instance.Results != nil {
		if bucket, ok := instance.Results.Free[responseKey]; ok {
			delete(instance.Results.Free, responseKey)
			instance.Results.TotalParticipants -= bucket.Count
			if instance.Results.TotalParticipants < 0 {
				instance.Results.TotalParticipants = 0
			}
		}
	}
	session.UpdatedAt = s.deps.now().UTC()

	if err := s.deps.stores.Sessions.PutSession(ctx, session); err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}
	s.deps.publisher.PublishOwnerView(session)
	return session, nil
}

// AddFeedback appends one participant feedback to a running session's
// feedback channel.
func (s *ResponseService) AddFeedback(ctx context.Context, sessionID, content string) (domain.Feedback, error) {
	ctx, span := tracer().Start(ctx, "feedback.add")
	defer span.End()

	content = strings.TrimSpace(content)
	if content == "" {
		err := apperrors.New(apperrors.CodeResponseInvalid, "feedback content is empty")
		span.RecordError(err)
		return domain.Feedback{}, err
	}

	s.deps.mu.Lock()
	defer s.deps.mu.Unlock()

	session, err := s.deps.stores.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return domain.Feedback{}, err
	}
	if session.Status != domain.SessionStatusRunning {
		err := apperrors.New(apperrors.CodeSessionNotRunning, "session is not running")
		span.RecordError(err)
		return domain.Feedback{}, err
	}
	if !session.Settings.IsFeedbackChannelActive {
		err := apperrors.New(apperrors.CodeFeedbacksDeactivated, "feedback channel is deactivated")
		span.RecordError(err)
		return domain.Feedback{}, err
	}

	feedbackID, err := s.deps.newID()
	if err != nil {
		span.RecordError(err)
		return domain.Feedback{}, err
	}
	feedback := domain.Feedback{
		ID:        feedbackID,
		Content:   content,
		CreatedAt: s.deps.now().UTC(),
	}
	session.Feedbacks = append(session.Feedbacks, feedback)
	session.UpdatedAt = feedback.CreatedAt

	if err := s.deps.stores.Sessions.PutSession(ctx, session); err != nil {
		span.RecordError(err)
		return domain.Feedback{}, err
	}
	s.deps.publisher.PublishOwnerView(session)
	if session.Settings.IsFeedbackChannelPublic {
		s.deps.publisher.PublishPublicView(session)
	}
	return feedback, nil
}

// DeleteFeedback removes one feedback entry from the owner's session.
// Deleting an unknown feedback id is a no-op.
func (s *ResponseService) DeleteFeedback(ctx context.Context, ownerID, sessionID, feedbackID string) (domain.Session, error) {
	ctx, span := tracer().Start(ctx, "feedback.delete")
	defer span.End()

	s.deps.mu.Lock()
	defer s.deps.mu.Unlock()

	session, err := s.deps.getOwnedSession(ctx, ownerID, sessionID)
	if err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}

	kept := session.Feedbacks[:0]
	for _, feedback := range session.Feedbacks {
		if feedback.ID != feedbackID {
			kept = append(kept, feedback)
		}
	}
	if len(kept) == len(session.Feedbacks) {
		return session, nil
	}
	session.Feedbacks = kept
	session.UpdatedAt = s.deps.now().UTC()

	if err := s.deps.stores.Sessions.PutSession(ctx, session); err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}
	s.deps.publisher.PublishOwnerView(session)
	if session.Settings.IsFeedbackChannelPublic {
		s.deps.publisher.PublishPublicView(session)
	}
	return session, nil
}

// AddConfusionTS appends one confusion barometer reading to a running
// session. Difficulty and speed must lie on the -5..5 scale.
func (s *ResponseService) AddConfusionTS(ctx context.Context, sessionID string, difficulty, speed int) (domain.Session, error) {
	ctx, span := tracer().Start(ctx, "confusion.add")
	defer span.End()

	if difficulty < -5 || difficulty > 5 || speed < -5 || speed > 5 {
		err := apperrors.New(apperrors.CodeResponseInvalid, "confusion values must be between -5 and 5")
		span.RecordError(err)
		return domain.Session{}, err
	}

	s.deps.mu.Lock()
	defer s.deps.mu.Unlock()

	session, err := s.deps.stores.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}
	if session.Status != domain.SessionStatusRunning {
		err := apperrors.New(apperrors.CodeSessionNotRunning, "session is not running")
		span.RecordError(err)
		return domain.Session{}, err
	}
	if !session.Settings.IsConfusionBarometerActive {
		err := apperrors.New(apperrors.CodeConfusionDeactivated, "confusion barometer is deactivated")
		span.RecordError(err)
		return domain.Session{}, err
	}

	now := s.deps.now().UTC()
	session.ConfusionTS = append(session.ConfusionTS, domain.ConfusionTimeStep{
		Difficulty: difficulty,
		Speed:      speed,
		CreatedAt:  now,
	})
	session.UpdatedAt = now

	if err := s.deps.stores.Sessions.PutSession(ctx, session); err != nil {
		span.RecordError(err)
		return domain.Session{}, err
	}
	s.deps.publisher.PublishOwnerView(session)
	return session, nil
}
