// Package storage defines the durable store contracts of the live engine.
package storage

import (
	"context"

	"github.com/uzh-bf/klicker-live/internal/live/domain"
	apperrors "github.com/uzh-bf/klicker-live/internal/platform/errors"
)

// ErrNotFound indicates a requested persistence record is missing. Callers
// use this to differentiate legitimate "no such entity" states from
// transport or data corruption failures.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// SessionStore owns the session aggregate: the session row plus its
// embedded blocks, instances, feedbacks, and confusion readings. PutSession
// flushes the whole aggregate; the engine assumes one logical writer per
// session at a time, enforced by the owner's running-session pointer.
type SessionStore interface {
	PutSession(ctx context.Context, session domain.Session) error
	GetSession(ctx context.Context, id string) (domain.Session, error)
	// GetSessionByInstance resolves the owning session of an instance.
	GetSessionByInstance(ctx context.Context, instanceID string) (domain.Session, error)
	ListSessionsByOwner(ctx context.Context, ownerID string) ([]domain.Session, error)
	// DeleteSessions removes the given sessions of one owner, including all
	// embedded state. Unknown ids are skipped.
	DeleteSessions(ctx context.Context, ownerID string, ids []string) error
}

// RunningSessionStore owns the per-owner pointer to the single session an
// owner may run at a time.
type RunningSessionStore interface {
	SetRunningSession(ctx context.Context, ownerID, sessionID string) error
	ClearRunningSession(ctx context.Context, ownerID string) error
	// GetRunningSession returns ErrNotFound when the owner runs no session.
	GetRunningSession(ctx context.Context, ownerID string) (string, error)
	// ListRunningSessions returns all running-session ids keyed by owner,
	// used to recover live state after a restart.
	ListRunningSessions(ctx context.Context) (map[string]string, error)
}
