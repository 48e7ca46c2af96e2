// Package cache defines the aggregation cache adapter used to collect live
// response counts for open question instances.
package cache

import (
	"context"

	"github.com/uzh-bf/klicker-live/internal/live/domain"
	apperrors "github.com/uzh-bf/klicker-live/internal/platform/errors"
)

// ErrUnavailable signals that no cache backend is configured. Controllers
// fall back to aggregating directly against durable storage.
var ErrUnavailable = apperrors.New(apperrors.CodeUnknown, "aggregation cache is unavailable")

// ErrEntryMissing signals that no live entry exists for the instance; the
// instance is closed or was already drained.
var ErrEntryMissing = apperrors.New(apperrors.CodeInstanceClosed, "no live cache entry for instance")

// Store is the aggregation cache contract. One entry exists per open
// instance; RecordResponse must apply atomic increments so concurrent calls
// never lose updates, and Drain is the single point that closes the book on
// an entry: it reads and deletes atomically, and later responses are
// rejected with ErrEntryMissing rather than merged.
type Store interface {
	// InitInstance idempotently (re)creates the entry for an instance,
	// optionally seeded from a durable result snapshot.
	InitInstance(ctx context.Context, instanceID string, meta domain.QuestionMeta, seed *domain.CacheSnapshot) error

	// RecordResponse validates the response against the entry metadata and
	// folds it into the entry in one atomic step.
	RecordResponse(ctx context.Context, instanceID string, response domain.Response) error

	// Drain atomically reads and deletes the entry, returning its contents.
	Drain(ctx context.Context, instanceID string) (domain.CacheSnapshot, error)

	// DeleteBucket removes one result bucket from a live entry, adjusting
	// the participants counter. Used for owner moderation of free-form
	// answers.
	DeleteBucket(ctx context.Context, instanceID, key string) error

	// DeleteInstance discards the entry without reading it, used on reset.
	DeleteInstance(ctx context.Context, instanceID string) error
}

// Disabled is the adapter used when no cache backend is configured. Every
// operation reports ErrUnavailable.
type Disabled struct{}

// InitInstance reports cache unavailability.
func (Disabled) InitInstance(context.Context, string, domain.QuestionMeta, *domain.CacheSnapshot) error {
	return ErrUnavailable
}

// RecordResponse reports cache unavailability.
func (Disabled) RecordResponse(context.Context, string, domain.Response) error {
	return ErrUnavailable
}

// Drain reports cache unavailability.
func (Disabled) Drain(context.Context, string) (domain.CacheSnapshot, error) {
	return domain.CacheSnapshot{}, ErrUnavailable
}

// DeleteBucket reports cache unavailability.
func (Disabled) DeleteBucket(context.Context, string, string) error {
	return ErrUnavailable
}

// DeleteInstance reports cache unavailability.
func (Disabled) DeleteInstance(context.Context, string) error {
	return ErrUnavailable
}

var _ Store = Disabled{}
