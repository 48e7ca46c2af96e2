// Package memory provides the in-process aggregation cache backend.
package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/uzh-bf/klicker-live/internal/live/cache"
	"github.com/uzh-bf/klicker-live/internal/live/domain"
)

type entry struct {
	meta         domain.QuestionMeta
	buckets      map[string]int
	literals     map[string]string
	participants int
}

// Store keeps live aggregation entries in process memory. Increments happen
// under the store lock, so concurrent RecordResponse calls against the same
// instance never lose updates.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty cache store.
func New() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// InitInstance idempotently (re)creates the entry for an instance. Choice
// buckets are pre-initialized to zero so drained snapshots always carry the
// full count array; free-form buckets materialize on first response. A seed
// rehydrates a previously drained entry without information loss.
func (s *Store) InitInstance(ctx context.Context, instanceID string, meta domain.QuestionMeta, seed *domain.CacheSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e := &entry{
		meta:     meta,
		buckets:  make(map[string]int),
		literals: make(map[string]string),
	}
	if meta.Kind.IsChoice() {
		for i := 0; i < meta.ChoiceCount; i++ {
			e.buckets[strconv.Itoa(i)] = 0
		}
	}
	if seed != nil {
		for key, count := range seed.Buckets {
			e.buckets[key] = count
		}
		for key, literal := range seed.Literals {
			e.literals[key] = literal
		}
		e.participants = seed.Participants
	}

	s.mu.Lock()
	s.entries[instanceID] = e
	s.mu.Unlock()
	return nil
}

// RecordResponse validates and folds one response into the entry atomically.
// Responses against drained or never-opened instances are rejected with
// cache.ErrEntryMissing.
func (s *Store) RecordResponse(ctx context.Context, instanceID string, response domain.Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[instanceID]
	if !ok {
		return cache.ErrEntryMissing
	}
	if err := domain.ValidateResponse(e.meta, response); err != nil {
		return err
	}

	if e.meta.Kind.IsChoice() {
		for _, index := range response.Choices {
			e.buckets[strconv.Itoa(index)]++
		}
	} else {
		key, literal := domain.FreeResultKey(e.meta.Kind, response)
		if _, seen := e.buckets[key]; !seen {
			e.literals[key] = literal
		}
		e.buckets[key]++
	}
	e.participants++
	return nil
}

// Drain atomically reads and deletes the entry. Draining an already-drained
// entry reports cache.ErrEntryMissing so retries never re-process it.
func (s *Store) Drain(ctx context.Context, instanceID string) (domain.CacheSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.CacheSnapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[instanceID]
	if !ok {
		return domain.CacheSnapshot{}, cache.ErrEntryMissing
	}
	delete(s.entries, instanceID)

	return domain.CacheSnapshot{
		Buckets:      e.buckets,
		Literals:     e.literals,
		Participants: e.participants,
	}, nil
}

// DeleteBucket removes one result bucket from a live entry and subtracts
// its count from the participants counter.
func (s *Store) DeleteBucket(ctx context.Context, instanceID, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[instanceID]
	if !ok {
		return cache.ErrEntryMissing
	}
	count, ok := e.buckets[key]
	if !ok {
		return nil
	}
	delete(e.buckets, key)
	delete(e.literals, key)
	e.participants -= count
	if e.participants < 0 {
		e.participants = 0
	}
	return nil
}

// DeleteInstance discards the entry without reading it.
func (s *Store) DeleteInstance(ctx context.Context, instanceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.entries, instanceID)
	s.mu.Unlock()
	return nil
}

var _ cache.Store = (*Store)(nil)
