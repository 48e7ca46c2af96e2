// Package service implements the session execution engine: the session and
// block lifecycle controllers, live response recording, and snapshot
// fan-out. Operations here form the contract surface called by API
// resolvers.
package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/uzh-bf/klicker-live/internal/id"
	"github.com/uzh-bf/klicker-live/internal/live/cache"
	"github.com/uzh-bf/klicker-live/internal/live/domain"
	"github.com/uzh-bf/klicker-live/internal/live/scheduler"
	"github.com/uzh-bf/klicker-live/internal/live/storage"
	apperrors "github.com/uzh-bf/klicker-live/internal/platform/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/uzh-bf/klicker-live/internal/live/service"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// Stores groups the storage interfaces the engine depends on.
type Stores struct {
	Sessions storage.SessionStore
	Running  storage.RunningSessionStore
}

// Engine bundles the engine's controllers around shared dependencies.
type Engine struct {
	Sessions  *SessionService
	Blocks    *BlockService
	Responses *ResponseService
}

// EngineConfig carries the dependencies injected into the engine.
type EngineConfig struct {
	Stores    Stores
	Cache     cache.Store
	Scheduler scheduler.Scheduler
	Publisher SnapshotPublisher

	// MinBlockInterval is how long a freshly activated block must stay open
	// before activating another block may displace it.
	MinBlockInterval time.Duration

	Clock       func() time.Time
	IDGenerator func() (string, error)
}

// engineDeps is the shared state behind all three controllers. The mutex
// serializes owner mutations against a session aggregate, covering the race
// between manual lifecycle actions and scheduled block expiries.
type engineDeps struct {
	stores      Stores
	cache       cache.Store
	sched       scheduler.Scheduler
	publisher   SnapshotPublisher
	minInterval time.Duration
	now         func() time.Time
	newID       func() (string, error)

	mu      sync.Mutex
	pending map[string]pendingJob // session id -> scheduled expiry
}

type pendingJob struct {
	blockID string
	handle  string
}

// NewEngine wires the three controllers with shared dependencies. A nil
// cache falls back to degraded durable-storage aggregation.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = id.NewID
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.Disabled{}
	}
	if cfg.Publisher == nil {
		cfg.Publisher = noopPublisher{}
	}

	deps := &engineDeps{
		stores:      cfg.Stores,
		cache:       cfg.Cache,
		sched:       cfg.Scheduler,
		publisher:   cfg.Publisher,
		minInterval: cfg.MinBlockInterval,
		now:         cfg.Clock,
		newID:       cfg.IDGenerator,
		pending:     make(map[string]pendingJob),
	}
	blocks := &BlockService{deps: deps}
	return &Engine{
		Sessions:  &SessionService{deps: deps, blocks: blocks},
		Blocks:    blocks,
		Responses: &ResponseService{deps: deps},
	}
}

type noopPublisher struct{}

func (noopPublisher) PublishOwnerView(domain.Session)  {}
func (noopPublisher) PublishPublicView(domain.Session) {}

// getOwnedSession loads a session and verifies ownership.
func (d *engineDeps) getOwnedSession(ctx context.Context, ownerID, sessionID string) (domain.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.Session{}, storage.ErrNotFound
	}

	session, err := d.stores.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if session.OwnerID != strings.TrimSpace(ownerID) {
		return domain.Session{}, apperrors.New(apperrors.CodeUnauthorized, "session belongs to another owner")
	}
	return session, nil
}

// publish fans the mutated session out on both channels. Best-effort.
func (d *engineDeps) publish(session domain.Session) {
	d.publisher.PublishOwnerView(session)
	d.publisher.PublishPublicView(session)
}

// cancelPending cancels the scheduled expiry for the session, if any.
// Callers hold the mutation lock.
func (d *engineDeps) cancelPending(sessionID string) {
	job, ok := d.pending[sessionID]
	if !ok {
		return
	}
	delete(d.pending, sessionID)
	if d.sched != nil {
		d.sched.Cancel(job.handle)
	}
}
