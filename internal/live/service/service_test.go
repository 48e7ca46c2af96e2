package service

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/uzh-bf/klicker-live/internal/live/cache/memory"
	"github.com/uzh-bf/klicker-live/internal/live/domain"
	"github.com/uzh-bf/klicker-live/internal/live/scheduler"
	"github.com/uzh-bf/klicker-live/internal/live/storage"
)

type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
	putErr   error
	puts     int
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[string]domain.Session)}
}

func (s *memSessionStore) PutSession(_ context.Context, session domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.sessions[session.ID] = session
	s.puts++
	return nil
}

func (s *memSessionStore) GetSession(_ context.Context, id string) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, storage.ErrNotFound
	}
	return session, nil
}

func (s *memSessionStore) GetSessionByInstance(_ context.Context, instanceID string) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		if _, _, ok := session.InstanceIndex(instanceID); ok {
			return session, nil
		}
	}
	return domain.Session{}, storage.ErrNotFound
}

func (s *memSessionStore) ListSessionsByOwner(_ context.Context, ownerID string) ([]domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sessions []domain.Session
	for _, session := range s.sessions {
		if session.OwnerID == ownerID {
			sessions = append(sessions, session)
		}
	}
	return sessions, nil
}

func (s *memSessionStore) DeleteSessions(_ context.Context, ownerID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if session, ok := s.sessions[id]; ok && session.OwnerID == ownerID {
			delete(s.sessions, id)
		}
	}
	return nil
}

type memRunningStore struct {
	mu      sync.Mutex
	running map[string]string
}

func newMemRunningStore() *memRunningStore {
	return &memRunningStore{running: make(map[string]string)}
}

func (s *memRunningStore) SetRunningSession(_ context.Context, ownerID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[ownerID] = sessionID
	return nil
}

func (s *memRunningStore) ClearRunningSession(_ context.Context, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, ownerID)
	return nil
}

func (s *memRunningStore) GetRunningSession(_ context.Context, ownerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessionID, ok := s.running[ownerID]
	if !ok {
		return "", storage.ErrNotFound
	}
	return sessionID, nil
}

func (s *memRunningStore) ListRunningSessions(_ context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	running := make(map[string]string, len(s.running))
	for owner, session := range s.running {
		running[owner] = session
	}
	return running, nil
}

type scheduledJob struct {
	at        time.Time
	job       scheduler.Job
	fire      func(context.Context, scheduler.Job)
	handle    string
	cancelled bool
}

// fakeScheduler captures jobs so tests decide when timers fire.
type fakeScheduler struct {
	mu   sync.Mutex
	jobs []*scheduledJob
}

func (s *fakeScheduler) Schedule(at time.Time, job scheduler.Job, fire func(context.Context, scheduler.Job)) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle := "job-" + strconv.Itoa(len(s.jobs))
	s.jobs = append(s.jobs, &scheduledJob{at: at, job: job, fire: fire, handle: handle})
	return handle
}

func (s *fakeScheduler) Cancel(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.handle == handle {
			job.cancelled = true
		}
	}
}

func (s *fakeScheduler) lastJob(t *testing.T) *scheduledJob {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.jobs) == 0 {
		t.Fatal("expected a scheduled job")
	}
	return s.jobs[len(s.jobs)-1]
}

type fakePublisher struct {
	mu          sync.Mutex
	ownerCount  int
	publicCount int
	lastOwner   domain.Session
	lastPublic  domain.Session
}

func (p *fakePublisher) PublishOwnerView(session domain.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ownerCount++
	p.lastOwner = session
}

func (p *fakePublisher) PublishPublicView(session domain.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publicCount++
	p.lastPublic = session
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type engineFixture struct {
	engine   *Engine
	sessions *memSessionStore
	running  *memRunningStore
	cache    *memory.Store
	sched    *fakeScheduler
	pub      *fakePublisher
	clock    *testClock
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	fx := &engineFixture{
		sessions: newMemSessionStore(),
		running:  newMemRunningStore(),
		cache:    memory.New(),
		sched:    &fakeScheduler{},
		pub:      &fakePublisher{},
		clock:    &testClock{now: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)},
	}
	n := 0
	fx.engine = NewEngine(EngineConfig{
		Stores:    Stores{Sessions: fx.sessions, Running: fx.running},
		Cache:     fx.cache,
		Scheduler: fx.sched,
		Publisher: fx.pub,
		Clock:     fx.clock.Now,
		IDGenerator: func() (string, error) {
			n++
			return "id-" + strconv.Itoa(n), nil
		},
	})
	return fx
}

// newStartedSession creates and starts a session with a timed SC block and
// an untimed FREE block.
func (fx *engineFixture) newStartedSession(t *testing.T, ownerID string) domain.Session {
	t.Helper()
	ctx := context.Background()
	session, err := fx.engine.Sessions.Create(ctx, domain.CreateSessionInput{
		OwnerID: ownerID,
		Name:    "Lecture",
		Blocks: []domain.CreateBlockInput{
			{
				TimeLimit: 30,
				Questions: []domain.CreateQuestionInput{
					{QuestionID: "q1", Version: 1, Kind: domain.QuestionKindSingleChoice, ChoiceCount: 2},
				},
			},
			{
				Questions: []domain.CreateQuestionInput{
					{QuestionID: "q2", Version: 1, Kind: domain.QuestionKindFreeText},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	session, err = fx.engine.Sessions.Start(ctx, ownerID, session.ID)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return session
}
