package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/uzh-bf/klicker-live/internal/live/cache"
	"github.com/uzh-bf/klicker-live/internal/live/cache/memory"
	"github.com/uzh-bf/klicker-live/internal/live/domain"
	apperrors "github.com/uzh-bf/klicker-live/internal/platform/errors"
)

func TestActivateNextBlockFullRun(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	session := fx.newStartedSession(t, "owner-1")
	scInstance := session.Blocks[0].Instances[0].ID

	// First advance opens block 0.
	session, err := fx.engine.Blocks.ActivateNextBlock(ctx, "owner-1")
	if err != nil {
		t.Fatalf("activate next: %v", err)
	}
	if session.ActiveBlock != 0 {
		t.Fatalf("expected active block 0, got %d", session.ActiveBlock)
	}
	if session.Blocks[0].Status != domain.BlockStatusActive {
		t.Fatalf("expected ACTIVE block 0, got %v", session.Blocks[0].Status)
	}
	if !session.Blocks[0].Instances[0].IsOpen {
		t.Fatal("expected open instance")
	}

	if err := fx.engine.Responses.AddResponse(ctx, scInstance, domain.Response{Choices: []int{0}}); err != nil {
		t.Fatalf("add response: %v", err)
	}
	if err := fx.engine.Responses.AddResponse(ctx, scInstance, domain.Response{Choices: []int{1}}); err != nil {
		t.Fatalf("add response: %v", err)
	}

	// Second advance closes block 0; the third opens block 1.
	session, err = fx.engine.Blocks.ActivateNextBlock(ctx, "owner-1")
	if err != nil {
		t.Fatalf("deactivate block 0: %v", err)
	}
	if session.Blocks[0].Status != domain.BlockStatusExecuted {
		t.Fatalf("expected EXECUTED block 0, got %v", session.Blocks[0].Status)
	}
	results := session.Blocks[0].Instances[0].Results
	if results == nil {
		t.Fatal("expected drained results")
	}
	if len(results.Choices) != 2 || results.Choices[0] != 1 || results.Choices[1] != 1 {
		t.Fatalf("expected counts [1 1], got %v", results.Choices)
	}
	if results.TotalParticipants != 2 {
		t.Fatalf("expected 2 participants, got %d", results.TotalParticipants)
	}

	session, err = fx.engine.Blocks.ActivateNextBlock(ctx, "owner-1")
	if err != nil {
		t.Fatalf("activate block 1: %v", err)
	}
	if session.ActiveBlock != 1 || session.Blocks[1].Status != domain.BlockStatusActive {
		t.Fatal("expected block 1 active")
	}
}

func TestActivateNextBlockPastEndIsNoop(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.newStartedSession(t, "owner-1")

	for i := 0; i < 4; i++ {
		if _, err := fx.engine.Blocks.ActivateNextBlock(ctx, "owner-1"); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	session, err := fx.engine.Blocks.ActivateNextBlock(ctx, "owner-1")
	if err != nil {
		t.Fatalf("advance past end: %v", err)
	}
	if session.ActiveBlock != 1 {
		t.Fatalf("expected pointer parked at last block, got %d", session.ActiveBlock)
	}
	for _, block := range session.Blocks {
		if block.Status != domain.BlockStatusExecuted {
			t.Fatalf("expected all blocks executed, got %v", block.Status)
		}
	}
}

func TestActivateNextBlockWithoutRunningSession(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.engine.Blocks.ActivateNextBlock(context.Background(), "owner-1")
	if !apperrors.Is(err, apperrors.CodeSessionNotRunning) {
		t.Fatalf("expected SESSION_NOT_RUNNING, got %v", err)
	}
}

func TestActivateBlockByIDAlreadyActiveIsNoop(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	session := fx.newStartedSession(t, "owner-1")
	blockID := session.Blocks[0].ID

	session, err := fx.engine.Blocks.ActivateBlockByID(ctx, "owner-1", session.ID, blockID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	stepBefore := session.ActiveStep

	session, err = fx.engine.Blocks.ActivateBlockByID(ctx, "owner-1", session.ID, blockID)
	if err != nil {
		t.Fatalf("re-activate: %v", err)
	}
	if session.ActiveStep != stepBefore {
		t.Fatalf("expected no step bump on no-op, got %d vs %d", session.ActiveStep, stepBefore)
	}
}

func TestActivateBlockByIDDisplacesActiveBlock(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	session := fx.newStartedSession(t, "owner-1")

	session, err := fx.engine.Blocks.ActivateBlockByID(ctx, "owner-1", session.ID, session.Blocks[0].ID)
	if err != nil {
		t.Fatalf("activate block 0: %v", err)
	}
	session, err = fx.engine.Blocks.ActivateBlockByID(ctx, "owner-1", session.ID, session.Blocks[1].ID)
	if err != nil {
		t.Fatalf("activate block 1: %v", err)
	}
	if session.Blocks[0].Status != domain.BlockStatusExecuted {
		t.Fatalf("expected block 0 drained and executed, got %v", session.Blocks[0].Status)
	}
	if session.Blocks[0].Instances[0].Results == nil {
		t.Fatal("expected persisted results for displaced block")
	}
	if session.ActiveBlock != 1 || session.Blocks[1].Status != domain.BlockStatusActive {
		t.Fatal("expected block 1 active")
	}
}

func TestActivateBlockByIDMinIntervalGate(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.engine.Blocks.deps.minInterval = 10 * time.Second
	session := fx.newStartedSession(t, "owner-1")

	session, err := fx.engine.Blocks.ActivateBlockByID(ctx, "owner-1", session.ID, session.Blocks[0].ID)
	if err != nil {
		t.Fatalf("activate block 0: %v", err)
	}

	_, err = fx.engine.Blocks.ActivateBlockByID(ctx, "owner-1", session.ID, session.Blocks[1].ID)
	if !apperrors.Is(err, apperrors.CodeInvalidSessionAction) {
		t.Fatalf("expected INVALID_SESSION_ACTION before min interval, got %v", err)
	}

	fx.clock.Advance(11 * time.Second)
	session, err = fx.engine.Blocks.ActivateBlockByID(ctx, "owner-1", session.ID, session.Blocks[1].ID)
	if err != nil {
		t.Fatalf("activate after interval: %v", err)
	}
	if session.ActiveBlock != 1 {
		t.Fatalf("expected block 1 active, got %d", session.ActiveBlock)
	}
}

func TestReactivationRehydratesResults(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	session := fx.newStartedSession(t, "owner-1")
	scInstance := session.Blocks[0].Instances[0].ID
	blockID := session.Blocks[0].ID

	if _, err := fx.engine.Blocks.ActivateBlockByID(ctx, "owner-1", session.ID, blockID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := fx.engine.Responses.AddResponse(ctx, scInstance, domain.Response{Choices: []int{0}}); err != nil {
		t.Fatalf("add response: %v", err)
	}
	if _, err := fx.engine.Blocks.DeactivateBlockByID(ctx, "owner-1", session.ID, blockID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	// Re-activate the executed block; earlier counts must carry over.
	if _, err := fx.engine.Blocks.ActivateBlockByID(ctx, "owner-1", session.ID, blockID); err != nil {
		t.Fatalf("re-activate: %v", err)
	}
	if err := fx.engine.Responses.AddResponse(ctx, scInstance, domain.Response{Choices: []int{0}}); err != nil {
		t.Fatalf("add response after re-activation: %v", err)
	}
	session, err := fx.engine.Blocks.DeactivateBlockByID(ctx, "owner-1", session.ID, blockID)
	if err != nil {
		t.Fatalf("final deactivate: %v", err)
	}

	results := session.Blocks[0].Instances[0].Results
	if results.Choices[0] != 2 {
		t.Fatalf("expected cumulative count 2, got %v", results.Choices)
	}
	if results.TotalParticipants != 2 {
		t.Fatalf("expected 2 participants, got %d", results.TotalParticipants)
	}
}

func TestResponseAfterDeactivationRejected(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	session := fx.newStartedSession(t, "owner-1")
	scInstance := session.Blocks[0].Instances[0].ID
	blockID := session.Blocks[0].ID

	if _, err := fx.engine.Blocks.ActivateBlockByID(ctx, "owner-1", session.ID, blockID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := fx.engine.Responses.AddResponse(ctx, scInstance, domain.Response{Choices: []int{0}}); err != nil {
		t.Fatalf("add response: %v", err)
	}
	session, err := fx.engine.Blocks.DeactivateBlockByID(ctx, "owner-1", session.ID, blockID)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	err = fx.engine.Responses.AddResponse(ctx, scInstance, domain.Response{Choices: []int{1}})
	if !apperrors.Is(err, apperrors.CodeInstanceClosed) {
		t.Fatalf("expected INSTANCE_CLOSED, got %v", err)
	}

	reloaded, err := fx.sessions.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("reload session: %v", err)
	}
	results := reloaded.Blocks[0].Instances[0].Results
	if results.Choices[0] != 1 || results.Choices[1] != 0 {
		t.Fatalf("late response must not alter counts, got %v", results.Choices)
	}
}

func TestTimedBlockSchedulesExpiry(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	session := fx.newStartedSession(t, "owner-1")

	session, err := fx.engine.Blocks.ActivateBlockByID(ctx, "owner-1", session.ID, session.Blocks[0].ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}

	job := fx.sched.lastJob(t)
	if !job.at.Equal(fx.clock.Now().Add(30 * time.Second)) {
		t.Fatalf("expected expiry 30s out, got %v", job.at)
	}
	if job.job.SessionID != session.ID || job.job.BlockID != session.Blocks[0].ID {
		t.Fatalf("unexpected job %+v", job.job)
	}

	// Fire the timer: the block auto-deactivates.
	job.fire(ctx, job.job)
	reloaded, err := fx.sessions.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Blocks[0].Status != domain.BlockStatusExecuted {
		t.Fatalf("expected auto-executed block, got %v", reloaded.Blocks[0].Status)
	}
	if reloaded.Blocks[0].Instances[0].Results == nil {
		t.Fatal("expected drained results on expiry")
	}
}

func TestStaleTimerIsNoop(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	session := fx.newStartedSession(t, "owner-1")
	blockID := session.Blocks[0].ID

	if _, err := fx.engine.Blocks.ActivateBlockByID(ctx, "owner-1", session.ID, blockID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	job := fx.sched.lastJob(t)

	// Manual deactivation one second in; it must cancel the pending job.
	fx.clock.Advance(time.Second)
	session, err := fx.engine.Blocks.DeactivateBlockByID(ctx, "owner-1", session.ID, blockID)
	if err != nil {
		t.Fatalf("manual deactivate: %v", err)
	}
	if !job.cancelled {
		t.Fatal("expected pending job cancelled by manual deactivation")
	}
	stepAfter := session.ActiveStep

	// Even if the timer fired anyway, the stale counters make it a no-op.
	job.fire(ctx, job.job)
	reloaded, err := fx.sessions.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.ActiveStep != stepAfter {
		t.Fatalf("stale timer mutated the session: step %d vs %d", reloaded.ActiveStep, stepAfter)
	}
}

func TestModifyQuestionBlockPlanned(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	session := fx.newStartedSession(t, "owner-1")

	session, err := fx.engine.Blocks.ModifyQuestionBlock(ctx, "owner-1", session.ID, session.Blocks[1].ID, 60)
	if err != nil {
		t.Fatalf("modify block: %v", err)
	}
	if session.Blocks[1].TimeLimit != 60 {
		t.Fatalf("expected time limit 60, got %d", session.Blocks[1].TimeLimit)
	}
}

func TestModifyQuestionBlockActiveReschedules(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	session := fx.newStartedSession(t, "owner-1")
	blockID := session.Blocks[0].ID

	if _, err := fx.engine.Blocks.ActivateBlockByID(ctx, "owner-1", session.ID, blockID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	activatedAt := fx.clock.Now()
	first := fx.sched.lastJob(t)

	fx.clock.Advance(5 * time.Second)
	session, err := fx.engine.Blocks.ModifyQuestionBlock(ctx, "owner-1", session.ID, blockID, 90)
	if err != nil {
		t.Fatalf("modify block: %v", err)
	}
	if !first.cancelled {
		t.Fatal("expected original expiry cancelled")
	}
	second := fx.sched.lastJob(t)
	if !second.at.Equal(activatedAt.Add(90 * time.Second)) {
		t.Fatalf("expected expiry anchored at activation time, got %v", second.at)
	}
	if session.Blocks[0].ExpiresAt == nil || !session.Blocks[0].ExpiresAt.Equal(second.at) {
		t.Fatalf("expected expiresAt updated, got %v", session.Blocks[0].ExpiresAt)
	}
}

func TestModifyQuestionBlockExecutedRejected(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	session := fx.newStartedSession(t, "owner-1")
	blockID := session.Blocks[0].ID

	if _, err := fx.engine.Blocks.ActivateBlockByID(ctx, "owner-1", session.ID, blockID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := fx.engine.Blocks.DeactivateBlockByID(ctx, "owner-1", session.ID, blockID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	_, err := fx.engine.Blocks.ModifyQuestionBlock(ctx, "owner-1", session.ID, blockID, 60)
	if !apperrors.Is(err, apperrors.CodeInvalidSessionAction) {
		t.Fatalf("expected INVALID_SESSION_ACTION, got %v", err)
	}
}

func TestBlockActionsRequireOwnership(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	session := fx.newStartedSession(t, "owner-1")

	_, err := fx.engine.Blocks.ActivateBlockByID(ctx, "intruder", session.ID, session.Blocks[0].ID)
	if !apperrors.Is(err, apperrors.CodeUnauthorized) {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}
}

func TestBlockActionsRequireRunningSession(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	session, err := fx.engine.Sessions.Create(ctx, domain.CreateSessionInput{
		OwnerID: "owner-1",
		Name:    "Lecture",
		Blocks: []domain.CreateBlockInput{
			{Questions: []domain.CreateQuestionInput{{QuestionID: "q1", Kind: domain.QuestionKindFreeText}}},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = fx.engine.Blocks.ActivateBlockByID(ctx, "owner-1", session.ID, session.Blocks[0].ID)
	if !apperrors.Is(err, apperrors.CodeSessionNotRunning) {
		t.Fatalf("expected SESSION_NOT_RUNNING, got %v", err)
	}
}

func TestRecoverReschedulesActiveTimedBlock(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	session := fx.newStartedSession(t, "owner-1")
	blockID := session.Blocks[0].ID
	scInstance := session.Blocks[0].Instances[0].ID

	if _, err := fx.engine.Blocks.ActivateBlockByID(ctx, "owner-1", session.ID, blockID); err != nil {
		t.Fatalf("activate: %v", err)
	}

	// Simulate a restart: fresh cache and scheduler, same storage.
	restarted := &engineFixture{
		sessions: fx.sessions,
		running:  fx.running,
		cache:    nil,
		sched:    &fakeScheduler{},
		pub:      &fakePublisher{},
		clock:    fx.clock,
	}
	restarted.cache = memory.New()
	restarted.engine = NewEngine(EngineConfig{
		Stores:    Stores{Sessions: restarted.sessions, Running: restarted.running},
		Cache:     restarted.cache,
		Scheduler: restarted.sched,
		Publisher: restarted.pub,
		Clock:     restarted.clock.Now,
	})

	if err := restarted.engine.Blocks.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	job := restarted.sched.lastJob(t)
	if job.job.BlockID != blockID {
		t.Fatalf("expected re-armed timer for %s, got %+v", blockID, job.job)
	}
	// The cache is live again: responses are accepted.
	if err := restarted.engine.Responses.AddResponse(ctx, scInstance, domain.Response{Choices: []int{0}}); err != nil {
		t.Fatalf("add response after recover: %v", err)
	}
}

func TestRecoverExpiresOverdueBlock(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	session := fx.newStartedSession(t, "owner-1")
	blockID := session.Blocks[0].ID

	if _, err := fx.engine.Blocks.ActivateBlockByID(ctx, "owner-1", session.ID, blockID); err != nil {
		t.Fatalf("activate: %v", err)
	}

	fx.clock.Advance(31 * time.Second)
	restarted := NewEngine(EngineConfig{
		Stores:    Stores{Sessions: fx.sessions, Running: fx.running},
		Cache:     memory.New(),
		Scheduler: &fakeScheduler{},
		Publisher: &fakePublisher{},
		Clock:     fx.clock.Now,
	})
	if err := restarted.Blocks.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	reloaded, err := fx.sessions.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Blocks[0].Status != domain.BlockStatusExecuted {
		t.Fatalf("expected overdue block executed on recover, got %v", reloaded.Blocks[0].Status)
	}
}

// faultyDrainCache fails Drain for one instance and delegates the rest.
type faultyDrainCache struct {
	cache.Store
	failID string
	err    error
}

func (c *faultyDrainCache) Drain(ctx context.Context, instanceID string) (domain.CacheSnapshot, error) {
	if instanceID == c.failID {
		return domain.CacheSnapshot{}, c.err
	}
	return c.Store.Drain(ctx, instanceID)
}

func TestDeactivateDrainsRemainingInstancesOnFailure(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	faulty := &faultyDrainCache{Store: fx.cache, err: errors.New("cache read timeout")}
	engine := NewEngine(EngineConfig{
		Stores:    Stores{Sessions: fx.sessions, Running: fx.running},
		Cache:     faulty,
		Scheduler: fx.sched,
		Publisher: fx.pub,
		Clock:     fx.clock.Now,
	})

	session, err := engine.Sessions.Create(ctx, domain.CreateSessionInput{
		OwnerID: "owner-1",
		Name:    "Lecture",
		Blocks: []domain.CreateBlockInput{
			{
				Questions: []domain.CreateQuestionInput{
					{QuestionID: "q1", Version: 1, Kind: domain.QuestionKindSingleChoice, ChoiceCount: 2},
					{QuestionID: "q2", Version: 1, Kind: domain.QuestionKindFreeText},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := engine.Sessions.Start(ctx, "owner-1", session.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	session, err = engine.Blocks.ActivateBlockByID(ctx, "owner-1", session.ID, session.Blocks[0].ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	faulty.failID = session.Blocks[0].Instances[0].ID
	freeInstance := session.Blocks[0].Instances[1].ID
	if err := engine.Responses.AddResponse(ctx, freeInstance, domain.Response{Text: "an answer"}); err != nil {
		t.Fatalf("add response: %v", err)
	}

	_, err = engine.Blocks.DeactivateBlockByID(ctx, "owner-1", session.ID, session.Blocks[0].ID)
	if !errors.Is(err, faulty.err) {
		t.Fatalf("expected drain failure surfaced, got %v", err)
	}

	// The free instance drained anyway and its counts reached storage.
	reloaded, err := fx.sessions.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	results := reloaded.Blocks[0].Instances[1].Results
	if results == nil || results.TotalParticipants != 1 {
		t.Fatalf("expected persisted drained results, got %+v", results)
	}
	if reloaded.Blocks[0].Status != domain.BlockStatusActive {
		t.Fatalf("expected block still active after failed deactivation, got %v", reloaded.Blocks[0].Status)
	}

	// A retry after the fault clears drains the failed instance and keeps
	// the already-drained counts.
	faulty.failID = ""
	if _, err := engine.Blocks.DeactivateBlockByID(ctx, "owner-1", session.ID, session.Blocks[0].ID); err != nil {
		t.Fatalf("retry deactivate: %v", err)
	}
	reloaded, err = fx.sessions.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Blocks[0].Status != domain.BlockStatusExecuted {
		t.Fatalf("expected executed block, got %v", reloaded.Blocks[0].Status)
	}
	results = reloaded.Blocks[0].Instances[1].Results
	if results == nil || results.TotalParticipants != 1 {
		t.Fatalf("expected retained results after retry, got %+v", results)
	}
}
