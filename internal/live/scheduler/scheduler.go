// Package scheduler runs callbacks at absolute times, used for the
// auto-expiry of time-limited question blocks.
package scheduler

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Job is the immutable context snapshot captured when an expiry is
// scheduled. The firing callback re-validates ActiveStep and Execution
// against the session's current values before acting; a mismatch means the
// block was already deactivated manually or the session was reset, and the
// callback must be a no-op.
type Job struct {
	SessionID      string
	BlockID        string
	ActiveStep     int
	SessionExec    int
	BlockExecution int
}

// Scheduler schedules a callback at an absolute time and supports
// cancellation by handle. Jobs survive only for the process lifetime.
type Scheduler interface {
	Schedule(at time.Time, job Job, fire func(context.Context, Job)) string
	Cancel(handle string)
}

// TimerScheduler implements Scheduler with in-process timers. Fired
// callbacks run on their own goroutine; Stop cancels pending jobs and waits
// for in-flight callbacks.
type TimerScheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	clock  func() time.Time

	mu     sync.Mutex
	next   int
	timers map[string]*time.Timer
	wg     sync.WaitGroup
}

// NewTimerScheduler creates a running scheduler. A nil clock uses time.Now.
func NewTimerScheduler(clock func() time.Time) *TimerScheduler {
	if clock == nil {
		clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TimerScheduler{
		ctx:    ctx,
		cancel: cancel,
		clock:  clock,
		timers: make(map[string]*time.Timer),
	}
}

// Schedule registers fire to run at the given absolute time and returns a
// cancellation handle. Times in the past fire immediately.
func (s *TimerScheduler) Schedule(at time.Time, job Job, fire func(context.Context, Job)) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return ""
	}

	s.next++
	handle := job.SessionID + "/" + job.BlockID + "#" + strconv.Itoa(s.next)

	delay := at.Sub(s.clock())
	if delay < 0 {
		delay = 0
	}

	s.wg.Add(1)
	timer := time.AfterFunc(delay, func() {
		defer s.wg.Done()

		s.mu.Lock()
		_, pending := s.timers[handle]
		delete(s.timers, handle)
		s.mu.Unlock()
		if !pending || s.ctx.Err() != nil {
			return
		}
		fire(s.ctx, job)
	})
	s.timers[handle] = timer
	return handle
}

// Cancel stops the pending job for the handle. Canceling an unknown or
// already-fired handle is a no-op.
func (s *TimerScheduler) Cancel(handle string) {
	s.mu.Lock()
	timer, ok := s.timers[handle]
	if ok {
		delete(s.timers, handle)
	}
	s.mu.Unlock()
	if ok && timer.Stop() {
		s.wg.Done()
	}
}

// Stop cancels all pending jobs and waits for in-flight callbacks to return.
func (s *TimerScheduler) Stop() {
	s.cancel()
	s.mu.Lock()
	for handle, timer := range s.timers {
		delete(s.timers, handle)
		if timer.Stop() {
			s.wg.Done()
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

var _ Scheduler = (*TimerScheduler)(nil)
