package domain

import (
	"fmt"
	"time"
)

// UnlimitedTime marks a block without a time limit.
const UnlimitedTime = -1

// BlockStatus describes the lifecycle state of a question block.
type BlockStatus int

const (
	// BlockStatusUnspecified represents an invalid block status value.
	BlockStatusUnspecified BlockStatus = iota
	// BlockStatusPlanned indicates the block has not run yet.
	BlockStatusPlanned
	// BlockStatusActive indicates the block is currently collecting responses.
	BlockStatusActive
	// BlockStatusExecuted indicates the block has run and is closed.
	BlockStatusExecuted
)

// String returns the canonical wire name of the status.
func (s BlockStatus) String() string {
	switch s {
	case BlockStatusPlanned:
		return "PLANNED"
	case BlockStatusActive:
		return "ACTIVE"
	case BlockStatusExecuted:
		return "EXECUTED"
	default:
		return "UNSPECIFIED"
	}
}

// ParseBlockStatus maps a canonical wire name back to a status.
func ParseBlockStatus(value string) (BlockStatus, error) {
	switch value {
	case "PLANNED":
		return BlockStatusPlanned, nil
	case "ACTIVE":
		return BlockStatusActive, nil
	case "EXECUTED":
		return BlockStatusExecuted, nil
	default:
		return BlockStatusUnspecified, fmt.Errorf("invalid block status %q", value)
	}
}

// QuestionBlock is an ordered group of question instances that activate and
// deactivate together.
type QuestionBlock struct {
	ID          string
	Status      BlockStatus
	TimeLimit   int        // seconds, UnlimitedTime when the block never expires
	ExpiresAt   *time.Time // set only while active with a time limit
	ActivatedAt *time.Time // set on activation, used for the minimum open interval
	Execution   int        // bumped on reset so stale timers can detect obsolete runs
	Instances   []QuestionInstance
}

// Timed reports whether the block auto-expires.
func (b *QuestionBlock) Timed() bool {
	return b.TimeLimit > 0
}

// Activate opens the block and all its instances at the given time. The
// caller advances the session's ActiveBlock/ActiveStep counters.
func (b *QuestionBlock) Activate(now time.Time) {
	now = now.UTC()
	b.Status = BlockStatusActive
	b.ActivatedAt = &now
	if b.Timed() {
		expires := now.Add(time.Duration(b.TimeLimit) * time.Second)
		b.ExpiresAt = &expires
	}
	for i := range b.Instances {
		b.Instances[i].IsOpen = true
	}
}

// Deactivate closes the block and all its instances. Drained results are
// persisted by the caller before the flush.
func (b *QuestionBlock) Deactivate() {
	b.Status = BlockStatusExecuted
	b.ExpiresAt = nil
	for i := range b.Instances {
		b.Instances[i].IsOpen = false
	}
}

// Suspend closes the block's gates without executing it, keeping it eligible
// for re-activation on resume.
func (b *QuestionBlock) Suspend() {
	b.Status = BlockStatusPlanned
	for i := range b.Instances {
		b.Instances[i].IsOpen = false
	}
}

// Reopen restores a suspended block to ACTIVE without resetting its clock.
// ActivatedAt and ExpiresAt keep the values from the original activation.
func (b *QuestionBlock) Reopen() {
	b.Status = BlockStatusActive
	for i := range b.Instances {
		b.Instances[i].IsOpen = true
	}
}

// Reset returns the block to PLANNED with a bumped execution counter and
// wipes all collected instance state.
func (b *QuestionBlock) Reset() {
	b.Status = BlockStatusPlanned
	b.ExpiresAt = nil
	b.ActivatedAt = nil
	b.Execution++
	for i := range b.Instances {
		b.Instances[i].IsOpen = false
		b.Instances[i].Responses = nil
		b.Instances[i].Results = nil
	}
}
