package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/uzh-bf/klicker-live/internal/id"
	apperrors "github.com/uzh-bf/klicker-live/internal/platform/errors"
)

// SessionStatus describes the lifecycle state of a session.
type SessionStatus int

const (
	// SessionStatusUnspecified represents an invalid session status value.
	SessionStatusUnspecified SessionStatus = iota
	// SessionStatusCreated indicates the session has not been started yet.
	SessionStatusCreated
	// SessionStatusRunning indicates the session is live.
	SessionStatusRunning
	// SessionStatusPaused indicates the session is suspended and resumable.
	SessionStatusPaused
	// SessionStatusCompleted indicates the session has ended.
	SessionStatusCompleted
)

// String returns the canonical wire name of the status.
func (s SessionStatus) String() string {
	switch s {
	case SessionStatusCreated:
		return "CREATED"
	case SessionStatusRunning:
		return "RUNNING"
	case SessionStatusPaused:
		return "PAUSED"
	case SessionStatusCompleted:
		return "COMPLETED"
	default:
		return "UNSPECIFIED"
	}
}

// ParseSessionStatus maps a canonical wire name back to a status.
func ParseSessionStatus(value string) (SessionStatus, error) {
	switch value {
	case "CREATED":
		return SessionStatusCreated, nil
	case "RUNNING":
		return SessionStatusRunning, nil
	case "PAUSED":
		return SessionStatusPaused, nil
	case "COMPLETED":
		return SessionStatusCompleted, nil
	default:
		return SessionStatusUnspecified, fmt.Errorf("invalid session status %q", value)
	}
}

var (
	// ErrEmptyName indicates a missing session name.
	ErrEmptyName = apperrors.New(apperrors.CodeSessionNameEmpty, "session name is required")
	// ErrNoBlocks indicates a session without any non-empty question block.
	ErrNoBlocks = apperrors.New(apperrors.CodeSessionBlocksEmpty, "at least one non-empty question block is required")
)

// Settings holds the per-session channel toggles.
type Settings struct {
	IsConfusionBarometerActive bool
	IsFeedbackChannelActive    bool
	IsFeedbackChannelPublic    bool
	IsEvaluationPublic         bool
}

// SettingsUpdate carries a partial settings change; nil fields keep the
// current value.
type SettingsUpdate struct {
	IsConfusionBarometerActive *bool
	IsFeedbackChannelActive    *bool
	IsFeedbackChannelPublic    *bool
	IsEvaluationPublic         *bool
}

// Merge applies the update on top of the current settings. The feedback
// channel public flag is forced off whenever the channel itself is
// deactivated; a channel cannot be public while disabled.
func (s Settings) Merge(update SettingsUpdate) Settings {
	if update.IsConfusionBarometerActive != nil {
		s.IsConfusionBarometerActive = *update.IsConfusionBarometerActive
	}
	if update.IsFeedbackChannelActive != nil {
		s.IsFeedbackChannelActive = *update.IsFeedbackChannelActive
	}
	if update.IsFeedbackChannelPublic != nil {
		s.IsFeedbackChannelPublic = *update.IsFeedbackChannelPublic
	}
	if update.IsEvaluationPublic != nil {
		s.IsEvaluationPublic = *update.IsEvaluationPublic
	}
	if !s.IsFeedbackChannelActive {
		s.IsFeedbackChannelPublic = false
	}
	return s
}

// Session is one instructor-run execution of an ordered list of question
// blocks. It is the single owner-mutated aggregate of the engine.
type Session struct {
	ID      string
	OwnerID string
	Name    string
	Status  SessionStatus

	ActiveBlock int // index into Blocks, -1 when no block is active
	ActiveStep  int // bumped on every activate and every deactivate
	Execution   int // bumped on cancel/reset, invalidates stale timers

	Blocks      []QuestionBlock
	ConfusionTS []ConfusionTimeStep
	Feedbacks   []Feedback
	Settings    Settings

	StartedAt  *time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CreateSessionInput describes the data needed to create a session.
type CreateSessionInput struct {
	OwnerID string
	Name    string
	Blocks  []CreateBlockInput
}

// CreateBlockInput describes one question block at session creation.
type CreateBlockInput struct {
	TimeLimit int // seconds, -1 or 0 means unlimited
	Questions []CreateQuestionInput
}

// CreateQuestionInput references one question version to instantiate.
type CreateQuestionInput struct {
	QuestionID  string
	Version     int
	Kind        QuestionKind
	ChoiceCount int
	Min         *float64
	Max         *float64
}

// CreateSession builds a new session aggregate with generated ids. Blocks
// without questions are skipped; at least one non-empty block must remain.
func CreateSession(input CreateSessionInput, now func() time.Time, idGenerator func() (string, error)) (Session, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeCreateSessionInput(input)
	if err != nil {
		return Session{}, err
	}

	sessionID, err := idGenerator()
	if err != nil {
		return Session{}, fmt.Errorf("generate session id: %w", err)
	}

	blocks, err := buildBlocks(normalized.Blocks, idGenerator)
	if err != nil {
		return Session{}, err
	}

	createdAt := now().UTC()
	return Session{
		ID:          sessionID,
		OwnerID:     normalized.OwnerID,
		Name:        normalized.Name,
		Status:      SessionStatusCreated,
		ActiveBlock: -1,
		Blocks:      blocks,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}, nil
}

// NormalizeCreateSessionInput trims and validates session input metadata.
func NormalizeCreateSessionInput(input CreateSessionInput) (CreateSessionInput, error) {
	input.OwnerID = strings.TrimSpace(input.OwnerID)
	if input.OwnerID == "" {
		return CreateSessionInput{}, apperrors.New(apperrors.CodeUnauthorized, "owner id is required")
	}
	input.Name = strings.TrimSpace(input.Name)
	if input.Name == "" {
		return CreateSessionInput{}, ErrEmptyName
	}

	kept := make([]CreateBlockInput, 0, len(input.Blocks))
	for _, block := range input.Blocks {
		if len(block.Questions) == 0 {
			continue
		}
		if block.TimeLimit <= 0 {
			block.TimeLimit = UnlimitedTime
		}
		for _, question := range block.Questions {
			if err := validateQuestionInput(question); err != nil {
				return CreateSessionInput{}, err
			}
		}
		kept = append(kept, block)
	}
	if len(kept) == 0 {
		return CreateSessionInput{}, ErrNoBlocks
	}
	input.Blocks = kept
	return input, nil
}

func validateQuestionInput(question CreateQuestionInput) error {
	if strings.TrimSpace(question.QuestionID) == "" {
		return apperrors.New(apperrors.CodeResponseInvalid, "question id is required")
	}
	switch {
	case question.Kind.IsChoice():
		if question.ChoiceCount < 1 {
			return apperrors.New(apperrors.CodeQuestionKindInvalid, "choice questions need at least one choice")
		}
	case question.Kind == QuestionKindFreeRange:
		if question.Min != nil && question.Max != nil && *question.Min >= *question.Max {
			return apperrors.New(apperrors.CodeQuestionKindInvalid, "free range min must be below max")
		}
	case question.Kind == QuestionKindFreeText:
	default:
		return ErrInvalidQuestionKind
	}
	return nil
}

func buildBlocks(inputs []CreateBlockInput, idGenerator func() (string, error)) ([]QuestionBlock, error) {
	blocks := make([]QuestionBlock, 0, len(inputs))
	for _, input := range inputs {
		blockID, err := idGenerator()
		if err != nil {
			return nil, fmt.Errorf("generate block id: %w", err)
		}
		instances := make([]QuestionInstance, 0, len(input.Questions))
		for _, question := range input.Questions {
			instanceID, err := idGenerator()
			if err != nil {
				return nil, fmt.Errorf("generate instance id: %w", err)
			}
			instances = append(instances, QuestionInstance{
				ID:          instanceID,
				QuestionID:  question.QuestionID,
				Version:     question.Version,
				Kind:        question.Kind,
				ChoiceCount: question.ChoiceCount,
				Min:         question.Min,
				Max:         question.Max,
			})
		}
		blocks = append(blocks, QuestionBlock{
			ID:        blockID,
			Status:    BlockStatusPlanned,
			TimeLimit: input.TimeLimit,
			Instances: instances,
		})
	}
	return blocks, nil
}

// ReplaceBlocks swaps the session's block set wholesale, used when a
// CREATED session is modified before its first start. Old instances are
// discarded with their ids.
func (s *Session) ReplaceBlocks(inputs []CreateBlockInput, now time.Time, idGenerator func() (string, error)) error {
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	kept := make([]CreateBlockInput, 0, len(inputs))
	for _, block := range inputs {
		if len(block.Questions) == 0 {
			continue
		}
		if block.TimeLimit <= 0 {
			block.TimeLimit = UnlimitedTime
		}
		for _, question := range block.Questions {
			if err := validateQuestionInput(question); err != nil {
				return err
			}
		}
		kept = append(kept, block)
	}
	if len(kept) == 0 {
		return ErrNoBlocks
	}

	blocks, err := buildBlocks(kept, idGenerator)
	if err != nil {
		return err
	}
	s.Blocks = blocks
	s.UpdatedAt = now.UTC()
	return nil
}

// BlockIndex returns the position of the block with the given id.
func (s *Session) BlockIndex(blockID string) (int, bool) {
	for i := range s.Blocks {
		if s.Blocks[i].ID == blockID {
			return i, true
		}
	}
	return -1, false
}

// InstanceIndex returns the block and instance positions for an instance id.
func (s *Session) InstanceIndex(instanceID string) (blockIdx, instanceIdx int, ok bool) {
	for i := range s.Blocks {
		for j := range s.Blocks[i].Instances {
			if s.Blocks[i].Instances[j].ID == instanceID {
				return i, j, true
			}
		}
	}
	return -1, -1, false
}

// ActiveBlockRef returns the currently active block, if any.
func (s *Session) ActiveBlockRef() (*QuestionBlock, bool) {
	if s.ActiveBlock < 0 || s.ActiveBlock >= len(s.Blocks) {
		return nil, false
	}
	block := &s.Blocks[s.ActiveBlock]
	if block.Status != BlockStatusActive {
		return nil, false
	}
	return block, true
}

// Reset returns the session to the CREATED state: all blocks planned with a
// bumped execution counter, instances closed with cleared responses and
// results, channel history wiped, and the session execution counter bumped
// so stale scheduled callbacks recognize they target an obsolete run.
func (s *Session) Reset(now time.Time) {
	for i := range s.Blocks {
		s.Blocks[i].Reset()
	}
	s.Status = SessionStatusCreated
	s.ActiveBlock = -1
	s.ActiveStep = 0
	s.Execution++
	s.ConfusionTS = nil
	s.Feedbacks = nil
	s.Settings.IsConfusionBarometerActive = false
	s.Settings.IsFeedbackChannelActive = false
	s.Settings.IsFeedbackChannelPublic = false
	s.StartedAt = nil
	s.FinishedAt = nil
	s.UpdatedAt = now.UTC()
}
