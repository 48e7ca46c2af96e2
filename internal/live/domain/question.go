package domain

import (
	apperrors "github.com/uzh-bf/klicker-live/internal/platform/errors"
)

// QuestionKind describes the closed set of supported question types.
type QuestionKind int

const (
	// QuestionKindUnspecified represents an invalid question kind value.
	QuestionKindUnspecified QuestionKind = iota
	// QuestionKindSingleChoice is a single-choice question.
	QuestionKindSingleChoice
	// QuestionKindMultipleChoice is a multiple-choice question.
	QuestionKindMultipleChoice
	// QuestionKindFreeText is a free-text question.
	QuestionKindFreeText
	// QuestionKindFreeRange is a numeric question, optionally bounded.
	QuestionKindFreeRange
)

// ErrInvalidQuestionKind indicates a question kind outside the closed set.
var ErrInvalidQuestionKind = apperrors.New(apperrors.CodeQuestionKindInvalid, "question kind is invalid")

// String returns the canonical wire name of the kind.
func (k QuestionKind) String() string {
	switch k {
	case QuestionKindSingleChoice:
		return "SC"
	case QuestionKindMultipleChoice:
		return "MC"
	case QuestionKindFreeText:
		return "FREE"
	case QuestionKindFreeRange:
		return "FREE_RANGE"
	default:
		return "UNSPECIFIED"
	}
}

// ParseQuestionKind maps a canonical wire name back to a kind.
func ParseQuestionKind(value string) (QuestionKind, error) {
	switch value {
	case "SC":
		return QuestionKindSingleChoice, nil
	case "MC":
		return QuestionKindMultipleChoice, nil
	case "FREE":
		return QuestionKindFreeText, nil
	case "FREE_RANGE":
		return QuestionKindFreeRange, nil
	default:
		return QuestionKindUnspecified, ErrInvalidQuestionKind
	}
}

// IsChoice reports whether responses select from a fixed choice list.
func (k QuestionKind) IsChoice() bool {
	return k == QuestionKindSingleChoice || k == QuestionKindMultipleChoice
}

// IsFree reports whether responses carry free-form content.
func (k QuestionKind) IsFree() bool {
	return k == QuestionKindFreeText || k == QuestionKindFreeRange
}
