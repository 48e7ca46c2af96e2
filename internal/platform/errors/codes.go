// Package errors provides structured error handling for the live engine.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeUnauthorized indicates the caller does not own the target entity.
	CodeUnauthorized Code = "UNAUTHORIZED"

	// Session lifecycle errors
	CodeSessionNotStarted       Code = "SESSION_NOT_STARTED"
	CodeSessionNotRunning       Code = "SESSION_NOT_RUNNING"
	CodeSessionAlreadyStarted   Code = "SESSION_ALREADY_STARTED"
	CodeSessionAlreadyCompleted Code = "SESSION_ALREADY_COMPLETED"
	CodeRunningAnotherSession   Code = "RUNNING_ANOTHER_SESSION"
	CodeInvalidSessionAction    Code = "INVALID_SESSION_ACTION"

	// Channel errors
	CodeFeedbacksDeactivated Code = "SESSION_FEEDBACKS_DEACTIVATED"
	CodeConfusionDeactivated Code = "SESSION_CONFUSION_DEACTIVATED"

	// Response errors
	CodeInstanceClosed        Code = "INSTANCE_CLOSED"
	CodeResponseInvalid       Code = "RESPONSE_INVALID"
	CodeResponseOutOfRange    Code = "RESPONSE_OUT_OF_RANGE"
	CodeChoiceIndexOutOfRange Code = "CHOICE_INDEX_OUT_OF_RANGE"

	// Validation errors
	CodeSessionNameEmpty    Code = "SESSION_NAME_EMPTY"
	CodeSessionBlocksEmpty  Code = "SESSION_BLOCKS_EMPTY"
	CodeQuestionKindInvalid Code = "QUESTION_KIND_INVALID"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// GRPCCode maps a domain code to the matching gRPC status code.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeUnauthorized:
		return codes.PermissionDenied
	case CodeSessionNotStarted,
		CodeSessionNotRunning,
		CodeSessionAlreadyStarted,
		CodeSessionAlreadyCompleted,
		CodeRunningAnotherSession,
		CodeInvalidSessionAction,
		CodeFeedbacksDeactivated,
		CodeConfusionDeactivated,
		CodeInstanceClosed:
		return codes.FailedPrecondition
	case CodeResponseInvalid,
		CodeResponseOutOfRange,
		CodeChoiceIndexOutOfRange,
		CodeSessionNameEmpty,
		CodeSessionBlocksEmpty,
		CodeQuestionKindInvalid:
		return codes.InvalidArgument
	case CodeNotFound:
		return codes.NotFound
	default:
		return codes.Internal
	}
}
