package types

import "fmt"

// ErrorCode represents a unified error code across the framework.
type ErrorCode string

// Pre-run configuration error codes. These are raised before any step
// executes and always reject the run before it starts.
const (
	ErrGraphValidation      ErrorCode = "GRAPH_VALIDATION"
	ErrDuplicateParticipant ErrorCode = "DUPLICATE_PARTICIPANT"
	ErrParticipantFilter    ErrorCode = "PARTICIPANT_FILTER"
	ErrInvalidConfig        ErrorCode = "INVALID_CONFIG"
)

// Mid-run error codes.
const (
	ErrDuplicateArtifact   ErrorCode = "DUPLICATE_ARTIFACT"
	ErrReferenceResolution ErrorCode = "REFERENCE_RESOLUTION"
	ErrPrivacyViolation    ErrorCode = "PRIVACY_VIOLATION"
	ErrBackendExecution    ErrorCode = "BACKEND_EXECUTION"
	ErrCheckpoint          ErrorCode = "CHECKPOINT"
	ErrRunAborted          ErrorCode = "RUN_ABORTED"
)

// Error represents a structured error with code, message, and execution
// context. Round, Step, and Participant locate a mid-run failure; they are
// zero-valued for pre-run errors.
type Error struct {
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	Round       int       `json:"round"`
	Step        string    `json:"step,omitempty"`
	Participant string    `json:"participant,omitempty"`
	Retryable   bool      `json:"retryable"`
	Cause       error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Step != "" {
		msg += fmt.Sprintf(" (round=%d step=%s", e.Round, e.Step)
		if e.Participant != "" {
			msg += " participant=" + e.Participant
		}
		msg += ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRound sets the round in which the error occurred.
func (e *Error) WithRound(round int) *Error {
	e.Round = round
	return e
}

// WithStep sets the step in which the error occurred.
func (e *Error) WithStep(step string) *Error {
	e.Step = step
	return e
}

// WithParticipant sets the participant on whose behalf the error occurred.
func (e *Error) WithParticipant(id ParticipantID) *Error {
	e.Participant = string(id)
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
