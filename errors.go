package stepflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error codes
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeFileRejected       = "FILE_REJECTED"
	ErrCodeExecutionFailed    = "EXECUTION_FAILED"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodePanic              = "PANIC"
	ErrCodeDuplicateReference = "DUPLICATE_REFERENCE"
	ErrCodeDuplicateOutcome   = "DUPLICATE_OUTCOME"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeFieldNotWritable   = "FIELD_NOT_WRITABLE"
	ErrCodeInternalError      = "INTERNAL_ERROR"
)

// Sentinel errors. Typed errors below unwrap to one of these.
var (
	ErrValidationFailed         = errors.New("validation failed")
	ErrFileRejected             = errors.New("file rejected")
	ErrStepExecutionFailed      = errors.New("step execution failed")
	ErrStepTimedOut             = errors.New("step timed out")
	ErrDuplicateReference       = errors.New("duplicate reference")
	ErrDuplicateOutcomeDetected = errors.New("possible duplicate outcome")
	ErrInvalidTransition        = errors.New("invalid transition")
	ErrNotFound                 = errors.New("not found")
	ErrFieldNotWritable         = errors.New("field not writable")
	ErrUnknownWorkflow          = errors.New("unknown workflow type")
	ErrSequenceExhausted        = errors.New("reference sequence exhausted")
)

// ValidationError lists the fields that block a transition
type ValidationError struct {
	Step    StepID    `json:"step"`
	Missing []FieldID `json:"missing,omitempty"`
	Invalid []FieldID `json:"invalid,omitempty"`
	// AnyOf is set when the step needs at least one of Missing rather than all
	AnyOf bool `json:"anyOf,omitempty"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		label := "missing"
		if e.AnyOf {
			label = "missing one of"
		}
		parts = append(parts, fmt.Sprintf("%s %s", label, joinFields(e.Missing)))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid "+joinFields(e.Invalid))
	}
	return fmt.Sprintf("[%s] step %s: %s", ErrCodeValidation, e.Step, strings.Join(parts, "; "))
}

// Unwrap allows errors.Is(err, ErrValidationFailed)
func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// Code returns the error code
func (e *ValidationError) Code() string {
	return ErrCodeValidation
}

// Fields returns missing and invalid field ids together
func (e *ValidationError) Fields() []FieldID {
	out := make([]FieldID, 0, len(e.Missing)+len(e.Invalid))
	out = append(out, e.Missing...)
	return append(out, e.Invalid...)
}

func joinFields(ids []FieldID) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = string(id)
	}
	return strings.Join(s, ", ")
}

// RejectReason explains why a file was refused
type RejectReason string

const (
	RejectExtension RejectReason = "extension"
	RejectSize      RejectReason = "size"
	RejectCount     RejectReason = "count"
)

// FileRejectedError is returned for files that fail the local attachment checks
type FileRejectedError struct {
	Name   string       `json:"name"`
	Reason RejectReason `json:"reason"`
	Detail string       `json:"detail,omitempty"`
}

// Error implements the error interface
func (e *FileRejectedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("[%s] %s rejected (%s): %s", ErrCodeFileRejected, e.Name, e.Reason, e.Detail)
	}
	return fmt.Sprintf("[%s] %s rejected (%s)", ErrCodeFileRejected, e.Name, e.Reason)
}

// Unwrap allows errors.Is(err, ErrFileRejected)
func (e *FileRejectedError) Unwrap() error {
	return ErrFileRejected
}

// Code returns the error code
func (e *FileRejectedError) Code() string {
	return ErrCodeFileRejected
}

// StepError represents a failed step run
type StepError struct {
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	Step      StepID    `json:"step"`
	RunID     string    `json:"runId"`
	Timestamp time.Time `json:"timestamp"`
	cause     error
}

// Error implements the error interface
func (e *StepError) Error() string {
	return fmt.Sprintf("[%s] %s (step: %s, run: %s)", e.Code, e.Message, e.Step, e.RunID)
}

// Unwrap exposes the sentinel for the code and the underlying cause
func (e *StepError) Unwrap() []error {
	sentinel := ErrStepExecutionFailed
	if e.Code == ErrCodeTimeout {
		sentinel = ErrStepTimedOut
	}
	if e.cause != nil {
		return []error{sentinel, e.cause}
	}
	return []error{sentinel}
}

// NewStepError creates a new step error
func NewStepError(code, message string, step StepID, runID string) *StepError {
	return &StepError{
		Message:   message,
		Code:      code,
		Step:      step,
		RunID:     runID,
		Timestamp: time.Now(),
	}
}

// WithCause attaches the underlying error
func (e *StepError) WithCause(err error) *StepError {
	e.cause = err
	return e
}

// ToStepError converts an action error into a StepError
func ToStepError(err error, step StepID, runID string) *StepError {
	if err == nil {
		return nil
	}

	var se *StepError
	if errors.As(err, &se) {
		return se
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewStepError(ErrCodeTimeout, "step execution timed out", step, runID).WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return NewStepError(ErrCodeCancelled, "step run cancelled", step, runID).WithCause(err)
	}

	return NewStepError(ErrCodeExecutionFailed, err.Error(), step, runID).WithCause(err)
}

// FieldWriteError is returned when a client writes a field no step declares
// or one that only an action may set
type FieldWriteError struct {
	Field FieldID `json:"field"`
	// Step owns the field when ReadOnly is set
	Step     StepID `json:"step,omitempty"`
	ReadOnly bool   `json:"readOnly,omitempty"`
}

// Error implements the error interface
func (e *FieldWriteError) Error() string {
	if e.ReadOnly {
		return fmt.Sprintf("[%s] field %s is written by step %s", ErrCodeFieldNotWritable, e.Field, e.Step)
	}
	return fmt.Sprintf("[%s] field %s is not declared", ErrCodeFieldNotWritable, e.Field)
}

// Unwrap allows errors.Is(err, ErrFieldNotWritable)
func (e *FieldWriteError) Unwrap() error {
	return ErrFieldNotWritable
}

// Code returns the error code
func (e *FieldWriteError) Code() string {
	return ErrCodeFieldNotWritable
}

// DuplicateOutcomeError is the branch point offered when a submission
// resembles an existing outcome. It is not a failure: the caller either
// resubmits as a supplement to Existing or cancels.
type DuplicateOutcomeError struct {
	Existing *Outcome
}

// Error implements the error interface
func (e *DuplicateOutcomeError) Error() string {
	return fmt.Sprintf("[%s] submission matches existing outcome %s", ErrCodeDuplicateOutcome, e.Existing.ReferenceID)
}

// Unwrap allows errors.Is(err, ErrDuplicateOutcomeDetected)
func (e *DuplicateOutcomeError) Unwrap() error {
	return ErrDuplicateOutcomeDetected
}

// ErrorCode maps any error produced by this module to its code
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var se *StepError
	if errors.As(err, &se) {
		return se.Code
	}
	switch {
	case errors.Is(err, ErrValidationFailed):
		return ErrCodeValidation
	case errors.Is(err, ErrFileRejected):
		return ErrCodeFileRejected
	case errors.Is(err, ErrFieldNotWritable):
		return ErrCodeFieldNotWritable
	case errors.Is(err, ErrStepTimedOut):
		return ErrCodeTimeout
	case errors.Is(err, ErrStepExecutionFailed):
		return ErrCodeExecutionFailed
	case errors.Is(err, ErrDuplicateReference):
		return ErrCodeDuplicateReference
	case errors.Is(err, ErrDuplicateOutcomeDetected):
		return ErrCodeDuplicateOutcome
	case errors.Is(err, ErrInvalidTransition):
		return ErrCodeInvalidTransition
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnknownWorkflow):
		return ErrCodeNotFound
	}
	return ErrCodeInternalError
}

// IsTimeoutError checks if an error is a step timeout
func IsTimeoutError(err error) bool {
	return errors.Is(err, ErrStepTimedOut) || errors.Is(err, context.DeadlineExceeded)
}
