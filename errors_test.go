package stepflow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"validation", &ValidationError{Step: "a", Missing: []FieldID{"x"}}, ErrCodeValidation},
		{"file", &FileRejectedError{Name: "a.exe", Reason: RejectExtension}, ErrCodeFileRejected},
		{"duplicate outcome", &DuplicateOutcomeError{Existing: &Outcome{ReferenceID: "#SF-2026-00001"}}, ErrCodeDuplicateOutcome},
		{"wrapped reference", fmt.Errorf("append: %w", ErrDuplicateReference), ErrCodeDuplicateReference},
		{"unknown workflow", ErrUnknownWorkflow, ErrCodeNotFound},
		{"read-only field", &FieldWriteError{Field: "bankRequired", Step: "code", ReadOnly: true}, ErrCodeFieldNotWritable},
		{"timeout", ToStepError(context.DeadlineExceeded, "a", "r"), ErrCodeTimeout},
		{"other", errors.New("boom"), ErrCodeInternalError},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCode(tt.err))
		})
	}
}

func TestStepError_Unwrap(t *testing.T) {
	cause := errors.New("provider down")
	err := ToStepError(cause, "kyc", "run-1")

	assert.ErrorIs(t, err, ErrStepExecutionFailed)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrStepTimedOut)

	timeout := ToStepError(fmt.Errorf("wait: %w", context.DeadlineExceeded), "kyc", "run-2")
	assert.ErrorIs(t, timeout, ErrStepTimedOut)
	assert.True(t, IsTimeoutError(timeout))

	assert.Same(t, err, ToStepError(err, "other", "run-3"))
	assert.Nil(t, ToStepError(nil, "kyc", "run-4"))
}

func TestValidationError_Message(t *testing.T) {
	err := &ValidationError{Step: "identify", Missing: []FieldID{"a", "b"}, AnyOf: true}
	assert.Contains(t, err.Error(), "missing one of a, b")
	assert.ErrorIs(t, err, ErrValidationFailed)
}
