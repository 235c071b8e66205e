package stepflow

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// StepContext provides rich context to step actions
type StepContext struct {
	context.Context

	// Execution metadata
	RunID        string
	StepID       StepID
	InstanceID   string
	WorkflowType WorkflowType

	// Logger (enriched with run context)
	Logger zerolog.Logger

	// Fields and attachments as they were when the run started
	View View

	report func(percent int)
}

// NewStepContext builds the context passed to an action. report receives
// progress percentages; it may be nil.
func NewStepContext(ctx context.Context, runID string, snap Snapshot, step StepID, logger zerolog.Logger, report func(int)) *StepContext {
	return &StepContext{
		Context:      ctx,
		RunID:        runID,
		StepID:       step,
		InstanceID:   snap.InstanceID,
		WorkflowType: snap.WorkflowType,
		Logger:       logger,
		View: View{
			Fields:      snap.Fields,
			Attachments: snap.Attachments,
		},
		report: report,
	}
}

// Report publishes progress for the current run. Values are clamped to
// 0..100 and regressions are ignored by the executor.
func (c *StepContext) Report(percent int) {
	if c.report != nil {
		c.report(percent)
	}
}

// GetField retrieves a typed field value from the run's view
func GetField[T any](ctx *StepContext, id FieldID) (T, error) {
	var zero T
	raw, ok := ctx.View.Fields[id]
	if !ok {
		return zero, fmt.Errorf("field %s not set: %w", id, ErrNotFound)
	}
	val, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("field %s is %T, not %T", id, raw, zero)
	}
	return val, nil
}
