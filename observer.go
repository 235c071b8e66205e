package stepflow

import "time"

// Observer receives counters from the executor, stager and submitter.
// Implementations must be safe for concurrent use.
type Observer interface {
	RunStarted(typ WorkflowType, step StepID)
	RunFinished(typ WorkflowType, step StepID, status string, duration time.Duration)
	FileRejected(typ WorkflowType, reason RejectReason)
	OutcomeAppended(typ WorkflowType)
	DuplicateDetected(typ WorkflowType)
}

// NopObserver discards everything
type NopObserver struct{}

func (NopObserver) RunStarted(WorkflowType, StepID) {}
func (NopObserver) RunFinished(WorkflowType, StepID, string, time.Duration) {}
func (NopObserver) FileRejected(WorkflowType, RejectReason) {}
func (NopObserver) OutcomeAppended(WorkflowType) {}
func (NopObserver) DuplicateDetected(WorkflowType) {}
