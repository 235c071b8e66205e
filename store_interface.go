package stepflow

import (
	"context"
	"iter"
	"time"
)

// OutcomeStore defines the persistence interface for submitted outcomes.
// Outcomes are append-only; only their review status changes afterwards.
type OutcomeStore interface {
	// Append persists a new outcome. A reused reference fails with
	// ErrDuplicateReference and leaves the existing record untouched.
	Append(ctx context.Context, outcome *Outcome) error
	Get(ctx context.Context, reference string) (*Outcome, error)

	// List yields outcomes most recent first. The sequence is lazy and can be
	// ranged over more than once; each pass queries the store again.
	List(ctx context.Context, filter OutcomeFilter) iter.Seq2[*Outcome, error]

	// UpdateStatus is reserved for reviewer tooling; the engine never calls it.
	UpdateStatus(ctx context.Context, reference string, status OutcomeStatus) error
}

// OutcomeFilter defines filtering criteria for List
type OutcomeFilter struct {
	WorkflowType WorkflowType
	Status       OutcomeStatus
	Since        time.Time
	Limit        int
}

// Matches reports whether o passes every set criterion except Limit
func (f OutcomeFilter) Matches(o *Outcome) bool {
	if f.WorkflowType != "" && o.WorkflowType != f.WorkflowType {
		return false
	}
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && o.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}
