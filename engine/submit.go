package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/store"
)

// maxReferenceAttempts bounds retries when the sequencer hands out a
// reference that is already taken
const maxReferenceAttempts = 3

// SubmitOptions controls one submission
type SubmitOptions struct {
	// SupplementOf appends the outcome as a supplement to an existing one.
	// The duplicate check is skipped and the original is left untouched.
	SupplementOf string
	// SkipDuplicateCheck submits even if a similar outcome exists
	SkipDuplicateCheck bool
}

// Submitter turns finished instances into persisted outcomes
type Submitter struct {
	store    stepflow.OutcomeStore
	refs     *stepflow.ReferenceGenerator
	policy   store.DuplicatePolicy
	logger   zerolog.Logger
	observer stepflow.Observer
	now      func() time.Time
}

// SubmitterOption configures the submitter
type SubmitterOption func(*Submitter)

// WithSubmitLogger sets a custom logger
func WithSubmitLogger(logger zerolog.Logger) SubmitterOption {
	return func(s *Submitter) {
		s.logger = logger
	}
}

// WithDuplicatePolicy replaces the default contact match policy. A nil
// policy disables the duplicate check.
func WithDuplicatePolicy(p store.DuplicatePolicy) SubmitterOption {
	return func(s *Submitter) {
		s.policy = p
	}
}

// WithSubmitObserver receives outcome counters
func WithSubmitObserver(o stepflow.Observer) SubmitterOption {
	return func(s *Submitter) {
		s.observer = o
	}
}

// WithSubmitClock overrides the clock
func WithSubmitClock(now func() time.Time) SubmitterOption {
	return func(s *Submitter) {
		s.now = now
	}
}

// NewSubmitter creates a submitter
func NewSubmitter(outcomes stepflow.OutcomeStore, seq stepflow.Sequencer, opts ...SubmitterOption) *Submitter {
	s := &Submitter{
		store:    outcomes,
		policy:   store.NewContactMatchPolicy(store.DefaultDuplicateWindow),
		logger:   defaultLogger(),
		observer: stepflow.NopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.refs = stepflow.NewReferenceGenerator(seq).WithClock(s.now)
	return s
}

// Submit persists the instance's fields as a new outcome. The instance must
// be on its terminal step with the step's predicate satisfied, and every
// earlier step that is not skipped must be completed. The instance is
// claimed for the whole call: a concurrent Submit, field write, transition
// or run on it fails with ErrInvalidTransition.
//
// A possible duplicate is returned as *stepflow.DuplicateOutcomeError. It is
// a branch, not a failure: resubmit with SupplementOf set to the existing
// reference, or with SkipDuplicateCheck, or abandon.
func (s *Submitter) Submit(ctx context.Context, inst *stepflow.Instance, opts SubmitOptions) (*stepflow.Outcome, error) {
	def := inst.Definition()
	logger := stepflow.InstanceLogger(s.logger, inst.ID(), def.Type())

	if err := inst.ClaimSubmit(); err != nil {
		return nil, err
	}
	submitted := false
	defer func() {
		if !submitted {
			inst.ReleaseSubmit()
		}
	}()

	snap := inst.Snapshot()
	if !def.IsTerminal(snap.CurrentIndex) {
		return nil, fmt.Errorf("%w: instance is on %s, not the terminal step", stepflow.ErrInvalidTransition, snap.CurrentStep)
	}
	view := stepflow.View{Fields: snap.Fields, Attachments: snap.Attachments}
	for _, step := range def.Steps()[:def.Len()-1] {
		if step.SkipWhen != nil && step.SkipWhen(view) {
			continue
		}
		if status := snap.StepStatus[step.ID]; status != stepflow.StepStatusCompleted {
			return nil, fmt.Errorf("%w: step %s is %s", stepflow.ErrInvalidTransition, step.ID, status)
		}
	}
	terminal := def.Terminal()
	if ve := stepflow.CheckStep(terminal, view); ve != nil {
		return nil, ve
	}
	if terminal.Action != nil && snap.StepStatus[terminal.ID] != stepflow.StepStatusCompleted {
		return nil, fmt.Errorf("%w: step %s has not completed its action", stepflow.ErrInvalidTransition, terminal.ID)
	}

	if opts.SupplementOf != "" {
		original, err := s.store.Get(ctx, opts.SupplementOf)
		if err != nil {
			return nil, fmt.Errorf("failed to load outcome %s: %w", opts.SupplementOf, err)
		}
		if original.WorkflowType != def.Type() {
			return nil, fmt.Errorf("%w: %s belongs to workflow %s", stepflow.ErrInvalidTransition, original.ReferenceID, original.WorkflowType)
		}
	} else if !opts.SkipDuplicateCheck && s.policy != nil {
		existing, err := store.FindPossibleDuplicate(ctx, s.store, def.Type(), snap.Fields, s.policy)
		if err != nil {
			stepflow.LogPersistenceError(logger, "find_duplicate", err)
			return nil, fmt.Errorf("failed to check for duplicates: %w", err)
		}
		if existing != nil {
			stepflow.LogDuplicateDetected(logger, inst.ID(), existing.ReferenceID)
			s.observer.DuplicateDetected(def.Type())
			return nil, &stepflow.DuplicateOutcomeError{Existing: existing}
		}
	}

	now := s.now()
	outcome := &stepflow.Outcome{
		WorkflowType:    def.Type(),
		InstanceID:      inst.ID(),
		SubmittedFields: stepflow.FieldMap(snap.Fields),
		FilesCount:      snap.CompletedAttachments(),
		Status:          stepflow.OutcomeStatusPending,
		SupplementOf:    opts.SupplementOf,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var err error
	for attempt := 0; attempt < maxReferenceAttempts; attempt++ {
		outcome.ReferenceID, err = s.refs.Next(ctx)
		if err != nil {
			stepflow.LogPersistenceError(logger, "next_reference", err)
			return nil, err
		}

		if validate := def.OutcomeValidator(); validate != nil {
			if err := validate(outcome); err != nil {
				return nil, fmt.Errorf("outcome for %s rejected: %w", def.Type(), err)
			}
		}

		err = s.store.Append(ctx, outcome)
		if err == nil {
			break
		}
		if !errors.Is(err, stepflow.ErrDuplicateReference) {
			stepflow.LogPersistenceError(logger, "append", err)
			return nil, fmt.Errorf("failed to append outcome: %w", err)
		}
		logger.Warn().Str("reference", outcome.ReferenceID).Msg("Reference already taken, allocating another")
	}
	if err != nil {
		stepflow.LogPersistenceError(logger, "append", err)
		return nil, fmt.Errorf("failed to append outcome: %w", err)
	}

	inst.MarkSubmitted(outcome.ReferenceID)
	submitted = true
	stepflow.LogOutcomeAppended(logger, outcome)
	s.observer.OutcomeAppended(def.Type())

	return outcome.Clone(), nil
}
