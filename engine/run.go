package engine

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"github.com/sicko7947/stepflow"
)

var (
	// ErrRunSuperseded is the cause of runs replaced by a newer run of the same step
	ErrRunSuperseded = errors.New("run superseded")
	// ErrRunCancelled is the cause of runs abandoned through Cancel
	ErrRunCancelled = errors.New("run cancelled")
)

// RunStatus is the lifecycle of one run
type RunStatus string

const (
	RunStatusRunning    RunStatus = "running"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCancelled  RunStatus = "cancelled"
	RunStatusSuperseded RunStatus = "superseded"
)

// IsTerminal returns true if the run has finished
func (s RunStatus) IsTerminal() bool {
	return s != RunStatusRunning
}

// ProgressEvent is one item of a run's event stream. The last event has
// Done set and carries either Result or Err.
type ProgressEvent struct {
	RunID   string          `json:"runId"`
	StepID  stepflow.StepID `json:"stepId"`
	Percent int             `json:"percent"`
	Done    bool            `json:"done,omitempty"`
	Result  stepflow.Result `json:"result,omitempty"`
	Err     error           `json:"-"`
}

const eventBuffer = 32

// Run is a handle on one asynchronous execution of a step action
type Run struct {
	id         string
	step       stepflow.StepID
	instanceID string

	events chan ProgressEvent
	done   chan struct{}
	cancel context.CancelCauseFunc

	mu         sync.Mutex
	status     RunStatus
	percent    int
	result     stepflow.Result
	err        error
	startedAt  time.Time
	finishedAt time.Time
}

func newRun(id string, step stepflow.StepID, instanceID string, cancel context.CancelCauseFunc) *Run {
	return &Run{
		id:         id,
		step:       step,
		instanceID: instanceID,
		events:     make(chan ProgressEvent, eventBuffer),
		done:       make(chan struct{}),
		cancel:     cancel,
		status:     RunStatusRunning,
		startedAt:  time.Now(),
	}
}

// ID returns the run ID
func (r *Run) ID() string { return r.id }

// Step returns the step being executed
func (r *Run) Step() stepflow.StepID { return r.step }

// InstanceID returns the owning instance
func (r *Run) InstanceID() string { return r.instanceID }

// Events returns the progress stream. Intermediate events may be dropped
// when the consumer falls behind; the final event never is. The channel is
// closed after the final event.
func (r *Run) Events() <-chan ProgressEvent {
	return r.events
}

// All ranges over the remaining events
func (r *Run) All() iter.Seq[ProgressEvent] {
	return func(yield func(ProgressEvent) bool) {
		for ev := range r.events {
			if !yield(ev) {
				return
			}
		}
	}
}

// Done is closed once the run has finished
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes or ctx is done
func (r *Run) Wait(ctx context.Context) (stepflow.Result, error) {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel abandons the run. The step returns to not_started and any late
// result is discarded.
func (r *Run) Cancel() {
	r.cancel(ErrRunCancelled)
}

// Status returns the current status
func (r *Run) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Percent returns the last accepted progress value
func (r *Run) Percent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.percent
}

// Err returns the failure once the run has finished
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// RunInfo is a serializable view of a run
type RunInfo struct {
	RunID      string          `json:"runId"`
	StepID     stepflow.StepID `json:"stepId"`
	InstanceID string          `json:"instanceId"`
	Status     RunStatus       `json:"status"`
	Percent    int             `json:"percent"`
	ErrorCode  string          `json:"errorCode,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
}

// Info returns a snapshot of the run
func (r *Run) Info() RunInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := RunInfo{
		RunID:      r.id,
		StepID:     r.step,
		InstanceID: r.instanceID,
		Status:     r.status,
		Percent:    r.percent,
		StartedAt:  r.startedAt,
	}
	if r.err != nil {
		info.ErrorCode = stepflow.ErrorCode(r.err)
		info.Error = r.err.Error()
	}
	if !r.finishedAt.IsZero() {
		info.FinishedAt = stepflow.ToPtr(r.finishedAt)
	}
	return info
}

// advance records a progress value and publishes it without blocking. It
// returns false for regressions and repeats, and for runs that already
// finished.
func (r *Run) advance(percent int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.IsTerminal() || percent <= r.percent {
		return false
	}
	r.percent = percent

	select {
	case r.events <- ProgressEvent{RunID: r.id, StepID: r.step, Percent: percent}:
	default:
	}
	return true
}

// finish records the final state, emits the final event and closes the stream.
// Only the executing goroutine calls it, exactly once.
func (r *Run) finish(status RunStatus, result stepflow.Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.status = status
	r.result = result
	r.err = err
	r.finishedAt = time.Now()
	if status == RunStatusCompleted {
		r.percent = 100
	}
	final := ProgressEvent{
		RunID:   r.id,
		StepID:  r.step,
		Percent: r.percent,
		Done:    true,
		Result:  result,
		Err:     err,
	}

	select {
	case r.events <- final:
	default:
		// full: make room by dropping the oldest intermediate event
		select {
		case <-r.events:
		default:
		}
		r.events <- final
	}
	close(r.events)
	close(r.done)
}
