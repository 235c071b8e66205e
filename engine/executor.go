package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sicko7947/stepflow"
)

// Executor runs step actions in the background and reports their progress.
// There is no automatic retry; a retry is a new Start with a new run id.
type Executor struct {
	logger         zerolog.Logger
	observer       stepflow.Observer
	defaultTimeout time.Duration

	mu   sync.Mutex
	runs map[string]*Run
	// active maps instance and step to the run allowed to update it
	active map[activeKey]*Run
}

type activeKey struct {
	instanceID string
	step       stepflow.StepID
}

// ExecutorOption configures the executor
type ExecutorOption func(*Executor)

// WithExecutorLogger sets a custom logger
func WithExecutorLogger(logger zerolog.Logger) ExecutorOption {
	return func(x *Executor) {
		x.logger = logger
	}
}

// WithObserver receives run counters
func WithObserver(o stepflow.Observer) ExecutorOption {
	return func(x *Executor) {
		x.observer = o
	}
}

// WithDefaultTimeout bounds runs of steps that do not set their own timeout
func WithDefaultTimeout(d time.Duration) ExecutorOption {
	return func(x *Executor) {
		x.defaultTimeout = d
	}
}

// NewExecutor creates an executor. Without options it logs to stdout at Info
// level and uses DefaultExecutionConfig's timeout.
func NewExecutor(opts ...ExecutorOption) *Executor {
	x := &Executor{
		logger:         defaultLogger(),
		observer:       stepflow.NopObserver{},
		defaultTimeout: stepflow.DefaultExecutionConfig.Timeout,
		runs:           make(map[string]*Run),
		active:         make(map[activeKey]*Run),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

func defaultLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger().
		Level(zerolog.InfoLevel)
}

// Start launches the action of step on inst and returns immediately. A run
// already in flight for the same step is superseded: its results will be
// discarded.
//
// The run outlives ctx's cancellation (ctx usually belongs to a request) but
// keeps its values. It is bounded by the step timeout.
func (x *Executor) Start(ctx context.Context, inst *stepflow.Instance, stepID stepflow.StepID) (*Run, error) {
	def := inst.Definition()
	step, err := def.Step(stepID)
	if err != nil {
		return nil, err
	}
	if step.Action == nil {
		return nil, fmt.Errorf("%w: step %s has no action to run", stepflow.ErrInvalidTransition, stepID)
	}
	if inst.Reference() != "" {
		return nil, fmt.Errorf("%w: instance already submitted", stepflow.ErrInvalidTransition)
	}

	runID := uuid.New().String()
	superseded, err := inst.BeginRun(stepID, runID)
	if err != nil {
		return nil, err
	}
	snap := inst.Snapshot()

	timeout := step.Config.Timeout
	if timeout <= 0 {
		timeout = x.defaultTimeout
	}

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	run := newRun(runID, stepID, inst.ID(), cancel)

	key := activeKey{instanceID: inst.ID(), step: stepID}
	x.mu.Lock()
	prev := x.active[key]
	x.active[key] = run
	x.runs[runID] = run
	x.mu.Unlock()

	if prev != nil {
		prev.cancel(ErrRunSuperseded)
	}

	logger := stepflow.RunLogger(stepflow.InstanceLogger(x.logger, inst.ID(), def.Type()), runID, stepID)
	stepflow.LogRunStarted(logger, runID, stepID, superseded)
	x.observer.RunStarted(def.Type(), stepID)

	go x.execute(runCtx, timeout, inst, step, run, snap, logger)

	return run, nil
}

func (x *Executor) execute(
	ctx context.Context,
	timeout time.Duration,
	inst *stepflow.Instance,
	step *stepflow.StepSpec,
	run *Run,
	snap stepflow.Snapshot,
	logger zerolog.Logger,
) {
	startTime := time.Now()
	typ := inst.Definition().Type()

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	report := func(percent int) {
		percent = min(max(percent, 0), 100)
		if !inst.IsActiveRun(step.ID, run.id) {
			return
		}
		if run.advance(percent) {
			stepflow.LogRunProgress(logger, run.id, percent)
		}
	}
	stepCtx := stepflow.NewStepContext(execCtx, run.id, snap, step.ID, logger, report)

	result, err := invoke(execCtx, step.Action, stepCtx)
	duration := time.Since(startTime)

	if err != nil {
		switch cause := context.Cause(ctx); {
		case errors.Is(cause, ErrRunSuperseded):
			stepflow.LogRunStale(logger, run.id, step.ID)
			run.finish(RunStatusSuperseded, nil, stepflow.NewStepError(stepflow.ErrCodeCancelled, "run superseded", step.ID, run.id).WithCause(cause))
			x.observer.RunFinished(typ, step.ID, string(RunStatusSuperseded), duration)
			return
		case errors.Is(cause, ErrRunCancelled):
			inst.AbandonRun(step.ID, run.id)
			logger.Warn().Str("run_id", run.id).Msg("Step run cancelled")
			run.finish(RunStatusCancelled, nil, stepflow.NewStepError(stepflow.ErrCodeCancelled, "run cancelled", step.ID, run.id).WithCause(cause))
			x.observer.RunFinished(typ, step.ID, string(RunStatusCancelled), duration)
			return
		}

		stepErr := stepflow.ToStepError(err, step.ID, run.id)
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			stepErr = stepflow.NewStepError(stepflow.ErrCodeTimeout,
				fmt.Sprintf("step exceeded its %s timeout", timeout), step.ID, run.id).WithCause(err)
		}

		if !inst.FailRun(step.ID, run.id) {
			stepflow.LogRunStale(logger, run.id, step.ID)
			run.finish(RunStatusSuperseded, nil, stepErr)
			x.observer.RunFinished(typ, step.ID, string(RunStatusSuperseded), duration)
			return
		}
		stepflow.LogRunFailed(logger, run.id, step.ID, stepErr)
		run.finish(RunStatusFailed, nil, stepErr)
		x.observer.RunFinished(typ, step.ID, string(RunStatusFailed), duration)
		return
	}

	// 100 goes out before the step reads as completed
	if inst.IsActiveRun(step.ID, run.id) && run.advance(100) {
		stepflow.LogRunProgress(logger, run.id, 100)
	}
	if !inst.CompleteRun(step.ID, run.id, result) {
		stepflow.LogRunStale(logger, run.id, step.ID)
		run.finish(RunStatusSuperseded, nil, stepflow.NewStepError(stepflow.ErrCodeCancelled, "run superseded", step.ID, run.id))
		x.observer.RunFinished(typ, step.ID, string(RunStatusSuperseded), duration)
		return
	}

	stepflow.LogRunCompleted(logger, run.id, step.ID, duration)
	run.finish(RunStatusCompleted, result, nil)
	x.observer.RunFinished(typ, step.ID, string(RunStatusCompleted), duration)
}

// invoke runs the action with panic recovery and returns as soon as ctx is
// done, even if the action ignores ctx
func invoke(ctx context.Context, action stepflow.Action, stepCtx *stepflow.StepContext) (stepflow.Result, error) {
	type outcome struct {
		result stepflow.Result
		err    error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: stepflow.NewStepError(stepflow.ErrCodePanic,
					fmt.Sprintf("step panicked: %v", r), stepCtx.StepID, stepCtx.RunID)}
			}
		}()
		result, err := action.Execute(stepCtx)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case out := <-ch:
		if out.err == nil && ctx.Err() != nil {
			// finished, but too late to count
			return nil, ctx.Err()
		}
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Lookup returns a run by id
func (x *Executor) Lookup(runID string) (*Run, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	r, ok := x.runs[runID]
	return r, ok
}

// Active returns the run currently allowed to update a step
func (x *Executor) Active(instanceID string, step stepflow.StepID) (*Run, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	r, ok := x.active[activeKey{instanceID: instanceID, step: step}]
	return r, ok
}

// Forget cancels every run of an instance and drops them. Used when an
// instance is abandoned or reset.
func (x *Executor) Forget(instanceID string) {
	x.mu.Lock()
	var victims []*Run
	for id, r := range x.runs {
		if r.instanceID == instanceID {
			victims = append(victims, r)
			delete(x.runs, id)
		}
	}
	for k := range x.active {
		if k.instanceID == instanceID {
			delete(x.active, k)
		}
	}
	x.mu.Unlock()

	for _, r := range victims {
		r.cancel(ErrRunCancelled)
	}
}

// Prune drops finished runs older than age and returns how many were removed
func (x *Executor) Prune(age time.Duration) int {
	cutoff := time.Now().Add(-age)

	x.mu.Lock()
	defer x.mu.Unlock()

	n := 0
	for id, r := range x.runs {
		r.mu.Lock()
		stale := r.status.IsTerminal() && r.finishedAt.Before(cutoff)
		r.mu.Unlock()
		if !stale {
			continue
		}
		delete(x.runs, id)
		key := activeKey{instanceID: r.instanceID, step: r.step}
		if x.active[key] == r {
			delete(x.active, key)
		}
		n++
	}
	return n
}
