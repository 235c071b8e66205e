package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/attachment"
)

// ErrTooManyInstances is returned by Open when MaxInstances are live
var ErrTooManyInstances = errors.New("too many open instances")

// Engine owns the live instances of every registered workflow and routes
// transitions, step runs, attachments and submissions to them
type Engine struct {
	registry  *stepflow.Registry
	executor  *Executor
	submitter *Submitter
	stager    *attachment.Stager
	logger    zerolog.Logger
	config    EngineConfig
	now       func() time.Time

	mu        sync.RWMutex
	instances map[string]*session
}

type session struct {
	inst    *stepflow.Instance
	touched time.Time
}

// EngineConfig holds engine configuration
type EngineConfig struct {
	MaxInstances int
	// InstanceTTL is how long an untouched instance survives a Sweep
	InstanceTTL time.Duration
}

// DefaultEngineConfig provides sensible defaults
var DefaultEngineConfig = EngineConfig{
	MaxInstances: 10000,
	InstanceTTL:  2 * time.Hour,
}

// EngineOption configures the workflow engine
type EngineOption func(*Engine)

// WithLogger sets a custom logger for the engine
func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithConfig sets a custom configuration for the engine
func WithConfig(config EngineConfig) EngineOption {
	return func(e *Engine) {
		e.config = config
	}
}

// WithExecutor replaces the default executor
func WithExecutor(x *Executor) EngineOption {
	return func(e *Engine) {
		e.executor = x
	}
}

// WithStager replaces the default stager, which discards uploads
func WithStager(s *attachment.Stager) EngineOption {
	return func(e *Engine) {
		e.stager = s
	}
}

// WithClock overrides time.Now for session bookkeeping
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates a new workflow engine with optional configuration
// If no logger is provided, a default stdout logger with Info level is used
// If no config is provided, DefaultEngineConfig is used
func NewEngine(registry *stepflow.Registry, submitter *Submitter, opts ...EngineOption) *Engine {
	eng := &Engine{
		registry:  registry,
		submitter: submitter,
		logger:    defaultLogger(),
		config:    DefaultEngineConfig,
		now:       time.Now,
		instances: make(map[string]*session),
	}

	for _, opt := range opts {
		opt(eng)
	}

	if eng.executor == nil {
		eng.executor = NewExecutor(WithExecutorLogger(eng.logger))
	}
	if eng.stager == nil {
		eng.stager = attachment.NewStager(attachment.DiscardUploader{}, attachment.WithLogger(eng.logger))
	}

	return eng
}

// Registry returns the definitions the engine serves
func (e *Engine) Registry() *stepflow.Registry {
	return e.registry
}

// Executor returns the step executor
func (e *Engine) Executor() *Executor {
	return e.executor
}

// Open creates a fresh instance of a registered workflow
func (e *Engine) Open(typ stepflow.WorkflowType) (*stepflow.Instance, error) {
	def, err := e.registry.Get(typ)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.config.MaxInstances > 0 && len(e.instances) >= e.config.MaxInstances {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: limit %d", ErrTooManyInstances, e.config.MaxInstances)
	}
	inst := stepflow.NewInstance(def)
	e.instances[inst.ID()] = &session{inst: inst, touched: e.now()}
	e.mu.Unlock()

	stepflow.LogInstanceCreated(e.logger, inst.ID(), typ)
	return inst, nil
}

// Instance returns a live instance and refreshes its TTL
func (e *Engine) Instance(id string) (*stepflow.Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", id, stepflow.ErrNotFound)
	}
	s.touched = e.now()
	return s.inst, nil
}

// Len reports the number of live instances
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.instances)
}

// Abandon discards an instance and cancels its runs. Unknown ids are
// ignored; abandoning is never an error.
func (e *Engine) Abandon(id string) {
	e.mu.Lock()
	_, ok := e.instances[id]
	delete(e.instances, id)
	e.mu.Unlock()

	if !ok {
		return
	}
	e.executor.Forget(id)
	stepflow.LogInstanceAbandoned(e.logger, id, "requested")
}

// Reset returns an instance to its first step, dropping all data and runs
func (e *Engine) Reset(id string) (stepflow.Snapshot, error) {
	inst, err := e.Instance(id)
	if err != nil {
		return stepflow.Snapshot{}, err
	}
	e.executor.Forget(id)
	inst.Reset()
	stepflow.LogInstanceReset(e.logger, id)
	return inst.Snapshot(), nil
}

// SetFields writes client input. Values are type-checked only on the next
// transition, but every key must be a field the client may write. Action
// steps invalidated by a changed value have their runs cancelled.
func (e *Engine) SetFields(id string, values map[stepflow.FieldID]any) (stepflow.Snapshot, error) {
	inst, err := e.Instance(id)
	if err != nil {
		return stepflow.Snapshot{}, err
	}
	reset, err := inst.Update(values)
	if err != nil {
		return inst.Snapshot(), err
	}
	if len(reset) > 0 {
		for _, step := range reset {
			if r, ok := e.executor.Active(id, step); ok {
				r.Cancel()
			}
		}
		logger := stepflow.InstanceLogger(e.logger, id, inst.Definition().Type())
		logger.Info().
			Interface("steps", reset).
			Msg("Field change invalidated completed steps")
	}
	return inst.Snapshot(), nil
}

// Move applies a transition and returns the resulting snapshot. A rejected
// transition leaves the instance untouched.
func (e *Engine) Move(id string, t stepflow.Transition) (stepflow.Snapshot, error) {
	inst, err := e.Instance(id)
	if err != nil {
		return stepflow.Snapshot{}, err
	}

	logger := stepflow.InstanceLogger(e.logger, id, inst.Definition().Type())
	before := inst.Snapshot()

	if err := inst.Apply(t); err != nil {
		stepflow.LogTransitionRejected(logger, id, t.Direction, err)
		return before, err
	}

	after := inst.Snapshot()
	if t.Direction == stepflow.DirectionNext {
		def := inst.Definition()
		for i := before.CurrentIndex + 1; i < after.CurrentIndex; i++ {
			stepflow.LogStepSkipped(logger, id, def.StepAt(i).ID)
		}
	}
	stepflow.LogTransitionApplied(logger, id, t.Direction, before.CurrentStep, after.CurrentStep)
	return after, nil
}

// Start launches the action of a step. A previous run of the same step is
// superseded.
func (e *Engine) Start(ctx context.Context, id string, step stepflow.StepID) (*Run, error) {
	inst, err := e.Instance(id)
	if err != nil {
		return nil, err
	}
	return e.executor.Start(ctx, inst, step)
}

// Run returns a run of the given instance
func (e *Engine) Run(id, runID string) (*Run, error) {
	if _, err := e.Instance(id); err != nil {
		return nil, err
	}
	r, ok := e.executor.Lookup(runID)
	if !ok || r.InstanceID() != id {
		return nil, fmt.Errorf("run %s: %w", runID, stepflow.ErrNotFound)
	}
	return r, nil
}

// Attach stages files on the instance's current step
func (e *Engine) Attach(ctx context.Context, id string, files []attachment.File) (*attachment.StageResult, error) {
	inst, err := e.Instance(id)
	if err != nil {
		return nil, err
	}
	return e.stager.Stage(ctx, inst, files)
}

// Detach removes a staged file
func (e *Engine) Detach(ctx context.Context, id, attachmentID string) error {
	inst, err := e.Instance(id)
	if err != nil {
		return err
	}
	return e.stager.Remove(ctx, inst, attachmentID)
}

// Submit persists the instance's outcome. The instance stays live so the
// caller can read its reference; Sweep eventually drops it.
func (e *Engine) Submit(ctx context.Context, id string, opts SubmitOptions) (*stepflow.Outcome, error) {
	inst, err := e.Instance(id)
	if err != nil {
		return nil, err
	}
	return e.submitter.Submit(ctx, inst, opts)
}

// Sweep drops instances untouched for longer than InstanceTTL together with
// their runs, and prunes finished runs of the same age
func (e *Engine) Sweep() int {
	if e.config.InstanceTTL <= 0 {
		return 0
	}
	cutoff := e.now().Add(-e.config.InstanceTTL)

	e.mu.Lock()
	var expired []string
	for id, s := range e.instances {
		if s.touched.Before(cutoff) {
			expired = append(expired, id)
			delete(e.instances, id)
		}
	}
	e.mu.Unlock()

	for _, id := range expired {
		e.executor.Forget(id)
		stepflow.LogInstanceAbandoned(e.logger, id, "expired")
	}
	e.executor.Prune(e.config.InstanceTTL)
	return len(expired)
}

// RunSweeper calls Sweep every interval until ctx is done
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.Sweep(); n > 0 {
				e.logger.Debug().Int("expired", n).Msg("Swept idle instances")
			}
		}
	}
}
