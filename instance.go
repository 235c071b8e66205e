package stepflow

import (
	"fmt"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Instance is one in-progress run of a definition for a single user.
// It lives in memory only; nothing is persisted unless it is submitted.
//
// A single actor drives an instance. The mutex only serializes that actor
// with completions delivered by background step runs.
type Instance struct {
	mu sync.Mutex

	id  string
	def *Definition

	current     int
	fields      map[FieldID]any
	status      map[StepID]StepStatus
	attachments []Attachment
	activeRuns  map[StepID]string
	reference   string
	submitting  bool

	createdAt time.Time
}

// NewInstance creates an instance positioned on the initial step
func NewInstance(def *Definition) *Instance {
	inst := &Instance{
		id:        uuid.New().String(),
		def:       def,
		createdAt: time.Now(),
	}
	inst.resetLocked()
	return inst
}

// ID returns the instance ID
func (i *Instance) ID() string {
	return i.id
}

// Definition returns the definition the instance follows
func (i *Instance) Definition() *Definition {
	return i.def
}

// CreatedAt returns when the instance was opened
func (i *Instance) CreatedAt() time.Time {
	return i.createdAt
}

// SetField stores a value. It never validates and always succeeds; a nil
// value clears the field. It is the in-process path used by flows and
// tests; client input goes through Update.
func (i *Instance) SetField(id FieldID, value any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.setFieldLocked(id, value)
}

// SetFields stores several values at once
func (i *Instance) SetFields(values map[FieldID]any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for id, v := range values {
		i.setFieldLocked(id, v)
	}
}

// Update stores client input. Every key must be a declared field and none
// may be an action output; otherwise nothing is written. When a value
// changes, each action step from the field's step onwards that already ran
// goes back to not started and loses its outputs. The reset steps are
// returned.
func (i *Instance) Update(values map[FieldID]any) ([]StepID, error) {
	for _, id := range SortedKeys(values) {
		if err := i.def.CheckWritable(id); err != nil {
			return nil, err
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.frozenLocked(); err != nil {
		return nil, err
	}

	from := -1
	for id, v := range values {
		old, had := i.fields[id]
		if (v == nil && !had) || (had && reflect.DeepEqual(old, v)) {
			continue
		}
		_, owner, _ := i.def.FieldSpec(id)
		if idx, _ := i.def.IndexOf(owner); from < 0 || idx < from {
			from = idx
		}
	}
	for id, v := range values {
		i.setFieldLocked(id, v)
	}
	if from < 0 {
		return nil, nil
	}
	return i.invalidateLocked(from), nil
}

func (i *Instance) invalidateLocked(from int) []StepID {
	var reset []StepID
	for idx := from; idx < i.def.Len(); idx++ {
		step := i.def.StepAt(idx)
		if step.Action == nil {
			continue
		}
		if st := i.status[step.ID]; st != StepStatusCompleted && st != StepStatusInProgress {
			continue
		}
		i.status[step.ID] = StepStatusNotStarted
		delete(i.activeRuns, step.ID)
		for _, out := range step.Outputs {
			delete(i.fields, out)
		}
		reset = append(reset, step.ID)
	}
	return reset
}

func (i *Instance) frozenLocked() error {
	if i.reference != "" {
		return fmt.Errorf("%w: instance already submitted as %s", ErrInvalidTransition, i.reference)
	}
	if i.submitting {
		return fmt.Errorf("%w: instance is being submitted", ErrInvalidTransition)
	}
	return nil
}

func (i *Instance) setFieldLocked(id FieldID, value any) {
	if value == nil {
		delete(i.fields, id)
		return
	}
	i.fields[id] = value
}

// Field returns a single field value
func (i *Instance) Field(id FieldID) (any, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	v, ok := i.fields[id]
	return v, ok
}

// Snapshot returns an immutable copy of the current state
func (i *Instance) Snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.snapshotLocked()
}

func (i *Instance) snapshotLocked() Snapshot {
	fields := make(map[FieldID]any, len(i.fields))
	for k, v := range i.fields {
		fields[k] = v
	}
	status := make(map[StepID]StepStatus, len(i.status))
	for k, v := range i.status {
		status[k] = v
	}

	return Snapshot{
		InstanceID:   i.id,
		WorkflowType: i.def.Type(),
		CurrentIndex: i.current,
		CurrentStep:  i.def.StepAt(i.current).ID,
		Fields:       fields,
		StepStatus:   status,
		Attachments:  slices.Clone(i.attachments),
		Reference:    i.reference,
		CreatedAt:    i.createdAt,
	}
}

// View returns the data predicates evaluate
func (i *Instance) View() View {
	snap := i.Snapshot()
	return View{Fields: snap.Fields, Attachments: snap.Attachments}
}

// CurrentStep returns the step the instance is on
func (i *Instance) CurrentStep() *StepSpec {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.def.StepAt(i.current)
}

// Reset returns the instance to its initial step and clears all fields,
// statuses, attachments and active runs
func (i *Instance) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.resetLocked()
}

func (i *Instance) resetLocked() {
	i.current = 0
	i.fields = make(map[FieldID]any)
	i.status = make(map[StepID]StepStatus, i.def.Len())
	i.attachments = nil
	i.activeRuns = make(map[StepID]string)
	i.reference = ""
	i.submitting = false

	for _, step := range i.def.Steps() {
		i.status[step.ID] = StepStatusNotStarted
		for _, f := range step.Fields {
			if f.Default != nil {
				i.fields[f.ID] = f.Default
			}
		}
	}
}

// Apply validates and performs a transition. On failure nothing changes.
func (i *Instance) Apply(t Transition) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.frozenLocked(); err != nil {
		return err
	}

	snap := i.snapshotLocked()
	target, err := ValidateTransition(i.def, snap, t)
	if err != nil {
		return err
	}

	if t.Direction == DirectionNext {
		i.status[i.def.StepAt(i.current).ID] = StepStatusCompleted
		for skipped := i.current + 1; skipped < target; skipped++ {
			i.status[i.def.StepAt(skipped).ID] = StepStatusCompleted
		}
	}
	i.current = target
	return nil
}

// Next advances to the following step
func (i *Instance) Next() error {
	return i.Apply(Transition{Direction: DirectionNext})
}

// Previous goes back one step
func (i *Instance) Previous() error {
	return i.Apply(Transition{Direction: DirectionPrevious})
}

// JumpTo resumes at a step whose predecessors are all completed
func (i *Instance) JumpTo(step StepID) error {
	return i.Apply(Transition{Direction: DirectionJump, Target: step})
}

// MarkCompleted records steps finished in an earlier session
func (i *Instance) MarkCompleted(steps ...StepID) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	for _, id := range steps {
		if _, ok := i.def.IndexOf(id); !ok {
			return fmt.Errorf("step %s not found in workflow %s: %w", id, i.def.Type(), ErrNotFound)
		}
	}
	for _, id := range steps {
		i.status[id] = StepStatusCompleted
	}
	return nil
}

// BeginRun records runID as the active run of a step and returns the run
// it supersedes, if any. Only the current step may run.
func (i *Instance) BeginRun(step StepID, runID string) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	idx, ok := i.def.IndexOf(step)
	if !ok {
		return "", fmt.Errorf("step %s not found in workflow %s: %w", step, i.def.Type(), ErrNotFound)
	}
	if err := i.frozenLocked(); err != nil {
		return "", err
	}
	if idx != i.current {
		return "", fmt.Errorf("%w: step %s is not the current step (%s)",
			ErrInvalidTransition, step, i.def.StepAt(i.current).ID)
	}
	prev := i.activeRuns[step]
	i.activeRuns[step] = runID
	i.status[step] = StepStatusInProgress
	return prev, nil
}

// ActiveRun returns the run currently allowed to update a step
func (i *Instance) ActiveRun(step StepID) string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.activeRuns[step]
}

// IsActiveRun reports whether runID may still update the step
func (i *Instance) IsActiveRun(step StepID, runID string) bool {
	return i.ActiveRun(step) == runID
}

// CompleteRun marks the step completed and merges the result fields, but
// only when runID is still the active run. Stale runs return false.
func (i *Instance) CompleteRun(step StepID, runID string, result Result) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.activeRuns[step] != runID {
		return false
	}
	delete(i.activeRuns, step)
	for k, v := range result {
		i.setFieldLocked(k, v)
	}
	i.status[step] = StepStatusCompleted
	return true
}

// FailRun marks the step failed if runID is still active
func (i *Instance) FailRun(step StepID, runID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.activeRuns[step] != runID {
		return false
	}
	delete(i.activeRuns, step)
	i.status[step] = StepStatusFailed
	return true
}

// AbandonRun drops an active run without recording a failure
func (i *Instance) AbandonRun(step StepID, runID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.activeRuns[step] != runID {
		return false
	}
	delete(i.activeRuns, step)
	i.status[step] = StepStatusNotStarted
	return true
}

// AddAttachment appends a staged file. Action steps after the step that
// accepts files have to run again.
func (i *Instance) AddAttachment(a Attachment) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.attachments = append(i.attachments, a)
	i.invalidateLocked(i.attachmentStepLocked())
}

func (i *Instance) attachmentStepLocked() int {
	for idx, step := range i.def.Steps() {
		if step.Attachments != nil {
			return idx
		}
	}
	return i.def.Len()
}

// UpdateAttachment mutates one attachment in place
func (i *Instance) UpdateAttachment(id string, fn func(a *Attachment)) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	for idx := range i.attachments {
		if i.attachments[idx].ID == id {
			fn(&i.attachments[idx])
			return true
		}
	}
	return false
}

// RemoveAttachment drops a staged file
func (i *Instance) RemoveAttachment(id string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	for idx := range i.attachments {
		if i.attachments[idx].ID == id {
			i.attachments = slices.Delete(i.attachments, idx, idx+1)
			i.invalidateLocked(i.attachmentStepLocked())
			return true
		}
	}
	return false
}

// AttachmentCount counts files that hold a slot (everything but errors)
func (i *Instance) AttachmentCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()

	n := 0
	for _, a := range i.attachments {
		if a.Status != AttachmentError {
			n++
		}
	}
	return n
}

// ClaimSubmit reserves the instance for one submission. While claimed the
// instance rejects field updates, transitions and runs.
func (i *Instance) ClaimSubmit() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.frozenLocked(); err != nil {
		return err
	}
	i.submitting = true
	return nil
}

// ReleaseSubmit drops a claim after a submission that did not go through
func (i *Instance) ReleaseSubmit() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.submitting = false
}

// MarkSubmitted records the outcome reference and completes the terminal step
func (i *Instance) MarkSubmitted(reference string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.reference = reference
	i.submitting = false
	i.status[i.def.Terminal().ID] = StepStatusCompleted
}

// Reference returns the outcome reference once submitted
func (i *Instance) Reference() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.reference
}
