package stepflow

import (
	"fmt"
	"slices"
	"time"
)

// OutcomeValidator checks an outcome before it is persisted
type OutcomeValidator func(o *Outcome) error

// Definition is the static, ordered step table of one workflow type
type Definition struct {
	typ         WorkflowType
	name        string
	description string
	version     string

	steps []*StepSpec
	index map[StepID]int

	validateOutcome OutcomeValidator

	tags      map[string]string
	createdAt time.Time
}

// NewDefinition creates an empty definition. Use the builder package to
// populate and validate it.
func NewDefinition(typ WorkflowType, name string) *Definition {
	return &Definition{
		typ:       typ,
		name:      name,
		version:   "1.0",
		index:     make(map[StepID]int),
		tags:      make(map[string]string),
		createdAt: time.Now(),
	}
}

// Type returns the workflow type
func (d *Definition) Type() WorkflowType {
	return d.typ
}

// Name returns the definition name
func (d *Definition) Name() string {
	return d.name
}

// Description returns the definition description
func (d *Definition) Description() string {
	return d.description
}

// Version returns the definition version
func (d *Definition) Version() string {
	return d.version
}

// Tags returns a copy of the definition tags
func (d *Definition) Tags() map[string]string {
	out := make(map[string]string, len(d.tags))
	for k, v := range d.tags {
		out[k] = v
	}
	return out
}

// Len returns the number of steps
func (d *Definition) Len() int {
	return len(d.steps)
}

// Steps returns the ordered steps. The slice is a copy; the specs are shared
// and must not be modified.
func (d *Definition) Steps() []*StepSpec {
	return slices.Clone(d.steps)
}

// StepAt returns the step at index i
func (d *Definition) StepAt(i int) *StepSpec {
	if i < 0 || i >= len(d.steps) {
		return nil
	}
	return d.steps[i]
}

// Step retrieves a step by ID
func (d *Definition) Step(id StepID) (*StepSpec, error) {
	i, ok := d.index[id]
	if !ok {
		return nil, fmt.Errorf("step %s not found in workflow %s: %w", id, d.typ, ErrNotFound)
	}
	return d.steps[i], nil
}

// IndexOf returns the position of a step
func (d *Definition) IndexOf(id StepID) (int, bool) {
	i, ok := d.index[id]
	return i, ok
}

// Initial returns the sole initial step
func (d *Definition) Initial() *StepSpec {
	return d.StepAt(0)
}

// Terminal returns the sole terminal step
func (d *Definition) Terminal() *StepSpec {
	return d.StepAt(len(d.steps) - 1)
}

// IsTerminal reports whether index i is the terminal step
func (d *Definition) IsTerminal(i int) bool {
	return i == len(d.steps)-1
}

// OutcomeValidator returns the hook run before an outcome is appended
func (d *Definition) OutcomeValidator() OutcomeValidator {
	return d.validateOutcome
}

// SetDescription sets the definition description
func (d *Definition) SetDescription(description string) {
	d.description = description
}

// SetVersion sets the definition version
func (d *Definition) SetVersion(version string) {
	d.version = version
}

// SetTags sets the definition tags
func (d *Definition) SetTags(tags map[string]string) {
	d.tags = tags
}

// SetOutcomeValidator sets the hook run before an outcome is appended
func (d *Definition) SetOutcomeValidator(v OutcomeValidator) {
	d.validateOutcome = v
}

// AddStep appends a step to the table
func (d *Definition) AddStep(step *StepSpec) error {
	if step == nil || step.ID == "" {
		return fmt.Errorf("step must have an id")
	}
	if _, exists := d.index[step.ID]; exists {
		return fmt.Errorf("step %s appears twice in workflow %s", step.ID, d.typ)
	}
	d.index[step.ID] = len(d.steps)
	d.steps = append(d.steps, step)
	return nil
}

// Validate checks the table invariants: at least one step, unique ids,
// unique field ids, outputs that belong to an action, a terminal step that
// is never skipped.
func (d *Definition) Validate() error {
	if d.typ == "" {
		return fmt.Errorf("workflow has no type")
	}
	if len(d.steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", d.typ)
	}

	seenFields := make(map[FieldID]StepID)
	for i, step := range d.steps {
		if d.index[step.ID] != i {
			return fmt.Errorf("step %s appears twice in workflow %s", step.ID, d.typ)
		}
		for _, f := range step.Fields {
			if owner, dup := seenFields[f.ID]; dup {
				return fmt.Errorf("field %s declared by both %s and %s", f.ID, owner, step.ID)
			}
			seenFields[f.ID] = step.ID
			if f.Type == FieldEnum && len(f.Options) == 0 {
				return fmt.Errorf("enum field %s has no options", f.ID)
			}
		}
		for _, id := range step.Required {
			if _, ok := step.Field(id); !ok {
				return fmt.Errorf("step %s requires undeclared field %s", step.ID, id)
			}
		}
		if len(step.Outputs) > 0 && step.Action == nil {
			return fmt.Errorf("step %s declares outputs but has no action", step.ID)
		}
		if step.Attachments != nil && step.Attachments.MaxFiles <= 0 {
			return fmt.Errorf("step %s accepts attachments but MaxFiles is %d", step.ID, step.Attachments.MaxFiles)
		}
	}

	for _, step := range d.steps {
		for _, out := range step.Outputs {
			if owner, declared := seenFields[out]; declared {
				return fmt.Errorf("output %s of step %s is a field of %s", out, step.ID, owner)
			}
		}
	}

	if d.Terminal().SkipWhen != nil {
		return fmt.Errorf("terminal step %s cannot be skipped", d.Terminal().ID)
	}
	if len(d.steps) > 1 && d.Initial().SkipWhen != nil {
		return fmt.Errorf("initial step %s cannot be skipped", d.Initial().ID)
	}

	return nil
}

// FieldSpec finds a field declared anywhere in the definition
func (d *Definition) FieldSpec(id FieldID) (FieldSpec, StepID, bool) {
	for _, step := range d.steps {
		if f, ok := step.Field(id); ok {
			return f, step.ID, true
		}
	}
	return FieldSpec{}, "", false
}

// CheckWritable reports whether a client may set the field: it must be
// declared by some step and must not be an action output
func (d *Definition) CheckWritable(id FieldID) error {
	if _, _, ok := d.FieldSpec(id); ok {
		return nil
	}
	for _, step := range d.steps {
		if slices.Contains(step.Outputs, id) {
			return &FieldWriteError{Field: id, Step: step.ID, ReadOnly: true}
		}
	}
	return &FieldWriteError{Field: id}
}
