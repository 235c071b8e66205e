package builder

import (
	"fmt"

	"github.com/sicko7947/stepflow"
)

// DefinitionBuilder provides a fluent API for building step tables
type DefinitionBuilder struct {
	def *stepflow.Definition
	err error
}

// NewDefinition creates a new definition builder
func NewDefinition(typ stepflow.WorkflowType, name string) *DefinitionBuilder {
	return &DefinitionBuilder{
		def: stepflow.NewDefinition(typ, name),
	}
}

// WithDescription sets the workflow description
func (b *DefinitionBuilder) WithDescription(description string) *DefinitionBuilder {
	b.def.SetDescription(description)
	return b
}

// WithVersion sets the workflow version
func (b *DefinitionBuilder) WithVersion(version string) *DefinitionBuilder {
	b.def.SetVersion(version)
	return b
}

// WithTags sets workflow tags
func (b *DefinitionBuilder) WithTags(tags map[string]string) *DefinitionBuilder {
	b.def.SetTags(tags)
	return b
}

// WithOutcomeValidator checks outcomes before they are appended
func (b *DefinitionBuilder) WithOutcomeValidator(v stepflow.OutcomeValidator) *DefinitionBuilder {
	b.def.SetOutcomeValidator(v)
	return b
}

// ThenStep appends the given step after the last added step
func (b *DefinitionBuilder) ThenStep(step *stepflow.StepSpec) *DefinitionBuilder {
	if b.err != nil {
		return b
	}
	if err := b.def.AddStep(step); err != nil {
		b.err = err
	}
	return b
}

// Sequence appends multiple steps in order
func (b *DefinitionBuilder) Sequence(steps ...*stepflow.StepSpec) *DefinitionBuilder {
	for _, step := range steps {
		b.ThenStep(step)
	}
	return b
}

// ThenStepIf appends a step that is only visited while condition holds.
// When it does not, next steps over it and marks it completed.
func (b *DefinitionBuilder) ThenStepIf(step *stepflow.StepSpec, condition func(v stepflow.View) bool) *DefinitionBuilder {
	if step != nil {
		step.SkipWhen = func(v stepflow.View) bool { return !condition(v) }
	}
	return b.ThenStep(step)
}

// Build finalizes and validates the definition
func (b *DefinitionBuilder) Build() (*stepflow.Definition, error) {
	if b.err != nil {
		return nil, fmt.Errorf("invalid workflow %s: %w", b.def.Type(), b.err)
	}
	if err := ValidateDefinition(b.def); err != nil {
		return nil, err
	}
	return b.def, nil
}

// MustBuild finalizes and validates the definition, panics on error
func (b *DefinitionBuilder) MustBuild() *stepflow.Definition {
	def, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build workflow: %v", err))
	}
	return def
}
