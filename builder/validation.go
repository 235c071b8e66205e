package builder

import (
	"fmt"

	"github.com/sicko7947/stepflow"
)

// ValidateDefinition performs comprehensive validation on a definition
func ValidateDefinition(d *stepflow.Definition) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid workflow definition: %w", err)
	}
	if err := ValidateReachability(d); err != nil {
		return err
	}
	return ValidateActions(d)
}

// ValidateReachability rejects steps whose default predicate can never pass,
// which would leave the terminal step unreachable: a required file field on a
// step that accepts no attachments.
func ValidateReachability(d *stepflow.Definition) error {
	for _, step := range d.Steps() {
		for _, id := range step.Required {
			f, ok := step.Field(id)
			if ok && f.Type == stepflow.FieldFile && step.Attachments == nil {
				return fmt.Errorf("step %s requires file field %s but accepts no attachments", step.ID, id)
			}
		}
	}
	return nil
}

// ValidateActions checks execution settings of steps with an action
func ValidateActions(d *stepflow.Definition) error {
	for _, step := range d.Steps() {
		if step.Action == nil {
			continue
		}
		if step.Config.Timeout < 0 {
			return fmt.Errorf("step %s has a negative timeout", step.ID)
		}
	}
	return nil
}
