package stepflow

import (
	"fmt"
)

// Direction of a requested transition
type Direction string

const (
	DirectionNext     Direction = "next"
	DirectionPrevious Direction = "previous"
	DirectionJump     Direction = "jump"
)

// Transition is a request to move an instance
type Transition struct {
	Direction Direction
	Target    StepID // only for DirectionJump
}

// ValidateTransition decides whether t is allowed from snap and returns the
// index the instance would move to. It never mutates anything.
func ValidateTransition(def *Definition, snap Snapshot, t Transition) (int, error) {
	idx := snap.CurrentIndex
	if def.StepAt(idx) == nil {
		return idx, fmt.Errorf("%w: index %d out of range", ErrInvalidTransition, idx)
	}
	view := View{Fields: snap.Fields, Attachments: snap.Attachments}

	switch t.Direction {
	case DirectionNext:
		return validateNext(def, snap, view, idx)
	case DirectionPrevious:
		return validatePrevious(def, view, idx)
	case DirectionJump:
		return validateJump(def, snap, t.Target)
	}
	return idx, fmt.Errorf("%w: unknown direction %q", ErrInvalidTransition, t.Direction)
}

func validateNext(def *Definition, snap Snapshot, view View, idx int) (int, error) {
	step := def.StepAt(idx)
	if def.IsTerminal(idx) {
		return idx, fmt.Errorf("%w: %s is the terminal step", ErrInvalidTransition, step.ID)
	}

	if ve := CheckStep(step, view); ve != nil {
		return idx, ve
	}

	if step.Action != nil && snap.StepStatus[step.ID] != StepStatusCompleted {
		return idx, fmt.Errorf("%w: step %s is %s, its action must complete first",
			ErrInvalidTransition, step.ID, snap.StepStatus[step.ID])
	}

	target := idx + 1
	for !def.IsTerminal(target) && skipped(def.StepAt(target), view) {
		target++
	}
	return target, nil
}

func validatePrevious(def *Definition, view View, idx int) (int, error) {
	if idx == 0 {
		return idx, fmt.Errorf("%w: already on the initial step", ErrInvalidTransition)
	}
	target := idx - 1
	for target > 0 && skipped(def.StepAt(target), view) {
		target--
	}
	return target, nil
}

func validateJump(def *Definition, snap Snapshot, to StepID) (int, error) {
	target, ok := def.IndexOf(to)
	if !ok {
		return snap.CurrentIndex, fmt.Errorf("step %s not found in workflow %s: %w", to, def.Type(), ErrNotFound)
	}
	for i := 0; i < target; i++ {
		pred := def.StepAt(i)
		if snap.StepStatus[pred.ID] != StepStatusCompleted {
			return snap.CurrentIndex, fmt.Errorf("%w: cannot jump to %s, predecessor %s is %s",
				ErrInvalidTransition, to, pred.ID, snap.StepStatus[pred.ID])
		}
	}
	return target, nil
}

// CheckStep evaluates a step's predicate and field types against view and
// stamps the step id on the result
func CheckStep(step *StepSpec, view View) *ValidationError {
	ve := step.Check(view)
	if ve != nil {
		ve.Step = step.ID
	}
	return ve
}

func skipped(step *StepSpec, view View) bool {
	return step.SkipWhen != nil && step.SkipWhen(view)
}
