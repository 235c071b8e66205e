package engine

import (
	"context"
	"fmt"

	"github.com/sicko7947/stepflow"
)

// RunPipeline runs the actions of consecutive steps one after another, each
// on the state left by the previous one. The instance must sit on the first
// step; it advances after every run but the last, so it ends on the last
// step. It stops at the first failure and returns the runs started so far.
// onEvent, when non-nil, sees every event.
func (e *Engine) RunPipeline(
	ctx context.Context,
	id string,
	onEvent func(ProgressEvent),
	steps ...stepflow.StepID,
) ([]*Run, error) {
	runs := make([]*Run, 0, len(steps))

	for i, stepID := range steps {
		run, err := e.Start(ctx, id, stepID)
		if err != nil {
			return runs, fmt.Errorf("failed to start step %s: %w", stepID, err)
		}
		runs = append(runs, run)

		for ev := range run.All() {
			if onEvent != nil {
				onEvent(ev)
			}
		}

		if _, err := run.Wait(ctx); err != nil {
			return runs, err
		}
		if i == len(steps)-1 {
			break
		}
		if _, err := e.Move(id, stepflow.Transition{Direction: stepflow.DirectionNext}); err != nil {
			return runs, fmt.Errorf("failed to leave step %s: %w", stepID, err)
		}
	}
	return runs, nil
}
