package engine

import (
	"time"

	"github.com/sicko7947/stepflow"
)

// Ticker wraps an action whose collaborator gives no progress of its own.
// While the action runs it reports Step percent every Interval, never going
// past Ceiling; the executor reports 100 when the action returns.
type Ticker struct {
	Action   stepflow.Action
	Interval time.Duration
	Step     int
	Ceiling  int
}

// NewTicker creates a ticker with a 90% ceiling
func NewTicker(action stepflow.Action, interval time.Duration, step int) *Ticker {
	return &Ticker{Action: action, Interval: interval, Step: step, Ceiling: 90}
}

// Execute implements stepflow.Action
func (t *Ticker) Execute(ctx *stepflow.StepContext) (stepflow.Result, error) {
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		ticker := time.NewTicker(t.Interval)
		defer ticker.Stop()

		percent := 0
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				percent = min(percent+t.Step, t.Ceiling)
				ctx.Report(percent)
			}
		}
	}()

	return t.Action.Execute(ctx)
}
