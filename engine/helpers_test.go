package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/builder"
)

// testDefinition: details (name required) -> scan (action) -> finish (consent required)
func testDefinition(t *testing.T, scan stepflow.Action, scanOpts ...stepflow.StepOption) *stepflow.Definition {
	t.Helper()
	scanStep := stepflow.NewStepSpec("scan", "Scan", nil,
		append([]stepflow.StepOption{stepflow.WithAction(scan)}, scanOpts...)...)

	def, err := builder.NewDefinition("test_flow", "Test Flow").
		Sequence(
			stepflow.NewStepSpec("details", "Details", []stepflow.FieldSpec{
				{ID: "name", Type: stepflow.FieldString},
			}, stepflow.WithRequired("name"), stepflow.WithAttachments(stepflow.DefaultEvidenceLimits)),
			scanStep,
			stepflow.NewStepSpec("finish", "Finish", []stepflow.FieldSpec{
				{ID: "consent", Type: stepflow.FieldBool},
				{ID: "suspectEmail", Type: stepflow.FieldString},
			}, stepflow.WithRequired("consent")),
		).
		Build()
	require.NoError(t, err)
	return def
}

func quietExecutor(opts ...ExecutorOption) *Executor {
	base := []ExecutorOption{
		WithExecutorLogger(zerolog.Nop()),
		WithDefaultTimeout(time.Second),
	}
	return NewExecutor(append(base, opts...)...)
}

func waitRun(t *testing.T, r *Run) (stepflow.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	select {
	case <-r.Done():
	case <-ctx.Done():
		t.Fatalf("run %s did not finish", r.ID())
	}
	return r.Wait(ctx)
}

func drain(r *Run) []ProgressEvent {
	var events []ProgressEvent
	for ev := range r.All() {
		events = append(events, ev)
	}
	return events
}

// completeScan fills details, advances, runs the scan and advances to finish
func completeScan(t *testing.T, x *Executor, inst *stepflow.Instance) {
	t.Helper()
	inst.SetField("name", "Jane")
	require.NoError(t, inst.Next())
	run, err := x.Start(context.Background(), inst, "scan")
	require.NoError(t, err)
	_, err = waitRun(t, run)
	require.NoError(t, err)
	require.NoError(t, inst.Next())
}

// recordingObserver counts observer callbacks. RunFinished fires after the
// run's final event, so tests read it with Eventually.
type recordingObserver struct {
	stepflow.NopObserver
	mu                            sync.Mutex
	started, appended, duplicates int
	finished                      []string
}

func (o *recordingObserver) RunStarted(stepflow.WorkflowType, stepflow.StepID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *recordingObserver) RunFinished(_ stepflow.WorkflowType, _ stepflow.StepID, status string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, status)
}

func (o *recordingObserver) OutcomeAppended(stepflow.WorkflowType) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.appended++
}

func (o *recordingObserver) DuplicateDetected(stepflow.WorkflowType) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.duplicates++
}

func (o *recordingObserver) finishedStatuses() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.finished...)
}
