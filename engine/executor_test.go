package engine

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sicko7947/stepflow"
)

func startScan(t *testing.T, x *Executor, action stepflow.Action) (*stepflow.Instance, *Run) {
	t.Helper()
	inst := stepflow.NewInstance(testDefinition(t, action))
	inst.SetField("name", "Jane")
	require.NoError(t, inst.Next())

	run, err := x.Start(context.Background(), inst, "scan")
	require.NoError(t, err)
	return inst, run
}

func TestExecutor_SuccessReportsMonotonicProgress(t *testing.T) {
	obs := &recordingObserver{}
	x := quietExecutor(WithObserver(obs))

	inst, run := startScan(t, x, stepflow.ActionFunc(func(ctx *stepflow.StepContext) (stepflow.Result, error) {
		assert.Equal(t, "Jane", ctx.View.String("name"))
		ctx.Report(10)
		ctx.Report(5)
		ctx.Report(40)
		ctx.Report(-3)
		return stepflow.Result{"score": 7}, nil
	}))

	events := drain(run)
	require.NotEmpty(t, events)

	var percents []int
	for _, ev := range events {
		assert.Equal(t, run.ID(), ev.RunID)
		percents = append(percents, ev.Percent)
	}
	assert.Equal(t, []int{10, 40, 100, 100}, percents)

	last := events[len(events)-1]
	assert.True(t, last.Done)
	assert.NoError(t, last.Err)
	assert.Equal(t, 7, last.Result["score"])

	assert.Equal(t, RunStatusCompleted, run.Status())
	snap := inst.Snapshot()
	assert.Equal(t, stepflow.StepStatusCompleted, snap.StepStatus["scan"])
	assert.Equal(t, 7, snap.Fields["score"])
	assert.Empty(t, inst.ActiveRun("scan"))

	assert.Equal(t, 1, obs.started)
	assert.Eventually(t, func() bool {
		return len(obs.finishedStatuses()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"completed"}, obs.finishedStatuses())
}

func TestExecutor_FinalProgressPrecedesCompletion(t *testing.T) {
	x := quietExecutor()
	inst, run := startScan(t, x, stepflow.ActionFunc(func(ctx *stepflow.StepContext) (stepflow.Result, error) {
		ctx.Report(30)
		return nil, nil
	}))

	deadline := time.Now().Add(2 * time.Second)
	for inst.Snapshot().StepStatus["scan"] != stepflow.StepStatusCompleted {
		require.True(t, time.Now().Before(deadline), "scan never completed")
		runtime.Gosched()
	}
	// by the time the step reads completed the run already reported 100
	assert.Equal(t, 100, run.Percent())

	events := drain(run)
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, 100, events[len(events)-2].Percent)
	assert.False(t, events[len(events)-2].Done)
	assert.True(t, events[len(events)-1].Done)
}

func TestExecutor_ClampsProgress(t *testing.T) {
	x := quietExecutor()
	release := make(chan struct{})
	_, run := startScan(t, x, stepflow.ActionFunc(func(ctx *stepflow.StepContext) (stepflow.Result, error) {
		ctx.Report(250)
		<-release
		return nil, nil
	}))

	assert.Eventually(t, func() bool { return run.Percent() == 100 }, time.Second, 5*time.Millisecond)
	close(release)
	_, err := waitRun(t, run)
	require.NoError(t, err)
}

func TestExecutor_Failure(t *testing.T) {
	x := quietExecutor()
	boom := errors.New("scanner offline")
	inst, run := startScan(t, x, stepflow.ActionFunc(func(ctx *stepflow.StepContext) (stepflow.Result, error) {
		return nil, boom
	}))

	_, err := waitRun(t, run)
	require.Error(t, err)
	assert.ErrorIs(t, err, stepflow.ErrStepExecutionFailed)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, stepflow.ErrCodeExecutionFailed, stepflow.ErrorCode(err))
	assert.Equal(t, RunStatusFailed, run.Status())
	assert.Equal(t, stepflow.StepStatusFailed, inst.Snapshot().StepStatus["scan"])

	// a failed action blocks next
	assert.ErrorIs(t, inst.Next(), stepflow.ErrInvalidTransition)

	// retry is a fresh run
	retry, err := x.Start(context.Background(), inst, "scan")
	require.NoError(t, err)
	assert.NotEqual(t, run.ID(), retry.ID())
	_, err = waitRun(t, retry)
	assert.Error(t, err)
}

func TestExecutor_Timeout(t *testing.T) {
	x := quietExecutor(WithDefaultTimeout(20 * time.Millisecond))
	inst, run := startScan(t, x, stepflow.ActionFunc(func(ctx *stepflow.StepContext) (stepflow.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	_, err := waitRun(t, run)
	require.Error(t, err)
	assert.ErrorIs(t, err, stepflow.ErrStepTimedOut)
	assert.True(t, stepflow.IsTimeoutError(err))
	assert.Equal(t, stepflow.ErrCodeTimeout, run.Info().ErrorCode)
	assert.Equal(t, stepflow.StepStatusFailed, inst.Snapshot().StepStatus["scan"])
}

func TestExecutor_StepTimeoutOverridesDefault(t *testing.T) {
	x := quietExecutor(WithDefaultTimeout(10 * time.Second))
	inst := stepflow.NewInstance(testDefinition(t, stepflow.ActionFunc(func(ctx *stepflow.StepContext) (stepflow.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), stepflow.WithTimeout(500*time.Millisecond)))
	inst.SetField("name", "Jane")
	require.NoError(t, inst.Next())

	begin := time.Now()
	run, err := x.Start(context.Background(), inst, "scan")
	require.NoError(t, err)

	_, err = waitRun(t, run)
	assert.ErrorIs(t, err, stepflow.ErrStepTimedOut)
	assert.Contains(t, err.Error(), "500ms")
	assert.Less(t, time.Since(begin), 2*time.Second)
}

func TestExecutor_TimeoutWhenActionIgnoresContext(t *testing.T) {
	x := quietExecutor(WithDefaultTimeout(20 * time.Millisecond))
	release := make(chan struct{})
	defer close(release)

	_, run := startScan(t, x, stepflow.ActionFunc(func(ctx *stepflow.StepContext) (stepflow.Result, error) {
		<-release
		return stepflow.Result{"late": true}, nil
	}))

	_, err := waitRun(t, run)
	assert.ErrorIs(t, err, stepflow.ErrStepTimedOut)
}

func TestExecutor_PanicIsRecovered(t *testing.T) {
	x := quietExecutor()
	inst, run := startScan(t, x, stepflow.ActionFunc(func(ctx *stepflow.StepContext) (stepflow.Result, error) {
		panic("nil map")
	}))

	_, err := waitRun(t, run)
	require.Error(t, err)
	assert.Equal(t, stepflow.ErrCodePanic, stepflow.ErrorCode(err))
	assert.ErrorIs(t, err, stepflow.ErrStepExecutionFailed)
	assert.Equal(t, stepflow.StepStatusFailed, inst.Snapshot().StepStatus["scan"])
}

func TestExecutor_Cancel(t *testing.T) {
	x := quietExecutor()
	started := make(chan struct{})
	inst, run := startScan(t, x, stepflow.ActionFunc(func(ctx *stepflow.StepContext) (stepflow.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	<-started
	run.Cancel()

	_, err := waitRun(t, run)
	assert.Error(t, err)
	assert.Equal(t, RunStatusCancelled, run.Status())
	assert.Equal(t, stepflow.StepStatusNotStarted, inst.Snapshot().StepStatus["scan"])
	assert.Empty(t, inst.ActiveRun("scan"))
}

func TestExecutor_SupersededRunIsDiscarded(t *testing.T) {
	x := quietExecutor()
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	reported := make(chan struct{})

	action := stepflow.ActionFunc(func(ctx *stepflow.StepContext) (stepflow.Result, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
			// arrives after the run was superseded
			ctx.Report(50)
			close(reported)
			return stepflow.Result{"score": 1}, nil
		}
		return stepflow.Result{"score": 2}, nil
	})

	inst, first := startScan(t, x, action)
	<-started
	second, err := x.Start(context.Background(), inst, "scan")
	require.NoError(t, err)

	_, err = waitRun(t, second)
	require.NoError(t, err)

	_, err = waitRun(t, first)
	assert.Error(t, err)
	assert.Equal(t, RunStatusSuperseded, first.Status())

	close(release)
	<-reported

	snap := inst.Snapshot()
	assert.Equal(t, 2, snap.Fields["score"])
	assert.Equal(t, stepflow.StepStatusCompleted, snap.StepStatus["scan"])
	assert.Equal(t, 0, first.Percent())

	active, ok := x.Active(inst.ID(), "scan")
	require.True(t, ok)
	assert.Equal(t, second.ID(), active.ID())
}

func TestExecutor_StartErrors(t *testing.T) {
	x := quietExecutor()
	inst := stepflow.NewInstance(testDefinition(t, stepflow.ActionFunc(func(*stepflow.StepContext) (stepflow.Result, error) {
		return nil, nil
	})))

	_, err := x.Start(context.Background(), inst, "details")
	assert.ErrorIs(t, err, stepflow.ErrInvalidTransition)

	_, err = x.Start(context.Background(), inst, "nope")
	assert.ErrorIs(t, err, stepflow.ErrNotFound)

	// scan is not the current step yet
	_, err = x.Start(context.Background(), inst, "scan")
	assert.ErrorIs(t, err, stepflow.ErrInvalidTransition)
	assert.Equal(t, stepflow.StepStatusNotStarted, inst.Snapshot().StepStatus["scan"])
	assert.Empty(t, inst.ActiveRun("scan"))

	inst.MarkSubmitted("#SF-2026-00001")
	_, err = x.Start(context.Background(), inst, "scan")
	assert.ErrorIs(t, err, stepflow.ErrInvalidTransition)
}

func TestExecutor_RunOutlivesRequestContext(t *testing.T) {
	x := quietExecutor()
	inst := stepflow.NewInstance(testDefinition(t, stepflow.ActionFunc(func(ctx *stepflow.StepContext) (stepflow.Result, error) {
		time.Sleep(20 * time.Millisecond)
		return stepflow.Result{"done": true}, ctx.Err()
	})))
	inst.SetField("name", "Jane")
	require.NoError(t, inst.Next())

	reqCtx, cancel := context.WithCancel(context.Background())
	run, err := x.Start(reqCtx, inst, "scan")
	require.NoError(t, err)
	cancel()

	_, err = waitRun(t, run)
	require.NoError(t, err)
	assert.Equal(t, true, inst.Snapshot().Fields["done"])
}

func TestExecutor_LookupForgetPrune(t *testing.T) {
	x := quietExecutor()
	block := make(chan struct{})
	defer close(block)

	inst, run := startScan(t, x, stepflow.ActionFunc(func(ctx *stepflow.StepContext) (stepflow.Result, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}))

	got, ok := x.Lookup(run.ID())
	require.True(t, ok)
	assert.Same(t, run, got)

	assert.Zero(t, x.Prune(0), "running runs are kept")

	x.Forget(inst.ID())
	_, err := waitRun(t, run)
	assert.Error(t, err)
	assert.Equal(t, RunStatusCancelled, run.Status())

	_, ok = x.Lookup(run.ID())
	assert.False(t, ok)
}

func TestExecutor_PruneFinished(t *testing.T) {
	x := quietExecutor()
	_, run := startScan(t, x, stepflow.ActionFunc(func(*stepflow.StepContext) (stepflow.Result, error) {
		return nil, nil
	}))
	_, err := waitRun(t, run)
	require.NoError(t, err)

	assert.Equal(t, 1, x.Prune(-time.Minute))
	_, ok := x.Lookup(run.ID())
	assert.False(t, ok)
}
