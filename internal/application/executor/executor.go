// Package executor runs assigned tasks against the backend registry and
// reports results on a channel consumed by the supervisor.
package executor

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/ai4all/worker/internal/domain/backend"
	"github.com/ai4all/worker/internal/domain/task"
	"github.com/ai4all/worker/internal/errs"
)

const defaultResultBuffer = 100

// Result is the outcome of one task execution, tagged with its origin
// so the supervisor can route it back.
type Result struct {
	TaskID  string
	Origin  task.Origin
	Output  *task.Output
	Err     error
	Metrics task.Metrics
}

// Succeeded reports whether the task produced an output.
func (r Result) Succeeded() bool { return r.Err == nil }

// Executor admits tasks, drives them through a backend and emits
// results. Execution is bounded by the tracker's concurrency cap.
type Executor struct {
	registry *backend.Registry
	tracker  *task.Tracker
	results  chan Result

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an executor over the given backends and tracker.
func New(registry *backend.Registry, tracker *task.Tracker) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		registry: registry,
		tracker:  tracker,
		results:  make(chan Result, defaultResultBuffer),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Results is the channel task outcomes arrive on.
func (e *Executor) Results() <-chan Result {
	return e.results
}

// Submit admits an assignment and starts it asynchronously. A non-nil
// error means the task was rejected outright and no result will follow.
func (e *Executor) Submit(a task.Assignment, origin task.Origin) error {
	if a.Input.Kind() == "" {
		return errs.Newf(errs.CodeProtocolMalformed, "task %s has no input payload", a.TaskID)
	}
	if err := e.tracker.Add(a, origin); err != nil {
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(a, origin)
	}()
	return nil
}

// Cancel aborts a task. Returns false when the task is unknown or
// already finished.
func (e *Executor) Cancel(taskID string) bool {
	return e.tracker.Cancel(taskID)
}

// Shutdown stops accepting work, aborts in-flight tasks and waits for
// their goroutines to drain.
func (e *Executor) Shutdown() {
	e.cancel()
	e.wg.Wait()
}

func (e *Executor) run(a task.Assignment, origin task.Origin) {
	e.tracker.MarkRunning(a.TaskID)

	output, err := e.execute(a)
	if err != nil {
		e.tracker.MarkFailed(a.TaskID, err.Error())
	} else {
		var tokens uint32
		if usage := output.Usage(); usage != nil {
			tokens = usage.TotalTokens
		}
		e.tracker.MarkCompleted(a.TaskID, tokens)
	}

	metrics, _ := e.tracker.Metrics(a.TaskID)
	result := Result{
		TaskID:  a.TaskID,
		Origin:  origin,
		Err:     err,
		Metrics: metrics,
	}
	if err == nil {
		result.Output = &output
	}

	select {
	case e.results <- result:
	case <-e.baseCtx.Done():
		log.Printf("executor: dropping result for task %s during shutdown", a.TaskID)
	}
}

func (e *Executor) execute(a task.Assignment) (task.Output, error) {
	b, err := e.registry.FindForTask(a.Input.Kind())
	if err != nil {
		return task.Output{}, err
	}

	ctx, cancelTimeout := context.WithTimeout(e.baseCtx, a.Timeout())
	defer cancelTimeout()

	if a.ModelID != "" {
		if loaded, ok := b.LoadedModel(); !ok || loaded != a.ModelID {
			if err := b.LoadModel(ctx, a.ModelID); err != nil {
				return task.Output{}, errs.Wrap(errs.CodeModelLoadFailed,
					fmt.Sprintf("loading model %s", a.ModelID), err)
			}
		}
	}

	type outcome struct {
		output task.Output
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		output, err := b.Execute(ctx, a.Input)
		done <- outcome{output, err}
	}()

	cancelSignal := e.tracker.CancelSignal(a.TaskID)
	select {
	case result := <-done:
		if result.err != nil && ctx.Err() == context.DeadlineExceeded {
			return task.Output{}, timeoutError(a)
		}
		return result.output, result.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return task.Output{}, timeoutError(a)
		}
		return task.Output{}, errs.Wrap(errs.CodeExecutionCancelled,
			"executor shutting down", ctx.Err())
	case <-cancelSignal:
		cancelTimeout()
		return task.Output{}, errs.Newf(errs.CodeExecutionCancelled,
			"task %s cancelled", a.TaskID)
	}
}

func timeoutError(a task.Assignment) error {
	return errs.Newf(errs.CodeExecutionTimeout,
		"task %s exceeded its %ds timeout", a.TaskID, a.TimeoutSecs)
}
