package steps

import (
	"context"
	"fmt"

	"github.com/cucumber/godog"

	"github.com/ai4all/worker/internal/domain/task"
)

// taskLifecycleContext holds state for tracker lifecycle tests
type taskLifecycleContext struct {
	tracker *task.Tracker
	lastErr error
	refused bool
}

func (tlc *taskLifecycleContext) reset() {
	tlc.tracker = nil
	tlc.lastErr = nil
	tlc.refused = false
}

func textAssignment(id string) task.Assignment {
	return task.Assignment{
		TaskID:      id,
		Priority:    task.PriorityNormal,
		TimeoutSecs: 300,
		Input: task.Input{
			TextCompletion: &task.TextCompletionInput{
				Prompt:           "hello",
				GenerationParams: task.DefaultGenerationParams(),
			},
		},
	}
}

func (tlc *taskLifecycleContext) aTrackerWithCapacity(capacity int) error {
	tlc.tracker = task.NewTracker(capacity)
	return nil
}

func (tlc *taskLifecycleContext) assignmentIsAccepted(id string) error {
	return tlc.tracker.Add(textAssignment(id), task.Origin{Kind: task.OriginCoordinator})
}

func (tlc *taskLifecycleContext) assignmentIsOfferedAgain(id string) error {
	tlc.lastErr = tlc.tracker.Add(textAssignment(id), task.Origin{Kind: task.OriginCoordinator})
	return nil
}

func (tlc *taskLifecycleContext) taskStartsRunning(id string) error {
	if !tlc.tracker.MarkRunning(id) {
		return fmt.Errorf("task %s could not start running", id)
	}
	return nil
}

func (tlc *taskLifecycleContext) taskCompletesWithTokens(id string, tokens int) error {
	if !tlc.tracker.MarkCompleted(id, uint32(tokens)) {
		return fmt.Errorf("task %s could not complete", id)
	}
	return nil
}

func (tlc *taskLifecycleContext) taskFailsWith(id, message string) error {
	if !tlc.tracker.MarkFailed(id, message) {
		return fmt.Errorf("task %s could not fail", id)
	}
	return nil
}

func (tlc *taskLifecycleContext) taskIsCancelled(id string) error {
	tlc.refused = !tlc.tracker.Cancel(id)
	return nil
}

func (tlc *taskLifecycleContext) taskShouldBeInState(id, state string) error {
	entry, ok := tlc.tracker.Get(id)
	if !ok {
		return fmt.Errorf("task %s not tracked", id)
	}
	if string(entry.State) != state {
		return fmt.Errorf("task %s is %s, expected %s", id, entry.State, state)
	}
	return nil
}

func (tlc *taskLifecycleContext) activeCountShouldBe(count int) error {
	if got := tlc.tracker.ActiveCount(); got != count {
		return fmt.Errorf("active count is %d, expected %d", got, count)
	}
	return nil
}

func (tlc *taskLifecycleContext) completedTotalShouldBe(count int) error {
	if got := tlc.tracker.TotalCompleted(); got != uint64(count) {
		return fmt.Errorf("completed total is %d, expected %d", got, count)
	}
	return nil
}

func (tlc *taskLifecycleContext) failedTotalShouldBe(count int) error {
	if got := tlc.tracker.TotalFailed(); got != uint64(count) {
		return fmt.Errorf("failed total is %d, expected %d", got, count)
	}
	return nil
}

func (tlc *taskLifecycleContext) cancelSignalShouldBeClosed(id string) error {
	select {
	case <-tlc.tracker.CancelSignal(id):
		return nil
	default:
		return fmt.Errorf("cancel signal for %s is still open", id)
	}
}

func (tlc *taskLifecycleContext) operationShouldBeRefused() error {
	if !tlc.refused {
		return fmt.Errorf("operation was allowed, expected a refusal")
	}
	return nil
}

func (tlc *taskLifecycleContext) offerShouldBeRejected() error {
	if tlc.lastErr == nil {
		return fmt.Errorf("offer was accepted, expected a rejection")
	}
	return nil
}

func (tlc *taskLifecycleContext) offerShouldBeAccepted() error {
	if tlc.lastErr != nil {
		return fmt.Errorf("offer was rejected: %v", tlc.lastErr)
	}
	return nil
}

func (tlc *taskLifecycleContext) trackerShouldReportNoFreeCapacity() error {
	if tlc.tracker.CanAccept() {
		return fmt.Errorf("tracker reports free capacity, expected none")
	}
	return nil
}

func (tlc *taskLifecycleContext) trackerShouldReportFreeCapacity() error {
	if !tlc.tracker.CanAccept() {
		return fmt.Errorf("tracker reports no free capacity")
	}
	return nil
}

func InitializeTaskLifecycleScenario(ctx *godog.ScenarioContext) {
	tlc := &taskLifecycleContext{}

	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		tlc.reset()
		return ctx, nil
	})

	ctx.Step(`^a tracker with capacity (\d+)$`, tlc.aTrackerWithCapacity)
	ctx.Step(`^assignment "([^"]*)" is accepted from the coordinator$`, tlc.assignmentIsAccepted)
	ctx.Step(`^assignment "([^"]*)" is offered again$`, tlc.assignmentIsOfferedAgain)
	ctx.Step(`^task "([^"]*)" starts running$`, tlc.taskStartsRunning)
	ctx.Step(`^task "([^"]*)" completes with (\d+) tokens$`, tlc.taskCompletesWithTokens)
	ctx.Step(`^task "([^"]*)" fails with "([^"]*)"$`, tlc.taskFailsWith)
	ctx.Step(`^task "([^"]*)" is cancelled$`, tlc.taskIsCancelled)

	ctx.Step(`^task "([^"]*)" should be in "([^"]*)" state$`, tlc.taskShouldBeInState)
	ctx.Step(`^the active task count should be (\d+)$`, tlc.activeCountShouldBe)
	ctx.Step(`^the completed total should be (\d+)$`, tlc.completedTotalShouldBe)
	ctx.Step(`^the failed total should be (\d+)$`, tlc.failedTotalShouldBe)
	ctx.Step(`^the cancel signal for "([^"]*)" should be closed$`, tlc.cancelSignalShouldBeClosed)
	ctx.Step(`^the operation should be refused$`, tlc.operationShouldBeRefused)
	ctx.Step(`^the offer should be rejected$`, tlc.offerShouldBeRejected)
	ctx.Step(`^the offer should be accepted$`, tlc.offerShouldBeAccepted)
	ctx.Step(`^the tracker should report no free capacity$`, tlc.trackerShouldReportNoFreeCapacity)
	ctx.Step(`^the tracker should report free capacity$`, tlc.trackerShouldReportFreeCapacity)
}
