package steps

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cucumber/godog"

	"github.com/ai4all/worker/internal/adapters/backends"
	"github.com/ai4all/worker/internal/application/executor"
	"github.com/ai4all/worker/internal/domain/backend"
	"github.com/ai4all/worker/internal/domain/task"
	"github.com/ai4all/worker/internal/errs"
)

const resultWait = 5 * time.Second

// stallingBackend blocks in Execute until its context is cancelled,
// which makes cancellation deterministic to test.
type stallingBackend struct {
	*backends.Mock
	startedOnce sync.Once
	started     chan struct{}
}

func newStallingBackend() *stallingBackend {
	return &stallingBackend{
		Mock:    backends.NewMock(),
		started: make(chan struct{}),
	}
}

func (s *stallingBackend) Execute(ctx context.Context, in task.Input) (task.Output, error) {
	s.startedOnce.Do(func() { close(s.started) })
	<-ctx.Done()
	return task.Output{}, errs.Wrap(errs.CodeExecutionCancelled, "execution aborted", ctx.Err())
}

// taskExecutionContext holds state for executor tests
type taskExecutionContext struct {
	registry *backend.Registry
	tracker  *task.Tracker
	executor *executor.Executor
	mock     *backends.Mock
	stall    *stallingBackend
	result   *executor.Result
}

func (tec *taskExecutionContext) reset() {
	if tec.executor != nil {
		tec.executor.Shutdown()
	}
	tec.registry = nil
	tec.tracker = nil
	tec.executor = nil
	tec.mock = nil
	tec.stall = nil
	tec.result = nil
}

func (tec *taskExecutionContext) aWorkerWithMockBackend(capacity int) error {
	tec.registry = backend.NewRegistry()
	tec.mock = backends.NewMock()
	tec.registry.Register(tec.mock)
	tec.tracker = task.NewTracker(capacity)
	tec.executor = executor.New(tec.registry, tec.tracker)
	return nil
}

func (tec *taskExecutionContext) aWorkerWithStallingBackend(capacity int) error {
	tec.registry = backend.NewRegistry()
	tec.stall = newStallingBackend()
	tec.registry.Register(tec.stall)
	tec.tracker = task.NewTracker(capacity)
	tec.executor = executor.New(tec.registry, tec.tracker)
	return nil
}

func (tec *taskExecutionContext) mockBackendFailsNext() error {
	tec.mock.FailNext()
	return nil
}

func executionInput(taskType string) (task.Input, error) {
	switch task.Type(taskType) {
	case task.TypeTextCompletion:
		return task.Input{TextCompletion: &task.TextCompletionInput{
			Prompt:           "the quick brown fox",
			GenerationParams: task.DefaultGenerationParams(),
		}}, nil
	case task.TypeEmbeddings:
		return task.Input{Embeddings: &task.EmbeddingsInput{
			Texts: []string{"alpha", "beta"},
		}}, nil
	case task.TypeWebCrawl:
		return task.Input{WebCrawl: &task.WebCrawlInput{
			URL:      "https://example.com",
			MaxDepth: 1,
			MaxPages: 1,
		}}, nil
	default:
		return task.Input{}, fmt.Errorf("no input fixture for task type %s", taskType)
	}
}

func (tec *taskExecutionContext) assignmentIsSubmitted(taskType, id string) error {
	input, err := executionInput(taskType)
	if err != nil {
		return err
	}
	return tec.executor.Submit(task.Assignment{
		TaskID:      id,
		Priority:    task.PriorityNormal,
		TimeoutSecs: 30,
		Input:       input,
	}, task.Origin{Kind: task.OriginCoordinator})
}

func (tec *taskExecutionContext) taskIsCancelledMidFlight(id string) error {
	select {
	case <-tec.stall.started:
	case <-time.After(resultWait):
		return fmt.Errorf("task %s never reached the backend", id)
	}
	if !tec.executor.Cancel(id) {
		return fmt.Errorf("task %s could not be cancelled", id)
	}
	return nil
}

func (tec *taskExecutionContext) resultShouldBePublished(id string) error {
	select {
	case result := <-tec.executor.Results():
		if result.TaskID != id {
			return fmt.Errorf("got a result for %s, expected %s", result.TaskID, id)
		}
		tec.result = &result
		return nil
	case <-time.After(resultWait):
		return fmt.Errorf("no result published for %s", id)
	}
}

func (tec *taskExecutionContext) resultShouldBeSuccessful() error {
	if !tec.result.Succeeded() {
		return fmt.Errorf("result failed: %v", tec.result.Err)
	}
	if tec.result.Output == nil {
		return fmt.Errorf("successful result carries no output")
	}
	return nil
}

func (tec *taskExecutionContext) resultOutputKindShouldBe(kind string) error {
	if got := string(tec.result.Output.Kind()); got != kind {
		return fmt.Errorf("output kind is %s, expected %s", got, kind)
	}
	return nil
}

func (tec *taskExecutionContext) resultShouldCarryErrorCode(code string) error {
	if tec.result.Err == nil {
		return fmt.Errorf("result succeeded, expected error %s", code)
	}
	if got := errs.CodeOf(tec.result.Err).String(); got != code {
		return fmt.Errorf("result carries %s (%v), expected %s", got, tec.result.Err, code)
	}
	return nil
}

func (tec *taskExecutionContext) taskShouldEndInState(id, state string) error {
	entry, ok := tec.tracker.Get(id)
	if !ok {
		return fmt.Errorf("task %s not tracked", id)
	}
	if string(entry.State) != state {
		return fmt.Errorf("task %s ended %s, expected %s", id, entry.State, state)
	}
	return nil
}

func InitializeTaskExecutionScenario(ctx *godog.ScenarioContext) {
	tec := &taskExecutionContext{}

	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		tec.reset()
		return ctx, nil
	})
	ctx.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		tec.reset()
		return ctx, nil
	})

	ctx.Step(`^a worker with a mock backend and capacity (\d+)$`, tec.aWorkerWithMockBackend)
	ctx.Step(`^a worker with a stalling backend and capacity (\d+)$`, tec.aWorkerWithStallingBackend)
	ctx.Step(`^the mock backend fails the next execution$`, tec.mockBackendFailsNext)
	ctx.Step(`^an? "([^"]*)" assignment "([^"]*)" is submitted$`, tec.assignmentIsSubmitted)
	ctx.Step(`^task "([^"]*)" is cancelled mid-flight$`, tec.taskIsCancelledMidFlight)

	ctx.Step(`^a result for "([^"]*)" should be published$`, tec.resultShouldBePublished)
	ctx.Step(`^the result should be successful$`, tec.resultShouldBeSuccessful)
	ctx.Step(`^the result output kind should be "([^"]*)"$`, tec.resultOutputKindShouldBe)
	ctx.Step(`^the result should carry error code "([^"]*)"$`, tec.resultShouldCarryErrorCode)
	ctx.Step(`^task "([^"]*)" should end in "([^"]*)" state$`, tec.taskShouldEndInState)
}
