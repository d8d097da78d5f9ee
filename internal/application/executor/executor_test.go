package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai4all/worker/internal/adapters/backends"
	"github.com/ai4all/worker/internal/domain/backend"
	"github.com/ai4all/worker/internal/domain/task"
	"github.com/ai4all/worker/internal/errs"
)

// blockingBackend parks Execute until released, for timeout and
// cancellation tests.
type blockingBackend struct {
	*backends.Mock
	release chan struct{}
}

func newBlockingBackend() *blockingBackend {
	return &blockingBackend{Mock: backends.NewMock(), release: make(chan struct{})}
}

func (b *blockingBackend) Execute(ctx context.Context, in task.Input) (task.Output, error) {
	select {
	case <-b.release:
		return b.Mock.Execute(ctx, in)
	case <-ctx.Done():
		return task.Output{}, ctx.Err()
	}
}

func newExecutor(t *testing.T, b backend.Backend, maxConcurrent int) *Executor {
	t.Helper()
	registry := backend.NewRegistry()
	registry.Register(b)
	e := New(registry, task.NewTracker(maxConcurrent))
	t.Cleanup(e.Shutdown)
	return e
}

func assignment(id string, timeoutSecs uint32) task.Assignment {
	return task.Assignment{
		TaskID:      id,
		Priority:    task.PriorityNormal,
		TimeoutSecs: timeoutSecs,
		Input: task.Input{TextCompletion: &task.TextCompletionInput{
			Prompt:           "hello",
			GenerationParams: task.DefaultGenerationParams(),
		}},
	}
}

func waitResult(t *testing.T, e *Executor) Result {
	t.Helper()
	select {
	case r := <-e.Results():
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no result arrived")
		return Result{}
	}
}

func TestExecutorRunsTask(t *testing.T) {
	e := newExecutor(t, backends.NewMock(), 4)

	require.NoError(t, e.Submit(assignment("t1", 30), task.Origin{Kind: task.OriginCoordinator}))

	r := waitResult(t, e)
	assert.True(t, r.Succeeded())
	assert.Equal(t, "t1", r.TaskID)
	assert.Equal(t, task.OriginCoordinator, r.Origin.Kind)
	require.NotNil(t, r.Output)
	assert.NotEmpty(t, r.Output.TextCompletion.Text)
	assert.Greater(t, r.Metrics.TokensProcessed, uint32(0))
}

func TestExecutorCapacityRejection(t *testing.T) {
	b := newBlockingBackend()
	e := newExecutor(t, b, 1)

	require.NoError(t, e.Submit(assignment("t1", 30), task.Origin{Kind: task.OriginCoordinator}))

	err := e.Submit(assignment("t2", 30), task.Origin{Kind: task.OriginCoordinator})
	require.Error(t, err)
	assert.Equal(t, errs.CodeResourceCapacity, errs.CodeOf(err))

	// Finishing the first task frees the slot.
	close(b.release)
	waitResult(t, e)
	assert.NoError(t, e.Submit(assignment("t2", 30), task.Origin{Kind: task.OriginCoordinator}))
	waitResult(t, e)
}

func TestExecutorTimeout(t *testing.T) {
	e := newExecutor(t, newBlockingBackend(), 4)

	a := assignment("t1", 30)
	a.TimeoutSecs = 1
	require.NoError(t, e.Submit(a, task.Origin{Kind: task.OriginCoordinator}))

	r := waitResult(t, e)
	require.False(t, r.Succeeded())
	assert.Equal(t, errs.CodeExecutionTimeout, errs.CodeOf(r.Err))
	assert.True(t, errs.IsRetryable(r.Err))
}

func TestExecutorZeroTimeoutFailsImmediately(t *testing.T) {
	e := newExecutor(t, newBlockingBackend(), 4)

	require.NoError(t, e.Submit(assignment("t1", 0), task.Origin{Kind: task.OriginCoordinator}))

	r := waitResult(t, e)
	require.False(t, r.Succeeded())
	assert.Equal(t, errs.CodeExecutionTimeout, errs.CodeOf(r.Err))
}

func TestExecutorCancel(t *testing.T) {
	e := newExecutor(t, newBlockingBackend(), 4)

	require.NoError(t, e.Submit(assignment("t1", 300), task.Origin{Kind: task.OriginCoordinator}))
	time.Sleep(50 * time.Millisecond)
	require.True(t, e.Cancel("t1"))

	r := waitResult(t, e)
	require.False(t, r.Succeeded())
	assert.Equal(t, errs.CodeExecutionCancelled, errs.CodeOf(r.Err))

	assert.False(t, e.Cancel("t1"))
	assert.False(t, e.Cancel("missing"))
}

func TestExecutorUnsupportedTaskType(t *testing.T) {
	e := newExecutor(t, backends.NewMock(), 4)

	a := task.Assignment{
		TaskID:      "t1",
		TimeoutSecs: 30,
		Input: task.Input{WebCrawl: &task.WebCrawlInput{
			URL: "https://example.com", MaxDepth: 1, MaxPages: 1,
		}},
	}
	require.NoError(t, e.Submit(a, task.Origin{Kind: task.OriginCoordinator}))

	r := waitResult(t, e)
	require.False(t, r.Succeeded())
	assert.Equal(t, errs.CodeNotSupported, errs.CodeOf(r.Err))
	assert.False(t, errs.IsRetryable(r.Err))
}

func TestExecutorRejectsEmptyInput(t *testing.T) {
	e := newExecutor(t, backends.NewMock(), 4)

	err := e.Submit(task.Assignment{TaskID: "t1", TimeoutSecs: 30}, task.Origin{Kind: task.OriginCoordinator})
	require.Error(t, err)
	assert.Equal(t, errs.CodeProtocolMalformed, errs.CodeOf(err))
}

func TestExecutorLoadsRequestedModel(t *testing.T) {
	mock := backends.NewMock()
	e := newExecutor(t, mock, 4)

	a := assignment("t1", 30)
	a.ModelID = "llama-7b"
	require.NoError(t, e.Submit(a, task.Origin{Kind: task.OriginCoordinator}))
	waitResult(t, e)

	model, ok := mock.LoadedModel()
	require.True(t, ok)
	assert.Equal(t, "llama-7b", model)
}

func TestExecutorPeerOriginPreserved(t *testing.T) {
	e := newExecutor(t, backends.NewMock(), 4)

	origin := task.Origin{Kind: task.OriginPeer, PeerWorkerID: "w9"}
	require.NoError(t, e.Submit(assignment("t1", 30), origin))

	r := waitResult(t, e)
	assert.Equal(t, task.OriginPeer, r.Origin.Kind)
	assert.Equal(t, "w9", r.Origin.PeerWorkerID)
}
