package task

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai4all/worker/internal/errs"
)

func textAssignment(id string) Assignment {
	return Assignment{
		TaskID:      id,
		Priority:    PriorityNormal,
		ModelID:     "test-model",
		TimeoutSecs: 300,
		Input: Input{TextCompletion: &TextCompletionInput{
			Prompt:           "hi",
			GenerationParams: DefaultGenerationParams(),
		}},
	}
}

func TestTrackerAddAndGet(t *testing.T) {
	tracker := NewTracker(4)

	require.NoError(t, tracker.Add(textAssignment("t1"), Origin{Kind: OriginCoordinator}))

	entry, ok := tracker.Get("t1")
	require.True(t, ok)
	assert.Equal(t, StateQueued, entry.State)
	assert.Equal(t, OriginCoordinator, entry.Origin.Kind)
	assert.Equal(t, 1, tracker.ActiveCount())
}

func TestTrackerCapacityExhausted(t *testing.T) {
	tracker := NewTracker(2)

	require.NoError(t, tracker.Add(textAssignment("t1"), Origin{Kind: OriginCoordinator}))
	require.NoError(t, tracker.Add(textAssignment("t2"), Origin{Kind: OriginCoordinator}))

	err := tracker.Add(textAssignment("t3"), Origin{Kind: OriginCoordinator})
	require.Error(t, err)
	assert.Equal(t, errs.CodeResourceCapacity, errs.CodeOf(err))
	assert.Equal(t, 2, tracker.ActiveCount())

	// Completing a task frees a slot.
	tracker.MarkRunning("t1")
	tracker.MarkCompleted("t1", 10)
	require.NoError(t, tracker.Add(textAssignment("t3"), Origin{Kind: OriginCoordinator}))
}

func TestTrackerDuplicateActiveRejected(t *testing.T) {
	tracker := NewTracker(4)

	require.NoError(t, tracker.Add(textAssignment("t1"), Origin{Kind: OriginCoordinator}))
	assert.Error(t, tracker.Add(textAssignment("t1"), Origin{Kind: OriginCoordinator}))

	// A terminal entry may be replaced.
	tracker.MarkRunning("t1")
	tracker.MarkCompleted("t1", 0)
	assert.NoError(t, tracker.Add(textAssignment("t1"), Origin{Kind: OriginCoordinator}))
}

func TestTrackerLifecycle(t *testing.T) {
	tracker := NewTracker(4)
	require.NoError(t, tracker.Add(textAssignment("t1"), Origin{Kind: OriginCoordinator}))

	assert.True(t, tracker.MarkRunning("t1"))
	entry, _ := tracker.Get("t1")
	assert.Equal(t, StateRunning, entry.State)
	assert.NotNil(t, entry.StartedAt)

	assert.True(t, tracker.MarkCompleted("t1", 42))
	entry, _ = tracker.Get("t1")
	assert.Equal(t, StateCompleted, entry.State)
	assert.NotNil(t, entry.CompletedAt)
	assert.Equal(t, uint32(42), entry.Tokens)
	assert.Equal(t, uint64(1), tracker.TotalCompleted())
}

func TestTrackerIllegalTransitionsDropped(t *testing.T) {
	tracker := NewTracker(4)
	require.NoError(t, tracker.Add(textAssignment("t1"), Origin{Kind: OriginCoordinator}))

	// Running before queued -> completed is illegal.
	assert.False(t, tracker.MarkCompleted("t1", 0))

	tracker.MarkRunning("t1")
	tracker.MarkCompleted("t1", 0)

	// Terminal states are sticky.
	assert.False(t, tracker.MarkRunning("t1"))
	assert.False(t, tracker.MarkFailed("t1", "late failure"))
	assert.Equal(t, uint64(0), tracker.TotalFailed())
}

func TestTrackerCancel(t *testing.T) {
	tracker := NewTracker(4)
	require.NoError(t, tracker.Add(textAssignment("t1"), Origin{Kind: OriginCoordinator}))
	tracker.MarkRunning("t1")

	signal := tracker.CancelSignal("t1")
	require.NotNil(t, signal)

	assert.True(t, tracker.Cancel("t1"))
	select {
	case <-signal:
	case <-time.After(time.Second):
		t.Fatal("cancel signal not fired")
	}

	entry, _ := tracker.Get("t1")
	assert.Equal(t, StateCancelled, entry.State)

	// Cancelling a terminal task returns false and mutates nothing.
	assert.False(t, tracker.Cancel("t1"))
	assert.False(t, tracker.Cancel("missing"))
}

func TestTrackerMetrics(t *testing.T) {
	tracker := NewTracker(4)
	require.NoError(t, tracker.Add(textAssignment("t1"), Origin{Kind: OriginCoordinator}))
	tracker.MarkRunning("t1")
	time.Sleep(10 * time.Millisecond)
	tracker.MarkCompleted("t1", 100)

	m, ok := tracker.Metrics("t1")
	require.True(t, ok)
	assert.GreaterOrEqual(t, m.ExecutionTime, 10*time.Millisecond)
	assert.GreaterOrEqual(t, m.TotalTime, m.ExecutionTime)
	assert.Greater(t, m.TokensPerSecond, 0.0)
}

func TestTrackerCleanupOldKeepsMostRecent(t *testing.T) {
	tracker := NewTracker(100)

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("t%d", i)
		require.NoError(t, tracker.Add(textAssignment(id), Origin{Kind: OriginCoordinator}))
		tracker.MarkRunning(id)
		tracker.MarkCompleted(id, 0)
		time.Sleep(time.Millisecond)
	}

	removed := tracker.CleanupOld(3)
	assert.Equal(t, 7, removed)

	// The newest entries survive.
	_, ok := tracker.Get("t9")
	assert.True(t, ok)
	_, ok = tracker.Get("t0")
	assert.False(t, ok)
}

func TestTrackerRunningIDs(t *testing.T) {
	tracker := NewTracker(4)
	require.NoError(t, tracker.Add(textAssignment("a"), Origin{Kind: OriginCoordinator}))
	require.NoError(t, tracker.Add(textAssignment("b"), Origin{Kind: OriginHTTPPolled}))
	tracker.MarkRunning("a")

	assert.Equal(t, []string{"a"}, tracker.RunningIDs())
}
