package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetGlobals() {
	Registry = nil
	globalTaskCollector = nil
	globalSessionCollector = nil
}

func TestSetupRegistersCollectors(t *testing.T) {
	resetGlobals()
	defer resetGlobals()

	require.NoError(t, Setup())
	assert.True(t, IsEnabled())

	RecordTaskCompletion("TEXT_COMPLETION", true, 1.5, 128)
	RecordTaskCompletion("TEXT_COMPLETION", false, 0.2, 0)
	SetActiveTasks(3)
	RecordReconnect()
	SetConnectionState(true)
	SetConnectedPeers(2)
	RecordSpooledPages(5)

	families, err := Registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, family := range families {
		names[family.GetName()] = true
	}
	assert.True(t, names["ai4all_worker_tasks_total"])
	assert.True(t, names["ai4all_worker_task_duration_seconds"])
	assert.True(t, names["ai4all_worker_active_tasks"])
	assert.True(t, names["ai4all_worker_coordinator_reconnects_total"])
	assert.True(t, names["ai4all_worker_connected_peers"])
	assert.True(t, names["ai4all_worker_crawled_pages_spooled_total"])
}

func TestTaskCollectorCountsOutcomes(t *testing.T) {
	resetGlobals()
	defer resetGlobals()

	InitRegistry()
	collector := NewTaskMetricsCollector()
	require.NoError(t, collector.Register())

	collector.RecordTaskCompletion("EMBEDDINGS", true, 0.4, 64)
	collector.RecordTaskCompletion("EMBEDDINGS", true, 0.6, 32)
	collector.RecordTaskCompletion("EMBEDDINGS", false, 0.1, 0)

	success := collector.tasksTotal.WithLabelValues("EMBEDDINGS", "success")
	failure := collector.tasksTotal.WithLabelValues("EMBEDDINGS", "failure")
	assert.Equal(t, 2.0, testutil.ToFloat64(success))
	assert.Equal(t, 1.0, testutil.ToFloat64(failure))

	tokens := collector.tokensTotal.WithLabelValues("EMBEDDINGS")
	assert.Equal(t, 96.0, testutil.ToFloat64(tokens))
}

func TestRecordersAreNilSafe(t *testing.T) {
	resetGlobals()
	defer resetGlobals()

	assert.False(t, IsEnabled())

	// No-ops when metrics are disabled
	RecordTaskCompletion("TEXT_COMPLETION", true, 1.0, 10)
	SetActiveTasks(1)
	RecordHeartbeat()
	SetConnectedPeers(4)
}
