package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TaskMetricsCollector collects metrics for task execution
type TaskMetricsCollector struct {
	tasksTotal   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	tokensTotal  *prometheus.CounterVec
	activeTasks  prometheus.Gauge
}

// NewTaskMetricsCollector creates a new task metrics collector
func NewTaskMetricsCollector() *TaskMetricsCollector {
	return &TaskMetricsCollector{
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "tasks_total",
				Help:      "Total number of executed tasks by type and outcome",
			},
			[]string{"task_type", "outcome"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "task_duration_seconds",
				Help:      "Task execution duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"task_type"},
		),
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "tokens_processed_total",
				Help:      "Total number of tokens processed by task type",
			},
			[]string{"task_type"},
		),
		activeTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "active_tasks",
				Help:      "Number of tasks currently executing",
			},
		),
	}
}

// Register registers all metrics with the global registry
func (c *TaskMetricsCollector) Register() error {
	collectors := []prometheus.Collector{
		c.tasksTotal,
		c.taskDuration,
		c.tokensTotal,
		c.activeTasks,
	}

	for _, collector := range collectors {
		if err := Registry.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

// RecordTaskCompletion records a finished task
func (c *TaskMetricsCollector) RecordTaskCompletion(taskType string, success bool, duration float64, tokens uint32) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.tasksTotal.WithLabelValues(taskType, outcome).Inc()
	c.taskDuration.WithLabelValues(taskType).Observe(duration)
	if tokens > 0 {
		c.tokensTotal.WithLabelValues(taskType).Add(float64(tokens))
	}
}

// SetActiveTasks records the current in-flight task count
func (c *TaskMetricsCollector) SetActiveTasks(count int) {
	c.activeTasks.Set(float64(count))
}

// SessionMetricsCollector collects metrics for the coordinator
// session and the peer mesh
type SessionMetricsCollector struct {
	reconnectsTotal prometheus.Counter
	heartbeatsTotal prometheus.Counter
	connectionState prometheus.Gauge
	connectedPeers  prometheus.Gauge
	spooledPages    prometheus.Counter
}

// NewSessionMetricsCollector creates a new session metrics collector
func NewSessionMetricsCollector() *SessionMetricsCollector {
	return &SessionMetricsCollector{
		reconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "coordinator_reconnects_total",
				Help:      "Total number of coordinator reconnect attempts",
			},
		),
		heartbeatsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "heartbeats_sent_total",
				Help:      "Total number of heartbeats sent to the coordinator",
			},
		),
		connectionState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "coordinator_connected",
				Help:      "Whether the coordinator session is established (1 or 0)",
			},
		),
		connectedPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "connected_peers",
				Help:      "Number of currently connected mesh peers",
			},
		),
		spooledPages: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "crawled_pages_spooled_total",
				Help:      "Total number of crawled pages written to the local spool",
			},
		),
	}
}

// Register registers all metrics with the global registry
func (c *SessionMetricsCollector) Register() error {
	collectors := []prometheus.Collector{
		c.reconnectsTotal,
		c.heartbeatsTotal,
		c.connectionState,
		c.connectedPeers,
		c.spooledPages,
	}

	for _, collector := range collectors {
		if err := Registry.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

// RecordReconnect records a coordinator reconnect attempt
func (c *SessionMetricsCollector) RecordReconnect() {
	c.reconnectsTotal.Inc()
}

// RecordHeartbeat records a sent heartbeat
func (c *SessionMetricsCollector) RecordHeartbeat() {
	c.heartbeatsTotal.Inc()
}

// SetConnectionState records whether the coordinator session is up
func (c *SessionMetricsCollector) SetConnectionState(connected bool) {
	if connected {
		c.connectionState.Set(1)
	} else {
		c.connectionState.Set(0)
	}
}

// SetConnectedPeers records the current mesh peer count
func (c *SessionMetricsCollector) SetConnectedPeers(count int) {
	c.connectedPeers.Set(float64(count))
}

// RecordSpooledPages records crawled pages written to the spool
func (c *SessionMetricsCollector) RecordSpooledPages(count int) {
	c.spooledPages.Add(float64(count))
}

// Setup initializes the registry and registers the worker collectors.
// Call once at startup when metrics are enabled.
func Setup() error {
	InitRegistry()

	tasks := NewTaskMetricsCollector()
	if err := tasks.Register(); err != nil {
		return err
	}
	SetGlobalTaskCollector(tasks)

	session := NewSessionMetricsCollector()
	if err := session.Register(); err != nil {
		return err
	}
	SetGlobalSessionCollector(session)

	return nil
}
