package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// Namespace for all metrics
	namespace = "ai4all"
	// Subsystem for worker metrics
	subsystem = "worker"
)

var (
	// Registry is the global Prometheus registry for all metrics
	Registry *prometheus.Registry

	// globalTaskCollector is the singleton task metrics collector
	// Set by SetGlobalTaskCollector() when metrics are enabled
	globalTaskCollector TaskMetricsRecorder

	// globalSessionCollector is the singleton session metrics collector
	// Set by SetGlobalSessionCollector() when metrics are enabled
	globalSessionCollector SessionMetricsRecorder
)

// TaskMetricsRecorder defines the interface for recording task events
type TaskMetricsRecorder interface {
	RecordTaskCompletion(taskType string, success bool, duration float64, tokens uint32)
	SetActiveTasks(count int)
}

// SessionMetricsRecorder defines the interface for recording
// coordinator session and mesh events
type SessionMetricsRecorder interface {
	RecordReconnect()
	RecordHeartbeat()
	SetConnectionState(connected bool)
	SetConnectedPeers(count int)
	RecordSpooledPages(count int)
}

// InitRegistry initializes the Prometheus registry
// Should be called once at application startup if metrics are enabled
func InitRegistry() {
	Registry = prometheus.NewRegistry()
}

// IsEnabled returns true if metrics collection is enabled
func IsEnabled() bool {
	return Registry != nil
}

// SetGlobalTaskCollector sets the global task metrics collector
func SetGlobalTaskCollector(collector TaskMetricsRecorder) {
	globalTaskCollector = collector
}

// SetGlobalSessionCollector sets the global session metrics collector
func SetGlobalSessionCollector(collector SessionMetricsRecorder) {
	globalSessionCollector = collector
}

// RecordTaskCompletion records a finished task globally
func RecordTaskCompletion(taskType string, success bool, duration float64, tokens uint32) {
	if globalTaskCollector != nil {
		globalTaskCollector.RecordTaskCompletion(taskType, success, duration, tokens)
	}
}

// SetActiveTasks records the current in-flight task count globally
func SetActiveTasks(count int) {
	if globalTaskCollector != nil {
		globalTaskCollector.SetActiveTasks(count)
	}
}

// RecordReconnect records a coordinator reconnect attempt globally
func RecordReconnect() {
	if globalSessionCollector != nil {
		globalSessionCollector.RecordReconnect()
	}
}

// RecordHeartbeat records a sent heartbeat globally
func RecordHeartbeat() {
	if globalSessionCollector != nil {
		globalSessionCollector.RecordHeartbeat()
	}
}

// SetConnectionState records whether the coordinator session is up
func SetConnectionState(connected bool) {
	if globalSessionCollector != nil {
		globalSessionCollector.SetConnectionState(connected)
	}
}

// SetConnectedPeers records the current mesh peer count globally
func SetConnectedPeers(count int) {
	if globalSessionCollector != nil {
		globalSessionCollector.SetConnectedPeers(count)
	}
}

// RecordSpooledPages records crawled pages written to the spool
func RecordSpooledPages(count int) {
	if globalSessionCollector != nil {
		globalSessionCollector.RecordSpooledPages(count)
	}
}

// Serve exposes the registry on /metrics until the context ends.
// Returns immediately when metrics are not enabled.
func Serve(ctx context.Context, addr string) error {
	if Registry == nil {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
