package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai4all/worker/internal/adapters/backends"
	"github.com/ai4all/worker/internal/adapters/coordinator"
	"github.com/ai4all/worker/internal/domain/backend"
	"github.com/ai4all/worker/internal/domain/peer"
	"github.com/ai4all/worker/internal/domain/task"
	"github.com/ai4all/worker/internal/infrastructure/config"
	"github.com/ai4all/worker/internal/protocol"

	appexec "github.com/ai4all/worker/internal/application/executor"
)

// harness wires a supervisor against a scripted coordinator.
type harness struct {
	supervisor *Supervisor
	conn       *websocket.Conn
	runErr     chan error
	cancel     context.CancelFunc
}

func startHarness(t *testing.T) *harness {
	t.Helper()

	upgrader := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(server.Close)

	cfg := config.LoadConfigOrDefault("")
	cfg.Coordinator.URL = "ws" + strings.TrimPrefix(server.URL, "http")
	cfg.Coordinator.ReconnectIntervalMs = 50
	cfg.Peer.Enabled = false
	cfg.API.Enabled = false

	registry := backend.NewRegistry()
	registry.Register(backends.NewMock())

	tracker := task.NewTracker(2)
	exec := appexec.New(registry, tracker)

	capabilities := protocol.WorkerCapabilities{
		SupportedTasks:     registry.SupportedTasks(),
		MaxConcurrentTasks: 2,
		WorkerVersion:      "test",
	}

	sup := New(Deps{
		Config:       cfg,
		Backends:     registry,
		Tracker:      tracker,
		Executor:     exec,
		Peers:        peer.NewRegistry(),
		Groups:       peer.NewGroupManager("worker-local"),
		Capabilities: capabilities,
	})
	session := coordinator.NewSession(cfg.Coordinator,
		coordinator.Identity{Name: "unit-worker"}, capabilities, sup)
	sup.SetSession(session)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- sup.Run(ctx) }()

	var conn *websocket.Conn
	select {
	case conn = <-conns:
	case <-time.After(3 * time.Second):
		t.Fatal("worker never connected")
	}

	// Complete the registration exchange
	envelope := readEnvelope(t, conn)
	_, ok := envelope.Message.(*protocol.Register)
	require.True(t, ok, "expected REGISTER, got %T", envelope.Message)
	sendEnvelope(t, conn, protocol.RegisterAck{
		Success:               true,
		WorkerID:              "worker-assigned",
		HeartbeatIntervalSecs: 30,
		CoordinatorVersion:    protocol.Current,
	})

	h := &harness{supervisor: sup, conn: conn, runErr: runErr, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		select {
		case <-runErr:
		case <-time.After(3 * time.Second):
		}
	})
	return h
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	envelope, err := protocol.DecodeEnvelope(data)
	require.NoError(t, err)
	return envelope
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, msg protocol.Message) {
	t.Helper()
	data, err := json.Marshal(protocol.NewEnvelope(msg))
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// readUntilResult skips status updates and discovery chatter.
func readUntilResult(t *testing.T, conn *websocket.Conn) *protocol.TaskResult {
	t.Helper()
	for i := 0; i < 10; i++ {
		envelope := readEnvelope(t, conn)
		if result, ok := envelope.Message.(*protocol.TaskResult); ok {
			return result
		}
	}
	t.Fatal("no task result received")
	return nil
}

func TestAssignmentRunsAndReportsBack(t *testing.T) {
	h := startHarness(t)

	sendEnvelope(t, h.conn, protocol.TaskAssignment{Assignment: task.Assignment{
		TaskID:      "t-1",
		ModelID:     "mock-model",
		TimeoutSecs: 30,
		Input:       task.Input{TextCompletion: &task.TextCompletionInput{Prompt: "hello world"}},
	}})

	result := readUntilResult(t, h.conn)
	assert.Equal(t, "t-1", result.TaskID)
	assert.Equal(t, "worker-assigned", result.WorkerID)
	assert.True(t, result.Success)
	require.NotNil(t, result.Output)
	require.NotNil(t, result.Output.TextCompletion)
	assert.NotEmpty(t, result.Output.TextCompletion.Text)
}

func TestUnsupportedTaskReportsError(t *testing.T) {
	h := startHarness(t)

	sendEnvelope(t, h.conn, protocol.TaskAssignment{Assignment: task.Assignment{
		TaskID:      "t-crawl",
		TimeoutSecs: 30,
		Input: task.Input{WebCrawl: &task.WebCrawlInput{
			URL:      "https://example.com",
			MaxDepth: 1,
			MaxPages: 1,
		}},
	}})

	result := readUntilResult(t, h.conn)
	assert.Equal(t, "t-crawl", result.TaskID)
	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, "E902", result.Error.Code)
	assert.False(t, result.Error.Retryable)
}

func TestCoordinatorShutdownStopsSupervisor(t *testing.T) {
	h := startHarness(t)

	sendEnvelope(t, h.conn, protocol.Shutdown{
		WorkerID: "worker-assigned",
		Reason:   "maintenance",
		Graceful: true,
	})

	select {
	case err := <-h.runErr:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not stop on coordinator shutdown")
	}
}

func TestSignalShutdownAnnouncesToCoordinator(t *testing.T) {
	h := startHarness(t)

	h.cancel()

	for i := 0; i < 10; i++ {
		envelope := readEnvelope(t, h.conn)
		if shutdown, ok := envelope.Message.(*protocol.Shutdown); ok {
			assert.True(t, shutdown.Graceful)
			return
		}
	}
	t.Fatal("no shutdown envelope received")
}

func TestHeartbeatSnapshotTracksUptime(t *testing.T) {
	h := startHarness(t)

	snapshot := h.supervisor.HeartbeatSnapshot()
	assert.Equal(t, protocol.StatusReady, snapshot.Status)
	assert.NotNil(t, snapshot.ActiveTasks)
	assert.Positive(t, snapshot.Resources.ActiveThreads)
}

// HeartbeatSnapshot runs on the session goroutine while the supervisor
// loop flips the worker status around task completions.
func TestHeartbeatSnapshotConcurrentWithResults(t *testing.T) {
	h := startHarness(t)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				h.supervisor.HeartbeatSnapshot()
			}
		}
	}()

	for i := 0; i < 4; i++ {
		sendEnvelope(t, h.conn, protocol.TaskAssignment{Assignment: task.Assignment{
			TaskID:      fmt.Sprintf("t-hb-%d", i),
			ModelID:     "mock-model",
			TimeoutSecs: 30,
			Input:       task.Input{TextCompletion: &task.TextCompletionInput{Prompt: "hello"}},
		}})
		readUntilResult(t, h.conn)
	}

	close(stop)
	<-done
}

func TestRunWaitsForShutdownAnnouncement(t *testing.T) {
	h := startHarness(t)

	h.cancel()
	select {
	case err := <-h.runErr:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not stop")
	}

	// By the time Run has returned, the farewell must already be on
	// the wire.
	for i := 0; i < 10; i++ {
		envelope := readEnvelope(t, h.conn)
		if shutdown, ok := envelope.Message.(*protocol.Shutdown); ok {
			assert.True(t, shutdown.Graceful)
			return
		}
	}
	t.Fatal("no shutdown envelope received")
}
