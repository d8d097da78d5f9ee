package httppoll

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai4all/worker/internal/domain/task"
	"github.com/ai4all/worker/internal/infrastructure/config"
	"github.com/ai4all/worker/internal/infrastructure/signing"
	"github.com/ai4all/worker/internal/protocol"
)

type fakeSpool struct {
	pages     []task.CrawledPage
	ids       []int
	forwarded []int
}

func (f *fakeSpool) PendingPages(ctx context.Context, limit int) ([]task.CrawledPage, []int, error) {
	if limit > len(f.pages) {
		limit = len(f.pages)
	}
	return f.pages[:limit], f.ids[:limit], nil
}

func (f *fakeSpool) MarkForwarded(ctx context.Context, ids []int) error {
	f.forwarded = append(f.forwarded, ids...)
	return nil
}

type apiCall struct {
	path string
	body map[string]json.RawMessage
}

// fakeAPI records calls and serves canned responses per path.
type fakeAPI struct {
	server    *httptest.Server
	calls     chan apiCall
	pending   []byte
	pendingOK bool
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	fake := &fakeAPI{calls: make(chan apiCall, 16), pending: []byte(`{"tasks": []}`), pendingOK: true}
	fake.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := apiCall{path: r.URL.Path}
		if r.Method == http.MethodPost {
			json.NewDecoder(r.Body).Decode(&call.body)
		}
		fake.calls <- call

		switch r.URL.Path {
		case "/peers/register":
			json.NewEncoder(w).Encode(map[string]string{"workerId": "http-worker-1"})
		case "/tasks/pending":
			if !fake.pendingOK {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write(fake.pending)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(fake.server.Close)
	return fake
}

func (f *fakeAPI) nextCall(t *testing.T) apiCall {
	t.Helper()
	select {
	case call := <-f.calls:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("no API call recorded")
		return apiCall{}
	}
}

func newTestPoller(t *testing.T, fake *fakeAPI, spool PageSpool) *Poller {
	t.Helper()
	signer, err := signing.LoadOrGenerate(t.TempDir() + "/node.key")
	require.NoError(t, err)

	capabilities := protocol.WorkerCapabilities{
		SupportedTasks:     []task.Type{task.TypeTextCompletion, task.TypeWebCrawl},
		MaxConcurrentTasks: 4,
		WorkerVersion:      "test",
	}
	cfg := config.APIConfig{Enabled: true, BaseURL: fake.server.URL, PollIntervalMs: 5000}
	return NewPoller(cfg, signer, "acct-7", "127.0.0.1:9000", capabilities, spool)
}

func TestSelfRegisterAdoptsWorkerID(t *testing.T) {
	fake := newFakeAPI(t)
	poller := newTestPoller(t, fake, nil)

	require.NoError(t, poller.SelfRegister(context.Background()))
	assert.True(t, poller.Enabled())
	assert.Equal(t, "http-worker-1", poller.WorkerID())

	call := fake.nextCall(t)
	assert.Equal(t, "/peers/register", call.path)
	for _, field := range []string{"accountId", "timestamp", "signature", "listenAddr", "capabilities"} {
		assert.Contains(t, call.body, field)
	}

	var caps map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(call.body["capabilities"], &caps))
	for _, field := range []string{"supportedTasks", "maxConcurrentTasks", "availableMemoryMb", "gpuAvailable", "maxContextLength", "workerVersion"} {
		assert.Contains(t, caps, field)
	}
}

func TestSelfRegisterRequiresIdentity(t *testing.T) {
	fake := newFakeAPI(t)
	poller := newTestPoller(t, fake, nil)
	poller.accountID = ""

	assert.Error(t, poller.SelfRegister(context.Background()))
	assert.False(t, poller.Enabled())
}

func TestPollSynthesisesAssignment(t *testing.T) {
	fake := newFakeAPI(t)
	fake.pending = []byte(`{"tasks": [{
		"taskId": "t-http-1",
		"prompt": "hello",
		"model": "llama3",
		"systemPrompt": "be brief",
		"priority": "HIGH"
	}]}`)

	poller := newTestPoller(t, fake, nil)
	require.NoError(t, poller.SelfRegister(context.Background()))

	assignment, err := poller.Poll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, assignment)

	assert.Equal(t, "t-http-1", assignment.TaskID)
	assert.Equal(t, "llama3", assignment.ModelID)
	assert.Equal(t, task.PriorityHigh, assignment.Priority)
	assert.Equal(t, uint32(300), assignment.TimeoutSecs)
	require.NotNil(t, assignment.Input.TextCompletion)
	assert.Equal(t, "hello", assignment.Input.TextCompletion.Prompt)
	assert.Equal(t, "be brief", assignment.Input.TextCompletion.SystemPrompt)
	assert.Equal(t, uint32(4096), assignment.Input.TextCompletion.MaxTokens)

	assert.True(t, poller.TakePolled("t-http-1"))
	assert.False(t, poller.TakePolled("t-http-1"))
}

func TestPollDecodesMinimalPendingTask(t *testing.T) {
	fake := newFakeAPI(t)
	fake.pending = []byte(`{"tasks":[{"taskId":"h1","prompt":"x","model":"m"}]}`)

	poller := newTestPoller(t, fake, nil)
	require.NoError(t, poller.SelfRegister(context.Background()))

	assignment, err := poller.Poll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, assignment)
	assert.Equal(t, "h1", assignment.TaskID)
	assert.Equal(t, "m", assignment.ModelID)
	assert.Equal(t, task.PriorityNormal, assignment.Priority)
	require.NotNil(t, assignment.Input.TextCompletion)
	assert.Equal(t, "x", assignment.Input.TextCompletion.Prompt)
	assert.Equal(t, float32(0.7), assignment.Input.TextCompletion.Temperature)
	assert.Equal(t, float32(0.9), assignment.Input.TextCompletion.TopP)
}

func TestPollDefaultsModelName(t *testing.T) {
	fake := newFakeAPI(t)
	fake.pending = []byte(`{"tasks":[{"taskId":"h2","prompt":"x"}]}`)

	poller := newTestPoller(t, fake, nil)
	require.NoError(t, poller.SelfRegister(context.Background()))

	assignment, err := poller.Poll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, assignment)
	assert.Equal(t, "default", assignment.ModelID)
}

func TestPollKeepsExplicitGenerationBudget(t *testing.T) {
	fake := newFakeAPI(t)
	fake.pending = []byte(`{"tasks": [{
		"taskId": "t-http-2",
		"prompt": "hello",
		"model": "llama3",
		"params": {"max_tokens": 16, "temperature": 0.2}
	}]}`)

	poller := newTestPoller(t, fake, nil)
	require.NoError(t, poller.SelfRegister(context.Background()))

	assignment, err := poller.Poll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, assignment)
	assert.Equal(t, uint32(16), assignment.Input.TextCompletion.MaxTokens)
	assert.Equal(t, float32(0.2), assignment.Input.TextCompletion.Temperature)
	assert.Equal(t, float32(0.9), assignment.Input.TextCompletion.TopP)
}

func TestPollRejectsPendingTaskWithoutPrompt(t *testing.T) {
	fake := newFakeAPI(t)
	fake.pending = []byte(`{"tasks":[{"taskId":"h3","model":"m"}]}`)

	poller := newTestPoller(t, fake, nil)
	require.NoError(t, poller.SelfRegister(context.Background()))

	assignment, err := poller.Poll(context.Background())
	assert.Error(t, err)
	assert.Nil(t, assignment)
}

func TestPollSkipsServerErrors(t *testing.T) {
	fake := newFakeAPI(t)
	fake.pendingOK = false

	poller := newTestPoller(t, fake, nil)
	require.NoError(t, poller.SelfRegister(context.Background()))

	assignment, err := poller.Poll(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, assignment)
}

func TestPollDisabledWithoutRegistration(t *testing.T) {
	fake := newFakeAPI(t)
	poller := newTestPoller(t, fake, nil)

	assignment, err := poller.Poll(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, assignment)
}

func TestPostResultReportsUsageAndFinishReason(t *testing.T) {
	fake := newFakeAPI(t)
	poller := newTestPoller(t, fake, nil)
	require.NoError(t, poller.SelfRegister(context.Background()))
	fake.nextCall(t)

	tokens := uint32(42)
	result := protocol.TaskResult{
		TaskID:   "t-http-1",
		WorkerID: "http-worker-1",
		Success:  true,
		Output: &task.Output{TextCompletion: &task.TextCompletionOutput{
			Text:         "generated",
			FinishReason: task.FinishStop,
		}},
		Metrics: protocol.TaskMetrics{ExecutionTimeMs: 1234, TokensProcessed: &tokens},
	}
	require.NoError(t, poller.PostResult(context.Background(), result))

	call := fake.nextCall(t)
	assert.Equal(t, "/tasks/complete", call.path)
	assert.JSONEq(t, `"http-worker-1"`, string(call.body["workerId"]))
	assert.JSONEq(t, `"t-http-1"`, string(call.body["taskId"]))
	assert.JSONEq(t, `"generated"`, string(call.body["output"]))
	assert.JSONEq(t, `"stop"`, string(call.body["finishReason"]))
	assert.JSONEq(t, `{"promptTokens":21,"completionTokens":21,"totalTokens":42}`, string(call.body["tokenUsage"]))
	assert.JSONEq(t, `1234`, string(call.body["executionTimeMs"]))
	assert.JSONEq(t, `null`, string(call.body["error"]))
}

func TestPostResultReportsFailure(t *testing.T) {
	fake := newFakeAPI(t)
	poller := newTestPoller(t, fake, nil)
	require.NoError(t, poller.SelfRegister(context.Background()))
	fake.nextCall(t)

	result := protocol.TaskResult{
		TaskID:   "t-http-9",
		WorkerID: "http-worker-1",
		Success:  false,
		Error:    &protocol.TaskError{Code: "E501", Message: "task timed out"},
	}
	require.NoError(t, poller.PostResult(context.Background(), result))

	call := fake.nextCall(t)
	assert.JSONEq(t, `"error"`, string(call.body["finishReason"]))
	assert.JSONEq(t, `"task timed out"`, string(call.body["error"]))
	assert.JSONEq(t, `{"promptTokens":0,"completionTokens":0,"totalTokens":0}`, string(call.body["tokenUsage"]))
}

func TestForwardPagesDrainsSpool(t *testing.T) {
	fake := newFakeAPI(t)
	title := "Example"
	spool := &fakeSpool{
		pages: []task.CrawledPage{{URL: "https://example.com", Title: &title, Text: "hi", FetchedAt: "2026-01-02T03:04:05Z", ContentHash: "abc"}},
		ids:   []int{7},
	}
	poller := newTestPoller(t, fake, spool)
	require.NoError(t, poller.SelfRegister(context.Background()))
	fake.nextCall(t)

	sent, err := poller.ForwardPages(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []int{7}, spool.forwarded)

	call := fake.nextCall(t)
	assert.Equal(t, "/data/crawled", call.path)
	for _, field := range []string{"accountId", "timestamp", "signature", "pages"} {
		assert.Contains(t, call.body, field)
	}

	var pages []map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(call.body["pages"], &pages))
	require.Len(t, pages, 1)
	assert.Contains(t, pages[0], "fetchedAt")
	assert.Contains(t, pages[0], "contentHash")
}

func TestForwardPagesEmptySpool(t *testing.T) {
	fake := newFakeAPI(t)
	poller := newTestPoller(t, fake, &fakeSpool{})
	require.NoError(t, poller.SelfRegister(context.Background()))

	sent, err := poller.ForwardPages(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
}
