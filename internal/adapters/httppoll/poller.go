// Package httppoll pulls tasks from the HTTP API and pushes results
// and crawled data back. It runs beside the coordinator session as an
// independent task source.
package httppoll

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/ai4all/worker/internal/domain/task"
	"github.com/ai4all/worker/internal/errs"
	"github.com/ai4all/worker/internal/infrastructure/config"
	"github.com/ai4all/worker/internal/infrastructure/signing"
	"github.com/ai4all/worker/internal/protocol"
)

const (
	requestTimeout = 30 * time.Second

	// Tasks pulled over HTTP get a generous generation budget unless
	// the server set one
	httpDefaultMaxTokens = 4096

	defaultTimeoutSecs = 300

	timestampFormat = "2006-01-02T15:04:05.000Z07:00"
)

// PageSpool is the slice of the crawl store the poller drains.
type PageSpool interface {
	PendingPages(ctx context.Context, limit int) ([]task.CrawledPage, []int, error)
	MarkForwarded(ctx context.Context, ids []int) error
}

// Poller polls the HTTP API for pending tasks. It only operates after
// a successful self-registration.
type Poller struct {
	cfg          config.APIConfig
	client       *http.Client
	signer       signing.Signer
	accountID    string
	listenAddr   string
	capabilities protocol.WorkerCapabilities
	spool        PageSpool

	workerID string
	enabled  bool

	mu     sync.Mutex
	polled map[string]struct{}
}

// NewPoller creates a poller. SelfRegister must succeed before Poll
// returns anything.
func NewPoller(cfg config.APIConfig, signer signing.Signer, accountID, listenAddr string, capabilities protocol.WorkerCapabilities, spool PageSpool) *Poller {
	return &Poller{
		cfg:          cfg,
		client:       &http.Client{Timeout: requestTimeout},
		signer:       signer,
		accountID:    accountID,
		listenAddr:   listenAddr,
		capabilities: capabilities,
		spool:        spool,
		polled:       make(map[string]struct{}),
	}
}

// Enabled reports whether self-registration succeeded.
func (p *Poller) Enabled() bool {
	return p.enabled
}

// WorkerID returns the API-assigned worker id.
func (p *Poller) WorkerID() string {
	return p.workerID
}

// apiCapabilities is the HTTP API rendering of the worker capability
// set. The REST surface speaks camelCase, unlike the WS envelopes.
type apiCapabilities struct {
	SupportedTasks     []task.Type `json:"supportedTasks"`
	MaxConcurrentTasks uint32      `json:"maxConcurrentTasks"`
	AvailableMemoryMB  uint64      `json:"availableMemoryMb"`
	GPUAvailable       bool        `json:"gpuAvailable"`
	MaxContextLength   uint32      `json:"maxContextLength"`
	WorkerVersion      string      `json:"workerVersion"`
}

func toAPICapabilities(c protocol.WorkerCapabilities) apiCapabilities {
	return apiCapabilities{
		SupportedTasks:     c.SupportedTasks,
		MaxConcurrentTasks: c.MaxConcurrentTasks,
		AvailableMemoryMB:  c.AvailableMemoryMB,
		GPUAvailable:       c.GPUAvailable,
		MaxContextLength:   c.MaxContextLength,
		WorkerVersion:      c.WorkerVersion,
	}
}

type registerRequest struct {
	AccountID    string          `json:"accountId"`
	Timestamp    string          `json:"timestamp"`
	Signature    string          `json:"signature"`
	ListenAddr   string          `json:"listenAddr"`
	Capabilities apiCapabilities `json:"capabilities"`
}

type registerResponse struct {
	WorkerID string `json:"workerId"`
}

// SelfRegister signs the canonical registration payload and announces
// this worker to the API. A failure leaves HTTP polling disabled for
// the session; the caller decides whether that matters.
func (p *Poller) SelfRegister(ctx context.Context) error {
	if p.accountID == "" || p.signer == nil {
		return errs.New(errs.CodeConfigValidation, "http polling needs an account id and a node key")
	}

	now := time.Now().UTC()
	request := registerRequest{
		AccountID:    p.accountID,
		Timestamp:    now.Format(timestampFormat),
		Signature:    p.signer.Sign([]byte(signing.CanonicalString(p.accountID, now))),
		ListenAddr:   p.listenAddr,
		Capabilities: toAPICapabilities(p.capabilities),
	}

	var response registerResponse
	if err := p.post(ctx, "/peers/register", request, &response); err != nil {
		return err
	}
	if response.WorkerID == "" {
		return errs.New(errs.CodeProtocolMalformed, "registration response carried no worker id")
	}

	p.workerID = response.WorkerID
	p.enabled = true
	return nil
}

// pendingParams carries the optional generation overrides of a pending
// task. Pointers distinguish absent fields from explicit zeros.
type pendingParams struct {
	MaxTokens   *uint32  `json:"max_tokens"`
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
}

// pendingTask is one entry of the /tasks/pending response. The API
// hands out flat text-completion work, not full assignment envelopes.
type pendingTask struct {
	TaskID       string         `json:"taskId"`
	Prompt       string         `json:"prompt"`
	Model        string         `json:"model"`
	SystemPrompt string         `json:"systemPrompt"`
	Priority     string         `json:"priority"`
	Params       *pendingParams `json:"params"`
}

type pendingResponse struct {
	Tasks []pendingTask `json:"tasks"`
}

// Poll fetches at most one pending task and synthesises an assignment
// for the executor. Returns nil when the queue is empty or the poller
// is disabled.
func (p *Poller) Poll(ctx context.Context) (*task.Assignment, error) {
	if !p.enabled {
		return nil, nil
	}

	url := fmt.Sprintf("%s/tasks/pending?workerId=%s&limit=1", p.cfg.BaseURL, p.workerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "building poll request", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.CodeConnectionFailed, "polling for tasks", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, nil
	}

	var response pendingResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, errs.Wrap(errs.CodeProtocolMalformed, "decoding pending tasks", err)
	}
	if len(response.Tasks) == 0 {
		return nil, nil
	}

	pending := response.Tasks[0]
	if pending.TaskID == "" || pending.Prompt == "" {
		return nil, errs.New(errs.CodeProtocolMalformed, "pending task missing taskId or prompt")
	}

	assignment := synthesiseAssignment(pending)
	p.mu.Lock()
	p.polled[assignment.TaskID] = struct{}{}
	p.mu.Unlock()
	return assignment, nil
}

// synthesiseAssignment builds a text-completion assignment from a
// pending task, applying the HTTP defaults for anything the server
// left out.
func synthesiseAssignment(pending pendingTask) *task.Assignment {
	params := task.DefaultGenerationParams()
	params.MaxTokens = httpDefaultMaxTokens
	if pending.Params != nil {
		if pending.Params.MaxTokens != nil {
			params.MaxTokens = *pending.Params.MaxTokens
		}
		if pending.Params.Temperature != nil {
			params.Temperature = *pending.Params.Temperature
		}
		if pending.Params.TopP != nil {
			params.TopP = *pending.Params.TopP
		}
	}

	model := pending.Model
	if model == "" {
		model = "default"
	}

	priority := task.PriorityNormal
	switch pending.Priority {
	case "CRITICAL":
		priority = task.PriorityCritical
	case "HIGH":
		priority = task.PriorityHigh
	case "LOW":
		priority = task.PriorityLow
	}

	return &task.Assignment{
		TaskID:      pending.TaskID,
		ModelID:     model,
		Priority:    priority,
		TimeoutSecs: defaultTimeoutSecs,
		Input: task.Input{
			TextCompletion: &task.TextCompletionInput{
				Prompt:           pending.Prompt,
				SystemPrompt:     pending.SystemPrompt,
				GenerationParams: params,
			},
		},
	}
}

// TakePolled reports whether a task came from HTTP polling and drops
// it from the in-flight set.
func (p *Poller) TakePolled(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.polled[taskID]; !ok {
		return false
	}
	delete(p.polled, taskID)
	return true
}

type tokenUsage struct {
	PromptTokens     uint32 `json:"promptTokens"`
	CompletionTokens uint32 `json:"completionTokens"`
	TotalTokens      uint32 `json:"totalTokens"`
}

type completeRequest struct {
	WorkerID        string     `json:"workerId"`
	TaskID          string     `json:"taskId"`
	Output          string     `json:"output"`
	FinishReason    string     `json:"finishReason"`
	TokenUsage      tokenUsage `json:"tokenUsage"`
	ExecutionTimeMs uint64     `json:"executionTimeMs"`
	Error           *string    `json:"error"`
}

// PostResult reports a finished HTTP-polled task. Errors are for the
// caller's log only; the task is never re-queued.
func (p *Poller) PostResult(ctx context.Context, result protocol.TaskResult) error {
	var output string
	if result.Output != nil {
		if result.Output.TextCompletion != nil {
			output = result.Output.TextCompletion.Text
		} else if encoded, err := json.Marshal(result.Output); err == nil {
			output = string(encoded)
		}
	}

	finishReason := "stop"
	if !result.Success {
		finishReason = "error"
	}

	var tokens uint32
	if result.Metrics.TokensProcessed != nil {
		tokens = *result.Metrics.TokensProcessed
	}

	var errMsg *string
	if result.Error != nil {
		errMsg = &result.Error.Message
	}

	request := completeRequest{
		WorkerID:     p.workerID,
		TaskID:       result.TaskID,
		Output:       output,
		FinishReason: finishReason,
		TokenUsage: tokenUsage{
			PromptTokens:     tokens / 2,
			CompletionTokens: (tokens + 1) / 2,
			TotalTokens:      tokens,
		},
		ExecutionTimeMs: result.Metrics.ExecutionTimeMs,
		Error:           errMsg,
	}
	return p.post(ctx, "/tasks/complete", request, nil)
}

// apiCrawledPage is the HTTP API rendering of a spooled crawl page.
type apiCrawledPage struct {
	URL         string    `json:"url"`
	Title       *string   `json:"title,omitempty"`
	Text        string    `json:"text"`
	Embedding   []float32 `json:"embedding,omitempty"`
	FetchedAt   string    `json:"fetchedAt"`
	ContentHash string    `json:"contentHash"`
}

type crawledUpload struct {
	AccountID string           `json:"accountId"`
	Timestamp string           `json:"timestamp"`
	Signature string           `json:"signature"`
	Pages     []apiCrawledPage `json:"pages"`
}

// ForwardPages drains up to batchSize spooled crawl pages to the API
// and marks them forwarded. The submission is signed the same way as
// registration. Returns how many pages were shipped.
func (p *Poller) ForwardPages(ctx context.Context, batchSize int) (int, error) {
	if !p.enabled || p.spool == nil {
		return 0, nil
	}

	pages, ids, err := p.spool.PendingPages(ctx, batchSize)
	if err != nil {
		return 0, err
	}
	if len(pages) == 0 {
		return 0, nil
	}

	payload := make([]apiCrawledPage, len(pages))
	for i, page := range pages {
		payload[i] = apiCrawledPage{
			URL:         page.URL,
			Title:       page.Title,
			Text:        page.Text,
			Embedding:   page.Embedding,
			FetchedAt:   page.FetchedAt,
			ContentHash: page.ContentHash,
		}
	}

	now := time.Now().UTC()
	upload := crawledUpload{
		AccountID: p.accountID,
		Timestamp: now.Format(timestampFormat),
		Signature: p.signer.Sign([]byte(signing.CanonicalString(p.accountID, now))),
		Pages:     payload,
	}
	if err := p.post(ctx, "/data/crawled", upload, nil); err != nil {
		return 0, err
	}
	if err := p.spool.MarkForwarded(ctx, ids); err != nil {
		log.Printf("httppoll: %d pages uploaded but not marked forwarded: %v", len(pages), err)
	}
	return len(pages), nil
}

func (p *Poller) post(ctx context.Context, path string, body any, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return errs.Wrap(errs.CodeInternal, "encoding request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return errs.Wrap(errs.CodeInternal, "building request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.CodeConnectionFailed, "calling "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errs.Newf(errs.CodeConnectionFailed, "%s returned %d: %s", path, resp.StatusCode, detail)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errs.Wrap(errs.CodeProtocolMalformed, "decoding "+path+" response", err)
		}
	}
	return nil
}
