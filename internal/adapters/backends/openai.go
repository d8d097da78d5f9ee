package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ai4all/worker/internal/domain/backend"
	"github.com/ai4all/worker/internal/domain/task"
	"github.com/ai4all/worker/internal/errs"
)

// OpenAIConfig configures the OpenAI-compatible backend. The default
// base URL targets a local Ollama server.
type OpenAIConfig struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
	Timeout      time.Duration
	MaxRetries   int
}

// OpenAI talks to any OpenAI-compatible chat/embeddings API, such as
// Ollama, vLLM or the hosted OpenAI service.
type OpenAI struct {
	cfg    OpenAIConfig
	client *http.Client

	mu          sync.Mutex
	loadedModel string
}

// NewOpenAI creates the backend. Zero config fields fall back to the
// local Ollama defaults.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434/v1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "llama3"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &OpenAI{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (o *OpenAI) Name() string       { return "openai" }
func (o *OpenAI) Kind() backend.Kind { return backend.KindOpenAI }

func (o *OpenAI) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name: "openai",
		SupportedTasks: []task.Type{
			task.TypeTextCompletion,
			task.TypeEmbeddings,
			task.TypeQuestionAnswering,
			task.TypeSummarization,
		},
		SupportsStreaming: true,
		MaxContextLength:  8192,
		MaxBatchSize:      16,
	}
}

func (o *OpenAI) Health(ctx context.Context) backend.Health {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.BaseURL+"/models", nil)
	if err != nil {
		msg := err.Error()
		return backend.Health{Error: &msg}
	}
	o.authorize(req)

	resp, err := o.client.Do(req)
	if err != nil {
		msg := err.Error()
		return backend.Health{Error: &msg}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	_, loaded := o.LoadedModel()
	return backend.Health{
		Operational: resp.StatusCode < 500,
		ModelLoaded: loaded,
	}
}

func (o *OpenAI) ResourceUsage(context.Context) backend.ResourceUsage {
	// The remote server owns the resources; nothing meaningful to report.
	return backend.ResourceUsage{}
}

// LoadModel records the model name to use on subsequent requests. The
// remote server loads weights lazily on first use.
func (o *OpenAI) LoadModel(_ context.Context, modelID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loadedModel = modelID
	return nil
}

func (o *OpenAI) LoadModelFromPath(context.Context, string) error {
	return errs.New(errs.CodeNotSupported, "openai backend cannot load models from a local path")
}

func (o *OpenAI) UnloadModel(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loadedModel = ""
	return nil
}

func (o *OpenAI) LoadedModel() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loadedModel, o.loadedModel != ""
}

func (o *OpenAI) Execute(ctx context.Context, in task.Input) (task.Output, error) {
	switch {
	case in.TextCompletion != nil:
		return o.textCompletion(ctx, in.TextCompletion)
	case in.Embeddings != nil:
		return o.embeddings(ctx, in.Embeddings)
	case in.QuestionAnswering != nil:
		return o.questionAnswering(ctx, in.QuestionAnswering)
	case in.Summarization != nil:
		return o.summarization(ctx, in.Summarization)
	default:
		return task.Output{}, errs.Newf(errs.CodeNotSupported,
			"openai backend does not support task type %s", in.Kind())
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   uint32        `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	TopP        float32       `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Seed        *uint64       `json:"seed,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     uint32 `json:"prompt_tokens"`
		CompletionTokens uint32 `json:"completion_tokens"`
	} `json:"usage"`
}

func (o *OpenAI) chat(ctx context.Context, system, user string, params task.GenerationParams) (*chatResponse, uint64, error) {
	var messages []chatMessage
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: user})

	body := chatRequest{
		Model:       o.model(),
		Messages:    messages,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		Stop:        params.StopSequences,
		Seed:        params.Seed,
	}

	started := time.Now()
	var out chatResponse
	if err := o.post(ctx, "/chat/completions", body, &out); err != nil {
		return nil, 0, err
	}
	if len(out.Choices) == 0 {
		return nil, 0, errs.New(errs.CodeExecutionFailed, "chat completion returned no choices")
	}
	return &out, uint64(time.Since(started).Milliseconds()), nil
}

func (o *OpenAI) textCompletion(ctx context.Context, in *task.TextCompletionInput) (task.Output, error) {
	resp, elapsed, err := o.chat(ctx, in.SystemPrompt, in.Prompt, in.GenerationParams)
	if err != nil {
		return task.Output{}, err
	}
	return task.Output{TextCompletion: &task.TextCompletionOutput{
		Text:             resp.Choices[0].Message.Content,
		FinishReason:     mapFinishReason(resp.Choices[0].FinishReason),
		Usage:            task.NewTokenUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
		GenerationTimeMs: elapsed,
	}}, nil
}

func (o *OpenAI) questionAnswering(ctx context.Context, in *task.QuestionAnsweringInput) (task.Output, error) {
	prompt := fmt.Sprintf("Answer the question using only the provided context.\n\nContext:\n%s\n\nQuestion: %s",
		in.Context, in.Question)
	resp, _, err := o.chat(ctx, "", prompt, in.GenerationParams)
	if err != nil {
		return task.Output{}, err
	}
	return task.Output{QuestionAnswering: &task.QuestionAnsweringOutput{
		Answer: resp.Choices[0].Message.Content,
		Usage:  task.NewTokenUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}}, nil
}

func (o *OpenAI) summarization(ctx context.Context, in *task.SummarizationInput) (task.Output, error) {
	var instruction string
	switch in.Style {
	case task.StyleBullets:
		instruction = fmt.Sprintf("Summarise the text as bullet points, about %d words total.", in.TargetLength)
	case task.StyleTldr:
		instruction = fmt.Sprintf("Write a one-line TLDR of at most %d words.", in.TargetLength)
	default:
		instruction = fmt.Sprintf("Summarise the text in a paragraph of about %d words.", in.TargetLength)
	}
	resp, _, err := o.chat(ctx, instruction, in.Text, in.GenerationParams)
	if err != nil {
		return task.Output{}, err
	}

	summary := resp.Choices[0].Message.Content
	ratio := float32(1)
	if len(in.Text) > 0 {
		ratio = float32(len(summary)) / float32(len(in.Text))
	}
	return task.Output{Summarization: &task.SummarizationOutput{
		Summary:          summary,
		CompressionRatio: ratio,
		Usage:            task.NewTokenUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}}, nil
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		PromptTokens uint32 `json:"prompt_tokens"`
	} `json:"usage"`
}

func (o *OpenAI) embeddings(ctx context.Context, in *task.EmbeddingsInput) (task.Output, error) {
	var resp embeddingsResponse
	err := o.post(ctx, "/embeddings", embeddingsRequest{Model: o.model(), Input: in.Texts}, &resp)
	if err != nil {
		return task.Output{}, err
	}
	if len(resp.Data) != len(in.Texts) {
		return task.Output{}, errs.Newf(errs.CodeExecutionFailed,
			"embeddings count mismatch: asked %d, got %d", len(in.Texts), len(resp.Data))
	}

	embeddings := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		embeddings[d.Index] = d.Embedding
	}
	dims := 0
	if len(embeddings) > 0 {
		dims = len(embeddings[0])
	}
	if in.Normalize {
		for _, vec := range embeddings {
			normalise(vec)
		}
	}
	return task.Output{Embeddings: &task.EmbeddingsOutput{
		Embeddings: embeddings,
		Dimensions: dims,
		Usage:      task.NewTokenUsage(resp.Usage.PromptTokens, 0),
	}}, nil
}

// post sends a JSON request and decodes the JSON response, retrying
// transient failures up to the configured limit.
func (o *OpenAI) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errs.Wrap(errs.CodeExecutionFailed, "encoding request", err)
	}

	var lastErr error
	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return errs.Wrap(errs.CodeExecutionCancelled, "request aborted", ctx.Err())
			}
		}

		lastErr = o.postOnce(ctx, path, payload, out)
		if lastErr == nil {
			return nil
		}
		if !errs.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (o *OpenAI) postOnce(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errs.Wrap(errs.CodeExecutionFailed, "building request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	o.authorize(req)

	resp, err := o.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.CodeConnectionFailed, "calling "+path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Wrap(errs.CodeIORead, "reading response", err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return errs.Newf(errs.CodeConnectionFailed, "%s returned %s", path, resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return errs.Newf(errs.CodeExecutionFailed, "%s returned %s: %s",
			path, resp.Status, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.Wrap(errs.CodeExecutionFailed, "decoding response", err)
	}
	return nil
}

func (o *OpenAI) authorize(req *http.Request) {
	if o.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	}
}

func (o *OpenAI) model() string {
	if model, ok := o.LoadedModel(); ok {
		return model
	}
	return o.cfg.DefaultModel
}

func mapFinishReason(reason string) task.FinishReason {
	switch reason {
	case "stop":
		return task.FinishStop
	case "length":
		return task.FinishLength
	case "content_filter":
		return task.FinishContentFilter
	default:
		return task.FinishStop
	}
}

func normalise(vec []float32) {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return
	}
	inv := 1 / float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
}
