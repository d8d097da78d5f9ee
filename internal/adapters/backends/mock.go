// Package backends provides the built-in backend implementations: the
// deterministic mock, the OpenAI-compatible HTTP client and the web
// crawler.
package backends

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ai4all/worker/internal/domain/backend"
	"github.com/ai4all/worker/internal/domain/task"
	"github.com/ai4all/worker/internal/errs"
)

const mockEmbeddingDims = 384

var mockWords = []string{
	"the", "quick", "model", "generates", "tokens", "for", "testing",
	"pipelines", "without", "loading", "weights", "into", "memory",
}

// Mock is a deterministic in-process backend used for tests and dry
// runs. Same input, same output, no model weights involved.
type Mock struct {
	mu          sync.Mutex
	loadedModel string

	calls    atomic.Uint64
	failNext atomic.Bool
	failAll  atomic.Bool
}

// NewMock creates a mock backend.
func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) Name() string       { return "mock" }
func (m *Mock) Kind() backend.Kind { return backend.KindMock }

func (m *Mock) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name: "mock",
		SupportedTasks: []task.Type{
			task.TypeTextCompletion,
			task.TypeEmbeddings,
			task.TypeClassification,
			task.TypeQuestionAnswering,
			task.TypeSummarization,
			task.TypeTrainingBatch,
			task.TypeValidation,
		},
		SupportsTraining: true,
		MaxContextLength: 4096,
		MaxBatchSize:     32,
	}
}

func (m *Mock) Health(context.Context) backend.Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return backend.Health{
		Operational: true,
		ModelLoaded: m.loadedModel != "",
	}
}

func (m *Mock) ResourceUsage(context.Context) backend.ResourceUsage {
	return backend.ResourceUsage{
		CPUPercent:        1.0,
		MemoryUsedMB:      64,
		MemoryAvailableMB: 8192,
		ActiveThreads:     1,
	}
}

func (m *Mock) LoadModel(_ context.Context, modelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadedModel = modelID
	return nil
}

func (m *Mock) LoadModelFromPath(ctx context.Context, path string) error {
	return m.LoadModel(ctx, path)
}

func (m *Mock) UnloadModel(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadedModel = ""
	return nil
}

func (m *Mock) LoadedModel() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadedModel, m.loadedModel != ""
}

// Calls returns the number of Execute invocations.
func (m *Mock) Calls() uint64 { return m.calls.Load() }

// FailNext makes the next Execute call fail.
func (m *Mock) FailNext() { m.failNext.Store(true) }

// SetFailAll toggles unconditional Execute failure.
func (m *Mock) SetFailAll(fail bool) { m.failAll.Store(fail) }

func (m *Mock) Execute(ctx context.Context, in task.Input) (task.Output, error) {
	m.calls.Add(1)

	if err := ctx.Err(); err != nil {
		return task.Output{}, errs.Wrap(errs.CodeExecutionCancelled, "execution aborted", err)
	}
	if m.failAll.Load() || m.failNext.Swap(false) {
		return task.Output{}, errs.New(errs.CodeExecutionFailed, "injected mock failure")
	}

	switch {
	case in.TextCompletion != nil:
		return m.textCompletion(in.TextCompletion), nil
	case in.Embeddings != nil:
		return m.embeddings(in.Embeddings), nil
	case in.Classification != nil:
		return m.classification(in.Classification), nil
	case in.QuestionAnswering != nil:
		return m.questionAnswering(in.QuestionAnswering), nil
	case in.Summarization != nil:
		return m.summarization(in.Summarization), nil
	case in.TrainingBatch != nil:
		return m.trainingBatch(in.TrainingBatch), nil
	case in.Validation != nil:
		return m.validation(ctx, in.Validation)
	default:
		return task.Output{}, errs.Newf(errs.CodeNotSupported,
			"mock backend does not support task type %s", in.Kind())
	}
}

// mockText returns a deterministic word sequence seeded by the prompt,
// capped at roughly a quarter of the token budget.
func mockText(prompt string, maxTokens uint32) (string, uint32) {
	wordCount := int(maxTokens / 4)
	if wordCount < 1 {
		wordCount = 1
	}
	seed := sha256.Sum256([]byte(prompt))
	start := int(seed[0]) % len(mockWords)

	words := make([]string, wordCount)
	for i := range words {
		words[i] = mockWords[(start+i)%len(mockWords)]
	}
	text := strings.Join(words, " ")
	return text, estimateTokens(text)
}

// estimateTokens approximates tokens as words times four thirds.
func estimateTokens(text string) uint32 {
	words := len(strings.Fields(text))
	return uint32(words * 4 / 3)
}

func (m *Mock) textCompletion(in *task.TextCompletionInput) task.Output {
	text, completionTokens := mockText(in.Prompt, in.MaxTokens)
	return task.Output{TextCompletion: &task.TextCompletionOutput{
		Text:             text,
		FinishReason:     task.FinishLength,
		Usage:            task.NewTokenUsage(estimateTokens(in.Prompt), completionTokens),
		GenerationTimeMs: 1,
	}}
}

// mockEmbedding derives a unit vector from the text's digest. Equal
// texts always embed identically.
func mockEmbedding(text string) []float32 {
	digest := sha256.Sum256([]byte(text))
	vec := make([]float32, mockEmbeddingDims)
	var norm float64
	for i := range vec {
		// Stretch the 32 digest bytes across the whole vector.
		word := binary.BigEndian.Uint32([]byte{
			digest[i%32], digest[(i+7)%32], digest[(i+13)%32], digest[(i+19)%32],
		})
		v := float64(word)/float64(math.MaxUint32)*2 - 1
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec
}

func (m *Mock) embeddings(in *task.EmbeddingsInput) task.Output {
	embeddings := make([][]float32, len(in.Texts))
	var promptTokens uint32
	for i, text := range in.Texts {
		embeddings[i] = mockEmbedding(text)
		promptTokens += estimateTokens(text)
	}
	return task.Output{Embeddings: &task.EmbeddingsOutput{
		Embeddings: embeddings,
		Dimensions: mockEmbeddingDims,
		Usage:      task.NewTokenUsage(promptTokens, 0),
	}}
}

func (m *Mock) classification(in *task.ClassificationInput) task.Output {
	predictions := make([]task.ClassificationPrediction, len(in.Labels))
	digest := sha256.Sum256([]byte(in.Text))
	var total float32
	for i, label := range in.Labels {
		labelDigest := sha256.Sum256([]byte(label))
		score := float32(digest[i%32]^labelDigest[0]) + 1
		predictions[i] = task.ClassificationPrediction{Label: label, Score: score}
		total += score
	}
	if !in.MultiLabel && total > 0 {
		for i := range predictions {
			predictions[i].Score /= total
		}
	}
	sort.Slice(predictions, func(i, j int) bool {
		return predictions[i].Score > predictions[j].Score
	})
	return task.Output{Classification: &task.ClassificationOutput{
		Predictions: predictions,
		Usage:       task.NewTokenUsage(estimateTokens(in.Text), 0),
	}}
}

func (m *Mock) questionAnswering(in *task.QuestionAnsweringInput) task.Output {
	answer, completionTokens := mockText(in.Question+"\n"+in.Context, in.MaxTokens)
	confidence := float32(0.5)
	return task.Output{QuestionAnswering: &task.QuestionAnsweringOutput{
		Answer:     answer,
		Confidence: &confidence,
		Usage: task.NewTokenUsage(
			estimateTokens(in.Question)+estimateTokens(in.Context), completionTokens),
	}}
}

func (m *Mock) summarization(in *task.SummarizationInput) task.Output {
	budget := in.TargetLength * 4
	summary, completionTokens := mockText(in.Text, budget)
	sourceChars := len(in.Text)
	ratio := float32(1)
	if sourceChars > 0 {
		ratio = float32(len(summary)) / float32(sourceChars)
	}
	return task.Output{Summarization: &task.SummarizationOutput{
		Summary:          summary,
		CompressionRatio: ratio,
		Usage:            task.NewTokenUsage(estimateTokens(in.Text), completionTokens),
	}}
}

func (m *Mock) trainingBatch(in *task.TrainingBatchInput) task.Output {
	epochs := int(in.Epochs)
	if epochs < 1 {
		epochs = 1
	}
	history := make([]float32, epochs)
	loss := float32(2.5)
	for i := range history {
		loss *= 0.8
		history[i] = loss
	}
	return task.Output{TrainingBatch: &task.TrainingBatchOutput{
		FinalLoss:         loss,
		LossHistory:       history,
		ExamplesProcessed: uint32(len(in.Examples)) * uint32(epochs),
	}}
}

func (m *Mock) validation(ctx context.Context, in *task.ValidationInput) (task.Output, error) {
	inner := in.Task.AsInput()
	result, err := m.Execute(ctx, inner)
	if err != nil {
		return task.Output{}, err
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return task.Output{}, errs.Wrap(errs.CodeExecutionFailed, "encoding canary result", err)
	}
	hash := hashBytes(raw)
	return task.Output{Validation: &task.ValidationOutput{
		Valid:      hash == in.ExpectedHash,
		AnswerHash: hash,
		Result:     raw,
	}}, nil
}

// hashBytes produces the canonical hex digest used to compare canary
// answers across workers.
func hashBytes(raw []byte) string {
	digest := sha256.Sum256(raw)
	return hex.EncodeToString(digest[:])
}

// slowExecute simulates latency for manual testing. Unused in the
// normal path.
func (m *Mock) slowExecute(ctx context.Context, in task.Input, delay time.Duration) (task.Output, error) {
	select {
	case <-time.After(delay):
		return m.Execute(ctx, in)
	case <-ctx.Done():
		return task.Output{}, errs.Wrap(errs.CodeExecutionCancelled,
			fmt.Sprintf("aborted %s task", in.Kind()), ctx.Err())
	}
}
