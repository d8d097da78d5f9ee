package backends

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai4all/worker/internal/domain/task"
	"github.com/ai4all/worker/internal/errs"
)

func TestMockTextCompletionDeterministic(t *testing.T) {
	mock := NewMock()
	in := task.Input{TextCompletion: &task.TextCompletionInput{
		Prompt:           "Hello",
		GenerationParams: task.GenerationParams{MaxTokens: 40},
	}}

	first, err := mock.Execute(context.Background(), in)
	require.NoError(t, err)
	second, err := mock.Execute(context.Background(), in)
	require.NoError(t, err)

	require.NotNil(t, first.TextCompletion)
	assert.Equal(t, first.TextCompletion.Text, second.TextCompletion.Text)
	assert.Equal(t, task.FinishLength, first.TextCompletion.FinishReason)
	assert.Equal(t, uint64(2), mock.Calls())
}

func TestMockTextCompletionRespectsTokenBudget(t *testing.T) {
	mock := NewMock()
	out, err := mock.Execute(context.Background(), task.Input{
		TextCompletion: &task.TextCompletionInput{
			Prompt:           "hi",
			GenerationParams: task.GenerationParams{MaxTokens: 8},
		},
	})
	require.NoError(t, err)

	// A budget of 8 tokens allows two words.
	words := len(strings.Fields(out.TextCompletion.Text))
	assert.Equal(t, 2, words)
	assert.LessOrEqual(t, out.TextCompletion.Usage.CompletionTokens, uint32(8))
}

func TestMockEmbeddingsNormalised(t *testing.T) {
	mock := NewMock()
	out, err := mock.Execute(context.Background(), task.Input{
		Embeddings: &task.EmbeddingsInput{Texts: []string{"alpha", "beta"}, Normalize: true},
	})
	require.NoError(t, err)

	require.NotNil(t, out.Embeddings)
	assert.Equal(t, mockEmbeddingDims, out.Embeddings.Dimensions)
	require.Len(t, out.Embeddings.Embeddings, 2)

	var norm float64
	for _, v := range out.Embeddings.Embeddings[0] {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 0.01)

	// Different texts embed differently.
	assert.NotEqual(t, out.Embeddings.Embeddings[0], out.Embeddings.Embeddings[1])
}

func TestMockClassificationScoresSumToOne(t *testing.T) {
	mock := NewMock()
	out, err := mock.Execute(context.Background(), task.Input{
		Classification: &task.ClassificationInput{
			Text:   "great product",
			Labels: []string{"positive", "negative", "neutral"},
		},
	})
	require.NoError(t, err)

	var total float32
	for _, p := range out.Classification.Predictions {
		total += p.Score
	}
	assert.InDelta(t, 1.0, total, 0.001)

	// Sorted descending.
	scores := out.Classification.Predictions
	for i := 1; i < len(scores); i++ {
		assert.GreaterOrEqual(t, scores[i-1].Score, scores[i].Score)
	}
}

func TestMockValidationMatchesOwnHash(t *testing.T) {
	mock := NewMock()
	canary := task.ValidationTask{TextCompletion: &task.TextCompletionInput{
		Prompt:           "2+2?",
		GenerationParams: task.DefaultGenerationParams(),
	}}

	// First run discovers the hash, second validates against it.
	probe, err := mock.Execute(context.Background(), task.Input{
		Validation: &task.ValidationInput{Task: canary},
	})
	require.NoError(t, err)
	require.NotNil(t, probe.Validation)
	assert.False(t, probe.Validation.Valid)

	confirmed, err := mock.Execute(context.Background(), task.Input{
		Validation: &task.ValidationInput{
			Task:         canary,
			ExpectedHash: probe.Validation.AnswerHash,
		},
	})
	require.NoError(t, err)
	assert.True(t, confirmed.Validation.Valid)
	assert.Equal(t, probe.Validation.AnswerHash, confirmed.Validation.AnswerHash)
}

func TestMockTrainingBatchLossDecreases(t *testing.T) {
	mock := NewMock()
	out, err := mock.Execute(context.Background(), task.Input{
		TrainingBatch: &task.TrainingBatchInput{
			Examples: []task.TrainingExample{{Input: "a", Output: "b"}},
			Epochs:   3,
		},
	})
	require.NoError(t, err)

	history := out.TrainingBatch.LossHistory
	require.Len(t, history, 3)
	assert.Less(t, history[2], history[0])
	assert.Equal(t, history[2], out.TrainingBatch.FinalLoss)
	assert.Equal(t, uint32(3), out.TrainingBatch.ExamplesProcessed)
}

func TestMockFailureInjection(t *testing.T) {
	mock := NewMock()
	in := task.Input{Embeddings: &task.EmbeddingsInput{Texts: []string{"x"}}}

	mock.FailNext()
	_, err := mock.Execute(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, errs.CodeExecutionFailed, errs.CodeOf(err))

	// Only the one call fails.
	_, err = mock.Execute(context.Background(), in)
	assert.NoError(t, err)

	mock.SetFailAll(true)
	_, err = mock.Execute(context.Background(), in)
	assert.Error(t, err)
	mock.SetFailAll(false)
}

func TestMockUnsupportedTask(t *testing.T) {
	mock := NewMock()
	_, err := mock.Execute(context.Background(), task.Input{
		WebCrawl: &task.WebCrawlInput{URL: "https://example.com"},
	})
	require.Error(t, err)
	assert.Equal(t, errs.CodeNotSupported, errs.CodeOf(err))
}

func TestMockSlowExecuteHonoursCancellation(t *testing.T) {
	mock := NewMock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mock.slowExecute(ctx, task.Input{
		Embeddings: &task.EmbeddingsInput{Texts: []string{"x"}},
	}, time.Second)
	require.Error(t, err)
	assert.Equal(t, errs.CodeExecutionCancelled, errs.CodeOf(err))
}

func TestMockModelLifecycle(t *testing.T) {
	mock := NewMock()

	_, loaded := mock.LoadedModel()
	assert.False(t, loaded)

	require.NoError(t, mock.LoadModel(context.Background(), "llama-7b"))
	model, loaded := mock.LoadedModel()
	assert.True(t, loaded)
	assert.Equal(t, "llama-7b", model)
	assert.True(t, mock.Health(context.Background()).ModelLoaded)

	require.NoError(t, mock.UnloadModel(context.Background()))
	_, loaded = mock.LoadedModel()
	assert.False(t, loaded)
}
