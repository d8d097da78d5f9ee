// Package task defines the task model shared across the worker: task
// kinds, typed inputs and outputs, generation parameters and the
// in-memory tracker that owns every task's lifecycle.
package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies the kind of work a task carries. Values match the
// coordinator wire format.
type Type string

const (
	TypeTextCompletion    Type = "TEXT_COMPLETION"
	TypeEmbeddings        Type = "EMBEDDINGS"
	TypeClassification    Type = "CLASSIFICATION"
	TypeQuestionAnswering Type = "QUESTION_ANSWERING"
	TypeSummarization     Type = "SUMMARIZATION"
	TypeTrainingBatch     Type = "TRAINING_BATCH"
	TypeValidation        Type = "VALIDATION"
	TypeWebCrawl          Type = "WEB_CRAWL"
)

// AllTypes lists every task type.
func AllTypes() []Type {
	return []Type{
		TypeTextCompletion,
		TypeEmbeddings,
		TypeClassification,
		TypeQuestionAnswering,
		TypeSummarization,
		TypeTrainingBatch,
		TypeValidation,
		TypeWebCrawl,
	}
}

// RequiresTraining reports whether the task type needs training support.
func (t Type) RequiresTraining() bool {
	return t == TypeTrainingBatch
}

func (t Type) String() string {
	return string(t)
}

// Priority orders assignments. Values match the coordinator wire format.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// FinishReason explains why generation stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishCancelled     FinishReason = "cancelled"
	FinishError         FinishReason = "error"
)

// TokenUsage is the token accounting attached to inference outputs.
type TokenUsage struct {
	PromptTokens     uint32 `json:"prompt_tokens"`
	CompletionTokens uint32 `json:"completion_tokens"`
	TotalTokens      uint32 `json:"total_tokens"`
}

// NewTokenUsage builds a usage record with the total derived.
func NewTokenUsage(prompt, completion uint32) TokenUsage {
	return TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// GenerationParams are the sampling parameters shared by generative
// task kinds. They are flattened into the input JSON.
type GenerationParams struct {
	MaxTokens         uint32   `json:"max_tokens"`
	Temperature       float32  `json:"temperature"`
	TopP              float32  `json:"top_p"`
	TopK              uint32   `json:"top_k"`
	RepetitionPenalty float32  `json:"repetition_penalty"`
	StopSequences     []string `json:"stop_sequences"`
	Seed              *uint64  `json:"seed,omitempty"`
}

// DefaultGenerationParams returns the wire-format defaults applied when
// a field is absent.
func DefaultGenerationParams() GenerationParams {
	return GenerationParams{
		MaxTokens:         256,
		Temperature:       0.7,
		TopP:              0.9,
		TopK:              0,
		RepetitionPenalty: 1.1,
		StopSequences:     []string{},
	}
}

// TextCompletionInput is the input for TEXT_COMPLETION tasks.
type TextCompletionInput struct {
	Prompt       string `json:"prompt"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	GenerationParams
}

func (in *TextCompletionInput) UnmarshalJSON(data []byte) error {
	type alias TextCompletionInput
	a := alias{GenerationParams: DefaultGenerationParams()}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*in = TextCompletionInput(a)
	return nil
}

// TextCompletionOutput is the output of TEXT_COMPLETION tasks.
type TextCompletionOutput struct {
	Text             string       `json:"text"`
	FinishReason     FinishReason `json:"finish_reason"`
	Usage            TokenUsage   `json:"usage"`
	GenerationTimeMs uint64       `json:"generation_time_ms"`
}

// EmbeddingsInput is the input for EMBEDDINGS tasks.
type EmbeddingsInput struct {
	Texts     []string `json:"texts"`
	Normalize bool     `json:"normalize"`
}

func (in *EmbeddingsInput) UnmarshalJSON(data []byte) error {
	type alias EmbeddingsInput
	a := alias{Normalize: true}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*in = EmbeddingsInput(a)
	return nil
}

// EmbeddingsOutput is the output of EMBEDDINGS tasks.
type EmbeddingsOutput struct {
	Embeddings [][]float32 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	Usage      TokenUsage  `json:"usage"`
}

// ClassificationInput is the input for CLASSIFICATION tasks.
type ClassificationInput struct {
	Text       string   `json:"text"`
	Labels     []string `json:"labels"`
	MultiLabel bool     `json:"multi_label"`
}

// ClassificationPrediction is one label with its confidence.
type ClassificationPrediction struct {
	Label string  `json:"label"`
	Score float32 `json:"score"`
}

// ClassificationOutput is the output of CLASSIFICATION tasks, sorted by
// confidence descending.
type ClassificationOutput struct {
	Predictions []ClassificationPrediction `json:"predictions"`
	Usage       TokenUsage                 `json:"usage"`
}

// QuestionAnsweringInput is the input for QUESTION_ANSWERING tasks.
type QuestionAnsweringInput struct {
	Question string `json:"question"`
	Context  string `json:"context"`
	GenerationParams
}

func (in *QuestionAnsweringInput) UnmarshalJSON(data []byte) error {
	type alias QuestionAnsweringInput
	a := alias{GenerationParams: DefaultGenerationParams()}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*in = QuestionAnsweringInput(a)
	return nil
}

// QuestionAnsweringOutput is the output of QUESTION_ANSWERING tasks.
type QuestionAnsweringOutput struct {
	Answer        string     `json:"answer"`
	Confidence    *float32   `json:"confidence,omitempty"`
	EvidenceSpans [][2]int   `json:"evidence_spans"`
	Usage         TokenUsage `json:"usage"`
}

// SummarizationStyle selects the shape of a summary.
type SummarizationStyle string

const (
	StyleBullets   SummarizationStyle = "bullets"
	StyleParagraph SummarizationStyle = "paragraph"
	StyleTldr      SummarizationStyle = "tldr"
)

// SummarizationInput is the input for SUMMARIZATION tasks.
type SummarizationInput struct {
	Text         string             `json:"text"`
	TargetLength uint32             `json:"target_length"`
	Style        SummarizationStyle `json:"style"`
	GenerationParams
}

func (in *SummarizationInput) UnmarshalJSON(data []byte) error {
	type alias SummarizationInput
	a := alias{
		TargetLength:     100,
		Style:            StyleParagraph,
		GenerationParams: DefaultGenerationParams(),
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*in = SummarizationInput(a)
	return nil
}

// SummarizationOutput is the output of SUMMARIZATION tasks.
type SummarizationOutput struct {
	Summary          string     `json:"summary"`
	CompressionRatio float32    `json:"compression_ratio"`
	Usage            TokenUsage `json:"usage"`
}

// TrainingExample is one supervised example for a training batch.
type TrainingExample struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// TrainingBatchInput is the input for TRAINING_BATCH tasks.
type TrainingBatchInput struct {
	Examples     []TrainingExample `json:"examples"`
	LoraRank     uint32            `json:"lora_rank"`
	LearningRate float32           `json:"learning_rate"`
	Epochs       uint32            `json:"epochs"`
}

func (in *TrainingBatchInput) UnmarshalJSON(data []byte) error {
	type alias TrainingBatchInput
	a := alias{LoraRank: 8, LearningRate: 1e-4, Epochs: 1}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*in = TrainingBatchInput(a)
	return nil
}

// TrainingBatchOutput is the output of TRAINING_BATCH tasks.
type TrainingBatchOutput struct {
	FinalLoss         float32   `json:"final_loss"`
	LossHistory       []float32 `json:"loss_history"`
	LoraWeights       *string   `json:"lora_weights,omitempty"`
	ExamplesProcessed uint32    `json:"examples_processed"`
}

// ValidationTask is the canary payload, discriminated by "type".
type ValidationTask struct {
	TextCompletion *TextCompletionInput
	Embeddings     *EmbeddingsInput
}

func (v ValidationTask) MarshalJSON() ([]byte, error) {
	switch {
	case v.TextCompletion != nil:
		return tagVariant("type", "TextCompletion", v.TextCompletion)
	case v.Embeddings != nil:
		return tagVariant("type", "Embeddings", v.Embeddings)
	default:
		return nil, fmt.Errorf("validation task has no variant set")
	}
}

func (v *ValidationTask) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	switch probe.Type {
	case "TextCompletion":
		v.TextCompletion = &TextCompletionInput{}
		return json.Unmarshal(data, v.TextCompletion)
	case "Embeddings":
		v.Embeddings = &EmbeddingsInput{}
		return json.Unmarshal(data, v.Embeddings)
	default:
		return fmt.Errorf("unknown validation task type %q", probe.Type)
	}
}

// AsInput lifts the canary payload into a regular task input.
func (v ValidationTask) AsInput() Input {
	return Input{
		TextCompletion: v.TextCompletion,
		Embeddings:     v.Embeddings,
	}
}

// ValidationInput is the input for VALIDATION (canary) tasks.
type ValidationInput struct {
	Task         ValidationTask `json:"task"`
	ExpectedHash string         `json:"expected_hash"`
}

// ValidationOutput is the output of VALIDATION tasks.
type ValidationOutput struct {
	Valid      bool            `json:"valid"`
	AnswerHash string          `json:"answer_hash"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// WebCrawlInput is the input for WEB_CRAWL tasks.
type WebCrawlInput struct {
	URL                string   `json:"url"`
	MaxDepth           uint32   `json:"max_depth"`
	MaxPages           uint32   `json:"max_pages"`
	GenerateEmbeddings bool     `json:"generate_embeddings"`
	AllowedDomains     []string `json:"allowed_domains"`
}

func (in *WebCrawlInput) UnmarshalJSON(data []byte) error {
	type alias WebCrawlInput
	a := alias{MaxDepth: 1, MaxPages: 50}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*in = WebCrawlInput(a)
	return nil
}

// CrawledPage is one fetched page.
type CrawledPage struct {
	URL         string    `json:"url"`
	Title       *string   `json:"title"`
	Text        string    `json:"text"`
	Embedding   []float32 `json:"embedding,omitempty"`
	Links       []string  `json:"links"`
	FetchedAt   string    `json:"fetched_at"`
	ContentHash string    `json:"content_hash"`
}

// WebCrawlOutput is the output of WEB_CRAWL tasks.
type WebCrawlOutput struct {
	Pages          []CrawledPage `json:"pages"`
	TotalFetched   uint32        `json:"total_fetched"`
	TotalTextChars uint64        `json:"total_text_chars"`
	Errors         []string      `json:"errors"`
}

// Input is the typed task payload, discriminated on the wire by
// "task_type". Exactly one variant pointer is set.
type Input struct {
	TextCompletion    *TextCompletionInput
	Embeddings        *EmbeddingsInput
	Classification    *ClassificationInput
	QuestionAnswering *QuestionAnsweringInput
	Summarization     *SummarizationInput
	TrainingBatch     *TrainingBatchInput
	Validation        *ValidationInput
	WebCrawl          *WebCrawlInput
}

// Kind returns the task type of the set variant, or "" if none is set.
func (in Input) Kind() Type {
	switch {
	case in.TextCompletion != nil:
		return TypeTextCompletion
	case in.Embeddings != nil:
		return TypeEmbeddings
	case in.Classification != nil:
		return TypeClassification
	case in.QuestionAnswering != nil:
		return TypeQuestionAnswering
	case in.Summarization != nil:
		return TypeSummarization
	case in.TrainingBatch != nil:
		return TypeTrainingBatch
	case in.Validation != nil:
		return TypeValidation
	case in.WebCrawl != nil:
		return TypeWebCrawl
	default:
		return ""
	}
}

func (in Input) variant() any {
	switch in.Kind() {
	case TypeTextCompletion:
		return in.TextCompletion
	case TypeEmbeddings:
		return in.Embeddings
	case TypeClassification:
		return in.Classification
	case TypeQuestionAnswering:
		return in.QuestionAnswering
	case TypeSummarization:
		return in.Summarization
	case TypeTrainingBatch:
		return in.TrainingBatch
	case TypeValidation:
		return in.Validation
	case TypeWebCrawl:
		return in.WebCrawl
	default:
		return nil
	}
}

func (in Input) MarshalJSON() ([]byte, error) {
	v := in.variant()
	if v == nil {
		return nil, fmt.Errorf("task input has no variant set")
	}
	return tagVariant("task_type", string(in.Kind()), v)
}

func (in *Input) UnmarshalJSON(data []byte) error {
	var probe struct {
		TaskType Type `json:"task_type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	switch probe.TaskType {
	case TypeTextCompletion:
		in.TextCompletion = &TextCompletionInput{}
		return json.Unmarshal(data, in.TextCompletion)
	case TypeEmbeddings:
		in.Embeddings = &EmbeddingsInput{}
		return json.Unmarshal(data, in.Embeddings)
	case TypeClassification:
		in.Classification = &ClassificationInput{}
		return json.Unmarshal(data, in.Classification)
	case TypeQuestionAnswering:
		in.QuestionAnswering = &QuestionAnsweringInput{}
		return json.Unmarshal(data, in.QuestionAnswering)
	case TypeSummarization:
		in.Summarization = &SummarizationInput{}
		return json.Unmarshal(data, in.Summarization)
	case TypeTrainingBatch:
		in.TrainingBatch = &TrainingBatchInput{}
		return json.Unmarshal(data, in.TrainingBatch)
	case TypeValidation:
		in.Validation = &ValidationInput{}
		return json.Unmarshal(data, in.Validation)
	case TypeWebCrawl:
		in.WebCrawl = &WebCrawlInput{}
		return json.Unmarshal(data, in.WebCrawl)
	default:
		return fmt.Errorf("unknown task type %q", probe.TaskType)
	}
}

// Output is the typed task result payload, discriminated on the wire by
// "task_type". Exactly one variant pointer is set.
type Output struct {
	TextCompletion    *TextCompletionOutput
	Embeddings        *EmbeddingsOutput
	Classification    *ClassificationOutput
	QuestionAnswering *QuestionAnsweringOutput
	Summarization     *SummarizationOutput
	TrainingBatch     *TrainingBatchOutput
	Validation        *ValidationOutput
	WebCrawl          *WebCrawlOutput
}

// Kind returns the task type of the set variant, or "" if none is set.
func (out Output) Kind() Type {
	switch {
	case out.TextCompletion != nil:
		return TypeTextCompletion
	case out.Embeddings != nil:
		return TypeEmbeddings
	case out.Classification != nil:
		return TypeClassification
	case out.QuestionAnswering != nil:
		return TypeQuestionAnswering
	case out.Summarization != nil:
		return TypeSummarization
	case out.TrainingBatch != nil:
		return TypeTrainingBatch
	case out.Validation != nil:
		return TypeValidation
	case out.WebCrawl != nil:
		return TypeWebCrawl
	default:
		return ""
	}
}

// Usage returns the token usage if the variant carries one.
func (out Output) Usage() *TokenUsage {
	switch {
	case out.TextCompletion != nil:
		return &out.TextCompletion.Usage
	case out.Embeddings != nil:
		return &out.Embeddings.Usage
	case out.Classification != nil:
		return &out.Classification.Usage
	case out.QuestionAnswering != nil:
		return &out.QuestionAnswering.Usage
	case out.Summarization != nil:
		return &out.Summarization.Usage
	default:
		return nil
	}
}

func (out Output) variant() any {
	switch out.Kind() {
	case TypeTextCompletion:
		return out.TextCompletion
	case TypeEmbeddings:
		return out.Embeddings
	case TypeClassification:
		return out.Classification
	case TypeQuestionAnswering:
		return out.QuestionAnswering
	case TypeSummarization:
		return out.Summarization
	case TypeTrainingBatch:
		return out.TrainingBatch
	case TypeValidation:
		return out.Validation
	case TypeWebCrawl:
		return out.WebCrawl
	default:
		return nil
	}
}

func (out Output) MarshalJSON() ([]byte, error) {
	v := out.variant()
	if v == nil {
		return nil, fmt.Errorf("task output has no variant set")
	}
	return tagVariant("task_type", string(out.Kind()), v)
}

func (out *Output) UnmarshalJSON(data []byte) error {
	var probe struct {
		TaskType Type `json:"task_type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	switch probe.TaskType {
	case TypeTextCompletion:
		out.TextCompletion = &TextCompletionOutput{}
		return json.Unmarshal(data, out.TextCompletion)
	case TypeEmbeddings:
		out.Embeddings = &EmbeddingsOutput{}
		return json.Unmarshal(data, out.Embeddings)
	case TypeClassification:
		out.Classification = &ClassificationOutput{}
		return json.Unmarshal(data, out.Classification)
	case TypeQuestionAnswering:
		out.QuestionAnswering = &QuestionAnsweringOutput{}
		return json.Unmarshal(data, out.QuestionAnswering)
	case TypeSummarization:
		out.Summarization = &SummarizationOutput{}
		return json.Unmarshal(data, out.Summarization)
	case TypeTrainingBatch:
		out.TrainingBatch = &TrainingBatchOutput{}
		return json.Unmarshal(data, out.TrainingBatch)
	case TypeValidation:
		out.Validation = &ValidationOutput{}
		return json.Unmarshal(data, out.Validation)
	case TypeWebCrawl:
		out.WebCrawl = &WebCrawlOutput{}
		return json.Unmarshal(data, out.WebCrawl)
	default:
		return fmt.Errorf("unknown task type %q", probe.TaskType)
	}
}

// Assignment is a task delivered to the worker, from any origin.
type Assignment struct {
	TaskID       string     `json:"task_id"`
	BlockID      *string    `json:"block_id,omitempty"`
	DayID        *string    `json:"day_id,omitempty"`
	Priority     Priority   `json:"priority"`
	Deadline     *time.Time `json:"deadline,omitempty"`
	ModelID      string     `json:"model_id"`
	Input        Input      `json:"input"`
	IsCanary     bool       `json:"is_canary"`
	ExpectedHash *string    `json:"expected_hash,omitempty"`
	TimeoutSecs  uint32     `json:"timeout_secs"`
}

func (a *Assignment) UnmarshalJSON(data []byte) error {
	type alias Assignment
	aux := alias{Priority: PriorityNormal, TimeoutSecs: 300}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*a = Assignment(aux)
	return nil
}

// Timeout returns the assignment's execution deadline as a duration.
func (a Assignment) Timeout() time.Duration {
	return time.Duration(a.TimeoutSecs) * time.Second
}

// tagVariant marshals v and injects the discriminator field alongside
// its fields, producing serde-style internally tagged JSON.
func tagVariant(tagKey, tagValue string, v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	tag, err := json.Marshal(tagValue)
	if err != nil {
		return nil, err
	}
	fields[tagKey] = tag
	return json.Marshal(fields)
}
