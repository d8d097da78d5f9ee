// Package backend defines the inference backend contract and the
// registry that selects a backend for each task type.
package backend

import (
	"context"

	"github.com/ai4all/worker/internal/domain/task"
)

// Kind names a backend implementation. Kinds have a fixed selection
// priority, hardware-accelerated backends first.
type Kind string

const (
	KindCUDA    Kind = "cuda"
	KindROCm    Kind = "rocm"
	KindVulkan  Kind = "vulkan"
	KindOpenAI  Kind = "openai"
	KindCPU     Kind = "cpu"
	KindCrawler Kind = "crawler"
	KindMock    Kind = "mock"
)

// priorityOrder is the preference order used when several backends
// support the same task type.
var priorityOrder = []Kind{
	KindCUDA, KindROCm, KindVulkan, KindOpenAI, KindCPU, KindCrawler, KindMock,
}

// Capabilities describes what a backend can do.
type Capabilities struct {
	Name              string      `json:"name"`
	SupportedTasks    []task.Type `json:"supported_tasks"`
	SupportsTraining  bool        `json:"supports_training"`
	SupportsStreaming bool        `json:"supports_streaming"`
	MaxContextLength  uint32      `json:"max_context_length"`
	MaxBatchSize      uint32      `json:"max_batch_size"`
	GPUAvailable      bool        `json:"gpu_available"`
	GPUDevice         *string     `json:"gpu_device,omitempty"`
}

// SupportsTask reports whether the backend handles a task type.
func (c Capabilities) SupportsTask(t task.Type) bool {
	for _, supported := range c.SupportedTasks {
		if supported == t {
			return true
		}
	}
	return false
}

// Health is a backend's self-reported condition.
type Health struct {
	Operational     bool    `json:"operational"`
	ModelLoaded     bool    `json:"model_loaded"`
	MemoryUsedMB    uint64  `json:"memory_used_mb"`
	GPUMemoryUsedMB *uint64 `json:"gpu_memory_used_mb,omitempty"`
	Error           *string `json:"error,omitempty"`
}

// ResourceUsage is a backend's resource consumption snapshot.
type ResourceUsage struct {
	CPUPercent        float32
	MemoryUsedMB      uint64
	MemoryAvailableMB uint64
	GPUPercent        *float32
	GPUMemoryUsedMB   *uint64
	ActiveThreads     uint32
}

// Backend executes tasks against a model runtime. Implementations must
// be safe for concurrent use; Execute honours context cancellation.
type Backend interface {
	Name() string
	Kind() Kind
	Capabilities() Capabilities
	Health(ctx context.Context) Health
	ResourceUsage(ctx context.Context) ResourceUsage

	LoadModel(ctx context.Context, modelID string) error
	LoadModelFromPath(ctx context.Context, path string) error
	UnloadModel(ctx context.Context) error
	LoadedModel() (string, bool)

	Execute(ctx context.Context, in task.Input) (task.Output, error)
}
