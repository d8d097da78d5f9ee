package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ai4all/worker/internal/domain/task"
)

// MessageType is the envelope discriminator tag.
type MessageType string

const (
	TypeRegister       MessageType = "REGISTER"
	TypeRegisterAck    MessageType = "REGISTER_ACK"
	TypeHeartbeat      MessageType = "HEARTBEAT"
	TypeHeartbeatAck   MessageType = "HEARTBEAT_ACK"
	TypeTaskAssignment MessageType = "TASK_ASSIGNMENT"
	TypeTaskResult     MessageType = "TASK_RESULT"
	TypeTaskCancel     MessageType = "TASK_CANCEL"
	TypeStatusUpdate   MessageType = "STATUS_UPDATE"
	TypeConfigUpdate   MessageType = "CONFIG_UPDATE"
	TypeShutdown       MessageType = "SHUTDOWN"
	TypeError          MessageType = "ERROR"
	TypePeerDiscover   MessageType = "PEER_DISCOVER"
	TypePeerDirectory  MessageType = "PEER_DIRECTORY"
	TypeGroupAssigned  MessageType = "GROUP_ASSIGNED"
	TypeGroupUpdate    MessageType = "GROUP_UPDATE"
)

// Message is implemented by every coordinator message payload.
type Message interface {
	MessageType() MessageType
}

// WorkerStatus is the worker's operational state as advertised to the
// coordinator and peers.
type WorkerStatus string

const (
	StatusReady    WorkerStatus = "READY"
	StatusBusy     WorkerStatus = "BUSY"
	StatusPaused   WorkerStatus = "PAUSED"
	StatusDraining WorkerStatus = "DRAINING"
	StatusError    WorkerStatus = "ERROR"
)

// WorkerCapabilities describes what a worker can do. Advertised at
// registration and in peer handshakes.
type WorkerCapabilities struct {
	SupportedTasks     []task.Type `json:"supported_tasks"`
	MaxConcurrentTasks uint32      `json:"max_concurrent_tasks"`
	AvailableMemoryMB  uint64      `json:"available_memory_mb"`
	GPUAvailable       bool        `json:"gpu_available"`
	GPUDevice          *string     `json:"gpu_device,omitempty"`
	GPUMemoryMB        *uint64     `json:"gpu_memory_mb,omitempty"`
	MaxContextLength   uint32      `json:"max_context_length"`
	WorkerVersion      string      `json:"worker_version"`
}

// SupportsTask reports whether the capability set includes a task type.
func (c WorkerCapabilities) SupportsTask(t task.Type) bool {
	for _, supported := range c.SupportedTasks {
		if supported == t {
			return true
		}
	}
	return false
}

// Register is the worker registration request.
type Register struct {
	WorkerID     *string            `json:"worker_id,omitempty"`
	Name         string             `json:"name"`
	Capabilities WorkerCapabilities `json:"capabilities"`
	Tags         []string           `json:"tags"`
	AuthToken    *string            `json:"auth_token,omitempty"`
}

func (Register) MessageType() MessageType { return TypeRegister }

// RegisterAck is the coordinator's reply to Register.
type RegisterAck struct {
	Success               bool    `json:"success"`
	WorkerID              string  `json:"worker_id"`
	SessionToken          *string `json:"session_token,omitempty"`
	HeartbeatIntervalSecs uint32  `json:"heartbeat_interval_secs"`
	CoordinatorVersion    Version `json:"coordinator_version"`
	Error                 *string `json:"error,omitempty"`
}

func (RegisterAck) MessageType() MessageType { return TypeRegisterAck }

// ResourceUsageReport is the resource snapshot carried by heartbeats.
type ResourceUsageReport struct {
	CPUPercent        float32  `json:"cpu_percent"`
	MemoryUsedMB      uint64   `json:"memory_used_mb"`
	MemoryAvailableMB uint64   `json:"memory_available_mb"`
	GPUPercent        *float32 `json:"gpu_percent,omitempty"`
	GPUMemoryUsedMB   *uint64  `json:"gpu_memory_used_mb,omitempty"`
	ActiveThreads     uint32   `json:"active_threads"`
}

// Heartbeat is the periodic liveness report from worker to coordinator.
type Heartbeat struct {
	WorkerID           string              `json:"worker_id"`
	Status             WorkerStatus        `json:"status"`
	Resources          ResourceUsageReport `json:"resources"`
	ActiveTasks        []string            `json:"active_tasks"`
	CompletedTaskCount uint32              `json:"completed_task_count"`
	UptimeSecs         uint64              `json:"uptime_secs"`
}

func (Heartbeat) MessageType() MessageType { return TypeHeartbeat }

// HeartbeatAck is the coordinator's reply to Heartbeat.
type HeartbeatAck struct {
	Accepted       bool            `json:"accepted"`
	NextHeartbeat  time.Time       `json:"next_heartbeat"`
	PendingActions json.RawMessage `json:"pending_actions,omitempty"`
}

func (HeartbeatAck) MessageType() MessageType { return TypeHeartbeatAck }

// TaskAssignment delivers a task to the worker.
type TaskAssignment struct {
	task.Assignment
}

func (TaskAssignment) MessageType() MessageType { return TypeTaskAssignment }

// TaskError describes a failed task on the wire.
type TaskError struct {
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	Retryable bool            `json:"retryable"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// TaskMetrics reports execution timings for a finished task.
type TaskMetrics struct {
	QueueTimeMs     uint64   `json:"queue_time_ms"`
	ExecutionTimeMs uint64   `json:"execution_time_ms"`
	TotalTimeMs     uint64   `json:"total_time_ms"`
	TokensProcessed *uint32  `json:"tokens_processed,omitempty"`
	TokensPerSecond *float32 `json:"tokens_per_second,omitempty"`
	PeakMemoryMB    *uint64  `json:"peak_memory_mb,omitempty"`
}

// TaskResult reports a finished task back to its origin.
type TaskResult struct {
	TaskID   string       `json:"task_id"`
	WorkerID string       `json:"worker_id"`
	Success  bool         `json:"success"`
	Output   *task.Output `json:"output,omitempty"`
	Error    *TaskError   `json:"error,omitempty"`
	Metrics  TaskMetrics  `json:"metrics"`
}

func (TaskResult) MessageType() MessageType { return TypeTaskResult }

// TaskCancel asks the worker to abort a task.
type TaskCancel struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
	Force  bool   `json:"force"`
}

func (TaskCancel) MessageType() MessageType { return TypeTaskCancel }

// StatusUpdate notifies the coordinator of a worker status change.
type StatusUpdate struct {
	WorkerID string       `json:"worker_id"`
	Status   WorkerStatus `json:"status"`
	Reason   *string      `json:"reason,omitempty"`
}

func (StatusUpdate) MessageType() MessageType { return TypeStatusUpdate }

// ConfigUpdate carries configuration pushed by the coordinator.
type ConfigUpdate struct {
	Config  json.RawMessage `json:"config"`
	Persist bool            `json:"persist"`
}

func (ConfigUpdate) MessageType() MessageType { return TypeConfigUpdate }

// Shutdown announces a graceful worker shutdown, listing tasks the
// coordinator must reassign.
type Shutdown struct {
	WorkerID       string   `json:"worker_id"`
	Reason         string   `json:"reason"`
	Graceful       bool     `json:"graceful"`
	AbandonedTasks []string `json:"abandoned_tasks"`
}

func (Shutdown) MessageType() MessageType { return TypeShutdown }

// ErrorMessage is an error notification from the coordinator.
type ErrorMessage struct {
	Code             string     `json:"code"`
	Message          string     `json:"message"`
	RelatedMessageID *uuid.UUID `json:"related_message_id,omitempty"`
	Fatal            bool       `json:"fatal"`
}

func (ErrorMessage) MessageType() MessageType { return TypeError }

// PeerDiscover announces this worker's mesh listen address.
type PeerDiscover struct {
	WorkerID     string             `json:"worker_id"`
	ListenAddr   string             `json:"listen_addr"`
	Capabilities WorkerCapabilities `json:"capabilities"`
}

func (PeerDiscover) MessageType() MessageType { return TypePeerDiscover }

// PeerDirectoryEntry is one peer in the coordinator's directory.
type PeerDirectoryEntry struct {
	WorkerID     string             `json:"worker_id"`
	Name         string             `json:"name"`
	ListenAddr   string             `json:"listen_addr"`
	Capabilities WorkerCapabilities `json:"capabilities"`
	Status       WorkerStatus       `json:"status"`
}

// PeerDirectory is the coordinator's list of reachable peers.
type PeerDirectory struct {
	Peers []PeerDirectoryEntry `json:"peers"`
}

func (PeerDirectory) MessageType() MessageType { return TypePeerDirectory }

// GroupPurposeKind tags a group purpose variant.
type GroupPurposeKind string

const (
	PurposeModelShard   GroupPurposeKind = "MODEL_SHARD"
	PurposeTaskPipeline GroupPurposeKind = "TASK_PIPELINE"
	PurposeGeneral      GroupPurposeKind = "GENERAL"
)

// GroupPurpose is the wire form of a work group's purpose,
// discriminated by "type".
type GroupPurpose struct {
	Kind        GroupPurposeKind
	ModelID     string
	TotalShards uint32
	PipelineID  string
	Stages      []task.Type
}

func (p GroupPurpose) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case PurposeModelShard:
		return json.Marshal(struct {
			Type        GroupPurposeKind `json:"type"`
			ModelID     string           `json:"model_id"`
			TotalShards uint32           `json:"total_shards"`
		}{p.Kind, p.ModelID, p.TotalShards})
	case PurposeTaskPipeline:
		return json.Marshal(struct {
			Type       GroupPurposeKind `json:"type"`
			PipelineID string           `json:"pipeline_id"`
			Stages     []task.Type      `json:"stages"`
		}{p.Kind, p.PipelineID, p.Stages})
	default:
		return json.Marshal(struct {
			Type GroupPurposeKind `json:"type"`
		}{PurposeGeneral})
	}
}

func (p *GroupPurpose) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type        GroupPurposeKind `json:"type"`
		ModelID     string           `json:"model_id"`
		TotalShards uint32           `json:"total_shards"`
		PipelineID  string           `json:"pipeline_id"`
		Stages      []task.Type      `json:"stages"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = GroupPurpose{
		Kind:        raw.Type,
		ModelID:     raw.ModelID,
		TotalShards: raw.TotalShards,
		PipelineID:  raw.PipelineID,
		Stages:      raw.Stages,
	}
	return nil
}

// GroupMember is one worker's slot in a group on the wire.
type GroupMember struct {
	WorkerID      string  `json:"worker_id"`
	Role          string  `json:"role"`
	ShardIndex    *uint32 `json:"shard_index,omitempty"`
	PipelineStage *uint32 `json:"pipeline_stage,omitempty"`
}

// GroupAssigned places this worker into a group.
type GroupAssigned struct {
	GroupID string        `json:"group_id"`
	Purpose GroupPurpose  `json:"purpose"`
	Members []GroupMember `json:"members"`
}

func (GroupAssigned) MessageType() MessageType { return TypeGroupAssigned }

// GroupUpdate revises a group's membership.
type GroupUpdate struct {
	GroupID   string        `json:"group_id"`
	Members   []GroupMember `json:"members"`
	Disbanded bool          `json:"disbanded"`
}

func (GroupUpdate) MessageType() MessageType { return TypeGroupUpdate }
