package protocol

import (
	"encoding/json"

	"github.com/ai4all/worker/internal/domain/task"
	"github.com/ai4all/worker/internal/errs"
)

// PeerMessageType discriminates mesh messages.
type PeerMessageType string

const (
	PeerTypeHello             PeerMessageType = "HELLO"
	PeerTypeHelloAck          PeerMessageType = "HELLO_ACK"
	PeerTypePing              PeerMessageType = "PING"
	PeerTypePong              PeerMessageType = "PONG"
	PeerTypePeerStatus        PeerMessageType = "PEER_STATUS"
	PeerTypeTaskOffer         PeerMessageType = "TASK_OFFER"
	PeerTypeTaskAccept        PeerMessageType = "TASK_ACCEPT"
	PeerTypeTaskReject        PeerMessageType = "TASK_REJECT"
	PeerTypeTaskData          PeerMessageType = "TASK_DATA"
	PeerTypeTaskResultForward PeerMessageType = "TASK_RESULT_FORWARD"
	PeerTypeShardAssign       PeerMessageType = "SHARD_ASSIGN"
	PeerTypeShardReady        PeerMessageType = "SHARD_READY"
	PeerTypeShardInput        PeerMessageType = "SHARD_INPUT"
	PeerTypeShardOutput       PeerMessageType = "SHARD_OUTPUT"
	PeerTypePipelineInput     PeerMessageType = "PIPELINE_INPUT"
	PeerTypePipelineOutput    PeerMessageType = "PIPELINE_OUTPUT"
	PeerTypeGroupJoin         PeerMessageType = "GROUP_JOIN"
	PeerTypeGroupLeave        PeerMessageType = "GROUP_LEAVE"
	PeerTypeGroupSync         PeerMessageType = "GROUP_SYNC"
)

// Hello opens a mesh connection.
type Hello struct {
	WorkerID     string             `json:"worker_id"`
	Capabilities WorkerCapabilities `json:"capabilities"`
}

// HelloAck accepts a mesh connection.
type HelloAck struct {
	WorkerID string `json:"worker_id"`
}

// Ping probes peer liveness; the peer echoes the sequence in a Pong.
type Ping struct {
	Seq uint64 `json:"seq"`
}

// Pong answers a Ping.
type Pong struct {
	Seq uint64 `json:"seq"`
}

// PeerStatus advertises current load to connected peers.
type PeerStatus struct {
	Status      WorkerStatus `json:"status"`
	ActiveTasks uint32       `json:"active_tasks"`
	CapacityPct float32      `json:"capacity_pct"`
}

// TaskOffer proposes delegating a task to the peer.
type TaskOffer struct {
	TaskID   string    `json:"task_id"`
	TaskType task.Type `json:"task_type"`
	Priority uint32    `json:"priority"`
}

// TaskAccept accepts an offered task.
type TaskAccept struct {
	TaskID string `json:"task_id"`
}

// TaskReject declines an offered task.
type TaskReject struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

// TaskData carries the payload of an accepted task.
type TaskData struct {
	TaskID string `json:"task_id"`
	Data   []byte `json:"data"`
}

// TaskResultForward returns a delegated task's output to the offerer.
type TaskResultForward struct {
	TaskID string          `json:"task_id"`
	Output json.RawMessage `json:"output"`
}

// ShardAssign gives the peer a model shard to load.
type ShardAssign struct {
	GroupID     string `json:"group_id"`
	ModelID     string `json:"model_id"`
	ShardIndex  uint32 `json:"shard_index"`
	TotalShards uint32 `json:"total_shards"`
}

// ShardReady reports a loaded shard.
type ShardReady struct {
	GroupID    string `json:"group_id"`
	ShardIndex uint32 `json:"shard_index"`
}

// ShardInput feeds activations into the peer's shard.
type ShardInput struct {
	GroupID    string `json:"group_id"`
	LayerStart uint32 `json:"layer_start"`
	TensorData []byte `json:"tensor_data"`
}

// ShardOutput returns activations from the peer's shard.
type ShardOutput struct {
	GroupID    string `json:"group_id"`
	LayerEnd   uint32 `json:"layer_end"`
	TensorData []byte `json:"tensor_data"`
}

// PipelineInput hands a task to a pipeline stage.
type PipelineInput struct {
	GroupID string          `json:"group_id"`
	Stage   uint32          `json:"stage"`
	TaskID  string          `json:"task_id"`
	Input   json.RawMessage `json:"input"`
}

// PipelineOutput returns a pipeline stage's result.
type PipelineOutput struct {
	GroupID string          `json:"group_id"`
	Stage   uint32          `json:"stage"`
	TaskID  string          `json:"task_id"`
	Output  json.RawMessage `json:"output"`
}

// GroupJoin announces joining a group over the mesh.
type GroupJoin struct {
	GroupID string `json:"group_id"`
	Role    string `json:"role"`
}

// GroupLeave announces leaving a group.
type GroupLeave struct {
	GroupID string `json:"group_id"`
}

// GroupSync shares group state with members.
type GroupSync struct {
	GroupID string          `json:"group_id"`
	State   json.RawMessage `json:"state"`
}

// PeerMessage holds exactly one mesh message variant. On the wire the
// variant's fields sit beside a "type" discriminator.
type PeerMessage struct {
	Hello             *Hello
	HelloAck          *HelloAck
	Ping              *Ping
	Pong              *Pong
	PeerStatus        *PeerStatus
	TaskOffer         *TaskOffer
	TaskAccept        *TaskAccept
	TaskReject        *TaskReject
	TaskData          *TaskData
	TaskResultForward *TaskResultForward
	ShardAssign       *ShardAssign
	ShardReady        *ShardReady
	ShardInput        *ShardInput
	ShardOutput       *ShardOutput
	PipelineInput     *PipelineInput
	PipelineOutput    *PipelineOutput
	GroupJoin         *GroupJoin
	GroupLeave        *GroupLeave
	GroupSync         *GroupSync
}

// Kind returns the discriminator of the populated variant.
func (m PeerMessage) Kind() PeerMessageType {
	switch {
	case m.Hello != nil:
		return PeerTypeHello
	case m.HelloAck != nil:
		return PeerTypeHelloAck
	case m.Ping != nil:
		return PeerTypePing
	case m.Pong != nil:
		return PeerTypePong
	case m.PeerStatus != nil:
		return PeerTypePeerStatus
	case m.TaskOffer != nil:
		return PeerTypeTaskOffer
	case m.TaskAccept != nil:
		return PeerTypeTaskAccept
	case m.TaskReject != nil:
		return PeerTypeTaskReject
	case m.TaskData != nil:
		return PeerTypeTaskData
	case m.TaskResultForward != nil:
		return PeerTypeTaskResultForward
	case m.ShardAssign != nil:
		return PeerTypeShardAssign
	case m.ShardReady != nil:
		return PeerTypeShardReady
	case m.ShardInput != nil:
		return PeerTypeShardInput
	case m.ShardOutput != nil:
		return PeerTypeShardOutput
	case m.PipelineInput != nil:
		return PeerTypePipelineInput
	case m.PipelineOutput != nil:
		return PeerTypePipelineOutput
	case m.GroupJoin != nil:
		return PeerTypeGroupJoin
	case m.GroupLeave != nil:
		return PeerTypeGroupLeave
	case m.GroupSync != nil:
		return PeerTypeGroupSync
	}
	return ""
}

func (m PeerMessage) variant() any {
	switch {
	case m.Hello != nil:
		return m.Hello
	case m.HelloAck != nil:
		return m.HelloAck
	case m.Ping != nil:
		return m.Ping
	case m.Pong != nil:
		return m.Pong
	case m.PeerStatus != nil:
		return m.PeerStatus
	case m.TaskOffer != nil:
		return m.TaskOffer
	case m.TaskAccept != nil:
		return m.TaskAccept
	case m.TaskReject != nil:
		return m.TaskReject
	case m.TaskData != nil:
		return m.TaskData
	case m.TaskResultForward != nil:
		return m.TaskResultForward
	case m.ShardAssign != nil:
		return m.ShardAssign
	case m.ShardReady != nil:
		return m.ShardReady
	case m.ShardInput != nil:
		return m.ShardInput
	case m.ShardOutput != nil:
		return m.ShardOutput
	case m.PipelineInput != nil:
		return m.PipelineInput
	case m.PipelineOutput != nil:
		return m.PipelineOutput
	case m.GroupJoin != nil:
		return m.GroupJoin
	case m.GroupLeave != nil:
		return m.GroupLeave
	case m.GroupSync != nil:
		return m.GroupSync
	}
	return nil
}

func (m PeerMessage) MarshalJSON() ([]byte, error) {
	v := m.variant()
	if v == nil {
		return nil, errs.New(errs.CodeProtocolMalformed, "peer message has no payload")
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}
	tag, err := json.Marshal(m.Kind())
	if err != nil {
		return nil, err
	}
	fields["type"] = tag
	return json.Marshal(fields)
}

func (m *PeerMessage) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type PeerMessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return errs.Wrap(errs.CodeProtocolMalformed, "malformed peer message", err)
	}

	decoded := PeerMessage{}
	var target any
	switch probe.Type {
	case PeerTypeHello:
		decoded.Hello = &Hello{}
		target = decoded.Hello
	case PeerTypeHelloAck:
		decoded.HelloAck = &HelloAck{}
		target = decoded.HelloAck
	case PeerTypePing:
		decoded.Ping = &Ping{}
		target = decoded.Ping
	case PeerTypePong:
		decoded.Pong = &Pong{}
		target = decoded.Pong
	case PeerTypePeerStatus:
		decoded.PeerStatus = &PeerStatus{}
		target = decoded.PeerStatus
	case PeerTypeTaskOffer:
		decoded.TaskOffer = &TaskOffer{}
		target = decoded.TaskOffer
	case PeerTypeTaskAccept:
		decoded.TaskAccept = &TaskAccept{}
		target = decoded.TaskAccept
	case PeerTypeTaskReject:
		decoded.TaskReject = &TaskReject{}
		target = decoded.TaskReject
	case PeerTypeTaskData:
		decoded.TaskData = &TaskData{}
		target = decoded.TaskData
	case PeerTypeTaskResultForward:
		decoded.TaskResultForward = &TaskResultForward{}
		target = decoded.TaskResultForward
	case PeerTypeShardAssign:
		decoded.ShardAssign = &ShardAssign{}
		target = decoded.ShardAssign
	case PeerTypeShardReady:
		decoded.ShardReady = &ShardReady{}
		target = decoded.ShardReady
	case PeerTypeShardInput:
		decoded.ShardInput = &ShardInput{}
		target = decoded.ShardInput
	case PeerTypeShardOutput:
		decoded.ShardOutput = &ShardOutput{}
		target = decoded.ShardOutput
	case PeerTypePipelineInput:
		decoded.PipelineInput = &PipelineInput{}
		target = decoded.PipelineInput
	case PeerTypePipelineOutput:
		decoded.PipelineOutput = &PipelineOutput{}
		target = decoded.PipelineOutput
	case PeerTypeGroupJoin:
		decoded.GroupJoin = &GroupJoin{}
		target = decoded.GroupJoin
	case PeerTypeGroupLeave:
		decoded.GroupLeave = &GroupLeave{}
		target = decoded.GroupLeave
	case PeerTypeGroupSync:
		decoded.GroupSync = &GroupSync{}
		target = decoded.GroupSync
	default:
		return errs.Newf(errs.CodeProtocolMalformed, "unknown peer message type %q", probe.Type)
	}

	if err := json.Unmarshal(data, target); err != nil {
		return errs.Wrap(errs.CodeProtocolMalformed,
			"malformed "+string(probe.Type)+" payload", err)
	}
	*m = decoded
	return nil
}
