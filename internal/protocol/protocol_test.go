package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai4all/worker/internal/domain/task"
)

func testCapabilities() WorkerCapabilities {
	return WorkerCapabilities{
		SupportedTasks:     []task.Type{task.TypeTextCompletion, task.TypeEmbeddings},
		MaxConcurrentTasks: 4,
		AvailableMemoryMB:  8192,
		MaxContextLength:   4096,
		WorkerVersion:      "0.1.0",
	}
}

func TestVersionCompatibility(t *testing.T) {
	v1 := Version{Major: 1, Minor: 2, Patch: 0}

	assert.True(t, v1.CompatibleWith(Version{Major: 1, Minor: 0, Patch: 5}))
	assert.True(t, v1.CompatibleWith(Version{Major: 1, Minor: 2, Patch: 9}))
	assert.False(t, v1.CompatibleWith(Version{Major: 2, Minor: 0, Patch: 0}))
	assert.False(t, v1.CompatibleWith(Version{Major: 1, Minor: 3, Patch: 0}))
	assert.Equal(t, "1.2.0", v1.String())
}

func TestEnvelopeFlattensPayload(t *testing.T) {
	env := NewEnvelope(Heartbeat{
		WorkerID: "w1",
		Status:   StatusReady,
	})

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "HEARTBEAT", fields["type"])
	assert.Equal(t, "w1", fields["worker_id"])
	assert.Contains(t, fields, "id")
	assert.Contains(t, fields, "timestamp")
	assert.Contains(t, fields, "version")
}

func TestEnvelopeRoundTrip(t *testing.T) {
	original := NewEnvelope(Register{
		Name:         "node-a",
		Capabilities: testCapabilities(),
		Tags:         []string{"gpu"},
	})

	raw, err := json.Marshal(original)
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(raw)
	require.NoError(t, err)

	assert.Equal(t, original.ID, decoded.ID)
	assert.True(t, original.Timestamp.Equal(decoded.Timestamp))
	assert.Equal(t, original.Version, decoded.Version)

	reg, ok := decoded.Message.(*Register)
	require.True(t, ok)
	assert.Equal(t, "node-a", reg.Name)
	assert.Equal(t, []string{"gpu"}, reg.Tags)
	assert.True(t, reg.Capabilities.SupportsTask(task.TypeEmbeddings))
	assert.False(t, reg.Capabilities.SupportsTask(task.TypeWebCrawl))
}

func TestEnvelopeTaskAssignmentDefaults(t *testing.T) {
	raw := `{
		"id": "3e8c2f2a-64e4-4be2-9723-33df04d1a1b0",
		"timestamp": "2025-01-01T00:00:00Z",
		"version": {"major": 1, "minor": 0, "patch": 0},
		"type": "TASK_ASSIGNMENT",
		"task_id": "t1",
		"model_id": "llama-7b",
		"input": {"task_type": "TEXT_COMPLETION", "prompt": "hi"}
	}`

	env, err := DecodeEnvelope([]byte(raw))
	require.NoError(t, err)

	msg, ok := env.Message.(*TaskAssignment)
	require.True(t, ok)
	assert.Equal(t, "t1", msg.TaskID)
	assert.Equal(t, task.PriorityNormal, msg.Priority)
	assert.Equal(t, uint32(300), msg.TimeoutSecs)
}

func TestEnvelopeUnknownType(t *testing.T) {
	raw := `{
		"id": "3e8c2f2a-64e4-4be2-9723-33df04d1a1b0",
		"timestamp": "2025-01-01T00:00:00Z",
		"version": {"major": 1, "minor": 0, "patch": 0},
		"type": "BOGUS"
	}`

	_, err := DecodeEnvelope([]byte(raw))
	assert.Error(t, err)
}

func TestEnvelopeErrorMessage(t *testing.T) {
	env := NewEnvelope(ErrorMessage{
		Code:    "E403",
		Message: "authentication failed",
		Fatal:   true,
	})

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(raw)
	require.NoError(t, err)

	errMsg, ok := decoded.Message.(*ErrorMessage)
	require.True(t, ok)
	assert.True(t, errMsg.Fatal)
	assert.Equal(t, "E403", errMsg.Code)
}

func TestHeartbeatAckTimestamps(t *testing.T) {
	next := time.Date(2025, 1, 1, 0, 0, 30, 0, time.UTC)
	env := NewEnvelope(HeartbeatAck{Accepted: true, NextHeartbeat: next})

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(raw)
	require.NoError(t, err)

	ack := decoded.Message.(*HeartbeatAck)
	assert.True(t, ack.Accepted)
	assert.True(t, next.Equal(ack.NextHeartbeat))
}

func TestGroupPurposeVariants(t *testing.T) {
	shard := GroupPurpose{Kind: PurposeModelShard, ModelID: "llama-70b", TotalShards: 4}
	raw, err := json.Marshal(shard)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"MODEL_SHARD"`)

	var decoded GroupPurpose
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, shard, decoded)

	pipeline := GroupPurpose{
		Kind:       PurposeTaskPipeline,
		PipelineID: "p1",
		Stages:     []task.Type{task.TypeWebCrawl, task.TypeEmbeddings},
	}
	raw, err = json.Marshal(pipeline)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, pipeline, decoded)

	raw, err = json.Marshal(GroupPurpose{Kind: PurposeGeneral})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"GENERAL"}`, string(raw))
}

func TestPeerMessageRoundTrip(t *testing.T) {
	msg := PeerMessage{Hello: &Hello{
		WorkerID:     "w1",
		Capabilities: testCapabilities(),
	}}

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"HELLO"`)

	var decoded PeerMessage
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, PeerTypeHello, decoded.Kind())
	require.NotNil(t, decoded.Hello)
	assert.Equal(t, "w1", decoded.Hello.WorkerID)
}

func TestPeerMessageBinaryFieldsBase64(t *testing.T) {
	msg := PeerMessage{ShardInput: &ShardInput{
		GroupID:    "grp-1",
		LayerStart: 12,
		TensorData: []byte{0x00, 0x01, 0xfe, 0xff},
	}}

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	tensor, ok := fields["tensor_data"].(string)
	require.True(t, ok, "tensor_data should serialise as a base64 string")
	assert.Equal(t, "AAH+/w==", tensor)

	var decoded PeerMessage
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, []byte{0x00, 0x01, 0xfe, 0xff}, decoded.ShardInput.TensorData)
}

func TestPeerMessagePingPong(t *testing.T) {
	raw, err := json.Marshal(PeerMessage{Ping: &Ping{Seq: 7}})
	require.NoError(t, err)

	var decoded PeerMessage
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.NotNil(t, decoded.Ping)
	assert.Equal(t, uint64(7), decoded.Ping.Seq)
}

func TestPeerMessageUnknownType(t *testing.T) {
	var decoded PeerMessage
	err := json.Unmarshal([]byte(`{"type": "NOPE"}`), &decoded)
	assert.Error(t, err)
}

func TestWorkerStatusValues(t *testing.T) {
	raw, err := json.Marshal(StatusDraining)
	require.NoError(t, err)
	assert.Equal(t, `"DRAINING"`, string(raw))
}
