package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ai4all/worker/internal/errs"
)

// Envelope wraps every coordinator message with an id, a timestamp and
// the sender's protocol version. On the wire the payload's fields sit
// beside the header fields, discriminated by "type".
type Envelope struct {
	ID        uuid.UUID
	Timestamp time.Time
	Version   Version
	Message   Message
}

// NewEnvelope stamps a payload with a fresh id, the current time and the
// local protocol version.
func NewEnvelope(msg Message) Envelope {
	return Envelope{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		Version:   Current,
		Message:   msg,
	}
}

type envelopeHeader struct {
	ID        uuid.UUID   `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Version   Version     `json:"version"`
	Type      MessageType `json:"type"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Message == nil {
		return nil, errs.New(errs.CodeProtocolMalformed, "envelope has no payload")
	}

	payload, err := json.Marshal(e.Message)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}

	header, err := json.Marshal(envelopeHeader{
		ID:        e.ID,
		Timestamp: e.Timestamp,
		Version:   e.Version,
		Type:      e.Message.MessageType(),
	})
	if err != nil {
		return nil, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(header, &merged); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var header envelopeHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return errs.Wrap(errs.CodeProtocolMalformed, "malformed envelope", err)
	}

	msg, err := decodePayload(header.Type, data)
	if err != nil {
		return err
	}

	e.ID = header.ID
	e.Timestamp = header.Timestamp
	e.Version = header.Version
	e.Message = msg
	return nil
}

// DecodeEnvelope parses a wire frame into an envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func decodePayload(t MessageType, data []byte) (Message, error) {
	unmarshal := func(msg Message) (Message, error) {
		if err := json.Unmarshal(data, msg); err != nil {
			return nil, errs.Wrap(errs.CodeProtocolMalformed,
				fmt.Sprintf("malformed %s payload", t), err)
		}
		return msg, nil
	}

	switch t {
	case TypeRegister:
		return unmarshal(&Register{})
	case TypeRegisterAck:
		return unmarshal(&RegisterAck{})
	case TypeHeartbeat:
		return unmarshal(&Heartbeat{})
	case TypeHeartbeatAck:
		return unmarshal(&HeartbeatAck{})
	case TypeTaskAssignment:
		return unmarshal(&TaskAssignment{})
	case TypeTaskResult:
		return unmarshal(&TaskResult{})
	case TypeTaskCancel:
		return unmarshal(&TaskCancel{})
	case TypeStatusUpdate:
		return unmarshal(&StatusUpdate{})
	case TypeConfigUpdate:
		return unmarshal(&ConfigUpdate{})
	case TypeShutdown:
		return unmarshal(&Shutdown{})
	case TypeError:
		return unmarshal(&ErrorMessage{})
	case TypePeerDiscover:
		return unmarshal(&PeerDiscover{})
	case TypePeerDirectory:
		return unmarshal(&PeerDirectory{})
	case TypeGroupAssigned:
		return unmarshal(&GroupAssigned{})
	case TypeGroupUpdate:
		return unmarshal(&GroupUpdate{})
	default:
		return nil, errs.Newf(errs.CodeProtocolMalformed, "unknown message type %q", t)
	}
}
