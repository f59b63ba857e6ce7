// Package protocol defines the JSON messages exchanged between an agent and
// the cloud over the duplex websocket channel.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message types.
const (
	TypeRegister       = "register"
	TypeRegisterAck    = "register_ack"
	TypeRegisterReject = "register_reject"
	TypeCommand        = "command"
	TypeResult         = "result"
	TypeResultAck      = "result_ack"
	TypeHeartbeat      = "heartbeat"
	TypeHeartbeatAck   = "heartbeat_ack"
	TypeDeviceStatus   = "device_status"
)

// Path is where the cloud serves the agent channel.
const Path = "/agent/channel"

var ErrEmptyPayload = errors.New("message has no payload")

// Envelope wraps every message. Ref points at the id of the message being answered.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Ref     string          `json:"ref,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope with a fresh id.
func New(typ, ref string, payload any) (Envelope, error) {
	env := Envelope{Type: typ, ID: uuid.NewString(), Ref: ref, SentAt: time.Now().UTC()}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		env.Payload = b
	}
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyPayload, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

type Register struct {
	TenantID  string `json:"tenant_id"`
	AgentID   string `json:"agent_id"`
	Inventory string `json:"inventory"`
	Version   string `json:"version,omitempty"`
}

// RegisterReply is the payload of register_ack and register_reject.
type RegisterReply struct {
	Reason string `json:"reason,omitempty"`
}

type ResultAck struct {
	CommandID string `json:"command_id"`
}

type Heartbeat struct {
	AgentID string `json:"agent_id"`
	Seq     uint64 `json:"seq"`
}

type DeviceStatus struct {
	DeviceID string `json:"device_id"`
	Status   string `json:"status"`
	Detail   string `json:"detail,omitempty"`
}
