package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
	TypePing        MessageType = "ping"

	TypePong          MessageType = "pong"
	TypeTaskCreated   MessageType = "task_created"
	TypeTaskUpdated   MessageType = "task_updated"
	TypeTaskDeleted   MessageType = "task_deleted"
	TypePlanUpdated   MessageType = "plan_updated"
	TypeAgentOutput   MessageType = "agent_output"
	TypeAccessGranted MessageType = "access_granted"
	TypeAccessRevoked MessageType = "access_revoked"
	TypeError         MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Subscribe covers both subscribe and unsubscribe; Type discriminates.
type Subscribe struct {
	Type    MessageType      `json:"type"`
	Payload SubscribePayload `json:"payload"`
}

type SubscribePayload struct {
	PlanID string `json:"plan_id"`
}

type Ping struct {
	Type MessageType `json:"type"`
}

// Event is the outbound envelope pushed to subscribed connections.
type Event struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload,omitempty"`
}

type ErrorPayload struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// ParseClientMessage validates an inbound frame strictly: unknown types are
// rejected, not ignored.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSubscribe, TypeUnsubscribe:
		var msg Subscribe
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Payload.PlanID == "" {
			return nil, fmt.Errorf("invalid %s: plan_id is required", env.Type)
		}
		return msg, nil
	case TypePing:
		return Ping{Type: TypePing}, nil
	default:
		return nil, ErrUnsupportedType
	}
}
