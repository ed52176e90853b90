package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/trafficmesh/core"
)

// DefaultTTL bounds how long an undelivered message stays valid.
const DefaultTTL = 300 * time.Second

// MessageType classifies A2A messages.
type MessageType string

const (
	TypeRequest   MessageType = "request"
	TypeResponse  MessageType = "response"
	TypeEvent     MessageType = "event"
	TypeHeartbeat MessageType = "heartbeat"
)

// Message is the A2A transport unit. It is immutable once sent.
type Message struct {
	MessageID     string          `json:"message_id"`
	CorrelationID string          `json:"correlation_id"`
	Sender        string          `json:"sender"`
	Target        string          `json:"target"`
	Type          MessageType     `json:"type"`
	TaskName      string          `json:"task_name,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ReplyTo       string          `json:"reply_to,omitempty"`
	InReplyTo     string          `json:"in_reply_to,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

// NewMessage builds a message with a fresh id, CreatedAt now and the default TTL.
func NewMessage(sender, target, correlationID string, typ MessageType, taskName string, payload any) (Message, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Message{}, core.ContractError("encode payload", err)
	}
	now := time.Now().UTC()
	return Message{
		MessageID:     uuid.NewString(),
		CorrelationID: correlationID,
		Sender:        sender,
		Target:        target,
		Type:          typ,
		TaskName:      taskName,
		Payload:       raw,
		CreatedAt:     now,
		ExpiresAt:     now.Add(DefaultTTL),
	}, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(p)
	}
}

// Validate checks the fields every message must carry.
func (m Message) Validate() error {
	var missing []string
	if m.MessageID == "" {
		missing = append(missing, "message_id")
	}
	if m.CorrelationID == "" {
		missing = append(missing, "correlation_id")
	}
	if m.Sender == "" {
		missing = append(missing, "sender")
	}
	if m.Target == "" {
		missing = append(missing, "target")
	}
	if len(missing) > 0 {
		return core.ContractError("validate message", fmt.Errorf("%w: missing %s", core.ErrMalformedEnvelope, strings.Join(missing, ", ")))
	}
	return nil
}

// Expired reports whether the message outlived its TTL at now.
func (m Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return core.ContractError("decode payload", err)
	}
	return nil
}

// DeliveryReceipt acknowledges a delivered message.
type DeliveryReceipt struct {
	MessageID   string    `json:"message_id"`
	Target      string    `json:"target"`
	Attempts    int       `json:"attempts"`
	Subscribers int       `json:"subscribers"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// Handler consumes a delivered message. Returning an error asks the transport
// to redeliver; handlers must therefore be idempotent on MessageID.
type Handler func(ctx context.Context, msg Message) error

// Transport is an asynchronous publish/subscribe channel with at-least-once
// delivery and FIFO ordering per sender->receiver pair. Send returns once
// every subscriber of msg.Target acknowledged, or a TransportError wrapping
// core.ErrDeliveryFailed after the retry budget is exhausted.
type Transport interface {
	Send(ctx context.Context, msg Message) (DeliveryReceipt, error)
	Subscribe(key string, h Handler) (unsubscribe func(), err error)
	Close() error
}
