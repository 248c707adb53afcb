package models

import (
	"time"

	"github.com/google/uuid"
)

// Direction records which way a message travelled relative to this instance.
type Direction string

const (
	DirSend     Direction = "SEND"
	DirReceived Direction = "RECEIVED"
	DirAnswer   Direction = "ANSWER"
)

// Visibility controls who may see a message in the admin surface.
type Visibility string

const (
	VisAllUsers  Visibility = "ALL_USERS"
	VisAdminOnly Visibility = "ADMIN_ONLY"
)

// DeliveryStatus is the lifecycle of an outbound message.
type DeliveryStatus string

const (
	DeliveryNone    DeliveryStatus = "NONE"
	DeliveryPending DeliveryStatus = "PENDING"
	DeliverySent    DeliveryStatus = "SENT"
	DeliveryFailed  DeliveryStatus = "FAILED"
)

// ParamValue is one typed entry of a message parameter map.
type ParamValue struct {
	Type  string `json:"type"` // "string", "int", "float", "bool", "date"
	Value string `json:"value"`
}

// Message is a persisted protocol envelope. Immutable after creation except
// for the read and delivery-status flags. Whether a message may be deleted
// is derived, not stored.
type Message struct {
	ID          string                `json:"id"` // ULID
	PeerID      *uuid.UUID            `json:"peer_id,omitempty"`
	Timestamp   time.Time             `json:"timestamp"`
	Direction   Direction             `json:"direction"`
	Opcode      int                   `json:"opcode"`
	Text        string                `json:"text,omitempty"`
	Params      map[string]ParamValue `json:"params,omitempty"`
	Payload     []byte                `json:"payload,omitempty"`
	ReplyTo     *string               `json:"reply_to,omitempty"`
	Status      DeliveryStatus        `json:"status"`
	Visibility  Visibility            `json:"visibility"`
	Read        bool                  `json:"read"`
	EffectiveAt *time.Time            `json:"effective_at,omitempty"`
}

// ParamString returns the string value of a parameter, or "" if absent.
func (m *Message) ParamString(name string) string {
	if p, ok := m.Params[name]; ok {
		return p.Value
	}
	return ""
}

// DeliveryAttempt tracks one target of a future-effective broadcast. At most
// one row exists per (message, target) pair; rows are deleted on
// acknowledgement or cancellation, never flipped back to unsent.
type DeliveryAttempt struct {
	MessageID string    `json:"message_id"`
	PeerID    uuid.UUID `json:"peer_id"`
	Sent      bool      `json:"sent"`
	CreatedAt time.Time `json:"created_at"`
}
