package domain

import (
	"time"
)

type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// rank orders statuses that may only advance. failed sits outside the order:
// it is a local marker for provisional messages.
func (s MessageStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Message is a single chat message as the client knows it.
type Message struct {
	ID              string          `json:"id" validate:"required_without=ClientID"`
	ClientID        string          `json:"client_id,omitempty"`
	ConversationKey ConversationKey `json:"conversation_id"`
	SenderID        string          `json:"sender_id" validate:"required"`
	ReceiverID      string          `json:"receiver_id" validate:"required"`
	Body            string          `json:"body"`
	CreatedAt       time.Time       `json:"created_at" validate:"required"`
	Read            bool            `json:"read"`
	ReadAt          *time.Time      `json:"read_at,omitempty"`
	Status          MessageStatus   `json:"status"`
	Deleted         bool            `json:"deleted"`
	Flagged         bool            `json:"flagged"`
	FlagReason      string          `json:"flag_reason,omitempty"`
	EditedAt        *time.Time      `json:"edited_at,omitempty"`
}

// Key is the identity used inside a thread: the server id once known,
// otherwise the client correlation id of a provisional message.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return "client:" + m.ClientID
}

// Provisional reports whether the message has not been acknowledged by the backend yet.
func (m Message) Provisional() bool { return m.ID == "" }

// Counterpart returns the other participant from self's point of view.
func (m Message) Counterpart(self string) string {
	if m.SenderID == self {
		return m.ReceiverID
	}
	return m.SenderID
}

// Before is the thread order: CreatedAt ascending, ties broken by Key.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.Key() < o.Key()
}

// Normalize fills derived fields. It does not validate.
func (m Message) Normalize() Message {
	if m.ConversationKey == "" && m.SenderID != "" && m.ReceiverID != "" {
		m.ConversationKey = Key(m.SenderID, m.ReceiverID)
	}
	if m.Status == "" {
		m.Status = StatusSent
	}
	if m.Read && m.Status.rank() < StatusRead.rank() {
		m.Status = StatusRead
	}
	return m
}
