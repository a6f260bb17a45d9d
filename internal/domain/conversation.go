package domain

import "time"

type Counterpart struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar,omitempty"`
	Role        string `json:"role,omitempty"`
	Online      bool   `json:"online"`
}

// LastMessage is the snapshot of the newest message shown in a conversation list row.
type LastMessage struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id,omitempty"`
	Body      string    `json:"body"`
	SenderID  string    `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
}

type ConversationSummary struct {
	Key         ConversationKey `json:"conversation_id"`
	Counterpart Counterpart     `json:"counterpart"`
	LastMessage *LastMessage    `json:"last_message,omitempty"`
	UnreadCount int             `json:"unread_count"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Snapshot builds the list-row view of m.
func (m Message) Snapshot() *LastMessage {
	return &LastMessage{
		ID:        m.ID,
		ClientID:  m.ClientID,
		Body:      m.Body,
		SenderID:  m.SenderID,
		CreatedAt: m.CreatedAt,
	}
}
