// Package wire describes the JSON frames exchanged over the push channel.
package wire

import (
	"encoding/json"
	"time"
)

// Inbound event types.
const (
	EventNewMessage         = "new_message"
	EventMessageUpdated     = "message_updated"
	EventMessageRead        = "message_read"
	EventMessagesRead       = "messages_read"
	EventUserOnline         = "user_online"
	EventUserOffline        = "user_offline"
	EventUserStatusChanged  = "user_status_changed"
	EventUserTyping         = "user_typing"
	EventUserStoppedTyping  = "user_stopped_typing"
	EventConversationJoined = "conversation_joined"
	EventConversationLeft   = "conversation_left"
	EventError              = "error"
)

// Outbound command types.
const (
	CmdSendMessage       = "send_message"
	CmdJoinConversation  = "join_conversation"
	CmdLeaveConversation = "leave_conversation"
	CmdMarkAsRead        = "mark_as_read"
	CmdTypingStart       = "typing_start"
	CmdTypingStop        = "typing_stop"
)

// Envelope is the frame around every event and command.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Encode wraps payload in an envelope of the given type.
func Encode(typ string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Payload: raw, Timestamp: time.Now().Unix()})
}

// Message is the payload of new_message and message_updated.
type Message struct {
	ID             string     `json:"id" validate:"required"`
	ClientID       string     `json:"client_id,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	SenderID       string     `json:"sender_id" validate:"required"`
	ReceiverID     string     `json:"receiver_id" validate:"required"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"created_at" validate:"required"`
	Read           bool       `json:"read"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	Status         string     `json:"status,omitempty"`
	Deleted        bool       `json:"deleted,omitempty"`
	Flagged        bool       `json:"flagged,omitempty"`
	FlagReason     string     `json:"flag_reason,omitempty"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
}

// MessageRead is the payload of message_read.
type MessageRead struct {
	MessageID      string     `json:"message_id" validate:"required"`
	ConversationID string     `json:"conversation_id,omitempty"`
	ReaderID       string     `json:"reader_id" validate:"required"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

// MessagesRead is the payload of messages_read: every message in the
// conversation addressed to ReaderID has been read. The conversation is given
// either directly or through the other participant.
type MessagesRead struct {
	ConversationID string     `json:"conversation_id,omitempty" validate:"required_without=SenderID"`
	ReaderID       string     `json:"reader_id" validate:"required"`
	SenderID       string     `json:"sender_id,omitempty"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

// User is the payload of user_online and user_offline.
type User struct {
	UserID string `json:"user_id" validate:"required"`
}

type UserStatus struct {
	UserID string `json:"user_id" validate:"required"`
	Status string `json:"status" validate:"oneof=online offline"`
}

type Typing struct {
	UserID         string `json:"user_id" validate:"required"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type Membership struct {
	UserID         string `json:"user_id" validate:"required_without=ConversationID"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type Error struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// SendMessage is the payload of send_message.
type SendMessage struct {
	ReceiverID      string    `json:"receiver_id" validate:"required"`
	Content         string    `json:"content" validate:"required,max=4000"`
	ClientID        string    `json:"client_id" validate:"omitempty,max=64"`
	ClientTimestamp time.Time `json:"client_timestamp"`
}

// Target is the payload of every command addressed at a counterpart.
type Target struct {
	UserID string `json:"user_id" validate:"required"`
}
