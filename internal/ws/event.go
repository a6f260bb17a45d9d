package ws

import (
	"time"

	"github.com/yourorg/artmarket/conversation-sync/internal/domain"
	"github.com/yourorg/artmarket/conversation-sync/internal/wire"
)

// Event is one inbound channel event. The set of implementations is closed;
// handlers are expected to switch over all of them.
type Event interface {
	event()
}

type NewMessage struct{ Message domain.Message }

// MessageUpdated carries an edit, a moderation change or a delete.
type MessageUpdated struct{ Message domain.Message }

type MessageRead struct {
	MessageID string
	Key       domain.ConversationKey // may be empty
	ReaderID  string
	ReadAt    time.Time
}

// MessagesRead reports that ReaderID read everything addressed to them in Key.
type MessagesRead struct {
	Key      domain.ConversationKey
	ReaderID string
	ReadAt   time.Time
}

type UserOnline struct{ UserID string }

type UserOffline struct{ UserID string }

type UserStatusChanged struct {
	UserID string
	Online bool
}

// UserTyping has an empty Key when the backend did not name the conversation;
// it is then the one between the local user and UserID.
type UserTyping struct {
	Key    domain.ConversationKey
	UserID string
}

type UserStoppedTyping struct {
	Key    domain.ConversationKey
	UserID string
}

type ConversationJoined struct {
	Key    domain.ConversationKey
	UserID string
}

type ConversationLeft struct {
	Key    domain.ConversationKey
	UserID string
}

type ChannelError struct {
	Code    string
	Message string
}

// StatusChanged is emitted by the channel itself whenever the connection goes
// up or down. Reconnected is set when an earlier connection existed.
type StatusChanged struct {
	Connected   bool
	Reconnected bool
}

// AuthFailed is emitted once when the backend rejects the credential. The
// channel stays disconnected until Connect is called again.
type AuthFailed struct{ Err error }

func (NewMessage) event()         {}
func (MessageUpdated) event()     {}
func (MessageRead) event()        {}
func (MessagesRead) event()       {}
func (UserOnline) event()         {}
func (UserOffline) event()        {}
func (UserStatusChanged) event()  {}
func (UserTyping) event()         {}
func (UserStoppedTyping) event()  {}
func (ConversationJoined) event() {}
func (ConversationLeft) event()   {}
func (ChannelError) event()       {}
func (StatusChanged) event()      {}
func (AuthFailed) event()         {}

// Command is one outbound instruction.
type Command interface {
	Type() string
	payload() any
}

type SendMessage struct {
	ReceiverID      string
	Body            string
	ClientID        string
	ClientTimestamp time.Time
}

type JoinConversation struct{ UserID string }

type LeaveConversation struct{ UserID string }

type MarkAsRead struct{ UserID string }

type StartTyping struct{ UserID string }

type StopTyping struct{ UserID string }

func (SendMessage) Type() string       { return wire.CmdSendMessage }
func (JoinConversation) Type() string  { return wire.CmdJoinConversation }
func (LeaveConversation) Type() string { return wire.CmdLeaveConversation }
func (MarkAsRead) Type() string        { return wire.CmdMarkAsRead }
func (StartTyping) Type() string       { return wire.CmdTypingStart }
func (StopTyping) Type() string        { return wire.CmdTypingStop }

func (c SendMessage) payload() any {
	return wire.SendMessage{ReceiverID: c.ReceiverID, Content: c.Body, ClientID: c.ClientID, ClientTimestamp: c.ClientTimestamp}
}
func (c JoinConversation) payload() any  { return wire.Target{UserID: c.UserID} }
func (c LeaveConversation) payload() any { return wire.Target{UserID: c.UserID} }
func (c MarkAsRead) payload() any        { return wire.Target{UserID: c.UserID} }
func (c StartTyping) payload() any       { return wire.Target{UserID: c.UserID} }
func (c StopTyping) payload() any        { return wire.Target{UserID: c.UserID} }

// EncodeCommand renders cmd as a wire frame.
func EncodeCommand(cmd Command) ([]byte, error) {
	return wire.Encode(cmd.Type(), cmd.payload())
}
