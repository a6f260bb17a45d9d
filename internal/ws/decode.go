package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/yourorg/artmarket/conversation-sync/internal/apperr"
	"github.com/yourorg/artmarket/conversation-sync/internal/domain"
	"github.com/yourorg/artmarket/conversation-sync/internal/validate"
	"github.com/yourorg/artmarket/conversation-sync/internal/wire"
)

// Drop reasons reported to metrics.
const (
	DropBadJSON       = "bad_json"
	DropUnknownType   = "unknown_type"
	DropMissingFields = "missing_fields"
)

var errUnknownType = errors.New("unknown event type")

// Decode turns one frame into an Event. Frames that cannot be used are
// reported with an error wrapping apperr.ErrMalformed.
func Decode(data []byte) (Event, string, error) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, "", fmt.Errorf("%w: %w", apperr.ErrMalformed, err)
	}
	ev, err := decodePayload(env)
	if err != nil {
		return nil, env.Type, err
	}
	return ev, env.Type, nil
}

// DropReason maps a Decode error to its metric label.
func DropReason(err error) string {
	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	switch {
	case errors.Is(err, errUnknownType):
		return DropUnknownType
	case errors.As(err, &syn), errors.As(err, &typ):
		return DropBadJSON
	default:
		return DropMissingFields
	}
}

func decodePayload(env wire.Envelope) (Event, error) {
	switch env.Type {
	case wire.EventNewMessage, wire.EventMessageUpdated:
		var p wire.Message
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		m := p.Domain()
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if env.Type == wire.EventNewMessage {
			return NewMessage{Message: m}, nil
		}
		return MessageUpdated{Message: m}, nil

	case wire.EventMessageRead:
		var p wire.MessageRead
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		return MessageRead{MessageID: p.MessageID, Key: domain.ConversationKey(p.ConversationID), ReaderID: p.ReaderID, ReadAt: deref(p.ReadAt)}, nil

	case wire.EventMessagesRead:
		var p wire.MessagesRead
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		key := domain.ConversationKey(p.ConversationID)
		if key == "" {
			key = domain.Key(p.ReaderID, p.SenderID)
		}
		return MessagesRead{Key: key, ReaderID: p.ReaderID, ReadAt: deref(p.ReadAt)}, nil

	case wire.EventUserOnline, wire.EventUserOffline:
		var p wire.User
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		if env.Type == wire.EventUserOnline {
			return UserOnline{UserID: p.UserID}, nil
		}
		return UserOffline{UserID: p.UserID}, nil

	case wire.EventUserStatusChanged:
		var p wire.UserStatus
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		return UserStatusChanged{UserID: p.UserID, Online: p.Status == "online"}, nil

	case wire.EventUserTyping, wire.EventUserStoppedTyping:
		var p wire.Typing
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		if env.Type == wire.EventUserTyping {
			return UserTyping{Key: domain.ConversationKey(p.ConversationID), UserID: p.UserID}, nil
		}
		return UserStoppedTyping{Key: domain.ConversationKey(p.ConversationID), UserID: p.UserID}, nil

	case wire.EventConversationJoined, wire.EventConversationLeft:
		var p wire.Membership
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		if env.Type == wire.EventConversationJoined {
			return ConversationJoined{Key: domain.ConversationKey(p.ConversationID), UserID: p.UserID}, nil
		}
		return ConversationLeft{Key: domain.ConversationKey(p.ConversationID), UserID: p.UserID}, nil

	case wire.EventError:
		var p wire.Error
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		return ChannelError{Code: p.Code, Message: p.Message}, nil
	}
	return nil, fmt.Errorf("%w: %w %q", apperr.ErrMalformed, errUnknownType, env.Type)
}

// unmarshal decodes the payload into v and checks its validate tags.
func unmarshal(env wire.Envelope, v any) error {
	if len(env.Payload) == 0 {
		return missing(env.Type, "payload")
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %w", apperr.ErrMalformed, env.Type, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%s payload: %w", env.Type, err)
	}
	return nil
}

func missing(typ, fields string) error {
	return fmt.Errorf("%w: %s missing %s", apperr.ErrMalformed, typ, fields)
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
