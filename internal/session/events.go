package session

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/yourorg/artmarket/conversation-sync/internal/apperr"
	"github.com/yourorg/artmarket/conversation-sync/internal/domain"
	"github.com/yourorg/artmarket/conversation-sync/internal/ws"
)

// Notice is a transient, user-facing message about a failed action.
type Notice struct {
	Kind apperr.ErrorKind
	Op   string
	Err  error
}

func (n Notice) String() string {
	switch n.Kind {
	case apperr.KindAuth:
		return "Your session has expired. Please sign in again."
	case apperr.KindTransport:
		return fmt.Sprintf("Could not %s: connection problem.", n.Op)
	}
	return fmt.Sprintf("Could not %s.", n.Op)
}

type Notifier interface {
	Notify(Notice)
}

type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

type NopNotifier struct{}

func (NopNotifier) Notify(Notice) {}

// HandleEvent is the reducer for everything the push channel delivers. It is
// called from the channel's reader goroutine, one event at a time.
func (s *Session) HandleEvent(ev ws.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("event handler panic", zap.Any("panic", r), zap.String("event", fmt.Sprintf("%T", ev)))
		}
	}()

	switch e := ev.(type) {
	case ws.NewMessage:
		if err := s.rec.ApplyMessage(e.Message, domain.SourceChannel); err != nil {
			return
		}
		if e.Message.SenderID != s.self {
			s.presence.ClearTyping(domain.Key(s.self, e.Message.SenderID), e.Message.SenderID)
		}
	case ws.MessageUpdated:
		_ = s.rec.ApplyMessage(e.Message, domain.SourceUpdate)
	case ws.MessageRead:
		s.rec.ApplyRead(e.MessageID, e.ReaderID, e.ReadAt)
	case ws.MessagesRead:
		s.rec.ApplyReadAll(e.Key, e.ReaderID, e.ReadAt)
	case ws.UserOnline:
		s.setOnline(e.UserID, true)
	case ws.UserOffline:
		s.setOnline(e.UserID, false)
	case ws.UserStatusChanged:
		s.setOnline(e.UserID, e.Online)
	case ws.UserTyping:
		if e.UserID != s.self {
			s.presence.SetTyping(s.typingKey(e.Key, e.UserID), e.UserID)
		}
	case ws.UserStoppedTyping:
		s.presence.ClearTyping(s.typingKey(e.Key, e.UserID), e.UserID)
	case ws.ConversationJoined:
		s.log.Debug("joined conversation", zap.String("conversation_id", e.Key.String()), zap.String("peer", e.UserID))
	case ws.ConversationLeft:
		s.log.Debug("left conversation", zap.String("conversation_id", e.Key.String()), zap.String("peer", e.UserID))
	case ws.ChannelError:
		s.log.Warn("channel error", zap.String("code", e.Code), zap.String("message", e.Message))
		s.notifier.Notify(Notice{Kind: apperr.KindAction, Op: e.Code, Err: fmt.Errorf("%s: %w", e.Message, apperr.ErrAction)})
	case ws.StatusChanged:
		s.statusChanged(e)
	case ws.AuthFailed:
		s.mu.Lock()
		reported := s.authed
		s.authed = true
		s.mu.Unlock()
		if !reported {
			s.notifier.Notify(Notice{Kind: apperr.KindAuth, Op: "connect", Err: e.Err})
		}
	default:
		s.log.Warn("unhandled event", zap.String("event", fmt.Sprintf("%T", ev)))
	}
}

func (s *Session) setOnline(userID string, online bool) {
	if userID == "" || userID == s.self {
		return
	}
	s.presence.SetOnline(userID, online)
	s.rec.SetOnline(userID, online)
}

// typingKey fills in the conversation for typing events that only name the user.
func (s *Session) typingKey(key domain.ConversationKey, userID string) domain.ConversationKey {
	if key != "" {
		return key
	}
	return domain.Key(s.self, userID)
}

// statusChanged drops all presence on every transition: whatever was known
// before is stale until fresh events arrive. A reconnect also reloads the
// list and rejoins the open conversation.
func (s *Session) statusChanged(e ws.StatusChanged) {
	s.presence.ClearAll()
	s.rec.ResetOnline()
	if !e.Connected {
		s.log.Info("channel disconnected")
		return
	}

	s.mu.Lock()
	s.authed = false
	open := s.open
	s.mu.Unlock()

	s.log.Info("channel connected", zap.Bool("reconnected", e.Reconnected))
	if open != "" {
		s.command(ws.JoinConversation{UserID: open})
	}
	if e.Reconnected {
		s.refreshAsync()
	}
}
