package devserver

import (
	"encoding/json"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/yourorg/artmarket/conversation-sync/internal/domain"
	"github.com/yourorg/artmarket/conversation-sync/internal/validate"
	"github.com/yourorg/artmarket/conversation-sync/internal/wire"
)

const sendBuffer = 64

// serveSocket runs one push connection. authenticate has already stored the
// user id in the connection locals.
func (s *Server) serveSocket(conn *websocket.Conn) {
	userID, _ := conn.Locals("user_id").(string)
	c := &client{userID: userID, send: make(chan []byte, sendBuffer)}
	log := s.log.With(zap.String("user_id", userID))

	if s.hub.Add(c) {
		s.pushPresence(userID, wire.EventUserOnline)
	}
	for _, id := range s.hub.OnlineUsers() {
		if id != userID {
			s.queue(c, wire.EventUserOnline, wire.User{UserID: id})
		}
	}
	log.Debug("socket connected")

	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(conn, c, done)
	}()

	s.readPump(conn, c)

	close(done)
	<-writerDone
	if s.hub.Remove(c) {
		s.pushPresence(userID, wire.EventUserOffline)
	}
	log.Debug("socket closed")
}

func (s *Server) writePump(conn *websocket.Conn, c *client, done <-chan struct{}) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(s.opts.WriteWait))
			return
		case b := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.log.Debug("write failed", zap.String("user_id", c.userID), zap.Error(err))
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Server) readPump(conn *websocket.Conn, c *client) {
	conn.SetReadLimit(s.opts.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
		if mt != websocket.TextMessage {
			continue
		}
		s.handleCommand(c, data)
	}
}

func (s *Server) handleCommand(c *client, data []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.queue(c, wire.EventError, wire.Error{Code: "bad_frame", Message: "invalid json"})
		return
	}

	if env.Type == wire.CmdSendMessage {
		var p wire.SendMessage
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.queue(c, wire.EventError, wire.Error{Code: "bad_frame", Message: "invalid send_message payload"})
			return
		}
		m, created, err := s.store.Save(c.userID, p.ReceiverID, p.Content, p.ClientID)
		if err != nil {
			s.queue(c, wire.EventError, wire.Error{Code: "send_failed", Message: err.Error()})
			return
		}
		s.pushMessage(m, created)
		return
	}

	switch env.Type {
	case wire.CmdJoinConversation, wire.CmdLeaveConversation, wire.CmdMarkAsRead, wire.CmdTypingStart, wire.CmdTypingStop:
	default:
		s.queue(c, wire.EventError, wire.Error{Code: "unknown_command", Message: env.Type})
		return
	}

	var t wire.Target
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &t); err != nil {
			s.queue(c, wire.EventError, wire.Error{Code: "bad_frame", Message: "invalid payload"})
			return
		}
	}
	if err := validate.Struct(t); err != nil || t.UserID == c.userID {
		s.queue(c, wire.EventError, wire.Error{Code: "bad_frame", Message: env.Type + " needs another user_id"})
		return
	}
	key := string(domain.Key(c.userID, t.UserID))

	switch env.Type {
	case wire.CmdJoinConversation:
		s.queue(c, wire.EventConversationJoined, wire.Membership{UserID: t.UserID, ConversationID: key})
	case wire.CmdLeaveConversation:
		s.queue(c, wire.EventConversationLeft, wire.Membership{UserID: t.UserID, ConversationID: key})
	case wire.CmdMarkAsRead:
		s.readAll(c.userID, t.UserID)
	case wire.CmdTypingStart, wire.CmdTypingStop:
		typ := wire.EventUserTyping
		if env.Type == wire.CmdTypingStop {
			typ = wire.EventUserStoppedTyping
		}
		if frame, err := wire.Encode(typ, wire.Typing{UserID: c.userID, ConversationID: key}); err == nil {
			s.hub.SendToUser(t.UserID, frame)
		}
	}
}

// queue sends one event to a single socket.
func (s *Server) queue(c *client, typ string, payload any) {
	frame, err := wire.Encode(typ, payload)
	if err != nil {
		s.log.Error("encode event", zap.String("type", typ), zap.Error(err))
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (s *Server) pushPresence(userID, typ string) {
	frame, err := wire.Encode(typ, wire.User{UserID: userID})
	if err != nil {
		return
	}
	s.hub.Broadcast(userID, frame)
}
