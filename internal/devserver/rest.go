package devserver

import (
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/yourorg/artmarket/conversation-sync/internal/backend"
	"github.com/yourorg/artmarket/conversation-sync/internal/domain"
	"github.com/yourorg/artmarket/conversation-sync/internal/validate"
	"github.com/yourorg/artmarket/conversation-sync/internal/wire"
)

func (s *Server) listConversations(c *fiber.Ctx) error {
	page, limit := max(c.QueryInt("page", 1), 1), c.QueryInt("limit", 30)
	if limit <= 0 {
		limit = 30
	}
	all := s.store.Conversations(self(c), s.hub.Online)
	start := min((page-1)*limit, len(all))
	end := min(start+limit, len(all))
	return ok(c, backend.NewConversationsPage(all[start:end], page, end < len(all)))
}

func (s *Server) history(c *fiber.Ctx) error {
	msgs, hasMore, next, err := s.store.History(self(c), c.Params("userId"), c.Query("cursor"),
		c.QueryInt("limit", 30), backend.Direction(c.Query("direction", string(backend.Older))))
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, backend.NewMessagePage(msgs, hasMore, next))
}

func (s *Server) send(c *fiber.Ctx) error {
	var req backend.SendRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid body")
	}
	m, created, err := s.store.Save(self(c), req.ReceiverID, req.Content, req.ClientID)
	if err != nil {
		return failErr(c, err)
	}
	s.pushMessage(m, created)
	return c.Status(http.StatusCreated).JSON(fiber.Map{"status": backend.StatusSuccess, "data": backend.NewMessageDTO(m)})
}

func (s *Server) markRead(c *fiber.Ctx) error {
	s.readAll(self(c), c.Params("userId"))
	return ok(c, nil)
}

func (s *Server) unreadCount(c *fiber.Ctx) error {
	return ok(c, backend.UnreadCount{Count: s.store.UnreadCount(self(c))})
}

func (s *Server) search(c *fiber.Ctx) error {
	msgs := s.store.Search(self(c), c.Query("q"))
	out := make([]backend.MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, backend.NewMessageDTO(m))
	}
	return ok(c, out)
}

func (s *Server) block(c *fiber.Ctx) error {
	s.store.Block(self(c), c.Params("userId"))
	return ok(c, nil)
}

func (s *Server) unblock(c *fiber.Ctx) error {
	s.store.Unblock(self(c), c.Params("userId"))
	return ok(c, nil)
}

func (s *Server) deleteMessage(c *fiber.Ctx) error {
	m, err := s.store.Delete(self(c), c.Params("id"), false)
	if err != nil {
		return failErr(c, err)
	}
	s.pushUpdate(m)
	return ok(c, nil)
}

func (s *Server) adminList(c *fiber.Ctx) error {
	f := backend.AdminFilter{
		Conversation: c.Query("conversation"),
		User:         c.Query("user"),
		Search:       c.Query("search"),
		Sort:         c.Query("sort"),
		Page:         c.QueryInt("page", 1),
		Limit:        c.QueryInt("limit", 20),
	}
	if v := c.Query("flagged"); v != "" {
		flagged, err := strconv.ParseBool(v)
		if err != nil {
			return fail(c, http.StatusBadRequest, "flagged must be a boolean")
		}
		f.Flagged = &flagged
	}
	msgs, total := s.store.AdminList(f)
	page := max(f.Page, 1)
	return ok(c, backend.NewAdminPage(msgs, total, page, page*max(f.Limit, 1) < total))
}

func (s *Server) analytics(c *fiber.Ctx) error {
	return ok(c, s.store.Analytics(backend.Period(c.Query("period", string(backend.PeriodDay)))))
}

func (s *Server) flag(c *fiber.Ctx) error {
	var req backend.FlagRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid body")
	}
	if err := validate.Struct(req); err != nil {
		return failErr(c, err)
	}
	return s.moderate(c, func(id string) (domain.Message, error) { return s.store.Flag(id, req.Reason) })
}

func (s *Server) unflag(c *fiber.Ctx) error {
	return s.moderate(c, s.store.Unflag)
}

func (s *Server) adminDelete(c *fiber.Ctx) error {
	m, err := s.store.Delete(self(c), c.Params("id"), true)
	if err != nil {
		return failErr(c, err)
	}
	s.pushUpdate(m)
	return ok(c, nil)
}

func (s *Server) moderate(c *fiber.Ctx, fn func(id string) (domain.Message, error)) error {
	m, err := fn(c.Params("id"))
	if err != nil {
		return failErr(c, err)
	}
	s.pushUpdate(m)
	return ok(c, backend.NewMessageDTO(m))
}

// pushMessage delivers a stored message to both participants. A duplicate
// send only echoes back to the sender.
func (s *Server) pushMessage(m domain.Message, created bool) {
	frame, err := wire.Encode(wire.EventNewMessage, wire.FromDomain(m))
	if err != nil {
		s.log.Error("encode message", zap.Error(err))
		return
	}
	s.hub.SendToUser(m.SenderID, frame)
	if created {
		s.hub.SendToUser(m.ReceiverID, frame)
	}
}

func (s *Server) pushUpdate(m domain.Message) {
	frame, err := wire.Encode(wire.EventMessageUpdated, wire.FromDomain(m))
	if err != nil {
		s.log.Error("encode update", zap.Error(err))
		return
	}
	s.hub.SendToUser(m.SenderID, frame)
	s.hub.SendToUser(m.ReceiverID, frame)
}

// readAll marks peer's messages to reader read and tells both sides.
func (s *Server) readAll(reader, peer string) {
	if peer == "" || peer == reader {
		return
	}
	_, at := s.store.MarkRead(reader, peer)
	frame, err := wire.Encode(wire.EventMessagesRead, wire.MessagesRead{
		ConversationID: string(domain.Key(reader, peer)),
		ReaderID:       reader,
		SenderID:       peer,
		ReadAt:         &at,
	})
	if err != nil {
		s.log.Error("encode read receipt", zap.Error(err))
		return
	}
	s.hub.SendToUser(reader, frame)
	s.hub.SendToUser(peer, frame)
}
