// Package devserver is an in-memory messaging backend speaking the same REST
// envelope and push protocol as the marketplace API. It backs local runs of
// the sync client and the end-to-end tests.
package devserver

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/yourorg/artmarket/conversation-sync/internal/auth"
	"github.com/yourorg/artmarket/conversation-sync/internal/backend"
	"github.com/yourorg/artmarket/conversation-sync/internal/validate"
)

const RoleAdmin = "admin"

type Options struct {
	JWTSecret    string
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	ReadLimit    int64
}

type Server struct {
	app   *fiber.App
	hub   *Hub
	store *MemoryStore
	opts  Options
	log   *zap.Logger
}

func New(opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.PongWait <= opts.PingInterval {
		opts.PongWait = opts.PingInterval * 2
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 * 1024
	}

	s := &Server{
		app:   fiber.New(fiber.Config{DisableStartupMessage: true}),
		hub:   NewHub(),
		store: NewMemoryStore(),
		opts:  opts,
		log:   logger.Named("devserver"),
	}
	s.routes()
	return s
}

func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Store() *MemoryStore { return s.store }

func (s *Server) Listen(addr string) error { return s.app.Listen(addr) }

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error { return s.app.Listener(ln) }

func (s *Server) Shutdown() error { return s.app.Shutdown() }

func (s *Server) routes() {
	s.app.Use(recover.New())
	s.app.Use(s.accessLog)

	s.app.Get("/health", func(c *fiber.Ctx) error { return c.JSON(fiber.Map{"status": "ok"}) })

	s.app.Get("/ws", s.authenticate, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}, websocket.New(s.serveSocket))

	api := s.app.Group("/api/messages", s.authenticate)
	api.Get("/conversations", s.listConversations)
	api.Get("/conversation/:userId", s.history)
	api.Post("/send", s.send)
	api.Put("/read/:userId", s.markRead)
	api.Get("/unread-count", s.unreadCount)
	api.Get("/search", s.search)
	api.Post("/block/:userId", s.block)
	api.Delete("/block/:userId", s.unblock)
	api.Delete("/:id", s.deleteMessage)

	admin := s.app.Group("/api/admin/messages", s.authenticate, requireRole(RoleAdmin))
	admin.Get("/", s.adminList)
	admin.Get("/analytics", s.analytics)
	admin.Put("/:id/flag", s.flag)
	admin.Put("/:id/unflag", s.unflag)
	admin.Delete("/:id", s.adminDelete)
}

// authenticate accepts the bearer credential from the Authorization header
// or, for socket upgrades, the token query parameter. It rejects before any
// upgrade takes place.
func (s *Server) authenticate(c *fiber.Ctx) error {
	token := c.Query("token")
	if h := c.Get(fiber.HeaderAuthorization); h != "" {
		t, err := auth.ParseBearerToken(h)
		if err != nil {
			return fail(c, http.StatusUnauthorized, err.Error())
		}
		token = t
	}
	if token == "" {
		return fail(c, http.StatusUnauthorized, "missing authorization")
	}
	id, err := auth.Validate(s.opts.JWTSecret, token)
	if err != nil {
		return fail(c, http.StatusUnauthorized, "invalid token")
	}
	s.store.Touch(id.UserID, id.Role)
	c.Locals("user_id", id.UserID)
	c.Locals("role", id.Role)
	return c.Next()
}

func requireRole(role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if r, _ := c.Locals("role").(string); r != role {
			return fail(c, http.StatusForbidden, "admin only")
		}
		return c.Next()
	}
}

func (s *Server) accessLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.log.Debug("request",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", c.Response().StatusCode()),
		zap.Duration("took", time.Since(start)))
	return err
}

func ok(c *fiber.Ctx, data any) error {
	return c.JSON(fiber.Map{"status": backend.StatusSuccess, "data": data})
}

func fail(c *fiber.Ctx, code int, msg string) error {
	return c.Status(code).JSON(fiber.Map{"status": "error", "message": msg})
}

func failErr(c *fiber.Ctx, err error) error {
	var ve *validate.Error
	switch {
	case errors.As(err, &ve):
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"status": "error", "message": "validation failed", "errors": ve.Fields})
	case errors.Is(err, errNotFound):
		return fail(c, http.StatusNotFound, err.Error())
	case errors.Is(err, errForbidden), errors.Is(err, errBlocked):
		return fail(c, http.StatusForbidden, err.Error())
	case errors.Is(err, errInvalid):
		return fail(c, http.StatusBadRequest, err.Error())
	}
	return fail(c, http.StatusInternalServerError, err.Error())
}

func self(c *fiber.Ctx) string {
	id, _ := c.Locals("user_id").(string)
	return id
}
