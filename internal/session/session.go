// Package session is the UI-facing root of the sync engine. A Session owns
// the stores, the presence tracker, the push channel and the REST client of
// one authenticated user.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yourorg/artmarket/conversation-sync/internal/apperr"
	"github.com/yourorg/artmarket/conversation-sync/internal/auth"
	"github.com/yourorg/artmarket/conversation-sync/internal/backend"
	"github.com/yourorg/artmarket/conversation-sync/internal/clock"
	"github.com/yourorg/artmarket/conversation-sync/internal/domain"
	"github.com/yourorg/artmarket/conversation-sync/internal/metrics"
	"github.com/yourorg/artmarket/conversation-sync/internal/presence"
	"github.com/yourorg/artmarket/conversation-sync/internal/reconcile"
	"github.com/yourorg/artmarket/conversation-sync/internal/store"
	"github.com/yourorg/artmarket/conversation-sync/internal/ws"
)

// Backend is the REST surface a session needs. *backend.Client implements it.
type Backend interface {
	Conversations(ctx context.Context, page, limit int) (backend.ConversationList, error)
	History(ctx context.Context, userID, cursor string, limit int, dir backend.Direction) (backend.MessagePage, error)
	Send(ctx context.Context, receiverID, body, clientID string) (domain.Message, error)
	MarkRead(ctx context.Context, userID string) error
	Delete(ctx context.Context, messageID string) error
	Flag(ctx context.Context, messageID, reason string) (domain.Message, error)
	Unflag(ctx context.Context, messageID string) (domain.Message, error)
}

// channel is the part of *ws.Channel the session drives.
type channel interface {
	Connect(token string)
	Disconnect()
	Send(cmd ws.Command) error
	IsConnected() bool
}

type Options struct {
	PageSize       int
	SendAckTimeout time.Duration
	RefreshTimeout time.Duration
	TypingTTL      time.Duration
	TypingThrottle time.Duration
	EchoTTL        time.Duration
	Channel        ws.Options
}

func DefaultOptions() Options {
	return Options{
		PageSize:       30,
		SendAckTimeout: 10 * time.Second,
		RefreshTimeout: 15 * time.Second,
		TypingTTL:      presence.DefaultTypingTTL,
		TypingThrottle: 2 * time.Second,
		EchoTTL:        reconcile.DefaultEchoTTL,
		Channel:        ws.DefaultOptions(),
	}
}

type Deps struct {
	Backend  Backend
	Dialer   ws.Dialer
	Clock    clock.Clock
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Notifier Notifier
}

type Session struct {
	token string
	self  string
	opts  Options

	backend  Backend
	channel  channel
	conv     *store.ConversationStore
	thread   *store.ThreadStore
	presence *presence.Tracker
	rec      *reconcile.Reconciler

	clock    clock.Clock
	log      *zap.Logger
	notifier Notifier

	mu     sync.Mutex
	open   string // counterpart of the open thread
	typing map[domain.ConversationKey]*rate.Limiter
	authed bool // an auth failure has been reported

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a session for the holder of token. The token is only inspected
// here; the backend verifies it.
func New(token string, opts Options, deps Deps) (*Session, error) {
	if deps.Backend == nil || deps.Dialer == nil {
		return nil, errors.New("session: backend and dialer are required")
	}
	id, err := auth.Inspect(token)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	def := DefaultOptions()
	if opts.PageSize <= 0 {
		opts.PageSize = def.PageSize
	}
	if opts.SendAckTimeout <= 0 {
		opts.SendAckTimeout = def.SendAckTimeout
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = def.RefreshTimeout
	}
	if opts.TypingThrottle <= 0 {
		opts.TypingThrottle = def.TypingThrottle
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Notifier == nil {
		deps.Notifier = NopNotifier{}
	}

	log := deps.Logger.Named("session").With(zap.String("user_id", id.UserID))
	s := &Session{
		token:    token,
		self:     id.UserID,
		opts:     opts,
		backend:  deps.Backend,
		conv:     store.NewConversationStore(),
		thread:   store.NewThreadStore(),
		presence: presence.NewTracker(opts.TypingTTL, deps.Clock, deps.Logger.Named("presence")),
		clock:    deps.Clock,
		log:      log,
		notifier: deps.Notifier,
		typing:   make(map[domain.ConversationKey]*rate.Limiter),
	}
	s.rec = reconcile.New(s.self, s.conv, s.thread, deps.Clock, opts.EchoTTL, deps.Logger, deps.Metrics)
	s.channel = ws.New(deps.Dialer, s, opts.Channel, deps.Clock, deps.Logger, deps.Metrics)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Start loads the conversation list and connects the push channel. The
// channel is connected even when the cold load fails.
func (s *Session) Start(ctx context.Context) error {
	err := s.Refresh(ctx)
	s.channel.Connect(s.token)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return nil
}

// Close disconnects the channel and waits for background refreshes.
func (s *Session) Close() {
	s.cancel()
	s.channel.Disconnect()
	s.wg.Wait()
	s.presence.ClearAll()
}

// Refresh reloads the conversation list and the newest page of the open thread.
func (s *Session) Refresh(ctx context.Context) error {
	list, err := s.backend.Conversations(ctx, 1, s.opts.PageSize)
	if err != nil {
		s.fail("refresh", err)
		return fmt.Errorf("load conversations: %w", err)
	}
	s.rec.ApplySummaries(list.Conversations)

	userID := s.openCounterpart()
	if userID == "" {
		return nil
	}
	page, err := s.backend.History(ctx, userID, "", s.opts.PageSize, backend.Older)
	if err != nil {
		return fmt.Errorf("refresh thread %s: %w", userID, err)
	}
	// merged one by one so the paging cursor of the thread is kept
	for _, m := range s.rec.PrepareHistory(page.Messages) {
		_ = s.rec.ApplyMessage(m, domain.SourceREST)
	}
	return nil
}

func (s *Session) refreshAsync() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.RefreshTimeout)
		defer cancel()
		if err := s.Refresh(ctx); err != nil && s.ctx.Err() == nil {
			s.log.Warn("refresh after reconnect failed", zap.Error(err))
		}
	}()
}

// OpenConversation makes the conversation with userID the active thread and
// loads its newest page.
func (s *Session) OpenConversation(ctx context.Context, userID string) error {
	if userID == "" || userID == s.self {
		return fmt.Errorf("open conversation with %q: %w", userID, apperr.ErrAction)
	}
	key := domain.Key(s.self, userID)

	s.mu.Lock()
	prev := s.open
	s.open = userID
	s.mu.Unlock()

	if prev != "" && prev != userID {
		s.command(ws.LeaveConversation{UserID: prev})
	}
	s.thread.Open(key)
	s.command(ws.JoinConversation{UserID: userID})

	page, err := s.backend.History(ctx, userID, "", s.opts.PageSize, backend.Older)
	if err != nil {
		s.fail("open conversation", err)
		return fmt.Errorf("load conversation %s: %w", userID, err)
	}
	if !s.thread.IsOpen(key) {
		return nil
	}
	s.rec.ApplyPage(key, store.Page{Messages: page.Messages, HasMore: page.HasMore, NextCursor: page.NextCursor})
	return nil
}

// LoadOlder prepends the page before the oldest loaded message. It reports
// whether anything was fetched.
func (s *Session) LoadOlder(ctx context.Context) (bool, error) {
	ok, err := s.thread.LoadOlder(ctx, s.fetchOlder)
	if err != nil {
		s.fail("load older", err)
		return false, fmt.Errorf("load older messages: %w", err)
	}
	return ok, nil
}

func (s *Session) fetchOlder(ctx context.Context, key domain.ConversationKey, cursor string) (store.Page, error) {
	page, err := s.backend.History(ctx, key.Counterpart(s.self), cursor, s.opts.PageSize, backend.Older)
	if err != nil {
		return store.Page{}, err
	}
	return store.Page{Messages: s.rec.PrepareHistory(page.Messages), HasMore: page.HasMore, NextCursor: page.NextCursor}, nil
}

func (s *Session) CloseConversation() {
	s.mu.Lock()
	prev := s.open
	s.open = ""
	s.mu.Unlock()

	s.thread.Close()
	if prev != "" {
		s.command(ws.LeaveConversation{UserID: prev})
	}
}

// SendMessage shows the message at once as pending and delivers it. The
// returned message is the acknowledged copy, or the failed provisional one
// together with the error.
func (s *Session) SendMessage(ctx context.Context, receiverID, body string) (domain.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return domain.Message{}, fmt.Errorf("send message: empty body: %w", apperr.ErrAction)
	}
	m, err := s.rec.BeginSend(receiverID, body)
	if err != nil {
		return domain.Message{}, err
	}
	return s.deliver(ctx, m)
}

// RetrySend re-delivers a failed message under its original client id.
func (s *Session) RetrySend(ctx context.Context, clientID string) (domain.Message, error) {
	m, err := s.rec.RetrySend(clientID)
	if err != nil {
		return domain.Message{}, err
	}
	return s.deliver(ctx, m)
}

func (s *Session) deliver(ctx context.Context, m domain.Message) (domain.Message, error) {
	if s.channel.IsConnected() {
		ack := s.rec.AwaitAck(m.ClientID)
		err := s.channel.Send(ws.SendMessage{ReceiverID: m.ReceiverID, Body: m.Body, ClientID: m.ClientID, ClientTimestamp: m.CreatedAt})
		if err == nil {
			return s.awaitEcho(ctx, m, ack)
		}
		s.rec.CancelAwait(m.ClientID)
		s.log.Debug("channel send failed, using REST", zap.String("client_id", m.ClientID), zap.Error(err))
	}

	sent, err := s.backend.Send(ctx, m.ReceiverID, m.Body, m.ClientID)
	if err != nil {
		return s.failSend(m, err)
	}
	if err := s.rec.CompleteSend(m.ClientID, sent); err != nil {
		return s.failSend(m, err)
	}
	if sent.ClientID == "" {
		sent.ClientID = m.ClientID
	}
	return sent.Normalize(), nil
}

func (s *Session) awaitEcho(ctx context.Context, m domain.Message, ack <-chan domain.Message) (domain.Message, error) {
	expired := make(chan struct{})
	timer := s.clock.AfterFunc(s.opts.SendAckTimeout, func() { close(expired) })
	defer timer.Stop()

	select {
	case got, ok := <-ack:
		if !ok {
			// acknowledged before the waiter was registered
			if cur, found := s.thread.FindByClientID(m.ClientID); found {
				return cur, nil
			}
			return m, nil
		}
		return got, nil
	case <-expired:
		s.rec.CancelAwait(m.ClientID)
		return s.failSend(m, fmt.Errorf("no acknowledgement within %s: %w", s.opts.SendAckTimeout, apperr.ErrAction))
	case <-ctx.Done():
		s.rec.CancelAwait(m.ClientID)
		return s.failSend(m, fmt.Errorf("%w: %w", ctx.Err(), apperr.ErrTransport))
	}
}

func (s *Session) failSend(m domain.Message, err error) (domain.Message, error) {
	s.rec.FailSend(m.ClientID)
	m.Status = domain.StatusFailed
	s.fail("send message", err)
	return m, fmt.Errorf("send message: %w", err)
}

// MarkRead zeroes the unread count of the conversation with userID right
// away and confirms it over REST, even while the channel is up: the channel
// command has no acknowledgement to roll back on. A failure puts the count back.
func (s *Session) MarkRead(ctx context.Context, userID string) error {
	if userID == "" || userID == s.self {
		return fmt.Errorf("mark read %q: %w", userID, apperr.ErrAction)
	}
	key := domain.Key(s.self, userID)
	prev := s.rec.BeginMarkRead(key)

	if err := s.backend.MarkRead(ctx, userID); err != nil {
		s.rec.FailMarkRead(key, prev)
		s.fail("mark read", err)
		return fmt.Errorf("mark read %s: %w", userID, err)
	}
	s.rec.CompleteMarkRead(key)
	return nil
}

// StartTyping tells the counterpart the local user is typing. Repeated calls
// are throttled per conversation.
func (s *Session) StartTyping(userID string) {
	key := domain.Key(s.self, userID)
	s.mu.Lock()
	lim, ok := s.typing[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(s.opts.TypingThrottle), 1)
		s.typing[key] = lim
	}
	s.mu.Unlock()

	if !lim.Allow() {
		return
	}
	s.command(ws.StartTyping{UserID: userID})
}

func (s *Session) StopTyping(userID string) {
	s.mu.Lock()
	delete(s.typing, domain.Key(s.self, userID))
	s.mu.Unlock()
	s.command(ws.StopTyping{UserID: userID})
}

// Flag marks a message for moderation review.
func (s *Session) Flag(ctx context.Context, messageID, reason string) error {
	m, err := s.backend.Flag(ctx, messageID, reason)
	if err != nil {
		s.fail("flag message", err)
		return fmt.Errorf("flag %s: %w", messageID, err)
	}
	return s.rec.ApplyMessage(m, domain.SourceModeration)
}

func (s *Session) Unflag(ctx context.Context, messageID string) error {
	m, err := s.backend.Unflag(ctx, messageID)
	if err != nil {
		s.fail("unflag message", err)
		return fmt.Errorf("unflag %s: %w", messageID, err)
	}
	return s.rec.ApplyMessage(m, domain.SourceModeration)
}

// DeleteMessage deletes a message the local user sent.
func (s *Session) DeleteMessage(ctx context.Context, messageID string) error {
	if err := s.backend.Delete(ctx, messageID); err != nil {
		s.fail("delete message", err)
		return fmt.Errorf("delete %s: %w", messageID, err)
	}
	s.rec.ApplyDeleted(messageID)
	return nil
}

func (s *Session) IsConnected() bool { return s.channel.IsConnected() }

func (s *Session) LocalUserID() string { return s.self }

func (s *Session) OnlineUsers() []string { return s.presence.OnlineUsers() }

func (s *Session) TypingUsers(userID string) []string {
	return s.presence.TypingUsers(domain.Key(s.self, userID))
}

func (s *Session) Conversations() *store.ConversationStore { return s.conv }

func (s *Session) Thread() *store.ThreadStore { return s.thread }

func (s *Session) Presence() *presence.Tracker { return s.presence }

func (s *Session) openCounterpart() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// command sends a best-effort instruction; it is dropped while offline.
func (s *Session) command(cmd ws.Command) {
	if err := s.channel.Send(cmd); err != nil && !errors.Is(err, ws.ErrNotConnected) {
		s.log.Warn("command not sent", zap.String("type", cmd.Type()), zap.Error(err))
	}
}

// fail reports err to the user unless it is a plain connectivity problem,
// which is visible through the connection status instead.
func (s *Session) fail(op string, err error) {
	kind := apperr.Kind(err)
	s.log.Warn(op+" failed", zap.String("kind", string(kind)), zap.Error(err))
	if kind == apperr.KindTransport && op == "refresh" {
		return
	}
	s.notifier.Notify(Notice{Kind: kind, Op: op, Err: err})
}
