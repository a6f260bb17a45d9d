package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/artmarket/conversation-sync/internal/apperr"
	"github.com/yourorg/artmarket/conversation-sync/internal/auth"
	"github.com/yourorg/artmarket/conversation-sync/internal/backend"
	"github.com/yourorg/artmarket/conversation-sync/internal/clock"
	"github.com/yourorg/artmarket/conversation-sync/internal/domain"
	"github.com/yourorg/artmarket/conversation-sync/internal/ws"
)

const me = "me"

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeBackend struct {
	mu            sync.Mutex
	conversations func() (backend.ConversationList, error)
	history       func(userID, cursor string) (backend.MessagePage, error)
	send          func(receiverID, body, clientID string) (domain.Message, error)
	markRead      func(userID string) error
	flag          func(id, reason string) (domain.Message, error)
	listCalls     int
	historyCalls  []string
}

func (b *fakeBackend) Conversations(ctx context.Context, page, limit int) (backend.ConversationList, error) {
	b.mu.Lock()
	b.listCalls++
	b.mu.Unlock()
	if b.conversations == nil {
		return backend.ConversationList{}, nil
	}
	return b.conversations()
}

func (b *fakeBackend) History(ctx context.Context, userID, cursor string, limit int, dir backend.Direction) (backend.MessagePage, error) {
	b.mu.Lock()
	b.historyCalls = append(b.historyCalls, cursor)
	b.mu.Unlock()
	if b.history == nil {
		return backend.MessagePage{}, nil
	}
	return b.history(userID, cursor)
}

func (b *fakeBackend) Send(ctx context.Context, receiverID, body, clientID string) (domain.Message, error) {
	return b.send(receiverID, body, clientID)
}

func (b *fakeBackend) MarkRead(ctx context.Context, userID string) error {
	if b.markRead == nil {
		return nil
	}
	return b.markRead(userID)
}

func (b *fakeBackend) Delete(ctx context.Context, messageID string) error { return nil }

func (b *fakeBackend) Flag(ctx context.Context, messageID, reason string) (domain.Message, error) {
	return b.flag(messageID, reason)
}

func (b *fakeBackend) Unflag(ctx context.Context, messageID string) (domain.Message, error) {
	return domain.Message{}, apperr.ErrNotFound
}

func (b *fakeBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listCalls
}

type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	sent      []ws.Command
	onSend    func(ws.Command)
}

func (c *fakeChannel) Connect(string) {}
func (c *fakeChannel) Disconnect()    {}

func (c *fakeChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeChannel) Send(cmd ws.Command) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ws.ErrNotConnected
	}
	c.sent = append(c.sent, cmd)
	hook := c.onSend
	c.mu.Unlock()
	if hook != nil {
		hook(cmd)
	}
	return nil
}

func (c *fakeChannel) commands() []ws.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ws.Command(nil), c.sent...)
}

type refusingDialer struct{}

func (refusingDialer) Dial(context.Context, string) (ws.Conn, error) {
	return nil, apperr.ErrTransport
}

type harness struct {
	s       *Session
	be      *fakeBackend
	ch      *fakeChannel
	clock   *clock.Fake
	mu      sync.Mutex
	notices []Notice
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	token, err := auth.Sign("secret", me, "buyer", time.Hour)
	require.NoError(t, err)

	h := &harness{be: &fakeBackend{}, ch: &fakeChannel{}, clock: clock.NewFake(t0.Add(time.Hour))}
	s, err := New(token, Options{}, Deps{
		Backend: h.be,
		Dialer:  refusingDialer{},
		Clock:   h.clock,
		Notifier: NotifierFunc(func(n Notice) {
			h.mu.Lock()
			h.notices = append(h.notices, n)
			h.mu.Unlock()
		}),
	})
	require.NoError(t, err)
	s.channel = h.ch
	h.s = s
	t.Cleanup(s.Close)
	return h
}

func (h *harness) noticeKinds() []apperr.ErrorKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []apperr.ErrorKind
	for _, n := range h.notices {
		out = append(out, n.Kind)
	}
	return out
}

func (h *harness) unread(t *testing.T, userID string) int {
	t.Helper()
	c, ok := h.s.Conversations().Get(domain.Key(me, userID))
	require.True(t, ok)
	return c.UnreadCount
}

func TestNewRequiresUserInToken(t *testing.T) {
	_, err := New("not-a-token", Options{}, Deps{Backend: &fakeBackend{}, Dialer: refusingDialer{}})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	token, _ := auth.Sign("secret", me, "", time.Hour)
	_, err = New(token, Options{}, Deps{Dialer: refusingDialer{}})
	assert.Error(t, err)
}

func TestLocalUserID(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, me, h.s.LocalUserID())
}

func TestOfflineSendFailsThenRetryReplaces(t *testing.T) {
	h := newHarness(t)
	key := domain.Key(me, "u1")
	require.NoError(t, h.s.OpenConversation(context.Background(), "u1"))

	attempts := 0
	h.be.send = func(receiverID, body, clientID string) (domain.Message, error) {
		attempts++
		if attempts == 1 {
			return domain.Message{}, &backend.APIError{Endpoint: "send", StatusCode: 500, Message: "boom"}
		}
		return domain.Message{ID: "m1", ClientID: clientID, SenderID: me, ReceiverID: receiverID, Body: body, CreatedAt: t0}, nil
	}

	failed, err := h.s.SendMessage(context.Background(), "u1", "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrAction)
	assert.Equal(t, domain.StatusFailed, failed.Status)

	msgs := h.s.Thread().Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.StatusFailed, msgs[0].Status)
	assert.Equal(t, []apperr.ErrorKind{apperr.KindAction}, h.noticeKinds())

	sent, err := h.s.RetrySend(context.Background(), failed.ClientID)
	require.NoError(t, err)
	assert.Equal(t, "m1", sent.ID)

	msgs = h.s.Thread().Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, failed.ClientID, msgs[0].ClientID)
	assert.Equal(t, domain.StatusSent, msgs[0].Status)

	c, ok := h.s.Conversations().Get(key)
	require.True(t, ok)
	require.NotNil(t, c.LastMessage)
	assert.Equal(t, "m1", c.LastMessage.ID)
}

func TestRetryUnknownMessage(t *testing.T) {
	h := newHarness(t)
	_, err := h.s.RetrySend(context.Background(), "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSendRejectsEmptyBody(t *testing.T) {
	h := newHarness(t)
	_, err := h.s.SendMessage(context.Background(), "u1", "   ")
	assert.ErrorIs(t, err, apperr.ErrAction)
	assert.Empty(t, h.s.Conversations().List())
}

func TestSendOverChannelAckedByEcho(t *testing.T) {
	h := newHarness(t)
	h.ch.connected = true
	h.ch.onSend = func(cmd ws.Command) {
		sm, ok := cmd.(ws.SendMessage)
		if !ok {
			return
		}
		h.s.HandleEvent(ws.NewMessage{Message: domain.Message{
			ID: "m9", ClientID: sm.ClientID, SenderID: me, ReceiverID: sm.ReceiverID, Body: sm.Body, CreatedAt: t0,
		}})
	}
	h.be.send = func(string, string, string) (domain.Message, error) {
		t.Fatal("REST fallback used while connected")
		return domain.Message{}, nil
	}
	require.NoError(t, h.s.OpenConversation(context.Background(), "u1"))

	got, err := h.s.SendMessage(context.Background(), "u1", "over the socket")
	require.NoError(t, err)
	assert.Equal(t, "m9", got.ID)

	msgs := h.s.Thread().Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m9", msgs[0].ID)
	assert.Equal(t, 0, h.unread(t, "u1"))
}

func TestSendOverChannelWithoutAckFails(t *testing.T) {
	h := newHarness(t)
	h.ch.connected = true

	go func() {
		if assert.Eventually(t, func() bool { return h.clock.Pending() == 1 }, time.Second, time.Millisecond) {
			h.clock.Advance(10 * time.Second)
		}
	}()

	m, err := h.s.SendMessage(context.Background(), "u1", "lost")
	assert.ErrorIs(t, err, apperr.ErrAction)
	assert.Equal(t, domain.StatusFailed, m.Status)

	pending, ok := h.s.rec.Pending(m.ClientID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusFailed, pending.Status)
}

func TestReconnectResetsPresence(t *testing.T) {
	h := newHarness(t)
	h.be.conversations = func() (backend.ConversationList, error) {
		return backend.ConversationList{Conversations: []domain.ConversationSummary{
			{Key: domain.Key(me, "u1"), Counterpart: domain.Counterpart{ID: "u1"}, UpdatedAt: t0},
		}}, nil
	}
	require.NoError(t, h.s.Refresh(context.Background()))
	require.NoError(t, h.s.OpenConversation(context.Background(), "u1"))

	h.s.HandleEvent(ws.StatusChanged{Connected: true})
	h.s.HandleEvent(ws.UserOnline{UserID: "u1"})
	h.s.HandleEvent(ws.UserTyping{UserID: "u1"})
	assert.Equal(t, []string{"u1"}, h.s.OnlineUsers())
	assert.Equal(t, []string{"u1"}, h.s.TypingUsers("u1"))
	c, _ := h.s.Conversations().Get(domain.Key(me, "u1"))
	assert.True(t, c.Counterpart.Online)

	h.s.HandleEvent(ws.StatusChanged{Connected: false})
	assert.Empty(t, h.s.OnlineUsers())
	assert.Empty(t, h.s.TypingUsers("u1"))

	h.s.HandleEvent(ws.UserOnline{UserID: "u1"})
	h.ch.connected = true
	h.s.HandleEvent(ws.StatusChanged{Connected: true, Reconnected: true})
	assert.Empty(t, h.s.OnlineUsers())
	c, _ = h.s.Conversations().Get(domain.Key(me, "u1"))
	assert.False(t, c.Counterpart.Online)

	require.Eventually(t, func() bool { return h.be.calls() == 2 }, time.Second, time.Millisecond)
	assert.Contains(t, h.ch.commands(), ws.Command(ws.JoinConversation{UserID: "u1"}))
}

func TestTypingExpiresAfterTTL(t *testing.T) {
	h := newHarness(t)

	h.s.HandleEvent(ws.UserTyping{UserID: "u1"})
	assert.Equal(t, []string{"u1"}, h.s.TypingUsers("u1"))

	h.clock.Advance(4 * time.Second)
	h.s.HandleEvent(ws.UserTyping{UserID: "u1"})
	h.clock.Advance(4 * time.Second)
	assert.Equal(t, []string{"u1"}, h.s.TypingUsers("u1"), "refresh restarts the TTL")

	h.clock.Advance(time.Second)
	assert.Empty(t, h.s.TypingUsers("u1"))
}

func TestNewMessageClearsTyping(t *testing.T) {
	h := newHarness(t)
	h.s.HandleEvent(ws.UserTyping{UserID: "u1"})
	h.s.HandleEvent(ws.NewMessage{Message: domain.Message{ID: "m1", SenderID: "u1", ReceiverID: me, Body: "hi", CreatedAt: t0}})
	assert.Empty(t, h.s.TypingUsers("u1"))
	assert.Equal(t, 1, h.unread(t, "u1"))
}

func TestOwnTypingIgnored(t *testing.T) {
	h := newHarness(t)
	h.s.HandleEvent(ws.UserTyping{Key: domain.Key(me, "u1"), UserID: me})
	assert.Empty(t, h.s.TypingUsers("u1"))
}

func TestStartTypingThrottled(t *testing.T) {
	h := newHarness(t)
	h.ch.connected = true

	h.s.StartTyping("u1")
	h.s.StartTyping("u1")
	h.s.StartTyping("u2")
	h.s.StopTyping("u1")
	h.s.StartTyping("u1")

	assert.Equal(t, []ws.Command{
		ws.StartTyping{UserID: "u1"},
		ws.StartTyping{UserID: "u2"},
		ws.StopTyping{UserID: "u1"},
		ws.StartTyping{UserID: "u1"},
	}, h.ch.commands())
}

func TestMarkReadThenInboundKeepsNewMessageUnread(t *testing.T) {
	h := newHarness(t)
	h.be.conversations = func() (backend.ConversationList, error) {
		return backend.ConversationList{Conversations: []domain.ConversationSummary{
			{Key: domain.Key(me, "u1"), Counterpart: domain.Counterpart{ID: "u1"}, UnreadCount: 3, UpdatedAt: t0},
		}}, nil
	}
	require.NoError(t, h.s.Refresh(context.Background()))

	release := make(chan struct{})
	h.be.markRead = func(string) error {
		<-release
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- h.s.MarkRead(context.Background(), "u1") }()

	require.Eventually(t, func() bool { return h.unread(t, "u1") == 0 }, time.Second, time.Millisecond)
	h.s.HandleEvent(ws.NewMessage{Message: domain.Message{ID: "m3", SenderID: "u1", ReceiverID: me, Body: "again", CreatedAt: t0.Add(time.Minute)}})
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, 1, h.unread(t, "u1"))
}

func TestMarkReadRollsBackOnFailure(t *testing.T) {
	h := newHarness(t)
	h.be.conversations = func() (backend.ConversationList, error) {
		return backend.ConversationList{Conversations: []domain.ConversationSummary{
			{Key: domain.Key(me, "u1"), Counterpart: domain.Counterpart{ID: "u1"}, UnreadCount: 3, UpdatedAt: t0},
		}}, nil
	}
	require.NoError(t, h.s.Refresh(context.Background()))
	h.be.markRead = func(string) error {
		return &backend.APIError{Endpoint: "mark_read", StatusCode: 500}
	}

	err := h.s.MarkRead(context.Background(), "u1")
	assert.ErrorIs(t, err, apperr.ErrAction)
	assert.Equal(t, 3, h.unread(t, "u1"))
	assert.Equal(t, []apperr.ErrorKind{apperr.KindAction}, h.noticeKinds())
}

func TestMarkReadConfirmsOverRESTWhileConnected(t *testing.T) {
	h := newHarness(t)
	h.ch.connected = true
	var readFor []string
	h.be.markRead = func(userID string) error {
		readFor = append(readFor, userID)
		return nil
	}
	h.s.HandleEvent(ws.NewMessage{Message: domain.Message{ID: "m1", SenderID: "u1", ReceiverID: me, Body: "hi", CreatedAt: t0}})

	require.NoError(t, h.s.MarkRead(context.Background(), "u1"))
	assert.Equal(t, 0, h.unread(t, "u1"))
	assert.Equal(t, []string{"u1"}, readFor)
	assert.Empty(t, h.ch.commands())
}

func TestMarkReadRollsBackWhileConnected(t *testing.T) {
	h := newHarness(t)
	h.ch.connected = true
	h.be.markRead = func(string) error {
		return &backend.APIError{Endpoint: "mark_read", StatusCode: 500}
	}
	h.s.HandleEvent(ws.NewMessage{Message: domain.Message{ID: "m1", SenderID: "u1", ReceiverID: me, Body: "hi", CreatedAt: t0}})
	h.s.HandleEvent(ws.NewMessage{Message: domain.Message{ID: "m2", SenderID: "u1", ReceiverID: me, Body: "there", CreatedAt: t0.Add(time.Second)}})

	err := h.s.MarkRead(context.Background(), "u1")
	assert.ErrorIs(t, err, apperr.ErrAction)
	assert.Equal(t, 2, h.unread(t, "u1"))
	assert.Equal(t, []apperr.ErrorKind{apperr.KindAction}, h.noticeKinds())
}

func TestOpenConversationAndLoadOlder(t *testing.T) {
	h := newHarness(t)
	h.be.history = func(userID, cursor string) (backend.MessagePage, error) {
		switch cursor {
		case "":
			return backend.MessagePage{
				Messages:   []domain.Message{{ID: "m3", SenderID: "u1", ReceiverID: me, Body: "c", CreatedAt: t0.Add(3 * time.Second)}},
				HasMore:    true,
				NextCursor: "c1",
			}, nil
		case "c1":
			return backend.MessagePage{
				Messages: []domain.Message{
					{ID: "m1", SenderID: me, ReceiverID: "u1", Body: "a", CreatedAt: t0.Add(time.Second)},
					{ID: "m2", SenderID: "u1", ReceiverID: me, Body: "b", CreatedAt: t0.Add(2 * time.Second)},
				},
			}, nil
		}
		return backend.MessagePage{}, errors.New("unexpected cursor")
	}

	require.NoError(t, h.s.OpenConversation(context.Background(), "u1"))
	require.Len(t, h.s.Thread().Messages(), 1)

	loaded, err := h.s.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.True(t, loaded)

	var ids []string
	for _, m := range h.s.Thread().Messages() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids)
	assert.False(t, h.s.Thread().HasOlder())

	loaded, err = h.s.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.False(t, loaded)
}

func TestSwitchingConversationLeavesPrevious(t *testing.T) {
	h := newHarness(t)
	h.ch.connected = true

	require.NoError(t, h.s.OpenConversation(context.Background(), "u1"))
	require.NoError(t, h.s.OpenConversation(context.Background(), "u2"))
	h.s.CloseConversation()

	assert.Equal(t, []ws.Command{
		ws.JoinConversation{UserID: "u1"},
		ws.LeaveConversation{UserID: "u1"},
		ws.JoinConversation{UserID: "u2"},
		ws.LeaveConversation{UserID: "u2"},
	}, h.ch.commands())
	_, open := h.s.Thread().Key()
	assert.False(t, open)
}

func TestFlagAppliesModeration(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.OpenConversation(context.Background(), "u1"))
	h.s.HandleEvent(ws.NewMessage{Message: domain.Message{ID: "m1", SenderID: "u1", ReceiverID: me, Body: "spam", CreatedAt: t0}})
	h.be.flag = func(id, reason string) (domain.Message, error) {
		return domain.Message{ID: id, SenderID: "u1", ReceiverID: me, Body: "spam", CreatedAt: t0, Flagged: true, FlagReason: reason}, nil
	}

	require.NoError(t, h.s.Flag(context.Background(), "m1", "spam"))
	got, ok := h.s.Thread().Find("m1")
	require.True(t, ok)
	assert.True(t, got.Flagged)
	assert.Equal(t, "spam", got.FlagReason)

	assert.ErrorIs(t, h.s.Unflag(context.Background(), "m1"), apperr.ErrNotFound)
}

func TestAuthFailureNotifiedOnce(t *testing.T) {
	h := newHarness(t)
	h.s.HandleEvent(ws.AuthFailed{Err: apperr.ErrUnauthorized})
	h.s.HandleEvent(ws.AuthFailed{Err: apperr.ErrUnauthorized})
	assert.Equal(t, []apperr.ErrorKind{apperr.KindAuth}, h.noticeKinds())
}

func TestStartLoadsListEvenWhenOffline(t *testing.T) {
	h := newHarness(t)
	h.be.conversations = func() (backend.ConversationList, error) {
		return backend.ConversationList{}, &backend.APIError{Endpoint: "conversations", StatusCode: 401}
	}
	err := h.s.Start(context.Background())
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	assert.Equal(t, []apperr.ErrorKind{apperr.KindAuth}, h.noticeKinds())
}
