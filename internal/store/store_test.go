package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/artmarket/conversation-sync/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id, from, to string, at int) domain.Message {
	return domain.Message{
		ID:         id,
		SenderID:   from,
		ReceiverID: to,
		Body:       "body " + id,
		CreatedAt:  t0.Add(time.Duration(at) * time.Second),
	}.Normalize()
}

func ids(ms []domain.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Key()
	}
	return out
}

func TestThreadKeepsOrderForOutOfOrderArrival(t *testing.T) {
	s := NewThreadStore()
	key := domain.Key("me", "u1")
	s.Open(key)

	s.AppendLive(msg("m2", "u1", "me", 2), domain.SourceChannel)
	s.AppendLive(msg("m1", "u1", "me", 1), domain.SourceChannel)
	assert.Equal(t, []string{"m1", "m2"}, ids(s.Messages()))

	// same timestamp, ties broken by id
	s.AppendLive(msg("m0", "u1", "me", 2), domain.SourceChannel)
	assert.Equal(t, []string{"m1", "m0", "m2"}, ids(s.Messages()))
}

func TestThreadDeduplicatesByID(t *testing.T) {
	s := NewThreadStore()
	key := domain.Key("me", "u1")
	s.Open(key)

	m := msg("m1", "u1", "me", 1)
	_, ok := s.AppendLive(m, domain.SourceChannel)
	require.True(t, ok)
	s.ApplyPage(key, Page{Messages: []domain.Message{m}, HasMore: false})
	s.AppendLive(m, domain.SourceChannel)

	assert.Len(t, s.Messages(), 1)
	assert.False(t, s.HasOlder())
}

func TestThreadIgnoresOtherConversations(t *testing.T) {
	s := NewThreadStore()
	s.Open(domain.Key("me", "u1"))

	_, ok := s.AppendLive(msg("m1", "u2", "me", 1), domain.SourceChannel)
	assert.False(t, ok)
	assert.False(t, s.ApplyPage(domain.Key("me", "u2"), Page{Messages: []domain.Message{msg("m1", "u2", "me", 1)}}))
	assert.Empty(t, s.Messages())
}

func TestThreadProvisionalReplacedByAck(t *testing.T) {
	s := NewThreadStore()
	key := domain.Key("me", "u1")
	s.Open(key)

	prov := domain.Message{
		ClientID:   "c1",
		SenderID:   "me",
		ReceiverID: "u1",
		Body:       "hi",
		CreatedAt:  t0.Add(10 * time.Second),
		Status:     domain.StatusPending,
	}.Normalize()
	s.AppendLive(prov, domain.SourceLocal)
	s.AppendLive(msg("m1", "u1", "me", 5), domain.SourceChannel)

	ack := msg("m9", "me", "u1", 3)
	ack.ClientID = "c1"
	require.True(t, s.ReplaceProvisional("c1", ack))

	got := s.Messages()
	assert.Equal(t, []string{"m9", "m1"}, ids(got))
	assert.Equal(t, domain.StatusSent, got[0].Status)

	// a late echo of the same message merges in place
	s.AppendLive(ack, domain.SourceChannel)
	assert.Len(t, s.Messages(), 2)
}

func TestThreadEchoBeforeAckLeavesOneEntry(t *testing.T) {
	s := NewThreadStore()
	key := domain.Key("me", "u1")
	s.Open(key)

	prov := domain.Message{ClientID: "c1", SenderID: "me", ReceiverID: "u1", CreatedAt: t0, Status: domain.StatusPending}.Normalize()
	s.AppendLive(prov, domain.SourceLocal)

	echo := msg("m1", "me", "u1", 1)
	echo.ClientID = "c1"
	s.AppendLive(echo, domain.SourceChannel)
	require.Len(t, s.Messages(), 1)

	s.ReplaceProvisional("c1", echo)
	got := s.Messages()
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].ID)
}

func TestThreadFailedAndRetry(t *testing.T) {
	s := NewThreadStore()
	s.Open(domain.Key("me", "u1"))
	s.AppendLive(domain.Message{ClientID: "c1", SenderID: "me", ReceiverID: "u1", CreatedAt: t0, Status: domain.StatusPending}.Normalize(), domain.SourceLocal)

	assert.True(t, s.SetStatus("c1", domain.StatusFailed))
	m, ok := s.FindByClientID("c1")
	require.True(t, ok)
	assert.Equal(t, domain.StatusFailed, m.Status)

	assert.True(t, s.SetStatus("c1", domain.StatusPending))
	assert.False(t, s.SetStatus("missing", domain.StatusFailed))
}

func TestThreadMarkReadForReader(t *testing.T) {
	s := NewThreadStore()
	key := domain.Key("me", "u1")
	s.Open(key)
	s.ApplyPage(key, Page{Messages: []domain.Message{
		msg("m1", "u1", "me", 1),
		msg("m2", "me", "u1", 2),
		msg("m3", "me", "u1", 3),
	}})

	assert.Equal(t, 2, s.MarkReadForReader(key, "u1", t0.Add(time.Minute)))
	assert.Equal(t, 0, s.MarkReadForReader(key, "u1", t0.Add(2*time.Minute)))

	m, _ := s.Find("m1")
	assert.False(t, m.Read)
	m, _ = s.Find("m3")
	assert.True(t, m.Read)
	require.NotNil(t, m.ReadAt)
	assert.True(t, m.ReadAt.Equal(t0.Add(time.Minute)))
}

func TestLoadOlderPrependsAndStops(t *testing.T) {
	s := NewThreadStore()
	key := domain.Key("me", "u1")
	s.Open(key)
	s.ApplyPage(key, Page{Messages: []domain.Message{msg("m3", "u1", "me", 3), msg("m4", "u1", "me", 4)}, HasMore: true, NextCursor: "m3"})

	calls := 0
	fetch := func(_ context.Context, k domain.ConversationKey, cursor string) (Page, error) {
		calls++
		assert.Equal(t, key, k)
		assert.Equal(t, "m3", cursor)
		return Page{Messages: []domain.Message{msg("m1", "u1", "me", 1), msg("m2", "u1", "me", 2)}}, nil
	}

	ok, err := s.LoadOlder(context.Background(), fetch)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(s.Messages()))
	assert.False(t, s.HasOlder())

	ok, err = s.LoadOlder(context.Background(), fetch)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, calls)
}

func TestLoadOlderIsSingleFlight(t *testing.T) {
	s := NewThreadStore()
	key := domain.Key("me", "u1")
	s.Open(key)
	s.ApplyPage(key, Page{Messages: []domain.Message{msg("m2", "u1", "me", 2)}, HasMore: true, NextCursor: "m2"})

	inside := make(chan struct{})
	release := make(chan struct{})
	fetch := func(context.Context, domain.ConversationKey, string) (Page, error) {
		close(inside)
		<-release
		return Page{Messages: []domain.Message{msg("m1", "u1", "me", 1)}}, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.LoadOlder(context.Background(), fetch)
	}()
	<-inside

	ok, err := s.LoadOlder(context.Background(), func(context.Context, domain.ConversationKey, string) (Page, error) {
		t.Fatal("second fetch while loading")
		return Page{}, nil
	})
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, s.Snapshot().Loading)

	close(release)
	<-done
	assert.Equal(t, []string{"m1", "m2"}, ids(s.Messages()))
}

func TestLoadOlderDiscardedAfterSwitch(t *testing.T) {
	s := NewThreadStore()
	key := domain.Key("me", "u1")
	s.Open(key)
	s.ApplyPage(key, Page{HasMore: true, NextCursor: "c"})

	ok, err := s.LoadOlder(context.Background(), func(context.Context, domain.ConversationKey, string) (Page, error) {
		s.Open(domain.Key("me", "u2"))
		return Page{Messages: []domain.Message{msg("m1", "u1", "me", 1)}}, nil
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, s.Messages())
}

func TestLoadOlderErrorKeepsCursor(t *testing.T) {
	s := NewThreadStore()
	key := domain.Key("me", "u1")
	s.Open(key)
	s.ApplyPage(key, Page{HasMore: true, NextCursor: "c"})

	boom := errors.New("boom")
	_, err := s.LoadOlder(context.Background(), func(context.Context, domain.ConversationKey, string) (Page, error) {
		return Page{}, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, s.HasOlder())
	assert.Equal(t, "c", s.Cursor())
	assert.False(t, s.Snapshot().Loading)
}

func TestCloseKeepsSummaries(t *testing.T) {
	conv := NewConversationStore()
	thread := NewThreadStore()
	key := domain.Key("me", "u1")

	conv.ApplyMessage(msg("m1", "u1", "me", 1), "u1", true)
	thread.Open(key)
	thread.AppendLive(msg("m1", "u1", "me", 1), domain.SourceChannel)
	thread.Close()

	_, open := thread.Key()
	assert.False(t, open)
	assert.Empty(t, thread.Messages())
	c, ok := conv.Get(key)
	require.True(t, ok)
	assert.Equal(t, 1, c.UnreadCount)
}

func TestConversationListOrderAndCreate(t *testing.T) {
	s := NewConversationStore()
	s.Upsert(domain.ConversationSummary{Key: domain.Key("me", "u1"), Counterpart: domain.Counterpart{ID: "u1", DisplayName: "Ana"}, UpdatedAt: t0})
	s.Upsert(domain.ConversationSummary{Key: domain.Key("me", "u2"), Counterpart: domain.Counterpart{ID: "u2"}, UpdatedAt: t0.Add(time.Second)})

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "u2", list[0].Counterpart.ID)

	// a message from an unknown counterpart creates its summary at the top
	require.True(t, s.ApplyMessage(msg("m1", "u3", "me", 10), "u3", true))
	list = s.List()
	require.Len(t, list, 3)
	assert.Equal(t, "u3", list[0].Counterpart.ID)
	assert.Equal(t, 1, list[0].UnreadCount)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, "m1", list[0].LastMessage.ID)
}

func TestConversationLastMessageOnlyMovesForward(t *testing.T) {
	s := NewConversationStore()
	key := domain.Key("me", "u1")
	s.ApplyMessage(msg("m2", "u1", "me", 2), "u1", false)
	s.ApplyMessage(msg("m1", "u1", "me", 1), "u1", false)

	c, _ := s.Get(key)
	assert.Equal(t, "m2", c.LastMessage.ID)

	// a REST snapshot with an older last message keeps the newer one
	old := msg("m1", "u1", "me", 1)
	s.Upsert(domain.ConversationSummary{Key: key, LastMessage: old.Snapshot(), UnreadCount: 4})
	c, _ = s.Get(key)
	assert.Equal(t, "m2", c.LastMessage.ID)
	assert.Equal(t, 4, c.UnreadCount)
}

func TestStaleSnapshotKeepsLocalUnread(t *testing.T) {
	s := NewConversationStore()
	key := domain.Key("me", "u1")
	s.ApplyMessage(msg("m1", "u1", "me", 1), "u1", true)
	s.ApplyMessage(msg("m2", "u1", "me", 2), "u1", true)

	old := msg("m1", "u1", "me", 1)
	s.Upsert(domain.ConversationSummary{Key: key, LastMessage: old.Snapshot(), UnreadCount: 1})
	c, _ := s.Get(key)
	assert.Equal(t, "m2", c.LastMessage.ID)
	assert.Equal(t, 2, c.UnreadCount)

	// a current snapshot may lower it, e.g. after a read elsewhere
	cur := msg("m2", "u1", "me", 2)
	s.Upsert(domain.ConversationSummary{Key: key, LastMessage: cur.Snapshot(), UnreadCount: 0})
	c, _ = s.Get(key)
	assert.Equal(t, 0, c.UnreadCount)
}

func TestConversationUnreadNeverNegative(t *testing.T) {
	s := NewConversationStore()
	key := domain.Key("me", "u1")
	s.Upsert(domain.ConversationSummary{Key: key, UnreadCount: -3})
	c, _ := s.Get(key)
	assert.Equal(t, 0, c.UnreadCount)

	s.AddUnread(key, 2)
	assert.Equal(t, 2, s.ZeroUnread(key))
	s.AddUnread(key, -5)
	c, _ = s.Get(key)
	assert.Equal(t, 0, c.UnreadCount)
	assert.Equal(t, 0, s.TotalUnread())
}

func TestConversationOnlineMirror(t *testing.T) {
	s := NewConversationStore()
	key := domain.Key("me", "u1")
	s.Upsert(domain.ConversationSummary{Key: key, Counterpart: domain.Counterpart{ID: "u1"}})

	var got [][]domain.ConversationSummary
	unsubscribe := s.Subscribe(func(l []domain.ConversationSummary) { got = append(got, l) })

	s.SetOnline("u1", true)
	s.SetOnline("u1", true)
	c, _ := s.Get(key)
	assert.True(t, c.Counterpart.Online)
	assert.Len(t, got, 1)

	s.ResetOnline()
	c, _ = s.Get(key)
	assert.False(t, c.Counterpart.Online)

	unsubscribe()
	s.SetOnline("u1", true)
	assert.Len(t, got, 2)
}

func TestReplaceLastMessageMatchesClientID(t *testing.T) {
	s := NewConversationStore()
	key := domain.Key("me", "u1")
	prov := domain.Message{ClientID: "c1", SenderID: "me", ReceiverID: "u1", Body: "hi", CreatedAt: t0}.Normalize()
	s.ApplyMessage(prov, "u1", false)

	ack := msg("m1", "me", "u1", 1)
	ack.ClientID = "c1"
	s.ReplaceLastMessage(key, "c1", ack)

	c, _ := s.Get(key)
	assert.Equal(t, "m1", c.LastMessage.ID)
	assert.Equal(t, t0.Add(time.Second), c.UpdatedAt)
}
