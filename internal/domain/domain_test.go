package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/artmarket/conversation-sync/internal/apperr"
	"github.com/yourorg/artmarket/conversation-sync/internal/validate"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id string, at int) Message {
	return Message{
		ID:         id,
		SenderID:   "artist",
		ReceiverID: "buyer",
		Body:       "hello " + id,
		CreatedAt:  t0.Add(time.Duration(at) * time.Second),
	}.Normalize()
}

func TestKeyIsOrderIndependent(t *testing.T) {
	assert.Equal(t, Key("u1", "u2"), Key("u2", "u1"))
	assert.Equal(t, ConversationKey("u1_u2"), Key("u2", "u1"))

	a, b, ok := Key("zed", "amy").Participants()
	require.True(t, ok)
	assert.Equal(t, "amy", a)
	assert.Equal(t, "zed", b)
	assert.Equal(t, "zed", Key("zed", "amy").Counterpart("amy"))

	_, _, ok = ConversationKey("broken").Participants()
	assert.False(t, ok)
}

func TestMergeReadNeverRegresses(t *testing.T) {
	stored := msg("m1", 1)
	read := stored
	read.Read = true

	merged, changed := stored.Merge(read, SourceChannel)
	require.True(t, changed)
	assert.True(t, merged.Read)
	assert.Equal(t, StatusRead, merged.Status)

	stale := msg("m1", 1)
	for _, src := range []Source{SourceREST, SourceChannel, SourceUpdate, SourceModeration} {
		again, changed := merged.Merge(stale, src)
		assert.False(t, changed, src.String())
		assert.True(t, again.Read, src.String())
	}
}

func TestMergeFlagOnlyFromExplicitSources(t *testing.T) {
	stored := msg("m1", 1)
	flagged := stored
	flagged.Flagged = true
	flagged.FlagReason = "spam"

	merged, changed := stored.Merge(flagged, SourceChannel)
	assert.False(t, changed)
	assert.False(t, merged.Flagged)

	merged, changed = stored.Merge(flagged, SourceUpdate)
	assert.True(t, changed)
	assert.True(t, merged.Flagged)
	assert.Equal(t, "spam", merged.FlagReason)

	// a duplicate delivery without the flag leaves it set
	merged, changed = merged.Merge(msg("m1", 1), SourceREST)
	assert.False(t, changed)
	assert.True(t, merged.Flagged)

	merged, _ = merged.Merge(msg("m1", 1), SourceModeration)
	assert.False(t, merged.Flagged)
	assert.Empty(t, merged.FlagReason)
}

func TestMergeEditsNeedNewerTimestamp(t *testing.T) {
	stored := msg("m1", 1)
	edit1 := t0.Add(time.Minute)
	edit2 := t0.Add(2 * time.Minute)

	v2 := stored
	v2.Body = "second"
	v2.EditedAt = &edit2
	merged, changed := stored.Merge(v2, SourceUpdate)
	require.True(t, changed)
	assert.Equal(t, "second", merged.Body)

	v1 := stored
	v1.Body = "first"
	v1.EditedAt = &edit1
	merged, changed = merged.Merge(v1, SourceUpdate)
	assert.False(t, changed)
	assert.Equal(t, "second", merged.Body)
}

func TestMergeProvisionalTakesAuthoritativeState(t *testing.T) {
	pending := Message{
		ClientID:   "c1",
		SenderID:   "artist",
		ReceiverID: "buyer",
		Body:       "hi",
		CreatedAt:  t0,
		Status:     StatusFailed,
	}
	ack := pending
	ack.ID = "m9"
	ack.Status = StatusSent

	merged, changed := pending.Merge(ack, SourceREST)
	require.True(t, changed)
	assert.Equal(t, "m9", merged.ID)
	assert.Equal(t, StatusSent, merged.Status)
	assert.Equal(t, "m9", merged.Key())
}

func TestMergeDeleteIsSticky(t *testing.T) {
	stored := msg("m1", 1)
	deleted := stored
	deleted.Deleted = true
	merged, _ := stored.Merge(deleted, SourceUpdate)
	merged, _ = merged.Merge(stored, SourceREST)
	assert.True(t, merged.Deleted)
}

func TestBeforeBreaksTiesByKey(t *testing.T) {
	a := msg("a", 5)
	b := msg("b", 5)
	c := msg("c", 1)
	assert.True(t, a.Before(b))
	assert.False(t, b.Before(a))
	assert.True(t, c.Before(a))
}

func TestValidate(t *testing.T) {
	good := msg("m1", 1)
	require.NoError(t, good.Validate())

	tests := map[string]func(m *Message){
		"no id":        func(m *Message) { m.ID = "" },
		"no sender":    func(m *Message) { m.SenderID = "" },
		"no receiver":  func(m *Message) { m.ReceiverID = "" },
		"no timestamp": func(m *Message) { m.CreatedAt = time.Time{} },
		"wrong key":    func(m *Message) { m.ConversationKey = Key("x", "y") },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			m := good
			mutate(&m)
			assert.ErrorIs(t, m.Validate(), apperr.ErrMalformed)
		})
	}
}

func TestValidateNamesFields(t *testing.T) {
	m := msg("m1", 1)
	m.SenderID = ""
	m.ConversationKey = ""
	var ve *validate.Error
	require.ErrorAs(t, m.Validate(), &ve)
	require.Len(t, ve.Fields, 1)
	assert.Equal(t, "sender_id", ve.Fields[0].Field)

	m = msg("m1", 1)
	m.ConversationKey = Key("x", "y")
	require.ErrorAs(t, m.Validate(), &ve)
	assert.Equal(t, "conversation", ve.Fields[0].Tag)
}
