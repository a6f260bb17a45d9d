package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yourorg/artmarket/conversation-sync/internal/domain"
)

// Page is one slice of conversation history.
type Page struct {
	Messages   []domain.Message
	HasMore    bool
	NextCursor string
}

// PageFetcher loads the page of key that starts at cursor; an empty cursor
// means the most recent page.
type PageFetcher func(ctx context.Context, key domain.ConversationKey, cursor string) (Page, error)

type ThreadSnapshot struct {
	Key      domain.ConversationKey
	Open     bool
	Messages []domain.Message
	HasOlder bool
	Loading  bool
}

// ThreadStore is the message list of the conversation currently open. It is
// always sorted by (CreatedAt, Key) and never holds two entries with the same key.
type ThreadStore struct {
	mu       sync.RWMutex
	key      domain.ConversationKey
	open     bool
	gen      uint64
	messages []domain.Message
	hasOlder bool
	cursor   string
	loading  bool

	subs subscribers[ThreadSnapshot]
}

func NewThreadStore() *ThreadStore {
	return &ThreadStore{}
}

// Open discards any previous thread and starts an empty one for key, with the
// cursor at the most recent page.
func (s *ThreadStore) Open(key domain.ConversationKey) {
	s.mutate(func() bool {
		s.gen++
		s.key = key
		s.open = true
		s.messages = nil
		s.hasOlder = true
		s.cursor = ""
		s.loading = false
		return true
	})
}

// Close discards the thread. Conversation summaries are not touched.
func (s *ThreadStore) Close() {
	s.mutate(func() bool {
		if !s.open {
			return false
		}
		s.gen++
		s.key = ""
		s.open = false
		s.messages = nil
		s.hasOlder = false
		s.cursor = ""
		s.loading = false
		return true
	})
}

func (s *ThreadStore) Key() (domain.ConversationKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key, s.open
}

// IsOpen reports whether key is the thread currently open.
func (s *ThreadStore) IsOpen(key domain.ConversationKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open && s.key == key
}

func (s *ThreadStore) Messages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Message(nil), s.messages...)
}

func (s *ThreadStore) HasOlder() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open && s.hasOlder
}

func (s *ThreadStore) Cursor() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor
}

func (s *ThreadStore) Snapshot() ThreadSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *ThreadStore) Subscribe(fn func(ThreadSnapshot)) (unsubscribe func()) {
	return s.subs.add(fn)
}

// Find looks a message up by its thread key (server id or client:<id>).
func (s *ThreadStore) Find(key string) (domain.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexLocked(key); i >= 0 {
		return s.messages[i], true
	}
	return domain.Message{}, false
}

func (s *ThreadStore) FindByClientID(clientID string) (domain.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.clientIndexLocked(clientID); i >= 0 {
		return s.messages[i], true
	}
	return domain.Message{}, false
}

// ApplyPage merges a history page fetched for key. Pages for a thread that is
// no longer open are ignored.
func (s *ThreadStore) ApplyPage(key domain.ConversationKey, p Page) bool {
	return s.mutate(func() bool {
		if !s.open || s.key != key {
			return false
		}
		for _, m := range p.Messages {
			s.upsertLocked(m, domain.SourceREST)
		}
		s.hasOlder = p.HasMore
		s.cursor = p.NextCursor
		return true
	})
}

// LoadOlder fetches the next older page and merges it in front of the loaded
// messages. It does nothing when no older page exists or a load is already
// running. Messages already loaded keep their relative order.
func (s *ThreadStore) LoadOlder(ctx context.Context, fetch PageFetcher) (bool, error) {
	s.mu.Lock()
	if !s.open || !s.hasOlder || s.loading || s.cursor == "" {
		s.mu.Unlock()
		return false, nil
	}
	s.loading = true
	key, cursor, gen := s.key, s.cursor, s.gen
	s.mu.Unlock()

	page, err := fetch(ctx, key, cursor)

	var applied bool
	s.mutate(func() bool {
		if s.gen != gen {
			return false
		}
		s.loading = false
		if err != nil {
			return true
		}
		for _, m := range page.Messages {
			s.upsertLocked(m, domain.SourceREST)
		}
		s.hasOlder = page.HasMore
		s.cursor = page.NextCursor
		applied = true
		return true
	})
	return applied, err
}

// AppendLive is the path channel events take into the thread.
func (s *ThreadStore) AppendLive(m domain.Message, src domain.Source) (domain.Message, bool) {
	var stored domain.Message
	var ok bool
	s.mutate(func() bool {
		if !s.open || s.key != m.ConversationKey {
			return false
		}
		var changed bool
		stored, changed = s.upsertLocked(m, src)
		ok = true
		return changed
	})
	return stored, ok
}

// ReplaceProvisional swaps the provisional entry for clientID with the
// acknowledged message. If the acknowledged id is already present (the echo
// won the race), the provisional entry is dropped and the two are merged.
func (s *ThreadStore) ReplaceProvisional(clientID string, ack domain.Message) bool {
	return s.mutate(func() bool {
		if !s.open || s.key != ack.ConversationKey {
			return false
		}
		i := s.clientIndexLocked(clientID)
		if i < 0 {
			_, changed := s.upsertLocked(ack, domain.SourceREST)
			return changed
		}
		prov := s.messages[i]
		if !prov.Provisional() && prov.ID == ack.ID {
			_, changed := s.upsertLocked(ack, domain.SourceREST)
			return changed
		}
		s.removeAtLocked(i)
		if ack.ClientID == "" {
			ack.ClientID = clientID
		}
		s.upsertLocked(ack, domain.SourceREST)
		return true
	})
}

// SetStatus changes the status of a provisional entry (failed on error,
// pending again on retry).
func (s *ThreadStore) SetStatus(clientID string, status domain.MessageStatus) bool {
	return s.mutate(func() bool {
		i := s.clientIndexLocked(clientID)
		if i < 0 || !s.messages[i].Provisional() || s.messages[i].Status == status {
			return false
		}
		s.messages[i].Status = status
		return true
	})
}

// MarkRead marks one message read. Read state never goes back.
func (s *ThreadStore) MarkRead(messageID string, at time.Time) bool {
	return s.mutate(func() bool {
		i := s.indexLocked(messageID)
		if i < 0 {
			return false
		}
		return s.markReadAtLocked(i, at)
	})
}

// MarkReadForReader marks every message addressed to readerID as read and
// returns how many changed.
func (s *ThreadStore) MarkReadForReader(key domain.ConversationKey, readerID string, at time.Time) int {
	n := 0
	s.mutate(func() bool {
		if !s.open || s.key != key {
			return false
		}
		for i := range s.messages {
			if s.messages[i].ReceiverID == readerID && !s.messages[i].Provisional() && s.markReadAtLocked(i, at) {
				n++
			}
		}
		return n > 0
	})
	return n
}

func (s *ThreadStore) markReadAtLocked(i int, at time.Time) bool {
	read := s.messages[i]
	read.Read = true
	if !at.IsZero() {
		read.ReadAt = &at
	}
	merged, changed := s.messages[i].Merge(read, domain.SourceChannel)
	s.messages[i] = merged
	return changed
}

// upsertLocked merges m into an existing entry with the same key or client id,
// or inserts it at its sorted position.
func (s *ThreadStore) upsertLocked(m domain.Message, src domain.Source) (domain.Message, bool) {
	m = m.Normalize()
	i := s.indexLocked(m.Key())
	if i < 0 && m.ClientID != "" {
		i = s.clientIndexLocked(m.ClientID)
	}
	if i < 0 {
		s.insertLocked(m)
		return m, true
	}
	cur := s.messages[i]
	merged, changed := cur.Merge(m, src)
	if !changed {
		return cur, false
	}
	if merged.CreatedAt.Equal(cur.CreatedAt) && merged.Key() == cur.Key() {
		s.messages[i] = merged
		return merged, true
	}
	s.removeAtLocked(i)
	s.insertLocked(merged)
	return merged, true
}

func (s *ThreadStore) insertLocked(m domain.Message) {
	i := sort.Search(len(s.messages), func(i int) bool { return m.Before(s.messages[i]) })
	s.messages = append(s.messages, domain.Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = m
}

func (s *ThreadStore) removeAtLocked(i int) {
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
}

func (s *ThreadStore) indexLocked(key string) int {
	for i := range s.messages {
		if s.messages[i].Key() == key {
			return i
		}
	}
	return -1
}

func (s *ThreadStore) clientIndexLocked(clientID string) int {
	if clientID == "" {
		return -1
	}
	for i := range s.messages {
		if s.messages[i].ClientID == clientID {
			return i
		}
	}
	return -1
}

func (s *ThreadStore) snapshotLocked() ThreadSnapshot {
	return ThreadSnapshot{
		Key:      s.key,
		Open:     s.open,
		Messages: append([]domain.Message(nil), s.messages...),
		HasOlder: s.open && s.hasOlder,
		Loading:  s.loading,
	}
}

func (s *ThreadStore) mutate(fn func() bool) bool {
	s.mu.Lock()
	changed := fn()
	var snap *ThreadSnapshot
	if changed && !s.subs.empty() {
		v := s.snapshotLocked()
		snap = &v
	}
	s.mu.Unlock()
	if snap != nil {
		s.subs.publish(*snap)
	}
	return changed
}

// MarkFailed flags the provisional entry for clientID as failed.
func (s *ThreadStore) MarkFailed(clientID string) bool {
	return s.SetStatus(clientID, domain.StatusFailed)
}
