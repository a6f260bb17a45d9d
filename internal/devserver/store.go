package devserver

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/artmarket/conversation-sync/internal/backend"
	"github.com/yourorg/artmarket/conversation-sync/internal/domain"
	"github.com/yourorg/artmarket/conversation-sync/internal/validate"
)

var (
	errNotFound  = errors.New("message not found")
	errForbidden = errors.New("not allowed")
	errBlocked   = errors.New("recipient does not accept messages from sender")
	errInvalid   = errors.New("invalid request")
)

const maxPerConversation = 1000

type user struct {
	ID   string
	Name string
	Role string
}

// MemoryStore keeps every conversation in memory, oldest message first.
type MemoryStore struct {
	mu       sync.RWMutex
	convs    map[domain.ConversationKey][]*domain.Message
	byID     map[string]*domain.Message
	byClient map[string]*domain.Message // sender + client id
	users    map[string]user
	blocked  map[string]map[string]bool // blocker -> blocked
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:    make(map[domain.ConversationKey][]*domain.Message),
		byID:     make(map[string]*domain.Message),
		byClient: make(map[string]*domain.Message),
		users:    make(map[string]user),
		blocked:  make(map[string]map[string]bool),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Touch registers a user the first time they authenticate.
func (s *MemoryStore) Touch(id, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		u = user{ID: id, Name: id}
	}
	if role != "" {
		u.Role = role
	}
	s.users[id] = u
}

// Save stores a new message. A repeated client id from the same sender
// returns the stored copy and created=false.
func (s *MemoryStore) Save(senderID, receiverID, body, clientID string) (domain.Message, bool, error) {
	body = strings.TrimSpace(body)
	if err := validate.Struct(backend.SendRequest{ReceiverID: receiverID, Content: body, ClientID: clientID}); err != nil {
		return domain.Message{}, false, err
	}
	if receiverID == senderID {
		return domain.Message{}, false, fmt.Errorf("%w: cannot message yourself", errInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if clientID != "" {
		if m, ok := s.byClient[senderID+"/"+clientID]; ok {
			return *m, false, nil
		}
	}
	if s.blocked[receiverID][senderID] {
		return domain.Message{}, false, errBlocked
	}

	key := domain.Key(senderID, receiverID)
	now := s.now()
	msgs := s.convs[key]
	if n := len(msgs); n > 0 && !now.After(msgs[n-1].CreatedAt) {
		now = msgs[n-1].CreatedAt.Add(time.Microsecond)
	}
	m := &domain.Message{
		ID:              uuid.NewString(),
		ClientID:        clientID,
		ConversationKey: key,
		SenderID:        senderID,
		ReceiverID:      receiverID,
		Body:            body,
		CreatedAt:       now,
		Status:          domain.StatusSent,
	}
	msgs = append(msgs, m)
	if len(msgs) > maxPerConversation {
		for _, old := range msgs[:len(msgs)-maxPerConversation] {
			delete(s.byID, old.ID)
			delete(s.byClient, old.SenderID+"/"+old.ClientID)
		}
		msgs = msgs[len(msgs)-maxPerConversation:]
	}
	s.convs[key] = msgs
	s.byID[m.ID] = m
	if clientID != "" {
		s.byClient[senderID+"/"+clientID] = m
	}
	for _, id := range []string{senderID, receiverID} {
		if _, ok := s.users[id]; !ok {
			s.users[id] = user{ID: id, Name: id}
		}
	}
	return *m, true, nil
}

// History returns up to limit messages of the conversation between self and
// peer, oldest first. An empty cursor selects the newest page.
func (s *MemoryStore) History(self, peer, cursor string, limit int, dir backend.Direction) (msgs []domain.Message, hasMore bool, next string, err error) {
	if limit <= 0 {
		limit = 30
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.convs[domain.Key(self, peer)]

	start, end := len(all)-limit, len(all)
	if cursor != "" {
		i := indexOf(all, cursor)
		if i < 0 {
			return nil, false, "", errNotFound
		}
		if dir == backend.Newer {
			start, end = i+1, i+1+limit
		} else {
			start, end = i-limit, i
		}
	}
	start, end = max(start, 0), min(end, len(all))
	if start > end {
		start = end
	}

	msgs = make([]domain.Message, 0, end-start)
	for _, m := range all[start:end] {
		msgs = append(msgs, *m)
	}
	if dir == backend.Newer && cursor != "" {
		hasMore = end < len(all)
		if hasMore && len(msgs) > 0 {
			next = msgs[len(msgs)-1].ID
		}
		return msgs, hasMore, next, nil
	}
	hasMore = start > 0
	if hasMore && len(msgs) > 0 {
		next = msgs[0].ID
	}
	return msgs, hasMore, next, nil
}

func indexOf(msgs []*domain.Message, id string) int {
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// Conversations lists self's conversations, most recently active first.
func (s *MemoryStore) Conversations(self string, online func(string) bool) []domain.ConversationSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ConversationSummary
	for key, msgs := range s.convs {
		if len(msgs) == 0 {
			continue
		}
		peer := key.Counterpart(self)
		if peer == "" {
			continue
		}
		u := s.users[peer]
		last := msgs[len(msgs)-1]
		c := domain.ConversationSummary{
			Key:         key,
			Counterpart: domain.Counterpart{ID: peer, DisplayName: u.Name, Role: u.Role, Online: online != nil && online(peer)},
			LastMessage: last.Snapshot(),
			UpdatedAt:   last.CreatedAt,
		}
		for _, m := range msgs {
			if m.ReceiverID == self && !m.Read && !m.Deleted {
				c.UnreadCount++
			}
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// MarkRead marks everything peer sent to reader as read and returns the
// affected message ids.
func (s *MemoryStore) MarkRead(reader, peer string) ([]string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := s.now()
	var ids []string
	for _, m := range s.convs[domain.Key(reader, peer)] {
		if m.ReceiverID == reader && !m.Read {
			m.Read = true
			m.ReadAt = &at
			m.Status = domain.StatusRead
			ids = append(ids, m.ID)
		}
	}
	return ids, at
}

func (s *MemoryStore) UnreadCount(self string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.byID {
		if m.ReceiverID == self && !m.Read && !m.Deleted {
			n++
		}
	}
	return n
}

// Search matches message bodies of self's conversations, case-insensitively.
func (s *MemoryStore) Search(self, q string) []domain.Message {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return nil
	}
	var out []domain.Message
	s.mu.RLock()
	for _, m := range s.byID {
		if (m.SenderID == self || m.ReceiverID == self) && !m.Deleted && strings.Contains(strings.ToLower(m.Body), q) {
			out = append(out, *m)
		}
	}
	s.mu.RUnlock()
	sortNewest(out)
	return out
}

func (s *MemoryStore) Block(self, peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blocked[self] == nil {
		s.blocked[self] = make(map[string]bool)
	}
	s.blocked[self][peer] = true
}

func (s *MemoryStore) Unblock(self, peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocked[self], peer)
}

// Delete soft-deletes a message. Only its sender may delete it unless admin is set.
func (s *MemoryStore) Delete(self, id string, admin bool) (domain.Message, error) {
	return s.update(id, func(m *domain.Message) error {
		if !admin && m.SenderID != self {
			return errForbidden
		}
		m.Deleted = true
		return nil
	})
}

func (s *MemoryStore) Flag(id, reason string) (domain.Message, error) {
	return s.update(id, func(m *domain.Message) error {
		m.Flagged = true
		m.FlagReason = reason
		return nil
	})
}

func (s *MemoryStore) Unflag(id string) (domain.Message, error) {
	return s.update(id, func(m *domain.Message) error {
		m.Flagged = false
		m.FlagReason = ""
		return nil
	})
}

func (s *MemoryStore) update(id string, fn func(*domain.Message) error) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return domain.Message{}, errNotFound
	}
	if err := fn(m); err != nil {
		return domain.Message{}, err
	}
	return *m, nil
}

// AdminList filters messages across all conversations.
func (s *MemoryStore) AdminList(f backend.AdminFilter) ([]domain.Message, int) {
	search := strings.ToLower(f.Search)
	var out []domain.Message
	s.mu.RLock()
	for _, m := range s.byID {
		switch {
		case f.Flagged != nil && m.Flagged != *f.Flagged,
			f.Conversation != "" && string(m.ConversationKey) != f.Conversation,
			f.User != "" && m.SenderID != f.User && m.ReceiverID != f.User,
			search != "" && !strings.Contains(strings.ToLower(m.Body), search):
			continue
		}
		out = append(out, *m)
	}
	s.mu.RUnlock()

	sortNewest(out)
	if f.Sort == "oldest" {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	total := len(out)
	page, limit := max(f.Page, 1), f.Limit
	if limit <= 0 {
		limit = 20
	}
	start := min((page-1)*limit, total)
	end := min(start+limit, total)
	return out[start:end], total
}

// Analytics counts the messages created within the period ending at now.
func (s *MemoryStore) Analytics(p backend.Period) backend.Analytics {
	now := s.now()
	span, step := 24*time.Hour, time.Hour
	switch p {
	case backend.PeriodWeek:
		span, step = 7*24*time.Hour, 24*time.Hour
	case backend.PeriodMonth:
		span, step = 30*24*time.Hour, 24*time.Hour
	default:
		p = backend.PeriodDay
	}
	from := now.Add(-span).Truncate(step)

	out := backend.Analytics{Period: p}
	for t := from; !t.After(now); t = t.Add(step) {
		out.Series = append(out.Series, backend.Bucket{Start: t})
	}
	active := make(map[domain.ConversationKey]bool)
	s.mu.RLock()
	for _, m := range s.byID {
		if m.CreatedAt.Before(from) {
			continue
		}
		out.TotalMessages++
		if m.Flagged {
			out.FlaggedMessages++
		}
		if m.Deleted {
			out.DeletedMessages++
		}
		active[m.ConversationKey] = true
		if i := int(m.CreatedAt.Sub(from) / step); i < len(out.Series) {
			out.Series[i].Count++
		}
	}
	s.mu.RUnlock()
	out.ActiveConversations = len(active)
	return out
}

func sortNewest(msgs []domain.Message) {
	sort.Slice(msgs, func(i, j int) bool { return msgs[j].Before(msgs[i]) })
}
