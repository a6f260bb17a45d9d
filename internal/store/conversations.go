// Package store holds the in-memory client state: the conversation list and
// the thread currently open. Merge decisions live in domain and reconcile;
// the stores only keep ordering, uniqueness and non-negative counts.
package store

import (
	"sort"
	"sync"

	"github.com/yourorg/artmarket/conversation-sync/internal/domain"
)

type ConversationStore struct {
	mu    sync.RWMutex
	byKey map[domain.ConversationKey]*domain.ConversationSummary
	subs  subscribers[[]domain.ConversationSummary]
}

func NewConversationStore() *ConversationStore {
	return &ConversationStore{byKey: make(map[domain.ConversationKey]*domain.ConversationSummary)}
}

// List returns every summary, most recently updated first.
func (s *ConversationStore) List() []domain.ConversationSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked()
}

func (s *ConversationStore) sortedLocked() []domain.ConversationSummary {
	out := make([]domain.ConversationSummary, 0, len(s.byKey))
	for _, c := range s.byKey {
		out = append(out, clone(*c))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func (s *ConversationStore) Get(key domain.ConversationKey) (domain.ConversationSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byKey[key]
	if !ok {
		return domain.ConversationSummary{}, false
	}
	return clone(*c), true
}

func (s *ConversationStore) Subscribe(fn func([]domain.ConversationSummary)) (unsubscribe func()) {
	return s.subs.add(fn)
}

// Upsert inserts a REST snapshot or merges it into the known summary.
// Counterpart fields are overwritten when the snapshot carries them, the last
// message is kept if the local one is newer. The snapshot's unread count is
// authoritative unless the snapshot is older than the local last message, in
// which case it can only raise the count.
func (s *ConversationStore) Upsert(in domain.ConversationSummary) {
	if in.Key == "" {
		return
	}
	s.mutate(func() bool {
		cur, ok := s.byKey[in.Key]
		if !ok {
			c := clone(in)
			if c.UnreadCount < 0 {
				c.UnreadCount = 0
			}
			s.byKey[in.Key] = &c
			return true
		}
		mergeCounterpart(&cur.Counterpart, in.Counterpart)
		// a snapshot older than what is already here cannot lower the count
		stale := cur.LastMessage != nil && (in.LastMessage == nil || in.LastMessage.CreatedAt.Before(cur.LastMessage.CreatedAt))
		if stale {
			cur.UnreadCount = max(cur.UnreadCount, in.UnreadCount)
		} else {
			if in.LastMessage != nil {
				lm := *in.LastMessage
				cur.LastMessage = &lm
			}
			cur.UnreadCount = max(in.UnreadCount, 0)
		}
		if in.UpdatedAt.After(cur.UpdatedAt) {
			cur.UpdatedAt = in.UpdatedAt
		}
		return true
	})
}

func mergeCounterpart(dst *domain.Counterpart, in domain.Counterpart) {
	if in.ID != "" {
		dst.ID = in.ID
	}
	if in.DisplayName != "" {
		dst.DisplayName = in.DisplayName
	}
	if in.Avatar != "" {
		dst.Avatar = in.Avatar
	}
	if in.Role != "" {
		dst.Role = in.Role
	}
}

// ApplyMessage folds a message into its conversation summary, creating the
// summary for a previously unknown counterpart. The last-message snapshot
// only moves forward in time. It reports whether anything changed.
func (s *ConversationStore) ApplyMessage(m domain.Message, counterpartID string, incrementUnread bool) bool {
	if m.ConversationKey == "" {
		return false
	}
	return s.mutate(func() bool {
		cur, ok := s.byKey[m.ConversationKey]
		if !ok {
			cur = &domain.ConversationSummary{
				Key:         m.ConversationKey,
				Counterpart: domain.Counterpart{ID: counterpartID},
			}
			s.byKey[m.ConversationKey] = cur
		}
		changed := !ok
		if cur.LastMessage == nil || m.CreatedAt.After(cur.LastMessage.CreatedAt) ||
			(m.CreatedAt.Equal(cur.LastMessage.CreatedAt) && sameMessage(cur.LastMessage, m)) {
			next := m.Snapshot()
			if cur.LastMessage == nil || *cur.LastMessage != *next {
				cur.LastMessage = next
				changed = true
			}
			if m.CreatedAt.After(cur.UpdatedAt) {
				cur.UpdatedAt = m.CreatedAt
				changed = true
			}
		}
		if incrementUnread {
			cur.UnreadCount++
			changed = true
		}
		return changed
	})
}

func sameMessage(lm *domain.LastMessage, m domain.Message) bool {
	return (lm.ID != "" && lm.ID == m.ID) || (lm.ClientID != "" && lm.ClientID == m.ClientID)
}

// ReplaceLastMessage swaps a provisional last-message snapshot for its
// acknowledged version, matched by client id.
func (s *ConversationStore) ReplaceLastMessage(key domain.ConversationKey, clientID string, m domain.Message) {
	s.mutate(func() bool {
		cur, ok := s.byKey[key]
		if !ok || cur.LastMessage == nil || cur.LastMessage.ClientID != clientID {
			return false
		}
		cur.LastMessage = m.Snapshot()
		if m.CreatedAt.After(cur.UpdatedAt) {
			cur.UpdatedAt = m.CreatedAt
		}
		return true
	})
}

// ZeroUnread sets the unread count to zero and returns the previous value.
func (s *ConversationStore) ZeroUnread(key domain.ConversationKey) int {
	prev := 0
	s.mutate(func() bool {
		cur, ok := s.byKey[key]
		if !ok {
			return false
		}
		prev = cur.UnreadCount
		cur.UnreadCount = 0
		return prev != 0
	})
	return prev
}

// AddUnread adds n to the unread count, never going below zero.
func (s *ConversationStore) AddUnread(key domain.ConversationKey, n int) {
	if n == 0 {
		return
	}
	s.mutate(func() bool {
		cur, ok := s.byKey[key]
		if !ok {
			return false
		}
		cur.UnreadCount += n
		if cur.UnreadCount < 0 {
			cur.UnreadCount = 0
		}
		return true
	})
}

// SetOnline mirrors a presence event onto every summary with that counterpart.
func (s *ConversationStore) SetOnline(userID string, online bool) {
	s.mutate(func() bool {
		changed := false
		for _, c := range s.byKey {
			if c.Counterpart.ID == userID && c.Counterpart.Online != online {
				c.Counterpart.Online = online
				changed = true
			}
		}
		return changed
	})
}

// ResetOnline marks every counterpart offline; presence is unknown until the
// next event.
func (s *ConversationStore) ResetOnline() {
	s.mutate(func() bool {
		changed := false
		for _, c := range s.byKey {
			if c.Counterpart.Online {
				c.Counterpart.Online = false
				changed = true
			}
		}
		return changed
	})
}

// TotalUnread sums unread counts over all conversations.
func (s *ConversationStore) TotalUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.byKey {
		n += c.UnreadCount
	}
	return n
}

func (s *ConversationStore) mutate(fn func() bool) bool {
	s.mu.Lock()
	changed := fn()
	var snap []domain.ConversationSummary
	if changed && !s.subs.empty() {
		snap = s.sortedLocked()
	}
	s.mu.Unlock()
	if snap != nil {
		s.subs.publish(snap)
	}
	return changed
}

func clone(c domain.ConversationSummary) domain.ConversationSummary {
	if c.LastMessage != nil {
		lm := *c.LastMessage
		c.LastMessage = &lm
	}
	return c
}
