// Package presence keeps the ephemeral online and typing state of counterparts.
// Nothing here is persisted; everything is reset when the channel reconnects.
package presence

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/artmarket/conversation-sync/internal/clock"
	"github.com/yourorg/artmarket/conversation-sync/internal/domain"
)

const DefaultTypingTTL = 5 * time.Second

type typingEntry struct {
	timer clock.Timer
	gen   uint64
}

// Tracker holds online flags (level-triggered, no expiry) and typing entries
// (each expiring after the TTL unless refreshed).
type Tracker struct {
	mu     sync.RWMutex
	online map[string]bool
	typing map[domain.ConversationKey]map[string]*typingEntry
	gen    uint64

	ttl   time.Duration
	clock clock.Clock
	log   *zap.Logger

	subMu  sync.Mutex
	subs   map[int]func()
	nextID int
}

func NewTracker(ttl time.Duration, c clock.Clock, logger *zap.Logger) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		online: make(map[string]bool),
		typing: make(map[domain.ConversationKey]map[string]*typingEntry),
		ttl:    ttl,
		clock:  c,
		log:    logger,
		subs:   make(map[int]func()),
	}
}

// SetOnline records the latest known presence of a user.
func (t *Tracker) SetOnline(userID string, online bool) {
	if userID == "" {
		return
	}
	t.mu.Lock()
	prev, known := t.online[userID]
	t.online[userID] = online
	t.mu.Unlock()
	if !known || prev != online {
		t.notify()
	}
}

// IsOnline returns the last known flag and whether any event has been seen
// since the last reset.
func (t *Tracker) IsOnline(userID string) (online, known bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	online, known = t.online[userID]
	return online, known
}

func (t *Tracker) OnlineUsers() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.online))
	for id, on := range t.online {
		if on {
			out = append(out, id)
		}
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

// SetTyping inserts or refreshes a typing entry. The entry disappears after
// the TTL unless SetTyping is called again for the same user first.
func (t *Tracker) SetTyping(key domain.ConversationKey, userID string) {
	if key == "" || userID == "" {
		return
	}
	t.mu.Lock()
	users := t.typing[key]
	if users == nil {
		users = make(map[string]*typingEntry)
		t.typing[key] = users
	}
	existing := users[userID]
	if existing != nil {
		existing.timer.Stop()
	}
	t.gen++
	gen := t.gen
	entry := &typingEntry{gen: gen}
	entry.timer = t.clock.AfterFunc(t.ttl, func() { t.expire(key, userID, gen) })
	users[userID] = entry
	t.mu.Unlock()

	if existing == nil {
		t.notify()
	}
}

func (t *Tracker) expire(key domain.ConversationKey, userID string, gen uint64) {
	t.mu.Lock()
	users := t.typing[key]
	entry := users[userID]
	if entry == nil || entry.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.typing, key)
	}
	t.mu.Unlock()
	t.log.Debug("typing expired", zap.String("conversation", key.String()), zap.String("user_id", userID))
	t.notify()
}

// ClearTyping removes a typing entry before its TTL, e.g. on a stop event.
func (t *Tracker) ClearTyping(key domain.ConversationKey, userID string) {
	t.mu.Lock()
	users := t.typing[key]
	entry := users[userID]
	if entry == nil {
		t.mu.Unlock()
		return
	}
	entry.timer.Stop()
	delete(users, userID)
	if len(users) == 0 {
		delete(t.typing, key)
	}
	t.mu.Unlock()
	t.notify()
}

func (t *Tracker) TypingUsers(key domain.ConversationKey) []string {
	t.mu.RLock()
	users := t.typing[key]
	out := make([]string, 0, len(users))
	for id := range users {
		out = append(out, id)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ClearAll forgets every presence and typing entry. Called whenever the
// channel drops or reconnects, since none of it can be trusted any more.
func (t *Tracker) ClearAll() {
	t.mu.Lock()
	changed := len(t.online) > 0 || len(t.typing) > 0
	for _, users := range t.typing {
		for _, e := range users {
			e.timer.Stop()
		}
	}
	t.online = make(map[string]bool)
	t.typing = make(map[domain.ConversationKey]map[string]*typingEntry)
	t.mu.Unlock()
	if changed {
		t.notify()
	}
}

// Subscribe registers fn to be called after every change.
func (t *Tracker) Subscribe(fn func()) (unsubscribe func()) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	id := t.nextID
	t.nextID++
	t.subs[id] = fn
	return func() {
		t.subMu.Lock()
		delete(t.subs, id)
		t.subMu.Unlock()
	}
}

func (t *Tracker) notify() {
	t.subMu.Lock()
	fns := make([]func(), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.subMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
