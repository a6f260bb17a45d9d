package devserver

import (
	"sort"
	"sync"
)

// client is one live socket of a user.
type client struct {
	userID string
	send   chan []byte
}

// Hub tracks the sockets of every connected user.
type Hub struct {
	mu     sync.RWMutex
	byUser map[string]map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{byUser: make(map[string]map[*client]struct{})}
}

// Add registers c and reports whether it is the user's first socket.
func (h *Hub) Add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.byUser[c.userID]
	if !ok {
		set = make(map[*client]struct{})
		h.byUser[c.userID] = set
	}
	set[c] = struct{}{}
	return len(set) == 1
}

// Remove unregisters c and reports whether it was the user's last socket.
func (h *Hub) Remove(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.byUser[c.userID]
	if !ok {
		return false
	}
	delete(set, c)
	if len(set) > 0 {
		return false
	}
	delete(h.byUser, c.userID)
	return true
}

func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

func (h *Hub) OnlineUsers() []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.byUser))
	for id := range h.byUser {
		out = append(out, id)
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

// SendToUser queues msg on every socket of userID. Slow sockets drop it.
func (h *Hub) SendToUser(userID string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.byUser[userID] {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// Broadcast queues msg on every socket except those of the excluded user.
func (h *Hub) Broadcast(exclude string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, set := range h.byUser {
		if id == exclude {
			continue
		}
		for c := range set {
			select {
			case c.send <- msg:
			default:
			}
		}
	}
}
