package devserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHubFirstAndLastSocket(t *testing.T) {
	h := NewHub()
	a1 := &client{userID: "alice", send: make(chan []byte, 1)}
	a2 := &client{userID: "alice", send: make(chan []byte, 1)}
	b := &client{userID: "bob", send: make(chan []byte, 1)}

	assert.True(t, h.Add(a1))
	assert.False(t, h.Add(a2))
	assert.True(t, h.Add(b))
	assert.Equal(t, []string{"alice", "bob"}, h.OnlineUsers())

	h.Broadcast("alice", []byte("x"))
	assert.Len(t, b.send, 1)
	assert.Len(t, a1.send, 0)

	h.SendToUser("alice", []byte("y"))
	assert.Len(t, a1.send, 1)
	assert.Len(t, a2.send, 1)

	// full buffers drop instead of blocking
	h.SendToUser("alice", []byte("z"))

	assert.False(t, h.Remove(a1))
	assert.True(t, h.Online("alice"))
	assert.True(t, h.Remove(a2))
	assert.False(t, h.Online("alice"))
	assert.False(t, h.Remove(a2))
}
