package ws

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/yourorg/artmarket/conversation-sync/internal/apperr"
)

type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.in:
		return websocket.TextMessage, b, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(typ int, data []byte) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	if typ == websocket.TextMessage {
		c.out <- data
	}
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetReadLimit(int64)                        {}
func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (c *fakeConn) SetPongHandler(func(string) error)         {}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// drop simulates the server closing the socket.
func (c *fakeConn) drop() { _ = c.Close() }

// fakeDialer hands out scripted results in order; once they run out every
// dial fails with a transport error.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	calls   int
	tokens  []string
}

type dialResult struct {
	conn Conn
	err  error
}

func (d *fakeDialer) push(r ...dialResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, r...)
}

func (d *fakeDialer) Dial(_ context.Context, token string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.tokens = append(d.tokens, token)
	if len(d.results) == 0 {
		return nil, errRefused
	}
	r := d.results[0]
	d.results = d.results[1:]
	return r.conn, r.err
}

func (d *fakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

var errRefused = errors.Join(apperr.ErrTransport, errors.New("connection refused"))

// recorder collects events delivered to the handler.
type recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newRecorder() *recorder { return &recorder{ch: make(chan Event, 64)} }

func (r *recorder) HandleEvent(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
