// Package ws owns the push connection to the messaging backend: one
// authenticated socket, typed inbound events, typed outbound commands and
// bounded reconnection.
package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fasthttp/websocket"
	"go.uber.org/zap"

	"github.com/yourorg/artmarket/conversation-sync/internal/apperr"
	"github.com/yourorg/artmarket/conversation-sync/internal/clock"
	"github.com/yourorg/artmarket/conversation-sync/internal/metrics"
)

var (
	ErrNotConnected   = errors.New("channel not connected")
	ErrSendBufferFull = errors.New("channel send buffer full")
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// EventHandler receives every inbound event, one at a time, from the
// channel's reader goroutine.
type EventHandler interface {
	HandleEvent(Event)
}

type HandlerFunc func(Event)

func (f HandlerFunc) HandleEvent(ev Event) { f(ev) }

type Options struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	ReadLimit    int64
	SendBuffer   int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
	// MaxAttempts bounds consecutive reconnect attempts; 0 retries forever.
	MaxAttempts int
}

func DefaultOptions() Options {
	return Options{
		PingInterval:   25 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		ReadLimit:      64 * 1024,
		SendBuffer:     256,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
		Jitter:         0.1,
		MaxAttempts:    5,
	}
}

// Channel is the single push connection of a session. Connect starts a
// background loop that dials, serves and redials; Disconnect stops it.
type Channel struct {
	dialer  Dialer
	handler EventHandler
	opts    Options
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	done      chan struct{}
	send      chan []byte
	connected bool // a connection has been established at least once
}

func New(d Dialer, h EventHandler, opts Options, c clock.Clock, logger *zap.Logger, m *metrics.Metrics) *Channel {
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOptions()
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.PongWait <= 0 {
		opts.PongWait = def.PongWait
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = def.WriteWait
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = def.ReadLimit
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = def.InitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	if opts.Multiplier < 1 {
		opts.Multiplier = def.Multiplier
	}
	m.SetChannelState(int(StateDisconnected))
	return &Channel{
		dialer:  d,
		handler: h,
		opts:    opts,
		clock:   c,
		log:     logger.Named("ws"),
		metrics: m,
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) IsConnected() bool { return c.State() == StateConnected }

// Connect starts the connection loop with token. It never blocks and never
// fails: errors turn into reconnect attempts. Calling it while a loop is
// running does nothing.
func (c *Channel) Connect(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	c.setStateLocked(StateConnecting)
	go c.run(ctx, token, done)
}

// Disconnect stops the loop, closes the socket and waits until no more events
// can be delivered. A final StatusChanged{Connected: false} is emitted.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	c.mu.Lock()
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
	c.emit(StatusChanged{Connected: false})
}

// Send queues cmd on the live connection.
func (c *Channel) Send(cmd Command) error {
	data, err := EncodeCommand(cmd)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmd.Type(), err)
	}
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return ErrNotConnected
	}
	select {
	case send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Channel) run(ctx context.Context, token string, done chan struct{}) {
	defer c.finish(ctx, done)

	b := c.newBackOff()
	for {
		conn, err := c.dialer.Dial(ctx, token)
		switch {
		case ctx.Err() != nil:
			if conn != nil {
				_ = conn.Close()
			}
			return
		case errors.Is(err, apperr.ErrUnauthorized):
			c.log.Warn("credential rejected, not retrying", zap.Error(err))
			c.emit(AuthFailed{Err: err})
			return
		case err != nil:
			c.log.Warn("dial failed", zap.Error(err))
		default:
			b.Reset()
			reconnected := c.up()
			c.log.Info("connected", zap.Bool("reconnected", reconnected))
			c.emit(StatusChanged{Connected: true, Reconnected: reconnected})

			err = c.serve(ctx, conn)
			c.down()
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("connection lost", zap.Error(err))
			c.emit(StatusChanged{Connected: false})
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			c.log.Warn("reconnect attempts exhausted", zap.Int("max_attempts", c.opts.MaxAttempts))
			return
		}
		c.mu.Lock()
		c.setStateLocked(StateReconnecting)
		c.mu.Unlock()
		c.metrics.Reconnect()
		c.log.Debug("reconnecting", zap.Duration("delay", delay))
		if !clock.Sleep(c.clock, delay, ctx.Done()) {
			return
		}
	}
}

// finish runs when the loop exits. If it exited on its own (auth failure or
// exhausted attempts) the channel settles in Disconnected and a later Connect
// may start a new loop.
func (c *Channel) finish(ctx context.Context, done chan struct{}) {
	c.mu.Lock()
	own := ctx.Err() == nil && c.done == done
	if own {
		c.cancel()
		c.cancel, c.done = nil, nil
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()
	close(done)
	if own {
		c.emit(StatusChanged{Connected: false})
	}
}

func (c *Channel) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.opts.InitialBackoff
	eb.MaxInterval = c.opts.MaxBackoff
	eb.Multiplier = c.opts.Multiplier
	eb.RandomizationFactor = c.opts.Jitter
	eb.MaxElapsedTime = 0
	eb.Reset()
	if c.opts.MaxAttempts > 0 {
		return backoff.WithMaxRetries(eb, uint64(c.opts.MaxAttempts))
	}
	return eb
}

func (c *Channel) up() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	reconnected := c.connected
	c.connected = true
	c.send = make(chan []byte, c.opts.SendBuffer)
	c.setStateLocked(StateConnected)
	return reconnected
}

func (c *Channel) down() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.send = nil
	if c.state == StateConnected {
		c.setStateLocked(StateReconnecting)
	}
}

func (c *Channel) setStateLocked(s State) {
	c.state = s
	c.metrics.SetChannelState(int(s))
}

// serve runs the read and write pumps until either fails or ctx is cancelled.
// Both pumps have exited when it returns.
func (c *Channel) serve(ctx context.Context, conn Conn) error {
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errc <- c.writePump(ctx, conn, send)
	}()
	go func() {
		defer wg.Done()
		errc <- c.readPump(conn)
	}()

	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
		err = ctx.Err()
	}
	cancel()
	_ = conn.Close()
	wg.Wait()
	return err
}

func (c *Channel) readPump(conn Conn) error {
	conn.SetReadLimit(c.opts.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: read: %w", apperr.ErrTransport, err)
		}
		ev, typ, err := Decode(data)
		if err != nil {
			reason := DropReason(err)
			c.log.Warn("dropping frame", zap.String("type", typ), zap.String("reason", reason), zap.Error(err))
			c.metrics.Dropped(reason)
			continue
		}
		c.metrics.Event(typ)
		c.emit(ev)
	}
}

func (c *Channel) writePump(ctx context.Context, conn Conn, send <-chan []byte) error {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return nil
		case msg := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return fmt.Errorf("%w: write: %w", apperr.ErrTransport, err)
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait)); err != nil {
				return fmt.Errorf("%w: ping: %w", apperr.ErrTransport, err)
			}
		}
	}
}

// emit hands ev to the handler. A panicking handler is logged and the event
// dropped; the connection stays up.
func (c *Channel) emit(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("event handler panicked", zap.String("event", fmt.Sprintf("%T", ev)), zap.Any("panic", r))
		}
	}()
	if c.handler != nil {
		c.handler.HandleEvent(ev)
	}
}
