// Package reconcile merges messages from REST, the push channel and local
// optimistic actions into the conversation and thread stores.
package reconcile

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourorg/artmarket/conversation-sync/internal/apperr"
	"github.com/yourorg/artmarket/conversation-sync/internal/clock"
	"github.com/yourorg/artmarket/conversation-sync/internal/domain"
	"github.com/yourorg/artmarket/conversation-sync/internal/metrics"
	"github.com/yourorg/artmarket/conversation-sync/internal/store"
)

const (
	DefaultEchoTTL = time.Minute
	seenLimit      = 4096
)

// Reconciler is the only writer of the stores. Its mutex serializes every
// mutation, whichever goroutine it comes from.
type Reconciler struct {
	mu     sync.Mutex
	self   string
	conv   *store.ConversationStore
	thread *store.ThreadStore

	clock   clock.Clock
	echoTTL time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics

	// ids and client ids of messages sent from this client
	echo map[string]time.Time
	// inbound ids already counted as unread
	seen      map[string]struct{}
	seenOrder []string
	// timestamp of the newest message covered by a REST snapshot, per
	// conversation; its unread count already includes everything up to it
	snapshot map[domain.ConversationKey]time.Time
	// provisional messages by client id, until acknowledged
	pending map[string]domain.Message
	waiters map[string]chan domain.Message
}

func New(self string, conv *store.ConversationStore, thread *store.ThreadStore, c clock.Clock, echoTTL time.Duration, logger *zap.Logger, m *metrics.Metrics) *Reconciler {
	if c == nil {
		c = clock.Real{}
	}
	if echoTTL <= 0 {
		echoTTL = DefaultEchoTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		self:     self,
		conv:     conv,
		thread:   thread,
		clock:    c,
		echoTTL:  echoTTL,
		log:      logger.Named("reconcile"),
		metrics:  m,
		echo:     make(map[string]time.Time),
		seen:     make(map[string]struct{}),
		snapshot: make(map[domain.ConversationKey]time.Time),
		pending:  make(map[string]domain.Message),
		waiters:  make(map[string]chan domain.Message),
	}
}

func (r *Reconciler) Self() string { return r.self }

// ApplyMessage merges one copy of a message. Invalid copies are dropped,
// logged and reported as apperr.ErrMalformed without touching any state.
func (r *Reconciler) ApplyMessage(m domain.Message, src domain.Source) error {
	m = m.Normalize()
	if err := r.check(m); err != nil {
		r.log.Warn("dropping message", zap.String("source", src.String()), zap.Error(err))
		r.metrics.Dropped("invalid_message")
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	r.pruneLocked(now)

	increment := false
	if m.ReceiverID == r.self && m.SenderID != r.self && m.ID != "" {
		_, counted := r.seen[m.ID]
		if !counted {
			r.markSeenLocked(m.ID)
			increment = src == domain.SourceChannel && !m.Read && !r.isEchoLocked(m) && !r.coveredLocked(m)
		}
	}

	if m.SenderID == r.self && m.ID != "" && m.ClientID != "" {
		r.ackLocked(m, now)
	}
	r.thread.AppendLive(m, src)
	r.conv.ApplyMessage(m, m.Counterpart(r.self), increment)
	return nil
}

func (r *Reconciler) check(m domain.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.SenderID != r.self && m.ReceiverID != r.self {
		return fmt.Errorf("message %s between %s and %s: %w", m.Key(), m.SenderID, m.ReceiverID, apperr.ErrMalformed)
	}
	return nil
}

// ApplyPage merges a REST history page for key into the thread and the summary.
func (r *Reconciler) ApplyPage(key domain.ConversationKey, p store.Page) {
	p.Messages = r.PrepareHistory(p.Messages)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.thread.ApplyPage(key, p)
	if len(p.Messages) > 0 {
		newest := p.Messages[0]
		for _, m := range p.Messages[1:] {
			if newest.Before(m) {
				newest = m
			}
		}
		r.conv.ApplyMessage(newest, newest.Counterpart(r.self), false)
	}
}

// PrepareHistory normalizes REST messages, drops invalid ones and records
// inbound ids as already counted: REST unread counts include them.
func (r *Reconciler) PrepareHistory(msgs []domain.Message) []domain.Message {
	valid := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		m = m.Normalize()
		if err := r.check(m); err != nil {
			r.log.Warn("dropping message from page", zap.Error(err))
			r.metrics.Dropped("invalid_message")
			continue
		}
		valid = append(valid, m)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range valid {
		if m.ReceiverID == r.self && m.ID != "" {
			r.markSeenLocked(m.ID)
		}
	}
	return valid
}

// ApplySummaries merges a REST conversation snapshot. The snapshot's unread
// counts replace the local ones unless local state is already newer, and
// pushes of messages at or before the snapshot's last message no longer count.
func (r *Reconciler) ApplySummaries(list []domain.ConversationSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range list {
		if lm := c.LastMessage; lm != nil {
			if lm.ID != "" && lm.SenderID != r.self {
				r.markSeenLocked(lm.ID)
			}
			if lm.CreatedAt.After(r.snapshot[c.Key]) {
				r.snapshot[c.Key] = lm.CreatedAt
			}
		}
		r.conv.Upsert(c)
	}
}

// coveredLocked reports whether m is at or before the newest message of the
// last snapshot of its conversation.
func (r *Reconciler) coveredLocked(m domain.Message) bool {
	w, ok := r.snapshot[m.ConversationKey]
	return ok && !m.CreatedAt.After(w)
}

// BeginSend creates the provisional message for an optimistic send.
func (r *Reconciler) BeginSend(receiverID, body string) (domain.Message, error) {
	if receiverID == "" || receiverID == r.self {
		return domain.Message{}, fmt.Errorf("send to %q: %w", receiverID, apperr.ErrAction)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	m := domain.Message{
		ClientID:   uuid.NewString(),
		SenderID:   r.self,
		ReceiverID: receiverID,
		Body:       body,
		CreatedAt:  now,
		Status:     domain.StatusPending,
	}.Normalize()

	r.echo[m.ClientID] = now
	r.pending[m.ClientID] = m
	r.thread.AppendLive(m, domain.SourceLocal)
	r.conv.ApplyMessage(m, receiverID, false)
	return m, nil
}

// AwaitAck returns a channel that receives the acknowledged message once a
// copy carrying clientID arrives from the backend.
func (r *Reconciler) AwaitAck(clientID string) <-chan domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan domain.Message, 1)
	if _, ok := r.pending[clientID]; !ok {
		close(ch)
		return ch
	}
	r.waiters[clientID] = ch
	return ch
}

// CancelAwait drops a waiter registered with AwaitAck.
func (r *Reconciler) CancelAwait(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.waiters, clientID)
}

// CompleteSend replaces the provisional message with the acknowledged one.
func (r *Reconciler) CompleteSend(clientID string, ack domain.Message) error {
	if ack.ClientID == "" {
		ack.ClientID = clientID
	}
	ack = ack.Normalize()
	if err := r.check(ack); err != nil {
		r.log.Warn("dropping send ack", zap.String("client_id", clientID), zap.Error(err))
		r.metrics.Dropped("invalid_ack")
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ackLocked(ack, r.clock.Now())
	r.thread.AppendLive(ack, domain.SourceREST)
	r.conv.ApplyMessage(ack, ack.Counterpart(r.self), false)
	return nil
}

// ackLocked settles the provisional message matching m.ClientID, if any.
func (r *Reconciler) ackLocked(m domain.Message, now time.Time) {
	r.echo[m.ID] = now
	r.thread.ReplaceProvisional(m.ClientID, m)
	r.conv.ReplaceLastMessage(m.ConversationKey, m.ClientID, m)
	if _, ok := r.pending[m.ClientID]; !ok {
		return
	}
	delete(r.pending, m.ClientID)
	r.metrics.Send("acked")
	if ch, ok := r.waiters[m.ClientID]; ok {
		delete(r.waiters, m.ClientID)
		ch <- m
		close(ch)
	}
}

// FailSend marks the provisional message failed. It stays available for RetrySend.
func (r *Reconciler) FailSend(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.pending[clientID]
	if !ok {
		return
	}
	m.Status = domain.StatusFailed
	r.pending[clientID] = m
	r.thread.MarkFailed(clientID)
	r.metrics.Send("failed")
}

// RetrySend puts a failed message back to pending and returns it for
// re-sending under the same client id.
func (r *Reconciler) RetrySend(clientID string) (domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.pending[clientID]
	if !ok {
		return domain.Message{}, fmt.Errorf("retry %s: %w", clientID, apperr.ErrNotFound)
	}
	if m.Status != domain.StatusFailed {
		return domain.Message{}, fmt.Errorf("retry %s: message is %s: %w", clientID, m.Status, apperr.ErrAction)
	}
	m.Status = domain.StatusPending
	r.pending[clientID] = m
	r.echo[clientID] = r.clock.Now()
	r.thread.SetStatus(clientID, domain.StatusPending)
	r.metrics.Send("retried")
	return m, nil
}

// Pending returns the provisional message for clientID.
func (r *Reconciler) Pending(clientID string) (domain.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.pending[clientID]
	return m, ok
}

// BeginMarkRead zeroes the unread count of key and returns the previous value
// for FailMarkRead.
func (r *Reconciler) BeginMarkRead(key domain.ConversationKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.echo[readEchoKey(key)] = r.clock.Now()
	return r.conv.ZeroUnread(key)
}

// CompleteMarkRead applies the acknowledged read to the open thread. Unread
// counts are left alone: anything that arrived since BeginMarkRead is still unread.
func (r *Reconciler) CompleteMarkRead(key domain.ConversationKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.thread.MarkReadForReader(key, r.self, r.clock.Now())
}

// FailMarkRead adds the count taken by BeginMarkRead back on top of whatever
// arrived in the meantime.
func (r *Reconciler) FailMarkRead(key domain.ConversationKey, prev int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conv.AddUnread(key, prev)
}

// ApplyRead handles a single read receipt.
func (r *Reconciler) ApplyRead(messageID, readerID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.thread.Find(messageID)
	if !ok || m.ReceiverID != readerID {
		return
	}
	r.thread.MarkRead(messageID, at)
}

// ApplyReadAll handles a conversation-level read receipt. A receipt for the
// local user zeroes the unread count, unless it is the echo of a mark-read
// issued from this client: messages that arrived after that mark-read stay
// unread. Each mark-read consumes one echo.
func (r *Reconciler) ApplyReadAll(key domain.ConversationKey, readerID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(r.clock.Now())
	r.thread.MarkReadForReader(key, readerID, at)
	if readerID != r.self {
		return
	}
	if _, echo := r.echo[readEchoKey(key)]; echo {
		delete(r.echo, readEchoKey(key))
		return
	}
	r.conv.ZeroUnread(key)
}

// SetOnline mirrors a presence change onto the conversation summaries.
func (r *Reconciler) SetOnline(userID string, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conv.SetOnline(userID, online)
}

func (r *Reconciler) ResetOnline() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conv.ResetOnline()
}

// ApplyDeleted marks a message deleted after the backend confirmed it.
func (r *Reconciler) ApplyDeleted(messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.thread.Find(messageID)
	if !ok {
		return
	}
	m.Deleted = true
	r.thread.AppendLive(m, domain.SourceUpdate)
}

func readEchoKey(key domain.ConversationKey) string { return "read:" + string(key) }

func (r *Reconciler) isEchoLocked(m domain.Message) bool {
	if _, ok := r.echo[m.ID]; ok {
		return true
	}
	if m.ClientID != "" {
		if _, ok := r.echo[m.ClientID]; ok {
			return true
		}
	}
	return false
}

func (r *Reconciler) pruneLocked(now time.Time) {
	for k, at := range r.echo {
		if now.Sub(at) > r.echoTTL {
			delete(r.echo, k)
		}
	}
}

func (r *Reconciler) markSeenLocked(id string) {
	if _, ok := r.seen[id]; ok {
		return
	}
	r.seen[id] = struct{}{}
	r.seenOrder = append(r.seenOrder, id)
	if len(r.seenOrder) > seenLimit {
		old := r.seenOrder[0]
		r.seenOrder = r.seenOrder[1:]
		delete(r.seen, old)
	}
}
