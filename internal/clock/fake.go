package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced clock. Callbacks run synchronously inside Advance,
// in deadline order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	pending []*fakeTimer
}

type fakeTimer struct {
	c       *Fake
	at      time.Time
	seq     int
	f       func()
	stopped bool
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{c: c, at: c.now.Add(d), seq: c.seq, f: f}
	c.pending = append(c.pending, t)
	return t
}

// Pending reports how many timers are scheduled and not stopped.
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.pending {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d and fires every timer that is due.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		sort.SliceStable(c.pending, func(i, j int) bool {
			if !c.pending[i].at.Equal(c.pending[j].at) {
				return c.pending[i].at.Before(c.pending[j].at)
			}
			return c.pending[i].seq < c.pending[j].seq
		})
		var next *fakeTimer
		for i, t := range c.pending {
			if t.stopped {
				continue
			}
			if t.at.After(target) {
				break
			}
			next = t
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
		if next == nil {
			c.now = target
			c.compact()
			c.mu.Unlock()
			return
		}
		c.now = next.at
		next.stopped = true
		c.mu.Unlock()
		next.f()
	}
}

func (c *Fake) compact() {
	kept := c.pending[:0]
	for _, t := range c.pending {
		if !t.stopped {
			kept = append(kept, t)
		}
	}
	c.pending = kept
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}
