// Package timectrl provides the clock abstraction and the wall-clock budget
// shared by the search trees of one RAO run.
package timectrl

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// ErrBudgetExhausted is the cancellation cause of contexts derived from an
// expired Budget.
var ErrBudgetExhausted = errors.New("time budget exhausted")

// Clock is an interface for accessing time. Budgets depend on it rather than
// on the time package so that tests can drive expiry.
type Clock interface {
	Now() time.Time
	// After returns a channel that receives the time once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

// Now implements Clock.
func (RealClock) Now() time.Time { return time.Now() }

// After implements Clock.
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type fakeTimer struct {
	at time.Time
	ch chan time.Time
}

// FakeClock only moves when Advance is called.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []fakeTimer
}

// NewFakeClock constructs a FakeClock reading start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now implements Clock.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After implements Clock. The channel fires during the Advance call that
// reaches now+d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.timers = append(c.timers, fakeTimer{at: c.now.Add(d), ch: ch})
	return ch
}

// Advance moves the clock forward and fires the timers that became due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	pending := c.timers[:0]
	for _, t := range c.timers {
		if t.at.After(c.now) {
			pending = append(pending, t)
			continue
		}
		t.ch <- c.now
	}
	c.timers = pending
}

// Budget is a wall-clock allowance. A nil Budget never expires.
type Budget struct {
	clock    Clock
	deadline time.Time
}

// NewBudget starts a budget of limit on clock. A non-positive limit means
// unlimited, which is represented by a nil Budget.
func NewBudget(clock Clock, limit time.Duration) *Budget {
	if limit <= 0 {
		return nil
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &Budget{clock: clock, deadline: clock.Now().Add(limit)}
}

// Remaining returns the time left, never negative.
func (b *Budget) Remaining() time.Duration {
	if b == nil {
		return time.Duration(math.MaxInt64)
	}
	return max(b.deadline.Sub(b.clock.Now()), 0)
}

// Expired reports whether the deadline has passed.
func (b *Budget) Expired() bool {
	return b != nil && b.Remaining() == 0
}

// Context derives a context cancelled with ErrBudgetExhausted when the
// budget runs out.
func (b *Budget) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	if b == nil {
		return ctx, func() { cancel(context.Canceled) }
	}
	timer := b.clock.After(b.Remaining())
	go func() {
		select {
		case <-timer:
			cancel(ErrBudgetExhausted)
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(context.Canceled) }
}
