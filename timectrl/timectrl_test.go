package timectrl

import (
	"context"
	"errors"
	"testing"
	"time"
)

var start = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClockAdvanceFiresDueTimers(t *testing.T) {
	c := NewFakeClock(start)
	early := c.After(time.Second)
	late := c.After(time.Minute)

	c.Advance(2 * time.Second)
	select {
	case got := <-early:
		if !got.Equal(start.Add(2 * time.Second)) {
			t.Fatalf("timer fired at %v", got)
		}
	default:
		t.Fatalf("due timer did not fire")
	}
	select {
	case <-late:
		t.Fatalf("timer fired early")
	default:
	}
	if got := c.Now(); !got.Equal(start.Add(2 * time.Second)) {
		t.Fatalf("Now() = %v", got)
	}
}

func TestBudgetExpiry(t *testing.T) {
	c := NewFakeClock(start)
	b := NewBudget(c, 10*time.Second)
	if b.Expired() {
		t.Fatalf("fresh budget expired")
	}
	c.Advance(4 * time.Second)
	if got := b.Remaining(); got != 6*time.Second {
		t.Fatalf("Remaining() = %v, want 6s", got)
	}
	c.Advance(7 * time.Second)
	if !b.Expired() || b.Remaining() != 0 {
		t.Fatalf("budget should be expired, remaining %v", b.Remaining())
	}
}

func TestNilBudgetNeverExpires(t *testing.T) {
	var b *Budget
	if NewBudget(RealClock{}, 0) != nil {
		t.Fatalf("zero limit should give a nil budget")
	}
	if b.Expired() {
		t.Fatalf("nil budget expired")
	}
	ctx, cancel := b.Context(context.Background())
	defer cancel()
	if ctx.Err() != nil {
		t.Fatalf("context cancelled: %v", ctx.Err())
	}
}

func TestBudgetContextCancelsWithCause(t *testing.T) {
	c := NewFakeClock(start)
	b := NewBudget(c, time.Second)
	ctx, cancel := b.Context(context.Background())
	defer cancel()

	c.Advance(time.Second)
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("context not cancelled after expiry")
	}
	if cause := context.Cause(ctx); !errors.Is(cause, ErrBudgetExhausted) {
		t.Fatalf("cause = %v, want ErrBudgetExhausted", cause)
	}
}
