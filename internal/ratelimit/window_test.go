package ratelimit

import (
	"testing"
	"time"
)

// TestS6RateLimitDenial exercises scenario S6 from spec §8: a
// {window:1s, max:3} limiter admits the first 3 of 5 rapid requests and
// rejects the rest, then resumes after the window elapses.
func TestS6RateLimitDenial(t *testing.T) {
	w := New(Config{Window: time.Second, Max: 3})
	base := time.Now()

	var admitted int
	for i := 0; i < 5; i++ {
		now := base.Add(time.Duration(i) * time.Millisecond)
		if w.Admit("sock-a", now) {
			admitted++
		}
	}
	if admitted != 3 {
		t.Fatalf("expected 3 admitted, got %d", admitted)
	}

	if w.Admit("sock-a", base.Add(10*time.Millisecond)) {
		t.Fatalf("expected further requests within window to be denied")
	}

	if !w.Admit("sock-a", base.Add(1100*time.Millisecond)) {
		t.Fatalf("expected admission to resume after window elapses")
	}
}

func TestWindowIsPerKey(t *testing.T) {
	w := New(Config{Window: time.Second, Max: 1})
	now := time.Now()
	if !w.Admit("a", now) {
		t.Fatal("expected first admit for key a")
	}
	if !w.Admit("b", now) {
		t.Fatal("expected independent budget for key b")
	}
	if w.Admit("a", now) {
		t.Fatal("expected key a to be exhausted")
	}
}

func TestResetClearsKey(t *testing.T) {
	w := New(Config{Window: time.Second, Max: 1})
	now := time.Now()
	w.Admit("a", now)
	w.Reset("a")
	if !w.Admit("a", now) {
		t.Fatal("expected admit to succeed after reset")
	}
}

func TestSocketLimiterFallsThroughToGlobal(t *testing.T) {
	sl := NewSocketLimiter(Config{Window: time.Second, Max: 2}, EventConfig{
		"noisy": {Window: time.Second, Max: 1},
	})
	now := time.Now()

	// "quiet" has no per-event override: falls through to the global limiter.
	if !sl.Admit("sock", "quiet", now) {
		t.Fatal("expected first quiet admit")
	}
	if !sl.Admit("sock", "quiet", now) {
		t.Fatal("expected second quiet admit (global budget is 2)")
	}
	if sl.Admit("sock", "quiet", now) {
		t.Fatal("expected third quiet admit to exhaust the global budget")
	}
}

func TestSocketLimiterPerEventOverride(t *testing.T) {
	sl := NewSocketLimiter(Config{Window: time.Second, Max: 100}, EventConfig{
		"noisy": {Window: time.Second, Max: 1},
	})
	now := time.Now()

	if !sl.Admit("sock", "noisy", now) {
		t.Fatal("expected first noisy admit")
	}
	if sl.Admit("sock", "noisy", now) {
		t.Fatal("expected noisy event to be limited to 1 despite large global budget")
	}
}
