package client

import (
	"testing"
	"time"
)

func TestOfflineQueueFIFOOrder(t *testing.T) {
	q := newOfflineQueue(10, time.Minute)
	q.push(queuedFrame{event: "a", enqueuedAt: time.Now()})
	q.push(queuedFrame{event: "b", enqueuedAt: time.Now()})
	q.push(queuedFrame{event: "c", enqueuedAt: time.Now()})

	live, expired := q.drain(time.Now())
	if len(expired) != 0 {
		t.Fatalf("expected no expired entries, got %d", len(expired))
	}
	if len(live) != 3 {
		t.Fatalf("expected 3 live entries, got %d", len(live))
	}
	for i, want := range []string{"a", "b", "c"} {
		if live[i].event != want {
			t.Fatalf("position %d: want %q, got %q", i, want, live[i].event)
		}
	}
	if q.len() != 0 {
		t.Fatalf("expected queue empty after drain, has %d", q.len())
	}
}

func TestOfflineQueueDiscardsOldestWhenFull(t *testing.T) {
	q := newOfflineQueue(2, time.Minute)
	if d := q.push(queuedFrame{event: "a", enqueuedAt: time.Now()}); d {
		t.Fatal("first push should not discard")
	}
	if d := q.push(queuedFrame{event: "b", enqueuedAt: time.Now()}); d {
		t.Fatal("second push should not discard")
	}
	if d := q.push(queuedFrame{event: "c", enqueuedAt: time.Now()}); !d {
		t.Fatal("third push into a full queue should discard the oldest")
	}

	live, _ := q.drain(time.Now())
	if len(live) != 2 || live[0].event != "b" || live[1].event != "c" {
		t.Fatalf("expected [b c] after oldest-discard, got %#v", live)
	}
}

func TestOfflineQueueDrainSeparatesExpired(t *testing.T) {
	q := newOfflineQueue(10, time.Millisecond)
	q.push(queuedFrame{event: "stale", enqueuedAt: time.Now().Add(-time.Hour)})
	q.push(queuedFrame{event: "fresh", enqueuedAt: time.Now()})

	live, expired := q.drain(time.Now())
	if len(expired) != 1 || expired[0].event != "stale" {
		t.Fatalf("expected 'stale' to expire, got %#v", expired)
	}
	if len(live) != 1 || live[0].event != "fresh" {
		t.Fatalf("expected 'fresh' to survive, got %#v", live)
	}
}

func TestOfflineQueueDefaults(t *testing.T) {
	q := newOfflineQueue(0, 0)
	if q.max != 1000 {
		t.Fatalf("expected default max 1000, got %d", q.max)
	}
	if q.ttl != 5*time.Minute {
		t.Fatalf("expected default ttl 5m, got %v", q.ttl)
	}
}
