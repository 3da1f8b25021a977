package security

import (
	"fmt"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

const client = "203.0.113.1"

func TestRateLimiterAllow(t *testing.T) {
	// 1 request per second, burst of 2
	rl := NewRateLimiter(rate.Limit(1), 2)
	defer rl.Stop()

	if !rl.Allow("foo", client) {
		t.Error("first request should be allowed")
	}
	if !rl.Allow("foo", client) {
		t.Error("second request (burst) should be allowed")
	}
	if rl.Allow("foo", client) {
		t.Error("third request should be denied (burst exhausted)")
	}
}

func TestRateLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 1)
	defer rl.Stop()

	if !rl.Allow("foo", client) {
		t.Error("client A first request should be allowed")
	}
	if rl.Allow("foo", client) {
		t.Error("client A second request should be denied")
	}
	if !rl.Allow("foo", "203.0.113.2") {
		t.Error("client B should have its own bucket")
	}
}

func TestRateLimiterPerChannel(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(0.001), 1)
	defer rl.Stop()

	if !rl.Allow("foo", client) {
		t.Fatal("first completion for foo should be allowed")
	}
	if rl.Allow("foo", client) {
		t.Error("second completion for foo should be denied")
	}
	if !rl.Allow("bar", client) {
		t.Error("exhausting foo should not affect bar")
	}
	if got := rl.TrackedFor("foo"); got != 1 {
		t.Errorf("TrackedFor(foo) = %d, want 1", got)
	}
	if got := rl.Tracked(); got != 2 {
		t.Errorf("Tracked() = %d, want 2", got)
	}
}

func TestRateLimiterUpdateRate(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 1)
	defer rl.Stop()

	rl.Allow("foo", client)
	rl.UpdateRate(rate.Limit(1), 5)

	if !rl.Allow("foo", client) {
		t.Error("should be allowed after rate update")
	}
	if rl.Tracked() != 1 {
		t.Errorf("Tracked() = %d, want only the fresh bucket", rl.Tracked())
	}
}

func TestRateLimiterMaxBuckets(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 10)
	defer rl.Stop()

	rl.mu.Lock()
	rl.maxBuckets = 3
	rl.mu.Unlock()

	for i := 0; i < 3; i++ {
		ip := fmt.Sprintf("203.0.113.%d", i+1)
		if !rl.Allow("foo", ip) {
			t.Errorf("client %s should be allowed (table not full)", ip)
		}
	}

	if rl.Allow("foo", "203.0.113.100") {
		t.Error("should reject a new client when the table is full")
	}
	if rl.Allow("bar", client) {
		t.Error("should reject a known client on a new channel when the table is full")
	}
	if !rl.Allow("foo", client) {
		t.Error("existing bucket should still be allowed")
	}
}

func TestRateLimiterStop(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 1)
	rl.Stop() // Should not panic or deadlock
}

func TestPerMinute(t *testing.T) {
	if got := PerMinute(30); got != rate.Limit(0.5) {
		t.Errorf("PerMinute(30) = %v, want 0.5", got)
	}
	if got := PerMinute(120); got != rate.Limit(2) {
		t.Errorf("PerMinute(120) = %v, want 2", got)
	}
}

func TestRateLimiterEvictIdle(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 1)
	defer rl.Stop()

	rl.Allow("foo", client)
	rl.Allow("bar", client)
	if rl.Tracked() != 2 {
		t.Fatalf("Tracked() = %d, want 2", rl.Tracked())
	}

	if n := rl.evictIdle(time.Now()); n != 0 {
		t.Errorf("evictIdle(now) = %d, want 0 for fresh buckets", n)
	}
	if n := rl.evictIdle(time.Now().Add(rl.ttl + time.Second)); n != 2 {
		t.Errorf("evictIdle(after ttl) = %d, want 2", n)
	}
	if rl.Tracked() != 0 {
		t.Errorf("Tracked() = %d after eviction, want 0", rl.Tracked())
	}
}
