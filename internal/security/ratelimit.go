package security

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// bucketKey identifies one completion budget: a client asking about a channel.
type bucketKey struct {
	channel string
	client  string
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles completion requests with one token bucket per
// channel and client, so a client hammering one channel leaves its budget
// for the others intact. Idle buckets are evicted in the background.
type RateLimiter struct {
	buckets    map[bucketKey]*bucket
	mu         sync.Mutex
	r          rate.Limit
	burst      int
	ttl        time.Duration // evict buckets not used within this window
	maxBuckets int
	cancel     context.CancelFunc
}

// PerMinute converts a requests-per-minute setting to a rate.Limit.
func PerMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / 60)
}

// NewRateLimiter creates a limiter allowing r completions per second with
// the given burst for each channel and client pair.
func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	ctx, cancel := context.WithCancel(context.Background())
	rl := &RateLimiter{
		buckets:    make(map[bucketKey]*bucket),
		r:          r,
		burst:      burst,
		ttl:        10 * time.Minute,
		maxBuckets: 10000,
		cancel:     cancel,
	}
	go rl.evictLoop(ctx)
	return rl
}

// Allow reports whether client may request another completion for channel
// now. channel is expected in normalized form. New pairs are refused once
// the bucket table is full.
func (rl *RateLimiter) Allow(channel, client string) bool {
	key := bucketKey{channel: channel, client: client}

	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		if len(rl.buckets) >= rl.maxBuckets {
			rl.mu.Unlock()
			return false
		}
		b = &bucket{limiter: rate.NewLimiter(rl.r, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = time.Now()
	rl.mu.Unlock()

	return b.limiter.Allow()
}

// Tracked returns the number of live buckets.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// TrackedFor returns the number of clients holding a bucket for channel.
func (rl *RateLimiter) TrackedFor(channel string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for key := range rl.buckets {
		if key.channel == channel {
			n++
		}
	}
	return n
}

// Stop shuts down the eviction goroutine.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

// UpdateRate applies a reloaded requests_per_minute and burst. Existing
// buckets are dropped so every pair starts over at the new rate.
func (rl *RateLimiter) UpdateRate(r rate.Limit, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.r = r
	rl.burst = burst
	rl.buckets = make(map[bucketKey]*bucket)
}

func (rl *RateLimiter) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rl.evictIdle(now)
		}
	}
}

func (rl *RateLimiter) evictIdle(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	evicted := 0
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > rl.ttl {
			delete(rl.buckets, key)
			evicted++
		}
	}
	return evicted
}
