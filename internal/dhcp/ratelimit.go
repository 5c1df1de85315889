package dhcp

import (
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
)

// RateLimiter provides token-bucket rate limiting for DISCOVERs.
// Limits both global discovers/sec and per-client discovers/sec.
type RateLimiter struct {
	enabled        bool
	globalLimit    int
	perMACLimit    int
	globalTokens   int
	perMAC         map[string]*macBucket
	mu             sync.Mutex
	clock          clock.Clock
	lastRefill     time.Time
	refillInterval time.Duration
}

type macBucket struct {
	tokens   int
	lastSeen time.Time
}

const staleBucketAfter = 30 * time.Second

// NewRateLimiter creates a new rate limiter. A nil clock uses wall time.
func NewRateLimiter(enabled bool, globalLimit, perMACLimit int, clk clock.Clock) *RateLimiter {
	if globalLimit <= 0 {
		globalLimit = 100
	}
	if perMACLimit <= 0 {
		perMACLimit = 10
	}
	if clk == nil {
		clk = clock.NewClock()
	}
	return &RateLimiter{
		enabled:        enabled,
		globalLimit:    globalLimit,
		perMACLimit:    perMACLimit,
		globalTokens:   globalLimit,
		perMAC:         make(map[string]*macBucket),
		clock:          clk,
		lastRefill:     clk.Now(),
		refillInterval: time.Second,
	}
}

// Allow reports whether a DISCOVER from mac may proceed, consuming a token if so.
// MACs are keyed case-insensitively.
func (r *RateLimiter) Allow(mac string) bool {
	if !r.enabled {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.refill(now)

	if r.globalTokens <= 0 {
		return false
	}

	key := strings.ToLower(mac)
	bucket, exists := r.perMAC[key]
	if !exists {
		bucket = &macBucket{tokens: r.perMACLimit}
		r.perMAC[key] = bucket
	}
	bucket.lastSeen = now

	if bucket.tokens <= 0 {
		return false
	}

	r.globalTokens--
	bucket.tokens--
	return true
}

// refill adds tokens back based on elapsed time since last refill.
func (r *RateLimiter) refill(now time.Time) {
	intervals := int(now.Sub(r.lastRefill) / r.refillInterval)
	if intervals <= 0 {
		return
	}
	r.lastRefill = r.lastRefill.Add(time.Duration(intervals) * r.refillInterval)

	r.globalTokens = min(r.globalTokens+r.globalLimit*intervals, r.globalLimit)

	for key, bucket := range r.perMAC {
		if now.Sub(bucket.lastSeen) > staleBucketAfter {
			delete(r.perMAC, key)
			continue
		}
		bucket.tokens = min(bucket.tokens+r.perMACLimit*intervals, r.perMACLimit)
	}
}

// Stats returns current rate limiter statistics.
func (r *RateLimiter) Stats() (globalTokens int, trackedMACs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.globalTokens, len(r.perMAC)
}
