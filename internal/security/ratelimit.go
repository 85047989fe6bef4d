package security

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a per-key token bucket. Each key refills RequestsPerWindow
// tokens per WindowDuration and holds at most BurstMax.
type RateLimiter struct {
	buckets  map[string]*bucket
	mu       sync.Mutex
	limit    int
	window   time.Duration
	every    rate.Limit
	burstMax int
	stop     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitConfig holds rate limiter configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the maximum number of requests allowed per window
	RequestsPerWindow int
	// WindowDuration is the duration of the rate limit window
	WindowDuration time.Duration
	// BurstMax is the maximum burst size allowed
	BurstMax int
}

// DefaultRateLimitConfig returns default rate limit configuration
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerWindow: 100,         // 100 requests
		WindowDuration:    time.Minute, // per minute
		BurstMax:          20,          // burst of 20
	}
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	d := DefaultRateLimitConfig()
	if config.RequestsPerWindow <= 0 {
		config.RequestsPerWindow = d.RequestsPerWindow
	}
	if config.WindowDuration <= 0 {
		config.WindowDuration = d.WindowDuration
	}
	if config.BurstMax <= 0 || config.BurstMax > config.RequestsPerWindow {
		config.BurstMax = min(d.BurstMax, config.RequestsPerWindow)
	}

	rl := &RateLimiter{
		buckets:  make(map[string]*bucket),
		limit:    config.RequestsPerWindow,
		window:   config.WindowDuration,
		every:    rate.Every(config.WindowDuration / time.Duration(config.RequestsPerWindow)),
		burstMax: config.BurstMax,
		stop:     make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

func (rl *RateLimiter) get(key string, now time.Time) *bucket {
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.every, rl.burstMax)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	return b
}

// Allow checks if a request is allowed for the given key (e.g., user ID, IP)
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	return rl.get(key, now).limiter.AllowN(now, 1)
}

// GetRemainingRequests returns the number of whole tokens left for a key
func (rl *RateLimiter) GetRemainingRequests(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		return rl.burstMax
	}
	return max(0, int(math.Floor(b.limiter.TokensAt(time.Now()))))
}

// GetResetTime returns when the bucket of key is full again
func (rl *RateLimiter) GetResetTime(key string) time.Time {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.buckets[key]
	if !ok {
		return now
	}
	missing := float64(rl.burstMax) - b.limiter.TokensAt(now)
	if missing <= 0 {
		return now
	}
	return now.Add(time.Duration(missing / float64(rl.every) * float64(time.Second)))
}

// Reset resets the rate limit for a specific key
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, key)
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// cleanup periodically removes buckets idle for two windows
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweep(time.Now())
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) sweep(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-rl.window * 2)
	removed := 0
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// RateLimitInfo contains rate limit information for response headers
type RateLimitInfo struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// GetInfo returns rate limit info for a key
func (rl *RateLimiter) GetInfo(key string) RateLimitInfo {
	return RateLimitInfo{
		Limit:     rl.limit,
		Remaining: rl.GetRemainingRequests(key),
		ResetAt:   rl.GetResetTime(key),
	}
}
