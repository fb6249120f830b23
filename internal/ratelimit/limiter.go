// Package ratelimit implements the local rate-limit layer: per-second token
// buckets and fixed 60-second window counters, both held in process memory.
// The windowing is intentionally approximate; the control plane reconciles
// globally through enforcement directives.
package ratelimit

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

const minuteKeyLayout = "2006-01-02-15-04"

// Limiter owns the in-process rate-limit state. All methods are safe for
// concurrent use and never block.
type Limiter struct {
	mu         sync.RWMutex
	buckets    map[string]*rate.Limiter
	lastAccess map[string]time.Time
	cleanupTTL time.Duration
	stopCh     chan struct{}

	// windows holds the fixed-minute counters; entries expire with the
	// window.
	windows *gocache.Cache

	now func() time.Time
}

// NewLimiter creates a limiter and starts its bucket cleanup loop.
func NewLimiter() *Limiter {
	l := &Limiter{
		buckets:    make(map[string]*rate.Limiter),
		lastAccess: make(map[string]time.Time),
		cleanupTTL: 10 * time.Minute,
		stopCh:     make(chan struct{}),
		windows:    gocache.New(time.Minute, 2*time.Minute),
		now:        time.Now,
	}
	go l.cleanupLoop()
	return l
}

// AllowPerSecond consumes one token from the bucket identified by key.
// Capacity defaults to the rate when burst is zero. A non-positive rate
// always admits (the stage is skipped by the caller, this is a backstop).
func (l *Limiter) AllowPerSecond(key string, ratePerSecond, burst int) bool {
	if ratePerSecond <= 0 {
		return true
	}
	if burst <= 0 {
		burst = ratePerSecond
	}
	return l.bucket(key, rate.Limit(ratePerSecond), burst).Allow()
}

// AllowPerMinute increments the fixed 60-second window for key and reports
// whether the request is within limit. The first observation in a window
// seeds the counter to 1.
func (l *Limiter) AllowPerMinute(key string, limit int) bool {
	if limit <= 0 {
		return true
	}

	windowKey := key + ":" + l.now().UTC().Format(minuteKeyLayout)
	if err := l.windows.Add(windowKey, int64(1), time.Minute); err == nil {
		return true
	}

	count, err := l.windows.IncrementInt64(windowKey, 1)
	if err != nil {
		// Window expired between Add and Increment; reseed.
		_ = l.windows.Add(windowKey, int64(1), time.Minute)
		return true
	}
	return count <= int64(limit)
}

func (l *Limiter) bucket(key string, r rate.Limit, burst int) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		l.mu.Lock()
		l.lastAccess[key] = l.now()
		l.mu.Unlock()
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.buckets[key]; ok {
		l.lastAccess[key] = l.now()
		return lim
	}
	lim = rate.NewLimiter(r, burst)
	l.buckets[key] = lim
	l.lastAccess[key] = l.now()
	return lim
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) cleanup() {
	cutoff := l.now().Add(-l.cleanupTTL)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, last := range l.lastAccess {
		if last.Before(cutoff) {
			delete(l.buckets, key)
			delete(l.lastAccess, key)
		}
	}
}

// Close stops the cleanup loop.
func (l *Limiter) Close() {
	close(l.stopCh)
}
