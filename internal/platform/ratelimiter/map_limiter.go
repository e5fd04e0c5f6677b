package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultIdleTTL = 10 * time.Minute

// MapLimiter applies a token bucket per string key and periodically evicts idle entries.
type MapLimiter struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	byKey   map[string]*entry
	hits    uint64
	idleTTL time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a key-based limiter; returns nil if args are invalid.
func New(rps float64, burst int, idleTTL time.Duration) *MapLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return newLimiter(rate.Limit(rps), burst, idleTTL)
}

// PerWindow allows one request per key every window.
func PerWindow(window time.Duration) *MapLimiter {
	if window <= 0 {
		return nil
	}
	// An entry evicted before its window elapses would forget the last hit.
	idleTTL := defaultIdleTTL
	if window > idleTTL {
		idleTTL = window
	}
	return newLimiter(rate.Every(window), 1, idleTTL)
}

func newLimiter(limit rate.Limit, burst int, idleTTL time.Duration) *MapLimiter {
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	return &MapLimiter{
		limit:   limit,
		burst:   burst,
		byKey:   make(map[string]*entry),
		idleTTL: idleTTL,
	}
}

// Allow reports whether one token can be consumed for the key at now.
func (l *MapLimiter) Allow(key string, now time.Time) bool {
	ok, _ := l.Reserve(key, now)
	return ok
}

// Reserve consumes one token for the key at now. When no token is available
// it returns false with the time left until one is, and nothing is consumed.
func (l *MapLimiter) Reserve(key string, now time.Time) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[key]
	if !ok {
		e = &entry{
			limiter:  rate.NewLimiter(l.limit, l.burst),
			lastSeen: now,
		}
		l.byKey[key] = e
	}
	e.lastSeen = now

	allowed, wait := true, time.Duration(0)
	r := e.limiter.ReserveN(now, 1)
	if !r.OK() {
		allowed = false
	} else if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		allowed, wait = false, delay
	}

	l.hits++
	if l.hits%512 == 0 {
		l.evictLocked(now)
	}
	return allowed, wait
}

// Len reports the number of tracked keys.
func (l *MapLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}

func (l *MapLimiter) evictLocked(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for k, v := range l.byKey {
		if v.lastSeen.Before(cutoff) {
			delete(l.byKey, k)
		}
	}
}
