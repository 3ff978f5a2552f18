// Package ratelimit implements the fixed-window rate limiter: independent
// per-dimension counters (ip, function) composed into a two-phase composite
// that never partially consumes budget across dimensions.
package ratelimit

import (
	"sync"
	"time"
)

// Result is the outcome of a check or checkAndIncrement call.
type Result struct {
	Allowed  bool
	Remaining int
	ResetAt  time.Time
}

// window is the mutable state for one key within a single dimension.
type window struct {
	count   int
	resetAt time.Time
}

// Config is the {windowMs, maxRequests} pair for one dimension.
type Config struct {
	WindowMs    int64
	MaxRequests int
}

// Limiter is a single fixed-window dimension (e.g. "ip" or "function").
// Each distinct key (e.g. a client IP or function id) gets its own window
// that resets WindowMs after its first request.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	windows map[string]*window
	now     func() time.Time

	stopCh chan struct{}
	stopOnce sync.Once
}

// New returns a Limiter for one dimension with the given configuration. A
// background goroutine periodically evicts expired windows; call Stop to
// release it.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		windows: make(map[string]*window),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanExpired()
		case <-l.stopCh:
			return
		}
	}
}

// EvictExpired removes every window that has passed its resetAt. Called by
// the internal cleanup loop every minute, and additionally exposed so an
// operator-configurable sweep (internal/reaper) can run it on its own
// schedule independent of the fixed one-minute ticker.
func (l *Limiter) EvictExpired() {
	l.cleanExpired()
}

func (l *Limiter) cleanExpired() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, k)
		}
	}
}

// Stop releases the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// windowFor returns the window for key, creating or resetting it if expired.
// Caller must hold l.mu.
func (l *Limiter) windowFor(key string, now time.Time) *window {
	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{count: 0, resetAt: now.Add(time.Duration(l.cfg.WindowMs) * time.Millisecond)}
		l.windows[key] = w
	}
	return w
}

// Check reports the current state for key without mutating it.
func (l *Limiter) Check(key string) Result {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.windowFor(key, now)
	remaining := l.cfg.MaxRequests - w.count
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: w.count < l.cfg.MaxRequests, Remaining: remaining, ResetAt: w.resetAt}
}

// Increment bumps key's counter unconditionally, creating or resetting the
// window as needed.
func (l *Limiter) Increment(key string) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.windowFor(key, now)
	w.count++
}

// CheckAndIncrement atomically increments key's counter if under the
// maximum, or reports denial without mutating state.
func (l *Limiter) CheckAndIncrement(key string) Result {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.windowFor(key, now)
	if w.count >= l.cfg.MaxRequests {
		return Result{Allowed: false, Remaining: 0, ResetAt: w.resetAt}
	}
	w.count++
	remaining := l.cfg.MaxRequests - w.count
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Remaining: remaining, ResetAt: w.resetAt}
}

// Reset deletes any window state for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}
