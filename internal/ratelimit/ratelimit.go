// Package ratelimit implements a fixed-window request counter keyed by
// identity. It gates calls that end up at the external vulnerability
// database.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/vulntrack/internal/apperr"
)

// ErrExceeded is returned by Check once an identity used up its window.
var ErrExceeded = fmt.Errorf("ratelimit: %w", apperr.ErrRateLimited)

type counter struct {
	count     int
	expiresAt time.Time
}

// Limiter counts calls per identity inside a fixed window.
type Limiter struct {
	mu       sync.Mutex
	max      int
	window   time.Duration
	counters map[string]*counter
	now      func() time.Time
}

func New(max int, window time.Duration) *Limiter {
	return &Limiter{
		max:      max,
		window:   window,
		counters: make(map[string]*counter),
		now:      time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Check counts one call for identity. A counter that already reached max
// rejects the call without incrementing; the window is armed on the first
// increment only.
func (l *Limiter) Check(identity string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.counters[identity]
	if ok && !now.Before(c.expiresAt) {
		delete(l.counters, identity)
		ok = false
	}
	if !ok {
		c = &counter{}
		l.counters[identity] = c
	}
	if c.count >= l.max {
		return ErrExceeded
	}
	c.count++
	if c.count == 1 {
		c.expiresAt = now.Add(l.window)
	}
	return nil
}

// Prune drops counters whose window has elapsed.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for id, c := range l.counters {
		if !now.Before(c.expiresAt) {
			delete(l.counters, id)
			n++
		}
	}
	return n
}

// Run prunes expired counters every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Prune()
		}
	}
}
