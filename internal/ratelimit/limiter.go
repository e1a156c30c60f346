// Package ratelimit implements sliding-window request limiting keyed by caller identity.
package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"time"

	"sqlpilot/internal/core"
)

// Limiter admits at most limit requests per identity inside its window.
// A denied request returns *core.RateLimitError and does not count against the window.
type Limiter interface {
	Check(ctx context.Context, identity string, limit int) error
}

// Clock returns the current time. Tests substitute a fake.
type Clock func() time.Time

// SlidingWindow is the in-process limiter. The identity table is bounded; when full, the
// least recently used identity is forgotten.
type SlidingWindow struct {
	window        time.Duration
	maxIdentities int
	now           Clock

	mu      sync.Mutex // guards entries and order
	entries map[string]*list.Element
	order   *list.List
}

type window struct {
	identity string

	mu   sync.Mutex
	hits []time.Time
}

// NewSlidingWindow creates a limiter over the given window. maxIdentities <= 0 means 10000.
func NewSlidingWindow(win time.Duration, maxIdentities int, clock Clock) *SlidingWindow {
	if maxIdentities <= 0 {
		maxIdentities = 10000
	}
	if clock == nil {
		clock = time.Now
	}
	return &SlidingWindow{
		window:        win,
		maxIdentities: maxIdentities,
		now:           clock,
		entries:       make(map[string]*list.Element),
		order:         list.New(),
	}
}

func (l *SlidingWindow) Check(_ context.Context, identity string, limit int) error {
	w := l.lookup(identity)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	kept := w.hits[:0]
	for _, t := range w.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.hits = kept

	if len(w.hits) >= limit {
		retry := l.window
		if len(w.hits) > 0 {
			retry = w.hits[0].Add(l.window).Sub(now)
		}
		return &core.RateLimitError{Identity: identity, Limit: limit, RetryAfter: retry}
	}

	w.hits = append(w.hits, now)
	return nil
}

// lookup returns the window for identity, creating it and evicting the least recently used
// entry when the table is full. The table lock is never held while a window is locked.
func (l *SlidingWindow) lookup(identity string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.entries[identity]; ok {
		l.order.MoveToFront(el)
		return el.Value.(*window)
	}

	for l.order.Len() >= l.maxIdentities {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.entries, oldest.Value.(*window).identity)
	}

	w := &window{identity: identity}
	l.entries[identity] = l.order.PushFront(w)
	return w
}

// Len reports how many identities are tracked.
func (l *SlidingWindow) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

// Gate binds a limiter to a fixed limit and a scope name used in logs and metrics.
type Gate struct {
	Scope   string
	Limiter Limiter
	Limit   int
}

func (g Gate) Check(ctx context.Context, identity string) error {
	return g.Limiter.Check(ctx, g.Scope+":"+identity, g.Limit)
}
