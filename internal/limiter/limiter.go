// Package limiter enforces per-key fixed-window request caps.
package limiter

import (
	"context"
	"sync"
	"time"
)

// Result carries what a caller needs to build X-RateLimit-* headers.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter checks and counts one request for key against limit. A limit of
// zero or less denies every request.
type Limiter interface {
	Check(ctx context.Context, key string, limit int) (Result, error)
}

type entry struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
	evicted bool
}

// Memory is a per-process limiter. Counts are not shared between instances.
type Memory struct {
	window  time.Duration
	entries sync.Map
	now     func() time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

type MemoryOption func(*Memory)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory starts a janitor that purges expired windows every
// cleanupInterval. Pass 0 to disable it and call Sweep manually.
func NewMemory(window, cleanupInterval time.Duration, opts ...MemoryOption) *Memory {
	if window <= 0 {
		window = time.Minute
	}
	m := &Memory{window: window, now: time.Now, stop: make(chan struct{}), done: make(chan struct{})}
	for _, opt := range opts {
		opt(m)
	}
	if cleanupInterval > 0 {
		go m.janitor(cleanupInterval)
	} else {
		close(m.done)
	}
	return m
}

func (m *Memory) Check(_ context.Context, key string, limit int) (Result, error) {
	for {
		v, _ := m.entries.LoadOrStore(key, &entry{})
		e := v.(*entry)
		e.mu.Lock()
		if e.evicted {
			// Lost a race with Sweep; the next LoadOrStore creates a fresh entry.
			e.mu.Unlock()
			continue
		}
		now := m.now()
		if e.resetAt.IsZero() || !now.Before(e.resetAt) {
			e.count = 0
			e.resetAt = now.Add(m.window)
		}
		res := Result{Limit: limit, ResetAt: e.resetAt}
		if limit > 0 && e.count < limit {
			e.count++
			res.Allowed = true
			res.Remaining = limit - e.count
		}
		e.mu.Unlock()
		return res, nil
	}
}

// Sweep removes entries whose window has ended and returns how many it
// removed. Entries locked by an in-flight Check are skipped.
func (m *Memory) Sweep() int {
	now := m.now()
	removed := 0
	m.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		if !e.mu.TryLock() {
			return true
		}
		if !now.Before(e.resetAt) {
			e.evicted = true
			m.entries.CompareAndDelete(k, e)
			removed++
		}
		e.mu.Unlock()
		return true
	})
	return removed
}

// Len counts tracked keys.
func (m *Memory) Len() int {
	n := 0
	m.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (m *Memory) janitor(interval time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stop:
			return
		}
	}
}

// Stop halts the janitor. It is safe to call more than once.
func (m *Memory) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}
