package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sweepThreshold is the map size at which expired windows are pruned when a
// new window opens.
const sweepThreshold = 1024

type window struct {
	count   int
	resetAt time.Time
}

// Memory is an in-process fixed-window limiter. All keys share one map
// guarded by a mutex.
type Memory struct {
	mu      sync.Mutex
	policy  Policy
	windows map[string]*window
	global  *rate.Limiter

	now func() time.Time
}

// MemoryOption configures a Memory limiter.
type MemoryOption func(*Memory)

// WithGlobalRate caps admissions across all keys with a token bucket of rps
// and burst. Zero rps disables the cap.
func WithGlobalRate(rps float64, burst int) MemoryOption {
	return func(m *Memory) {
		if rps <= 0 {
			return
		}
		if burst <= 0 {
			burst = int(rps) * 2
		}
		if burst < 1 {
			burst = 1
		}
		m.global = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory returns a limiter enforcing p per key.
func NewMemory(p Policy, opts ...MemoryOption) *Memory {
	m := &Memory{
		policy:  p.withDefaults(),
		windows: make(map[string]*window),
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Policy returns the effective per-key budget.
func (m *Memory) Policy() Policy { return m.policy }

// Allow implements Limiter. The first admission for a key, or the first after
// its window expired, opens a new window with count 1. A rejected request
// does not consume budget.
func (m *Memory) Allow(_ context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[key]
	if !ok || now.After(w.resetAt) {
		if !m.globalAllow(now) {
			return false
		}
		if !ok && len(m.windows) >= sweepThreshold {
			m.sweep(now)
		}
		m.windows[key] = &window{count: 1, resetAt: now.Add(m.policy.Window)}
		return true
	}
	if w.count >= m.policy.Limit {
		return false
	}
	if !m.globalAllow(now) {
		return false
	}
	w.count++
	return true
}

func (m *Memory) globalAllow(now time.Time) bool {
	return m.global == nil || m.global.AllowN(now, 1)
}

func (m *Memory) sweep(now time.Time) {
	for k, w := range m.windows {
		if now.After(w.resetAt) {
			delete(m.windows, k)
		}
	}
}

// Len returns the number of tracked windows, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}
