package audit

import (
	"context"
	"sync"
	"time"
)

// DefaultCapacity is the ring size used when NewMemory gets zero.
const DefaultCapacity = 1000

// Memory keeps the most recent events in a fixed-size ring.
type Memory struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
	now    func() time.Time
}

// NewMemory creates a ring holding up to capacity events.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{events: make([]Event, capacity), now: time.Now}
}

// Record implements Log. The oldest event is overwritten once the ring is full.
func (m *Memory) Record(_ context.Context, e Event) error {
	if e.Time.IsZero() {
		e.Time = m.now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[m.next] = e
	m.next = (m.next + 1) % len(m.events)
	if m.next == 0 {
		m.full = true
	}
	return nil
}

// Recent returns up to limit of a tenant's events, oldest first. An empty
// incidentID matches every incident. limit <= 0 returns all matches.
func (m *Memory) Recent(tenantID, incidentID string, limit int) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.next
	start := 0
	if m.full {
		n = len(m.events)
		start = m.next
	}
	var out []Event
	for i := range n {
		e := m.events[(start+i)%len(m.events)]
		if e.TenantID != tenantID {
			continue
		}
		if incidentID != "" && e.IncidentID != incidentID {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
