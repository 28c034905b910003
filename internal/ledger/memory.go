package ledger

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	firstSeen time.Time
	outcome   Outcome
}

// Memory is a process-lifetime ledger guarded by a single mutex. The mutex
// makes the check-then-act in Acquire atomic for concurrent live and poll
// callers.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

func key(table, hash string) string {
	return table + "\x00" + hash
}

func (m *Memory) Seen(_ context.Context, table, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key(table, hash)]
	return ok && e.outcome == OutcomeDispatched, nil
}

func (m *Memory) Acquire(_ context.Context, table, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(table, hash)
	if _, ok := m.entries[k]; ok {
		return false, nil
	}
	m.entries[k] = &entry{firstSeen: m.now(), outcome: OutcomePending}
	return true, nil
}

func (m *Memory) Record(_ context.Context, table, hash string, outcome Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(table, hash)
	e, ok := m.entries[k]
	if !ok {
		e = &entry{firstSeen: m.now()}
		m.entries[k] = e
	}
	e.outcome = outcome
	return nil
}

func (m *Memory) Release(_ context.Context, table, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(table, hash)
	if e, ok := m.entries[k]; ok && e.outcome == OutcomePending {
		delete(m.entries, k)
	}
	return nil
}

func (m *Memory) EvictOlderThan(_ context.Context, d time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-d)
	evicted := 0
	for k, e := range m.entries {
		if e.firstSeen.Before(cutoff) {
			delete(m.entries, k)
			evicted++
		}
	}
	return evicted, nil
}

// Len reports the number of tracked pairs.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
