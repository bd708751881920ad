package audit

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps entries in process memory, ordered by ID.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	index   map[uint64]struct{}
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{index: make(map[uint64]struct{})}
}

func (m *MemoryStore) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.index[e.ID]; ok {
		return nil
	}
	m.index[e.ID] = struct{}{}
	e.Details = cloneDetails(e.Details)
	n := len(m.entries)
	if n == 0 || m.entries[n-1].ID < e.ID {
		m.entries = append(m.entries, e)
		return nil
	}
	i := sort.Search(n, func(i int) bool { return m.entries[i].ID > e.ID })
	m.entries = append(m.entries, Entry{})
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = e
	return nil
}

func (m *MemoryStore) Scan(_ context.Context, f Filter, after uint64, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].ID > after })
	var out []Entry
	for _, e := range m.entries[start:] {
		if limit > 0 && len(out) >= limit {
			break
		}
		if f.Match(e) {
			e.Details = cloneDetails(e.Details)
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) LastSequence(context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return 0, nil
	}
	return m.entries[len(m.entries)-1].ID, nil
}

// Len returns the number of stored entries.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
