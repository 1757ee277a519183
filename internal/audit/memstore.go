package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for embedding without a database and
// for tests. Archived entries stay retrievable via Archived.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  []*Entry
	archived []*Entry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, entries []*Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, ErrEntryNotFound
}

func (m *MemoryStore) Query(_ context.Context, filter Filter) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Entry
	for _, e := range m.entries {
		if matches(e, filter) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Archive(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*Entry
	count := 0
	for _, e := range m.entries {
		if e.Timestamp.Before(before) {
			m.archived = append(m.archived, e)
			count++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return count, nil
}

// Archived returns entries moved out of the active log.
func (m *MemoryStore) Archived() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Entry, len(m.archived))
	copy(out, m.archived)
	return out
}

func matches(e *Entry, f Filter) bool {
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Resource != "" && e.Resource != f.Resource {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.RiskLevel != "" && e.Security.RiskLevel != f.RiskLevel {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}
