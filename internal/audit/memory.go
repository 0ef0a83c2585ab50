package audit

import (
	"context"
	"sync"
)

// MemoryStore keeps audit records in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	events    []EventRecord
	conflicts []Conflict
}

func (s *MemoryStore) InsertEvent(_ context.Context, rec EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, rec)
	return nil
}

func (s *MemoryStore) InsertConflict(_ context.Context, c Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = append(s.conflicts, c)
	return nil
}

// ListEvents returns matching events newest first.
func (s *MemoryStore) ListEvents(_ context.Context, f EventFilter) ([]EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []EventRecord
	for i := len(s.events) - 1; i >= 0; i-- {
		rec := s.events[i]
		if f.OrderRef != "" && rec.OrderRef != f.OrderRef {
			continue
		}
		if f.ProviderPaymentID != "" && rec.ProviderPaymentID != f.ProviderPaymentID {
			continue
		}
		out = append(out, rec)
	}
	return page(out, f.Limit, f.Offset), nil
}

// ListConflicts returns conflicts newest first.
func (s *MemoryStore) ListConflicts(_ context.Context, limit, offset int) ([]Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conflict, 0, len(s.conflicts))
	for i := len(s.conflicts) - 1; i >= 0; i-- {
		out = append(out, s.conflicts[i])
	}
	return page(out, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
