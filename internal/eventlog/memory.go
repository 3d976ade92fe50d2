package eventlog

import (
	"context"
	"sort"
	"sync"

	"github.com/shaket-dev/shaket/internal/domain"
)

// MemoryStore is an in-process Store. Appends are serialized per session;
// different sessions proceed in parallel.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string][]domain.Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string][]domain.Event)}
}

func (s *MemoryStore) Append(_ context.Context, ev domain.Event, expectedSeq int) (domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[ev.SessionID]
	if expectedSeq != len(log) {
		return domain.Event{}, &domain.ConcurrencyConflict{
			SessionID:   ev.SessionID,
			ExpectedSeq: expectedSeq,
			ActualSeq:   len(log),
		}
	}
	ev.Seq = expectedSeq
	s.logs[ev.SessionID] = append(log, ev)
	return ev, nil
}

func (s *MemoryStore) Events(_ context.Context, sessionID string) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[sessionID]
	out := make([]domain.Event, len(log))
	copy(out, log)
	return out, nil
}

func (s *MemoryStore) Sessions(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.logs))
	for id := range s.logs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Close() error { return nil }
