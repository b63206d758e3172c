package memory

import (
	"context"
	"sync"

	"quiz-arena-service/internal/domain"
)

// HistoryStore keeps completed-game entries in memory, deduped on
// (SessionID, UserID).
type HistoryStore struct {
	mu      sync.RWMutex
	entries map[historyKey]domain.HistoryEntry
}

type historyKey struct {
	sessionID string
	userID    string
}

func NewHistoryStore() *HistoryStore {
	return &HistoryStore{entries: make(map[historyKey]domain.HistoryEntry)}
}

func (s *HistoryStore) Append(_ context.Context, entry domain.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := historyKey{sessionID: entry.SessionID, userID: entry.UserID}
	if _, ok := s.entries[key]; ok {
		return nil
	}
	s.entries[key] = entry
	return nil
}

func (s *HistoryStore) ListByUser(_ context.Context, userID string) ([]domain.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.HistoryEntry
	for key, entry := range s.entries {
		if key.userID == userID {
			out = append(out, entry)
		}
	}
	return out, nil
}
