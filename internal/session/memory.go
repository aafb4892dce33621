package session

import (
	"context"
	"sync"
	"time"
)

var (
	_ Store           = (*MemoryStore)(nil)
	_ RefreshLogStore = (*MemoryStore)(nil)
	_ Rotator         = (*MemoryStore)(nil)
)

// MemoryStore keeps sessions and refresh logs in process memory. It backs tests
// and the "memory" store driver.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	logs     []RefreshLog
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (m *MemoryStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.Authorization = append([]byte(nil), s.Authorization...)
	m.sessions[s.ID] = cp
	return nil
}

func (m *MemoryStore) FindByID(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.Authorization = append([]byte(nil), s.Authorization...)
	return &s, nil
}

func (m *MemoryStore) UpdateLastRefreshedAt(ctx context.Context, id string, expectedPrev, next time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.swapLocked(id, expectedPrev, next)
}

func (m *MemoryStore) SetRevoked(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Revoked = true
	m.sessions[id] = s
	return nil
}

func (m *MemoryStore) Append(ctx context.Context, entry *RefreshLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, *entry)
	return nil
}

func (m *MemoryStore) Rotate(ctx context.Context, id string, expectedPrev, next time.Time, entry *RefreshLog) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ok, err := m.swapLocked(id, expectedPrev, next)
	if err != nil || !ok {
		return ok, err
	}
	m.logs = append(m.logs, *entry)
	return true, nil
}

// Logs returns a copy of the refresh log.
func (m *MemoryStore) Logs() []RefreshLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RefreshLog(nil), m.logs...)
}

func (m *MemoryStore) swapLocked(id string, expectedPrev, next time.Time) (bool, error) {
	s, ok := m.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if !s.LastRefreshedAt.Equal(expectedPrev) {
		return false, nil
	}
	s.LastRefreshedAt = next
	m.sessions[id] = s
	return true, nil
}
