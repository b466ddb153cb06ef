package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MemoryStore is an in-process Store. Sessions are lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session), now: time.Now}
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if !s.Expired(m.now()) {
		return s.clone(), nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// A Save may have replaced the session after the read lock was released.
	cur, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	if cur.Expired(m.now()) {
		delete(m.sessions, id)
		return nil, nil
	}
	return cur.clone(), nil
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	m.sessions[s.ID] = s.clone()
	m.mu.Unlock()
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

// Cleanup implements Store.
func (m *MemoryStore) Cleanup(_ context.Context) error {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, id)
		}
	}
	return nil
}

// Len returns the number of stored sessions, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// StartCleanup runs store.Cleanup every interval until ctx is cancelled.
func StartCleanup(ctx context.Context, store Store, interval time.Duration, logger zerolog.Logger) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := store.Cleanup(ctx); err != nil {
					logger.Warn().Err(err).Msg("session cleanup failed")
				}
			}
		}
	}()
}
