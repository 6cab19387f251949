package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/ashureev/review-bridge/internal/domain"
)

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	opts     Options
}

// NewMemory creates an in-memory SessionStore.
func NewMemory(opts Options) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*domain.Session),
		opts:     opts.withDefaults(),
	}
}

// Put stores a copy of s.
func (m *MemoryStore) Put(_ context.Context, s *domain.Session) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("put session: missing id")
	}
	c := s.Clone()
	c.ExpiresAt = m.opts.Now().Add(m.opts.TTL)

	m.mu.Lock()
	m.sessions[c.ID] = c
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the live session with the given id.
func (m *MemoryStore) Get(_ context.Context, id string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok || !m.opts.Now().Before(s.ExpiresAt) {
		return nil, domain.ErrNotFound
	}
	return s.Clone(), nil
}

// Update runs fn against a copy under the write lock and swaps it in on success.
func (m *MemoryStore) Update(_ context.Context, id string, fn func(*domain.Session) error) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[id]
	now := m.opts.Now()
	if !ok || !now.Before(cur.ExpiresAt) {
		return nil, domain.ErrNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = id
	next.ExpiresAt = now.Add(m.opts.TTL)
	m.sessions[id] = next
	return next.Clone(), nil
}

// Delete removes the session if present.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

// DeleteExpired drops sessions past their deadline.
func (m *MemoryStore) DeleteExpired(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.Now()
	var n int64
	for id, s := range m.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
