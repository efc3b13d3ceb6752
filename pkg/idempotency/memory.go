package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryBackend keeps inbox entries in a map. It suits tests and
// single-process runs without a database.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]*InboxEntry
	now     func() time.Time
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]*InboxEntry), now: time.Now}
}

// Get implements Backend
func (m *MemoryBackend) Get(ctx context.Context, key string) (*InboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

// Start implements Backend
func (m *MemoryBackend) Start(ctx context.Context, key, handlerName string, payload json.RawMessage, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.entries[key]; ok {
		if e.Status != StatusRecoverable {
			return ErrDuplicateMessage
		}
		e.Status = StatusStarted
		e.UpdatedAt = now
		return nil
	}
	m.entries[key] = &InboxEntry{
		IdempotencyKey: key,
		HandlerName:    handlerName,
		Status:         StatusStarted,
		Payload:        payload,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      &expiresAt,
	}
	return nil
}

// Mark implements Backend
func (m *MemoryBackend) Mark(ctx context.Context, key string, status Status, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	e.Status = status
	if result != nil {
		e.Result = result
	}
	e.UpdatedAt = m.now()
	return nil
}

// DeleteExpired implements Backend
func (m *MemoryBackend) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, e := range m.entries {
		if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored entries
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
