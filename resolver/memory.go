package resolver

import (
	"context"
	"time"

	"github.com/anacrolix/sync"
)

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// Memory is a process-local Resolver. Multiple orchestrators in one process can share one to
// exchange descriptors without a network.
type Memory struct {
	// Defaults to time.Now.
	Now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

var _ Resolver = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Memory) Put(ctx context.Context, key, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string]memoryEntry)
	}
	m.entries[string(key)] = memoryEntry{
		value:   append([]byte(nil), value...),
		expires: m.now().Add(ttl),
	}
	return nil
}

func (m *Memory) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	if !m.now().Before(e.expires) {
		delete(m.entries, string(key))
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Len returns the number of stored entries, including any expired ones not yet observed.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
