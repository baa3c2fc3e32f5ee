package store

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value     string
	expiresAt time.Time
}

// Memory implements Store using local memory. Expired entries are removed
// lazily on access. It is intended for tests and single-process setups.
type Memory struct {
	mu    sync.Mutex
	items map[string]entry
}

// NewMemory returns a new in-memory store.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]entry)}
}

// live returns the entry for key if present and not expired. Expired entries
// are dropped. Callers must hold m.mu.
func (m *Memory) live(key string) (entry, bool) {
	it, ok := m.items[key]
	if !ok {
		return entry{}, false
	}
	if !it.expiresAt.IsZero() && time.Now().After(it.expiresAt) {
		delete(m.items, key)
		return entry{}, false
	}
	return it, true
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

// SetNX implements Store.SetNX.
func (m *Memory) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.items[key] = entry{value: value, expiresAt: expiry(ttl)}
	return true, nil
}

// Get implements Store.Get.
func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.live(key)
	if !ok {
		return "", false, nil
	}
	return it.value, true, nil
}

// Set implements Store.Set.
func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = entry{value: value, expiresAt: expiry(ttl)}
	return nil
}

// TTL implements Store.TTL.
func (m *Memory) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.live(key)
	if !ok {
		return -2 * time.Millisecond, nil
	}
	if it.expiresAt.IsZero() {
		return -1 * time.Millisecond, nil
	}
	return time.Until(it.expiresAt), nil
}

// Delete implements Store.Delete.
func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// CompareAndDelete implements Store.CompareAndDelete.
func (m *Memory) CompareAndDelete(ctx context.Context, key, owner string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.live(key)
	if !ok || it.value != owner {
		return false, nil
	}
	delete(m.items, key)
	return true, nil
}

// CompareAndExpire implements Store.CompareAndExpire.
func (m *Memory) CompareAndExpire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.live(key)
	if !ok || it.value != owner {
		return false, nil
	}
	it.expiresAt = expiry(ttl)
	m.items[key] = it
	return true, nil
}
