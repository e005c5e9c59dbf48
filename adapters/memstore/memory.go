package memstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"
)

// ErrWrongType is reported by MemoryStore when an operation targets a key
// holding a different kind of value, mirroring the Redis WRONGTYPE reply.
var ErrWrongType = errors.New("wrong type for key")

// MemoryStore keeps sessions in process memory. It honors the same
// semantics as the Redis store, including per-key TTLs and type conflicts,
// so code exercised against it behaves the same in production.
type MemoryStore struct {
	mu      sync.Mutex
	strings map[string]string
	lists   map[string][]string
	hashes  map[string]map[string]string
	expiry  map[string]time.Time

	now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]string),
		lists:   make(map[string][]string),
		hashes:  make(map[string]map[string]string),
		expiry:  make(map[string]time.Time),
		now:     time.Now,
	}
}

// purge removes the key if its TTL has lapsed. Callers hold mu.
func (m *MemoryStore) purge(key string) {
	deadline, ok := m.expiry[key]
	if !ok || m.now().Before(deadline) {
		return
	}
	m.removeKey(key)
}

// removeKey drops the key from every container. Callers hold mu.
func (m *MemoryStore) removeKey(key string) {
	delete(m.strings, key)
	delete(m.lists, key)
	delete(m.hashes, key)
	delete(m.expiry, key)
}

func wrongType(key string) error {
	return fmt.Errorf("%w: %s", ErrWrongType, key)
}

// =============================================================================
// String Operations
// =============================================================================

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)

	if _, ok := m.lists[key]; ok {
		return "", false, wrongType(key)
	}
	if _, ok := m.hashes[key]; ok {
		return "", false, wrongType(key)
	}
	v, ok := m.strings[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// SET replaces the key regardless of its previous type.
	m.removeKey(key)
	m.strings[key] = value
	if ttl > 0 {
		m.expiry[key] = m.now().Add(ttl)
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeKey(key)
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)

	if _, ok := m.strings[key]; ok {
		return true, nil
	}
	if _, ok := m.lists[key]; ok {
		return true, nil
	}
	_, ok := m.hashes[key]
	return ok, nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)

	if !m.holdsKey(key) {
		return nil
	}
	if ttl <= 0 {
		m.removeKey(key)
		return nil
	}
	m.expiry[key] = m.now().Add(ttl)
	return nil
}

// holdsKey reports whether any container has the key. Callers hold mu.
func (m *MemoryStore) holdsKey(key string) bool {
	if _, ok := m.strings[key]; ok {
		return true
	}
	if _, ok := m.lists[key]; ok {
		return true
	}
	_, ok := m.hashes[key]
	return ok
}

// =============================================================================
// List Operations
// =============================================================================

func (m *MemoryStore) RPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)

	if _, ok := m.strings[key]; ok {
		return wrongType(key)
	}
	if _, ok := m.hashes[key]; ok {
		return wrongType(key)
	}
	m.lists[key] = append(m.lists[key], values...)
	return nil
}

func (m *MemoryStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)

	if _, ok := m.strings[key]; ok {
		return nil, wrongType(key)
	}
	if _, ok := m.hashes[key]; ok {
		return nil, wrongType(key)
	}
	items := m.lists[key]
	lo, hi, ok := clampRange(start, stop, int64(len(items)))
	if !ok {
		return []string{}, nil
	}
	out := make([]string, hi-lo+1)
	copy(out, items[lo:hi+1])
	return out, nil
}

func (m *MemoryStore) LLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)

	if _, ok := m.strings[key]; ok {
		return 0, wrongType(key)
	}
	if _, ok := m.hashes[key]; ok {
		return 0, wrongType(key)
	}
	return int64(len(m.lists[key])), nil
}

func (m *MemoryStore) LTrim(_ context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)

	if _, ok := m.strings[key]; ok {
		return wrongType(key)
	}
	if _, ok := m.hashes[key]; ok {
		return wrongType(key)
	}
	items, ok := m.lists[key]
	if !ok {
		return nil
	}
	lo, hi, inRange := clampRange(start, stop, int64(len(items)))
	if !inRange {
		m.removeKey(key)
		return nil
	}
	m.lists[key] = items[lo : hi+1]
	return nil
}

// clampRange resolves Redis-style inclusive list indices, where negative
// values count from the tail. The third return is false when the window is
// empty.
func clampRange(start, stop, n int64) (int64, int64, bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n || stop < 0 {
		return 0, 0, false
	}
	return start, stop, true
}

// =============================================================================
// Hash Operations
// =============================================================================

func (m *MemoryStore) HSet(_ context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)

	if _, ok := m.strings[key]; ok {
		return wrongType(key)
	}
	if _, ok := m.lists[key]; ok {
		return wrongType(key)
	}
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (m *MemoryStore) HGet(_ context.Context, key, field string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)

	if _, ok := m.strings[key]; ok {
		return "", false, wrongType(key)
	}
	if _, ok := m.lists[key]; ok {
		return "", false, wrongType(key)
	}
	v, ok := m.hashes[key][field]
	return v, ok, nil
}

func (m *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)

	if _, ok := m.strings[key]; ok {
		return nil, wrongType(key)
	}
	if _, ok := m.lists[key]; ok {
		return nil, wrongType(key)
	}
	out := make(map[string]string, len(m.hashes[key]))
	for f, v := range m.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (m *MemoryStore) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)

	if _, ok := m.strings[key]; ok {
		return wrongType(key)
	}
	if _, ok := m.lists[key]; ok {
		return wrongType(key)
	}
	h, ok := m.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		m.removeKey(key)
	}
	return nil
}

// =============================================================================
// Scanning and Lifecycle
// =============================================================================

func (m *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for key := range m.allKeys() {
		m.purge(key)
		if !m.holdsKey(key) {
			continue
		}
		matched, err := path.Match(pattern, key)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		if matched {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// allKeys snapshots every live key so purge can mutate maps during iteration.
// Callers hold mu.
func (m *MemoryStore) allKeys() map[string]struct{} {
	keys := make(map[string]struct{}, len(m.strings)+len(m.lists)+len(m.hashes))
	for k := range m.strings {
		keys[k] = struct{}{}
	}
	for k := range m.lists {
		keys[k] = struct{}{}
	}
	for k := range m.hashes {
		keys[k] = struct{}{}
	}
	return keys
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
