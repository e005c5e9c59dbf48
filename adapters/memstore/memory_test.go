package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clockedMemory returns a store whose clock the test controls through the
// returned setter.
func clockedMemory() (*MemoryStore, func(time.Time)) {
	m := NewMemory()
	current := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return current }
	return m, func(t time.Time) { current = t }
}

func TestMemoryStoreSetGet(t *testing.T) {
	// Set then Get roundtrips; missing keys report ok=false without error.
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "run:1", `{"status":"running"}`, 0))

	v, ok, err := m.Get(ctx, "run:1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"status":"running"}`, v)

	_, ok, err = m.Get(ctx, "run:2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	// Keys disappear once their TTL lapses.
	m, advance := clockedMemory()
	ctx := context.Background()
	start := m.now()

	require.NoError(t, m.Set(ctx, "session", "abc", time.Minute))

	exists, err := m.Exists(ctx, "session")
	require.NoError(t, err)
	assert.True(t, exists)

	advance(start.Add(2 * time.Minute))

	_, ok, err := m.Get(ctx, "session")
	require.NoError(t, err)
	assert.False(t, ok)

	exists, err = m.Exists(ctx, "session")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryStoreSetClearsTTL(t *testing.T) {
	// Re-setting a key without a TTL makes it permanent again.
	m, advance := clockedMemory()
	ctx := context.Background()
	start := m.now()

	require.NoError(t, m.Set(ctx, "k", "v1", time.Minute))
	require.NoError(t, m.Set(ctx, "k", "v2", 0))

	advance(start.Add(time.Hour))

	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestMemoryStoreDelete(t *testing.T) {
	// Delete removes the key; deleting a missing key is a no-op.
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v", 0))
	require.NoError(t, m.Delete(ctx, "k"))

	exists, err := m.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, m.Delete(ctx, "k"))
}

func TestMemoryStoreExpire(t *testing.T) {
	// Expire attaches a TTL to an existing key and deletes it outright for
	// non-positive durations.
	m, advance := clockedMemory()
	ctx := context.Background()
	start := m.now()

	require.NoError(t, m.Set(ctx, "a", "1", 0))
	require.NoError(t, m.Expire(ctx, "a", time.Minute))
	advance(start.Add(2 * time.Minute))

	_, ok, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "b", "2", 0))
	require.NoError(t, m.Expire(ctx, "b", -1))

	exists, err := m.Exists(ctx, "b")
	require.NoError(t, err)
	assert.False(t, exists)

	// Expiring a missing key is a no-op.
	require.NoError(t, m.Expire(ctx, "ghost", time.Minute))
}

func TestMemoryStoreSetReplacesOtherTypes(t *testing.T) {
	// Set overwrites a key regardless of its previous container type.
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.RPush(ctx, "k", "item"))
	require.NoError(t, m.Set(ctx, "k", "text", 0))

	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "text", v)

	_, err = m.LLen(ctx, "k")
	assert.ErrorIs(t, err, ErrWrongType)
}

func TestMemoryStoreWrongTypeErrors(t *testing.T) {
	// Container operations against a key of another type fail like Redis.
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "s", "v", 0))
	assert.ErrorIs(t, m.RPush(ctx, "s", "x"), ErrWrongType)
	assert.ErrorIs(t, m.HSet(ctx, "s", "f", "x"), ErrWrongType)

	require.NoError(t, m.RPush(ctx, "l", "x"))
	_, _, err := m.Get(ctx, "l")
	assert.ErrorIs(t, err, ErrWrongType)
	_, err = m.HGetAll(ctx, "l")
	assert.ErrorIs(t, err, ErrWrongType)
}

func TestMemoryStoreListOps(t *testing.T) {
	// RPush appends in order and LRange honors Redis index semantics.
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.RPush(ctx, "events", "a", "b", "c"))
	require.NoError(t, m.RPush(ctx, "events", "d", "e"))

	n, err := m.LLen(ctx, "events")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	all, err := m.LRange(ctx, "events", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, all)

	mid, err := m.LRange(ctx, "events", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, mid)

	tail, err := m.LRange(ctx, "events", -2, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "e"}, tail)

	empty, err := m.LRange(ctx, "events", 10, 20)
	require.NoError(t, err)
	assert.Empty(t, empty)

	none, err := m.LRange(ctx, "missing", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStoreLTrim(t *testing.T) {
	// LTrim keeps the inclusive window and drops the key when it is empty.
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.RPush(ctx, "l", "a", "b", "c", "d", "e"))
	require.NoError(t, m.LTrim(ctx, "l", 1, 3))

	kept, err := m.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "d"}, kept)

	require.NoError(t, m.LTrim(ctx, "l", 5, 10))
	exists, err := m.Exists(ctx, "l")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryStoreHashOps(t *testing.T) {
	// Hash fields set, read, and delete independently; removing the last
	// field removes the key.
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.HSet(ctx, "run:1", "status", "running"))
	require.NoError(t, m.HSet(ctx, "run:1", "stage", "exploration"))

	v, ok, err := m.HGet(ctx, "run:1", "status")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "running", v)

	_, ok, err = m.HGet(ctx, "run:1", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	fields, err := m.HGetAll(ctx, "run:1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"status": "running", "stage": "exploration"}, fields)

	// The returned map is a copy.
	fields["status"] = "mutated"
	v, _, err = m.HGet(ctx, "run:1", "status")
	require.NoError(t, err)
	assert.Equal(t, "running", v)

	require.NoError(t, m.HDel(ctx, "run:1", "stage"))
	require.NoError(t, m.HDel(ctx, "run:1", "status"))

	exists, err := m.Exists(ctx, "run:1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryStoreKeys(t *testing.T) {
	// Keys filters by glob pattern and skips expired entries.
	m, advance := clockedMemory()
	ctx := context.Background()
	start := m.now()

	require.NoError(t, m.Set(ctx, "run:1", "a", 0))
	require.NoError(t, m.Set(ctx, "run:2", "b", 0))
	require.NoError(t, m.Set(ctx, "plan:1", "c", 0))
	require.NoError(t, m.Set(ctx, "run:tmp", "d", time.Minute))

	advance(start.Add(2 * time.Minute))

	keys, err := m.Keys(ctx, "run:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"run:1", "run:2"}, keys)

	all, err := m.Keys(ctx, "*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"run:1", "run:2", "plan:1"}, all)

	_, err = m.Keys(ctx, "[")
	assert.Error(t, err)
}

func TestClampRange(t *testing.T) {
	// Inclusive Redis list windows, with negative indices from the tail.
	tests := []struct {
		name        string
		start, stop int64
		n           int64
		lo, hi      int64
		ok          bool
	}{
		{"full range", 0, -1, 5, 0, 4, true},
		{"middle", 1, 2, 5, 1, 2, true},
		{"negative tail", -2, -1, 5, 3, 4, true},
		{"start past end", 5, 10, 5, 0, 0, false},
		{"inverted", 3, 1, 5, 0, 0, false},
		{"empty list", 0, -1, 0, 0, 0, false},
		{"deep negative", -10, -6, 5, 0, 0, false},
		{"clamped low and high", -10, 10, 5, 0, 4, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lo, hi, ok := clampRange(tt.start, tt.stop, tt.n)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.lo, lo)
				assert.Equal(t, tt.hi, hi)
			}
		})
	}
}
