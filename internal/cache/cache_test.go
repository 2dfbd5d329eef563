package cache

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPut(t *testing.T) {
	c := New(Config{MaxEntries: 10}, nil, nil)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Put("fp1", "distributions", json.RawMessage(`{"mean":1.5}`))
	got, ok := c.Get("fp1")
	require.True(t, ok)
	assert.JSONEq(t, `{"mean":1.5}`, string(got))
	assert.Equal(t, 1, c.Len())
}

func TestPutOverwrites(t *testing.T) {
	c := New(Config{}, nil, nil)
	c.Put("fp1", "distributions", json.RawMessage(`{"v":1}`))
	c.Put("fp1", "distributions", json.RawMessage(`{"v":2}`))

	got, ok := c.Get("fp1")
	require.True(t, ok)
	assert.JSONEq(t, `{"v":2}`, string(got))
	assert.Equal(t, 1, c.Len())
}

func TestLRUEvictionByEntries(t *testing.T) {
	c := New(Config{MaxEntries: 3}, nil, nil)
	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("fp%d", i), "pca", json.RawMessage(`{}`))
	}

	// Touch fp0 so fp1 becomes least recently used.
	_, ok := c.Get("fp0")
	require.True(t, ok)

	c.Put("fp3", "pca", json.RawMessage(`{}`))

	_, ok = c.Get("fp1")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = c.Get("fp0")
	assert.True(t, ok)
	assert.Equal(t, 3, c.Len())
}

func TestEvictionByBytes(t *testing.T) {
	c := New(Config{MaxBytes: 100}, nil, nil)
	big := json.RawMessage(fmt.Sprintf(`{"pad":%q}`, string(make([]byte, 60))))

	c.Put("fp1", "pca", big)
	c.Put("fp2", "pca", big)

	assert.Equal(t, 1, c.Len())
	assert.LessOrEqual(t, c.Bytes(), int64(100))
	_, ok := c.Get("fp2")
	assert.True(t, ok, "newest entry survives byte eviction")
}

func TestRefcountBlocksEviction(t *testing.T) {
	c := New(Config{MaxEntries: 2}, nil, nil)
	c.Put("pinned", "doe", json.RawMessage(`{}`))
	c.Acquire("pinned")

	c.Put("fp1", "doe", json.RawMessage(`{}`))
	c.Put("fp2", "doe", json.RawMessage(`{}`))

	_, ok := c.Get("pinned")
	assert.True(t, ok, "pinned entry must not be evicted")

	c.Release("pinned")
	c.Put("fp3", "doe", json.RawMessage(`{}`))
	c.Put("fp4", "doe", json.RawMessage(`{}`))

	_, ok = c.Get("pinned")
	assert.False(t, ok, "released entry becomes evictable")
}

func TestInvalidateIgnoresPin(t *testing.T) {
	c := New(Config{}, nil, nil)
	c.Put("fp1", "intervals", json.RawMessage(`{}`))
	c.Acquire("fp1")

	c.Invalidate("fp1")
	_, ok := c.Get("fp1")
	assert.False(t, ok, "explicit invalidation overrides pinning")
}

func TestInvalidateAllByCapability(t *testing.T) {
	c := New(Config{}, nil, nil)
	c.Put("fp1", "distributions", json.RawMessage(`{}`))
	c.Put("fp2", "distributions", json.RawMessage(`{}`))
	c.Put("fp3", "pca", json.RawMessage(`{}`))

	removed := c.InvalidateAll("distributions")
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("fp3")
	assert.True(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	c := New(Config{TTL: 10 * time.Millisecond}, nil, nil)
	c.Put("fp1", "qualitycontrol", json.RawMessage(`{}`))

	_, ok := c.Get("fp1")
	require.True(t, ok)

	time.Sleep(25 * time.Millisecond)
	_, ok = c.Get("fp1")
	assert.False(t, ok, "entry past TTL is dropped on access")
}

func TestWriteThroughAndWarmLoad(t *testing.T) {
	store, err := OpenStore(StoreConfig{InMemory: true}, nil)
	require.NoError(t, err)
	defer store.Close()

	c := New(Config{}, store, nil)
	c.Put("fp1", "distributions", json.RawMessage(`{"q":0.95}`))
	c.Put("fp2", "pca", json.RawMessage(`{"components":3}`))
	c.Invalidate("fp2")

	// A fresh cache over the same store sees only what survived.
	c2 := New(Config{}, store, nil)
	loaded, err := c2.WarmLoad()
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)

	got, ok := c2.Get("fp1")
	require.True(t, ok)
	assert.JSONEq(t, `{"q":0.95}`, string(got))
	_, ok = c2.Get("fp2")
	assert.False(t, ok)
}

func TestStoreScanSkipsCorrupt(t *testing.T) {
	store, err := OpenStore(StoreConfig{InMemory: true}, nil)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(Entry{Fingerprint: "good", Capability: "pca", Result: json.RawMessage(`{}`)}))

	count := 0
	require.NoError(t, store.Scan(func(Entry) { count++ }))
	assert.Equal(t, 1, count)
}
