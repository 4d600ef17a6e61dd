package artifacts

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgesight/forgesight/internal/mlmodel"
)

// fakeStore serves canned modtimes and counts nothing; the loader tracks calls.
type fakeStore struct {
	mu       sync.Mutex
	modTimes map[string]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{modTimes: make(map[string]time.Time)}
}

func (s *fakeStore) Persist(_ []byte, _ mlmodel.Family, _ mlmodel.SemVer) (string, error) {
	return "", nil
}

func (s *fakeStore) Load(_ string) ([]byte, error) { return nil, nil }

func (s *fakeStore) ModTime(handle string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mt, ok := s.modTimes[handle]; ok {
		return mt, nil
	}

	return time.Time{}, ErrArtifactNotFound
}

func (s *fakeStore) setModTime(handle string, mt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modTimes[handle] = mt
}

// countingLoader returns the handle itself as the "model" and counts loads.
type countingLoader struct {
	mu    sync.Mutex
	calls int
}

func (l *countingLoader) load(handle string) (any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++

	return "model:" + handle, nil
}

func (l *countingLoader) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.calls
}

// testClock is a settable clock for TTL tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newCacheFixture(t *testing.T, opts ...CacheOption) (*ModelCache, *fakeStore, *countingLoader, *testClock) {
	t.Helper()

	store := newFakeStore()
	loader := &countingLoader{}
	clock := &testClock{now: time.Date(2026, time.August, 1, 12, 0, 0, 0, time.UTC)}

	opts = append([]CacheOption{WithClock(clock.Now)}, opts...)
	c := NewModelCache(store, loader.load, opts...)
	t.Cleanup(c.Close)

	return c, store, loader, clock
}

func TestModelCache_LoadsOnceAndCaches(t *testing.T) {
	c, store, loader, _ := newCacheFixture(t)
	store.setModTime("h1", time.Unix(100, 0))

	got, err := c.Get("h1")
	require.NoError(t, err)
	assert.Equal(t, "model:h1", got)

	got, err = c.Get("h1")
	require.NoError(t, err)
	assert.Equal(t, "model:h1", got)

	assert.Equal(t, 1, loader.count())
	assert.Equal(t, 1, c.Len())
}

func TestModelCache_MissingArtifact(t *testing.T) {
	c, _, _, _ := newCacheFixture(t)

	_, err := c.Get("absent")
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestModelCache_SlidingTTLExpiry(t *testing.T) {
	c, store, loader, clock := newCacheFixture(t, WithTTLs(24*time.Hour, time.Hour))
	store.setModTime("h1", time.Unix(100, 0))

	_, err := c.Get("h1")
	require.NoError(t, err)

	// Within the sliding window the entry survives and refreshes.
	clock.Advance(30 * time.Minute)
	_, err = c.Get("h1")
	require.NoError(t, err)
	assert.Equal(t, 1, loader.count())

	// Past the sliding window the entry is evicted and reloaded.
	clock.Advance(2 * time.Hour)
	_, err = c.Get("h1")
	require.NoError(t, err)
	assert.Equal(t, 2, loader.count())
}

func TestModelCache_AbsoluteTTLExpiry(t *testing.T) {
	c, store, loader, clock := newCacheFixture(t, WithTTLs(2*time.Hour, 24*time.Hour))
	store.setModTime("h1", time.Unix(100, 0))

	_, err := c.Get("h1")
	require.NoError(t, err)

	// Repeated access cannot keep an entry alive past the absolute TTL.
	for range 3 {
		clock.Advance(time.Hour)

		_, err = c.Get("h1")
		require.NoError(t, err)
	}

	assert.Equal(t, 2, loader.count())
}

func TestModelCache_ReplacedArtifactReloads(t *testing.T) {
	c, store, loader, _ := newCacheFixture(t)
	store.setModTime("h1", time.Unix(100, 0))

	_, err := c.Get("h1")
	require.NoError(t, err)

	// Replacing the artifact bumps its modtime; the cached entry must not be served.
	store.setModTime("h1", time.Unix(200, 0))

	_, err = c.Get("h1")
	require.NoError(t, err)
	assert.Equal(t, 2, loader.count())
}

func TestModelCache_CapacityEvictsLRU(t *testing.T) {
	evicted := make(chan string, 8)

	c, store, loader, _ := newCacheFixture(t,
		WithCapacity(2),
		WithEvictionCallback(func(key string, reason EvictionReason) {
			if reason == EvictCapacity {
				evicted <- key
			}
		}),
	)

	for _, h := range []string{"h1", "h2", "h3"} {
		store.setModTime(h, time.Unix(100, 0))
	}

	_, err := c.Get("h1")
	require.NoError(t, err)
	_, err = c.Get("h2")
	require.NoError(t, err)

	// Touch h1 so h2 becomes least recently used.
	_, err = c.Get("h1")
	require.NoError(t, err)

	_, err = c.Get("h3")
	require.NoError(t, err)

	select {
	case key := <-evicted:
		assert.Equal(t, "h2", key)
	case <-time.After(time.Second):
		t.Fatal("expected a capacity eviction")
	}

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 3, loader.count())
}

func TestModelCache_Invalidate(t *testing.T) {
	c, store, loader, _ := newCacheFixture(t)
	store.setModTime("h1", time.Unix(100, 0))

	_, err := c.Get("h1")
	require.NoError(t, err)

	c.Invalidate("h1")
	assert.Equal(t, 0, c.Len())

	_, err = c.Get("h1")
	require.NoError(t, err)
	assert.Equal(t, 2, loader.count())

	// Invalidating an absent handle is a no-op.
	c.Invalidate("missing")
}
