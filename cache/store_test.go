package cache

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// forEachStore runs the same test against every store implementation,
// each on a fresh database.
func forEachStore(t *testing.T, test func(t *testing.T, store Store)) {
	t.Run("sqlite", func(t *testing.T) {
		store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
		require.NoError(t, err)
		defer store.Close()
		test(t, store)
	})
	t.Run("memory", func(t *testing.T) {
		test(t, NewMemoryStore())
	})
	t.Run("leveldb", func(t *testing.T) {
		store, err := NewLevelDBStore(filepath.Join(t.TempDir(), "leveldb"))
		require.NoError(t, err)
		defer store.Close()
		test(t, store)
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		store, err := NewRedisStore(mr.Addr(), "", 0)
		require.NoError(t, err)
		defer store.Close()
		test(t, store)
	})
}

func TestPutGetRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		key := uuid.NewString()
		rec := Record{
			Body:       []byte(`[{"driver_number":1,"broadcast_name":"M VERSTAPPEN"}]`),
			StatusCode: 200,
			Headers:    map[string]string{"Content-Type": "application/json", "ETag": `"abc123"`},
			ETag:       `"abc123"`,
		}
		require.NoError(t, store.Put(key, rec, time.Minute))

		entry, ok, err := store.Get(key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, key, entry.Key)
		assert.Equal(t, rec.Body, entry.Body)
		assert.Equal(t, rec.StatusCode, entry.StatusCode)
		assert.Equal(t, rec.Headers, entry.Headers)
		assert.Equal(t, rec.ETag, entry.ETag)
		assert.False(t, entry.CreatedAt.IsZero())
		assert.False(t, entry.UpdatedAt.IsZero())
		assert.WithinDuration(t, time.Now().Add(time.Minute), entry.ExpiresAt, 10*time.Second)
	})
}

func TestGetMissing(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		_, ok, err := store.Get(uuid.NewString())
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = store.GetStale(uuid.NewString())
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestExpiredEntryServedStaleOnly(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		key := uuid.NewString()
		require.NoError(t, store.Put(key, Record{Body: []byte("stale"), StatusCode: 200}, 30*time.Millisecond))
		time.Sleep(60 * time.Millisecond)

		_, ok, err := store.Get(key)
		require.NoError(t, err)
		assert.False(t, ok, "expired entry must not count as fresh")

		entry, ok, err := store.GetStale(key)
		require.NoError(t, err)
		require.True(t, ok, "expired entry must stay available for stale reads")
		assert.Equal(t, []byte("stale"), entry.Body)
	})
}

func TestPutDefaultTTL(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		key := uuid.NewString()
		require.NoError(t, store.Put(key, Record{Body: []byte("x"), StatusCode: 200}, 0))

		entry, ok, err := store.Get(key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(DefaultTTL), entry.ExpiresAt, 10*time.Second)
	})
}

func TestOverwriteKeepsCreatedAt(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		key := uuid.NewString()
		require.NoError(t, store.Put(key, Record{Body: []byte("one"), StatusCode: 200}, time.Minute))
		first, ok, err := store.GetStale(key)
		require.NoError(t, err)
		require.True(t, ok)

		time.Sleep(20 * time.Millisecond)
		require.NoError(t, store.Put(key, Record{Body: []byte("two"), StatusCode: 200, ETag: `"v2"`}, time.Minute))

		second, ok, err := store.GetStale(key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("two"), second.Body)
		assert.Equal(t, `"v2"`, second.ETag)
		assert.True(t, second.CreatedAt.Equal(first.CreatedAt), "overwrite must keep the original creation time")
		assert.True(t, second.UpdatedAt.After(first.UpdatedAt), "overwrite must bump the update time")
	})
}

func TestInvalidate(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		key := uuid.NewString()
		require.NoError(t, store.Put(key, Record{Body: []byte("x"), StatusCode: 200}, time.Minute))

		removed, err := store.Invalidate(key)
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)

		_, ok, err := store.GetStale(key)
		require.NoError(t, err)
		assert.False(t, ok)

		removed, err = store.Invalidate(key)
		require.NoError(t, err)
		assert.Equal(t, int64(0), removed, "second invalidate finds nothing")
	})
}

func TestInvalidateAll(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		keys := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}
		for _, key := range keys {
			require.NoError(t, store.Put(key, Record{Body: []byte("x"), StatusCode: 200}, time.Minute))
		}

		removed, err := store.InvalidateAll()
		require.NoError(t, err)
		assert.Equal(t, int64(3), removed)

		for _, key := range keys {
			_, ok, err := store.GetStale(key)
			require.NoError(t, err)
			assert.False(t, ok)
		}
	})
}

func TestSweepExpired(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		expired := uuid.NewString()
		fresh := uuid.NewString()
		require.NoError(t, store.Put(expired, Record{Body: []byte("old"), StatusCode: 200}, 30*time.Millisecond))
		require.NoError(t, store.Put(fresh, Record{Body: []byte("new"), StatusCode: 200}, time.Hour))
		time.Sleep(60 * time.Millisecond)

		removed, err := store.SweepExpired()
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)

		_, ok, err := store.GetStale(expired)
		require.NoError(t, err)
		assert.False(t, ok, "swept entry must be gone even for stale reads")

		_, ok, err = store.Get(fresh)
		require.NoError(t, err)
		assert.True(t, ok, "sweep must not touch fresh entries")

		removed, err = store.SweepExpired()
		require.NoError(t, err)
		assert.Equal(t, int64(0), removed, "second sweep finds nothing")
	})
}

func TestStatsCounts(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		require.NoError(t, store.Put(uuid.NewString(), Record{Body: []byte("old"), StatusCode: 200}, 30*time.Millisecond))
		require.NoError(t, store.Put(uuid.NewString(), Record{Body: []byte("new"), StatusCode: 200}, time.Hour))
		time.Sleep(60 * time.Millisecond)

		stats, err := store.Stats()
		require.NoError(t, err)
		assert.Equal(t, int64(2), stats.TotalEntries)
		assert.Equal(t, int64(1), stats.ExpiredEntries)
		assert.Equal(t, int64(1), stats.ValidEntries)
		assert.NotEmpty(t, stats.Path)
	})
}

func TestConcurrentAccess(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				key := fmt.Sprintf("driver-%d", n)
				for j := 0; j < 25; j++ {
					if err := store.Put(key, Record{Body: []byte("lap"), StatusCode: 200}, time.Minute); err != nil {
						t.Error(err)
						return
					}
					if _, _, err := store.Get(key); err != nil {
						t.Error(err)
						return
					}
				}
			}(i)
		}
		wg.Wait()
	})
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)

	key := uuid.NewString()
	require.NoError(t, store.Put(key, Record{Body: []byte("kept"), StatusCode: 200}, time.Minute))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	entry, ok, err := reopened.Get(key)
	require.NoError(t, err)
	require.True(t, ok, "entries must survive a restart")
	assert.Equal(t, []byte("kept"), entry.Body)
}

func TestLevelDBPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leveldb")
	store, err := NewLevelDBStore(path)
	require.NoError(t, err)

	key := uuid.NewString()
	require.NoError(t, store.Put(key, Record{Body: []byte("kept"), StatusCode: 200}, time.Minute))
	require.NoError(t, store.Close())

	reopened, err := NewLevelDBStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	entry, ok, err := reopened.Get(key)
	require.NoError(t, err)
	require.True(t, ok, "entries must survive a restart")
	assert.Equal(t, []byte("kept"), entry.Body)
}
