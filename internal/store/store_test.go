package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConnectedMemory(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory(Config{Type: "memory"})
	require.NoError(t, m.Connect())
	t.Cleanup(func() { m.Close() })
	return m
}

func TestFactory(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		c, err := Factory(Config{Type: "memory"})
		require.NoError(t, err)
		assert.Equal(t, "memory", c.Type())
	})

	t.Run("default is memory", func(t *testing.T) {
		c, err := Factory(Config{})
		require.NoError(t, err)
		assert.Equal(t, "memory", c.Type())
	})

	t.Run("redis", func(t *testing.T) {
		c, err := Factory(Config{Type: "redis"})
		require.NoError(t, err)
		assert.Equal(t, "redis", c.Type())
	})

	t.Run("memcached", func(t *testing.T) {
		c, err := Factory(Config{Type: "memcached"})
		require.NoError(t, err)
		assert.Equal(t, "memcached", c.Type())
	})

	t.Run("unsupported type", func(t *testing.T) {
		_, err := Factory(Config{Type: "etcd"})
		assert.Error(t, err)
	})
}

func TestMemoryNotConnected(t *testing.T) {
	m := NewMemory(Config{})
	ctx := context.Background()

	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = m.IncrBy(ctx, "k", 1)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, _, err = m.IncrWithCeiling(ctx, "k", 1, 10)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMemoryGetMissingReadsZero(t *testing.T) {
	m := newConnectedMemory(t)

	v, err := m.Get(context.Background(), "never-written")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestMemoryIncrBy(t *testing.T) {
	m := newConnectedMemory(t)
	ctx := context.Background()

	v, err := m.IncrBy(ctx, "counter", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	v, err = m.IncrBy(ctx, "counter", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(8), v)
}

func TestMemoryIncrWithCeiling(t *testing.T) {
	m := newConnectedMemory(t)
	ctx := context.Background()

	t.Run("admits up to the ceiling", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			_, ok, err := m.IncrWithCeiling(ctx, "cap", 1, 5)
			require.NoError(t, err)
			assert.True(t, ok)
		}

		v, ok, err := m.IncrWithCeiling(ctx, "cap", 1, 5)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, int64(5), v)
	})

	t.Run("denies an amount that would overshoot", func(t *testing.T) {
		_, ok, err := m.IncrWithCeiling(ctx, "cap2", 3, 5)
		require.NoError(t, err)
		assert.True(t, ok)

		v, ok, err := m.IncrWithCeiling(ctx, "cap2", 3, 5)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, int64(3), v)

		_, ok, err = m.IncrWithCeiling(ctx, "cap2", 2, 5)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

// Concurrent increments summing past the ceiling must settle exactly at the
// ceiling, never above it.
func TestMemoryIncrWithCeilingConcurrent(t *testing.T) {
	m := newConnectedMemory(t)
	ctx := context.Background()

	const workers = 50
	const ceiling = 30

	var admitted int64
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := m.IncrWithCeiling(ctx, "shared", 1, ceiling)
			require.NoError(t, err)
			if ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	final, err := m.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, int64(ceiling), final)
	assert.Equal(t, int64(ceiling), admitted)
}

func TestMemoryExpiration(t *testing.T) {
	m := newConnectedMemory(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "ttl", 7, 10*time.Millisecond))

	v, err := m.Get(ctx, "ttl")
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	time.Sleep(20 * time.Millisecond)

	v, err = m.Get(ctx, "ttl")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v, "expired counter reads as zero")
}

func TestMemcachedExpirationValue(t *testing.T) {
	assert.Equal(t, int32(0), expirationValue(0))
	assert.Equal(t, int32(0), expirationValue(-time.Second))
	assert.Equal(t, int32(90000), expirationValue(25*time.Hour))
	assert.Equal(t, int32(memcachedMaxRelative/time.Second), expirationValue(memcachedMaxRelative))

	// TTLs past the 30-day mark must be sent as absolute timestamps; a
	// relative value there would be read as a date in early 1970 and the
	// item would expire immediately.
	long := 62 * 24 * time.Hour
	got := expirationValue(long)
	want := time.Now().Add(long).Unix()
	assert.Greater(t, int64(got), int64(memcachedMaxRelative/time.Second))
	assert.InDelta(t, want, int64(got), 2)
}

func TestMemcachedExpireKeepsConcurrentIncrements(t *testing.T) {
	m := NewMemcached(Config{Type: "memcached", Host: "localhost", Port: 11211, Prefix: "sendguardtest"})
	if err := m.Connect(); err != nil {
		t.Skipf("memcached not available: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	ctx := context.Background()

	key := "expire-race"
	require.NoError(t, m.Set(ctx, key, 0, 0))
	t.Cleanup(func() { m.Delete(ctx, key) })

	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, _, err := m.IncrWithCeiling(ctx, key, 1, 1<<30)
				assert.NoError(t, err)
			}
		}()
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, m.Expire(ctx, key, time.Hour))
	}
	wg.Wait()

	v, err := m.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker), v,
		"refreshing the TTL must not overwrite concurrent increments")
}

func TestMemoryDelete(t *testing.T) {
	m := newConnectedMemory(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "gone", 1, 0))
	require.NoError(t, m.Delete(ctx, "gone"))
	assert.ErrorIs(t, m.Delete(ctx, "gone"), ErrNotFound)
}

func TestMemoryAccounts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAccounts()

	acct := &SendingAccount{
		ID:        "acct-1",
		TenantID:  "tenant-1",
		Address:   "sales@example.com",
		CreatedAt: time.Now(),
		Active:    true,
	}
	require.NoError(t, s.Put(ctx, acct))

	t.Run("get returns a copy", func(t *testing.T) {
		got, err := s.Get(ctx, "acct-1")
		require.NoError(t, err)
		got.DailySent = 99

		again, err := s.Get(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), again.DailySent)
	})

	t.Run("missing account", func(t *testing.T) {
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list by tenant", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, &SendingAccount{ID: "acct-2", TenantID: "tenant-1"}))
		require.NoError(t, s.Put(ctx, &SendingAccount{ID: "acct-3", TenantID: "tenant-2"}))

		list, err := s.ListByTenant(ctx, "tenant-1")
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})

	t.Run("update is atomic per account", func(t *testing.T) {
		const workers = 40
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Update(ctx, "acct-1", func(a *SendingAccount) error {
					a.DailySent++
					return nil
				})
				require.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := s.Get(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, int64(workers), got.DailySent)
	})

	t.Run("update error abandons the write", func(t *testing.T) {
		before, err := s.Get(ctx, "acct-2")
		require.NoError(t, err)

		_, err = s.Update(ctx, "acct-2", func(a *SendingAccount) error {
			a.DailySent = 1000
			return assert.AnError
		})
		require.Error(t, err)

		after, err := s.Get(ctx, "acct-2")
		require.NoError(t, err)
		assert.Equal(t, before.DailySent, after.DailySent)
	})
}

func TestSendingAccountDomain(t *testing.T) {
	tests := []struct {
		address string
		want    string
	}{
		{"user@Example.COM", "example.com"},
		{"a@b@gmail.com", "gmail.com"},
		{"no-at-sign", ""},
	}

	for _, tt := range tests {
		a := SendingAccount{Address: tt.address}
		assert.Equal(t, tt.want, a.Domain(), tt.address)
	}
}
