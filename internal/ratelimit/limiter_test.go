package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/resumeai/pkg/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type failingStore struct{}

func (failingStore) Admit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Window, error) {
	return Window{}, errors.New("dial tcp: connection refused")
}

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisStore(client), mr
}

// stores returns every Store implementation so the limiter semantics are
// checked against both.
func stores(t *testing.T) map[string]Store {
	redisStore, _ := setupRedisStore(t)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  redisStore,
	}
}

func TestLimiterAllowsUpToTierLimit(t *testing.T) {
	tiers := []models.Tier{models.TierFree, models.TierPro, models.TierEnterprise, models.TierAnonymous}

	for name, store := range stores(t) {
		for _, tier := range tiers {
			t.Run(name+"/"+tier.String(), func(t *testing.T) {
				clock := newFakeClock()
				limiter := New(store, WithClock(clock.Now))
				ctx := context.Background()
				limit := tier.Config().RequestsPerMinute
				identifier := "user-" + name + "-" + tier.String()

				for i := 0; i < limit; i++ {
					result, err := limiter.Check(ctx, identifier, tier)
					require.NoError(t, err)
					assert.True(t, result.Allowed, "request %d should be allowed", i+1)
					assert.Equal(t, limit, result.Limit)
					assert.Equal(t, limit-i-1, result.Remaining)
					clock.Advance(100 * time.Millisecond)
				}

				result, err := limiter.Check(ctx, identifier, tier)
				require.NoError(t, err)
				assert.False(t, result.Allowed)
				assert.Equal(t, 0, result.Remaining)
				assert.True(t, result.RetryAfter > 0)
				assert.Greater(t, result.RetryAfterSeconds(), 0)
			})
		}
	}
}

func TestLimiterWindowSlides(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			limiter := New(store, WithClock(clock.Now))
			ctx := context.Background()
			start := clock.Now()

			for i := 0; i < 5; i++ {
				result, err := limiter.Check(ctx, "slider", models.TierFree)
				require.NoError(t, err)
				require.True(t, result.Allowed)
				clock.Advance(10 * time.Second)
			}

			// 50s in: the window is full and resets when the first request ages out
			result, err := limiter.Check(ctx, "slider", models.TierFree)
			require.NoError(t, err)
			assert.False(t, result.Allowed)
			assert.Equal(t, start.Add(time.Minute).UnixMilli(), result.ResetAtEpochMs())
			assert.Equal(t, 10, result.RetryAfterSeconds())

			// 61s in: only the first request has left the window
			clock.Advance(11 * time.Second)
			result, err = limiter.Check(ctx, "slider", models.TierFree)
			require.NoError(t, err)
			assert.True(t, result.Allowed)
			assert.Equal(t, 0, result.Remaining)
		})
	}
}

func TestLimiterRejectedRequestsAreNotRecorded(t *testing.T) {
	clock := newFakeClock()
	limiter := New(NewMemoryStore(), WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := limiter.Check(ctx, "ip:198.51.100.1", models.TierAnonymous)
		require.NoError(t, err)
		require.True(t, result.Allowed)
	}

	// Hammering a closed window must not extend it
	for i := 0; i < 10; i++ {
		clock.Advance(time.Second)
		result, err := limiter.Check(ctx, "ip:198.51.100.1", models.TierAnonymous)
		require.NoError(t, err)
		assert.False(t, result.Allowed)
	}

	clock.Advance(51 * time.Second)
	result, err := limiter.Check(ctx, "ip:198.51.100.1", models.TierAnonymous)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 2, result.Remaining)
}

func TestLimiterKeysAreIsolated(t *testing.T) {
	clock := newFakeClock()
	limiter := New(NewMemoryStore(), WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := limiter.Check(ctx, "ip:10.0.0.1", models.TierAnonymous)
		require.NoError(t, err)
	}

	// A user whose id happens to look like an IP has its own window
	result, err := limiter.Check(ctx, "10.0.0.1", models.TierAnonymous)
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	// The same identifier under another tier is a separate key too
	result, err = limiter.Check(ctx, "ip:10.0.0.1", models.TierFree)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestLimiterFailClosed(t *testing.T) {
	limiter := New(failingStore{})

	result, err := limiter.Check(context.Background(), "user-1", models.TierPro)
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestLimiterFailOpen(t *testing.T) {
	limiter := New(failingStore{}, WithPolicy(FailOpen))

	result, err := limiter.Check(context.Background(), "user-1", models.TierPro)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 30, result.Remaining)
}

func TestLimiterUndeclaredTier(t *testing.T) {
	limiter := New(NewMemoryStore())

	_, err := limiter.Check(context.Background(), "user-1", models.Tier(99))
	assert.Error(t, err)
}

func TestLimiterConcurrentChecksNeverExceedLimit(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			limiter := New(store)
			ctx := context.Background()

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				allowed int
			)
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					result, err := limiter.Check(ctx, "concurrent-"+name, models.TierPro)
					if err != nil || !result.Allowed {
						return
					}
					mu.Lock()
					allowed++
					mu.Unlock()
				}()
			}
			wg.Wait()

			assert.Equal(t, 30, allowed)
		})
	}
}

func TestRedisStoreSetsExpiry(t *testing.T) {
	store, mr := setupRedisStore(t)

	_, err := store.Admit(context.Background(), "ratelimit:free:user-ttl", time.Now(), time.Minute, 5)
	require.NoError(t, err)

	assert.True(t, mr.Exists("ratelimit:free:user-ttl"))
	assert.Equal(t, time.Minute, mr.TTL("ratelimit:free:user-ttl"))
}

func TestRedisStoreUnavailable(t *testing.T) {
	store, mr := setupRedisStore(t)
	mr.Close()

	_, err := store.Admit(context.Background(), "ratelimit:free:user-down", time.Now(), time.Minute, 5)
	assert.Error(t, err)
}

func TestMemoryStoreSweep(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()

	_, err := store.Admit(context.Background(), "stale", now.Add(-2*time.Minute), time.Minute, 5)
	require.NoError(t, err)
	_, err = store.Admit(context.Background(), "fresh", now, time.Minute, 5)
	require.NoError(t, err)

	store.Sweep(now, time.Minute)

	assert.NotContains(t, store.windows, "stale")
	assert.Contains(t, store.windows, "fresh")
}

func TestParsePolicy(t *testing.T) {
	policy, err := ParsePolicy("fail_open")
	require.NoError(t, err)
	assert.Equal(t, FailOpen, policy)

	policy, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, FailClosed, policy)

	_, err = ParsePolicy("maybe")
	assert.Error(t, err)
}
