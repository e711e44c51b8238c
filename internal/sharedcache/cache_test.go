package sharedcache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*FeedCache, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewFeedCache(rdb), rdb
}

func TestCacheRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	now := time.Now()
	payload := json.RawMessage(`{"works":[1,2,3]}`)

	require.NoError(t, cache.SetCachedFeed(ctx, "arxiv", "fp1", payload, time.Minute, 10, now))

	got, err := cache.GetCachedFeed(ctx, "arxiv", "fp1", now.Add(30*time.Second))
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(got))

	expired, err := cache.GetCachedFeed(ctx, "arxiv", "fp1", now.Add(time.Minute+time.Second))
	require.NoError(t, err)
	assert.Nil(t, expired, "entry past its ttl must read as absent")
}

func TestCacheMissOnUnknownKey(t *testing.T) {
	cache, _ := newTestCache(t)
	got, err := cache.GetCachedFeed(context.Background(), "arxiv", "nope", time.Now())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCacheNonPositiveTTLDeletes(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	now := time.Now()
	payload := json.RawMessage(`"v"`)

	require.NoError(t, cache.SetCachedFeed(ctx, "openalex", "k", payload, time.Minute, 10, now))
	require.NoError(t, cache.SetCachedFeed(ctx, "openalex", "k", payload, 0, 10, now))

	got, err := cache.GetCachedFeed(ctx, "openalex", "k", now)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCacheEvictsOldestOverCapacity(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("fp%d", i)
		require.NoError(t, cache.SetCachedFeed(ctx, "arxiv", key, json.RawMessage(`1`), time.Hour, 3, base.Add(time.Duration(i)*time.Second)))
	}

	now := base.Add(10 * time.Second)
	for i := 0; i < 2; i++ {
		got, err := cache.GetCachedFeed(ctx, "arxiv", fmt.Sprintf("fp%d", i), now)
		require.NoError(t, err)
		assert.Nil(t, got, "oldest entries should be evicted")
	}
	for i := 2; i < 5; i++ {
		got, err := cache.GetCachedFeed(ctx, "arxiv", fmt.Sprintf("fp%d", i), now)
		require.NoError(t, err)
		assert.NotNil(t, got, "newest entries should survive eviction")
	}
}

func TestInflightCoalescesConcurrentCallers(t *testing.T) {
	group := NewInflightGroup()
	var calls atomic.Int32
	release := make(chan struct{})

	fetch := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "shared", nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]any, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = group.RunWithInflightDedupe(context.Background(), "key", fetch)
		}(i)
	}

	// Give every caller time to reach the group before releasing the
	// owning fetch.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "fetch must run exactly once")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", results[i])
	}
}

func TestInflightSharesErrors(t *testing.T) {
	group := NewInflightGroup()
	wantErr := fmt.Errorf("remote exploded")

	_, err := group.RunWithInflightDedupe(context.Background(), "k", func(context.Context) (any, error) {
		return nil, wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	// The entry must be gone after completion: a later call re-invokes.
	v, err := group.RunWithInflightDedupe(context.Background(), "k", func(context.Context) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestPolitenessGateCooldownFailsFast(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	gate := NewPolitenessGate(rdb)
	gate.RegisterService("arxiv", 100, 10)
	ctx := context.Background()

	require.NoError(t, gate.Allow(ctx, "arxiv"))

	for i := 0; i < 3; i++ {
		require.NoError(t, gate.RecordBlocked(ctx, "arxiv", 3, time.Minute))
	}

	err := gate.Allow(ctx, "arxiv")
	var cooldown *ErrServiceCooldown
	require.ErrorAs(t, err, &cooldown)
	assert.Equal(t, "arxiv", cooldown.Service)
}

func TestPolitenessGateSuccessResetsCounter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	gate := NewPolitenessGate(rdb)
	gate.RegisterService("openalex", 100, 10)
	ctx := context.Background()

	require.NoError(t, gate.RecordBlocked(ctx, "openalex", 3, time.Minute))
	require.NoError(t, gate.RecordBlocked(ctx, "openalex", 3, time.Minute))
	require.NoError(t, gate.RecordSuccess(ctx, "openalex"))
	require.NoError(t, gate.RecordBlocked(ctx, "openalex", 3, time.Minute))

	assert.NoError(t, gate.Allow(ctx, "openalex"), "reset counter must not trip the cooldown")
}
