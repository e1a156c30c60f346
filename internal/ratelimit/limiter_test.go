package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sqlpilot/internal/core"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSlidingWindow_AdmitsUpToLimit(t *testing.T) {
	clock := newFakeClock()
	l := NewSlidingWindow(5*time.Minute, 0, clock.Now)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.NoError(t, l.Check(ctx, "u1", 20), "request %d", i+1)
	}

	err := l.Check(ctx, "u1", 20)
	var rl *core.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 20, rl.Limit)
	assert.Equal(t, 5*time.Minute, rl.RetryAfter)

	// other identities are unaffected
	assert.NoError(t, l.Check(ctx, "u2", 20))
}

func TestSlidingWindow_WindowSlides(t *testing.T) {
	clock := newFakeClock()
	l := NewSlidingWindow(time.Minute, 0, clock.Now)
	ctx := context.Background()

	require.NoError(t, l.Check(ctx, "ip", 2))
	clock.Advance(30 * time.Second)
	require.NoError(t, l.Check(ctx, "ip", 2))
	require.Error(t, l.Check(ctx, "ip", 2))

	// first hit expires exactly one window after it was recorded
	clock.Advance(30 * time.Second)
	require.NoError(t, l.Check(ctx, "ip", 2))

	err := l.Check(ctx, "ip", 2)
	var rl *core.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 30*time.Second, rl.RetryAfter)
}

func TestSlidingWindow_RejectedRequestsDoNotCount(t *testing.T) {
	clock := newFakeClock()
	l := NewSlidingWindow(time.Minute, 0, clock.Now)
	ctx := context.Background()

	require.NoError(t, l.Check(ctx, "k", 1))
	for i := 0; i < 5; i++ {
		clock.Advance(10 * time.Second)
		require.Error(t, l.Check(ctx, "k", 1))
	}
	clock.Advance(10 * time.Second)
	assert.NoError(t, l.Check(ctx, "k", 1))
}

func TestSlidingWindow_EvictsLeastRecentlyUsed(t *testing.T) {
	clock := newFakeClock()
	l := NewSlidingWindow(time.Minute, 2, clock.Now)
	ctx := context.Background()

	require.NoError(t, l.Check(ctx, "a", 1))
	require.NoError(t, l.Check(ctx, "b", 1))
	require.Error(t, l.Check(ctx, "a", 1)) // touches a, b becomes oldest
	require.NoError(t, l.Check(ctx, "c", 1))

	assert.Equal(t, 2, l.Len())
	// a was kept and is still limited; b was forgotten
	assert.Error(t, l.Check(ctx, "a", 1))
	assert.NoError(t, l.Check(ctx, "b", 1))
}

func TestSlidingWindow_ConcurrentNeverOverAdmits(t *testing.T) {
	l := NewSlidingWindow(time.Hour, 0, nil)
	ctx := context.Background()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if l.Check(ctx, "shared", 20) == nil {
				admitted.Add(1)
			}
			_ = l.Check(ctx, fmt.Sprintf("other-%d", i), 20)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(20), admitted.Load())
}

func TestGate_ScopesIdentity(t *testing.T) {
	l := NewSlidingWindow(time.Minute, 0, nil)
	ask := Gate{Scope: "ask", Limiter: l, Limit: 1}
	test := Gate{Scope: "test", Limiter: l, Limit: 1}
	ctx := context.Background()

	require.NoError(t, ask.Check(ctx, "u1"))
	require.NoError(t, test.Check(ctx, "u1"))
	assert.Error(t, ask.Check(ctx, "u1"))
}

func newRedisWindow(t *testing.T, clock *fakeClock, win time.Duration) (*RedisWindow, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisWindowWithClient(client, win, clock.Now, zap.NewNop()), mr
}

func TestRedisWindow_AdmitsUpToLimit(t *testing.T) {
	clock := newFakeClock()
	l, mr := newRedisWindow(t, clock, time.Minute)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Check(ctx, "ip-1", 10))
	}

	clock.Advance(20 * time.Second)
	err := l.Check(ctx, "ip-1", 10)
	var rl *core.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 40*time.Second, rl.RetryAfter)

	members, err := mr.ZMembers("sqlpilot:ratelimit:ip-1")
	require.NoError(t, err)
	assert.Len(t, members, 10)
}

func TestRedisWindow_WindowSlides(t *testing.T) {
	clock := newFakeClock()
	l, _ := newRedisWindow(t, clock, time.Minute)
	ctx := context.Background()

	require.NoError(t, l.Check(ctx, "u", 1))
	require.Error(t, l.Check(ctx, "u", 1))
	clock.Advance(time.Minute)
	assert.NoError(t, l.Check(ctx, "u", 1))
}

func TestRedisWindow_FailsOpen(t *testing.T) {
	clock := newFakeClock()
	l, mr := newRedisWindow(t, clock, time.Minute)
	mr.Close()

	assert.NoError(t, l.Check(context.Background(), "u", 1))
}

func TestDialRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := DialRedis(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	// two windows over one client keep separate counts per window length
	clock := newFakeClock()
	short := NewRedisWindowWithClient(client, time.Second, clock.Now, zap.NewNop())
	long := NewRedisWindowWithClient(client, time.Hour, clock.Now, zap.NewNop())
	require.NoError(t, short.Check(context.Background(), "u", 1))
	require.NoError(t, long.Check(context.Background(), "v", 1))
	assert.Error(t, short.Check(context.Background(), "u", 1))
}

func TestDialRedis_Errors(t *testing.T) {
	_, err := DialRedis(context.Background(), "::not-a-url")
	assert.ErrorContains(t, err, "failed to parse Redis URL")

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err = DialRedis(context.Background(), "redis://"+addr)
	assert.ErrorContains(t, err, "failed to connect to Redis")
}
