package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func newTestClient(t *testing.T) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	t.Cleanup(func() { client.Close() })
	return client
}

func testUserId(t *testing.T) string {
	return fmt.Sprintf("test_%s_%d", t.Name(), time.Now().UnixNano())
}

func TestAllow_WithinLimit(t *testing.T) {
	client := newTestClient(t)
	l := NewLimiter(client, 3, time.Minute)
	ctx := context.Background()
	userId := testUserId(t)
	defer l.Clear(ctx, userId)

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, userId)
		assert.NoError(t, err)
		assert.True(t, ok, "attempt %d should be allowed", i+1)
	}

	ok, err := l.Allow(ctx, userId)
	assert.NoError(t, err)
	assert.False(t, ok, "attempt over the limit should be denied")
}

func TestAllow_DeniedDoesNotExtendWindow(t *testing.T) {
	client := newTestClient(t)
	l := NewLimiter(client, 1, time.Minute)
	ctx := context.Background()
	userId := testUserId(t)
	defer l.Clear(ctx, userId)

	ok, err := l.Allow(ctx, userId)
	assert.NoError(t, err)
	assert.True(t, ok)

	before, err := client.PTTL(ctx, keyPrefix+userId).Result()
	assert.NoError(t, err)

	ok, err = l.Allow(ctx, userId)
	assert.NoError(t, err)
	assert.False(t, ok)

	after, err := client.PTTL(ctx, keyPrefix+userId).Result()
	assert.NoError(t, err)
	assert.LessOrEqual(t, after, before)

	count, err := client.Get(ctx, keyPrefix+userId).Int()
	assert.NoError(t, err)
	assert.Equal(t, 1, count, "denied attempt must not grow the counter")
}

func TestAllow_WindowResets(t *testing.T) {
	client := newTestClient(t)
	l := NewLimiter(client, 1, 100*time.Millisecond)
	ctx := context.Background()
	userId := testUserId(t)
	defer l.Clear(ctx, userId)

	ok, err := l.Allow(ctx, userId)
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Allow(ctx, userId)
	assert.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(150 * time.Millisecond)

	ok, err = l.Allow(ctx, userId)
	assert.NoError(t, err)
	assert.True(t, ok, "a fresh window starts after expiry")
}

func TestClear(t *testing.T) {
	client := newTestClient(t)
	l := NewLimiter(client, 1, time.Minute)
	ctx := context.Background()
	userId := testUserId(t)

	ok, err := l.Allow(ctx, userId)
	assert.NoError(t, err)
	assert.True(t, ok)

	assert.NoError(t, l.Clear(ctx, userId))

	ok, err = l.Allow(ctx, userId)
	assert.NoError(t, err)
	assert.True(t, ok, "counter restarts after clear")

	assert.NoError(t, l.Clear(ctx, userId))
}

func TestNewLimiter_Defaults(t *testing.T) {
	l := NewLimiter(nil, 0, 0)
	assert.Equal(t, DefaultLimit, l.limit)
	assert.Equal(t, DefaultWindow, l.window)
}
