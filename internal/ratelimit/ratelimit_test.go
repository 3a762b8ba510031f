package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowConsumesBurst(t *testing.T) {
	l := New(1, 3)
	defer l.Close()

	ctx := context.Background()
	for i := range 3 {
		assert.True(t, l.Allow(ctx, "client"), "request %d should pass", i)
	}
	assert.False(t, l.Allow(ctx, "client"))
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(1, 1)
	defer l.Close()

	ctx := context.Background()
	assert.True(t, l.Allow(ctx, "a"))
	assert.False(t, l.Allow(ctx, "a"))
	assert.True(t, l.Allow(ctx, "b"))
}

func TestTokensRefillOverTime(t *testing.T) {
	l := New(100, 1) // 100 tokens/s so the test waits only a few ms
	defer l.Close()

	ctx := context.Background()
	assert.True(t, l.Allow(ctx, "client"))
	assert.False(t, l.Allow(ctx, "client"))

	assert.Eventually(t, func() bool {
		return l.Allow(ctx, "client")
	}, time.Second, 5*time.Millisecond)
}

func TestRefillCapsAtBurst(t *testing.T) {
	l := New(10, 2)
	defer l.Close()

	ctx := context.Background()
	assert.True(t, l.Allow(ctx, "client"))
	time.Sleep(500 * time.Millisecond) // far more refill than the cap

	assert.True(t, l.Allow(ctx, "client"))
	assert.True(t, l.Allow(ctx, "client"))
	assert.False(t, l.Allow(ctx, "client"))
}

func TestEvictStaleDropsIdleBuckets(t *testing.T) {
	l := New(1, 1)
	defer l.Close()

	ctx := context.Background()
	l.Allow(ctx, "idle")

	l.mu.Lock()
	l.buckets["idle"].lastAccess = time.Now().Add(-staleThreshold - time.Minute)
	l.mu.Unlock()

	l.evictStale()

	l.mu.Lock()
	_, ok := l.buckets["idle"]
	l.mu.Unlock()
	assert.False(t, ok)
}

func TestCloseIsIdempotent(t *testing.T) {
	l := New(1, 1)
	assert.NoError(t, l.Close())
	assert.NoError(t, l.Close())
}

func TestIPKey(t *testing.T) {
	assert.Equal(t, "192.0.2.1", IPKey("192.0.2.1:8080"))
	assert.Equal(t, "[::1]", IPKey("[::1]:8080"))
	assert.Equal(t, "192.0.2.1", IPKey("192.0.2.1"))
}
