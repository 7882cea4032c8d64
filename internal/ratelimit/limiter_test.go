package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client), mr
}

func TestAllowWithinLimit(t *testing.T) {
	l, _ := newLimiter(t)
	ctx := context.Background()
	rule := Rule{Name: "send", Key: "rl:test:", Limit: 3, Window: 10 * time.Second}

	for i := 0; i < 3; i++ {
		d, err := l.Check(ctx, "user-1", rule)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should be allowed", i+1)
	}

	d, err := l.Check(ctx, "user-1", rule)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// Other identifiers have their own budget.
	d, err = l.Check(ctx, "user-2", rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckRetryAfter(t *testing.T) {
	l, mr := newLimiter(t)
	ctx := context.Background()
	rule := Rule{Name: "typing", Key: "rl:test:", Limit: 1, Window: 10 * time.Second}

	d, err := l.Check(ctx, "u", rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	mr.FastForward(4 * time.Second)

	d, err = l.Check(ctx, "u", rule)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, 6*time.Second)
}

func TestWindowResets(t *testing.T) {
	l, mr := newLimiter(t)
	ctx := context.Background()
	rule := Rule{Name: "connect", Key: "rl:test:", Limit: 1, Window: time.Minute}

	d, _ := l.Check(ctx, "10.0.0.1", rule)
	require.True(t, d.Allowed)
	d, _ = l.Check(ctx, "10.0.0.1", rule)
	require.False(t, d.Allowed)

	mr.FastForward(time.Minute + time.Second)

	d, err := l.Check(ctx, "10.0.0.1", rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckRemaining(t *testing.T) {
	l, _ := newLimiter(t)
	ctx := context.Background()
	rule := Rule{Name: "send", Key: "rl:test:", Limit: 5, Window: time.Minute}

	for i := 4; i >= 0; i-- {
		d, err := l.Check(ctx, "u", rule)
		require.NoError(t, err)
		assert.Equal(t, i, d.Remaining)
	}
	d, err := l.Check(ctx, "u", rule)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
}

func TestFailOpen(t *testing.T) {
	l, mr := newLimiter(t)
	mr.Close()

	d, err := l.Check(context.Background(), "u", RuleSend)
	assert.Error(t, err)
	assert.True(t, d.Allowed)
}
