package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiter_Window(t *testing.T) {
	l := NewLimiter()
	defer l.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "ip:10.0.0.1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "requisição %d", i)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res, err := l.Allow(ctx, "ip:10.0.0.1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	other, err := l.Allow(ctx, "ip:10.0.0.2", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, other.Allowed)
}

func TestMemoryLimiter_WindowExpires(t *testing.T) {
	l := NewLimiter()
	defer l.Close()
	ctx := context.Background()

	_, _ = l.Allow(ctx, "k", 1, 20*time.Millisecond)
	res, _ := l.Allow(ctx, "k", 1, 20*time.Millisecond)
	assert.False(t, res.Allowed)

	time.Sleep(30 * time.Millisecond)
	res, _ = l.Allow(ctx, "k", 1, 20*time.Millisecond)
	assert.True(t, res.Allowed)
}
