package ratelimiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvaluate(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	res := Evaluate(now, 2, 3, 40*time.Second)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining)
	assert.Equal(t, now.Add(40*time.Second), res.Reset)
	assert.Zero(t, res.RetryAfter)

	res = Evaluate(now, 4, 3, 40*time.Second)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 40*time.Second, res.RetryAfter)

	assert.False(t, Evaluate(now, 1, 0, time.Second).Allowed)
}
