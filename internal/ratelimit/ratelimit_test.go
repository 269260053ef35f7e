package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_Allow(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(time.Second, 2)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow(1))
	assert.True(t, l.Allow(1))
	assert.False(t, l.Allow(1), "burst exhausted")
	assert.True(t, l.Allow(2), "users have separate buckets")

	now = now.Add(time.Second)
	assert.True(t, l.Allow(1), "one token refilled")
	assert.False(t, l.Allow(1))
}

func TestLimiter_Disabled(t *testing.T) {
	l := New(0, 1)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow(1))
	}

	var nilLimiter *Limiter
	assert.True(t, nilLimiter.Allow(1))
}

func TestLimiter_Forget(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(time.Second, 1)
	l.now = func() time.Time { return now }

	l.Allow(1)
	now = now.Add(time.Hour)
	l.Allow(2)

	assert.Equal(t, 1, l.Forget(time.Minute))
}
