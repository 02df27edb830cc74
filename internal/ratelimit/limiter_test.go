package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"grimm.is/ipclient/internal/clock"
)

func newMock() *clock.MockClock {
	return clock.NewMockClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
}

func TestTokenBucket_Burst(t *testing.T) {
	c := newMock()
	b := NewTokenBucket(50, 100, c)

	for i := 0; i < 100; i++ {
		assert.True(t, b.Get(), "token %d should be available", i)
	}
	assert.False(t, b.Get(), "bucket should be empty after burst")
}

func TestTokenBucket_Refill(t *testing.T) {
	c := newMock()
	b := NewTokenBucket(50, 100, c)
	for b.Get() {
	}

	c.Advance(19 * time.Millisecond)
	assert.False(t, b.Get(), "no token before one fill interval")

	c.Advance(time.Millisecond)
	assert.True(t, b.Get())
	assert.False(t, b.Get())

	c.Advance(time.Hour)
	assert.Equal(t, 100, b.Available(), "refill is capped at capacity")
}

// Continuous arrivals never exceed burst + rate*t tokens in a t-second window.
func TestTokenBucket_UpperBound(t *testing.T) {
	c := newMock()
	b := NewTokenBucket(50, 100, c)

	granted := 0
	for i := 0; i < 3000; i++ {
		if b.Get() {
			granted++
		}
		c.Advance(time.Millisecond)
	}
	// 3 seconds elapsed.
	assert.LessOrEqual(t, granted, 100+50*3)
	assert.GreaterOrEqual(t, granted, 100+50*3-1)
}

func TestLimiter_IndependentKeys(t *testing.T) {
	c := newMock()
	l := NewLimiter(1, 2, c)

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"), "key b has its own bucket")

	l.Reset("a")
	assert.True(t, l.Allow("a"), "reset restores a full bucket")
}
