package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClientRateLimiter_CheckAllowed(t *testing.T) {
	t.Run("should allow commands under limit", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(10, 5)

		for i := 0; i < 5; i++ {
			allowed, reason := limiter.CheckAllowed()
			assert.True(t, allowed)
			assert.Empty(t, reason)
			limiter.RecordStart()
			limiter.RecordEnd()
		}
	})

	t.Run("should reject when concurrent limit exceeded", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(100, 3)

		for i := 0; i < 3; i++ {
			limiter.RecordStart()
		}

		allowed, reason := limiter.CheckAllowed()
		assert.False(t, allowed)
		assert.Equal(t, "too many concurrent commands", reason)
	})

	t.Run("should free a concurrent slot on RecordEnd", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(100, 1)

		limiter.RecordStart()
		allowed, _ := limiter.CheckAllowed()
		assert.False(t, allowed)

		limiter.RecordEnd()
		allowed, _ = limiter.CheckAllowed()
		assert.True(t, allowed)
	})

	t.Run("should reject when rate limit exceeded", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(5, 10)

		for i := 0; i < 5; i++ {
			limiter.CheckAllowed()
			limiter.RecordStart()
			limiter.RecordEnd()
		}

		allowed, reason := limiter.CheckAllowed()
		assert.False(t, allowed)
		assert.Equal(t, "rate limit exceeded", reason)
	})

	t.Run("should drop stale entries outside the window", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(2, 10)

		// Backdate two commands past the sliding window.
		limiter.mu.Lock()
		limiter.commands = []time.Time{
			time.Now().Add(-2 * time.Minute),
			time.Now().Add(-90 * time.Second),
		}
		limiter.mu.Unlock()

		allowed, _ := limiter.CheckAllowed()
		assert.True(t, allowed)
	})

	t.Run("should tolerate RecordEnd without a start", func(t *testing.T) {
		limiter := NewClientRateLimiter()
		assert.NotPanics(t, limiter.RecordEnd)

		allowed, _ := limiter.CheckAllowed()
		assert.True(t, allowed)
	})
}
