package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 30 * time.Second, MaxDelay: 3 * time.Minute}

	assert.Equal(t, 30*time.Second, p.Delay(1))
	assert.Equal(t, 60*time.Second, p.Delay(2))
	assert.Equal(t, 120*time.Second, p.Delay(3))
	assert.Equal(t, 3*time.Minute, p.Delay(4))
	assert.Equal(t, 3*time.Minute, p.Delay(10))
	assert.Equal(t, 30*time.Second, p.Delay(0))
}

func TestRetryPolicy_DelayWithJitterStaysInBounds(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 10 * time.Second, MaxDelay: time.Minute, Jitter: 0.5}

	for i := 0; i < 50; i++ {
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, 10*time.Second)
		assert.LessOrEqual(t, d, 30*time.Second)
		assert.LessOrEqual(t, p.Delay(8), time.Minute)
	}
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	assert.True(t, p.ShouldRetry(1))
	assert.True(t, p.ShouldRetry(2))
	assert.False(t, p.ShouldRetry(3))
	assert.False(t, p.ShouldRetry(4))

	assert.True(t, RetryPolicy{}.ShouldRetry(DefaultMaxAttempts-1))
	assert.False(t, RetryPolicy{}.ShouldRetry(DefaultMaxAttempts))
}
