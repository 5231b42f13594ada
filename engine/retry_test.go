package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelay(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		Jitter:       0,
	}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, 800*time.Millisecond, p.Delay(4))
	assert.Equal(t, time.Second, p.Delay(5), "capped at MaxDelay")
	assert.Equal(t, time.Second, p.Delay(20))
	assert.Equal(t, 100*time.Millisecond, p.Delay(0), "retry index clamps to 1")
}

func TestRetryPolicyJitterBounds(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
	for i := 0; i < 100; i++ {
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, 160*time.Millisecond)
		assert.LessOrEqual(t, d, 240*time.Millisecond)
	}
}

func TestSleepHonorsContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)

	assert.NoError(t, sleep(context.Background(), time.Millisecond))
	assert.NoError(t, sleep(context.Background(), 0))
}
