package traffic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 连续获取的配额间隔接近 1/qps
func TestTokenBucketLimiter_Paces(t *testing.T) {
	limiter := NewTokenBucketLimiter("paces", 20, 0)

	start := time.Now()
	for i := 0; i < 6; i++ {
		limiter.Take()
	}
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestTokenBucketLimiter_WaitReportsCanceled(t *testing.T) {
	limiter := NewTokenBucketLimiter("canceled", 1000, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := limiter.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTokenBucketLimiter_Wait(t *testing.T) {
	limiter := NewTokenBucketLimiter("wait", 10, 0)
	_, err := limiter.Wait(context.Background())
	require.NoError(t, err)

	waited, err := limiter.Wait(context.Background())
	require.NoError(t, err)
	assert.Greater(t, waited, 50*time.Millisecond)
}
