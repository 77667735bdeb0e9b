package traffic

import (
	"context"
	"time"

	"github.com/penwyp/route-gateway/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	uberRatelimit "go.uber.org/ratelimit"
	"go.uber.org/zap"
)

// rateLimitDelay 限流器让请求等待的时间
var rateLimitDelay = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "gateway_ratelimit_delay_seconds",
		Help:    "Time requests were paced by a rate limiter",
		Buckets: []float64{0, .001, .005, .01, .05, .1, .5, 1},
	},
	[]string{"key"},
)

// TokenBucketLimiter 按固定速率放行请求，超出速率的请求被推迟而不是拒绝
type TokenBucketLimiter struct {
	key     string
	limiter uberRatelimit.Limiter
}

// NewTokenBucketLimiter burst 为 0 时不允许积攒空闲时的配额
func NewTokenBucketLimiter(key string, qps, burst int) *TokenBucketLimiter {
	opt := uberRatelimit.WithoutSlack
	if burst > 0 {
		opt = uberRatelimit.WithSlack(burst)
	}
	l := &TokenBucketLimiter{
		key:     key,
		limiter: uberRatelimit.New(qps, opt),
	}
	logger.Info("TokenBucketLimiter initialized",
		zap.String("key", key),
		zap.Int("qps", qps),
		zap.Int("burst", burst))
	return l
}

func (tbl *TokenBucketLimiter) Take() time.Time {
	return tbl.limiter.Take()
}

// Wait 等待下一个配额，返回实际等待的时间
//
// Take 本身不可中断，ctx 在等待结束后检查：已经取消的请求不再继续处理。
func (tbl *TokenBucketLimiter) Wait(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	tbl.limiter.Take()
	waited := time.Since(start)
	rateLimitDelay.WithLabelValues(tbl.key).Observe(waited.Seconds())
	if waited > time.Millisecond {
		logger.Debug("Request paced by rate limiter",
			zap.String("key", tbl.key),
			zap.Duration("wait", waited))
	}
	return waited, ctx.Err()
}
