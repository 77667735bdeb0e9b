package factory

import (
	"fmt"
	"net/http"
	"time"

	"github.com/penwyp/route-gateway/internal/core/exchange"
	"github.com/penwyp/route-gateway/internal/core/filter"
	"github.com/penwyp/route-gateway/internal/core/gwerr"
	"github.com/penwyp/route-gateway/internal/core/route"
	"github.com/penwyp/route-gateway/internal/core/traffic"
)

// HystrixFactory Hystrix=commandName 用熔断器包住链中剩余的过滤器
//
// 命令名缺省为路由 id。失败、超时和 5xx 响应计入错误率，熔断打开时直接返回 503。
type HystrixFactory struct {
	Config traffic.BreakerConfig
}

func (f *HystrixFactory) Name() string { return "Hystrix" }

func (f *HystrixFactory) Apply(routeID string, args *route.Args) (filter.GatewayFilter, error) {
	command, ok := arg(args, 0, "name")
	if !ok || command == "" {
		command = routeID
	}
	cfg := f.Config
	if cfg == (traffic.BreakerConfig{}) {
		cfg = traffic.DefaultBreakerConfig()
	}
	breaker := traffic.NewBreaker(command, cfg)

	return filter.Func(func(ex *exchange.Exchange, chain filter.Chain) error {
		if !breaker.Allow() {
			return &gwerr.Error{
				Kind:    gwerr.KindBadGateway,
				Status:  http.StatusServiceUnavailable,
				Message: fmt.Sprintf("circuit %s is open", command),
			}
		}
		start := time.Now()
		err := chain.Filter(ex)
		success := err == nil && ex.Response.StatusCode() < http.StatusInternalServerError
		breaker.Report(success, gwerr.Is(err, gwerr.KindTimeout), start)
		return err
	}), nil
}

// RequestRateLimiterFactory RequestRateLimiter=qps[,burst] 超出速率的请求排队等待
type RequestRateLimiterFactory struct {
	Burst int
}

func (f *RequestRateLimiterFactory) Name() string { return "RequestRateLimiter" }

func (f *RequestRateLimiterFactory) Apply(routeID string, args *route.Args) (filter.GatewayFilter, error) {
	qps, err := intArg(f.Name(), args, 0, 0, "replenishRate")
	if err != nil {
		return nil, err
	}
	if qps <= 0 {
		return nil, gwerr.InvalidArgument("%s requires a positive replenishRate", f.Name())
	}
	burst, err := intArg(f.Name(), args, 1, f.Burst, "burstCapacity")
	if err != nil {
		return nil, err
	}
	limiter := traffic.NewTokenBucketLimiter(routeID, qps, burst)

	return filter.Func(func(ex *exchange.Exchange, chain filter.Chain) error {
		if _, err := limiter.Wait(ex.Context()); err != nil {
			return fmt.Errorf("waiting for rate limiter: %w", err)
		}
		return chain.Filter(ex)
	}), nil
}
