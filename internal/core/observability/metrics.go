package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal 网关入口处理的请求数，按方法、路由和最终状态码分类
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of exchanges processed by the gateway",
		},
		[]string{"method", "route", "status"},
	)

	// RequestDuration 整个过滤器链的耗时
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Filter chain latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// ForwardRequests 转发过滤器发往后端的请求数
	// outcome: ok, bad_gateway, timeout, canceled, invalid_status
	ForwardRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_forward_requests_total",
			Help: "Total number of requests forwarded to backends",
		},
		[]string{"route", "outcome"},
	)

	// BackendLatency 从发出请求到收到后端响应头的耗时
	BackendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_backend_latency_seconds",
			Help:    "Time until backend response headers were received",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// LoadBalancerMisses 逻辑服务没有可用实例的次数
	LoadBalancerMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_loadbalancer_misses_total",
			Help: "Total number of load balancer lookups without an available instance",
		},
		[]string{"service"},
	)

	// RouteStoreOperations 路由仓库的写操作
	RouteStoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_route_store_operations_total",
			Help: "Total number of route definition store operations",
		},
		[]string{"op", "result"},
	)

	// BreakerTrips 熔断打开导致的短路次数
	BreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_breaker_trips_total",
			Help: "Total number of requests short-circuited by an open breaker",
		},
		[]string{"command"},
	)

	// AdminAuthFailures 管理接口认证失败次数
	// reason: missing_token, invalid_token, forbidden
	AdminAuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_admin_auth_failures_total",
			Help: "Total number of rejected admin API requests",
		},
		[]string{"reason"},
	)
)

// ResetMetrics 重置所有指标，用于测试
func ResetMetrics() {
	RequestsTotal.Reset()
	RequestDuration.Reset()
	ForwardRequests.Reset()
	BackendLatency.Reset()
	LoadBalancerMisses.Reset()
	RouteStoreOperations.Reset()
	BreakerTrips.Reset()
	AdminAuthFailures.Reset()
}
