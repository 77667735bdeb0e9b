package routing

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/penwyp/route-gateway/internal/core/filter"
	"github.com/penwyp/route-gateway/internal/core/filter/factory"
	"github.com/penwyp/route-gateway/internal/core/headers"
	"github.com/penwyp/route-gateway/internal/core/loadbalancer"
	"github.com/penwyp/route-gateway/internal/core/route"
	"github.com/penwyp/route-gateway/pkg/logger"
	"go.uber.org/zap"
)

// Options 组装网关所需的依赖
type Options struct {
	Repository   route.Repository
	Filters      *factory.Registry
	LoadBalancer loadbalancer.Client
	Clients      filter.ClientProvider
	// HeadersFilters 为空时使用 headers.Defaults()
	HeadersFilters  []headers.HeadersFilter
	ResponseTimeout time.Duration
	Use404          bool
	PreserveHost    bool
}

// Gateway 路由定位、过滤器链和管理接口
type Gateway struct {
	Locator      *RouteLocator
	Handler      *FilteringHandler
	Admin        *AdminAPI
	preserveHost bool
}

// GlobalFilters 每个 exchange 都会经过的核心过滤器
func GlobalFilters(opts Options) []filter.GlobalFilter {
	hf := opts.HeadersFilters
	if len(hf) == 0 {
		hf = headers.Defaults()
	}
	return []filter.GlobalFilter{
		&filter.WriteResponseFilter{},
		&filter.RouteToRequestURLFilter{},
		filter.NewLoadBalancerClientFilter(opts.LoadBalancer, opts.Use404),
		filter.NewRoutingFilter(opts.Clients, hf, opts.ResponseTimeout),
	}
}

// New 创建网关，路由需要调用 Locator.Refresh 后才生效
func New(opts Options) *Gateway {
	registry := opts.Filters
	if registry == nil {
		registry = factory.Defaults(factory.Config{})
	}
	locator := NewRouteLocator(opts.Repository, registry)
	return &Gateway{
		Locator:      locator,
		Handler:      NewFilteringHandler(GlobalFilters(opts)...),
		Admin:        NewAdminAPI(opts.Repository, locator),
		preserveHost: opts.PreserveHost,
	}
}

// Setup 管理接口挂在 adminPrefix 下并经过 adminMiddleware，其余未匹配的请求都交给网关转发
//
// 返回管理接口的路由组，adminPrefix 为空时返回 nil。
func (g *Gateway) Setup(r *gin.Engine, adminPrefix string, adminMiddleware ...gin.HandlerFunc) *gin.RouterGroup {
	var admin *gin.RouterGroup
	if adminPrefix != "" {
		admin = r.Group(adminPrefix, adminMiddleware...)
		g.Admin.Register(admin)
		logger.Info("Route admin API mounted",
			zap.String("prefix", adminPrefix),
			zap.Int("middlewares", len(adminMiddleware)))
	}
	r.NoRoute(ProxyHandler(g.Locator, g.Handler, g.preserveHost))
	return admin
}
