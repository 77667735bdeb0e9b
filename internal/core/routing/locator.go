package routing

import (
	"context"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/penwyp/route-gateway/internal/core/filter"
	"github.com/penwyp/route-gateway/internal/core/filter/factory"
	"github.com/penwyp/route-gateway/internal/core/gwerr"
	"github.com/penwyp/route-gateway/internal/core/route"
	"github.com/penwyp/route-gateway/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var locatorTracer = otel.Tracer("routing:locator")

// Route 编译后的路由：谓词和路由过滤器只在刷新时创建一次
type Route struct {
	Definition route.RouteDefinition
	Filters    []filter.GatewayFilter
	predicates []Predicate
}

// Matches 所有谓词都匹配时返回 true，没有谓词的路由匹配任何请求
func (r *Route) Matches(req *http.Request) bool {
	for _, p := range r.predicates {
		if !p(req) {
			return false
		}
	}
	return true
}

// RouteLocator 从仓库加载路由定义并按 Order 排序，请求匹配读取的是最近一次刷新的快照
type RouteLocator struct {
	repo       route.Repository
	filters    *factory.Registry
	predicates map[string]PredicateFactory
	routes     atomic.Pointer[[]*Route]
}

func NewRouteLocator(repo route.Repository, filters *factory.Registry) *RouteLocator {
	l := &RouteLocator{
		repo:       repo,
		filters:    filters,
		predicates: defaultPredicates(),
	}
	empty := make([]*Route, 0)
	l.routes.Store(&empty)
	return l
}

// Refresh 重新编译仓库中的全部路由
//
// 谓词或过滤器无法创建的路由被跳过并记录警告，不影响其它路由。
func (l *RouteLocator) Refresh(ctx context.Context) error {
	defs, err := l.repo.List(ctx)
	if err != nil {
		logger.Error("Failed to load route definitions", zap.Error(err))
		return err
	}

	compiled := make([]*Route, 0, len(defs))
	for _, def := range defs {
		r, err := l.compile(def)
		if err != nil {
			logger.Warn("Skipping route",
				zap.String("route", def.ID),
				zap.String("uri", def.URI),
				zap.Error(err))
			continue
		}
		compiled = append(compiled, r)
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Definition.Order < compiled[j].Definition.Order
	})
	l.routes.Store(&compiled)

	logger.Info("Routes refreshed",
		zap.Int("definitions", len(defs)),
		zap.Int("active", len(compiled)))
	return nil
}

func (l *RouteLocator) compile(def route.RouteDefinition) (*Route, error) {
	if _, err := def.ParsedURI(); err != nil {
		return nil, err
	}
	r := &Route{Definition: def}
	for _, pd := range def.Predicates {
		pf, ok := l.predicates[pd.Name]
		if !ok {
			return nil, gwerr.InvalidArgument("Unable to find RoutePredicateFactory with name %s", pd.Name)
		}
		p, err := pf(pd)
		if err != nil {
			return nil, err
		}
		r.predicates = append(r.predicates, p)
	}
	filters, err := l.filters.Build(def)
	if err != nil {
		return nil, err
	}
	r.Filters = filters
	return r, nil
}

// Routes 当前快照，调用方不能修改
func (l *RouteLocator) Routes() []*Route {
	return *l.routes.Load()
}

// Lookup 返回第一个匹配请求的路由
func (l *RouteLocator) Lookup(ctx context.Context, req *http.Request) (*Route, bool) {
	_, span := locatorTracer.Start(ctx, "RouteLocator.Lookup",
		trace.WithAttributes(attribute.String("path", req.URL.Path)))
	defer span.End()

	for _, r := range l.Routes() {
		if r.Matches(req) {
			span.SetAttributes(attribute.String("route", r.Definition.ID))
			span.SetStatus(codes.Ok, "Route matched")
			return r, true
		}
	}
	span.SetStatus(codes.Error, "Route not found")
	return nil, false
}

// Watch 按固定间隔刷新，用于其它实例也会写入的共享仓库，ctx 结束时返回
func (l *RouteLocator) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = l.Refresh(ctx)
		}
	}
}
