package factory

import (
	"sort"
	"strconv"
	"sync"

	"github.com/penwyp/route-gateway/internal/core/filter"
	"github.com/penwyp/route-gateway/internal/core/gwerr"
	"github.com/penwyp/route-gateway/internal/core/route"
	"github.com/penwyp/route-gateway/internal/core/traffic"
	"github.com/penwyp/route-gateway/pkg/logger"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Factory 按路由定义中的参数创建路由过滤器
type Factory interface {
	Name() string
	Apply(routeID string, args *route.Args) (filter.GatewayFilter, error)
}

// Config 工厂的默认参数
type Config struct {
	Breaker        traffic.BreakerConfig `mapstructure:"breaker" yaml:"breaker"`
	RateLimitBurst int                   `mapstructure:"rateLimitBurst" yaml:"rateLimitBurst"`
}

// Registry 按名称查找过滤器工厂
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry(factories ...Factory) *Registry {
	r := &Registry{factories: make(map[string]Factory, len(factories))}
	for _, f := range factories {
		r.Register(f)
	}
	return r
}

// Defaults 注册内置的全部工厂
func Defaults(cfg Config) *Registry {
	return NewRegistry(
		&AddRequestHeaderFactory{},
		&AddResponseHeaderFactory{},
		&PreserveHostHeaderFactory{},
		&StripPrefixFactory{},
		&HystrixFactory{Config: cfg.Breaker},
		&RequestRateLimiterFactory{Burst: cfg.RateLimitBurst},
	)
}

// Register 同名工厂会被替换
func (r *Registry) Register(f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[f.Name()] = f
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := lo.Keys(r.factories)
	sort.Strings(names)
	return names
}

// Build 为路由创建过滤器，第 i 个定义的顺序为 i+1
func (r *Registry) Build(def route.RouteDefinition) ([]filter.GatewayFilter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	filters := make([]filter.GatewayFilter, 0, len(def.Filters))
	for i, fd := range def.Filters {
		f, ok := r.factories[fd.Name]
		if !ok {
			return nil, gwerr.InvalidArgument("Unable to find GatewayFilterFactory with name %s", fd.Name)
		}
		gf, err := f.Apply(def.ID, fd.Args)
		if err != nil {
			logger.Warn("Failed to build route filter",
				zap.String("route", def.ID),
				zap.String("filter", fd.String()),
				zap.Error(err))
			return nil, err
		}
		filters = append(filters, filter.NewOrderedFilter(gf, i+1))
	}
	return filters, nil
}

// arg 先按名称查找，再按位置查找紧凑文本生成的 _genkey_<index>
func arg(args *route.Args, index int, names ...string) (string, bool) {
	for _, n := range names {
		if v, ok := args.Get(n); ok {
			return v, true
		}
	}
	return args.Get(route.GenerateName(index))
}

func requiredArg(filterName string, args *route.Args, index int, names ...string) (string, error) {
	v, ok := arg(args, index, names...)
	if !ok || v == "" {
		return "", gwerr.InvalidArgument("%s requires argument %s", filterName, names[0])
	}
	return v, nil
}

func intArg(filterName string, args *route.Args, index, fallback int, names ...string) (int, error) {
	v, ok := arg(args, index, names...)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, gwerr.InvalidArgument("%s argument %s is not a number: %q", filterName, names[0], v)
	}
	return n, nil
}
