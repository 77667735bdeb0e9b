package filter

import (
	"net/url"
	"regexp"

	"github.com/penwyp/route-gateway/internal/core/exchange"
	"github.com/penwyp/route-gateway/internal/core/gwerr"
	"go.uber.org/zap"
)

// RouteToRequestURLFilterOrder 在负载均衡过滤器之前
const RouteToRequestURLFilterOrder = 10000

// schemePattern 匹配 lb:http://host 中冒号后的部分是否也带有 scheme
var schemePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.\-]*:.*`)

// RouteToRequestURLFilter 用路由 URI 的 scheme 和 host 替换入站请求的 scheme 和 host，得到目标地址
//
// 路由 URI 形如 lb:http://svc 时记录前缀 lb，目标地址使用 http://svc。
type RouteToRequestURLFilter struct{}

func (f *RouteToRequestURLFilter) Order() int {
	return RouteToRequestURLFilterOrder
}

func (f *RouteToRequestURLFilter) Filter(ex *exchange.Exchange, chain Chain) error {
	if ex.Route == nil || ex.Request == nil {
		return chain.Filter(ex)
	}

	routeURI, err := ex.Route.ParsedURI()
	if err != nil {
		return err
	}
	if routeURI.Host == "" && routeURI.Opaque != "" && schemePattern.MatchString(routeURI.Opaque) {
		ex.SchemePrefix = routeURI.Scheme
		inner, err := url.Parse(routeURI.Opaque)
		if err != nil {
			return gwerr.InvalidArgument("route %s has invalid uri %q: %v", ex.Route.ID, ex.Route.URI, err)
		}
		routeURI = inner
	}
	if routeURI.Host == "" {
		return gwerr.InvalidArgument("route %s uri %q has no host", ex.Route.ID, ex.Route.URI)
	}

	merged := *ex.Request.URL
	merged.Scheme = routeURI.Scheme
	merged.Host = routeURI.Host
	merged.User = nil
	merged.Opaque = ""
	merged.Fragment = ""
	merged.RawFragment = ""
	ex.SetRequestURL(&merged)

	ex.Logger().Debug("Request url resolved from route",
		zap.String("route", ex.Route.ID),
		zap.String("url", merged.String()),
		zap.String("schemePrefix", ex.SchemePrefix))
	return chain.Filter(ex)
}
