package factory

import (
	"strings"

	"github.com/penwyp/route-gateway/internal/core/exchange"
	"github.com/penwyp/route-gateway/internal/core/filter"
	"github.com/penwyp/route-gateway/internal/core/gwerr"
	"github.com/penwyp/route-gateway/internal/core/route"
)

// AddRequestHeaderFactory AddRequestHeader=X-Name,value
type AddRequestHeaderFactory struct{}

func (f *AddRequestHeaderFactory) Name() string { return "AddRequestHeader" }

func (f *AddRequestHeaderFactory) Apply(_ string, args *route.Args) (filter.GatewayFilter, error) {
	name, err := requiredArg(f.Name(), args, 0, "name")
	if err != nil {
		return nil, err
	}
	value, _ := arg(args, 1, "value")
	return filter.Func(func(ex *exchange.Exchange, chain filter.Chain) error {
		ex.Request.Header.Add(name, value)
		return chain.Filter(ex)
	}), nil
}

// AddResponseHeaderFactory AddResponseHeader=X-Name,value
//
// 在后端响应头复制完成之后、响应写出之前追加。
type AddResponseHeaderFactory struct{}

func (f *AddResponseHeaderFactory) Name() string { return "AddResponseHeader" }

func (f *AddResponseHeaderFactory) Apply(_ string, args *route.Args) (filter.GatewayFilter, error) {
	name, err := requiredArg(f.Name(), args, 0, "name")
	if err != nil {
		return nil, err
	}
	value, _ := arg(args, 1, "value")
	return filter.Func(func(ex *exchange.Exchange, chain filter.Chain) error {
		if err := chain.Filter(ex); err != nil {
			return err
		}
		if !ex.Response.Committed() {
			ex.Response.Header().Add(name, value)
		}
		return nil
	}), nil
}

// PreserveHostHeaderFactory 转发时使用客户端原始的 Host
type PreserveHostHeaderFactory struct{}

func (f *PreserveHostHeaderFactory) Name() string { return "PreserveHostHeader" }

func (f *PreserveHostHeaderFactory) Apply(string, *route.Args) (filter.GatewayFilter, error) {
	return filter.Func(func(ex *exchange.Exchange, chain filter.Chain) error {
		ex.PreserveHost = true
		return chain.Filter(ex)
	}), nil
}

// StripPrefixFactory StripPrefix=2 去掉请求路径的前 n 段
type StripPrefixFactory struct{}

func (f *StripPrefixFactory) Name() string { return "StripPrefix" }

func (f *StripPrefixFactory) Apply(_ string, args *route.Args) (filter.GatewayFilter, error) {
	parts, err := intArg(f.Name(), args, 0, 1, "parts")
	if err != nil {
		return nil, err
	}
	if parts < 0 {
		return nil, gwerr.InvalidArgument("%s parts must not be negative: %d", f.Name(), parts)
	}
	return filter.Func(func(ex *exchange.Exchange, chain filter.Chain) error {
		u := *ex.Request.URL
		u.Path = stripSegments(u.Path, parts)
		u.RawPath = ""
		ex.Request.URL = &u
		return chain.Filter(ex)
	}), nil
}

func stripSegments(path string, n int) string {
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if n >= len(segments) {
		return "/"
	}
	stripped := "/" + strings.Join(segments[n:], "/")
	if strings.HasSuffix(path, "/") && !strings.HasSuffix(stripped, "/") {
		stripped += "/"
	}
	return stripped
}
