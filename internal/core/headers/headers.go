package headers

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/penwyp/route-gateway/internal/core/exchange"
	"github.com/samber/lo"
)

// Type 头部过滤的方向
type Type int

const (
	Request Type = iota
	Response
)

// HeadersFilter 在请求转发前或响应回写前改写头部
type HeadersFilter interface {
	Filter(h http.Header, ex *exchange.Exchange) http.Header
	Supports(t Type) bool
}

// FilterRequest 以入站请求头的副本为输入，依次应用支持 Request 方向的过滤器
func FilterRequest(filters []HeadersFilter, ex *exchange.Exchange) http.Header {
	var h http.Header
	if ex.Request != nil {
		h = ex.Request.Header.Clone()
	}
	if h == nil {
		h = make(http.Header)
	}
	return Filter(filters, h, ex, Request)
}

// Filter 依次应用支持方向 t 的过滤器
func Filter(filters []HeadersFilter, h http.Header, ex *exchange.Exchange, t Type) http.Header {
	for _, f := range filters {
		if f.Supports(t) {
			h = f.Filter(h, ex)
		}
	}
	return h
}

// DefaultHopByHopHeaders 只在单跳连接上有意义，不能被代理转发的头部
var DefaultHopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"Te",
	"Trailer",
	"Proxy-Authorization",
	"Proxy-Authenticate",
	"X-Application-Context",
	"Upgrade",
}

// RemoveHopByHopHeadersFilter 两个方向都移除逐跳头部，以及 Connection 中列出的头部
type RemoveHopByHopHeadersFilter struct {
	headers []string
}

// NewRemoveHopByHopHeadersFilter headers 为空时使用 DefaultHopByHopHeaders
func NewRemoveHopByHopHeadersFilter(headers ...string) *RemoveHopByHopHeadersFilter {
	if len(headers) == 0 {
		headers = DefaultHopByHopHeaders
	}
	return &RemoveHopByHopHeadersFilter{
		headers: lo.Map(headers, func(h string, _ int) string { return http.CanonicalHeaderKey(h) }),
	}
}

func (f *RemoveHopByHopHeadersFilter) Filter(h http.Header, _ *exchange.Exchange) http.Header {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range f.headers {
		h.Del(name)
	}
	return h
}

func (f *RemoveHopByHopHeadersFilter) Supports(Type) bool {
	return true
}

const (
	XForwardedFor   = "X-Forwarded-For"
	XForwardedProto = "X-Forwarded-Proto"
	XForwardedHost  = "X-Forwarded-Host"
	XForwardedPort  = "X-Forwarded-Port"
)

// XForwardedHeadersFilter 给转发的请求追加 X-Forwarded-* 头部
type XForwardedHeadersFilter struct {
	// Append 为 true 时在已有的 X-Forwarded-For 后追加，否则覆盖
	Append bool
}

func (f *XForwardedHeadersFilter) Filter(h http.Header, ex *exchange.Exchange) http.Header {
	r := ex.Request
	if r == nil {
		return h
	}

	if ip := remoteIP(r); ip != "" {
		if prior := h.Get(XForwardedFor); f.Append && prior != "" {
			h.Set(XForwardedFor, prior+", "+ip)
		} else {
			h.Set(XForwardedFor, ip)
		}
	}

	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	h.Set(XForwardedProto, proto)

	if r.Host != "" {
		h.Set(XForwardedHost, r.Host)
		if _, port, err := net.SplitHostPort(r.Host); err == nil {
			h.Set(XForwardedPort, port)
		} else {
			h.Set(XForwardedPort, strconv.Itoa(defaultPort(proto)))
		}
	}
	return h
}

func (f *XForwardedHeadersFilter) Supports(t Type) bool {
	return t == Request
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func defaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

// Defaults 网关默认使用的头部过滤器
func Defaults() []HeadersFilter {
	return []HeadersFilter{
		NewRemoveHopByHopHeadersFilter(),
		&XForwardedHeadersFilter{Append: true},
	}
}
