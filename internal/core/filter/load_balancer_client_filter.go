package filter

import (
	"net"
	"net/http"

	"github.com/penwyp/route-gateway/internal/core/exchange"
	"github.com/penwyp/route-gateway/internal/core/gwerr"
	"github.com/penwyp/route-gateway/internal/core/loadbalancer"
	"github.com/penwyp/route-gateway/internal/core/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// LoadBalancerClientFilterOrder 在解析目标地址之后、转发之前
const LoadBalancerClientFilterOrder = 10100

const lbScheme = "lb"

var lbTracer = otel.Tracer("filter:load-balancer")

// LoadBalancerClientFilter 把 lb://service 形式的目标地址解析为具体实例地址
type LoadBalancerClientFilter struct {
	client loadbalancer.Client
	use404 bool
}

// NewLoadBalancerClientFilter use404 为 true 时没有实例返回 404，否则返回 503
func NewLoadBalancerClientFilter(client loadbalancer.Client, use404 bool) *LoadBalancerClientFilter {
	return &LoadBalancerClientFilter{client: client, use404: use404}
}

func (f *LoadBalancerClientFilter) Order() int {
	return LoadBalancerClientFilterOrder
}

func (f *LoadBalancerClientFilter) Filter(ex *exchange.Exchange, chain Chain) error {
	u := ex.RequestURL
	if u == nil || (u.Scheme != lbScheme && ex.SchemePrefix != lbScheme) {
		return chain.Filter(ex)
	}

	serviceID := u.Hostname()
	ctx, span := lbTracer.Start(ex.Context(), "LoadBalancerClientFilter.Choose",
		trace.WithAttributes(attribute.String("service", serviceID)),
		trace.WithAttributes(attribute.String("url", u.String())))
	ctx = loadbalancer.WithHashKey(ctx, clientIP(ex.Request))

	ex.Logger().Debug("LoadBalancerClientFilter url before", zap.String("url", u.String()))

	instance, err := f.client.Choose(ctx, serviceID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "instance lookup failed")
		span.End()
		observability.LoadBalancerMisses.WithLabelValues(serviceID).Inc()
		return &gwerr.Error{
			Kind:    gwerr.KindNotFound,
			Status:  f.notFoundStatus(),
			Message: "Unable to find instance for " + u.Host,
			Err:     err,
		}
	}
	if instance == nil {
		span.SetStatus(codes.Error, "no instance")
		span.End()
		observability.LoadBalancerMisses.WithLabelValues(serviceID).Inc()
		return gwerr.NotFound(f.notFoundStatus(), "Unable to find instance for %s", u.Host)
	}

	scheme := instance.Scheme()
	if ex.SchemePrefix != "" {
		scheme = u.Scheme
	}

	requestURL := f.client.ReconstructURI(*instance, scheme, u)
	ex.SetRequestURL(requestURL)

	span.SetAttributes(attribute.String("resolved_url", requestURL.String()))
	span.End()
	ex.Logger().Debug("LoadBalancerClientFilter url chosen",
		zap.String("service", serviceID),
		zap.String("url", requestURL.String()))
	return chain.Filter(ex)
}

func (f *LoadBalancerClientFilter) notFoundStatus() int {
	if f.use404 {
		return http.StatusNotFound
	}
	return http.StatusServiceUnavailable
}

func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
