package filter

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/penwyp/route-gateway/internal/core/exchange"
	"github.com/penwyp/route-gateway/internal/core/gwerr"
	"github.com/penwyp/route-gateway/internal/core/headers"
	"github.com/penwyp/route-gateway/internal/core/observability"
	"github.com/samber/lo"
	"github.com/valyala/fasthttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RoutingFilterOrder 核心过滤器中最后执行
const RoutingFilterOrder = LowestPrecedence

var routingTracer = otel.Tracer("filter:routing")

// ClientProvider 按目标地址提供复用连接的 HostClient
type ClientProvider interface {
	GetClient(target string) (*fasthttp.HostClient, error)
}

// ReadDeadlineExtender 收到响应头后为连接重新设置读超时，响应体不受等待响应头的超时限制
type ReadDeadlineExtender interface {
	ExtendReadDeadline(local net.Addr) bool
}

// RoutingFilter 把请求转发到解析后的 http/https 目标地址，收到响应头后把响应交给后续过滤器
//
// 请求体以流的方式发送，响应体不在这里读取。
type RoutingFilter struct {
	clients         ClientProvider
	headersFilters  []headers.HeadersFilter
	responseTimeout time.Duration
}

// NewRoutingFilter responseTimeout 为 0 表示不限制等待响应头的时间
func NewRoutingFilter(clients ClientProvider, headersFilters []headers.HeadersFilter, responseTimeout time.Duration) *RoutingFilter {
	return &RoutingFilter{
		clients:         clients,
		headersFilters:  headersFilters,
		responseTimeout: responseTimeout,
	}
}

func (f *RoutingFilter) Order() int {
	return RoutingFilterOrder
}

type forwardResult struct {
	err error
}

func (f *RoutingFilter) Filter(ex *exchange.Exchange, chain Chain) error {
	u := ex.RequestURL
	if ex.State() >= exchange.StateForwarding || u == nil || (u.Scheme != "http" && u.Scheme != "https") {
		return chain.Filter(ex)
	}
	if !ex.MarkRouted() {
		return chain.Filter(ex)
	}
	ex.Transition(exchange.StateForwarding)

	routeID := ex.RouteID()
	ctx, span := routingTracer.Start(ex.Context(), "RoutingFilter.Forward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("route", routeID),
			attribute.String("method", ex.Request.Method),
			attribute.String("url", u.String())))
	defer span.End()

	client, err := f.clients.GetClient(u.String())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		observability.ForwardRequests.WithLabelValues(routeID, "bad_gateway").Inc()
		return gwerr.BadGateway(err, "no connection pool for %s", u.Host)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	body := f.buildRequest(ex, req)
	otel.GetTextMapPropagator().Inject(ctx, fasthttpHeaderCarrier{&req.Header})
	callTimeout := f.callTimeout(ctx)
	if callTimeout > 0 {
		// 超时后由 fasthttp 关闭连接，放弃的调用不会继续占用连接
		req.SetTimeout(callTimeout)
	}

	start := time.Now()
	done := make(chan forwardResult, 1)
	go func() {
		done <- forwardResult{err: client.Do(req, resp)}
	}()

	var timeout <-chan time.Time
	if f.responseTimeout > 0 {
		timer := time.NewTimer(f.responseTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-done:
		fasthttp.ReleaseRequest(req)
		if res.err != nil {
			fasthttp.ReleaseResponse(resp)
			mapped := classifyForwardError(res.err, u.Host)
			span.RecordError(res.err)
			span.SetStatus(codes.Error, mapped.Error())
			observability.ForwardRequests.WithLabelValues(routeID, outcomeOf(mapped)).Inc()
			ex.Logger().Warn("Failed to forward request",
				zap.String("route", routeID),
				zap.String("url", u.String()),
				zap.Error(res.err))
			return mapped
		}
	case <-timeout:
		body.detach()
		abandon(done, req, resp)
		span.SetStatus(codes.Error, "response timeout")
		observability.ForwardRequests.WithLabelValues(routeID, "timeout").Inc()
		ex.Logger().Warn("Backend response timeout",
			zap.String("route", routeID),
			zap.String("url", u.String()),
			zap.Duration("timeout", f.responseTimeout))
		return gwerr.Timeout(nil, "Response took longer than timeout: %s", f.responseTimeout)
	case <-ctx.Done():
		body.detach()
		abandon(done, req, resp)
		span.SetStatus(codes.Error, "canceled")
		observability.ForwardRequests.WithLabelValues(routeID, "canceled").Inc()
		return canceled(ctx.Err(), f)
	}

	observability.BackendLatency.WithLabelValues(routeID).Observe(time.Since(start).Seconds())
	if ext, ok := f.clients.(ReadDeadlineExtender); ok && callTimeout > 0 {
		ext.ExtendReadDeadline(resp.LocalAddr())
	}
	ex.ClientResponse = resp
	ex.ClientConnection = client
	ex.OnRelease(func() {
		_ = resp.CloseBodyStream()
		fasthttp.ReleaseResponse(resp)
	})

	status := resp.StatusCode()
	span.SetAttributes(attribute.Int("status", status))
	if !ex.Response.SetStatusCode(status) {
		observability.ForwardRequests.WithLabelValues(routeID, "invalid_status").Inc()
		span.SetStatus(codes.Error, "invalid status")
		return gwerr.Internal(nil, "Unable to convert status code %d from %s", status, u.Host)
	}

	backendHeaders := responseHeaders(&resp.Header)
	ex.OriginalResponseContentType = backendHeaders.Get("Content-Type")
	filtered := headers.Filter(f.headersFilters, backendHeaders, ex, headers.Response)
	dropTransferEncoding(filtered)

	names := lo.Keys(filtered)
	sort.Strings(names)
	ex.ClientResponseHeaderNames = names
	out := ex.Response.Header()
	for name, values := range filtered {
		out[name] = values
	}

	ex.Transition(exchange.StateResponding)
	observability.ForwardRequests.WithLabelValues(routeID, "ok").Inc()
	ex.Logger().Debug("Backend responded",
		zap.String("route", routeID),
		zap.String("url", u.String()),
		zap.Int("status", status),
		zap.Duration("latency", time.Since(start)))
	return chain.Filter(ex)
}

// callTimeout 取响应超时和 ctx 剩余时间中较短的一个，0 表示不限制
func (f *RoutingFilter) callTimeout(ctx context.Context) time.Duration {
	timeout := f.responseTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && (timeout <= 0 || remaining < timeout) {
			timeout = remaining
		}
	}
	return timeout
}

// buildRequest 入站 Host 一律丢弃，只有 PreserveHost 时使用客户端原始的 Host
func (f *RoutingFilter) buildRequest(ex *exchange.Exchange, req *fasthttp.Request) *detachableBody {
	in := ex.Request
	req.SetRequestURI(ex.RequestURL.String())
	req.Header.SetMethod(in.Method)

	filtered := headers.FilterRequest(f.headersFilters, ex)
	filtered.Del("Host")
	filtered.Del("Content-Length")
	for name, values := range filtered {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	if ex.PreserveHost {
		req.UseHostHeader = true
		req.Header.SetHost(in.Host)
	}

	body := &detachableBody{r: in.Body}
	if in.Body != nil && in.Body != http.NoBody {
		req.SetBodyStream(body, int(in.ContentLength))
	}
	return body
}

var errBodyDetached = errors.New("request body detached from abandoned backend call")

// detachableBody 放弃后端调用后不再读取入站请求体，入站请求在处理函数返回后不能再被读取
type detachableBody struct {
	r        io.Reader
	detached atomic.Bool
}

func (b *detachableBody) Read(p []byte) (int, error) {
	if b.detached.Load() {
		return 0, errBodyDetached
	}
	return b.r.Read(p)
}

func (b *detachableBody) detach() {
	b.detached.Store(true)
}

// responseHeaders 转换为 http.Header，Set-Cookie 等重复头部保留全部取值
func responseHeaders(h *fasthttp.ResponseHeader) http.Header {
	out := make(http.Header)
	h.VisitAll(func(key, value []byte) {
		out.Add(string(key), string(value))
	})
	return out
}

// dropTransferEncoding 同时存在时只保留 Content-Length
func dropTransferEncoding(h http.Header) {
	if h.Get("Content-Length") != "" && h.Get("Transfer-Encoding") != "" {
		h.Del("Transfer-Encoding")
	}
}

// abandon 放弃等待中的后端调用，调用结束后再归还请求、响应和连接
//
// 设置了响应超时时调用最迟在超时时结束，否则由连接池的 ReadTimeout 兜底。
func abandon(done <-chan forwardResult, req *fasthttp.Request, resp *fasthttp.Response) {
	go func() {
		<-done
		fasthttp.ReleaseRequest(req)
		_ = resp.CloseBodyStream()
		fasthttp.ReleaseResponse(resp)
	}()
}

func classifyForwardError(err error, host string) error {
	if errors.Is(err, fasthttp.ErrTimeout) {
		return gwerr.Timeout(err, "backend %s timed out", host)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return gwerr.BadGateway(err, "connection to %s closed unexpectedly", host)
	}
	return gwerr.BadGateway(err, "Unable to connect to %s", host)
}

func outcomeOf(err error) string {
	if gwerr.Is(err, gwerr.KindTimeout) {
		return "timeout"
	}
	return "bad_gateway"
}

// fasthttpHeaderCarrier 把 trace 上下文注入到转发请求
type fasthttpHeaderCarrier struct {
	h *fasthttp.RequestHeader
}

var _ propagation.TextMapCarrier = fasthttpHeaderCarrier{}

func (c fasthttpHeaderCarrier) Get(key string) string {
	return string(c.h.Peek(key))
}

func (c fasthttpHeaderCarrier) Set(key, value string) {
	c.h.Set(key, value)
}

func (c fasthttpHeaderCarrier) Keys() []string {
	var keys []string
	c.h.VisitAll(func(key, _ []byte) {
		keys = append(keys, string(key))
	})
	return keys
}
