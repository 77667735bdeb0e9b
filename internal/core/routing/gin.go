package routing

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/penwyp/route-gateway/internal/core/exchange"
	"github.com/penwyp/route-gateway/internal/core/gwerr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var proxyTracer = otel.Tracer("routing:proxy")

// ProxyHandler 网关入口：匹配路由、创建 exchange、执行过滤器链
//
// 过滤器链失败且响应尚未写出时，按错误分类渲染 {"error": ..., "kind": ...}。
func ProxyHandler(locator *RouteLocator, handler *FilteringHandler, preserveHost bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := proxyTracer.Start(c.Request.Context(), "Gateway.Handle",
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.path", c.Request.URL.Path),
			))
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		ex := exchange.New(c.Writer, c.Request)
		defer ex.Release()

		r, found := locator.Lookup(ctx, c.Request)
		if !found {
			span.SetStatus(codes.Error, "Route not found")
			ex.Logger().Warn("No matching route found",
				zap.String("path", c.Request.URL.Path),
				zap.String("method", c.Request.Method))
			c.JSON(http.StatusNotFound, gin.H{"error": "Route not found"})
			return
		}

		def := r.Definition
		ex.Route = &def
		ex.PreserveHost = preserveHost
		ex.Transition(exchange.StateRouting)
		span.SetAttributes(attribute.String("route", def.ID))

		err := handler.Handle(ex, r)
		if err == nil {
			// 空响应体也要立即写出状态码，否则 gin 的 NoRoute 会把 404 替换成默认页面
			_ = ex.Response.Commit()
			c.Writer.WriteHeaderNow()
			span.SetStatus(codes.Ok, "Request proxied")
			return
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		status := gwerr.StatusOf(err)
		if ex.Response.Committed() {
			ex.Logger().Warn("Exchange failed after response was committed",
				zap.String("route", def.ID),
				zap.Error(err))
			c.Abort()
			return
		}
		ex.Logger().Warn("Exchange failed",
			zap.String("route", def.ID),
			zap.Int("status", status),
			zap.Error(err))
		c.AbortWithStatusJSON(status, errorResponse(err))
	}
}

// errorResponse 只包含分类和可以公开的错误信息
func errorResponse(err error) gin.H {
	return gin.H{
		"error": gwerr.PublicMessage(err),
		"kind":  gwerr.KindOf(err).String(),
	}
}
