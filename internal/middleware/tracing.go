package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/penwyp/route-gateway/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// TraceIDKey gin.Context 中保存 trace id 的键
const TraceIDKey = "trace_id"

// Tracing 返回分布式追踪中间件
//
// 从请求头恢复上游的追踪上下文，并把新 span 写回请求头，转发到后端时追踪链路不会断开。
func Tracing() gin.HandlerFunc {
	return func(c *gin.Context) {
		tracer := otel.Tracer("route-gateway")
		propagator := otel.GetTextMapPropagator()

		ctx := propagator.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "Request:Enter",
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.path", c.Request.URL.Path),
				attribute.String("http.host", c.Request.Host),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		propagator.Inject(ctx, propagation.HeaderCarrier(c.Request.Header))

		spanCtx := span.SpanContext()
		if spanCtx.HasTraceID() {
			traceID := spanCtx.TraceID().String()
			c.Set(TraceIDKey, traceID)
			logger.WithTrace(traceID).Debug("Request received",
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
			)
		}

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			attribute.Int("http.status_code", status),
			attribute.Float64("http.duration_seconds", time.Since(start).Seconds()),
		)
		if len(c.Errors) > 0 {
			span.RecordError(c.Errors[0])
			span.SetStatus(codes.Error, c.Errors[0].Error())
		} else if status >= 500 {
			span.SetStatus(codes.Error, "server error")
		}
	}
}
