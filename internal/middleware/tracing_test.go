package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/penwyp/route-gateway/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const upstreamTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"

func setupTracing(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	logger.InitTestLogger()
	gin.SetMode(gin.TestMode)

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return recorder
}

func TestTracing_ContinuesUpstreamTrace(t *testing.T) {
	recorder := setupTracing(t)

	var traceID, forwarded string
	r := gin.New()
	r.Use(Tracing())
	r.GET("/orders", func(c *gin.Context) {
		traceID = c.GetString(TraceIDKey)
		forwarded = c.Request.Header.Get("traceparent")
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("traceparent", "00-"+upstreamTraceID+"-00f067aa0ba902b7-01")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, upstreamTraceID, traceID)
	assert.Contains(t, forwarded, upstreamTraceID)
	assert.NotContains(t, forwarded, "00f067aa0ba902b7", "the gateway span becomes the parent")

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "Request:Enter", spans[0].Name())
	assert.Equal(t, upstreamTraceID, spans[0].SpanContext().TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", spans[0].Parent().SpanID().String())
}

func TestTracing_MarksServerErrors(t *testing.T) {
	recorder := setupTracing(t)

	r := gin.New()
	r.Use(Tracing())
	r.GET("/fail", func(c *gin.Context) {
		c.Status(http.StatusBadGateway)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fail", nil))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}
