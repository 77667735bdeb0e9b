package observability

import (
	"context"

	"github.com/penwyp/route-gateway/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.uber.org/zap"
)

// ServiceName 上报到追踪后端的服务名
const ServiceName = "route-gateway"

// TracingConfig OTLP 追踪配置
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	Sampler     string  `mapstructure:"sampler" yaml:"sampler"` // always | ratio
	SampleRatio float64 `mapstructure:"sampleRatio" yaml:"sampleRatio"`
}

// InitTracing 初始化 OTLP 追踪，返回用于退出时刷新数据的关闭函数
func InitTracing(cfg TracingConfig, version string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		logger.Info("Tracing is disabled in configuration")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(context.Background(),
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithURLPath("/v1/traces"),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		logger.Error("Failed to initialize OTLP exporter",
			zap.String("endpoint", cfg.Endpoint),
			zap.Error(err))
		return nil, err
	}

	var sampler sdktrace.Sampler
	switch cfg.Sampler {
	case "always", "":
		sampler = sdktrace.AlwaysSample()
	case "ratio":
		// 上游已经带了 trace 时跟随上游的采样决定
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	default:
		sampler = sdktrace.AlwaysSample()
		logger.Warn("Unknown sampler type detected, defaulting to 'always'",
			zap.String("sampler", cfg.Sampler))
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(ServiceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		logger.Error("Failed to create tracing resource", zap.Error(err))
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("Distributed tracing initialized successfully",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("sampler", cfg.Sampler),
		zap.Float64("sampleRatio", cfg.SampleRatio))

	return tp.Shutdown, nil
}
