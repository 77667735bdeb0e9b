package loadbalancer

import (
	"context"
	"sync"

	"github.com/penwyp/route-gateway/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var rrTracer = otel.Tracer("loadbalancer:round-robin")

// RoundRobin 每个服务独立计数的轮询
type RoundRobin struct {
	mu   sync.Mutex
	next map[string]uint32
}

// NewRoundRobin 创建轮询负载均衡器
func NewRoundRobin() *RoundRobin {
	logger.Info("RoundRobin load balancer initialized")
	return &RoundRobin{next: make(map[string]uint32)}
}

func (rr *RoundRobin) Type() string {
	return "round-robin"
}

// Select 按顺序选择下一个实例
func (rr *RoundRobin) Select(ctx context.Context, serviceID string, instances []ServiceInstance) *ServiceInstance {
	_, span := rrTracer.Start(ctx, "LoadBalancer.Select",
		trace.WithAttributes(attribute.String("type", rr.Type())),
		trace.WithAttributes(attribute.String("service", serviceID)),
		trace.WithAttributes(attribute.Int("instance_count", len(instances))))
	defer span.End()

	if len(instances) == 0 {
		logger.Warn("No instances available for round-robin selection", zap.String("service", serviceID))
		span.SetAttributes(attribute.String("result", "no instances"))
		return nil
	}

	rr.mu.Lock()
	index := rr.next[serviceID] % uint32(len(instances))
	rr.next[serviceID]++
	rr.mu.Unlock()

	selected := instances[index]
	span.SetAttributes(attribute.String("selected_instance", selected.Address()))
	logger.Debug("Selected instance using round-robin",
		zap.String("service", serviceID),
		zap.String("instance", selected.Address()),
		zap.Uint32("index", index))
	return &selected
}
