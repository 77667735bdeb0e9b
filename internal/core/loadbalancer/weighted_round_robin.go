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

var wrrTracer = otel.Tracer("loadbalancer:weighted-round-robin")

// WeightedRoundRobin 按实例权重轮询，权重缺省 (<=0) 按 1 计算
type WeightedRoundRobin struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewWeightedRoundRobin 创建加权轮询负载均衡器
func NewWeightedRoundRobin() *WeightedRoundRobin {
	logger.Info("WeightedRoundRobin load balancer initialized")
	return &WeightedRoundRobin{counts: make(map[string]int)}
}

func (wrr *WeightedRoundRobin) Type() string {
	return "weighted-round-robin"
}

func effectiveWeight(s ServiceInstance) int {
	if s.Weight <= 0 {
		return 1
	}
	return s.Weight
}

// Select 计数器在总权重上取模后落到累计权重区间
//
//	weights 1,2,3 (total 6)
//	count    0 1 2 3 4 5 6 7 ...
//	selected 1 2 2 3 3 3 1 2 ...
func (wrr *WeightedRoundRobin) Select(ctx context.Context, serviceID string, instances []ServiceInstance) *ServiceInstance {
	_, span := wrrTracer.Start(ctx, "LoadBalancer.Select",
		trace.WithAttributes(attribute.String("type", wrr.Type())),
		trace.WithAttributes(attribute.String("service", serviceID)),
		trace.WithAttributes(attribute.Int("instance_count", len(instances))))
	defer span.End()

	if len(instances) == 0 {
		logger.Warn("No instances available for weighted round-robin selection", zap.String("service", serviceID))
		span.SetAttributes(attribute.String("result", "no instances"))
		return nil
	}

	total := 0
	for _, inst := range instances {
		total += effectiveWeight(inst)
	}

	wrr.mu.Lock()
	current := wrr.counts[serviceID] % total
	wrr.counts[serviceID] = (wrr.counts[serviceID] + 1) % total
	wrr.mu.Unlock()

	cumulative := 0
	for i := range instances {
		cumulative += effectiveWeight(instances[i])
		if current < cumulative {
			selected := instances[i]
			span.SetAttributes(attribute.String("selected_instance", selected.Address()))
			logger.Debug("Selected instance using weighted round-robin",
				zap.String("service", serviceID),
				zap.String("instance", selected.Address()),
				zap.Int("weight", effectiveWeight(selected)))
			return &selected
		}
	}

	// 实例列表在两次计算之间不会变化，这里不可达
	selected := instances[0]
	return &selected
}
