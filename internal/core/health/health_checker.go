package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/penwyp/route-gateway/internal/core/loadbalancer"
	"github.com/penwyp/route-gateway/pkg/logger"
	"github.com/samber/lo"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Config 主动健康检查配置
type Config struct {
	Enabled            bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval           time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Path               string        `mapstructure:"path" yaml:"path"`
	UnhealthyThreshold int           `mapstructure:"unhealthyThreshold" yaml:"unhealthyThreshold"`
}

// TargetStatus 单个实例的探测状态
type TargetStatus struct {
	ServiceID           string    `json:"service_id"`
	Address             string    `json:"address"`
	Healthy             bool      `json:"healthy"`
	ProbeRequestCount   int64     `json:"probe_request_count"`
	ProbeSuccessCount   int64     `json:"probe_success_count"`
	ProbeFailureCount   int64     `json:"probe_failure_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastProbeTime       time.Time `json:"last_probe_time"`
}

// HealthChecker 周期性探测注册中心中的实例，同时作为 ServiceRegistry 只返回健康实例
//
// 从未探测过的实例视为健康。
type HealthChecker struct {
	registry loadbalancer.ServiceRegistry
	cfg      Config
	client   *fasthttp.Client

	mu       sync.RWMutex
	services []string
	stats    map[string]*TargetStatus // key: serviceID + "|" + address
}

var _ loadbalancer.ServiceRegistry = (*HealthChecker)(nil)

// NewHealthChecker services 为需要探测的服务 id
func NewHealthChecker(registry loadbalancer.ServiceRegistry, services []string, cfg Config) *HealthChecker {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Path == "" {
		cfg.Path = "/health"
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = 3
	}
	logger.Info("Initializing health checker service",
		zap.Strings("services", services),
		zap.Duration("interval", cfg.Interval),
		zap.String("path", cfg.Path))
	return &HealthChecker{
		registry: registry,
		cfg:      cfg,
		client: &fasthttp.Client{
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		},
		services: append([]string(nil), services...),
		stats:    make(map[string]*TargetStatus),
	}
}

// SetServices 配置热更新后替换探测的服务列表，不再存在的实例状态会在下一轮探测时清理
func (h *HealthChecker) SetServices(services []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.services = append([]string(nil), services...)
	logger.Info("Health checker targets refreshed", zap.Int("services", len(services)))
}

func statKey(serviceID, address string) string {
	return serviceID + "|" + address
}

// Instances 过滤掉连续失败次数达到阈值的实例
func (h *HealthChecker) Instances(ctx context.Context, serviceID string) ([]loadbalancer.ServiceInstance, error) {
	instances, err := h.registry.Instances(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return lo.Filter(instances, func(inst loadbalancer.ServiceInstance, _ int) bool {
		stat, ok := h.stats[statKey(serviceID, inst.Address())]
		return !ok || stat.Healthy
	}), nil
}

// Start 按间隔探测直到 ctx 结束
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()
	h.CheckNow(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info("Stopping heartbeat checks")
			return
		case <-ticker.C:
			h.CheckNow(ctx)
		}
	}
}

// CheckNow 执行一次心跳检测
func (h *HealthChecker) CheckNow(ctx context.Context) {
	h.mu.RLock()
	services := append([]string(nil), h.services...)
	h.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, serviceID := range services {
		instances, err := h.registry.Instances(ctx, serviceID)
		if err != nil {
			logger.Warn("Failed to list instances for health check",
				zap.String("service", serviceID), zap.Error(err))
			continue
		}
		for _, inst := range instances {
			key := statKey(serviceID, inst.Address())
			seen[key] = struct{}{}
			ok := h.probe(inst)
			h.record(serviceID, inst.Address(), key, ok)
		}
	}

	h.mu.Lock()
	for key := range h.stats {
		if _, ok := seen[key]; !ok {
			delete(h.stats, key)
		}
	}
	h.mu.Unlock()
}

func (h *HealthChecker) probe(inst loadbalancer.ServiceInstance) bool {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	target := inst.Scheme() + "://" + inst.Address() + h.cfg.Path
	req.SetRequestURI(target)
	req.Header.SetMethod(fasthttp.MethodHead)

	err := h.client.DoTimeout(req, resp, h.cfg.Timeout)
	if err != nil || resp.StatusCode() >= 400 {
		logger.Warn("HTTP heartbeat check failed",
			zap.String("target", target),
			zap.Error(err),
			zap.Int("statusCode", resp.StatusCode()))
		return false
	}
	logger.Debug("HTTP heartbeat check succeeded", zap.String("target", target))
	return true
}

func (h *HealthChecker) record(serviceID, address, key string, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	stat, exists := h.stats[key]
	if !exists {
		stat = &TargetStatus{ServiceID: serviceID, Address: address, Healthy: true}
		h.stats[key] = stat
	}
	stat.LastProbeTime = time.Now()
	stat.ProbeRequestCount++
	if ok {
		stat.ProbeSuccessCount++
		stat.ConsecutiveFailures = 0
		if !stat.Healthy {
			logger.Info("Instance recovered", zap.String("service", serviceID), zap.String("address", address))
		}
		stat.Healthy = true
		return
	}
	stat.ProbeFailureCount++
	stat.ConsecutiveFailures++
	if stat.Healthy && stat.ConsecutiveFailures >= h.cfg.UnhealthyThreshold {
		stat.Healthy = false
		logger.Warn("Instance marked unhealthy",
			zap.String("service", serviceID),
			zap.String("address", address),
			zap.Int("consecutiveFailures", stat.ConsecutiveFailures))
	}
}

// GetAllStats 按服务和地址排序的全部探测状态
func (h *HealthChecker) GetAllStats() []TargetStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := make([]TargetStatus, 0, len(h.stats))
	for _, s := range h.stats {
		stats = append(stats, *s)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].ServiceID == stats[j].ServiceID {
			return stats[i].Address < stats[j].Address
		}
		return stats[i].ServiceID < stats[j].ServiceID
	})
	return stats
}

// ResetAllStats 清空所有探测状态，全部实例重新视为健康
func (h *HealthChecker) ResetAllStats() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats = make(map[string]*TargetStatus)
	logger.Info("All target stats reset")
}
