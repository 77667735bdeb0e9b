package loadbalancer

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/penwyp/route-gateway/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var consulTracer = otel.Tracer("loadbalancer:consul")

// ConsulConfig Consul 服务发现配置
type ConsulConfig struct {
	Address    string        `mapstructure:"address" yaml:"address"`
	Scheme     string        `mapstructure:"scheme" yaml:"scheme"`
	Datacenter string        `mapstructure:"datacenter" yaml:"datacenter"`
	Token      string        `mapstructure:"token" yaml:"token"`
	Tag        string        `mapstructure:"tag" yaml:"tag"`
	CacheTTL   time.Duration `mapstructure:"cacheTTL" yaml:"cacheTTL"`
}

type consulCacheEntry struct {
	instances []ServiceInstance
	fetchedAt time.Time
}

// ConsulRegistry 通过 Consul 健康检查接口获取健康的服务实例
type ConsulRegistry struct {
	client     *api.Client
	datacenter string
	tag        string
	ttl        time.Duration

	mu    sync.RWMutex
	cache map[string]consulCacheEntry
}

// NewConsulRegistry 创建 Consul 客户端，不在这里探测连通性
func NewConsulRegistry(cfg ConsulConfig) (*ConsulRegistry, error) {
	consulCfg := api.DefaultConfig()
	if cfg.Address != "" {
		consulCfg.Address = cfg.Address
	}
	if cfg.Scheme != "" {
		consulCfg.Scheme = cfg.Scheme
	}
	consulCfg.Datacenter = cfg.Datacenter
	consulCfg.Token = cfg.Token

	client, err := api.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Consul client: %w", err)
	}
	logger.Info("Consul service registry initialized",
		zap.String("address", consulCfg.Address),
		zap.Duration("cacheTTL", cfg.CacheTTL))
	return &ConsulRegistry{
		client:     client,
		datacenter: cfg.Datacenter,
		tag:        cfg.Tag,
		ttl:        cfg.CacheTTL,
		cache:      make(map[string]consulCacheEntry),
	}, nil
}

// Instances 缓存未过期时直接返回，否则查询 Consul；查询失败时退回到过期的缓存
func (r *ConsulRegistry) Instances(ctx context.Context, serviceID string) ([]ServiceInstance, error) {
	r.mu.RLock()
	entry, cached := r.cache[serviceID]
	r.mu.RUnlock()
	if cached && r.ttl > 0 && time.Since(entry.fetchedAt) < r.ttl {
		return entry.instances, nil
	}

	ctx, span := consulTracer.Start(ctx, "ServiceRegistry.Instances",
		trace.WithAttributes(attribute.String("service", serviceID)))
	defer span.End()

	opts := (&api.QueryOptions{Datacenter: r.datacenter}).WithContext(ctx)
	entries, _, err := r.client.Health().Service(serviceID, r.tag, true, opts)
	if err != nil {
		span.RecordError(err)
		if cached {
			logger.Warn("Consul lookup failed, using stale instances",
				zap.String("service", serviceID),
				zap.Error(err))
			return entry.instances, nil
		}
		return nil, fmt.Errorf("failed to discover service %s: %w", serviceID, err)
	}

	instances := make([]ServiceInstance, 0, len(entries))
	for _, e := range entries {
		if e.Service == nil {
			continue
		}
		host := e.Service.Address
		if host == "" && e.Node != nil {
			host = e.Node.Address
		}
		instances = append(instances, ServiceInstance{
			InstanceID: e.Service.ID,
			ServiceID:  serviceID,
			Host:       host,
			Port:       e.Service.Port,
			Secure:     isSecure(e.Service),
			Weight:     metaWeight(e.Service.Meta),
			Metadata:   e.Service.Meta,
		})
	}

	r.mu.Lock()
	r.cache[serviceID] = consulCacheEntry{instances: instances, fetchedAt: time.Now()}
	r.mu.Unlock()

	span.SetAttributes(attribute.Int("instance_count", len(instances)))
	logger.Debug("Fetched service instances from Consul",
		zap.String("service", serviceID),
		zap.Int("count", len(instances)))
	return instances, nil
}

// isSecure meta 中 secure=true 或带有 secure 标签
func isSecure(s *api.AgentService) bool {
	if v, ok := s.Meta["secure"]; ok {
		b, _ := strconv.ParseBool(v)
		return b
	}
	for _, tag := range s.Tags {
		if tag == "secure" {
			return true
		}
	}
	return false
}

func metaWeight(meta map[string]string) int {
	w, err := strconv.Atoi(meta["weight"])
	if err != nil {
		return 0
	}
	return w
}
