package loadbalancer

import (
	"context"
	"net/url"
	"strings"

	"github.com/penwyp/route-gateway/pkg/logger"
	"go.uber.org/zap"
)

// DiscoveryClient 组合实例来源和负载均衡算法的 Client 实现
type DiscoveryClient struct {
	registry ServiceRegistry
	balancer Balancer
}

// NewDiscoveryClient 创建负载均衡客户端
func NewDiscoveryClient(registry ServiceRegistry, balancer Balancer) *DiscoveryClient {
	return &DiscoveryClient{registry: registry, balancer: balancer}
}

// Choose 查询实例并交给算法选择
//
// URI 的 host 不区分大小写，服务 id 统一转为小写，同一服务只有一份轮询计数和哈希环。
func (c *DiscoveryClient) Choose(ctx context.Context, serviceID string) (*ServiceInstance, error) {
	serviceID = strings.ToLower(serviceID)
	instances, err := c.registry.Instances(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		logger.Debug("Service has no instances", zap.String("service", serviceID))
		return nil, nil
	}
	return c.balancer.Select(ctx, serviceID, instances), nil
}

// ReconstructURI 保留 original 的 path、query、fragment 和 userinfo
func (c *DiscoveryClient) ReconstructURI(instance ServiceInstance, scheme string, original *url.URL) *url.URL {
	return ReconstructURI(instance, scheme, original)
}

// ReconstructURI 用实例地址替换 original 的 host
func ReconstructURI(instance ServiceInstance, scheme string, original *url.URL) *url.URL {
	u := *original
	if original.User != nil {
		user := *original.User
		u.User = &user
	}
	u.Scheme = scheme
	u.Host = instance.Address()
	u.Opaque = ""
	return &u
}
