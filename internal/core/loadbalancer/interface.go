package loadbalancer

import (
	"context"
	"net"
	"net/url"
	"strconv"
)

// ServiceInstance 逻辑服务下的一个可访问实例
type ServiceInstance struct {
	InstanceID string
	ServiceID  string
	Host       string
	Port       int
	Secure     bool
	Weight     int
	Metadata   map[string]string
}

// Address host:port，IPv6 地址会加上方括号
func (s ServiceInstance) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Scheme 实例默认使用的协议
func (s ServiceInstance) Scheme() string {
	if s.Secure {
		return "https"
	}
	return "http"
}

// Client 负载均衡能力：为逻辑服务选出实例并据此重建目标地址
type Client interface {
	// Choose 没有可用实例时返回 (nil, nil)
	Choose(ctx context.Context, serviceID string) (*ServiceInstance, error)
	// ReconstructURI 用实例地址和 scheme 替换 original 的 scheme 与 host，其余部分保持不变
	ReconstructURI(instance ServiceInstance, scheme string, original *url.URL) *url.URL
}

// ServiceRegistry 服务实例来源
type ServiceRegistry interface {
	Instances(ctx context.Context, serviceID string) ([]ServiceInstance, error)
}

// Balancer 负载均衡算法
type Balancer interface {
	Select(ctx context.Context, serviceID string, instances []ServiceInstance) *ServiceInstance
	Type() string
}

type hashKeyCtx struct{}

// WithHashKey 为一致性哈希算法附带选择依据 (通常是客户端 IP)
func WithHashKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, hashKeyCtx{}, key)
}

// HashKeyFrom 读取 WithHashKey 设置的值
func HashKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(hashKeyCtx{}).(string)
	return key
}
