package loadbalancer

import (
	"fmt"
)

// DiscoveryConfig 负载均衡配置
type DiscoveryConfig struct {
	Type      string                      `mapstructure:"type" yaml:"type"` // static | consul
	Algorithm string                      `mapstructure:"algorithm" yaml:"algorithm"`
	Replicas  int                         `mapstructure:"replicas" yaml:"replicas"`
	Services  map[string][]InstanceConfig `mapstructure:"services" yaml:"services"`
	Consul    ConsulConfig                `mapstructure:"consul" yaml:"consul"`
}

// NewBalancer 根据算法名创建负载均衡算法
func NewBalancer(algorithm string, replicas int) (Balancer, error) {
	switch algorithm {
	case "round-robin", "round_robin", "":
		return NewRoundRobin(), nil
	case "weighted-round-robin", "weighted_round_robin":
		return NewWeightedRoundRobin(), nil
	case "ketama":
		return NewKetama(replicas), nil
	default:
		return nil, fmt.Errorf("unknown load balancer algorithm: %s", algorithm)
	}
}

// NewRegistry 根据配置创建实例来源
func NewRegistry(cfg DiscoveryConfig) (ServiceRegistry, error) {
	switch cfg.Type {
	case "static", "":
		return NewStaticRegistry(cfg.Services), nil
	case "consul":
		return NewConsulRegistry(cfg.Consul)
	default:
		return nil, fmt.Errorf("unknown discovery type: %s", cfg.Type)
	}
}

// NewClient 组装 DiscoveryClient
func NewClient(cfg DiscoveryConfig) (*DiscoveryClient, error) {
	registry, err := NewRegistry(cfg)
	if err != nil {
		return nil, err
	}
	balancer, err := NewBalancer(cfg.Algorithm, cfg.Replicas)
	if err != nil {
		return nil, err
	}
	return NewDiscoveryClient(registry, balancer), nil
}
