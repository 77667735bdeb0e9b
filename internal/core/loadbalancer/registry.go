package loadbalancer

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/penwyp/route-gateway/pkg/logger"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// InstanceConfig 配置文件中声明的静态实例
type InstanceConfig struct {
	Host     string            `mapstructure:"host" yaml:"host"`
	Port     int               `mapstructure:"port" yaml:"port"`
	Secure   bool              `mapstructure:"secure" yaml:"secure"`
	Weight   int               `mapstructure:"weight" yaml:"weight"`
	Metadata map[string]string `mapstructure:"metadata" yaml:"metadata,omitempty"`
}

// StaticRegistry 由配置提供的实例列表，配置热更新时整体替换
type StaticRegistry struct {
	mu       sync.RWMutex
	services map[string][]ServiceInstance
}

// NewStaticRegistry 服务 id 不区分大小写 (viper 会把 map 的 key 转成小写)
func NewStaticRegistry(services map[string][]InstanceConfig) *StaticRegistry {
	r := &StaticRegistry{}
	r.Update(services)
	return r
}

// Update 替换全部实例
func (r *StaticRegistry) Update(services map[string][]InstanceConfig) {
	next := make(map[string][]ServiceInstance, len(services))
	for serviceID, instances := range services {
		id := strings.ToLower(serviceID)
		next[id] = lo.Map(instances, func(c InstanceConfig, i int) ServiceInstance {
			return ServiceInstance{
				InstanceID: id + "-" + strconv.Itoa(i),
				ServiceID:  id,
				Host:       c.Host,
				Port:       c.Port,
				Secure:     c.Secure,
				Weight:     c.Weight,
				Metadata:   c.Metadata,
			}
		})
	}

	r.mu.Lock()
	r.services = next
	r.mu.Unlock()
	logger.Info("Static service registry updated", zap.Int("services", len(next)))
}

// Instances 返回服务实例的副本
func (r *StaticRegistry) Instances(_ context.Context, serviceID string) ([]ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ServiceInstance(nil), r.services[strings.ToLower(serviceID)]...), nil
}
