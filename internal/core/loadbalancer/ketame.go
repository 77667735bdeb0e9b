package loadbalancer

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"sort"
	"strconv"
	"sync"

	"github.com/penwyp/route-gateway/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var kTracer = otel.Tracer("loadbalancer:ketama")

// Ketama 一致性哈希，同一个哈希键 (WithHashKey) 在实例列表不变时总是落到同一个实例
type Ketama struct {
	replicas int
	mu       sync.RWMutex
	rings    map[string]*ketamaRing
}

// ketamaRing 单个服务的哈希环
type ketamaRing struct {
	nodes  []string       // 构建环时的实例地址，用于判断是否需要重建
	points []uint32       // 排序后的虚拟节点
	owners map[uint32]int // 虚拟节点到实例下标
}

// NewKetama replicas 为每个实例的虚拟节点数
func NewKetama(replicas int) *Ketama {
	if replicas <= 0 {
		replicas = 160
	}
	logger.Info("Ketama load balancer initialized", zap.Int("replicas", replicas))
	return &Ketama{replicas: replicas, rings: make(map[string]*ketamaRing)}
}

func (k *Ketama) Type() string {
	return "ketama"
}

// Select 在服务的哈希环上顺时针查找哈希键之后的第一个虚拟节点
func (k *Ketama) Select(ctx context.Context, serviceID string, instances []ServiceInstance) *ServiceInstance {
	key := HashKeyFrom(ctx)
	_, span := kTracer.Start(ctx, "LoadBalancer.Select",
		trace.WithAttributes(attribute.String("type", k.Type())),
		trace.WithAttributes(attribute.String("service", serviceID)),
		trace.WithAttributes(attribute.Int("instance_count", len(instances))))
	defer span.End()

	if len(instances) == 0 {
		span.SetAttributes(attribute.String("result", "no instances"))
		logger.Warn("No instances available for ketama selection", zap.String("service", serviceID))
		return nil
	}

	nodes := make([]string, len(instances))
	for i, inst := range instances {
		nodes[i] = inst.Address()
	}
	ring := k.ring(serviceID, nodes)

	idx := ring.owners[ring.points[ring.nearest(hash(key))]]
	if idx >= len(instances) {
		idx = 0
	}
	selected := instances[idx]
	span.SetAttributes(attribute.String("selected_instance", selected.Address()))
	logger.Debug("Selected instance using ketama consistent hashing",
		zap.String("service", serviceID),
		zap.String("hashKey", key),
		zap.String("instance", selected.Address()))
	return &selected
}

// ring 实例列表变化时重建环，读多写少使用双重检查
func (k *Ketama) ring(serviceID string, nodes []string) *ketamaRing {
	k.mu.RLock()
	r, ok := k.rings[serviceID]
	k.mu.RUnlock()
	if ok && equalSlice(r.nodes, nodes) {
		return r
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if r, ok = k.rings[serviceID]; ok && equalSlice(r.nodes, nodes) {
		return r
	}
	r = buildRing(nodes, k.replicas)
	k.rings[serviceID] = r
	logger.Info("Ketama hash ring rebuilt",
		zap.String("service", serviceID),
		zap.Int("nodes", len(nodes)),
		zap.Int("totalSlots", len(r.points)))
	return r
}

func buildRing(nodes []string, replicas int) *ketamaRing {
	r := &ketamaRing{
		nodes:  nodes,
		points: make([]uint32, 0, len(nodes)*replicas),
		owners: make(map[uint32]int, len(nodes)*replicas),
	}
	for i, node := range nodes {
		for j := 0; j < replicas; j++ {
			h := hash(node + "-" + strconv.Itoa(j))
			r.points = append(r.points, h)
			r.owners[h] = i
		}
	}
	sort.Slice(r.points, func(i, j int) bool { return r.points[i] < r.points[j] })
	return r
}

// nearest 第一个大于等于 h 的虚拟节点，越过末尾时回到起点
func (r *ketamaRing) nearest(h uint32) int {
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		return 0
	}
	return idx
}

// hash 取 MD5 前 4 字节
func hash(key string) uint32 {
	sum := md5.Sum([]byte(key))
	return binary.BigEndian.Uint32(sum[0:4])
}

func equalSlice(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
