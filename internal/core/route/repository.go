package route

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/penwyp/route-gateway/internal/core/gwerr"
	"github.com/penwyp/route-gateway/internal/core/observability"
	"github.com/penwyp/route-gateway/pkg/logger"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Repository 路由定义的增删查接口
type Repository interface {
	// Save 按 id 新增或覆盖路由，id 为空时返回 InvalidArgument
	Save(ctx context.Context, def RouteDefinition) error
	// Delete 删除路由，id 不存在时返回 NotFound
	Delete(ctx context.Context, id string) error
	// List 按插入顺序返回某一时刻的全部路由
	List(ctx context.Context) ([]RouteDefinition, error)
}

// InMemoryRepository 进程内的路由仓库
//
// 写操作在互斥锁下生成新的有序快照并原子替换，读操作直接拿当前快照，
// 读者不会看到写了一半的条目，也不会被写者阻塞。
type InMemoryRepository struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[[]RouteDefinition]
}

// NewInMemoryRepository 创建空仓库
func NewInMemoryRepository() *InMemoryRepository {
	r := &InMemoryRepository{}
	empty := make([]RouteDefinition, 0)
	r.snapshot.Store(&empty)
	return r
}

// Save 已存在的 id 原位替换内容，新 id 追加到末尾
func (r *InMemoryRepository) Save(_ context.Context, def RouteDefinition) error {
	if err := def.Validate(); err != nil {
		observability.RouteStoreOperations.WithLabelValues("save", "invalid").Inc()
		return err
	}
	stored := def.Clone()

	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.snapshot.Load()
	next := make([]RouteDefinition, len(current), len(current)+1)
	copy(next, current)

	_, idx, found := lo.FindIndexOf(current, func(d RouteDefinition) bool { return d.ID == def.ID })
	if found {
		next[idx] = stored
	} else {
		next = append(next, stored)
	}
	r.snapshot.Store(&next)

	observability.RouteStoreOperations.WithLabelValues("save", "ok").Inc()
	logger.Debug("Route definition saved",
		zap.String("id", def.ID),
		zap.String("uri", def.URI),
		zap.Bool("replaced", found))
	return nil
}

// Delete 删除指定 id 的路由
func (r *InMemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.snapshot.Load()
	_, idx, found := lo.FindIndexOf(current, func(d RouteDefinition) bool { return d.ID == id })
	if !found {
		observability.RouteStoreOperations.WithLabelValues("delete", "not_found").Inc()
		return gwerr.NotFound(http.StatusNotFound, "RouteDefinition not found: %s", id)
	}

	next := make([]RouteDefinition, 0, len(current)-1)
	next = append(next, current[:idx]...)
	next = append(next, current[idx+1:]...)
	r.snapshot.Store(&next)

	observability.RouteStoreOperations.WithLabelValues("delete", "ok").Inc()
	logger.Debug("Route definition deleted", zap.String("id", id))
	return nil
}

// List 返回当前快照的深拷贝，调用方修改结果不会影响仓库
func (r *InMemoryRepository) List(_ context.Context) ([]RouteDefinition, error) {
	current := *r.snapshot.Load()
	return lo.Map(current, func(d RouteDefinition, _ int) RouteDefinition {
		return d.Clone()
	}), nil
}
