package route

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/penwyp/route-gateway/internal/core/gwerr"
	"github.com/penwyp/route-gateway/internal/core/observability"
	"github.com/penwyp/route-gateway/pkg/logger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultRedisKeyPrefix = "rg:routes"

// saveScript 新 id 先进入顺序列表再写入内容，已存在的 id 只覆盖内容
var saveScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
	redis.call('RPUSH', KEYS[2], ARGV[1])
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

var deleteScript = redis.NewScript(`
if redis.call('HDEL', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('LREM', KEYS[2], 0, ARGV[1])
return 1
`)

// listScript 在一次脚本执行内读取顺序和内容，保证快照一致
var listScript = redis.NewScript(`
local ids = redis.call('LRANGE', KEYS[2], 0, -1)
if #ids == 0 then
	return {}
end
return redis.call('HMGET', KEYS[1], unpack(ids))
`)

// RedisRepository 将路由定义持久化到 Redis，多个网关实例可以共享同一份路由
type RedisRepository struct {
	client   *redis.Client
	defsKey  string
	orderKey string
}

// NewRedisRepository 创建 Redis 路由仓库，prefix 为空时使用默认前缀
func NewRedisRepository(client *redis.Client, prefix string) *RedisRepository {
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisRepository{
		client:   client,
		defsKey:  prefix + ":defs",
		orderKey: prefix + ":order",
	}
}

func (r *RedisRepository) keys() []string {
	return []string{r.defsKey, r.orderKey}
}

// Save 与 InMemoryRepository 语义一致
func (r *RedisRepository) Save(ctx context.Context, def RouteDefinition) error {
	if err := def.Validate(); err != nil {
		observability.RouteStoreOperations.WithLabelValues("save", "invalid").Inc()
		return err
	}
	payload, err := json.Marshal(def)
	if err != nil {
		return gwerr.InvalidArgument("route %s cannot be encoded: %v", def.ID, err)
	}
	if err := saveScript.Run(ctx, r.client, r.keys(), def.ID, string(payload)).Err(); err != nil {
		observability.RouteStoreOperations.WithLabelValues("save", "error").Inc()
		return fmt.Errorf("failed to save route %s to redis: %w", def.ID, err)
	}
	observability.RouteStoreOperations.WithLabelValues("save", "ok").Inc()
	logger.Debug("Route definition saved to redis", zap.String("id", def.ID), zap.String("key", r.defsKey))
	return nil
}

// Delete id 不存在时返回 NotFound
func (r *RedisRepository) Delete(ctx context.Context, id string) error {
	removed, err := deleteScript.Run(ctx, r.client, r.keys(), id).Int64()
	if err != nil {
		observability.RouteStoreOperations.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("failed to delete route %s from redis: %w", id, err)
	}
	if removed == 0 {
		observability.RouteStoreOperations.WithLabelValues("delete", "not_found").Inc()
		return gwerr.NotFound(http.StatusNotFound, "RouteDefinition not found: %s", id)
	}
	observability.RouteStoreOperations.WithLabelValues("delete", "ok").Inc()
	logger.Debug("Route definition deleted from redis", zap.String("id", id))
	return nil
}

// List 按插入顺序返回所有路由
func (r *RedisRepository) List(ctx context.Context) ([]RouteDefinition, error) {
	values, err := listScript.Run(ctx, r.client, r.keys()).Slice()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to list routes from redis: %w", err)
	}
	defs := make([]RouteDefinition, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var def RouteDefinition
		if err := json.Unmarshal([]byte(raw), &def); err != nil {
			logger.Warn("Skipping undecodable route definition in redis", zap.Error(err))
			continue
		}
		defs = append(defs, def)
	}
	return defs, nil
}
