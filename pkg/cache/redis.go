package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/penwyp/route-gateway/pkg/logger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config Redis 连接配置
type Config struct {
	Addr        string        `mapstructure:"addr" yaml:"addr"`
	Password    string        `mapstructure:"password" yaml:"password"`
	DB          int           `mapstructure:"db" yaml:"db"`
	DialTimeout time.Duration `mapstructure:"dialTimeout" yaml:"dialTimeout"`
}

// NewClient 创建 Redis 客户端并测试连接，连接失败时关闭客户端返回错误
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Error("Failed to connect to Redis", zap.Error(err), zap.String("addr", cfg.Addr))
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis %s: %w", cfg.Addr, err)
	}
	logger.Info("Redis connected successfully", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return client, nil
}
