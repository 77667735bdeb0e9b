package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/penwyp/route-gateway/internal/core/filter/factory"
	"github.com/penwyp/route-gateway/internal/core/health"
	"github.com/penwyp/route-gateway/internal/core/loadbalancer"
	"github.com/penwyp/route-gateway/internal/core/observability"
	"github.com/penwyp/route-gateway/internal/core/route"
	"github.com/penwyp/route-gateway/internal/core/routing/proxy"
	"github.com/penwyp/route-gateway/internal/middleware/auth"
	"github.com/penwyp/route-gateway/pkg/cache"
	"github.com/penwyp/route-gateway/pkg/logger"
	"github.com/samber/lo"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// DefaultConfigFile 未指定时读取的配置文件
const DefaultConfigFile = "config/config.yaml"

// EnvPrefix 环境变量覆盖配置的前缀，例如 GATEWAY_SERVER_PORT
const EnvPrefix = "GATEWAY"

var configMgr *ConfigManager

// ConfigManager 管理配置及其变更通知
type ConfigManager struct {
	config *Config
	path   string
	mutex  sync.RWMutex

	ConfigChan chan *Config // 用于通知配置变更
}

// Config 定义网关的配置结构体
type Config struct {
	Server   Server                      `mapstructure:"server" yaml:"server"`
	Logger   logger.Config               `mapstructure:"logger" yaml:"logger"`
	Gateway  Gateway                     `mapstructure:"gateway" yaml:"gateway"`
	Filters  factory.Config              `mapstructure:"filters" yaml:"filters"`
	Health   health.Config               `mapstructure:"health" yaml:"health"`
	Tracing  observability.TracingConfig `mapstructure:"tracing" yaml:"tracing"`
	Metrics  Metrics                     `mapstructure:"metrics" yaml:"metrics"`
	Security auth.Config                 `mapstructure:"security" yaml:"security"`
}

// Server 服务器配置
type Server struct {
	Port         string `mapstructure:"port" yaml:"port"`
	GinMode      string `mapstructure:"ginMode" yaml:"ginMode"`
	AdminPrefix  string `mapstructure:"adminPrefix" yaml:"adminPrefix"` // 为空时不挂载管理接口，挂载时必须配置 security.jwt.secret
	PprofEnabled bool   `mapstructure:"pprofEnabled" yaml:"pprofEnabled"`
}

// Metrics Prometheus 指标配置
type Metrics struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// Gateway 转发核心的配置
type Gateway struct {
	HTTPClient         HTTPClient                   `mapstructure:"httpclient" yaml:"httpclient"`
	PreserveHostHeader bool                         `mapstructure:"preserveHostHeader" yaml:"preserveHostHeader"`
	LoadBalancer       LoadBalancer                 `mapstructure:"loadbalancer" yaml:"loadbalancer"`
	Discovery          loadbalancer.DiscoveryConfig `mapstructure:"discovery" yaml:"discovery"`
	Repository         Repository                   `mapstructure:"repository" yaml:"repository"`
	Routes             []RouteConfig                `mapstructure:"routes" yaml:"routes"`
}

// HTTPClient 后端转发配置，ResponseTimeout 为 0 表示不限制
type HTTPClient struct {
	ResponseTimeout time.Duration    `mapstructure:"responseTimeout" yaml:"responseTimeout"`
	Pool            proxy.PoolConfig `mapstructure:",squash" yaml:",inline"`
}

// LoadBalancer lb:// 解析配置
type LoadBalancer struct {
	Use404 bool `mapstructure:"use404" yaml:"use404"`
}

// Repository 路由仓库配置
type Repository struct {
	Type            string        `mapstructure:"type" yaml:"type"` // memory | redis
	Prefix          string        `mapstructure:"prefix" yaml:"prefix"`
	RefreshInterval time.Duration `mapstructure:"refreshInterval" yaml:"refreshInterval"`
	Redis           cache.Config  `mapstructure:"redis" yaml:"redis"`
}

// RouteConfig 配置文件中的路由，谓词和过滤器使用紧凑文本 "Name=v0,v1"
type RouteConfig struct {
	ID         string         `mapstructure:"id" yaml:"id"`
	URI        string         `mapstructure:"uri" yaml:"uri"`
	Predicates []string       `mapstructure:"predicates" yaml:"predicates,omitempty"`
	Filters    []string       `mapstructure:"filters" yaml:"filters,omitempty"`
	Order      int            `mapstructure:"order" yaml:"order"`
	Metadata   map[string]any `mapstructure:"metadata" yaml:"metadata,omitempty"`
}

// Definition 转换为路由定义
func (rc RouteConfig) Definition() route.RouteDefinition {
	return route.RouteDefinition{
		ID:  rc.ID,
		URI: rc.URI,
		Predicates: lo.Map(rc.Predicates, func(text string, _ int) route.PredicateDefinition {
			return route.ParsePredicateDefinition(text)
		}),
		Filters: lo.Map(rc.Filters, func(text string, _ int) route.FilterDefinition {
			return route.ParseFilterDefinition(text)
		}),
		Order:    rc.Order,
		Metadata: rc.Metadata,
	}
}

// RouteConfigOf 把路由定义还原成紧凑文本，参数按顺序输出
func RouteConfigOf(def route.RouteDefinition) RouteConfig {
	return RouteConfig{
		ID:  def.ID,
		URI: def.URI,
		Predicates: lo.Map(def.Predicates, func(p route.PredicateDefinition, _ int) string {
			return compactText(p.Name, p.Args)
		}),
		Filters: lo.Map(def.Filters, func(f route.FilterDefinition, _ int) string {
			return compactText(f.Name, f.Args)
		}),
		Order:    def.Order,
		Metadata: def.Metadata,
	}
}

func compactText(name string, args *route.Args) string {
	if args == nil || args.Len() == 0 {
		return name
	}
	values := lo.Map(args.Keys(), func(k string, _ int) string {
		v, _ := args.Get(k)
		return v
	})
	return name + "=" + strings.Join(values, ",")
}

// RouteDefinitions 配置中的全部路由
func (c *Config) RouteDefinitions() []route.RouteDefinition {
	return lo.Map(c.Gateway.Routes, func(rc RouteConfig, _ int) route.RouteDefinition {
		return rc.Definition()
	})
}

// ServiceIDs 静态注册的全部服务 id
func (c *Config) ServiceIDs() []string {
	return lo.Keys(c.Gateway.Discovery.Services)
}

var portPattern = regexp.MustCompile(`^[0-9]{1,5}$`)

// Validate 校验配置
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server),
		validation.Field(&c.Logger, validation.By(validateLogger)),
		validation.Field(&c.Gateway),
		validation.Field(&c.Tracing, validation.By(validateTracing)),
		validation.Field(&c.Metrics),
		validation.Field(&c.Security, validation.By(c.validateSecurity)),
	)
}

// minSecretLength HS256 密钥至少 32 字节
const minSecretLength = 32

func (c *Config) validateSecurity(value interface{}) error {
	sec := value.(auth.Config)
	if c.Server.AdminPrefix == "" {
		return nil
	}
	if len(sec.JWT.Secret) < minSecretLength {
		return fmt.Errorf("jwt secret of at least %d bytes is required when the admin API is enabled", minSecretLength)
	}
	if sec.RBAC.Enabled && sec.RBAC.PolicyPath == "" {
		return errors.New("rbac policyPath is required when rbac is enabled")
	}
	return nil
}

func (s Server) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Port, validation.Required, validation.Match(portPattern)),
		validation.Field(&s.GinMode, validation.In(gin.DebugMode, gin.ReleaseMode, gin.TestMode)),
	)
}

func (m Metrics) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Path, validation.When(m.Enabled, validation.Required)),
	)
}

func validateLogger(value interface{}) error {
	lc, ok := value.(logger.Config)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a logger.Config")
	}
	return validation.ValidateStruct(&lc,
		validation.Field(&lc.Level, validation.In("debug", "info", "warn", "error")),
		validation.Field(&lc.MaxSize, validation.Min(0)),
	)
}

func validateTracing(value interface{}) error {
	tc, ok := value.(observability.TracingConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a TracingConfig")
	}
	return validation.ValidateStruct(&tc,
		validation.Field(&tc.Endpoint, validation.When(tc.Enabled, validation.Required)),
		validation.Field(&tc.Sampler, validation.In("always", "ratio")),
		validation.Field(&tc.SampleRatio, validation.Min(0.0), validation.Max(1.0)),
	)
}

func (g Gateway) Validate() error {
	return validation.ValidateStruct(&g,
		validation.Field(&g.HTTPClient),
		validation.Field(&g.Discovery, validation.By(validateDiscovery)),
		validation.Field(&g.Repository),
		validation.Field(&g.Routes, validation.Each(validation.By(validateRoute)), validation.By(uniqueRouteIDs)),
	)
}

func (h HTTPClient) Validate() error {
	return validation.ValidateStruct(&h,
		validation.Field(&h.ResponseTimeout, validation.Min(time.Duration(0))),
		validation.Field(&h.Pool, validation.By(func(value interface{}) error {
			if value.(proxy.PoolConfig).MaxConnsPerHost < 0 {
				return validation.NewError("validation_min", "maxConnsPerHost must not be negative")
			}
			return nil
		})),
	)
}

func (r Repository) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Type, validation.Required, validation.In("memory", "redis")),
		validation.Field(&r.RefreshInterval, validation.Min(time.Duration(0))),
		validation.Field(&r.Redis, validation.When(r.Type == "redis", validation.By(func(value interface{}) error {
			if value.(cache.Config).Addr == "" {
				return validation.NewError("validation_required", "addr is required for the redis repository")
			}
			return nil
		}))),
	)
}

func validateDiscovery(value interface{}) error {
	dc, ok := value.(loadbalancer.DiscoveryConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a DiscoveryConfig")
	}
	return validation.ValidateStruct(&dc,
		validation.Field(&dc.Type, validation.In("static", "consul")),
		validation.Field(&dc.Algorithm, validation.In(
			"round-robin", "round_robin", "weighted-round-robin", "weighted_round_robin", "ketama")),
		validation.Field(&dc.Replicas, validation.Min(0)),
		validation.Field(&dc.Consul, validation.When(dc.Type == "consul", validation.By(func(value interface{}) error {
			if value.(loadbalancer.ConsulConfig).Address == "" {
				return validation.NewError("validation_required", "address is required for consul discovery")
			}
			return nil
		}))),
	)
}

func validateRoute(value interface{}) error {
	rc, ok := value.(RouteConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a RouteConfig")
	}
	return validation.ValidateStruct(&rc,
		validation.Field(&rc.ID, validation.Required),
		validation.Field(&rc.URI, validation.Required, validation.By(func(value interface{}) error {
			u, err := url.Parse(value.(string))
			if err != nil {
				return validation.NewError("validation_invalid_uri", err.Error())
			}
			if u.Scheme == "" {
				return validation.NewError("validation_invalid_uri", "uri must have a scheme")
			}
			return nil
		})),
	)
}

func uniqueRouteIDs(value interface{}) error {
	routes, _ := value.([]RouteConfig)
	dup := lo.FindDuplicates(lo.Map(routes, func(rc RouteConfig, _ int) string { return rc.ID }))
	if len(dup) > 0 {
		return validation.NewError("validation_duplicate_id", fmt.Sprintf("duplicate route ids: %s", strings.Join(dup, ", ")))
	}
	return nil
}

// InitConfig 读取并校验配置文件，然后监听文件变化
func InitConfig(path string) (*ConfigManager, error) {
	if path == "" {
		path = DefaultConfigFile
	}
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}

	cm := &ConfigManager{
		config:     cfg,
		path:       path,
		ConfigChan: make(chan *Config, 1), // 缓冲通道，避免阻塞
	}
	configMgr = cm
	cm.watch()
	return cm, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaultValues(v)
	return v
}

func load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading configuration file %s: %w", path, err)
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// watch 配置文件变化时重新加载，新配置无效时保留旧配置
func (cm *ConfigManager) watch() {
	v := newViper(cm.path)
	if err := v.ReadInConfig(); err != nil {
		logger.Warn("Configuration watcher disabled", zap.Error(err))
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info("Configuration file changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))
		newCfg, err := load(cm.path)
		if err != nil {
			logger.Error("Failed to reload configuration, keeping the previous one", zap.Error(err))
			return
		}
		cm.UpdateConfig(newCfg)
	})
	v.WatchConfig()
}

// GetConfig 获取当前配置（线程安全）
func (cm *ConfigManager) GetConfig() *Config {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return cm.config
}

// GetConfig 获取当前全局配置实例（线程安全）
func GetConfig() *Config {
	return configMgr.GetConfig()
}

// UpdateConfig 替换配置并通知监听者，通道已满时丢弃通知
func (cm *ConfigManager) UpdateConfig(cfg *Config) {
	cm.mutex.Lock()
	cm.config = cfg
	cm.mutex.Unlock()

	select {
	case cm.ConfigChan <- cfg:
		logger.Info("Configuration reload notification sent")
	default:
		logger.Warn("Config channel full, skipping notification")
	}
}

// SaveRoutesToFile 把路由写成与配置文件 gateway.routes 相同格式的 YAML
func (cm *ConfigManager) SaveRoutesToFile(defs []route.RouteDefinition, filePath string) error {
	routes := make([]yaml.MapSlice, 0, len(defs))
	for _, def := range defs {
		rc := RouteConfigOf(def)
		item := yaml.MapSlice{
			{Key: "id", Value: rc.ID},
			{Key: "uri", Value: rc.URI},
		}
		if len(rc.Predicates) > 0 {
			item = append(item, yaml.MapItem{Key: "predicates", Value: rc.Predicates})
		}
		if len(rc.Filters) > 0 {
			item = append(item, yaml.MapItem{Key: "filters", Value: rc.Filters})
		}
		item = append(item, yaml.MapItem{Key: "order", Value: rc.Order})
		if len(rc.Metadata) > 0 {
			item = append(item, yaml.MapItem{Key: "metadata", Value: rc.Metadata})
		}
		routes = append(routes, item)
	}

	out, err := yaml.Marshal(yaml.MapSlice{
		{Key: "gateway", Value: yaml.MapSlice{{Key: "routes", Value: routes}}},
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filePath, out, 0644); err != nil {
		return err
	}
	logger.Info("Routes saved to file", zap.String("path", filePath), zap.Int("routes", len(defs)))
	return nil
}

// InitTestConfigManager 初始化测试配置管理器
func InitTestConfigManager() *ConfigManager {
	v := viper.New()
	setDefaultValues(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	configMgr = &ConfigManager{
		config:     cfg,
		ConfigChan: make(chan *Config, 1),
	}
	return configMgr
}

// setDefaultValues 设置默认配置值
func setDefaultValues(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.ginMode", "release")
	v.SetDefault("server.adminPrefix", "")
	v.SetDefault("server.pprofEnabled", false)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.filePath", "")
	v.SetDefault("logger.maxSize", 100)
	v.SetDefault("logger.maxBackups", 10)
	v.SetDefault("logger.maxAge", 30)
	v.SetDefault("logger.compress", true)

	v.SetDefault("gateway.httpclient.responseTimeout", 0)
	v.SetDefault("gateway.httpclient.maxConnsPerHost", 512)
	v.SetDefault("gateway.httpclient.connectTimeout", 3*time.Second)
	v.SetDefault("gateway.httpclient.readTimeout", 30*time.Second)
	v.SetDefault("gateway.httpclient.writeTimeout", 30*time.Second)
	v.SetDefault("gateway.preserveHostHeader", false)
	v.SetDefault("gateway.loadbalancer.use404", false)
	v.SetDefault("gateway.discovery.type", "static")
	v.SetDefault("gateway.discovery.algorithm", "round-robin")
	v.SetDefault("gateway.discovery.replicas", 160)
	v.SetDefault("gateway.discovery.consul.address", "localhost:8500")
	v.SetDefault("gateway.discovery.consul.cacheTTL", 5*time.Second)
	v.SetDefault("gateway.repository.type", "memory")
	v.SetDefault("gateway.repository.prefix", "rg:routes")
	v.SetDefault("gateway.repository.refreshInterval", 0)
	v.SetDefault("gateway.repository.redis.addr", "localhost:6379")

	v.SetDefault("filters.breaker.timeout", 1000)
	v.SetDefault("filters.breaker.maxConcurrent", 100)
	v.SetDefault("filters.breaker.minRequests", 20)
	v.SetDefault("filters.breaker.sleepWindow", 5000)
	v.SetDefault("filters.breaker.errorRate", 0.5)
	v.SetDefault("filters.breaker.windowDuration", 10)
	v.SetDefault("filters.rateLimitBurst", 0)

	v.SetDefault("health.enabled", false)
	v.SetDefault("health.interval", 30*time.Second)
	v.SetDefault("health.timeout", 5*time.Second)
	v.SetDefault("health.path", "/health")
	v.SetDefault("health.unhealthyThreshold", 3)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.sampler", "always")
	v.SetDefault("tracing.sampleRatio", 1.0)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("security.jwt.secret", "")
	v.SetDefault("security.jwt.issuer", "route-gateway")
	v.SetDefault("security.jwt.expiresIn", time.Hour)
	v.SetDefault("security.rbac.enabled", false)
	v.SetDefault("security.rbac.policyPath", "")
}

// RoutesFile 管理接口导出路由的固定位置，与配置文件同目录
func (cm *ConfigManager) RoutesFile() string {
	dir := "."
	if cm.path != "" {
		dir = filepath.Dir(cm.path)
	}
	return filepath.Join(dir, "routes.yaml")
}
