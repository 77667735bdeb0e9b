package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // 导入 pprof 包
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/penwyp/route-gateway/config"
	"github.com/penwyp/route-gateway/internal/core/filter/factory"
	"github.com/penwyp/route-gateway/internal/core/health"
	"github.com/penwyp/route-gateway/internal/core/loadbalancer"
	"github.com/penwyp/route-gateway/internal/core/observability"
	"github.com/penwyp/route-gateway/internal/core/route"
	"github.com/penwyp/route-gateway/internal/core/routing"
	"github.com/penwyp/route-gateway/internal/core/routing/proxy"
	"github.com/penwyp/route-gateway/internal/middleware"
	"github.com/penwyp/route-gateway/internal/middleware/auth"
	"github.com/penwyp/route-gateway/pkg/cache"
	"github.com/penwyp/route-gateway/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	Version   string // 版本号
	BuildTime string // 构建时间
	GitCommit string // Git 提交哈希

	startTime = time.Now() // 程序启动时间
)

func main() {
	configPath := flag.String("config", config.DefaultConfigFile, "path to the configuration file")
	issueToken := flag.String("issue-token", "", "print an admin API token for the given user and exit")
	flag.Parse()

	configMgr, err := config.InitConfig(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration", zap.Error(err))
		os.Exit(1)
	}
	if *issueToken != "" {
		printToken(configMgr.GetConfig(), *issueToken)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := initServer(ctx, configMgr)
	if err != nil {
		logger.Error("Failed to initialize gateway", zap.Error(err))
		os.Exit(1)
	}

	go server.refreshConfig(ctx)
	server.start(ctx, cancel)
}

// printToken 用配置中的密钥签发管理接口 Token
func printToken(cfg *config.Config, username string) {
	authenticator, err := auth.NewAuthenticator(cfg.Security)
	if err != nil {
		logger.Error("Failed to initialize admin authentication", zap.Error(err))
		os.Exit(1)
	}
	token, err := authenticator.GenerateToken(username)
	if err != nil {
		os.Exit(1)
	}
	fmt.Println(token)
}

// Server 封装网关进程的各个组件
type Server struct {
	Router         *gin.Engine
	ConfigMgr      *config.ConfigManager
	TracingCleanup func(context.Context) error
	Gateway        *routing.Gateway
	Repository     route.Repository
	Registry       loadbalancer.ServiceRegistry
	HealthChecker  *health.HealthChecker
	Pool           *proxy.HTTPConnectionPool
	RedisClient    *redis.Client
	Auth           *auth.Authenticator

	httpServer   *http.Server
	configRoutes []string // 上一次从配置同步到仓库的路由 id
}

// initServer 按配置组装全部组件并加载路由
func initServer(ctx context.Context, configMgr *config.ConfigManager) (*Server, error) {
	cfg := configMgr.GetConfig()
	logger.Init(cfg.Logger)

	s := &Server{ConfigMgr: configMgr}

	cleanup, err := observability.InitTracing(cfg.Tracing, Version)
	if err != nil {
		return nil, err
	}
	s.TracingCleanup = cleanup

	if err := s.setupRepository(ctx, cfg); err != nil {
		return nil, err
	}
	lbClient, err := s.setupDiscovery(cfg)
	if err != nil {
		return nil, err
	}

	s.Pool = proxy.NewHTTPConnectionPool(cfg.Gateway.HTTPClient.Pool)
	s.Pool.Warm(s.warmTargets(ctx, cfg))
	s.Gateway = routing.New(routing.Options{
		Repository:      s.Repository,
		Filters:         factory.Defaults(cfg.Filters),
		LoadBalancer:    lbClient,
		Clients:         s.Pool,
		ResponseTimeout: cfg.Gateway.HTTPClient.ResponseTimeout,
		Use404:          cfg.Gateway.LoadBalancer.Use404,
		PreserveHost:    cfg.Gateway.PreserveHostHeader,
	})

	if err := s.syncRoutes(ctx, cfg); err != nil {
		return nil, err
	}

	if cfg.Server.AdminPrefix != "" {
		authenticator, err := auth.NewAuthenticator(cfg.Security)
		if err != nil {
			return nil, err
		}
		s.Auth = authenticator
	}

	s.Router = setupGinRouter(cfg)
	s.setupRoutes(cfg)
	return s, nil
}

// setupRepository 选择路由仓库实现
func (s *Server) setupRepository(ctx context.Context, cfg *config.Config) error {
	repoCfg := cfg.Gateway.Repository
	switch repoCfg.Type {
	case "redis":
		client, err := cache.NewClient(ctx, repoCfg.Redis)
		if err != nil {
			return err
		}
		s.RedisClient = client
		s.Repository = route.NewRedisRepository(client, repoCfg.Prefix)
	default:
		s.Repository = route.NewInMemoryRepository()
	}
	logger.Info("Route repository initialized", zap.String("type", repoCfg.Type))
	return nil
}

// setupDiscovery 创建实例来源和负载均衡算法，开启健康检查时用 HealthChecker 包装实例来源
func (s *Server) setupDiscovery(cfg *config.Config) (loadbalancer.Client, error) {
	dc := cfg.Gateway.Discovery
	registry, err := loadbalancer.NewRegistry(dc)
	if err != nil {
		return nil, err
	}
	balancer, err := loadbalancer.NewBalancer(dc.Algorithm, dc.Replicas)
	if err != nil {
		return nil, err
	}
	s.Registry = registry

	if cfg.Health.Enabled {
		s.HealthChecker = health.NewHealthChecker(registry, cfg.ServiceIDs(), cfg.Health)
		logger.Info("Load balancer initialized",
			zap.String("algorithm", balancer.Type()),
			zap.Bool("healthCheck", true))
		return loadbalancer.NewDiscoveryClient(s.HealthChecker, balancer), nil
	}
	logger.Info("Load balancer initialized",
		zap.String("algorithm", balancer.Type()),
		zap.Bool("healthCheck", false))
	return loadbalancer.NewDiscoveryClient(registry, balancer), nil
}

// warmTargets 配置中直连的路由地址和静态服务实例
func (s *Server) warmTargets(ctx context.Context, cfg *config.Config) []string {
	var targets []string
	for _, def := range cfg.RouteDefinitions() {
		if u, err := def.ParsedURI(); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
			targets = append(targets, def.URI)
		}
	}
	for _, id := range cfg.ServiceIDs() {
		instances, err := s.Registry.Instances(ctx, id)
		if err != nil {
			logger.Warn("Failed to list instances for pool warm-up", zap.String("service", id), zap.Error(err))
			continue
		}
		for _, inst := range instances {
			targets = append(targets, inst.Scheme()+"://"+inst.Address())
		}
	}
	return targets
}

// syncRoutes 把配置文件中的路由写入仓库并刷新路由快照
func (s *Server) syncRoutes(ctx context.Context, cfg *config.Config) error {
	ids, err := route.Sync(ctx, s.Repository, cfg.RouteDefinitions(), s.configRoutes)
	if err != nil {
		return err
	}
	s.configRoutes = ids
	return s.Gateway.Locator.Refresh(ctx)
}

// setupRoutes 注册网关自身的接口，其余请求交给路由转发
func (s *Server) setupRoutes(cfg *config.Config) {
	s.Router.GET("/health", s.handleHealth)
	s.Router.GET("/status", s.handleStatus)

	if cfg.Server.PprofEnabled {
		s.Router.GET("/debug/pprof/*profile", gin.WrapH(http.DefaultServeMux))
		logger.Info("pprof endpoints enabled at /debug/pprof")
	}
	if cfg.Metrics.Enabled {
		s.Router.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}
	var adminMiddleware []gin.HandlerFunc
	if s.Auth != nil {
		adminMiddleware = append(adminMiddleware, s.Auth.Middleware())
	}
	if admin := s.Gateway.Setup(s.Router, cfg.Server.AdminPrefix, adminMiddleware...); admin != nil {
		admin.POST("/config/save", s.handleSaveRoutes)
	}
}

// handleHealth 处理健康检查请求
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GatewayStatus 进程状态
type GatewayStatus struct {
	Uptime         string `json:"uptime"`
	Version        string `json:"version"`
	BuildTime      string `json:"build_time"`
	GitCommit      string `json:"git_commit"`
	MemoryAlloc    uint64 `json:"memory_alloc_bytes"`
	GoroutineCount int    `json:"goroutine_count"`
	Routes         int    `json:"routes"`
	PooledClients  int    `json:"pooled_clients"`
}

// handleStatus 返回进程状态和后端探测结果，reset=true 时清空探测统计
func (s *Server) handleStatus(c *gin.Context) {
	var statusReq struct {
		Reset bool `form:"reset"`
	}
	if err := c.ShouldBindQuery(&statusReq); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload"})
		return
	}
	if statusReq.Reset && s.HealthChecker != nil {
		s.HealthChecker.ResetAllStats()
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	status := GatewayStatus{
		Uptime:         time.Since(startTime).String(),
		Version:        Version,
		BuildTime:      BuildTime,
		GitCommit:      GitCommit,
		MemoryAlloc:    m.Alloc,
		GoroutineCount: runtime.NumGoroutine(),
		Routes:         len(s.Gateway.Locator.Routes()),
		PooledClients:  s.Pool.Len(),
	}

	backendStats := []health.TargetStatus{}
	if s.HealthChecker != nil {
		backendStats = s.HealthChecker.GetAllStats()
	}
	c.JSON(http.StatusOK, gin.H{
		"gateway":  status,
		"backends": backendStats,
	})
}

// handleSaveRoutes 把仓库中的路由导出到配置文件所在目录的 routes.yaml
func (s *Server) handleSaveRoutes(c *gin.Context) {
	defs, err := s.Repository.List(c.Request.Context())
	if err != nil {
		logger.Error("Failed to list routes", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list routes"})
		return
	}
	path := s.ConfigMgr.RoutesFile()
	if err := s.ConfigMgr.SaveRoutesToFile(defs, path); err != nil {
		logger.Error("Failed to save routes", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save routes"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Routes saved successfully", "path": path, "routes": len(defs)})
}

// refreshConfig 配置文件变更后同步路由、静态实例和健康检查目标
func (s *Server) refreshConfig(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg := <-s.ConfigMgr.ConfigChan:
			logger.Info("Refreshing gateway configuration")
			if static, ok := s.Registry.(*loadbalancer.StaticRegistry); ok {
				static.Update(newCfg.Gateway.Discovery.Services)
			}
			if s.HealthChecker != nil {
				s.HealthChecker.SetServices(newCfg.ServiceIDs())
			}
			s.Pool.Warm(s.warmTargets(ctx, newCfg))
			if err := s.syncRoutes(ctx, newCfg); err != nil {
				logger.Error("Failed to refresh routes", zap.Error(err))
				continue
			}
			logger.Info("Gateway configuration refreshed")
		}
	}
}

// start 启动后台任务和 HTTP 服务，阻塞到收到退出信号
func (s *Server) start(ctx context.Context, cancel context.CancelFunc) {
	cfg := s.ConfigMgr.GetConfig()
	logStartupInfo(cfg)

	if s.HealthChecker != nil {
		go s.HealthChecker.Start(ctx)
	}
	go s.Gateway.Locator.Watch(ctx, cfg.Gateway.Repository.RefreshInterval)

	s.httpServer = &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: s.Router,
	}
	go func() {
		logger.Info("Gateway listening", zap.String("address", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Failed to start server", zap.Error(err))
			os.Exit(1)
		}
	}()

	s.gracefulShutdown(cancel)
}

func logStartupInfo(cfg *config.Config) {
	logger.Info("Starting route-gateway",
		zap.String("port", cfg.Server.Port),
		zap.String("version", Version),
		zap.String("buildTime", BuildTime),
		zap.String("gitCommit", GitCommit),
		zap.Int("configuredRoutes", len(cfg.Gateway.Routes)),
		zap.String("repository", cfg.Gateway.Repository.Type),
		zap.String("discovery", cfg.Gateway.Discovery.Type),
		zap.Duration("responseTimeout", cfg.Gateway.HTTPClient.ResponseTimeout),
		zap.Bool("preserveHostHeader", cfg.Gateway.PreserveHostHeader),
		zap.Bool("tracing", cfg.Tracing.Enabled),
	)
}

func (s *Server) gracefulShutdown(cancel context.CancelFunc) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down gateway")

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	cancel()

	s.Pool.Close()
	if s.RedisClient != nil {
		_ = s.RedisClient.Close()
	}
	if s.TracingCleanup != nil {
		if err := s.TracingCleanup(shutdownCtx); err != nil {
			logger.Error("Failed to shutdown tracer provider", zap.Error(err))
		}
	}
	_ = logger.Sync()
}

func setupGinRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(cfg.Server.GinMode)
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.Tracing.Enabled {
		r.Use(middleware.Tracing())
	}
	return r
}
