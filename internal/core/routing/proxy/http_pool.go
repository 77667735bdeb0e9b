package proxy

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/penwyp/route-gateway/pkg/logger"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	defaultMaxIdleConnDuration = 30 * time.Second
	defaultConnectTimeout      = 3 * time.Second
	defaultReadTimeout         = 30 * time.Second
	defaultWriteTimeout        = 30 * time.Second

	// 超过该大小的定长响应体不在等待响应头时读完，改为流式读取
	streamBodyThreshold = 64 * 1024
)

// PoolConfig 后端连接池配置
type PoolConfig struct {
	MaxConnsPerHost     int           `mapstructure:"maxConnsPerHost" yaml:"maxConnsPerHost"`
	ConnectTimeout      time.Duration `mapstructure:"connectTimeout" yaml:"connectTimeout"`
	ReadTimeout         time.Duration `mapstructure:"readTimeout" yaml:"readTimeout"`
	WriteTimeout        time.Duration `mapstructure:"writeTimeout" yaml:"writeTimeout"`
	MaxIdleConnDuration time.Duration `mapstructure:"maxIdleConnDuration" yaml:"maxIdleConnDuration"`
	InsecureSkipVerify  bool          `mapstructure:"insecureSkipVerify" yaml:"insecureSkipVerify"`
}

// HTTPConnectionPool 按 scheme + host:port 复用 fasthttp.HostClient
//
// 查找远多于创建，使用 sync.Map。
type HTTPConnectionPool struct {
	clients sync.Map // map[string]*fasthttp.HostClient
	conns   sync.Map // 本地地址 -> *trackedConn
	cfg     PoolConfig
}

// NewHTTPConnectionPool 创建连接池，未配置的超时使用默认值
func NewHTTPConnectionPool(cfg PoolConfig) *HTTPConnectionPool {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MaxIdleConnDuration <= 0 {
		cfg.MaxIdleConnDuration = defaultMaxIdleConnDuration
	}
	logger.Info("HTTP connection pool created",
		zap.Int("maxConnsPerHost", cfg.MaxConnsPerHost),
		zap.Duration("connectTimeout", cfg.ConnectTimeout),
		zap.Duration("readTimeout", cfg.ReadTimeout))
	return &HTTPConnectionPool{cfg: cfg}
}

// Warm 预先为已知后端创建 HostClient，非法地址只记录日志
func (p *HTTPConnectionPool) Warm(targets []string) int {
	var initialized int
	for _, target := range targets {
		key, addr, isTLS, err := normalizeTarget(target)
		if err != nil {
			logger.Error("Invalid target address detected",
				zap.String("target", target),
				zap.Error(err))
			continue
		}
		if _, loaded := p.clients.LoadOrStore(key, p.newHostClient(addr, isTLS)); !loaded {
			initialized++
		}
	}
	logger.Info("HTTP connection pool warmed", zap.Int("initializedTargets", initialized))
	return initialized
}

// GetClient 获取或创建目标地址对应的 HostClient
func (p *HTTPConnectionPool) GetClient(target string) (*fasthttp.HostClient, error) {
	key, addr, isTLS, err := normalizeTarget(target)
	if err != nil {
		logger.Error("Failed to normalize target address",
			zap.String("target", target),
			zap.Error(err))
		return nil, err
	}

	if client, ok := p.clients.Load(key); ok {
		return client.(*fasthttp.HostClient), nil
	}

	// 服务发现返回的新实例在第一次请求时创建
	client, loaded := p.clients.LoadOrStore(key, p.newHostClient(addr, isTLS))
	if !loaded {
		logger.Info("Dynamically created new HostClient", zap.String("key", key))
	}
	return client.(*fasthttp.HostClient), nil
}

// Len 当前缓存的 HostClient 数量
func (p *HTTPConnectionPool) Len() int {
	n := 0
	p.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close 关闭空闲连接并清空缓存
func (p *HTTPConnectionPool) Close() {
	p.clients.Range(func(key, value any) bool {
		value.(*fasthttp.HostClient).CloseIdleConnections()
		p.clients.Delete(key)
		return true
	})
	logger.Info("HTTP connection pool closed")
}

// ExtendReadDeadline 把本地地址对应连接的读超时重置为 ReadTimeout
//
// 等待响应头时的超时比 ReadTimeout 短，流式读取响应体前需要重置。
func (p *HTTPConnectionPool) ExtendReadDeadline(local net.Addr) bool {
	if local == nil {
		return false
	}
	conn, ok := p.conns.Load(local.String())
	if !ok {
		return false
	}
	if err := conn.(*trackedConn).SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout)); err != nil {
		logger.Debug("Failed to extend read deadline",
			zap.String("local", local.String()),
			zap.Error(err))
		return false
	}
	return true
}

// Conns 当前打开的后端连接数
func (p *HTTPConnectionPool) Conns() int {
	n := 0
	p.conns.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// trackedConn 关闭时从连接表中移除
type trackedConn struct {
	net.Conn
	key    string
	remove func(key string)
	once   sync.Once
}

func (c *trackedConn) Close() error {
	c.once.Do(func() { c.remove(c.key) })
	return c.Conn.Close()
}

func (p *HTTPConnectionPool) dial(addr string) (net.Conn, error) {
	conn, err := fasthttp.DialTimeout(addr, p.cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	tc := &trackedConn{
		Conn:   conn,
		key:    conn.LocalAddr().String(),
		remove: func(key string) { p.conns.Delete(key) },
	}
	p.conns.Store(tc.key, tc)
	return tc, nil
}

// normalizeTarget 解析出缓存 key、带端口的地址和是否使用 TLS
//
// 只接受 http 和 https，缺省端口按 scheme 补齐。
func normalizeTarget(target string) (key, addr string, isTLS bool, err error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", "", false, err
	}
	switch u.Scheme {
	case "http":
	case "https":
		isTLS = true
	default:
		return "", "", false, fmt.Errorf("unsupported scheme %q in target %s", u.Scheme, target)
	}
	if u.Host == "" {
		return "", "", false, fmt.Errorf("target %s has no host", target)
	}

	addr = u.Host
	if u.Port() == "" {
		port := "80"
		if isTLS {
			port = "443"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}
	return u.Scheme + "://" + addr, addr, isTLS, nil
}

func (p *HTTPConnectionPool) newHostClient(addr string, isTLS bool) *fasthttp.HostClient {
	client := &fasthttp.HostClient{
		Addr:                addr,
		IsTLS:               isTLS,
		Dial:                p.dial,
		MaxConns:            p.cfg.MaxConnsPerHost,
		MaxIdleConnDuration: p.cfg.MaxIdleConnDuration,
		ReadTimeout:         p.cfg.ReadTimeout,
		WriteTimeout:        p.cfg.WriteTimeout,
		// 响应体交给写回过滤器按块读取
		StreamResponseBody:       true,
		MaxResponseBodySize:      streamBodyThreshold,
		DisablePathNormalizing:   true,
		NoDefaultUserAgentHeader: true,
	}
	if isTLS {
		client.TLSConfig = &tls.Config{InsecureSkipVerify: p.cfg.InsecureSkipVerify} //nolint:gosec
	}
	return client
}
