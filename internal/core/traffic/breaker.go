package traffic

import (
	"sync"
	"time"

	"github.com/afex/hystrix-go/hystrix"
	"github.com/penwyp/route-gateway/internal/core/observability"
	"github.com/penwyp/route-gateway/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// RequestStat 单个请求的结果
type RequestStat struct {
	Success   bool          // 请求是否成功
	Latency   time.Duration // 请求处理时长
	Timestamp time.Time     // 请求完成时间
}

// TimeSlidingWindow 基于时间的滑动窗口，只保留 duration 以内的请求统计
type TimeSlidingWindow struct {
	requests []RequestStat
	mutex    sync.RWMutex
	duration time.Duration
}

// NewTimeSlidingWindow 创建新的时间滑动窗口
func NewTimeSlidingWindow(duration time.Duration) *TimeSlidingWindow {
	return &TimeSlidingWindow{
		requests: make([]RequestStat, 0),
		duration: duration,
	}
}

// Update 添加请求统计，顺带丢弃过期的记录
func (sw *TimeSlidingWindow) Update(stat RequestStat) {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()
	sw.requests = append(sw.requests, stat)
	sw.pruneLocked(time.Now())
}

func (sw *TimeSlidingWindow) pruneLocked(now time.Time) {
	i := 0
	for i < len(sw.requests) && now.Sub(sw.requests[i].Timestamp) > sw.duration {
		i++
	}
	if i > 0 {
		sw.requests = append(sw.requests[:0], sw.requests[i:]...)
	}
}

// snapshot 窗口内仍然有效的统计
func (sw *TimeSlidingWindow) snapshot() []RequestStat {
	sw.mutex.RLock()
	defer sw.mutex.RUnlock()
	now := time.Now()
	valid := make([]RequestStat, 0, len(sw.requests))
	for _, stat := range sw.requests {
		if now.Sub(stat.Timestamp) <= sw.duration {
			valid = append(valid, stat)
		}
	}
	return valid
}

// ErrorRate 窗口内的错误率
func (sw *TimeSlidingWindow) ErrorRate() float64 {
	stats := sw.snapshot()
	if len(stats) == 0 {
		return 0
	}
	var failed int
	for _, stat := range stats {
		if !stat.Success {
			failed++
		}
	}
	return float64(failed) / float64(len(stats))
}

// AvgLatency 窗口内请求的平均延迟
func (sw *TimeSlidingWindow) AvgLatency() time.Duration {
	stats := sw.snapshot()
	if len(stats) == 0 {
		return 0
	}
	var total time.Duration
	for _, stat := range stats {
		total += stat.Latency
	}
	return total / time.Duration(len(stats))
}

var (
	// errorRateGauge 每个熔断命令在窗口内的错误率
	errorRateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_breaker_error_rate",
			Help: "Error rate of requests guarded by a breaker",
		},
		[]string{"command"},
	)

	// latencyGauge 每个熔断命令在窗口内的平均延迟（秒）
	latencyGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_breaker_avg_latency_seconds",
			Help: "Average latency of requests guarded by a breaker in seconds",
		},
		[]string{"command"},
	)
)

// BreakerConfig 熔断参数，毫秒单位与 hystrix 保持一致
type BreakerConfig struct {
	Timeout        int     `mapstructure:"timeout" yaml:"timeout"`
	MaxConcurrent  int     `mapstructure:"maxConcurrent" yaml:"maxConcurrent"`
	MinRequests    int     `mapstructure:"minRequests" yaml:"minRequests"`
	SleepWindow    int     `mapstructure:"sleepWindow" yaml:"sleepWindow"`
	ErrorRate      float64 `mapstructure:"errorRate" yaml:"errorRate"`
	WindowDuration int     `mapstructure:"windowDuration" yaml:"windowDuration"` // 秒
}

// DefaultBreakerConfig hystrix 默认值
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Timeout:        hystrix.DefaultTimeout,
		MaxConcurrent:  hystrix.DefaultMaxConcurrent,
		MinRequests:    hystrix.DefaultVolumeThreshold,
		SleepWindow:    hystrix.DefaultSleepWindow,
		ErrorRate:      float64(hystrix.DefaultErrorPercentThreshold) / 100,
		WindowDuration: 10,
	}
}

// Breaker 一个 hystrix 命令的熔断器
//
// 不使用 hystrix.Do：Do 超时后回调仍在运行，而过滤器链必须在当前 goroutine 上完成。
// 这里只借用 hystrix 的熔断状态机，由调用方上报每次请求的结果。
type Breaker struct {
	command string
	window  *TimeSlidingWindow
}

// NewBreaker 配置 hystrix 命令，同名命令的配置会被覆盖
func NewBreaker(command string, cfg BreakerConfig) *Breaker {
	hystrix.ConfigureCommand(command, hystrix.CommandConfig{
		Timeout:                cfg.Timeout,
		MaxConcurrentRequests:  cfg.MaxConcurrent,
		RequestVolumeThreshold: cfg.MinRequests,
		SleepWindow:            cfg.SleepWindow,
		ErrorPercentThreshold:  int(cfg.ErrorRate * 100),
	})
	window := cfg.WindowDuration
	if window <= 0 {
		window = 10
	}
	logger.Info("Breaker configured",
		zap.String("command", command),
		zap.Int("minRequests", cfg.MinRequests),
		zap.Float64("errorRate", cfg.ErrorRate),
		zap.Int("sleepWindowMs", cfg.SleepWindow))
	return &Breaker{
		command: command,
		window:  NewTimeSlidingWindow(time.Duration(window) * time.Second),
	}
}

func (b *Breaker) Command() string {
	return b.command
}

// Allow 熔断打开时返回 false 并记录一次短路
func (b *Breaker) Allow() bool {
	circuit, _, err := hystrix.GetCircuit(b.command)
	if err != nil {
		logger.Error("Failed to load circuit", zap.String("command", b.command), zap.Error(err))
		return true
	}
	if circuit.AllowRequest() {
		return true
	}
	_ = circuit.ReportEvent([]string{"short-circuit"}, time.Now(), 0)
	observability.BreakerTrips.WithLabelValues(b.command).Inc()
	logger.Warn("Circuit breaker open, request short-circuited", zap.String("command", b.command))
	return false
}

// Report 上报一次请求结果，timedOut 优先于 success
func (b *Breaker) Report(success, timedOut bool, start time.Time) {
	latency := time.Since(start)
	event := "success"
	switch {
	case timedOut:
		event = "timeout"
	case !success:
		event = "failure"
	}
	if circuit, _, err := hystrix.GetCircuit(b.command); err == nil {
		_ = circuit.ReportEvent([]string{event}, start, latency)
	}

	b.window.Update(RequestStat{Success: success && !timedOut, Latency: latency, Timestamp: time.Now()})
	errorRate := b.window.ErrorRate()
	avgLatency := b.window.AvgLatency()
	errorRateGauge.WithLabelValues(b.command).Set(errorRate)
	latencyGauge.WithLabelValues(b.command).Set(avgLatency.Seconds())

	logger.Debug("Updated breaker statistics",
		zap.String("command", b.command),
		zap.String("event", event),
		zap.Duration("latency", latency),
		zap.Float64("errorRate", errorRate),
		zap.Duration("avgLatency", avgLatency))
}

// Open 熔断器当前是否处于打开状态
func (b *Breaker) Open() bool {
	circuit, _, err := hystrix.GetCircuit(b.command)
	return err == nil && circuit.IsOpen()
}

// Stats 窗口内的错误率和平均延迟
func (b *Breaker) Stats() (float64, time.Duration) {
	return b.window.ErrorRate(), b.window.AvgLatency()
}
