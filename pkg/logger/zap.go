package logger

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 包装 zap.Logger，作为网关的全局日志实例
type Logger struct {
	*zap.Logger
}

var (
	loggerInstance *Logger
	initOnce       sync.Once
	instanceMu     sync.RWMutex
)

// Config 日志配置
type Config struct {
	Level      string `mapstructure:"level"`      // debug, info, warn, error
	FilePath   string `mapstructure:"filePath"`   // 为空时只输出到控制台
	MaxSize    int    `mapstructure:"maxSize"`    // 单个文件最大 MB
	MaxBackups int    `mapstructure:"maxBackups"` // 保留的旧文件数
	MaxAge     int    `mapstructure:"maxAge"`     // 保留天数
	Compress   bool   `mapstructure:"compress"`
}

// InitTestLogger 使用 observer 初始化日志，测试中可以断言输出的日志条目
func InitTestLogger() (*Logger, *observer.ObservedLogs) {
	obsCore, recorded := observer.New(zapcore.DebugLevel)
	zapLogger := zap.New(obsCore, zap.AddCaller(), zap.AddCallerSkip(1))
	setInstance(&Logger{zapLogger})
	zap.ReplaceGlobals(zapLogger)
	return GetLogger(), recorded
}

// Init 初始化全局日志实例，只生效一次
func Init(cfg Config) *Logger {
	initOnce.Do(func() {
		core := zapcore.NewCore(getEncoder(), getWriteSyncer(cfg), getLogLevel(cfg.Level))
		zapLogger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zap.ErrorLevel))
		setInstance(&Logger{zapLogger})
		zap.ReplaceGlobals(zapLogger)
	})
	return GetLogger()
}

func setInstance(l *Logger) {
	instanceMu.Lock()
	loggerInstance = l
	instanceMu.Unlock()
}

// GetLogger 获取全局日志实例，未初始化时使用只输出到控制台的默认配置
func GetLogger() *Logger {
	instanceMu.RLock()
	l := loggerInstance
	instanceMu.RUnlock()
	if l == nil {
		return Init(Config{Level: "info"})
	}
	return l
}

// Sync 刷新日志缓冲区
func Sync() error {
	return GetLogger().Logger.Sync()
}

func getEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoder(func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("2006-01-02T15:04:05.000-07:00"))
	})
	encoderConfig.TimeKey = "time"
	encoderConfig.LevelKey = "level"
	encoderConfig.MessageKey = "msg"
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	return zapcore.NewConsoleEncoder(encoderConfig)
}

// getWriteSyncer 控制台始终输出，配置了文件路径时再加一路滚动文件
func getWriteSyncer(cfg Config) zapcore.WriteSyncer {
	stdout := zapcore.AddSync(os.Stdout)
	if cfg.FilePath == "" {
		return stdout
	}
	fileWriter := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
	return zapcore.NewMultiWriteSyncer(zapcore.AddSync(fileWriter), stdout)
}

func getLogLevel(level string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// Debug 记录调试日志
func Debug(msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, fields...)
}

// Info 记录信息日志
func Info(msg string, fields ...zap.Field) {
	GetLogger().Info(msg, fields...)
}

// Warn 记录警告日志
func Warn(msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, fields...)
}

// Error 记录错误日志
func Error(msg string, fields ...zap.Field) {
	GetLogger().Error(msg, fields...)
}

// WithExchange 返回带有请求前缀的子日志，同一个 exchange 的日志可以串起来
func WithExchange(logPrefix string) *Logger {
	return &Logger{GetLogger().With(zap.String("exchange", logPrefix))}
}

// WithTrace 添加分布式追踪字段
func WithTrace(traceID string) *Logger {
	return &Logger{GetLogger().With(zap.String("trace_id", traceID))}
}
