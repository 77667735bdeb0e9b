package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/penwyp/route-gateway/internal/core/observability"
	"github.com/penwyp/route-gateway/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// SubjectKey gin.Context 中保存认证主体的键
const SubjectKey = "username"

var authTracer = otel.Tracer("auth:admin")

// Config 管理接口认证配置
type Config struct {
	JWT  JWTConfig  `mapstructure:"jwt" yaml:"jwt"`
	RBAC RBACConfig `mapstructure:"rbac" yaml:"rbac"`
}

// JWTConfig HS256 签名的 Bearer Token
type JWTConfig struct {
	Secret    string        `mapstructure:"secret" yaml:"secret"`
	Issuer    string        `mapstructure:"issuer" yaml:"issuer"`
	ExpiresIn time.Duration `mapstructure:"expiresIn" yaml:"expiresIn"`
}

// RBACConfig 开启后按 casbin 策略检查 (subject, path, method)
type RBACConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	PolicyPath string `mapstructure:"policyPath" yaml:"policyPath"`
}

// rbacModel 策略中的路径支持 keyMatch2 写法，例如 /admin/routes/:id、/admin/*
const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && keyMatch2(r.obj, p.obj) && (r.act == p.act || p.act == "*")
`

// Claims 管理接口 Token 的声明
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Authenticator 校验管理接口的 Bearer Token，开启 RBAC 时再做权限检查
type Authenticator struct {
	cfg      Config
	enforcer *casbin.Enforcer
}

// NewAuthenticator 没有配置密钥时返回错误
func NewAuthenticator(cfg Config) (*Authenticator, error) {
	if cfg.JWT.Secret == "" {
		return nil, errors.New("jwt secret is required to protect the admin API")
	}
	if cfg.JWT.ExpiresIn <= 0 {
		cfg.JWT.ExpiresIn = time.Hour
	}
	a := &Authenticator{cfg: cfg}

	if cfg.RBAC.Enabled {
		m, err := model.NewModelFromString(rbacModel)
		if err != nil {
			return nil, fmt.Errorf("loading rbac model: %w", err)
		}
		e, err := casbin.NewEnforcer(m, cfg.RBAC.PolicyPath)
		if err != nil {
			logger.Error("Failed to initialize Casbin enforcer",
				zap.String("policyPath", cfg.RBAC.PolicyPath),
				zap.Error(err))
			return nil, fmt.Errorf("loading rbac policy %s: %w", cfg.RBAC.PolicyPath, err)
		}
		a.enforcer = e
	}
	logger.Info("Admin authentication initialized",
		zap.Bool("rbac", cfg.RBAC.Enabled),
		zap.Duration("tokenTTL", cfg.JWT.ExpiresIn))
	return a, nil
}

// GenerateToken 签发管理接口使用的 Token
func (a *Authenticator) GenerateToken(username string) (string, error) {
	now := time.Now()
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.cfg.JWT.Issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.JWT.ExpiresIn)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.cfg.JWT.Secret))
	if err != nil {
		logger.Error("Failed to generate JWT token", zap.String("username", username), zap.Error(err))
		return "", err
	}
	return signed, nil
}

// ValidateToken 只接受 HS256
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.cfg.JWT.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.JWT.Issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return []byte(a.cfg.JWT.Secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if claims.Username == "" {
		return nil, errors.New("token has no username")
	}
	return claims, nil
}

// Allowed 未开启 RBAC 时所有合法 Token 都有权限
func (a *Authenticator) Allowed(sub, obj, act string) bool {
	if a.enforcer == nil {
		return true
	}
	ok, err := a.enforcer.Enforce(sub, obj, act)
	if err != nil {
		logger.Error("Failed to enforce RBAC permission",
			zap.String("subject", sub),
			zap.String("object", obj),
			zap.String("action", act),
			zap.Error(err))
		return false
	}
	return ok
}

// Middleware 保护管理接口的 gin 中间件
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := authTracer.Start(c.Request.Context(), "Auth.Admin",
			trace.WithAttributes(attribute.String("path", c.Request.URL.Path)))
		defer span.End()

		reject := func(status int, reason, msg string) {
			span.SetStatus(codes.Error, msg)
			observability.AdminAuthFailures.WithLabelValues(reason).Inc()
			c.AbortWithStatusJSON(status, gin.H{"error": msg})
		}

		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || token == "" {
			logger.Warn("Admin request without bearer token", zap.String("path", c.Request.URL.Path))
			reject(http.StatusUnauthorized, "missing_token", "Authorization header required")
			return
		}
		claims, err := a.ValidateToken(token)
		if err != nil {
			span.RecordError(err)
			logger.Warn("Invalid JWT token", zap.Error(err))
			reject(http.StatusUnauthorized, "invalid_token", "Invalid or expired token")
			return
		}
		if !a.Allowed(claims.Username, c.Request.URL.Path, c.Request.Method) {
			logger.Warn("RBAC permission denied",
				zap.String("subject", claims.Username),
				zap.String("object", c.Request.URL.Path),
				zap.String("action", c.Request.Method))
			reject(http.StatusForbidden, "forbidden", "Permission denied")
			return
		}

		span.SetAttributes(attribute.String("username", claims.Username))
		c.Set(SubjectKey, claims.Username)
		c.Next()
	}
}
