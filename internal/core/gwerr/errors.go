package gwerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 错误分类
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidArgument
	KindNotFound
	KindBadGateway
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindNotFound:
		return "NotFound"
	case KindBadGateway:
		return "BadGateway"
	case KindTimeout:
		return "Timeout"
	default:
		return "Internal"
	}
}

// Error 网关核心返回的错误，Status 是在边界上渲染给客户端的状态码
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// InvalidArgument 路由定义等输入不合法
func InvalidArgument(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidArgument, Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// NotFound 路由 id 不存在或负载均衡没有可用实例，status 由调用方决定 (404 或 503)
func NotFound(status int, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Status: status, Message: fmt.Sprintf(format, args...)}
}

// BadGateway 连接后端失败 (拒绝连接、DNS、TLS 或协议错误)
func BadGateway(err error, format string, args ...any) *Error {
	return &Error{Kind: KindBadGateway, Status: http.StatusBadGateway, Message: fmt.Sprintf(format, args...), Err: err}
}

// Timeout 后端在响应超时时间内没有返回响应头
func Timeout(err error, format string, args ...any) *Error {
	return &Error{Kind: KindTimeout, Status: http.StatusGatewayTimeout, Message: fmt.Sprintf(format, args...), Err: err}
}

// Internal 不可恢复的错误，不会被重试
func Internal(err error, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Message: fmt.Sprintf(format, args...), Err: err}
}

// Is 判断错误链中是否存在指定分类的网关错误
func Is(err error, kind Kind) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == kind
}

// StatusOf 返回错误对应的 HTTP 状态码，非网关错误一律按 500 处理
func StatusOf(err error) int {
	var ge *Error
	if errors.As(err, &ge) && ge.Status != 0 {
		return ge.Status
	}
	return http.StatusInternalServerError
}

// KindOf 非网关错误按 Internal 处理
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// PublicMessage 可以返回给客户端的错误信息
//
// 只有 InvalidArgument 和 NotFound 保留 Message，其余分类使用固定文本，下层错误和后端地址只出现在日志里。
func PublicMessage(err error) string {
	switch KindOf(err) {
	case KindInvalidArgument, KindNotFound:
		var ge *Error
		errors.As(err, &ge)
		return ge.Message
	case KindTimeout:
		return "Response took longer than timeout"
	default:
		return http.StatusText(StatusOf(err))
	}
}
