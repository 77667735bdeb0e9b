package exchange

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/penwyp/route-gateway/internal/core/route"
	"github.com/penwyp/route-gateway/pkg/logger"
	"github.com/valyala/fasthttp"
)

// State exchange 的生命周期状态，只能向前推进
type State int32

const (
	StateCreated State = iota
	StateRouting
	StateForwarding
	StateResponding
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateRouting:
		return "Routing"
	case StateForwarding:
		return "Forwarding"
	case StateResponding:
		return "Responding"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal Completed 和 Failed 之后不再变化
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// Exchange 单个请求在过滤器链中流转的上下文
//
// 同一个 exchange 上的过滤器严格顺序执行，下面的命名字段不加锁；
// Attributes、状态和已转发标记可能被超时协程并发访问，使用锁或原子变量。
type Exchange struct {
	ID       string
	Request  *http.Request
	Response *Response

	// Route 上游路由匹配选中的路由
	Route *route.RouteDefinition
	// RequestURL 当前的目标地址，lb:// 会被负载均衡过滤器替换为实际地址
	RequestURL *url.URL
	// SchemePrefix 形如 lb:http://host 的目标中记录的前缀 (lb)
	SchemePrefix string
	// OriginalRequestURLs 每次改写目标地址前的原始地址，用于排查
	OriginalRequestURLs []*url.URL
	// PreserveHost 为 true 时向后端发送客户端原始的 Host
	PreserveHost bool

	// ClientResponse 后端响应，响应体以流的方式读取
	ClientResponse *fasthttp.Response
	// ClientConnection 发出请求所用的连接池
	ClientConnection *fasthttp.HostClient
	// OriginalResponseContentType 后端返回的 Content-Type
	OriginalResponseContentType string
	// ClientResponseHeaderNames 经过响应头过滤后允许发给客户端的头部名称
	ClientResponseHeaderNames []string

	StartedAt time.Time

	state  atomic.Int32
	routed atomic.Bool

	attrMu sync.RWMutex
	attrs  map[string]any

	releaseMu   sync.Mutex
	releaseFns  []func()
	releaseOnce sync.Once

	log *logger.Logger
}

// New 为一次入站请求创建 exchange，状态为 Created
func New(w http.ResponseWriter, r *http.Request) *Exchange {
	id := uuid.NewString()
	ex := &Exchange{
		ID:        id,
		Request:   r,
		Response:  NewResponse(w),
		StartedAt: time.Now(),
		attrs:     make(map[string]any),
	}
	ex.log = logger.WithExchange(ex.LogPrefix())
	return ex
}

// LogPrefix 日志前缀，取 id 的前 8 位
func (ex *Exchange) LogPrefix() string {
	if len(ex.ID) > 8 {
		return ex.ID[:8]
	}
	return ex.ID
}

// Logger 带有 exchange 前缀的日志
func (ex *Exchange) Logger() *logger.Logger {
	if ex.log == nil {
		ex.log = logger.WithExchange(ex.LogPrefix())
	}
	return ex.log
}

// Context 入站请求的上下文，客户端断开时被取消
func (ex *Exchange) Context() context.Context {
	if ex.Request == nil {
		return context.Background()
	}
	return ex.Request.Context()
}

// State 当前生命周期状态
func (ex *Exchange) State() State {
	return State(ex.state.Load())
}

// Transition 推进到 next，next 不在当前状态之后或当前已结束时返回 false
func (ex *Exchange) Transition(next State) bool {
	for {
		cur := State(ex.state.Load())
		if cur.Terminal() || next <= cur {
			return false
		}
		if ex.state.CompareAndSwap(int32(cur), int32(next)) {
			return true
		}
	}
}

// MarkRouted 原子地设置已转发标记，只有第一次调用返回 true
func (ex *Exchange) MarkRouted() bool {
	return ex.routed.CompareAndSwap(false, true)
}

// Routed 是否已经转发过
func (ex *Exchange) Routed() bool {
	return ex.routed.Load()
}

// SetRequestURL 替换目标地址，旧地址追加到 OriginalRequestURLs
func (ex *Exchange) SetRequestURL(u *url.URL) {
	if ex.RequestURL != nil {
		ex.OriginalRequestURLs = append(ex.OriginalRequestURLs, ex.RequestURL)
	}
	ex.RequestURL = u
}

// RouteID 当前路由 id，未匹配路由时为空
func (ex *Exchange) RouteID() string {
	if ex.Route == nil {
		return ""
	}
	return ex.Route.ID
}

// Set 写入扩展属性
func (ex *Exchange) Set(key string, value any) {
	ex.attrMu.Lock()
	if ex.attrs == nil {
		ex.attrs = make(map[string]any)
	}
	ex.attrs[key] = value
	ex.attrMu.Unlock()
}

// Get 读取扩展属性
func (ex *Exchange) Get(key string) (any, bool) {
	ex.attrMu.RLock()
	defer ex.attrMu.RUnlock()
	v, ok := ex.attrs[key]
	return v, ok
}

// Remove 删除扩展属性
func (ex *Exchange) Remove(key string) {
	ex.attrMu.Lock()
	delete(ex.attrs, key)
	ex.attrMu.Unlock()
}

// OnRelease 注册 exchange 结束时需要释放的资源 (后端响应、连接)
func (ex *Exchange) OnRelease(fn func()) {
	ex.releaseMu.Lock()
	ex.releaseFns = append(ex.releaseFns, fn)
	ex.releaseMu.Unlock()
}

// Release 按注册的逆序释放资源，多次调用只生效一次
func (ex *Exchange) Release() {
	ex.releaseOnce.Do(func() {
		ex.releaseMu.Lock()
		fns := ex.releaseFns
		ex.releaseFns = nil
		ex.releaseMu.Unlock()
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
		ex.ClientResponse = nil
		ex.ClientConnection = nil
	})
}
