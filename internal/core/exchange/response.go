package exchange

import (
	"errors"
	"net/http"
	"sync"
)

// ErrCommitted 响应头已经写出后不能再修改状态码
var ErrCommitted = errors.New("response already committed")

// Response 发往客户端的响应
//
// 过滤器先在 Header 和状态码上累积修改，Commit 时一次性写到底层 writer；
// 写出之后 Header 的修改不再生效。
type Response struct {
	mu        sync.Mutex
	writer    http.ResponseWriter
	header    http.Header
	status    int
	committed bool
}

// NewResponse 包装底层 writer，w 可以为 nil (只在内存中累积，用于测试)
func NewResponse(w http.ResponseWriter) *Response {
	return &Response{writer: w, header: make(http.Header)}
}

// Header 待写出的响应头
func (r *Response) Header() http.Header {
	return r.header
}

// StatusCode 当前状态码，未设置时为 0
func (r *Response) StatusCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SetStatusCode 设置状态码，取值不在 100-599 或已经写出时返回 false
func (r *Response) SetStatusCode(code int) bool {
	if code < 100 || code > 599 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.committed {
		return false
	}
	r.status = code
	return true
}

// Committed 响应头是否已经写出
func (r *Response) Committed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed
}

// Commit 写出状态码和响应头，重复调用返回 ErrCommitted
func (r *Response) Commit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.committed {
		return ErrCommitted
	}
	r.commitLocked()
	return nil
}

func (r *Response) commitLocked() {
	r.committed = true
	if r.status == 0 {
		r.status = http.StatusOK
	}
	if r.writer == nil {
		return
	}
	dst := r.writer.Header()
	for k, vs := range r.header {
		dst[k] = append([]string(nil), vs...)
	}
	r.writer.WriteHeader(r.status)
}

// Write 写响应体，必要时先写出响应头
func (r *Response) Write(p []byte) (int, error) {
	r.mu.Lock()
	if !r.committed {
		r.commitLocked()
	}
	w := r.writer
	r.mu.Unlock()
	if w == nil {
		return len(p), nil
	}
	return w.Write(p)
}

// Flush 把已写入的数据推送给客户端
func (r *Response) Flush() {
	if f, ok := r.writer.(http.Flusher); ok {
		f.Flush()
	}
}
