package filter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"

	"github.com/penwyp/route-gateway/internal/core/exchange"
	"github.com/penwyp/route-gateway/internal/core/gwerr"
	"go.uber.org/zap"
)

// LowestPrecedence 没有声明顺序的过滤器排在最后
const LowestPrecedence = math.MaxInt32

// Chain 剩余的过滤器链
//
// 每个 Chain 值只能调用一次，重复调用什么都不做。
type Chain interface {
	Filter(ex *exchange.Exchange) error
}

// GatewayFilter 过滤器可以直接结束 exchange (不调用 chain)、委托给 chain 并在其返回后做后置处理、
// 或者返回错误。
type GatewayFilter interface {
	Filter(ex *exchange.Exchange, chain Chain) error
}

// Ordered 声明执行顺序，数值小的先执行
type Ordered interface {
	Order() int
}

// GlobalFilter 对所有路由生效的过滤器，进程内单例
type GlobalFilter interface {
	GatewayFilter
	Ordered
}

// Func 把函数适配成 GatewayFilter
type Func func(ex *exchange.Exchange, chain Chain) error

func (f Func) Filter(ex *exchange.Exchange, chain Chain) error {
	return f(ex, chain)
}

// OrderedFilter 给路由过滤器附加顺序
type OrderedFilter struct {
	Delegate GatewayFilter
	order    int
}

// NewOrderedFilter 包装 delegate
func NewOrderedFilter(delegate GatewayFilter, order int) *OrderedFilter {
	return &OrderedFilter{Delegate: delegate, order: order}
}

func (f *OrderedFilter) Order() int {
	return f.order
}

func (f *OrderedFilter) Filter(ex *exchange.Exchange, chain Chain) error {
	return f.Delegate.Filter(ex, chain)
}

func (f *OrderedFilter) String() string {
	return fmt.Sprintf("[%T, order = %d]", f.Delegate, f.order)
}

// OrderOf 未实现 Ordered 的过滤器按 LowestPrecedence 处理
func OrderOf(f GatewayFilter) int {
	if o, ok := f.(Ordered); ok {
		return o.Order()
	}
	return LowestPrecedence
}

// Sort 按顺序值升序的稳定排序，返回新切片
//
// 顺序值相同时保持注册顺序：全局过滤器在前，路由过滤器按定义顺序在后。
func Sort(filters []GatewayFilter) []GatewayFilter {
	sorted := append([]GatewayFilter(nil), filters...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return OrderOf(sorted[i]) < OrderOf(sorted[j])
	})
	return sorted
}

// Combine 合并全局过滤器和路由过滤器并排序
func Combine(globals []GlobalFilter, routeFilters []GatewayFilter) []GatewayFilter {
	all := make([]GatewayFilter, 0, len(globals)+len(routeFilters))
	for _, g := range globals {
		all = append(all, g)
	}
	all = append(all, routeFilters...)
	return Sort(all)
}

// defaultChain 以下标作为游标，每前进一步生成新的 Chain 值
type defaultChain struct {
	filters []GatewayFilter
	index   int
	used    atomic.Bool
}

// NewChain filters 需要已经排好序
func NewChain(filters []GatewayFilter) Chain {
	return &defaultChain{filters: filters}
}

func (c *defaultChain) Filter(ex *exchange.Exchange) error {
	if !c.used.CompareAndSwap(false, true) {
		ex.Logger().Warn("Filter chain continuation invoked more than once, ignoring",
			zap.Int("index", c.index))
		return nil
	}
	if c.index >= len(c.filters) {
		return nil
	}
	if err := ex.Context().Err(); err != nil {
		return canceled(err, c.filters[c.index])
	}
	next := &defaultChain{filters: c.filters, index: c.index + 1}
	return c.filters[c.index].Filter(ex, next)
}

func canceled(err error, pending GatewayFilter) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return gwerr.Timeout(err, "exchange deadline exceeded before %T", pending)
	}
	return fmt.Errorf("exchange canceled before %T: %w", pending, err)
}
